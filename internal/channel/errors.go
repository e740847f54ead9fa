package channel

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotConnected is returned by operations on a channel that was never
// opened or has already been closed. A pending Read is resolved with
// this error when the channel closes underneath it.
var ErrNotConnected = errors.New("channel not connected")

// ErrConcurrentRead is returned when Read is called while another Read
// is still waiting for a message. The channel supports a single reader.
var ErrConcurrentRead = errors.New("concurrent read on channel")

// ConnectError is returned when the remote endpoint refuses the
// connection or the handshake fails for a reason other than timeout.
type ConnectError struct {
	Endpoint string
	Err      error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect to %s: %v", e.Endpoint, e.Err)
}

// Unwrap returns the underlying dial error.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ConnectTimeoutError is returned when a connection does not reach the
// open state within the configured window.
type ConnectTimeoutError struct {
	Endpoint string
	Timeout  time.Duration
}

// Error implements the error interface.
func (e *ConnectTimeoutError) Error() string {
	if e.Endpoint == "" {
		return fmt.Sprintf("no endpoint became reachable within %s", e.Timeout)
	}
	return fmt.Sprintf("connect to %s: not open after %s", e.Endpoint, e.Timeout)
}
