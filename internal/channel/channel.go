// Package channel provides a message-oriented duplex connection to a
// tool provider. Inbound messages are read continuously in the
// background and queued in arrival order, so a message that arrives
// before anyone asked for it is never lost. At most one Read may be
// waiting at a time.
package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// State is the lifecycle state of a Channel.
type State int

const (
	// StateConnecting means the underlying connection is being established.
	StateConnecting State = iota

	// StateOpen means messages can be read and written.
	StateOpen

	// StateClosed is terminal. Operations fail with ErrNotConnected,
	// except that messages queued before the remote side hung up can
	// still be read.
	StateClosed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Conn is a connection that delivers whole messages. The websocket
// connection returned by Open satisfies it; tests substitute in-memory
// fakes. ReadMessage is only ever called from one goroutine.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(p []byte) error
	Close() error
}

// readResult is what a pending reader receives.
type readResult struct {
	msg []byte
	err error
}

// Channel is a duplex message channel with queued-read semantics.
type Channel struct {
	conn   Conn
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	state   State
	queue   [][]byte
	waiter  chan readResult
	lostErr error // set when the remote side ended the connection

	closeOnce sync.Once
	done      chan struct{}
}

// New wraps an established connection in an open Channel and starts
// the background read loop.
func New(conn Conn, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		conn:   conn,
		logger: logger,
		state:  StateOpen,
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// State reports the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the channel reaches StateClosed, either through
// Close or because the remote side went away.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Read returns the next inbound message. A queued message is returned
// immediately; otherwise Read waits until one arrives, the channel is
// closed, or ctx is done. Only one Read may wait at a time.
func (c *Channel) Read(ctx context.Context) ([]byte, error) {
	c.mu.Lock()
	// A local Close empties the queue, so anything still queued here
	// arrived before the remote side went away and is still readable.
	if len(c.queue) > 0 {
		msg := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.mu.Unlock()
		return msg, nil
	}
	if c.state != StateOpen {
		err := c.closedErrLocked()
		c.mu.Unlock()
		return nil, err
	}
	if c.waiter != nil {
		c.mu.Unlock()
		return nil, ErrConcurrentRead
	}
	ch := make(chan readResult, 1)
	c.waiter = ch
	c.mu.Unlock()

	select {
	case res := <-ch:
		return res.msg, res.err
	case <-ctx.Done():
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.waiter == ch {
			c.waiter = nil
			return nil, ctx.Err()
		}
		// The read loop handed us a result between ctx firing and
		// taking the lock. Keep a delivered message for the next reader.
		res := <-ch
		if res.err == nil {
			c.queue = append([][]byte{res.msg}, c.queue...)
		}
		return nil, ctx.Err()
	}
}

// Write sends one whole message. A write that fails because the
// channel closed underneath it reports ErrNotConnected.
func (c *Channel) Write(p []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.closedErr(); err != nil {
		return err
	}
	if err := c.conn.WriteMessage(p); err != nil {
		if closed := c.closedErr(); closed != nil {
			return closed
		}
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// closedErr returns the closed-channel error, or nil while open.
func (c *Channel) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOpen {
		return nil
	}
	return c.closedErrLocked()
}

// Close releases the connection and discards queued messages. A
// pending Read resolves with ErrNotConnected. Calling Close more than
// once is a no-op.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.shutdownLocked(nil)
		c.queue = nil
		c.mu.Unlock()
		err = c.conn.Close()
		c.logger.Debug("channel closed")
	})
	return err
}

// readLoop pulls messages off the connection until it fails, handing
// each to the waiting reader or queueing it.
func (c *Channel) readLoop() {
	for {
		msg, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			wasOpen := c.state == StateOpen
			c.shutdownLocked(err)
			c.mu.Unlock()
			if wasOpen {
				c.logger.Debug("channel read loop ended", "error", err)
			}
			return
		}

		c.mu.Lock()
		if c.state != StateOpen {
			c.mu.Unlock()
			return
		}
		if c.waiter != nil {
			c.waiter <- readResult{msg: msg}
			c.waiter = nil
		} else {
			c.queue = append(c.queue, msg)
		}
		c.mu.Unlock()
	}
}

// shutdownLocked moves the channel to StateClosed, failing any pending
// reader. cause is the read error when the remote side ended the
// connection, nil for a local Close. Caller must hold c.mu.
func (c *Channel) shutdownLocked(cause error) {
	if c.state == StateClosed {
		return
	}
	c.state = StateClosed
	if cause != nil {
		c.lostErr = cause
	} else {
		c.queue = nil
	}
	if c.waiter != nil {
		c.waiter <- readResult{err: c.closedErrLocked()}
		c.waiter = nil
	}
	close(c.done)
}

// closedErrLocked builds the error returned by operations on a closed
// channel. Caller must hold c.mu.
func (c *Channel) closedErrLocked() error {
	if c.lostErr != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, c.lostErr)
	}
	return ErrNotConnected
}
