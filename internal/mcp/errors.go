package mcp

import "fmt"

// ProtocolError reports a response that is malformed or semantically
// incomplete, or tool arguments that do not satisfy the tool's input
// schema. It is surfaced to the caller as is; nothing recovers from it.
type ProtocolError struct {
	Method string
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Method != "" {
		msg += " in " + e.Method
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause, if any.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}
