package mcp

import "context"

// MessageChannel carries whole messages between the session and a tool
// provider. *channel.Channel implements it; tests use in-memory fakes.
type MessageChannel interface {
	// Write sends one message.
	Write(p []byte) error

	// Read waits for the next inbound message.
	Read(ctx context.Context) ([]byte, error)

	// Close releases the channel. A pending Read must fail rather
	// than wait forever.
	Close() error
}
