// Package llm provides the generative model client used by the agent
// loop and the tool provider.
package llm

import (
	"context"
	"fmt"
)

// Client is the interface that model providers implement.
type Client interface {
	// Generate sends one request and returns the complete reply.
	Generate(ctx context.Context, req *Request) (*Response, error)

	// GenerateStream sends one request as a stream. Text fragments are
	// passed to callback (if non-nil) in arrival order; the returned
	// Response holds their concatenation and any function calls.
	GenerateStream(ctx context.Context, req *Request, callback StreamCallback) (*Response, error)
}

// GenerateText sends a single user prompt and returns the reply text.
// When stream is set the reply is streamed and accumulated.
func GenerateText(ctx context.Context, c Client, prompt string, params GenerationParams, stream bool) (string, error) {
	req := &Request{
		Contents: []Content{TextContent(RoleUser, prompt)},
		Params:   params,
	}

	var (
		resp *Response
		err  error
	)
	if stream {
		resp, err = c.GenerateStream(ctx, req, nil)
	} else {
		resp, err = c.Generate(ctx, req)
	}
	if err != nil {
		return "", fmt.Errorf("generate text: %w", err)
	}
	return resp.Text(), nil
}
