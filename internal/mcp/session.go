package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nugget/genbridge/internal/channel"
	"github.com/nugget/genbridge/internal/config"
)

// requestID is the process-wide source of correlation identifiers.
var requestID atomic.Int64

// ToolDescriptor is a tool as returned by list_tools.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Session performs request/response exchanges with one tool provider.
// Exchanges are strictly sequential: a request is written, exactly one
// response is read, and its identifier must match before the next
// request goes out. A late response to a call whose context ended is
// skipped by the next exchange. Any other mismatch, or a failed read,
// leaves the session unusable.
type Session struct {
	ch      MessageChannel
	logger  *slog.Logger
	onClose func(ctx context.Context) error

	mu sync.Mutex // held for the duration of one exchange

	// abandoned is the highest request id whose caller stopped waiting.
	// A response to it, or to any earlier request, is skipped on arrival.
	abandoned int64

	// broken is set once the response stream can no longer be matched
	// to requests. Every later call fails with it.
	broken error

	toolsMu sync.RWMutex
	tools   []ToolDescriptor

	closeOnce sync.Once
	closeErr  error
}

// NewSession wraps an open channel.
func NewSession(ch MessageChannel, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		ch:     ch,
		logger: logger.With("component", "session"),
	}
}

// ListTools calls list_tools and returns the provider's tools in the
// order it reported them. The result is cached; later calls do not
// touch the channel.
func (s *Session) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	s.toolsMu.RLock()
	if s.tools != nil {
		defer s.toolsMu.RUnlock()
		return s.tools, nil
	}
	s.toolsMu.RUnlock()

	result, err := s.call(ctx, MethodListTools, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", MethodListTools, err)
	}

	var descriptors []ToolDescriptor
	if err := json.Unmarshal(result, &descriptors); err != nil {
		return nil, &ProtocolError{Method: MethodListTools, Reason: "result is not a tool list", Err: err}
	}
	if descriptors == nil {
		descriptors = []ToolDescriptor{}
	}
	for i, td := range descriptors {
		if td.Name == "" {
			return nil, &ProtocolError{Method: MethodListTools, Reason: fmt.Sprintf("tool %d has no name", i)}
		}
		if td.Name == MethodListTools {
			return nil, &ProtocolError{Method: MethodListTools, Reason: "tool name collides with reserved method"}
		}
	}

	s.toolsMu.Lock()
	s.tools = descriptors
	s.toolsMu.Unlock()

	s.logger.Info("discovered tools", "count", len(descriptors))
	return descriptors, nil
}

// Invoke calls the named tool with args passed through verbatim as
// params and returns the raw result.
func (s *Session) Invoke(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if name == MethodListTools {
		return nil, &ProtocolError{Method: name, Reason: "reserved method is not a tool"}
	}
	result, err := s.call(ctx, name, args)
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", name, err)
	}
	return result, nil
}

// Close closes the channel, which fails any pending read, and then
// runs the close hook (stopping the provider process). It is safe to
// call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.logger.Info("closing session")
		s.closeErr = s.ch.Close()
		if s.onClose != nil {
			if err := s.onClose(context.Background()); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}

// call issues one request and reads its response.
func (s *Session) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.broken != nil {
		return nil, s.broken
	}

	id := requestID.Add(1)
	data, err := EncodeRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	s.logger.Log(ctx, config.LevelTrace, "rpc request", "id", id, "json", string(data[:len(data)-1]))

	if err := s.ch.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	for {
		frame, err := s.ch.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.abandoned = id
				return nil, fmt.Errorf("read response: %w", err)
			}
			s.markBroken(err)
			return nil, fmt.Errorf("read response: %w", err)
		}
		s.logger.Log(ctx, config.LevelTrace, "rpc response", "id", id, "json", string(frame))

		resp, err := DecodeResponse(method, frame)
		if err != nil {
			return nil, err
		}
		if resp.ID == nil {
			return nil, &ProtocolError{Method: method, Reason: fmt.Sprintf("response to request %d has no id", id)}
		}
		if got := *resp.ID; got != id {
			if got <= s.abandoned {
				s.logger.Debug("skipping response to abandoned request", "id", got, "pending", id)
				continue
			}
			perr := &ProtocolError{Method: method, Reason: fmt.Sprintf("response id %d does not match request id %d", got, id)}
			s.markBroken(perr)
			return nil, perr
		}
		if resp.Error != nil {
			return nil, resp.Error
		}

		s.logger.Debug("rpc exchange complete", "method", method, "id", id, "result_bytes", len(resp.Result))
		return resp.Result, nil
	}
}

// markBroken closes the channel after the exchange stream lost sync or
// the channel failed. Caller must hold s.mu.
func (s *Session) markBroken(cause error) {
	s.broken = fmt.Errorf("%w: session unusable after %v", channel.ErrNotConnected, cause)
	s.logger.Warn("session broken", "error", cause)
	if err := s.ch.Close(); err != nil {
		s.logger.Debug("close channel", "error", err)
	}
}
