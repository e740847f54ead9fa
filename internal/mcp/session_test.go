package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/genbridge/internal/channel"
)

// fakeProvider is an in-memory MessageChannel. Each written request is
// answered by reply, and the answer is queued for the next Read.
type fakeProvider struct {
	mu       sync.Mutex
	requests []Request
	raw      []string
	pending  []string
	closed   bool
	reply    func(req Request) string
}

func (f *fakeProvider) Write(p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	f.raw = append(f.raw, string(p))
	var req Request
	if err := json.Unmarshal(p, &req); err != nil {
		return err
	}
	f.requests = append(f.requests, req)
	if f.reply != nil {
		f.pending = append(f.pending, f.reply(req))
	}
	return nil
}

func (f *fakeProvider) Read(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, errors.New("no response queued")
	}
	frame := f.pending[0]
	f.pending = f.pending[1:]
	return []byte(frame), nil
}

func (f *fakeProvider) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeProvider) sent() []Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Request(nil), f.requests...)
}

// echoProvider answers list_tools with a single echo tool, echo with
// its params, and anything else with an error named after the method.
func echoProvider(req Request) string {
	switch req.Method {
	case MethodListTools:
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":[{"name":"echo","description":"Echo text back","inputSchema":{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}}]}`, req.ID)
	case "echo":
		params, _ := json.Marshal(req.Params)
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, req.ID, params)
	default:
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":{"code":-32000,"message":"boom"}}`, req.ID)
	}
}

func TestSession_ListTools(t *testing.T) {
	fp := &fakeProvider{reply: echoProvider}
	s := NewSession(fp, nil)

	got, err := s.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() = %v", err)
	}
	if len(got) != 1 || got[0].Name != "echo" {
		t.Fatalf("ListTools() = %+v, want one tool named echo", got)
	}
	if got[0].InputSchema["type"] != "object" {
		t.Errorf("InputSchema = %v", got[0].InputSchema)
	}

	sent := fp.sent()
	if len(sent) != 1 || sent[0].Method != MethodListTools || sent[0].JSONRPC != "2.0" {
		t.Errorf("sent = %+v", sent)
	}
	if !strings.HasSuffix(fp.raw[0], "\n") {
		t.Errorf("request frame %q is not newline terminated", fp.raw[0])
	}

	// Cached: no second exchange.
	if _, err := s.ListTools(context.Background()); err != nil {
		t.Fatalf("second ListTools() = %v", err)
	}
	if n := len(fp.sent()); n != 1 {
		t.Errorf("requests after cached ListTools = %d, want 1", n)
	}
}

func TestSession_InvokeEcho(t *testing.T) {
	fp := &fakeProvider{reply: echoProvider}
	s := NewSession(fp, nil)

	result, err := s.Invoke(context.Background(), "echo", map[string]any{"text": "hi"})
	if err != nil {
		t.Fatalf("Invoke() = %v", err)
	}
	if string(result) != `{"text":"hi"}` {
		t.Errorf("result = %s, want %s", result, `{"text":"hi"}`)
	}

	sent := fp.sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d requests, want 1", len(sent))
	}
	if sent[0].Method != "echo" {
		t.Errorf("Method = %q, want echo", sent[0].Method)
	}
	params, ok := sent[0].Params.(map[string]any)
	if !ok || params["text"] != "hi" || len(params) != 1 {
		t.Errorf("Params = %#v, want {text: hi}", sent[0].Params)
	}
}

func TestSession_InvokeRemoteError(t *testing.T) {
	fp := &fakeProvider{reply: echoProvider}
	s := NewSession(fp, nil)

	_, err := s.Invoke(context.Background(), "explode", map[string]any{})
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Invoke() = %v, want *RPCError", err)
	}
	if rpcErr.Message != "boom" {
		t.Errorf("Message = %q, want boom", rpcErr.Message)
	}
}

func TestSession_ReservedNameIsNotATool(t *testing.T) {
	fp := &fakeProvider{reply: echoProvider}
	s := NewSession(fp, nil)

	_, err := s.Invoke(context.Background(), MethodListTools, nil)
	var pe *ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("Invoke(list_tools) = %v, want *ProtocolError", err)
	}
	if n := len(fp.sent()); n != 0 {
		t.Errorf("sent %d requests, want 0", n)
	}
}

func TestSession_ProtocolViolations(t *testing.T) {
	tests := []struct {
		name  string
		reply func(req Request) string
	}{
		{
			name: "id mismatch",
			reply: func(req Request) string {
				return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, req.ID+1000)
			},
		},
		{
			name: "missing id",
			reply: func(req Request) string {
				return `{"jsonrpc":"2.0","result":{}}`
			},
		},
		{
			name: "neither result nor error",
			reply: func(req Request) string {
				return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d}`, req.ID)
			},
		},
		{
			name: "not json",
			reply: func(req Request) string {
				return "hello"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession(&fakeProvider{reply: tt.reply}, nil)
			_, err := s.Invoke(context.Background(), "echo", map[string]any{"text": "hi"})
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("Invoke() = %v, want *ProtocolError", err)
			}
		})
	}
}

func TestSession_ListToolsRejectsBadResult(t *testing.T) {
	tests := []struct {
		name   string
		result string
	}{
		{name: "object", result: `{"tools":[]}`},
		{name: "unnamed tool", result: `[{"description":"x"}]`},
		{name: "reserved name", result: `[{"name":"list_tools"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := &fakeProvider{reply: func(req Request) string {
				return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, req.ID, tt.result)
			}}
			_, err := NewSession(fp, nil).ListTools(context.Background())
			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("ListTools() = %v, want *ProtocolError", err)
			}
		})
	}
}

func TestSession_EmptyToolList(t *testing.T) {
	fp := &fakeProvider{reply: func(req Request) string {
		return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":[]}`, req.ID)
	}}
	got, err := NewSession(fp, nil).ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools() = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("ListTools() = %#v, want empty non-nil slice", got)
	}
}

func TestSession_IDsIncrease(t *testing.T) {
	fp := &fakeProvider{reply: echoProvider}
	s := NewSession(fp, nil)

	for i := 0; i < 3; i++ {
		if _, err := s.Invoke(context.Background(), "echo", map[string]any{"text": "x"}); err != nil {
			t.Fatalf("Invoke() = %v", err)
		}
	}

	sent := fp.sent()
	for i := 1; i < len(sent); i++ {
		if sent[i].ID <= sent[i-1].ID {
			t.Errorf("request ids not increasing: %d then %d", sent[i-1].ID, sent[i].ID)
		}
	}
}

func TestSession_Close(t *testing.T) {
	fp := &fakeProvider{reply: echoProvider}
	s := NewSession(fp, nil)

	hookCalls := 0
	s.onClose = func(ctx context.Context) error {
		hookCalls++
		return nil
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() = %v", err)
	}
	if hookCalls != 1 {
		t.Errorf("close hook ran %d times, want 1", hookCalls)
	}
	if !fp.closed {
		t.Error("channel not closed")
	}

	if _, err := s.Invoke(context.Background(), "echo", map[string]any{"text": "hi"}); err == nil {
		t.Error("Invoke() after Close succeeded, want error")
	}
}

// laggingProvider withholds the response to request hold until the next
// request is written, then queues it ahead of that request's response.
// Read waits for ctx when nothing is queued.
type laggingProvider struct {
	mu      sync.Mutex
	hold    int64
	held    string
	pending []string
	ready   chan struct{}
	writes  int
}

func newLaggingProvider() *laggingProvider {
	return &laggingProvider{ready: make(chan struct{}, 8)}
}

func (p *laggingProvider) Write(b []byte) error {
	var req Request
	if err := json.Unmarshal(b, &req); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.writes++
	reply := echoProvider(req)
	if req.ID == p.hold {
		p.held = reply
		return nil
	}
	if p.held != "" {
		p.pending = append(p.pending, p.held)
		p.held = ""
	}
	p.pending = append(p.pending, reply)
	p.ready <- struct{}{}
	return nil
}

func (p *laggingProvider) Read(ctx context.Context) ([]byte, error) {
	for {
		p.mu.Lock()
		if len(p.pending) > 0 {
			frame := p.pending[0]
			p.pending = p.pending[1:]
			p.mu.Unlock()
			return []byte(frame), nil
		}
		p.mu.Unlock()
		select {
		case <-p.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (p *laggingProvider) Close() error { return nil }

func TestSession_SkipsLateResponseAfterTimeout(t *testing.T) {
	lp := newLaggingProvider()
	lp.hold = requestID.Load() + 1
	s := NewSession(lp, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Invoke(ctx, "echo", map[string]any{"text": "slow"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("first Invoke() = %v, want context.DeadlineExceeded", err)
	}

	for _, text := range []string{"second", "third"} {
		got, err := s.Invoke(context.Background(), "echo", map[string]any{"text": text})
		if err != nil {
			t.Fatalf("Invoke(%s) = %v", text, err)
		}
		if want := fmt.Sprintf(`{"text":%q}`, text); string(got) != want {
			t.Errorf("Invoke(%s) = %s, want %s", text, got, want)
		}
	}
}

func TestSession_BrokenAfterDesync(t *testing.T) {
	tests := []struct {
		name  string
		reply func(req Request) string
	}{
		{
			name: "foreign id",
			reply: func(req Request) string {
				return fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":{}}`, req.ID+1000)
			},
		},
		{
			// Without a reply nothing is queued and Read fails.
			name: "read failure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fp := &fakeProvider{reply: tt.reply}
			s := NewSession(fp, nil)

			if _, err := s.Invoke(context.Background(), "echo", map[string]any{"text": "a"}); err == nil {
				t.Fatal("first Invoke() succeeded, want error")
			}
			_, err := s.Invoke(context.Background(), "echo", map[string]any{"text": "b"})
			if !errors.Is(err, channel.ErrNotConnected) {
				t.Errorf("second Invoke() = %v, want channel.ErrNotConnected", err)
			}
			if n := len(fp.sent()); n != 1 {
				t.Errorf("sent %d requests, want 1", n)
			}
			if !fp.closed {
				t.Error("channel not closed after desync")
			}
		})
	}
}
