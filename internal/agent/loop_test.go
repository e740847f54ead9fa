package agent

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/nugget/genbridge/internal/llm"
	"github.com/nugget/genbridge/internal/tools"
)

// mockLLM replays canned responses and records every request.
type mockLLM struct {
	responses []*llm.Response
	calls     []*llm.Request
	streamed  []bool
	err       error
}

func (m *mockLLM) next(req *llm.Request, stream bool) (*llm.Response, error) {
	snapshot := *req
	snapshot.Contents = append([]llm.Content(nil), req.Contents...)
	m.calls = append(m.calls, &snapshot)
	m.streamed = append(m.streamed, stream)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.calls) > len(m.responses) {
		return nil, errors.New("mockLLM: no more responses")
	}
	return m.responses[len(m.calls)-1], nil
}

func (m *mockLLM) Generate(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return m.next(req, false)
}

func (m *mockLLM) GenerateStream(ctx context.Context, req *llm.Request, cb llm.StreamCallback) (*llm.Response, error) {
	return m.next(req, true)
}

func textReply(text string) *llm.Response {
	return &llm.Response{
		Model:   "test-model",
		Content: llm.TextContent(llm.RoleModel, text),
		Usage:   llm.Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func callReply(text string, calls ...llm.FunctionCall) *llm.Response {
	c := llm.Content{Role: llm.RoleModel}
	if text != "" {
		c.Parts = append(c.Parts, llm.Part{Text: text})
	}
	for i := range calls {
		c.Parts = append(c.Parts, llm.Part{FunctionCall: &calls[i]})
	}
	return &llm.Response{Model: "test-model", Content: c, Usage: llm.Usage{InputTokens: 20, OutputTokens: 2}}
}

type invocation struct {
	name string
	args map[string]any
}

func buildTestRegistry(invoked *[]invocation) *tools.Registry {
	r := tools.NewRegistry()
	r.Register(&tools.Tool{
		Name:        "echo",
		Description: "Echo text back",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{"text": map[string]any{"type": "string"}}},
		Handler: func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
			*invoked = append(*invoked, invocation{"echo", args})
			return json.Marshal(args)
		},
	})
	r.Register(&tools.Tool{
		Name: "count",
		Handler: func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
			*invoked = append(*invoked, invocation{"count", args})
			return json.RawMessage(`3`), nil
		},
	})
	r.Register(&tools.Tool{
		Name: "explode",
		Handler: func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
			*invoked = append(*invoked, invocation{"explode", args})
			return nil, errors.New("boom")
		},
	})
	return r
}

func TestRun_NoFunctionCallsIsTerminal(t *testing.T) {
	mock := &mockLLM{responses: []*llm.Response{textReply("Hello!")}}
	var invoked []invocation
	loop := NewLoop(mock, buildTestRegistry(&invoked), Config{SystemPrompt: "Be brief."}, nil)

	resp, err := loop.Run(context.Background(), "hi")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.Text != "Hello!" || resp.Rounds != 0 || resp.ToolCalls != 0 || resp.Truncated {
		t.Errorf("Run() = %+v", resp)
	}
	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 LLM call, got %d", len(mock.calls))
	}

	req := mock.calls[0]
	if req.System != "Be brief." {
		t.Errorf("System = %q", req.System)
	}
	if len(req.Tools) != 3 || req.Tools[0].Name != "echo" {
		t.Errorf("Tools = %+v", req.Tools)
	}
	if len(invoked) != 0 {
		t.Errorf("tools invoked: %+v", invoked)
	}

	history := loop.History()
	if len(history) != 2 || history[0].Role != llm.RoleUser || history[1].Role != llm.RoleModel {
		t.Errorf("History() = %+v", history)
	}
}

func TestRun_SingleRoundMatchesOneFollowUp(t *testing.T) {
	mock := &mockLLM{responses: []*llm.Response{
		callReply("", llm.FunctionCall{Name: "echo", Args: map[string]any{"text": "hi"}}),
		// The follow-up asks for more tools; with the default bound of
		// one round these are not run.
		callReply("Echoed hi.", llm.FunctionCall{Name: "count"}),
	}}
	var invoked []invocation
	loop := NewLoop(mock, buildTestRegistry(&invoked), Config{}, nil)

	resp, err := loop.Run(context.Background(), "echo hi")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(mock.calls) != 2 {
		t.Fatalf("expected 2 LLM calls, got %d", len(mock.calls))
	}
	if len(invoked) != 1 || invoked[0].name != "echo" || invoked[0].args["text"] != "hi" {
		t.Errorf("invoked = %+v, want only echo", invoked)
	}
	if !resp.Truncated || resp.Rounds != 1 || resp.ToolCalls != 1 {
		t.Errorf("Run() = %+v, want truncated after 1 round", resp)
	}
	if resp.Text != "Echoed hi." {
		t.Errorf("Text = %q", resp.Text)
	}

	// The follow-up request carried the tool result.
	follow := mock.calls[1].Contents
	last := follow[len(follow)-1]
	if last.Role != llm.RoleUser || len(last.Parts) != 1 || last.Parts[0].FunctionResponse == nil {
		t.Fatalf("follow-up last turn = %+v, want function response", last)
	}
	fr := last.Parts[0].FunctionResponse
	if fr.Name != "echo" || fr.Response["text"] != "hi" {
		t.Errorf("FunctionResponse = %+v", fr)
	}

	// The truncated reply is kept as text only.
	history := loop.History()
	final := history[len(history)-1]
	if len(final.FunctionCalls()) != 0 || final.Text() != "Echoed hi." {
		t.Errorf("final turn = %+v, want text only", final)
	}
	if len(history) != 4 {
		t.Errorf("History() has %d turns, want 4", len(history))
	}
}

func TestRun_MultipleRounds(t *testing.T) {
	mock := &mockLLM{responses: []*llm.Response{
		callReply("", llm.FunctionCall{Name: "echo", Args: map[string]any{"text": "a"}}),
		callReply("", llm.FunctionCall{Name: "count"}),
		textReply("All done."),
	}}
	var invoked []invocation
	loop := NewLoop(mock, buildTestRegistry(&invoked), Config{MaxToolRounds: 3}, nil)

	resp, err := loop.Run(context.Background(), "go")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(mock.calls) != 3 {
		t.Fatalf("expected 3 LLM calls, got %d", len(mock.calls))
	}
	if resp.Truncated || resp.Rounds != 2 || resp.ToolCalls != 2 || resp.Text != "All done." {
		t.Errorf("Run() = %+v", resp)
	}
	if len(invoked) != 2 || invoked[0].name != "echo" || invoked[1].name != "count" {
		t.Errorf("invoked = %+v", invoked)
	}

	// count returned a bare number; it reaches the model wrapped.
	history := loop.History()
	fr := history[4].Parts[0].FunctionResponse
	if fr == nil || fr.Response["result"] != float64(3) {
		t.Errorf("count response = %+v, want {result: 3}", fr)
	}

	want := llm.Usage{InputTokens: 20 + 20 + 10, OutputTokens: 2 + 2 + 5}
	if resp.Usage != want || loop.Usage() != want {
		t.Errorf("Usage = %+v / %+v, want %+v", resp.Usage, loop.Usage(), want)
	}
}

func TestRun_BoundReachedExactly(t *testing.T) {
	mock := &mockLLM{responses: []*llm.Response{
		callReply("", llm.FunctionCall{Name: "count"}),
		callReply("", llm.FunctionCall{Name: "count"}),
		callReply("", llm.FunctionCall{Name: "count"}),
	}}
	var invoked []invocation
	loop := NewLoop(mock, buildTestRegistry(&invoked), Config{MaxToolRounds: 2}, nil)

	resp, err := loop.Run(context.Background(), "count forever")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(mock.calls) != 3 || len(invoked) != 2 {
		t.Errorf("LLM calls = %d, invocations = %d; want 3 and 2", len(mock.calls), len(invoked))
	}
	if !resp.Truncated || resp.Text != "" {
		t.Errorf("Run() = %+v", resp)
	}
	// No text to keep: the history ends with the last tool results.
	history := loop.History()
	if last := history[len(history)-1]; last.Role != llm.RoleUser {
		t.Errorf("last turn role = %q, want user", last.Role)
	}
}

func TestRun_BatchesCallsInOrder(t *testing.T) {
	mock := &mockLLM{responses: []*llm.Response{
		callReply("Working.",
			llm.FunctionCall{Name: "echo", Args: map[string]any{"text": "first"}},
			llm.FunctionCall{Name: "explode"},
			llm.FunctionCall{Name: "missing"},
		),
		textReply("Done."),
	}}
	var invoked []invocation
	loop := NewLoop(mock, buildTestRegistry(&invoked), Config{}, nil)

	resp, err := loop.Run(context.Background(), "do three things")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.ToolCalls != 3 || resp.Text != "Done." {
		t.Errorf("Run() = %+v", resp)
	}

	follow := mock.calls[1].Contents
	results := follow[len(follow)-1].Parts
	if len(results) != 3 {
		t.Fatalf("got %d function responses, want 3", len(results))
	}
	names := []string{"echo", "explode", "missing"}
	for i, p := range results {
		if p.FunctionResponse == nil || p.FunctionResponse.Name != names[i] {
			t.Errorf("result %d = %+v, want %s", i, p, names[i])
		}
	}
	if msg, _ := results[1].FunctionResponse.Response["error"].(string); msg != "boom" {
		t.Errorf("explode response = %v, want error boom", results[1].FunctionResponse.Response)
	}
	if _, ok := results[2].FunctionResponse.Response["error"]; !ok {
		t.Errorf("missing tool response = %v, want error marker", results[2].FunctionResponse.Response)
	}
}

func TestRun_ModelErrorIsReturned(t *testing.T) {
	mock := &mockLLM{err: errors.New("quota exceeded")}
	loop := NewLoop(mock, nil, Config{}, nil)

	if _, err := loop.Run(context.Background(), "hi"); err == nil {
		t.Fatal("Run() should fail when the model fails")
	}
	if len(mock.calls[0].Tools) != 0 {
		t.Errorf("Tools = %+v, want none for an empty registry", mock.calls[0].Tools)
	}
}

func TestRun_StreamingAndHistoryGrowth(t *testing.T) {
	mock := &mockLLM{responses: []*llm.Response{textReply("one"), textReply("two")}}
	loop := NewLoop(mock, nil, Config{Stream: true}, nil)

	for _, prompt := range []string{"first", "second"} {
		if _, err := loop.Run(context.Background(), prompt); err != nil {
			t.Fatalf("Run(%q) error: %v", prompt, err)
		}
	}

	if !mock.streamed[0] || !mock.streamed[1] {
		t.Errorf("streamed = %v, want all streamed", mock.streamed)
	}
	// The second call carries the whole first exchange.
	if got := len(mock.calls[1].Contents); got != 3 {
		t.Errorf("second request has %d turns, want 3", got)
	}
	if got := mock.calls[1].Contents[0].Text(); got != "first" {
		t.Errorf("first turn = %q, want first", got)
	}
}

type recordedTurn struct {
	conversation string
	role         llm.Role
	usage        llm.Usage
}

type fakeRecorder struct {
	turns []recordedTurn
	err   error
}

func (f *fakeRecorder) Record(ctx context.Context, conversationID string, turn llm.Content, usage llm.Usage) error {
	f.turns = append(f.turns, recordedTurn{conversationID, turn.Role, usage})
	return f.err
}

func TestRun_RecordsEveryTurn(t *testing.T) {
	mock := &mockLLM{responses: []*llm.Response{
		callReply("", llm.FunctionCall{Name: "echo", Args: map[string]any{"text": "x"}}),
		textReply("ok"),
	}}
	rec := &fakeRecorder{err: errors.New("disk full")}
	var invoked []invocation
	loop := NewLoop(mock, buildTestRegistry(&invoked), Config{ConversationID: "conv-1", Recorder: rec}, nil)

	if _, err := loop.Run(context.Background(), "go"); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	wantRoles := []llm.Role{llm.RoleUser, llm.RoleModel, llm.RoleUser, llm.RoleModel}
	if len(rec.turns) != len(wantRoles) {
		t.Fatalf("recorded %d turns, want %d", len(rec.turns), len(wantRoles))
	}
	for i, turn := range rec.turns {
		if turn.role != wantRoles[i] || turn.conversation != "conv-1" {
			t.Errorf("turn %d = %+v", i, turn)
		}
	}
	if rec.turns[3].usage.OutputTokens != 5 || rec.turns[0].usage != (llm.Usage{}) {
		t.Errorf("usage not attributed to model turns: %+v", rec.turns)
	}
}

func TestNewLoop_ConversationID(t *testing.T) {
	a := NewLoop(&mockLLM{}, nil, Config{}, nil)
	b := NewLoop(&mockLLM{}, nil, Config{}, nil)
	if a.ConversationID() == "" || a.ConversationID() == b.ConversationID() {
		t.Errorf("conversation IDs %q and %q should be distinct and non-empty", a.ConversationID(), b.ConversationID())
	}
}

func TestStateString(t *testing.T) {
	tests := map[state]string{
		stateAwaitingModel: "awaiting_model",
		stateInvoking:      "invoking",
		stateTerminal:      "terminal",
		state(9):           "state(9)",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("state(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}

func TestGenerateRequestID(t *testing.T) {
	format := regexp.MustCompile(`^r_[0-9a-f]{8}$`)
	seen := make(map[string]bool)
	for range 50 {
		id := generateRequestID()
		if !format.MatchString(id) {
			t.Fatalf("generateRequestID() = %q, want r_ and 8 hex digits", id)
		}
		if seen[id] {
			t.Fatalf("generateRequestID() repeated %q", id)
		}
		seen[id] = true
	}
}
