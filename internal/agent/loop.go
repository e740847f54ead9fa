// Package agent implements the function-calling loop between a user,
// the model, and the bridged tools.
package agent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/nugget/genbridge/internal/llm"
	"github.com/nugget/genbridge/internal/tools"
)

// Recorder persists conversation turns as they are appended. Usage is
// zero for turns the model did not produce.
type Recorder interface {
	Record(ctx context.Context, conversationID string, turn llm.Content, usage llm.Usage) error
}

// Config controls a Loop.
type Config struct {
	SystemPrompt string

	// MaxToolRounds bounds how many follow-up model calls one user turn
	// may trigger by requesting tools. Zero means 1.
	MaxToolRounds int

	// Stream requests streamed model replies. Fragments are accumulated
	// into the final text.
	Stream bool

	Params llm.GenerationParams

	// ConversationID names the conversation in logs and transcripts.
	// Empty means a new UUIDv7.
	ConversationID string

	// Recorder, when set, receives every appended turn.
	Recorder Recorder
}

// Response is the outcome of one user turn.
type Response struct {
	Text string

	// ToolCalls counts tool invocations made during the turn.
	ToolCalls int

	// Rounds counts follow-up model calls made after tool results.
	Rounds int

	// Truncated is set when the last model reply still asked for tools
	// but the round bound had been reached. Its calls were not run.
	Truncated bool

	// Usage is summed over every model call in the turn.
	Usage llm.Usage
}

// state is a position in the per-turn state machine.
type state int

const (
	stateAwaitingModel state = iota
	stateInvoking
	stateTerminal
)

func (s state) String() string {
	switch s {
	case stateAwaitingModel:
		return "awaiting_model"
	case stateInvoking:
		return "invoking"
	case stateTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Loop holds one conversation. History only grows; every call sends
// all of it. Run calls are serialized.
type Loop struct {
	llm      llm.Client
	registry *tools.Registry
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	history []llm.Content
	usage   llm.Usage
}

// NewLoop creates a loop over client and the tools in registry.
func NewLoop(client llm.Client, registry *tools.Registry, cfg Config, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 1
	}
	if cfg.ConversationID == "" {
		cfg.ConversationID = newConversationID()
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	return &Loop{
		llm:      client,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With("component", "agent", "conversation", cfg.ConversationID),
	}
}

// ConversationID returns the conversation's identifier.
func (l *Loop) ConversationID() string { return l.cfg.ConversationID }

// History returns a copy of the conversation so far.
func (l *Loop) History() []llm.Content {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]llm.Content, len(l.history))
	copy(out, l.history)
	return out
}

// Usage returns token usage summed over the whole conversation.
func (l *Loop) Usage() llm.Usage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.usage
}

// Run appends userText to the conversation and drives the model until
// it answers without function calls or the round bound is reached.
// Tool failures are returned to the model as error results; only model
// failures end the turn with an error.
func (l *Loop) Run(ctx context.Context, userText string) (*Response, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	log := l.logger.With("request_id", generateRequestID())
	log.Info("agent turn started", "history", len(l.history), "tools", l.registry.Len())

	l.append(ctx, llm.TextContent(llm.RoleUser, userText), llm.Usage{})

	out := &Response{}
	var reply *llm.Response
	st := stateAwaitingModel

	for st != stateTerminal {
		log.Debug("agent state", "state", st, "round", out.Rounds)

		switch st {
		case stateAwaitingModel:
			resp, err := l.generate(ctx)
			if err != nil {
				log.Error("model call failed", "error", err, "round", out.Rounds)
				return nil, fmt.Errorf("model call: %w", err)
			}
			out.Usage.InputTokens += resp.Usage.InputTokens
			out.Usage.OutputTokens += resp.Usage.OutputTokens
			reply = resp

			calls := resp.FunctionCalls()
			switch {
			case len(calls) == 0:
				l.append(ctx, resp.Content, resp.Usage)
				st = stateTerminal
			case out.Rounds >= l.cfg.MaxToolRounds:
				// Keep only the text so the history never holds a
				// function call without its response.
				log.Warn("tool round limit reached, ignoring further function calls",
					"limit", l.cfg.MaxToolRounds,
					"ignored_calls", len(calls),
				)
				out.Truncated = true
				if text := resp.Text(); text != "" {
					l.append(ctx, llm.TextContent(llm.RoleModel, text), resp.Usage)
				}
				st = stateTerminal
			default:
				l.append(ctx, resp.Content, resp.Usage)
				st = stateInvoking
			}

		case stateInvoking:
			calls := reply.FunctionCalls()
			parts := make([]llm.Part, 0, len(calls))
			for _, call := range calls {
				parts = append(parts, llm.Part{FunctionResponse: l.invoke(ctx, log, call)})
			}
			out.ToolCalls += len(calls)
			l.append(ctx, llm.Content{Role: llm.RoleUser, Parts: parts}, llm.Usage{})
			out.Rounds++
			st = stateAwaitingModel
		}
	}

	out.Text = reply.Text()
	log.Info("agent turn completed",
		"tool_calls", out.ToolCalls,
		"rounds", out.Rounds,
		"truncated", out.Truncated,
		"input_tokens", out.Usage.InputTokens,
		"output_tokens", out.Usage.OutputTokens,
	)
	return out, nil
}

// generate sends the whole history to the model.
func (l *Loop) generate(ctx context.Context) (*llm.Response, error) {
	req := &llm.Request{
		System:   l.cfg.SystemPrompt,
		Contents: l.history,
		Tools:    l.declarations(),
		Params:   l.cfg.Params,
	}
	if l.cfg.Stream {
		return l.llm.GenerateStream(ctx, req, nil)
	}
	return l.llm.Generate(ctx, req)
}

func (l *Loop) declarations() []llm.FunctionDeclaration {
	list := l.registry.List()
	if len(list) == 0 {
		return nil
	}
	decls := make([]llm.FunctionDeclaration, 0, len(list))
	for _, t := range list {
		decls = append(decls, llm.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return decls
}

// invoke runs one function call through the registry. Any failure is
// reported to the model as {"error": message}.
func (l *Loop) invoke(ctx context.Context, log *slog.Logger, call llm.FunctionCall) *llm.FunctionResponse {
	log.Debug("invoking tool", "tool", call.Name, "args", call.Args)

	result, err := l.registry.Execute(ctx, call.Name, call.Args)
	if err != nil {
		log.Warn("tool failed", "tool", call.Name, "error", err)
		return &llm.FunctionResponse{
			Name:     call.Name,
			Response: map[string]any{"error": err.Error()},
		}
	}

	log.Debug("tool succeeded", "tool", call.Name, "result_bytes", len(result))
	return &llm.FunctionResponse{Name: call.Name, Response: resultObject(result)}
}

// resultObject shapes a raw tool result as the JSON object the model
// expects. Non-object results are wrapped as {"result": value}.
func resultObject(raw json.RawMessage) map[string]any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{"result": string(raw)}
	}
	if obj, ok := v.(map[string]any); ok {
		return obj
	}
	return map[string]any{"result": v}
}

// append adds a turn to the history and hands it to the recorder.
// Recorder failures are logged; they never stop the conversation.
func (l *Loop) append(ctx context.Context, turn llm.Content, usage llm.Usage) {
	l.history = append(l.history, turn)
	l.usage.InputTokens += usage.InputTokens
	l.usage.OutputTokens += usage.OutputTokens

	if l.cfg.Recorder == nil {
		return
	}
	if err := l.cfg.Recorder.Record(ctx, l.cfg.ConversationID, turn, usage); err != nil {
		l.logger.Warn("failed to record turn", "role", turn.Role, "error", err)
	}
}

func newConversationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// generateRequestID returns a short identifier for correlating the log
// lines of one turn.
func generateRequestID() string {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return "r_" + hex.EncodeToString(b[:])
}
