package llm

import "strings"

// Role identifies who produced a conversation turn.
type Role string

// Conversation roles. System text travels separately as the system
// instruction and never appears as a turn role on the wire.
const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleModel  Role = "model"
)

// FunctionCall is a model directive to run a named tool.
type FunctionCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// FunctionResponse carries a tool result back to the model.
type FunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// Part is one element of a turn. Exactly one field is set.
type Part struct {
	Text             string            `json:"text,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// Content is one conversation turn.
type Content struct {
	Role  Role   `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

// TextContent builds a single-part text turn.
func TextContent(role Role, text string) Content {
	return Content{Role: role, Parts: []Part{{Text: text}}}
}

// Text concatenates the turn's text parts in order.
func (c Content) Text() string {
	var b strings.Builder
	for _, p := range c.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// FunctionCalls returns the turn's function-call parts in order.
func (c Content) FunctionCalls() []FunctionCall {
	var calls []FunctionCall
	for _, p := range c.Parts {
		if p.FunctionCall != nil {
			calls = append(calls, *p.FunctionCall)
		}
	}
	return calls
}

// FunctionDeclaration advertises a tool to the model. Parameters is a
// JSON schema; clients convert it to whatever subset their API accepts.
type FunctionDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// GenerationParams are optional sampling controls. Nil means the API
// default.
type GenerationParams struct {
	Temperature     *float64
	MaxOutputTokens *int
	TopP            *float64
	TopK            *int
}

// Request is one model call: the whole conversation so far plus the
// tools the model may call.
type Request struct {
	System   string
	Contents []Content
	Tools    []FunctionDeclaration
	Params   GenerationParams
}

// Usage is provider-neutral token accounting for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the model's reply to one Request.
type Response struct {
	Model        string
	Content      Content
	FinishReason string
	Usage        Usage
}

// Text returns the reply's concatenated text.
func (r *Response) Text() string { return r.Content.Text() }

// FunctionCalls returns the reply's function-call directives in order.
func (r *Response) FunctionCalls() []FunctionCall { return r.Content.FunctionCalls() }

// StreamCallback receives text fragments in arrival order.
type StreamCallback func(fragment string)
