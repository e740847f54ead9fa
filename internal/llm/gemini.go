package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nugget/genbridge/internal/config"
	"github.com/nugget/genbridge/internal/httpkit"
)

const geminiAPIVersion = "v1beta"

// APIError is a non-2xx reply from the model API.
type APIError struct {
	StatusCode int
	Status     string // API status string, e.g. INVALID_ARGUMENT
	Message    string
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("gemini API error %d (%s): %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("gemini API error %d: %s", e.StatusCode, e.Message)
}

// ErrNoCandidates is returned when the API answers without any reply.
var ErrNoCandidates = errors.New("model returned no candidates")

// GeminiClient is a client for the Gemini generateContent API.
type GeminiClient struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// GeminiOption configures a GeminiClient.
type GeminiOption func(*GeminiClient)

// WithBaseURL points the client at a different API root.
func WithBaseURL(u string) GeminiOption {
	return func(c *GeminiClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) GeminiOption {
	return func(c *GeminiClient) { c.httpClient = hc }
}

// NewGeminiClient creates a client for model.
func NewGeminiClient(apiKey, model string, logger *slog.Logger, opts ...GeminiOption) *GeminiClient {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", "gemini", "model", model)

	c := &GeminiClient{
		apiKey:  apiKey,
		model:   model,
		baseURL: config.DefaultBaseURL,
		logger:  logger,
		httpClient: httpkit.NewClient(
			// Streams can be long-lived; ctx controls the deadline.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(httpkit.NewTransport(120*time.Second)),
			httpkit.WithLogger(logger),
		),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Gemini wire types

type geminiRequest struct {
	Contents          []Content               `json:"contents"`
	SystemInstruction *Content                `json:"systemInstruction,omitempty"`
	Tools             []geminiTool            `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiFunctionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
}

type geminiResponse struct {
	Candidates     []geminiCandidate     `json:"candidates"`
	UsageMetadata  *geminiUsage          `json:"usageMetadata,omitempty"`
	ModelVersion   string                `json:"modelVersion,omitempty"`
	PromptFeedback *geminiPromptFeedback `json:"promptFeedback,omitempty"`
	Error          *geminiError          `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiPromptFeedback struct {
	BlockReason string `json:"blockReason,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// Generate sends a non-streaming generateContent request.
func (c *GeminiClient) Generate(ctx context.Context, req *Request) (*Response, error) {
	body, err := c.post(ctx, req, false)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var gr geminiResponse
	if err := json.NewDecoder(body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	resp, err := c.convertResponse(&gr)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("response received",
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"function_calls", len(resp.FunctionCalls()),
		"finish_reason", resp.FinishReason,
	)
	c.logger.Log(ctx, config.LevelTrace, "response content", "content", resp.Text())
	return resp, nil
}

// GenerateStream sends a streamGenerateContent request and reads the
// server-sent events until the stream ends.
func (c *GeminiClient) GenerateStream(ctx context.Context, req *Request, callback StreamCallback) (*Response, error) {
	body, err := c.post(ctx, req, true)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	resp := &Response{Model: c.model, Content: Content{Role: RoleModel}}
	var text strings.Builder
	flushText := func() {
		if text.Len() > 0 {
			resp.Content.Parts = append(resp.Content.Parts, Part{Text: text.String()})
			text.Reset()
		}
	}

	chunks := 0
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var chunk geminiResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream event", "error", err)
			continue
		}
		if chunk.Error != nil {
			return nil, &APIError{StatusCode: chunk.Error.Code, Status: chunk.Error.Status, Message: chunk.Error.Message}
		}
		chunks++

		if chunk.ModelVersion != "" {
			resp.Model = chunk.ModelVersion
		}
		if chunk.UsageMetadata != nil {
			resp.Usage = Usage{
				InputTokens:  chunk.UsageMetadata.PromptTokenCount,
				OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
			}
		}
		if len(chunk.Candidates) == 0 {
			continue
		}

		cand := chunk.Candidates[0]
		if cand.FinishReason != "" {
			resp.FinishReason = cand.FinishReason
		}
		for _, p := range cand.Content.Parts {
			switch {
			case p.FunctionCall != nil:
				flushText()
				resp.Content.Parts = append(resp.Content.Parts, p)
			case p.Text != "":
				text.WriteString(p.Text)
				if callback != nil {
					callback(p.Text)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	flushText()

	if chunks == 0 {
		return nil, ErrNoCandidates
	}

	c.logger.Debug("stream complete",
		"chunks", chunks,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"content_len", len(resp.Text()),
		"function_calls", len(resp.FunctionCalls()),
	)
	c.logger.Log(ctx, config.LevelTrace, "stream final content", "content", resp.Text())
	return resp, nil
}

// post sends req and returns the body of a 2xx reply.
func (c *GeminiClient) post(ctx context.Context, req *Request, stream bool) (io.ReadCloser, error) {
	payload := c.buildRequest(req)

	c.logger.Debug("preparing request",
		"contents", len(payload.Contents),
		"tools", len(req.Tools),
		"stream", stream,
		"system_len", len(req.System),
	)

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, config.LevelTrace, "request payload", "json", string(jsonData))

	method := "generateContent"
	if stream {
		method = "streamGenerateContent"
	}
	endpoint := fmt.Sprintf("%s/%s/models/%s:%s", c.baseURL, geminiAPIVersion, url.PathEscape(c.model), method)
	if stream {
		endpoint += "?alt=sse"
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Error("API error", "status", resp.StatusCode, "body", errBody)
		return nil, parseAPIError(resp.StatusCode, errBody)
	}
	return resp.Body, nil
}

func (c *GeminiClient) buildRequest(req *Request) *geminiRequest {
	out := &geminiRequest{Contents: req.Contents}
	if out.Contents == nil {
		out.Contents = []Content{}
	}
	if req.System != "" {
		out.SystemInstruction = &Content{Parts: []Part{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDeclaration, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, geminiFunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  SanitizeSchema(t.Parameters),
			})
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}

	p := req.Params
	if p.Temperature != nil || p.MaxOutputTokens != nil || p.TopP != nil || p.TopK != nil {
		out.GenerationConfig = &geminiGenerationConfig{
			Temperature:     p.Temperature,
			MaxOutputTokens: p.MaxOutputTokens,
			TopP:            p.TopP,
			TopK:            p.TopK,
		}
	}
	return out
}

func (c *GeminiClient) convertResponse(gr *geminiResponse) (*Response, error) {
	if len(gr.Candidates) == 0 {
		if gr.PromptFeedback != nil && gr.PromptFeedback.BlockReason != "" {
			return nil, fmt.Errorf("prompt blocked: %s", gr.PromptFeedback.BlockReason)
		}
		return nil, ErrNoCandidates
	}

	cand := gr.Candidates[0]
	resp := &Response{
		Model:        c.model,
		Content:      cand.Content,
		FinishReason: cand.FinishReason,
	}
	if resp.Content.Role == "" {
		resp.Content.Role = RoleModel
	}
	if gr.ModelVersion != "" {
		resp.Model = gr.ModelVersion
	}
	if gr.UsageMetadata != nil {
		resp.Usage = Usage{
			InputTokens:  gr.UsageMetadata.PromptTokenCount,
			OutputTokens: gr.UsageMetadata.CandidatesTokenCount,
		}
	}
	return resp, nil
}

func parseAPIError(status int, body string) error {
	var envelope struct {
		Error *geminiError `json:"error"`
	}
	if err := json.Unmarshal([]byte(body), &envelope); err == nil && envelope.Error != nil {
		return &APIError{StatusCode: status, Status: envelope.Error.Status, Message: envelope.Error.Message}
	}
	return &APIError{StatusCode: status, Message: strings.TrimSpace(body)}
}

// schemaKeys is the subset of JSON schema keywords the API accepts in
// function parameters.
var schemaKeys = map[string]bool{
	"type":        true,
	"format":      true,
	"description": true,
	"nullable":    true,
	"enum":        true,
	"properties":  true,
	"required":    true,
	"items":       true,
	"minItems":    true,
	"maxItems":    true,
	"minimum":     true,
	"maximum":     true,
	"anyOf":       true,
}

// SanitizeSchema converts a tool input schema to the form the model API
// accepts. Unsupported keywords are dropped, a ["T","null"] type becomes
// T with nullable set, and a schema without properties yields nil so
// the declaration is sent without parameters.
func SanitizeSchema(schema map[string]any) map[string]any {
	out := sanitizeNode(schema)
	if out == nil {
		return nil
	}
	props, _ := out["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}
	return out
}

func sanitizeNode(node map[string]any) map[string]any {
	if len(node) == 0 {
		return nil
	}
	out := make(map[string]any, len(node))
	for k, v := range node {
		if !schemaKeys[k] {
			continue
		}
		switch k {
		case "type":
			if types, ok := v.([]any); ok {
				var nonNull []string
				for _, t := range types {
					if s, ok := t.(string); ok && s != "null" {
						nonNull = append(nonNull, s)
					}
				}
				if len(nonNull) == 1 {
					out["type"] = nonNull[0]
				}
				if len(nonNull) < len(types) {
					out["nullable"] = true
				}
				continue
			}
			out[k] = v
		case "properties":
			props, ok := v.(map[string]any)
			if !ok {
				continue
			}
			clean := make(map[string]any, len(props))
			for name, p := range props {
				pm, _ := p.(map[string]any)
				if s := sanitizeNode(pm); s != nil {
					clean[name] = s
				} else {
					clean[name] = map[string]any{"type": "string"}
				}
			}
			out[k] = clean
		case "items":
			if im, ok := v.(map[string]any); ok {
				if s := sanitizeNode(im); s != nil {
					out[k] = s
				}
			}
		case "anyOf":
			list, ok := v.([]any)
			if !ok {
				continue
			}
			var clean []any
			for _, item := range list {
				if im, ok := item.(map[string]any); ok {
					if s := sanitizeNode(im); s != nil {
						clean = append(clean, s)
					}
				}
			}
			if len(clean) > 0 {
				out[k] = clean
			}
		default:
			out[k] = v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
