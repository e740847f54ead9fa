package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/genbridge/internal/llm"
	"github.com/nugget/genbridge/internal/tools"
)

// GenerateTextToolName is the method name of the text generation tool.
const GenerateTextToolName = "generate_text"

// NewGenerateTextTool returns a tool that passes a prompt to the model
// and returns {"text": reply}. Per-call temperature and
// max_output_tokens override defaults.
func NewGenerateTextTool(client llm.Client, defaults llm.GenerationParams, logger *slog.Logger) *tools.Tool {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("tool", GenerateTextToolName)

	return &tools.Tool{
		Name:        GenerateTextToolName,
		Description: "Generate text from a prompt using the configured Gemini model.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"prompt": map[string]any{
					"type":        "string",
					"description": "The prompt to send to the model",
				},
				"temperature": map[string]any{
					"type":        "number",
					"description": "Sampling temperature",
				},
				"max_output_tokens": map[string]any{
					"type":        "integer",
					"description": "Upper bound on generated tokens",
				},
				"stream": map[string]any{
					"type":        "boolean",
					"description": "Use the streaming endpoint",
				},
			},
			"required":             []any{"prompt"},
			"additionalProperties": false,
		},
		Handler: func(ctx context.Context, args map[string]any) (json.RawMessage, error) {
			prompt, _ := args["prompt"].(string)
			if strings.TrimSpace(prompt) == "" {
				return nil, fmt.Errorf("prompt is required")
			}

			params := defaults
			if v, ok := args["temperature"].(float64); ok {
				params.Temperature = &v
			}
			if v, ok := args["max_output_tokens"].(float64); ok {
				n := int(v)
				params.MaxOutputTokens = &n
			}
			stream, _ := args["stream"].(bool)

			logger.Debug("generating text", "prompt_len", len(prompt), "stream", stream)

			text, err := llm.GenerateText(ctx, client, prompt, params, stream)
			if err != nil {
				return nil, err
			}
			return json.Marshal(map[string]string{"text": text})
		},
	}
}
