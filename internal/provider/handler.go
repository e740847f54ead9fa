// Package provider serves tools to a bridge client: one websocket per
// client, one JSON-RPC request at a time, the reserved list_tools method
// plus one method per registered tool.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/nugget/genbridge/internal/config"
	"github.com/nugget/genbridge/internal/mcp"
	"github.com/nugget/genbridge/internal/schema"
	"github.com/nugget/genbridge/internal/tools"
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

// response echoes the request id verbatim, whatever its JSON type.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *mcp.RPCError   `json:"error,omitempty"`
}

var nullID = json.RawMessage("null")

// emptyParams stands in for params that are absent or null.
var emptyParams = json.RawMessage("{}")

// Handler answers JSON-RPC frames from the tools in a registry.
type Handler struct {
	registry *tools.Registry
	logger   *slog.Logger
}

// NewHandler creates a handler over registry.
func NewHandler(registry *tools.Registry, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{registry: registry, logger: logger.With("component", "handler")}
}

// HandleFrame decodes one request frame and returns the encoded
// response. Every frame gets exactly one response.
func (h *Handler) HandleFrame(ctx context.Context, frame []byte) []byte {
	h.logger.Log(ctx, config.LevelTrace, "rpc request", "json", string(frame))

	resp := h.handle(ctx, frame)
	data, err := json.Marshal(resp)
	if err != nil {
		h.logger.Error("failed to encode response", "error", err)
		data, _ = json.Marshal(errorResponse(resp.ID, mcp.CodeInternalError, "failed to encode result"))
	}

	h.logger.Log(ctx, config.LevelTrace, "rpc response", "json", string(data))
	return data
}

func (h *Handler) handle(ctx context.Context, frame []byte) response {
	var req request
	if err := json.Unmarshal(frame, &req); err != nil {
		return errorResponse(nullID, mcp.CodeParseError, "Parse error: "+err.Error())
	}

	id := req.ID
	if len(id) == 0 {
		id = nullID
	}
	if req.JSONRPC != "2.0" {
		return errorResponse(id, mcp.CodeInvalidRequest, `Invalid Request: jsonrpc must be "2.0"`)
	}
	if req.Method == "" {
		return errorResponse(id, mcp.CodeInvalidRequest, "Invalid Request: method is required")
	}

	if req.Method == mcp.MethodListTools {
		return h.listTools(id)
	}
	return h.callTool(ctx, id, req.Method, req.Params)
}

func (h *Handler) listTools(id json.RawMessage) response {
	list := h.registry.List()
	descriptors := make([]mcp.ToolDescriptor, 0, len(list))
	for _, t := range list {
		inputSchema := t.Parameters
		if inputSchema == nil {
			inputSchema = map[string]any{}
		}
		descriptors = append(descriptors, mcp.ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: inputSchema,
		})
	}

	// Error impossible: descriptors hold only JSON-decoded values.
	result, _ := json.Marshal(descriptors)
	h.logger.Debug("listed tools", "count", len(descriptors))
	return response{JSONRPC: "2.0", ID: id, Result: result}
}

func (h *Handler) callTool(ctx context.Context, id json.RawMessage, name string, rawParams json.RawMessage) response {
	tool := h.registry.Get(name)
	if tool == nil {
		return errorResponse(id, mcp.CodeMethodNotFound, "Method not found: "+name)
	}

	if len(rawParams) == 0 || string(rawParams) == "null" {
		rawParams = emptyParams
	}
	var args map[string]any
	if err := json.Unmarshal(rawParams, &args); err != nil || args == nil {
		return errorResponse(id, mcp.CodeInvalidParams, "Invalid params: params must be an object")
	}
	// Validate the wire form so that numbers keep their exact text.
	if err := schema.ValidateJSON(tool.Parameters, rawParams); err != nil {
		return errorResponse(id, mcp.CodeInvalidParams, "Invalid params: "+err.Error())
	}

	log := h.logger.With("tool", name)
	log.Debug("invoking tool")

	result, err := h.registry.Execute(ctx, name, args)
	if err != nil {
		var unavailable *tools.ErrToolUnavailable
		if errors.As(err, &unavailable) {
			return errorResponse(id, mcp.CodeMethodNotFound, "Method not found: "+name)
		}
		log.Warn("tool failed", "error", err)
		return errorResponse(id, mcp.CodeToolFailed, err.Error())
	}
	if len(result) == 0 {
		result = nullID
	}

	log.Debug("tool succeeded", "result_bytes", len(result))
	return response{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) response {
	return response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &mcp.RPCError{Code: code, Message: message},
	}
}
