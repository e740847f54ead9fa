package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// jsonrpcVersion is the JSON-RPC protocol version.
const jsonrpcVersion = "2.0"

// MethodListTools is the reserved method that enumerates tools. Every
// other method name is a tool invocation.
const MethodListTools = "list_tools"

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
	ID      int64  `json:"id"`
}

// EncodeRequest renders a request as one newline-terminated frame.
// Nil params are omitted from the frame.
func EncodeRequest(id int64, method string, params any) ([]byte, error) {
	data, err := json.Marshal(Request{JSONRPC: jsonrpcVersion, Method: method, Params: params, ID: id})
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	return append(data, '\n'), nil
}

// Response is a JSON-RPC 2.0 response message. Exactly one of Result
// or Error is set in a well-formed response. ID is nil when the
// response carried no identifier.
type Response struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object reported by the provider.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Standard JSON-RPC error codes used by the provider.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeToolFailed     = -32000
)

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// DecodeResponse parses one line-delimited response frame. A frame that
// is not JSON, names another protocol version, or carries neither (or
// both) of result and error is a *ProtocolError. The identifier is not
// checked here.
func DecodeResponse(method string, frame []byte) (*Response, error) {
	frame = bytes.TrimSpace(frame)
	var resp Response
	if err := json.Unmarshal(frame, &resp); err != nil {
		return nil, &ProtocolError{Method: method, Reason: "response is not a JSON object", Err: err}
	}
	if resp.JSONRPC != "" && resp.JSONRPC != jsonrpcVersion {
		return nil, &ProtocolError{Method: method, Reason: fmt.Sprintf("unsupported jsonrpc version %q", resp.JSONRPC)}
	}
	switch {
	case resp.Result == nil && resp.Error == nil:
		return nil, &ProtocolError{Method: method, Reason: "response has neither result nor error"}
	case resp.Result != nil && resp.Error != nil:
		return nil, &ProtocolError{Method: method, Reason: "response has both result and error"}
	}
	return &resp, nil
}
