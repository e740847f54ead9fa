package mcp

import (
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
)

func TestEncodeRequest(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		params     any
		wantParams bool
	}{
		{name: "list_tools", method: MethodListTools},
		{name: "invocation", method: "generate_text", params: map[string]any{"prompt": "abc"}, wantParams: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := EncodeRequest(42, tt.method, tt.params)
			if err != nil {
				t.Fatalf("EncodeRequest() = %v", err)
			}
			if !strings.HasSuffix(string(frame), "}\n") || strings.Count(string(frame), "\n") != 1 {
				t.Fatalf("frame %q is not a single newline-terminated line", frame)
			}

			var m map[string]any
			if err := json.Unmarshal(frame, &m); err != nil {
				t.Fatalf("frame %q: %v", frame, err)
			}
			if m["jsonrpc"] != "2.0" || m["method"] != tt.method || m["id"] != float64(42) {
				t.Errorf("frame = %s", frame)
			}
			if _, ok := m["params"]; ok != tt.wantParams {
				t.Errorf("params present = %v, want %v in %s", ok, tt.wantParams, frame)
			}
		})
	}
}

func TestEncodeRequest_Unencodable(t *testing.T) {
	_, err := EncodeRequest(1, "echo", map[string]any{"n": math.Inf(1)})
	if err == nil || !strings.Contains(err.Error(), "encode echo request") {
		t.Errorf("EncodeRequest(+Inf) = %v, want encode error", err)
	}
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name      string
		frame     string
		wantCode  int
		wantProto bool
	}{
		{name: "result", frame: `{"jsonrpc":"2.0","id":1,"result":{"text":"hi"}}` + "\n"},
		{name: "empty list", frame: `{"jsonrpc":"2.0","id":1,"result":[]}`},
		{name: "null result", frame: `{"jsonrpc":"2.0","id":1,"result":null}`},
		{name: "error", frame: `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"Method not found: x"}}`, wantCode: CodeMethodNotFound},
		{name: "no version", frame: `{"id":1,"result":{}}`},
		{name: "not json", frame: `ws://localhost:9999`, wantProto: true},
		{name: "wrong version", frame: `{"jsonrpc":"1.0","id":1,"result":{}}`, wantProto: true},
		{name: "neither", frame: `{"jsonrpc":"2.0","id":1}`, wantProto: true},
		{name: "both", frame: `{"jsonrpc":"2.0","id":1,"result":1,"error":{"message":"x"}}`, wantProto: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := DecodeResponse("echo", []byte(tt.frame))
			if tt.wantProto {
				var pe *ProtocolError
				if !errors.As(err, &pe) {
					t.Fatalf("DecodeResponse() = %v, want *ProtocolError", err)
				}
				if pe.Method != "echo" {
					t.Errorf("Method = %q, want echo", pe.Method)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeResponse() = %v", err)
			}
			if resp.ID == nil || *resp.ID != 1 {
				t.Errorf("ID = %v, want 1", resp.ID)
			}
			if tt.wantCode != 0 {
				if resp.Error == nil || resp.Error.Code != tt.wantCode {
					t.Errorf("Error = %+v, want code %d", resp.Error, tt.wantCode)
				}
			} else if resp.Result == nil {
				t.Error("Result is nil")
			}
		})
	}
}

func TestRPCError_Error(t *testing.T) {
	e := &RPCError{Code: CodeInvalidParams, Message: "Invalid params: prompt is required"}
	if got, want := e.Error(), "jsonrpc error -32602: Invalid params: prompt is required"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
