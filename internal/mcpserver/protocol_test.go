package mcpserver

import (
	"encoding/json"
	"testing"
)

func TestRPCError_Error(t *testing.T) {
	err := &RPCError{Code: -32600, Message: "Invalid Request"}
	got := err.Error()
	want := "RPC error -32600: Invalid Request"
	if got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      *RPCError
		wantCode int
	}{
		{"ParseError", NewParseError("bad json"), ErrCodeParseError},
		{"InvalidRequest", NewInvalidRequest(nil), ErrCodeInvalidRequest},
		{"MethodNotFound", NewMethodNotFound("unknown"), ErrCodeMethodNotFound},
		{"InvalidParams", NewInvalidParams("missing field"), ErrCodeInvalidParams},
		{"InternalError", NewInternalError("server error"), ErrCodeInternalError},
		{"ToolNotFound", NewToolNotFound("bad_tool"), ErrCodeToolNotFound},
		{"ToolExecFailed", NewToolExecFailed("exec failed"), ErrCodeToolExecFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", tt.err.Code, tt.wantCode)
			}
		})
	}
}

func TestTextContent(t *testing.T) {
	content := TextContent("hello world")
	if content.Type != "text" {
		t.Errorf("Type = %q, want %q", content.Type, "text")
	}
	if content.Text != "hello world" {
		t.Errorf("Text = %q, want %q", content.Text, "hello world")
	}
}

func TestSuccessResult(t *testing.T) {
	result := SuccessResult(`{"ok":true}`)
	if result.IsError {
		t.Error("IsError should be false for success")
	}
	if len(result.Content) != 1 {
		t.Fatalf("Content length = %d, want 1", len(result.Content))
	}
	if result.Content[0].Text != `{"ok":true}` {
		t.Errorf("Text = %q, want %q", result.Content[0].Text, `{"ok":true}`)
	}
}

func TestErrorResult(t *testing.T) {
	result := ErrorResult(`{"error":"task_not_found:7"}`)
	if !result.IsError {
		t.Error("IsError should be true for error result")
	}
	if len(result.Content) != 1 {
		t.Fatalf("Content length = %d, want 1", len(result.Content))
	}
	if result.Content[0].Text != `{"error":"task_not_found:7"}` {
		t.Errorf("Text = %q", result.Content[0].Text)
	}
}

func TestNewResponse(t *testing.T) {
	id := json.RawMessage(`1`)
	resp := NewResponse(id, map[string]string{"key": "value"})

	if resp.JSONRPC != JSONRPCVersion {
		t.Errorf("JSONRPC = %q, want %q", resp.JSONRPC, JSONRPCVersion)
	}
	if string(resp.ID) != "1" {
		t.Errorf("ID = %q, want %q", string(resp.ID), "1")
	}
	if resp.Error != nil {
		t.Error("Error should be nil for success response")
	}
}

func TestNewErrorResponse(t *testing.T) {
	id := json.RawMessage(`"req-123"`)
	rpcErr := NewMethodNotFound("unknown_method")
	resp := NewErrorResponse(id, rpcErr)

	if resp.JSONRPC != JSONRPCVersion {
		t.Errorf("JSONRPC = %q, want %q", resp.JSONRPC, JSONRPCVersion)
	}
	if string(resp.ID) != `"req-123"` {
		t.Errorf("ID = %q, want %q", string(resp.ID), `"req-123"`)
	}
	if resp.Error == nil {
		t.Fatal("Error should not be nil")
	}
	if resp.Error.Code != ErrCodeMethodNotFound {
		t.Errorf("Error.Code = %d, want %d", resp.Error.Code, ErrCodeMethodNotFound)
	}
}

func TestToolCallResultOmitsIsErrorOnSuccess(t *testing.T) {
	data, err := json.Marshal(SuccessResult("ok"))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, present := decoded["isError"]; present {
		t.Error("isError should be omitted when false")
	}
}

func TestToolSchemaSerialization(t *testing.T) {
	tool := Tool{
		Name:        "team_claim_task",
		Description: "Claim a pending task",
		InputSchema: &InputSchema{
			Type: "object",
			Properties: map[string]*PropertySchema{
				"team":            {Type: "string", Description: "Team name"},
				"taskId":          {Type: "string", Description: "Task id"},
				"expectedVersion": {Type: "number", Description: "Version seen by the caller"},
			},
			Required: []string{"team", "taskId"},
		},
	}

	data, err := json.Marshal(tool)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded Tool
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Name != "team_claim_task" {
		t.Errorf("Name = %q", decoded.Name)
	}
	if decoded.InputSchema == nil || len(decoded.InputSchema.Required) != 2 {
		t.Errorf("InputSchema round-trip lost required fields: %+v", decoded.InputSchema)
	}
}
