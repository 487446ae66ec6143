package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/omx-dev/omx/internal/mcpserver"
	"github.com/omx-dev/omx/internal/modestate"
)

// stateArgs is the shared argument shape of the mode state tools. These
// use snake_case keys, matching the session-scoped file layout they
// address.
type stateArgs struct {
	Mode      string `json:"mode"`
	SessionID string `json:"session_id"`
}

func (ts *TeamServer) registerStateTools() {
	modeProp := &mcpserver.PropertySchema{
		Type:        "string",
		Description: "Operating mode name",
		Enum:        modestate.Modes,
	}
	sessionProp := &mcpserver.PropertySchema{
		Type:        "string",
		Description: "Optional session scope. Omit for the global scope.",
	}

	ts.RegisterTool(mcpserver.Tool{
		Name:        "state_read",
		Description: "Read a mode's state document. Returns an empty object when no state has been written.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: map[string]*mcpserver.PropertySchema{
				"mode":       modeProp,
				"session_id": sessionProp,
			},
			Required: []string{"mode"},
		},
	}, ts.handleStateRead)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "state_write",
		Description: "Deep-merge a patch over a mode's state document. The runtime_context key survives the merge unless the patch overwrites it.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: map[string]*mcpserver.PropertySchema{
				"mode":       modeProp,
				"session_id": sessionProp,
				"state":      {Type: "object", Description: "Patch to merge over the existing document"},
			},
			Required: []string{"mode", "state"},
		},
	}, ts.handleStateWrite)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "state_clear",
		Description: "Remove a mode's state file. Clearing a mode that has no state is a no-op.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: map[string]*mcpserver.PropertySchema{
				"mode":       modeProp,
				"session_id": sessionProp,
			},
			Required: []string{"mode"},
		},
	}, ts.handleStateClear)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "state_list_active",
		Description: "List modes whose state reports active=true. Session-scoped state overrides the global entry for the same mode.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: map[string]*mcpserver.PropertySchema{
				"session_id": sessionProp,
			},
		},
	}, ts.handleStateListActive)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "state_get_status",
		Description: "Report every mode's global state: whether a state file exists, whether it is active, and its current phase.",
		InputSchema: &mcpserver.InputSchema{Type: "object"},
	}, ts.handleStateGetStatus)
}

func (ts *TeamServer) handleStateRead(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args stateArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	doc, err := ts.modes.Read(args.Mode, args.SessionID)
	if err != nil {
		return failure(err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return mcpserver.SuccessResult(modestate.MarshalDoc(doc)), nil
}

func (ts *TeamServer) handleStateWrite(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args struct {
		stateArgs
		State map[string]any `json:"state"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.State == nil {
		return nil, fmt.Errorf("state is required")
	}
	merged, err := ts.modes.Write(args.Mode, args.SessionID, args.State)
	if err != nil {
		return failure(err)
	}
	return mcpserver.SuccessResult(modestate.MarshalDoc(merged)), nil
}

func (ts *TeamServer) handleStateClear(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args stateArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := ts.modes.Clear(args.Mode, args.SessionID); err != nil {
		return failure(err)
	}
	return okJSON(map[string]any{"mode": args.Mode, "cleared": true})
}

func (ts *TeamServer) handleStateListActive(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args stateArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	active, err := ts.modes.ListActive(args.SessionID)
	if err != nil {
		return failure(err)
	}
	if active == nil {
		active = []modestate.ActiveMode{}
	}
	return okJSON(map[string]any{"active": active})
}

func (ts *TeamServer) handleStateGetStatus(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args struct{}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	modes, err := ts.modes.Status()
	if err != nil {
		return failure(err)
	}
	return okJSON(map[string]any{"modes": modes})
}
