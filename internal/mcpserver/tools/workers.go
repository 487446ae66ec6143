package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/omx-dev/omx/internal/mcpserver"
	"github.com/omx-dev/omx/internal/team/state"
)

var workerStateEnum = []string{
	string(state.WorkerIdle),
	string(state.WorkerWorking),
	string(state.WorkerBlocked),
	string(state.WorkerDone),
	string(state.WorkerFailed),
	string(state.WorkerUnknown),
}

func (ts *TeamServer) registerWorkerTools() {
	workerProp := &mcpserver.PropertySchema{Type: "string", Description: "Worker name"}

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_get_config",
		Description: "Read the team's effective configuration. The manifest wins when both it and config.json exist.",
		InputSchema: &mcpserver.InputSchema{
			Type:       "object",
			Properties: teamProps(nil),
			Required:   []string{"team"},
		},
	}, ts.handleGetConfig)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_get_manifest",
		Description: "Read the team's manifest: config plus leader identity, policy, and the permissions snapshot.",
		InputSchema: &mcpserver.InputSchema{
			Type:       "object",
			Properties: teamProps(nil),
			Required:   []string{"team"},
		},
	}, ts.handleGetManifest)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_set_worker_status",
		Description: "Write a worker's self-reported status (state, current task, reason). Stamps updated_at.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"worker":        workerProp,
				"state":         {Type: "string", Description: "Worker state", Enum: workerStateEnum},
				"currentTaskId": {Type: "string", Description: "Task the worker is on, if any"},
				"reason":        {Type: "string", Description: "Why the worker is blocked or failed"},
			}),
			Required: []string{"team", "worker", "state"},
		},
	}, ts.handleSetWorkerStatus)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_write_heartbeat",
		Description: "Write a worker's heartbeat file verbatim, stamping last_turn_at. Prefer team_update_heartbeat for normal turn accounting.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"worker":    workerProp,
				"pid":       {Type: "number", Description: "Worker process id"},
				"turnCount": {Type: "number", Description: "Total turns taken"},
				"alive":     {Type: "boolean", Description: "Whether the worker considers itself alive"},
			}),
			Required: []string{"team", "worker", "pid"},
		},
	}, ts.handleWriteHeartbeat)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_update_heartbeat",
		Description: "Record one worker turn: bump turn_count, stamp last_turn_at and pid, and mark the worker alive.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"worker": workerProp,
				"pid":    {Type: "number", Description: "Worker process id"},
			}),
			Required: []string{"team", "worker"},
		},
	}, ts.handleUpdateHeartbeat)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_write_inbox",
		Description: "Atomically replace a worker's inbox markdown.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"worker":  workerProp,
				"content": {Type: "string", Description: "Full inbox markdown"},
			}),
			Required: []string{"team", "worker", "content"},
		},
	}, ts.handleWriteInbox)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_write_identity",
		Description: "Write a worker's identity record (role, index, assigned tasks, pane binding).",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"worker": workerProp,
				"role":   {Type: "string", Description: "Worker role (defaults to 'worker')"},
				"index":  {Type: "number", Description: "Worker ordinal within the team"},
				"assignedTasks": {
					Type:        "array",
					Description: "Task ids assigned to this worker",
					Items:       &mcpserver.PropertySchema{Type: "string"},
				},
				"pid":    {Type: "number", Description: "Worker process id"},
				"paneId": {Type: "string", Description: "Multiplexer pane id"},
			}),
			Required: []string{"team", "worker"},
		},
	}, ts.handleWriteIdentity)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_write_shutdown_request",
		Description: "Ask a worker to shut down by writing its shutdown-request file. The worker answers via its shutdown-ack file.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"worker":      workerProp,
				"requestedBy": {Type: "string", Description: "Who is requesting the shutdown"},
			}),
			Required: []string{"team", "worker", "requestedBy"},
		},
	}, ts.handleWriteShutdownRequest)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_read_shutdown_ack",
		Description: "Read a worker's shutdown acknowledgement. Returns null when the worker has not answered.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"worker": workerProp,
			}),
			Required: []string{"team", "worker"},
		},
	}, ts.handleReadShutdownAck)
}

func (ts *TeamServer) handleGetConfig(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args teamArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Team == "" {
		return nil, fmt.Errorf("team is required")
	}
	cfg, err := ts.storeFor(args).ReadConfig(args.Team)
	if err != nil {
		return failure(err)
	}
	return okJSON(cfg)
}

func (ts *TeamServer) handleGetManifest(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args teamArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Team == "" {
		return nil, fmt.Errorf("team is required")
	}
	m, err := ts.storeFor(args).ReadManifest(args.Team)
	if err != nil {
		return failure(err)
	}
	return okJSON(m)
}

type workerArgs struct {
	teamArgs
	Worker string `json:"worker"`
}

func (args *workerArgs) check() error {
	if args.Team == "" || args.Worker == "" {
		return fmt.Errorf("team and worker are required")
	}
	return nil
}

func (ts *TeamServer) handleSetWorkerStatus(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args struct {
		workerArgs
		State         string `json:"state"`
		CurrentTaskID string `json:"currentTaskId"`
		Reason        string `json:"reason"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Team == "" || args.Worker == "" || args.State == "" {
		return nil, fmt.Errorf("team, worker, and state are required")
	}

	status := &state.WorkerStatus{
		State:         state.WorkerState(args.State),
		CurrentTaskID: args.CurrentTaskID,
		Reason:        args.Reason,
	}
	if err := ts.storeFor(args.teamArgs).WriteWorkerStatus(args.Team, args.Worker, status); err != nil {
		return failure(err)
	}
	return okJSON(status)
}

func (ts *TeamServer) handleWriteHeartbeat(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args struct {
		workerArgs
		PID       int   `json:"pid"`
		TurnCount int   `json:"turnCount"`
		Alive     *bool `json:"alive"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.check(); err != nil {
		return nil, err
	}

	alive := true
	if args.Alive != nil {
		alive = *args.Alive
	}
	hb := &state.WorkerHeartbeat{
		PID:        args.PID,
		LastTurnAt: ts.now().UTC(),
		TurnCount:  args.TurnCount,
		Alive:      alive,
	}
	if err := ts.storeFor(args.teamArgs).WriteHeartbeat(args.Team, args.Worker, hb); err != nil {
		return failure(err)
	}
	return okJSON(hb)
}

func (ts *TeamServer) handleUpdateHeartbeat(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args struct {
		workerArgs
		PID int `json:"pid"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.check(); err != nil {
		return nil, err
	}
	hb, err := ts.storeFor(args.teamArgs).RecordTurn(args.Team, args.Worker, args.PID)
	if err != nil {
		return failure(err)
	}
	return okJSON(hb)
}

func (ts *TeamServer) handleWriteInbox(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args struct {
		workerArgs
		Content string `json:"content"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.check(); err != nil {
		return nil, err
	}
	if err := ts.storeFor(args.teamArgs).WriteInbox(args.Team, args.Worker, args.Content); err != nil {
		return failure(err)
	}
	return okJSON(map[string]any{"worker": args.Worker, "written": true})
}

func (ts *TeamServer) handleWriteIdentity(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args struct {
		workerArgs
		Role          string   `json:"role"`
		Index         int      `json:"index"`
		AssignedTasks []string `json:"assignedTasks"`
		PID           int      `json:"pid"`
		PaneID        string   `json:"paneId"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.check(); err != nil {
		return nil, err
	}

	role := args.Role
	if role == "" {
		role = "worker"
	}
	ident := &state.WorkerIdentity{
		Name:          args.Worker,
		Index:         args.Index,
		Role:          role,
		AssignedTasks: args.AssignedTasks,
		PID:           args.PID,
		PaneID:        args.PaneID,
	}
	if err := ts.storeFor(args.teamArgs).WriteWorkerIdentity(args.Team, args.Worker, ident); err != nil {
		return failure(err)
	}
	return okJSON(ident)
}

func (ts *TeamServer) handleWriteShutdownRequest(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args struct {
		workerArgs
		RequestedBy string `json:"requestedBy"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Team == "" || args.Worker == "" || args.RequestedBy == "" {
		return nil, fmt.Errorf("team, worker, and requestedBy are required")
	}

	req := &state.ShutdownRequest{
		RequestedAt: ts.now().UTC(),
		RequestedBy: args.RequestedBy,
	}
	if err := ts.storeFor(args.teamArgs).WriteShutdownRequest(args.Team, args.Worker, req); err != nil {
		return failure(err)
	}
	return okJSON(req)
}

func (ts *TeamServer) handleReadShutdownAck(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args workerArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.check(); err != nil {
		return nil, err
	}
	ack, err := ts.storeFor(args.teamArgs).ReadShutdownAck(args.Team, args.Worker)
	if err != nil {
		return failure(err)
	}
	return okJSON(ack)
}
