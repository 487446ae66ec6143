package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/omx-dev/omx/internal/mcpserver"
	"github.com/omx-dev/omx/internal/team/state"
	"github.com/omx-dev/omx/internal/team/teamerr"
)

var taskStatusEnum = []string{
	string(state.TaskPending),
	string(state.TaskBlocked),
	string(state.TaskInProgress),
	string(state.TaskCompleted),
	string(state.TaskFailed),
}

func (ts *TeamServer) registerTaskTools() {
	taskIDProp := &mcpserver.PropertySchema{Type: "string", Description: "Task id (numeric string)"}

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_create_task",
		Description: "Create a task with the next sequential id. New tasks start pending (or blocked).",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"subject":     {Type: "string", Description: "One-line task subject"},
				"description": {Type: "string", Description: "Full task description"},
				"dependsOn": {
					Type:        "array",
					Description: "Task ids that must complete before this one is claimable",
					Items:       &mcpserver.PropertySchema{Type: "string"},
				},
				"requiresCodeChange": {Type: "boolean", Description: "Whether completing the task changes code (gates plan approval)"},
				"status":             {Type: "string", Description: "Initial status", Enum: []string{string(state.TaskPending), string(state.TaskBlocked)}},
			}),
			Required: []string{"team", "subject"},
		},
	}, ts.handleCreateTask)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_get_task",
		Description: "Read one task.",
		InputSchema: &mcpserver.InputSchema{
			Type:       "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{"taskId": taskIDProp}),
			Required:   []string{"team", "taskId"},
		},
	}, ts.handleGetTask)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_list_tasks",
		Description: "List all tasks sorted by id. Malformed task files are skipped.",
		InputSchema: &mcpserver.InputSchema{
			Type:       "object",
			Properties: teamProps(nil),
			Required:   []string{"team"},
		},
	}, ts.handleListTasks)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_update_task",
		Description: "Apply a partial update to a task. Fields left out are unchanged; version increments by one.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"taskId":      taskIDProp,
				"subject":     {Type: "string", Description: "New subject"},
				"description": {Type: "string", Description: "New description"},
				"status":      {Type: "string", Description: "New status", Enum: taskStatusEnum},
				"owner":       {Type: "string", Description: "New owner"},
				"result":      {Type: "string", Description: "Completion result"},
				"error":       {Type: "string", Description: "Failure reason"},
				"dependsOn": {
					Type:        "array",
					Description: "Replacement dependency list",
					Items:       &mcpserver.PropertySchema{Type: "string"},
				},
				"requiresCodeChange": {Type: "boolean", Description: "Whether completing the task changes code"},
			}),
			Required: []string{"team", "taskId"},
		},
	}, ts.handleUpdateTask)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_claim_task",
		Description: "Claim a pending task for a worker. Fails with claim_conflict when the version moved or another worker holds a live claim, and with blocked_dependency when dependencies are unfinished. Returns the task and a claim token.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"taskId":          taskIDProp,
				"worker":          {Type: "string", Description: "Claiming worker name"},
				"expectedVersion": {Type: "number", Description: "Optimistic concurrency check: fail unless the task is at this version"},
			}),
			Required: []string{"team", "taskId", "worker"},
		},
	}, ts.handleClaimTask)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_release_task",
		Description: "Return a claimed task to pending. Accepts the claim token, or the owning worker's name as a fallback for a lost token.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"taskId":     taskIDProp,
				"claimToken": {Type: "string", Description: "Token returned by team_claim_task"},
				"worker":     {Type: "string", Description: "Owning worker, used when the token is lost"},
			}),
			Required: []string{"team", "taskId"},
		},
	}, ts.handleReleaseTask)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_read_approval",
		Description: "Read a task's plan approval record. Returns null when no record exists.",
		InputSchema: &mcpserver.InputSchema{
			Type:       "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{"taskId": taskIDProp}),
			Required:   []string{"team", "taskId"},
		},
	}, ts.handleReadApproval)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_write_approval",
		Description: "Write a task's plan approval record. Decided statuses stamp decided_at and append an approval_decision event.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"taskId":   taskIDProp,
				"required": {Type: "boolean", Description: "Whether approval gates assignment"},
				"status": {
					Type:        "string",
					Description: "Review decision",
					Enum:        []string{string(state.ApprovalPending), string(state.ApprovalApproved), string(state.ApprovalRejected)},
				},
				"reviewer":       {Type: "string", Description: "Deciding reviewer"},
				"decisionReason": {Type: "string", Description: "Why the decision was made"},
			}),
			Required: []string{"team", "taskId", "status"},
		},
	}, ts.handleWriteApproval)
}

func (ts *TeamServer) handleCreateTask(ctx context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args struct {
		teamArgs
		Subject            string   `json:"subject"`
		Description        string   `json:"description"`
		DependsOn          []string `json:"dependsOn"`
		RequiresCodeChange bool     `json:"requiresCodeChange"`
		Status             string   `json:"status"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Team == "" || args.Subject == "" {
		return nil, fmt.Errorf("team and subject are required")
	}
	created, err := ts.storeFor(args.teamArgs).CreateTask(ctx, args.Team, state.TaskSeed{
		Subject:            args.Subject,
		Description:        args.Description,
		DependsOn:          args.DependsOn,
		RequiresCodeChange: args.RequiresCodeChange,
		Status:             state.TaskStatus(args.Status),
	})
	if err != nil {
		return failure(err)
	}
	return okJSON(created)
}

type taskIDArgs struct {
	teamArgs
	TaskID string `json:"taskId"`
}

func (args *taskIDArgs) check() error {
	if args.Team == "" || args.TaskID == "" {
		return fmt.Errorf("team and taskId are required")
	}
	return nil
}

func (ts *TeamServer) handleGetTask(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args taskIDArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.check(); err != nil {
		return nil, err
	}
	t, err := ts.storeFor(args.teamArgs).ReadTask(args.Team, args.TaskID)
	if err != nil {
		return failure(err)
	}
	return okJSON(t)
}

func (ts *TeamServer) handleListTasks(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args teamArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Team == "" {
		return nil, fmt.Errorf("team is required")
	}
	tasks, err := ts.storeFor(args).ListTasks(args.Team)
	if err != nil {
		return failure(err)
	}
	if tasks == nil {
		tasks = []*state.Task{}
	}
	return okJSON(tasks)
}

func (ts *TeamServer) handleUpdateTask(ctx context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args struct {
		taskIDArgs
		Subject            *string  `json:"subject"`
		Description        *string  `json:"description"`
		Status             *string  `json:"status"`
		Owner              *string  `json:"owner"`
		Result             *string  `json:"result"`
		Error              *string  `json:"error"`
		DependsOn          []string `json:"dependsOn"`
		RequiresCodeChange *bool    `json:"requiresCodeChange"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.check(); err != nil {
		return nil, err
	}

	patch := state.TaskPatch{
		Subject:            args.Subject,
		Description:        args.Description,
		Owner:              args.Owner,
		Result:             args.Result,
		Error:              args.Error,
		DependsOn:          args.DependsOn,
		RequiresCodeChange: args.RequiresCodeChange,
	}
	if args.Status != nil {
		status := state.TaskStatus(*args.Status)
		patch.Status = &status
	}

	updated, err := ts.storeFor(args.teamArgs).UpdateTask(ctx, args.Team, args.TaskID, patch)
	if err != nil {
		return failure(err)
	}
	return okJSON(updated)
}

func (ts *TeamServer) handleClaimTask(ctx context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args struct {
		taskIDArgs
		Worker          string `json:"worker"`
		ExpectedVersion int    `json:"expectedVersion"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Team == "" || args.TaskID == "" || args.Worker == "" {
		return nil, fmt.Errorf("team, taskId, and worker are required")
	}
	res, err := ts.engineFor(args.teamArgs).Claim(ctx, args.Team, args.TaskID, args.Worker, args.ExpectedVersion)
	if err != nil {
		return failure(err)
	}
	return okJSON(map[string]any{"task": res.Task, "claimToken": res.Token})
}

func (ts *TeamServer) handleReleaseTask(ctx context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args struct {
		taskIDArgs
		ClaimToken string `json:"claimToken"`
		Worker     string `json:"worker"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.check(); err != nil {
		return nil, err
	}
	released, err := ts.engineFor(args.teamArgs).Release(ctx, args.Team, args.TaskID, args.ClaimToken, args.Worker)
	if err != nil {
		return failure(err)
	}
	return okJSON(released)
}

func (ts *TeamServer) handleReadApproval(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args taskIDArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.check(); err != nil {
		return nil, err
	}
	approval, err := ts.storeFor(args.teamArgs).ReadApproval(args.Team, args.TaskID)
	if err != nil {
		return failure(err)
	}
	return okJSON(approval)
}

func (ts *TeamServer) handleWriteApproval(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args struct {
		taskIDArgs
		Required       bool   `json:"required"`
		Status         string `json:"status"`
		Reviewer       string `json:"reviewer"`
		DecisionReason string `json:"decisionReason"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Team == "" || args.TaskID == "" || args.Status == "" {
		return nil, fmt.Errorf("team, taskId, and status are required")
	}

	status := state.ApprovalStatus(args.Status)
	switch status {
	case state.ApprovalPending, state.ApprovalApproved, state.ApprovalRejected:
	default:
		return failure(teamerr.Newf(teamerr.CatInvalidStatus, "approval status %q", args.Status))
	}

	approval := &state.TaskApproval{
		TaskID:         args.TaskID,
		Required:       args.Required,
		Status:         status,
		Reviewer:       args.Reviewer,
		DecisionReason: args.DecisionReason,
	}
	if err := ts.storeFor(args.teamArgs).WriteApproval(args.Team, approval); err != nil {
		return failure(err)
	}
	return okJSON(approval)
}
