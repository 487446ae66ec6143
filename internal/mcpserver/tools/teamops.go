package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/omx-dev/omx/internal/mcpserver"
	"github.com/omx-dev/omx/internal/team/state"
	"github.com/omx-dev/omx/internal/team/teamerr"
)

var eventTypeEnum = []string{
	string(state.EventTaskCompleted),
	string(state.EventWorkerIdle),
	string(state.EventWorkerStopped),
	string(state.EventMessageReceived),
	string(state.EventShutdownAck),
	string(state.EventApprovalDecision),
	string(state.EventTeamLeaderNudge),
}

func validEventType(t state.EventType) bool {
	for _, e := range eventTypeEnum {
		if e == string(t) {
			return true
		}
	}
	return false
}

func (ts *TeamServer) registerTeamOpsTools() {
	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_append_event",
		Description: "Append one event to the team's append-only log. event_id and created_at are stamped by the store.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"type":      {Type: "string", Description: "Event verb", Enum: eventTypeEnum},
				"worker":    {Type: "string", Description: "Worker the event concerns"},
				"taskId":    {Type: "string", Description: "Related task id"},
				"messageId": {Type: "string", Description: "Related mailbox message id"},
				"reason":    {Type: "string", Description: "Free-form event detail"},
			}),
			Required: []string{"team", "type", "worker"},
		},
	}, ts.handleAppendEvent)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_summary",
		Description: "Read the monitor's last persisted team summary: task counts, worker rows, and recommendations. A team with no monitor cycle yet reports empty counts.",
		InputSchema: &mcpserver.InputSchema{
			Type:       "object",
			Properties: teamProps(nil),
			Required:   []string{"team"},
		},
	}, ts.handleTeamSummary)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_cleanup",
		Description: "Remove the team's state directory. When the manifest policy requires it, cleanup is refused while any worker still reports working or blocked; force overrides.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"force": {Type: "boolean", Description: "Remove state even when workers are still active"},
			}),
			Required: []string{"team"},
		},
	}, ts.handleTeamCleanup)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_read_monitor_snapshot",
		Description: "Read the monitor's diff basis from the previous cycle. A missing snapshot reports empty maps.",
		InputSchema: &mcpserver.InputSchema{
			Type:       "object",
			Properties: teamProps(nil),
			Required:   []string{"team"},
		},
	}, ts.handleReadMonitorSnapshot)

	ts.RegisterTool(mcpserver.Tool{
		Name:        "team_write_monitor_snapshot",
		Description: "Persist the monitor's diff basis for the next cycle.",
		InputSchema: &mcpserver.InputSchema{
			Type: "object",
			Properties: teamProps(map[string]*mcpserver.PropertySchema{
				"snapshot": {Type: "object", Description: "Snapshot document to persist"},
			}),
			Required: []string{"team", "snapshot"},
		},
	}, ts.handleWriteMonitorSnapshot)
}

func (ts *TeamServer) handleAppendEvent(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args struct {
		teamArgs
		Type      string `json:"type"`
		Worker    string `json:"worker"`
		TaskID    string `json:"taskId"`
		MessageID string `json:"messageId"`
		Reason    string `json:"reason"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Team == "" || args.Type == "" || args.Worker == "" {
		return nil, fmt.Errorf("team, type, and worker are required")
	}

	eventType := state.EventType(args.Type)
	if !validEventType(eventType) {
		return failure(teamerr.Newf(teamerr.CatInvalidStatus, "event type %q", args.Type))
	}

	event := state.TeamEvent{
		Type:   eventType,
		Worker: args.Worker,
		TaskID: args.TaskID,
		Reason: args.Reason,
	}
	if args.MessageID != "" {
		event.MessageID = &args.MessageID
	}
	appended, err := ts.storeFor(args.teamArgs).AppendEvent(args.Team, event)
	if err != nil {
		return failure(err)
	}
	return okJSON(appended)
}

func (ts *TeamServer) handleTeamSummary(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args teamArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Team == "" {
		return nil, fmt.Errorf("team is required")
	}

	store := ts.storeFor(args)
	if _, err := store.ReadConfig(args.Team); err != nil {
		return failure(err)
	}
	summary, err := store.ReadSummarySnapshot(args.Team)
	if err != nil {
		return failure(err)
	}
	if summary == nil {
		summary = &state.TeamSummary{Team: args.Team, Workers: []state.WorkerRow{}}
	}
	return okJSON(summary)
}

func (ts *TeamServer) handleTeamCleanup(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args struct {
		teamArgs
		Force bool `json:"force"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Team == "" {
		return nil, fmt.Errorf("team is required")
	}

	store := ts.storeFor(args.teamArgs)
	if !store.TeamExists(args.Team) {
		return failure(teamerr.Newf(teamerr.CatTeamNotFound, "team %s", args.Team))
	}

	if !args.Force {
		if active, err := activeWorkers(store, args.Team); err != nil {
			return failure(err)
		} else if len(active) > 0 {
			return failure(teamerr.Newf(teamerr.CatShutdownRejected, "workers still active: %s", strings.Join(active, ",")))
		}
	}

	if err := store.RemoveTeam(args.Team); err != nil {
		return failure(err)
	}
	return okJSON(map[string]any{"team": args.Team, "removed": true})
}

// activeWorkers returns the workers still reporting working or blocked,
// when the manifest policy gates cleanup on worker inactivity. Teams
// without a manifest, or without the gate, report none.
func activeWorkers(store *state.Store, team string) ([]string, error) {
	m, err := store.ReadManifest(team)
	if err != nil || !m.Policy.CleanupRequiresAllWorkersInactive {
		return nil, nil
	}

	workers, err := store.Workers(team)
	if err != nil {
		return nil, err
	}
	var active []string
	for _, w := range workers {
		st, err := store.ReadWorkerStatus(team, w)
		if err != nil {
			return nil, err
		}
		if st.State == state.WorkerWorking || st.State == state.WorkerBlocked {
			active = append(active, w)
		}
	}
	return active, nil
}

func (ts *TeamServer) handleReadMonitorSnapshot(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args teamArgs
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Team == "" {
		return nil, fmt.Errorf("team is required")
	}
	snap, err := ts.storeFor(args).ReadMonitorSnapshot(args.Team)
	if err != nil {
		return failure(err)
	}
	return okJSON(snap)
}

func (ts *TeamServer) handleWriteMonitorSnapshot(_ context.Context, raw json.RawMessage) (*mcpserver.ToolCallResult, error) {
	var args struct {
		teamArgs
		Snapshot *state.MonitorSnapshot `json:"snapshot"`
	}
	if err := parseArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Team == "" || args.Snapshot == nil {
		return nil, fmt.Errorf("team and snapshot are required")
	}
	if err := ts.storeFor(args.teamArgs).WriteMonitorSnapshot(args.Team, args.Snapshot); err != nil {
		return failure(err)
	}
	return okJSON(map[string]any{"team": args.Team, "written": true})
}
