package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omx-dev/omx/internal/team/state"
)

func TestGetConfig(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := ts.handleGetConfig(context.Background(), json.RawMessage(`{"team":"alpha"}`))
	require.NoError(t, err)
	cfg := decodeResult(t, res)
	require.Equal(t, "alpha", cfg["name"])
	require.Equal(t, float64(3), cfg["worker_count"])
	require.Equal(t, "omx-alpha", cfg["tmux_session"])
	require.Len(t, cfg["workers"].([]any), 3)
}

func TestGetConfigUnknownTeam(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := ts.handleGetConfig(context.Background(), json.RawMessage(`{"team":"ghost"}`))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(wireError(t, res), "team_not_found:"))
}

func TestGetManifest(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := ts.handleGetManifest(context.Background(), json.RawMessage(`{"team":"alpha"}`))
	require.NoError(t, err)
	m := decodeResult(t, res)
	require.Equal(t, float64(2), m["schema_version"])
	require.Equal(t, "leader-fixed", m["leader"].(map[string]any)["worker_id"])
	require.Equal(t, "split_pane", m["policy"].(map[string]any)["display_mode"])
	require.Equal(t, "on-request", m["permissions_snapshot"].(map[string]any)["approval_mode"])
}

func TestSetWorkerStatus(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := ts.handleSetWorkerStatus(context.Background(), json.RawMessage(
		`{"team":"alpha","worker":"worker-1","state":"working","currentTaskId":"1"}`))
	require.NoError(t, err)
	status := decodeResult(t, res)
	require.Equal(t, "working", status["state"])
	require.Equal(t, "1", status["current_task_id"])
	require.NotEmpty(t, status["updated_at"])
}

func TestSetWorkerStatusRejectsUnknownState(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := ts.handleSetWorkerStatus(context.Background(), json.RawMessage(
		`{"team":"alpha","worker":"worker-1","state":"napping"}`))
	require.NoError(t, err)
	require.Contains(t, wireError(t, res), "invalid_status")
}

func TestWriteHeartbeatDefaultsAlive(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := ts.handleWriteHeartbeat(context.Background(), json.RawMessage(
		`{"team":"alpha","worker":"worker-1","pid":4242,"turnCount":7}`))
	require.NoError(t, err)
	hb := decodeResult(t, res)
	require.Equal(t, float64(4242), hb["pid"])
	require.Equal(t, float64(7), hb["turn_count"])
	require.Equal(t, true, hb["alive"])
}

func TestWriteHeartbeatExplicitDead(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := ts.handleWriteHeartbeat(context.Background(), json.RawMessage(
		`{"team":"alpha","worker":"worker-1","pid":4242,"alive":false}`))
	require.NoError(t, err)
	require.Equal(t, false, decodeResult(t, res)["alive"])
}

func TestUpdateHeartbeatCountsTurns(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()
	raw := json.RawMessage(`{"team":"alpha","worker":"worker-2","pid":99}`)

	res, err := ts.handleUpdateHeartbeat(ctx, raw)
	require.NoError(t, err)
	first := decodeResult(t, res)
	require.Equal(t, float64(1), first["turn_count"])
	require.Equal(t, true, first["alive"])

	res, err = ts.handleUpdateHeartbeat(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, float64(2), decodeResult(t, res)["turn_count"])
}

func TestWriteInbox(t *testing.T) {
	ts, project := newTestServer(t)

	res, err := ts.handleWriteInbox(context.Background(), json.RawMessage(
		`{"team":"alpha","worker":"worker-1","content":"# Inbox\n\n- review task 3\n"}`))
	require.NoError(t, err)
	doc := decodeResult(t, res)
	require.Equal(t, "worker-1", doc["worker"])
	require.Equal(t, true, doc["written"])

	content, err := state.NewStore(project).ReadInbox("alpha", "worker-1")
	require.NoError(t, err)
	require.Contains(t, content, "review task 3")
}

func TestWriteIdentityDefaultsRole(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := ts.handleWriteIdentity(context.Background(), json.RawMessage(
		`{"team":"alpha","worker":"worker-1","index":1,"paneId":"%12","pid":777}`))
	require.NoError(t, err)
	ident := decodeResult(t, res)
	require.Equal(t, "worker-1", ident["name"])
	require.Equal(t, "worker", ident["role"])
	require.Equal(t, "%12", ident["pane_id"])
	require.Equal(t, float64(777), ident["pid"])
	require.NotNil(t, ident["assigned_tasks"])
}

func TestWriteIdentityCustomRole(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := ts.handleWriteIdentity(context.Background(), json.RawMessage(
		`{"team":"alpha","worker":"leader-fixed","role":"leader","assignedTasks":["1","2"]}`))
	require.NoError(t, err)
	ident := decodeResult(t, res)
	require.Equal(t, "leader", ident["role"])
	require.Equal(t, []any{"1", "2"}, ident["assigned_tasks"])
}

func TestShutdownRequestAndAck(t *testing.T) {
	ts, project := newTestServer(t)
	ctx := context.Background()

	res, err := ts.handleReadShutdownAck(ctx, json.RawMessage(`{"team":"alpha","worker":"worker-1"}`))
	require.NoError(t, err)
	require.Equal(t, "null", res.Content[0].Text)

	res, err = ts.handleWriteShutdownRequest(ctx, json.RawMessage(
		`{"team":"alpha","worker":"worker-1","requestedBy":"leader"}`))
	require.NoError(t, err)
	req := decodeResult(t, res)
	require.Equal(t, "leader", req["requested_by"])
	require.NotEmpty(t, req["requested_at"])

	err = state.NewStore(project).WriteShutdownAck("alpha", "worker-1", &state.ShutdownAck{Status: "accept"})
	require.NoError(t, err)

	res, err = ts.handleReadShutdownAck(ctx, json.RawMessage(`{"team":"alpha","worker":"worker-1"}`))
	require.NoError(t, err)
	require.Equal(t, "accept", decodeResult(t, res)["status"])
}
