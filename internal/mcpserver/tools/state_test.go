package tools

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateReadMissingReturnsEmptyObject(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := ts.handleStateRead(context.Background(), json.RawMessage(`{"mode":"autopilot"}`))
	require.NoError(t, err)
	require.False(t, res.IsError)
	require.JSONEq(t, `{}`, res.Content[0].Text)
}

func TestStateWriteThenRead(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()

	res, err := ts.handleStateWrite(ctx, json.RawMessage(
		`{"mode":"ralph","state":{"active":true,"current_phase":"loop-3"}}`))
	require.NoError(t, err)
	require.False(t, res.IsError)

	res, err = ts.handleStateRead(ctx, json.RawMessage(`{"mode":"ralph"}`))
	require.NoError(t, err)
	doc := decodeResult(t, res)
	require.Equal(t, true, doc["active"])
	require.Equal(t, "loop-3", doc["current_phase"])
	require.NotEmpty(t, doc["updated_at"])
}

func TestStateWritePreservesRuntimeContext(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()

	_, err := ts.handleStateWrite(ctx, json.RawMessage(
		`{"mode":"team","state":{"runtime_context":{"team":"alpha"},"active":true}}`))
	require.NoError(t, err)

	res, err := ts.handleStateWrite(ctx, json.RawMessage(
		`{"mode":"team","state":{"current_phase":"dispatch"}}`))
	require.NoError(t, err)
	doc := decodeResult(t, res)
	require.Equal(t, map[string]any{"team": "alpha"}, doc["runtime_context"])
	require.Equal(t, "dispatch", doc["current_phase"])
}

func TestStateWriteRequiresState(t *testing.T) {
	ts, _ := newTestServer(t)

	_, err := ts.handleStateWrite(context.Background(), json.RawMessage(`{"mode":"ralph"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "state is required")
}

func TestStateUnknownModeFails(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := ts.handleStateRead(context.Background(), json.RawMessage(`{"mode":"warpdrive"}`))
	require.NoError(t, err)
	require.Contains(t, wireError(t, res), "invalid_status")
}

func TestStateInvalidSessionIDFails(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := ts.handleStateRead(context.Background(), json.RawMessage(
		`{"mode":"ralph","session_id":"../escape"}`))
	require.NoError(t, err)
	require.Contains(t, wireError(t, res), "invalid_status")
}

func TestStateClear(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()

	_, err := ts.handleStateWrite(ctx, json.RawMessage(`{"mode":"ecomode","state":{"active":true}}`))
	require.NoError(t, err)

	res, err := ts.handleStateClear(ctx, json.RawMessage(`{"mode":"ecomode"}`))
	require.NoError(t, err)
	doc := decodeResult(t, res)
	require.Equal(t, true, doc["cleared"])

	res, err = ts.handleStateRead(ctx, json.RawMessage(`{"mode":"ecomode"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{}`, res.Content[0].Text)

	// Clearing again is a no-op.
	res, err = ts.handleStateClear(ctx, json.RawMessage(`{"mode":"ecomode"}`))
	require.NoError(t, err)
	require.False(t, res.IsError)
}

func TestStateListActiveSessionOverridesGlobal(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()

	_, err := ts.handleStateWrite(ctx, json.RawMessage(
		`{"mode":"ralph","state":{"active":true,"current_phase":"global"}}`))
	require.NoError(t, err)
	_, err = ts.handleStateWrite(ctx, json.RawMessage(
		`{"mode":"ralph","session_id":"s1","state":{"active":true,"current_phase":"scoped"}}`))
	require.NoError(t, err)
	_, err = ts.handleStateWrite(ctx, json.RawMessage(
		`{"mode":"autopilot","state":{"active":true}}`))
	require.NoError(t, err)

	res, err := ts.handleStateListActive(ctx, json.RawMessage(`{"session_id":"s1"}`))
	require.NoError(t, err)
	doc := decodeResult(t, res)
	active, ok := doc["active"].([]any)
	require.True(t, ok)
	require.Len(t, active, 2)

	ralph := active[1].(map[string]any)
	require.Equal(t, "ralph", ralph["mode"])
	require.Equal(t, "scoped", ralph["current_phase"])
	require.Equal(t, true, ralph["session_scope"])
}

func TestStateListActiveEmpty(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := ts.handleStateListActive(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"active":[]}`, res.Content[0].Text)
}

func TestStateGetStatusCoversEveryMode(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()

	_, err := ts.handleStateWrite(ctx, json.RawMessage(`{"mode":"ultraqa","state":{"active":true}}`))
	require.NoError(t, err)

	res, err := ts.handleStateGetStatus(ctx, nil)
	require.NoError(t, err)
	doc := decodeResult(t, res)
	modes, ok := doc["modes"].([]any)
	require.True(t, ok)
	require.Len(t, modes, 9)

	var ultraqa map[string]any
	for _, m := range modes {
		row := m.(map[string]any)
		if row["mode"] == "ultraqa" {
			ultraqa = row
		}
	}
	require.NotNil(t, ultraqa)
	require.Equal(t, true, ultraqa["active"])
	require.Equal(t, true, ultraqa["has_state"])
}
