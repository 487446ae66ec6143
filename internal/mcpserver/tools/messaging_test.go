package tools

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func sendMessage(t *testing.T, ts *TeamServer, from, to, body string) map[string]any {
	t.Helper()
	res, err := ts.handleSendMessage(context.Background(), json.RawMessage(
		`{"team":"alpha","from":"`+from+`","to":"`+to+`","message":"`+body+`"}`))
	require.NoError(t, err)
	require.False(t, res.IsError)
	return decodeResult(t, res)
}

func listMailbox(t *testing.T, ts *TeamServer, worker string, pendingOnly bool) []any {
	t.Helper()
	raw := `{"team":"alpha","worker":"` + worker + `"}`
	if pendingOnly {
		raw = `{"team":"alpha","worker":"` + worker + `","pendingOnly":true}`
	}
	res, err := ts.handleListMailbox(context.Background(), json.RawMessage(raw))
	require.NoError(t, err)
	require.False(t, res.IsError)
	return decodeResult(t, res)["messages"].([]any)
}

func TestSendMessageThenList(t *testing.T) {
	ts, _ := newTestServer(t)

	sent := sendMessage(t, ts, "leader", "worker-1", "start with the parser")
	require.NotEmpty(t, sent["message_id"])
	require.Equal(t, "leader", sent["from_worker"])
	require.Equal(t, "worker-1", sent["to_worker"])

	msgs := listMailbox(t, ts, "worker-1", false)
	require.Len(t, msgs, 1)
	got := msgs[0].(map[string]any)
	require.Equal(t, sent["message_id"], got["message_id"])
	require.Equal(t, "start with the parser", got["body"])
}

func TestSendMessageUnknownTeam(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := ts.handleSendMessage(context.Background(), json.RawMessage(
		`{"team":"ghost","from":"leader","to":"worker-1","message":"hi"}`))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(wireError(t, res), "team_not_found:"))
}

func TestListMailboxEmptyWorker(t *testing.T) {
	ts, _ := newTestServer(t)
	require.Empty(t, listMailbox(t, ts, "worker-2", false))
}

func TestPendingOnlyExcludesDelivered(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx := context.Background()

	first := sendMessage(t, ts, "leader", "worker-1", "first")
	sendMessage(t, ts, "leader", "worker-1", "second")

	res, err := ts.handleMarkDelivered(ctx, json.RawMessage(
		`{"team":"alpha","worker":"worker-1","messageId":"`+first["message_id"].(string)+`"}`))
	require.NoError(t, err)
	require.Equal(t, true, decodeResult(t, res)["updated"])

	require.Len(t, listMailbox(t, ts, "worker-1", false), 2)

	pending := listMailbox(t, ts, "worker-1", true)
	require.Len(t, pending, 1)
	require.Equal(t, "second", pending[0].(map[string]any)["body"])
}

func TestMarkDeliveredUnknownMessage(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := ts.handleMarkDelivered(context.Background(), json.RawMessage(
		`{"team":"alpha","worker":"worker-1","messageId":"no-such-id"}`))
	require.NoError(t, err)
	require.Equal(t, false, decodeResult(t, res)["updated"])
}

func TestMarkNotifiedStampsMessage(t *testing.T) {
	ts, _ := newTestServer(t)
	msg := sendMessage(t, ts, "worker-2", "worker-1", "nudge me")

	res, err := ts.handleMarkNotified(context.Background(), json.RawMessage(
		`{"team":"alpha","worker":"worker-1","messageId":"`+msg["message_id"].(string)+`"}`))
	require.NoError(t, err)
	require.Equal(t, true, decodeResult(t, res)["updated"])

	msgs := listMailbox(t, ts, "worker-1", false)
	require.NotEmpty(t, msgs[0].(map[string]any)["notified_at"])

	// Notification is not delivery: the message stays pending.
	require.Len(t, listMailbox(t, ts, "worker-1", true), 1)
}

func TestBroadcastSkipsSender(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := ts.handleBroadcastMessage(context.Background(), json.RawMessage(
		`{"team":"alpha","from":"worker-1","message":"standup in five"}`))
	require.NoError(t, err)
	doc := decodeResult(t, res)
	require.Equal(t, float64(2), doc["count"])

	var recipients []string
	for _, m := range doc["messages"].([]any) {
		recipients = append(recipients, m.(map[string]any)["to_worker"].(string))
	}
	require.ElementsMatch(t, []string{"worker-2", "worker-3"}, recipients)
	require.Empty(t, listMailbox(t, ts, "worker-1", false))
}

func TestBroadcastFromLeaderReachesAllWorkers(t *testing.T) {
	ts, _ := newTestServer(t)

	res, err := ts.handleBroadcastMessage(context.Background(), json.RawMessage(
		`{"team":"alpha","from":"leader","message":"shutting down soon"}`))
	require.NoError(t, err)
	require.Equal(t, float64(3), decodeResult(t, res)["count"])
}
