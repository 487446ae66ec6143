package tmux

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/omx-dev/omx/internal/team/teamerr"
)

// =============================================================================
// CheckTrigger
// =============================================================================

func TestCheckTriggerAcceptsPlainNudge(t *testing.T) {
	require.NoError(t, CheckTrigger("Read and follow the instructions in workers/worker-1/inbox.md"))
}

func TestCheckTriggerRejectsInjectionMarker(t *testing.T) {
	err := CheckTrigger("hello " + InjectionMarker + " world")
	require.Error(t, err)
	require.Equal(t, teamerr.CatSubmitFailed, teamerr.CategoryOf(err))
}

func TestCheckTriggerRejectsOverlongMessage(t *testing.T) {
	err := CheckTrigger(strings.Repeat("x", MaxTriggerLen))
	require.Error(t, err)

	require.NoError(t, CheckTrigger(strings.Repeat("x", MaxTriggerLen-1)))
}

func TestCheckTriggerRejectsControlBytes(t *testing.T) {
	require.Error(t, CheckTrigger("line one\nline two"))
	require.Error(t, CheckTrigger("bell\x07"))
	require.Error(t, CheckTrigger("émoji"))
	require.NoError(t, CheckTrigger("tabs\tare fine"))
}

func TestCheckTriggerProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		msg := rapid.StringMatching(`[ -~]{0,150}`).Draw(t, "msg")
		if strings.Contains(msg, InjectionMarker) {
			return
		}
		require.NoError(t, CheckTrigger(msg))
	})
}

// =============================================================================
// FakeAdapter
// =============================================================================

func TestFakeAdapterPaneLifecycle(t *testing.T) {
	ctx := context.Background()
	f := NewFakeAdapter()

	id := f.AddPane("codex")
	require.True(t, f.IsPaneAlive(ctx, id))

	panes, err := f.ListPanes(ctx, "omx-alpha")
	require.NoError(t, err)
	require.Len(t, panes, 1)
	require.Equal(t, "codex", panes[0].CurrentCommand)

	pid, err := f.GetPanePid(ctx, id)
	require.NoError(t, err)
	require.Greater(t, pid, 0)

	require.NoError(t, f.KillPane(ctx, id))
	require.False(t, f.IsPaneAlive(ctx, id))

	// Killing again stays a no-op.
	require.NoError(t, f.KillPane(ctx, id))
}

func TestFakeAdapterCaptureSequence(t *testing.T) {
	ctx := context.Background()
	f := NewFakeAdapter()
	id := f.AddPane("codex")
	f.SetCapture(id, "booting", "model: gpt-5", "›")

	for _, want := range []string{"booting", "model: gpt-5", "›", "›"} {
		got, err := f.CapturePane(ctx, id, 20)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestFakeAdapterEchoLiterals(t *testing.T) {
	ctx := context.Background()
	f := NewFakeAdapter()
	id := f.AddPane("codex")
	f.SetCapture(id, "›")
	f.EchoLiterals(id)

	require.NoError(t, f.SendLiteral(ctx, id, "do the thing"))
	require.NoError(t, f.SendControl(ctx, id, KeySubmit))

	out, err := f.CapturePane(ctx, id, 20)
	require.NoError(t, err)
	require.Contains(t, out, "do the thing")
	require.Equal(t, []string{"do the thing"}, f.SentLiterals(id))
	require.Equal(t, []ControlKey{KeySubmit}, f.SentControls(id))
}

func TestFakeAdapterSendToDeadPaneFails(t *testing.T) {
	ctx := context.Background()
	f := NewFakeAdapter()
	id := f.AddPane("codex")
	f.MarkDead(id)

	require.Error(t, f.SendLiteral(ctx, id, "hello"))
	require.Error(t, f.SendControl(ctx, id, KeySubmit))
	_, err := f.CapturePane(ctx, id, 5)
	require.Error(t, err)
}
