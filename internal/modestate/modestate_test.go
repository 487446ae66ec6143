package modestate

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omx-dev/omx/internal/team/paths"
	"github.com/omx-dev/omx/internal/team/teamerr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(paths.NewRoot(t.TempDir()))
}

// =============================================================================
// Validation
// =============================================================================

func TestModeValidation(t *testing.T) {
	require.True(t, ValidMode("team"))
	require.True(t, ValidMode("ralplan"))
	require.False(t, ValidMode("turbo"))
	require.False(t, ValidMode(""))

	err := CheckMode("turbo")
	require.Equal(t, teamerr.CatInvalidStatus, teamerr.CategoryOf(err))
}

func TestSessionIDValidation(t *testing.T) {
	require.NoError(t, CheckSessionID(""))
	require.NoError(t, CheckSessionID("abc-123"))
	require.NoError(t, CheckSessionID("S.2026-08-25_01"))

	for _, bad := range []string{"../escape", "a/b", "has space", ".hidden"} {
		err := CheckSessionID(bad)
		require.Error(t, err, "session id %q", bad)
	}
}

// =============================================================================
// Read / write / clear
// =============================================================================

func TestWriteMergesAndStampsUpdatedAt(t *testing.T) {
	s := newTestStore(t)

	first, err := s.Write("autopilot", "", map[string]any{
		"active":        true,
		"current_phase": "plan",
	})
	require.NoError(t, err)
	require.Equal(t, true, first["active"])
	require.NotEmpty(t, first["updated_at"])

	second, err := s.Write("autopilot", "", map[string]any{"current_phase": "execute"})
	require.NoError(t, err)
	require.Equal(t, true, second["active"], "unrelated keys survive the merge")
	require.Equal(t, "execute", second["current_phase"])

	doc, err := s.Read("autopilot", "")
	require.NoError(t, err)
	require.Equal(t, "execute", doc["current_phase"])
}

func TestWritePreservesRuntimeContext(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Write("ralph", "", map[string]any{
		"active":          true,
		RuntimeContextKey: map[string]any{"loop": float64(3)},
	})
	require.NoError(t, err)

	// A patch without the key leaves it alone.
	doc, err := s.Write("ralph", "", map[string]any{"current_phase": "verify"})
	require.NoError(t, err)
	rc, ok := doc[RuntimeContextKey].(map[string]any)
	require.True(t, ok)
	require.Equal(t, float64(3), rc["loop"])

	// An explicit patch overwrites it.
	doc, err = s.Write("ralph", "", map[string]any{
		RuntimeContextKey: map[string]any{"loop": float64(4)},
	})
	require.NoError(t, err)
	rc = doc[RuntimeContextKey].(map[string]any)
	require.Equal(t, float64(4), rc["loop"])
}

func TestReadMissingIsNil(t *testing.T) {
	s := newTestStore(t)
	doc, err := s.Read("team", "")
	require.NoError(t, err)
	require.Nil(t, doc)
}

func TestClearRemovesStateFile(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Write("ultraqa", "sid-1", map[string]any{"active": true})
	require.NoError(t, err)

	require.NoError(t, s.Clear("ultraqa", "sid-1"))
	doc, err := s.Read("ultraqa", "sid-1")
	require.NoError(t, err)
	require.Nil(t, doc)

	// Clearing again is a no-op.
	require.NoError(t, s.Clear("ultraqa", "sid-1"))
}

func TestSessionScopeIsIsolated(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Write("team", "", map[string]any{"active": true, "current_phase": "global"})
	require.NoError(t, err)
	_, err = s.Write("team", "sid-9", map[string]any{"active": true, "current_phase": "scoped"})
	require.NoError(t, err)

	global, err := s.ReadTyped("team", "")
	require.NoError(t, err)
	require.Equal(t, "global", global.CurrentPhase)

	scoped, err := s.ReadTyped("team", "sid-9")
	require.NoError(t, err)
	require.Equal(t, "scoped", scoped.CurrentPhase)
}

// =============================================================================
// Listings
// =============================================================================

func TestListActiveSessionOverridesGlobal(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Write("team", "", map[string]any{"active": true, "current_phase": "global"})
	require.NoError(t, err)
	_, err = s.Write("ecomode", "", map[string]any{"active": true})
	require.NoError(t, err)
	_, err = s.Write("team", "sid-1", map[string]any{"active": true, "current_phase": "scoped"})
	require.NoError(t, err)
	_, err = s.Write("ralph", "", map[string]any{"active": false})
	require.NoError(t, err)

	active, err := s.ListActive("sid-1")
	require.NoError(t, err)
	require.Len(t, active, 2)
	require.Equal(t, "ecomode", active[0].Mode)
	require.Equal(t, "team", active[1].Mode)
	require.Equal(t, "scoped", active[1].CurrentPhase)
	require.True(t, active[1].SessionScope)
}

func TestStatusListsEveryMode(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Write("pipeline", "", map[string]any{"active": true, "current_phase": "stage-2"})
	require.NoError(t, err)

	rows, err := s.Status()
	require.NoError(t, err)
	require.Len(t, rows, len(Modes))

	byMode := map[string]ModeStatus{}
	for _, r := range rows {
		byMode[r.Mode] = r
	}
	require.True(t, byMode["pipeline"].Active)
	require.True(t, byMode["pipeline"].HasState)
	require.Equal(t, "stage-2", byMode["pipeline"].CurrentPhase)
	require.False(t, byMode["team"].HasState)
}

func TestCancelActiveFlipsAllScopes(t *testing.T) {
	s := newTestStore(t).WithClock(func() time.Time {
		return time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	})

	_, err := s.Write("team", "", map[string]any{"active": true})
	require.NoError(t, err)
	_, err = s.Write("ultrawork", "sid-1", map[string]any{"active": true})
	require.NoError(t, err)

	require.NoError(t, s.CancelActive("sid-1"))

	global, err := s.ReadTyped("team", "")
	require.NoError(t, err)
	require.False(t, global.Active)
	require.NotNil(t, global.CompletedAt)

	scoped, err := s.ReadTyped("ultrawork", "sid-1")
	require.NoError(t, err)
	require.False(t, scoped.Active)

	active, err := s.ListActive("sid-1")
	require.NoError(t, err)
	require.Empty(t, active)
}

// =============================================================================
// Merge
// =============================================================================

func TestMergeIsRecursiveForMaps(t *testing.T) {
	base := map[string]any{
		"a": map[string]any{"x": 1, "y": 2},
		"b": "keep",
	}
	patch := map[string]any{
		"a": map[string]any{"y": 3, "z": 4},
	}
	out := Merge(base, patch)
	inner := out["a"].(map[string]any)
	require.Equal(t, 1, inner["x"])
	require.Equal(t, 3, inner["y"])
	require.Equal(t, 4, inner["z"])
	require.Equal(t, "keep", out["b"])
}

func TestMergeScalarReplacesMap(t *testing.T) {
	base := map[string]any{"a": map[string]any{"x": 1}}
	out := Merge(base, map[string]any{"a": "flat"})
	require.Equal(t, "flat", out["a"])
}

func TestMalformedStateFileReadsAsAbsent(t *testing.T) {
	s := newTestStore(t)
	path := s.root.ModeStateFile("team", "")
	require.NoError(t, os.MkdirAll(s.root.StateDir(), 0o750))
	require.NoError(t, os.WriteFile(path, []byte("{torn"), 0o644))

	doc, err := s.Read("team", "")
	require.NoError(t, err)
	require.Nil(t, doc)

	// A write on top of the torn file starts from scratch.
	merged, err := s.Write("team", "", map[string]any{"active": true})
	require.NoError(t, err)
	require.Equal(t, true, merged["active"])
}
