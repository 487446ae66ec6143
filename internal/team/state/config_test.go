package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omx-dev/omx/internal/fsatomic"
	"github.com/omx-dev/omx/internal/team/teamerr"
)

// =============================================================================
// CreateTeam
// =============================================================================

func TestCreateTeamMaterializesTree(t *testing.T) {
	s := newTestStore(t)
	team := s.Root().Team("alpha")

	for _, dir := range []string{
		team.WorkersDir(), team.TasksDir(), team.ClaimsDir(),
		team.MailboxDir(), team.EventsDir(), team.ApprovalsDir(),
	} {
		require.DirExists(t, dir)
	}
	require.FileExists(t, team.ConfigFile())
	require.FileExists(t, team.ManifestFile())

	// Worker identity skeletons exist before any pane does.
	for _, w := range []string{"worker-1", "worker-2", "worker-3"} {
		require.FileExists(t, team.IdentityFile(w))
		ident, err := s.ReadWorkerIdentity("alpha", w)
		require.NoError(t, err)
		require.Equal(t, w, ident.Name)
		require.Equal(t, "worker", ident.Role)
		require.NotNil(t, ident.AssignedTasks)
		require.Empty(t, ident.AssignedTasks)
	}
}

func TestCreateTeamConfigContents(t *testing.T) {
	s := newTestStore(t)

	cfg, err := s.ReadConfig("alpha")
	require.NoError(t, err)
	require.Equal(t, "alpha", cfg.Name)
	require.Equal(t, "ship the widget", cfg.Task)
	require.Equal(t, "codex", cfg.AgentType)
	require.Equal(t, 3, cfg.WorkerCount)
	require.Equal(t, 5, cfg.MaxWorkers)
	require.Len(t, cfg.Workers, 3)
	require.Equal(t, "worker-1", cfg.Workers[0].Name)
	require.Equal(t, 1, cfg.Workers[0].Index)
	require.Equal(t, 1, cfg.NextTaskID)
	require.Equal(t, "omx-alpha", cfg.TmuxSession)
	require.False(t, cfg.CreatedAt.IsZero())
}

func TestCreateTeamRejectsCeilingViolation(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.CreateTeam(CreateTeamParams{Name: "big", WorkerCount: 21, MaxWorkers: 21})
	require.Error(t, err)
	require.Contains(t, err.Error(), "ceiling")
}

func TestCreateTeamRejectsBadName(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.CreateTeam(CreateTeamParams{Name: "Bad Name", WorkerCount: 1, MaxWorkers: 1})
	require.Equal(t, teamerr.CatInvalidTeamName, teamerr.CategoryOf(err))
}

// =============================================================================
// Manifest authority
// =============================================================================

func TestManifestWinsOverConfig(t *testing.T) {
	s := newTestStore(t)
	team := s.Root().Team("alpha")

	// Divergent bare config: the manifest must still win.
	var divergent TeamConfig
	require.NoError(t, fsatomic.ReadJSON(team.ConfigFile(), &divergent))
	divergent.Task = "stale task text"
	require.NoError(t, fsatomic.WriteJSON(team.ConfigFile(), &divergent))

	cfg, err := s.ReadConfig("alpha")
	require.NoError(t, err)
	require.Equal(t, "ship the widget", cfg.Task)
}

func TestConfigFallbackWhenManifestMissing(t *testing.T) {
	s := newTestStore(t)
	team := s.Root().Team("alpha")

	require.NoError(t, os.Remove(team.ManifestFile()))

	cfg, err := s.ReadConfig("alpha")
	require.NoError(t, err)
	require.Equal(t, "alpha", cfg.Name)

	_, err = s.ReadManifest("alpha")
	require.Equal(t, teamerr.CatTeamNotFound, teamerr.CategoryOf(err))
}

func TestMalformedManifestFallsBackToConfig(t *testing.T) {
	s := newTestStore(t)
	team := s.Root().Team("alpha")

	require.NoError(t, os.WriteFile(team.ManifestFile(), []byte("{not json"), 0o644))

	cfg, err := s.ReadConfig("alpha")
	require.NoError(t, err)
	require.Equal(t, "alpha", cfg.Name)
}

func TestReadConfigUnknownTeam(t *testing.T) {
	s := newTestStore(t)
	_, err := s.ReadConfig("ghost")
	require.Equal(t, teamerr.CatTeamNotFound, teamerr.CategoryOf(err))
}

func TestWriteConfigSyncsManifest(t *testing.T) {
	s := newTestStore(t)

	cfg, err := s.ReadConfig("alpha")
	require.NoError(t, err)
	cfg.LeaderPaneID = "%42"
	cfg.NextTaskID = 7
	require.NoError(t, s.WriteConfig("alpha", cfg))

	m, err := s.ReadManifest("alpha")
	require.NoError(t, err)
	require.Equal(t, "%42", m.LeaderPaneID)
	require.Equal(t, 7, m.NextTaskID)
	// Manifest-only fields survive the sync.
	require.Equal(t, "sess-1", m.Leader.SessionID)
	require.True(t, m.Policy.OneTeamPerLeaderSession)
}

func TestWriteManifestMirrorsConfig(t *testing.T) {
	s := newTestStore(t)

	m, err := s.ReadManifest("alpha")
	require.NoError(t, err)
	m.Task = "revised objective"
	m.Policy.DelegationOnly = true
	require.NoError(t, s.WriteManifest("alpha", m))

	var raw TeamConfig
	require.NoError(t, fsatomic.ReadJSON(s.Root().Team("alpha").ConfigFile(), &raw))
	require.Equal(t, "revised objective", raw.Task)
}

func TestWriteConfigValidatesCounts(t *testing.T) {
	s := newTestStore(t)

	cfg, err := s.ReadConfig("alpha")
	require.NoError(t, err)

	bad := *cfg
	bad.WorkerCount = 2 // three workers listed
	require.Error(t, s.WriteConfig("alpha", &bad))

	bad = *cfg
	bad.MaxWorkers = MaxWorkersCeiling + 1
	require.Error(t, s.WriteConfig("alpha", &bad))
}

func TestEnsureManifestMigratesOnce(t *testing.T) {
	s := newTestStore(t)
	team := s.Root().Team("alpha")

	// Legacy layout: config only.
	require.NoError(t, os.Remove(team.ManifestFile()))

	m, err := s.EnsureManifest("alpha",
		LeaderInfo{SessionID: "sess-9", WorkerID: "leader-fixed", Role: "leader"},
		TeamPolicy{DelegationOnly: true},
		PermissionsSnapshot{ApprovalMode: "never", SandboxMode: "read-only", NetworkAccess: false},
	)
	require.NoError(t, err)
	require.Equal(t, ManifestSchemaVersion, m.SchemaVersion)
	require.Equal(t, "alpha", m.Name)
	require.Equal(t, "sess-9", m.Leader.SessionID)
	require.FileExists(t, team.ManifestFile())

	// Second call is a no-op returning the migrated manifest, not the
	// freshly supplied blocks.
	again, err := s.EnsureManifest("alpha", LeaderInfo{SessionID: "other"}, TeamPolicy{}, PermissionsSnapshot{})
	require.NoError(t, err)
	require.Equal(t, "sess-9", again.Leader.SessionID)
}

func TestManifestOnDiskShape(t *testing.T) {
	s := newTestStore(t)

	// Spot-check the flattened JSON: config fields and manifest extensions
	// share one object.
	data, err := os.ReadFile(filepath.Join(s.Root().Team("alpha").Dir(), "manifest.v2.json"))
	require.NoError(t, err)
	body := string(data)
	require.Contains(t, body, `"schema_version": 2`)
	require.Contains(t, body, `"name": "alpha"`)
	require.Contains(t, body, `"permissions_snapshot"`)
	require.Contains(t, body, `"one_team_per_leader_session": true`)
}
