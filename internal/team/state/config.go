package state

import (
	"fmt"
	"os"
	"time"

	"github.com/omx-dev/omx/internal/fsatomic"
	"github.com/omx-dev/omx/internal/log"
	"github.com/omx-dev/omx/internal/team/names"
)

// ManifestSchemaVersion is the current manifest schema.
const ManifestSchemaVersion = 2

// WorkerInfo is one worker's entry in the team config.
type WorkerInfo struct {
	Name   string `json:"name"`
	Index  int    `json:"index"`
	PaneID string `json:"pane_id,omitempty"`
	PID    int    `json:"pid,omitempty"`
}

// TeamConfig is the team's config.json.
type TeamConfig struct {
	Name         string       `json:"name"`
	Task         string       `json:"task"`
	AgentType    string       `json:"agent_type"`
	WorkerCount  int          `json:"worker_count"`
	MaxWorkers   int          `json:"max_workers"`
	Workers      []WorkerInfo `json:"workers"`
	CreatedAt    time.Time    `json:"created_at"`
	TmuxSession  string       `json:"tmux_session"`
	NextTaskID   int          `json:"next_task_id"`
	LeaderPaneID string       `json:"leader_pane_id,omitempty"`
	HudPaneID    string       `json:"hud_pane_id,omitempty"`
}

// LeaderInfo identifies the leader session in the manifest.
type LeaderInfo struct {
	SessionID string `json:"session_id"`
	WorkerID  string `json:"worker_id"`
	Role      string `json:"role"`
}

// TeamPolicy is the manifest policy block.
type TeamPolicy struct {
	DisplayMode                       string `json:"display_mode"`
	DelegationOnly                    bool   `json:"delegation_only"`
	PlanApprovalRequired              bool   `json:"plan_approval_required"`
	NestedTeamsAllowed                bool   `json:"nested_teams_allowed"`
	OneTeamPerLeaderSession           bool   `json:"one_team_per_leader_session"`
	CleanupRequiresAllWorkersInactive bool   `json:"cleanup_requires_all_workers_inactive"`
}

// PermissionsSnapshot records the leader's permission posture at creation.
type PermissionsSnapshot struct {
	ApprovalMode  string `json:"approval_mode"`
	SandboxMode   string `json:"sandbox_mode"`
	NetworkAccess bool   `json:"network_access"`
}

// Manifest is manifest.v2.json: the config superset that is authoritative
// whenever both files exist.
type Manifest struct {
	TeamConfig
	SchemaVersion int                 `json:"schema_version"`
	Leader        LeaderInfo          `json:"leader"`
	Policy        TeamPolicy          `json:"policy"`
	Permissions   PermissionsSnapshot `json:"permissions_snapshot"`
}

func validConfig(c *TeamConfig) bool {
	return c != nil && names.Valid(c.Name)
}

func validManifest(m *Manifest) bool {
	return m != nil && m.SchemaVersion == ManifestSchemaVersion && names.Valid(m.Name)
}

// ReadConfig returns the team's effective config. The manifest wins when
// both files parse; a bare config.json still satisfies the read. Missing or
// malformed both ways reports team_not_found.
func (s *Store) ReadConfig(team string) (*TeamConfig, error) {
	t, err := s.team(team)
	if err != nil {
		return nil, err
	}

	var m Manifest
	if err := fsatomic.ReadJSON(t.ManifestFile(), &m); err == nil && validManifest(&m) {
		cfg := m.TeamConfig
		return &cfg, nil
	}

	var c TeamConfig
	if err := fsatomic.ReadJSON(t.ConfigFile(), &c); err == nil && validConfig(&c) {
		return &c, nil
	}
	return nil, notFound(team)
}

// WriteConfig persists config.json and keeps the manifest in sync on the
// fields the config owns.
func (s *Store) WriteConfig(team string, cfg *TeamConfig) error {
	t, err := s.team(team)
	if err != nil {
		return err
	}
	if err := validateCounts(cfg); err != nil {
		return err
	}
	if err := fsatomic.WriteJSON(t.ConfigFile(), cfg); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	var m Manifest
	if err := fsatomic.ReadJSON(t.ManifestFile(), &m); err != nil || !validManifest(&m) {
		return nil
	}
	m.TeamConfig = *cfg
	if err := fsatomic.WriteJSON(t.ManifestFile(), &m); err != nil {
		return fmt.Errorf("syncing manifest: %w", err)
	}
	return nil
}

// ReadManifest returns the full manifest, or team_not_found when it is
// missing or malformed.
func (s *Store) ReadManifest(team string) (*Manifest, error) {
	t, err := s.team(team)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := fsatomic.ReadJSON(t.ManifestFile(), &m); err != nil || !validManifest(&m) {
		return nil, notFound(team)
	}
	return &m, nil
}

// WriteManifest persists the manifest and mirrors its config fields into
// config.json.
func (s *Store) WriteManifest(team string, m *Manifest) error {
	t, err := s.team(team)
	if err != nil {
		return err
	}
	if err := validateCounts(&m.TeamConfig); err != nil {
		return err
	}
	m.SchemaVersion = ManifestSchemaVersion
	if err := fsatomic.WriteJSON(t.ManifestFile(), m); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	if err := fsatomic.WriteJSON(t.ConfigFile(), &m.TeamConfig); err != nil {
		return fmt.Errorf("mirroring config: %w", err)
	}
	return nil
}

func validateCounts(c *TeamConfig) error {
	if c.MaxWorkers > MaxWorkersCeiling {
		return fmt.Errorf("max_workers %d exceeds ceiling %d", c.MaxWorkers, MaxWorkersCeiling)
	}
	if c.WorkerCount != len(c.Workers) {
		return fmt.Errorf("worker_count %d does not match %d workers", c.WorkerCount, len(c.Workers))
	}
	if c.WorkerCount > c.MaxWorkers {
		return fmt.Errorf("worker_count %d exceeds max_workers %d", c.WorkerCount, c.MaxWorkers)
	}
	return nil
}

// EnsureManifest performs the one-shot migration from a bare config.json to
// manifest v2. When a valid manifest already exists it is returned unchanged,
// so the call is idempotent; otherwise the manifest is built from the config
// plus the supplied leader, policy, and permissions blocks.
func (s *Store) EnsureManifest(team string, leader LeaderInfo, policy TeamPolicy, perms PermissionsSnapshot) (*Manifest, error) {
	if m, err := s.ReadManifest(team); err == nil {
		return m, nil
	}
	cfg, err := s.ReadConfig(team)
	if err != nil {
		return nil, err
	}
	m := Manifest{
		TeamConfig:    *cfg,
		SchemaVersion: ManifestSchemaVersion,
		Leader:        leader,
		Policy:        policy,
		Permissions:   perms,
	}
	if err := s.WriteManifest(team, &m); err != nil {
		return nil, err
	}
	log.Info(log.CatState, "manifest migrated from config", "team", team)
	return &m, nil
}

// CreateTeamParams seeds a new team's state tree.
type CreateTeamParams struct {
	Name        string
	Task        string
	AgentType   string
	WorkerCount int
	MaxWorkers  int
	TmuxSession string
	Leader      LeaderInfo
	Policy      TeamPolicy
	Permissions PermissionsSnapshot
}

// CreateTeam materializes the full team directory tree: config, manifest,
// worker identity skeletons, and empty mailbox/task/event directories. It
// must complete before any pane exists.
func (s *Store) CreateTeam(p CreateTeamParams) (*Manifest, error) {
	t, err := s.team(p.Name)
	if err != nil {
		return nil, err
	}
	if p.MaxWorkers <= 0 {
		p.MaxWorkers = MaxWorkersCeiling
	}

	now := s.now().UTC()
	cfg := TeamConfig{
		Name:        p.Name,
		Task:        p.Task,
		AgentType:   p.AgentType,
		WorkerCount: p.WorkerCount,
		MaxWorkers:  p.MaxWorkers,
		CreatedAt:   now,
		TmuxSession: p.TmuxSession,
		NextTaskID:  1,
	}
	for i := 1; i <= p.WorkerCount; i++ {
		cfg.Workers = append(cfg.Workers, WorkerInfo{Name: names.WorkerName(i), Index: i})
	}
	if err := validateCounts(&cfg); err != nil {
		return nil, err
	}

	for _, dir := range []string{t.WorkersDir(), t.TasksDir(), t.ClaimsDir(), t.MailboxDir(), t.EventsDir(), t.ApprovalsDir()} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("materializing team tree: %w", err)
		}
	}

	m := Manifest{
		TeamConfig:    cfg,
		SchemaVersion: ManifestSchemaVersion,
		Leader:        p.Leader,
		Policy:        p.Policy,
		Permissions:   p.Permissions,
	}
	if err := s.WriteManifest(p.Name, &m); err != nil {
		return nil, err
	}

	for _, w := range cfg.Workers {
		ident := WorkerIdentity{Name: w.Name, Index: w.Index, Role: "worker", AssignedTasks: []string{}}
		if err := s.WriteWorkerIdentity(p.Name, w.Name, &ident); err != nil {
			return nil, err
		}
	}

	log.Info(log.CatState, "team created", "team", p.Name, "workers", cfg.WorkerCount)
	return &m, nil
}
