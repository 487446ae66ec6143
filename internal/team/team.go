// Package team is the leader-facing facade over the team subsystems.
// Start materializes state, spawns worker panes, and bootstraps each
// worker; Shutdown delegates the teardown protocol; MonitorCycle runs
// one monitor pass. State always exists before the first pane does, and
// a failed start rolls both back.
package team

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/omx-dev/omx/internal/log"
	"github.com/omx-dev/omx/internal/overlay"
	"github.com/omx-dev/omx/internal/team/bootstrap"
	"github.com/omx-dev/omx/internal/team/monitor"
	"github.com/omx-dev/omx/internal/team/names"
	"github.com/omx-dev/omx/internal/team/runtimeenv"
	"github.com/omx-dev/omx/internal/team/shutdown"
	"github.com/omx-dev/omx/internal/team/state"
	"github.com/omx-dev/omx/internal/team/teamerr"
	"github.com/omx-dev/omx/internal/tmux"
)

// Dispatcher delivers inboxes and nudges to worker panes.
// *bootstrap.Bootstrapper satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, team, worker, paneID, inbox string, opts bootstrap.DispatchOpts) error
	Notify(ctx context.Context, paneID, message string) error
}

// mouseSetter is the optional adapter capability for mouse mode.
type mouseSetter interface {
	SetMouseMode(ctx context.Context, target string, on bool) error
}

// Orchestrator coordinates the leader-side team operations for one
// project.
type Orchestrator struct {
	store *state.Store
	mux   tmux.Adapter
	env   runtimeenv.Env
	boot  Dispatcher
	mon   *monitor.Monitor
	down  *shutdown.Controller
	now   func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithShutdownOptions forwards options to the embedded teardown
// controller.
func WithShutdownOptions(opts ...shutdown.Option) Option {
	return func(o *Orchestrator) {
		o.down = shutdown.New(o.store, o.mux, o.boot, opts...)
	}
}

// WithMonitorOptions forwards options to the embedded monitor.
func WithMonitorOptions(opts ...monitor.Option) Option {
	return func(o *Orchestrator) {
		o.mon = monitor.New(o.store, o.mux, o.boot, opts...)
	}
}

// New returns an Orchestrator over the given store, multiplexer, and
// dispatcher.
func New(store *state.Store, mux tmux.Adapter, env runtimeenv.Env, boot Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store: store,
		mux:   mux,
		env:   env,
		boot:  boot,
		now:   time.Now,
	}
	o.mon = monitor.New(store, mux, boot)
	o.down = shutdown.New(store, mux, boot)
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// StartParams describe the team to start.
type StartParams struct {
	// Name is the requested team name; it is sanitized before use.
	Name string
	// Task is the team's mission statement.
	Task string
	// AgentType names the agent CLI the workers run.
	AgentType string
	// WorkerCount is the number of worker panes to spawn.
	WorkerCount int
	// MaxWorkers caps later growth; zero means the absolute ceiling.
	MaxWorkers int
	// InitialTasks are created right after the team state materializes.
	InitialTasks []state.TaskSeed
	// WorkerCommand runs in each worker pane instead of the default
	// shell.
	WorkerCommand string
	// Policy overrides the environment-derived manifest policy.
	Policy *state.TeamPolicy
}

// StartResult reports what Start built.
type StartResult struct {
	Manifest *state.Manifest
	// Panes maps worker name to the pane it runs in.
	Panes map[string]string
}

// Start creates the team: leader-conflict and nesting guards, full state
// materialization, then one pane split plus bootstrap dispatch per
// worker. Any failure after state exists rolls the whole team back.
func (o *Orchestrator) Start(ctx context.Context, p StartParams) (*StartResult, error) {
	if o.env.Worker != "" {
		return nil, teamerr.Newf(teamerr.CatNestedTeam, "worker %s cannot start a team", o.env.Worker)
	}

	name, err := names.Sanitize(p.Name)
	if err != nil {
		return nil, err
	}

	sessionID := o.env.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if err := o.leaderConflict(sessionID); err != nil {
		return nil, err
	}

	leaderPane, err := o.mux.CurrentLeaderPaneID(ctx)
	if err != nil {
		leaderPane = ""
	}

	manifest, err := o.store.CreateTeam(state.CreateTeamParams{
		Name:        name,
		Task:        p.Task,
		AgentType:   p.AgentType,
		WorkerCount: p.WorkerCount,
		MaxWorkers:  p.MaxWorkers,
		TmuxSession: names.SessionName(name),
		Leader:      state.LeaderInfo{SessionID: sessionID, WorkerID: names.LeaderWorker, Role: "leader"},
		Policy:      o.policy(p.Policy),
		Permissions: state.PermissionsSnapshot{
			ApprovalMode:  o.env.ApprovalMode,
			SandboxMode:   o.env.SandboxMode,
			NetworkAccess: o.env.NetworkAccess,
		},
	})
	if err != nil {
		return nil, err
	}

	cfg := manifest.TeamConfig
	cfg.LeaderPaneID = leaderPane
	if err := o.store.WriteConfig(name, &cfg); err != nil {
		o.rollback(ctx, name, nil)
		return nil, err
	}

	for _, seed := range p.InitialTasks {
		if _, err := o.store.CreateTask(ctx, name, seed); err != nil {
			o.rollback(ctx, name, nil)
			return nil, err
		}
	}

	// Exported for the team's lifetime so spawned agents pick up the
	// shared instructions file; shutdown clears it.
	instructions := o.store.Root().InstructionsFile()
	if err := os.Setenv(runtimeenv.EnvInstructionsFile, instructions); err != nil {
		log.Warn(log.CatState, "instructions env export failed", "error", err.Error())
	}
	if err := overlay.ApplyWorker(ctx, o.store.Root(), overlay.WorkerBlock(name, "worker-*", workerProtocol(name))); err != nil {
		log.ErrorErr(log.CatOverlay, "worker overlay apply failed", err, "team", name)
	}

	if ms, ok := o.mux.(mouseSetter); ok && o.env.Mouse {
		if err := ms.SetMouseMode(ctx, cfg.TmuxSession, true); err != nil {
			log.Debug(log.CatTmux, "mouse mode not set", "team", name, "error", err.Error())
		}
	}

	command := workerCommand(cfg.AgentType, p.WorkerCommand)
	panes := map[string]string{}
	for i := range cfg.Workers {
		w := &cfg.Workers[i]
		paneID, err := o.spawnWorker(ctx, name, &cfg, w, command)
		if paneID != "" {
			panes[w.Name] = paneID
		}
		if err != nil {
			o.rollback(ctx, name, panes)
			return nil, err
		}
	}

	if err := o.store.WriteConfig(name, &cfg); err != nil {
		o.rollback(ctx, name, panes)
		return nil, err
	}

	manifest, err = o.store.ReadManifest(name)
	if err != nil {
		o.rollback(ctx, name, panes)
		return nil, err
	}

	log.Info(log.CatState, "team started", "team", name,
		"workers", cfg.WorkerCount, "session_id", sessionID, "leader_pane", leaderPane)
	return &StartResult{Manifest: manifest, Panes: panes}, nil
}

// spawnWorker splits a pane for w, records its identity, and dispatches
// the bootstrap inbox. The pane id and pid are written back into w.
func (o *Orchestrator) spawnWorker(ctx context.Context, team string, cfg *state.TeamConfig, w *state.WorkerInfo, command string) (string, error) {
	paneID, err := o.mux.SplitPane(ctx, cfg.TmuxSession, tmux.SplitOptions{
		StartDirectory: o.store.Root().Project(),
		Command:        command,
		Env: map[string]string{
			"OMX_TEAM_WORKER":              team + "/" + w.Name,
			runtimeenv.EnvInstructionsFile: o.store.Root().InstructionsFile(),
		},
	})
	if err != nil {
		return "", fmt.Errorf("splitting pane for %s: %w", w.Name, err)
	}

	w.PaneID = paneID
	if pid, err := o.mux.GetPanePid(ctx, paneID); err == nil {
		w.PID = pid
	}

	ident, err := o.store.ReadWorkerIdentity(team, w.Name)
	if err != nil {
		return paneID, err
	}
	ident.PaneID = paneID
	ident.PID = w.PID
	if err := o.store.WriteWorkerIdentity(team, w.Name, ident); err != nil {
		return paneID, err
	}

	inbox := bootstrap.BootstrapInbox(team, w.Name, cfg)
	if err := o.boot.Dispatch(ctx, team, w.Name, paneID, inbox, bootstrap.DispatchOpts{Initial: true}); err != nil {
		return paneID, err
	}
	return paneID, nil
}

// workerCommand returns the pane command: an explicit override wins,
// then the agent type, with empty meaning the default shell.
func workerCommand(agentType, override string) string {
	if override != "" {
		return override
	}
	return agentType
}

// workerProtocol is the body of the shared worker overlay block.
func workerProtocol(team string) string {
	return fmt.Sprintf("Instructions arrive in .omx/state/team/%s/workers/<name>/inbox.md.\n"+
		"Use the team tools for status, tasks, and mail; never edit state files directly.", team)
}

// policy resolves the manifest policy: caller override when given,
// otherwise environment-derived defaults.
func (o *Orchestrator) policy(override *state.TeamPolicy) state.TeamPolicy {
	if override != nil {
		pol := *override
		if pol.DisplayMode == "" {
			pol.DisplayMode = string(o.env.DisplayMode)
		}
		return pol
	}
	return state.TeamPolicy{
		DisplayMode:                       string(o.env.DisplayMode),
		OneTeamPerLeaderSession:           true,
		CleanupRequiresAllWorkersInactive: true,
	}
}

// leaderConflict refuses a start that would give one leader session a
// second team. The existing team's manifest carries the policy; a held
// leader lock marks its session as live.
func (o *Orchestrator) leaderConflict(sessionID string) error {
	teams, err := o.store.ListTeams()
	if err != nil || len(teams) == 0 {
		return nil
	}

	lockHeld := false
	probe := flock.New(o.store.Root().LeaderLockFile())
	if free, err := probe.TryLock(); err == nil {
		if free {
			_ = probe.Unlock()
		} else {
			lockHeld = true
		}
	}

	for _, existing := range teams {
		m, err := o.store.ReadManifest(existing)
		if err != nil || !m.Policy.OneTeamPerLeaderSession {
			continue
		}
		if m.Leader.SessionID == sessionID {
			return teamerr.Newf(teamerr.CatLeaderConflict, "session %s already leads team %s", sessionID, existing)
		}
		if lockHeld {
			return teamerr.Newf(teamerr.CatLeaderConflict, "team %s is held by live session %s", existing, m.Leader.SessionID)
		}
	}
	return nil
}

// rollback undoes a partial start: spawned panes die, the worker overlay
// and instructions export are removed, and the team state goes with
// them. Every step is best-effort.
func (o *Orchestrator) rollback(ctx context.Context, team string, panes map[string]string) {
	for worker, paneID := range panes {
		if err := o.mux.KillPane(ctx, paneID); err != nil {
			log.ErrorErr(log.CatShutdown, "rollback pane kill failed", err,
				"team", team, "worker", worker, "pane", paneID)
		}
	}
	if err := overlay.StripWorker(ctx, o.store.Root()); err != nil {
		log.ErrorErr(log.CatOverlay, "rollback overlay strip failed", err, "team", team)
	}
	if err := os.Unsetenv(runtimeenv.EnvInstructionsFile); err != nil {
		log.Warn(log.CatState, "rollback env restore failed", "error", err.Error())
	}
	if err := o.store.RemoveTeam(team); err != nil {
		log.ErrorErr(log.CatState, "rollback state removal failed", err, "team", team)
	}
	log.Warn(log.CatState, "team start rolled back", "team", team, "panes", len(panes))
}

// Shutdown runs the teardown protocol against one team.
func (o *Orchestrator) Shutdown(ctx context.Context, team string, opts shutdown.Options) (*shutdown.Result, error) {
	return o.down.Shutdown(ctx, team, opts)
}

// MonitorCycle runs one monitor pass and returns its summary.
func (o *Orchestrator) MonitorCycle(ctx context.Context, team string) (*state.TeamSummary, error) {
	return o.mon.Run(ctx, team)
}
