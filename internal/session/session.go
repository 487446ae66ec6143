// Package session runs the hooks around a leader launch: pre-launch
// preparation of the project (stale-session cleanup, session marker,
// instructions overlay, state watcher, leader lock) and post-launch
// teardown (overlay strip, history archive, mode cancellation).
//
// Every hook step is fault-isolated. A failing step is logged and the
// remaining steps still run; the joined error is returned for callers
// that want to surface it, but it must never block a launch or an exit.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/omx-dev/omx/internal/fsatomic"
	"github.com/omx-dev/omx/internal/history"
	"github.com/omx-dev/omx/internal/log"
	"github.com/omx-dev/omx/internal/modestate"
	"github.com/omx-dev/omx/internal/overlay"
	"github.com/omx-dev/omx/internal/procutil"
	"github.com/omx-dev/omx/internal/team/paths"
	"github.com/omx-dev/omx/internal/team/state"
	"github.com/omx-dev/omx/internal/watcher"
)

// processStart anchors staleness: a session marker written before this
// process existed cannot belong to it.
var processStart = time.Now()

// Meta is the marker at .omx/state/session.json while a leader session
// is running.
type Meta struct {
	SessionID string    `json:"session_id"`
	Project   string    `json:"project"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// ReadMeta loads the session marker for the given project root.
// Returns nil without error when no session is recorded.
func ReadMeta(root paths.Root) (*Meta, error) {
	var m Meta
	if err := fsatomic.ReadJSON(root.SessionFile(), &m); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// Stale reports whether the marker belongs to a dead prior session:
// it predates the current process and its recorded pid is not alive.
func (m *Meta) Stale() bool {
	if m == nil {
		return false
	}
	if !m.StartedAt.Before(processStart) {
		return false
	}
	alive := m.PID > 0 && procutil.Alive(m.PID)
	return !alive
}

// Hooks carries the resources a leader session holds between PreLaunch
// and PostLaunch.
type Hooks struct {
	root      paths.Root
	sessionID string
	now       func() time.Time
	historyDB string

	watcher  *watcher.Watcher
	changes  <-chan struct{}
	lock     *flock.Flock
	lockHeld bool
}

// New builds the hooks for a project. An empty sessionID gets a
// generated one.
func New(project, sessionID string) *Hooks {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &Hooks{
		root:      paths.NewRoot(project),
		sessionID: sessionID,
		now:       time.Now,
	}
}

// WithClock overrides the time source. Test seam.
func (h *Hooks) WithClock(now func() time.Time) *Hooks {
	h.now = now
	return h
}

// WithHistoryDB overrides the archive database location.
func (h *Hooks) WithHistoryDB(path string) *Hooks {
	h.historyDB = path
	return h
}

// SessionID returns the id this launch runs under.
func (h *Hooks) SessionID() string { return h.sessionID }

// Changes returns the coalesced state-change channel, nil before
// PreLaunch or when the watcher failed to start.
func (h *Hooks) Changes() <-chan struct{} { return h.changes }

// LeaderLocked reports whether this process holds the leader lock.
func (h *Hooks) LeaderLocked() bool { return h.lockHeld }

// PreLaunch prepares the project for a leader session. Steps run in
// order; a failed step is logged and skipped past.
func (h *Hooks) PreLaunch(ctx context.Context) error {
	var errs []error

	if err := h.clearStale(ctx); err != nil {
		errs = append(errs, err)
		log.ErrorErr(log.CatSession, "stale session cleanup failed", err)
	}

	meta := Meta{
		SessionID: h.sessionID,
		Project:   h.root.Project(),
		PID:       os.Getpid(),
		StartedAt: h.now().UTC(),
	}
	if err := fsatomic.WriteJSON(h.root.SessionFile(), meta); err != nil {
		errs = append(errs, fmt.Errorf("writing session marker: %w", err))
		log.ErrorErr(log.CatSession, "session marker write failed", err)
	}

	block := overlay.Generate(overlay.Collect(h.root, h.sessionID))
	if err := overlay.Apply(ctx, h.root, block); err != nil {
		errs = append(errs, fmt.Errorf("applying instructions: %w", err))
		log.ErrorErr(log.CatSession, "instructions apply failed", err)
	}

	if err := h.startWatcher(); err != nil {
		errs = append(errs, err)
		log.ErrorErr(log.CatSession, "state watcher start failed", err)
	}

	h.acquireLeaderLock()

	log.Info(log.CatSession, "session started",
		"session_id", h.sessionID, "leader_lock", h.lockHeld)
	return errors.Join(errs...)
}

// PostLaunch tears the session down. Safe to call when PreLaunch
// partially failed; each step checks its own preconditions.
func (h *Hooks) PostLaunch(ctx context.Context) error {
	var errs []error

	if err := overlay.Strip(ctx, h.root); err != nil {
		errs = append(errs, fmt.Errorf("stripping instructions: %w", err))
		log.ErrorErr(log.CatSession, "instructions strip failed", err)
	}

	if err := h.archive(); err != nil {
		errs = append(errs, fmt.Errorf("archiving session: %w", err))
		log.ErrorErr(log.CatSession, "session archive failed", err)
	}

	if err := os.Remove(h.root.SessionFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("removing session marker: %w", err))
	}

	if err := modestate.NewStore(h.root).CancelActive(h.sessionID); err != nil {
		errs = append(errs, fmt.Errorf("cancelling active modes: %w", err))
		log.ErrorErr(log.CatSession, "mode cancellation failed", err)
	}

	if h.watcher != nil {
		if err := h.watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stopping watcher: %w", err))
		}
		h.watcher = nil
		h.changes = nil
	}

	if h.lockHeld {
		if err := h.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("releasing leader lock: %w", err))
		}
		h.lockHeld = false
	}

	log.Info(log.CatSession, "session ended", "session_id", h.sessionID)
	return errors.Join(errs...)
}

// clearStale removes the leftovers of a dead prior session: the
// instructions block it injected and its session marker.
func (h *Hooks) clearStale(ctx context.Context) error {
	meta, err := ReadMeta(h.root)
	if err != nil {
		return fmt.Errorf("reading session marker: %w", err)
	}
	if meta == nil || !meta.Stale() {
		return nil
	}

	log.Info(log.CatSession, "clearing stale session",
		"session_id", meta.SessionID, "pid", meta.PID)

	var errs []error
	if err := overlay.Strip(ctx, h.root); err != nil {
		errs = append(errs, fmt.Errorf("stripping stale instructions: %w", err))
	}
	if err := os.Remove(h.root.SessionFile()); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("removing stale session marker: %w", err))
	}
	return errors.Join(errs...)
}

func (h *Hooks) startWatcher() error {
	w, err := watcher.New(watcher.DefaultConfig(h.root.TeamsDir()))
	if err != nil {
		return fmt.Errorf("creating state watcher: %w", err)
	}
	ch, err := w.Start()
	if err != nil {
		return fmt.Errorf("starting state watcher: %w", err)
	}
	h.watcher = w
	h.changes = ch
	return nil
}

// acquireLeaderLock takes the advisory leader lock. Losing the race is
// not an error here; team start enforces the single-leader policy.
func (h *Hooks) acquireLeaderLock() {
	h.lock = flock.New(h.root.LeaderLockFile())
	held, err := h.lock.TryLock()
	if err != nil {
		log.Warn(log.CatSession, "leader lock unavailable", "error", err.Error())
		return
	}
	if !held {
		log.Warn(log.CatSession, "leader lock held by another session")
		return
	}
	h.lockHeld = true
}

// archive writes the finished session to the history database. Counts
// are best-effort reads over whatever team state is still on disk.
func (h *Hooks) archive() error {
	meta, err := ReadMeta(h.root)
	if err != nil {
		return fmt.Errorf("reading session marker: %w", err)
	}

	now := h.now().UTC()
	rec := history.Session{
		GUID:      h.sessionID,
		Project:   h.root.Project(),
		StartedAt: now,
		EndedAt:   &now,
	}
	if meta != nil {
		if meta.SessionID != "" {
			rec.GUID = meta.SessionID
		}
		if !meta.StartedAt.IsZero() {
			rec.StartedAt = meta.StartedAt.UTC()
		}
	}

	st := state.NewStore(h.root.Project())
	teams, err := st.ListTeams()
	if err == nil {
		for _, team := range teams {
			if rec.Team == "" {
				rec.Team = team
			}
			if events, err := st.ReadEvents(team); err == nil {
				rec.EventCount += len(events)
			}
			if tasks, err := st.ListTasks(team); err == nil {
				rec.TaskCount += len(tasks)
				for _, t := range tasks {
					if t.Status == state.TaskCompleted {
						rec.TasksCompleted++
					}
				}
			}
		}
	}

	dbPath := h.historyDB
	if dbPath == "" {
		dbPath = h.root.HistoryDB()
	}
	return history.Archive(dbPath, &rec)
}
