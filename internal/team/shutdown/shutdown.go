// Package shutdown tears a team down. Every worker gets a shutdown request
// file and a shutdown inbox, then the controller waits a bounded time for
// acknowledgements. A rejection aborts the teardown unless the caller forces
// it; the leader and HUD panes survive either way.
package shutdown

import (
	"context"
	"os"
	"time"

	"github.com/omx-dev/omx/internal/log"
	"github.com/omx-dev/omx/internal/overlay"
	"github.com/omx-dev/omx/internal/team/bootstrap"
	"github.com/omx-dev/omx/internal/team/names"
	"github.com/omx-dev/omx/internal/team/runtimeenv"
	"github.com/omx-dev/omx/internal/team/state"
	"github.com/omx-dev/omx/internal/team/teamerr"
	"github.com/omx-dev/omx/internal/tmux"
)

const (
	// DefaultAckTimeout bounds the wait for worker acknowledgements.
	DefaultAckTimeout = 15 * time.Second

	ackPollInterval = 500 * time.Millisecond
)

// Dispatcher delivers an inbox to a worker pane. *bootstrap.Bootstrapper
// satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, team, worker, paneID, inbox string, opts bootstrap.DispatchOpts) error
}

// Controller coordinates one team's teardown.
type Controller struct {
	store      *state.Store
	mux        tmux.Adapter
	dispatcher Dispatcher
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
	ackTimeout time.Duration
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides the time source used for the ack deadline.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithSleep replaces real sleeps. Tests pair it with WithClock to advance
// a fake clock instead of waiting.
func WithSleep(fn func(time.Duration)) Option {
	return func(c *Controller) {
		c.sleep = func(ctx context.Context, d time.Duration) error {
			fn(d)
			return ctx.Err()
		}
	}
}

// WithAckTimeout overrides the acknowledgement deadline.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Controller) { c.ackTimeout = d }
}

// New returns a Controller over the given store and multiplexer.
func New(store *state.Store, mux tmux.Adapter, dispatcher Dispatcher, opts ...Option) *Controller {
	c := &Controller{
		store:      store,
		mux:        mux,
		dispatcher: dispatcher,
		now:        time.Now,
		sleep:      defaultSleep,
		ackTimeout: DefaultAckTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Options control one teardown run.
type Options struct {
	// Force proceeds past rejections. It does not bypass leader or HUD
	// pane protection.
	Force bool
	// RequestedBy names the requester in request files and inboxes.
	// Defaults to "leader".
	RequestedBy string
}

// Result reports what a teardown did.
type Result struct {
	// Acks holds the fresh acknowledgement each worker gave, if any.
	Acks map[string]*state.ShutdownAck
	// KilledPanes lists workers whose panes were still alive after the
	// ack wait and were closed.
	KilledPanes []string
	// SessionDestroyed reports that the team's dedicated session was
	// torn down.
	SessionDestroyed bool
	// StateRemoved reports that the team directory was deleted.
	StateRemoved bool
}

// Shutdown runs the teardown protocol against one team. An unknown team
// degrades to best-effort cleanup of whatever remnants exist. A rejection
// without force returns shutdown_rejected and leaves the team in place.
func (c *Controller) Shutdown(ctx context.Context, team string, opts Options) (*Result, error) {
	if opts.RequestedBy == "" {
		opts.RequestedBy = "leader"
	}
	res := &Result{Acks: map[string]*state.ShutdownAck{}}

	cfg, err := c.store.ReadConfig(team)
	if err != nil {
		if teamerr.CategoryOf(err) != teamerr.CatTeamNotFound {
			return nil, err
		}
		// No readable config: nothing to ask, clean up what is left.
		log.Warn(log.CatShutdown, "team config missing, cleaning up remnants", "team", team)
		c.cleanup(ctx, team, names.SessionName(team), res)
		return res, nil
	}

	requestedAt := c.now().UTC()
	c.requestAll(ctx, team, cfg, requestedAt, opts.RequestedBy)

	rejections := c.collectAcks(ctx, team, cfg, requestedAt, res)
	if len(rejections) > 0 && !opts.Force {
		return res, teamerr.ShutdownRejected(rejections)
	}

	c.killSurvivors(ctx, cfg, res)
	c.cleanup(ctx, team, c.sessionToDestroy(team, cfg), res)

	log.Info(log.CatShutdown, "team shut down", "team", team,
		"acks", len(res.Acks), "killed_panes", len(res.KilledPanes), "state_removed", res.StateRemoved)
	return res, nil
}

// requestAll writes the per-worker request files and delivers the shutdown
// inbox. Delivery failures are advisory; the ack poll decides the outcome.
func (c *Controller) requestAll(ctx context.Context, team string, cfg *state.TeamConfig, requestedAt time.Time, requestedBy string) {
	req := &state.ShutdownRequest{RequestedAt: requestedAt, RequestedBy: requestedBy}
	for _, w := range cfg.Workers {
		if err := c.store.WriteShutdownRequest(team, w.Name, req); err != nil {
			log.ErrorErr(log.CatShutdown, "shutdown request write failed", err, "team", team, "worker", w.Name)
			continue
		}
		if w.PaneID == "" || !c.mux.IsPaneAlive(ctx, w.PaneID) {
			log.Debug(log.CatShutdown, "no live pane for shutdown inbox", "team", team, "worker", w.Name)
			continue
		}
		inbox := bootstrap.ShutdownInbox(team, w.Name, requestedBy)
		if err := c.dispatcher.Dispatch(ctx, team, w.Name, w.PaneID, inbox, bootstrap.DispatchOpts{}); err != nil {
			log.Warn(log.CatShutdown, "shutdown inbox dispatch failed",
				"team", team, "worker", w.Name, "error", teamerr.WireString(err))
		}
	}
}

// collectAcks polls ack files until every worker with a live pane has
// answered or the deadline passes. Acks stamped before the request are
// leftovers from an earlier shutdown and are ignored.
func (c *Controller) collectAcks(ctx context.Context, team string, cfg *state.TeamConfig, requestedAt time.Time, res *Result) []string {
	deadline := c.now().Add(c.ackTimeout)
	var rejections []string

	for {
		awaited := 0
		for _, w := range cfg.Workers {
			if _, ok := res.Acks[w.Name]; ok {
				continue
			}
			ack, err := c.store.ReadShutdownAck(team, w.Name)
			if err == nil && ack != nil && !ack.UpdatedAt.Before(requestedAt) {
				res.Acks[w.Name] = ack
				rejections = c.recordAck(team, w.Name, ack, rejections)
				continue
			}
			if w.PaneID != "" && c.mux.IsPaneAlive(ctx, w.PaneID) {
				awaited++
			}
		}
		if awaited == 0 {
			return rejections
		}
		if !c.now().Before(deadline) {
			log.Warn(log.CatShutdown, "ack deadline passed",
				"team", team, "answered", len(res.Acks), "workers", len(cfg.Workers))
			return rejections
		}
		if err := c.sleep(ctx, ackPollInterval); err != nil {
			return rejections
		}
	}
}

// recordAck appends the shutdown_ack event and folds a rejection into the
// running list as <worker>:<reason>.
func (c *Controller) recordAck(team, worker string, ack *state.ShutdownAck, rejections []string) []string {
	reason := "accept"
	if ack.Rejected() {
		why := ack.Reason
		if why == "" {
			why = "unspecified"
		}
		reason = "reject:" + why
		rejections = append(rejections, worker+":"+why)
	}
	if _, err := c.store.AppendEvent(team, state.TeamEvent{
		Type:   state.EventShutdownAck,
		Worker: worker,
		Reason: reason,
	}); err != nil {
		log.ErrorErr(log.CatShutdown, "shutdown_ack event append failed", err, "team", team, "worker", worker)
	}
	return rejections
}

// killSurvivors closes every worker pane still alive after the ack wait.
// The leader pane, the HUD pane, and the pane this process runs in are
// never killed.
func (c *Controller) killSurvivors(ctx context.Context, cfg *state.TeamConfig, res *Result) {
	protected := map[string]bool{}
	if cfg.LeaderPaneID != "" {
		protected[cfg.LeaderPaneID] = true
	}
	if cfg.HudPaneID != "" {
		protected[cfg.HudPaneID] = true
	}
	if own, err := c.mux.CurrentLeaderPaneID(ctx); err == nil && own != "" {
		protected[own] = true
	}

	for _, w := range cfg.Workers {
		if w.PaneID == "" || protected[w.PaneID] {
			continue
		}
		if !c.mux.IsPaneAlive(ctx, w.PaneID) {
			continue
		}
		if err := c.mux.KillPane(ctx, w.PaneID); err != nil {
			log.ErrorErr(log.CatShutdown, "pane kill failed", err, "worker", w.Name, "pane", w.PaneID)
			continue
		}
		res.KilledPanes = append(res.KilledPanes, w.Name)
	}
}

// sessionToDestroy names the session cleanup should kill. Empty when the
// team recorded no session or the workers share the leader's own session
// as split panes.
func (c *Controller) sessionToDestroy(team string, cfg *state.TeamConfig) string {
	if cfg.TmuxSession == "" {
		return ""
	}
	if m, err := c.store.ReadManifest(team); err == nil &&
		m.Policy.DisplayMode == string(runtimeenv.DisplaySplitPane) {
		return ""
	}
	return cfg.TmuxSession
}

// cleanup is the best-effort tail of the teardown. Each step runs even when
// an earlier one fails: session destroy, worker overlay strip, instructions
// env restore, team directory removal.
func (c *Controller) cleanup(ctx context.Context, team, session string, res *Result) {
	if session != "" {
		if err := c.mux.KillSession(ctx, session); err != nil {
			log.ErrorErr(log.CatShutdown, "session destroy failed", err, "team", team, "session", session)
		} else {
			res.SessionDestroyed = true
		}
	}

	if err := overlay.StripWorker(ctx, c.store.Root()); err != nil {
		log.ErrorErr(log.CatShutdown, "worker overlay strip failed", err, "team", team)
	}

	if err := os.Unsetenv(runtimeenv.EnvInstructionsFile); err != nil {
		log.ErrorErr(log.CatShutdown, "instructions env restore failed", err, "team", team)
	}

	if err := c.store.RemoveTeam(team); err != nil {
		log.ErrorErr(log.CatShutdown, "team state removal failed", err, "team", team)
	} else {
		res.StateRemoved = true
	}
}

func defaultSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
