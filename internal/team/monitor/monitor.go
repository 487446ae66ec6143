// Package monitor runs one observation cycle over a team: read every task,
// worker status, heartbeat, and pane, diff against the previous cycle's
// snapshot to derive events, re-notify stale mailboxes, and persist both the
// new diff basis and a human-oriented summary. The monitor never mutates
// tasks or claims; it only appends events and stamps mailbox notifications.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/omx-dev/omx/internal/log"
	"github.com/omx-dev/omx/internal/team/state"
	"github.com/omx-dev/omx/internal/team/teamerr"
	"github.com/omx-dev/omx/internal/tmux"
)

const (
	// DefaultRetryHorizon is how long a notified_at stamp suppresses
	// mailbox re-notification.
	DefaultRetryHorizon = 15 * time.Second

	// StallTurns is the turnsWithoutProgress threshold past which a live
	// working worker counts as non-reporting.
	StallTurns = 5
)

// Notifier delivers a short verified message to a pane. The bootstrap
// package's Bootstrapper satisfies it.
type Notifier interface {
	Notify(ctx context.Context, paneID, message string) error
}

// Monitor observes one project's teams.
type Monitor struct {
	store    *state.Store
	mux      tmux.Adapter
	notifier Notifier
	now      func() time.Time
	horizon  time.Duration
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithRetryHorizon overrides the mailbox re-notification horizon.
func WithRetryHorizon(d time.Duration) Option {
	return func(m *Monitor) { m.horizon = d }
}

// New returns a Monitor over the given store and multiplexer.
func New(store *state.Store, mux tmux.Adapter, notifier Notifier, opts ...Option) *Monitor {
	m := &Monitor{
		store:    store,
		mux:      mux,
		notifier: notifier,
		now:      time.Now,
		horizon:  DefaultRetryHorizon,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// observation is one worker's state as read this cycle.
type observation struct {
	name    string
	paneID  string
	alive   bool
	status  *state.WorkerStatus
	hb      *state.WorkerHeartbeat
	stalled int
}

// Run performs one monitor cycle and returns the team summary. An unknown
// team returns (nil, nil); everything else that can be read best-effort is.
func (m *Monitor) Run(ctx context.Context, team string) (*state.TeamSummary, error) {
	cfg, err := m.store.ReadConfig(team)
	if err != nil {
		if teamerr.CategoryOf(err) == teamerr.CatTeamNotFound {
			return nil, nil
		}
		return nil, err
	}

	prev, err := m.store.ReadMonitorSnapshot(team)
	if err != nil {
		return nil, err
	}
	tasks, err := m.store.ListTasks(team)
	if err != nil {
		return nil, err
	}

	obs := m.observe(ctx, team, cfg, prev)

	next := state.NewMonitorSnapshot()
	m.diffTasks(team, tasks, prev, next)
	m.diffWorkers(team, obs, prev, next)
	m.retryMailboxes(ctx, team, cfg, obs, next)

	if err := m.store.WriteMonitorSnapshot(team, next); err != nil {
		return nil, err
	}

	summary := m.summarize(team, tasks, obs)
	if err := m.store.WriteSummarySnapshot(team, summary); err != nil {
		return nil, err
	}

	log.Debug(log.CatMonitor, "cycle complete", "team", team,
		"tasks", summary.TaskCounts.Total, "dead", len(summary.DeadWorkers),
		"stalled", len(summary.NonReportingWorkers))
	return summary, nil
}

// observe reads each configured worker's status, heartbeat, and pane
// liveness, and computes turnsWithoutProgress against the previous cycle.
func (m *Monitor) observe(ctx context.Context, team string, cfg *state.TeamConfig, prev *state.MonitorSnapshot) []observation {
	out := make([]observation, 0, len(cfg.Workers))
	for _, w := range cfg.Workers {
		o := observation{name: w.Name, paneID: w.PaneID}

		o.status, _ = m.store.ReadWorkerStatus(team, w.Name)
		o.hb, _ = m.store.ReadHeartbeat(team, w.Name)

		if w.PaneID != "" {
			o.alive = m.mux.IsPaneAlive(ctx, w.PaneID)
		} else {
			o.alive = o.hb.Alive
		}

		prevTurns, counted := prev.WorkerTurnCountByName[w.Name]
		if counted && o.status.State == state.WorkerWorking &&
			o.status.CurrentTaskID == prev.WorkerTaskIDByName[w.Name] {
			o.stalled = o.hb.TurnCount - prevTurns
			if o.stalled < 0 {
				o.stalled = 0
			}
		}
		out = append(out, o)
	}
	return out
}

// diffTasks records current task statuses in next and appends a
// task_completed event for every task observed flipping to completed.
func (m *Monitor) diffTasks(team string, tasks []*state.Task, prev, next *state.MonitorSnapshot) {
	for _, t := range tasks {
		next.TaskStatusByID[t.ID] = t.Status

		was, seen := prev.TaskStatusByID[t.ID]
		if seen && was != state.TaskCompleted && t.Status == state.TaskCompleted {
			m.append(team, state.TeamEvent{
				Type:   state.EventTaskCompleted,
				Worker: t.Owner,
				TaskID: t.ID,
			})
		}
	}
}

// diffWorkers records current worker observations in next and appends
// worker_stopped / worker_idle events for observed transitions.
func (m *Monitor) diffWorkers(team string, obs []observation, prev, next *state.MonitorSnapshot) {
	for _, o := range obs {
		next.WorkerAliveByName[o.name] = o.alive
		next.WorkerStateByName[o.name] = o.status.State
		next.WorkerTurnCountByName[o.name] = o.hb.TurnCount
		next.WorkerTaskIDByName[o.name] = o.status.CurrentTaskID

		if was, seen := prev.WorkerAliveByName[o.name]; seen && was && !o.alive {
			reason := o.status.Reason
			if reason == "" {
				reason = "pane closed"
			}
			m.append(team, state.TeamEvent{
				Type:   state.EventWorkerStopped,
				Worker: o.name,
				TaskID: o.status.CurrentTaskID,
				Reason: reason,
			})
		}
		if was, seen := prev.WorkerStateByName[o.name]; seen &&
			was != state.WorkerIdle && o.status.State == state.WorkerIdle {
			m.append(team, state.TeamEvent{
				Type:   state.EventWorkerIdle,
				Worker: o.name,
			})
		}
	}
}

// recipient is one mailbox the retry pass considers.
type recipient struct {
	name   string
	paneID string
	alive  bool
	leader bool
}

// retryMailboxes nudges every live recipient whose pending messages have
// never been notified or whose oldest notification has gone stale, then
// stamps notified_at and records the still-pending stamps in next.
func (m *Monitor) retryMailboxes(ctx context.Context, team string, cfg *state.TeamConfig, obs []observation, next *state.MonitorSnapshot) {
	recipients := make([]recipient, 0, len(obs)+1)
	for _, o := range obs {
		recipients = append(recipients, recipient{name: o.name, paneID: o.paneID, alive: o.alive})
	}
	if r, ok := m.leaderRecipient(ctx, team, cfg); ok {
		recipients = append(recipients, r)
	}

	for _, r := range recipients {
		mb, err := m.store.ReadMailbox(team, r.name)
		if err != nil {
			continue
		}
		pending := pendingMessages(mb)
		if len(pending) == 0 {
			continue
		}

		if r.alive && r.paneID != "" && m.shouldNudge(pending) {
			if err := m.notifier.Notify(ctx, r.paneID, mailboxNudge(len(pending))); err != nil {
				log.Warn(log.CatMonitor, "mailbox nudge failed",
					"team", team, "recipient", r.name, "pane", r.paneID, "error", err.Error())
			} else {
				mb = m.stampNotified(ctx, team, r.name, mb)
				if r.leader {
					m.append(team, state.TeamEvent{
						Type:   state.EventTeamLeaderNudge,
						Worker: r.name,
						Reason: fmt.Sprintf("%d pending", len(pending)),
					})
				}
				log.Debug(log.CatMonitor, "mailbox nudged",
					"team", team, "recipient", r.name, "pending", len(pending))
			}
		}

		for _, msg := range pendingMessages(mb) {
			if msg.NotifiedAt != nil {
				next.MailboxNotifiedByMessageID[msg.MessageID] = *msg.NotifiedAt
			}
		}
	}
}

// leaderRecipient includes the leader's mailbox in the retry pass when the
// manifest names a leader and the config records its pane.
func (m *Monitor) leaderRecipient(ctx context.Context, team string, cfg *state.TeamConfig) (recipient, bool) {
	if cfg.LeaderPaneID == "" {
		return recipient{}, false
	}
	manifest, err := m.store.ReadManifest(team)
	if err != nil || manifest.Leader.WorkerID == "" {
		return recipient{}, false
	}
	return recipient{
		name:   manifest.Leader.WorkerID,
		paneID: cfg.LeaderPaneID,
		alive:  m.mux.IsPaneAlive(ctx, cfg.LeaderPaneID),
		leader: true,
	}, true
}

// shouldNudge applies the retry rule: nudge when no pending message has been
// notified, or when any notification is older than the horizon.
func (m *Monitor) shouldNudge(pending []state.MailboxMessage) bool {
	notified := false
	for _, msg := range pending {
		if msg.NotifiedAt == nil {
			continue
		}
		notified = true
		if m.now().Sub(*msg.NotifiedAt) > m.horizon {
			return true
		}
	}
	return !notified
}

// stampNotified sets notified_at on every pending message in one locked
// mutation. Returns the post-stamp mailbox, or the input on failure.
func (m *Monitor) stampNotified(ctx context.Context, team, worker string, mb *state.Mailbox) *state.Mailbox {
	at := m.now().UTC()
	updated, err := m.store.MutateMailbox(ctx, team, worker, func(cur *state.Mailbox) error {
		changed := false
		for i := range cur.Messages {
			if !cur.Messages[i].Delivered() {
				cur.Messages[i].NotifiedAt = &at
				changed = true
			}
		}
		if !changed {
			return state.ErrNoChange
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, state.ErrNoChange) {
			log.Warn(log.CatMonitor, "notified_at stamp failed",
				"team", team, "recipient", worker, "error", err.Error())
		}
		return mb
	}
	return updated
}

// summarize builds the cycle's returned summary.
func (m *Monitor) summarize(team string, tasks []*state.Task, obs []observation) *state.TeamSummary {
	summary := &state.TeamSummary{
		Team:             team,
		GeneratedAt:      m.now().UTC(),
		AllTasksTerminal: true,
	}

	owned := map[string][]string{}
	for _, t := range tasks {
		summary.TaskCounts.Total++
		switch t.Status {
		case state.TaskPending:
			summary.TaskCounts.Pending++
		case state.TaskBlocked:
			summary.TaskCounts.Blocked++
		case state.TaskInProgress:
			summary.TaskCounts.InProgress++
		case state.TaskCompleted:
			summary.TaskCounts.Completed++
		case state.TaskFailed:
			summary.TaskCounts.Failed++
		}
		if !t.Status.Terminal() {
			summary.AllTasksTerminal = false
			if t.Owner != "" {
				owned[t.Owner] = append(owned[t.Owner], t.ID)
			}
		}
	}

	for _, o := range obs {
		row := state.WorkerRow{
			Name:                 o.name,
			Alive:                o.alive,
			State:                o.status.State,
			CurrentTaskID:        o.status.CurrentTaskID,
			Reason:               o.status.Reason,
			TurnCount:            o.hb.TurnCount,
			LastTurnAt:           o.hb.LastTurnAt,
			AssignedTasks:        owned[o.name],
			TurnsWithoutProgress: o.stalled,
		}
		if row.AssignedTasks == nil {
			row.AssignedTasks = []string{}
		}
		summary.Workers = append(summary.Workers, row)

		if !o.alive {
			summary.DeadWorkers = append(summary.DeadWorkers, o.name)
			for _, id := range owned[o.name] {
				summary.Recommendations = append(summary.Recommendations,
					fmt.Sprintf("Reassign task-%s from dead %s", id, o.name))
			}
		} else if o.status.State == state.WorkerWorking && o.stalled > StallTurns {
			summary.NonReportingWorkers = append(summary.NonReportingWorkers, o.name)
			summary.Recommendations = append(summary.Recommendations,
				fmt.Sprintf("Check on %s: %d turns without progress on task-%s",
					o.name, o.stalled, o.status.CurrentTaskID))
		}
	}

	if summary.AllTasksTerminal && summary.TaskCounts.Total > 0 {
		summary.Recommendations = append(summary.Recommendations,
			"All tasks are terminal; the team can be shut down")
	}
	return summary
}

// mailboxNudge renders the short pane message for pending mail.
func mailboxNudge(n int) string {
	plural := "s"
	if n == 1 {
		plural = ""
	}
	return fmt.Sprintf("You have %d unread team message%s. Call team_mailbox_list, handle each, and mark them with team_mark_delivered.", n, plural)
}

// append writes one event, logging instead of failing the cycle.
func (m *Monitor) append(team string, ev state.TeamEvent) {
	if _, err := m.store.AppendEvent(team, ev); err != nil {
		log.ErrorErr(log.CatMonitor, "event append failed", err,
			"team", team, "type", string(ev.Type), "worker", ev.Worker)
	}
}

// pendingMessages filters a mailbox to its undelivered messages.
func pendingMessages(mb *state.Mailbox) []state.MailboxMessage {
	var pending []state.MailboxMessage
	for _, msg := range mb.Messages {
		if !msg.Delivered() {
			pending = append(pending, msg)
		}
	}
	return pending
}
