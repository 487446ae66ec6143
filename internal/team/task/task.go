// Package task implements the task lifecycle on top of the state store:
// dependency readiness, optimistic-version claims with leases, the status
// transition FSM, and the event emission each transition owes the log.
package task

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/omx-dev/omx/internal/log"
	"github.com/omx-dev/omx/internal/team/names"
	"github.com/omx-dev/omx/internal/team/state"
	"github.com/omx-dev/omx/internal/team/teamerr"
)

// DefaultLease is how long a claim holds a task before a contender may
// expire it.
const DefaultLease = 15 * time.Minute

// Engine runs task lifecycle operations for one project's store.
type Engine struct {
	store *state.Store
	lease time.Duration
	now   func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLease overrides the claim lease duration.
func WithLease(d time.Duration) Option {
	return func(e *Engine) { e.lease = d }
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine returns an engine over the given store.
func NewEngine(store *state.Store, opts ...Option) *Engine {
	e := &Engine{store: store, lease: DefaultLease, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the underlying state store.
func (e *Engine) Store() *state.Store { return e.store }

// allowed is the transition set. Everything else is invalid_transition.
var allowed = map[state.TaskStatus][]state.TaskStatus{
	state.TaskPending:    {state.TaskInProgress, state.TaskBlocked},
	state.TaskBlocked:    {state.TaskPending},
	state.TaskInProgress: {state.TaskCompleted, state.TaskFailed, state.TaskPending},
}

// CanTransition reports whether from → to is in the lifecycle FSM.
func CanTransition(from, to state.TaskStatus) bool {
	for _, t := range allowed[from] {
		if t == to {
			return true
		}
	}
	return false
}

// ComputeReadiness returns the subset of the task's dependencies that are
// not yet completed. A missing dependency counts as unready. An empty
// result means the task is ready to claim.
func (e *Engine) ComputeReadiness(team, id string) ([]string, error) {
	t, err := e.store.ReadTask(team, id)
	if err != nil {
		return nil, err
	}
	var unready []string
	for _, dep := range t.DependsOn {
		depTask, err := e.store.ReadTask(team, dep)
		if err != nil || depTask.Status != state.TaskCompleted {
			unready = append(unready, dep)
		}
	}
	return unready, nil
}

// ClaimResult is a successful claim.
type ClaimResult struct {
	Task  *state.Task
	Token string
}

// Claim takes the task for worker under the per-task lock. A non-zero
// expectedVersion that disagrees with the re-read version fails with
// claim_conflict, as does a live claim held by someone else; an expired
// lease is taken over. Unready dependencies fail with blocked_dependency
// before any lock is taken.
func (e *Engine) Claim(ctx context.Context, team, id, worker string, expectedVersion int) (*ClaimResult, error) {
	unready, err := e.ComputeReadiness(team, id)
	if err != nil {
		return nil, err
	}
	if len(unready) > 0 {
		return nil, teamerr.BlockedDependency(id, unready)
	}

	token := uuid.NewString()
	leasedUntil := e.now().UTC().Add(e.lease)

	claimed, err := e.store.MutateTask(ctx, team, id, func(t *state.Task) error {
		if expectedVersion > 0 && t.Version != expectedVersion {
			return teamerr.Newf(teamerr.CatClaimConflict, "task %s at version %d, expected %d", id, t.Version, expectedVersion)
		}
		switch t.Status {
		case state.TaskPending:
			// Claimable.
		case state.TaskInProgress:
			if !t.Claim.Expired(e.now().UTC()) {
				return teamerr.Newf(teamerr.CatClaimConflict, "task %s already claimed by %s", id, t.Owner)
			}
			log.Info(log.CatTask, "expired claim taken over", "team", team, "task", id, "previous", t.Owner, "worker", worker)
		default:
			return teamerr.Newf(teamerr.CatInvalidTransition, "cannot claim task %s in status %s", id, t.Status)
		}

		t.Status = state.TaskInProgress
		t.Owner = worker
		t.Claim = &state.Claim{Owner: worker, Token: token, LeasedUntil: leasedUntil}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Debug(log.CatTask, "task claimed", "team", team, "task", id, "worker", worker, "version", claimed.Version)
	return &ClaimResult{Task: claimed, Token: token}, nil
}

// TransitionOpts carries the optional fields a transition writes.
type TransitionOpts struct {
	// Result is stored on the task for completed transitions.
	Result string
	// Reason is stored as the task error and carried on the
	// worker_stopped event for failed transitions.
	Reason string
}

// Transition moves the task from → to under its claim lock. The current
// status must equal from and the claim token must match. Terminal
// transitions stamp completed_at and append the owed event.
func (e *Engine) Transition(ctx context.Context, team, id string, from, to state.TaskStatus, claimToken string, opts TransitionOpts) (*state.Task, error) {
	if !state.ValidTaskStatus(from) || !state.ValidTaskStatus(to) {
		return nil, teamerr.Newf(teamerr.CatInvalidStatus, "transition %s -> %s", from, to)
	}
	if !CanTransition(from, to) {
		return nil, teamerr.Newf(teamerr.CatInvalidTransition, "%s -> %s", from, to)
	}

	var owner string
	updated, err := e.store.MutateTask(ctx, team, id, func(t *state.Task) error {
		if t.Status != from {
			return teamerr.Newf(teamerr.CatInvalidTransition, "task %s is %s, not %s", id, t.Status, from)
		}
		if from == state.TaskInProgress {
			if t.Claim == nil || t.Claim.Token != claimToken {
				return teamerr.Newf(teamerr.CatClaimConflict, "claim token mismatch on task %s", id)
			}
			owner = t.Claim.Owner
		}

		t.Status = to
		if opts.Result != "" {
			t.Result = opts.Result
		}
		if opts.Reason != "" {
			t.Error = opts.Reason
		}
		if to.Terminal() {
			now := e.now().UTC()
			t.CompletedAt = &now
			t.Claim = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch to {
	case state.TaskCompleted:
		if _, err := e.store.AppendEvent(team, state.TeamEvent{
			Type:   state.EventTaskCompleted,
			Worker: owner,
			TaskID: id,
		}); err != nil {
			return updated, err
		}
	case state.TaskFailed:
		if _, err := e.store.AppendEvent(team, state.TeamEvent{
			Type:   state.EventWorkerStopped,
			Worker: owner,
			TaskID: id,
			Reason: opts.Reason,
		}); err != nil {
			return updated, err
		}
	}

	log.Debug(log.CatTask, "task transitioned", "team", team, "task", id, "from", from, "to", to)
	return updated, nil
}

// Release returns a claimed task to pending. It accepts either the claim
// token or, as a fallback for a worker that lost its token, an owner match
// on an in_progress task. A task already pending with no claim releases
// idempotently.
func (e *Engine) Release(ctx context.Context, team, id, claimToken, worker string) (*state.Task, error) {
	released, err := e.store.MutateTask(ctx, team, id, func(t *state.Task) error {
		if t.Status == state.TaskPending && t.Claim == nil {
			return state.ErrNoChange
		}

		tokenOK := claimToken != "" && t.Claim != nil && t.Claim.Token == claimToken
		ownerOK := t.Status == state.TaskInProgress && worker != "" && t.Owner == worker
		if !tokenOK && !ownerOK {
			return teamerr.Newf(teamerr.CatClaimConflict, "release of task %s denied", id)
		}

		t.Status = state.TaskPending
		t.Owner = ""
		t.Claim = nil
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug(log.CatTask, "task released", "team", team, "task", id, "worker", worker)
	return released, nil
}

// CheckAssignPolicy applies the manifest policy gates before a leader
// dispatches a task to a worker. delegation_only refuses the reserved
// leader worker; plan_approval_required refuses code-change tasks without
// an approved record.
func (e *Engine) CheckAssignPolicy(team, worker string, t *state.Task, m *state.Manifest) error {
	if m == nil {
		return nil
	}
	if m.Policy.DelegationOnly && worker == names.LeaderWorker {
		return teamerr.Newf(teamerr.CatDelegationViolation, "cannot assign task %s to %s", t.ID, worker)
	}
	if m.Policy.PlanApprovalRequired && t.RequiresCodeChange {
		approval, err := e.store.ReadApproval(team, t.ID)
		if err != nil {
			return err
		}
		if approval == nil || approval.Status != state.ApprovalApproved {
			return teamerr.Newf(teamerr.CatPlanApprovalRequired, "task %s requires an approved plan", t.ID)
		}
	}
	return nil
}
