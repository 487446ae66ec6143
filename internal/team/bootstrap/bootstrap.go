// Package bootstrap drives the worker dispatch protocol: compose an inbox,
// write it atomically, wait for the pane's interactive agent to come up,
// then deliver a short trigger message and verify it landed. Instructions
// travel through inbox files; the pane channel carries only the nudge.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/omx-dev/omx/internal/log"
	"github.com/omx-dev/omx/internal/team/runtimeenv"
	"github.com/omx-dev/omx/internal/team/state"
	"github.com/omx-dev/omx/internal/team/teamerr"
	"github.com/omx-dev/omx/internal/tmux"
)

const (
	initialPollDelay = 300 * time.Millisecond
	maxPollDelay     = 8 * time.Second
	postSubmitDelay  = 250 * time.Millisecond
	interruptSettle  = 300 * time.Millisecond
	maxSubmitRounds  = 6
	captureLines     = 30
	readyTailLines   = 5
)

var (
	percentLeftRe = regexp.MustCompile(`\b\d{1,3}% left\b`)
	modelLineRe   = regexp.MustCompile(`(?i)\bmodel:\s`)
	trustRe       = regexp.MustCompile(`(?i)do you trust|trust the files|trust this (folder|directory|workspace)`)
	busyRe        = regexp.MustCompile(`(?i)esc to interrupt`)
)

// Bootstrapper dispatches instructions to worker panes for one project.
type Bootstrapper struct {
	store *state.Store
	mux   tmux.Adapter
	env   runtimeenv.Env
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Option configures a Bootstrapper.
type Option func(*Bootstrapper)

// WithClock overrides the time source used for readiness deadlines.
func WithClock(now func() time.Time) Option {
	return func(b *Bootstrapper) { b.now = now }
}

// WithSleep replaces real sleeps. Tests pair it with WithClock to advance
// a fake clock instead of waiting.
func WithSleep(fn func(time.Duration)) Option {
	return func(b *Bootstrapper) {
		b.sleep = func(ctx context.Context, d time.Duration) error {
			fn(d)
			return ctx.Err()
		}
	}
}

// New returns a Bootstrapper over the given store and multiplexer.
func New(store *state.Store, mux tmux.Adapter, env runtimeenv.Env, opts ...Option) *Bootstrapper {
	b := &Bootstrapper{
		store: store,
		mux:   mux,
		env:   env,
		now:   time.Now,
		sleep: defaultSleep,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// DispatchOpts modulate a single dispatch.
type DispatchOpts struct {
	// Initial marks first contact with a fresh pane: the dispatch waits
	// for agent readiness before sending the trigger.
	Initial bool
	// Strategy overrides the environment send strategy when non-empty.
	Strategy runtimeenv.SendStrategy
}

// Dispatch writes inbox for the worker and nudges its pane to read it.
// Success means the trigger was verified in the pane tail; anything else
// is a worker_notify_failed (or submit_failed under strict submit).
func (b *Bootstrapper) Dispatch(ctx context.Context, team, worker, paneID, inbox string, opts DispatchOpts) error {
	if err := b.store.WriteInbox(team, worker, inbox); err != nil {
		return fmt.Errorf("writing inbox for %s: %w", worker, err)
	}

	if opts.Initial && !b.env.SkipReadyWait {
		if err := b.WaitReady(ctx, paneID); err != nil {
			// Readiness is advisory; trigger verification decides success.
			log.Warn(log.CatBootstrap, "pane not ready, sending anyway",
				"team", team, "worker", worker, "pane", paneID, "error", err.Error())
		}
	}

	trigger := TriggerMessage(b.inboxPath(team, worker))
	if err := b.deliver(ctx, paneID, trigger, b.strategy(opts)); err != nil {
		return err
	}

	log.Info(log.CatBootstrap, "dispatch verified", "team", team, "worker", worker, "pane", paneID)
	return nil
}

// TriggerMessage renders the short pane nudge pointing at an inbox path.
func TriggerMessage(inboxPath string) string {
	return fmt.Sprintf("Read and follow the instructions in %s", inboxPath)
}

// Notify delivers a short verified message to a pane without touching any
// inbox. The monitor uses it for mailbox nudges.
func (b *Bootstrapper) Notify(ctx context.Context, paneID, message string) error {
	return b.deliver(ctx, paneID, message, b.strategy(DispatchOpts{}))
}

// WaitReady polls the pane until its tail looks like an interactive agent
// awaiting input, auto-dismissing trust prompts when the environment allows.
// The backoff starts at 300ms and doubles to 8s; the overall budget comes
// from the environment. Callers treat a timeout as advisory.
func (b *Bootstrapper) WaitReady(ctx context.Context, paneID string) error {
	timeout := b.env.ReadyTimeout
	if timeout <= 0 {
		timeout = runtimeenv.Default().ReadyTimeout
	}
	deadline := b.now().Add(timeout)
	delay := initialPollDelay

	for {
		capture, err := b.mux.CapturePane(ctx, paneID, captureLines)
		if err == nil {
			if IsTrustPrompt(capture) && b.env.AutoTrust {
				_ = b.mux.SendControl(ctx, paneID, tmux.KeySubmit)
				_ = b.mux.SendControl(ctx, paneID, tmux.KeySubmit)
				log.Debug(log.CatBootstrap, "trust prompt dismissed", "pane", paneID)
			} else if LooksReady(capture) {
				return nil
			}
		}

		if !b.now().Before(deadline) {
			return teamerr.Newf(teamerr.CatWorkerNotifyFailed, "pane %s not ready after %s", paneID, timeout)
		}
		if err := b.sleep(ctx, delay); err != nil {
			return teamerr.Wrap(teamerr.CatWorkerNotifyFailed, "readiness wait cancelled", err)
		}
		delay *= 2
		if delay > maxPollDelay {
			delay = maxPollDelay
		}
	}
}

// deliver types the trigger and verifies it appears in the pane tail,
// retrying the submit with mixed plain and tab+submit rounds.
func (b *Bootstrapper) deliver(ctx context.Context, paneID, trigger string, strategy runtimeenv.SendStrategy) error {
	if err := tmux.CheckTrigger(trigger); err != nil {
		return err
	}

	busy := false
	if strategy == runtimeenv.SendAuto {
		if capture, err := b.mux.CapturePane(ctx, paneID, captureLines); err == nil {
			busy = LooksBusy(capture)
		}
	}
	if strategy == runtimeenv.SendInterrupt {
		if err := b.mux.SendControl(ctx, paneID, tmux.KeyInterrupt); err != nil {
			return teamerr.Wrap(teamerr.CatWorkerNotifyFailed, "interrupting pane", err)
		}
		_ = b.sleep(ctx, interruptSettle)
	}

	if err := b.mux.SendLiteral(ctx, paneID, trigger); err != nil {
		return teamerr.Wrap(teamerr.CatWorkerNotifyFailed, "sending trigger", err)
	}

	// Queue-style delivery leads with tab+submit so the agent runs the
	// nudge after its current turn; otherwise tab+submit is the fallback
	// on odd rounds.
	queueFirst := strategy == runtimeenv.SendQueue || (strategy == runtimeenv.SendAuto && busy)
	for round := 0; round < maxSubmitRounds; round++ {
		if queueFirst == (round%2 == 0) {
			if err := b.mux.SendControl(ctx, paneID, tmux.KeyTab); err != nil {
				return teamerr.Wrap(teamerr.CatWorkerNotifyFailed, "queueing trigger", err)
			}
		}
		if err := b.mux.SendControl(ctx, paneID, tmux.KeySubmit); err != nil {
			return teamerr.Wrap(teamerr.CatWorkerNotifyFailed, "submitting trigger", err)
		}
		if err := b.sleep(ctx, postSubmitDelay); err != nil {
			return teamerr.Wrap(teamerr.CatWorkerNotifyFailed, "delivery cancelled", err)
		}
		capture, err := b.mux.CapturePane(ctx, paneID, captureLines)
		if err == nil && strings.Contains(capture, trigger) {
			return nil
		}
	}

	cat := teamerr.CatWorkerNotifyFailed
	if b.env.StrictSubmit {
		cat = teamerr.CatSubmitFailed
	}
	return teamerr.Newf(cat, "trigger not verified in pane %s after %d rounds", paneID, maxSubmitRounds)
}

// ClaimReleaser releases task claims during assignment rollback.
type ClaimReleaser interface {
	Release(ctx context.Context, team, id, claimToken, worker string) (*state.Task, error)
}

// RollbackAssignment undoes a claim after a failed dispatch: the claim is
// released and the inbox replaced with a cancellation notice so the worker
// never executes stale instructions. The result is always a
// worker_assignment_failed error carrying cause; a failed release is folded
// into it.
func (b *Bootstrapper) RollbackAssignment(ctx context.Context, rel ClaimReleaser, team, worker, taskID, token string, cause error) error {
	reason := teamerr.WireString(cause)
	combined := cause

	if _, err := rel.Release(ctx, team, taskID, token, worker); err != nil && !errors.Is(err, state.ErrNoChange) {
		combined = errors.Join(cause, err)
		reason = fmt.Sprintf("%s; release failed: %s", reason, teamerr.WireString(err))
		log.Error(log.CatBootstrap, "claim release failed during rollback",
			"team", team, "worker", worker, "task", taskID, "error", err.Error())
	}

	if err := b.store.WriteInbox(team, worker, CancelledInbox(taskID, teamerr.WireString(cause))); err != nil {
		log.ErrorErr(log.CatBootstrap, "cancellation inbox write failed", err,
			"team", team, "worker", worker, "task", taskID)
	}

	log.Warn(log.CatBootstrap, "assignment rolled back", "team", team, "worker", worker, "task", taskID, "cause", teamerr.WireString(cause))
	return teamerr.AssignmentFailed(reason, combined)
}

// LooksReady reports whether the pane tail shows an interactive agent
// waiting for input: a prompt glyph, a model footer, or a context budget
// marker.
func LooksReady(capture string) bool {
	for _, line := range tailLines(capture, readyTailLines) {
		t := strings.TrimSpace(line)
		if strings.HasPrefix(t, "›") || strings.HasPrefix(t, ">") {
			return true
		}
		if modelLineRe.MatchString(t) || percentLeftRe.MatchString(t) {
			return true
		}
	}
	return false
}

// LooksBusy reports whether the pane tail shows an agent mid-turn.
func LooksBusy(capture string) bool {
	for _, line := range tailLines(capture, readyTailLines) {
		if busyRe.MatchString(line) {
			return true
		}
	}
	return false
}

// IsTrustPrompt reports whether the capture shows a first-run trust dialog.
func IsTrustPrompt(capture string) bool {
	return trustRe.MatchString(capture)
}

func (b *Bootstrapper) strategy(opts DispatchOpts) runtimeenv.SendStrategy {
	if opts.Strategy != "" {
		return opts.Strategy
	}
	if b.env.SendStrategy != "" {
		return b.env.SendStrategy
	}
	return runtimeenv.SendAuto
}

// inboxPath renders the worker's inbox location relative to the project so
// triggers stay short; absolute is the fallback.
func (b *Bootstrapper) inboxPath(team, worker string) string {
	abs := b.store.Root().Team(team).InboxFile(worker)
	rel, err := filepath.Rel(b.store.Root().Project(), abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return abs
	}
	return rel
}

// tailLines returns the last n non-blank lines of capture.
func tailLines(capture string, n int) []string {
	lines := strings.Split(capture, "\n")
	var tail []string
	for i := len(lines) - 1; i >= 0 && len(tail) < n; i-- {
		if strings.TrimSpace(lines[i]) == "" {
			continue
		}
		tail = append(tail, lines[i])
	}
	return tail
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
