// Package dirlock implements advisory cross-process locks as directories.
// mkdir is atomic on every filesystem the state store targets, so a lock is
// held by whoever created the directory. An owner.json inside records the
// holder for stale detection.
package dirlock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/omx-dev/omx/internal/procutil"
	"github.com/omx-dev/omx/internal/team/teamerr"
)

const (
	// DefaultTimeout bounds Acquire when the caller passes no override.
	DefaultTimeout = 5 * time.Second

	// WriteHorizon is the stale horizon for short-lived write locks.
	WriteHorizon = 30 * time.Second

	// TaskHorizon is the stale horizon for team and task scoped locks,
	// which can legitimately be held across slow agent turns.
	TaskHorizon = 5 * time.Minute

	pollBase   = 25 * time.Millisecond
	pollJitter = 25 * time.Millisecond
)

// Owner is persisted as owner.json inside the lock directory.
type Owner struct {
	PID int       `json:"pid"`
	TS  time.Time `json:"ts"`
}

// Lock is a held directory lock. Release it exactly once.
type Lock struct {
	dir      string
	released bool
}

// Options tune a single Acquire call.
type Options struct {
	// Timeout bounds the acquire attempt. Zero means DefaultTimeout.
	Timeout time.Duration
	// StaleAfter is the mtime horizon beyond which a lock with no live
	// owner process is reclaimed. Zero means WriteHorizon.
	StaleAfter time.Duration
}

// Acquire takes the lock at dir, waiting up to the configured timeout.
// A lock whose owner process is dead, or whose directory mtime is older
// than the stale horizon, is reclaimed. Returns a lock timeout error in
// the shared taxonomy when the deadline passes.
func Acquire(ctx context.Context, dir string, opts Options) (*Lock, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	stale := opts.StaleAfter
	if stale <= 0 {
		stale = WriteHorizon
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o750); err != nil {
		return nil, fmt.Errorf("creating lock parent: %w", err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := os.Mkdir(dir, 0o750)
		if err == nil {
			writeOwner(dir)
			return &Lock{dir: dir}, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("creating lock dir: %w", err)
		}

		if reclaimable(dir, stale) {
			// Remove and retry the mkdir; a racing reclaimer may win,
			// in which case we keep polling.
			_ = os.RemoveAll(dir)
			continue
		}

		if time.Now().After(deadline) {
			return nil, teamerr.LockTimeout(dir, nil)
		}

		sleep := pollBase + time.Duration(rand.Int63n(int64(pollJitter))) //nolint:gosec // jitter, not security-sensitive
		select {
		case <-ctx.Done():
			return nil, teamerr.LockTimeout(dir, ctx.Err())
		case <-time.After(sleep):
		}
	}
}

// Release removes the lock directory. Safe to call once per Lock; later
// calls are no-ops.
func (l *Lock) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	_ = os.RemoveAll(l.dir)
}

// Dir reports the lock directory path.
func (l *Lock) Dir() string { return l.dir }

// WithLock acquires dir, runs fn, and releases on every exit path
// including panic.
func WithLock(ctx context.Context, dir string, opts Options, fn func() error) error {
	l, err := Acquire(ctx, dir, opts)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn()
}

// reclaimable reports whether the lock at dir belongs to a dead owner or
// has gone stale past the horizon.
func reclaimable(dir string, stale time.Duration) bool {
	info, err := os.Stat(dir)
	if err != nil {
		// Racing release; the next mkdir attempt settles it.
		return false
	}

	if owner, ok := readOwner(dir); ok {
		if !procutil.Alive(owner.PID) {
			return true
		}
		// Live owner: only mtime age past the horizon reclaims, covering
		// processes recycled onto the same pid.
		return time.Since(info.ModTime()) > stale
	}

	// No readable owner.json. Either the holder died between mkdir and
	// the owner write, or the file is torn. Give it one horizon.
	return time.Since(info.ModTime()) > stale
}

func writeOwner(dir string) {
	data, err := json.Marshal(Owner{PID: os.Getpid(), TS: time.Now().UTC()})
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(dir, "owner.json"), data, 0o644)
}

func readOwner(dir string) (Owner, bool) {
	data, err := os.ReadFile(filepath.Join(dir, "owner.json")) //nolint:gosec // path derives from the lock dir
	if err != nil {
		return Owner{}, false
	}
	var o Owner
	if err := json.Unmarshal(data, &o); err != nil || o.PID <= 0 {
		return Owner{}, false
	}
	return o, true
}
