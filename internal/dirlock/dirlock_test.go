package dirlock

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omx-dev/omx/internal/team/teamerr"
)

func TestAcquireRelease(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state.lock")

	l, err := Acquire(context.Background(), dir, Options{})
	require.NoError(t, err)
	require.DirExists(t, dir)

	// owner.json records this process.
	data, err := os.ReadFile(filepath.Join(dir, "owner.json"))
	require.NoError(t, err)
	var o Owner
	require.NoError(t, json.Unmarshal(data, &o))
	require.Equal(t, os.Getpid(), o.PID)
	require.WithinDuration(t, time.Now(), o.TS, time.Minute)

	l.Release()
	require.NoDirExists(t, dir)

	// Double release is harmless.
	l.Release()
}

func TestAcquireTimesOutOnHeldLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "busy.lock")

	held, err := Acquire(context.Background(), dir, Options{})
	require.NoError(t, err)
	defer held.Release()

	start := time.Now()
	_, err = Acquire(context.Background(), dir, Options{Timeout: 150 * time.Millisecond})
	require.Error(t, err)
	require.Equal(t, teamerr.CatLockTimeout, teamerr.CategoryOf(err))
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestAcquireRespectsContextCancel(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "busy.lock")

	held, err := Acquire(context.Background(), dir, Options{})
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err = Acquire(ctx, dir, Options{Timeout: 10 * time.Second})
	require.Error(t, err)
	require.Equal(t, teamerr.CatLockTimeout, teamerr.CategoryOf(err))
}

func TestReclaimDeadOwner(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "stale.lock")

	// Fabricate a lock held by a pid that cannot be running.
	require.NoError(t, os.Mkdir(dir, 0o750))
	owner, err := json.Marshal(Owner{PID: 1 << 30, TS: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "owner.json"), owner, 0o644))

	l, err := Acquire(context.Background(), dir, Options{Timeout: 2 * time.Second})
	require.NoError(t, err)
	defer l.Release()

	// The reclaimed lock now names us.
	data, err := os.ReadFile(filepath.Join(dir, "owner.json"))
	require.NoError(t, err)
	var o Owner
	require.NoError(t, json.Unmarshal(data, &o))
	require.Equal(t, os.Getpid(), o.PID)
}

func TestReclaimStaleMtimeWithoutOwner(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "orphan.lock")

	// Lock dir with no owner.json, aged past the horizon.
	require.NoError(t, os.Mkdir(dir, 0o750))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(dir, old, old))

	l, err := Acquire(context.Background(), dir, Options{Timeout: time.Second, StaleAfter: WriteHorizon})
	require.NoError(t, err)
	l.Release()
}

func TestLiveOwnerWithinHorizonIsNotReclaimed(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "live.lock")

	held, err := Acquire(context.Background(), dir, Options{})
	require.NoError(t, err)
	defer held.Release()

	_, err = Acquire(context.Background(), dir, Options{Timeout: 100 * time.Millisecond, StaleAfter: TaskHorizon})
	require.Error(t, err)
}

func TestWithLockReleasesOnPanic(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "panic.lock")

	require.Panics(t, func() {
		_ = WithLock(context.Background(), dir, Options{}, func() error {
			panic("boom")
		})
	})

	// The lock must be free again.
	l, err := Acquire(context.Background(), dir, Options{Timeout: 500 * time.Millisecond})
	require.NoError(t, err)
	l.Release()
}

func TestWithLockReturnsFnError(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "err.lock")

	sentinel := os.ErrPermission
	err := WithLock(context.Background(), dir, Options{}, func() error { return sentinel })
	require.ErrorIs(t, err, sentinel)
	require.NoDirExists(t, dir)
}

func TestMutualExclusionUnderContention(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "contend.lock")

	var inside atomic.Int32
	var maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(context.Background(), dir, Options{Timeout: 10 * time.Second}, func() error {
				n := inside.Add(1)
				for {
					m := maxInside.Load()
					if n <= m || maxInside.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxInside.Load(), "lock admitted more than one holder")
}
