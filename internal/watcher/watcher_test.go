package watcher_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omx-dev/omx/internal/watcher"
)

func TestWatcher_DebounceMultipleWrites(t *testing.T) {
	teamsDir := filepath.Join(t.TempDir(), "team")
	tasksDir := filepath.Join(teamsDir, "alpha", "tasks")
	require.NoError(t, os.MkdirAll(tasksDir, 0o750), "failed to create tasks dir")

	// Create watcher with short debounce
	w, err := watcher.New(watcher.Config{
		TeamsDir:    teamsDir,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")

	// Rapid writes should coalesce into single notification
	taskPath := filepath.Join(tasksDir, "task-1.json")
	for i := 0; i < 10; i++ {
		err := os.WriteFile(taskPath, []byte(fmt.Sprintf(`{"version":%d}`, i)), 0644)
		require.NoError(t, err, "failed to write file")
		time.Sleep(10 * time.Millisecond)
	}

	// Should receive exactly one notification
	select {
	case <-onChange:
		// Expected
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected notification but got timeout")
	}

	// No second notification should come quickly
	select {
	case <-onChange:
		t.Fatal("unexpected second notification")
	case <-time.After(100 * time.Millisecond):
		// Expected - no second notification
	}
}

func TestWatcher_IgnoresIrrelevantFiles(t *testing.T) {
	teamsDir := filepath.Join(t.TempDir(), "team")
	teamDir := filepath.Join(teamsDir, "alpha")
	require.NoError(t, os.MkdirAll(teamDir, 0o750), "failed to create team dir")
	otherPath := filepath.Join(teamDir, "scratch.txt")
	// Pre-create the other file so writes to it are just Write events
	err := os.WriteFile(otherPath, []byte("initial"), 0644)
	require.NoError(t, err, "failed to create other file")

	w, err := watcher.New(watcher.Config{
		TeamsDir:    teamsDir,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")

	// Write to unrelated file (not Create, since it already exists)
	err = os.WriteFile(otherPath, []byte("other content"), 0644)
	require.NoError(t, err, "failed to write other file")

	select {
	case <-onChange:
		t.Fatal("should not notify for unrelated files")
	case <-time.After(100 * time.Millisecond):
		// Expected - no notification for unrelated file
	}
}

func TestWatcher_NotifiesOnRemove(t *testing.T) {
	teamsDir := filepath.Join(t.TempDir(), "team")
	teamDir := filepath.Join(teamsDir, "alpha")
	require.NoError(t, os.MkdirAll(teamDir, 0o750), "failed to create team dir")
	eventsPath := filepath.Join(teamDir, "events.ndjson")
	require.NoError(t, os.WriteFile(eventsPath, []byte(""), 0644), "failed to create events file")

	w, err := watcher.New(watcher.Config{
		TeamsDir:    teamsDir,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")

	require.NoError(t, os.Remove(eventsPath), "failed to remove events file")

	select {
	case <-onChange:
		// Expected - removals are state changes (team cleanup)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected notification for removed state file")
	}
}

func TestWatcher_PicksUpNewTeamDirectory(t *testing.T) {
	teamsDir := filepath.Join(t.TempDir(), "team")

	w, err := watcher.New(watcher.Config{
		TeamsDir:    teamsDir,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")

	// Creating a team directory is itself a change
	betaDir := filepath.Join(teamsDir, "beta")
	require.NoError(t, os.MkdirAll(betaDir, 0o750), "failed to create team dir")

	select {
	case <-onChange:
		// Expected
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected notification for new team directory")
	}

	// Writes inside the new directory should be seen too
	err = os.WriteFile(filepath.Join(betaDir, "config.json"), []byte(`{"name":"beta"}`), 0644)
	require.NoError(t, err, "failed to write config")

	select {
	case <-onChange:
		// Expected - the new directory joined the watch set
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected notification for write in new team directory")
	}
}

func TestWatcher_CreatesTeamsDirectory(t *testing.T) {
	// Start before any team exists; the watcher creates the root itself
	teamsDir := filepath.Join(t.TempDir(), "state", "team")

	w, err := watcher.New(watcher.DefaultConfig(teamsDir))
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	_, err = w.Start()
	require.NoError(t, err, "failed to start watcher")

	info, err := os.Stat(teamsDir)
	require.NoError(t, err, "teams dir should exist after Start")
	assert.True(t, info.IsDir())
}

func TestWatcher_Stop(t *testing.T) {
	teamsDir := filepath.Join(t.TempDir(), "team")

	w, err := watcher.New(watcher.Config{
		TeamsDir:    teamsDir,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")

	_, err = w.Start()
	require.NoError(t, err, "failed to start watcher")

	// Stop should not hang or panic
	done := make(chan struct{})
	go func() {
		err := w.Stop()
		assert.NoError(t, err, "Stop returned error")
		close(done)
	}()

	select {
	case <-done:
		// Expected - stop completed successfully
	case <-time.After(1 * time.Second):
		t.Fatal("Stop() timed out - possible deadlock")
	}
}

func TestDefaultConfig(t *testing.T) {
	teamsDir := "/test/.omx/state/team"
	cfg := watcher.DefaultConfig(teamsDir)

	assert.Equal(t, teamsDir, cfg.TeamsDir)
	assert.Equal(t, 1*time.Second, cfg.DebounceDur)
}
