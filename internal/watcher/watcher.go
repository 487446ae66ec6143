// Package watcher provides file system watching with debouncing for the
// team state tree.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/omx-dev/omx/internal/log"
)

// Watcher monitors the team state tree for changes and sends coalesced
// notifications. It is best-effort: a watch that cannot be established is
// logged and skipped, never fatal.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	teamsDir  string
	debounce  time.Duration
	onChange  chan struct{}
	done      chan struct{}
}

// Config holds watcher configuration options.
type Config struct {
	TeamsDir    string
	DebounceDur time.Duration
}

// DefaultConfig returns sensible defaults for the watcher.
func DefaultConfig(teamsDir string) Config {
	return Config{
		TeamsDir:    teamsDir,
		DebounceDur: 1 * time.Second,
	}
}

// New creates a new team state watcher.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	return &Watcher{
		fsWatcher: fsw,
		teamsDir:  cfg.TeamsDir,
		debounce:  cfg.DebounceDur,
		onChange:  make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching the teams directory and every directory below it.
// Returns a channel that receives a signal when team state changes.
// Directories created later (new teams, new workers) are picked up from
// their create events.
func (w *Watcher) Start() (<-chan struct{}, error) {
	if err := os.MkdirAll(w.teamsDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating teams directory: %w", err)
	}
	err := filepath.WalkDir(w.teamsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if addErr := w.fsWatcher.Add(path); addErr != nil {
			log.Warn(log.CatWatcher, "watch add failed", "path", path, "error", addErr.Error())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking teams directory: %w", err)
	}

	go w.loop()

	return w.onChange, nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

// loop processes file system events with debouncing.
func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			if event.Op&fsnotify.Create != 0 {
				// New directories (teams, workers, lock dirs) join the
				// watch set so writes inside them are seen.
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if addErr := w.fsWatcher.Add(event.Name); addErr != nil {
						log.Warn(log.CatWatcher, "watch add failed", "path", event.Name, "error", addErr.Error())
					}
				}
			}

			if !isRelevantEvent(event) {
				continue
			}

			// Reset or start debounce timer
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				pending = true
			} else {
				if !timer.Stop() {
					// Drain the timer channel if it already fired
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
				pending = true
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				// Non-blocking send - drop if channel full
				select {
				case w.onChange <- struct{}{}:
				default:
				}
				pending = false
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatWatcher, "watch error", "error", err.Error())

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// isRelevantEvent checks if the event should trigger a refresh. State is
// written by atomic rename, so final file names arrive as Create events;
// direct writes and removals count too.
func isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
		return false
	}
	switch filepath.Ext(event.Name) {
	case ".json", ".ndjson", ".md":
		return true
	}
	// Directory creation (a new team or worker) is itself a change.
	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			return true
		}
	}
	return false
}
