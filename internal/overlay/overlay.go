// Package overlay manages the marker-bounded runtime block the leader
// appends to the project instructions file before each launch. A separate
// worker block with its own marker pair coexists in the same file; the
// runtime strip never touches it.
package overlay

import (
	"context"
	"os"
	"strings"

	"github.com/omx-dev/omx/internal/dirlock"
	"github.com/omx-dev/omx/internal/fsatomic"
	"github.com/omx-dev/omx/internal/log"
	"github.com/omx-dev/omx/internal/team/paths"
)

const (
	// RuntimeStartMarker and RuntimeEndMarker bound the per-launch block.
	RuntimeStartMarker = "<!-- OMX:RUNTIME:START -->"
	RuntimeEndMarker   = "<!-- OMX:RUNTIME:END -->"

	// WorkerStartMarker and WorkerEndMarker bound the team worker block.
	WorkerStartMarker = "<!-- OMX:TEAM:WORKER:START -->"
	WorkerEndMarker   = "<!-- OMX:TEAM:WORKER:END -->"

	// maxStripPasses bounds block removal so a pathological file cannot
	// spin the strip loop.
	maxStripPasses = 50
)

// Apply writes block into the project instructions file under the overlay
// lock, replacing any previous runtime block. The file is created when
// missing.
func Apply(ctx context.Context, root paths.Root, block string) error {
	return dirlock.WithLock(ctx, root.OverlayLockDir(), dirlock.Options{}, func() error {
		path := root.InstructionsFile()
		content := readFileOrEmpty(path)
		out := ApplyText(content, block)
		if out == content {
			return nil
		}
		if err := fsatomic.WriteFile(path, []byte(out), 0o644); err != nil {
			return err
		}
		log.Debug(log.CatOverlay, "runtime overlay applied", "path", path, "bytes", len(block))
		return nil
	})
}

// Strip removes the runtime block from the project instructions file under
// the overlay lock. Missing file or absent marker is a no-op.
func Strip(ctx context.Context, root paths.Root) error {
	return dirlock.WithLock(ctx, root.OverlayLockDir(), dirlock.Options{}, func() error {
		path := root.InstructionsFile()
		content := readFileOrEmpty(path)
		out, removed := StripText(content)
		if removed == 0 {
			return nil
		}
		if err := fsatomic.WriteFile(path, []byte(out), 0o644); err != nil {
			return err
		}
		log.Debug(log.CatOverlay, "runtime overlay stripped", "path", path, "blocks", removed)
		return nil
	})
}

// ApplyWorker appends a worker block to the project instructions file under
// the overlay lock, replacing any previous worker block.
func ApplyWorker(ctx context.Context, root paths.Root, block string) error {
	return dirlock.WithLock(ctx, root.OverlayLockDir(), dirlock.Options{}, func() error {
		path := root.InstructionsFile()
		content := readFileOrEmpty(path)
		out := applyBlock(content, block, WorkerStartMarker, WorkerEndMarker, RuntimeStartMarker, RuntimeEndMarker)
		if out == content {
			return nil
		}
		if err := fsatomic.WriteFile(path, []byte(out), 0o644); err != nil {
			return err
		}
		log.Debug(log.CatOverlay, "worker overlay applied", "path", path)
		return nil
	})
}

// StripWorker removes the worker block from the project instructions file
// under the overlay lock. Runtime blocks are left alone.
func StripWorker(ctx context.Context, root paths.Root) error {
	return dirlock.WithLock(ctx, root.OverlayLockDir(), dirlock.Options{}, func() error {
		path := root.InstructionsFile()
		content := readFileOrEmpty(path)
		out, removed := StripWorkerText(content)
		if removed == 0 {
			return nil
		}
		if err := fsatomic.WriteFile(path, []byte(out), 0o644); err != nil {
			return err
		}
		log.Debug(log.CatOverlay, "worker overlay stripped", "path", path, "blocks", removed)
		return nil
	})
}

// ApplyText returns content with any existing runtime block replaced by
// block. Pure text transform; idempotent.
func ApplyText(content, block string) string {
	return applyBlock(content, block, RuntimeStartMarker, RuntimeEndMarker, WorkerStartMarker, WorkerEndMarker)
}

// StripText removes runtime blocks from content and reports how many were
// removed. Malformed blocks missing their END marker are repaired by
// cutting at the next recognized marker (or end of input). Worker blocks
// are never touched. With no removals the input is returned byte-for-byte.
func StripText(content string) (string, int) {
	return stripBlocks(content, RuntimeStartMarker, RuntimeEndMarker, WorkerStartMarker, WorkerEndMarker)
}

// StripWorkerText removes worker blocks from content, leaving runtime
// blocks alone.
func StripWorkerText(content string) (string, int) {
	return stripBlocks(content, WorkerStartMarker, WorkerEndMarker, RuntimeStartMarker, RuntimeEndMarker)
}

func applyBlock(content, block, start, end string, protect ...string) string {
	base, _ := stripBlocks(content, start, end, protect...)
	base = strings.TrimRight(base, "\n")
	if base != "" {
		base += "\n\n"
	}
	if !strings.HasSuffix(block, "\n") {
		block += "\n"
	}
	return base + block
}

// stripBlocks removes start..end delimited blocks. protect lists marker
// strings that terminate a malformed block instead of being consumed.
func stripBlocks(content, start, end string, protect ...string) (string, int) {
	out := content
	removed := 0
	for removed < maxStripPasses {
		si := strings.Index(out, start)
		if si < 0 {
			break
		}
		rest := out[si+len(start):]
		ei := strings.Index(rest, end)

		// A protected marker or a second start marker before the end marker
		// means this block never closed; cut at that boundary instead.
		boundary := -1
		for _, m := range append([]string{start}, protect...) {
			if i := strings.Index(rest, m); i >= 0 && (boundary < 0 || i < boundary) {
				boundary = i
			}
		}

		var cut int
		switch {
		case ei >= 0 && (boundary < 0 || ei <= boundary):
			cut = si + len(start) + ei + len(end)
			if cut < len(out) && out[cut] == '\n' {
				cut++
			}
		case boundary >= 0:
			cut = si + len(start) + boundary
		default:
			cut = len(out)
		}
		out = collapseSeam(out[:si]+out[cut:], si)
		removed++
	}
	if removed > 0 {
		out = strings.TrimRight(out, "\n")
		if out != "" {
			out += "\n"
		}
	}
	return out, removed
}

// collapseSeam trims a run of three or more newlines spanning position i
// down to a blank line, tidying the join left by a removed block.
func collapseSeam(s string, i int) string {
	if i > len(s) {
		i = len(s)
	}
	lo := i
	for lo > 0 && s[lo-1] == '\n' {
		lo--
	}
	hi := i
	for hi < len(s) && s[hi] == '\n' {
		hi++
	}
	if hi-lo <= 2 {
		return s
	}
	return s[:lo] + "\n\n" + s[hi:]
}

func readFileOrEmpty(path string) string {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the paths package
	if err != nil {
		return ""
	}
	return string(data)
}
