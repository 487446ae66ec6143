// Package tmux defines the terminal multiplexer capability surface the team
// core drives, plus the safety rules applied before anything reaches a pane.
// The core touches panes only through the Adapter interface; ExecAdapter
// realizes it over the tmux binary and FakeAdapter realizes it in memory for
// tests.
package tmux

import (
	"context"
	"strings"

	"github.com/omx-dev/omx/internal/team/teamerr"
)

// InjectionMarker must never appear in a trigger message. Its presence means
// a payload tried to smuggle pane input through the short-message channel.
const InjectionMarker = "[OMX_TMUX_INJECT]"

// MaxTriggerLen bounds trigger messages; the channel is for nudges, not
// payloads.
const MaxTriggerLen = 200

// ControlKey is a non-literal key sent to a pane.
type ControlKey string

const (
	// KeySubmit submits the current input line (C-m / Enter).
	KeySubmit ControlKey = "Enter"
	// KeyInterrupt interrupts the foreground process (C-c).
	KeyInterrupt ControlKey = "C-c"
	// KeyTab queues input behind the agent's current turn in CLIs that
	// treat tab-then-submit as "run after this".
	KeyTab ControlKey = "Tab"
	// KeyEscape dismisses transient prompts.
	KeyEscape ControlKey = "Escape"
)

// Pane describes one multiplexer pane.
type Pane struct {
	ID             string
	CurrentCommand string
	StartCommand   string
}

// SplitOptions configure a SplitPane call.
type SplitOptions struct {
	// Horizontal splits left/right instead of top/bottom.
	Horizontal bool
	// Percent is the new pane's size share; zero lets the multiplexer pick.
	Percent int
	// StartDirectory is the new pane's working directory.
	StartDirectory string
	// Command runs in the new pane instead of the default shell.
	Command string
	// Env is exported into the new pane's process environment.
	Env map[string]string
}

// Adapter is the multiplexer capability surface the core depends on. Any
// transport that satisfies it is acceptable; the core never shells out to
// tmux directly.
type Adapter interface {
	// ListPanes enumerates the panes of a session target.
	ListPanes(ctx context.Context, target string) ([]Pane, error)
	// SplitPane creates a sibling pane and returns its id.
	SplitPane(ctx context.Context, target string, opts SplitOptions) (string, error)
	// KillPane destroys a pane; missing panes are a no-op.
	KillPane(ctx context.Context, paneID string) error
	// KillSession destroys a whole session; missing sessions are a no-op.
	KillSession(ctx context.Context, session string) error
	// SendLiteral types text into a pane without interpreting shell
	// metacharacters or key names.
	SendLiteral(ctx context.Context, paneID, text string) error
	// SendControl sends a named control key.
	SendControl(ctx context.Context, paneID string, key ControlKey) error
	// CapturePane returns the last n lines of the pane's visible content.
	CapturePane(ctx context.Context, paneID string, lastN int) (string, error)
	// IsPaneAlive reports whether the pane still exists.
	IsPaneAlive(ctx context.Context, paneID string) bool
	// GetPanePid returns the pid of the pane's root process.
	GetPanePid(ctx context.Context, paneID string) (int, error)
	// CurrentLeaderPaneID returns the caller's own pane id, empty when the
	// process is not running inside the multiplexer.
	CurrentLeaderPaneID(ctx context.Context) (string, error)
}

// CheckTrigger validates a trigger message against the short-message channel
// rules: printable ASCII, under MaxTriggerLen bytes, no injection marker.
func CheckTrigger(text string) error {
	if strings.Contains(text, InjectionMarker) {
		return teamerr.New(teamerr.CatSubmitFailed, "trigger contains injection marker")
	}
	if len(text) >= MaxTriggerLen {
		return teamerr.Newf(teamerr.CatSubmitFailed, "trigger length %d exceeds %d", len(text), MaxTriggerLen)
	}
	for _, r := range text {
		if r == '\n' || r == '\r' || r > 126 || (r < 32 && r != '\t') {
			return teamerr.Newf(teamerr.CatSubmitFailed, "trigger contains non-ASCII or control byte %q", r)
		}
	}
	return nil
}
