package tmux

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/omx-dev/omx/internal/log"
)

// DefaultCallTimeout bounds every spawned tmux process. A hung tmux server
// should fail the one call, not wedge the leader loop.
const DefaultCallTimeout = 10 * time.Second

// ExecAdapter drives a real tmux server through its CLI.
type ExecAdapter struct {
	// Binary is the tmux executable, "tmux" by default.
	Binary string
	// CallTimeout bounds each spawned process; zero means DefaultCallTimeout.
	CallTimeout time.Duration
}

var _ Adapter = (*ExecAdapter)(nil)

// NewExecAdapter returns an adapter over the tmux binary on PATH.
func NewExecAdapter() *ExecAdapter {
	return &ExecAdapter{Binary: "tmux", CallTimeout: DefaultCallTimeout}
}

// run executes one tmux command and returns its trimmed stdout.
func (a *ExecAdapter) run(ctx context.Context, args ...string) (string, error) {
	timeout := a.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	bin := a.Binary
	if bin == "" {
		bin = "tmux"
	}
	out, err := exec.CommandContext(ctx, bin, args...).Output() //nolint:gosec // fixed binary, structured args
	if err != nil {
		log.Debug(log.CatTmux, "tmux call failed", "args", strings.Join(args, " "), "error", err)
		return "", fmt.Errorf("tmux %s: %w", args[0], err)
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// ListPanes enumerates panes of the target session or window.
func (a *ExecAdapter) ListPanes(ctx context.Context, target string) ([]Pane, error) {
	out, err := a.run(ctx, "list-panes", "-t", target,
		"-F", "#{pane_id}\t#{pane_current_command}\t#{pane_start_command}")
	if err != nil {
		return nil, err
	}
	var panes []Pane
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		p := Pane{ID: parts[0]}
		if len(parts) > 1 {
			p.CurrentCommand = parts[1]
		}
		if len(parts) > 2 {
			p.StartCommand = parts[2]
		}
		panes = append(panes, p)
	}
	return panes, nil
}

// SplitPane splits the target and returns the new pane id.
func (a *ExecAdapter) SplitPane(ctx context.Context, target string, opts SplitOptions) (string, error) {
	args := []string{"split-window", "-t", target, "-P", "-F", "#{pane_id}", "-d"}
	if opts.Horizontal {
		args = append(args, "-h")
	} else {
		args = append(args, "-v")
	}
	if opts.Percent > 0 {
		args = append(args, "-p", strconv.Itoa(opts.Percent))
	}
	if opts.StartDirectory != "" {
		args = append(args, "-c", opts.StartDirectory)
	}
	for k, v := range opts.Env {
		args = append(args, "-e", k+"="+v)
	}
	if opts.Command != "" {
		args = append(args, opts.Command)
	}
	id, err := a.run(ctx, args...)
	if err != nil {
		return "", err
	}
	log.Debug(log.CatTmux, "pane split", "target", target, "pane", id)
	return id, nil
}

// KillPane destroys the pane. A pane that is already gone is a no-op.
func (a *ExecAdapter) KillPane(ctx context.Context, paneID string) error {
	if !a.IsPaneAlive(ctx, paneID) {
		return nil
	}
	_, err := a.run(ctx, "kill-pane", "-t", paneID)
	if err != nil && !a.IsPaneAlive(ctx, paneID) {
		// Lost the race with the pane's own exit.
		return nil
	}
	return err
}

// SendLiteral types text exactly as given; -l suppresses key-name lookup so
// shell metacharacters and words like "Enter" land as characters.
func (a *ExecAdapter) SendLiteral(ctx context.Context, paneID, text string) error {
	_, err := a.run(ctx, "send-keys", "-t", paneID, "-l", text)
	return err
}

// SendControl sends a named key.
func (a *ExecAdapter) SendControl(ctx context.Context, paneID string, key ControlKey) error {
	_, err := a.run(ctx, "send-keys", "-t", paneID, string(key))
	return err
}

// CapturePane returns up to the last n lines of pane content.
func (a *ExecAdapter) CapturePane(ctx context.Context, paneID string, lastN int) (string, error) {
	args := []string{"capture-pane", "-t", paneID, "-p"}
	if lastN > 0 {
		args = append(args, "-S", "-"+strconv.Itoa(lastN))
	}
	return a.run(ctx, args...)
}

// IsPaneAlive reports whether the pane id resolves on the server.
func (a *ExecAdapter) IsPaneAlive(ctx context.Context, paneID string) bool {
	out, err := a.run(ctx, "display-message", "-t", paneID, "-p", "#{pane_id}")
	return err == nil && strings.TrimSpace(out) == paneID
}

// GetPanePid returns the pid of the pane's root process.
func (a *ExecAdapter) GetPanePid(ctx context.Context, paneID string) (int, error) {
	out, err := a.run(ctx, "display-message", "-t", paneID, "-p", "#{pane_pid}")
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parsing pane pid %q: %w", out, err)
	}
	return pid, nil
}

// CurrentLeaderPaneID resolves the calling process's own pane. Outside a
// multiplexer ($TMUX_PANE unset) it returns empty with no error.
func (a *ExecAdapter) CurrentLeaderPaneID(ctx context.Context) (string, error) {
	pane := os.Getenv("TMUX_PANE")
	if pane == "" {
		return "", nil
	}
	// Confirm the id still resolves; a stale env var from a dead server
	// must not become a kill-protection hole.
	if !a.IsPaneAlive(ctx, pane) {
		return "", nil
	}
	return pane, nil
}

// SetMouseMode toggles mouse support on the session holding the pane.
func (a *ExecAdapter) SetMouseMode(ctx context.Context, target string, on bool) error {
	v := "off"
	if on {
		v = "on"
	}
	_, err := a.run(ctx, "set-option", "-t", target, "mouse", v)
	return err
}

// KillSession destroys a whole session, used for teams launched into their
// own session rather than split panes. Missing sessions are a no-op.
func (a *ExecAdapter) KillSession(ctx context.Context, session string) error {
	if _, err := a.run(ctx, "has-session", "-t", session); err != nil {
		return nil
	}
	_, err := a.run(ctx, "kill-session", "-t", session)
	return err
}
