// Package runtimeenv centralizes process-environment knobs into one explicit
// struct. Constructors take an Env value instead of calling os.Getenv, so
// tests configure behavior by building a different value.
package runtimeenv

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// SendStrategy selects how triggers reach a busy worker pane.
type SendStrategy string

const (
	SendAuto      SendStrategy = "auto"
	SendQueue     SendStrategy = "queue"
	SendInterrupt SendStrategy = "interrupt"
)

// DisplayMode is the manifest display_mode derived from the environment.
type DisplayMode string

const (
	DisplayAuto      DisplayMode = "auto"
	DisplaySplitPane DisplayMode = "split_pane"
)

// EnvInstructionsFile is exported by the leader for the team's lifetime so
// spawned agent processes pick up the shared instructions file; shutdown
// clears it.
const EnvInstructionsFile = "OMX_INSTRUCTIONS_FILE"

const (
	// MinReadyTimeout is the floor for the worker readiness wait.
	MinReadyTimeout = 5 * time.Second

	defaultReadyTimeout    = 45 * time.Second
	defaultAllIdleCooldown = 500 * time.Millisecond
)

// Env is the parsed runtime environment.
type Env struct {
	// Worker is the raw OMX_TEAM_WORKER value, "<team>/<name>" for worker
	// processes and empty for the leader.
	Worker string

	// SessionID overrides the derived leader session id when non-empty.
	SessionID string

	// ReadyTimeout bounds the worker readiness poll during bootstrap.
	ReadyTimeout time.Duration

	// SkipReadyWait skips readiness polling entirely.
	SkipReadyWait bool

	// Mouse enables multiplexer mouse mode for the team session.
	Mouse bool

	// SendStrategy picks how triggers are delivered to busy panes.
	SendStrategy SendStrategy

	// StrictSubmit turns unverified submits into submit_failed errors.
	StrictSubmit bool

	// AutoTrust auto-dismisses agent CLI trust prompts during bootstrap.
	AutoTrust bool

	// AllIdleCooldown is the minimum interval between all-idle
	// notifications from the monitor.
	AllIdleCooldown time.Duration

	// DisplayMode is recorded in the team manifest.
	DisplayMode DisplayMode

	// ApprovalMode, SandboxMode, NetworkAccess feed the manifest
	// permissions_snapshot at team creation.
	ApprovalMode  string
	SandboxMode   string
	NetworkAccess bool
}

// Default returns the environment with every knob at its documented default.
func Default() Env {
	return Env{
		ReadyTimeout:    defaultReadyTimeout,
		Mouse:           true,
		SendStrategy:    SendAuto,
		AutoTrust:       true,
		AllIdleCooldown: defaultAllIdleCooldown,
		DisplayMode:     DisplayAuto,
		ApprovalMode:    "unknown",
		SandboxMode:     "unknown",
		NetworkAccess:   true,
	}
}

// FromOS parses the process environment.
func FromOS() Env {
	return Parse(os.LookupEnv)
}

// Parse builds an Env from the given lookup function, applying defaults,
// floors, and fallbacks. Unknown enum values fall back to their defaults.
func Parse(lookup func(string) (string, bool)) Env {
	return ParseWith(Default(), lookup)
}

// ParseWith layers the process environment over base. Knobs absent from
// the environment keep their base value.
func ParseWith(base Env, lookup func(string) (string, bool)) Env {
	e := base

	if v, ok := lookup("OMX_TEAM_WORKER"); ok {
		e.Worker = strings.TrimSpace(v)
	}
	if v, ok := lookup("OMX_SESSION_ID"); ok && strings.TrimSpace(v) != "" {
		e.SessionID = strings.TrimSpace(v)
	} else if v, ok := lookup("CODEX_SESSION_ID"); ok && strings.TrimSpace(v) != "" {
		e.SessionID = strings.TrimSpace(v)
	}

	if ms, ok := lookupMillis(lookup, "OMX_TEAM_READY_TIMEOUT_MS"); ok {
		if ms < MinReadyTimeout {
			ms = MinReadyTimeout
		}
		e.ReadyTimeout = ms
	}
	if v, ok := lookup("OMX_TEAM_SKIP_READY_WAIT"); ok {
		e.SkipReadyWait = truthy(v)
	}
	if v, ok := lookup("OMX_TEAM_MOUSE"); ok {
		e.Mouse = !falsy(v)
	}
	if v, ok := lookup("OMX_TEAM_SEND_STRATEGY"); ok {
		switch SendStrategy(strings.ToLower(strings.TrimSpace(v))) {
		case SendQueue:
			e.SendStrategy = SendQueue
		case SendInterrupt:
			e.SendStrategy = SendInterrupt
		default:
			e.SendStrategy = SendAuto
		}
	}
	if v, ok := lookup("OMX_TEAM_STRICT_SUBMIT"); ok {
		e.StrictSubmit = truthy(v)
	}
	if v, ok := lookup("OMX_TEAM_AUTO_TRUST"); ok {
		e.AutoTrust = !falsy(v)
	}
	if ms, ok := lookupMillis(lookup, "OMX_TEAM_ALL_IDLE_COOLDOWN_MS"); ok && ms > 0 {
		e.AllIdleCooldown = ms
	}
	if v, ok := lookup("OMX_TEAM_DISPLAY_MODE"); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "tmux", "in_process":
			e.DisplayMode = DisplaySplitPane
		default:
			e.DisplayMode = DisplayAuto
		}
	}
	if v, ok := lookup("OMX_APPROVAL_MODE"); ok && strings.TrimSpace(v) != "" {
		e.ApprovalMode = strings.TrimSpace(v)
	}
	if v, ok := lookup("OMX_SANDBOX_MODE"); ok && strings.TrimSpace(v) != "" {
		e.SandboxMode = strings.TrimSpace(v)
	}
	if v, ok := lookup("OMX_NETWORK_ACCESS"); ok {
		e.NetworkAccess = !falsy(v)
	}

	return e
}

// IsWorker reports whether this process runs as a team worker.
func (e Env) IsWorker() bool { return e.Worker != "" }

// WorkerIdentity splits OMX_TEAM_WORKER into team and worker name.
func (e Env) WorkerIdentity() (team, name string, ok bool) {
	team, name, ok = strings.Cut(e.Worker, "/")
	if !ok || team == "" || name == "" {
		return "", "", false
	}
	return team, name, true
}

func lookupMillis(lookup func(string) (string, bool), key string) (time.Duration, bool) {
	v, ok := lookup(key)
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func falsy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "false", "no", "off":
		return true
	}
	return false
}
