// Package config provides configuration types and defaults for omx.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/omx-dev/omx/internal/log"
	"github.com/omx-dev/omx/internal/team/runtimeenv"
)

// Config holds all configuration options for omx.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Team    TeamConfig    `mapstructure:"team"`
	Tracing TracingConfig `mapstructure:"tracing"`
	History HistoryConfig `mapstructure:"history"`
}

// LoggingConfig holds debug log configuration. Logging only activates
// with --debug or OMX_DEBUG; these settings shape it once active.
type LoggingConfig struct {
	// Path is the debug log file.
	// Default: <project>/.omx/debug.log
	Path string `mapstructure:"path"`

	// Level is the minimum level written.
	// Valid values: "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
}

// MinLevel maps the configured level string to a log level. Unset or
// unknown values map to debug so nothing is filtered by accident.
func (l LoggingConfig) MinLevel() log.Level {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "info":
		return log.LevelInfo
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelDebug
	}
}

// TeamConfig holds team runtime tunables. Each knob mirrors an OMX_*
// environment variable; when both are set the environment wins.
type TeamConfig struct {
	// ReadyTimeout bounds the worker readiness poll during bootstrap.
	// Values below 5s are raised to 5s.
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`

	// SkipReadyWait skips readiness polling entirely.
	SkipReadyWait bool `mapstructure:"skip_ready_wait"`

	// Mouse enables multiplexer mouse mode for team sessions.
	Mouse bool `mapstructure:"mouse"`

	// SendStrategy picks how triggers reach a busy worker pane.
	// Valid values: "auto", "queue", "interrupt"
	SendStrategy string `mapstructure:"send_strategy"`

	// StrictSubmit turns unverified trigger submits into errors instead
	// of warnings.
	StrictSubmit bool `mapstructure:"strict_submit"`

	// AutoTrust auto-dismisses agent CLI trust prompts during bootstrap.
	AutoTrust bool `mapstructure:"auto_trust"`

	// AllIdleCooldown is the minimum interval between all-idle
	// notifications from the monitor.
	AllIdleCooldown time.Duration `mapstructure:"all_idle_cooldown"`

	// ClaimLease is how long a task claim holds before a contender may
	// expire it.
	ClaimLease time.Duration `mapstructure:"claim_lease"`

	// DefaultWorkers is the worker count used when a start request does
	// not name one.
	DefaultWorkers int `mapstructure:"default_workers"`

	// MaxWorkers caps workers per team. The absolute ceiling is 20.
	MaxWorkers int `mapstructure:"max_workers"`
}

// RuntimeEnv returns the tunables as a runtime environment value.
// Callers layer OMX_* process variables on top with runtimeenv.ParseWith
// so the environment always wins.
func (t TeamConfig) RuntimeEnv() runtimeenv.Env {
	e := runtimeenv.Default()
	if t.ReadyTimeout > 0 {
		e.ReadyTimeout = t.ReadyTimeout
		if e.ReadyTimeout < runtimeenv.MinReadyTimeout {
			e.ReadyTimeout = runtimeenv.MinReadyTimeout
		}
	}
	e.SkipReadyWait = t.SkipReadyWait
	e.Mouse = t.Mouse
	switch runtimeenv.SendStrategy(strings.ToLower(strings.TrimSpace(t.SendStrategy))) {
	case runtimeenv.SendQueue:
		e.SendStrategy = runtimeenv.SendQueue
	case runtimeenv.SendInterrupt:
		e.SendStrategy = runtimeenv.SendInterrupt
	default:
		e.SendStrategy = runtimeenv.SendAuto
	}
	e.StrictSubmit = t.StrictSubmit
	e.AutoTrust = t.AutoTrust
	if t.AllIdleCooldown > 0 {
		e.AllIdleCooldown = t.AllIdleCooldown
	}
	return e
}

// TracingConfig holds distributed tracing configuration for the tool
// server and team operations.
type TracingConfig struct {
	// Enabled controls whether distributed tracing is active.
	// Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: <project>/.omx/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// 1.0 = all traces, 0.1 = 10% of traces
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// HistoryConfig holds session history archive configuration.
type HistoryConfig struct {
	// DBPath overrides the archive database location.
	// Default: <project>/.omx/history.db
	DBPath string `mapstructure:"db_path"`
}

// Validate checks the full configuration, returning the first error.
func Validate(cfg Config) error {
	if err := ValidateLogging(cfg.Logging); err != nil {
		return err
	}
	if err := ValidateTeam(cfg.Team); err != nil {
		return err
	}
	if err := ValidateTracing(cfg.Tracing); err != nil {
		return err
	}
	return ValidateHistory(cfg.History)
}

// ValidateLogging checks logging configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateLogging(logging LoggingConfig) error {
	if logging.Level != "" {
		switch strings.ToLower(logging.Level) {
		case "debug", "info", "warn", "error":
			// Valid
		default:
			return fmt.Errorf("logging.level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", logging.Level)
		}
	}
	return nil
}

// ValidateTeam checks team tunables for errors.
// Returns nil if the configuration is valid (zero values use defaults).
func ValidateTeam(team TeamConfig) error {
	if team.ReadyTimeout < 0 {
		return fmt.Errorf("team.ready_timeout must not be negative, got %v", team.ReadyTimeout)
	}
	if team.AllIdleCooldown < 0 {
		return fmt.Errorf("team.all_idle_cooldown must not be negative, got %v", team.AllIdleCooldown)
	}
	if team.ClaimLease < 0 {
		return fmt.Errorf("team.claim_lease must not be negative, got %v", team.ClaimLease)
	}

	if team.SendStrategy != "" {
		switch team.SendStrategy {
		case "auto", "queue", "interrupt":
			// Valid
		default:
			return fmt.Errorf("team.send_strategy must be \"auto\", \"queue\", or \"interrupt\", got %q", team.SendStrategy)
		}
	}

	if team.DefaultWorkers < 0 {
		return fmt.Errorf("team.default_workers must not be negative, got %d", team.DefaultWorkers)
	}
	if team.MaxWorkers < 0 {
		return fmt.Errorf("team.max_workers must not be negative, got %d", team.MaxWorkers)
	}
	if team.MaxWorkers > 20 {
		return fmt.Errorf("team.max_workers must not exceed 20, got %d", team.MaxWorkers)
	}
	if team.DefaultWorkers > 0 && team.MaxWorkers > 0 && team.DefaultWorkers > team.MaxWorkers {
		return fmt.Errorf("team.default_workers (%d) must not exceed team.max_workers (%d)", team.DefaultWorkers, team.MaxWorkers)
	}

	return nil
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	// Validate SampleRate is in range [0.0, 1.0]
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	// Validate Exporter is a valid option
	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate endpoint requirements when tracing is enabled. The
	// file path has a project-derived default, so it may stay empty.
	if tracing.Enabled && tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
	}

	return nil
}

// ValidateHistory checks history configuration for errors.
// Returns nil if the configuration is valid.
func ValidateHistory(history HistoryConfig) error {
	// Currently no validation required - db_path has a project-derived
	// default and any writable location is acceptable.
	return nil
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Logging: LoggingConfig{
			Path:  "", // Derived from the project state root at runtime
			Level: "debug",
		},
		Team: TeamConfig{
			ReadyTimeout:    45 * time.Second,
			SkipReadyWait:   false,
			Mouse:           true,
			SendStrategy:    "auto",
			StrictSubmit:    false,
			AutoTrust:       true,
			AllIdleCooldown: 500 * time.Millisecond,
			ClaimLease:      15 * time.Minute,
			DefaultWorkers:  2,
			MaxWorkers:      20,
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from the project state root at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
		History: HistoryConfig{
			DBPath: "", // Derived from the project state root at runtime
		},
	}
}

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# omx Configuration
#
# Lookup order:
#   1. .omx/config.yaml (project)
#   2. ~/.config/omx/config.yaml (user)

# Debug logging (activated with --debug or OMX_DEBUG=1)
logging:
  # path: /absolute/path/to/debug.log  # default: <project>/.omx/debug.log
  level: debug        # debug (default), info, warn, or error

# Team runtime tunables
# Each knob mirrors an OMX_* environment variable; the environment wins
# when both are set.
team:
  ready_timeout: 45s        # worker readiness wait during bootstrap (min 5s)
  # skip_ready_wait: true   # skip readiness polling entirely
  mouse: true               # enable multiplexer mouse mode for team sessions
  send_strategy: auto       # auto (default), queue, or interrupt
  strict_submit: false      # treat unverified trigger submits as errors
  auto_trust: true          # auto-dismiss agent CLI trust prompts
  all_idle_cooldown: 500ms  # minimum interval between all-idle notifications
  claim_lease: 15m          # how long a task claim holds before it can be expired
  default_workers: 2        # workers spawned when a start names no count
  max_workers: 20           # per-team worker ceiling (absolute maximum 20)

# Distributed tracing for tool calls and team operations
# tracing:
#   enabled: false                # enable/disable tracing (default: false)
#   exporter: file                # none, file, stdout, otlp (default: file)
#   file_path: .omx/traces.jsonl  # output file for file exporter
#   otlp_endpoint: localhost:4317 # OTLP collector endpoint (for otlp exporter)
#   sample_rate: 1.0              # trace sampling rate 0.0-1.0 (default: 1.0)
#
# Example: send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1  # sample 10% of traces

# Session history archive
# history:
#   db_path: .omx/history.db  # default: <project>/.omx/history.db
`
}

// WriteDefaultConfig creates a config file at the given path with default settings and comments.
// Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	// Create parent directory if needed
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	// Write the template
	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
