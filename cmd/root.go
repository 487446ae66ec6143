// Package cmd wires the omx command line: configuration loading, debug
// logging, and the team, task, mcp, logs, and config subcommands.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/omx-dev/omx/internal/config"
	"github.com/omx-dev/omx/internal/log"
	"github.com/omx-dev/omx/internal/team/paths"
	"github.com/omx-dev/omx/internal/team/runtimeenv"
)

// projectConfigPath is the project-local config location, first in the
// lookup order.
const projectConfigPath = ".omx/config.yaml"

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool
	cfg       config.Config

	// projectDir is the directory commands operate on, resolved once
	// before each run.
	projectDir string
	logCleanup func()
)

var rootCmd = &cobra.Command{
	Use:   "omx",
	Short: "Coordinate teams of agent CLI workers through shared files",
	Long: `omx runs a leader session and a team of agent CLI workers that
coordinate through plain files under <project>/.omx/state/. Workers live
in tmux panes; tasks, mailboxes, and lifecycle state are JSON on disk,
so any worker can be inspected or replaced mid-run.`,
	Version:       version,
	SilenceUsage:  true,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		if err := config.Validate(cfg); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		dir, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("getting working directory: %w", err)
		}
		projectDir = dir
		cleanup, err := initLogging(projectDir)
		if err != nil {
			return err
		}
		logCleanup = cleanup
		return nil
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		if logCleanup != nil {
			logCleanup()
		}
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: .omx/config.yaml, then ~/.config/omx/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false,
		"write debug logs (also enabled by OMX_DEBUG)")
}

// initConfig loads the effective configuration. Defaults fill first so a
// partial file never zeroes the knobs it omits. A missing file is fine;
// omx config init creates one on request.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Config lookup order:
		// 1. .omx/config.yaml (project directory)
		// 2. ~/.config/omx/config.yaml (user config)
		if _, err := os.Stat(projectConfigPath); err == nil {
			viper.SetConfigFile(projectConfigPath)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "omx"))
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "omx: reading config: %v\n", err)
		}
	}

	cfg = config.Defaults()
	_ = viper.Unmarshal(&cfg)
}

// initLogging enables debug logging when requested by flag or OMX_DEBUG.
// The returned cleanup closes the log file; without debug it is a no-op.
func initLogging(project string) (func(), error) {
	if !debugFlag && os.Getenv("OMX_DEBUG") == "" {
		return func() {}, nil
	}

	path := logPath(project)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating log directory: %w", err)
	}
	cleanup, err := log.Init(path)
	if err != nil {
		return nil, fmt.Errorf("initializing logging: %w", err)
	}
	log.SetMinLevel(cfg.Logging.MinLevel())
	log.Info(log.CatConfig, "omx starting", "version", version, "logPath", path)
	return cleanup, nil
}

// logPath resolves the debug log location: config wins, then the project
// state root.
func logPath(project string) string {
	if cfg.Logging.Path != "" {
		return cfg.Logging.Path
	}
	return paths.NewRoot(project).DebugLogFile()
}

// teamEnv resolves the effective runtime knobs: config-derived defaults
// with the process environment layered on top.
func teamEnv() runtimeenv.Env {
	return runtimeenv.ParseWith(cfg.Team.RuntimeEnv(), os.LookupEnv)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
