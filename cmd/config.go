package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/omx-dev/omx/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the omx configuration file",
	// Overrides the root hook: repairing a broken file must not require
	// the file to validate first.
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error { return nil },
}

var (
	configInitGlobal bool
	configInitForce  bool
)

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented default config",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config key, preserving comments",
	Long: `Set a dotted config key, e.g. team.send_strategy or logging.level.
Comments and unrelated keys in the file survive the edit. Values are
written as plain scalars and typed on the next load.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a config key",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfigUnset,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd, configSetCmd, configUnsetCmd)

	configInitCmd.Flags().BoolVar(&configInitGlobal, "global", false,
		"write to ~/.config/omx/config.yaml instead of the project")
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false,
		"overwrite an existing file")
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	path := projectConfigPath
	if configInitGlobal {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolving home directory: %w", err)
		}
		path = filepath.Join(home, ".config", "omx", "config.yaml")
	}

	if !configInitForce {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}

	if err := config.WriteDefaultConfig(path); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
	return nil
}

// editablePath returns the file set and unset edit: an explicit --config
// wins, then the loaded file, then the project default.
func editablePath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if used := viper.ConfigFileUsed(); used != "" {
		return used
	}
	return projectConfigPath
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	path := editablePath()
	if err := config.Set(path, args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s in %s\n", args[0], path)
	return nil
}

func runConfigUnset(cmd *cobra.Command, args []string) error {
	path := editablePath()
	if err := config.Unset(path, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Unset %s in %s\n", args[0], path)
	return nil
}
