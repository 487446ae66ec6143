package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Print the project debug log",
	Long: `Print the project debug log. Team and mcp processes write it when
run with --debug or OMX_DEBUG. With --follow the command streams lines
as they are appended, until interrupted.`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false,
		"keep watching the file and stream appended lines")
}

func runLogs(cmd *cobra.Command, _ []string) error {
	path := logPath(projectDir)

	f, err := os.Open(path) //nolint:gosec // G304: resolved debug log path
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no debug log at %s (run a command with --debug to produce one)", path)
		}
		return err
	}
	defer func() { _ = f.Close() }()

	out := cmd.OutOrStdout()
	if _, err := io.Copy(out, f); err != nil {
		return err
	}
	if !logsFollow {
		return nil
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return followFile(ctx, f, out)
}

// followFile streams data appended to f until ctx is done. fsnotify
// drives the reads; a slow poll backstops writers the watcher misses.
func followFile(ctx context.Context, f *os.File, out io.Writer) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	if err := w.Add(f.Name()); err != nil {
		return fmt.Errorf("watching %s: %w", f.Name(), err)
	}

	poll := time.NewTicker(2 * time.Second)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Write == 0 {
				continue
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			return err
		case <-poll.C:
		}

		if _, err := io.Copy(out, f); err != nil {
			return err
		}
	}
}
