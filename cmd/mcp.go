package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/omx-dev/omx/internal/config"
	"github.com/omx-dev/omx/internal/mcpserver/tools"
	"github.com/omx-dev/omx/internal/session"
	"github.com/omx-dev/omx/internal/team/paths"
	"github.com/omx-dev/omx/internal/tracing"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the coordination tools over stdio",
	Long: `Serve the team coordination tools as an MCP server speaking JSON-RPC
over stdin/stdout. Agent CLIs run this as a subprocess.

Session hooks bracket the serve loop: pre-launch clears stale state and
takes the leader lock, post-launch archives the session and releases it.
Diagnostics go to stderr; stdout carries only protocol frames.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, _ []string) error {
	env := teamEnv()

	hooks := session.New(projectDir, env.SessionID).WithHistoryDB(cfg.History.DBPath)
	if err := hooks.PreLaunch(cmd.Context()); err != nil {
		fmt.Fprintf(os.Stderr, "omx: pre-launch issues: %v\n", err)
	}
	defer func() {
		if err := hooks.PostLaunch(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "omx: post-launch issues: %v\n", err)
		}
	}()

	provider, err := tracing.NewProvider(tracingFromConfig(cfg.Tracing, projectDir))
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "omx: tracing shutdown: %v\n", err)
		}
	}()

	mwCfg := tracing.ToolMiddlewareConfig{}
	if provider.Enabled() {
		mwCfg.Tracer = provider.Tracer()
	}

	server := tools.NewTeamServer(projectDir,
		tools.WithLease(cfg.Team.ClaimLease),
		tools.WithMiddleware(tracing.NewToolMiddleware(mwCfg)),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		server.Stop()
	}()

	return server.Serve(os.Stdin, os.Stdout)
}

// tracingFromConfig maps the config section onto the tracing subsystem,
// deriving the file exporter path from the project when unset.
func tracingFromConfig(tc config.TracingConfig, project string) tracing.Config {
	out := tracing.Config{
		Enabled:      tc.Enabled,
		Exporter:     tc.Exporter,
		FilePath:     tc.FilePath,
		OTLPEndpoint: tc.OTLPEndpoint,
		SampleRate:   tc.SampleRate,
		ServiceName:  tracing.DefaultServiceName,
	}
	if out.FilePath == "" {
		out.FilePath = paths.NewRoot(project).TracesFile()
	}
	return out
}
