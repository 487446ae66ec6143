package cmd

import (
	"fmt"
	"io"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/omx-dev/omx/internal/team"
	"github.com/omx-dev/omx/internal/team/bootstrap"
	"github.com/omx-dev/omx/internal/team/runtimeenv"
	"github.com/omx-dev/omx/internal/team/shutdown"
	"github.com/omx-dev/omx/internal/team/state"
	"github.com/omx-dev/omx/internal/tmux"
)

var teamCmd = &cobra.Command{
	Use:   "team",
	Short: "Start, monitor, and tear down agent teams",
}

var (
	teamTask          string
	teamAgent         string
	teamWorkers       int
	teamMaxWorkers    int
	teamWorkerCommand string
	teamInitialTasks  []string
	teamDisplay       string

	shutdownForce bool
	shutdownBy    string

	monitorInterval time.Duration
	monitorOnce     bool
)

var teamStartCmd = &cobra.Command{
	Use:   "start <name>",
	Short: "Create a team and bootstrap its workers",
	Long: `Create a team: materialize its state directory, split one tmux pane
per worker, and dispatch each worker's bootstrap inbox. The command must
run inside a tmux session; a failed start rolls the whole team back.`,
	Args: cobra.ExactArgs(1),
	RunE: runTeamStart,
}

var teamShutdownCmd = &cobra.Command{
	Use:   "shutdown <name>",
	Short: "Run the teardown protocol against a team",
	Long: `Request shutdown from every worker, wait for acknowledgements, then
close surviving panes and remove the team state. A rejection stops the
teardown unless --force is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runTeamShutdown,
}

var teamMonitorCmd = &cobra.Command{
	Use:   "monitor <name>",
	Short: "Watch worker liveness and retry stuck mail",
	Long: `Run monitor passes against a team: observe pane liveness and worker
status, re-nudge mailboxes with stale undelivered messages, and print a
summary after each pass. Runs until interrupted unless --once is given.`,
	Args: cobra.ExactArgs(1),
	RunE: runTeamMonitor,
}

var teamStatusCmd = &cobra.Command{
	Use:   "status [name]",
	Short: "Show a team's manifest and last monitor summary",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runTeamStatus,
}

func init() {
	rootCmd.AddCommand(teamCmd)
	teamCmd.AddCommand(teamStartCmd, teamShutdownCmd, teamMonitorCmd, teamStatusCmd)

	teamStartCmd.Flags().StringVarP(&teamTask, "task", "t", "",
		"mission statement recorded in the team config")
	teamStartCmd.Flags().StringVar(&teamAgent, "agent", "",
		"agent CLI run in each worker pane (default: plain shell)")
	teamStartCmd.Flags().IntVarP(&teamWorkers, "workers", "w", 0,
		"worker pane count (default from config)")
	teamStartCmd.Flags().IntVar(&teamMaxWorkers, "max-workers", 0,
		"growth ceiling for later spawns (default from config)")
	teamStartCmd.Flags().StringVar(&teamWorkerCommand, "worker-command", "",
		"command run in worker panes instead of the agent CLI")
	teamStartCmd.Flags().StringArrayVar(&teamInitialTasks, "initial-task", nil,
		"task subject created before workers spawn (repeatable)")
	teamStartCmd.Flags().StringVar(&teamDisplay, "display", "",
		"display mode recorded in the manifest policy")

	teamShutdownCmd.Flags().BoolVar(&shutdownForce, "force", false,
		"proceed past worker rejections")
	teamShutdownCmd.Flags().StringVar(&shutdownBy, "requested-by", "",
		"requester recorded in shutdown requests (default: leader)")

	teamMonitorCmd.Flags().DurationVar(&monitorInterval, "interval", 15*time.Second,
		"delay between monitor passes")
	teamMonitorCmd.Flags().BoolVar(&monitorOnce, "once", false,
		"run a single pass and exit")
}

// newOrchestrator wires the store, multiplexer, and bootstrapper for
// leader-side team operations.
func newOrchestrator(project string, env runtimeenv.Env) *team.Orchestrator {
	store := state.NewStore(project)
	mux := tmux.NewExecAdapter()
	boot := bootstrap.New(store, mux, env)
	return team.New(store, mux, env, boot)
}

// startCounts resolves worker counts: flags win, then config defaults.
func startCounts(flagWorkers, flagMax int) (workers, maxWorkers int) {
	workers = flagWorkers
	if workers <= 0 {
		workers = cfg.Team.DefaultWorkers
	}
	maxWorkers = flagMax
	if maxWorkers <= 0 {
		maxWorkers = cfg.Team.MaxWorkers
	}
	return workers, maxWorkers
}

func runTeamStart(cmd *cobra.Command, args []string) error {
	orch := newOrchestrator(projectDir, teamEnv())
	workers, maxWorkers := startCounts(teamWorkers, teamMaxWorkers)

	params := team.StartParams{
		Name:          args[0],
		Task:          teamTask,
		AgentType:     teamAgent,
		WorkerCount:   workers,
		MaxWorkers:    maxWorkers,
		WorkerCommand: teamWorkerCommand,
	}
	for _, subject := range teamInitialTasks {
		params.InitialTasks = append(params.InitialTasks, state.TaskSeed{Subject: subject})
	}
	if teamDisplay != "" {
		params.Policy = &state.TeamPolicy{
			DisplayMode:                       teamDisplay,
			OneTeamPerLeaderSession:           true,
			CleanupRequiresAllWorkersInactive: true,
		}
	}

	res, err := orch.Start(cmd.Context(), params)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	m := res.Manifest
	fmt.Fprintf(out, "Team %s started: %d worker(s) in session %s\n", m.Name, m.WorkerCount, m.TmuxSession)
	for _, w := range m.Workers {
		fmt.Fprintf(out, "  %s  pane %s\n", w.Name, w.PaneID)
	}
	if len(params.InitialTasks) > 0 {
		fmt.Fprintf(out, "  %d initial task(s) created\n", len(params.InitialTasks))
	}
	return nil
}

func runTeamShutdown(cmd *cobra.Command, args []string) error {
	orch := newOrchestrator(projectDir, teamEnv())

	res, err := orch.Shutdown(cmd.Context(), args[0], shutdown.Options{
		Force:       shutdownForce,
		RequestedBy: shutdownBy,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Team %s shut down\n", args[0])
	for _, worker := range sortedAckWorkers(res.Acks) {
		fmt.Fprintf(out, "  %s: %s\n", worker, res.Acks[worker].Status)
	}
	if len(res.KilledPanes) > 0 {
		fmt.Fprintf(out, "  killed panes: %s\n", strings.Join(res.KilledPanes, ", "))
	}
	if res.SessionDestroyed {
		fmt.Fprintln(out, "  tmux session destroyed")
	}
	if res.StateRemoved {
		fmt.Fprintln(out, "  state removed")
	}
	return nil
}

func sortedAckWorkers(acks map[string]*state.ShutdownAck) []string {
	workers := make([]string, 0, len(acks))
	for w, ack := range acks {
		if ack != nil {
			workers = append(workers, w)
		}
	}
	sort.Strings(workers)
	return workers
}

func runTeamMonitor(cmd *cobra.Command, args []string) error {
	orch := newOrchestrator(projectDir, teamEnv())

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	for {
		summary, err := orch.MonitorCycle(ctx, args[0])
		if err != nil {
			return err
		}
		printSummary(cmd.OutOrStdout(), summary)

		if monitorOnce || monitorInterval <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(monitorInterval):
		}
	}
}

func runTeamStatus(cmd *cobra.Command, args []string) error {
	store := state.NewStore(projectDir)
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		return statusList(out, store)
	}
	return statusTeam(out, store, args[0])
}

// statusList prints one line per team on this project.
func statusList(w io.Writer, store *state.Store) error {
	teams, err := store.ListTeams()
	if err != nil {
		return err
	}
	if len(teams) == 0 {
		fmt.Fprintln(w, "No teams")
		return nil
	}
	for _, name := range teams {
		m, err := store.ReadManifest(name)
		if err != nil {
			fmt.Fprintf(w, "%s  (unreadable: %v)\n", name, err)
			continue
		}
		fmt.Fprintf(w, "%s  %d worker(s)  session %s\n", m.Name, m.WorkerCount, m.TmuxSession)
	}
	return nil
}

// statusTeam prints the manifest header and, when one exists, the last
// persisted monitor summary.
func statusTeam(w io.Writer, store *state.Store, name string) error {
	m, err := store.ReadManifest(name)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Team %s\n", m.Name)
	if m.Task != "" {
		fmt.Fprintf(w, "  task: %s\n", m.Task)
	}
	agent := m.AgentType
	if agent == "" {
		agent = "shell"
	}
	fmt.Fprintf(w, "  agent: %s  workers: %d/%d  session: %s\n", agent, m.WorkerCount, m.MaxWorkers, m.TmuxSession)
	fmt.Fprintf(w, "  leader session: %s\n", m.Leader.SessionID)
	fmt.Fprintf(w, "  created: %s\n", m.CreatedAt.Format(time.RFC3339))

	if summary, err := store.ReadSummarySnapshot(name); err == nil && summary != nil {
		printSummary(w, summary)
	}
	return nil
}

// printSummary renders one monitor pass in plain text.
func printSummary(w io.Writer, s *state.TeamSummary) {
	c := s.TaskCounts
	fmt.Fprintf(w, "[%s] %s tasks: %d pending, %d blocked, %d in progress, %d completed, %d failed\n",
		s.GeneratedAt.Format("15:04:05"), s.Team,
		c.Pending, c.Blocked, c.InProgress, c.Completed, c.Failed)
	for _, row := range s.Workers {
		st := string(row.State)
		if !row.Alive {
			st = "dead"
		}
		line := fmt.Sprintf("  %-14s %-9s turns=%d", row.Name, st, row.TurnCount)
		if row.CurrentTaskID != "" {
			line += "  task=" + row.CurrentTaskID
		}
		fmt.Fprintln(w, line)
	}
	if s.AllTasksTerminal {
		fmt.Fprintln(w, "  all tasks terminal")
	}
	for _, r := range s.Recommendations {
		fmt.Fprintf(w, "  ! %s\n", r)
	}
}
