package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/omx-dev/omx/internal/team/state"
	"github.com/omx-dev/omx/internal/team/task"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and drive tasks on a team's board",
}

var (
	taskDescription string
	taskDependsOn   []string
	taskCodeChange  bool
	taskBlocked     bool

	taskStatusFilter string

	claimWorker  string
	claimVersion int

	releaseToken  string
	releaseWorker string

	completeToken  string
	completeResult string
)

var taskAddCmd = &cobra.Command{
	Use:   "add <team> <subject>",
	Short: "Create a task",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list <team>",
	Short: "List the team's tasks",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskList,
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim <team> <id>",
	Short: "Claim a task for a worker",
	Long: `Claim a pending task for a worker. The claim carries a lease; the
printed token authorizes release and completion. Claiming fails when a
dependency is unresolved or another worker holds a live claim.`,
	Args: cobra.ExactArgs(2),
	RunE: runTaskClaim,
}

var taskReleaseCmd = &cobra.Command{
	Use:   "release <team> <id>",
	Short: "Release a claimed task back to pending",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskRelease,
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete <team> <id>",
	Short: "Mark a claimed task completed",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskComplete,
}

func init() {
	rootCmd.AddCommand(taskCmd)
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskClaimCmd, taskReleaseCmd, taskCompleteCmd)

	taskAddCmd.Flags().StringVarP(&taskDescription, "description", "d", "",
		"longer task body shown to the claiming worker")
	taskAddCmd.Flags().StringArrayVar(&taskDependsOn, "depends-on", nil,
		"task id that must complete first (repeatable)")
	taskAddCmd.Flags().BoolVar(&taskCodeChange, "requires-code-change", false,
		"mark the task as one that edits the tree")
	taskAddCmd.Flags().BoolVar(&taskBlocked, "blocked", false,
		"create the task in blocked status")

	taskListCmd.Flags().StringVar(&taskStatusFilter, "status", "",
		"only show tasks with this status")

	taskClaimCmd.Flags().StringVar(&claimWorker, "worker", "",
		"worker taking the task")
	taskClaimCmd.Flags().IntVar(&claimVersion, "version", 0,
		"expected task version (0 skips the check)")
	_ = taskClaimCmd.MarkFlagRequired("worker")

	taskReleaseCmd.Flags().StringVar(&releaseToken, "token", "",
		"claim token returned by claim")
	taskReleaseCmd.Flags().StringVar(&releaseWorker, "worker", "",
		"worker releasing the task")
	_ = taskReleaseCmd.MarkFlagRequired("token")
	_ = taskReleaseCmd.MarkFlagRequired("worker")

	taskCompleteCmd.Flags().StringVar(&completeToken, "token", "",
		"claim token returned by claim")
	taskCompleteCmd.Flags().StringVar(&completeResult, "result", "",
		"result text stored on the task")
	_ = taskCompleteCmd.MarkFlagRequired("token")
}

// taskEngine builds the engine with the configured claim lease.
func taskEngine(store *state.Store) *task.Engine {
	var opts []task.Option
	if cfg.Team.ClaimLease > 0 {
		opts = append(opts, task.WithLease(cfg.Team.ClaimLease))
	}
	return task.NewEngine(store, opts...)
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	store := state.NewStore(projectDir)

	seed := state.TaskSeed{
		Subject:            args[1],
		Description:        taskDescription,
		DependsOn:          taskDependsOn,
		RequiresCodeChange: taskCodeChange,
	}
	if taskBlocked {
		seed.Status = state.TaskBlocked
	}

	t, err := store.CreateTask(cmd.Context(), args[0], seed)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s: %s\n", t.ID, t.Subject)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	store := state.NewStore(projectDir)
	return listTasks(cmd.OutOrStdout(), store, args[0], taskStatusFilter)
}

// listTasks prints the board, optionally restricted to one status.
func listTasks(w io.Writer, store *state.Store, team, statusFilter string) error {
	if statusFilter != "" && !state.ValidTaskStatus(state.TaskStatus(statusFilter)) {
		return fmt.Errorf("unknown status %q", statusFilter)
	}

	tasks, err := store.ListTasks(team)
	if err != nil {
		return err
	}

	shown := 0
	for _, t := range tasks {
		if statusFilter != "" && string(t.Status) != statusFilter {
			continue
		}
		fmt.Fprintln(w, formatTask(t))
		shown++
	}
	if shown == 0 {
		fmt.Fprintln(w, "No tasks")
	}
	return nil
}

// formatTask renders one board line: id, status, subject, then owner and
// dependencies when set.
func formatTask(t *state.Task) string {
	line := fmt.Sprintf("%-9s %-12s %s", t.ID, t.Status, t.Subject)
	if t.Owner != "" {
		line += "  owner=" + t.Owner
	}
	if len(t.DependsOn) > 0 {
		line += "  depends=" + strings.Join(t.DependsOn, ",")
	}
	return line
}

func runTaskClaim(cmd *cobra.Command, args []string) error {
	engine := taskEngine(state.NewStore(projectDir))

	res, err := engine.Claim(cmd.Context(), args[0], args[1], claimWorker, claimVersion)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Claimed %s for %s (version %d)\n", res.Task.ID, claimWorker, res.Task.Version)
	fmt.Fprintf(out, "  token: %s\n", res.Token)
	if res.Task.Claim != nil {
		fmt.Fprintf(out, "  leased until: %s\n", res.Task.Claim.LeasedUntil.Format("15:04:05"))
	}
	return nil
}

func runTaskRelease(cmd *cobra.Command, args []string) error {
	engine := taskEngine(state.NewStore(projectDir))

	t, err := engine.Release(cmd.Context(), args[0], args[1], releaseToken, releaseWorker)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Released %s back to %s\n", t.ID, t.Status)
	return nil
}

func runTaskComplete(cmd *cobra.Command, args []string) error {
	engine := taskEngine(state.NewStore(projectDir))

	t, err := engine.Transition(cmd.Context(), args[0], args[1],
		state.TaskInProgress, state.TaskCompleted, completeToken,
		task.TransitionOpts{Result: completeResult})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Completed %s\n", t.ID)
	return nil
}
