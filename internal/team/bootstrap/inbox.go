package bootstrap

import (
	"fmt"
	"strings"

	"github.com/omx-dev/omx/internal/team/state"
)

// BootstrapInbox generates the first inbox a worker reads: its identity,
// the team mission, and the file-based coordination protocol it must follow
// on every turn.
func BootstrapInbox(team, worker string, cfg *state.TeamConfig) string {
	mission := "(none recorded)"
	if cfg != nil && strings.TrimSpace(cfg.Task) != "" {
		mission = cfg.Task
	}
	return fmt.Sprintf(`[TEAM BOOTSTRAP]

You are **%s**, a worker on team **%s**.

**Team mission:** %s

## Protocol

Follow this on every turn, in order:

1. **Heartbeat first.** Call team_heartbeat_record so the monitor knows you
   are alive. A worker with no heartbeat is treated as dead.
2. **Keep status honest.** Use team_worker_status_write with one of
   idle | working | blocked | done | failed, plus the task id while working.
3. **Drain your mailbox.** Call team_mailbox_list, act on anything pending,
   and stamp each handled message with team_mark_delivered.
4. **Claim before you work.** Take a task with team_task_claim and keep the
   claim token; report the outcome with team_task_update (completed with a
   result summary, or failed with a reason). Never touch an unclaimed task.
5. **Escalate through the mailbox.** Message the leader with team_send when
   you are blocked or finished, instead of going silent.
6. **Honor shutdown.** When a shutdown request lands in this inbox, finish
   or release your current step and acknowledge with team_shutdown_ack_write.

New instructions arrive by replacing this file; a short trigger message in
your pane tells you when to re-read it.`, worker, team, mission)
}

// TaskInbox generates the inbox for a task assignment.
func TaskInbox(worker string, t *state.Task) string {
	desc := strings.TrimSpace(t.Description)
	if desc == "" {
		desc = "(no description; the subject is the whole task)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, `[TASK ASSIGNMENT]

**Task ID:** %s
**Subject:** %s

## Description

%s
`, t.ID, t.Subject, desc)

	if len(t.DependsOn) > 0 {
		fmt.Fprintf(&b, "\nDependencies %s are completed; their results may be relevant.\n",
			strings.Join(t.DependsOn, ", "))
	}

	fmt.Fprintf(&b, `
## Workflow

1. Set your status to working on task %s (team_worker_status_write).
2. Do the work. Record a heartbeat each turn while it runs.
3. Report the outcome with team_task_update: completed with a short result
   summary, or failed with the reason.
4. Send the leader a one-line summary with team_send, then set your status
   back to idle.

This task is already claimed for you, %s; do not claim it again.`, t.ID, worker)

	return b.String()
}

// CancelledInbox replaces a worker's inbox after an assignment rollback.
func CancelledInbox(taskID, reason string) string {
	clause := ""
	if strings.TrimSpace(reason) != "" {
		clause = fmt.Sprintf(" (%s)", reason)
	}
	return fmt.Sprintf(`[ASSIGNMENT CANCELLED]

The assignment of task **%s** was rolled back before dispatch completed%s.
The claim has been released.

Disregard any earlier instructions in this file about task %s. Set your
status to idle and wait for the next assignment.`, taskID, clause, taskID)
}

// ShutdownInbox generates the shutdown request inbox.
func ShutdownInbox(team, worker, requestedBy string) string {
	if requestedBy == "" {
		requestedBy = "the leader"
	}
	return fmt.Sprintf(`[SHUTDOWN REQUEST]

**Team:** %s
**Requested by:** %s

The team is shutting down. Wind down safely:

1. If you hold a task claim, either finish it with team_task_update or
   return it with team_task_release. Do not leave a claim dangling.
2. Acknowledge with team_shutdown_ack_write: status accept when you can
   stop, or reject with a reason if stopping now would lose work.
3. Start nothing new after acknowledging. Your pane will be closed once
   every worker has answered.

An unacknowledged request counts as accepted only when the shutdown is
forced; otherwise the leader waits for your answer, %s.`, team, requestedBy, worker)
}
