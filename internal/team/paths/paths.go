// Package paths builds the canonical locations of every file and lock under
// the project state root. All other packages go through these helpers; nothing
// concatenates state paths by hand.
//
// Layout:
//
//	<project>/.omx/
//	  state/
//	    session.json
//	    <mode>-state.json
//	    sessions/<sid>/<mode>-state.json
//	    agents-md.lock/
//	    team/<team>/
//	      config.json
//	      manifest.v2.json
//	      monitor-snapshot.json
//	      summary-snapshot.json
//	      .lock.create-task/
//	      workers/<worker>/{identity,heartbeat,status}.json inbox.md
//	                       shutdown-request.json shutdown-ack.json
//	      tasks/task-<n>.json
//	      claims/task-<n>.lock/
//	      mailbox/<worker>.json mailbox/.lock-<worker>/
//	      events/events.ndjson
//	      approvals/task-<n>.json
package paths

import "path/filepath"

// OmxDirName is the project-local directory holding all omx state.
const OmxDirName = ".omx"

// Root locates well-known paths under one project directory.
type Root struct {
	project string
}

// NewRoot returns a Root anchored at the given project directory.
func NewRoot(project string) Root {
	return Root{project: filepath.Clean(project)}
}

// Project returns the project directory this root is anchored at.
func (r Root) Project() string { return r.project }

// OmxDir returns <project>/.omx.
func (r Root) OmxDir() string { return filepath.Join(r.project, OmxDirName) }

// StateDir returns <project>/.omx/state.
func (r Root) StateDir() string { return filepath.Join(r.OmxDir(), "state") }

// SessionFile returns the leader session descriptor path.
func (r Root) SessionFile() string { return filepath.Join(r.StateDir(), "session.json") }

// HistoryDB returns the session history database path.
func (r Root) HistoryDB() string { return filepath.Join(r.OmxDir(), "history.db") }

// InstructionsFile returns the agent instructions file the runtime overlay
// is applied to.
func (r Root) InstructionsFile() string { return filepath.Join(r.project, "AGENTS.md") }

// NotepadFile returns the freeform notepad whose PRIORITY section feeds the
// runtime overlay.
func (r Root) NotepadFile() string { return filepath.Join(r.OmxDir(), "notepad.md") }

// ProjectMemoryFile returns the project memory summary consumed by the
// runtime overlay.
func (r Root) ProjectMemoryFile() string { return filepath.Join(r.OmxDir(), "project-memory.json") }

// LeaderLockFile returns the flock target serializing leader sessions per
// project.
func (r Root) LeaderLockFile() string { return filepath.Join(r.StateDir(), "leader.lock") }

// DebugLogFile returns the debug log path.
func (r Root) DebugLogFile() string { return filepath.Join(r.OmxDir(), "debug.log") }

// TracesFile returns the span export path used by the file trace exporter.
func (r Root) TracesFile() string { return filepath.Join(r.OmxDir(), "traces.jsonl") }

// ModeStateFile returns the state file for a mode, optionally scoped to a
// session. An empty sessionID selects the global scope.
func (r Root) ModeStateFile(mode, sessionID string) string {
	if sessionID == "" {
		return filepath.Join(r.StateDir(), mode+"-state.json")
	}
	return filepath.Join(r.StateDir(), "sessions", sessionID, mode+"-state.json")
}

// SessionScopeDir returns the per-session state directory.
func (r Root) SessionScopeDir(sessionID string) string {
	return filepath.Join(r.StateDir(), "sessions", sessionID)
}

// OverlayLockDir returns the directory lock guarding instructions-file edits.
func (r Root) OverlayLockDir() string { return filepath.Join(r.StateDir(), "agents-md.lock") }

// TeamsDir returns the parent directory of all team state.
func (r Root) TeamsDir() string { return filepath.Join(r.StateDir(), "team") }

// Team returns the path set for one team. The name must already be valid
// (see the names package); Team does not re-validate.
func (r Root) Team(name string) Team {
	return Team{dir: filepath.Join(r.TeamsDir(), name), name: name}
}

// Team locates files within a single team directory.
type Team struct {
	dir  string
	name string
}

// Name returns the team name.
func (t Team) Name() string { return t.name }

// Dir returns the team directory.
func (t Team) Dir() string { return t.dir }

// ConfigFile returns config.json.
func (t Team) ConfigFile() string { return filepath.Join(t.dir, "config.json") }

// ManifestFile returns manifest.v2.json.
func (t Team) ManifestFile() string { return filepath.Join(t.dir, "manifest.v2.json") }

// MonitorSnapshotFile returns the monitor diff basis.
func (t Team) MonitorSnapshotFile() string { return filepath.Join(t.dir, "monitor-snapshot.json") }

// SummarySnapshotFile returns the summary snapshot.
func (t Team) SummarySnapshotFile() string { return filepath.Join(t.dir, "summary-snapshot.json") }

// CreateTaskLockDir returns the team-level lock serializing task creation.
func (t Team) CreateTaskLockDir() string { return filepath.Join(t.dir, ".lock.create-task") }

// WorkersDir returns the parent of all worker subtrees.
func (t Team) WorkersDir() string { return filepath.Join(t.dir, "workers") }

// WorkerDir returns the subtree owned by one worker.
func (t Team) WorkerDir(worker string) string { return filepath.Join(t.dir, "workers", worker) }

// IdentityFile returns workers/<worker>/identity.json.
func (t Team) IdentityFile(worker string) string {
	return filepath.Join(t.WorkerDir(worker), "identity.json")
}

// HeartbeatFile returns workers/<worker>/heartbeat.json.
func (t Team) HeartbeatFile(worker string) string {
	return filepath.Join(t.WorkerDir(worker), "heartbeat.json")
}

// StatusFile returns workers/<worker>/status.json.
func (t Team) StatusFile(worker string) string {
	return filepath.Join(t.WorkerDir(worker), "status.json")
}

// InboxFile returns workers/<worker>/inbox.md.
func (t Team) InboxFile(worker string) string {
	return filepath.Join(t.WorkerDir(worker), "inbox.md")
}

// ShutdownRequestFile returns workers/<worker>/shutdown-request.json.
func (t Team) ShutdownRequestFile(worker string) string {
	return filepath.Join(t.WorkerDir(worker), "shutdown-request.json")
}

// ShutdownAckFile returns workers/<worker>/shutdown-ack.json.
func (t Team) ShutdownAckFile(worker string) string {
	return filepath.Join(t.WorkerDir(worker), "shutdown-ack.json")
}

// TasksDir returns the task file directory.
func (t Team) TasksDir() string { return filepath.Join(t.dir, "tasks") }

// TaskFile returns tasks/task-<id>.json.
func (t Team) TaskFile(id string) string {
	return filepath.Join(t.TasksDir(), "task-"+id+".json")
}

// ClaimsDir returns the claim lock directory.
func (t Team) ClaimsDir() string { return filepath.Join(t.dir, "claims") }

// ClaimLockDir returns claims/task-<id>.lock.
func (t Team) ClaimLockDir(id string) string {
	return filepath.Join(t.ClaimsDir(), "task-"+id+".lock")
}

// MailboxDir returns the mailbox directory.
func (t Team) MailboxDir() string { return filepath.Join(t.dir, "mailbox") }

// MailboxFile returns mailbox/<worker>.json.
func (t Team) MailboxFile(worker string) string {
	return filepath.Join(t.MailboxDir(), worker+".json")
}

// MailboxLockDir returns mailbox/.lock-<worker>.
func (t Team) MailboxLockDir(worker string) string {
	return filepath.Join(t.MailboxDir(), ".lock-"+worker)
}

// EventsDir returns the event log directory.
func (t Team) EventsDir() string { return filepath.Join(t.dir, "events") }

// EventsFile returns events/events.ndjson.
func (t Team) EventsFile() string { return filepath.Join(t.EventsDir(), "events.ndjson") }

// ApprovalsDir returns the approval record directory.
func (t Team) ApprovalsDir() string { return filepath.Join(t.dir, "approvals") }

// ApprovalFile returns approvals/task-<id>.json.
func (t Team) ApprovalFile(id string) string {
	return filepath.Join(t.ApprovalsDir(), "task-"+id+".json")
}
