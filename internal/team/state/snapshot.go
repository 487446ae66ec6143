package state

import (
	"time"

	"github.com/omx-dev/omx/internal/fsatomic"
)

// MonitorSnapshot is the monitor's diff basis, rewritten every cycle.
// Field names match the snapshot file's historical camelCase keys.
type MonitorSnapshot struct {
	TaskStatusByID             map[string]TaskStatus  `json:"taskStatusById"`
	WorkerAliveByName          map[string]bool        `json:"workerAliveByName"`
	WorkerStateByName          map[string]WorkerState `json:"workerStateByName"`
	WorkerTurnCountByName      map[string]int         `json:"workerTurnCountByName"`
	WorkerTaskIDByName         map[string]string      `json:"workerTaskIdByName"`
	MailboxNotifiedByMessageID map[string]time.Time   `json:"mailboxNotifiedByMessageId"`
}

// NewMonitorSnapshot returns a snapshot with all maps allocated.
func NewMonitorSnapshot() *MonitorSnapshot {
	return &MonitorSnapshot{
		TaskStatusByID:             map[string]TaskStatus{},
		WorkerAliveByName:          map[string]bool{},
		WorkerStateByName:          map[string]WorkerState{},
		WorkerTurnCountByName:      map[string]int{},
		WorkerTaskIDByName:         map[string]string{},
		MailboxNotifiedByMessageID: map[string]time.Time{},
	}
}

// ReadMonitorSnapshot returns the previous snapshot, or an empty one when
// the file is missing or malformed (first cycle).
func (s *Store) ReadMonitorSnapshot(team string) (*MonitorSnapshot, error) {
	t, err := s.team(team)
	if err != nil {
		return nil, err
	}
	var snap MonitorSnapshot
	if err := fsatomic.ReadJSON(t.MonitorSnapshotFile(), &snap); err != nil {
		return NewMonitorSnapshot(), nil
	}
	if snap.TaskStatusByID == nil {
		snap.TaskStatusByID = map[string]TaskStatus{}
	}
	if snap.WorkerAliveByName == nil {
		snap.WorkerAliveByName = map[string]bool{}
	}
	if snap.WorkerStateByName == nil {
		snap.WorkerStateByName = map[string]WorkerState{}
	}
	if snap.WorkerTurnCountByName == nil {
		snap.WorkerTurnCountByName = map[string]int{}
	}
	if snap.WorkerTaskIDByName == nil {
		snap.WorkerTaskIDByName = map[string]string{}
	}
	if snap.MailboxNotifiedByMessageID == nil {
		snap.MailboxNotifiedByMessageID = map[string]time.Time{}
	}
	return &snap, nil
}

// WriteMonitorSnapshot persists the diff basis for the next cycle.
func (s *Store) WriteMonitorSnapshot(team string, snap *MonitorSnapshot) error {
	t, err := s.team(team)
	if err != nil {
		return err
	}
	return fsatomic.WriteJSON(t.MonitorSnapshotFile(), snap)
}

// WorkerRow is one worker's line in the team summary.
type WorkerRow struct {
	Name                 string       `json:"name"`
	Alive                bool         `json:"alive"`
	State                WorkerState  `json:"state"`
	CurrentTaskID        string       `json:"current_task_id,omitempty"`
	Reason               string       `json:"reason,omitempty"`
	TurnCount            int          `json:"turn_count"`
	LastTurnAt           time.Time    `json:"last_turn_at"`
	AssignedTasks        []string     `json:"assigned_tasks"`
	TurnsWithoutProgress int          `json:"turns_without_progress"`
}

// TaskCounts aggregates tasks by status.
type TaskCounts struct {
	Pending    int `json:"pending"`
	Blocked    int `json:"blocked"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Total      int `json:"total"`
}

// TeamSummary is the monitor's returned snapshot, also persisted as
// summary-snapshot.json each cycle.
type TeamSummary struct {
	Team                string      `json:"team"`
	GeneratedAt         time.Time   `json:"generated_at"`
	TaskCounts          TaskCounts  `json:"task_counts"`
	Workers             []WorkerRow `json:"workers"`
	AllTasksTerminal    bool        `json:"all_tasks_terminal"`
	DeadWorkers         []string    `json:"dead_workers,omitempty"`
	NonReportingWorkers []string    `json:"non_reporting_workers,omitempty"`
	Recommendations     []string    `json:"recommendations,omitempty"`
}

// WriteSummarySnapshot persists summary-snapshot.json.
func (s *Store) WriteSummarySnapshot(team string, summary *TeamSummary) error {
	t, err := s.team(team)
	if err != nil {
		return err
	}
	return fsatomic.WriteJSON(t.SummarySnapshotFile(), summary)
}

// ReadSummarySnapshot returns the last persisted summary, or nil when the
// file is missing or malformed.
func (s *Store) ReadSummarySnapshot(team string) (*TeamSummary, error) {
	t, err := s.team(team)
	if err != nil {
		return nil, err
	}
	var summary TeamSummary
	if err := fsatomic.ReadJSON(t.SummarySnapshotFile(), &summary); err != nil {
		return nil, nil
	}
	return &summary, nil
}
