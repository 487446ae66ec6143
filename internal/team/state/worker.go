package state

import (
	"fmt"
	"os"
	"time"

	"github.com/omx-dev/omx/internal/fsatomic"
	"github.com/omx-dev/omx/internal/team/teamerr"
)

// WorkerState is the self-reported status.json state.
type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerWorking WorkerState = "working"
	WorkerBlocked WorkerState = "blocked"
	WorkerDone    WorkerState = "done"
	WorkerFailed  WorkerState = "failed"
	WorkerUnknown WorkerState = "unknown"
)

func validWorkerState(w WorkerState) bool {
	switch w {
	case WorkerIdle, WorkerWorking, WorkerBlocked, WorkerDone, WorkerFailed, WorkerUnknown:
		return true
	}
	return false
}

// WorkerIdentity is workers/<name>/identity.json.
type WorkerIdentity struct {
	Name          string   `json:"name"`
	Index         int      `json:"index"`
	Role          string   `json:"role"`
	AssignedTasks []string `json:"assigned_tasks"`
	PID           int      `json:"pid,omitempty"`
	PaneID        string   `json:"pane_id,omitempty"`
}

// WorkerHeartbeat is workers/<name>/heartbeat.json.
type WorkerHeartbeat struct {
	PID        int       `json:"pid"`
	LastTurnAt time.Time `json:"last_turn_at"`
	TurnCount  int       `json:"turn_count"`
	Alive      bool      `json:"alive"`
}

// WorkerStatus is workers/<name>/status.json.
type WorkerStatus struct {
	State         WorkerState `json:"state"`
	CurrentTaskID string      `json:"current_task_id,omitempty"`
	Reason        string      `json:"reason,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// ShutdownRequest is workers/<name>/shutdown-request.json.
type ShutdownRequest struct {
	RequestedAt time.Time `json:"requested_at"`
	RequestedBy string    `json:"requested_by"`
}

// ShutdownAck is workers/<name>/shutdown-ack.json.
type ShutdownAck struct {
	Status    string    `json:"status"` // accept | reject
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Accepted reports an accepting ack.
func (a *ShutdownAck) Accepted() bool { return a != nil && a.Status == "accept" }

// Rejected reports a rejecting ack.
func (a *ShutdownAck) Rejected() bool { return a != nil && a.Status == "reject" }

// Workers returns the worker names recorded in the team config.
func (s *Store) Workers(team string) ([]string, error) {
	cfg, err := s.ReadConfig(team)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(cfg.Workers))
	for _, w := range cfg.Workers {
		out = append(out, w.Name)
	}
	return out, nil
}

// ReadWorkerIdentity returns identity.json, or worker_not_found when the
// file is missing or malformed.
func (s *Store) ReadWorkerIdentity(team, worker string) (*WorkerIdentity, error) {
	t, err := s.team(team)
	if err != nil {
		return nil, err
	}
	var ident WorkerIdentity
	if err := fsatomic.ReadJSON(t.IdentityFile(worker), &ident); err != nil || ident.Name == "" {
		return nil, teamerr.Newf(teamerr.CatWorkerNotFound, "worker %s", worker)
	}
	return &ident, nil
}

// WriteWorkerIdentity persists identity.json.
func (s *Store) WriteWorkerIdentity(team, worker string, ident *WorkerIdentity) error {
	t, err := s.team(team)
	if err != nil {
		return err
	}
	if ident.AssignedTasks == nil {
		ident.AssignedTasks = []string{}
	}
	return fsatomic.WriteJSON(t.IdentityFile(worker), ident)
}

// ReadHeartbeat returns heartbeat.json; missing or malformed reports a
// zero-value heartbeat with Alive=false.
func (s *Store) ReadHeartbeat(team, worker string) (*WorkerHeartbeat, error) {
	t, err := s.team(team)
	if err != nil {
		return nil, err
	}
	var hb WorkerHeartbeat
	if err := fsatomic.ReadJSON(t.HeartbeatFile(worker), &hb); err != nil {
		return &WorkerHeartbeat{}, nil
	}
	return &hb, nil
}

// WriteHeartbeat persists heartbeat.json.
func (s *Store) WriteHeartbeat(team, worker string, hb *WorkerHeartbeat) error {
	t, err := s.team(team)
	if err != nil {
		return err
	}
	return fsatomic.WriteJSON(t.HeartbeatFile(worker), hb)
}

// RecordTurn bumps the worker heartbeat by one turn, stamping pid and time.
func (s *Store) RecordTurn(team, worker string, pid int) (*WorkerHeartbeat, error) {
	hb, err := s.ReadHeartbeat(team, worker)
	if err != nil {
		return nil, err
	}
	hb.PID = pid
	hb.TurnCount++
	hb.LastTurnAt = s.now().UTC()
	hb.Alive = true
	if err := s.WriteHeartbeat(team, worker, hb); err != nil {
		return nil, err
	}
	return hb, nil
}

// ReadWorkerStatus returns status.json. A missing or malformed file reports
// state unknown stamped at read time.
func (s *Store) ReadWorkerStatus(team, worker string) (*WorkerStatus, error) {
	t, err := s.team(team)
	if err != nil {
		return nil, err
	}
	var st WorkerStatus
	if err := fsatomic.ReadJSON(t.StatusFile(worker), &st); err != nil || !validWorkerState(st.State) {
		return &WorkerStatus{State: WorkerUnknown, UpdatedAt: s.now().UTC()}, nil
	}
	return &st, nil
}

// WriteWorkerStatus persists status.json, stamping updated_at.
func (s *Store) WriteWorkerStatus(team, worker string, st *WorkerStatus) error {
	t, err := s.team(team)
	if err != nil {
		return err
	}
	if !validWorkerState(st.State) {
		return teamerr.Newf(teamerr.CatInvalidStatus, "worker state %q", st.State)
	}
	st.UpdatedAt = s.now().UTC()
	return fsatomic.WriteJSON(t.StatusFile(worker), st)
}

// WriteInbox atomically replaces workers/<worker>/inbox.md.
func (s *Store) WriteInbox(team, worker, markdown string) error {
	t, err := s.team(team)
	if err != nil {
		return err
	}
	return fsatomic.WriteFile(t.InboxFile(worker), []byte(markdown), 0o644)
}

// ReadInbox returns the worker's inbox markdown, empty when absent.
func (s *Store) ReadInbox(team, worker string) (string, error) {
	t, err := s.team(team)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(t.InboxFile(worker)) //nolint:gosec // canonical path
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading inbox: %w", err)
	}
	return string(data), nil
}

// WriteShutdownRequest persists shutdown-request.json.
func (s *Store) WriteShutdownRequest(team, worker string, req *ShutdownRequest) error {
	t, err := s.team(team)
	if err != nil {
		return err
	}
	return fsatomic.WriteJSON(t.ShutdownRequestFile(worker), req)
}

// ReadShutdownRequest returns shutdown-request.json or nil when absent.
func (s *Store) ReadShutdownRequest(team, worker string) (*ShutdownRequest, error) {
	t, err := s.team(team)
	if err != nil {
		return nil, err
	}
	var req ShutdownRequest
	if err := fsatomic.ReadJSON(t.ShutdownRequestFile(worker), &req); err != nil {
		return nil, nil
	}
	return &req, nil
}

// WriteShutdownAck persists shutdown-ack.json.
func (s *Store) WriteShutdownAck(team, worker string, ack *ShutdownAck) error {
	t, err := s.team(team)
	if err != nil {
		return err
	}
	if ack.UpdatedAt.IsZero() {
		ack.UpdatedAt = s.now().UTC()
	}
	return fsatomic.WriteJSON(t.ShutdownAckFile(worker), ack)
}

// ReadShutdownAck returns shutdown-ack.json or nil when absent or malformed.
func (s *Store) ReadShutdownAck(team, worker string) (*ShutdownAck, error) {
	t, err := s.team(team)
	if err != nil {
		return nil, err
	}
	var ack ShutdownAck
	if err := fsatomic.ReadJSON(t.ShutdownAckFile(worker), &ack); err != nil {
		return nil, nil
	}
	return &ack, nil
}
