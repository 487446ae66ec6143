package state

import (
	"time"

	"github.com/omx-dev/omx/internal/fsatomic"
)

// ApprovalStatus is the review decision state for a task approval record.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// TaskApproval is approvals/task-<id>.json.
type TaskApproval struct {
	TaskID         string         `json:"task_id"`
	Required       bool           `json:"required"`
	Status         ApprovalStatus `json:"status"`
	Reviewer       string         `json:"reviewer,omitempty"`
	DecisionReason string         `json:"decision_reason,omitempty"`
	DecidedAt      *time.Time     `json:"decided_at,omitempty"`
}

// ReadApproval returns the approval record for a task, or nil when absent
// or malformed.
func (s *Store) ReadApproval(team, taskID string) (*TaskApproval, error) {
	t, err := s.team(team)
	if err != nil {
		return nil, err
	}
	var a TaskApproval
	if err := fsatomic.ReadJSON(t.ApprovalFile(taskID), &a); err != nil || a.TaskID == "" {
		return nil, nil
	}
	return &a, nil
}

// WriteApproval persists the approval record, stamping decided_at for
// decided statuses, and appends an approval_decision event.
func (s *Store) WriteApproval(team string, a *TaskApproval) error {
	t, err := s.team(team)
	if err != nil {
		return err
	}
	if a.Status != ApprovalPending && a.DecidedAt == nil {
		now := s.now().UTC()
		a.DecidedAt = &now
	}
	if err := fsatomic.WriteJSON(t.ApprovalFile(a.TaskID), a); err != nil {
		return err
	}
	if a.Status != ApprovalPending {
		_, err = s.AppendEvent(team, TeamEvent{
			Type:   EventApprovalDecision,
			Worker: a.Reviewer,
			TaskID: a.TaskID,
			Reason: string(a.Status),
		})
	}
	return err
}
