package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/omx-dev/omx/internal/fsatomic"
	"github.com/omx-dev/omx/internal/log"
	"github.com/omx-dev/omx/internal/team/teamerr"
)

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskBlocked    TaskStatus = "blocked"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// ValidTaskStatus reports whether s is a member of the closed status set.
func ValidTaskStatus(s TaskStatus) bool {
	switch s {
	case TaskPending, TaskBlocked, TaskInProgress, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Terminal reports whether the status ends the task's lifecycle.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Claim records exclusive task ownership with a lease.
type Claim struct {
	Owner       string    `json:"owner"`
	Token       string    `json:"token"`
	LeasedUntil time.Time `json:"leased_until"`
}

// Expired reports whether the lease has elapsed at the given time.
func (c *Claim) Expired(now time.Time) bool {
	return c != nil && now.After(c.LeasedUntil)
}

// Task is tasks/task-<id>.json.
type Task struct {
	ID                 string     `json:"id"`
	Subject            string     `json:"subject"`
	Description        string     `json:"description,omitempty"`
	Status             TaskStatus `json:"status"`
	RequiresCodeChange bool       `json:"requires_code_change,omitempty"`
	Owner              string     `json:"owner,omitempty"`
	Result             string     `json:"result,omitempty"`
	Error              string     `json:"error,omitempty"`
	DependsOn          []string   `json:"depends_on,omitempty"`
	Version            int        `json:"version"`
	Claim              *Claim     `json:"claim,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// UnmarshalJSON accepts blocked_by as a read alias for depends_on.
func (t *Task) UnmarshalJSON(data []byte) error {
	type alias Task
	aux := struct {
		*alias
		BlockedBy []string `json:"blocked_by"`
	}{alias: (*alias)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(t.DependsOn) == 0 && len(aux.BlockedBy) > 0 {
		t.DependsOn = aux.BlockedBy
	}
	return nil
}

func validTask(t *Task) bool {
	return t != nil && t.ID != "" && ValidTaskStatus(t.Status)
}

var taskFileRe = regexp.MustCompile(`^task-([1-9][0-9]*)\.json$`)

// ReadTask returns the task, or task_not_found for a missing or malformed
// file.
func (s *Store) ReadTask(team, id string) (*Task, error) {
	t, err := s.team(team)
	if err != nil {
		return nil, err
	}
	var task Task
	if err := fsatomic.ReadJSON(t.TaskFile(id), &task); err != nil || !validTask(&task) {
		return nil, teamerr.Newf(teamerr.CatTaskNotFound, "task %s", id)
	}
	return &task, nil
}

// ListTasks enumerates task files sorted by numeric id ascending. Malformed
// files are skipped.
func (s *Store) ListTasks(team string) ([]*Task, error) {
	t, err := s.team(team)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(t.TasksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing tasks: %w", err)
	}

	type numbered struct {
		n    int
		task *Task
	}
	var found []numbered
	for _, e := range entries {
		m := taskFileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		var task Task
		if err := fsatomic.ReadJSON(t.TaskFile(m[1]), &task); err != nil || !validTask(&task) {
			continue
		}
		found = append(found, numbered{n: n, task: &task})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })

	out := make([]*Task, 0, len(found))
	for _, f := range found {
		out = append(out, f.task)
	}
	return out, nil
}

// maxTaskIDOnDisk scans the tasks directory for the highest numeric id.
func (s *Store) maxTaskIDOnDisk(team string) (int, error) {
	t, err := s.team(team)
	if err != nil {
		return 0, err
	}
	entries, err := os.ReadDir(t.TasksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	maxID := 0
	for _, e := range entries {
		if m := taskFileRe.FindStringSubmatch(e.Name()); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > maxID {
				maxID = n
			}
		}
	}
	return maxID, nil
}

// TaskSeed is the caller-supplied part of a new task.
type TaskSeed struct {
	Subject            string
	Description        string
	DependsOn          []string
	RequiresCodeChange bool
	Status             TaskStatus // defaults to pending; only pending or blocked accepted
}

// CreateTask creates a task under the team creation lock. The id is
// max(config.next_task_id, highest-on-disk+1); the counter advances only
// after the task file is durably written, and a missing counter (legacy
// config) is recomputed from disk.
func (s *Store) CreateTask(ctx context.Context, team string, seed TaskSeed) (*Task, error) {
	t, err := s.team(team)
	if err != nil {
		return nil, err
	}

	status := seed.Status
	if status == "" {
		status = TaskPending
	}
	if status != TaskPending && status != TaskBlocked {
		return nil, teamerr.Newf(teamerr.CatInvalidStatus, "new task status %q", status)
	}

	var created *Task
	err = s.withCreateTaskLock(ctx, t, func() error {
		cfg, err := s.ReadConfig(team)
		if err != nil {
			return err
		}
		maxOnDisk, err := s.maxTaskIDOnDisk(team)
		if err != nil {
			return err
		}
		next := cfg.NextTaskID
		if next < 1 {
			next = maxOnDisk + 1
		}
		if maxOnDisk+1 > next {
			next = maxOnDisk + 1
		}

		id := strconv.Itoa(next)
		task := Task{
			ID:                 id,
			Subject:            seed.Subject,
			Description:        seed.Description,
			Status:             status,
			RequiresCodeChange: seed.RequiresCodeChange,
			DependsOn:          canonicalDeps(seed.DependsOn),
			Version:            1,
			CreatedAt:          s.now().UTC(),
		}
		if err := fsatomic.WriteJSON(t.TaskFile(id), &task); err != nil {
			return fmt.Errorf("writing task: %w", err)
		}

		cfg.NextTaskID = next + 1
		if err := s.WriteConfig(team, cfg); err != nil {
			return fmt.Errorf("advancing task counter: %w", err)
		}
		created = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Debug(log.CatTask, "task created", "team", team, "task", created.ID, "status", created.Status)
	return created, nil
}

// TaskPatch is a partial update applied by UpdateTask. Nil fields are left
// unchanged; DependsOn replaces when non-nil.
type TaskPatch struct {
	Subject            *string
	Description        *string
	Status             *TaskStatus
	Owner              *string
	Result             *string
	Error              *string
	RequiresCodeChange *bool
	DependsOn          []string
	Claim              *Claim
	ClearClaim         bool
	CompletedAt        *time.Time
}

// UpdateTask applies a patch under the per-task claim lock. The id and
// created_at fields are preserved, statuses outside the closed set are
// rejected, and version increments by exactly one.
func (s *Store) UpdateTask(ctx context.Context, team, id string, patch TaskPatch) (*Task, error) {
	if patch.Status != nil && !ValidTaskStatus(*patch.Status) {
		return nil, teamerr.Newf(teamerr.CatInvalidStatus, "status %q", *patch.Status)
	}
	return s.MutateTask(ctx, team, id, func(task *Task) error {
		applyPatch(task, patch)
		return nil
	})
}

// ErrNoChange, returned from a MutateTask callback, skips the write while
// reporting success. The task keeps its current version.
var ErrNoChange = errors.New("no change")

// MutateTask re-reads the task under its claim lock, runs fn on it, bumps
// the version, and writes it back. fn returning an error aborts the write;
// ErrNoChange aborts it while still returning the task successfully.
func (s *Store) MutateTask(ctx context.Context, team, id string, fn func(*Task) error) (*Task, error) {
	t, err := s.team(team)
	if err != nil {
		return nil, err
	}

	var out *Task
	err = s.withClaimLock(ctx, t, id, func() error {
		task, err := s.ReadTask(team, id)
		if err != nil {
			return err
		}
		keepID, keepCreated := task.ID, task.CreatedAt
		if err := fn(task); err != nil {
			if errors.Is(err, ErrNoChange) {
				out = task
				return nil
			}
			return err
		}
		task.ID, task.CreatedAt = keepID, keepCreated
		task.Version++
		if err := fsatomic.WriteJSON(t.TaskFile(id), task); err != nil {
			return fmt.Errorf("writing task: %w", err)
		}
		out = task
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func applyPatch(task *Task, patch TaskPatch) {
	if patch.Subject != nil {
		task.Subject = *patch.Subject
	}
	if patch.Description != nil {
		task.Description = *patch.Description
	}
	if patch.Status != nil {
		task.Status = *patch.Status
	}
	if patch.Owner != nil {
		task.Owner = *patch.Owner
	}
	if patch.Result != nil {
		task.Result = *patch.Result
	}
	if patch.Error != nil {
		task.Error = *patch.Error
	}
	if patch.RequiresCodeChange != nil {
		task.RequiresCodeChange = *patch.RequiresCodeChange
	}
	if patch.DependsOn != nil {
		task.DependsOn = canonicalDeps(patch.DependsOn)
	}
	if patch.ClearClaim {
		task.Claim = nil
	} else if patch.Claim != nil {
		task.Claim = patch.Claim
	}
	if patch.CompletedAt != nil {
		task.CompletedAt = patch.CompletedAt
	}
}

// canonicalDeps normalizes a dependency list: trimmed ids, duplicates
// removed, numeric order preserved by first appearance.
func canonicalDeps(deps []string) []string {
	if deps == nil {
		return nil
	}
	seen := make(map[string]bool, len(deps))
	out := make([]string, 0, len(deps))
	for _, d := range deps {
		if d == "" || seen[d] {
			continue
		}
		seen[d] = true
		out = append(out, d)
	}
	return out
}
