// Package teamerr defines the typed error categories surfaced by team state
// operations. Categories are stable strings: they cross the tool surface as-is
// and callers dispatch on them rather than on error text.
package teamerr

import (
	"errors"
	"fmt"
	"strings"
)

// Category tags an error with its wire-stable classification.
type Category string

const (
	CatInvalidTeamName      Category = "invalid_team_name"
	CatInvalidStatus        Category = "invalid_status"
	CatInvalidTransition    Category = "invalid_transition"
	CatTaskNotFound         Category = "task_not_found"
	CatTeamNotFound         Category = "team_not_found"
	CatWorkerNotFound       Category = "worker_not_found"
	CatClaimConflict        Category = "claim_conflict"
	CatBlockedDependency    Category = "blocked_dependency"
	CatWorkerNotifyFailed   Category = "worker_notify_failed"
	CatAssignmentFailed     Category = "worker_assignment_failed"
	CatPlanApprovalRequired Category = "plan_approval_required"
	CatDelegationViolation  Category = "delegation_only_violation"
	CatShutdownRejected     Category = "shutdown_rejected"
	CatNestedTeam           Category = "nested_team_disallowed"
	CatLeaderConflict       Category = "leader_session_conflict"
	CatLockTimeout          Category = "lock_timeout"
	CatSubmitFailed         Category = "submit_failed"
)

// Error is a categorized team error. Detail is human-readable context that is
// appended after the category on the wire (colon-separated for composite
// categories like worker_assignment_failed:<reason>).
type Error struct {
	Category Category
	Detail   string
	Err      error

	// Dependencies carries the unready dependency ids for
	// blocked_dependency errors.
	Dependencies []string
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Category))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Dependencies) > 0 {
		fmt.Fprintf(&b, " (depends on %s)", strings.Join(e.Dependencies, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports category equality so errors.Is(err, teamerr.New(cat, "")) works
// across wrapped chains.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Category == te.Category
	}
	return false
}

// New builds an error for the given category.
func New(cat Category, detail string) *Error {
	return &Error{Category: cat, Detail: detail}
}

// Newf builds an error with a formatted detail.
func Newf(cat Category, format string, args ...any) *Error {
	return &Error{Category: cat, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a category to an underlying error.
func Wrap(cat Category, detail string, err error) *Error {
	return &Error{Category: cat, Detail: detail, Err: err}
}

// BlockedDependency reports a task whose dependencies are not all completed.
func BlockedDependency(taskID string, deps []string) *Error {
	return &Error{
		Category:     CatBlockedDependency,
		Detail:       fmt.Sprintf("task %s is not ready", taskID),
		Dependencies: deps,
	}
}

// AssignmentFailed reports a post-claim dispatch failure after the claim was
// rolled back. The wire form is worker_assignment_failed:<reason>.
func AssignmentFailed(reason string, err error) *Error {
	return &Error{Category: CatAssignmentFailed, Detail: reason, Err: err}
}

// ShutdownRejected reports workers that declined a shutdown request. Each
// element of rejections must already be formatted as <worker>:<reason>.
func ShutdownRejected(rejections []string) *Error {
	return &Error{Category: CatShutdownRejected, Detail: strings.Join(rejections, ",")}
}

// LockTimeout reports a bounded lock acquisition that hit its deadline.
func LockTimeout(lockPath string, err error) *Error {
	return &Error{Category: CatLockTimeout, Detail: lockPath, Err: err}
}

// CategoryOf extracts the category from err, walking wrapped chains.
// Uncategorized errors report the empty category.
func CategoryOf(err error) Category {
	var te *Error
	if errors.As(err, &te) {
		return te.Category
	}
	return ""
}

// DependenciesOf returns the unready dependency list when err is a
// blocked_dependency error, else nil.
func DependenciesOf(err error) []string {
	var te *Error
	if errors.As(err, &te) && te.Category == CatBlockedDependency {
		return te.Dependencies
	}
	return nil
}

// WireString renders err the way the tool surface reports it: the category,
// a colon, and the detail. Uncategorized errors render as their Error().
func WireString(err error) string {
	var te *Error
	if errors.As(err, &te) {
		if te.Detail == "" {
			return string(te.Category)
		}
		return string(te.Category) + ":" + te.Detail
	}
	return err.Error()
}
