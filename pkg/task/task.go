// Package task tracks long-running client operations and enforces their
// deadlines.
//
// A task is created RUNNING under a caller-generated id. Only the
// operation's own execution context moves it to COMPLETED or FAILED; the
// Supervisor moves it to TIMED_OUT once its deadline has passed. Terminal
// tasks are kept for a retention window and then evicted.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/burrow/pkg/fault"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimedOut
}

// Validate checks s is a known status.
func (s Status) Validate() error {
	switch s {
	case StatusRunning, StatusCompleted, StatusFailed, StatusTimedOut:
		return nil
	}
	return fmt.Errorf("unknown task status %q", string(s))
}

// DefaultRetention is how long terminal tasks stay queryable.
const DefaultRetention = time.Hour

var (
	// ErrNotFound is returned when a task does not exist or was evicted.
	ErrNotFound = errors.New("task not found")

	// ErrAlreadyExists is returned by Create for a duplicate id.
	ErrAlreadyExists = errors.New("task already exists")
)

// Failure records why a task did not complete.
type Failure struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Task is one tracked operation.
type Task struct {
	ID         string         `json:"id"`
	Status     Status         `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	Deadline   time.Time      `json:"deadline"`
	FinishedAt time.Time      `json:"finished_at,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Failure    *Failure       `json:"failure,omitempty"`
}

// Overdue reports whether the deadline has strictly passed at now.
func (t *Task) Overdue(now time.Time) bool {
	return t.Status == StatusRunning && now.After(t.Deadline)
}

// Payload is what an operation reports when it finishes.
type Payload struct {
	Result map[string]any
	Err    error
}

// Repository stores tasks.
type Repository interface {
	// Create registers a RUNNING task. ErrAlreadyExists if id is taken.
	Create(ctx context.Context, id string, deadline time.Time) (*Task, error)

	// Update moves a RUNNING task to COMPLETED or FAILED. Any other
	// transition fails with fault.KindInvalidTransition.
	Update(ctx context.Context, id string, status Status, payload Payload) (*Task, error)

	// Get returns the task or ErrNotFound.
	Get(ctx context.Context, id string) (*Task, error)

	// Overdue lists RUNNING tasks whose deadline is before now.
	Overdue(ctx context.Context, now time.Time) ([]string, error)

	// Expire moves a RUNNING task to TIMED_OUT if now is strictly after its
	// deadline. It reports whether the task was expired.
	Expire(ctx context.Context, id string, now time.Time) (bool, error)
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("task id cannot be empty")
	}
	return nil
}

// applyUpdate performs a caller-driven transition on t in place.
func applyUpdate(t *Task, status Status, payload Payload, now time.Time) error {
	if err := status.Validate(); err != nil {
		return fault.New(fault.KindInvalidTransition, "task.update", err)
	}
	if t.Status != StatusRunning {
		return fault.Errorf(fault.KindInvalidTransition, "task.update",
			"task %s is %s, cannot move to %s", t.ID, t.Status, status)
	}
	switch status {
	case StatusCompleted:
		if payload.Err != nil {
			return fault.Errorf(fault.KindInvalidTransition, "task.update",
				"task %s: completed with an error payload", t.ID)
		}
	case StatusFailed:
		if payload.Err == nil {
			return fault.Errorf(fault.KindInvalidTransition, "task.update",
				"task %s: failed without an error", t.ID)
		}
	default:
		return fault.Errorf(fault.KindInvalidTransition, "task.update",
			"task %s: cannot move %s to %s", t.ID, t.Status, status)
	}

	t.Status = status
	t.FinishedAt = now
	t.Result = payload.Result
	if payload.Err != nil {
		t.Failure = failureFrom(payload.Err)
	}
	return nil
}

// applyExpiry moves t to TIMED_OUT if it is overdue at now.
func applyExpiry(t *Task, now time.Time) bool {
	if !t.Overdue(now) {
		return false
	}
	t.Status = StatusTimedOut
	t.FinishedAt = now
	t.Failure = failureFrom(fault.Errorf(fault.KindTimedOut, "task.supervise",
		"deadline %s exceeded", t.Deadline.Format(time.RFC3339Nano)))
	return true
}

// failureFrom keeps the most specific kind known for err. Errors without a
// kind are execution failures.
func failureFrom(err error) *Failure {
	kind := fault.KindOf(err)
	if kind == fault.KindUnknown {
		kind = fault.KindAgentExecution
	}
	return &Failure{Kind: kind.String(), Message: err.Error()}
}
