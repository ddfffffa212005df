package domain

import (
	"fmt"
	"time"
)

// Status represents the states a task can be in.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRetry      Status = "retry"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusRetry, StatusCompleted, StatusFailed}
}

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusProcessing: {},
		StatusFailed:     {},
	},
	StatusProcessing: {
		StatusCompleted: {},
		StatusFailed:    {},
		StatusRetry:     {},
	},
	StatusRetry: {
		StatusProcessing: {},
		StatusFailed:     {},
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

// ValidateStatus rejects values outside the state machine.
func ValidateStatus(s Status) error {
	if _, ok := allowedTransitions[s]; !ok {
		return fmt.Errorf("invalid task status: %q", s)
	}
	return nil
}

// ValidateTransition returns an error unless from → to is an edge of the
// task state machine. Staying in the same non-terminal state is allowed so
// that progress/message updates can be written without a transition.
func ValidateTransition(from, to Status) error {
	if err := ValidateStatus(from); err != nil {
		return err
	}
	if err := ValidateStatus(to); err != nil {
		return err
	}
	if from == to && !from.IsTerminal() {
		return nil
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

// TaskError is the user-visible failure attached to a failed task.
type TaskError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Task is the unit of work tracked from submission to a terminal state.
type Task struct {
	ID          string          `json:"id"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Message     string          `json:"message"`
	Request     Request         `json:"request"`
	Result      *AnalysisResult `json:"result,omitempty"`
	Error       *TaskError      `json:"error,omitempty"`
	Attempts    int             `json:"attempts"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// NewTask builds a pending task for req.
func NewTask(id string, req Request, now time.Time) *Task {
	return &Task{
		ID:        id,
		Status:    StatusPending,
		Message:   "task submitted",
		Request:   req.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Advance moves the task to status and raises progress. Progress never goes
// down: a lower value keeps the current one.
func (t *Task) Advance(status Status, progress int, message string) {
	t.Status = status
	if progress > t.Progress {
		t.Progress = min(progress, 100)
	}
	if message != "" {
		t.Message = message
	}
}

// Complete attaches the result and moves the task to completed.
func (t *Task) Complete(result *AnalysisResult, now time.Time) {
	t.Status = StatusCompleted
	t.Progress = 100
	t.Message = "analysis completed"
	if t.Request.TaskKind() == TaskExtractFrames {
		t.Message = "frame extraction completed"
	}
	t.Result = result
	t.Error = nil
	t.CompletedAt = &now
}

// Fail attaches err and moves the task to failed.
func (t *Task) Fail(err error, now time.Time) {
	kind := KindOf(err)
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	t.Status = StatusFailed
	t.Message = fmt.Sprintf("%s: %s", kind, msg)
	t.Result = nil
	t.Error = &TaskError{Kind: kind, Message: msg}
	t.CompletedAt = &now
}

// Validate checks the result/error exclusivity invariant.
func (t *Task) Validate() error {
	if err := ValidateStatus(t.Status); err != nil {
		return err
	}
	if t.Progress < 0 || t.Progress > 100 {
		return fmt.Errorf("task %s: progress %d out of range", t.ID, t.Progress)
	}
	switch t.Status {
	case StatusCompleted:
		if t.Result == nil || t.Error != nil {
			return fmt.Errorf("task %s: completed task must carry a result and no error", t.ID)
		}
	case StatusFailed:
		if t.Error == nil || t.Result != nil {
			return fmt.Errorf("task %s: failed task must carry an error and no result", t.ID)
		}
		if t.Error.Kind == "" || t.Error.Message == "" {
			return fmt.Errorf("task %s: failed task must carry an error kind and message", t.ID)
		}
	default:
		if t.Result != nil || t.Error != nil {
			return fmt.Errorf("task %s: %s task must not carry a result or error", t.ID, t.Status)
		}
	}
	return nil
}

// Clone returns a deep copy so stored tasks never share memory with callers.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Request = t.Request.Clone()
	if t.Result != nil {
		c.Result = t.Result.Clone()
	}
	if t.Error != nil {
		e := *t.Error
		c.Error = &e
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	return &c
}
