package task

import (
	"errors"
	"fmt"
	"time"
)

// Status is the task lifecycle state. Wire representation is the lowercase
// string value.
type Status string

const (
	StatusPending          Status = "pending"
	StatusInProgress       Status = "in_progress"
	StatusValidationFailed Status = "validation_failed"
	StatusCompleted        Status = "completed"
	StatusEscalated        Status = "escalated"
	StatusBlocked          Status = "blocked"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether the status ends the task's lifecycle. Terminal
// tasks are never re-entered into a phase.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusEscalated || s == StatusCancelled
}

// Sentinel errors for state transitions.
var (
	ErrInvalidTransition = errors.New("task: invalid status transition")

	// ErrEscalationBoundary is returned when escalating off the exact
	// rejection-count boundary.
	ErrEscalationBoundary = errors.New("task: rejection count is not at the escalation threshold")
)

// validTransitions is the full transition table. Cancellation from any
// non-terminal state is handled separately in Cancel.
var validTransitions = map[Status][]Status{
	StatusPending:          {StatusInProgress, StatusBlocked},
	StatusInProgress:       {StatusValidationFailed, StatusCompleted, StatusBlocked},
	StatusValidationFailed: {StatusInProgress, StatusEscalated},
	StatusBlocked:          {StatusPending, StatusInProgress},
}

func (t *Task) transitionLocked(to Status, note string) error {
	allowed := false
	for _, next := range validTransitions[t.status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, t.status, to, t.ID)
	}
	t.auditLocked(to, note)
	return nil
}

func (t *Task) auditLocked(to Status, note string) {
	t.auditHistory = append(t.auditHistory, AuditEntry{
		From:      t.status,
		To:        to,
		Note:      note,
		Timestamp: time.Now().UTC(),
	})
	t.status = to
}

// Start moves the task to in_progress when it is dispatched.
func (t *Task) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(StatusInProgress, "dispatched")
}

// MarkValidationFailed records a validator rejection.
func (t *Task) MarkValidationFailed(note string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(StatusValidationFailed, note)
}

// Retry re-dispatches a task after a failed validation.
func (t *Task) Retry() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(StatusInProgress, "retry dispatched with feedback")
}

// Complete marks the task done: the validator accepted, or no validation was
// required.
func (t *Task) Complete() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(StatusCompleted, "")
}

// Escalate hands the task to the escalation path. It is only legal from
// validation_failed and only when the rejection count sits exactly at the
// escalation threshold — never before, never after.
func (t *Task) Escalate() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.rejectionCount != t.escalationThresholdLocked() {
		return fmt.Errorf("%w: have %d, threshold %d (task %s)",
			ErrEscalationBoundary, t.rejectionCount, t.escalationThresholdLocked(), t.ID)
	}
	return t.transitionLocked(StatusEscalated, "automated retries exhausted")
}

// Block parks the task behind its dependency gate or a failed upstream.
func (t *Task) Block(note string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(StatusBlocked, note)
}

// Unblock returns a blocked task to pending.
func (t *Task) Unblock() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(StatusPending, "dependencies resolved")
}

// Cancel moves the task to cancelled from any non-terminal state.
func (t *Task) Cancel(note string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return fmt.Errorf("%w: %s -> %s (task %s)", ErrInvalidTransition, t.status, StatusCancelled, t.ID)
	}
	t.auditLocked(StatusCancelled, note)
	return nil
}
