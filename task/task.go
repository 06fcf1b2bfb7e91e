// Package task provides the task entity, its status state machine, and the
// dependency graph the planner layers into phases. Tasks are mutated only
// through the transition methods; every transition is recorded in the audit
// history.
package task

import (
	"sync"
	"time"
)

// DefaultEscalationThreshold is the number of validation rejections after
// which a task escalates.
const DefaultEscalationThreshold = 3

// Dependency is an edge to another task. Only required dependencies gate
// starting; optional ones merely inform planning.
type Dependency struct {
	TaskID   string `json:"task_id" yaml:"task_id"`
	Required bool   `json:"required" yaml:"required"`
}

// ValidationResult is one validator verdict for a task artifact.
type ValidationResult struct {
	Passed     bool      `json:"passed"`
	Issues     []string  `json:"issues,omitempty"`
	Feedback   string    `json:"feedback,omitempty"`
	RetryCount int       `json:"retry_count"`
	CheckedAt  time.Time `json:"checked_at"`
}

// AuditEntry records one status transition.
type AuditEntry struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Note      string    `json:"note,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is a unit of work routed to an agent. All mutation goes through the
// transition methods in state.go; the mutex makes a task safe to share
// between the runner's dispatch goroutines and external cancellation.
type Task struct {
	mu sync.Mutex

	ID                  string       `json:"id" yaml:"id"`
	Type                string       `json:"type" yaml:"type"`
	Description         string       `json:"description,omitempty" yaml:"description,omitempty"`
	Priority            int          `json:"priority" yaml:"priority"`
	Dependencies        []Dependency `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	EscalationThreshold int          `json:"escalation_threshold" yaml:"escalation_threshold"`
	RequiresApproval    bool         `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`

	status            Status
	rejectionCount    int
	validationHistory []ValidationResult
	auditHistory      []AuditEntry
}

// New creates a pending task. A zero escalation threshold gets the default.
func New(id, taskType string, priority int, deps []Dependency) *Task {
	return &Task{
		ID:                  id,
		Type:                taskType,
		Priority:            priority,
		Dependencies:        deps,
		EscalationThreshold: DefaultEscalationThreshold,
		status:              StatusPending,
	}
}

// Status returns the current status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// RejectionCount returns the number of failed validations so far. It is
// monotonically non-decreasing over the task's lifetime.
func (t *Task) RejectionCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rejectionCount
}

// ValidationHistory returns a copy of the recorded validator verdicts.
func (t *Task) ValidationHistory() []ValidationResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ValidationResult, len(t.validationHistory))
	copy(out, t.validationHistory)
	return out
}

// AuditHistory returns a copy of the recorded status transitions.
func (t *Task) AuditHistory() []AuditEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]AuditEntry, len(t.auditHistory))
	copy(out, t.auditHistory)
	return out
}

// AddValidationResult appends a verdict to the history. A failed verdict
// increments the rejection count by exactly one and stamps the result's
// RetryCount with the new count.
func (t *Task) AddValidationResult(r ValidationResult) ValidationResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r.CheckedAt.IsZero() {
		r.CheckedAt = time.Now().UTC()
	}
	if !r.Passed {
		t.rejectionCount++
		r.RetryCount = t.rejectionCount
	}
	t.validationHistory = append(t.validationHistory, r)
	return r
}

// ShouldEscalate reports whether the rejection count has reached the
// escalation threshold exactly.
func (t *Task) ShouldEscalate() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rejectionCount == t.escalationThresholdLocked()
}

func (t *Task) escalationThresholdLocked() int {
	if t.EscalationThreshold <= 0 {
		return DefaultEscalationThreshold
	}
	return t.EscalationThreshold
}

// RequiredDependencyIDs returns the ids of the required dependencies.
func (t *Task) RequiredDependencyIDs() []string {
	var out []string
	for _, d := range t.Dependencies {
		if d.Required {
			out = append(out, d.TaskID)
		}
	}
	return out
}

// CanStart reports whether every required dependency id is in the completed
// set. This is the dependency gate behind the blocked status.
func (t *Task) CanStart(completed map[string]struct{}) bool {
	for _, d := range t.Dependencies {
		if !d.Required {
			continue
		}
		if _, ok := completed[d.TaskID]; !ok {
			return false
		}
	}
	return true
}
