// Package plan turns a validated task dependency graph plus ranked agent
// selections into an execution plan: ordered phases of mutually independent
// assignments, with duration and cost estimates for reporting and constraint
// checks.
package plan

import (
	"time"

	"github.com/google/uuid"
)

// Assignment pairs a task with the agent chosen to run it.
type Assignment struct {
	TaskID            string        `json:"task_id"`
	AgentID           string        `json:"agent_id"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	EstimatedCost     float64       `json:"estimated_cost"`
}

// Phase is a set of assignments with no dependency edges between them. All
// assignments in a phase may run concurrently.
type Phase struct {
	Index       int          `json:"index"`
	Assignments []Assignment `json:"assignments"`

	// RequiresApproval marks a phase that must be confirmed by a human
	// before it starts. Set when any task in the phase asks for it.
	RequiresApproval bool `json:"requires_approval,omitempty"`
}

// ExecutionPlan is the planner output the runner executes phase by phase.
type ExecutionPlan struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Phases    []Phase   `json:"phases"`

	// requiredDeps preserves the required dependency edges so plan metrics
	// (critical path) can be computed without the source graph.
	requiredDeps map[string][]string
	durations    map[string]time.Duration
}

func newPlan() *ExecutionPlan {
	return &ExecutionPlan{
		ID:           uuid.NewString(),
		CreatedAt:    time.Now().UTC(),
		requiredDeps: make(map[string][]string),
		durations:    make(map[string]time.Duration),
	}
}

// TaskCount returns the number of assignments across all phases.
func (p *ExecutionPlan) TaskCount() int {
	n := 0
	for _, ph := range p.Phases {
		n += len(ph.Assignments)
	}
	return n
}

// PhaseOf returns the phase index holding the task, or 0 when the task is not
// planned.
func (p *ExecutionPlan) PhaseOf(taskID string) int {
	for _, ph := range p.Phases {
		for _, a := range ph.Assignments {
			if a.TaskID == taskID {
				return ph.Index
			}
		}
	}
	return 0
}

// AgentFor returns the agent id assigned to the task, or "".
func (p *ExecutionPlan) AgentFor(taskID string) string {
	for _, ph := range p.Phases {
		for _, a := range ph.Assignments {
			if a.TaskID == taskID {
				return a.AgentID
			}
		}
	}
	return ""
}
