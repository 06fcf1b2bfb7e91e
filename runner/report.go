package runner

import (
	"time"

	"github.com/meshrun/meshrun/plan"
	"github.com/meshrun/meshrun/task"
)

// PhaseReport summarizes one executed phase.
type PhaseReport struct {
	Index     int           `json:"index"`
	Duration  time.Duration `json:"duration"`
	Completed []string      `json:"completed,omitempty"`
	Failed    []string      `json:"failed,omitempty"`
	Escalated []string      `json:"escalated,omitempty"`
}

func (p *PhaseReport) record(res TaskResult) {
	switch res.Status {
	case task.StatusCompleted:
		p.Completed = append(p.Completed, res.TaskID)
	case task.StatusEscalated:
		p.Escalated = append(p.Escalated, res.TaskID)
	default:
		p.Failed = append(p.Failed, res.TaskID)
	}
}

// Report is the execution summary. It is always produced, even when the run
// fails partway: every task the plan touched appears in exactly one of the
// outcome lists.
type Report struct {
	PlanID     string    `json:"plan_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Phases    []PhaseReport `json:"phases"`
	Completed []string      `json:"completed,omitempty"`
	Failed    []string      `json:"failed,omitempty"`
	Escalated []string      `json:"escalated,omitempty"`
	Blocked   []string      `json:"blocked,omitempty"`
	Cancelled []string      `json:"cancelled,omitempty"`

	TotalTasks            int                       `json:"total_tasks"`
	SuccessRate           float64                   `json:"success_rate"`
	WallClock             time.Duration             `json:"wall_clock"`
	ParallelismEfficiency float64                   `json:"parallelism_efficiency"`
	Artifacts             map[string]map[string]any `json:"artifacts,omitempty"`
	Recommendations       []string                  `json:"recommendations,omitempty"`
}

func newReport(p *plan.ExecutionPlan) *Report {
	return &Report{
		PlanID:     p.ID,
		StartedAt:  time.Now().UTC(),
		TotalTasks: p.TaskCount(),
		Artifacts:  make(map[string]map[string]any),
	}
}

func (r *Report) record(res TaskResult) {
	switch res.Status {
	case task.StatusCompleted:
		r.Completed = append(r.Completed, res.TaskID)
		if res.Artifact != nil {
			r.Artifacts[res.TaskID] = res.Artifact
		}
	case task.StatusEscalated:
		r.Escalated = append(r.Escalated, res.TaskID)
	case task.StatusCancelled:
		r.Cancelled = append(r.Cancelled, res.TaskID)
	case task.StatusBlocked:
		r.noteBlocked(res.TaskID)
	default:
		r.Failed = append(r.Failed, res.TaskID)
	}
}

// noteBlocked appends a blocked task id once.
func (r *Report) noteBlocked(id string) {
	for _, existing := range r.Blocked {
		if existing == id {
			return
		}
	}
	r.Blocked = append(r.Blocked, id)
}

func (r *Report) finish(at time.Time) {
	r.FinishedAt = at
	r.WallClock = at.Sub(r.StartedAt)
	if r.TotalTasks > 0 {
		r.SuccessRate = float64(len(r.Completed)) / float64(r.TotalTasks)
	}
	r.Recommendations = r.recommend()
}

// recommend derives operator guidance from the outcome mix.
func (r *Report) recommend() []string {
	var out []string
	if len(r.Escalated) > 0 {
		out = append(out, "review escalated tasks: automated retries were exhausted")
	}
	if len(r.Blocked) > 0 {
		out = append(out, "resolve upstream failures to unblock dependent tasks")
	}
	if len(r.Failed) > 0 {
		out = append(out, "inspect error reports for failed assignments before rerunning")
	}
	if r.SuccessRate == 1 && r.ParallelismEfficiency > 0.9 && r.TotalTasks > 1 {
		out = append(out, "little parallelism realized: consider loosening task dependencies")
	}
	return out
}
