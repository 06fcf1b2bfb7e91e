package plan

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/meshrun/meshrun/capability"
	"github.com/meshrun/meshrun/task"
)

// ErrUnknownTaskType is returned when a task's type has no capability
// profile. This is caller misconfiguration and fails the whole plan.
var ErrUnknownTaskType = errors.New("plan: unknown task type")

// defaultDuration is the per-task estimate used for agents with no execution
// history yet.
const defaultDuration = 5 * time.Minute

// TypeProfiles maps a task type to the capability requirements used to
// select its agent.
type TypeProfiles map[string]capability.Requirements

// DefaultProfiles covers the built-in task types.
func DefaultProfiles() TypeProfiles {
	return TypeProfiles{
		"code":          {Required: []capability.Tag{capability.TagCodeGeneration}},
		"review":        {Required: []capability.Tag{capability.TagCodeReview}},
		"test":          {Required: []capability.Tag{capability.TagTesting}},
		"documentation": {Required: []capability.Tag{capability.TagDocumentation}},
		"planning":      {Required: []capability.Tag{capability.TagPlanning}},
		"validation":    {Required: []capability.Tag{capability.TagValidation}},
		"analysis":      {Required: []capability.Tag{capability.TagAnalysis}},
		"deployment":    {Required: []capability.Tag{capability.TagDeployment}},
		"refactoring":   {Required: []capability.Tag{capability.TagRefactoring}},
		"data_modeling": {Required: []capability.Tag{capability.TagDataModeling}},
	}
}

// Planner layers a task graph into phases and picks one agent per task.
type Planner struct {
	selector *capability.Selector
	profiles TypeProfiles
	logger   *slog.Logger
}

// NewPlanner creates a planner using the default type profiles.
func NewPlanner(selector *capability.Selector, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{selector: selector, profiles: DefaultProfiles(), logger: logger}
}

// WithProfiles returns a planner using custom type profiles.
func (p *Planner) WithProfiles(profiles TypeProfiles) *Planner {
	return &Planner{selector: p.selector, profiles: profiles, logger: p.logger}
}

// Build validates the graph, selects an agent per task, and layers tasks into
// phases by longest-path labeling: a task's phase is one greater than the
// maximum phase among its required dependencies. Tasks with no required
// dependencies land in phase 1. This yields the minimum phase count, and a
// task's phase is always strictly greater than every required dependency's.
func (p *Planner) Build(g *task.Graph) (*ExecutionPlan, error) {
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("plan: %w", err)
	}

	phaseOf, err := p.layer(g)
	if err != nil {
		return nil, err
	}

	out := newPlan()
	byPhase := make(map[int][]Assignment)
	approval := make(map[int]bool)
	maxPhase := 0

	for _, t := range g.Tasks() {
		req, ok := p.profiles[t.Type]
		if !ok {
			return nil, fmt.Errorf("%w: %q (task %s)", ErrUnknownTaskType, t.Type, t.ID)
		}
		cand, err := p.selector.Select(req)
		if err != nil {
			return nil, fmt.Errorf("plan: task %s: %w", t.ID, err)
		}

		a := Assignment{
			TaskID:            t.ID,
			AgentID:           cand.Agent.ID,
			EstimatedDuration: estimateDuration(cand.Agent),
			EstimatedCost:     cand.Agent.Cost.CostPerTask,
		}
		ph := phaseOf[t.ID]
		byPhase[ph] = append(byPhase[ph], a)
		if t.RequiresApproval {
			approval[ph] = true
		}
		if ph > maxPhase {
			maxPhase = ph
		}

		out.requiredDeps[t.ID] = t.RequiredDependencyIDs()
		out.durations[t.ID] = a.EstimatedDuration

		p.logger.Debug("task assigned",
			"task_id", t.ID,
			"agent_id", cand.Agent.ID,
			"score", cand.Score,
			"phase", ph)
	}

	for i := 1; i <= maxPhase; i++ {
		assignments := byPhase[i]
		sort.Slice(assignments, func(a, b int) bool {
			return assignments[a].TaskID < assignments[b].TaskID
		})
		out.Phases = append(out.Phases, Phase{
			Index:            i,
			Assignments:      assignments,
			RequiresApproval: approval[i],
		})
	}
	return out, nil
}

// layer computes the phase index per task with Kahn's algorithm over the
// required edges only. Optional dependencies never delay a task.
func (p *Planner) layer(g *task.Graph) (map[string]int, error) {
	indegree := make(map[string]int, g.Len())
	for _, t := range g.Tasks() {
		indegree[t.ID] = len(t.RequiredDependencyIDs())
	}

	phase := make(map[string]int, g.Len())
	var queue []string
	for _, id := range g.IDs() {
		if indegree[id] == 0 {
			phase[id] = 1
			queue = append(queue, id)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, depID := range g.RequiredDependents(id) {
			if next := phase[id] + 1; next > phase[depID] {
				phase[depID] = next
			}
			indegree[depID]--
			if indegree[depID] == 0 {
				queue = append(queue, depID)
			}
		}
	}

	if len(phase) != g.Len() {
		return nil, fmt.Errorf("plan: %w", task.ErrCycle)
	}
	return phase, nil
}

func estimateDuration(agent capability.AgentCapability) time.Duration {
	if agent.Performance.AvgDuration > 0 {
		return agent.Performance.AvgDuration
	}
	return defaultDuration
}
