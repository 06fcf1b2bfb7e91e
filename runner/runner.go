// Package runner executes a plan phase by phase. Control flow over phases is
// single threaded; dispatch within a phase is concurrent, bounded by the
// configured parallelism and each agent's own concurrency limit. A phase
// barrier separates phases: the next phase never starts before every
// assignment in the current one has resolved.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshrun/meshrun/a2a"
	"github.com/meshrun/meshrun/capability"
	"github.com/meshrun/meshrun/metrics"
	"github.com/meshrun/meshrun/plan"
	"github.com/meshrun/meshrun/task"
	"github.com/meshrun/meshrun/validation"
)

// Config tunes runner concurrency and transport behavior.
type Config struct {
	// MaxParallelAgents bounds concurrent dispatches across a phase.
	MaxParallelAgents int `json:"max_parallel_agents" yaml:"max_parallel_agents"`

	// RequestTimeout bounds each task_assignment exchange.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`

	// ApproverID is the recipient asked to confirm phases marked
	// requires-approval. Empty means approval-gated phases are refused.
	ApproverID string `json:"approver_id" yaml:"approver_id"`
}

// DefaultConfig returns the standard runner configuration.
func DefaultConfig() Config {
	return Config{
		MaxParallelAgents: 4,
		RequestTimeout:    10 * time.Minute,
	}
}

// TaskResult is the resolution of one assignment.
type TaskResult struct {
	TaskID   string         `json:"task_id"`
	AgentID  string         `json:"agent_id"`
	Status   task.Status    `json:"status"`
	Artifact map[string]any `json:"artifact,omitempty"`
	Attempts int            `json:"attempts"`
	Duration time.Duration  `json:"duration"`
	Err      error          `json:"-"`
}

// Runner drives plan execution over the bus.
type Runner struct {
	bus         a2a.Bus
	registry    *capability.Registry
	loop        *validation.LoopHandler
	validator   a2a.Endpoint
	self        a2a.Endpoint
	coordinator a2a.Endpoint
	cfg         Config
	logger      *slog.Logger
	middleware  []Middleware

	slotsMu    sync.Mutex
	agentSlots map[string]chan struct{}
}

// New creates a runner. The validation loop is optional: with a nil loop,
// task completions are accepted without quality gating. Transport failures
// are reported to coordinator as highest-priority error_report messages.
func New(bus a2a.Bus, registry *capability.Registry, loop *validation.LoopHandler, validator, self, coordinator a2a.Endpoint, cfg Config, logger *slog.Logger) *Runner {
	if cfg.MaxParallelAgents <= 0 {
		cfg.MaxParallelAgents = DefaultConfig().MaxParallelAgents
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultConfig().RequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		bus:         bus,
		registry:    registry,
		loop:        loop,
		validator:   validator,
		self:        self,
		coordinator: coordinator,
		cfg:         cfg,
		logger:      logger,
		agentSlots:  make(map[string]chan struct{}),
	}
}

// Use appends middleware, invoked in registration order around every
// dispatch.
func (r *Runner) Use(mw ...Middleware) {
	r.middleware = append(r.middleware, mw...)
}

// Run executes the plan against the graph. Phases run strictly in order.
// One failing assignment never aborts its siblings; it blocks the failed
// task's required dependents instead, and the run continues for independent
// lineages. A report is always produced, even under partial failure.
func (r *Runner) Run(ctx context.Context, g *task.Graph, p *plan.ExecutionPlan) (*Report, error) {
	if p.TaskCount() == 0 {
		return nil, fmt.Errorf("runner: empty plan")
	}

	rep := newReport(p)
	completed := make(map[string]struct{})
	var sequential time.Duration

	for _, phase := range p.Phases {
		if err := ctx.Err(); err != nil {
			rep.finish(time.Now().UTC())
			return rep, fmt.Errorf("runner: run cancelled before phase %d: %w", phase.Index, err)
		}

		if phase.RequiresApproval {
			if err := r.requestApproval(ctx, phase); err != nil {
				r.cancelPhase(g, phase, rep, err)
				continue
			}
		}

		phaseStart := time.Now()
		results := r.runPhase(ctx, g, phase, completed)

		var pr PhaseReport
		pr.Index = phase.Index
		for _, res := range results {
			sequential += res.Duration
			rep.record(res)
			pr.record(res)
			if res.Status == task.StatusCompleted {
				completed[res.TaskID] = struct{}{}
			} else {
				r.blockDependents(g, res.TaskID, rep)
			}
		}
		pr.Duration = time.Since(phaseStart)
		metrics.PhaseDuration.Observe(pr.Duration.Seconds())
		rep.Phases = append(rep.Phases, pr)

		r.logger.Info("phase resolved",
			"phase", phase.Index,
			"completed", len(pr.Completed),
			"failed", len(pr.Failed),
			"escalated", len(pr.Escalated),
			"duration", pr.Duration)
	}

	// Efficiency feeds the recommendations, so it is set before finish.
	now := time.Now().UTC()
	rep.ParallelismEfficiency = plan.ParallelismEfficiency(now.Sub(rep.StartedAt), sequential)
	rep.finish(now)
	return rep, nil
}

// runPhase dispatches every runnable assignment in the phase concurrently
// and waits for all of them (the phase barrier).
func (r *Runner) runPhase(ctx context.Context, g *task.Graph, phase plan.Phase, completed map[string]struct{}) []TaskResult {
	sem := make(chan struct{}, r.cfg.MaxParallelAgents)
	results := make([]TaskResult, len(phase.Assignments))
	var wg sync.WaitGroup

	for i, a := range phase.Assignments {
		tk := g.Get(a.TaskID)
		if tk == nil {
			results[i] = TaskResult{TaskID: a.TaskID, AgentID: a.AgentID, Status: task.StatusCancelled}
			continue
		}
		if tk.Status().Terminal() {
			// Cancelled (or already resolved) before the phase began.
			results[i] = TaskResult{TaskID: tk.ID, AgentID: a.AgentID, Status: tk.Status()}
			continue
		}
		if !tk.CanStart(completed) {
			// An upstream failure left a required dependency unresolved.
			if tk.Status() != task.StatusBlocked {
				_ = tk.Block("required dependency not completed")
			}
			results[i] = TaskResult{TaskID: tk.ID, AgentID: a.AgentID, Status: task.StatusBlocked}
			continue
		}

		wg.Add(1)
		go func(i int, a plan.Assignment, tk *task.Task) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			r.acquireAgent(a.AgentID)
			defer r.releaseAgent(a.AgentID)

			results[i] = r.dispatch(ctx, tk, a)
		}(i, a, tk)
	}

	wg.Wait()
	return results
}

// dispatch runs one assignment to resolution: start, execute via the bus,
// optionally gate through the validation loop, and record the outcome on
// the registry.
func (r *Runner) dispatch(ctx context.Context, tk *task.Task, a plan.Assignment) (res TaskResult) {
	start := time.Now()
	res = TaskResult{TaskID: tk.ID, AgentID: a.AgentID}

	for _, mw := range r.middleware {
		mw.BeforeDispatch(ctx, tk, a)
	}
	defer func() {
		res.Status = tk.Status()
		res.Duration = time.Since(start)
		for _, mw := range r.middleware {
			mw.AfterResolve(ctx, tk, res)
		}
		metrics.TasksCompleted.WithLabelValues(string(res.Status)).Inc()
		r.recordCompletion(tk, a, res)
	}()

	if tk.Status() == task.StatusBlocked {
		if err := tk.Unblock(); err != nil {
			res.Err = err
			return res
		}
	}
	if err := tk.Start(); err != nil {
		res.Err = err
		return res
	}

	agent := a2a.Endpoint{ID: a.AgentID}

	if r.loop != nil {
		outcome, err := r.loop.ValidateWithRetry(ctx, tk, r.validator,
			r.assignmentGenerator(tk, agent), criteriaFor(tk))
		if err != nil {
			r.reportFailure(ctx, tk, err)
			return res
		}
		res.Artifact = outcome.Artifact
		res.Attempts = outcome.Attempts
		return res
	}

	artifact, err := r.executeAssignment(ctx, tk, agent, "")
	if err != nil {
		r.reportFailure(ctx, tk, err)
		return res
	}
	res.Artifact = artifact
	res.Attempts = 1
	if tk.Status().Terminal() {
		// Cancelled while the agent was working. The late result must
		// not resurrect the task.
		return res
	}
	if err := tk.Complete(); err != nil {
		res.Err = err
	}
	return res
}

// assignmentGenerator adapts a task_assignment exchange into the validation
// loop's artifact generator. Retry feedback rides along in the payload.
func (r *Runner) assignmentGenerator(tk *task.Task, agent a2a.Endpoint) validation.Generator {
	return func(ctx context.Context, feedback string) (map[string]any, error) {
		return r.executeAssignment(ctx, tk, agent, feedback)
	}
}

// executeAssignment sends the task to its agent and waits for the
// task_completion. A response arriving after cancellation is dropped by the
// status check in dispatch; the correlation id join below already filters
// responses to other requests.
func (r *Runner) executeAssignment(ctx context.Context, tk *task.Task, agent a2a.Endpoint, feedback string) (map[string]any, error) {
	payload := map[string]any{
		"task_id":     tk.ID,
		"task_type":   tk.Type,
		"description": tk.Description,
		"priority":    tk.Priority,
	}
	if feedback != "" {
		payload["feedback"] = feedback
	}

	msg := a2a.NewTaskAssignment(r.self, agent, payload)
	resp, err := r.bus.SendAndWait(ctx, msg, r.cfg.RequestTimeout)
	if err != nil {
		return nil, fmt.Errorf("runner: assignment for task %s to agent %s: %w", tk.ID, agent.ID, err)
	}
	if artifact, ok := resp.Payload["artifact"].(map[string]any); ok {
		return artifact, nil
	}
	return resp.Payload, nil
}

// requestApproval asks the approver to confirm an approval-gated phase. A
// denial, a timeout, or a missing approver all refuse the phase.
func (r *Runner) requestApproval(ctx context.Context, phase plan.Phase) error {
	if r.cfg.ApproverID == "" {
		return fmt.Errorf("runner: phase %d requires approval but no approver is configured", phase.Index)
	}

	taskIDs := make([]string, 0, len(phase.Assignments))
	for _, a := range phase.Assignments {
		taskIDs = append(taskIDs, a.TaskID)
	}
	req := a2a.NewHumanApprovalRequest(r.self, a2a.Endpoint{ID: r.cfg.ApproverID}, map[string]any{
		"phase":    phase.Index,
		"task_ids": taskIDs,
	})
	resp, err := r.bus.SendAndWait(ctx, req, r.cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("runner: approval for phase %d: %w", phase.Index, err)
	}
	if approved, _ := resp.Payload["approved"].(bool); !approved {
		return fmt.Errorf("runner: phase %d was not approved", phase.Index)
	}
	return nil
}

// cancelPhase marks every task in a refused phase cancelled and records the
// outcomes so the report stays complete.
func (r *Runner) cancelPhase(g *task.Graph, phase plan.Phase, rep *Report, cause error) {
	r.logger.Warn("phase refused", "phase", phase.Index, "error", cause)

	pr := PhaseReport{Index: phase.Index}
	for _, a := range phase.Assignments {
		tk := g.Get(a.TaskID)
		if tk != nil && !tk.Status().Terminal() {
			_ = tk.Cancel(cause.Error())
		}
		res := TaskResult{TaskID: a.TaskID, AgentID: a.AgentID, Status: task.StatusCancelled}
		rep.record(res)
		pr.record(res)
		r.blockDependents(g, a.TaskID, rep)
	}
	rep.Phases = append(rep.Phases, pr)
}

// reportFailure emits the highest-priority error_report and parks the task.
// Failures are never dropped silently.
func (r *Runner) reportFailure(ctx context.Context, tk *task.Task, cause error) {
	r.logger.Error("assignment failed", "task_id", tk.ID, "error", cause)

	report := a2a.NewErrorReport(r.self, r.coordinator, map[string]any{
		"task_id": tk.ID,
		"error":   cause.Error(),
	})
	if err := r.bus.Publish(ctx, report); err != nil {
		r.logger.Error("error report publish failed", "task_id", tk.ID, "error", err)
	}

	if !tk.Status().Terminal() && tk.Status() != task.StatusBlocked {
		_ = tk.Block("assignment failed: " + cause.Error())
	}
}

// blockDependents parks everything downstream of a failed task through
// required edges. Independent lineages keep running.
func (r *Runner) blockDependents(g *task.Graph, failedID string, rep *Report) {
	for _, id := range g.TransitiveRequiredDependents(failedID) {
		tk := g.Get(id)
		if tk == nil || tk.Status() != task.StatusPending {
			continue
		}
		if err := tk.Block("upstream task " + failedID + " did not complete"); err == nil {
			rep.noteBlocked(id)
		}
	}
}

func (r *Runner) recordCompletion(tk *task.Task, a plan.Assignment, res TaskResult) {
	if r.registry == nil {
		return
	}
	success := res.Status == task.StatusCompleted
	retried := tk.RejectionCount() > 0
	if err := r.registry.RecordCompletion(a.AgentID, res.Duration, success, retried, a.EstimatedCost); err != nil {
		r.logger.Warn("performance update failed", "agent_id", a.AgentID, "error", err)
	}
}

func (r *Runner) agentLimit(agentID string) int {
	if r.registry == nil {
		return 0
	}
	agent, err := r.registry.Get(agentID)
	if err != nil || agent.MaxConcurrentTasks <= 0 {
		return 0
	}
	return agent.MaxConcurrentTasks
}

// acquireAgent caps in-flight work per agent at its max_concurrent_tasks.
func (r *Runner) acquireAgent(agentID string) {
	limit := r.agentLimit(agentID)
	if limit <= 0 {
		return
	}
	r.slotsMu.Lock()
	slots, ok := r.agentSlots[agentID]
	if !ok || cap(slots) != limit {
		slots = make(chan struct{}, limit)
		r.agentSlots[agentID] = slots
	}
	r.slotsMu.Unlock()
	slots <- struct{}{}
}

func (r *Runner) releaseAgent(agentID string) {
	r.slotsMu.Lock()
	slots := r.agentSlots[agentID]
	r.slotsMu.Unlock()
	if slots != nil {
		select {
		case <-slots:
		default:
		}
	}
}

func criteriaFor(tk *task.Task) map[string]any {
	return map[string]any{
		"task_id":   tk.ID,
		"task_type": tk.Type,
	}
}
