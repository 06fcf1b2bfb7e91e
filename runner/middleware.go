package runner

import (
	"context"

	"github.com/meshrun/meshrun/a2a"
	"github.com/meshrun/meshrun/plan"
	"github.com/meshrun/meshrun/task"
)

// Middleware observes dispatches. BeforeDispatch runs before the task
// starts; AfterResolve runs after the assignment settles, successful or not.
// Middleware must not block for long: it runs on the dispatch goroutine.
type Middleware interface {
	BeforeDispatch(ctx context.Context, tk *task.Task, a plan.Assignment)
	AfterResolve(ctx context.Context, tk *task.Task, res TaskResult)
}

// StateUpdateMiddleware publishes a state_update notification to a watcher
// endpoint around every dispatch. Updates are fire-and-forget; a lost update
// never affects the run.
type StateUpdateMiddleware struct {
	Bus     a2a.Bus
	Self    a2a.Endpoint
	Watcher a2a.Endpoint
}

func (m *StateUpdateMiddleware) BeforeDispatch(ctx context.Context, tk *task.Task, a plan.Assignment) {
	m.publish(ctx, tk, map[string]any{
		"task_id":  tk.ID,
		"status":   string(task.StatusInProgress),
		"agent_id": a.AgentID,
	})
}

func (m *StateUpdateMiddleware) AfterResolve(ctx context.Context, tk *task.Task, res TaskResult) {
	m.publish(ctx, tk, map[string]any{
		"task_id":  tk.ID,
		"status":   string(res.Status),
		"agent_id": res.AgentID,
		"attempts": res.Attempts,
	})
}

func (m *StateUpdateMiddleware) publish(ctx context.Context, tk *task.Task, payload map[string]any) {
	_ = m.Bus.Publish(ctx, a2a.NewStateUpdate(m.Self, m.Watcher, payload))
}

// FuncMiddleware adapts plain functions to the Middleware interface. Either
// hook may be nil.
type FuncMiddleware struct {
	Before func(ctx context.Context, tk *task.Task, a plan.Assignment)
	After  func(ctx context.Context, tk *task.Task, res TaskResult)
}

func (m FuncMiddleware) BeforeDispatch(ctx context.Context, tk *task.Task, a plan.Assignment) {
	if m.Before != nil {
		m.Before(ctx, tk, a)
	}
}

func (m FuncMiddleware) AfterResolve(ctx context.Context, tk *task.Task, res TaskResult) {
	if m.After != nil {
		m.After(ctx, tk, res)
	}
}
