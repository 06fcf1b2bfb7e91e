package runner

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrun/meshrun/a2a"
	"github.com/meshrun/meshrun/capability"
	"github.com/meshrun/meshrun/plan"
	"github.com/meshrun/meshrun/task"
	"github.com/meshrun/meshrun/validation"
)

var (
	selfEP        = a2a.Endpoint{ID: "runner", Name: "Runner"}
	coordinatorEP = a2a.Endpoint{ID: "coordinator", Name: "Coordinator"}
	validatorEP   = a2a.Endpoint{ID: "validator", Name: "Validator"}
)

func newTestRegistry(t *testing.T) *capability.Registry {
	t.Helper()
	reg := capability.NewRegistry()
	agents := []capability.AgentCapability{
		{
			ID:                 "coder",
			Tags:               []capability.Tag{capability.TagCodeGeneration},
			Performance:        capability.Performance{AvgDuration: time.Minute, SuccessRate: 0.9},
			Cost:               capability.Cost{CostPerTask: 0.2},
			MaxConcurrentTasks: 2,
			Active:             true,
			Deployed:           true,
		},
		{
			ID:                 "tester",
			Tags:               []capability.Tag{capability.TagTesting},
			Performance:        capability.Performance{AvgDuration: time.Minute, SuccessRate: 0.9},
			Cost:               capability.Cost{CostPerTask: 0.1},
			MaxConcurrentTasks: 2,
			Active:             true,
			Deployed:           true,
		},
	}
	for _, a := range agents {
		require.NoError(t, reg.Register(a))
	}
	return reg
}

// echoAgent answers every task_assignment with a completed artifact.
func echoAgent(t *testing.T, bus a2a.Bus, agentID string) {
	t.Helper()
	_, err := bus.Subscribe(agentID, func(msg a2a.Message) {
		if msg.Type != a2a.TypeTaskAssignment {
			return
		}
		_ = bus.Publish(context.Background(), a2a.NewTaskCompletion(msg, map[string]any{
			"artifact": map[string]any{"produced_by": agentID},
		}))
	})
	require.NoError(t, err)
}

// messageSink collects everything addressed to one recipient.
type messageSink struct {
	mu       sync.Mutex
	messages []a2a.Message
}

func newMessageSink(t *testing.T, bus a2a.Bus, recipientID string) *messageSink {
	t.Helper()
	s := &messageSink{}
	_, err := bus.Subscribe(recipientID, func(msg a2a.Message) {
		s.mu.Lock()
		s.messages = append(s.messages, msg)
		s.mu.Unlock()
	})
	require.NoError(t, err)
	return s
}

func (s *messageSink) byType(mt a2a.MessageType) []a2a.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []a2a.Message
	for _, m := range s.messages {
		if m.Type == mt {
			out = append(out, m)
		}
	}
	return out
}

func buildPlan(t *testing.T, reg *capability.Registry, g *task.Graph) *plan.ExecutionPlan {
	t.Helper()
	p, err := plan.NewPlanner(capability.NewSelector(reg), nil).Build(g)
	require.NoError(t, err)
	return p
}

func chainGraph(t *testing.T) *task.Graph {
	t.Helper()
	g := task.NewGraph()
	require.NoError(t, g.Add(task.New("build", "code", 5, nil)))
	require.NoError(t, g.Add(task.New("check", "test", 5, nil)))
	require.NoError(t, g.Add(task.New("verify", "test", 5, []task.Dependency{
		{TaskID: "build", Required: true},
		{TaskID: "check", Required: true},
	})))
	return g
}

func testConfig() Config {
	return Config{MaxParallelAgents: 4, RequestTimeout: time.Second}
}

func TestRunHappyPath(t *testing.T) {
	bus := a2a.NewInProcBus()
	defer bus.Close()
	reg := newTestRegistry(t)
	echoAgent(t, bus, "coder")
	echoAgent(t, bus, "tester")

	g := chainGraph(t)
	p := buildPlan(t, reg, g)

	r := New(bus, reg, nil, a2a.Endpoint{}, selfEP, coordinatorEP, testConfig(), nil)
	rep, err := r.Run(context.Background(), g, p)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"build", "check", "verify"}, rep.Completed)
	assert.Empty(t, rep.Failed)
	assert.Empty(t, rep.Blocked)
	assert.InDelta(t, 1.0, rep.SuccessRate, 1e-9)
	require.Len(t, rep.Phases, 2)
	assert.Equal(t, 1, rep.Phases[0].Index)
	assert.Len(t, rep.Phases[0].Completed, 2)
	assert.Equal(t, map[string]any{"produced_by": "tester"}, rep.Artifacts["verify"])

	for _, id := range []string{"build", "check", "verify"} {
		assert.Equal(t, task.StatusCompleted, g.Get(id).Status())
	}
}

func TestRunPartialFailureBlocksLineage(t *testing.T) {
	bus := a2a.NewInProcBus()
	defer bus.Close()
	reg := newTestRegistry(t)
	echoAgent(t, bus, "coder")
	// The tester agent never answers: its assignment times out.
	sink := newMessageSink(t, bus, coordinatorEP.ID)

	g := chainGraph(t)
	p := buildPlan(t, reg, g)

	cfg := Config{MaxParallelAgents: 4, RequestTimeout: 50 * time.Millisecond}
	r := New(bus, reg, nil, a2a.Endpoint{}, selfEP, coordinatorEP, cfg, nil)
	rep, err := r.Run(context.Background(), g, p)
	require.NoError(t, err)

	// The sibling in the same phase still completes.
	assert.Equal(t, []string{"build"}, rep.Completed)
	assert.ElementsMatch(t, []string{"check", "verify"}, rep.Blocked)
	assert.Equal(t, task.StatusBlocked, g.Get("check").Status())
	assert.Equal(t, task.StatusBlocked, g.Get("verify").Status())
	assert.InDelta(t, 1.0/3.0, rep.SuccessRate, 1e-9)
	assert.NotEmpty(t, rep.Recommendations)

	// The failure was reported, at the highest priority. Delivery is
	// asynchronous, so poll briefly.
	var reports []a2a.Message
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if reports = sink.byType(a2a.TypeErrorReport); len(reports) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.Len(t, reports, 1)
	assert.Equal(t, a2a.PriorityHighest, reports[0].Priority)
	assert.Equal(t, "check", reports[0].Payload["task_id"])
}

func TestRunSkipsCancelledTask(t *testing.T) {
	bus := a2a.NewInProcBus()
	defer bus.Close()
	reg := newTestRegistry(t)
	echoAgent(t, bus, "coder")
	echoAgent(t, bus, "tester")

	g := chainGraph(t)
	p := buildPlan(t, reg, g)
	require.NoError(t, g.Get("check").Cancel("operator stop"))

	r := New(bus, reg, nil, a2a.Endpoint{}, selfEP, coordinatorEP, testConfig(), nil)
	rep, err := r.Run(context.Background(), g, p)
	require.NoError(t, err)

	assert.Equal(t, []string{"check"}, rep.Cancelled)
	assert.Equal(t, task.StatusCancelled, g.Get("check").Status())
	// verify depends on the cancelled task, so it cannot run.
	assert.Contains(t, rep.Blocked, "verify")
	assert.Contains(t, rep.Completed, "build")
}

func TestRunWithValidationLoop(t *testing.T) {
	bus := a2a.NewInProcBus()
	defer bus.Close()
	reg := newTestRegistry(t)
	echoAgent(t, bus, "coder")
	echoAgent(t, bus, "tester")

	// Validator accepts everything.
	_, err := bus.Subscribe(validatorEP.ID, func(msg a2a.Message) {
		if msg.Type != a2a.TypeValidationRequest {
			return
		}
		_ = bus.Publish(context.Background(), a2a.NewValidationResult(msg, map[string]any{"passed": true}))
	})
	require.NoError(t, err)

	g := chainGraph(t)
	p := buildPlan(t, reg, g)

	loop := validation.NewLoopHandler(bus, selfEP, coordinatorEP,
		validation.NewRetryManager(validation.RetryConfig{MaxRetries: 3, Timeout: time.Second}), nil)
	r := New(bus, reg, loop, validatorEP, selfEP, coordinatorEP, testConfig(), nil)

	rep, err := r.Run(context.Background(), g, p)
	require.NoError(t, err)
	assert.Len(t, rep.Completed, 3)
	assert.Empty(t, rep.Escalated)
}

func TestRunMiddlewareHooks(t *testing.T) {
	bus := a2a.NewInProcBus()
	defer bus.Close()
	reg := newTestRegistry(t)
	echoAgent(t, bus, "coder")
	echoAgent(t, bus, "tester")

	g := chainGraph(t)
	p := buildPlan(t, reg, g)

	var mu sync.Mutex
	before, after := 0, 0
	r := New(bus, reg, nil, a2a.Endpoint{}, selfEP, coordinatorEP, testConfig(), nil)
	r.Use(FuncMiddleware{
		Before: func(context.Context, *task.Task, plan.Assignment) {
			mu.Lock()
			before++
			mu.Unlock()
		},
		After: func(_ context.Context, _ *task.Task, res TaskResult) {
			mu.Lock()
			after++
			mu.Unlock()
			if res.Status != task.StatusCompleted {
				t.Errorf("task %s resolved as %s", res.TaskID, res.Status)
			}
		},
	})

	_, err := r.Run(context.Background(), g, p)
	require.NoError(t, err)
	assert.Equal(t, 3, before)
	assert.Equal(t, 3, after)
}

func TestApprovalGatedPhase(t *testing.T) {
	bus := a2a.NewInProcBus()
	defer bus.Close()
	reg := newTestRegistry(t)
	echoAgent(t, bus, "coder")
	echoAgent(t, bus, "tester")

	// Approver denies everything.
	_, err := bus.Subscribe("approver", func(msg a2a.Message) {
		if msg.Type != a2a.TypeHumanApprovalRequest {
			return
		}
		_ = bus.Publish(context.Background(), a2a.NewQueryResponse(msg, map[string]any{"approved": false}))
	})
	require.NoError(t, err)

	g := task.NewGraph()
	require.NoError(t, g.Add(task.New("build", "code", 5, nil)))
	deploy := task.New("ship", "test", 5, []task.Dependency{{TaskID: "build", Required: true}})
	deploy.RequiresApproval = true
	require.NoError(t, g.Add(deploy))

	p := buildPlan(t, reg, g)
	require.True(t, p.Phases[1].RequiresApproval)

	cfg := testConfig()
	cfg.ApproverID = "approver"
	r := New(bus, reg, nil, a2a.Endpoint{}, selfEP, coordinatorEP, cfg, nil)
	rep, err := r.Run(context.Background(), g, p)
	require.NoError(t, err)

	assert.Equal(t, []string{"build"}, rep.Completed)
	assert.Equal(t, []string{"ship"}, rep.Cancelled)
	assert.Equal(t, task.StatusCancelled, g.Get("ship").Status())
}

func TestApprovalWithoutApproverRefusesPhase(t *testing.T) {
	bus := a2a.NewInProcBus()
	defer bus.Close()
	reg := newTestRegistry(t)
	echoAgent(t, bus, "coder")

	g := task.NewGraph()
	gated := task.New("build", "code", 5, nil)
	gated.RequiresApproval = true
	require.NoError(t, g.Add(gated))

	p := buildPlan(t, reg, g)
	r := New(bus, reg, nil, a2a.Endpoint{}, selfEP, coordinatorEP, testConfig(), nil)
	rep, err := r.Run(context.Background(), g, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"build"}, rep.Cancelled)
}

func TestStateUpdateMiddleware(t *testing.T) {
	bus := a2a.NewInProcBus()
	defer bus.Close()
	reg := newTestRegistry(t)
	echoAgent(t, bus, "coder")
	echoAgent(t, bus, "tester")
	watcher := a2a.Endpoint{ID: "watcher"}
	sink := newMessageSink(t, bus, watcher.ID)

	g := chainGraph(t)
	p := buildPlan(t, reg, g)

	r := New(bus, reg, nil, a2a.Endpoint{}, selfEP, coordinatorEP, testConfig(), nil)
	r.Use(&StateUpdateMiddleware{Bus: bus, Self: selfEP, Watcher: watcher})

	_, err := r.Run(context.Background(), g, p)
	require.NoError(t, err)

	// One update before and one after each of the three dispatches.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(sink.byType(a2a.TypeStateUpdate)) >= 6 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Len(t, sink.byType(a2a.TypeStateUpdate), 6)
}
