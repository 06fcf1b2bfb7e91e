package validation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshrun/meshrun/a2a"
	"github.com/meshrun/meshrun/task"
)

var (
	orchestrator = a2a.Endpoint{ID: "orchestrator", Name: "Orchestrator"}
	validator    = a2a.Endpoint{ID: "validator", Name: "Validator"}
	coordinator  = a2a.Endpoint{ID: "coordinator", Name: "Coordinator"}
)

// scriptedValidator answers validation requests from a fixed list of
// verdicts, in order, repeating the last one when exhausted.
type scriptedValidator struct {
	mu       sync.Mutex
	verdicts []map[string]any
	requests []a2a.Message
}

func (v *scriptedValidator) attach(t *testing.T, bus a2a.Bus) {
	t.Helper()
	_, err := bus.Subscribe(validator.ID, func(msg a2a.Message) {
		v.mu.Lock()
		v.requests = append(v.requests, msg)
		idx := len(v.requests) - 1
		if idx >= len(v.verdicts) {
			idx = len(v.verdicts) - 1
		}
		payload := v.verdicts[idx]
		v.mu.Unlock()
		_ = bus.Publish(context.Background(), a2a.NewValidationResult(msg, payload))
	})
	require.NoError(t, err)
}

func (v *scriptedValidator) requestCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.requests)
}

// escalationSink records escalation requests sent to the coordinator.
type escalationSink struct {
	mu       sync.Mutex
	messages []a2a.Message
}

func (s *escalationSink) attach(t *testing.T, bus a2a.Bus) {
	t.Helper()
	_, err := bus.Subscribe(coordinator.ID, func(msg a2a.Message) {
		s.mu.Lock()
		s.messages = append(s.messages, msg)
		s.mu.Unlock()
	})
	require.NoError(t, err)
}

func (s *escalationSink) wait(n int, timeout time.Duration) []a2a.Message {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		if len(s.messages) >= n {
			out := make([]a2a.Message, len(s.messages))
			copy(out, s.messages)
			s.mu.Unlock()
			return out
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]a2a.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func startedTask(t *testing.T) *task.Task {
	t.Helper()
	tk := task.New("t1", "code", 5, nil)
	require.NoError(t, tk.Start())
	return tk
}

func newHandler(bus a2a.Bus) *LoopHandler {
	return NewLoopHandler(bus, orchestrator, coordinator,
		NewRetryManager(RetryConfig{MaxRetries: 3, Timeout: time.Second}), nil)
}

func staticGenerator(artifact map[string]any) Generator {
	return func(context.Context, string) (map[string]any, error) {
		return artifact, nil
	}
}

func TestAlwaysFailingArtifactEscalates(t *testing.T) {
	bus := a2a.NewInProcBus()
	defer bus.Close()

	reject := map[string]any{
		"passed":   false,
		"issues":   []string{"missing error handling"},
		"feedback": "wrap the fallible calls",
	}
	v := &scriptedValidator{verdicts: []map[string]any{reject}}
	v.attach(t, bus)
	sink := &escalationSink{}
	sink.attach(t, bus)

	tk := startedTask(t)
	outcome, err := newHandler(bus).ValidateWithRetry(
		context.Background(), tk, validator, staticGenerator(map[string]any{"code": "x"}), nil)
	require.NoError(t, err)

	assert.Equal(t, StatusEscalated, outcome.Status)
	assert.Equal(t, 3, outcome.Attempts)
	assert.Equal(t, []string{"missing error handling"}, outcome.Issues)
	require.Len(t, outcome.History, 3)

	assert.Equal(t, task.StatusEscalated, tk.Status())
	assert.Equal(t, 3, tk.RejectionCount())
	assert.Equal(t, 3, v.requestCount())

	escalations := sink.wait(1, time.Second)
	require.Len(t, escalations, 1)
	msg := escalations[0]
	assert.Equal(t, a2a.TypeEscalationRequest, msg.Type)
	assert.Equal(t, a2a.PriorityHighest, msg.Priority)
	history, ok := msg.Payload["history"].([]map[string]any)
	require.True(t, ok)
	assert.Len(t, history, 3)
}

func TestFixedOnRetryValidates(t *testing.T) {
	bus := a2a.NewInProcBus()
	defer bus.Close()

	v := &scriptedValidator{verdicts: []map[string]any{
		{"passed": false, "issues": []string{"add error handling"}, "feedback": "add error handling"},
		{"passed": true},
	}}
	v.attach(t, bus)
	sink := &escalationSink{}
	sink.attach(t, bus)

	var feedbacks []string
	generate := func(_ context.Context, feedback string) (map[string]any, error) {
		feedbacks = append(feedbacks, feedback)
		return map[string]any{"code": "y"}, nil
	}

	tk := startedTask(t)
	outcome, err := newHandler(bus).ValidateWithRetry(context.Background(), tk, validator, generate, nil)
	require.NoError(t, err)

	assert.Equal(t, StatusValidated, outcome.Status)
	assert.Equal(t, 2, outcome.Attempts)
	assert.Empty(t, outcome.Issues)

	// Second attempt carried the validator feedback.
	require.Equal(t, []string{"", "add error handling"}, feedbacks)

	assert.Equal(t, task.StatusCompleted, tk.Status())
	assert.Equal(t, 1, tk.RejectionCount())
	assert.Empty(t, sink.wait(1, 50*time.Millisecond))
}

func TestTaskThresholdGovernsEscalation(t *testing.T) {
	bus := a2a.NewInProcBus()
	defer bus.Close()

	v := &scriptedValidator{verdicts: []map[string]any{
		{"passed": false, "issues": []string{"still failing"}},
	}}
	v.attach(t, bus)
	sink := &escalationSink{}
	sink.attach(t, bus)

	// The task escalates after two rejections even though the retry
	// manager would allow three attempts.
	tk := task.New("t1", "code", 5, nil)
	tk.EscalationThreshold = 2
	require.NoError(t, tk.Start())

	outcome, err := newHandler(bus).ValidateWithRetry(
		context.Background(), tk, validator, staticGenerator(map[string]any{"code": "x"}), nil)
	require.NoError(t, err)

	assert.Equal(t, StatusEscalated, outcome.Status)
	assert.Equal(t, 2, outcome.Attempts)
	require.Len(t, outcome.History, 2)

	assert.Equal(t, task.StatusEscalated, tk.Status())
	assert.Equal(t, 2, tk.RejectionCount())
	assert.Equal(t, 2, v.requestCount())
	require.Len(t, sink.wait(1, time.Second), 1)
}

func TestHighThresholdOutlastsRetryDefault(t *testing.T) {
	bus := a2a.NewInProcBus()
	defer bus.Close()

	v := &scriptedValidator{verdicts: []map[string]any{
		{"passed": false, "issues": []string{"not yet"}},
	}}
	v.attach(t, bus)
	sink := &escalationSink{}
	sink.attach(t, bus)

	tk := task.New("t1", "code", 5, nil)
	tk.EscalationThreshold = 5
	require.NoError(t, tk.Start())

	outcome, err := newHandler(bus).ValidateWithRetry(
		context.Background(), tk, validator, staticGenerator(map[string]any{"code": "x"}), nil)
	require.NoError(t, err)

	// Escalation lands exactly on the fifth rejection, never on the
	// retry manager's smaller default.
	assert.Equal(t, StatusEscalated, outcome.Status)
	assert.Equal(t, 5, outcome.Attempts)
	assert.Equal(t, 5, tk.RejectionCount())
	assert.Equal(t, task.StatusEscalated, tk.Status())
	require.Len(t, sink.wait(1, time.Second), 1)
}

func TestTimeoutConsumesNoAttempt(t *testing.T) {
	bus := a2a.NewInProcBus()
	defer bus.Close()
	// No validator subscribed: every request times out.

	handler := NewLoopHandler(bus, orchestrator, coordinator,
		NewRetryManager(RetryConfig{MaxRetries: 3, Timeout: 30 * time.Millisecond}), nil)

	tk := startedTask(t)
	_, err := handler.ValidateWithRetry(
		context.Background(), tk, validator, staticGenerator(map[string]any{"code": "z"}), nil)
	require.ErrorIs(t, err, a2a.ErrTimeout)

	// The timeout is not a rejection and the task stays retryable.
	assert.Equal(t, 0, tk.RejectionCount())
	assert.Equal(t, task.StatusInProgress, tk.Status())
}

func TestGeneratorErrorPropagates(t *testing.T) {
	bus := a2a.NewInProcBus()
	defer bus.Close()

	boom := func(context.Context, string) (map[string]any, error) {
		return nil, context.DeadlineExceeded
	}

	tk := startedTask(t)
	_, err := newHandler(bus).ValidateWithRetry(context.Background(), tk, validator, boom, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, tk.RejectionCount())
}
