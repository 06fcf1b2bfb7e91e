// Package validation drives the per-task generate, validate, retry,
// escalate cycle. The loop handler is strictly sequential for one task:
// attempt n+1 carries the validator feedback from attempt n.
package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/meshrun/meshrun/a2a"
	"github.com/meshrun/meshrun/metrics"
	"github.com/meshrun/meshrun/task"
)

// Loop outcome statuses.
const (
	StatusValidated = "validated"
	StatusEscalated = "escalated"
)

// Generator produces the task artifact. The feedback argument is empty on
// the first attempt and carries the validator's latest feedback afterwards.
// The call blocks; the loop never runs two generations for one task
// concurrently.
type Generator func(ctx context.Context, feedback string) (map[string]any, error)

// AttemptRecord is one rejected attempt in the escalation history.
type AttemptRecord struct {
	Attempt  int      `json:"attempt"`
	Issues   []string `json:"issues"`
	Feedback string   `json:"feedback,omitempty"`
}

// Outcome is the loop verdict for one task.
type Outcome struct {
	Status   string          `json:"status"`
	Attempts int             `json:"attempts"`
	Issues   []string        `json:"issues,omitempty"`
	History  []AttemptRecord `json:"history,omitempty"`
	Artifact map[string]any  `json:"artifact,omitempty"`
}

// LoopHandler runs validation loops over the bus.
type LoopHandler struct {
	bus        a2a.Bus
	self       a2a.Endpoint
	escalateTo a2a.Endpoint
	retries    *RetryManager
	logger     *slog.Logger
}

// NewLoopHandler creates a loop handler. Escalations are published to
// escalateTo with the highest priority.
func NewLoopHandler(bus a2a.Bus, self, escalateTo a2a.Endpoint, retries *RetryManager, logger *slog.Logger) *LoopHandler {
	if retries == nil {
		retries = NewRetryManager(DefaultRetryConfig())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LoopHandler{
		bus:        bus,
		self:       self,
		escalateTo: escalateTo,
		retries:    retries,
		logger:     logger,
	}
}

// ValidateWithRetry runs generate/validate cycles for the task until the
// validator accepts, the attempts are exhausted, or a transport error occurs.
//
// The task must be in_progress when called. On acceptance the task completes.
// On each rejection the verdict is appended to the task's validation history
// and the loop retries with the validator's feedback. When the task's
// rejection count reaches its own escalation threshold the task escalates
// exactly at that boundary and exactly one escalation_request carrying the
// full attempt history is published. The threshold comes from the task, so
// two tasks in the same loop handler can escalate after different numbers
// of rejections.
//
// A timeout on the validator exchange is not a rejection: it consumes no
// attempt and propagates to the caller unretried.
func (h *LoopHandler) ValidateWithRetry(ctx context.Context, tk *task.Task, validator a2a.Endpoint, generate Generator, criteria map[string]any) (Outcome, error) {
	feedback := ""
	var history []AttemptRecord

	for attempt := 1; ; attempt++ {
		artifact, err := generate(ctx, feedback)
		if err != nil {
			h.retries.RecordError(tk.ID, err)
			return Outcome{}, fmt.Errorf("validation: generate artifact for task %s: %w", tk.ID, err)
		}

		req := a2a.NewValidationRequest(h.self, validator, map[string]any{
			"task_id":  tk.ID,
			"artifact": artifact,
			"criteria": criteria,
			"attempt":  attempt,
		})
		resp, err := h.bus.SendAndWait(ctx, req, h.retries.Config().Timeout)
		if err != nil {
			// Timeouts are not rejections. No attempt is consumed and
			// the retry-versus-abandon decision moves to the caller.
			h.retries.RecordError(tk.ID, err)
			if errors.Is(err, a2a.ErrTimeout) {
				metrics.RequestTimeouts.Inc()
			}
			return Outcome{}, fmt.Errorf("validation: task %s attempt %d: %w", tk.ID, attempt, err)
		}

		// Only a completed exchange counts as an attempt. Timeouts above
		// consume nothing.
		h.retries.RecordAttempt(tk.ID)
		metrics.ValidationAttempts.Inc()

		verdict := parseVerdict(resp)
		if verdict.Passed {
			tk.AddValidationResult(task.ValidationResult{Passed: true, Feedback: verdict.Feedback})
			if err := tk.Complete(); err != nil {
				return Outcome{}, err
			}
			h.retries.Reset(tk.ID)
			h.logger.Info("validation passed", "task_id", tk.ID, "attempts", attempt)
			return Outcome{Status: StatusValidated, Attempts: attempt, Artifact: artifact}, nil
		}

		metrics.ValidationRejections.Inc()
		h.retries.RecordFailure(tk.ID, verdict.Issues)
		tk.AddValidationResult(task.ValidationResult{
			Passed:   false,
			Issues:   verdict.Issues,
			Feedback: verdict.Feedback,
		})
		if err := tk.MarkValidationFailed(firstOrEmpty(verdict.Issues)); err != nil {
			return Outcome{}, err
		}
		history = append(history, AttemptRecord{
			Attempt:  attempt,
			Issues:   verdict.Issues,
			Feedback: verdict.Feedback,
		})
		h.logger.Warn("validation rejected",
			"task_id", tk.ID,
			"attempt", attempt,
			"issues", len(verdict.Issues))

		if tk.ShouldEscalate() {
			if err := h.escalate(ctx, tk, history); err != nil {
				return Outcome{}, err
			}
			return Outcome{
				Status:   StatusEscalated,
				Attempts: attempt,
				Issues:   verdict.Issues,
				History:  history,
			}, nil
		}

		feedback = verdict.Feedback
		if err := tk.Retry(); err != nil {
			return Outcome{}, err
		}
	}
}

// escalate transitions the task and publishes the single escalation_request
// with the complete attempt history.
func (h *LoopHandler) escalate(ctx context.Context, tk *task.Task, history []AttemptRecord) error {
	if err := tk.Escalate(); err != nil {
		return err
	}
	metrics.Escalations.Inc()

	entries := make([]map[string]any, 0, len(history))
	for _, rec := range history {
		entries = append(entries, map[string]any{
			"attempt":  rec.Attempt,
			"issues":   rec.Issues,
			"feedback": rec.Feedback,
		})
	}
	msg := a2a.NewEscalationRequest(h.self, h.escalateTo, map[string]any{
		"task_id":         tk.ID,
		"rejection_count": tk.RejectionCount(),
		"history":         entries,
	})
	if err := h.bus.Publish(ctx, msg); err != nil {
		return fmt.Errorf("validation: publish escalation for task %s: %w", tk.ID, err)
	}
	h.logger.Error("task escalated", "task_id", tk.ID, "attempts", len(history))
	return nil
}

type verdict struct {
	Passed   bool
	Issues   []string
	Feedback string
}

// parseVerdict extracts the validator's decision from a validation_result
// payload.
func parseVerdict(msg a2a.Message) verdict {
	v := verdict{}
	if passed, ok := msg.Payload["passed"].(bool); ok {
		v.Passed = passed
	}
	if feedback, ok := msg.Payload["feedback"].(string); ok {
		v.Feedback = feedback
	}
	switch issues := msg.Payload["issues"].(type) {
	case []string:
		v.Issues = issues
	case []any:
		for _, it := range issues {
			if s, ok := it.(string); ok {
				v.Issues = append(v.Issues, s)
			}
		}
	}
	return v
}

func firstOrEmpty(issues []string) string {
	if len(issues) == 0 {
		return ""
	}
	return issues[0]
}
