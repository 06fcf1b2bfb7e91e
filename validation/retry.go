package validation

import (
	"sync"
	"time"
)

// RetryConfig holds retry configuration for the validation loop.
type RetryConfig struct {
	// MaxRetries is the attempt count at which Exhausted reports true.
	// Escalation itself is governed by each task's own escalation
	// threshold, not this value.
	MaxRetries int           `json:"max_retries" yaml:"max_retries"`
	Timeout    time.Duration `json:"timeout" yaml:"timeout"`
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		Timeout:    2 * time.Minute,
	}
}

// RetryState tracks validation attempts for one task.
type RetryState struct {
	TaskID      string    `json:"task_id"`
	Attempts    int       `json:"attempts"`
	CreatedAt   time.Time `json:"created_at"`
	LastAttempt time.Time `json:"last_attempt"`
	LastIssues  []string  `json:"last_issues,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

// DeepCopy returns a deep copy of the RetryState.
func (s *RetryState) DeepCopy() *RetryState {
	if s == nil {
		return nil
	}
	stateCopy := *s
	if s.LastIssues != nil {
		stateCopy.LastIssues = make([]string, len(s.LastIssues))
		copy(stateCopy.LastIssues, s.LastIssues)
	}
	return &stateCopy
}

// RetryManager tracks validation attempts across tasks.
type RetryManager struct {
	config RetryConfig
	states map[string]*RetryState
	mu     sync.RWMutex
}

// NewRetryManager creates a new retry manager.
func NewRetryManager(config RetryConfig) *RetryManager {
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultRetryConfig().MaxRetries
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultRetryConfig().Timeout
	}
	return &RetryManager{
		config: config,
		states: make(map[string]*RetryState),
	}
}

// Config returns the manager's configuration.
func (m *RetryManager) Config() RetryConfig {
	return m.config
}

// RecordAttempt records an attempt for a task and returns the current
// attempt number.
func (m *RetryManager) RecordAttempt(taskID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.stateLocked(taskID)
	state.Attempts++
	state.LastAttempt = time.Now().UTC()
	return state.Attempts
}

// RecordFailure records a rejected attempt with the validator's issues.
func (m *RetryManager) RecordFailure(taskID string, issues []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.stateLocked(taskID)
	state.LastIssues = make([]string, len(issues))
	copy(state.LastIssues, issues)
}

// RecordError records a transport or generator error for a task without
// consuming an attempt.
func (m *RetryManager) RecordError(taskID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stateLocked(taskID).LastError = err.Error()
}

// Exhausted reports whether the task has used all its attempts.
func (m *RetryManager) Exhausted(taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[taskID]
	return ok && state.Attempts >= m.config.MaxRetries
}

// State returns a copy of the task's retry state, or nil.
func (m *RetryManager) State(taskID string) *RetryState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.states[taskID].DeepCopy()
}

// Reset clears the task's retry state.
func (m *RetryManager) Reset(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, taskID)
}

func (m *RetryManager) stateLocked(taskID string) *RetryState {
	state, ok := m.states[taskID]
	if !ok {
		state = &RetryState{TaskID: taskID, CreatedAt: time.Now().UTC()}
		m.states[taskID] = state
	}
	return state
}
