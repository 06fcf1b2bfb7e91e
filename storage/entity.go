// Package storage persists orchestration entities in NATS JetStream KV:
// agent capability snapshots, task snapshots, run reports, and escalation
// records.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/meshrun/meshrun/capability"
	"github.com/meshrun/meshrun/runner"
	"github.com/meshrun/meshrun/task"
	"github.com/meshrun/meshrun/validation"
)

// EntityType represents the type of entity stored in KV.
type EntityType string

const (
	EntityTypeAgent      EntityType = "agent"
	EntityTypeTask       EntityType = "task"
	EntityTypeRun        EntityType = "run"
	EntityTypeEscalation EntityType = "escalation"
)

// Bucket names for each entity type.
const (
	BucketAgents      = "MESHRUN_AGENTS"
	BucketTasks       = "MESHRUN_TASKS"
	BucketRuns        = "MESHRUN_RUNS"
	BucketEscalations = "MESHRUN_ESCALATIONS"
)

// EntityID represents a typed entity identifier.
type EntityID struct {
	Type EntityType
	ID   string
}

// String returns the string representation of the entity ID.
func (e EntityID) String() string {
	return fmt.Sprintf("%s:%s", e.Type, e.ID)
}

// ParseEntityID parses an entity ID string into its components.
func ParseEntityID(s string) (EntityID, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return EntityID{}, fmt.Errorf("invalid entity ID format: %s", s)
	}
	entityType := EntityType(parts[0])
	switch entityType {
	case EntityTypeAgent, EntityTypeTask, EntityTypeRun, EntityTypeEscalation:
		return EntityID{Type: entityType, ID: parts[1]}, nil
	default:
		return EntityID{}, fmt.Errorf("unknown entity type: %s", parts[0])
	}
}

// NewEntityID generates a new unique entity ID for the given type.
func NewEntityID(t EntityType) EntityID {
	return EntityID{
		Type: t,
		ID:   uuid.New().String(),
	}
}

// TaskRecord is a point-in-time task snapshot. Status, rejection count, and
// the histories are copied out from under the task's lock, so the record is
// safe to marshal after the run moves on.
type TaskRecord struct {
	ID                  string                  `json:"id"`
	Type                string                  `json:"type"`
	Description         string                  `json:"description,omitempty"`
	Priority            int                     `json:"priority"`
	Dependencies        []task.Dependency       `json:"dependencies,omitempty"`
	EscalationThreshold int                     `json:"escalation_threshold"`
	RequiresApproval    bool                    `json:"requires_approval,omitempty"`
	Status              task.Status             `json:"status"`
	RejectionCount      int                     `json:"rejection_count"`
	ValidationHistory   []task.ValidationResult `json:"validation_history,omitempty"`
	AuditHistory        []task.AuditEntry       `json:"audit_history,omitempty"`
	UpdatedAt           time.Time               `json:"updated_at"`
}

// NewTaskRecord snapshots the task's current state.
func NewTaskRecord(tk *task.Task) *TaskRecord {
	return &TaskRecord{
		ID:                  tk.ID,
		Type:                tk.Type,
		Description:         tk.Description,
		Priority:            tk.Priority,
		Dependencies:        tk.Dependencies,
		EscalationThreshold: tk.EscalationThreshold,
		RequiresApproval:    tk.RequiresApproval,
		Status:              tk.Status(),
		RejectionCount:      tk.RejectionCount(),
		ValidationHistory:   tk.ValidationHistory(),
		AuditHistory:        tk.AuditHistory(),
		UpdatedAt:           time.Now().UTC(),
	}
}

// RunRecord wraps an execution report for persistence.
type RunRecord struct {
	ID        string         `json:"id"`
	Report    *runner.Report `json:"report"`
	CreatedAt time.Time      `json:"created_at"`
}

// EscalationRecord persists one escalated task with its attempt history.
type EscalationRecord struct {
	ID        string                     `json:"id"`
	RunID     string                     `json:"run_id"`
	TaskID    string                     `json:"task_id"`
	History   []validation.AttemptRecord `json:"history,omitempty"`
	CreatedAt time.Time                  `json:"created_at"`
}

// Store provides entity storage operations backed by NATS KV.
type Store struct {
	agents      jetstream.KeyValue
	tasks       jetstream.KeyValue
	runs        jetstream.KeyValue
	escalations jetstream.KeyValue
}

// NewStore creates a new Store with the given JetStream context. It creates
// the necessary KV buckets if they don't exist.
func NewStore(ctx context.Context, js jetstream.JetStream) (*Store, error) {
	agents, err := getOrCreateBucket(ctx, js, BucketAgents)
	if err != nil {
		return nil, fmt.Errorf("create agents bucket: %w", err)
	}

	tasks, err := getOrCreateBucket(ctx, js, BucketTasks)
	if err != nil {
		return nil, fmt.Errorf("create tasks bucket: %w", err)
	}

	runs, err := getOrCreateBucket(ctx, js, BucketRuns)
	if err != nil {
		return nil, fmt.Errorf("create runs bucket: %w", err)
	}

	escalations, err := getOrCreateBucket(ctx, js, BucketEscalations)
	if err != nil {
		return nil, fmt.Errorf("create escalations bucket: %w", err)
	}

	return &Store{
		agents:      agents,
		tasks:       tasks,
		runs:        runs,
		escalations: escalations,
	}, nil
}

func getOrCreateBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	kv, err := js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	return js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: fmt.Sprintf("Meshrun %s storage", strings.ToLower(name)),
		History:     5,
	})
}

// PutAgent stores an agent capability snapshot keyed by its agent id.
func (s *Store) PutAgent(ctx context.Context, agent capability.AgentCapability) error {
	if err := agent.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(agent)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	if _, err := s.agents.Put(ctx, agent.ID, data); err != nil {
		return fmt.Errorf("store agent: %w", err)
	}
	return nil
}

// GetAgent retrieves an agent snapshot by agent id.
func (s *Store) GetAgent(ctx context.Context, agentID string) (capability.AgentCapability, error) {
	entry, err := s.agents.Get(ctx, agentID)
	if err != nil {
		if isNotFound(err) {
			return capability.AgentCapability{}, ErrNotFound
		}
		return capability.AgentCapability{}, fmt.Errorf("get agent: %w", err)
	}

	var agent capability.AgentCapability
	if err := json.Unmarshal(entry.Value(), &agent); err != nil {
		return capability.AgentCapability{}, fmt.Errorf("unmarshal agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all stored agent snapshots.
func (s *Store) ListAgents(ctx context.Context) ([]capability.AgentCapability, error) {
	keys, err := s.agents.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list agent keys: %w", err)
	}

	agents := make([]capability.AgentCapability, 0, len(keys))
	for _, key := range keys {
		entry, err := s.agents.Get(ctx, key)
		if err != nil {
			continue // skip entries that fail to load
		}
		var agent capability.AgentCapability
		if err := json.Unmarshal(entry.Value(), &agent); err != nil {
			continue
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// DeleteAgent removes an agent snapshot.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	if err := s.agents.Delete(ctx, agentID); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete agent: %w", err)
	}
	return nil
}

// PutTask stores a task snapshot keyed by its task id. A later snapshot of
// the same task overwrites the earlier one; KV history keeps the recent
// revisions.
func (s *Store) PutTask(ctx context.Context, rec *TaskRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("task record requires an id")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if _, err := s.tasks.Put(ctx, rec.ID, data); err != nil {
		return fmt.Errorf("store task: %w", err)
	}
	return nil
}

// GetTask retrieves a task snapshot by task id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*TaskRecord, error) {
	entry, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}

	var rec TaskRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal task: %w", err)
	}
	return &rec, nil
}

// ListTasks returns all stored task snapshots.
func (s *Store) ListTasks(ctx context.Context) ([]*TaskRecord, error) {
	keys, err := s.tasks.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list task keys: %w", err)
	}

	tasks := make([]*TaskRecord, 0, len(keys))
	for _, key := range keys {
		entry, err := s.tasks.Get(ctx, key)
		if err != nil {
			continue // skip entries that fail to load
		}
		var rec TaskRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			continue
		}
		tasks = append(tasks, &rec)
	}
	return tasks, nil
}

// DeleteTask removes a task snapshot.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	if err := s.tasks.Delete(ctx, taskID); err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// CreateRun persists an execution report and returns its ID.
func (s *Store) CreateRun(ctx context.Context, report *runner.Report) (EntityID, error) {
	id := NewEntityID(EntityTypeRun)
	rec := RunRecord{
		ID:        id.String(),
		Report:    report,
		CreatedAt: time.Now().UTC(),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return EntityID{}, fmt.Errorf("marshal run: %w", err)
	}
	if _, err := s.runs.Create(ctx, id.ID, data); err != nil {
		return EntityID{}, fmt.Errorf("store run: %w", err)
	}
	return id, nil
}

// GetRun retrieves a run record by ID.
func (s *Store) GetRun(ctx context.Context, id EntityID) (*RunRecord, error) {
	if id.Type != EntityTypeRun {
		return nil, fmt.Errorf("invalid entity type: expected run, got %s", id.Type)
	}

	entry, err := s.runs.Get(ctx, id.ID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get run: %w", err)
	}

	var rec RunRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &rec, nil
}

// ListRuns returns all stored run records.
func (s *Store) ListRuns(ctx context.Context) ([]*RunRecord, error) {
	keys, err := s.runs.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list run keys: %w", err)
	}

	runs := make([]*RunRecord, 0, len(keys))
	for _, key := range keys {
		entry, err := s.runs.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec RunRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			continue
		}
		runs = append(runs, &rec)
	}
	return runs, nil
}

// CreateEscalation persists an escalation record and returns its ID.
func (s *Store) CreateEscalation(ctx context.Context, rec *EscalationRecord) (EntityID, error) {
	id := NewEntityID(EntityTypeEscalation)
	rec.ID = id.String()
	rec.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return EntityID{}, fmt.Errorf("marshal escalation: %w", err)
	}
	if _, err := s.escalations.Create(ctx, id.ID, data); err != nil {
		return EntityID{}, fmt.Errorf("store escalation: %w", err)
	}
	return id, nil
}

// ListEscalationsByRun returns all escalations recorded for a run.
func (s *Store) ListEscalationsByRun(ctx context.Context, runID string) ([]*EscalationRecord, error) {
	keys, err := s.escalations.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list escalation keys: %w", err)
	}

	out := make([]*EscalationRecord, 0)
	for _, key := range keys {
		entry, err := s.escalations.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec EscalationRecord
		if err := json.Unmarshal(entry.Value(), &rec); err != nil {
			continue
		}
		if rec.RunID == runID {
			out = append(out, &rec)
		}
	}
	return out, nil
}

// isNotFound checks if an error indicates a key was not found.
func isNotFound(err error) bool {
	return err != nil && strings.Contains(err.Error(), "key not found")
}
