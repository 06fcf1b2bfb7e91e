package capability

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrAgentNotFound is returned when looking up an unregistered agent.
var ErrAgentNotFound = errors.New("capability: agent not found")

// record wraps one agent descriptor. The record mutex makes performance and
// cost updates single-writer per agent; registry-level reads take copies
// under the registry RWMutex.
type record struct {
	mu        sync.Mutex
	agent     AgentCapability
	completed int64
}

// Registry is an explicitly constructed store of agent descriptors, passed by
// handle into the orchestrator. Safe for concurrent reads; writes are
// serialized per agent record.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*record
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*record)}
}

// Register validates and adds (or replaces) an agent descriptor.
func (r *Registry) Register(agent AgentCapability) error {
	if err := agent.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agent.ID] = &record{agent: agent}
	return nil
}

// Replace atomically swaps the full registry contents. Used by the manifest
// watcher on hot reload; performance history for surviving agents is kept.
func (r *Registry) Replace(agents []AgentCapability) error {
	for _, a := range agents {
		if err := a.Validate(); err != nil {
			return err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*record, len(agents))
	for _, a := range agents {
		if prev, ok := r.agents[a.ID]; ok {
			prev.mu.Lock()
			a.Performance = prev.agent.Performance
			next[a.ID] = &record{agent: a, completed: prev.completed}
			prev.mu.Unlock()
			continue
		}
		next[a.ID] = &record{agent: a}
	}
	r.agents = next
	return nil
}

// Get returns a copy of the agent descriptor.
func (r *Registry) Get(id string) (AgentCapability, error) {
	r.mu.RLock()
	rec, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return AgentCapability{}, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.agent, nil
}

// List returns copies of all descriptors, ordered by id.
func (r *Registry) List() []AgentCapability {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.agents))
	for _, rec := range r.agents {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]AgentCapability, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, rec.agent)
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetActive flips the agent's active flag.
func (r *Registry) SetActive(id string, active bool) error {
	r.mu.RLock()
	rec, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	rec.mu.Lock()
	rec.agent.Active = active
	rec.mu.Unlock()
	return nil
}

// RecordCompletion folds one finished task into the agent's rolling
// performance and cost statistics. Single-writer per record: concurrent
// completions for the same agent serialize on the record mutex.
func (r *Registry) RecordCompletion(id string, duration time.Duration, success, retried bool, cost float64) error {
	r.mu.RLock()
	rec, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	n := rec.completed + 1
	p := &rec.agent.Performance
	p.AvgDuration = time.Duration((int64(p.AvgDuration)*rec.completed + int64(duration)) / n)
	p.SuccessRate = runningRate(p.SuccessRate, rec.completed, success)
	p.RetryRate = runningRate(p.RetryRate, rec.completed, retried)
	if cost > 0 {
		c := &rec.agent.Cost
		c.CostPerTask = (c.CostPerTask*float64(rec.completed) + cost) / float64(n)
	}
	rec.completed = n
	return nil
}

func runningRate(rate float64, n int64, hit bool) float64 {
	v := 0.0
	if hit {
		v = 1.0
	}
	return (rate*float64(n) + v) / float64(n+1)
}

// Size returns the number of registered agents.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
