package capability

import (
	"errors"
	"sort"
)

// ErrNoAgentAvailable is returned by Select when no registered agent passes
// the capability gate.
var ErrNoAgentAvailable = errors.New("capability: no agent matches the requirements")

// Weights control the blend of the fit score components. They should sum
// to 1; Score normalizes if they do not.
type Weights struct {
	Capabilities float64
	Performance  float64
	Cost         float64
	Availability float64
}

// DefaultWeights is the standard scoring blend.
var DefaultWeights = Weights{
	Capabilities: 0.4,
	Performance:  0.3,
	Cost:         0.2,
	Availability: 0.1,
}

// costCeiling is the reference cost against which per-task cost is
// normalized: an agent at or above $1/task scores zero on cost.
const costCeiling = 1.0

// optionalBlend is the share of the capability score contributed by
// optional-tag overlap when optional tags are supplied.
const optionalBlend = 0.2

// Requirements describes what a task needs from an agent.
type Requirements struct {
	Required  []Tag
	Optional  []Tag
	Language  string
	Framework string
}

// Candidate pairs an agent with its fit score.
type Candidate struct {
	Agent AgentCapability
	Score float64
}

// Selector ranks registry agents against task requirements.
type Selector struct {
	registry *Registry
	weights  Weights
}

// NewSelector creates a selector over the given registry with default
// weights.
func NewSelector(registry *Registry) *Selector {
	return &Selector{registry: registry, weights: DefaultWeights}
}

// WithWeights returns a selector using custom weights.
func (s *Selector) WithWeights(w Weights) *Selector {
	return &Selector{registry: s.registry, weights: w}
}

// Matches is the hard capability gate, evaluated before any scoring: every
// required tag must be present and any language/framework constraint must be
// supported. An agent that fails the gate is never selected regardless of
// its score.
func Matches(agent AgentCapability, req Requirements) bool {
	for _, tag := range req.Required {
		if !agent.HasTag(tag) {
			return false
		}
	}
	return agent.SupportsLanguage(req.Language) && agent.SupportsFramework(req.Framework)
}

// Score computes the weighted fit of the agent in [0,1].
//
// capability: overlap ratio of required tags, blended 80/20 with the
// optional-tag overlap when optional tags are supplied. performance: the
// agent's historical success rate. cost: max(0, 1 - cost_per_task) against
// the $1 ceiling. availability: 1 iff active and deployed.
func Score(agent AgentCapability, req Requirements, w Weights) float64 {
	total := w.Capabilities + w.Performance + w.Cost + w.Availability
	if total <= 0 {
		w, total = DefaultWeights, 1.0
	}

	capScore := overlap(agent, req.Required)
	if len(req.Optional) > 0 {
		capScore = (1-optionalBlend)*capScore + optionalBlend*overlap(agent, req.Optional)
	}

	costScore := 1 - agent.Cost.CostPerTask/costCeiling
	if costScore < 0 {
		costScore = 0
	}

	availScore := 0.0
	if agent.Available() {
		availScore = 1.0
	}

	score := w.Capabilities*capScore +
		w.Performance*agent.Performance.SuccessRate +
		w.Cost*costScore +
		w.Availability*availScore
	return score / total
}

func overlap(agent AgentCapability, tags []Tag) float64 {
	if len(tags) == 0 {
		return 1.0
	}
	hits := 0
	for _, tag := range tags {
		if agent.HasTag(tag) {
			hits++
		}
	}
	return float64(hits) / float64(len(tags))
}

// Rank returns all gate-passing agents ordered by score descending. Ties
// break by lower cost per task, then by agent id.
func (s *Selector) Rank(req Requirements) []Candidate {
	var out []Candidate
	for _, agent := range s.registry.List() {
		if !Matches(agent, req) {
			continue
		}
		out = append(out, Candidate{Agent: agent, Score: Score(agent, req, s.weights)})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Agent.Cost.CostPerTask != out[j].Agent.Cost.CostPerTask {
			return out[i].Agent.Cost.CostPerTask < out[j].Agent.Cost.CostPerTask
		}
		return out[i].Agent.ID < out[j].Agent.ID
	})
	return out
}

// Select returns the best-ranked agent, or ErrNoAgentAvailable when the gate
// eliminates every candidate.
func (s *Selector) Select(req Requirements) (Candidate, error) {
	ranked := s.Rank(req)
	if len(ranked) == 0 {
		return Candidate{}, ErrNoAgentAvailable
	}
	return ranked[0], nil
}
