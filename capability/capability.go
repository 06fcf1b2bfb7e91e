// Package capability stores agent capability descriptors and selects agents
// for tasks: a hard match gate over required tags, then a weighted fit score
// over capabilities, historical performance, cost, and availability.
package capability

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Tag is a capability tag. The known set below is fixed; additional tags are
// accepted at registration when prefixed with "x-".
type Tag string

const (
	TagCodeGeneration Tag = "code_generation"
	TagCodeReview     Tag = "code_review"
	TagTesting        Tag = "testing"
	TagDocumentation  Tag = "documentation"
	TagPlanning       Tag = "planning"
	TagValidation     Tag = "validation"
	TagAnalysis       Tag = "analysis"
	TagDeployment     Tag = "deployment"
	TagRefactoring    Tag = "refactoring"
	TagDataModeling   Tag = "data_modeling"
)

// ExtensionPrefix marks open extension tags accepted beyond the fixed set.
const ExtensionPrefix = "x-"

var knownTags = map[Tag]struct{}{
	TagCodeGeneration: {},
	TagCodeReview:     {},
	TagTesting:        {},
	TagDocumentation:  {},
	TagPlanning:       {},
	TagValidation:     {},
	TagAnalysis:       {},
	TagDeployment:     {},
	TagRefactoring:    {},
	TagDataModeling:   {},
}

// ErrInvalidTag is returned when registering an agent with a tag that is
// neither in the fixed enumeration nor an extension tag.
var ErrInvalidTag = errors.New("capability: invalid tag")

// ParseTag validates s as a known or extension tag.
func ParseTag(s string) (Tag, error) {
	t := Tag(s)
	if _, ok := knownTags[t]; ok {
		return t, nil
	}
	if strings.HasPrefix(s, ExtensionPrefix) && len(s) > len(ExtensionPrefix) {
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTag, s)
}

// Performance holds an agent's rolling execution statistics. Updated by the
// registry after each completed task; read by the selector.
type Performance struct {
	AvgDuration time.Duration `json:"avg_duration" yaml:"avg_duration"`
	SuccessRate float64       `json:"success_rate" yaml:"success_rate"`
	RetryRate   float64       `json:"retry_rate" yaml:"retry_rate"`
}

// Cost holds an agent's cost profile. CostPerTask is in USD, normalized
// against a $1 reference ceiling by the selector.
type Cost struct {
	CostPerTask float64 `json:"cost_per_task" yaml:"cost_per_task"`
}

// AgentCapability describes one addressable worker: what it can do, how well
// it has done it, and what it costs.
type AgentCapability struct {
	ID                 string      `json:"id" yaml:"id"`
	Name               string      `json:"name" yaml:"name"`
	Type               string      `json:"type" yaml:"type"`
	Tags               []Tag       `json:"capability_tags" yaml:"capability_tags"`
	Languages          []string    `json:"supported_languages" yaml:"supported_languages"`
	Frameworks         []string    `json:"supported_frameworks" yaml:"supported_frameworks"`
	InputModalities    []string    `json:"input_modalities" yaml:"input_modalities"`
	Performance        Performance `json:"performance" yaml:"performance"`
	Cost               Cost        `json:"cost" yaml:"cost"`
	MaxConcurrentTasks int         `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	Active             bool        `json:"is_active" yaml:"is_active"`
	Deployed           bool        `json:"is_deployed" yaml:"is_deployed"`
}

// Validate checks the descriptor is registrable.
func (a AgentCapability) Validate() error {
	if a.ID == "" {
		return errors.New("capability: agent id is required")
	}
	if len(a.Tags) == 0 {
		return fmt.Errorf("capability: agent %s has no tags", a.ID)
	}
	for _, tag := range a.Tags {
		if _, err := ParseTag(string(tag)); err != nil {
			return fmt.Errorf("agent %s: %w", a.ID, err)
		}
	}
	if a.MaxConcurrentTasks < 0 {
		return fmt.Errorf("capability: agent %s has negative max_concurrent_tasks", a.ID)
	}
	return nil
}

// HasTag reports whether the agent carries the tag.
func (a AgentCapability) HasTag(t Tag) bool {
	for _, tag := range a.Tags {
		if tag == t {
			return true
		}
	}
	return false
}

// SupportsLanguage reports whether the agent supports the language
// (case-insensitive). An empty constraint always matches.
func (a AgentCapability) SupportsLanguage(lang string) bool {
	if lang == "" {
		return true
	}
	return containsFold(a.Languages, lang)
}

// SupportsFramework reports whether the agent supports the framework
// (case-insensitive). An empty constraint always matches.
func (a AgentCapability) SupportsFramework(fw string) bool {
	if fw == "" {
		return true
	}
	return containsFold(a.Frameworks, fw)
}

// Available reports whether the agent can take work right now.
func (a AgentCapability) Available() bool {
	return a.Active && a.Deployed
}

func containsFold(list []string, want string) bool {
	for _, s := range list {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}
