package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/meshrun/meshrun/task"
)

// TaskFile is the YAML run description accepted by the run and plan
// commands.
type TaskFile struct {
	Name  string     `yaml:"name"`
	Tasks []TaskSpec `yaml:"tasks"`
}

// TaskSpec describes one task in a task file.
type TaskSpec struct {
	ID                  string            `yaml:"id"`
	Type                string            `yaml:"type"`
	Description         string            `yaml:"description"`
	Priority            int               `yaml:"priority"`
	Dependencies        []task.Dependency `yaml:"dependencies"`
	EscalationThreshold int               `yaml:"escalation_threshold"`
	RequiresApproval    bool              `yaml:"requires_approval"`
}

// LoadTaskFile parses a task file and builds the validated dependency graph.
func LoadTaskFile(path string) (*task.Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}

	var tf TaskFile
	if err := yaml.Unmarshal(data, &tf); err != nil {
		return nil, fmt.Errorf("parse task file: %w", err)
	}
	if len(tf.Tasks) == 0 {
		return nil, fmt.Errorf("task file %s contains no tasks", path)
	}

	g := task.NewGraph()
	for _, spec := range tf.Tasks {
		if spec.ID == "" {
			return nil, fmt.Errorf("task file %s: task with empty id", path)
		}
		priority := spec.Priority
		if priority == 0 {
			priority = 5
		}
		tk := task.New(spec.ID, spec.Type, priority, spec.Dependencies)
		tk.Description = spec.Description
		tk.RequiresApproval = spec.RequiresApproval
		if spec.EscalationThreshold > 0 {
			tk.EscalationThreshold = spec.EscalationThreshold
		}
		if err := g.Add(tk); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}
