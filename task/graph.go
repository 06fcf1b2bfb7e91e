package task

import (
	"errors"
	"fmt"
)

// Graph errors.
var (
	ErrDuplicateTask = errors.New("task: duplicate task id")
	ErrUnknownDep    = errors.New("task: dependency on unknown task")
	ErrCycle         = errors.New("task: dependency cycle")
)

// Graph is a task dependency DAG. Insertion order is preserved so planning
// and reporting stay deterministic.
type Graph struct {
	tasks map[string]*Task
	order []string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{tasks: make(map[string]*Task)}
}

// Add inserts a task.
func (g *Graph) Add(t *Task) error {
	if _, ok := g.tasks[t.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTask, t.ID)
	}
	g.tasks[t.ID] = t
	g.order = append(g.order, t.ID)
	return nil
}

// Get returns the task with the given id, or nil.
func (g *Graph) Get(id string) *Task {
	return g.tasks[id]
}

// Len returns the number of tasks.
func (g *Graph) Len() int { return len(g.tasks) }

// IDs returns task ids in insertion order.
func (g *Graph) IDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Tasks returns the tasks in insertion order.
func (g *Graph) Tasks() []*Task {
	out := make([]*Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id])
	}
	return out
}

// RequiredDependents returns ids of tasks that have a required dependency on
// id, in insertion order. These are the tasks that stay blocked when id
// fails.
func (g *Graph) RequiredDependents(id string) []string {
	var out []string
	for _, tid := range g.order {
		for _, dep := range g.tasks[tid].Dependencies {
			if dep.Required && dep.TaskID == id {
				out = append(out, tid)
				break
			}
		}
	}
	return out
}

// TransitiveRequiredDependents returns every task downstream of id through
// required edges.
func (g *Graph) TransitiveRequiredDependents(id string) []string {
	seen := map[string]bool{}
	var out []string
	frontier := []string{id}
	for len(frontier) > 0 {
		next := frontier[0]
		frontier = frontier[1:]
		for _, dep := range g.RequiredDependents(next) {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
			frontier = append(frontier, dep)
		}
	}
	return out
}

// Validate checks that every dependency references a known task and that the
// graph is acyclic (Kahn's algorithm over all dependency edges).
func (g *Graph) Validate() error {
	indegree := make(map[string]int, len(g.tasks))
	for _, id := range g.order {
		indegree[id] = 0
	}
	for _, id := range g.order {
		counted := make(map[string]bool)
		for _, dep := range g.tasks[id].Dependencies {
			if _, ok := g.tasks[dep.TaskID]; !ok {
				return fmt.Errorf("%w: %s -> %s", ErrUnknownDep, id, dep.TaskID)
			}
			// Repeated entries for the same dependency are one edge;
			// dependentsAll below also counts each dependent once.
			if counted[dep.TaskID] {
				continue
			}
			counted[dep.TaskID] = true
			indegree[id]++
		}
	}

	var queue []string
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range g.dependentsAll(id) {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visited != len(g.tasks) {
		return ErrCycle
	}
	return nil
}

// dependentsAll returns ids of tasks with any dependency (required or
// optional) on id.
func (g *Graph) dependentsAll(id string) []string {
	var out []string
	for _, tid := range g.order {
		for _, dep := range g.tasks[tid].Dependencies {
			if dep.TaskID == id {
				out = append(out, tid)
				break
			}
		}
	}
	return out
}
