package task

import (
	"errors"
	"reflect"
	"testing"
)

func buildGraph(t *testing.T, specs map[string][]Dependency, order []string) *Graph {
	t.Helper()
	g := NewGraph()
	for _, id := range order {
		if err := g.Add(New(id, "code", 5, specs[id])); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	return g
}

func TestGraphRejectsDuplicates(t *testing.T) {
	g := NewGraph()
	if err := g.Add(New("t1", "code", 5, nil)); err != nil {
		t.Fatal(err)
	}
	if err := g.Add(New("t1", "code", 5, nil)); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("err = %v, want ErrDuplicateTask", err)
	}
}

func TestGraphValidateUnknownDep(t *testing.T) {
	g := buildGraph(t, map[string][]Dependency{
		"t1": {{TaskID: "ghost", Required: true}},
	}, []string{"t1"})

	if err := g.Validate(); !errors.Is(err, ErrUnknownDep) {
		t.Fatalf("err = %v, want ErrUnknownDep", err)
	}
}

func TestGraphValidateCycle(t *testing.T) {
	g := buildGraph(t, map[string][]Dependency{
		"t1": {{TaskID: "t3", Required: true}},
		"t2": {{TaskID: "t1", Required: true}},
		"t3": {{TaskID: "t2", Required: true}},
	}, []string{"t1", "t2", "t3"})

	if err := g.Validate(); !errors.Is(err, ErrCycle) {
		t.Fatalf("err = %v, want ErrCycle", err)
	}
}

func TestGraphValidateAcyclic(t *testing.T) {
	g := buildGraph(t, map[string][]Dependency{
		"t2": {{TaskID: "t1", Required: true}},
		"t3": {{TaskID: "t1", Required: false}},
		"t4": {{TaskID: "t2", Required: true}, {TaskID: "t3", Required: true}},
	}, []string{"t1", "t2", "t3", "t4"})

	if err := g.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestGraphValidateAcceptsRepeatedDependency(t *testing.T) {
	// The same dependency listed twice (here once required, once
	// optional) is one edge, not a cycle.
	g := buildGraph(t, map[string][]Dependency{
		"t2": {{TaskID: "t1", Required: true}, {TaskID: "t1", Required: false}},
		"t3": {{TaskID: "t2", Required: true}, {TaskID: "t2", Required: true}},
	}, []string{"t1", "t2", "t3"})

	if err := g.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestTransitiveRequiredDependents(t *testing.T) {
	// t1 <- t2 <- t4, t1 <- t3 (optional), t3 <- t5 (required).
	// Failing t1 must block t2 and t4 but not t3 or t5.
	g := buildGraph(t, map[string][]Dependency{
		"t2": {{TaskID: "t1", Required: true}},
		"t3": {{TaskID: "t1", Required: false}},
		"t4": {{TaskID: "t2", Required: true}},
		"t5": {{TaskID: "t3", Required: true}},
	}, []string{"t1", "t2", "t3", "t4", "t5"})

	got := g.TransitiveRequiredDependents("t1")
	want := []string{"t2", "t4"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("dependents = %v, want %v", got, want)
	}
}
