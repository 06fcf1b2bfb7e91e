package capability

import (
	"os"
	"path/filepath"
	"testing"
)

const manifestYAML = `agents:
  - id: go-coder
    name: Go Coder
    type: worker
    capability_tags: [code_generation, testing]
    supported_languages: [go]
    cost:
      cost_per_task: 0.25
    max_concurrent_tasks: 2
    is_active: true
    is_deployed: true
  - id: reviewer
    name: Reviewer
    type: validator
    capability_tags: [code_review, validation]
    max_concurrent_tasks: 4
    is_active: true
    is_deployed: true
`

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	if err := os.WriteFile(path, []byte(manifestYAML), 0644); err != nil {
		t.Fatal(err)
	}

	agents, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	if len(agents) != 2 {
		t.Fatalf("got %d agents, want 2", len(agents))
	}
	if agents[0].ID != "go-coder" {
		t.Errorf("id = %s, want go-coder", agents[0].ID)
	}
	if !agents[0].HasTag(TagCodeGeneration) {
		t.Error("expected code_generation tag")
	}
	if agents[0].Cost.CostPerTask != 0.25 {
		t.Errorf("cost = %f, want 0.25", agents[0].Cost.CostPerTask)
	}
}

func TestLoadManifestRejectsBadTags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agents.yaml")
	bad := "agents:\n  - id: a\n    capability_tags: [telepathy]\n"
	if err := os.WriteFile(path, []byte(bad), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadManifest(path); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadManifestMissingFile(t *testing.T) {
	if _, err := LoadManifest(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
