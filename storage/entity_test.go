package storage

import (
	"testing"

	"github.com/meshrun/meshrun/task"
)

func TestEntityID(t *testing.T) {
	t.Run("NewEntityID generates valid ID", func(t *testing.T) {
		id := NewEntityID(EntityTypeRun)
		if id.Type != EntityTypeRun {
			t.Errorf("expected type %s, got %s", EntityTypeRun, id.Type)
		}
		if id.ID == "" {
			t.Error("expected non-empty ID")
		}
	})

	t.Run("String returns correct format", func(t *testing.T) {
		id := EntityID{Type: EntityTypeAgent, ID: "abc123"}
		expected := "agent:abc123"
		if id.String() != expected {
			t.Errorf("expected %s, got %s", expected, id.String())
		}
	})

	t.Run("ParseEntityID parses valid ID", func(t *testing.T) {
		id, err := ParseEntityID("run:abc123")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if id.Type != EntityTypeRun {
			t.Errorf("expected type %s, got %s", EntityTypeRun, id.Type)
		}
		if id.ID != "abc123" {
			t.Errorf("expected ID abc123, got %s", id.ID)
		}
	})

	t.Run("ParseEntityID handles all types", func(t *testing.T) {
		tests := []struct {
			input    string
			expected EntityType
		}{
			{"agent:123", EntityTypeAgent},
			{"task:t1", EntityTypeTask},
			{"run:456", EntityTypeRun},
			{"escalation:789", EntityTypeEscalation},
		}

		for _, tc := range tests {
			id, err := ParseEntityID(tc.input)
			if err != nil {
				t.Errorf("unexpected error for %s: %v", tc.input, err)
				continue
			}
			if id.Type != tc.expected {
				t.Errorf("for %s: expected type %s, got %s", tc.input, tc.expected, id.Type)
			}
		}
	})

	t.Run("ParseEntityID rejects invalid format", func(t *testing.T) {
		invalidIDs := []string{
			"invalid",
			"no-colon",
			"",
			"unknown:123",
			"run:",
		}

		for _, input := range invalidIDs {
			_, err := ParseEntityID(input)
			if err == nil {
				t.Errorf("expected error for %q, got nil", input)
			}
		}
	})

	t.Run("Round trip ID conversion", func(t *testing.T) {
		original := NewEntityID(EntityTypeEscalation)
		str := original.String()
		parsed, err := ParseEntityID(str)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if parsed.Type != original.Type {
			t.Errorf("type mismatch: expected %s, got %s", original.Type, parsed.Type)
		}
		if parsed.ID != original.ID {
			t.Errorf("ID mismatch: expected %s, got %s", original.ID, parsed.ID)
		}
	})
}

func TestEscalationRecordFields(t *testing.T) {
	rec := EscalationRecord{
		RunID:  "run:123",
		TaskID: "t7",
	}
	if rec.RunID != "run:123" {
		t.Errorf("unexpected run ID: %s", rec.RunID)
	}
	if rec.TaskID != "t7" {
		t.Errorf("unexpected task ID: %s", rec.TaskID)
	}
}

func TestBucketNames(t *testing.T) {
	if BucketAgents != "MESHRUN_AGENTS" {
		t.Errorf("unexpected agents bucket: %s", BucketAgents)
	}
	if BucketTasks != "MESHRUN_TASKS" {
		t.Errorf("unexpected tasks bucket: %s", BucketTasks)
	}
	if BucketRuns != "MESHRUN_RUNS" {
		t.Errorf("unexpected runs bucket: %s", BucketRuns)
	}
	if BucketEscalations != "MESHRUN_ESCALATIONS" {
		t.Errorf("unexpected escalations bucket: %s", BucketEscalations)
	}
}

func TestNewTaskRecordSnapshotsState(t *testing.T) {
	tk := task.New("t9", "code", 7, []task.Dependency{{TaskID: "t1", Required: true}})
	tk.Description = "implement the feature"
	tk.RequiresApproval = true
	if err := tk.Start(); err != nil {
		t.Fatal(err)
	}
	tk.AddValidationResult(task.ValidationResult{Passed: false, Issues: []string{"missing tests"}})
	if err := tk.MarkValidationFailed("missing tests"); err != nil {
		t.Fatal(err)
	}

	rec := NewTaskRecord(tk)
	if rec.ID != "t9" || rec.Type != "code" || rec.Priority != 7 {
		t.Errorf("identity fields not copied: %+v", rec)
	}
	if !rec.RequiresApproval {
		t.Error("expected requires_approval to be copied")
	}
	if rec.Status != task.StatusValidationFailed {
		t.Errorf("status = %s, want %s", rec.Status, task.StatusValidationFailed)
	}
	if rec.RejectionCount != 1 {
		t.Errorf("rejection count = %d, want 1", rec.RejectionCount)
	}
	if len(rec.ValidationHistory) != 1 || len(rec.ValidationHistory[0].Issues) != 1 {
		t.Errorf("validation history not copied: %+v", rec.ValidationHistory)
	}
	if len(rec.AuditHistory) != 2 {
		t.Errorf("audit history length = %d, want 2", len(rec.AuditHistory))
	}
	if rec.UpdatedAt.IsZero() {
		t.Error("expected UpdatedAt to be stamped")
	}
}
