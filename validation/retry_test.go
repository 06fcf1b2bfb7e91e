package validation

import (
	"errors"
	"testing"
)

func TestRetryManagerAttempts(t *testing.T) {
	m := NewRetryManager(RetryConfig{MaxRetries: 2})

	if got := m.RecordAttempt("t1"); got != 1 {
		t.Fatalf("first attempt = %d, want 1", got)
	}
	if m.Exhausted("t1") {
		t.Fatal("exhausted after one attempt")
	}
	if got := m.RecordAttempt("t1"); got != 2 {
		t.Fatalf("second attempt = %d, want 2", got)
	}
	if !m.Exhausted("t1") {
		t.Fatal("not exhausted at max attempts")
	}
	if m.Exhausted("t2") {
		t.Fatal("unseen task reported exhausted")
	}
}

func TestRetryManagerStateIsolation(t *testing.T) {
	m := NewRetryManager(DefaultRetryConfig())
	m.RecordAttempt("t1")
	m.RecordFailure("t1", []string{"issue-a"})
	m.RecordError("t1", errors.New("link down"))

	state := m.State("t1")
	if state == nil {
		t.Fatal("nil state")
	}
	state.LastIssues[0] = "mutated"

	fresh := m.State("t1")
	if fresh.LastIssues[0] != "issue-a" {
		t.Fatal("State returned a shared slice")
	}
	if fresh.LastError != "link down" {
		t.Fatalf("last error = %q", fresh.LastError)
	}

	m.Reset("t1")
	if m.State("t1") != nil {
		t.Fatal("state survived reset")
	}
}
