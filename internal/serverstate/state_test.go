package serverstate

import (
	"testing"
	"time"
)

func TestMemoryStore(t *testing.T) {
	ms := NewMemoryStore()

	// Swap in the test store and restore the previous one after the test.
	prev := Active()
	UseStore(ms)
	defer UseStore(prev)

	if got := GetState(); got != "not_ready" {
		t.Fatalf("initial state = %q; want %q", got, "not_ready")
	}
	if IsDraining() {
		t.Fatalf("initial draining = true; want false")
	}

	SetState("ready")
	if got := GetState(); got != "ready" {
		t.Fatalf("state after SetState = %q; want %q", got, "ready")
	}

	StartDrain()
	if got := GetState(); got != "draining" {
		t.Fatalf("state after StartDrain = %q; want %q", got, "draining")
	}
	if !IsDraining() {
		t.Fatalf("IsDraining = false; want true")
	}
}

func TestMemorySessions(t *testing.T) {
	ms := NewMemoryStore()
	now := time.Now()
	ms.PutSession(SessionRecord{ID: "b", State: "uninitialized", CreatedAt: now})
	ms.PutSession(SessionRecord{ID: "a", State: "uninitialized", CreatedAt: now})
	ms.PutSession(SessionRecord{ID: "c", State: "launched", CreatedAt: now.Add(-time.Minute)})
	ms.PutSession(SessionRecord{ID: "a", State: "initialized", CreatedAt: now})

	got := ms.Sessions()
	if len(got) != 3 {
		t.Fatalf("sessions = %+v", got)
	}
	if got[0].ID != "c" || got[1].ID != "a" || got[2].ID != "b" {
		t.Fatalf("unexpected order %+v", got)
	}
	if got[1].State != "initialized" {
		t.Fatalf("update not applied: %+v", got[1])
	}
	ms.DeleteSession("a")
	ms.DeleteSession("missing")
	if len(ms.Sessions()) != 2 {
		t.Fatalf("delete failed: %+v", ms.Sessions())
	}
}
