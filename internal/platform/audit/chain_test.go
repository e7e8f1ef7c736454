package audit

import (
	"testing"
	"time"
)

func sampleEvent(action string) Event {
	return Event{
		OccurredAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		RecordedAt:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		ActorUserID:  Int64Ptr(1),
		TargetUserID: Int64Ptr(2),
		Action:       action,
		Reason:       "test",
		PointsDelta:  Int64Ptr(-100),
		PointsBefore: Int64Ptr(500),
		PointsAfter:  Int64Ptr(400),
	}
}

func TestInMemoryStoreChainsEvents(t *testing.T) {
	s := NewInMemoryStore()

	first, err := s.Append(sampleEvent("offer_accept_debit"))
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	if first.HashPrev != "GENESIS" {
		t.Fatalf("first event prev hash = %q, want GENESIS", first.HashPrev)
	}

	second, err := s.Append(sampleEvent("offer_accept_credit"))
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if second.HashPrev != first.HashCurr {
		t.Fatalf("chain broken: second.prev=%q first.curr=%q", second.HashPrev, first.HashCurr)
	}
	if second.HashCurr == first.HashCurr {
		t.Fatal("consecutive events hashed identically")
	}
}

func TestComputeHashSensitiveToFields(t *testing.T) {
	base := sampleEvent("credit")
	h1 := ComputeHash("GENESIS", base)

	changed := base
	changed.PointsDelta = Int64Ptr(-101)
	if ComputeHash("GENESIS", changed) == h1 {
		t.Fatal("hash did not change when delta changed")
	}

	changed = base
	changed.Action = "debit"
	if ComputeHash("GENESIS", changed) == h1 {
		t.Fatal("hash did not change when action changed")
	}

	changed = base
	changed.ActorUserID = nil
	if ComputeHash("GENESIS", changed) == h1 {
		t.Fatal("hash did not change when actor cleared")
	}
}

func TestInMemoryStoreDetectsTampering(t *testing.T) {
	s := NewInMemoryStore()
	if _, err := s.Append(sampleEvent("a")); err != nil {
		t.Fatalf("append: %v", err)
	}
	s.events[0].Reason = "rewritten"
	if _, err := s.Append(sampleEvent("b")); err != ErrCorruptChain {
		t.Fatalf("expected ErrCorruptChain, got %v", err)
	}
}
