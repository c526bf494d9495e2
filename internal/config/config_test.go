package config

import "testing"

func TestAtomicLimitTakenRollsBackOnExhaustion(t *testing.T) {
	l := NewAtomicLimit(2)

	if !l.Take() {
		t.Fatalf("expected first take to succeed")
	}
	if !l.Take() {
		t.Fatalf("expected second take to succeed")
	}
	if l.Take() {
		t.Fatalf("expected third take to fail, limit exhausted")
	}
	if l.Remaining() != 0 {
		t.Fatalf("expected remaining 0 after a rolled-back over-take, got %d", l.Remaining())
	}
}

func TestAtomicLimitGiveRestoresCapacity(t *testing.T) {
	l := NewAtomicLimit(1)
	l.Take()
	if l.Take() {
		t.Fatalf("expected limit exhausted")
	}
	l.Give()
	if !l.Take() {
		t.Fatalf("expected take to succeed after give")
	}
}

func TestTakeNPartialRollback(t *testing.T) {
	l := NewAtomicLimit(5)
	if !l.TakeN(5) {
		t.Fatalf("expected exact-fit take to succeed")
	}
	if l.TakeN(1) {
		t.Fatalf("expected take past zero to fail")
	}
	if l.Remaining() != 0 {
		t.Fatalf("expected remaining 0 after rollback, got %d", l.Remaining())
	}
}

func TestDefaultLimitsAreIndependentInstances(t *testing.T) {
	a := DefaultLimits()
	b := DefaultLimits()

	a.Procs.Take()
	if a.Procs.Remaining() == b.Procs.Remaining() {
		t.Fatalf("expected independent SystemLimits instances, not a shared singleton")
	}
}

func TestDefaultPoolBytesMatchesPageSize(t *testing.T) {
	if DefaultPoolBytes%4096 != 0 {
		t.Fatalf("expected DefaultPoolBytes to be a whole number of pages, got %d", DefaultPoolBytes)
	}
}
