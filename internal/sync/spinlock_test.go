package sync

import "testing"

func TestSpinlockMutualExclusion(t *testing.T) {
	var l Spinlock
	counter := 0
	done := make(chan struct{})
	const iters = 1000
	for g := 0; g < 4; g++ {
		go func() {
			for i := 0; i < iters; i++ {
				l.Lock()
				counter++
				l.Unlock()
			}
			done <- struct{}{}
		}()
	}
	for g := 0; g < 4; g++ {
		<-done
	}
	if counter != 4*iters {
		t.Fatalf("expected %d, got %d", 4*iters, counter)
	}
}

func TestSpinlockRejectsReentry(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on re-entrant lock")
		}
	}()
	var l Spinlock
	l.Lock()
	l.Lock()
}

func TestSpinlockRejectsDoubleUnlock(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on unlock of unlocked spinlock")
		}
	}()
	var l Spinlock
	l.Unlock()
}

func TestSpinlockTryLock(t *testing.T) {
	var l Spinlock
	if !l.TryLock() {
		t.Fatalf("expected first TryLock to succeed")
	}
	done := make(chan bool)
	go func() { done <- l.TryLock() }()
	if <-done {
		t.Fatalf("expected concurrent TryLock to fail while held")
	}
	l.Unlock()
}
