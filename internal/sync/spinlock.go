// Package sync provides the kernel's spinlock (it does not mask
// interrupts in this hosted build), the only
// synchronization primitive the core uses (spec §5: single executing
// hart, no SMP). Grounded on original_source/kernel/src/sync.rs's
// Spinlock<T>: a compare-and-swap spin loop with a deadlock timeout that
// panics rather than blocking forever.
package sync

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// spinTimeout bounds how many spin iterations are attempted before a lock
// acquisition is considered deadlocked and panics, after the Rust
// original's count-based timeout (which counts to 1_000_000_000; this
// port stops at 100_000_000).
const spinTimeout = 100_000_000

// Spinlock is a mutual-exclusion lock that never parks a goroutine; it
// busy-waits, matching the teacher's interrupt-masked critical-section
// model. It additionally detects self-recursion: re-acquiring a held
// Spinlock from the same goroutine is a fatal error (spec §5), since a
// single-hart kernel has no notion of re-entrant locking.
type Spinlock struct {
	locked  atomic.Bool
	holder  int64
	heldBit atomic.Bool
}

// Lock blocks until the lock is acquired, panicking if it is already held
// by the calling goroutine or if acquisition spins past spinTimeout.
func (s *Spinlock) Lock() {
	gid := goroutineID()
	if s.heldBit.Load() && atomic.LoadInt64(&s.holder) == gid {
		panic("sync: spinlock re-entered by its current holder")
	}

	var count int
	for !s.locked.CompareAndSwap(false, true) {
		runtime.Gosched()
		count++
		if count == spinTimeout {
			panic("sync: spinlock timed out")
		}
	}
	atomic.StoreInt64(&s.holder, gid)
	s.heldBit.Store(true)
}

// Unlock releases the lock. Unlocking an unlocked Spinlock panics.
func (s *Spinlock) Unlock() {
	if !s.locked.Load() {
		panic("sync: unlock of unlocked spinlock")
	}
	s.heldBit.Store(false)
	atomic.StoreInt64(&s.holder, 0)
	s.locked.Store(false)
}

// TryLock attempts to acquire the lock without spinning, returning false
// immediately if it's held.
func (s *Spinlock) TryLock() bool {
	if s.locked.CompareAndSwap(false, true) {
		atomic.StoreInt64(&s.holder, goroutineID())
		s.heldBit.Store(true)
		return true
	}
	return false
}

// goroutineID extracts a best-effort identifier for the calling goroutine
// by parsing runtime.Stack output, the standard portable workaround for
// the absence of a public goroutine-id API. Used only for the
// lock-re-entry diagnostic above, never for scheduling decisions.
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id int64
	_, err := fmt.Sscanf(string(buf[:n]), "goroutine %d ", &id)
	if err != nil {
		return 0
	}
	return id
}
