// Package config holds the kernel's compiled-in defaults: system-wide
// resource limits and the fixed memory-layout constants boot uses to
// size the page pool and page cache. There is no runtime config-file
// layer here, matching the teacher's own total absence of one (biscuit
// has no config parser either; its "configuration" is a handful of
// compiled-in constants in limits/limits.go and mem/dmap.go).
package config

import "sync/atomic"

// AtomicLimit is a system-wide resource count that can be taken and
// given back atomically, grounded on biscuit's limits.Sysatomic_t.
type AtomicLimit struct {
	remaining int64
}

// NewAtomicLimit returns a limit initialized to n.
func NewAtomicLimit(n int64) *AtomicLimit {
	return &AtomicLimit{remaining: n}
}

// Take decrements the limit by one, reporting whether any remained.
func (a *AtomicLimit) Take() bool {
	return a.TakeN(1)
}

// TakeN decrements the limit by n, reporting whether it stayed
// non-negative; if not, the decrement is rolled back and it reports
// false. Grounded on Sysatomic_t.Taken.
func (a *AtomicLimit) TakeN(n int64) bool {
	if atomic.AddInt64(&a.remaining, -n) >= 0 {
		return true
	}
	atomic.AddInt64(&a.remaining, n)
	return false
}

// Give returns one unit to the limit.
func (a *AtomicLimit) Give() {
	a.GiveN(1)
}

// GiveN returns n units to the limit.
func (a *AtomicLimit) GiveN(n int64) {
	atomic.AddInt64(&a.remaining, n)
}

// Remaining reports the current count, for diagnostics (e.g. ps).
func (a *AtomicLimit) Remaining() int64 {
	return atomic.LoadInt64(&a.remaining)
}

// SystemLimits tracks system-wide resource ceilings, grounded on
// biscuit's limits.Syslimit_t, narrowed to the resources this kernel
// core actually manages (no sockets, futexes, or network routes here —
// those belong to Non-goals this repo doesn't implement).
type SystemLimits struct {
	// Procs bounds the number of live tasks, mirroring Sysprocs.
	Procs *AtomicLimit
	// Vnodes bounds live in-memory vnode objects across every mounted
	// filesystem, mirroring Vnodes.
	Vnodes *AtomicLimit
	// Blocks bounds buffer-cache blocks held in memory at once,
	// mirroring Blocks (biscuit's "8GB of block pages" comment scaled
	// down to this repo's much smaller default pool).
	Blocks *AtomicLimit
	// OpenFiles bounds the number of FilePointer objects live across
	// every task's file-descriptor table combined, the system-wide
	// counterpart to FileDescriptors' per-process cap.
	OpenFiles *AtomicLimit
}

// DefaultLimits returns the compiled-in system limits, grounded on
// biscuit's MkSysLimit defaults, rescaled for this kernel's much smaller
// target (a single hosted page pool rather than a multi-gigabyte
// physical address space).
func DefaultLimits() *SystemLimits {
	return &SystemLimits{
		Procs:     NewAtomicLimit(10_000),
		Vnodes:    NewAtomicLimit(20_000),
		Blocks:    NewAtomicLimit(100_000),
		OpenFiles: NewAtomicLimit(100_000),
	}
}
