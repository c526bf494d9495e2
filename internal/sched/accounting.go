package sched

import (
	"sync"
	"sync/atomic"
	"time"
)

// Accounting accumulates a task's CPU-time usage in nanoseconds, split
// between time spent running its own code and time the kernel spent on
// its behalf. Grounded on biscuit's accnt/accnt.go Accnt_t, adapted from
// its x86 rdtsc-cycle counters to time.Now()-based wall-clock deltas
// since this is a hosted build with no cycle counter to read.
type Accounting struct {
	UserNanos int64
	SysNanos  int64
	sync.Mutex
}

// AddUser adds delta nanoseconds of user-mode run time.
func (a *Accounting) AddUser(delta time.Duration) {
	atomic.AddInt64(&a.UserNanos, int64(delta))
}

// AddSys adds delta nanoseconds of kernel-mode run time, e.g. the
// duration of a syscall handler.
func (a *Accounting) AddSys(delta time.Duration) {
	atomic.AddInt64(&a.SysNanos, int64(delta))
}

// Merge folds child's usage into a, used when a parent reaps an exited
// child (the "ru_children" half of wait4's rusage).
func (a *Accounting) Merge(child *Accounting) {
	a.Lock()
	defer a.Unlock()
	a.UserNanos += atomic.LoadInt64(&child.UserNanos)
	a.SysNanos += atomic.LoadInt64(&child.SysNanos)
}

// Snapshot returns a consistent copy of the counters for reporting.
func (a *Accounting) Snapshot() (user, sys time.Duration) {
	a.Lock()
	defer a.Unlock()
	return time.Duration(a.UserNanos), time.Duration(a.SysNanos)
}
