package sched

import (
	"log"

	"github.com/transistorfet/ruxpin-sub000/internal/abi"
	"github.com/transistorfet/ruxpin-sub000/internal/mem"
	"github.com/transistorfet/ruxpin-sub000/internal/misc"
	ksync "github.com/transistorfet/ruxpin-sub000/internal/sync"
	"github.com/transistorfet/ruxpin-sub000/internal/vfs"
	"github.com/transistorfet/ruxpin-sub000/internal/vm"
)

// debug gates the scheduler's boot/lifecycle tracing, following the same
// package-level-bool idiom as the rest of this repo's logging.
var debug = false

// Scheduler owns every task's bookkeeping and the two lists (spec §4.9,
// §9) a task moves between as its State changes: ready holds every
// Running task in run order, blocked holds every Blocked task. A task's
// State always tells Detach and friends which of the two lists currently
// holds its node, so a node is never removed from the wrong list.
// Grounded on original_source/kernel/src/proc/scheduler.rs's TaskManager.
type Scheduler struct {
	lock ksync.Spinlock

	nextTid Tid
	tasks   []*TaskRecord
	ready   misc.List
	blocked misc.List

	pool      *mem.PagePool
	pageCache *mem.PageCache
}

// New creates an empty scheduler backed by pool and pageCache, used to
// build every task's address space.
func New(pool *mem.PagePool, pageCache *mem.PageCache) *Scheduler {
	return &Scheduler{pool: pool, pageCache: pageCache}
}

func (s *Scheduler) allocTid() Tid {
	s.nextTid++
	return s.nextTid
}

// currentLocked returns the ready list's head, the running convention
// this scheduler uses throughout instead of caching a separate pointer
// (spec §4.9: "the current task is whichever task is at the head of the
// ready queue"). Callers must hold s.lock. Panics if nothing is
// scheduled, matching the original's own invariant: callers never reach
// this with an empty ready list once initialize() has run.
func (s *Scheduler) currentLocked() *TaskRecord {
	head := s.ready.Head()
	if head == nil {
		panic("sched: no scheduled tasks when looking for the current task")
	}
	return head.Owner().(*TaskRecord)
}

// Current returns the currently scheduled task.
func (s *Scheduler) Current() *TaskRecord {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.currentLocked()
}

// CreateKernelTask creates a self-parented task not attached to any user
// address space's segments, used for the idle task and other in-kernel
// workers (spec §4.9). It takes no entry point; this scheduler has no
// notion of starting a goroutine itself.
func (s *Scheduler) CreateKernelTask(cmd string) (*TaskRecord, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	id := s.allocTid()
	space, err := vm.New(s.pool, s.pageCache)
	if err != nil {
		return nil, err
	}

	task := &TaskRecord{
		TaskID:         id,
		ProcessID:      Pid(id),
		ParentID:       Pid(id),
		ProcessGroupID: Pid(id),
		SessionID:      Pid(id),
		Cmd:            cmd,
		Space:          space,
		Files:          vfs.NewFileDescriptors(nil),
		State:          StateRunning,
	}
	task.Context.TTBR = uint64(space.TTBR())
	task.node = misc.NewListNode(task)

	s.tasks = append(s.tasks, task)
	s.ready.InsertTail(task.node)
	return task, nil
}

// CreateTask creates a new task parented to parent (or to the init
// process if parent is nil, matching tasks.rs's new(None) case), with a
// fresh empty address space and file table. It is left to the caller
// (Fork, or an exec path building the very first user task) to populate
// those via cloneResources or direct assignment.
func (s *Scheduler) CreateTask(parent *TaskRecord, cwd vfs.Vnode) (*TaskRecord, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.createTaskLocked(parent, cwd)
}

func (s *Scheduler) createTaskLocked(parent *TaskRecord, cwd vfs.Vnode) (*TaskRecord, error) {
	id := s.allocTid()

	var parentID, pgid, sid Pid
	if parent != nil {
		parentID = parent.ProcessID
		pgid = parent.ProcessGroupID
		sid = parent.SessionID
	} else {
		parentID = initPid
		pgid = Pid(id)
		sid = Pid(id)
	}

	space, err := vm.New(s.pool, s.pageCache)
	if err != nil {
		return nil, err
	}

	task := &TaskRecord{
		TaskID:         id,
		ProcessID:      Pid(id),
		ParentID:       parentID,
		ProcessGroupID: pgid,
		SessionID:      sid,
		Space:          space,
		Files:          vfs.NewFileDescriptors(cwd),
		State:          StateRunning,
	}
	task.Context.TTBR = uint64(space.TTBR())
	task.node = misc.NewListNode(task)

	s.tasks = append(s.tasks, task)
	s.ready.InsertTail(task.node)
	return task, nil
}

// GetTask finds a task by tid.
func (s *Scheduler) GetTask(tid Tid) (*TaskRecord, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, t := range s.tasks {
		if t.TaskID == tid {
			return t, true
		}
	}
	return nil, false
}

// GetProcess finds a task by pid. The main thread's tid always equals
// its pid in this build (spec §4.9 doesn't implement multi-threading).
func (s *Scheduler) GetProcess(pid Pid) (*TaskRecord, bool) {
	return s.GetTask(Tid(pid))
}

// Snapshot returns a shallow copy of every task currently known to the
// scheduler, including exited-but-not-yet-reaped ones, for reporting
// tools that walk the whole task set (e.g. ProfileSnapshot) rather than
// scheduling against it.
func (s *Scheduler) Snapshot() []*TaskRecord {
	s.lock.Lock()
	defer s.lock.Unlock()
	out := make([]*TaskRecord, len(s.tasks))
	copy(out, s.tasks)
	return out
}

// Schedule rotates the current task to the back of the ready queue and
// returns whichever task is now at its head, the cooperative round-robin
// policy spec §4.9 specifies. Unlike Suspend/Detach, Schedule always
// moves the current task within the same list rather than changing its
// state.
func (s *Scheduler) Schedule() *TaskRecord {
	s.lock.Lock()
	defer s.lock.Unlock()

	current := s.currentLocked()
	s.ready.Remove(current.node)
	s.ready.InsertTail(current.node)
	return s.currentLocked()
}

// Suspend moves task from ready to blocked if it's still Running (a
// no-op if some other path already blocked or exited it), then returns
// the newly current task. Grounded on scheduler.rs's suspend; callers
// needing to resume it later use RestartBlockedBySyscall.
func (s *Scheduler) Suspend(task *TaskRecord) *TaskRecord {
	s.lock.Lock()
	defer s.lock.Unlock()

	if task.State == StateRunning {
		task.State = StateBlocked
		s.ready.Remove(task.node)
		s.blocked.InsertHead(task.node)
	}
	return s.currentLocked()
}

// RestartBlockedBySyscall moves every task blocked on the given syscall
// function back onto the ready queue, setting RestartSyscall so the
// dispatcher re-issues the call rather than resuming mid-handler. Blocked
// tasks matching fn are collected before any list is mutated, since
// misc.List.ForEach forbids mutating the list it's iterating.
func (s *Scheduler) RestartBlockedBySyscall(fn abi.Function) *TaskRecord {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.restartBlockedBySyscallLocked(fn)
}

func (s *Scheduler) restartBlockedBySyscallLocked(fn abi.Function) *TaskRecord {
	var matches []*TaskRecord
	s.blocked.ForEach(func(owner interface{}) {
		t := owner.(*TaskRecord)
		if t.State == StateBlocked && t.Syscall.Function == fn {
			matches = append(matches, t)
		}
	})

	for _, t := range matches {
		t.State = StateRunning
		s.blocked.Remove(t.node)
		s.ready.InsertHead(t.node)
		t.RestartSyscall = true
	}
	return s.currentLocked()
}

// Detach removes task from whichever list its current State says it's
// in and marks it Exited, a no-op if it's already Exited.
func (s *Scheduler) Detach(task *TaskRecord) *TaskRecord {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.detachLocked(task)
}

func (s *Scheduler) detachLocked(task *TaskRecord) *TaskRecord {
	switch task.State {
	case StateRunning:
		s.ready.Remove(task.node)
		task.State = StateExited
	case StateBlocked:
		s.blocked.Remove(task.node)
		task.State = StateExited
	}
	return s.currentLocked()
}

// Abort detaches task and records it as exited with status -1, the
// scheduler's response to an unrecoverable fault in a task.
func (s *Scheduler) Abort(task *TaskRecord) *TaskRecord {
	return s.Exit(task, -1)
}

// Exit detaches task, records its exit status, releases its open files
// and address space, and wakes any task blocked in waitpid that might
// now be able to reap it. Grounded on scheduler.rs's exit.
func (s *Scheduler) Exit(task *TaskRecord, status int) *TaskRecord {
	s.lock.Lock()
	defer s.lock.Unlock()

	if debug {
		log.Printf("sched: task %d exiting with status %d", task.ProcessID, status)
	}

	s.detachLocked(task)
	st := status
	task.ExitStatus = &st
	task.Files.CloseAll()
	if err := task.Space.ClearSegments(); err != nil && debug {
		log.Printf("sched: task %d: clear segments: %v", task.ProcessID, err)
	}

	return s.restartBlockedBySyscallLocked(abi.WaitPid)
}

// FindExited returns the first exited task matching the given optional
// filters (nil means "don't filter on this field"), the search waitpid
// uses to find a reapable child.
func (s *Scheduler) FindExited(pid, parent, processGroup *Pid) (*TaskRecord, bool) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for _, t := range s.tasks {
		if t.ExitStatus == nil {
			continue
		}
		if pid != nil && t.ProcessID != *pid {
			continue
		}
		if parent != nil && t.ParentID != *parent {
			continue
		}
		if processGroup != nil && t.ProcessGroupID != *processGroup {
			continue
		}
		return t, true
	}
	return nil, false
}

// CleanUp removes an exited task's bookkeeping entirely once its parent
// has reaped it, returning ErrNotExited if called too early and
// ErrNoSuchTask if pid is unknown.
func (s *Scheduler) CleanUp(pid Pid) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	for i, t := range s.tasks {
		if t.ProcessID != pid {
			continue
		}
		if t.State != StateExited {
			return abi.ErrNotExited
		}
		s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
		return nil
	}
	return abi.ErrNoSuchTask
}

// Fork creates a child of the currently scheduled task, duplicating its
// file table and copying its address space's segments (spec §4.9,
// testable property #7), and arranges for the child to observe a fork()
// return value of 0. The caller (the fork syscall handler) is
// responsible for returning the child's pid to the parent.
func (s *Scheduler) Fork(args CloneArgs) (*TaskRecord, error) {
	s.lock.Lock()
	defer s.lock.Unlock()

	current := s.currentLocked()
	child, err := s.createTaskLocked(current, nil)
	if err != nil {
		return nil, err
	}
	if err := child.cloneResources(current, args); err != nil {
		return nil, err
	}
	return child, nil
}
