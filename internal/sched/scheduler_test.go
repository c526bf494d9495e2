package sched

import (
	"testing"

	"github.com/transistorfet/ruxpin-sub000/internal/abi"
	"github.com/transistorfet/ruxpin-sub000/internal/mem"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	pool := mem.NewPagePool(0, 512*mem.PageSize)
	pc := mem.NewPageCache(pool)
	return New(pool, pc)
}

func TestCreateKernelTaskIsSelfParented(t *testing.T) {
	s := newTestScheduler(t)
	idle, err := s.CreateKernelTask("idle")
	if err != nil {
		t.Fatalf("create kernel task: %v", err)
	}
	if idle.ParentID != Pid(idle.TaskID) || idle.ProcessGroupID != Pid(idle.TaskID) {
		t.Fatalf("expected kernel task to be self-parented, got parent=%d pgid=%d", idle.ParentID, idle.ProcessGroupID)
	}
	if s.Current() != idle {
		t.Fatalf("expected sole task to be current")
	}
}

func TestCreateTaskWithNoParentUsesInitPid(t *testing.T) {
	s := newTestScheduler(t)
	task, err := s.CreateTask(nil, nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if task.ParentID != initPid {
		t.Fatalf("expected orphaned task's parent to be init, got %d", task.ParentID)
	}
}

func TestCreateTaskInheritsParentGroupAndSession(t *testing.T) {
	s := newTestScheduler(t)
	parent, _ := s.CreateTask(nil, nil)
	child, err := s.CreateTask(parent, nil)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if child.ParentID != parent.ProcessID || child.ProcessGroupID != parent.ProcessGroupID || child.SessionID != parent.SessionID {
		t.Fatalf("expected child to inherit parent's group/session, got %+v", child)
	}
}

func TestScheduleRotatesReadyQueue(t *testing.T) {
	s := newTestScheduler(t)
	first, _ := s.CreateTask(nil, nil)
	second, _ := s.CreateTask(nil, nil)

	if s.Current() != first {
		t.Fatalf("expected first-created task to be current")
	}
	next := s.Schedule()
	if next != second {
		t.Fatalf("expected schedule to rotate to second task")
	}
	next = s.Schedule()
	if next != first {
		t.Fatalf("expected schedule to rotate back around to first task")
	}
}

func TestSuspendMovesToBlockedAndRestartWakesIt(t *testing.T) {
	s := newTestScheduler(t)
	waiter, _ := s.CreateTask(nil, nil)
	other, _ := s.CreateTask(nil, nil)

	waiter.Syscall.Function = abi.WaitPid
	if got := s.Suspend(waiter); got != other {
		t.Fatalf("expected other task to become current after suspend, got %v", got)
	}
	if waiter.State != StateBlocked {
		t.Fatalf("expected waiter to be blocked")
	}

	s.RestartBlockedBySyscall(abi.WaitPid)
	if waiter.State != StateRunning {
		t.Fatalf("expected waiter to be restarted to running")
	}
	if !waiter.RestartSyscall {
		t.Fatalf("expected waiter's restart flag to be set")
	}
}

func TestSuspendOnAlreadyBlockedTaskIsNoOp(t *testing.T) {
	s := newTestScheduler(t)
	task, _ := s.CreateTask(nil, nil)
	other, _ := s.CreateTask(nil, nil)
	_ = other

	s.Suspend(task)
	if task.State != StateBlocked {
		t.Fatalf("expected task to be blocked")
	}
	s.Suspend(task)
	if task.State != StateBlocked {
		t.Fatalf("expected repeated suspend to be a no-op")
	}
}

func TestDetachExitedTaskIsNoOp(t *testing.T) {
	s := newTestScheduler(t)
	task, _ := s.CreateTask(nil, nil)
	other, _ := s.CreateTask(nil, nil)
	_ = other

	s.Detach(task)
	if task.State != StateExited {
		t.Fatalf("expected task to be exited after detach")
	}
	s.Detach(task)
	if task.State != StateExited {
		t.Fatalf("expected repeated detach to remain a no-op")
	}
}

func TestExitWakesWaitingParent(t *testing.T) {
	s := newTestScheduler(t)
	if _, err := s.CreateKernelTask("idle"); err != nil {
		t.Fatalf("create idle task: %v", err)
	}
	parent, _ := s.CreateTask(nil, nil)
	s.Schedule() // rotate idle to the tail so parent becomes current

	child, err := s.Fork(CloneArgs{})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if child.ParentID != parent.ProcessID {
		t.Fatalf("expected child to be forked from parent, got parent id %d", child.ParentID)
	}

	parent.Syscall.Function = abi.WaitPid
	s.Suspend(parent)
	if parent.State != StateBlocked {
		t.Fatalf("expected parent to be blocked in waitpid")
	}

	s.Exit(child, 7)
	if child.State != StateExited {
		t.Fatalf("expected child to be exited")
	}
	if child.ExitStatus == nil || *child.ExitStatus != 7 {
		t.Fatalf("expected exit status 7 recorded")
	}
	if parent.State != StateRunning || !parent.RestartSyscall {
		t.Fatalf("expected waiting parent to be woken by child's exit")
	}

	exited, ok := s.FindExited(&child.ProcessID, nil, nil)
	if !ok || exited != child {
		t.Fatalf("expected to find the exited child by pid")
	}

	if err := s.CleanUp(child.ProcessID); err != nil {
		t.Fatalf("clean up: %v", err)
	}
	if _, ok := s.GetProcess(child.ProcessID); ok {
		t.Fatalf("expected cleaned-up task to be gone")
	}
}

func TestCleanUpRejectsStillRunningTask(t *testing.T) {
	s := newTestScheduler(t)
	task, _ := s.CreateTask(nil, nil)
	if err := s.CleanUp(task.ProcessID); err != abi.ErrNotExited {
		t.Fatalf("expected ErrNotExited, got %v", err)
	}
}

func TestCleanUpRejectsUnknownPid(t *testing.T) {
	s := newTestScheduler(t)
	if err := s.CleanUp(Pid(999)); err != abi.ErrNoSuchTask {
		t.Fatalf("expected ErrNoSuchTask, got %v", err)
	}
}

func TestForkChildReturnsZeroAndSharesProcessGroup(t *testing.T) {
	s := newTestScheduler(t)
	parent, _ := s.CreateTask(nil, nil)

	child, err := s.Fork(CloneArgs{})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}
	if child.Context.ReturnValue != 0 || child.Context.ReturnError != abi.ErrNone {
		t.Fatalf("expected child's saved context to report a 0 return value")
	}
	if child.ParentID != parent.ProcessID {
		t.Fatalf("expected child's parent to be the forking task")
	}
	if child.ProcessGroupID != parent.ProcessGroupID {
		t.Fatalf("expected child to inherit parent's process group")
	}
}

func TestFindExitedFiltersByParent(t *testing.T) {
	s := newTestScheduler(t)
	parentA, _ := s.CreateTask(nil, nil)
	parentB, _ := s.CreateTask(nil, nil)
	childA, _ := s.Fork(CloneArgs{})
	_ = parentA
	s.Schedule()
	childB, err := s.Fork(CloneArgs{})
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	s.Exit(childA, 1)
	s.Exit(childB, 2)

	found, ok := s.FindExited(nil, &parentB.ProcessID, nil)
	if !ok || found != childB {
		t.Fatalf("expected to find childB by parent filter, got %v", found)
	}
}
