// Package sched implements the task scheduler and process/thread
// lifecycle: fork, exec, wait, exit (spec §4.9). Grounded on
// original_source/kernel/src/proc/{scheduler,tasks}.rs, the primary
// source for this component since biscuit's own proc/ package in this
// retrieval pack is an empty stub.
package sched

import (
	"github.com/transistorfet/ruxpin-sub000/internal/abi"
	"github.com/transistorfet/ruxpin-sub000/internal/misc"
	"github.com/transistorfet/ruxpin-sub000/internal/vfs"
	"github.com/transistorfet/ruxpin-sub000/internal/vm"
)

// Tid and Pid are distinct only in naming (spec §4.9 makes every task's
// tid equal its pid, not yet supporting multi-threaded processes);
// kept as separate types anyway to match tasks.rs's Tid/Pid and to keep
// call sites self-documenting.
type Tid int32
type Pid int32

// initPid is the reparenting target for an orphaned task's children,
// and the parent recorded for a task created with no parent of its own.
const initPid Pid = 1

// State is a task's scheduling state (spec §4.9).
type State int

const (
	StateRunning State = iota
	StateBlocked
	StateExited
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateBlocked:
		return "blocked"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Context is the minimal per-task execution state the scheduler threads
// across a context switch in this hosted build: the address space's
// translation-table root (the real TTBR a hardware switch would load)
// and the slot fork's child uses to report a 0 return value without
// re-entering the fork syscall handler. Grounded on
// original_source/kernel/src/arch/Context's TTBR/write_result pair, with
// the register-file portion omitted since nothing here executes raw
// AArch64 instructions.
type Context struct {
	TTBR        uint64
	ReturnValue uint64
	ReturnError abi.Errno

	// EntryPoint and StackPointer record where a freshly exec'd task
	// would start running and what its initial stack pointer would be
	// (the Rust original's Context::init(entry, sp, ttbr)). Nothing in
	// this hosted build actually branches to EntryPoint; it's kept so
	// exec's effect on a task is fully observable without a real
	// register-level context switch.
	EntryPoint   uint64
	StackPointer uint64
}

// WriteResult stashes a value a resumed task should observe as its last
// syscall's result, matching tasks.rs's Context::write_result — used by
// clone_resources to make the child's fork() call return 0.
func (c *Context) WriteResult(value uint64, err abi.Errno) {
	c.ReturnValue = value
	c.ReturnError = err
}

// Init sets a task's starting register state after a fresh exec, mirroring
// the original's Context::init. Grounded on
// original_source/kernel/src/proc/binaries/elf/loader.rs's set_up_stack.
func (c *Context) Init(entry, sp, ttbr uint64) {
	c.EntryPoint = entry
	c.StackPointer = sp
	c.TTBR = ttbr
}

// TaskRecord is one schedulable task: process data shared across any
// future thread siblings, plus the thread-specific scheduling state.
// Grounded on tasks.rs's TaskRecord field-for-field.
type TaskRecord struct {
	// Immutable.
	TaskID    Tid
	ProcessID Pid

	// Process data (shared across a multi-threaded process; here always
	// 1:1 with TaskID since this build doesn't implement clone()'s
	// resource-sharing threads).
	ParentID       Pid
	ProcessGroupID Pid
	SessionID      Pid
	Cmd            string
	Argv           []string
	Envp           []string
	UID            int

	Space *vm.AddressSpace
	Files *vfs.FileDescriptors

	// Thread-specific scheduling state.
	ExitStatus     *int
	State          State
	Syscall        abi.Request
	RestartSyscall bool
	Context        Context
	Accounting     Accounting

	node *misc.ListNode
}

// CloneArgs carries fork's resource-sharing flags. Empty today (this
// build's fork always duplicates rather than shares), kept as a
// separate type because tasks.rs's TaskCloneArgs is the documented seam
// for clone()'s CLONE_* flag bits, a feature spec §1 excludes
// (Non-goal: no clone()/threads) but whose call shape is worth keeping
// for a future fork/clone split.
type CloneArgs struct{}

// cloneResources copies uid, file descriptors, and address-space
// contents from source into t, and arranges for t's saved context to
// report success(0) on its next resume — the child side of fork's
// return-value split (spec §4.9: "child's saved context returns 0,
// parent returns child-pid"). Grounded on tasks.rs's clone_resources.
func (t *TaskRecord) cloneResources(source *TaskRecord, _ CloneArgs) error {
	t.UID = source.UID
	t.Files = source.Files.Duplicate()
	if err := t.Space.CopySegments(source.Space); err != nil {
		return err
	}
	t.Context.TTBR = uint64(t.Space.TTBR())
	t.Context.WriteResult(0, abi.ErrNone)
	return nil
}
