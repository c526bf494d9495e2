// Package syscall implements the kernel's system-call surface (spec
// §4.10): fork/exec/wait/exit process control, sbrk, and the open
// family of file operations. Grounded on
// original_source/kernel/src/api/{mod,proc,file}.rs.
//
// original_source's syscall_handler wrappers decode a raw SyscallRequest
// (a function code plus six machine words, spec §6) before calling into
// a typed Rust function. This repo has no MMU-backed raw user memory to
// marshal those words out of — the arch-level trap/register-file layer
// spec §6 describes is out of scope for a hosted build (see
// internal/sched's Context, kept to a TTBR, an entry point and stack
// pointer, and a return-result slot) — so Dispatcher's methods take already-typed Go arguments
// directly; a real trap handler would be the one decoding abi.Request's
// Args[6] into these calls.
package syscall

import (
	"github.com/transistorfet/ruxpin-sub000/internal/abi"
	"github.com/transistorfet/ruxpin-sub000/internal/sched"
	"github.com/transistorfet/ruxpin-sub000/internal/vfs"
)

// ExecLoader loads a binary at path into task, replacing its address
// space and argv/envp, the seam internal/elf's loader fills.
type ExecLoader interface {
	Load(task *sched.TaskRecord, path string, argv, envp []string) error
}

// Dispatcher holds the kernel state every syscall handler needs: the
// scheduler (for "the current task") and the mounted filesystem tree.
type Dispatcher struct {
	Sched  *sched.Scheduler
	VFS    *vfs.VFS
	Loader ExecLoader
}

// New creates a Dispatcher. loader may be nil until internal/elf is
// wired in, in which case Exec always fails with ErrNotExecutable.
func New(scheduler *sched.Scheduler, fs *vfs.VFS, loader ExecLoader) *Dispatcher {
	return &Dispatcher{Sched: scheduler, VFS: fs, Loader: loader}
}

// errno unwraps an error returned by another package into the abi.Errno
// it already is (every internal error is an abi.Errno), falling back to
// ErrUnknown for anything else, matching the original's "_ =>
// ApiError::UnknownError" catch-all.
func errno(err error) abi.Errno {
	if err == nil {
		return abi.ErrNone
	}
	if e, ok := err.(abi.Errno); ok {
		return e
	}
	return abi.ErrUnknown
}

// Exit terminates the current task with status, grounded on
// proc.rs's syscall_exit.
func (d *Dispatcher) Exit(status int) {
	current := d.Sched.Current()
	d.Sched.Exit(current, status)
}

// Fork duplicates the current task, returning the child's pid to the
// caller; the child itself observes a 0 return value on its next
// resume (internal/sched.TaskRecord.cloneResources). Grounded on
// proc.rs's syscall_fork.
func (d *Dispatcher) Fork() (sched.Pid, abi.Errno) {
	child, err := d.Sched.Fork(sched.CloneArgs{})
	if err != nil {
		return 0, errno(err)
	}
	return child.ProcessID, abi.ErrNone
}

// Exec replaces the current task's open files and address space with a
// freshly loaded binary. On failure the task is exited rather than left
// half-torn-down, matching proc.rs's syscall_exec ("this function must
// not return an error without exiting the process").
func (d *Dispatcher) Exec(path string, argv, envp []string) abi.Errno {
	current := d.Sched.Current()
	current.Files.CloseAll()
	if err := current.Space.ClearSegments(); err != nil {
		d.Sched.Exit(current, -1)
		return errno(err)
	}

	if d.Loader == nil {
		d.Sched.Exit(current, -1)
		return abi.ErrNotExecutable
	}
	if err := d.Loader.Load(current, path, argv, envp); err != nil {
		d.Sched.Exit(current, -1)
		return errno(err)
	}
	return abi.ErrNone
}

// WaitPid looks for an already-exited child matching pid (pid > 0:
// that exact child; pid <= 0: any child of the caller) and reaps it. If
// none has exited yet, the caller is suspended with its syscall request
// recorded as WaitPid so Scheduler.Exit's wake-up finds it later;
// blocked reports this case, in which the caller must re-invoke WaitPid
// once RestartSyscall is observed set on resume. Grounded on proc.rs's
// syscall_waitpid.
func (d *Dispatcher) WaitPid(pid sched.Pid) (child sched.Pid, status int, blocked bool, err abi.Errno) {
	current := d.Sched.Current()

	var searchPid, searchParent *sched.Pid
	if pid > 0 {
		searchPid = &pid
	} else {
		parentID := current.ProcessID
		searchParent = &parentID
	}

	exited, ok := d.Sched.FindExited(searchPid, searchParent, nil)
	if !ok {
		current.Syscall.Function = abi.WaitPid
		d.Sched.Suspend(current)
		return 0, 0, true, abi.ErrNone
	}

	childPid := exited.ProcessID
	exitStatus := *exited.ExitStatus
	if cleanupErr := d.Sched.CleanUp(childPid); cleanupErr != nil {
		return 0, 0, false, errno(cleanupErr)
	}
	return childPid, exitStatus, false, abi.ErrNone
}

// Sbrk grows or shrinks the current task's data segment by increment
// bytes, returning the address that was its end beforehand. Grounded on
// proc.rs's syscall_sbrk.
func (d *Dispatcher) Sbrk(increment int) (uint64, abi.Errno) {
	current := d.Sched.Current()
	prevEnd, err := current.Space.AdjustStackBreak(increment)
	if err != nil {
		return 0, errno(err)
	}
	return uint64(prevEnd), abi.ErrNone
}

// Open resolves path relative to the current task's cwd and installs
// the resulting file pointer at the lowest free descriptor. Grounded on
// file.rs's syscall_open.
func (d *Dispatcher) Open(path string, flags vfs.OpenFlags, mode vfs.AccessBits) (int, abi.Errno) {
	current := d.Sched.Current()
	fp, err := d.VFS.Open(current.Files.Cwd, path, flags, mode, current.UID)
	if err != nil {
		return 0, errno(err)
	}
	fd, err := current.Files.Open(fp)
	if err != nil {
		return 0, errno(err)
	}
	return fd, abi.ErrNone
}

// Close drops the current task's reference to fd, invoking the
// underlying vnode's Close once every reference (dup2/fork copies
// included) has been dropped.
func (d *Dispatcher) Close(fd int) abi.Errno {
	current := d.Sched.Current()
	return errno(current.Files.Close(fd))
}

// Read reads into buf from fd at its current position, advancing it.
func (d *Dispatcher) Read(fd int, buf []byte) (int, abi.Errno) {
	current := d.Sched.Current()
	fp, err := current.Files.Get(fd)
	if err != nil {
		return 0, errno(err)
	}
	n, err := d.VFS.Read(fp, buf)
	return n, errno(err)
}

// Write writes buf to fd at its current position, advancing it.
func (d *Dispatcher) Write(fd int, buf []byte) (int, abi.Errno) {
	current := d.Sched.Current()
	fp, err := current.Files.Get(fd)
	if err != nil {
		return 0, errno(err)
	}
	n, err := d.VFS.Write(fp, buf)
	return n, errno(err)
}

// ReadDir returns the next directory entry for fd, using the file
// pointer's position as an entry index (the underlying vnode always
// returns its full listing; spec §4.7 doesn't mandate a stable
// directory-stream cursor across concurrent mutation, so a plain index
// suffices). ok is false once every entry has been returned, matching
// file.rs's syscall_readdir returning Ok(false) at the end of the
// directory.
func (d *Dispatcher) ReadDir(fd int) (entry vfs.DirEntry, ok bool, errc abi.Errno) {
	current := d.Sched.Current()
	fp, err := current.Files.Get(fd)
	if err != nil {
		return vfs.DirEntry{}, false, errno(err)
	}
	entries, err := d.VFS.Readdir(fp)
	if err != nil {
		return vfs.DirEntry{}, false, errno(err)
	}
	idx := int(fp.Position)
	if idx >= len(entries) {
		return vfs.DirEntry{}, false, abi.ErrNone
	}
	fp.Position++
	return entries[idx], true, abi.ErrNone
}

// Dup2 makes newFd refer to the same file pointer as oldFd, sharing its
// position and reference count. A no-op if the two descriptors already
// match, per file.rs's syscall_dup2.
func (d *Dispatcher) Dup2(oldFd, newFd int) abi.Errno {
	if oldFd == newFd {
		return abi.ErrNone
	}
	current := d.Sched.Current()
	fp, err := current.Files.Get(oldFd)
	if err != nil {
		return errno(err)
	}
	return errno(current.Files.SetSlot(newFd, fp))
}

// Unlink removes the directory entry at path.
func (d *Dispatcher) Unlink(path string) abi.Errno {
	current := d.Sched.Current()
	return errno(d.VFS.Unlink(current.Files.Cwd, path, current.UID))
}

// Rename moves the entry at oldPath to newPath.
func (d *Dispatcher) Rename(oldPath, newPath string) abi.Errno {
	current := d.Sched.Current()
	return errno(d.VFS.Rename(current.Files.Cwd, oldPath, newPath, current.UID))
}

// MkDir creates a directory at path.
func (d *Dispatcher) MkDir(path string, mode vfs.AccessBits) abi.Errno {
	current := d.Sched.Current()
	return errno(d.VFS.MakeDirectory(current.Files.Cwd, path, mode, current.UID))
}

// GetCwd is unimplemented, matching file.rs's syscall_getcwd, which
// always returns OperationNotPermitted.
func (d *Dispatcher) GetCwd() abi.Errno {
	return abi.ErrOperationNotPermitted
}

// Sync flushes every dirty vnode and buffer-cache entry to its backing
// device.
func (d *Dispatcher) Sync() abi.Errno {
	return errno(d.VFS.SyncAll())
}
