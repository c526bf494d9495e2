// Package elf loads an AArch64 ELF executable into a task's address
// space (spec §4.9's exec). Grounded on
// original_source/kernel/src/api/binaries/elf/{loader,defs}.rs, adapted
// to the standard library's debug/elf for header parsing instead of the
// original's hand-rolled Elf64Header/Elf64ProgramSegment structs and
// unsafe casts.
package elf

import (
	"debug/elf"
	"io"

	"github.com/transistorfet/ruxpin-sub000/internal/abi"
	"github.com/transistorfet/ruxpin-sub000/internal/mem"
	"github.com/transistorfet/ruxpin-sub000/internal/sched"
	"github.com/transistorfet/ruxpin-sub000/internal/vfs"
	"github.com/transistorfet/ruxpin-sub000/internal/vm"
)

// maxProgramSegments bounds how many PT_LOAD headers a binary may have,
// matching loader.rs's MAX_PROGRAM_SEGMENTS.
const maxProgramSegments = 12

// stackTop is the fixed top of every task's stack region. Grounded on
// loader.rs's set_up_stack, which notes its own placement is
// provisional ("needs to start higher"); kept as-is since nothing in
// this repo depends on a larger address space layout.
const stackTop = 0x1_0000_0000

// Loader loads ELF binaries through vfs, implementing
// internal/syscall.ExecLoader.
type Loader struct {
	VFS *vfs.VFS
}

// readerAt adapts a vm.FileReader (offset-first ReadAt) to io.ReaderAt
// (offset-last ReadAt), the shape debug/elf.NewFile requires.
type readerAt struct{ r vm.FileReader }

func (a readerAt) ReadAt(p []byte, off int64) (int, error) {
	n, err := a.r.ReadAt(off, p)
	if err != nil {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Load reads the ELF binary at path, replaces task's address space with
// one file-backed segment per PT_LOAD program header plus an anonymous
// stack segment, and points task's context at the binary's entry point.
// Grounded on loader.rs's load_binary; task.Space is expected to already
// be empty (the caller frees the previous binary's segments first, spec
// §4.9's free_resources).
func (l *Loader) Load(task *sched.TaskRecord, path string, argv, envp []string) error {
	task.Cmd = path
	task.Argv = argv
	task.Envp = envp

	required := vfs.AccessOwnerRead | vfs.AccessOwnerExecute
	if err := l.VFS.Access(task.Files.Cwd, path, required, task.UID); err != nil {
		return err
	}

	fp, err := l.VFS.Open(task.Files.Cwd, path, vfs.OpenRead, 0, task.UID)
	if err != nil {
		return err
	}
	reader := vm.VnodeReader{Vnode: fp.Vnode}

	file, err := elf.NewFile(readerAt{reader})
	if err != nil {
		return abi.ErrNotExecutable
	}
	if file.Class != elf.ELFCLASS64 || file.Machine != elf.EM_AARCH64 || file.Type != elf.ET_EXEC {
		return abi.ErrNotExecutable
	}

	loads := make([]*elf.Prog, 0, len(file.Progs))
	for _, p := range file.Progs {
		if p.Type == elf.PT_LOAD {
			loads = append(loads, p)
		}
	}
	if len(loads) > maxProgramSegments {
		return abi.ErrOutOfMemory
	}

	var endOfData uint64
	for _, p := range loads {
		perms, err := flagsToPermissions(p.Flags)
		if err != nil {
			return err
		}
		kind := vm.SegmentText
		if perms == vm.PermRW {
			kind = vm.SegmentData
		}

		pageVaddr := mem.VirtualAddress(p.Vaddr).AlignDown(mem.PageSize)
		innerOffset := int(p.Vaddr - uint64(pageVaddr))

		if err := task.Space.AddFileBackedSegment(kind, perms, fp.Vnode, reader, int64(p.Off), int64(p.Filesz), pageVaddr, innerOffset, int(p.Memsz)); err != nil {
			return err
		}

		if end := p.Vaddr + p.Memsz; end > endOfData {
			endOfData = end
		}
	}

	return setUpStack(task, endOfData, file.Entry)
}

// flagsToPermissions maps an ELF program header's R/W/X bits onto one of
// the four segment permissions this kernel supports, grounded on
// loader.rs's flags_to_permissions (which likewise rejects any
// combination other than R, R+X, or R+W).
func flagsToPermissions(flags elf.ProgFlag) (vm.Permissions, error) {
	switch flags & (elf.PF_R | elf.PF_W | elf.PF_X) {
	case elf.PF_R | elf.PF_X:
		return vm.PermRX, nil
	case elf.PF_R:
		return vm.PermRO, nil
	case elf.PF_R | elf.PF_W:
		return vm.PermRW, nil
	default:
		return 0, abi.ErrInvalidSegmentType
	}
}

// setUpStack adds the task's stack segment and points its context at
// the entry point, grounded on loader.rs's set_up_stack. Unlike the
// original, argv/envp are not marshalled into a raw stack page — this
// hosted build has no real register-level entry into user code to read
// them back out, so they're simply kept as task.Argv/Envp (set by
// Load) for whatever surfaces them (e.g. `ps`).
func setUpStack(task *sched.TaskRecord, endOfData uint64, entry uint64) error {
	stackSize := mem.AlignDown(stackTop-endOfData, mem.PageSize)
	stackStart := mem.VirtualAddress(stackTop - stackSize)

	if err := task.Space.AddMemorySegment(vm.SegmentStack, vm.PermRW, stackStart, int(stackSize)); err != nil {
		return err
	}

	ttbr := uint64(task.Space.TTBR())
	task.Context.Init(entry, stackTop, ttbr)
	return nil
}
