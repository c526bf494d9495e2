package elf

import (
	"encoding/binary"
	"testing"

	"github.com/transistorfet/ruxpin-sub000/internal/abi"
	"github.com/transistorfet/ruxpin-sub000/internal/mem"
	"github.com/transistorfet/ruxpin-sub000/internal/sched"
	"github.com/transistorfet/ruxpin-sub000/internal/vfs"
)

// memVnode is a minimal read-only in-memory file/directory fixture, just
// enough to let the loader open and read an ELF image through the VFS.
type memVnode struct {
	vfs.BaseVnode
	attrs    vfs.FileAttributes
	data     []byte
	children map[string]*memVnode
}

func (m *memVnode) Attributes() (vfs.FileAttributes, error) {
	a := m.attrs
	a.Size = int64(len(m.data))
	return a, nil
}

func (m *memVnode) Lookup(name string) (vfs.Vnode, error) {
	child, ok := m.children[name]
	if !ok {
		return nil, abi.ErrFileNotFound
	}
	return child, nil
}

func (m *memVnode) Read(fp *vfs.FilePointer, buf []byte) (int, error) {
	if fp.Position >= int64(len(m.data)) {
		return 0, nil
	}
	return copy(buf, m.data[fp.Position:]), nil
}

type fakeFilesystem struct{ mnt vfs.Mount }

func (f *fakeFilesystem) Name() string                          { return "memfs" }
func (f *fakeFilesystem) Init() error                            { return nil }
func (f *fakeFilesystem) Mount(device string) (vfs.Mount, error) { return f.mnt, nil }

type fakeMount struct{ root vfs.Vnode }

func (m *fakeMount) Root() vfs.Vnode { return m.root }
func (m *fakeMount) Sync() error     { return nil }
func (m *fakeMount) Unmount() error  { return nil }

// buildELF assembles a minimal ET_EXEC AArch64 ELF64 image with a single
// PT_LOAD segment, enough for debug/elf to parse.
func buildELF(entry, vaddr uint64, flags uint32, segData []byte, memsz uint64) []byte {
	const ehSize = 64
	const phSize = 56
	phoff := uint64(ehSize)
	dataOff := phoff + phSize

	buf := make([]byte, int(dataOff)+len(segData))

	copy(buf[0:4], []byte{0x7F, 'E', 'L', 'F'})
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // ELFDATA2LSB
	buf[6] = 1 // EV_CURRENT
	binary.LittleEndian.PutUint16(buf[16:], 2)   // e_type = ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:], 183) // e_machine = EM_AARCH64
	binary.LittleEndian.PutUint32(buf[20:], 1)   // e_version
	binary.LittleEndian.PutUint64(buf[24:], entry)
	binary.LittleEndian.PutUint64(buf[32:], phoff)
	binary.LittleEndian.PutUint16(buf[52:], ehSize)
	binary.LittleEndian.PutUint16(buf[54:], phSize)
	binary.LittleEndian.PutUint16(buf[56:], 1) // e_phnum

	ph := buf[ehSize:dataOff]
	binary.LittleEndian.PutUint32(ph[0:], 1)     // p_type = PT_LOAD
	binary.LittleEndian.PutUint32(ph[4:], flags) // p_flags
	binary.LittleEndian.PutUint64(ph[8:], dataOff)
	binary.LittleEndian.PutUint64(ph[16:], vaddr)
	binary.LittleEndian.PutUint64(ph[32:], uint64(len(segData)))
	binary.LittleEndian.PutUint64(ph[40:], memsz)
	binary.LittleEndian.PutUint64(ph[48:], 4096)

	copy(buf[dataOff:], segData)
	return buf
}

func newTestTask(t *testing.T, root vfs.Vnode) (*sched.TaskRecord, *mem.PagePool) {
	t.Helper()
	pool := mem.NewPagePool(0, 512*mem.PageSize)
	pc := mem.NewPageCache(pool)
	s := sched.New(pool, pc)
	task, err := s.CreateTask(nil, root)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task, pool
}

func newTestVFS(binaryName string, image []byte) *vfs.VFS {
	root := &memVnode{
		attrs:    vfs.FileAttributes{Type: vfs.FileTypeDir, Access: vfs.AccessOwnerRead | vfs.AccessOwnerExecute},
		children: make(map[string]*memVnode),
	}
	root.children[binaryName] = &memVnode{
		attrs: vfs.FileAttributes{Type: vfs.FileTypeRegular, Access: vfs.AccessOwnerRead | vfs.AccessOwnerExecute},
		data:  image,
	}

	v := vfs.New()
	v.RegisterFilesystem(&fakeFilesystem{mnt: &fakeMount{root: root}})
	v.Mount(nil, "/", "memfs", "mem0", 0)
	return v
}

func TestLoadInstallsTextSegmentAndEntryPoint(t *testing.T) {
	const vaddr = 0x10008 // deliberately not page-aligned
	const entry = 0x10008
	text := []byte("\x00\x00\x80\xd2\xc0\x03\x5f\xd6") // arbitrary bytes standing in for code
	image := buildELF(entry, vaddr, 0x5, text, 4096)    // PF_R|PF_X

	v := newTestVFS("a.out", image)
	task, pool := newTestTask(t, v.Root())

	loader := &Loader{VFS: v}
	if err := loader.Load(task, "/a.out", []string{"a.out"}, nil); err != nil {
		t.Fatalf("load: %v", err)
	}

	if task.Context.EntryPoint != entry {
		t.Fatalf("expected entry point %#x, got %#x", entry, task.Context.EntryPoint)
	}
	if task.Context.StackPointer != stackTop {
		t.Fatalf("expected stack pointer at stack top, got %#x", task.Context.StackPointer)
	}
	if task.Cmd != "/a.out" || len(task.Argv) != 1 || task.Argv[0] != "a.out" {
		t.Fatalf("expected cmd/argv recorded, got cmd=%q argv=%v", task.Cmd, task.Argv)
	}

	pageVaddr := mem.VirtualAddress(vaddr).AlignDown(mem.PageSize)
	if err := task.Space.FaultAllocPage(pageVaddr); err != nil {
		t.Fatalf("fault text page: %v", err)
	}
	paddr, err := task.Space.Translate(pageVaddr)
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	innerOffset := int(vaddr - uint64(pageVaddr))
	frame := pool.Frame(paddr)
	for i, b := range text {
		if frame[innerOffset+i] != b {
			t.Fatalf("byte %d: expected %#x, got %#x", i, b, frame[innerOffset+i])
		}
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	image := buildELF(0x1000, 0x1000, 0x5, []byte{1, 2, 3, 4}, 4096)
	image[18] = 0x03 // overwrite e_machine to EM_386

	v := newTestVFS("a.out", image)
	task, _ := newTestTask(t, v.Root())

	loader := &Loader{VFS: v}
	if err := loader.Load(task, "/a.out", nil, nil); err != abi.ErrNotExecutable {
		t.Fatalf("expected ErrNotExecutable, got %v", err)
	}
}

func TestLoadRejectsInvalidSegmentFlags(t *testing.T) {
	image := buildELF(0x1000, 0x1000, 0x2, []byte{1, 2, 3, 4}, 4096) // PF_W alone
	v := newTestVFS("a.out", image)
	task, _ := newTestTask(t, v.Root())

	loader := &Loader{VFS: v}
	if err := loader.Load(task, "/a.out", nil, nil); err != abi.ErrInvalidSegmentType {
		t.Fatalf("expected ErrInvalidSegmentType, got %v", err)
	}
}
