package vfs

import "github.com/transistorfet/ruxpin-sub000/internal/abi"

// MaxOpenFiles bounds the per-process file-descriptor table, grounded on
// original_source/kernel/src/fs/filedesc.rs's MAX_OPEN_FILES.
const MaxOpenFiles = 100

// FileDescriptors is a process's sparse fd→FilePointer table plus its
// current working directory, grounded on
// original_source/kernel/src/fs/filedesc.rs's FileDescriptors.
type FileDescriptors struct {
	Cwd  Vnode
	list []*FilePointer
}

// NewFileDescriptors creates an empty table rooted at cwd.
func NewFileDescriptors(cwd Vnode) *FileDescriptors {
	return &FileDescriptors{Cwd: cwd}
}

func (fd *FileDescriptors) findFreeSlot() (int, error) {
	for i, e := range fd.list {
		if e == nil {
			return i, nil
		}
	}
	if len(fd.list) >= MaxOpenFiles {
		return 0, abi.ErrTooManyFilesOpen
	}
	fd.list = append(fd.list, nil)
	return len(fd.list) - 1, nil
}

// Open installs fp at the first free slot, returning its fd number.
func (fd *FileDescriptors) Open(fp *FilePointer) (int, error) {
	slot, err := fd.findFreeSlot()
	if err != nil {
		return 0, err
	}
	fd.list[slot] = fp
	return slot, nil
}

// Get returns the FilePointer at fd, or ErrBadFileNumber if the slot is
// empty or out of range.
func (fd *FileDescriptors) Get(n int) (*FilePointer, error) {
	if n < 0 || n >= len(fd.list) || fd.list[n] == nil {
		return nil, abi.ErrBadFileNumber
	}
	return fd.list[n], nil
}

// SetSlot installs fp directly at slot n (used by dup2), growing the
// table and closing whatever previously occupied the slot.
func (fd *FileDescriptors) SetSlot(n int, fp *FilePointer) error {
	if n < 0 {
		return abi.ErrBadFileNumber
	}
	for len(fd.list) <= n {
		fd.list = append(fd.list, nil)
	}
	if fd.list[n] != nil {
		fd.list[n].Unref()
	}
	fp.Ref()
	fd.list[n] = fp
	return nil
}

// Close releases the fd slot, dropping the FilePointer's reference.
func (fd *FileDescriptors) Close(n int) error {
	fp, err := fd.Get(n)
	if err != nil {
		return err
	}
	fd.list[n] = nil
	return fp.Unref()
}

// CloseAll releases every open fd, used on task exit (spec §4.9's
// free_resources).
func (fd *FileDescriptors) CloseAll() {
	for i, e := range fd.list {
		if e != nil {
			fd.list[i] = nil
			e.Unref()
		}
	}
}

// Duplicate returns a new table sharing every FilePointer (bumping their
// refcounts) and the same cwd, used by fork (spec §4.9's
// clone_resources/duplicate_table).
func (fd *FileDescriptors) Duplicate() *FileDescriptors {
	nfd := &FileDescriptors{Cwd: fd.Cwd, list: make([]*FilePointer, len(fd.list))}
	for i, e := range fd.list {
		if e != nil {
			e.Ref()
			nfd.list[i] = e
		}
	}
	return nfd
}
