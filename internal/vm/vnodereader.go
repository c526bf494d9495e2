package vm

import "github.com/transistorfet/ruxpin-sub000/internal/vfs"

// VnodeReader adapts a vfs.Vnode to the FileReader interface the page
// cache needs, letting a file-backed segment read through the VFS on
// first touch (spec §4.5, §4.6). Grounded on files.rs's read_from_vnode,
// reused here for fault-driven reads rather than a syscall's read().
type VnodeReader struct {
	Vnode vfs.Vnode
}

// ReadAt reads into buf starting at offset, using a throwaway
// FilePointer since the vnode interface is position-based rather than
// offset-based.
func (r VnodeReader) ReadAt(offset int64, buf []byte) (int, error) {
	fp := vfs.NewFilePointer(r.Vnode)
	fp.Position = offset
	return r.Vnode.Read(fp, buf)
}
