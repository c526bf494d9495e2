// Package vfs implements the virtual file system layer (spec §4.7):
// path resolution, the mount table, the filesystem driver registry, and
// the per-process file-descriptor table. Grounded on
// original_source/kernel/src/fs/{vfs,types,generic,filedesc}.rs.
package vfs

import "github.com/transistorfet/ruxpin-sub000/internal/abi"

// AccessBits is a permission bit set: owner/everyone read/write/execute,
// matching the original's
// access/require_owner/require_everyone split (spec §4.7).
type AccessBits uint16

const (
	AccessOwnerRead    AccessBits = 1 << 0
	AccessOwnerWrite   AccessBits = 1 << 1
	AccessOwnerExecute AccessBits = 1 << 2
	AccessOtherRead    AccessBits = 1 << 3
	AccessOtherWrite   AccessBits = 1 << 4
	AccessOtherExecute AccessBits = 1 << 5
)

// RequireOwner reports whether access satisfies the owner-side bits of
// required.
func (access AccessBits) RequireOwner(required AccessBits) bool {
	want := (required & (AccessOwnerRead | AccessOwnerWrite | AccessOwnerExecute))
	return access&want == want
}

// RequireEveryone reports whether access satisfies the "everyone" bits
// of required, shifted down to compare against the owner bit positions
// (the caller is not uid 0 and not the file's owner).
func (access AccessBits) RequireEveryone(required AccessBits) bool {
	want := (required & (AccessOwnerRead | AccessOwnerWrite | AccessOwnerExecute))
	have := AccessBits((access & (AccessOtherRead | AccessOtherWrite | AccessOtherExecute)) >> 3)
	return have&want == want
}

// FileType enumerates the file-type bits a vnode/inode records,
// matching spec §6's ext2 encoding {0 unknown .. 7 symlink}.
type FileType uint8

const (
	FileTypeUnknown FileType = 0
	FileTypeRegular FileType = 1
	FileTypeDir     FileType = 2
	FileTypeChrDev  FileType = 3
	FileTypeBlkDev  FileType = 4
	FileTypeFifo    FileType = 5
	FileTypeSock    FileType = 6
	FileTypeSymlink FileType = 7
)

// FileAttributes is the metadata every vnode carries (spec §3).
type FileAttributes struct {
	Access AccessBits
	Type   FileType
	Nlinks int
	UID    int
	GID    int
	Rdev   int
	Inode  uint64
	Size   int64
	Atime  int64
	Mtime  int64
	Ctime  int64
}

// OpenFlags mirror the ABI's open() flag bits.
type OpenFlags int

const (
	OpenRead OpenFlags = 1 << iota
	OpenWrite
	OpenCreate
	OpenTruncate
	OpenAppend
)

func (f OpenFlags) RequiredAccess() AccessBits {
	var bits AccessBits
	if f&OpenRead != 0 {
		bits |= AccessOwnerRead
	}
	if f&OpenWrite != 0 {
		bits |= AccessOwnerWrite
	}
	return bits
}

// DirEntry is one entry returned by Vnode.Readdir.
type DirEntry struct {
	Name  string
	Inode uint64
	Type  FileType
}

// Vnode is an in-memory handle to a file-system object, polymorphic over
// the capability set named in spec §3. Grounded on
// original_source/kernel/src/fs/types.rs's VnodeOperations trait, whose
// "every method defaults to Err(OperationNotPermitted)" design (spec §9)
// is modeled here by embedding BaseVnode, which implements this
// interface with ErrOperationNotPermitted for most methods (Open, Close
// and Commit succeed as no-ops; GetMounted/SetMounted work); concrete
// drivers embed BaseVnode and override only the methods they support.
type Vnode interface {
	Attributes() (FileAttributes, error)
	SetAttributes(FileAttributes) error

	Lookup(name string) (Vnode, error)
	Create(name string, attrs FileAttributes) (Vnode, error)
	Mknod(name string, attrs FileAttributes) (Vnode, error)
	Link(target Vnode, name string) error
	Unlink(target Vnode, name string) error
	Rename(oldName string, newParent Vnode, newName string) error
	Readdir() ([]DirEntry, error)

	Truncate(size int64) error
	Open(fp *FilePointer, flags OpenFlags) error
	Close(fp *FilePointer) error
	Read(fp *FilePointer, buf []byte) (int, error)
	Write(fp *FilePointer, buf []byte) (int, error)
	Seek(fp *FilePointer, offset int64, whence int) (int64, error)

	// GetMounted returns the vnode mounted over this one, if any, used
	// by path resolution to follow mount points first (spec §4.7).
	GetMounted() (Vnode, bool)
	SetMounted(Vnode)

	// Commit flushes any dirty in-memory state for this vnode to its
	// backing store (e.g. ext2's store_inode).
	Commit() error
}

// BaseVnode implements the Vnode methods by returning
// ErrOperationNotPermitted, the Go analogue of the Rust trait's
// default-erroring methods (spec §9); the exceptions are Open, Close and
// Commit, which return nil, and GetMounted/SetMounted, which record the
// mount-point link. Concrete vnode types embed this
// and override the methods their driver supports.
type BaseVnode struct {
	mounted Vnode
}

func (BaseVnode) Attributes() (FileAttributes, error) {
	return FileAttributes{}, abi.ErrOperationNotPermitted
}
func (BaseVnode) SetAttributes(FileAttributes) error { return abi.ErrOperationNotPermitted }
func (BaseVnode) Lookup(string) (Vnode, error)       { return nil, abi.ErrOperationNotPermitted }
func (BaseVnode) Create(string, FileAttributes) (Vnode, error) {
	return nil, abi.ErrOperationNotPermitted
}
func (BaseVnode) Mknod(string, FileAttributes) (Vnode, error) {
	return nil, abi.ErrOperationNotPermitted
}
func (BaseVnode) Link(Vnode, string) error                    { return abi.ErrOperationNotPermitted }
func (BaseVnode) Unlink(Vnode, string) error                  { return abi.ErrOperationNotPermitted }
func (BaseVnode) Rename(string, Vnode, string) error          { return abi.ErrOperationNotPermitted }
func (BaseVnode) Readdir() ([]DirEntry, error)                { return nil, abi.ErrOperationNotPermitted }
func (BaseVnode) Truncate(int64) error                        { return abi.ErrOperationNotPermitted }
func (BaseVnode) Open(*FilePointer, OpenFlags) error           { return nil }
func (BaseVnode) Close(*FilePointer) error                     { return nil }
func (BaseVnode) Read(*FilePointer, []byte) (int, error)       { return 0, abi.ErrOperationNotPermitted }
func (BaseVnode) Write(*FilePointer, []byte) (int, error)      { return 0, abi.ErrOperationNotPermitted }
func (BaseVnode) Seek(*FilePointer, int64, int) (int64, error) { return 0, abi.ErrOperationNotPermitted }
func (b *BaseVnode) GetMounted() (Vnode, bool)                 { return b.mounted, b.mounted != nil }
func (b *BaseVnode) SetMounted(v Vnode)                        { b.mounted = v }
func (BaseVnode) Commit() error                                { return nil }

// FilePointer is a single open file description: (vnode, position),
// reference-counted because dup2/fork share them (spec §3).
type FilePointer struct {
	Vnode    Vnode
	Position int64
	refcount int
}

// NewFilePointer wraps vnode in a fresh, singly-referenced FilePointer.
func NewFilePointer(v Vnode) *FilePointer {
	return &FilePointer{Vnode: v, refcount: 1}
}

// Ref bumps the reference count (dup2/fork share a FilePointer).
func (fp *FilePointer) Ref() { fp.refcount++ }

// Unref drops a reference; on the last one it invokes the vnode's Close,
// matching spec §5's "closing the last handle on a file pointer invokes
// the vnode's close."
func (fp *FilePointer) Unref() error {
	fp.refcount--
	if fp.refcount < 0 {
		panic("vfs: file pointer unref without matching ref")
	}
	if fp.refcount == 0 {
		return fp.Vnode.Close(fp)
	}
	return nil
}
