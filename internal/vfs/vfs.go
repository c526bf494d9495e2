package vfs

import (
	"fmt"
	"strings"

	"github.com/transistorfet/ruxpin-sub000/internal/abi"
	ksync "github.com/transistorfet/ruxpin-sub000/internal/sync"
	"golang.org/x/sync/singleflight"
)

// VFS is the process-wide virtual file system: a registry of file-system
// drivers, a list of active mounts, and the global root vnode. Grounded
// on original_source/kernel/src/fs/vfs.rs's FILESYSTEMS/MOUNTPOINTS/
// ROOT_NODE globals, gathered here into one struct instead of package
// globals since this port has no single-hart boot-time singleton
// requirement forcing globals.
type VFS struct {
	lock ksync.Spinlock

	filesystems []Filesystem
	mounts      []mountEntry
	root        Vnode

	// lookupGroup dedups concurrent identical (parent, name) lookups,
	// the domain-stack wiring named in SPEC_FULL.md §1.
	lookupGroup singleflight.Group
}

type mountEntry struct {
	mount    Mount
	coveredV Vnode // the vnode this mount is mounted over (nil for "/")
}

// New creates an empty VFS with no registered filesystems and no root.
func New() *VFS {
	return &VFS{}
}

// RegisterFilesystem adds fs to the driver registry and initializes it,
// grounded on vfs.rs's register_filesystem.
func (v *VFS) RegisterFilesystem(fs Filesystem) error {
	v.lock.Lock()
	defer v.lock.Unlock()
	if err := fs.Init(); err != nil {
		return err
	}
	v.filesystems = append(v.filesystems, fs)
	return nil
}

func (v *VFS) findFilesystem(name string) (Filesystem, error) {
	for _, fs := range v.filesystems {
		if fs.Name() == name {
			return fs, nil
		}
	}
	return nil, abi.ErrNoSuchFilesystem
}

// Mount mounts fstype on device at path, requiring uid 0 (spec §4.7).
// path == "/" sets the global root; any other path must resolve to an
// existing vnode which becomes "covered" by the new mount's root.
func (v *VFS) Mount(cwd Vnode, path string, fstype string, device string, uid int) error {
	if uid != 0 {
		return abi.ErrOperationNotPermitted
	}

	v.lock.Lock()
	fs, err := v.findFilesystem(fstype)
	v.lock.Unlock()
	if err != nil {
		return err
	}

	var target Vnode
	if path != "/" {
		target, err = v.Lookup(cwd, path, uid)
		if err != nil {
			return err
		}
	}

	mnt, err := fs.Mount(device)
	if err != nil {
		return err
	}

	v.lock.Lock()
	defer v.lock.Unlock()
	if path == "/" {
		v.root = mnt.Root()
	} else {
		target.SetMounted(mnt.Root())
	}
	v.mounts = append(v.mounts, mountEntry{mount: mnt, coveredV: target})
	return nil
}

// splitFirst splits a path into its first component and the remainder,
// grounded on vfs.rs's get_path_component (manual char-by-char
// splitting, no path library).
func splitFirst(path string) (string, string) {
	path = strings.TrimPrefix(path, "/")
	idx := strings.IndexByte(path, '/')
	if idx < 0 {
		return path, ""
	}
	return path[:idx], path[idx+1:]
}

func verifyAccess(uid int, required AccessBits, attrs FileAttributes) bool {
	if uid == 0 || uid == attrs.UID {
		return attrs.Access.RequireOwner(required)
	}
	return attrs.Access.RequireEveryone(required)
}

// Lookup resolves path to a vnode, starting at cwd for relative paths or
// the VFS root for absolute ones. Grounded on vfs.rs's lookup: for each
// path component, it follows a mount point covering the current vnode
// first, then checks read permission, then calls Vnode.Lookup.
func (v *VFS) Lookup(cwd Vnode, path string, uid int) (Vnode, error) {
	var current Vnode
	if strings.HasPrefix(path, "/") || cwd == nil {
		v.lock.Lock()
		current = v.root
		v.lock.Unlock()
	} else {
		current = cwd
	}
	if current == nil {
		return nil, abi.ErrFileNotFound
	}

	remaining := strings.TrimPrefix(path, "/")
	for {
		if mounted, ok := current.GetMounted(); ok {
			current = mounted
		}

		if remaining == "" {
			return current, nil
		}

		attrs, err := current.Attributes()
		if err != nil {
			return nil, err
		}
		if !verifyAccess(uid, AccessOwnerRead, attrs) {
			return nil, abi.ErrAccessDenied
		}

		var component string
		component, remaining = splitFirst(remaining)

		key := fmt.Sprintf("%p/%s", current, component)
		result, err, _ := v.lookupGroup.Do(key, func() (interface{}, error) {
			return current.Lookup(component)
		})
		if err != nil {
			return nil, err
		}
		current = result.(Vnode)
	}
}

func parentAndName(path string) (string, string) {
	path = strings.TrimSuffix(path, "/")
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return "", path
	}
	if idx == 0 {
		return "/", path[1:]
	}
	return path[:idx], path[idx+1:]
}

// Open resolves path and returns a FilePointer, creating the target
// through the parent vnode if flags has OpenCreate and it doesn't exist
// (spec §4.7's "open with Create calls create on the parent vnode").
func (v *VFS) Open(cwd Vnode, path string, flags OpenFlags, mode AccessBits, uid int) (*FilePointer, error) {
	target, err := v.Lookup(cwd, path, uid)
	if err == abi.ErrFileNotFound && flags&OpenCreate != 0 {
		parentPath, name := parentAndName(path)
		parent, perr := v.Lookup(cwd, parentPath, uid)
		if perr != nil {
			return nil, perr
		}
		target, err = parent.Create(name, FileAttributes{Access: mode, Type: FileTypeRegular, UID: uid})
	}
	if err != nil {
		return nil, err
	}

	attrs, err := target.Attributes()
	if err != nil {
		return nil, err
	}
	if !verifyAccess(uid, flags.RequiredAccess(), attrs) {
		return nil, abi.ErrAccessDenied
	}

	if flags&OpenTruncate != 0 {
		if err := target.Truncate(0); err != nil {
			return nil, err
		}
	}

	fp := NewFilePointer(target)
	if flags&OpenAppend != 0 {
		attrs, err := target.Attributes()
		if err != nil {
			return nil, err
		}
		fp.Position = attrs.Size
	}
	if err := target.Open(fp, flags); err != nil {
		return nil, err
	}
	return fp, nil
}

// Read reads from fp at its current position, advancing it.
func (v *VFS) Read(fp *FilePointer, buf []byte) (int, error) {
	n, err := fp.Vnode.Read(fp, buf)
	fp.Position += int64(n)
	return n, err
}

// Write writes to fp at its current position, advancing it.
func (v *VFS) Write(fp *FilePointer, buf []byte) (int, error) {
	n, err := fp.Vnode.Write(fp, buf)
	fp.Position += int64(n)
	return n, err
}

// Seek repositions fp, clamping to the file's end when seeking past it
// (spec §8 boundary behaviour: "seek past end clamps to end").
func (v *VFS) Seek(fp *FilePointer, offset int64, whence int) (int64, error) {
	return fp.Vnode.Seek(fp, offset, whence)
}

// Readdir lists the directory fp's vnode.
func (v *VFS) Readdir(fp *FilePointer) ([]DirEntry, error) {
	return fp.Vnode.Readdir()
}

// MakeDirectory creates a directory at path (spec §4.7's make_directory).
func (v *VFS) MakeDirectory(cwd Vnode, path string, mode AccessBits, uid int) error {
	parentPath, name := parentAndName(path)
	parent, err := v.Lookup(cwd, parentPath, uid)
	if err != nil {
		return err
	}
	_, err = parent.Create(name, FileAttributes{Access: mode, Type: FileTypeDir, UID: uid})
	return err
}

// Unlink removes the name at path. Refuses to remove non-empty
// directories, grounded on vfs.rs's unlink.
func (v *VFS) Unlink(cwd Vnode, path string, uid int) error {
	parentPath, name := parentAndName(path)
	if name == "." || name == ".." {
		return abi.ErrInvalidArgument
	}
	parent, err := v.Lookup(cwd, parentPath, uid)
	if err != nil {
		return err
	}
	parentAttrs, err := parent.Attributes()
	if err != nil {
		return err
	}
	if !verifyAccess(uid, AccessOwnerWrite, parentAttrs) {
		return abi.ErrAccessDenied
	}

	target, err := parent.Lookup(name)
	if err != nil {
		return err
	}
	targetAttrs, err := target.Attributes()
	if err != nil {
		return err
	}
	if !verifyAccess(uid, AccessOwnerWrite, targetAttrs) {
		return abi.ErrAccessDenied
	}
	if targetAttrs.Type == FileTypeDir {
		entries, err := target.Readdir()
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Name != "." && e.Name != ".." {
				return abi.ErrDirectoryNotEmpty
			}
		}
	}

	return parent.Unlink(target, name)
}

// Rename moves oldPath to newPath. Both must resolve to parents within a
// VFS this port treats as a single namespace; cross-mount rename is not
// implemented (spec §9 open question, resolved in DESIGN.md: fails with
// ErrOperationNotPermitted since neither source implements it).
func (v *VFS) Rename(cwd Vnode, oldPath, newPath string, uid int) error {
	oldParentPath, oldName := parentAndName(oldPath)
	newParentPath, newName := parentAndName(newPath)

	oldParent, err := v.renameGetParent(cwd, oldParentPath, uid)
	if err != nil {
		return err
	}
	newParent, err := v.renameGetParent(cwd, newParentPath, uid)
	if err != nil {
		return err
	}
	return oldParent.Rename(oldName, newParent, newName)
}

func (v *VFS) renameGetParent(cwd Vnode, path string, uid int) (Vnode, error) {
	parent, err := v.Lookup(cwd, path, uid)
	if err != nil {
		return nil, err
	}
	attrs, err := parent.Attributes()
	if err != nil {
		return nil, err
	}
	if attrs.Type != FileTypeDir {
		return nil, abi.ErrNotADirectory
	}
	if !verifyAccess(uid, AccessOwnerWrite|AccessOwnerExecute, attrs) {
		return nil, abi.ErrAccessDenied
	}
	return parent, nil
}

// Access checks whether uid has the requested access to path, without
// opening it.
func (v *VFS) Access(cwd Vnode, path string, required AccessBits, uid int) error {
	target, err := v.Lookup(cwd, path, uid)
	if err != nil {
		return err
	}
	attrs, err := target.Attributes()
	if err != nil {
		return err
	}
	if !verifyAccess(uid, required, attrs) {
		return abi.ErrAccessDenied
	}
	return nil
}

// SyncAll flushes every active mount.
func (v *VFS) SyncAll() error {
	v.lock.Lock()
	defer v.lock.Unlock()
	for _, m := range v.mounts {
		if err := m.mount.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// Root returns the global root vnode.
func (v *VFS) Root() Vnode {
	v.lock.Lock()
	defer v.lock.Unlock()
	return v.root
}
