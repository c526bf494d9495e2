package vfs

// Filesystem is a registrable file-system driver, grounded on
// original_source/kernel/src/fs/types.rs's Filesystem trait.
type Filesystem interface {
	Name() string
	Init() error
	Mount(device string) (Mount, error)
}

// Mount is a handle to one mounted instance of a Filesystem, grounded on
// the Rust original's MountOperations trait.
type Mount interface {
	Root() Vnode
	Sync() error
	Unmount() error
}
