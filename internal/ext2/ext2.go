// Package ext2 implements a read/write ext2 file-system driver (spec
// §4.8): superblock and block-group loading, inode load/store, direct
// and indirect block resolution, directory entry management, and file
// read/write/truncate. Grounded on
// original_source/kernel/src/fs/ext2/{mod,superblock,inodes,blocks,
// directories,files,mount}.rs, whose original implementation reads the
// on-disk format but leaves create/lookup/link/unlink/rename/truncate/
// open/close/read/write/seek/readdir as commented-out stubs; those
// operations are built here directly from spec §4.8's prose and §6's
// wire format.
package ext2

import (
	"github.com/transistorfet/ruxpin-sub000/internal/abi"
	"github.com/transistorfet/ruxpin-sub000/internal/block"
	"github.com/transistorfet/ruxpin-sub000/internal/cache"
	"github.com/transistorfet/ruxpin-sub000/internal/vfs"
)

// Filesystem is the registrable ext2 driver, grounded on mod.rs's
// Ext2Filesystem/impl Filesystem.
type Filesystem struct {
	devices map[string]block.Device
}

// NewFilesystem creates an ext2 driver that opens devices by name from
// devices, the Go stand-in for the original's DeviceID-keyed device
// registry.
func NewFilesystem(devices map[string]block.Device) *Filesystem {
	return &Filesystem{devices: devices}
}

func (f *Filesystem) Name() string { return "ext2" }

func (f *Filesystem) Init() error { return nil }

// Mount opens device, loads its superblock and block groups, and loads
// inode 2 (the conventional ext2 root directory inode) as the mount's
// root vnode.
func (f *Filesystem) Mount(device string) (vfs.Mount, error) {
	dev, ok := f.devices[device]
	if !ok {
		return nil, abi.ErrNoSuchDevice
	}

	super, blocks, err := LoadSuperBlock(dev)
	if err != nil {
		return nil, err
	}

	mnt := &Mount{
		dev:    dev,
		blocks: blocks,
		super:  super,
	}
	mnt.vnodes = cache.New[uint32, *Vnode](128)

	root, err := mnt.GetInode(RootInodeNum)
	if err != nil {
		return nil, err
	}
	mnt.root = root

	return mnt, nil
}

// Mount is a mounted ext2 instance, grounded on mod.rs's Ext2Mount.
type Mount struct {
	dev    block.Device
	blocks *block.Cache
	super  *SuperBlock
	vnodes *cache.Cache[uint32, *Vnode]
	root   *Vnode
}

func (m *Mount) Root() vfs.Vnode { return m.root }

// Sync flushes every dirty inode and block back to the device.
func (m *Mount) Sync() error {
	if err := m.vnodes.Commit(func(_ uint32, v *Vnode) error {
		return v.commit()
	}); err != nil {
		return err
	}
	return m.blocks.CommitAll()
}

func (m *Mount) Unmount() error {
	return m.Sync()
}

// GetInode returns the cached vnode for inodeNum, loading it from disk
// on a cache miss. Grounded on mod.rs's Ext2Mount::get_inode, whose
// vnode_cache.get(predicate, fetch) shape becomes a direct key lookup
// here since Go's generic cache is keyed rather than predicate-scanned.
//
// The cache is a pure lookaside accelerator: the returned *Vnode's
// lifetime is owned by Go's garbage collector like any other value, not
// by the cache's refcount, so the fetch handle is released immediately
// after use. This leaves eviction free to recycle any slot whose inode
// isn't the one most recently fetched, writing its dirty state back
// through commitOnEvict first.
func (m *Mount) GetInode(inodeNum uint32) (*Vnode, error) {
	h, err := m.vnodes.Get(inodeNum, func(key uint32) (*Vnode, error) {
		return m.loadInode(key)
	}, func(_ uint32, v *Vnode) error {
		return v.commit()
	})
	if err != nil {
		return nil, err
	}
	v := h.Value()
	h.Release()
	return v, nil
}
