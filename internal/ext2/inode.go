package ext2

import (
	"github.com/transistorfet/ruxpin-sub000/internal/misc"
	"github.com/transistorfet/ruxpin-sub000/internal/vfs"
)

// directBlocks, indirectBlocks etc. index the 15-entry block pointer
// array in an ext2 inode: 12 direct, then single/double/triple
// indirect, matching inodes.rs's EXT2_INODE_*_BLOCKS constants.
const (
	directBlocks         = 12
	indirectBlocks       = directBlocks
	doubleIndirectBlocks = indirectBlocks + 1
	tripleIndirectBlocks = doubleIndirectBlocks + 1
	blockEntries         = tripleIndirectBlocks + 1
)

const inodeOnDiskSize = 128

// The modeType* values, selected by modeTypeMask, are the upper nibble of a Linux-style
// i_mode field, which packs the S_IF* file-type bits above the
// low-12-bit permission field.
const (
	modeTypeFIFO    = 0x1000
	modeTypeChr     = 0x2000
	modeTypeDir     = 0x4000
	modeTypeBlk     = 0x6000
	modeTypeRegular = 0x8000
	modeTypeSymlink = 0xA000
	modeTypeSock    = 0xC000
	modeTypeMask    = 0xF000
	modePermMask    = 0x0FFF
)

func modeToFileType(mode uint16) vfs.FileType {
	switch mode & modeTypeMask {
	case modeTypeFIFO:
		return vfs.FileTypeFifo
	case modeTypeChr:
		return vfs.FileTypeChrDev
	case modeTypeDir:
		return vfs.FileTypeDir
	case modeTypeBlk:
		return vfs.FileTypeBlkDev
	case modeTypeRegular:
		return vfs.FileTypeRegular
	case modeTypeSymlink:
		return vfs.FileTypeSymlink
	case modeTypeSock:
		return vfs.FileTypeSock
	default:
		return vfs.FileTypeUnknown
	}
}

func fileTypeToMode(t vfs.FileType) uint16 {
	switch t {
	case vfs.FileTypeFifo:
		return modeTypeFIFO
	case vfs.FileTypeChrDev:
		return modeTypeChr
	case vfs.FileTypeDir:
		return modeTypeDir
	case vfs.FileTypeBlkDev:
		return modeTypeBlk
	case vfs.FileTypeRegular:
		return modeTypeRegular
	case vfs.FileTypeSymlink:
		return modeTypeSymlink
	case vfs.FileTypeSock:
		return modeTypeSock
	default:
		return modeTypeRegular
	}
}

// decodeInode parses a 128-byte on-disk inode record into attrs and its
// 15-entry block pointer table. Grounded on inodes.rs's
// Ext2InodeOnDisk/Into<FileAttributes>.
func decodeInode(data []byte, inodeNum uint32) (vfs.FileAttributes, [blockEntries]uint32) {
	mode := misc.LEU16(data, 0)
	attrs := vfs.FileAttributes{
		Access: vfs.AccessBits(mode & modePermMask),
		Type:   modeToFileType(mode),
		UID:    int(misc.LEU16(data, 2)),
		Size:   int64(misc.LEU32(data, 4)),
		Atime:  int64(misc.LEU32(data, 8)),
		Ctime:  int64(misc.LEU32(data, 12)),
		Mtime:  int64(misc.LEU32(data, 16)),
		GID:    int(misc.LEU16(data, 24)),
		Nlinks: int(misc.LEU16(data, 26)),
		Inode:  uint64(inodeNum),
	}

	var blocks [blockEntries]uint32
	for i := 0; i < blockEntries; i++ {
		blocks[i] = misc.LEU32(data, 40+4*i)
	}
	return attrs, blocks
}

// encodeInode writes attrs and blocks into a 128-byte on-disk record.
func encodeInode(data []byte, attrs vfs.FileAttributes, blocks [blockEntries]uint32) {
	mode := fileTypeToMode(attrs.Type) | (uint16(attrs.Access) & modePermMask)
	misc.PutLEU16(data, 0, mode)
	misc.PutLEU16(data, 2, uint16(attrs.UID))
	misc.PutLEU32(data, 4, uint32(attrs.Size))
	misc.PutLEU32(data, 8, uint32(attrs.Atime))
	misc.PutLEU32(data, 12, uint32(attrs.Ctime))
	misc.PutLEU32(data, 16, uint32(attrs.Mtime))
	misc.PutLEU16(data, 24, uint16(attrs.GID))
	misc.PutLEU16(data, 26, uint16(attrs.Nlinks))
	for i := 0; i < blockEntries; i++ {
		misc.PutLEU32(data, 40+4*i, blocks[i])
	}
}

// Vnode is the ext2 concrete vnode implementation, grounded on
// inodes.rs's Ext2Vnode. It embeds vfs.BaseVnode so operations this
// driver doesn't implement itself fall back to the default
// ErrOperationNotPermitted behaviour.
type Vnode struct {
	vfs.BaseVnode

	mount     *Mount
	inodeNum  uint32
	attrs     vfs.FileAttributes
	blocks    [blockEntries]uint32
	dirty     bool
}

func (m *Mount) loadInode(inodeNum uint32) (*Vnode, error) {
	blockNum, offset, err := m.super.InodeLocation(inodeNum)
	if err != nil {
		return nil, err
	}
	h, err := m.blocks.Get(blockNum)
	if err != nil {
		return nil, err
	}
	defer h.Release()

	data := h.Buf().Bytes()[offset : offset+inodeOnDiskSize]
	attrs, blocks := decodeInode(data, inodeNum)

	return &Vnode{
		mount:    m,
		inodeNum: inodeNum,
		attrs:    attrs,
		blocks:   blocks,
	}, nil
}

// commit writes the vnode's in-memory attributes and block pointers
// back to its on-disk inode record if dirty. Called on cache eviction
// and on an explicit Sync/Commit.
func (v *Vnode) commit() error {
	if !v.dirty {
		return nil
	}
	blockNum, offset, err := v.mount.super.InodeLocation(v.inodeNum)
	if err != nil {
		return err
	}
	h, err := v.mount.blocks.Get(blockNum)
	if err != nil {
		return err
	}
	defer h.Release()

	data := h.Buf().Bytes()[offset : offset+inodeOnDiskSize]
	encodeInode(data, v.attrs, v.blocks)
	h.MarkDirty()
	v.dirty = false
	return nil
}

// Commit satisfies vfs.Vnode.
func (v *Vnode) Commit() error { return v.commit() }

func (v *Vnode) Attributes() (vfs.FileAttributes, error) {
	return v.attrs, nil
}

func (v *Vnode) SetAttributes(attrs vfs.FileAttributes) error {
	v.attrs.Access = attrs.Access
	v.attrs.UID = attrs.UID
	v.attrs.GID = attrs.GID
	v.dirty = true
	return nil
}
