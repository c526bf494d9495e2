package ext2

import (
	"github.com/transistorfet/ruxpin-sub000/internal/abi"
	"github.com/transistorfet/ruxpin-sub000/internal/block"
	"github.com/transistorfet/ruxpin-sub000/internal/misc"
)

// RootInodeNum is the conventional ext2 root directory inode.
const RootInodeNum = 2

const ext2Magic = 0xEF53

const (
	incompatFileTypeInDirs = 0x0002
	incompatSupported      = incompatFileTypeInDirs
)

// groupDescriptorSize is the on-disk size of one block group descriptor.
const groupDescriptorSize = 32

// SuperBlock holds the decoded ext2 superblock and its block group
// descriptor table. Grounded on superblock.rs's Ext2SuperBlock/
// Ext2BlockGroup.
type SuperBlock struct {
	TotalInodes        uint32
	TotalBlocks         uint32
	ReservedSuperBlocks uint32
	BlockSize           int
	FragmentSize        int

	BlocksPerGroup  uint32
	FragsPerBlock   uint32
	InodesPerGroup  uint32

	InodeSize     int
	InodesPerBlock int

	TotalBlockGroups int
	Groups           []*BlockGroup

	blocks       *block.Cache
	blockBitmaps []*misc.Bitmap
	inodeBitmaps []*misc.Bitmap
}

// BlockGroup is one decoded block-group descriptor.
type BlockGroup struct {
	BlockBitmap    uint32
	InodeBitmap    uint32
	InodeTable     uint32
	FreeBlockCount uint16
	FreeInodeCount uint16
	UsedDirsCount  uint16
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// LoadSuperBlock reads the superblock and block-group descriptor table
// from dev, returning the decoded superblock and a block cache
// reconfigured to the filesystem's real block size. Grounded on
// superblock.rs's Ext2SuperBlock::load/read_superblock.
func LoadSuperBlock(dev block.Device) (*SuperBlock, *block.Cache, error) {
	blocks := block.NewCache(dev, 1024, block.DefaultCacheSize)

	h, err := blocks.Get(1)
	if err != nil {
		return nil, nil, err
	}
	data := h.Buf().Bytes()

	magic := misc.LEU16(data, 56)
	if magic != ext2Magic {
		h.Release()
		return nil, nil, abi.ErrInvalidSuperblock
	}

	logBlockSize := misc.LEU32(data, 24)
	logFragSize := misc.LEU32(data, 28)
	blockSize := 1024 << logBlockSize
	fragSize := 1024 << logFragSize
	if blockSize != fragSize {
		h.Release()
		return nil, nil, abi.ErrInvalidSuperblock
	}

	majorVersion := misc.LEU32(data, 76)
	var inodeSize int
	if majorVersion >= 1 {
		inodeSize = int(misc.LEU16(data, 88))
	} else {
		inodeSize = 128
	}

	incompat := misc.LEU32(data, 96)
	if incompat&^uint32(incompatSupported) != 0 {
		h.Release()
		return nil, nil, abi.ErrIncompatibleFeatures
	}

	totalBlocks := misc.LEU32(data, 4)
	blocksPerGroup := misc.LEU32(data, 32)
	totalBlockGroups := ceilDiv(int(totalBlocks), int(blocksPerGroup))

	super := &SuperBlock{
		TotalInodes:         misc.LEU32(data, 0),
		TotalBlocks:         totalBlocks,
		ReservedSuperBlocks: misc.LEU32(data, 8),
		BlockSize:           blockSize,
		FragmentSize:        fragSize,
		BlocksPerGroup:      blocksPerGroup,
		FragsPerBlock:       misc.LEU32(data, 36),
		InodesPerGroup:      misc.LEU32(data, 40),
		InodeSize:           inodeSize,
		InodesPerBlock:      blockSize / inodeSize,
		TotalBlockGroups:    totalBlockGroups,
	}
	h.Release()

	if err := blocks.SetBlockSize(blockSize); err != nil {
		return nil, nil, err
	}

	// The group descriptor table occupies the block right after the
	// superblock's own block, matching superblock.rs's
	// Ext2BlockGroup::read_into(.., superblock_block + 1, ..).
	gdBlock := 1024/blockSize + 1

	descPerBlock := blockSize / groupDescriptorSize
	for i := 0; i < totalBlockGroups; i++ {
		block := gdBlock + i/descPerBlock
		offset := (i % descPerBlock) * groupDescriptorSize

		gh, err := blocks.Get(block)
		if err != nil {
			return nil, nil, err
		}
		gd := gh.Buf().Bytes()[offset : offset+groupDescriptorSize]
		super.Groups = append(super.Groups, &BlockGroup{
			BlockBitmap:    misc.LEU32(gd, 0),
			InodeBitmap:    misc.LEU32(gd, 4),
			InodeTable:     misc.LEU32(gd, 8),
			FreeBlockCount: misc.LEU16(gd, 12),
			FreeInodeCount: misc.LEU16(gd, 14),
			UsedDirsCount:  misc.LEU16(gd, 16),
		})
		gh.Release()
	}

	super.blocks = blocks
	if err := super.loadBitmaps(blocks); err != nil {
		return nil, nil, err
	}

	return super, blocks, nil
}

func (s *SuperBlock) loadBitmaps(blocks *block.Cache) error {
	s.blockBitmaps = make([]*misc.Bitmap, len(s.Groups))
	s.inodeBitmaps = make([]*misc.Bitmap, len(s.Groups))

	for i, g := range s.Groups {
		bbuf := make([]byte, s.BlockSize)
		bh, err := blocks.Get(int(g.BlockBitmap))
		if err != nil {
			return err
		}
		copy(bbuf, bh.Buf().Bytes())
		bh.Release()
		s.blockBitmaps[i] = misc.LoadBitmap(int(s.BlocksPerGroup), bbuf)

		ibuf := make([]byte, s.BlockSize)
		ih, err := blocks.Get(int(g.InodeBitmap))
		if err != nil {
			return err
		}
		copy(ibuf, ih.Buf().Bytes())
		ih.Release()
		s.inodeBitmaps[i] = misc.LoadBitmap(int(s.InodesPerGroup), ibuf)
	}
	return nil
}

// InodeLocation returns the block number and in-block byte offset of
// inodeNum's on-disk inode record. Grounded on superblock.rs's
// get_inode_entry_location.
func (s *SuperBlock) InodeLocation(inodeNum uint32) (int, int, error) {
	group, groupInode, err := s.inodeGroupAndOffset(inodeNum)
	if err != nil {
		return 0, 0, err
	}
	blockNum := int(s.Groups[group].InodeTable) + int(groupInode)/s.InodesPerBlock
	offset := (int(groupInode) % s.InodesPerBlock) * s.InodeSize
	return blockNum, offset, nil
}

func (s *SuperBlock) inodeGroupAndOffset(inodeNum uint32) (int, uint32, error) {
	if inodeNum == 0 || inodeNum > s.TotalInodes {
		return 0, 0, abi.ErrInvalidInode
	}
	group := int((inodeNum - 1) / s.InodesPerGroup)
	groupInode := (inodeNum - 1) % s.InodesPerGroup
	if group >= len(s.Groups) {
		return 0, 0, abi.ErrInvalidInode
	}
	return group, groupInode, nil
}

// AllocBlock reserves and returns a free block number, preferring the
// block group nearest nearInode. Grounded on blocks.rs's
// Ext2Mount::alloc_block, whose body (superblock.alloc_block) isn't
// otherwise present in the original and is implemented here directly
// from spec §4.8's allocation requirement.
func (s *SuperBlock) AllocBlock(nearInode uint32) (uint32, error) {
	group, _, err := s.inodeGroupAndOffset(nearInode)
	if err != nil {
		group = 0
	}
	for i := 0; i < len(s.Groups); i++ {
		g := (group + i) % len(s.Groups)
		if bit, ok := s.blockBitmaps[g].Alloc(); ok {
			s.Groups[g].FreeBlockCount--
			if err := s.writeBackBitmap(int(s.Groups[g].BlockBitmap), s.blockBitmaps[g]); err != nil {
				return 0, err
			}
			return uint32(g)*s.BlocksPerGroup + uint32(bit), nil
		}
	}
	return 0, abi.ErrOutOfDiskSpace
}

// FreeBlock releases blockNum back to its group's bitmap.
func (s *SuperBlock) FreeBlock(blockNum uint32) error {
	group := blockNum / s.BlocksPerGroup
	bit := blockNum % s.BlocksPerGroup
	s.blockBitmaps[group].Free(int(bit))
	s.Groups[group].FreeBlockCount++
	return s.writeBackBitmap(int(s.Groups[group].BlockBitmap), s.blockBitmaps[group])
}

// AllocInode reserves and returns a free inode number.
func (s *SuperBlock) AllocInode() (uint32, error) {
	for g := 0; g < len(s.Groups); g++ {
		if bit, ok := s.inodeBitmaps[g].Alloc(); ok {
			s.Groups[g].FreeInodeCount--
			if err := s.writeBackBitmap(int(s.Groups[g].InodeBitmap), s.inodeBitmaps[g]); err != nil {
				return 0, err
			}
			return uint32(g)*s.InodesPerGroup + uint32(bit) + 1, nil
		}
	}
	return 0, abi.ErrOutOfDiskSpace
}

// FreeInode releases inodeNum back to its group's bitmap.
func (s *SuperBlock) FreeInode(inodeNum uint32) error {
	group, groupInode, err := s.inodeGroupAndOffset(inodeNum)
	if err != nil {
		return err
	}
	s.inodeBitmaps[group].Free(int(groupInode))
	s.Groups[group].FreeInodeCount++
	return s.writeBackBitmap(int(s.Groups[group].InodeBitmap), s.inodeBitmaps[group])
}

func (s *SuperBlock) writeBackBitmap(blockNum int, bm *misc.Bitmap) error {
	h, err := s.blocks.Get(blockNum)
	if err != nil {
		return err
	}
	defer h.Release()
	copy(h.Buf().Bytes(), bm.Bytes())
	h.MarkDirty()
	return nil
}
