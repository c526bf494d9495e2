package ext2

import (
	"fmt"

	"github.com/transistorfet/ruxpin-sub000/internal/block"
	"github.com/transistorfet/ruxpin-sub000/internal/misc"
	"github.com/transistorfet/ruxpin-sub000/internal/vfs"
)

// formatBlockSize is the on-disk block size Format always writes. ext2's
// superblock is conventionally read from byte offset 1024 regardless of
// the filesystem's eventual block size (LoadSuperBlock's hardcoded
// blocks.Get(1) against a 1024-byte-block cache before SetBlockSize is
// called); fixing Format's own block size to 1024 sidesteps having to
// juggle two different block-size units while laying out the metadata
// region, matching the single-block-group images biscuit's own mkfs
// produces for its test fixtures.
const formatBlockSize = 1024

// FormatOptions sizes a freshly formatted filesystem. Zero values select
// the package's defaults.
type FormatOptions struct {
	// TotalBlocks is the filesystem's size in formatBlockSize-byte
	// blocks. Must fit in a single block group's bitmap
	// (formatBlockSize*8 bits).
	TotalBlocks uint32
	// TotalInodes is the number of inodes reserved for the (single)
	// block group. Must likewise fit in one bitmap block.
	TotalInodes uint32
}

const (
	defaultTotalBlocks = 8192
	defaultTotalInodes = 512
)

// Format writes a fresh, empty ext2 filesystem to dev: a superblock, a
// single block group's descriptor, block and inode bitmaps, an inode
// table, and a root directory containing only "." and "..". Grounded on
// superblock.rs's on-disk field layout (the encoding LoadSuperBlock
// itself decodes) and inodes.rs's inode record format; no retrieved
// source writes an ext2 image from scratch; original_source's own
// filesystem is built by a host tool outside the kernel tree.
func Format(dev block.Device, opts FormatOptions) error {
	totalBlocks := opts.TotalBlocks
	if totalBlocks == 0 {
		totalBlocks = defaultTotalBlocks
	}
	totalInodes := opts.TotalInodes
	if totalInodes == 0 {
		totalInodes = defaultTotalInodes
	}

	bitmapCapacity := uint32(formatBlockSize * 8)
	if totalBlocks > bitmapCapacity {
		return fmt.Errorf("ext2: format: %d blocks exceeds single-group capacity of %d", totalBlocks, bitmapCapacity)
	}
	if totalInodes > bitmapCapacity {
		return fmt.Errorf("ext2: format: %d inodes exceeds single-group capacity of %d", totalInodes, bitmapCapacity)
	}

	inodesPerBlock := formatBlockSize / inodeOnDiskSize
	inodeTableBlocks := ceilDiv(int(totalInodes), inodesPerBlock)

	const (
		superBlockNum = 1
	)
	gdBlock := 1024/formatBlockSize + 1
	blockBitmapBlock := gdBlock + 1
	inodeBitmapBlock := blockBitmapBlock + 1
	inodeTableStart := inodeBitmapBlock + 1
	dataStart := inodeTableStart + inodeTableBlocks

	if uint32(dataStart) >= totalBlocks {
		return fmt.Errorf("ext2: format: metadata occupies %d of %d blocks, leaving no room for data", dataStart, totalBlocks)
	}

	blocks := block.NewCache(dev, formatBlockSize, block.DefaultCacheSize)

	rootDataBlock := dataStart

	blockBitmap := misc.NewBitmap(int(totalBlocks), make([]byte, formatBlockSize))
	for i := 0; i <= rootDataBlock; i++ {
		if _, ok := blockBitmap.Alloc(); !ok {
			return fmt.Errorf("ext2: format: ran out of blocks reserving metadata")
		}
	}

	inodeBitmap := misc.NewBitmap(int(totalInodes), make([]byte, formatBlockSize))
	if _, ok := inodeBitmap.Alloc(); !ok { // inode #1, reserved and left unused
		return fmt.Errorf("ext2: format: ran out of inodes reserving inode 1")
	}
	if _, ok := inodeBitmap.Alloc(); !ok { // inode #2, the root directory
		return fmt.Errorf("ext2: format: ran out of inodes reserving the root inode")
	}

	if err := writeBlock(blocks, int(blockBitmapBlock), blockBitmap.Bytes()); err != nil {
		return err
	}
	if err := writeBlock(blocks, int(inodeBitmapBlock), inodeBitmap.Bytes()); err != nil {
		return err
	}

	groupDesc := make([]byte, formatBlockSize)
	misc.PutLEU32(groupDesc, 0, uint32(blockBitmapBlock))
	misc.PutLEU32(groupDesc, 4, uint32(inodeBitmapBlock))
	misc.PutLEU32(groupDesc, 8, uint32(inodeTableStart))
	misc.PutLEU16(groupDesc, 12, uint16(blockBitmap.FreeBits()))
	misc.PutLEU16(groupDesc, 14, uint16(inodeBitmap.FreeBits()))
	misc.PutLEU16(groupDesc, 16, 1) // one directory so far: the root
	if err := writeBlock(blocks, int(gdBlock), groupDesc); err != nil {
		return err
	}

	superBlock := make([]byte, formatBlockSize)
	misc.PutLEU32(superBlock, 0, totalInodes)
	misc.PutLEU32(superBlock, 4, totalBlocks)
	misc.PutLEU32(superBlock, 8, 0) // reserved superblocks
	misc.PutLEU32(superBlock, 24, 0) // log2(blockSize/1024) == 0: formatBlockSize is 1024
	misc.PutLEU32(superBlock, 28, 0) // log2(fragSize/1024), fragSize == blockSize here
	misc.PutLEU32(superBlock, 32, totalBlocks) // blocks per group: a single group
	misc.PutLEU32(superBlock, 36, 1)           // frags per block
	misc.PutLEU32(superBlock, 40, totalInodes) // inodes per group
	misc.PutLEU16(superBlock, 56, ext2Magic)
	misc.PutLEU32(superBlock, 76, 1) // major revision, so InodeSize is read from offset 88
	misc.PutLEU16(superBlock, 88, uint16(inodeOnDiskSize))
	misc.PutLEU32(superBlock, 96, incompatSupported)
	if err := writeBlock(blocks, superBlockNum, superBlock); err != nil {
		return err
	}

	for b := inodeTableStart; b < rootDataBlock; b++ {
		if err := writeBlock(blocks, b, make([]byte, formatBlockSize)); err != nil {
			return err
		}
	}

	rootDir := make([]byte, formatBlockSize)
	dotLen := roundUp4(dirEntryHeaderSize + len("."))
	writeRawDirEntry(rootDir, 0, RootInodeNum, ".", dotLen)
	writeRawDirEntry(rootDir, dotLen, RootInodeNum, "..", formatBlockSize-dotLen)
	if err := writeBlock(blocks, rootDataBlock, rootDir); err != nil {
		return err
	}

	var rootBlocks [blockEntries]uint32
	rootBlocks[0] = uint32(rootDataBlock)
	rootAttrs := vfs.FileAttributes{
		Type:   vfs.FileTypeDir,
		Access: vfs.AccessOwnerRead | vfs.AccessOwnerWrite | vfs.AccessOwnerExecute | vfs.AccessOtherRead | vfs.AccessOtherExecute,
		Nlinks: 2,
		Size:   formatBlockSize,
	}
	inodeData := make([]byte, inodeOnDiskSize)
	encodeInode(inodeData, rootAttrs, rootBlocks)

	inodeBlockNum := inodeTableStart
	inodeOffset := 1 * inodeOnDiskSize // root is the group's 2nd inode, bit index 1
	h, err := blocks.Get(inodeBlockNum)
	if err != nil {
		return err
	}
	copy(h.Buf().Bytes()[inodeOffset:inodeOffset+inodeOnDiskSize], inodeData)
	if err := h.WriteBlock(); err != nil {
		h.Release()
		return err
	}
	h.Release()

	return blocks.CommitAll()
}

func writeBlock(blocks *block.Cache, blockNum int, data []byte) error {
	h, err := blocks.Get(blockNum)
	if err != nil {
		return err
	}
	copy(h.Buf().Bytes(), data)
	if err := h.WriteBlock(); err != nil {
		h.Release()
		return err
	}
	h.Release()
	return nil
}

// writeRawDirEntry writes one directory entry's fixed 8-byte header plus
// name at byte offset pos within buf.
func writeRawDirEntry(buf []byte, pos int, inode uint32, name string, recLen int) {
	misc.PutLEU32(buf, pos+0, inode)
	misc.PutLEU16(buf, pos+4, uint16(recLen))
	buf[pos+6] = byte(len(name))
	buf[pos+7] = fileTypeToDirType(vfs.FileTypeDir)
	copy(buf[pos+8:], name)
}
