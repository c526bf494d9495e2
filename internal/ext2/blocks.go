package ext2

import (
	"github.com/transistorfet/ruxpin-sub000/internal/abi"
	"github.com/transistorfet/ruxpin-sub000/internal/misc"
)

// blockOp selects whether getFileBlockNum may allocate a missing block,
// grounded on blocks.rs's GetFileBlockOp.
type blockOp int

const (
	blockLookup blockOp = iota
	blockAllocate
)

const blockNumberSize = 4 // bytes per on-disk block pointer entry

func (v *Vnode) blockSize() int { return v.mount.super.BlockSize }

func entriesPerBlock(blockSize int) int { return blockSize / blockNumberSize }

// numberOfTiers reports how many levels of indirection linearBlockNum
// falls under: 0 for a direct block, 1/2/3 for single/double/triple
// indirect. Grounded on blocks.rs's get_number_of_tiers.
func (v *Vnode) numberOfTiers(linearBlockNum int) (int, error) {
	if linearBlockNum < directBlocks {
		return 0, nil
	}
	epb := entriesPerBlock(v.blockSize())
	remaining := linearBlockNum - directBlocks
	switch {
	case remaining < epb:
		return 1, nil
	case remaining < epb*epb:
		return 2, nil
	case remaining < epb*epb*epb:
		return 3, nil
	default:
		return 0, abi.ErrFileSizeTooLarge
	}
}

// getFileBlockNum resolves a file-relative block index to an absolute
// device block number, allocating intermediate indirect blocks and the
// target block itself when op is blockAllocate. Grounded on blocks.rs's
// Ext2Vnode::get_file_block_num/get_block_in_tier/get_or_allocate_block.
func (v *Vnode) getFileBlockNum(linearBlockNum int, op blockOp) (uint32, bool, error) {
	tiers, err := v.numberOfTiers(linearBlockNum)
	if err != nil {
		return 0, false, err
	}

	var index int
	if linearBlockNum < directBlocks {
		index = linearBlockNum
	} else {
		index = directBlocks + tiers - 1
	}

	if v.blocks[index] == 0 {
		if op == blockLookup {
			return 0, false, nil
		}
		blockNum, err := v.mount.super.AllocBlock(v.inodeNum)
		if err != nil {
			return 0, false, err
		}
		v.blocks[index] = blockNum
		v.dirty = true
	}

	if tiers == 0 {
		return v.blocks[index], true, nil
	}
	return v.getBlockInTier(tiers, v.blocks[index], linearBlockNum-directBlocks, op)
}

func (v *Vnode) getBlockInTier(tiers int, tableBlock uint32, offset int, op blockOp) (uint32, bool, error) {
	epb := entriesPerBlock(v.blockSize())
	stride := pow(epb, tiers-1)
	index := offset / stride

	if tiers <= 1 {
		return v.getOrAllocateBlock(tableBlock, index, op)
	}

	block, ok, err := v.getOrAllocateBlock(tableBlock, index, op)
	if err != nil || !ok {
		return 0, false, err
	}
	remain := offset % stride
	return v.getBlockInTier(tiers-1, block, remain, op)
}

func (v *Vnode) getOrAllocateBlock(tableBlock uint32, index int, op blockOp) (uint32, bool, error) {
	h, err := v.mount.blocks.Get(int(tableBlock))
	if err != nil {
		return 0, false, err
	}
	defer h.Release()

	data := h.Buf().Bytes()
	block := misc.LEU32(data, index*blockNumberSize)
	if block != 0 {
		return block, true, nil
	}
	if op == blockLookup {
		return 0, false, nil
	}

	newBlock, err := v.mount.super.AllocBlock(v.inodeNum)
	if err != nil {
		return 0, false, err
	}
	misc.PutLEU32(data, index*blockNumberSize, newBlock)
	h.MarkDirty()
	return newBlock, true, nil
}

func pow(base, exp int) int {
	r := 1
	for i := 0; i < exp; i++ {
		r *= base
	}
	return r
}

// freeIndirectTier recursively frees every block reachable from tableBlock
// (a tiers-deep indirect table: 1 = single, 2 = double, 3 = triple), then
// frees tableBlock itself. Completes the recursive free blocks.rs sketches
// in its commented-out free_all_blocks/free_blocks_in_tier, which spec
// §4.8 requires: on last-link unlink, all three indirection tiers and the
// data blocks they reference must be released, not just the inode's 12
// direct pointers.
func (v *Vnode) freeIndirectTier(tableBlock uint32, tiers int) error {
	if tableBlock == 0 {
		return nil
	}
	if err := v.freeBlocksInTier(tableBlock, tiers, 0); err != nil {
		return err
	}
	return v.mount.super.FreeBlock(tableBlock)
}

// freeBlocksInTier frees every entry of the tiers-deep table at tableBlock
// whose index within the table is >= fromIndex, recursing into lower tiers
// and freeing their tables too. It does not free tableBlock itself, so a
// caller truncating mid-table (fromIndex > 0) can keep the table's
// still-referenced lower-index entries.
func (v *Vnode) freeBlocksInTier(tableBlock uint32, tiers int, fromIndex int) error {
	h, err := v.mount.blocks.Get(int(tableBlock))
	if err != nil {
		return err
	}
	entries := entriesPerBlock(v.blockSize())
	refs := make([]uint32, entries)
	data := h.Buf().Bytes()
	for i := fromIndex; i < entries; i++ {
		refs[i] = misc.LEU32(data, i*blockNumberSize)
	}
	h.Release()

	for i := fromIndex; i < entries; i++ {
		ref := refs[i]
		if ref == 0 {
			continue
		}
		if tiers > 1 {
			if err := v.freeIndirectTier(ref, tiers-1); err != nil {
				return err
			}
		} else if err := v.mount.super.FreeBlock(ref); err != nil {
			return err
		}
	}
	return nil
}
