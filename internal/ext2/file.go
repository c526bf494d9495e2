package ext2

import (
	"github.com/transistorfet/ruxpin-sub000/internal/abi"
	"github.com/transistorfet/ruxpin-sub000/internal/vfs"
)

// readAt reads up to len(buffer) bytes starting at position, a
// block-at-a-time copy loop grounded on files.rs's
// Ext2Vnode::read_from_vnode. Missing (unallocated, sparse) blocks read
// back as zero rather than failing, matching the Lookup op's nil-block
// handling.
func (v *Vnode) readAt(buffer []byte, position int64) (int, error) {
	blockSize := v.blockSize()
	offset := 0
	nbytes := len(buffer)
	znum := int(position) / blockSize
	zpos := int(position) % blockSize

	for nbytes > 0 {
		blockNum, ok, err := v.getFileBlockNum(znum, blockLookup)
		if err != nil {
			return offset, err
		}

		zlen := blockSize - zpos
		if zlen > nbytes {
			zlen = nbytes
		}

		if ok {
			h, err := v.mount.blocks.Get(int(blockNum))
			if err != nil {
				return offset, err
			}
			copy(buffer[offset:offset+zlen], h.Buf().Bytes()[zpos:zpos+zlen])
			h.Release()
		} else {
			for i := 0; i < zlen; i++ {
				buffer[offset+i] = 0
			}
		}

		offset += zlen
		nbytes -= zlen
		znum++
		zpos = 0
	}

	return offset, nil
}

// writeAt writes buffer at position, allocating blocks as needed.
// Grounded on files.rs's Ext2Vnode::write_to_vnode.
func (v *Vnode) writeAt(buffer []byte, position int64) (int, error) {
	blockSize := v.blockSize()
	offset := 0
	nbytes := len(buffer)
	znum := int(position) / blockSize
	zpos := int(position) % blockSize

	for nbytes > 0 {
		blockNum, _, err := v.getFileBlockNum(znum, blockAllocate)
		if err != nil {
			return offset, err
		}

		zlen := blockSize - zpos
		if zlen > nbytes {
			zlen = nbytes
		}

		h, err := v.mount.blocks.Get(int(blockNum))
		if err != nil {
			return offset, err
		}
		copy(h.Buf().Bytes()[zpos:zpos+zlen], buffer[offset:offset+zlen])
		h.MarkDirty()
		h.Release()

		offset += zlen
		nbytes -= zlen
		znum++
		zpos = 0
	}

	end := position + int64(offset)
	if end > v.attrs.Size {
		v.attrs.Size = end
		v.dirty = true
	}
	return offset, nil
}

func (v *Vnode) Open(fp *vfs.FilePointer, flags vfs.OpenFlags) error { return nil }
func (v *Vnode) Close(fp *vfs.FilePointer) error                     { return v.commit() }

func (v *Vnode) Read(fp *vfs.FilePointer, buf []byte) (int, error) {
	if v.attrs.Type != vfs.FileTypeRegular {
		return 0, abi.ErrIsADirectory
	}
	if fp.Position >= v.attrs.Size {
		return 0, nil
	}
	remaining := v.attrs.Size - fp.Position
	if int64(len(buf)) > remaining {
		buf = buf[:remaining]
	}
	return v.readAt(buf, fp.Position)
}

func (v *Vnode) Write(fp *vfs.FilePointer, buf []byte) (int, error) {
	if v.attrs.Type != vfs.FileTypeRegular {
		return 0, abi.ErrIsADirectory
	}
	return v.writeAt(buf, fp.Position)
}

// Seek clamps to [0, size], matching spec §8's "seek past end clamps to
// end" boundary behaviour.
func (v *Vnode) Seek(fp *vfs.FilePointer, offset int64, whence int) (int64, error) {
	var base int64
	switch whence {
	case 0:
		base = 0
	case 1:
		base = fp.Position
	case 2:
		base = v.attrs.Size
	default:
		return 0, abi.ErrInvalidArgument
	}
	pos := base + offset
	if pos < 0 {
		return 0, abi.ErrInvalidArgument
	}
	if pos > v.attrs.Size {
		pos = v.attrs.Size
	}
	fp.Position = pos
	return pos, nil
}

// Truncate shrinks or grows the file to size, freeing any direct blocks
// that fall entirely beyond the new size and, per spec §4.8, any of the
// single/double/triple indirect tiers that the new, smaller size no
// longer reaches at all (table plus every data block it references).
// A tier straddled by the new size boundary keeps its table and trailing
// unused entries allocated rather than being partially walked and
// trimmed. The only caller in this tree truncates to 0, so that case
// never arises in practice; it is the same simplification freeAllBlocks
// made before this port finished the recursive free blocks.rs leaves
// commented out.
func (v *Vnode) Truncate(size int64) error {
	if size < v.attrs.Size {
		blockSize := int64(v.blockSize())
		firstFreeBlock := int((size + blockSize - 1) / blockSize)
		for i := firstFreeBlock; i < directBlocks; i++ {
			if v.blocks[i] != 0 {
				if err := v.mount.super.FreeBlock(v.blocks[i]); err != nil {
					return err
				}
				v.blocks[i] = 0
			}
		}

		epb := entriesPerBlock(v.blockSize())
		tierThresholds := [3]int{
			directBlocks,
			directBlocks + epb,
			directBlocks + epb*epb,
		}
		tierIndices := [3]int{indirectBlocks, doubleIndirectBlocks, tripleIndirectBlocks}
		for tier, threshold := range tierThresholds {
			idx := tierIndices[tier]
			if firstFreeBlock <= threshold && v.blocks[idx] != 0 {
				if err := v.freeIndirectTier(v.blocks[idx], tier+1); err != nil {
					return err
				}
				v.blocks[idx] = 0
			}
		}
	}
	v.attrs.Size = size
	v.dirty = true
	return nil
}
