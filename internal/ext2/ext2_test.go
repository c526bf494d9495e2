package ext2

import (
	"testing"

	"github.com/transistorfet/ruxpin-sub000/internal/abi"
	"github.com/transistorfet/ruxpin-sub000/internal/cache"
	"github.com/transistorfet/ruxpin-sub000/internal/misc"
	"github.com/transistorfet/ruxpin-sub000/internal/vfs"
)

const testBlockSize = 1024

// memDevice is a byte-addressable in-memory block device test fixture,
// grounded on internal/block's own memDevice test harness.
type memDevice struct {
	blocks map[int][]byte
}

func newMemDevice() *memDevice { return &memDevice{blocks: make(map[int][]byte)} }

func (d *memDevice) ReadBlock(blockNum int, buf []byte) error {
	b, ok := d.blocks[blockNum]
	if !ok {
		b = make([]byte, len(buf))
	}
	copy(buf, b)
	return nil
}

func (d *memDevice) WriteBlock(blockNum int, buf []byte) error {
	cp := make([]byte, len(buf))
	copy(cp, buf)
	d.blocks[blockNum] = cp
	return nil
}

// buildMinimalImage lays out a single-block-group, 64-block, 32-inode
// ext2 filesystem by hand: boot block 0, superblock at block 1, group
// descriptor table at block 2, block bitmap at block 3, inode bitmap at
// block 4, a 4-block inode table at blocks 5-8 (32 inodes * 128 bytes /
// 1024-byte block), and an empty root directory inode (2) with no data
// block yet allocated.
func buildMinimalImage() *memDevice {
	dev := newMemDevice()

	sb := make([]byte, testBlockSize)
	misc.PutLEU32(sb, 0, 32)  // total_inodes
	misc.PutLEU32(sb, 4, 64)  // total_blocks
	misc.PutLEU32(sb, 24, 0)  // log_block_size -> 1024
	misc.PutLEU32(sb, 28, 0)  // log_fragment_size -> 1024
	misc.PutLEU32(sb, 32, 64) // blocks_per_group
	misc.PutLEU32(sb, 36, 8192)
	misc.PutLEU32(sb, 40, 32) // inodes_per_group
	misc.PutLEU16(sb, 56, ext2Magic)
	misc.PutLEU32(sb, 76, 0) // major_version 0 -> fixed 128 byte inodes
	misc.PutLEU32(sb, 96, 0) // incompat_features
	dev.blocks[1] = sb

	gd := make([]byte, testBlockSize)
	misc.PutLEU32(gd, 0, 3) // block_bitmap
	misc.PutLEU32(gd, 4, 4) // inode_bitmap
	misc.PutLEU32(gd, 8, 5) // inode_table
	misc.PutLEU16(gd, 12, 55)
	misc.PutLEU16(gd, 14, 30)
	misc.PutLEU16(gd, 16, 1)
	dev.blocks[2] = gd

	blockBitmap := make([]byte, testBlockSize)
	blockBitmap[0] = 0xFF // blocks 0-7 reserved
	blockBitmap[1] = 0x01 // block 8 reserved (last inode table block)
	dev.blocks[3] = blockBitmap

	inodeBitmap := make([]byte, testBlockSize)
	inodeBitmap[0] = 0x03 // inodes 1 and 2 in use
	dev.blocks[4] = inodeBitmap

	inodeTable := make([]byte, testBlockSize)
	rootOffset := 128 // inode 2 is the second entry in the first inode-table block
	misc.PutLEU16(inodeTable, rootOffset+0, 0x41ED) // dir, mode 0755
	misc.PutLEU16(inodeTable, rootOffset+2, 0)      // uid
	misc.PutLEU16(inodeTable, rootOffset+26, 2)     // nlinks
	dev.blocks[5] = inodeTable

	return dev
}

func TestSuperBlockLoadRejectsBadMagic(t *testing.T) {
	dev := buildMinimalImage()
	sb := make([]byte, testBlockSize)
	copy(sb, dev.blocks[1])
	misc.PutLEU16(sb, 56, 0)
	dev.blocks[1] = sb

	if _, _, err := LoadSuperBlock(dev); err != abi.ErrInvalidSuperblock {
		t.Fatalf("expected ErrInvalidSuperblock, got %v", err)
	}
}

func TestSuperBlockLoadsGroupsAndBitmaps(t *testing.T) {
	dev := buildMinimalImage()
	super, _, err := LoadSuperBlock(dev)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if super.TotalBlockGroups != 1 {
		t.Fatalf("expected 1 block group, got %d", super.TotalBlockGroups)
	}
	if super.InodesPerBlock != 8 {
		t.Fatalf("expected 8 inodes per block, got %d", super.InodesPerBlock)
	}
}

func TestBlockAllocAvoidsReservedRegionAndPersists(t *testing.T) {
	dev := buildMinimalImage()
	super, blocks, err := LoadSuperBlock(dev)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	block1, err := super.AllocBlock(2)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if block1 < 9 {
		t.Fatalf("expected first free block >= 9, got %d", block1)
	}
	if err := blocks.CommitAll(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	// Property #5: reloading the superblock from the same backing device
	// must observe the bitmap change made above.
	super2, _, err := LoadSuperBlock(dev)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	block2, err := super2.AllocBlock(2)
	if err != nil {
		t.Fatalf("alloc after reload: %v", err)
	}
	if block2 == block1 {
		t.Fatalf("expected reload to observe block %d as already allocated", block1)
	}
}

func newMountedFS(t *testing.T) *Mount {
	t.Helper()
	dev := buildMinimalImage()
	super, blocks, err := LoadSuperBlock(dev)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	m := &Mount{dev: dev, blocks: blocks, super: super}
	m.vnodes = cache.New[uint32, *Vnode](128)
	root, err := m.GetInode(RootInodeNum)
	if err != nil {
		t.Fatalf("get root inode: %v", err)
	}
	m.root = root
	return m
}

func TestCreateWriteReadRoundTrip(t *testing.T) {
	m := newMountedFS(t)

	child, err := m.root.Create("hello.txt", vfs.FileAttributes{Type: vfs.FileTypeRegular, Access: vfs.AccessOwnerRead | vfs.AccessOwnerWrite, UID: 0})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	fp := vfs.NewFilePointer(child)
	n, err := child.Write(fp, []byte("hello ext2"))
	if err != nil || n != 10 {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	fp.Position = 0

	buf := make([]byte, 10)
	n, err = child.Read(fp, buf)
	if err != nil || string(buf[:n]) != "hello ext2" {
		t.Fatalf("read back mismatch: %q err=%v", buf[:n], err)
	}

	found, err := m.root.Lookup("hello.txt")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	attrs, _ := found.Attributes()
	if attrs.Size != 10 {
		t.Fatalf("expected size 10, got %d", attrs.Size)
	}
}

// Property #6: the sum of every directory entry's rec_len in a block
// equals the block size.
func TestDirectoryEntryLengthsSumToBlockSize(t *testing.T) {
	m := newMountedFS(t)

	if _, err := m.root.Create("a", vfs.FileAttributes{Type: vfs.FileTypeRegular, Access: vfs.AccessOwnerRead}); err != nil {
		t.Fatalf("create a: %v", err)
	}
	if _, err := m.root.Create("b", vfs.FileAttributes{Type: vfs.FileTypeRegular, Access: vfs.AccessOwnerRead}); err != nil {
		t.Fatalf("create b: %v", err)
	}

	var total int
	pos := int64(0)
	for pos < m.root.attrs.Size {
		e, err := m.root.readDirEntry(pos)
		if err != nil {
			t.Fatalf("read entry at %d: %v", pos, err)
		}
		total += e.recLen
		pos += int64(e.recLen)
	}
	if total != m.root.blockSize() {
		t.Fatalf("expected entries to sum to %d, got %d", m.root.blockSize(), total)
	}
}

func TestUnlinkFreesInodeAndEntryBecomesReusable(t *testing.T) {
	m := newMountedFS(t)

	child, err := m.root.Create("doomed.txt", vfs.FileAttributes{Type: vfs.FileTypeRegular, Access: vfs.AccessOwnerRead})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.root.Unlink(child, "doomed.txt"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if _, err := m.root.Lookup("doomed.txt"); err != abi.ErrFileNotFound {
		t.Fatalf("expected ErrFileNotFound after unlink, got %v", err)
	}
}

// TestUnlinkFreesIndirectTierBlocks covers blocks.go's freeIndirectTier:
// a file spanning past the 12 direct pointers allocates a single-indirect
// table plus its own data blocks, and unlinking the file's last link must
// release all of them back to the block bitmap, not just the 12 direct
// pointers (spec §4.8's free-on-zero-link requirement).
func TestUnlinkFreesIndirectTierBlocks(t *testing.T) {
	m := newMountedFS(t)

	child, err := m.root.Create("big.bin", vfs.FileAttributes{Type: vfs.FileTypeRegular, Access: vfs.AccessOwnerRead | vfs.AccessOwnerWrite})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	cv := child.(*Vnode)

	freeBeforeWrite := m.super.blockBitmaps[0].FreeBits()

	// 14 blocks of data: 12 direct blocks plus a freshly-allocated
	// single-indirect table and the 2 data blocks it points at (15 new
	// blocks total).
	data := make([]byte, 14*testBlockSize)
	fp := vfs.NewFilePointer(cv)
	if n, err := cv.Write(fp, data); err != nil || n != len(data) {
		t.Fatalf("write: n=%d err=%v", n, err)
	}
	if cv.blocks[indirectBlocks] == 0 {
		t.Fatalf("expected single-indirect table to be allocated")
	}

	freeAfterWrite := m.super.blockBitmaps[0].FreeBits()
	if freeAfterWrite >= freeBeforeWrite {
		t.Fatalf("expected write to consume free blocks: before=%d after=%d", freeBeforeWrite, freeAfterWrite)
	}

	if err := m.root.Unlink(cv, "big.bin"); err != nil {
		t.Fatalf("unlink: %v", err)
	}

	freeAfterUnlink := m.super.blockBitmaps[0].FreeBits()
	if freeAfterUnlink != freeBeforeWrite {
		t.Fatalf("expected unlink to release every direct and indirect-tier block: before=%d after=%d", freeBeforeWrite, freeAfterUnlink)
	}
}

func TestRenameMovesEntry(t *testing.T) {
	m := newMountedFS(t)

	sub, err := m.root.Create("sub", vfs.FileAttributes{Type: vfs.FileTypeDir, Access: vfs.AccessOwnerRead | vfs.AccessOwnerWrite | vfs.AccessOwnerExecute})
	if err != nil {
		t.Fatalf("create sub: %v", err)
	}
	if _, err := m.root.Create("f", vfs.FileAttributes{Type: vfs.FileTypeRegular, Access: vfs.AccessOwnerRead}); err != nil {
		t.Fatalf("create f: %v", err)
	}

	if err := m.root.Rename("f", sub.(*Vnode), "g"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if _, err := m.root.Lookup("f"); err != abi.ErrFileNotFound {
		t.Fatalf("expected source gone, got %v", err)
	}
	subVnode := sub.(*Vnode)
	if _, err := subVnode.Lookup("g"); err != nil {
		t.Fatalf("expected dest present: %v", err)
	}
}
