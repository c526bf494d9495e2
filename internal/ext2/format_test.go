package ext2

import (
	"testing"

	"github.com/transistorfet/ruxpin-sub000/internal/abi"
	"github.com/transistorfet/ruxpin-sub000/internal/cache"
	"github.com/transistorfet/ruxpin-sub000/internal/vfs"
)

func TestFormatProducesLoadableSuperBlock(t *testing.T) {
	dev := newMemDevice()
	if err := Format(dev, FormatOptions{}); err != nil {
		t.Fatalf("format: %v", err)
	}

	super, _, err := LoadSuperBlock(dev)
	if err != nil {
		t.Fatalf("load after format: %v", err)
	}
	if super.TotalBlocks != defaultTotalBlocks {
		t.Fatalf("expected %d total blocks, got %d", defaultTotalBlocks, super.TotalBlocks)
	}
	if super.TotalInodes != defaultTotalInodes {
		t.Fatalf("expected %d total inodes, got %d", defaultTotalInodes, super.TotalInodes)
	}
	if super.TotalBlockGroups != 1 {
		t.Fatalf("expected a single block group, got %d", super.TotalBlockGroups)
	}
	if super.InodeSize != inodeOnDiskSize {
		t.Fatalf("expected inode size %d, got %d", inodeOnDiskSize, super.InodeSize)
	}

	g := super.Groups[0]
	wantFreeInodes := int(defaultTotalInodes) - 2 // inode 1 reserved, inode 2 the root
	if int(g.FreeInodeCount) != wantFreeInodes {
		t.Fatalf("expected %d free inodes, got %d", wantFreeInodes, g.FreeInodeCount)
	}
	if g.UsedDirsCount != 1 {
		t.Fatalf("expected 1 used directory, got %d", g.UsedDirsCount)
	}
}

func TestFormatRejectsOversizedRequest(t *testing.T) {
	dev := newMemDevice()
	err := Format(dev, FormatOptions{TotalBlocks: formatBlockSize*8 + 1})
	if err == nil {
		t.Fatalf("expected an error for a block count exceeding single-group capacity")
	}
}

func mountFormatted(t *testing.T, dev *memDevice) *Mount {
	t.Helper()
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

func TestFormatRootDirectoryHasDotAndDotDot(t *testing.T) {
	dev := newMemDevice()
	if err := Format(dev, FormatOptions{}); err != nil {
		t.Fatalf("format: %v", err)
	}
	m := mountFormatted(t, dev)

	entries, err := m.root.Readdir()
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected exactly 2 entries in a fresh root, got %d: %+v", len(entries), entries)
	}
	for _, want := range []string{".", ".."} {
		found := false
		for _, e := range entries {
			if e.Name == want {
				found = true
				if e.Inode != RootInodeNum {
					t.Fatalf("expected %q to point at inode %d, got %d", want, RootInodeNum, e.Inode)
				}
			}
		}
		if !found {
			t.Fatalf("expected an entry named %q, got %+v", want, entries)
		}
	}

	if _, err := m.root.Lookup("nonexistent"); err != abi.ErrFileNotFound {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}

func TestFormatRootSupportsCreatingFiles(t *testing.T) {
	dev := newMemDevice()
	if err := Format(dev, FormatOptions{}); err != nil {
		t.Fatalf("format: %v", err)
	}
	m := mountFormatted(t, dev)

	attrs := vfs.FileAttributes{Type: vfs.FileTypeRegular, Access: vfs.AccessOwnerRead | vfs.AccessOwnerWrite}
	if _, err := m.root.Create("hello.txt", attrs); err != nil {
		t.Fatalf("create: %v", err)
	}
	found, err := m.root.Lookup("hello.txt")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	attrs, _ := found.Attributes()
	if attrs.Size != 0 {
		t.Fatalf("expected a fresh file to be empty, got size %d", attrs.Size)
	}
}
