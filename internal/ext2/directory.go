package ext2

import (
	"github.com/transistorfet/ruxpin-sub000/internal/abi"
	"github.com/transistorfet/ruxpin-sub000/internal/misc"
	"github.com/transistorfet/ruxpin-sub000/internal/vfs"
)

// dirEntryHeaderSize is the fixed portion of an on-disk directory entry
// (inode, rec_len, name_len, file_type), grounded on directories.rs's
// Ext2DirEntryHeader.
const dirEntryHeaderSize = 8

func roundUp4(n int) int { return (n + 3) &^ 3 }

type dirEntry struct {
	inode    uint32
	recLen   int
	fileType vfs.FileType
	name     string
}

// usedLen is the minimum rec_len this entry actually needs: header plus
// name, rounded up to a 4-byte boundary.
func (e dirEntry) usedLen() int { return roundUp4(dirEntryHeaderSize + len(e.name)) }

func fileTypeToDirType(t vfs.FileType) uint8 { return uint8(t) }
func dirTypeToFileType(b uint8) vfs.FileType { return vfs.FileType(b) }

// readDirEntry decodes one directory entry at byte offset position.
// Grounded on directories.rs's read_directory_from_vnode, generalized to
// return every field rather than only the first live entry.
func (v *Vnode) readDirEntry(position int64) (dirEntry, error) {
	header := make([]byte, dirEntryHeaderSize)
	n, err := v.readAt(header, position)
	if err != nil {
		return dirEntry{}, err
	}
	if n != dirEntryHeaderSize {
		return dirEntry{}, abi.ErrIOError
	}

	inode := misc.LEU32(header, 0)
	recLen := int(misc.LEU16(header, 4))
	nameLen := int(header[6])
	fileType := dirTypeToFileType(header[7])

	var name string
	if nameLen > 0 {
		nameBuf := make([]byte, nameLen)
		n, err := v.readAt(nameBuf, position+dirEntryHeaderSize)
		if err != nil {
			return dirEntry{}, err
		}
		if n != nameLen {
			return dirEntry{}, abi.ErrIOError
		}
		name = string(nameBuf)
	}

	return dirEntry{inode: inode, recLen: recLen, fileType: fileType, name: name}, nil
}

func (v *Vnode) writeDirEntry(position int64, e dirEntry) error {
	buf := make([]byte, dirEntryHeaderSize+len(e.name))
	misc.PutLEU32(buf, 0, e.inode)
	misc.PutLEU16(buf, 4, uint16(e.recLen))
	buf[6] = byte(len(e.name))
	buf[7] = fileTypeToDirType(e.fileType)
	copy(buf[dirEntryHeaderSize:], e.name)
	_, err := v.writeAt(buf, position)
	return err
}

// Lookup scans this directory's entries for name, grounded on
// directories.rs's entry-walk loop extended to match by name rather
// than returning the first live entry (the original never implements
// lookup itself).
func (v *Vnode) Lookup(name string) (vfs.Vnode, error) {
	if v.attrs.Type != vfs.FileTypeDir {
		return nil, abi.ErrNotADirectory
	}
	pos := int64(0)
	for pos < v.attrs.Size {
		e, err := v.readDirEntry(pos)
		if err != nil {
			return nil, err
		}
		if e.recLen == 0 {
			break
		}
		if e.inode != 0 && e.name == name {
			return v.mount.GetInode(e.inode)
		}
		pos += int64(e.recLen)
	}
	return nil, abi.ErrFileNotFound
}

// Readdir lists every live entry in this directory.
func (v *Vnode) Readdir() ([]vfs.DirEntry, error) {
	if v.attrs.Type != vfs.FileTypeDir {
		return nil, abi.ErrNotADirectory
	}
	var out []vfs.DirEntry
	pos := int64(0)
	for pos < v.attrs.Size {
		e, err := v.readDirEntry(pos)
		if err != nil {
			return nil, err
		}
		if e.recLen == 0 {
			break
		}
		if e.inode != 0 {
			out = append(out, vfs.DirEntry{Name: e.name, Inode: uint64(e.inode), Type: e.fileType})
		}
		pos += int64(e.recLen)
	}
	return out, nil
}

// addEntry inserts (name -> inodeNum) into this directory, splitting an
// existing entry's trailing slack space when there's room, else
// appending a fresh block. Built from spec §4.8's directory-entry
// management requirement since the original source only reads
// directories, never writes them.
func (v *Vnode) addEntry(name string, inodeNum uint32, fileType vfs.FileType) error {
	name, err := validateName(name)
	if err != nil {
		return err
	}
	needed := roundUp4(dirEntryHeaderSize + len(name))

	pos := int64(0)
	for pos < v.attrs.Size {
		e, err := v.readDirEntry(pos)
		if err != nil {
			return err
		}
		if e.recLen == 0 {
			break
		}

		used := 0
		if e.inode != 0 {
			used = e.usedLen()
		}
		slack := e.recLen - used

		if slack >= needed {
			if e.inode != 0 {
				// Split: shrink the live entry, place the new one in
				// the freed tail.
				if err := v.writeDirEntry(pos, dirEntry{inode: e.inode, recLen: used, fileType: e.fileType, name: e.name}); err != nil {
					return err
				}
				newPos := pos + int64(used)
				return v.writeDirEntry(newPos, dirEntry{inode: inodeNum, recLen: e.recLen - used, fileType: fileType, name: name})
			}
			// Entry is already a free slot large enough to reuse whole.
			return v.writeDirEntry(pos, dirEntry{inode: inodeNum, recLen: e.recLen, fileType: fileType, name: name})
		}

		pos += int64(e.recLen)
	}

	// No slack anywhere: grow the directory by one block and place the
	// new entry at its start, spanning the whole block.
	blockSize := v.blockSize()
	zero := make([]byte, blockSize)
	if _, err := v.writeAt(zero, v.attrs.Size); err != nil {
		return err
	}
	return v.writeDirEntry(v.attrs.Size-int64(blockSize), dirEntry{inode: inodeNum, recLen: blockSize, fileType: fileType, name: name})
}

// removeEntry clears name's entry, merging its space into the
// immediately preceding entry in the same block when one exists, else
// leaving it as a free (inode 0) slot for addEntry to recycle.
func (v *Vnode) removeEntry(name string) error {
	var prevPos int64 = -1
	var prevLen int
	blockSize := int64(v.blockSize())

	pos := int64(0)
	for pos < v.attrs.Size {
		e, err := v.readDirEntry(pos)
		if err != nil {
			return err
		}
		if e.recLen == 0 {
			break
		}

		if e.inode != 0 && e.name == name {
			if prevPos >= 0 && prevPos/blockSize == pos/blockSize {
				prev, err := v.readDirEntry(prevPos)
				if err != nil {
					return err
				}
				return v.writeDirEntry(prevPos, dirEntry{inode: prev.inode, recLen: prevLen + e.recLen, fileType: prev.fileType, name: prev.name})
			}
			return v.writeDirEntry(pos, dirEntry{inode: 0, recLen: e.recLen})
		}

		prevPos = pos
		prevLen = e.recLen
		pos += int64(e.recLen)
	}
	return abi.ErrFileNotFound
}

// Create allocates a new inode for name within this directory and links
// it in, initializing "." and ".." for a new subdirectory.
func (v *Vnode) Create(name string, attrs vfs.FileAttributes) (vfs.Vnode, error) {
	if v.attrs.Type != vfs.FileTypeDir {
		return nil, abi.ErrNotADirectory
	}
	if _, err := v.Lookup(name); err == nil {
		return nil, abi.ErrFileExists
	}

	inodeNum, err := v.mount.super.AllocInode()
	if err != nil {
		return nil, err
	}

	attrs.Inode = uint64(inodeNum)
	attrs.Nlinks = 1
	child := &Vnode{mount: v.mount, inodeNum: inodeNum, attrs: attrs, dirty: true}
	if err := child.commit(); err != nil {
		return nil, err
	}

	if attrs.Type == vfs.FileTypeDir {
		if err := child.addEntry(".", inodeNum, vfs.FileTypeDir); err != nil {
			return nil, err
		}
		if err := child.addEntry("..", v.inodeNum, vfs.FileTypeDir); err != nil {
			return nil, err
		}
		if err := child.commit(); err != nil {
			return nil, err
		}
		v.attrs.Nlinks++
		v.dirty = true
	}

	if err := v.addEntry(name, inodeNum, attrs.Type); err != nil {
		return nil, err
	}

	return v.mount.GetInode(inodeNum)
}

func (v *Vnode) Mknod(name string, attrs vfs.FileAttributes) (vfs.Vnode, error) {
	return v.Create(name, attrs)
}

// Link adds a new name for an existing inode (target) into this
// directory, bumping its link count.
func (v *Vnode) Link(target vfs.Vnode, name string) error {
	tv, ok := target.(*Vnode)
	if !ok {
		return abi.ErrOperationNotPermitted
	}
	if err := v.addEntry(name, tv.inodeNum, tv.attrs.Type); err != nil {
		return err
	}
	tv.attrs.Nlinks++
	tv.dirty = true
	return nil
}

// Unlink removes name from this directory and frees the target inode
// and its blocks once its link count reaches zero, matching spec
// §4.8's free-on-zero-link requirement.
func (v *Vnode) Unlink(target vfs.Vnode, name string) error {
	tv, ok := target.(*Vnode)
	if !ok {
		return abi.ErrOperationNotPermitted
	}
	if err := v.removeEntry(name); err != nil {
		return err
	}

	tv.attrs.Nlinks--
	tv.dirty = true
	if tv.attrs.Type == vfs.FileTypeDir {
		v.attrs.Nlinks--
		v.dirty = true
	}

	if tv.attrs.Nlinks <= 0 {
		return tv.freeAllBlocks()
	}
	return tv.commit()
}

// freeAllBlocks releases every direct block, walks and frees the single,
// double, and triple indirect tiers in full (tables and the data blocks
// they reference), and finally frees the inode itself, matching spec
// §4.8's free-on-zero-link requirement to release a file's blocks "across
// all three indirection tiers".
func (v *Vnode) freeAllBlocks() error {
	for i := 0; i < directBlocks; i++ {
		if v.blocks[i] != 0 {
			if err := v.mount.super.FreeBlock(v.blocks[i]); err != nil {
				return err
			}
			v.blocks[i] = 0
		}
	}

	tierIndices := [3]int{indirectBlocks, doubleIndirectBlocks, tripleIndirectBlocks}
	for tier, idx := range tierIndices {
		if v.blocks[idx] != 0 {
			if err := v.freeIndirectTier(v.blocks[idx], tier+1); err != nil {
				return err
			}
			v.blocks[idx] = 0
		}
	}

	v.dirty = false
	return v.mount.super.FreeInode(v.inodeNum)
}

// Rename removes oldName from this directory and adds it under newName
// in newParent, preserving the inode. Cross-directory rename of a
// subdirectory does not update its ".." entry.
func (v *Vnode) Rename(oldName string, newParent vfs.Vnode, newName string) error {
	np, ok := newParent.(*Vnode)
	if !ok || np.mount != v.mount {
		return abi.ErrOperationNotPermitted
	}

	pos := int64(0)
	var found dirEntry
	for pos < v.attrs.Size {
		e, err := v.readDirEntry(pos)
		if err != nil {
			return err
		}
		if e.recLen == 0 {
			break
		}
		if e.inode != 0 && e.name == oldName {
			found = e
			break
		}
		pos += int64(e.recLen)
	}
	if found.inode == 0 {
		return abi.ErrFileNotFound
	}

	if err := v.removeEntry(oldName); err != nil {
		return err
	}
	return np.addEntry(newName, found.inode, found.fileType)
}
