package mem

import "fmt"

// Four-level AArch64-style translation table, grounded on
// original_source/kernel/src/arch/aarch64/mmu.rs: each level is a 4 KiB
// frame of 512 eight-byte descriptors; addr_bits step by 9 from 39 down
// to 12 (512-entry levels covering 512 GiB / 1 GiB / 2 MiB / 4 KiB spans).
const (
	entriesPerLevel = 512
	descriptorBytes = 8
	numLevels       = 4
)

// level shift amounts, outermost (level 0) to innermost (level 3).
var levelShift = [numLevels]uint{39, 30, 21, 12}

// Descriptor flag bits (spec §3: "{RO|RW} × {X|NX} × accessed").
const (
	descValid     uint64 = 1 << 0
	descTable     uint64 = 1 << 1 // distinguishes "table" from "block" at non-leaf levels
	descWrite     uint64 = 1 << 2
	descNoExecute uint64 = 1 << 3
	descAccessed  uint64 = 1 << 4
	descAddrMask  uint64 = ^uint64(0xFFF) &^ (descWrite | descNoExecute | descAccessed | descTable | descValid)
)

// Access describes the permission/attribute bits requested for a mapping.
type Access struct {
	Write    bool
	Execute  bool
	Accessed bool
}

func (a Access) encode() uint64 {
	var bits uint64
	if a.Write {
		bits |= descWrite
	}
	if !a.Execute {
		bits |= descNoExecute
	}
	if a.Accessed {
		bits |= descAccessed
	}
	return bits
}

func decodeAccess(entry uint64) Access {
	return Access{
		Write:    entry&descWrite != 0,
		Execute:  entry&descNoExecute == 0,
		Accessed: entry&descAccessed != 0,
	}
}

// ErrAddressAlreadyMapped is returned when MapRange targets a virtual
// range that already has a terminal mapping.
var ErrAddressAlreadyMapped = fmt.Errorf("mem: address already mapped")

// ErrAddressUnmapped is returned by Translate when no terminal mapping
// covers the requested address.
var ErrAddressUnmapped = fmt.Errorf("mem: address unmapped")

// ErrCorruptTranslationTable is returned when a table-level descriptor
// doesn't have the shape map/unmap/translate expect.
var ErrCorruptTranslationTable = fmt.Errorf("mem: corrupt translation table")

// PageSource allocates and frees the physical frames a TranslationTable
// needs for intermediate tables and terminal mappings.
type PageSource interface {
	AllocZeroed() (PhysicalAddress, error)
	Free(PhysicalAddress)
	Frame(PhysicalAddress) []byte
}

// TranslationTable is the root of a four-level AArch64-style page table.
type TranslationTable struct {
	pool PageSource
	root PhysicalAddress
}

// NewTranslationTable allocates a fresh, empty root table.
func NewTranslationTable(pool PageSource) (*TranslationTable, error) {
	root, err := pool.AllocZeroed()
	if err != nil {
		return nil, err
	}
	return &TranslationTable{pool: pool, root: root}, nil
}

// Root returns the physical address of the table's root frame (the
// hardware TTBR value in a real kernel).
func (t *TranslationTable) Root() PhysicalAddress { return t.root }

func entriesOf(pool PageSource, table PhysicalAddress) []uint64 {
	raw := pool.Frame(table)
	entries := make([]uint64, entriesPerLevel)
	for i := 0; i < entriesPerLevel; i++ {
		off := i * descriptorBytes
		entries[i] = uint64(raw[off]) | uint64(raw[off+1])<<8 | uint64(raw[off+2])<<16 | uint64(raw[off+3])<<24 |
			uint64(raw[off+4])<<32 | uint64(raw[off+5])<<40 | uint64(raw[off+6])<<48 | uint64(raw[off+7])<<56
	}
	return entries
}

func storeEntry(pool PageSource, table PhysicalAddress, idx int, v uint64) {
	raw := pool.Frame(table)
	off := idx * descriptorBytes
	for i := 0; i < 8; i++ {
		raw[off+i] = byte(v >> uint(8*i))
	}
}

func indexAt(vaddr VirtualAddress, level int) int {
	return int((uint64(vaddr) >> levelShift[level]) & uint64(entriesPerLevel-1))
}

// MapRange installs len/PageSize terminal mappings starting at vaddr,
// backed by consecutive physical frames starting at paddr, walking down
// through intermediate levels and allocating tables on demand. Returns
// ErrAddressAlreadyMapped if any covered terminal entry is already valid.
func (t *TranslationTable) MapRange(access Access, vaddr VirtualAddress, paddr PhysicalAddress, length int) error {
	if length%PageSize != 0 {
		panic("mem: MapRange length not page-aligned")
	}
	pages := length / PageSize
	for i := 0; i < pages; i++ {
		v := vaddr.Add(uint64(i) * PageSize)
		p := paddr.Add(uint64(i) * PageSize)
		if err := t.mapOne(access, v, p); err != nil {
			return err
		}
	}
	return nil
}

func (t *TranslationTable) mapOne(access Access, vaddr VirtualAddress, paddr PhysicalAddress) error {
	table := t.root
	for level := 0; level < numLevels-1; level++ {
		entries := entriesOf(t.pool, table)
		idx := indexAt(vaddr, level)
		entry := entries[idx]

		if entry&descValid == 0 {
			next, err := t.pool.AllocZeroed()
			if err != nil {
				return err
			}
			storeEntry(t.pool, table, idx, uint64(next)|descValid|descTable)
			table = next
		} else if entry&descTable != 0 {
			table = PhysicalAddress(entry & descAddrMask)
		} else {
			return ErrCorruptTranslationTable
		}
	}

	entries := entriesOf(t.pool, table)
	idx := indexAt(vaddr, numLevels-1)
	if entries[idx]&descValid != 0 {
		return ErrAddressAlreadyMapped
	}
	storeEntry(t.pool, table, idx, uint64(paddr)|descValid|access.encode())
	return nil
}

// OnUnmap is invoked once per terminal entry unmapped by UnmapRange, so
// the caller can decrement a refcount or free the frame (spec §4.2).
type OnUnmap func(paddr PhysicalAddress, vaddr VirtualAddress)

// UnmapRange removes len/PageSize terminal mappings starting at vaddr,
// freeing intermediate tables that become empty, and invoking onUnmap for
// every terminal entry it clears.
func (t *TranslationTable) UnmapRange(vaddr VirtualAddress, length int, onUnmap OnUnmap) {
	if length%PageSize != 0 {
		panic("mem: UnmapRange length not page-aligned")
	}
	pages := length / PageSize
	for i := 0; i < pages; i++ {
		v := vaddr.Add(uint64(i) * PageSize)
		t.unmapLevel(t.root, v, 0, onUnmap)
	}
}

// unmapLevel returns true if the table at this level became completely
// empty and was freed, so the caller can clear its own entry too.
func (t *TranslationTable) unmapLevel(table PhysicalAddress, vaddr VirtualAddress, level int, onUnmap OnUnmap) bool {
	entries := entriesOf(t.pool, table)
	idx := indexAt(vaddr, level)
	entry := entries[idx]

	if entry&descValid == 0 {
		return false
	}

	if level == numLevels-1 {
		paddr := PhysicalAddress(entry & descAddrMask)
		storeEntry(t.pool, table, idx, 0)
		if onUnmap != nil {
			onUnmap(paddr, vaddr)
		}
	} else {
		child := PhysicalAddress(entry & descAddrMask)
		emptied := t.unmapLevel(child, vaddr, level+1, onUnmap)
		if emptied && tableIsEmpty(t.pool, child) {
			t.pool.Free(child)
			storeEntry(t.pool, table, idx, 0)
		}
	}

	return tableIsEmpty(t.pool, table)
}

func tableIsEmpty(pool PageSource, table PhysicalAddress) bool {
	entries := entriesOf(pool, table)
	for _, e := range entries {
		if e&descValid != 0 {
			return false
		}
	}
	return true
}

// Translate walks the table to find the physical address backing vaddr.
func (t *TranslationTable) Translate(vaddr VirtualAddress) (PhysicalAddress, error) {
	table := t.root
	for level := 0; level < numLevels-1; level++ {
		entries := entriesOf(t.pool, table)
		idx := indexAt(vaddr, level)
		entry := entries[idx]
		if entry&descValid == 0 {
			return 0, ErrAddressUnmapped
		}
		if entry&descTable == 0 {
			return 0, ErrCorruptTranslationTable
		}
		table = PhysicalAddress(entry & descAddrMask)
	}

	entries := entriesOf(t.pool, table)
	idx := indexAt(vaddr, numLevels-1)
	entry := entries[idx]
	if entry&descValid == 0 {
		return 0, ErrAddressUnmapped
	}
	offset := vaddr.OffsetFromAlign(PageSize)
	return PhysicalAddress(entry&descAddrMask).Add(offset), nil
}

// CopyRange duplicates every terminal mapping in [vaddr, vaddr+length)
// from src into t. When shareWritable is false, read-only segments are
// duplicated by sharing the same physical frame (the caller is expected
// to bump its refcount); when shareWritable is true (a writable segment,
// i.e. fork of a Data/Stack segment) a new frame is allocated and the
// contents are copied, matching spec §4.6's copy-on-fork semantics.
func (t *TranslationTable) CopyRange(src *TranslationTable, access Access, vaddr VirtualAddress, length int, shareWritable bool) error {
	if length%PageSize != 0 {
		panic("mem: CopyRange length not page-aligned")
	}
	pages := length / PageSize
	for i := 0; i < pages; i++ {
		v := vaddr.Add(uint64(i) * PageSize)
		srcAddr, err := src.Translate(v)
		if err == ErrAddressUnmapped {
			continue // demand-paged hole; nothing to copy yet
		}
		if err != nil {
			return err
		}

		if shareWritable {
			newFrame, err := t.pool.AllocZeroed()
			if err != nil {
				return err
			}
			copy(t.pool.Frame(newFrame), src.pool.Frame(srcAddr))
			if err := t.mapOne(access, v, newFrame); err != nil {
				return err
			}
		} else {
			if err := t.mapOne(access, v, srcAddr); err != nil {
				return err
			}
		}
	}
	return nil
}
