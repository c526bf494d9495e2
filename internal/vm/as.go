// Package vm implements the per-task virtual address space: segment
// bookkeeping, demand-fault resolution, and fork/exec copy semantics
// (spec §4.6). Grounded on original_source/kernel/src/mm/vmalloc.rs's
// VirtualAddressSpace and segments.rs's Segment, built atop the AArch64
// translation tables and page cache in internal/mem.
package vm

import (
	"github.com/transistorfet/ruxpin-sub000/internal/abi"
	"github.com/transistorfet/ruxpin-sub000/internal/mem"
	ksync "github.com/transistorfet/ruxpin-sub000/internal/sync"
)

// Permissions is one of the four fixed permission combinations spec §3
// allows a segment: {RO, RX, RW, RWX}.
type Permissions int

const (
	PermRO Permissions = iota
	PermRX
	PermRW
	PermRWX
)

func (p Permissions) access() mem.Access {
	return mem.Access{
		Write:    p == PermRW || p == PermRWX,
		Execute:  p == PermRX || p == PermRWX,
		Accessed: true,
	}
}

// Writable reports whether p grants write access, used by fork's
// copy-vs-share decision (spec §4.6).
func (p Permissions) Writable() bool { return p == PermRW || p == PermRWX }

// SegmentKind distinguishes a Text/Data/Stack segment, used only to pick
// out the "data" segment that sbrk grows (spec §4.6, §3's "Segment").
type SegmentKind int

const (
	SegmentText SegmentKind = iota
	SegmentData
	SegmentStack
)

// FileReader reads a file's bytes at an absolute offset, the shape the
// page cache needs to populate a page on first touch (spec §4.5).
type FileReader interface {
	ReadAt(offset int64, buf []byte) (int, error)
}

// fileBacking records a file-backed segment's source: spec §3's
// "(file-handle, file-offset, file-size, in-page offset)".
type fileBacking struct {
	file            interface{} // identity key into the page cache
	reader          FileReader
	fileOffset      int64
	fileSize        int64
	pageInnerOffset int
}

// Segment is a half-open virtual range with uniform permissions and a
// single backing source, matching spec §3's Segment type exactly.
type Segment struct {
	Kind    SegmentKind
	Perms   Permissions
	Start   mem.VirtualAddress
	End     mem.VirtualAddress
	backing *fileBacking // nil: anonymous, zero-fill on fault
}

func (s *Segment) contains(vaddr mem.VirtualAddress) bool {
	return vaddr >= s.Start && vaddr < s.End
}

// AddressSpace is a task's collection of segments over one translation
// table, plus the shared physical-page pool and page cache every
// AddressSpace in the system draws from. Grounded on vmalloc.rs's
// VirtualAddressSpace.
type AddressSpace struct {
	lock ksync.Spinlock

	table     *mem.TranslationTable
	pool      *mem.PagePool
	pageCache *mem.PageCache

	segments []*Segment
	data     *Segment // highest non-stack segment; sbrk's target (spec §4.6)
}

// New creates an empty address space drawing frames from pool and
// sharing pageCache with every other address space in the system (spec
// §4.5: the page cache is the single source of truth for file-backed
// memory across address spaces).
func New(pool *mem.PagePool, pageCache *mem.PageCache) (*AddressSpace, error) {
	table, err := mem.NewTranslationTable(pool)
	if err != nil {
		return nil, err
	}
	return &AddressSpace{table: table, pool: pool, pageCache: pageCache}, nil
}

// TTBR returns the physical address of this address space's root
// translation table, the value a real kernel would load into the
// hardware translation-table base register on a context switch.
func (as *AddressSpace) TTBR() mem.PhysicalAddress { return as.table.Root() }

func (as *AddressSpace) overlaps(start, end mem.VirtualAddress) bool {
	for _, s := range as.segments {
		if start < s.End && end > s.Start {
			return true
		}
	}
	return false
}

func (as *AddressSpace) trackData(kind SegmentKind, seg *Segment) {
	if kind == SegmentStack {
		return
	}
	if as.data == nil || seg.Start > as.data.Start {
		as.data = seg
	}
}

// AddMemorySegment reserves an anonymous range of len bytes at vaddr
// (spec §4.6's add_memory_segment). No frames are allocated and no
// mapping is installed; every page is demand-paged and resolved the
// first time FaultAllocPage is called for it.
func (as *AddressSpace) AddMemorySegment(kind SegmentKind, perms Permissions, vaddr mem.VirtualAddress, length int) error {
	as.lock.Lock()
	defer as.lock.Unlock()

	end := vaddr.Add(mem.AlignUp(uint64(length), mem.PageSize))
	if as.overlaps(vaddr, end) {
		return abi.ErrAddressAlreadyMapped
	}

	seg := &Segment{Kind: kind, Perms: perms, Start: vaddr, End: end}
	as.segments = append(as.segments, seg)
	as.trackData(kind, seg)
	return nil
}

// AddFileBackedSegment records a file-backed range for fault resolution
// (spec §4.6's add_file_backed_segment). vaddr is the page-aligned start
// of the mapping; pageInnerOffset is how far into that first page the
// file's data actually begins, letting a segment start mid-page (the ELF
// loader's PT_LOAD case).
func (as *AddressSpace) AddFileBackedSegment(kind SegmentKind, perms Permissions, file interface{}, reader FileReader, fileOffset, fileSize int64, vaddr mem.VirtualAddress, pageInnerOffset int, memSize int) error {
	as.lock.Lock()
	defer as.lock.Unlock()

	end := vaddr.Add(mem.AlignUp(uint64(memSize+pageInnerOffset), mem.PageSize))
	if as.overlaps(vaddr, end) {
		return abi.ErrAddressAlreadyMapped
	}

	seg := &Segment{
		Kind:  kind,
		Perms: perms,
		Start: vaddr,
		End:   end,
		backing: &fileBacking{
			file:            file,
			reader:          reader,
			fileOffset:      fileOffset,
			fileSize:        fileSize,
			pageInnerOffset: pageInnerOffset,
		},
	}
	as.segments = append(as.segments, seg)
	as.trackData(kind, seg)
	return nil
}

// ClearSegments unmaps and releases every segment (spec §4.6's
// clear_segments), called on exit and before exec installs a fresh set.
// Anonymous frames are returned to the pool; file-backed frames are left
// to the page cache, which owns their lifetime independently of any one
// address space (spec §5's drop semantics).
func (as *AddressSpace) ClearSegments() error {
	as.lock.Lock()
	defer as.lock.Unlock()

	for _, seg := range as.segments {
		length := int(uint64(seg.End) - uint64(seg.Start))
		anon := seg.backing == nil
		as.table.UnmapRange(seg.Start, length, func(paddr mem.PhysicalAddress, _ mem.VirtualAddress) {
			if anon {
				as.pool.Free(paddr)
			}
		})
	}
	as.segments = nil
	as.data = nil
	return nil
}

// CopySegments adds an equivalent segment for each of parent's segments
// and duplicates its mappings: read-only segments share the parent's
// frames (no copy, matching spec §4.6's "frame refcount bumped" for the
// hosted PageCache this means simply mapping the same frame), and
// writable segments get freshly allocated frames with copied contents —
// the fork-time physical copy spec §8's property #7 requires.
func (as *AddressSpace) CopySegments(parent *AddressSpace) error {
	as.lock.Lock()
	defer as.lock.Unlock()
	parent.lock.Lock()
	defer parent.lock.Unlock()

	for _, src := range parent.segments {
		dst := &Segment{Kind: src.Kind, Perms: src.Perms, Start: src.Start, End: src.End, backing: src.backing}
		as.segments = append(as.segments, dst)
		as.trackData(dst.Kind, dst)

		length := int(uint64(dst.End) - uint64(dst.Start))
		if err := as.table.CopyRange(parent.table, dst.Perms.access(), dst.Start, length, dst.Perms.Writable()); err != nil {
			return err
		}
	}
	return nil
}

// AdjustStackBreak extends the data segment by delta bytes (rounded up
// to a page), returning its previous end (spec §4.6's
// adjust_stack_break — the sbrk syscall's underlying primitive). The
// grown range is demand-paged, exactly like AddMemorySegment.
func (as *AddressSpace) AdjustStackBreak(delta int) (mem.VirtualAddress, error) {
	as.lock.Lock()
	defer as.lock.Unlock()

	if as.data == nil {
		return 0, abi.ErrNoSegmentFound
	}
	previousEnd := as.data.End
	as.data.End = as.data.End.Add(mem.AlignUp(uint64(delta), mem.PageSize))
	return previousEnd, nil
}

// FaultAllocPage resolves a page fault at faultingVaddr: it finds the
// owning segment, allocates a zeroed frame (reading the backing file
// through the page cache for a file-backed segment), installs the
// terminal mapping, and returns. A fault outside every segment fails
// with ErrNoSegmentFound, which surfaces as process abort (spec §4.6).
func (as *AddressSpace) FaultAllocPage(faultingVaddr mem.VirtualAddress) error {
	as.lock.Lock()
	defer as.lock.Unlock()

	pageVaddr := faultingVaddr.AlignDown(mem.PageSize)
	var seg *Segment
	for _, s := range as.segments {
		if s.contains(faultingVaddr) {
			seg = s
			break
		}
	}
	if seg == nil {
		return abi.ErrNoSegmentFound
	}

	var frame mem.PhysicalAddress
	var err error
	if seg.backing != nil {
		b := seg.backing
		fileOffset := b.fileOffset + int64(uint64(pageVaddr)-uint64(seg.Start)) - int64(b.pageInnerOffset)
		frame, err = as.pageCache.Lookup(b.file, fileOffset, b.reader)
	} else {
		frame, err = as.pool.AllocZeroed()
	}
	if err != nil {
		return err
	}

	return as.table.MapRange(seg.Perms.access(), pageVaddr, frame, mem.PageSize)
}

// Translate exposes the underlying table's Translate, used by syscall
// argument marshalling to resolve user pointers (spec §4.2).
func (as *AddressSpace) Translate(vaddr mem.VirtualAddress) (mem.PhysicalAddress, error) {
	as.lock.Lock()
	defer as.lock.Unlock()
	return as.table.Translate(vaddr)
}
