package mem

import (
	"fmt"

	"github.com/transistorfet/ruxpin-sub000/internal/misc"
	ksync "github.com/transistorfet/ruxpin-sub000/internal/sync"
)

// ErrOutOfMemory is returned when the physical page pool has no frame
// available to allocate.
var ErrOutOfMemory = fmt.Errorf("mem: out of memory")

// PagePool is the bitmap allocator over one physical region [start, end),
// carved as spec §4.1 describes: a front slice of the region itself holds
// the allocation bitmap, and the rest is allocatable frames. Grounded on
// original_source/kernel/src/mm/pages.rs's PageRegion, not biscuit's own
// refcounted free-list in mem/mem.go — see DESIGN.md.
type PagePool struct {
	lock ksync.Spinlock

	start      PhysicalAddress
	frameCount int
	bitmap     *misc.Bitmap
	bitmapBack []byte

	// backing simulates the frames themselves; in a hosted build (no
	// real MMU) this is the only storage a frame has.
	backing [][]byte
}

// NewPagePool carves a PagePool out of [start, start+totalBytes). The
// first ceil(frameCount/8) bytes' worth of frames are reserved to store
// the bitmap itself, matching the original's "carves the bitmap out of
// the front of the region" construction.
func NewPagePool(start PhysicalAddress, totalBytes int) *PagePool {
	frameCount := totalBytes / PageSize
	bitmapBytes := (frameCount + 7) / 8
	reservedFrames := (bitmapBytes + PageSize - 1) / PageSize

	p := &PagePool{
		start:      start,
		frameCount: frameCount,
		bitmapBack: make([]byte, bitmapBytes),
		backing:    make([][]byte, frameCount),
	}
	for i := range p.backing {
		p.backing[i] = make([]byte, PageSize)
	}
	p.bitmap = misc.NewBitmap(frameCount, p.bitmapBack)

	for i := 0; i < reservedFrames; i++ {
		if _, ok := p.bitmap.Alloc(); !ok {
			panic("mem: page pool too small to hold its own bitmap")
		}
	}
	return p
}

func (p *PagePool) frameAddr(idx int) PhysicalAddress {
	return p.start.Add(uint64(idx) * PageSize)
}

func (p *PagePool) indexOf(addr PhysicalAddress) int {
	return int((uint64(addr) - uint64(p.start)) / PageSize)
}

// Alloc returns a fresh frame's physical address via rotating first-fit.
func (p *PagePool) Alloc() (PhysicalAddress, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	idx, ok := p.bitmap.Alloc()
	if !ok {
		return 0, ErrOutOfMemory
	}
	return p.frameAddr(idx), nil
}

// AllocZeroed allocates a frame and zero-fills it via its kernel mapping.
func (p *PagePool) AllocZeroed() (PhysicalAddress, error) {
	addr, err := p.Alloc()
	if err != nil {
		return 0, err
	}
	buf := p.Frame(addr)
	for i := range buf {
		buf[i] = 0
	}
	return addr, nil
}

// Free clears the bit owning addr, returning the frame to the pool.
func (p *PagePool) Free(addr PhysicalAddress) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.bitmap.Free(p.indexOf(addr))
}

// Frame returns the byte slice backing the frame at addr, reached through
// the kernel direct map in spirit (this hosted build keeps the bytes in
// a Go slice rather than a real physical mapping).
func (p *PagePool) Frame(addr PhysicalAddress) []byte {
	idx := p.indexOf(addr)
	if idx < 0 || idx >= len(p.backing) {
		panic(fmt.Sprintf("mem: frame address %#x out of pool range", addr))
	}
	return p.backing[idx]
}

// FreeBits reports the number of unallocated frames, used by tests and
// diagnostics.
func (p *PagePool) FreeBits() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.bitmap.FreeBits()
}
