package mem

import (
	"sort"

	ksync "github.com/transistorfet/ruxpin-sub000/internal/sync"
)

// PageReader reads a file's bytes through the VFS; the page cache uses it
// to populate a page on first touch. The implementation over a vnode is
// internal/vm's VnodeReader, keeping this package free of a VFS import.
type PageReader interface {
	ReadAt(offset int64, buf []byte) (int, error)
}

// PageCache maps (file identity, file-page-index) to physical frame. It
// is the single source of truth for file-backed memory (spec §4.5):
// both the ELF loader and the demand-fault handler consult it, so
// duplicate mappings of the same file offset share one frame. Grounded
// on original_source/kernel/src/mm/pagecache.rs.
type PageCache struct {
	lock  ksync.Spinlock
	pool  *PagePool
	files map[interface{}]*fileEntry
}

type fileEntry struct {
	lock  ksync.Spinlock
	pages map[int]PhysicalAddress
}

// NewPageCache creates an empty page cache drawing frames from pool.
func NewPageCache(pool *PagePool) *PageCache {
	return &PageCache{pool: pool, files: make(map[interface{}]*fileEntry)}
}

func (pc *PageCache) entryFor(file interface{}) *fileEntry {
	pc.lock.Lock()
	defer pc.lock.Unlock()
	e, ok := pc.files[file]
	if !ok {
		e = &fileEntry{pages: make(map[int]PhysicalAddress)}
		pc.files[file] = e
	}
	return e
}

// Lookup returns the frame backing the page containing offset within
// file, reading the page in through reader on first touch (allocating a
// zeroed frame and reading up to PageSize bytes from the page-aligned
// offset; a short read leaves the remainder zero-filled, matching the
// file-size-smaller-than-segment case in spec §8 S6).
func (pc *PageCache) Lookup(file interface{}, offset int64, reader PageReader) (PhysicalAddress, error) {
	pageIndex := int(offset / PageSize)

	e := pc.entryFor(file)
	e.lock.Lock()
	defer e.lock.Unlock()

	if addr, ok := e.pages[pageIndex]; ok {
		return addr, nil
	}

	addr, err := pc.pool.AllocZeroed()
	if err != nil {
		return 0, err
	}
	buf := pc.pool.Frame(addr)
	pageOffset := int64(pageIndex) * PageSize
	if _, err := reader.ReadAt(pageOffset, buf); err != nil {
		pc.pool.Free(addr)
		return 0, err
	}
	e.pages[pageIndex] = addr
	return addr, nil
}

// Evict drops every cached page for file, freeing their frames. The
// ext2 driver's final-unlink path does not call it.
func (pc *PageCache) Evict(file interface{}) {
	pc.lock.Lock()
	e, ok := pc.files[file]
	if ok {
		delete(pc.files, file)
	}
	pc.lock.Unlock()
	if !ok {
		return
	}
	e.lock.Lock()
	defer e.lock.Unlock()
	for _, addr := range e.pages {
		pc.pool.Free(addr)
	}
}

// PageIndices returns the sorted list of page indices currently cached
// for file, used by tests to assert sparse-population behavior.
func (pc *PageCache) PageIndices(file interface{}) []int {
	e := pc.entryFor(file)
	e.lock.Lock()
	defer e.lock.Unlock()
	idx := make([]int, 0, len(e.pages))
	for i := range e.pages {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	return idx
}
