package mem

import "testing"

func TestPagePoolAllocFree(t *testing.T) {
	pool := NewPagePool(0, 64*PageSize)
	a, err := pool.Alloc()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	b, err := pool.AllocZeroed()
	if err != nil {
		t.Fatalf("alloc zeroed: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct frames")
	}
	for _, v := range pool.Frame(b) {
		if v != 0 {
			t.Fatalf("expected zeroed frame")
		}
	}
	pool.Free(a)
	c, err := pool.Alloc()
	if err != nil || c != a {
		t.Fatalf("expected freed frame %#x to be reused, got %#x err=%v", a, c, err)
	}
}

func TestPagePoolExhaustion(t *testing.T) {
	pool := NewPagePool(0, 4*PageSize)
	n := 0
	for {
		if _, err := pool.Alloc(); err != nil {
			break
		}
		n++
		if n > 100 {
			t.Fatalf("allocator never reported exhaustion")
		}
	}
}

func TestTranslationTableMapTranslateUnmap(t *testing.T) {
	pool := NewPagePool(0, 4096*PageSize)
	tt, err := NewTranslationTable(pool)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}

	paddr, err := pool.AllocZeroed()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	vaddr := VirtualAddress(0x10000)

	if err := tt.MapRange(Access{Write: true}, vaddr, paddr, PageSize); err != nil {
		t.Fatalf("map: %v", err)
	}

	if err := tt.MapRange(Access{Write: true}, vaddr, paddr, PageSize); err != ErrAddressAlreadyMapped {
		t.Fatalf("expected ErrAddressAlreadyMapped, got %v", err)
	}

	got, err := tt.Translate(vaddr)
	if err != nil || got != paddr {
		t.Fatalf("translate: got %#x err=%v, want %#x", got, err, paddr)
	}

	var unmapped []PhysicalAddress
	tt.UnmapRange(vaddr, PageSize, func(p PhysicalAddress, v VirtualAddress) {
		unmapped = append(unmapped, p)
	})
	if len(unmapped) != 1 || unmapped[0] != paddr {
		t.Fatalf("unexpected onUnmap calls: %v", unmapped)
	}

	if _, err := tt.Translate(vaddr); err != ErrAddressUnmapped {
		t.Fatalf("expected ErrAddressUnmapped after unmap, got %v", err)
	}
}

func TestTranslationTableCopyRangeForkSemantics(t *testing.T) {
	pool := NewPagePool(0, 8192*PageSize)
	parent, err := NewTranslationTable(pool)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	paddr, err := pool.AllocZeroed()
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	copy(pool.Frame(paddr), []byte("hello"))
	vaddr := VirtualAddress(0x20000)
	if err := parent.MapRange(Access{Write: true}, vaddr, paddr, PageSize); err != nil {
		t.Fatalf("map: %v", err)
	}

	child, err := NewTranslationTable(pool)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}
	if err := child.CopyRange(parent, Access{Write: true}, vaddr, PageSize, true); err != nil {
		t.Fatalf("copy range: %v", err)
	}

	childAddr, err := child.Translate(vaddr)
	if err != nil {
		t.Fatalf("translate child: %v", err)
	}
	if childAddr == paddr {
		t.Fatalf("writable fork must duplicate the frame, not share it")
	}
	if string(pool.Frame(childAddr)[:5]) != "hello" {
		t.Fatalf("expected copied contents")
	}

	// Parent writes must not be visible in the child (spec testable
	// property #7: fork equivalence, then independence).
	pool.Frame(paddr)[0] = 'X'
	if pool.Frame(childAddr)[0] != 'h' {
		t.Fatalf("child frame observed parent's write after fork")
	}
}

type fakeReader struct{ data []byte }

func (r fakeReader) ReadAt(offset int64, buf []byte) (int, error) {
	if offset >= int64(len(r.data)) {
		return 0, nil
	}
	n := copy(buf, r.data[offset:])
	return n, nil
}

func TestPageCacheLazyPopulateAndShare(t *testing.T) {
	pool := NewPagePool(0, 64*PageSize)
	pc := NewPageCache(pool)
	reader := fakeReader{data: []byte("file contents")}

	a1, err := pc.Lookup("file1", 0, reader)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	a2, err := pc.Lookup("file1", 10, reader) // same page (offset 10 < PageSize)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if a1 != a2 {
		t.Fatalf("expected same-page offsets to share one frame")
	}
	if string(pool.Frame(a1)[:13]) != "file contents" {
		t.Fatalf("unexpected page contents: %q", pool.Frame(a1)[:13])
	}

	// Bytes beyond the short read stay zero, matching S6's "reads past
	// file size but within the segment return zero".
	if pool.Frame(a1)[13] != 0 {
		t.Fatalf("expected zero-fill past short read")
	}
}
