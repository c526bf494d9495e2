package block

import "testing"

type memDevice struct {
	blocks map[int][]byte
	size   int
}

func newMemDevice(size int) *memDevice {
	return &memDevice{blocks: make(map[int][]byte), size: size}
}

func (d *memDevice) ReadBlock(blockNum int, buf []byte) error {
	b, ok := d.blocks[blockNum]
	if !ok {
		b = make([]byte, d.size)
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

func TestCacheReadWriteRoundTrip(t *testing.T) {
	dev := newMemDevice(512)
	c := NewCache(dev, 512, DefaultCacheSize)

	h, err := c.Get(3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	copy(h.Buf().Bytes(), []byte("hello block"))
	h.MarkDirty()
	h.Release()

	if err := c.CommitAll(); err != nil {
		t.Fatalf("commit all: %v", err)
	}

	h2, err := c.Get(3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer h2.Release()
	if string(h2.Buf().Bytes()[:11]) != "hello block" {
		t.Fatalf("unexpected contents: %q", h2.Buf().Bytes()[:11])
	}
}

func TestSetBlockSizeRefusesWithLiveHandle(t *testing.T) {
	dev := newMemDevice(512)
	c := NewCache(dev, 512, DefaultCacheSize)
	h, err := c.Get(0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := c.SetBlockSize(1024); err == nil {
		t.Fatalf("expected SetBlockSize to fail with a live handle")
	}
	h.Release()
	if err := c.SetBlockSize(1024); err != nil {
		t.Fatalf("expected SetBlockSize to succeed once unreferenced: %v", err)
	}
}

func TestEvictionWritesBackDirtyBlock(t *testing.T) {
	dev := newMemDevice(64)
	c := NewCache(dev, 64, 1) // capacity 1 forces eviction on the 2nd distinct block

	h0, _ := c.Get(0)
	copy(h0.Buf().Bytes(), []byte("first"))
	h0.MarkDirty()
	h0.Release()

	h1, err := c.Get(1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	h1.Release()

	if string(dev.blocks[0][:5]) != "first" {
		t.Fatalf("expected dirty block 0 to be written back on eviction")
	}
}
