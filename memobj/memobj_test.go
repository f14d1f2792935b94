package memobj

import (
	"testing"

	"vmkernel/errs"
	"vmkernel/page"
	"vmkernel/pcache"
)

type fakeBackend struct {
	data map[uint64][page.Size]byte
	size int64
}

func newFakeBackend(size int64) *fakeBackend {
	return &fakeBackend{data: make(map[uint64][page.Size]byte), size: size}
}

func (b *fakeBackend) ReadPage(index uint64, dst *[page.Size]byte) errs.Err_t {
	if p, ok := b.data[index]; ok {
		*dst = p
	}
	return 0
}

func (b *fakeBackend) WritePage(index uint64, src *[page.Size]byte) errs.Err_t {
	b.data[index] = *src
	return 0
}

func (b *fakeBackend) Size() int64 { return b.size }

func TestAnonZeroFillsZero(t *testing.T) {
	cache := pcache.New(page.NewAllocator(8))
	o := NewAnonZero()
	f, err := o.LookupPage(cache, 0, true)
	if err != 0 {
		t.Fatalf("lookup failed: %v", err)
	}
	bytes := cache.Allocator().Bytes(f.Addr)
	for i, b := range bytes {
		if b != 0 {
			t.Fatalf("expected zero-filled page, byte %d = %d", i, b)
		}
	}
}

func TestFileBackedReadsThroughBackend(t *testing.T) {
	cache := pcache.New(page.NewAllocator(8))
	backend := newFakeBackend(page.Size)
	var seed [page.Size]byte
	seed[0] = 42
	backend.WritePage(0, &seed)

	o := NewFileBacked(cache, backend)
	f, err := o.LookupPage(cache, 0, false)
	if err != 0 {
		t.Fatalf("lookup failed: %v", err)
	}
	if cache.Allocator().Bytes(f.Addr)[0] != 42 {
		t.Fatal("expected the frame to reflect the backend's contents")
	}
}

func TestFileBackedFaultsEntirelyPastEOF(t *testing.T) {
	cache := pcache.New(page.NewAllocator(8))
	backend := newFakeBackend(page.Size) // one page long
	o := NewFileBacked(cache, backend)

	if _, err := o.LookupPage(cache, 0, false); err != 0 {
		t.Fatalf("expected page 0 (within EOF) to succeed, got %v", err)
	}
	if _, err := o.LookupPage(cache, 1, false); err != errs.EFAULT {
		t.Fatalf("expected page 1 (entirely past EOF) to fault with EFAULT, got %v", err)
	}
}

func TestShadowFallsThroughOnRead(t *testing.T) {
	cache := pcache.New(page.NewAllocator(8))
	parent := NewAnonZero()
	pf, _ := parent.LookupPage(cache, 0, true)
	cache.Allocator().Bytes(pf.Addr)[0] = 7

	shadow := NewShadow(cache, parent)
	f, err := shadow.LookupPage(cache, 0, false)
	if err != 0 {
		t.Fatalf("lookup failed: %v", err)
	}
	if f != pf {
		t.Fatal("expected a read to fall through to the parent's own frame")
	}
}

func TestShadowDivertsOnWrite(t *testing.T) {
	cache := pcache.New(page.NewAllocator(8))
	parent := NewAnonZero()
	pf, _ := parent.LookupPage(cache, 0, true)
	cache.Allocator().Bytes(pf.Addr)[0] = 7

	shadow := NewShadow(cache, parent)
	sf, err := shadow.LookupPage(cache, 0, true)
	if err != 0 {
		t.Fatalf("lookup failed: %v", err)
	}
	if sf == pf {
		t.Fatal("expected a write to divert into the shadow's own frame")
	}
	if cache.Allocator().Bytes(sf.Addr)[0] != 7 {
		t.Fatal("expected the diverted frame to be seeded with the parent's contents")
	}

	// mutate the shadow's copy and confirm the parent is untouched
	cache.Allocator().Bytes(sf.Addr)[0] = 9
	if cache.Allocator().Bytes(pf.Addr)[0] != 7 {
		t.Fatal("expected the parent frame to be unaffected by a write to the shadow's copy")
	}
}

func TestRefcountZeroInvokesOnZero(t *testing.T) {
	cache := pcache.New(page.NewAllocator(8))
	parent := NewAnonZero()
	parent.Incref() // held once by the caller in addition to the shadow below

	shadow := NewShadow(cache, parent)
	if parent.RefCount() != 2 {
		t.Fatalf("expected parent refcount 2, got %d", parent.RefCount())
	}
	shadow.Decref()
	if parent.RefCount() != 1 {
		t.Fatalf("expected parent refcount 1 after the shadow's decref, got %d", parent.RefCount())
	}
}
