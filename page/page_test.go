package page

import (
	"testing"

	"vmkernel/config"
)

func TestAllocFreeRoundTrip(t *testing.T) {
	a := NewAllocator(4)
	if a.FreeCount() != 4 {
		t.Fatalf("expected 4 free, got %d", a.FreeCount())
	}
	addr, ok := a.AllocOne()
	if !ok {
		t.Fatal("expected allocation to succeed")
	}
	if a.FreeCount() != 3 {
		t.Fatalf("expected 3 free after alloc, got %d", a.FreeCount())
	}
	a.FreeOne(addr)
	if a.FreeCount() != 4 {
		t.Fatalf("expected 4 free after free, got %d", a.FreeCount())
	}
}

func TestAllocExhaustion(t *testing.T) {
	a := NewAllocator(2)
	a1, ok := a.AllocOne()
	if !ok {
		t.Fatal("first alloc should succeed")
	}
	a2, ok := a.AllocOne()
	if !ok {
		t.Fatal("second alloc should succeed")
	}
	if _, ok := a.AllocOne(); ok {
		t.Fatal("third alloc should fail: pool exhausted")
	}
	a.FreeOne(a1)
	if _, ok := a.AllocOne(); !ok {
		t.Fatal("alloc should succeed again after a free")
	}
	a.FreeOne(a2)
}

func TestAllocContigRejectsWhenShort(t *testing.T) {
	a := NewAllocator(3)
	if _, ok := a.AllocContig(4); ok {
		t.Fatal("expected contig alloc to fail when pool is smaller than request")
	}
	if a.FreeCount() != 3 {
		t.Fatal("a failed contig alloc must not consume any frames")
	}
}

func TestBytesDistinctFrames(t *testing.T) {
	a := NewAllocator(2)
	a1, _ := a.AllocOne()
	a2, _ := a.AllocOne()
	b1 := a.Bytes(a1)
	b2 := a.Bytes(a2)
	b1[0] = 0xAA
	if b2[0] == 0xAA {
		t.Fatal("frames must not alias")
	}
}

func TestNewAllocatorWithConfigReservesKernelFraction(t *testing.T) {
	a := NewAllocatorWithConfig(1000, config.Config{KernelReserveFraction: 0.375})
	if a.Total() != 625 {
		t.Fatalf("expected 625 usable frames after a 37.5%% kernel reserve, got %d", a.Total())
	}
}

func TestNewAllocatorWithConfigZeroReserveMatchesPlain(t *testing.T) {
	a := NewAllocatorWithConfig(8, config.Config{})
	if a.Total() != 8 {
		t.Fatalf("expected a zero reserve fraction to keep the full pool, got %d", a.Total())
	}
}

func TestFreeOfNullPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic freeing the null frame")
		}
	}()
	NewAllocator(1).FreeOne(0)
}
