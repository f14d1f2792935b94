package ptable

import (
	"testing"

	"vmkernel/page"
)

func TestMapUnmapRoundTrip(t *testing.T) {
	tbl := NewTable()
	h := tbl.CloneKernelTemplate()
	va := UserLow

	if _, ok := tbl.VirtToPhys(h, va); ok {
		t.Fatal("fresh handle should have no mapping")
	}
	if err := tbl.Map(h, va, 7, Read|Write); err != 0 {
		t.Fatalf("map failed: %v", err)
	}
	addr, ok := tbl.VirtToPhys(h, va)
	if !ok || addr != 7 {
		t.Fatalf("expected frame 7, got %v ok=%v", addr, ok)
	}
	tbl.Unmap(h, va)
	if _, ok := tbl.VirtToPhys(h, va); ok {
		t.Fatal("expected no mapping after unmap")
	}
}

func TestUnmapRange(t *testing.T) {
	tbl := NewTable()
	h := tbl.CloneKernelTemplate()
	base := UserLow
	for i := 0; i < 4; i++ {
		va := Vaddr(uint64(base) + uint64(i)*page.Size)
		tbl.Map(h, va, page.Addr(i+1), Read)
	}
	lo := base
	hi := Vaddr(uint64(base) + 2*page.Size)
	tbl.UnmapRange(h, lo, hi)

	if _, ok := tbl.VirtToPhys(h, base); ok {
		t.Fatal("expected page 0 unmapped")
	}
	if _, ok := tbl.VirtToPhys(h, Vaddr(uint64(base)+page.Size)); ok {
		t.Fatal("expected page 1 unmapped")
	}
	if _, ok := tbl.VirtToPhys(h, Vaddr(uint64(base)+2*page.Size)); !ok {
		t.Fatal("expected page 2 still mapped")
	}
}

func TestMapPanicsOnUnalignedAddr(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic mapping an unaligned vaddr")
		}
	}()
	tbl := NewTable()
	h := tbl.CloneKernelTemplate()
	tbl.Map(h, Vaddr(uint64(UserLow)+1), 1, Read)
}

func TestDestroyClearsActive(t *testing.T) {
	tbl := NewTable()
	h := tbl.CloneKernelTemplate()
	tbl.Activate(h)
	tbl.Destroy(h)
	if tbl.active != nil {
		t.Fatal("destroy of the active handle should clear active")
	}
}
