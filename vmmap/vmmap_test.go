package vmmap

import (
	"testing"

	"vmkernel/page"
	"vmkernel/pcache"
	"vmkernel/ptable"
)

func newTestMap(t *testing.T) (*Map, *ptable.Table, *ptable.Handle) {
	t.Helper()
	tbl := ptable.NewTable()
	h := tbl.CloneKernelTemplate()
	cache := pcache.New(page.NewAllocator(64))
	return New(tbl, h, cache), tbl, h
}

func TestMapAreaDisjointAndOrdered(t *testing.T) {
	m, _, _ := newTestMap(t)
	a1, err := m.MapArea(MapParams{NPages: 2, Prot: ptable.Read | ptable.Write, Share: Private})
	if err != 0 {
		t.Fatalf("mmap 1 failed: %v", err)
	}
	a2, err := m.MapArea(MapParams{NPages: 2, Prot: ptable.Read, Share: Private})
	if err != 0 {
		t.Fatalf("mmap 2 failed: %v", err)
	}
	if a1.End > a2.Start {
		t.Fatalf("expected a1 [%v,%v) to precede a2 [%v,%v)", a1.Start, a1.End, a2.Start, a2.End)
	}
}

func TestFixedMapRejectsOutOfRange(t *testing.T) {
	m, _, _ := newTestMap(t)
	_, err := m.MapArea(MapParams{Fixed: true, LoPage: 0, NPages: 1, Prot: ptable.Read, Share: Private})
	if err == 0 {
		t.Fatal("expected a fixed map below UserLow to fail")
	}
}

func TestAnonymousOffsetRejected(t *testing.T) {
	m, _, _ := newTestMap(t)
	_, err := m.MapArea(MapParams{NPages: 1, Offset: 1, Prot: ptable.Read, Share: Private})
	if err == 0 {
		t.Fatal("expected a nonzero offset on an anonymous mapping to be rejected")
	}
}

func TestRemoveRestoresRangeEmpty(t *testing.T) {
	m, _, _ := newTestMap(t)
	a, _ := m.MapArea(MapParams{NPages: 4, Prot: ptable.Read | ptable.Write, Share: Private})
	if m.IsRangeEmpty(a.Start, 4) {
		t.Fatal("freshly mapped range should not be empty")
	}
	if err := m.Remove(a.Start, 4); err != 0 {
		t.Fatalf("remove failed: %v", err)
	}
	if !m.IsRangeEmpty(a.Start, 4) {
		t.Fatal("expected range empty after remove")
	}
}

func TestRemoveRejectsOutOfRange(t *testing.T) {
	m, _, _ := newTestMap(t)
	if err := m.Remove(ptable.Vfn(0), 1); err == 0 {
		t.Fatal("expected a remove below UserLow to fail")
	}
	if err := m.Remove(ptable.UserHigh.Vfn(), 1); err == 0 {
		t.Fatal("expected a remove at/above UserHigh to fail")
	}
}

func TestRemoveSplitsInterior(t *testing.T) {
	m, _, _ := newTestMap(t)
	a, _ := m.MapArea(MapParams{NPages: 6, Prot: ptable.Read | ptable.Write, Share: Private})
	mid := a.Start + 2
	if err := m.Remove(mid, 2); err != 0 {
		t.Fatalf("remove failed: %v", err)
	}
	if _, ok := m.Lookup(a.Start); !ok {
		t.Fatal("expected the left remainder to still be mapped")
	}
	if _, ok := m.Lookup(mid); ok {
		t.Fatal("expected the middle to be unmapped")
	}
	if _, ok := m.Lookup(a.Start + 4); !ok {
		t.Fatal("expected the right remainder to still be mapped")
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	m, _, _ := newTestMap(t)
	a, _ := m.MapArea(MapParams{NPages: 1, Prot: ptable.Read | ptable.Write, Share: Private})
	want := []byte("hello")
	if n, err := m.Write(a.Start.Vaddr(), want, len(want)); err != 0 || n != len(want) {
		t.Fatalf("write failed n=%d err=%v", n, err)
	}
	got := make([]byte, len(want))
	if n, err := m.Read(a.Start.Vaddr(), got, len(got)); err != 0 || n != len(got) {
		t.Fatalf("read failed n=%d err=%v", n, err)
	}
	if string(got) != string(want) {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestCloneCOWIsolatesPrivateWrites(t *testing.T) {
	m, tbl, _ := newTestMap(t)
	a, _ := m.MapArea(MapParams{NPages: 1, Prot: ptable.Read | ptable.Write, Share: Private})

	seed := []byte{1}
	m.Write(a.Start.Vaddr(), seed, 1)

	childHandle := tbl.CloneKernelTemplate()
	child := m.Clone(tbl, childHandle)

	parentWrite := []byte{2}
	m.Write(a.Start.Vaddr(), parentWrite, 1)

	childRead := make([]byte, 1)
	child.Read(a.Start.Vaddr(), childRead, 1)
	if childRead[0] != 1 {
		t.Fatalf("expected child to still observe the pre-fork value 1, got %d", childRead[0])
	}

	parentRead := make([]byte, 1)
	m.Read(a.Start.Vaddr(), parentRead, 1)
	if parentRead[0] != 2 {
		t.Fatalf("expected parent to observe its own post-fork write 2, got %d", parentRead[0])
	}
}

func TestCloneSharesSharedAreas(t *testing.T) {
	m, tbl, _ := newTestMap(t)
	a, _ := m.MapArea(MapParams{NPages: 1, Prot: ptable.Read | ptable.Write, Share: SharedMode})

	childHandle := tbl.CloneKernelTemplate()
	child := m.Clone(tbl, childHandle)

	m.Write(a.Start.Vaddr(), []byte{9}, 1)
	got := make([]byte, 1)
	child.Read(a.Start.Vaddr(), got, 1)
	if got[0] != 9 {
		t.Fatalf("expected a shared area's write to be visible to the child, got %d", got[0])
	}
}
