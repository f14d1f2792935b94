package process

import (
	"testing"

	"vmkernel/page"
	"vmkernel/pcache"
	"vmkernel/ptable"
	"vmkernel/vmmap"
)

func newProcess(t *testing.T) (*Process, ptable.Facade) {
	t.Helper()
	tbl := ptable.NewTable()
	h := tbl.CloneKernelTemplate()
	cache := pcache.New(page.NewAllocator(256))
	m := vmmap.New(tbl, h, cache)
	return New(1, tbl, h, m, cache, ptable.Vaddr(0x200000)), tbl
}

func TestBrkGrowsAndShrinks(t *testing.T) {
	p, _ := newProcess(t)
	start := p.Brk()

	grown, err := p.SetBrk(start + 8192)
	if err != 0 {
		t.Fatalf("grow failed: %v", err)
	}
	if grown != start+8192 {
		t.Fatalf("expected brk %v, got %v", start+8192, grown)
	}

	shrunk, err := p.SetBrk(start + 10)
	if err != 0 {
		t.Fatalf("shrink failed: %v", err)
	}
	if shrunk != start+10 {
		t.Fatalf("expected brk %v, got %v", start+10, shrunk)
	}
}

func TestBrkBelowStartRejected(t *testing.T) {
	p, _ := newProcess(t)
	start := p.Brk()
	if _, err := p.SetBrk(start - 1); err == 0 {
		t.Fatal("expected shrinking below start_brk to be rejected")
	}
}

func TestForkZeroesChildReturnValue(t *testing.T) {
	p, tbl := newProcess(t)
	childHandle := tbl.CloneKernelTemplate()
	_, regs := p.Fork(2, tbl, childHandle)
	if regs.ReturnValue != 0 {
		t.Fatalf("expected the child's return value register to be zeroed, got %d", regs.ReturnValue)
	}
}

func TestForkChildIsIndependentAddressSpace(t *testing.T) {
	p, tbl := newProcess(t)
	a, err := p.Map.MapArea(vmmap.MapParams{NPages: 1, Prot: ptable.Read | ptable.Write, Share: vmmap.Private})
	if err != 0 {
		t.Fatalf("mmap failed: %v", err)
	}
	p.Map.Write(a.Start.Vaddr(), []byte{1}, 1)

	childHandle := tbl.CloneKernelTemplate()
	child, _ := p.Fork(2, tbl, childHandle)

	p.Map.Write(a.Start.Vaddr(), []byte{2}, 1)

	got := make([]byte, 1)
	child.Map.Read(a.Start.Vaddr(), got, 1)
	if got[0] != 1 {
		t.Fatalf("expected child to retain the pre-fork value, got %d", got[0])
	}
}
