// Package ptable is the abstract page-table facade of component B.
// It models the mapping primitive a real MMU driver would expose
// without committing to any hardware page-table format, per spec §1's
// non-goal on real hardware layouts and §4.B's abstract contract.
package ptable

import (
	"sync"

	"vmkernel/errs"
	"vmkernel/page"
)

// / Prot is a protection mask over a mapping: any subset of
// / read/write/execute.
type Prot uint8

const (
	Read Prot = 1 << iota
	Write
	Exec
)

// / Vaddr is a user virtual address. Vfn is the corresponding virtual
// / frame number (spec GLOSSARY).
type Vaddr uint64
type Vfn uint64

func (v Vaddr) Vfn() Vfn { return Vfn(v / page.Size) }
func (f Vfn) Vaddr() Vaddr { return Vaddr(f * page.Size) }

// / UserLow and UserHigh bound the abstract user virtual region used
// / throughout vmmap/fault/elfload.
const (
	UserLow  Vaddr = 0x10000
	UserHigh Vaddr = 0x0000_7fff_ffff_f000
)

type entry struct {
	frame page.Addr
	prot  Prot
}

// / Handle is an opaque reference to one address space's translation
// / structure. The zero value is not valid; obtain one via
// / CloneKernelTemplate.
type Handle struct {
	mu      sync.Mutex
	entries map[Vfn]entry
	active  bool
}

// / Facade is the set of operations a page-fault/vmmap caller needs
// / from the MMU. It is satisfied by *Table below; tests may supply a
// / smaller fake.
type Facade interface {
	Map(h *Handle, vaddr Vaddr, frame page.Addr, prot Prot) errs.Err_t
	Unmap(h *Handle, vaddr Vaddr)
	UnmapRange(h *Handle, lo, hi Vaddr)
	CloneKernelTemplate() *Handle
	Destroy(h *Handle)
	Activate(h *Handle)
	VirtToPhys(h *Handle, vaddr Vaddr) (page.Addr, bool)
	TLBFlushOne(vaddr Vaddr)
	TLBFlushAll()
}

// / Table is the in-process simulation of the MMU used by this
// / kernel. Every address space gets its own Handle; Table tracks
// / which one is "active" to model the single-CPU uniprocessor TLB of
// / spec §5.
type Table struct {
	mu     sync.Mutex
	active *Handle

	// tlbFlushes counts invalidations for tests/metrics; it has no
	// behavioral effect since this simulation has no cached
	// translations beyond the entries map itself.
	tlbFlushes uint64
}

// / NewTable constructs an empty facade instance.
func NewTable() *Table {
	return &Table{}
}

// / CloneKernelTemplate returns a fresh handle with no user mappings.
// / Kernel-mapping sharing is modeled as "nothing to share" since this
// / subsystem never maps kernel memory through this facade.
func (t *Table) CloneKernelTemplate() *Handle {
	return &Handle{entries: make(map[Vfn]entry)}
}

// / Map installs one page mapping. vaddr must be page-aligned and
// / within [UserLow, UserHigh).
func (t *Table) Map(h *Handle, vaddr Vaddr, frame page.Addr, prot Prot) errs.Err_t {
	if uint64(vaddr)%page.Size != 0 {
		panic("ptable: unaligned vaddr")
	}
	if vaddr < UserLow || vaddr >= UserHigh {
		panic("ptable: vaddr out of user range")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[vaddr.Vfn()] = entry{frame: frame, prot: prot}
	return 0
}

// / Unmap removes the mapping at vaddr, if any.
func (t *Table) Unmap(h *Handle, vaddr Vaddr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.entries, vaddr.Vfn())
}

// / UnmapRange removes every mapping with vfn in [lo, hi).
func (t *Table) UnmapRange(h *Handle, lo, hi Vaddr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for vfn := lo.Vfn(); vfn < hi.Vfn(); vfn++ {
		delete(h.entries, vfn)
	}
}

// / Destroy releases the handle's table structure. Frames referenced
// / by its entries are NOT freed here — spec §4.B is explicit that
// / destroy frees only table structure, not the frames those tables
// / pointed to; the cache/memobj own frame lifetime.
func (t *Table) Destroy(h *Handle) {
	t.mu.Lock()
	if t.active == h {
		t.active = nil
	}
	t.mu.Unlock()
	h.mu.Lock()
	h.entries = nil
	h.mu.Unlock()
}

// / Activate makes h the current translation.
func (t *Table) Activate(h *Handle) {
	t.mu.Lock()
	t.active = h
	t.mu.Unlock()
}

// / VirtToPhys resolves a mapped vaddr. Behavior is undefined (here:
// / ok=false) if unmapped, per spec §4.B.
func (t *Table) VirtToPhys(h *Handle, vaddr Vaddr) (page.Addr, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[vaddr.Vfn()]
	return e.frame, ok
}

// / Prot returns the installed protection for vaddr, if mapped.
func (t *Table) Prot(h *Handle, vaddr Vaddr) (Prot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e, ok := h.entries[vaddr.Vfn()]
	return e.prot, ok
}

// / TLBFlushOne invalidates the TLB for one address on the active
// / handle. Callers are responsible for only calling this when h is
// / the active handle, per spec §4.B.
func (t *Table) TLBFlushOne(vaddr Vaddr) {
	t.mu.Lock()
	t.tlbFlushes++
	t.mu.Unlock()
}

// / TLBFlushAll invalidates every TLB entry for the active handle.
func (t *Table) TLBFlushAll() {
	t.mu.Lock()
	t.tlbFlushes++
	t.mu.Unlock()
}

// / Stats reports cumulative TLB invalidation count, for tests/metrics.
func (t *Table) Stats() (flushes uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tlbFlushes
}
