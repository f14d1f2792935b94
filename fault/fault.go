// Package fault implements component F: resolving a faulting virtual
// address into a frame via vmmap -> memobj -> pcache, installing a
// page-table entry, and enforcing copy-on-write (spec §4.F).
package fault

import (
	"vmkernel/errs"
	"vmkernel/pcache"
	"vmkernel/ptable"
	"vmkernel/vmmap"
)

// / Cause bits describing why a fault occurred, per spec §4.F.
type Cause struct {
	Present bool
	Write   bool
	User    bool
	Exec    bool
}

// / Outcome tells the caller (the interrupt trampoline, out of scope
// / here) what to do with the faulting thread.
type Outcome int

const (
	Resolved Outcome = iota
	Terminate
)

// / Result is returned by Handle.
type Result struct {
	Outcome Outcome
	Err     errs.Err_t // meaningful when Outcome == Terminate
}

// / Handler resolves faults for one address space.
type Handler struct {
	Map    *vmmap.Map
	Cache  *pcache.Cache
	Facade ptable.Facade
	handle *ptable.Handle
}

// / New constructs a fault handler bound to one address space.
func New(m *vmmap.Map, cache *pcache.Cache, facade ptable.Facade, handle *ptable.Handle) *Handler {
	return &Handler{Map: m, Cache: cache, Facade: facade, handle: handle}
}

// / Handle resolves a fault at vaddr with the given cause, per the
// / algorithm of spec §4.F. A kernel-mode fault (Cause.User == false)
// / is a kernel bug and panics, matching the teacher's convention of
// / panicking on internal invariant violations.
func (h *Handler) Handle(vaddr ptable.Vaddr, cause Cause) Result {
	if !cause.User {
		panic("fault: fault from kernel mode")
	}

	vfn := vaddr.Vfn()
	area, ok := h.Map.Lookup(vfn)
	if !ok {
		return Result{Terminate, errs.EFAULT}
	}

	if cause.Write && area.Prot&ptable.Write == 0 {
		return Result{Terminate, errs.EFAULT}
	}
	if cause.Exec && area.Prot&ptable.Exec == 0 {
		return Result{Terminate, errs.EFAULT}
	}
	if !cause.Write && !cause.Exec && area.Prot&ptable.Read == 0 {
		return Result{Terminate, errs.EFAULT}
	}

	index := area.Offset + uint64(vfn-area.Start)
	forWrite := cause.Write && area.Share == vmmap.Private

	frame, err := area.Backing.LookupPage(h.Cache, index, forWrite)
	if err != 0 {
		return Result{Terminate, err}
	}

	if area.Prot&ptable.Write != 0 && cause.Write {
		h.Cache.MarkDirty(frame)
	}

	// Clean shared-writable pages are mapped read-only so the first
	// write refaults and marks the frame dirty exactly once (spec
	// §4.F step 6, §4.D mark_dirty note).
	installProt := area.Prot
	if area.Share == vmmap.SharedMode && area.Prot&ptable.Write != 0 && !frame.Dirty() {
		installProt &^= ptable.Write
	}

	if e := h.Facade.Map(h.handle,vfn.Vaddr(), frame.Addr, installProt); e != 0 {
		return Result{Terminate, e}
	}
	h.Facade.TLBFlushOne(vaddr)

	return Result{Outcome: Resolved}
}
