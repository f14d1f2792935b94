// Package process ties one process's address-space map, page-table
// handle, fault handler, and program-break state together (spec §3's
// "per-process state this subsystem owns" and §4.E.1's fork/clone
// contract), mirroring the teacher's proc_t bundling these fields
// alongside the scheduler state this module does not own.
package process

import (
	"sync"

	"vmkernel/errs"
	"vmkernel/fault"
	"vmkernel/pcache"
	"vmkernel/ptable"
	"vmkernel/sched"
	"vmkernel/vmmap"
)

// / RegisterFrame is the minimal syscall-return-value register state
// / this subsystem touches directly: Fork overwrites the child's
// / return value with zero, matching the original's rcontext
// / convention of cloning the parent's trap frame and then zeroing one
// / field rather than building a new frame from scratch.
type RegisterFrame struct {
	ReturnValue int64
}

// / Process bundles one address space with the page-table handle and
// / fault handler driving it. The scheduler-owned thread list, file
// / descriptor table, and signal state are out of scope (spec §1) and
// / are not modeled here.
type Process struct {
	mu     sync.Mutex
	Tid    sched.Tid
	Map    *vmmap.Map
	Handle *ptable.Handle
	Fault  *fault.Handler
	Cache  *pcache.Cache

	brk      ptable.Vaddr
	startBrk ptable.Vaddr
	brkArea  *vmmap.Area
}

// / New wraps an already-constructed map/handle pair (typically
// / produced by elfload.Loader.Load) into a Process, installing the
// / brk bookkeeping at startBrk.
func New(tid sched.Tid, facade ptable.Facade, handle *ptable.Handle, m *vmmap.Map, cache *pcache.Cache, startBrk ptable.Vaddr) *Process {
	return &Process{
		Tid:      tid,
		Map:      m,
		Handle:   handle,
		Cache:    cache,
		Fault:    fault.New(m, cache, facade, handle),
		brk:      startBrk,
		startBrk: startBrk,
	}
}

// / Brk returns the current program break.
func (p *Process) Brk() ptable.Vaddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.brk
}

// / SetBrk grows or shrinks the heap area to newBrk, rounding to whole
// / pages, per spec §4.E's brk operation. Growing maps a fresh
// / zero-filled anonymous region contiguous with the existing heap
// / area (or creates it, on the first call); shrinking unmaps the
// / excess tail. newBrk below startBrk is rejected.
func (p *Process) SetBrk(newBrk ptable.Vaddr) (ptable.Vaddr, errs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if newBrk < p.startBrk {
		return p.brk, errs.EINVAL
	}

	curTop := pageRoundUp(p.brk)
	newTop := pageRoundUp(newBrk)

	switch {
	case newTop == curTop:
		p.brk = newBrk
		return p.brk, 0

	case newTop > curTop:
		npages := uint64((newTop - curTop) / pageSize)
		if p.brkArea == nil {
			a, err := p.Map.MapArea(vmmap.MapParams{
				LoPage: pageRoundUp(p.startBrk).Vfn(),
				NPages: npages,
				Prot:   ptable.Read | ptable.Write,
				Share:  vmmap.Private,
				Fixed:  true,
			})
			if err != 0 {
				return p.brk, err
			}
			p.brkArea = a
		} else {
			_, err := p.Map.MapArea(vmmap.MapParams{
				LoPage: curTop.Vfn(),
				NPages: npages,
				Prot:   ptable.Read | ptable.Write,
				Share:  vmmap.Private,
				Fixed:  true,
			})
			if err != 0 {
				return p.brk, err
			}
		}
		p.brk = newBrk
		return p.brk, 0

	default: // shrinking
		if p.brkArea == nil {
			p.brk = newBrk
			return p.brk, 0
		}
		shrinkPages := uint64((curTop - newTop) / pageSize)
		if shrinkPages > 0 {
			if err := p.Map.Remove(newTop.Vfn(), shrinkPages); err != 0 {
				return p.brk, err
			}
		}
		p.brk = newBrk
		return p.brk, 0
	}
}

const pageSize = 4096

func pageRoundUp(v ptable.Vaddr) ptable.Vaddr {
	rem := uint64(v) % pageSize
	if rem == 0 {
		return v
	}
	return ptable.Vaddr(uint64(v) + pageSize - rem)
}

// / Fork clones this process's address space for a child, inserting
// / COW shadow objects over private writable areas (vmmap.Map.Clone).
// / The caller supplies the child's tid, facade, and a fresh handle
// / (scheduler/thread creation is out of scope here); Fork returns the
// / child Process with its return-value register pre-zeroed, per spec
// / §4.E.1's observable contract.
func (p *Process) Fork(childTid sched.Tid, facade ptable.Facade, childHandle *ptable.Handle) (*Process, RegisterFrame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	childMap := p.Map.Clone(facade, childHandle)
	child := &Process{
		Tid:      childTid,
		Map:      childMap,
		Handle:   childHandle,
		Cache:    p.Cache,
		Fault:    fault.New(childMap, p.Cache, facade, childHandle),
		brk:      p.brk,
		startBrk: p.startBrk,
	}
	if p.brkArea != nil {
		if a, ok := childMap.Lookup(p.brkArea.Start); ok {
			child.brkArea = a
		}
	}
	return child, RegisterFrame{ReturnValue: 0}
}

// / ResetBrk installs a fresh heap start/current break, discarding any
// / prior heap-area tracking. Used by execve after the address space
// / has already been swapped to the freshly loaded image (spec §4.G
// / step 8): the new image's own brk/start_brk replace the old
// / process's entirely.
func (p *Process) ResetBrk(startBrk ptable.Vaddr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.brk = startBrk
	p.startBrk = startBrk
	p.brkArea = nil
}

// / Teardown releases the process's address space and page-table
// / structure. It must only be called once all threads sharing this
// / address space have exited (scheduler's responsibility, out of
// / scope here).
func (p *Process) Teardown(facade ptable.Facade) {
	p.Map.Clear()
	facade.Destroy(p.Handle)
}
