// Package vcall implements component J: the syscall surface this
// subsystem exposes -- mmap, munmap, brk, fork, and execve -- wiring
// together vmmap, fault, elfload, and ubridge behind the copy-in /
// copy-out / cleanup contract of spec §4.J and §7. It does not touch
// user memory directly except through ubridge.
package vcall

import (
	"math"

	"vmkernel/elfload"
	"vmkernel/errs"
	"vmkernel/fault"
	"vmkernel/memobj"
	"vmkernel/process"
	"vmkernel/ptable"
	"vmkernel/sched"
	"vmkernel/ubridge"
	"vmkernel/vmmap"
)

const pageSize = 4096

// / Syscalls bundles the collaborators every entry point needs.
type Syscalls struct {
	Facade ptable.Facade
	Loader *elfload.Loader
}

// / New constructs a syscall surface over facade and loader.
func New(facade ptable.Facade, loader *elfload.Loader) *Syscalls {
	return &Syscalls{Facade: facade, Loader: loader}
}

func ceilPages(n uint64) uint64 { return (n + pageSize - 1) / pageSize }

// / MmapArgs mirrors the mmap(2) argument shape of spec §6.
type MmapArgs struct {
	Addr    ptable.Vaddr // fixed base when Flags&vmmap.FlagFixed; ignored otherwise
	Length  uint64
	Prot    ptable.Prot
	Flags   vmmap.Flags
	Backend memobj.Backend // nil for MAP_ANONYMOUS
	Offset  uint64         // byte offset into Backend; must be page-aligned
}

// / Mmap implements the mmap syscall over p's address space (spec
// / §4.E, §6). Offset must be a whole number of pages; a nonzero
// / offset on an anonymous mapping is rejected (spec §9 open question,
// / resolved EINVAL).
func (s *Syscalls) Mmap(p *process.Process, a MmapArgs) (ptable.Vaddr, errs.Err_t) {
	if a.Length == 0 {
		return 0, errs.EINVAL
	}
	if a.Offset%pageSize != 0 {
		return 0, errs.EINVAL
	}
	if a.Length > math.MaxUint64-a.Offset {
		return 0, errs.EOVERFLOW
	}
	npages := ceilPages(a.Length)

	share := vmmap.Private
	if a.Flags&vmmap.FlagShared != 0 {
		share = vmmap.SharedMode
	}

	params := vmmap.MapParams{
		Backend: a.Backend,
		NPages:  npages,
		Prot:    a.Prot,
		Share:   share,
		Offset:  a.Offset / pageSize,
		Dir:     vmmap.LowToHigh,
	}
	if a.Flags&vmmap.FlagFixed != 0 {
		if uint64(a.Addr)%pageSize != 0 {
			return 0, errs.EINVAL
		}
		params.Fixed = true
		params.LoPage = a.Addr.Vfn()
	}

	area, err := p.Map.MapArea(params)
	if err != 0 {
		return 0, err
	}
	return area.Start.Vaddr(), 0
}

// / Munmap implements the munmap syscall: addr must be page-aligned;
// / length is rounded up to whole pages, per spec §4.E.
func (s *Syscalls) Munmap(p *process.Process, addr ptable.Vaddr, length uint64) errs.Err_t {
	if uint64(addr)%pageSize != 0 || length == 0 {
		return errs.EINVAL
	}
	return p.Map.Remove(addr.Vfn(), ceilPages(length))
}

// / Brk implements the brk syscall, delegating to the process's own
// / heap-area bookkeeping (spec §4.E).
func (s *Syscalls) Brk(p *process.Process, newBrk ptable.Vaddr) (ptable.Vaddr, errs.Err_t) {
	return p.SetBrk(newBrk)
}

// / Fork implements the fork syscall: clones p's address space with
// / COW shadow objects over private writable areas and returns the new
// / child process plus the register-frame override the caller installs
// / before resuming the child (spec §4.E.1).
func (s *Syscalls) Fork(p *process.Process, childTid sched.Tid) (*process.Process, process.RegisterFrame, errs.Err_t) {
	childHandle := s.Facade.CloneKernelTemplate()
	child, regs := p.Fork(childTid, s.Facade, childHandle)
	return child, regs, 0
}

// / ExecveArgs bundles a copied-in argv/envp plus the path to execute;
// / package ubridge's UserVecdup/UserStrdup produce these from raw user
// / pointers before this call, per spec §4.J's copy-in discipline.
type ExecveArgs struct {
	Path string
	Argv []string
	Envp []string
}

// / Execve implements the execve syscall (spec §4.G step 8, §4.J):
// / it builds the entire new image through elfload before touching p,
// / so any failure leaves p's existing address space completely
// / untouched (atomicity). Only on success does it tear down the old
// / map/handle and install the new ones. It assumes every other thread
// / sharing p's address space has already been stopped; it does not
// / cancel or join them itself.
func (s *Syscalls) Execve(p *process.Process, a ExecveArgs) (ptable.Vaddr, ptable.Vaddr, errs.Err_t) {
	img, err := s.Loader.Load(a.Path, a.Argv, a.Envp)
	if err != 0 {
		return 0, 0, err
	}

	oldMap, oldHandle := p.Map, p.Handle
	p.Map = img.Map
	p.Handle = img.Handle
	p.Fault = fault.New(img.Map, p.Cache, s.Facade, img.Handle)
	p.ResetBrk(img.StartBrk)
	oldMap.Clear()
	s.Facade.Destroy(oldHandle)

	return img.EntryIP, img.StackSP, 0
}

// / Bridge returns a ubridge.Bridge bound to p's current address
// / space, for copying execve's argv/envp in from user memory before
// / calling Execve, or copying syscall results back out afterward.
func (s *Syscalls) Bridge(p *process.Process) *ubridge.Bridge {
	return ubridge.New(p.Map)
}
