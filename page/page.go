// Package page implements component A: the physical page-frame
// allocator. It hands out and reclaims fixed-size frames from a
// simulated RAM arena and tracks the free count. No hardware page
// table knowledge lives here — only the abstract contract of spec §3.
package page

import (
	"sync"

	"golang.org/x/sys/unix"

	"vmkernel/config"
)

// / Size is the fixed frame size in bytes (4 KiB), matching spec §3.
const Size = 4096

// / Addr identifies one physical frame by its index into the arena.
// / The zero value is the reserved "null frame" returned on failure.
type Addr uint32

const nullAddr Addr = 0

// Allocator owns a fixed arena of frames and a singly-linked free
// list threaded through the arena itself (index-based, per DESIGN
// NOTES §9 — no raw pointers).
type Allocator struct {
	mu       sync.Mutex
	frames   [][Size]byte
	next     []Addr // next[i] = address of the next free frame after i, 0 = end
	freeHead Addr   // 0 means empty; real frames are 1-indexed
	freeLen  int
	total    int
}

// / NewAllocator constructs an allocator with the given total frame
// / count. total must be >= 1.
func NewAllocator(total int) *Allocator {
	if total < 1 {
		panic("page: total must be >= 1")
	}
	a := &Allocator{
		frames: make([][Size]byte, total+1),
		next:   make([]Addr, total+1),
		total:  total,
	}
	for i := 1; i <= total; i++ {
		a.next[i] = Addr(i + 1)
		if i == total {
			a.next[i] = 0
		}
	}
	a.freeHead = 1
	a.freeLen = total
	return a
}

// / NewAllocatorWithConfig sizes the arena from totalRAMFrames but
// / walls off cfg.KernelReserveFraction of it for the kernel's own
// / allocations: the reserved frames never enter the free list and so
// / can never be handed out by AllocOne/AllocContig (spec §4.A). A
// / zero-valued cfg.KernelReserveFraction degenerates to NewAllocator.
func NewAllocatorWithConfig(totalRAMFrames int, cfg config.Config) *Allocator {
	reserved := int(float64(totalRAMFrames) * cfg.KernelReserveFraction)
	usable := totalRAMFrames - reserved
	if usable < 1 {
		usable = 1
	}
	return NewAllocator(usable)
}

// / NewAllocatorFromHost sizes the arena from a caller-supplied budget
// / in bytes, budgetBytes/Size frames (at least one); it never reads
// / host total memory from core code (see SPEC_FULL §2 on
// / host-independence). It queries the host page size via
// / unix.Getpagesize but does not use the result: the frame count
// / depends on budgetBytes and the fixed 4 KiB Size alone.
func NewAllocatorFromHost(budgetBytes int) *Allocator {
	hostPage := unix.Getpagesize()
	if hostPage <= 0 {
		hostPage = Size
	}
	frames := budgetBytes / Size
	if frames < 1 {
		frames = 1
	}
	_ = hostPage // recorded for parity with the host's own accounting granularity
	return NewAllocator(frames)
}

// / AllocOne returns one frame, or the null address if the pool is
// / exhausted. Returned frames carry no zeroing guarantee.
func (a *Allocator) AllocOne() (Addr, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocOneLocked()
}

func (a *Allocator) allocOneLocked() (Addr, bool) {
	if a.freeHead == 0 {
		return nullAddr, false
	}
	f := a.freeHead
	a.freeHead = a.next[f]
	a.freeLen--
	return f, true
}

// / AllocContig returns n contiguous frames, or false if the pool
// / cannot satisfy the request as a single run. The simulated arena
// / has no fragmentation model beyond "n free frames exist"; callers
// / needing true contiguity for DMA-like use are out of scope (spec §1
// / excludes real hardware layouts).
func (a *Allocator) AllocContig(n int) (Addr, bool) {
	if n <= 0 {
		panic("page: n must be positive")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeLen < n {
		return nullAddr, false
	}
	first, ok := a.allocOneLocked()
	if !ok {
		return nullAddr, false
	}
	for i := 1; i < n; i++ {
		if _, ok := a.allocOneLocked(); !ok {
			// unwind: shouldn't happen since freeLen was checked, but
			// stay defensive against concurrent accounting bugs.
			panic("page: contig allocation accounting bug")
		}
	}
	return first, true
}

// / FreeOne returns a previously allocated frame to the pool. Callers
// / must not retain addr after this call.
func (a *Allocator) FreeOne(addr Addr) {
	if addr == nullAddr {
		panic("page: free of null frame")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.freeOneLocked(addr)
}

func (a *Allocator) freeOneLocked(addr Addr) {
	a.next[addr] = a.freeHead
	a.freeHead = addr
	a.freeLen++
}

// / FreeContig frees n frames starting at addr. The frames need not
// / have been allocated via AllocContig; this mirrors the abstract
// / contract of spec §4.A, which does not require the allocator to
// / remember allocation shape.
func (a *Allocator) FreeContig(addr Addr, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := 0; i < n; i++ {
		a.freeOneLocked(Addr(int(addr) + i))
	}
}

// / FreeCount reports the number of frames currently available.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLen
}

// / Total reports the size of the pool.
func (a *Allocator) Total() int {
	return a.total
}

// / Bytes returns a mutable view of the frame's backing storage. It
// / panics on the null address; callers are expected to have validated
// / ownership before calling.
func (a *Allocator) Bytes(addr Addr) *[Size]byte {
	if addr == nullAddr {
		panic("page: null frame dereference")
	}
	return &a.frames[addr]
}
