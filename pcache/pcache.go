// Package pcache implements component D: the process-wide page-frame
// cache. It maps (memobj identity, page index) to a resident physical
// frame, threading each resident frame onto an LRU "allocated" list or
// a "pinned" list, and serializes concurrent fills of the same page
// with golang.org/x/sync/singleflight (see SPEC_FULL §2).
package pcache

import (
	"container/list"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"vmkernel/errs"
	"vmkernel/page"
	"vmkernel/sched"
)

// / ObjID is a memory object's stable cache identity.
type ObjID uint64

// / AreaRef is implemented by a virtual area (package vmmap). It lets
// / the cache drive TLB-coherent unmap during eviction without
// / importing vmmap, which in turn imports pcache.
type AreaRef interface {
	// RemoveMapping removes the page-table entry for backing-object
	// page idx in the area's owning process, if the area's offset
	// range currently covers idx.
	RemoveMapping(idx uint64)
}

// / Source is the subset of a memory object the cache needs to drive
// / fills, cleans, reference counting, and eviction back-propagation.
// / memobj.Memobj implementations satisfy this.
type Source interface {
	ID() ObjID
	FillPage(frame *[page.Size]byte, index uint64) errs.Err_t
	CleanPage(frame *[page.Size]byte, index uint64) errs.Err_t
	Incref()
	Decref()
	Areas() []AreaRef
}

type key struct {
	obj   ObjID
	index uint64
}

func (k key) String() string {
	return fmt.Sprintf("%d:%d", k.obj, k.index)
}

// / Frame is one resident cache entry. Exported fields are read-only
// / to callers; mutate only through Cache methods so invariants hold.
type Frame struct {
	Addr     page.Addr
	Owner    ObjID
	Index    uint64
	src      Source
	dirty    bool
	busy     bool
	pinCount int32
	elem     *list.Element // node in cache.lru or cache.pinned
}

func (f *Frame) Dirty() bool { return f.dirty }
func (f *Frame) Busy() bool  { return f.busy }
func (f *Frame) Pinned() bool { return f.pinCount > 0 }

// / Watermarks configures the low/target free-frame thresholds of
// / spec §4.D. Defaults are low ~6.25%, target ~12.5% of total usable
// / frames, applied by the pageout daemon, not by Cache itself.
type Watermarks struct {
	Low    int
	Target int
}

// / Cache is the process-wide frame cache described by component D.
type Cache struct {
	mu      sync.Mutex
	alloc   *page.Allocator
	index   map[key]*Frame
	lru     *list.List // unpinned resident frames, MRU at back
	pinned  *list.List
	group   singleflight.Group
	spaceMu sync.Mutex
	space   *sync.Cond // broadcast by pageout when frames become available

	busyQ *sched.WaitQueue // broadcast whenever a resident frame's busy flag clears

	hits, misses uint64
}

// / New constructs a cache backed by alloc.
func New(alloc *page.Allocator) *Cache {
	c := &Cache{
		alloc:  alloc,
		index:  make(map[key]*Frame),
		lru:    list.New(),
		pinned: list.New(),
		busyQ:  sched.NewWaitQueue(),
	}
	c.space = sync.NewCond(&c.spaceMu)
	return c
}

// / NotifyReclaimed is called by the pageout daemon after each sweep
// / (or by anything that frees a frame) to wake Get callers that are
// / waiting out an allocation failure.
func (c *Cache) NotifyReclaimed() {
	c.spaceMu.Lock()
	c.space.Broadcast()
	c.spaceMu.Unlock()
}

// / Get returns the frame for (src, index), filling it on a miss. A hit
// / on a frame that is not busy returns immediately under lock; a
// / caller that finds the frame still busy joins the in-flight fill
// / and returns when it completes. A miss allocates, marks busy,
// / installs the frame, invokes FillPage, then clears busy and wakes
// / waiters. Concurrent callers for the same key observe at most one
// / fill in flight.
func (c *Cache) Get(src Source, index uint64) (*Frame, errs.Err_t) {
	k := key{src.ID(), index}

	c.mu.Lock()
	if f, ok := c.index[k]; ok && !f.busy {
		c.touchLocked(f)
		c.hits++
		c.mu.Unlock()
		return f, 0
	}
	c.misses++
	c.mu.Unlock()

	v, err, _ := c.group.Do(k.String(), func() (interface{}, error) {
		f, e := c.fill(src, index)
		if e != 0 {
			return nil, e
		}
		return f, nil
	})
	if err != nil {
		return nil, err.(errs.Err_t)
	}
	return v.(*Frame), 0
}

// fill allocates a frame for key (src,index), installs it busy, fills
// it, and publishes it. It retries allocation against the pageout
// daemon's reclaim signal on exhaustion, per spec §4.D.
func (c *Cache) fill(src Source, index uint64) (*Frame, errs.Err_t) {
	k := key{src.ID(), index}

	// a concurrent Get may have raced us between the hit-check and
	// singleflight.Do (e.g. an earlier flight for this same key
	// completed and published its frame in between); re-check under lock.
	c.mu.Lock()
	if f, ok := c.index[k]; ok {
		c.touchLocked(f)
		c.mu.Unlock()
		return f, 0
	}
	c.mu.Unlock()

	var addr page.Addr
	for {
		a, ok := c.alloc.AllocOne()
		if ok {
			addr = a
			break
		}
		c.spaceMu.Lock()
		c.space.Wait()
		c.spaceMu.Unlock()
	}

	f := &Frame{Addr: addr, Owner: k.obj, Index: index, src: src, busy: true}
	c.mu.Lock()
	f.elem = c.lru.PushBack(f)
	c.index[k] = f
	c.mu.Unlock()

	src.Incref()

	if e := src.FillPage(c.alloc.Bytes(addr), index); e != 0 {
		c.mu.Lock()
		c.lru.Remove(f.elem)
		delete(c.index, k)
		c.mu.Unlock()
		src.Decref()
		c.alloc.FreeOne(addr)
		c.busyQ.Broadcast()
		return nil, e
	}

	c.mu.Lock()
	f.busy = false
	c.mu.Unlock()
	c.busyQ.Broadcast()
	return f, 0
}

// / WaitForBusyClear blocks until some resident frame's busy flag has
// / cleared (or a fill on it has failed and removed it), for a caller
// / like the pageout daemon that found EvictHead busy and needs to
// / reconsider rather than spin (spec §3's "wait list of threads
// / blocked on I/O", §4.I).
func (c *Cache) WaitForBusyClear() {
	c.busyQ.Wait()
}

// / GetResident returns the frame for (src, index) iff it is cached
// / right now (possibly busy). It never allocates.
func (c *Cache) GetResident(src Source, index uint64) (*Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.index[key{src.ID(), index}]
	if ok {
		c.touchLocked(f)
	}
	return f, ok
}

// touchLocked implements the approximate LRU: a get on an unpinned
// resident frame moves it to the tail (MRU end) of the allocated
// list.
func (c *Cache) touchLocked(f *Frame) {
	if f.pinCount == 0 && f.elem != nil {
		c.lru.MoveToBack(f.elem)
	}
}

// / Pin ref-counts a pin on f. The first pin moves f from the
// / allocated list to the pinned list.
func (c *Cache) Pin(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.pinCount++
	if f.pinCount == 1 {
		c.lru.Remove(f.elem)
		f.elem = c.pinned.PushBack(f)
	}
}

// / Unpin releases one pin on f. The last unpin moves f back to the
// / allocated list's tail.
func (c *Cache) Unpin(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f.pinCount == 0 {
		panic("pcache: unpin of unpinned frame")
	}
	f.pinCount--
	if f.pinCount == 0 {
		c.pinned.Remove(f.elem)
		f.elem = c.lru.PushBack(f)
	}
}

// / MarkDirty sets f's dirty flag. Per spec §4.D this must be called
// / before a write to f becomes externally visible; driving the
// / corresponding page-table entry to read-only is the fault handler's
// / job (package fault), since that requires the area/ptable context
// / this package does not have.
func (c *Cache) MarkDirty(f *Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.dirty = true
}

// / Clean writes f's contents back through its owning object. f must
// / not be pinned. The dirty flag is cleared before CleanPage runs so
// / a racing dirtier is not lost.
func (c *Cache) Clean(f *Frame) errs.Err_t {
	c.mu.Lock()
	if f.pinCount > 0 {
		c.mu.Unlock()
		panic("pcache: clean of pinned frame")
	}
	if !f.dirty {
		c.mu.Unlock()
		return 0
	}
	f.dirty = false
	c.mu.Unlock()

	return f.src.CleanPage(c.alloc.Bytes(f.Addr), f.Index)
}

// / Free releases a non-pinned, non-busy, resident frame back to the
// / page allocator, removing it from every index and dropping one
// / reference on its owning object.
func (c *Cache) Free(f *Frame) {
	c.mu.Lock()
	if f.pinCount > 0 || f.busy {
		c.mu.Unlock()
		panic("pcache: free of pinned or busy frame")
	}
	if f.elem == nil {
		c.mu.Unlock()
		panic("pcache: double free")
	}
	c.lru.Remove(f.elem)
	f.elem = nil
	delete(c.index, key{f.Owner, f.Index})
	c.mu.Unlock()

	f.src.Decref()
	c.alloc.FreeOne(f.Addr)
	c.NotifyReclaimed()
}

// / CleanAll writes back every dirty frame in the cache. It tolerates
// / the blocking CleanPage call by restarting its list iteration after
// / every clean, since Clean may race with new dirties or evictions.
func (c *Cache) CleanAll() errs.Err_t {
	for {
		f := c.nextDirty()
		if f == nil {
			return 0
		}
		if e := c.Clean(f); e != 0 {
			return e
		}
	}
}

func (c *Cache) nextDirty() *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	for e := c.lru.Front(); e != nil; e = e.Next() {
		if f := e.Value.(*Frame); f.dirty && !f.busy {
			return f
		}
	}
	for e := c.pinned.Front(); e != nil; e = e.Next() {
		if f := e.Value.(*Frame); f.dirty && !f.busy {
			return f
		}
	}
	return nil
}

// / RemoveFromPageTables asks f's owning object for every area whose
// / backing chain bottoms out at it, and removes the page-table entry
// / for f's index in each. Used during eviction and before dirty
// / marking forces a read-only demotion elsewhere.
func (c *Cache) RemoveFromPageTables(f *Frame) {
	for _, a := range f.src.Areas() {
		a.RemoveMapping(f.Index)
	}
}

// / EvictHead returns the least-recently-requested unpinned resident
// / frame, for the pageout daemon to consider, or nil if none exist.
func (c *Cache) EvictHead() *Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.lru.Front()
	if e == nil {
		return nil
	}
	return e.Value.(*Frame)
}

// / Stats reports cumulative hit/miss counters for metrics.
func (c *Cache) Stats() (hits, misses uint64, residentUnpinned, residentPinned int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.lru.Len(), c.pinned.Len()
}

// / Allocator exposes the backing physical allocator, e.g. for the
// / pageout daemon's watermark checks.
func (c *Cache) Allocator() *page.Allocator { return c.alloc }

// / ResidentByObject snapshots (index -> frame addr) for obj's
// / currently resident pages, used by profiledump and sync().
func (c *Cache) ResidentByObject(obj ObjID) map[uint64]page.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint64]page.Addr)
	for k, f := range c.index {
		if k.obj == obj {
			out[k.index] = f.Addr
		}
	}
	return out
}
