// Package vmmap implements component E: the per-process address-space
// map. It holds an ordered, disjoint set of virtual areas, supports
// lookup/allocation/insert/split/remove, bulk read/write through the
// fault path, and clone-for-fork with copy-on-write shadow insertion
// (spec §4.E, §4.E.1).
package vmmap

import (
	"container/list"
	"sync"

	"vmkernel/errs"
	"vmkernel/memobj"
	"vmkernel/pcache"
	"vmkernel/ptable"
)

// / ShareMode is an area's sharing mode.
type ShareMode int

const (
	Private ShareMode = iota
	SharedMode
)

// / Direction selects which end of the user virtual region FindRange
// / searches from.
type Direction int

const (
	LowToHigh Direction = iota
	HighToLow
)

// / Flags mirrors the mmap(2)-style flags of spec §6.
type Flags uint32

const (
	FlagShared Flags = 1 << iota
	FlagPrivate
	FlagFixed
	FlagAnon
)

// / Area is a half-open virtual range backed by one memory object.
type Area struct {
	Start   ptable.Vfn
	End     ptable.Vfn
	Backing memobj.Memobj
	Offset  uint64 // frames into Backing
	Prot    ptable.Prot
	Share   ShareMode

	owner *Map
	elem  *list.Element
}

func (a *Area) npages() uint64 { return uint64(a.End - a.Start) }

// / RemoveMapping implements pcache.AreaRef: it removes the page-table
// / entry for backing-object page idx in this area's owning address
// / space, if idx falls within the area's offset range.
func (a *Area) RemoveMapping(idx uint64) {
	if idx < a.Offset || idx >= a.Offset+a.npages() {
		return
	}
	vfn := a.Start + ptable.Vfn(idx-a.Offset)
	a.owner.facade.Unmap(a.owner.handle, vfn.Vaddr())
}

// / Map is the per-process address-space map of component E.
type Map struct {
	mu     sync.Mutex
	areas  *list.List // ordered by Start, holds *Area
	facade ptable.Facade
	handle *ptable.Handle
	cache  *pcache.Cache
}

// / New constructs an empty map bound to the given page-table handle.
func New(facade ptable.Facade, handle *ptable.Handle, cache *pcache.Cache) *Map {
	return &Map{areas: list.New(), facade: facade, handle: handle, cache: cache}
}

// / Handle returns the page-table handle backing this map.
func (m *Map) Handle() *ptable.Handle { return m.handle }

// / Lookup finds the unique area containing vfn, if any.
func (m *Map) Lookup(vfn ptable.Vfn) (*Area, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookupLocked(vfn)
}

func (m *Map) lookupLocked(vfn ptable.Vfn) (*Area, bool) {
	for e := m.areas.Front(); e != nil; e = e.Next() {
		a := e.Value.(*Area)
		if vfn >= a.Start && vfn < a.End {
			return a, true
		}
		if vfn < a.Start {
			break
		}
	}
	return nil, false
}

// / IsRangeEmpty reports whether [lo, lo+npages) intersects no area.
func (m *Map) IsRangeEmpty(lo ptable.Vfn, npages uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	hi := lo + ptable.Vfn(npages)
	for e := m.areas.Front(); e != nil; e = e.Next() {
		a := e.Value.(*Area)
		if a.Start < hi && lo < a.End {
			return false
		}
	}
	return true
}

// / FindRange locates a gap of npages in the user virtual range. The
// / zero Vfn with ok=false is returned when no gap exists.
func (m *Map) FindRange(npages uint64, dir Direction) (ptable.Vfn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findRangeLocked(npages, dir)
}

func (m *Map) findRangeLocked(npages uint64, dir Direction) (ptable.Vfn, bool) {
	lo := ptable.UserLow.Vfn()
	hi := ptable.UserHigh.Vfn()

	type gap struct{ lo, hi ptable.Vfn }
	var gaps []gap
	cur := lo
	for e := m.areas.Front(); e != nil; e = e.Next() {
		a := e.Value.(*Area)
		if a.Start > cur {
			gaps = append(gaps, gap{cur, a.Start})
		}
		if a.End > cur {
			cur = a.End
		}
	}
	if cur < hi {
		gaps = append(gaps, gap{cur, hi})
	}

	if dir == LowToHigh {
		for _, g := range gaps {
			if uint64(g.hi-g.lo) >= npages {
				return g.lo, true
			}
		}
	} else {
		for i := len(gaps) - 1; i >= 0; i-- {
			g := gaps[i]
			if uint64(g.hi-g.lo) >= npages {
				return g.hi - ptable.Vfn(npages), true
			}
		}
	}
	return 0, false
}

func (m *Map) insertLocked(a *Area) {
	a.owner = m
	for e := m.areas.Front(); e != nil; e = e.Next() {
		if a.Start < e.Value.(*Area).Start {
			a.elem = m.areas.InsertBefore(a, e)
			return
		}
	}
	a.elem = m.areas.PushBack(a)
}

// / MapParams bundles the arguments of the map operation (spec §4.E).
type MapParams struct {
	Backend  memobj.Backend // nil for an anonymous mapping
	LoPage   ptable.Vfn     // honored only when Fixed is set
	NPages   uint64
	Prot     ptable.Prot
	Share    ShareMode
	Fixed    bool
	Offset   uint64 // frames into Backend; must be 0 for anonymous
	Dir      Direction
}

// / MapArea allocates a backing memory object (file-backed when
// / Backend is set, anonymous-zero otherwise), positions the area
// / (fixed, or via FindRange), splits/removes overlapping areas when
// / Fixed is set, and inserts it.
func (m *Map) MapArea(p MapParams) (*Area, errs.Err_t) {
	if p.NPages == 0 {
		return nil, errs.EINVAL
	}
	if p.Backend == nil && p.Offset != 0 {
		return nil, errs.EINVAL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var start ptable.Vfn
	if p.Fixed {
		if p.LoPage < ptable.UserLow.Vfn() || p.LoPage+ptable.Vfn(p.NPages) > ptable.UserHigh.Vfn() {
			return nil, errs.EINVAL
		}
		start = p.LoPage
		if err := m.removeLocked(start, p.NPages); err != 0 {
			return nil, err
		}
	} else {
		s, ok := m.findRangeLocked(p.NPages, p.Dir)
		if !ok {
			return nil, errs.ENOMEM
		}
		start = s
	}

	var obj memobj.Memobj
	if p.Backend != nil {
		obj = memobj.NewFileBacked(m.cache, p.Backend)
	} else {
		obj = memobj.NewAnonZero()
	}

	a := &Area{
		Start:   start,
		End:     start + ptable.Vfn(p.NPages),
		Backing: obj,
		Offset:  p.Offset,
		Prot:    p.Prot,
		Share:   p.Share,
	}
	obj.AddArea(a)
	m.insertLocked(a)
	return a, 0
}

// / Remove deletes, truncates, or splits every area intersecting
// / [lo, lo+npages), dropping each removed segment's reference on its
// / backing object. The page-table entries of every removed range are
// / dropped here via the facade's UnmapRange; no TLB flush is issued.
func (m *Map) Remove(lo ptable.Vfn, npages uint64) errs.Err_t {
	if lo < ptable.UserLow.Vfn() || lo+ptable.Vfn(npages) > ptable.UserHigh.Vfn() {
		return errs.EINVAL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.removeLocked(lo, npages)
}

func (m *Map) removeLocked(lo ptable.Vfn, npages uint64) errs.Err_t {
	hi := lo + ptable.Vfn(npages)
	var next *list.Element
	for e := m.areas.Front(); e != nil; e = next {
		next = e.Next()
		a := e.Value.(*Area)
		if a.End <= lo || a.Start >= hi {
			continue
		}

		switch {
		case a.Start >= lo && a.End <= hi:
			// whole containment
			m.areas.Remove(e)
			a.Backing.RemoveArea(a)
			m.facade.UnmapRange(m.handle, a.Start.Vaddr(), a.End.Vaddr())
			a.Backing.Decref()

		case a.Start < lo && a.End <= hi:
			// truncate the tail
			m.facade.UnmapRange(m.handle, lo.Vaddr(), a.End.Vaddr())
			a.End = lo

		case a.Start >= lo && a.End > hi:
			// truncate the head; offset advances with the new start
			m.facade.UnmapRange(m.handle, a.Start.Vaddr(), hi.Vaddr())
			a.Offset += uint64(hi - a.Start)
			a.Start = hi

		default:
			// interior overlap: split into a left remainder and a new
			// right remainder sharing the same backing object.
			m.facade.UnmapRange(m.handle, lo.Vaddr(), hi.Vaddr())
			right := &Area{
				Start:   hi,
				End:     a.End,
				Backing: a.Backing,
				Offset:  a.Offset + uint64(hi-a.Start),
				Prot:    a.Prot,
				Share:   a.Share,
			}
			a.Backing.Incref()
			a.Backing.AddArea(right)
			a.End = lo
			m.insertLocked(right)
		}
	}
	return 0
}

// / Clear removes every area in the map, dropping all backing
// / references; used during address-space teardown.
func (m *Map) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for e := m.areas.Front(); e != nil; e = e.Next() {
		a := e.Value.(*Area)
		a.Backing.RemoveArea(a)
		a.Backing.Decref()
	}
	m.areas.Init()
}

// resolvePage runs the fault-equivalent lookup for one page without
// installing a page-table entry; it is used by Read/Write (package
// fault performs the same lookup on its own).
func (m *Map) resolvePage(a *Area, vfn ptable.Vfn, forWrite bool) (*pcache.Frame, errs.Err_t) {
	index := a.Offset + uint64(vfn-a.Start)
	return a.Backing.LookupPage(m.cache, index, forWrite && a.Share == Private)
}

// / Read copies n bytes starting at vaddr into buf, traversing
// / multiple areas/pages and fetching each page through its backing
// / object (driving any needed fills).
func (m *Map) Read(vaddr ptable.Vaddr, buf []byte, n int) (int, errs.Err_t) {
	return m.transfer(vaddr, buf[:n], false)
}

// / Write copies n bytes from buf into the map starting at vaddr.
func (m *Map) Write(vaddr ptable.Vaddr, buf []byte, n int) (int, errs.Err_t) {
	return m.transfer(vaddr, buf[:n], true)
}

func (m *Map) transfer(vaddr ptable.Vaddr, buf []byte, write bool) (int, errs.Err_t) {
	const pg = 4096
	done := 0
	for len(buf) > 0 {
		va := ptable.Vaddr(uint64(vaddr) + uint64(done))
		vfn := va.Vfn()

		m.mu.Lock()
		a, ok := m.lookupLocked(vfn)
		m.mu.Unlock()
		if !ok {
			return done, errs.EFAULT
		}
		if write && a.Prot&ptable.Write == 0 {
			return done, errs.EFAULT
		}
		if !write && a.Prot&ptable.Read == 0 {
			return done, errs.EFAULT
		}

		f, err := m.resolvePage(a, vfn, write)
		if err != 0 {
			return done, err
		}
		off := uint64(va) % pg
		avail := pg - off
		take := uint64(len(buf))
		if take > avail {
			take = avail
		}

		bytes := m.cache.Allocator().Bytes(f.Addr)
		if write {
			m.cache.MarkDirty(f)
			copy(bytes[off:off+take], buf[:take])
		} else {
			copy(buf[:take], bytes[off:off+take])
		}
		buf = buf[take:]
		done += int(take)
	}
	return done, 0
}

// / Clone produces a new Map for a forked child. Private writable
// / areas are re-parented behind a pair of shadow objects per spec
// / §4.E.1; shared areas are cloned by reference.
func (m *Map) Clone(childFacade ptable.Facade, childHandle *ptable.Handle) *Map {
	m.mu.Lock()
	defer m.mu.Unlock()

	child := New(childFacade, childHandle, m.cache)
	for e := m.areas.Front(); e != nil; e = e.Next() {
		src := e.Value.(*Area)

		if src.Share == SharedMode {
			src.Backing.Incref()
			dst := &Area{Start: src.Start, End: src.End, Backing: src.Backing,
				Offset: src.Offset, Prot: src.Prot, Share: SharedMode}
			src.Backing.AddArea(dst)
			child.insertLocked(dst)
			continue
		}

		if src.Prot&ptable.Write == 0 {
			// read-only private areas need no COW machinery; both
			// address spaces can read through the same backing.
			src.Backing.Incref()
			dst := &Area{Start: src.Start, End: src.End, Backing: src.Backing,
				Offset: src.Offset, Prot: src.Prot, Share: Private}
			src.Backing.AddArea(dst)
			child.insertLocked(dst)
			continue
		}

		// Step 1: insert Sp in front of the source's current backing,
		// re-parent the source area onto Sp.
		parent := src.Backing
		sp := memobj.NewShadow(m.cache, parent)
		parent.RemoveArea(src)
		src.Backing = sp
		sp.AddArea(src)

		// Step 2: insert Sc, a second shadow in front of the same
		// (now shared) lower object, for the cloned area.
		parent.Incref()
		sc := memobj.NewShadow(m.cache, parent)
		dst := &Area{Start: src.Start, End: src.End, Backing: sc,
			Offset: src.Offset, Prot: src.Prot, Share: Private}
		sc.AddArea(dst)
		child.insertLocked(dst)

		// Step 4: remove the parent's existing page-table mappings of
		// this area so the next access in the parent refaults and a
		// write diverts through its shadow.
		m.facade.UnmapRange(m.handle, src.Start.Vaddr(), src.End.Vaddr())
	}
	return child
}
