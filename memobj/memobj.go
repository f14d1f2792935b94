// Package memobj implements component C: the polymorphic memory
// object. Three variants are provided — file-backed, anonymous-zero,
// and shadow (copy-on-write overlay) — behind one interface, per spec
// §4.C and DESIGN NOTES §9's "capability-set abstraction... one
// tagged variant" guidance.
package memobj

import (
	"sync"
	"sync/atomic"

	"vmkernel/errs"
	"vmkernel/page"
	"vmkernel/pcache"
)

var idgen uint64

func nextID() pcache.ObjID {
	return pcache.ObjID(atomic.AddUint64(&idgen, 1))
}

// / Memobj is the common interface every variant implements. It
// / embeds pcache.Source so any Memobj can be handed directly to
// / Cache.Get.
type Memobj interface {
	pcache.Source

	// LookupPage returns a frame containing page index's current
	// contents, diverting through a shadow copy when forWrite is set
	// on a COW object.
	LookupPage(cache *pcache.Cache, index uint64, forWrite bool) (*pcache.Frame, errs.Err_t)

	// DirtyPage is called before index is modified; it lets the
	// object reserve backing storage ahead of the write.
	DirtyPage(index uint64) errs.Err_t

	AddArea(a pcache.AreaRef)
	RemoveArea(a pcache.AreaRef)
}

// refcounted is embedded by every variant to implement incref/decref
// and the shared area back-list.
type refcounted struct {
	mu    sync.Mutex
	refs  int32
	id    pcache.ObjID
	areas map[pcache.AreaRef]struct{}
	onZero func()
}

func newRefcounted(onZero func()) refcounted {
	return refcounted{refs: 1, id: nextID(), areas: make(map[pcache.AreaRef]struct{}), onZero: onZero}
}

func (r *refcounted) ID() pcache.ObjID { return r.id }

func (r *refcounted) Incref() {
	atomic.AddInt32(&r.refs, 1)
}

func (r *refcounted) Decref() {
	if atomic.AddInt32(&r.refs, -1) == 0 {
		if r.onZero != nil {
			r.onZero()
		}
	}
}

func (r *refcounted) RefCount() int {
	return int(atomic.LoadInt32(&r.refs))
}

func (r *refcounted) AddArea(a pcache.AreaRef) {
	r.mu.Lock()
	r.areas[a] = struct{}{}
	r.mu.Unlock()
}

func (r *refcounted) RemoveArea(a pcache.AreaRef) {
	r.mu.Lock()
	delete(r.areas, a)
	r.mu.Unlock()
}

func (r *refcounted) Areas() []pcache.AreaRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]pcache.AreaRef, 0, len(r.areas))
	for a := range r.areas {
		out = append(out, a)
	}
	return out
}

// / Backend abstracts the VFS collaborator's per-inode I/O: reading
// / and writing one page at a file offset. Implemented by the VFS
// / package (out of scope here) or by vfsiface's in-memory test
// / double.
type Backend interface {
	ReadPage(index uint64, dst *[page.Size]byte) errs.Err_t
	WritePage(index uint64, src *[page.Size]byte) errs.Err_t
	// Size reports the backing file's length in bytes, so a fill can
	// zero-tail the last partial page.
	Size() int64
}

// ---------------------------------------------------------------
// File-backed
// ---------------------------------------------------------------

// / FileBacked is owned by a filesystem inode (the VFS collaborator);
// / fill reads from disk, clean writes back.
type FileBacked struct {
	refcounted
	cache   *pcache.Cache
	backend Backend
}

// / NewFileBacked constructs a file-backed object over backend. cache
// / is the process-wide frame cache this object's pages live in.
func NewFileBacked(cache *pcache.Cache, backend Backend) *FileBacked {
	o := &FileBacked{cache: cache, backend: backend}
	o.refcounted = newRefcounted(nil)
	return o
}

func (o *FileBacked) FillPage(frame *[page.Size]byte, index uint64) errs.Err_t {
	if int64(index)*page.Size >= o.backend.Size() {
		// Wholly beyond EOF: a SHARED mapping that extends past the
		// file's length must fault rather than silently resolve to a
		// zero page (spec scenario 3).
		return errs.EFAULT
	}
	for i := range frame {
		frame[i] = 0
	}
	return o.backend.ReadPage(index, frame)
}

func (o *FileBacked) CleanPage(frame *[page.Size]byte, index uint64) errs.Err_t {
	return o.backend.WritePage(index, frame)
}

func (o *FileBacked) DirtyPage(index uint64) errs.Err_t {
	// File-backed objects have nowhere to pre-reserve space in this
	// abstract model; a real VFS collaborator could fail ENOSPC here.
	return 0
}

func (o *FileBacked) LookupPage(cache *pcache.Cache, index uint64, forWrite bool) (*pcache.Frame, errs.Err_t) {
	return cache.Get(o, index)
}

// ---------------------------------------------------------------
// Anonymous-zero
// ---------------------------------------------------------------

// / AnonZero produces zero-filled pages on first touch. Its pages are
// / typically pinned by the caller (vmmap) since they have no other
// / copy to fall back on.
type AnonZero struct {
	refcounted
}

// / NewAnonZero constructs an anonymous-zero object.
func NewAnonZero() *AnonZero {
	o := &AnonZero{}
	o.refcounted = newRefcounted(nil)
	return o
}

func (o *AnonZero) FillPage(frame *[page.Size]byte, index uint64) errs.Err_t {
	for i := range frame {
		frame[i] = 0
	}
	return 0
}

func (o *AnonZero) CleanPage(frame *[page.Size]byte, index uint64) errs.Err_t {
	return 0
}

func (o *AnonZero) DirtyPage(index uint64) errs.Err_t {
	return 0
}

func (o *AnonZero) LookupPage(cache *pcache.Cache, index uint64, forWrite bool) (*pcache.Frame, errs.Err_t) {
	return cache.Get(o, index)
}

// ---------------------------------------------------------------
// Shadow (COW overlay)
// ---------------------------------------------------------------

// / Shadow overlays a parent object, storing only pages written since
// / the overlay was established (spec GLOSSARY). lookup_page diverts
// / writes into the shadow and falls through to the parent for reads.
type Shadow struct {
	refcounted
	cache    *pcache.Cache
	parent   Memobj
	mu       sync.Mutex
	resident map[uint64]bool // pages this shadow itself owns in cache
}

// / NewShadow creates a shadow in front of parent. The caller must
// / have already taken the reference on parent this Shadow will hold
// / (i.e. do not Incref parent separately).
func NewShadow(cache *pcache.Cache, parent Memobj) *Shadow {
	s := &Shadow{cache: cache, parent: parent, resident: make(map[uint64]bool)}
	s.refcounted = newRefcounted(func() {
		parent.Decref()
	})
	return s
}

func (s *Shadow) FillPage(frame *[page.Size]byte, index uint64) errs.Err_t {
	// Only reached via cache.Get when the shadow itself is the
	// target object, i.e. after LookupPage decided to divert here;
	// the frame is populated by copying from the parent in
	// LookupPage, not here, so a bare fill only happens for a shadow
	// page that was never divert-copied (shouldn't occur through our
	// own LookupPage path, but zero it defensively rather than leak
	// stale arena contents).
	for i := range frame {
		frame[i] = 0
	}
	return 0
}

func (s *Shadow) CleanPage(frame *[page.Size]byte, index uint64) errs.Err_t {
	return 0
}

func (s *Shadow) DirtyPage(index uint64) errs.Err_t {
	return 0
}

func (s *Shadow) hasOwn(index uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resident[index]
}

func (s *Shadow) markOwn(index uint64) {
	s.mu.Lock()
	s.resident[index] = true
	s.mu.Unlock()
}

// / LookupPage implements the divert-on-write / fall-through-on-read
// / rule of spec §4.C.
func (s *Shadow) LookupPage(cache *pcache.Cache, index uint64, forWrite bool) (*pcache.Frame, errs.Err_t) {
	if s.hasOwn(index) {
		return cache.Get(s, index)
	}
	if !forWrite {
		return s.parent.LookupPage(cache, index, false)
	}

	parentFrame, err := s.parent.LookupPage(cache, index, false)
	if err != 0 {
		return nil, err
	}

	// Allocate the shadow's own frame and copy the parent's contents
	// into it before publishing, so concurrent readers never observe
	// a half-copied page: do the copy inside FillPage by stashing the
	// source in a short-lived closure captured per-call via a
	// one-shot Source wrapper.
	s.markOwn(index)
	f, err := cache.Get(&copyingSource{Shadow: s, srcFrame: parentFrame, cache: cache}, index)
	if err != 0 {
		s.mu.Lock()
		delete(s.resident, index)
		s.mu.Unlock()
		return nil, err
	}
	return f, 0
}

// copyingSource wraps a Shadow for exactly one cache.Get call so that
// FillPage can see the parent frame to copy from, without growing the
// Source interface with a parameter only Shadow needs.
type copyingSource struct {
	*Shadow
	srcFrame *pcache.Frame
	cache    *pcache.Cache
}

func (c *copyingSource) FillPage(frame *[page.Size]byte, index uint64) errs.Err_t {
	src := c.cache.Allocator().Bytes(c.srcFrame.Addr)
	*frame = *src
	return 0
}

func (c *copyingSource) ID() pcache.ObjID { return c.Shadow.ID() }
