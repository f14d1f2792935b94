// Package ubridge implements component H: the bounded,
// permission-checked bridge between kernel buffers and a process's
// virtual memory that backstops every syscall touching user memory
// (spec §4.H, §9 "user/kernel memory boundary").
package ubridge

import (
	"vmkernel/errs"
	"vmkernel/ptable"
	"vmkernel/vmmap"
)

// / Bridge ties one address space's map to the copy primitives.
type Bridge struct {
	Map *vmmap.Map
}

// / New constructs a bridge over m.
func New(m *vmmap.Map) *Bridge {
	return &Bridge{Map: m}
}

// checkRange resolves the open question of spec §9: every byte in
// [uaddr, uaddr+n) must satisfy every bit in want, not merely some
// byte satisfying some bit. A range that straddles a readable area
// and a writable-but-not-readable area, for instance, does not
// satisfy PROT_READ|PROT_WRITE as a whole.
func (b *Bridge) checkRange(uaddr ptable.Vaddr, n int, want ptable.Prot) errs.Err_t {
	if n < 0 {
		return errs.EINVAL
	}
	if n == 0 {
		return 0
	}
	lo := uaddr.Vfn()
	hi := ptable.Vaddr(uint64(uaddr) + uint64(n) - 1).Vfn()
	for vfn := lo; vfn <= hi; vfn++ {
		a, ok := b.Map.Lookup(vfn)
		if !ok {
			return errs.EFAULT
		}
		if a.Prot&want != want {
			return errs.EFAULT
		}
	}
	return 0
}

// / CopyFromUser verifies [uaddr, uaddr+n) is entirely covered by
// / readable mappings, then reads n bytes into kbuf via the map's
// / fault-driven read path. May block (the read path can fault pages
// / in through memobj/pcache).
func (b *Bridge) CopyFromUser(kbuf []byte, uaddr ptable.Vaddr, n int) errs.Err_t {
	if err := b.checkRange(uaddr, n, ptable.Read); err != 0 {
		return err
	}
	_, err := b.Map.Read(uaddr, kbuf, n)
	return err
}

// / CopyToUser verifies [uaddr, uaddr+n) is entirely covered by
// / writable mappings, then writes n bytes from kbuf.
func (b *Bridge) CopyToUser(uaddr ptable.Vaddr, kbuf []byte, n int) errs.Err_t {
	if err := b.checkRange(uaddr, n, ptable.Write); err != 0 {
		return err
	}
	_, err := b.Map.Write(uaddr, kbuf, n)
	return err
}

// / StrDesc is a (user pointer, length) descriptor, spec §4.H.
type StrDesc struct {
	Uaddr ptable.Vaddr
	Len   int
}

// / UserStrdup allocates length+1 kernel bytes, copies length bytes
// / from user memory, and null-terminates.
func (b *Bridge) UserStrdup(d StrDesc) ([]byte, errs.Err_t) {
	if d.Len < 0 {
		return nil, errs.EINVAL
	}
	buf := make([]byte, d.Len+1)
	if err := b.CopyFromUser(buf[:d.Len], d.Uaddr, d.Len); err != 0 {
		return nil, err
	}
	buf[d.Len] = 0
	return buf, 0
}

// / UserVecdup copies an array of string descriptors terminated by a
// / null entry (Uaddr == 0). All partial allocations are released on
// / any failure.
func (b *Bridge) UserVecdup(descs []StrDesc) ([][]byte, errs.Err_t) {
	out := make([][]byte, 0, len(descs))
	for _, d := range descs {
		if d.Uaddr == 0 {
			return out, 0
		}
		s, err := b.UserStrdup(d)
		if err != 0 {
			out = nil
			return nil, err
		}
		out = append(out, s)
	}
	return out, 0
}
