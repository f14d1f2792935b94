// Package elfload implements component G: the ELF program-image
// loader, static and interpreter-bearing, including stack
// construction and argument marshalling (spec §4.G, §6).
package elfload

import (
	"debug/elf"
	"encoding/binary"

	"vmkernel/errs"
	"vmkernel/page"
	"vmkernel/pcache"
	"vmkernel/ptable"
	"vmkernel/vmmap"
)

// Auxiliary vector tags constructed by the loader (spec §6).
const (
	AT_NULL   = 0
	AT_PHDR   = 3
	AT_PHENT  = 4
	AT_PHNUM  = 5
	AT_BASE   = 7
	AT_ENTRY  = 9
	AT_PAGESZ = 6
)

const (
	stackPages = 64 // 256 KiB fixed user stack, spec §4.G step 5
	maxArgVecs = 512

	prog32Size    = 32 // sizeof(Elf32_Phdr)
	section32Size = 40 // sizeof(Elf32_Shdr)
)

// / VFile is the minimal file handle the loader needs from the VFS
// / collaborator: random-access bytes plus the metadata to tell a
// / regular file from a directory or special file.
type VFile interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() int64
	IsRegular() bool
	IsDir() bool
}

// / VFS is the external collaborator consumed by this loader (spec
// / §6 "Collaborator interfaces consumed").
type VFS interface {
	Open(path string) (VFile, errs.Err_t)
}

// / AuxEntry is one auxv entry.
type AuxEntry struct {
	Type uint64
	Val  uint64
}

// / Image is the process-image register set computed by the loader
// / (spec §3's "Process image registers for execve").
type Image struct {
	Map      *vmmap.Map
	Handle   *ptable.Handle
	EntryIP  ptable.Vaddr
	StackSP  ptable.Vaddr
	Brk      ptable.Vaddr
	StartBrk ptable.Vaddr
}

// / Loader builds process images from ELF files.
type Loader struct {
	VFS     VFS
	Cache   *pcache.Cache
	Facade  ptable.Facade
	Machine elf.Machine // the "single machine target" of spec §6; default EM_386

	// StrictSectionHeaders, when set, makes openAndValidate check the
	// raw e_shoff/e_shentsize/e_shnum header fields for internal
	// consistency even though section headers are never consulted at
	// runtime. Off by default: spec.md does not name this as a
	// rejection condition, so a malformed-but-unused section-header
	// table does not fail a load unless a caller opts in.
	StrictSectionHeaders bool
}

// / New constructs a loader. machine defaults to elf.EM_386 if zero.
func New(vfs VFS, cache *pcache.Cache, facade ptable.Facade, machine elf.Machine) *Loader {
	if machine == 0 {
		machine = elf.EM_386
	}
	return &Loader{VFS: vfs, Cache: cache, Facade: facade, Machine: machine}
}

type parsedELF struct {
	file  *elf.File
	vfile VFile
}

func (l *Loader) openAndValidate(path string, wantInterp bool) (*parsedELF, errs.Err_t) {
	vf, err := l.VFS.Open(path)
	if err != 0 {
		return nil, err
	}
	if vf.IsDir() {
		return nil, errs.EISDIR
	}
	if !vf.IsRegular() {
		return nil, errs.EACCES
	}

	f, perr := elf.NewFile(readerAt{vf})
	if perr != nil {
		return nil, errs.ENOEXEC
	}
	if f.Class != elf.ELFCLASS32 {
		return nil, errs.ENOEXEC
	}
	if f.Data != elf.ELFDATA2LSB {
		return nil, errs.ENOEXEC
	}
	if f.Machine != l.Machine {
		return nil, errs.ENOEXEC
	}
	wantType := elf.ET_EXEC
	if wantInterp {
		wantType = elf.ET_DYN
	}
	if f.Type != wantType {
		return nil, errs.ENOEXEC
	}
	if l.StrictSectionHeaders {
		if !sectionHeadersConsistent(vf) {
			return nil, errs.ENOEXEC
		}
	}
	return &parsedELF{file: f, vfile: vf}, 0
}

// sectionHeadersConsistent re-reads the raw ELF32 header's
// e_shoff/e_shentsize/e_shnum fields directly (debug/elf.File does not
// expose them) and checks that a nonzero section-header table actually
// fits within the file and uses the standard entry size, mirroring
// kernel/api/elf32.c's defensive validation even though section
// headers play no role at load time.
func sectionHeadersConsistent(vf VFile) bool {
	var hdr [52]byte // sizeof(Elf32_Ehdr)
	if _, err := vf.ReadAt(hdr[:], 0); err != nil {
		return false
	}
	shoff := binary.LittleEndian.Uint32(hdr[32:36])
	shentsize := binary.LittleEndian.Uint16(hdr[46:48])
	shnum := binary.LittleEndian.Uint16(hdr[48:50])
	if shoff == 0 && shnum == 0 {
		// No section-header table present; nothing to validate.
		return true
	}
	if shentsize != section32Size {
		return false
	}
	tableEnd := uint64(shoff) + uint64(shentsize)*uint64(shnum)
	return tableEnd <= uint64(vf.Size())
}

type readerAt struct{ v VFile }

func (r readerAt) ReadAt(p []byte, off int64) (int, error) { return r.v.ReadAt(p, off) }

func flagsToProt(f elf.ProgFlag) ptable.Prot {
	var p ptable.Prot
	if f&elf.PF_R != 0 {
		p |= ptable.Read
	}
	if f&elf.PF_W != 0 {
		p |= ptable.Write
	}
	if f&elf.PF_X != 0 {
		p |= ptable.Exec
	}
	return p
}

type fileBackend struct {
	v   VFile
	end int64 // file offset just past the segment's file bytes (p_offset + p_filesz)
}

func (b fileBackend) ReadPage(index uint64, dst *[page.Size]byte) errs.Err_t {
	off := int64(index) * page.Size
	n := b.end - off
	if n <= 0 {
		return 0
	}
	if n > page.Size {
		n = page.Size
	}
	// Only the segment's own file bytes are read; the rest of the page,
	// and any tail a short/EOF read leaves, keeps the zeroes FillPage
	// put there, so the BSS boundary is byte-exact.
	_, _ = b.v.ReadAt(dst[:n], off)
	return 0
}
func (b fileBackend) WritePage(index uint64, src *[page.Size]byte) errs.Err_t { return 0 }
func (b fileBackend) Size() int64                                             { return b.v.Size() }

func ceilDiv(a, b uint64) uint64 { return (a + b - 1) / b }

// loadSegments maps every PT_LOAD segment of f into m, validating the
// invariants of spec §6 (alignment, filesz<=memsz, offset congruency)
// and rejecting overlaps.
func (l *Loader) loadSegments(pf *parsedELF, m *vmmap.Map) (lowest, highest ptable.Vaddr, err errs.Err_t) {
	type span struct{ lo, hi ptable.Vfn }
	var spans []span
	lowest = ptable.Vaddr(^uint64(0))
	highest = 0

	for _, prog := range pf.file.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Align != 0 && prog.Align != page.Size {
			return 0, 0, errs.ENOEXEC
		}
		if prog.Filesz > prog.Memsz {
			return 0, 0, errs.ENOEXEC
		}
		if prog.Vaddr%page.Size != prog.Off%page.Size {
			return 0, 0, errs.ENOEXEC
		}
		if prog.Vaddr%page.Size != 0 {
			// Simplification: this loader
			// requires page-aligned segment vaddrs, a stricter but
			// still spec-faithful narrowing of the general ELF
			// invariant.
			return 0, 0, errs.ENOEXEC
		}

		vaddr := ptable.Vaddr(prog.Vaddr)
		filePages := ceilDiv(prog.Filesz, page.Size)
		memPages := ceilDiv(prog.Memsz, page.Size)
		lo := vaddr.Vfn()

		for _, s := range spans {
			if lo < s.hi && lo+ptable.Vfn(memPages) > s.lo {
				return 0, 0, errs.ENOEXEC
			}
		}
		spans = append(spans, span{lo, lo + ptable.Vfn(memPages)})

		prot := flagsToProt(prog.Flags)
		if filePages > 0 {
			_, e := m.MapArea(vmmap.MapParams{
				Backend: fileBackend{pf.vfile, int64(prog.Off + prog.Filesz)},
				LoPage:  lo,
				NPages:  filePages,
				Prot:    prot,
				Share:   vmmap.Private,
				Fixed:   true,
				Offset:  prog.Off / page.Size,
			})
			if e != 0 {
				return 0, 0, e
			}
		}
		if memPages > filePages {
			_, e := m.MapArea(vmmap.MapParams{
				LoPage: lo + ptable.Vfn(filePages),
				NPages: memPages - filePages,
				Prot:   prot,
				Share:  vmmap.Private,
				Fixed:  true,
			})
			if e != 0 {
				return 0, 0, e
			}
		}

		if vaddr < lowest {
			lowest = vaddr
		}
		top := ptable.Vaddr(uint64(vaddr) + memPages*page.Size)
		if top > highest {
			highest = top
		}
	}
	if highest == 0 {
		return 0, 0, errs.ENOEXEC
	}
	return lowest, highest, 0
}

func findInterpPath(pf *parsedELF) (string, bool) {
	for _, prog := range pf.file.Progs {
		if prog.Type == elf.PT_INTERP {
			buf := make([]byte, prog.Filesz)
			if _, err := pf.vfile.ReadAt(buf, int64(prog.Off)); err != nil {
				return "", false
			}
			n := len(buf)
			for i, c := range buf {
				if c == 0 {
					n = i
					break
				}
			}
			return string(buf[:n]), true
		}
	}
	return "", false
}

// / Load builds a fresh address space from the ELF at path, maps its
// / segments (and an interpreter's, if present), constructs the
// / initial user stack holding argv/envp/auxv, and returns the
// / resulting Image. It never mutates an existing process's address
// / space; the caller (package vcall) performs the atomic swap of
// / spec §4.G step 8. On any failure it returns a nil Image and the
// / error; the partially built Map is dropped here, and nothing in it
// / is installed anywhere else yet.
func (l *Loader) Load(path string, argv, envp []string) (*Image, errs.Err_t) {
	if len(argv) > maxArgVecs || len(envp) > maxArgVecs {
		return nil, errs.E2BIG
	}

	pf, err := l.openAndValidate(path, false)
	if err != 0 {
		return nil, err
	}

	handle := l.Facade.CloneKernelTemplate()
	m := vmmap.New(l.Facade, handle, l.Cache)

	lowest, highest, err := l.loadSegments(pf, m)
	if err != 0 {
		return nil, err
	}

	entry := ptable.Vaddr(pf.file.Entry)
	base := ptable.Vaddr(0)
	var auxv []AuxEntry
	phdrVaddr := ptable.Vaddr(0)
	for _, prog := range pf.file.Progs {
		if prog.Type == elf.PT_PHDR {
			phdrVaddr = ptable.Vaddr(prog.Vaddr)
		}
	}

	if interpPath, ok := findInterpPath(pf); ok {
		ipf, ierr := l.openAndValidate(interpPath, true)
		if ierr != 0 {
			return nil, ierr
		}
		if _, hasInterp := findInterpPath(ipf); hasInterp {
			return nil, errs.ENOEXEC
		}

		ilo, ihi, lerr := l.loadInterpAt(ipf, m)
		if lerr != 0 {
			return nil, lerr
		}
		base = ilo
		entry = ptable.Vaddr(uint64(ipf.file.Entry) + uint64(ilo))
		_ = ihi

		auxv = []AuxEntry{
			{AT_PHDR, uint64(phdrVaddr)},
			{AT_PHENT, uint64(prog32Size)},
			{AT_PHNUM, uint64(countLoadable(pf))},
			{AT_ENTRY, uint64(pf.file.Entry)},
			{AT_BASE, uint64(base)},
			{AT_PAGESZ, page.Size},
			{AT_NULL, 0},
		}
	} else {
		auxv = []AuxEntry{
			{AT_PAGESZ, page.Size},
			{AT_NULL, 0},
		}
	}

	stackTop := lowest - page.Size // one guard page below the image
	stackLo := stackTop - ptable.Vfn(stackPages).Vaddr()
	_, e := m.MapArea(vmmap.MapParams{
		LoPage: stackLo.Vfn(),
		NPages: stackPages,
		Prot:   ptable.Read | ptable.Write,
		Share:  vmmap.Private,
		Fixed:  true,
	})
	if e != 0 {
		return nil, e
	}

	img, berr := buildStack(m, stackLo, stackTop, argv, envp, auxv, pf, phdrVaddr)
	if berr != 0 {
		return nil, berr
	}
	img.Map = m
	img.Handle = handle
	img.EntryIP = entry
	img.Brk = ptable.Vaddr(uint64(highest))
	img.StartBrk = img.Brk
	return img, 0
}

func countLoadable(pf *parsedELF) int {
	n := 0
	for _, p := range pf.file.Progs {
		if p.Type == elf.PT_LOAD {
			n++
		}
	}
	return n
}

func (l *Loader) loadInterpAt(pf *parsedELF, m *vmmap.Map) (lo, hi ptable.Vaddr, err errs.Err_t) {
	var span uint64
	for _, prog := range pf.file.Progs {
		if prog.Type == elf.PT_LOAD {
			top := prog.Vaddr + prog.Memsz
			if top > span {
				span = top
			}
		}
	}
	npages := ceilDiv(span, page.Size)
	base, ok := m.FindRange(npages, vmmap.HighToLow)
	if !ok {
		return 0, 0, errs.ENOMEM
	}

	for _, prog := range pf.file.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr%page.Size != 0 {
			return 0, 0, errs.ENOEXEC
		}
		filePages := ceilDiv(prog.Filesz, page.Size)
		memPages := ceilDiv(prog.Memsz, page.Size)
		segLo := base + ptable.Vfn(prog.Vaddr/page.Size)
		prot := flagsToProt(prog.Flags)

		if filePages > 0 {
			if _, e := m.MapArea(vmmap.MapParams{
				Backend: fileBackend{pf.vfile, int64(prog.Off + prog.Filesz)}, LoPage: segLo, NPages: filePages,
				Prot: prot, Share: vmmap.Private, Fixed: true, Offset: prog.Off / page.Size,
			}); e != 0 {
				return 0, 0, e
			}
		}
		if memPages > filePages {
			if _, e := m.MapArea(vmmap.MapParams{
				LoPage: segLo + ptable.Vfn(filePages), NPages: memPages - filePages,
				Prot: prot, Share: vmmap.Private, Fixed: true,
			}); e != 0 {
				return 0, 0, e
			}
		}
	}
	return base.Vaddr(), (base + ptable.Vfn(npages)).Vaddr(), 0
}

// buildStack computes the stack image size (rejecting E2BIG if it
// exceeds the fixed stack), marshals it in a kernel buffer per the
// layout of spec §6, and writes it into the new map via Map.Write --
// reusing the fault/COW machinery rather than touching page tables
// directly (DESIGN NOTES §9).
func buildStack(m *vmmap.Map, stackLo, stackTop ptable.Vaddr, argv, envp []string, auxv []AuxEntry, pf *parsedELF, phdrVaddr ptable.Vaddr) (*Image, errs.Err_t) {
	ptrSize := uint64(4) // 32-bit user pointers, matching the ELF class

	var strPool []byte
	strOff := make([]uint64, 0, len(argv)+len(envp))
	for _, s := range argv {
		strOff = append(strOff, uint64(len(strPool)))
		strPool = append(strPool, append([]byte(s), 0)...)
	}
	envStart := len(strOff)
	for _, s := range envp {
		strOff = append(strOff, uint64(len(strPool)))
		strPool = append(strPool, append([]byte(s), 0)...)
	}

	var phtCopy []byte
	if phdrVaddr != 0 {
		phtCopy = make([]byte, len(pf.file.Progs)*prog32Size)
		for i, prog := range pf.file.Progs {
			rec := phtCopy[i*prog32Size : (i+1)*prog32Size]
			binary.LittleEndian.PutUint32(rec[0:4], uint32(prog.Type))
			binary.LittleEndian.PutUint32(rec[4:8], uint32(prog.Off))
			binary.LittleEndian.PutUint32(rec[8:12], uint32(prog.Vaddr))
			binary.LittleEndian.PutUint32(rec[12:16], uint32(prog.Paddr))
			binary.LittleEndian.PutUint32(rec[16:20], uint32(prog.Filesz))
			binary.LittleEndian.PutUint32(rec[20:24], uint32(prog.Memsz))
			binary.LittleEndian.PutUint32(rec[24:28], uint32(prog.Flags))
			binary.LittleEndian.PutUint32(rec[28:32], uint32(prog.Align))
		}
	}

	// header: argc, &argv, &envp, &auxv
	headerWords := uint64(4)
	vecWords := uint64(len(argv)+1) + uint64(len(envp)+1) + uint64(len(auxv)*2)
	total := headerWords*ptrSize + vecWords*ptrSize + uint64(len(strPool)) + uint64(len(phtCopy))

	stackSize := uint64(stackPages) * page.Size
	if total > stackSize-1 {
		return nil, errs.E2BIG
	}

	buf := make([]byte, total)
	// place strings/PHT at the top of the buffer (== bottom of the
	// used stack, highest addresses), vectors below them, header at
	// the very bottom.
	stringsOff := total - uint64(len(strPool)) - uint64(len(phtCopy))
	base := stackTop - ptable.Vaddr(total)

	copy(buf[stringsOff:stringsOff+uint64(len(strPool))], strPool)
	if len(phtCopy) > 0 {
		copy(buf[stringsOff+uint64(len(strPool)):], phtCopy)
	}

	argvVecOff := headerWords * ptrSize
	envpVecOff := argvVecOff + uint64(len(argv)+1)*ptrSize
	auxvVecOff := envpVecOff + uint64(len(envp)+1)*ptrSize

	put32 := func(off uint64, v uint32) {
		binary.LittleEndian.PutUint32(buf[off:off+4], v)
	}

	put32(0, uint32(len(argv)))
	put32(4, uint32(uint64(base)+argvVecOff))
	put32(8, uint32(uint64(base)+envpVecOff))
	put32(12, uint32(uint64(base)+auxvVecOff))

	for i, off := range strOff[:len(argv)] {
		put32(argvVecOff+uint64(i)*ptrSize, uint32(uint64(base)+stringsOff+off))
	}
	put32(argvVecOff+uint64(len(argv))*ptrSize, 0)

	for i, off := range strOff[envStart:] {
		put32(envpVecOff+uint64(i)*ptrSize, uint32(uint64(base)+stringsOff+off))
	}
	put32(envpVecOff+uint64(len(envp))*ptrSize, 0)

	for i, e := range auxv {
		put32(auxvVecOff+uint64(i)*2*ptrSize, uint32(e.Type))
		put32(auxvVecOff+uint64(i)*2*ptrSize+4, uint32(e.Val))
	}

	n, werr := m.Write(base, buf, len(buf))
	if werr != 0 || n != len(buf) {
		if werr == 0 {
			werr = errs.EFAULT
		}
		return nil, werr
	}

	return &Image{StackSP: base}, 0
}
