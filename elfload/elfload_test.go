package elfload

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"testing"

	"vmkernel/errs"
	"vmkernel/page"
	"vmkernel/pcache"
	"vmkernel/ptable"
)

// buildELF32 constructs a minimal, valid little-endian ELFCLASS32
// ET_EXEC image with one PT_LOAD segment covering codeLen bytes of
// file content followed by (memLen-codeLen) bytes of zero-fill BSS,
// entry point at loadVaddr.
func buildELF32(loadVaddr uint32, code []byte, memLen uint32) []byte {
	const ehSize = 52
	const phSize = 32

	var buf bytes.Buffer
	buf.Write([]byte{0x7f, 'E', 'L', 'F', 1, 1, 1, 0})
	buf.Write(make([]byte, 8)) // padding

	type ehdrRest struct {
		Type, Machine     uint16
		Version           uint32
		Entry, Phoff, Shoff uint32
		Flags             uint32
		Ehsize, Phentsize uint16
		Phnum             uint16
		Shentsize, Shnum, Shstrndx uint16
	}
	eh := ehdrRest{
		Type: uint16(elf.ET_EXEC), Machine: uint16(elf.EM_386), Version: 1,
		Entry: loadVaddr, Phoff: ehSize, Shoff: 0,
		Ehsize: ehSize, Phentsize: phSize, Phnum: 1,
	}
	binary.Write(&buf, binary.LittleEndian, eh)

	// segment content starts on its own page so p_offset is congruent
	// with the page-aligned p_vaddr
	fileOff := uint32(page.Size)
	ph := struct {
		Type, Off, Vaddr, Paddr, Filesz, Memsz, Flags, Align uint32
	}{
		Type: uint32(elf.PT_LOAD), Off: fileOff, Vaddr: loadVaddr, Paddr: loadVaddr,
		Filesz: uint32(len(code)), Memsz: memLen,
		Flags: uint32(elf.PF_R | elf.PF_X), Align: page.Size,
	}
	binary.Write(&buf, binary.LittleEndian, ph)
	buf.Write(make([]byte, int(fileOff)-buf.Len()))
	buf.Write(code)
	return buf.Bytes()
}

type memFile struct{ data []byte }

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, errNoMore{}
	}
	n := copy(p, m.data[off:])
	return n, nil
}
func (m *memFile) Size() int64    { return int64(len(m.data)) }
func (m *memFile) IsRegular() bool { return true }
func (m *memFile) IsDir() bool     { return false }

type errNoMore struct{}

func (errNoMore) Error() string { return "EOF" }

type memVFS struct{ files map[string]*memFile }

func (v *memVFS) Open(path string) (VFile, errs.Err_t) {
	f, ok := v.files[path]
	if !ok {
		return nil, errs.ENOENT
	}
	return f, 0
}

func newLoader(vfs *memVFS) *Loader {
	tbl := ptable.NewTable()
	cache := pcache.New(page.NewAllocator(256))
	return New(vfs, cache, tbl, elf.EM_386)
}

func TestLoadMapsSegmentAndBuildsStack(t *testing.T) {
	const loadAt = 0x00100000
	code := []byte{0x90, 0x90, 0x90, 0x90}
	img := buildELF32(loadAt, code, 2*page.Size)

	vfs := &memVFS{files: map[string]*memFile{"/bin/a.out": {data: img}}}
	loader := newLoader(vfs)

	image, err := loader.Load("/bin/a.out", []string{"a.out", "x"}, []string{"HOME=/"})
	if err != 0 {
		t.Fatalf("load failed: %v", err)
	}
	if image.EntryIP != ptable.Vaddr(loadAt) {
		t.Fatalf("expected entry %x, got %x", loadAt, image.EntryIP)
	}
	if image.StackSP == 0 {
		t.Fatal("expected a nonzero initial stack pointer")
	}
	if _, ok := image.Map.Lookup(ptable.Vaddr(loadAt).Vfn()); !ok {
		t.Fatal("expected the PT_LOAD segment to be mapped")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	vfs := &memVFS{files: map[string]*memFile{}}
	loader := newLoader(vfs)
	if _, err := loader.Load("/nope", nil, nil); err != errs.ENOENT {
		t.Fatalf("expected ENOENT, got %v", err)
	}
}

func TestLoadRejectsWrongMachine(t *testing.T) {
	const loadAt = 0x00100000
	img := buildELF32(loadAt, []byte{0x90}, page.Size)
	// corrupt the machine field (offset 18 in the ELF header)
	binary.LittleEndian.PutUint16(img[18:20], uint16(elf.EM_ARM))

	vfs := &memVFS{files: map[string]*memFile{"/bin/a.out": {data: img}}}
	loader := newLoader(vfs)
	if _, err := loader.Load("/bin/a.out", nil, nil); err != errs.ENOEXEC {
		t.Fatalf("expected ENOEXEC for a machine mismatch, got %v", err)
	}
}

func TestStrictSectionHeadersRejectsBogusTable(t *testing.T) {
	const loadAt = 0x00100000
	img := buildELF32(loadAt, []byte{0x90}, page.Size)
	// claim a 4-entry section-header table starting past EOF
	binary.LittleEndian.PutUint32(img[32:36], uint32(len(img)+0x1000))
	binary.LittleEndian.PutUint16(img[46:48], uint16(section32Size))
	binary.LittleEndian.PutUint16(img[48:50], 4)

	vfs := &memVFS{files: map[string]*memFile{"/bin/a.out": {data: img}}}
	loader := newLoader(vfs)
	loader.StrictSectionHeaders = true
	if _, err := loader.Load("/bin/a.out", nil, nil); err != errs.ENOEXEC {
		t.Fatalf("expected ENOEXEC for a bogus section-header table, got %v", err)
	}

	// the same file loads fine when the check isn't opted into, since
	// section headers are never consulted at runtime.
	loader.StrictSectionHeaders = false
	if _, err := loader.Load("/bin/a.out", nil, nil); err != 0 {
		t.Fatalf("expected load to succeed without strict checking, got %v", err)
	}
}

func TestLoadRejectsArgvOverflow(t *testing.T) {
	const loadAt = 0x00100000
	img := buildELF32(loadAt, []byte{0x90}, page.Size)
	vfs := &memVFS{files: map[string]*memFile{"/bin/a.out": {data: img}}}
	loader := newLoader(vfs)

	huge := make([]string, maxArgVecs+1)
	for i := range huge {
		huge[i] = "x"
	}
	if _, err := loader.Load("/bin/a.out", huge, nil); err != errs.E2BIG {
		t.Fatalf("expected E2BIG, got %v", err)
	}
}
