// Package vfsiface holds the minimal interfaces this subsystem needs
// from its VFS collaborator (spec §1, §6: the real VFS, the in-memory
// test filesystem, and the device registry are all out of scope) plus
// a tiny in-memory test double used by this module's own tests and by
// cmd/vmdemo. It is deliberately not a filesystem implementation.
package vfsiface

import (
	"io"
	"sync"

	"vmkernel/elfload"
	"vmkernel/errs"
	"vmkernel/page"
)

// / InodeFile is a byte-addressable file backing both memobj.Backend
// / (page-granularity I/O for mmap) and elfload.VFile (random-access
// / bytes for ELF parsing) over the same in-memory content.
type InodeFile struct {
	mu      sync.RWMutex
	data    []byte
	dir     bool
	special bool
}

// / NewFile constructs a regular in-memory file with the given
// / initial contents.
func NewFile(contents []byte) *InodeFile {
	buf := make([]byte, len(contents))
	copy(buf, contents)
	return &InodeFile{data: buf}
}

// / NewDir constructs a directory placeholder. Volume.Open returns it
// / like any other file; it reports IsDir, which the ELF loader turns
// / into EISDIR.
func NewDir() *InodeFile { return &InodeFile{dir: true} }

// / ReadAt implements io.ReaderAt and elfload.VFile's random access
// / requirement.
func (f *InodeFile) ReadAt(p []byte, off int64) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if off < 0 || off >= int64(len(f.data)) {
		return 0, io.EOF
	}
	n := copy(p, f.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// / WriteAt updates the file's contents, growing it if necessary.
func (f *InodeFile) WriteAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	end := off + int64(len(p))
	if end > int64(len(f.data)) {
		grown := make([]byte, end)
		copy(grown, f.data)
		f.data = grown
	}
	copy(f.data[off:], p)
	return len(p), nil
}

// / Size returns the current file length.
func (f *InodeFile) Size() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return int64(len(f.data))
}

func (f *InodeFile) IsRegular() bool { return !f.dir && !f.special }
func (f *InodeFile) IsDir() bool     { return f.dir }

// / ReadPage/WritePage implement memobj.Backend.
func (f *InodeFile) ReadPage(index uint64, dst *[page.Size]byte) errs.Err_t {
	_, _ = f.ReadAt(dst[:], int64(index)*page.Size)
	return 0
}

func (f *InodeFile) WritePage(index uint64, src *[page.Size]byte) errs.Err_t {
	_, _ = f.WriteAt(src[:], int64(index)*page.Size)
	return 0
}

// / Volume is a flat path -> InodeFile namespace, standing in for the
// / out-of-scope VFS collaborator in tests and the demo harness.
type Volume struct {
	mu    sync.RWMutex
	files map[string]*InodeFile
}

// / NewVolume constructs an empty volume.
func NewVolume() *Volume {
	return &Volume{files: make(map[string]*InodeFile)}
}

// / Put installs a file at path.
func (v *Volume) Put(path string, f *InodeFile) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.files[path] = f
}

// / Open implements elfload.VFS.
func (v *Volume) Open(path string) (elfload.VFile, errs.Err_t) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	f, ok := v.files[path]
	if !ok {
		return nil, errs.ENOENT
	}
	return f, 0
}
