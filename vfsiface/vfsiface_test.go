package vfsiface

import (
	"testing"

	"vmkernel/errs"
	"vmkernel/page"
)

func TestReadWritePageRoundTrip(t *testing.T) {
	f := NewFile(make([]byte, page.Size))
	var src [page.Size]byte
	src[10] = 5
	if err := f.WritePage(0, &src); err != 0 {
		t.Fatalf("write failed: %v", err)
	}
	var dst [page.Size]byte
	if err := f.ReadPage(0, &dst); err != 0 {
		t.Fatalf("read failed: %v", err)
	}
	if dst[10] != 5 {
		t.Fatalf("expected byte 10 to be 5, got %d", dst[10])
	}
}

func TestVolumeOpenMissing(t *testing.T) {
	v := NewVolume()
	if _, err := v.Open("/nope"); err != errs.ENOENT {
		t.Fatalf("expected ENOENT, got %v", err)
	}
}

func TestVolumeOpenDirReportsIsDir(t *testing.T) {
	v := NewVolume()
	v.Put("/d", NewDir())
	f, err := v.Open("/d")
	if err != 0 {
		t.Fatalf("open failed: %v", err)
	}
	if !f.IsDir() {
		t.Fatal("expected IsDir true for a directory placeholder")
	}
}
