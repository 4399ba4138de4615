package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/tapdisk3/vhdcore/internal/vhd"
)

func TestCreateFillReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.vhd")

	if err := cmdCreate(context.Background(), []string{"-n", path, "-s", "2"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := cmdFill(context.Background(), []string{"-n", path, "-S", "3", "-c", "1", "-b", "170"}); err != nil {
		t.Fatalf("fill: %v", err)
	}

	img, err := openChain(path, true)
	if err != nil {
		t.Fatalf("openChain: %v", err)
	}
	defer img.Close()

	data, err := img.ReadSectors(0, 5)
	if err != nil {
		t.Fatalf("ReadSectors: %v", err)
	}
	for s := 0; s < 5; s++ {
		want := byte(0)
		if s == 3 {
			want = 0xAA
		}
		for b := 0; b < vhd.SectorSize; b++ {
			if got := data[s*vhd.SectorSize+b]; got != want {
				t.Fatalf("sector %d byte %d = %#x, want %#x", s, b, got, want)
			}
		}
	}
}

func TestCheckDetectsOverlap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.vhd")
	if err := cmdCreate(context.Background(), []string{"-n", path, "-s", "4"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := cmdFill(context.Background(), []string{"-n", path, "-S", "0", "-c", "1", "-b", "1"}); err != nil {
		t.Fatalf("fill block 0: %v", err)
	}
	if err := cmdFill(context.Background(), []string{"-n", path, "-S", "4096", "-c", "1", "-b", "2"}); err != nil {
		t.Fatalf("fill block 1: %v", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	hdrBuf := make([]byte, vhd.HeaderSize)
	if _, err := f.ReadAt(hdrBuf, vhd.FooterSize); err != nil {
		t.Fatalf("read header: %v", err)
	}
	hdr := &vhd.Header{}
	if err := hdr.DecodeBE(hdrBuf); err != nil {
		t.Fatalf("decode header: %v", err)
	}
	batBuf := make([]byte, vhd.BATSizeSectors(int(hdr.MaxBATSize))*vhd.SectorSize)
	if _, err := f.ReadAt(batBuf, int64(hdr.TableOffset)); err != nil {
		t.Fatalf("read BAT: %v", err)
	}
	bat, err := vhd.DecodeBAT(batBuf, int(hdr.MaxBATSize))
	if err != nil {
		t.Fatalf("decode BAT: %v", err)
	}
	bat[1] = bat[0] // force an overlap
	if _, err := f.WriteAt(bat.EncodeBAT(), int64(hdr.TableOffset)); err != nil {
		t.Fatalf("write BAT: %v", err)
	}
	f.Close()

	err = cmdCheck(context.Background(), []string{"-n", path})
	if err == nil {
		t.Fatal("check: expected failure for overlapping BAT entries")
	}
}
