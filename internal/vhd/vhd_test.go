package vhd

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func sampleFooter() *Footer {
	f := &Footer{
		Cookie:            FooterCookie,
		Features:          FeatureReserved,
		FileFormatVersion: FileFormatVersion,
		DataOffset:        512,
		Timestamp:         EncodeTimestamp(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)),
		CreatorApp:        [4]byte{'t', 'a', 'p', 0},
		CreatorVersion:    0x00010001, // 1.1, matches the "tap" creator stamp
		CreatorOS:         CreatorOSWindows,
		OriginalSize:      64 * 1024 * 1024,
		CurrentSize:       64 * 1024 * 1024,
		Geometry:          CHSForSize(64 * 1024 * 1024 / SectorSize).Encode(),
		Type:              DiskDynamic,
	}
	f.SetChecksum()
	return f
}

func TestFooterRoundTrip(t *testing.T) {
	f := sampleFooter()
	buf := f.EncodeBE()
	if len(buf) != FooterSize {
		t.Fatalf("encoded footer size = %d, want %d", len(buf), FooterSize)
	}
	got := &Footer{}
	if err := got.DecodeBE(buf); err != nil {
		t.Fatalf("DecodeBE: %v", err)
	}
	if diff := cmp.Diff(f, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	if err := got.VerifyChecksum(); err != nil {
		t.Fatalf("VerifyChecksum: %v", err)
	}
}

func TestFooterChecksumMismatch(t *testing.T) {
	f := sampleFooter()
	f.OriginalSize++ // corrupt without refreshing checksum
	if err := f.VerifyChecksum(); err == nil {
		t.Fatal("expected checksum mismatch error, got nil")
	}
}

func TestFooterTapHiddenQuirk(t *testing.T) {
	f := sampleFooter()
	f.CreatorVersion = 0x00010001 // 1.1
	f.SetChecksum()
	f.Hidden = true // flip after checksum was computed over Hidden=false
	if err := f.VerifyChecksum(); err != nil {
		t.Fatalf("expected tap hidden-byte quirk to tolerate mismatch, got: %v", err)
	}
}

func TestReadFooterBackupFallback(t *testing.T) {
	f := sampleFooter()
	buf := f.EncodeBE()
	img := make([]byte, 4096+FooterSize)
	copy(img[0:], buf) // only the backup copy at offset 0 is present

	got, loc, err := ReadFooter(bytesReaderAt(img), int64(len(img)), false)
	if err != nil {
		t.Fatalf("ReadFooter: %v", err)
	}
	if loc != FooterBackup {
		t.Fatalf("location = %v, want FooterBackup", loc)
	}
	if got.OriginalSize != f.OriginalSize {
		t.Fatalf("OriginalSize = %d, want %d", got.OriginalSize, f.OriginalSize)
	}
}

func TestReadFooterStrictRejectsBackupOnly(t *testing.T) {
	f := sampleFooter()
	buf := f.EncodeBE()
	img := make([]byte, 4096+FooterSize)
	copy(img[0:], buf)

	_, _, err := ReadFooter(bytesReaderAt(img), int64(len(img)), true)
	if err == nil {
		t.Fatal("expected strict mode to reject backup-only footer")
	}
}

type bytesReaderAt []byte

var errOffsetOutOfRange = errors.New("offset out of range")

func (b bytesReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(b)) {
		return 0, errOffsetOutOfRange
	}
	n := copy(p, b[off:])
	return n, nil
}

func sampleHeader() *Header {
	h := &Header{
		Cookie:        HeaderCookie,
		DataOffset:    UnusedDataOffset,
		TableOffset:   2048,
		HeaderVersion: HeaderVersion,
		MaxBATSize:    512,
		BlockSize:     DefaultBlockSize,
		ParentName:    "base.vhd",
	}
	h.SetChecksum()
	return h
}

func TestHeaderRoundTrip(t *testing.T) {
	h := sampleHeader()
	buf := h.EncodeBE()
	if len(buf) != HeaderSize {
		t.Fatalf("encoded header size = %d, want %d", len(buf), HeaderSize)
	}
	got := &Header{}
	if err := got.DecodeBE(buf); err != nil {
		t.Fatalf("DecodeBE: %v", err)
	}
	if diff := cmp.Diff(h, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	if err := got.VerifyChecksum(); err != nil {
		t.Fatalf("VerifyChecksum: %v", err)
	}
}

func TestHeaderValidate(t *testing.T) {
	h := sampleHeader()
	fileSize := int64(h.TableOffset) + int64(h.MaxBATSize)*BATEntrySize + 10*1024*1024
	if err := h.Validate(fileSize, FooterSize); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestHeaderValidateRejectsBadBlockSize(t *testing.T) {
	h := sampleHeader()
	h.BlockSize = 3 * 1024 * 1024 // not a power of two
	h.SetChecksum()
	if err := h.Validate(1<<30, FooterSize); err == nil {
		t.Fatal("expected non-power-of-two block size to fail validation")
	}
}

func TestParentLocatorMACXRoundTrip(t *testing.T) {
	raw := EncodeMACX("/vhds/base.vhd")
	loc := ParentLocator{Code: PlatformMACX, DataLen: uint32(len(raw))}
	path, err := loc.DecodePath(raw)
	if err != nil {
		t.Fatalf("DecodePath: %v", err)
	}
	if path != "/vhds/base.vhd" {
		t.Fatalf("path = %q, want /vhds/base.vhd", path)
	}
}

func TestParentLocatorW2KURoundTrip(t *testing.T) {
	raw := EncodeW2KU(`C:/vhds/base.vhd`)
	loc := ParentLocator{Code: PlatformW2KU, DataLen: uint32(len(raw))}
	path, err := loc.DecodePath(raw)
	if err != nil {
		t.Fatalf("DecodePath: %v", err)
	}
	if path != "C:/vhds/base.vhd" {
		t.Fatalf("path = %q, want C:/vhds/base.vhd", path)
	}
}

func TestBATRoundTrip(t *testing.T) {
	bat := BAT{100, BATUnallocated, 250, 0}
	buf := bat.EncodeBAT()
	got, err := DecodeBAT(buf, len(bat))
	if err != nil {
		t.Fatalf("DecodeBAT: %v", err)
	}
	if diff := cmp.Diff(bat, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestBATAllocatedAndExtent(t *testing.T) {
	bat := BAT{100, BATUnallocated}
	if !bat.Allocated(0) {
		t.Fatal("entry 0 should be allocated")
	}
	if bat.Allocated(1) {
		t.Fatal("entry 1 should not be allocated")
	}
	start, end, ok := bat.Extent(0, 4096, 1)
	if !ok || start != 100 || end != 100+1+4096 {
		t.Fatalf("Extent = (%d, %d, %v), want (100, %d, true)", start, end, ok, 100+1+4096)
	}
	if _, _, ok := bat.Extent(1, 4096, 1); ok {
		t.Fatal("unallocated entry should report ok=false")
	}
}

func TestBatmapHeaderRoundTrip(t *testing.T) {
	bh := &BatmapHeader{
		Cookie:        BatmapCookie,
		BatmapOffset:  4096,
		BatmapSize:    8,
		BatmapVersion: 0x00010002,
	}
	bh.Keyhash.Present = true
	bh.Keyhash.Nonce[0] = 0xAB
	bh.Keyhash.Hash[0] = 0xCD
	bh.SetChecksum()

	buf := bh.EncodeBE()
	got := &BatmapHeader{}
	if err := got.DecodeBE(buf); err != nil {
		t.Fatalf("DecodeBE: %v", err)
	}
	if diff := cmp.Diff(bh, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
	if err := got.VerifyChecksum(); err != nil {
		t.Fatalf("VerifyChecksum: %v", err)
	}
}

func TestBatmapBitOps(t *testing.T) {
	m := NewBatmap(20)
	m.Set(3, true)
	m.Set(17, true)
	if !m.Test(3) || !m.Test(17) {
		t.Fatal("expected bits 3 and 17 set")
	}
	if m.Test(4) {
		t.Fatal("bit 4 should be clear")
	}
	m.Set(3, false)
	if m.Test(3) {
		t.Fatal("bit 3 should have been cleared")
	}
}

func TestFullyAllocated(t *testing.T) {
	spb := 16
	bitmap := make([]byte, 2)
	bitmap[0] = 0xff
	bitmap[1] = 0xff
	if !FullyAllocated(bitmap, spb) {
		t.Fatal("expected fully-allocated bitmap to report true")
	}
	bitmap[1] = 0x7f
	if FullyAllocated(bitmap, spb) {
		t.Fatal("expected bitmap with cleared bit to report false")
	}
}
