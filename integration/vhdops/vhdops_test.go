// Package vhdops drives the end-to-end scenarios of spec.md §8 against the
// real on-disk format, the way the teacher's own integration/ tests drive
// real install/build/update flows rather than mocking them out.
package vhdops

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/tapdisk3/vhdcore/internal/chain"
	"github.com/tapdisk3/vhdcore/internal/chainscan"
	"github.com/tapdisk3/vhdcore/internal/dotlock"
	"github.com/tapdisk3/vhdcore/internal/integrity"
	"github.com/tapdisk3/vhdcore/internal/vhd"
	"github.com/tapdisk3/vhdcore/internal/vhdbuild"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// Scenario 1: create + fixed-size query.
func TestScenario1_CreateFixedSizeQuery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "t.vhd")
	sizeBytes := int64(8 * 1024 * 1024)

	if err := vhdbuild.CreateFixed(path, sizeBytes); err != nil {
		t.Fatalf("CreateFixed: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	st, _ := f.Stat()
	ftr, _, err := vhd.ReadFooter(f, st.Size(), false)
	if err != nil {
		t.Fatalf("ReadFooter: %v", err)
	}
	if ftr.CurrentSize != uint64(sizeBytes) {
		t.Fatalf("curr_size = %d, want %d", ftr.CurrentSize, sizeBytes)
	}
	if ftr.Type != vhd.DiskFixed {
		t.Fatalf("type = %v, want Fixed", ftr.Type)
	}
	if err := ftr.VerifyChecksum(); err != nil {
		t.Fatalf("VerifyChecksum: %v", err)
	}
	if got := vhd.BytesToSectors(int64(ftr.CurrentSize)) / 128; got != 16384/128 {
		t.Fatalf("query -v output would be %d, want %d", got, 16384/128)
	}
}

// Scenario 2: sparse allocation round-trip.
func TestScenario2_SparseAllocationRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "s.vhd")

	if _, err := vhdbuild.CreateSparse(path, 2*1024*1024, vhd.DefaultBlockSize, nil); err != nil {
		t.Fatalf("CreateSparse: %v", err)
	}

	img, err := chain.Open(path, chain.OpenFlags{}, nil)
	if err != nil {
		t.Fatalf("chain.Open: %v", err)
	}
	defer img.Close()

	if img.BAT.Allocated(0) {
		t.Fatal("block 0 should start unallocated")
	}

	pattern := make([]byte, vhd.SectorSize)
	for i := range pattern {
		pattern[i] = 0xAA
	}
	if err := img.WriteSectors(3, pattern); err != nil {
		t.Fatalf("WriteSectors: %v", err)
	}
	if !img.BAT.Allocated(0) {
		t.Fatal("block 0 should be allocated after a write lands in it")
	}

	for _, sector := range []int64{0, 1, 2, 4} {
		data, err := img.ReadSectors(sector, 1)
		if err != nil {
			t.Fatalf("ReadSectors(%d): %v", sector, err)
		}
		for _, b := range data {
			if b != 0 {
				t.Fatalf("sector %d: byte %#x, want zero", sector, b)
			}
		}
	}
	data, err := img.ReadSectors(3, 1)
	if err != nil {
		t.Fatalf("ReadSectors(3): %v", err)
	}
	for _, b := range data {
		if b != 0xAA {
			t.Fatalf("sector 3: byte %#x, want 0xAA", b)
		}
	}
}

// Scenario 3: differencing child masks parent.
func TestScenario3_DifferencingChildMasksParent(t *testing.T) {
	dir := t.TempDir()
	parentPath := filepath.Join(dir, "parent.vhd")
	childPath := filepath.Join(dir, "c.vhd")

	if _, err := vhdbuild.CreateSparse(parentPath, 4*1024*1024, vhd.DefaultBlockSize, nil); err != nil {
		t.Fatalf("CreateSparse parent: %v", err)
	}

	parentRW, err := chain.Open(parentPath, chain.OpenFlags{}, nil)
	if err != nil {
		t.Fatalf("open parent for write: %v", err)
	}
	pat11 := make([]byte, vhd.SectorSize)
	for i := range pat11 {
		pat11[i] = 0x11
	}
	if err := parentRW.WriteSectors(100, pat11); err != nil {
		t.Fatalf("write parent sector 100: %v", err)
	}
	parentUUID := parentRW.Footer.UUID
	parentTS := parentRW.Footer.Timestamp
	if err := parentRW.Close(); err != nil {
		t.Fatalf("close parent: %v", err)
	}

	_, err = vhdbuild.CreateSparse(childPath, 4*1024*1024, vhd.DefaultBlockSize, &vhdbuild.ParentInfo{
		Path: parentPath, UUID: parentUUID, Timestamp: parentTS,
	})
	if err != nil {
		t.Fatalf("CreateSparse child: %v", err)
	}

	child, err := chain.Open(childPath, chain.OpenFlags{}, nil)
	if err != nil {
		t.Fatalf("chain.Open child: %v", err)
	}
	defer child.Close()
	if child.Parent == nil {
		t.Fatal("child should have resolved its parent")
	}

	pat22 := make([]byte, vhd.SectorSize)
	for i := range pat22 {
		pat22[i] = 0x22
	}
	if err := child.WriteSectors(100, pat22); err != nil {
		t.Fatalf("write child sector 100: %v", err)
	}

	got, err := child.ReadSectors(100, 1)
	if err != nil {
		t.Fatalf("read child sector 100: %v", err)
	}
	for _, b := range got {
		if b != 0x22 {
			t.Fatalf("child sector 100 byte %#x, want 0x22", b)
		}
	}
	got, err = child.ReadSectors(101, 1)
	if err != nil {
		t.Fatalf("read child sector 101: %v", err)
	}
	for _, b := range got {
		if b != 0x11 {
			t.Fatalf("child sector 101 byte %#x, want 0x11 (inherited)", b)
		}
	}

	// Altering the parent's UUID must fail chain open unless ignore-parent-uuid.
	if err := child.Close(); err != nil {
		t.Fatalf("close child: %v", err)
	}
	corrupt, err := os.OpenFile(parentPath, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open parent for corruption: %v", err)
	}
	st, _ := corrupt.Stat()
	ftr, _, err := vhd.ReadFooter(corrupt, st.Size(), false)
	if err != nil {
		t.Fatalf("read parent footer: %v", err)
	}
	ftr.UUID[0] ^= 0xFF
	ftr.SetChecksum()
	if _, err := corrupt.WriteAt(ftr.EncodeBE(), 0); err != nil {
		t.Fatalf("rewrite primary footer: %v", err)
	}
	if _, err := corrupt.WriteAt(ftr.EncodeBE(), st.Size()-vhd.FooterSize); err != nil {
		t.Fatalf("rewrite trailing footer: %v", err)
	}
	corrupt.Close()

	_, err = chain.Open(childPath, chain.OpenFlags{}, nil)
	if err == nil {
		t.Fatal("expected chain.Open to fail against an altered parent UUID")
	}
	if !vhderr.Is(err, vhderr.InvalidFormat) && !vhderr.Is(err, vhderr.NoParent) {
		t.Fatalf("expected InvalidFormat/NoParent, got %v", err)
	}
}

// Scenario 4: checker rejects overlap.
func TestScenario4_CheckerRejectsOverlap(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlap.vhd")

	layout, err := vhdbuild.CreateSparse(path, 4*1024*1024, vhd.DefaultBlockSize, nil)
	if err != nil {
		t.Fatalf("CreateSparse: %v", err)
	}

	img, err := chain.Open(path, chain.OpenFlags{}, nil)
	if err != nil {
		t.Fatalf("chain.Open: %v", err)
	}
	one := make([]byte, vhd.SectorSize)
	two := make([]byte, vhd.SectorSize)
	if err := img.WriteSectors(0, one); err != nil {
		t.Fatalf("write block 0: %v", err)
	}
	if err := img.WriteSectors(4096, two); err != nil {
		t.Fatalf("write block 1: %v", err)
	}
	img.BAT[1] = img.BAT[0] // force both blocks to the same on-disk offset
	batBuf := img.BAT.EncodeBAT()
	if _, err := img.File.WriteAt(batBuf, layout.TableOffset); err != nil {
		t.Fatalf("rewrite BAT: %v", err)
	}
	st, err := img.File.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	ii := &integrity.Image{
		Path: path, FileSize: st.Size(), Footer: img.Footer, Header: img.Header,
		BAT: img.BAT, Reader: img.File,
	}
	report := integrity.Check(ii, integrity.Options{})
	if report.OK() {
		t.Fatal("expected the overlap to be reported as a fatal finding")
	}
	found := false
	for _, f := range report.Findings {
		if f.Fatal && containsClobbers(f.Message) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a \"clobbers\" finding, got: %+v", report.Findings)
	}
	img.Close()
}

func containsClobbers(s string) bool {
	for i := 0; i+9 <= len(s); i++ {
		if s[i:i+9] == "clobbers " {
			return true
		}
	}
	return false
}

// Scenario 5: chainscan orders a parent/child pair child-first for
// coalescing. Nothing is coalesced here; request merge/split is covered by
// internal/ioopt's tests.
func TestScenario5_CoalesceChainDiscovery(t *testing.T) {
	dir := t.TempDir()
	parentPath := filepath.Join(dir, "base.vhd")
	childPath := filepath.Join(dir, "leaf.vhd")

	if _, err := vhdbuild.CreateSparse(parentPath, 2*1024*1024, vhd.DefaultBlockSize, nil); err != nil {
		t.Fatalf("CreateSparse parent: %v", err)
	}
	parent, err := chain.Open(parentPath, chain.OpenFlags{}, nil)
	if err != nil {
		t.Fatalf("open parent: %v", err)
	}
	parentUUID := parent.Footer.UUID
	parentTS := parent.Footer.Timestamp
	parent.Close()

	if _, err := vhdbuild.CreateSparse(childPath, 2*1024*1024, vhd.DefaultBlockSize, &vhdbuild.ParentInfo{
		Path: parentPath, UUID: parentUUID, Timestamp: parentTS,
	}); err != nil {
		t.Fatalf("CreateSparse child: %v", err)
	}

	entries := []chainscan.Entry{
		{Path: parentPath, UUID: parentUUID},
		{Path: childPath, UUID: [16]byte{9}, IsDiff: true, ParentUUID: parentUUID},
	}
	graph := chainscan.Build(entries)
	if len(graph.Cycles()) != 0 {
		t.Fatal("expected no cycles in a simple parent/child chain")
	}
	order, err := graph.CoalesceOrder()
	if err != nil {
		t.Fatalf("CoalesceOrder: %v", err)
	}
	if len(order) != 2 || order[0] != childPath || order[1] != parentPath {
		t.Fatalf("coalesce order = %v, want [child, parent]", order)
	}
}

// Scenario 6: lock reassert.
func TestScenario6_LockReassert(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "t.vhd")
	os.WriteFile(target, []byte("placeholder"), 0o644)

	l1, err := dotlock.Acquire(target, "hostA", "uuid-1", dotlock.ModeWriter, false)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer l1.Release()

	if err := l1.Reassert(); err != nil {
		t.Fatalf("reassert with matching identity: %v", err)
	}

	_, err = dotlock.Acquire(target, "hostB", "uuid-2", dotlock.ModeWriter, false)
	if err == nil {
		t.Fatal("expected a second writer acquire without force to fail")
	}
	if !vhderr.Is(err, vhderr.Busy) {
		t.Fatalf("expected Busy, got %v", err)
	}
}
