package cbt

import (
	"path/filepath"
	"testing"
)

func TestCreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test_disk.log")
	size := uint64(4 * BlockSize)
	if err := Create(path, size); err != nil {
		t.Fatalf("Create: %v", err)
	}

	log, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	if log.Meta.Size != size {
		t.Fatalf("size = %d, want %d", log.Meta.Size, size)
	}
	if log.Meta.Consistent {
		t.Fatal("a freshly created log must not be consistent")
	}
	if int64(len(log.Bitmap)) != BitmapSize(size) {
		t.Fatalf("bitmap length = %d, want %d", len(log.Bitmap), BitmapSize(size))
	}
	for _, b := range log.Bitmap {
		if b != 0 {
			t.Fatal("a freshly created log's bitmap must be all zero")
		}
	}
}

func TestSetFieldsPersist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test_disk.log")
	if err := Create(path, BlockSize); err != nil {
		t.Fatalf("Create: %v", err)
	}

	parent, _ := ParseUUID("01234567-89ab-cdef-0123-456789abcdef")
	child, _ := ParseUUID("fedcba98-7654-3210-fedc-ba9876543210")

	log, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := log.SetParent(parent); err != nil {
		t.Fatalf("SetParent: %v", err)
	}
	if err := log.SetChild(child); err != nil {
		t.Fatalf("SetChild: %v", err)
	}
	if err := log.SetConsistent(true); err != nil {
		t.Fatalf("SetConsistent: %v", err)
	}
	log.Close()

	reopened, err := Open(path, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if reopened.Meta.Parent != parent {
		t.Fatalf("parent = %s, want %s", FormatUUID(reopened.Meta.Parent), FormatUUID(parent))
	}
	if reopened.Meta.Child != child {
		t.Fatalf("child = %s, want %s", FormatUUID(reopened.Meta.Child), FormatUUID(child))
	}
	if !reopened.Meta.Consistent {
		t.Fatal("consistent flag did not persist")
	}
}

func TestResizeRejectsShrink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test_disk.log")
	if err := Create(path, 4*BlockSize); err != nil {
		t.Fatalf("Create: %v", err)
	}
	log, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	if err := log.Resize(2 * BlockSize); err == nil {
		t.Fatal("expected shrink to be rejected")
	}
	if err := log.Resize(8 * BlockSize); err != nil {
		t.Fatalf("Resize (grow): %v", err)
	}
	if log.Meta.Size != 8*BlockSize {
		t.Fatalf("size = %d, want %d", log.Meta.Size, 8*BlockSize)
	}
	if int64(len(log.Bitmap)) != BitmapSize(8*BlockSize) {
		t.Fatal("bitmap was not grown alongside size")
	}
}

func TestMarkBlockAndBlockChanged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test_disk.log")
	if err := Create(path, 16*BlockSize); err != nil {
		t.Fatalf("Create: %v", err)
	}
	log, err := Open(path, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	if log.BlockChanged(3 * BlockSize) {
		t.Fatal("block 3 should not start out changed")
	}
	log.MarkBlock(3 * BlockSize)
	if !log.BlockChanged(3 * BlockSize) {
		t.Fatal("block 3 should be marked changed")
	}
	if log.BlockChanged(4 * BlockSize) {
		t.Fatal("marking block 3 must not affect block 4")
	}
}

func TestCoalesceMergesChildIntoParent(t *testing.T) {
	dir := t.TempDir()
	parentPath := filepath.Join(dir, "parent.log")
	childPath := filepath.Join(dir, "child.log")

	if err := Create(parentPath, 4*BlockSize); err != nil {
		t.Fatalf("create parent: %v", err)
	}
	if err := Create(childPath, 4*BlockSize); err != nil {
		t.Fatalf("create child: %v", err)
	}

	parent, err := Open(parentPath, true)
	if err != nil {
		t.Fatalf("open parent: %v", err)
	}
	parent.MarkBlock(0)
	if err := parent.flush(); err != nil {
		t.Fatalf("flush parent: %v", err)
	}
	parent.Close()

	child, err := Open(childPath, true)
	if err != nil {
		t.Fatalf("open child: %v", err)
	}
	child.MarkBlock(2 * BlockSize)
	if err := child.SetConsistent(true); err != nil {
		t.Fatalf("SetConsistent: %v", err)
	}
	child.Close()

	if err := Coalesce(parentPath, childPath); err != nil {
		t.Fatalf("Coalesce: %v", err)
	}

	merged, err := Open(parentPath, false)
	if err != nil {
		t.Fatalf("reopen parent: %v", err)
	}
	defer merged.Close()
	if !merged.BlockChanged(0) {
		t.Fatal("parent's own changed block must survive coalesce")
	}
	if !merged.BlockChanged(2 * BlockSize) {
		t.Fatal("child's changed block must be absorbed into parent")
	}
	if !merged.Meta.Consistent {
		t.Fatal("parent should adopt the child's consistent flag")
	}
}

func TestParseFormatUUIDRoundTrip(t *testing.T) {
	const s = "01234567-89ab-cdef-0123-456789abcdef"
	u, err := ParseUUID(s)
	if err != nil {
		t.Fatalf("ParseUUID: %v", err)
	}
	if got := FormatUUID(u); got != s {
		t.Fatalf("FormatUUID round-trip = %s, want %s", got, s)
	}
}

func TestParseUUIDRejectsMalformed(t *testing.T) {
	if _, err := ParseUUID("not-a-uuid"); err == nil {
		t.Fatal("expected malformed uuid to be rejected")
	}
}
