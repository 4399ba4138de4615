package dotlock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "disk.vhd")
	if err := os.WriteFile(target, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	lk, err := Acquire(target, "hostA", "uuid-1", ModeWriter, false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := os.Stat(lk.persistent); err != nil {
		t.Fatalf("persistent lock file missing: %v", err)
	}
	if _, err := os.Stat(lockFileName(target)); !os.IsNotExist(err) {
		t.Fatalf("exclusive temp lock should be removed after acquire, stat err = %v", err)
	}

	if err := lk.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := os.Stat(lk.persistent); !os.IsNotExist(err) {
		t.Fatal("persistent lock file should be gone after Release")
	}
}

// TestReassertSameIdentitySucceeds implements spec.md §8 scenario 6's first
// half: "Process A holds a writer lock on f. Process A calls acquire again:
// the acquire reads the persistent file, matches its identity, rewrites it,
// and returns success."
func TestReassertSameIdentitySucceeds(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "disk.vhd")
	os.WriteFile(target, []byte("x"), 0o644)

	lkA, err := Acquire(target, "hostA", "uuid-A", ModeWriter, false)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	if err := lkA.Reassert(); err != nil {
		t.Fatalf("Reassert: %v", err)
	}

	got, err := os.ReadFile(lkA.persistent)
	if err != nil {
		t.Fatalf("read persistent lock: %v", err)
	}
	if string(got) != Identity("hostA", "uuid-A") {
		t.Fatalf("persistent lock identity = %q, want %q", got, Identity("hostA", "uuid-A"))
	}
}

// TestConcurrentAcquireWithoutForceFails implements the second half of
// scenario 6: "Process B's concurrent acquire returns -EBUSY without
// force."
func TestConcurrentAcquireWithoutForceFails(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "disk.vhd")
	os.WriteFile(target, []byte("x"), 0o644)

	if _, err := Acquire(target, "hostA", "uuid-A", ModeWriter, false); err != nil {
		t.Fatalf("A Acquire: %v", err)
	}

	_, err := Acquire(target, "hostB", "uuid-B", ModeWriter, false)
	if err == nil {
		t.Fatal("expected B's acquire to fail without force")
	}
	if kind, ok := vhderr.Of(err); !ok || kind != vhderr.Busy {
		t.Fatalf("err kind = %v, want Busy", err)
	}
}

// TestForceStealThenHolds implements the remainder of scenario 6: "with
// force, B steals, sleeps one lease, then holds the lock while the
// persistent writer file contains B's identity."
func TestForceStealThenHolds(t *testing.T) {
	origLease := DefaultLease
	defer func() { DefaultLease = origLease }()
	DefaultLease = time.Millisecond

	dir := t.TempDir()
	target := filepath.Join(dir, "disk.vhd")
	os.WriteFile(target, []byte("x"), 0o644)

	if _, err := Acquire(target, "hostA", "uuid-A", ModeWriter, false); err != nil {
		t.Fatalf("A Acquire: %v", err)
	}

	start := time.Now()
	lkB, err := Acquire(target, "hostB", "uuid-B", ModeWriter, true)
	if err != nil {
		t.Fatalf("B force Acquire: %v", err)
	}
	if time.Since(start) < time.Millisecond {
		t.Fatal("expected force-steal to sleep at least one lease before returning")
	}

	got, err := os.ReadFile(lkB.persistent)
	if err != nil {
		t.Fatalf("read persistent lock: %v", err)
	}
	if string(got) != Identity("hostB", "uuid-B") {
		t.Fatalf("persistent lock identity = %q, want B's identity", got)
	}
}

func TestReaderLocksDoNotConflict(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "disk.vhd")
	os.WriteFile(target, []byte("x"), 0o644)

	if _, err := Acquire(target, "hostA", "uuid-A", ModeReader, false); err != nil {
		t.Fatalf("A reader Acquire: %v", err)
	}
	if _, err := Acquire(target, "hostB", "uuid-B", ModeReader, false); err != nil {
		t.Fatalf("B reader Acquire should not conflict with another reader: %v", err)
	}
}

func TestWriterConflictsWithReader(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "disk.vhd")
	os.WriteFile(target, []byte("x"), 0o644)

	if _, err := Acquire(target, "hostA", "uuid-A", ModeReader, false); err != nil {
		t.Fatalf("A reader Acquire: %v", err)
	}
	_, err := Acquire(target, "hostB", "uuid-B", ModeWriter, false)
	if err == nil {
		t.Fatal("expected writer acquire to conflict with an existing reader lock")
	}
}

func TestStaleDetection(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "disk.vhd")
	os.WriteFile(target, []byte("x"), 0o644)

	lk, err := Acquire(target, "hostA", "uuid-A", ModeWriter, false)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	stale, err := Stale(lk.persistent, time.Hour)
	if err != nil {
		t.Fatalf("Stale: %v", err)
	}
	if stale {
		t.Fatal("freshly created lock should not be stale against a 1h lease")
	}

	stale, err = Stale(lk.persistent, -time.Second)
	if err != nil {
		t.Fatalf("Stale: %v", err)
	}
	if !stale {
		t.Fatal("any nonzero delta should exceed a negative lease")
	}
}
