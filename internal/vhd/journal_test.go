package vhd

import (
	"os"
	"path/filepath"
	"testing"
)

func TestJournalRecoverRestoresPreImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "target.bin")
	original := []byte("ORIGINAL-DATA---")
	if err := os.WriteFile(path, original, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	j, err := BeginJournal(path)
	if err != nil {
		t.Fatalf("BeginJournal: %v", err)
	}
	if err := j.Record(f, 0, len(original)); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if _, err := f.WriteAt([]byte("CORRUPTED-BYTES-"), 0); err != nil {
		t.Fatalf("corrupt write: %v", err)
	}
	// Simulate a crash: never call j.Commit().

	if err := RecoverJournal(path); err != nil {
		t.Fatalf("RecoverJournal: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != string(original) {
		t.Fatalf("recovered content = %q, want %q", got, original)
	}
	if _, err := os.Stat(path + JournalSuffix); !os.IsNotExist(err) {
		t.Fatalf("journal file should be consumed by recovery")
	}
}

func TestJournalCommitRemovesSidecar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "target.bin")
	if err := os.WriteFile(path, []byte("abc"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	j, err := BeginJournal(path)
	if err != nil {
		t.Fatalf("BeginJournal: %v", err)
	}
	if err := j.Record(f, 0, 3); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := j.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if _, err := os.Stat(path + JournalSuffix); !os.IsNotExist(err) {
		t.Fatal("journal file should not exist after Commit")
	}
}

func TestSwapWordBytesRoundTrip(t *testing.T) {
	buf := []byte{0x01, 0x02, 0x03, 0x04, 0xAA, 0xBB, 0xCC, 0xDD}
	want := []byte{0x04, 0x03, 0x02, 0x01, 0xDD, 0xCC, 0xBB, 0xAA}
	swapWordBytes(buf)
	for i := range buf {
		if buf[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, buf[i], want[i])
		}
	}
	// Applying it twice restores the original (it is its own inverse).
	swapWordBytes(buf)
	orig := []byte{0x01, 0x02, 0x03, 0x04, 0xAA, 0xBB, 0xCC, 0xDD}
	for i := range buf {
		if buf[i] != orig[i] {
			t.Fatalf("double-swap byte %d = %#x, want %#x", i, buf[i], orig[i])
		}
	}
}

func TestNeedsBitmapOrderConversion(t *testing.T) {
	f := sampleFooter()
	f.CreatorVersion = TapLegacyBitmapVersion
	if !NeedsBitmapOrderConversion(f) {
		t.Fatal("expected legacy tap 0.1 footer to need conversion")
	}
	f.CreatorVersion = 0x00010001 // 1.1
	if NeedsBitmapOrderConversion(f) {
		t.Fatal("current creator version should not need conversion")
	}
}
