package vhd

import (
	"os"

	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// JournalSuffix names the sidecar file a Journal writes its pre-images to,
// grounded on the historical quirk of SPEC_FULL.md §9 (v): the one-shot
// bitmap-ordering rewrite `vhd-util modify -b` performs must be safe to
// interrupt, so every region it is about to overwrite is recorded here
// first.
const JournalSuffix = ".journal"

// journalEntryHeader precedes each recorded pre-image: {offset, length}.
const journalEntryHeader = 8 + 4

// Journal records pre-images of file regions before they are overwritten,
// so a crashed rewrite can be undone by Recover on the next invocation.
type Journal struct {
	path string
	f    *os.File
}

// BeginJournal creates the sidecar file for target, truncating any stale
// one left by an interrupted previous run (Recover should have already
// consumed it before BeginJournal is called again).
func BeginJournal(target string) (*Journal, error) {
	path := target + JournalSuffix
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o644)
	if err != nil {
		return nil, vhderr.Wrap(vhderr.Io, "begin journal for "+target, err)
	}
	return &Journal{path: path, f: f}, nil
}

// Record appends the current on-disk contents at [offset, offset+length)
// to the journal, to be read from src before the caller overwrites it.
func (j *Journal) Record(src ReaderAt, offset int64, length int) error {
	buf := make([]byte, length)
	if _, err := src.ReadAt(buf, offset); err != nil {
		return vhderr.Wrap(vhderr.Io, "journal: read pre-image", err)
	}
	hdr := make([]byte, journalEntryHeader)
	byteOrder.PutUint64(hdr[0:], uint64(offset))
	byteOrder.PutUint32(hdr[8:], uint32(length))
	if _, err := j.f.Write(hdr); err != nil {
		return vhderr.Wrap(vhderr.Io, "journal: write entry header", err)
	}
	if _, err := j.f.Write(buf); err != nil {
		return vhderr.Wrap(vhderr.Io, "journal: write pre-image", err)
	}
	return j.f.Sync()
}

// Commit discards the journal: the rewrite it protected completed.
func (j *Journal) Commit() error {
	j.f.Close()
	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return vhderr.Wrap(vhderr.Io, "journal: remove committed journal", err)
	}
	return nil
}

// RecoverJournal replays any pre-images left by an interrupted rewrite of
// target, restoring the file to the state it had before the rewrite began.
// It is a no-op if target has no pending journal.
func RecoverJournal(target string) error {
	path := target + JournalSuffix
	jf, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return vhderr.Wrap(vhderr.Io, "recover journal: open "+path, err)
	}
	defer jf.Close()

	out, err := os.OpenFile(target, os.O_RDWR, 0)
	if err != nil {
		return vhderr.Wrap(vhderr.Io, "recover journal: open "+target, err)
	}
	defer out.Close()

	hdr := make([]byte, journalEntryHeader)
	for {
		if _, err := readFull(jf, hdr); err != nil {
			break // clean EOF or truncated tail entry: stop replaying
		}
		offset := int64(byteOrder.Uint64(hdr[0:]))
		length := int(byteOrder.Uint32(hdr[8:]))
		buf := make([]byte, length)
		if _, err := readFull(jf, buf); err != nil {
			break
		}
		if _, err := out.WriteAt(buf, offset); err != nil {
			return vhderr.Wrap(vhderr.Io, "recover journal: restore pre-image", err)
		}
	}
	return os.Remove(path)
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
