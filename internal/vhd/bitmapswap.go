package vhd

import (
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// TapLegacyBitmapVersion is the creator version (0.1) of "tap" images whose
// per-block bitmaps were written with 32-bit words in host (little-endian)
// byte order, rather than this implementation's big-endian-within-word
// layout (SPEC_FULL.md §9 historical quirk (v)).
const TapLegacyBitmapVersion uint32 = 0x00000001

// ReadWriterAt is the random-access surface ConvertBitmapOrder needs: read
// to capture a journal pre-image, write to rewrite the bitmap in place.
type ReadWriterAt interface {
	ReaderAt
	WriteAt(p []byte, off int64) (int, error)
}

// NeedsBitmapOrderConversion reports whether f's footer/creator stamp marks
// it as carrying legacy little-endian-within-word bitmaps.
func NeedsBitmapOrderConversion(f *Footer) bool {
	return f.isTapCreator() && f.CreatorVersion == TapLegacyBitmapVersion
}

// ConvertBitmapOrder rewrites every allocated block's bitmap from
// little-endian-within-word to big-endian-within-word, 4 bytes at a time,
// journaling each block's pre-image first so an interrupted run can be
// undone by RecoverJournal before retrying (the footer's creator version
// is bumped by the caller only after every block succeeds, so a half-done
// rewrite is always detected by NeedsBitmapOrderConversion on the next
// open).
func ConvertBitmapOrder(f ReadWriterAt, journal *Journal, header *Header, bat BAT) error {
	bitmapSectors := header.BitmapSectors()
	bitmapBytes := int(bitmapSectors * SectorSize)

	for _, entry := range bat {
		if entry == BATUnallocated {
			continue
		}
		offset := int64(entry) * SectorSize

		if err := journal.Record(f, offset, bitmapBytes); err != nil {
			return vhderr.Wrap(vhderr.Io, "convert bitmap order: journal block", err)
		}

		buf := make([]byte, bitmapBytes)
		if _, err := f.ReadAt(buf, offset); err != nil {
			return vhderr.Wrap(vhderr.Io, "convert bitmap order: read bitmap", err)
		}
		swapWordBytes(buf)
		if _, err := f.WriteAt(buf, offset); err != nil {
			return vhderr.Wrap(vhderr.Io, "convert bitmap order: write bitmap", err)
		}
	}
	return nil
}

// swapWordBytes reverses the byte order of every 4-byte word in place. A
// trailing partial word (bitmapBytes is always sector-aligned in practice,
// so this is defensive) is left untouched.
func swapWordBytes(buf []byte) {
	for i := 0; i+4 <= len(buf); i += 4 {
		buf[i], buf[i+1], buf[i+2], buf[i+3] = buf[i+3], buf[i+2], buf[i+1], buf[i]
	}
}
