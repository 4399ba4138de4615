package vhd

import "github.com/tapdisk3/vhdcore/internal/vhderr"

// BAT is the in-memory Block Allocation Table: one 32-bit sector offset per
// block, host-native order (spec.md §3 "BAT state": "The full BAT is kept
// in memory (little-endian host order)"). On disk, entries are big-endian
// like every other VHD field; DecodeBAT/EncodeBAT do the conversion.
type BAT []uint32

// DecodeBAT reads n big-endian entries from buf.
func DecodeBAT(buf []byte, n int) (BAT, error) {
	if len(buf) < n*BATEntrySize {
		return nil, vhderr.New(vhderr.InvalidFormat, "BAT: short buffer")
	}
	bat := make(BAT, n)
	for i := range bat {
		bat[i] = byteOrder.Uint32(buf[i*BATEntrySize:])
	}
	return bat, nil
}

// EncodeBAT renders the table back to its big-endian wire form, sector
// padded.
func (b BAT) EncodeBAT() []byte {
	wireLen := len(b) * BATEntrySize
	padded := AlignToSector(int64(wireLen))
	buf := make([]byte, padded)
	for i, v := range b {
		byteOrder.PutUint32(buf[i*BATEntrySize:], v)
	}
	for i := wireLen; i < len(buf); i++ {
		buf[i] = 0xFF // unused tail sectors are conventionally filled with 0xFF, matching BATUnallocated bytes
	}
	return buf
}

// BATSizeSectors is the sector-aligned on-disk footprint of a BAT with
// maxEntries 32-bit entries.
func BATSizeSectors(maxEntries int) int64 {
	return BytesToSectors(int64(maxEntries) * BATEntrySize)
}

// Allocated reports whether BAT entry i points at an allocated block.
func (b BAT) Allocated(i int) bool {
	return i >= 0 && i < len(b) && b[i] != BATUnallocated
}

// Extent returns the sector range [offset, offset+spb+bitmapSectors) that
// BAT entry i occupies on disk, used by the overlap check (spec.md §8 "BAT
// non-overlap").
func (b BAT) Extent(i int, spb int, bitmapSectors int64) (start, end int64, ok bool) {
	if !b.Allocated(i) {
		return 0, 0, false
	}
	start = int64(b[i])
	end = start + bitmapSectors + int64(spb)
	return start, end, true
}
