package vhd

// Checksum computes the VHD one's-complement checksum: the sum of every
// unsigned byte in buf, bitwise complemented. Callers must zero the
// checksum field within buf before calling (spec.md §4.1: "computed over
// the zeroed-checksum-field image").
func Checksum(buf []byte) uint32 {
	var sum uint32
	for _, b := range buf {
		sum += uint32(b)
	}
	return ^sum
}
