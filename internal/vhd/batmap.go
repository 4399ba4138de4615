package vhd

import (
	"bytes"

	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// BatmapHeaderSize is the fixed, sector-aligned size of the batmap header
// block (spec.md §3 "Batmap").
const BatmapHeaderSize = SectorSize

// BatmapCookie identifies the batmap header structure.
var BatmapCookie = [8]byte{'t', 'd', 'b', 'a', 't', 'm', 'a', 'p'}

// KeyhashCookie marks a batmap header as carrying a populated Keyhash.
const KeyhashCookie byte = 0xf1

// Keyhash verifies that a supplied encryption key matches the one used to
// encrypt an image, without storing the key itself (spec.md §3 "Keyhash",
// §4.1 "Keyhash").
type Keyhash struct {
	Present bool
	Nonce   [32]byte
	Hash    [32]byte // sha256(nonce || key)
}

// BatmapHeader is the batmap acceleration structure's own header (spec.md
// §3 "Batmap").
type BatmapHeader struct {
	Cookie        [8]byte
	BatmapOffset  uint64 // absolute offset of the bitmap data
	BatmapSize    uint32 // sectors
	BatmapVersion uint32 // major<<16|minor
	Checksum      uint32
	Keyhash       Keyhash
}

func (b *BatmapHeader) Size() int { return BatmapHeaderSize }

const (
	offBatmapCookie    = 0
	offBatmapOffset    = 8
	offBatmapSize      = 16
	offBatmapVersion   = 20
	offBatmapChecksum  = 24
	offBatmapKHCookie  = 28
	offBatmapKHNonce   = 29
	offBatmapKHHash    = 61
)

func (b *BatmapHeader) DecodeBE(buf []byte) error {
	if len(buf) != BatmapHeaderSize {
		return vhderr.New(vhderr.InvalidFormat, "batmap header: short buffer")
	}
	copy(b.Cookie[:], buf[offBatmapCookie:offBatmapCookie+8])
	b.BatmapOffset = byteOrder.Uint64(buf[offBatmapOffset:])
	b.BatmapSize = byteOrder.Uint32(buf[offBatmapSize:])
	b.BatmapVersion = byteOrder.Uint32(buf[offBatmapVersion:])
	b.Checksum = byteOrder.Uint32(buf[offBatmapChecksum:])
	khCookie := buf[offBatmapKHCookie]
	if khCookie == KeyhashCookie {
		b.Keyhash.Present = true
		copy(b.Keyhash.Nonce[:], buf[offBatmapKHNonce:offBatmapKHNonce+32])
		copy(b.Keyhash.Hash[:], buf[offBatmapKHHash:offBatmapKHHash+32])
	}
	return nil
}

func (b *BatmapHeader) EncodeBE() []byte {
	buf := make([]byte, BatmapHeaderSize)
	copy(buf[offBatmapCookie:], b.Cookie[:])
	byteOrder.PutUint64(buf[offBatmapOffset:], b.BatmapOffset)
	byteOrder.PutUint32(buf[offBatmapSize:], b.BatmapSize)
	byteOrder.PutUint32(buf[offBatmapVersion:], b.BatmapVersion)
	byteOrder.PutUint32(buf[offBatmapChecksum:], b.Checksum)
	if b.Keyhash.Present {
		buf[offBatmapKHCookie] = KeyhashCookie
		copy(buf[offBatmapKHNonce:], b.Keyhash.Nonce[:])
		copy(buf[offBatmapKHHash:], b.Keyhash.Hash[:])
	}
	return buf
}

func (b *BatmapHeader) computedChecksum() uint32 {
	cp := *b
	cp.Checksum = 0
	return Checksum(cp.EncodeBE())
}

func (b *BatmapHeader) VerifyChecksum() error {
	if b.Checksum != b.computedChecksum() {
		return vhderr.New(vhderr.ChecksumMismatch, "batmap header checksum mismatch")
	}
	return nil
}

func (b *BatmapHeader) SetChecksum() { b.Checksum = b.computedChecksum() }

// Batmap is the 1-bit-per-block acceleration bitmap itself: bit i set means
// "block i is fully allocated" (spec.md §3 "Batmap").
type Batmap []byte

func NewBatmap(numBlocks int) Batmap {
	return make(Batmap, (numBlocks+7)/8)
}

func (m Batmap) Test(i int) bool {
	byteIdx := i / 8
	if byteIdx >= len(m) {
		return false
	}
	return m[byteIdx]&(1<<uint(i%8)) != 0
}

func (m Batmap) Set(i int, v bool) {
	byteIdx := i / 8
	if byteIdx >= len(m) {
		return
	}
	if v {
		m[byteIdx] |= 1 << uint(i%8)
	} else {
		m[byteIdx] &^= 1 << uint(i%8)
	}
}

// FullyAllocated reports whether every sector bit in a block bitmap of spb
// sectors is set, the condition under which the batmap bit for that block
// may be set (spec.md §3 "Batmap").
func FullyAllocated(bitmap []byte, spb int) bool {
	full := bytes.Repeat([]byte{0xff}, spb/8)
	if len(bitmap) < len(full) {
		return false
	}
	if !bytes.Equal(bitmap[:len(full)], full) {
		return false
	}
	for i := len(full) * 8; i < spb; i++ {
		byteIdx := i / 8
		if byteIdx >= len(bitmap) || bitmap[byteIdx]&(1<<uint(i%8)) == 0 {
			return false
		}
	}
	return true
}
