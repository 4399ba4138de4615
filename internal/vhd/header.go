package vhd

import (
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// Header is the dynamic disk header (dd_hdr), immediately following the
// primary footer in a sparse (Dynamic or Diff) VHD (spec.md §3 "Header").
type Header struct {
	Cookie          [8]byte
	DataOffset      uint64 // always UnusedDataOffset
	TableOffset     uint64 // absolute offset of the BAT
	HeaderVersion   uint32
	MaxBATSize      uint32
	BlockSize       uint32
	Checksum        uint32
	ParentUUID      [16]byte
	ParentTimestamp uint32
	Res1            [4]byte // reserved; must be zero (spec.md §4.1)
	ParentName      string  // decoded from 512 bytes of UTF-16, trimmed
	Locators        [NumParentLocators]ParentLocator
	Res2            [256]byte // reserved; must be all-zero (spec.md §4.1)
}

func (h *Header) Size() int { return HeaderSize }

const (
	offHdrCookie      = 0
	offHdrDataOffset  = 8
	offHdrTableOffset = 16
	offHdrVersion     = 24
	offHdrMaxBAT      = 28
	offHdrBlockSize   = 32
	offHdrChecksum    = 36
	offHdrParentUUID  = 40
	offHdrParentTS    = 56
	offHdrRes1        = 60 // res1, 4 bytes, always zero
	offHdrParentName  = 64
	offHdrLocators    = offHdrParentName + 512
	offHdrRes2        = offHdrLocators + NumParentLocators*ParentLocatorSize // 768; res2, 256 bytes, always zero
)

func (h *Header) DecodeBE(buf []byte) error {
	if len(buf) != HeaderSize {
		return vhderr.New(vhderr.InvalidFormat, "header: short buffer")
	}
	copy(h.Cookie[:], buf[offHdrCookie:offHdrCookie+8])
	h.DataOffset = byteOrder.Uint64(buf[offHdrDataOffset:])
	h.TableOffset = byteOrder.Uint64(buf[offHdrTableOffset:])
	h.HeaderVersion = byteOrder.Uint32(buf[offHdrVersion:])
	h.MaxBATSize = byteOrder.Uint32(buf[offHdrMaxBAT:])
	h.BlockSize = byteOrder.Uint32(buf[offHdrBlockSize:])
	h.Checksum = byteOrder.Uint32(buf[offHdrChecksum:])
	copy(h.ParentUUID[:], buf[offHdrParentUUID:offHdrParentUUID+16])
	h.ParentTimestamp = byteOrder.Uint32(buf[offHdrParentTS:])
	copy(h.Res1[:], buf[offHdrRes1:offHdrRes1+4])

	nameRaw := buf[offHdrParentName : offHdrParentName+512]
	u16 := make([]uint16, 256)
	for i := range u16 {
		u16[i] = byteOrder.Uint16(nameRaw[i*2:])
	}
	h.ParentName = strings.TrimRight(string(utf16.Decode(u16)), "\x00")

	for i := 0; i < NumParentLocators; i++ {
		off := offHdrLocators + i*ParentLocatorSize
		h.Locators[i] = decodeParentLocator(buf[off : off+ParentLocatorSize])
	}
	copy(h.Res2[:], buf[offHdrRes2:offHdrRes2+256])
	return nil
}

func (h *Header) EncodeBE() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[offHdrCookie:], h.Cookie[:])
	byteOrder.PutUint64(buf[offHdrDataOffset:], h.DataOffset)
	byteOrder.PutUint64(buf[offHdrTableOffset:], h.TableOffset)
	byteOrder.PutUint32(buf[offHdrVersion:], h.HeaderVersion)
	byteOrder.PutUint32(buf[offHdrMaxBAT:], h.MaxBATSize)
	byteOrder.PutUint32(buf[offHdrBlockSize:], h.BlockSize)
	byteOrder.PutUint32(buf[offHdrChecksum:], h.Checksum)
	copy(buf[offHdrParentUUID:], h.ParentUUID[:])
	byteOrder.PutUint32(buf[offHdrParentTS:], h.ParentTimestamp)
	copy(buf[offHdrRes1:], h.Res1[:])

	u16 := utf16.Encode([]rune(h.ParentName))
	if len(u16) > 256 {
		u16 = u16[:256]
	}
	for i, u := range u16 {
		byteOrder.PutUint16(buf[offHdrParentName+i*2:], u)
	}

	for i, loc := range h.Locators {
		off := offHdrLocators + i*ParentLocatorSize
		copy(buf[off:off+ParentLocatorSize], loc.encode())
	}
	copy(buf[offHdrRes2:], h.Res2[:])
	return buf
}

func (h *Header) computedChecksum() uint32 {
	cp := *h
	cp.Checksum = 0
	return Checksum(cp.EncodeBE())
}

func (h *Header) VerifyChecksum() error {
	if h.Checksum != h.computedChecksum() {
		return vhderr.New(vhderr.ChecksumMismatch, "header checksum mismatch")
	}
	return nil
}

func (h *Header) SetChecksum() {
	h.Checksum = h.computedChecksum()
}

// Validate implements spec.md §4.1 "Header validation fails with a
// descriptive reason string when: ...". fileSize and footerSize bound the
// table-offset-within-file check.
func (h *Header) Validate(fileSize, footerSize int64) error {
	if h.Cookie != HeaderCookie {
		return vhderr.New(vhderr.InvalidFormat, "header: bad cookie")
	}
	if err := h.VerifyChecksum(); err != nil {
		return err
	}
	if h.HeaderVersion != HeaderVersion {
		return vhderr.New(vhderr.InvalidFormat, "header: unsupported version (require 1.0)")
	}
	if h.DataOffset != UnusedDataOffset {
		return vhderr.New(vhderr.InvalidFormat, "header: data_offset sentinel mismatch")
	}
	if h.TableOffset%SectorSize != 0 {
		return vhderr.New(vhderr.InvalidFormat, "header: table offset not sector-aligned")
	}
	if int64(h.TableOffset) < 0 || int64(h.TableOffset) > fileSize-footerSize {
		return vhderr.New(vhderr.InvalidFormat, "header: table offset past EOF")
	}
	if h.BlockSize == 0 || h.BlockSize&(h.BlockSize-1) != 0 {
		return vhderr.New(vhderr.InvalidFormat, "header: block size not a power of two")
	}
	if h.Res1 != ([4]byte{}) {
		return vhderr.New(vhderr.InvalidFormat, "header: reserved bytes (res1) non-zero")
	}
	if h.Res2 != ([256]byte{}) {
		return vhderr.New(vhderr.InvalidFormat, "header: reserved bytes (res2) non-zero")
	}
	for i, loc := range h.Locators {
		if err := loc.Validate(fileSize, footerSize); err != nil {
			return vhderr.Wrap(vhderr.InvalidFormat, "header: locator "+strconv.Itoa(i), err)
		}
	}
	return nil
}

// SectorsPerBlock is the number of 512-byte sectors addressed by one data
// block (spec.md "Block size is a power of two").
func (h *Header) SectorsPerBlock() int {
	return int(h.BlockSize / SectorSize)
}

// BitmapSectors is the number of sectors occupied by one block's allocation
// bitmap.
func (h *Header) BitmapSectors() int64 {
	return BitmapSizeSectors(h.SectorsPerBlock())
}
