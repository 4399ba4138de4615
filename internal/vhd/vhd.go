// Package vhd implements the on-disk VHD metadata codec (spec.md §4.1): the
// footer, dynamic header, Block Allocation Table, batmap, and parent
// locators, plus the one's-complement checksum and byte-swap primitives
// they all share (§4 C1/C2).
//
// All disk structures are decoded from big-endian wire bytes into
// native-order Go structs (DecodeBE) and encoded back (EncodeBE) through the
// Codec interface (spec.md §9 "Byte-swap primitives"), mirroring the
// binary.Read(io.SectionReader, ...)-over-a-struct technique the teacher
// repo uses for its own on-disk format (internal/squashfs/reader.go), here
// generalized to one path per record kind rather than a single superblock.
package vhd

import "encoding/binary"

const (
	// SectorSize is the fundamental unit of VHD addressing.
	SectorSize = 512
	SectorShift = 9

	// DefaultBlockSize is 2 MiB, i.e. 4096 sectors, the default block size
	// for a newly created dynamic or differencing disk.
	DefaultBlockSize = 2 * 1024 * 1024

	// FooterSize and HeaderSize are the fixed, bit-exact sizes of the
	// corresponding on-disk structures.
	FooterSize = 512
	HeaderSize = 1024

	// LegacyFooterSize is the pre-2004 511-byte footer location honored by
	// the footer read policy (spec.md §4.1 historical quirk (i)).
	LegacyFooterSize = 511

	// ParentLocatorSize is the fixed size of one prt_loc entry.
	ParentLocatorSize = 24

	// NumParentLocators is the number of parent-locator slots in a header.
	NumParentLocators = 8

	// BATEntrySize is the size of one BAT entry (a 32-bit sector offset).
	BATEntrySize = 4

	// BATUnallocated is the sentinel BAT entry value meaning "unallocated".
	BATUnallocated = 0xFFFFFFFF

	// UnusedDataOffset is the sentinel value for hd_ftr.data_offset (fixed
	// disks) and dd_hdr.data_offset (always unused).
	UnusedDataOffset = 0xFFFFFFFFFFFFFFFF
)

// Cookie strings identifying the two VHD structures.
var (
	FooterCookie = [8]byte{'c', 'o', 'n', 'e', 'c', 't', 'i', 'x'}
	HeaderCookie = [8]byte{'c', 'x', 's', 'p', 'a', 'r', 's', 'e'}
)

// Feature flags (hd_ftr.features).
const (
	FeatureNone      uint32 = 0x00000000
	FeatureTemporary uint32 = 0x00000001
	FeatureReserved  uint32 = 0x00000002 // must always be set
)

// FileFormatVersion is the only version this codec emits or accepts.
const FileFormatVersion uint32 = 0x00010000

// HeaderVersion is the only dd_hdr version this codec emits or accepts
// (major.minor = 1.0, per spec.md §4.1 header validation).
const HeaderVersion uint32 = 0x00010000

// Creator OS tags.
const (
	CreatorOSWindows uint32 = 0x5769326B // "Wi2k"
	CreatorOSMacintosh uint32 = 0x4D616320 // "Mac "
)

// DiskType enumerates hd_ftr.type.
type DiskType uint32

const (
	DiskNone    DiskType = 0
	DiskFixed   DiskType = 2
	DiskDynamic DiskType = 3
	DiskDiff    DiskType = 4
)

func (t DiskType) String() string {
	switch t {
	case DiskNone:
		return "None"
	case DiskFixed:
		return "Fixed"
	case DiskDynamic:
		return "Dynamic"
	case DiskDiff:
		return "Diff"
	default:
		return "Reserved"
	}
}

// PlatformCode enumerates prt_loc.code.
type PlatformCode uint32

const (
	PlatformNone PlatformCode = 0x0
	PlatformWI2R PlatformCode = 0x57693272 // deprecated
	PlatformWI2K PlatformCode = 0x5769326B // deprecated
	PlatformW2RU PlatformCode = 0x57327275 // Windows relative path, UTF-16
	PlatformW2KU PlatformCode = 0x57326B75 // Windows absolute path, UTF-16
	PlatformMAC  PlatformCode = 0x4D616320 // MacOS alias blob
	PlatformMACX PlatformCode = 0x4D616358 // file:// URL, UTF-8
)

func (c PlatformCode) String() string {
	switch c {
	case PlatformNone:
		return "None"
	case PlatformWI2R:
		return "Wi2r"
	case PlatformWI2K:
		return "Wi2k"
	case PlatformW2RU:
		return "W2ru"
	case PlatformW2KU:
		return "W2ku"
	case PlatformMAC:
		return "Mac "
	case PlatformMACX:
		return "MacX"
	default:
		return "????"
	}
}

// byteOrder is the wire byte order for every multi-byte VHD field (spec.md
// §1/§4.1: "Big-endian read/write of multi-byte fields" per the distilled
// component table; the Microsoft VHD format itself is big-endian on disk).
var byteOrder = binary.BigEndian

// Codec is the shared byte-swap path (spec.md §9 "Byte-swap primitives")
// implemented by Footer, Header and BatmapHeader: decode from a big-endian
// wire buffer into the receiver's native fields, and encode the receiver
// back into a freshly allocated big-endian buffer.
type Codec interface {
	// Size is the fixed wire size of the structure.
	Size() int
	// DecodeBE populates the receiver from a big-endian wire buffer of
	// exactly Size() bytes.
	DecodeBE(buf []byte) error
	// EncodeBE returns a freshly allocated big-endian wire buffer of
	// exactly Size() bytes representing the receiver.
	EncodeBE() []byte
}

// Geometry encodes/decodes the CHS triple packed into hd_ftr.geometry.
type Geometry struct {
	Cylinders     uint16
	Heads         uint8
	SectorsPerTrk uint8
}

func DecodeGeometry(g uint32) Geometry {
	return Geometry{
		Cylinders:     uint16((g >> 16) & 0xffff),
		Heads:         uint8((g >> 8) & 0xff),
		SectorsPerTrk: uint8(g & 0xff),
	}
}

func (g Geometry) Encode() uint32 {
	return uint32(g.Cylinders)<<16 | uint32(g.Heads)<<8 | uint32(g.SectorsPerTrk)
}

// CHSForSize derives a geometry for a given disk size in sectors, using the
// algorithm from the Microsoft VHD format specification (also implemented
// by the original tapdisk3 vhd-create.c via a lookup table of cylinder
// heuristics).
func CHSForSize(totalSectors uint64) Geometry {
	var cylinderTimesHeads uint64
	var heads, sectorsPerTrack uint32

	if totalSectors > 65535*16*255 {
		totalSectors = 65535 * 16 * 255
	}

	if totalSectors >= 65535*16*63 {
		sectorsPerTrack = 255
		heads = 16
		cylinderTimesHeads = totalSectors / uint64(sectorsPerTrack)
	} else {
		sectorsPerTrack = 17
		cylinderTimesHeads = totalSectors / uint64(sectorsPerTrack)

		heads = (uint32(cylinderTimesHeads) + 1023) / 1024
		if heads < 4 {
			heads = 4
		}
		if cylinderTimesHeads >= uint64(heads)*1024 || heads > 16 {
			sectorsPerTrack = 31
			heads = 16
			cylinderTimesHeads = totalSectors / uint64(sectorsPerTrack)
		}
		if cylinderTimesHeads >= uint64(heads)*1024 {
			sectorsPerTrack = 63
			heads = 16
			cylinderTimesHeads = totalSectors / uint64(sectorsPerTrack)
		}
	}
	cylinders := cylinderTimesHeads / uint64(heads)
	return Geometry{
		Cylinders:     uint16(cylinders),
		Heads:         uint8(heads),
		SectorsPerTrk: uint8(sectorsPerTrack),
	}
}

// SectorsToBytes and BytesToSectors convert between sector counts and byte
// offsets/lengths at SectorSize granularity.
func SectorsToBytes(s int64) int64 { return s * SectorSize }

func BytesToSectors(b int64) int64 {
	return (b + SectorSize - 1) / SectorSize
}

// AlignToSector rounds off up to the next sector boundary.
func AlignToSector(off int64) int64 {
	return (off + SectorSize - 1) &^ (SectorSize - 1)
}

// BitmapSizeSectors returns the number of sectors occupied by the
// allocation bitmap for a block holding spb sectors: one bit per sector,
// rounded up to a sector boundary.
func BitmapSizeSectors(spb int) int64 {
	bits := spb
	bytes := (bits + 7) / 8
	return BytesToSectors(int64(bytes))
}
