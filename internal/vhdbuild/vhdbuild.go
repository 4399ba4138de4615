// Package vhdbuild constructs new VHD files on disk: the `create` and
// `snapshot` operations of SPEC_FULL.md §6 CLI surface share this layout
// logic, grounded on original_source/drivers/vhd-create.c's footer/header
// assembly (CHS geometry derivation, sector-aligned BAT) by way of
// internal/vhd's codec primitives.
package vhdbuild

import (
	"crypto/rand"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/orcaman/writerseeker"

	"github.com/tapdisk3/vhdcore"
	"github.com/tapdisk3/vhdcore/internal/vhd"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// NewUUID returns a random 128-bit identifier, used for a newly created
// image's footer UUID (original_source uses libuuid; this draws on
// crypto/rand since the teacher pack carries no uuid library).
func NewUUID() [16]byte {
	var u [16]byte
	rand.Read(u[:])
	u[6] = (u[6] & 0x0f) | 0x40 // version 4
	u[8] = (u[8] & 0x3f) | 0x80 // variant 10
	return u
}

func baseFooter(sizeBytes int64, diskType vhd.DiskType, uuid [16]byte) *vhd.Footer {
	totalSectors := uint64(vhd.BytesToSectors(sizeBytes))
	return &vhd.Footer{
		Cookie:            vhd.FooterCookie,
		Features:          vhd.FeatureReserved,
		FileFormatVersion: vhd.FileFormatVersion,
		Timestamp:         vhd.EncodeTimestamp(time.Now()),
		CreatorApp:        [4]byte{'t', 'a', 'p', 0},
		CreatorVersion:    vhdcore.CurrentCreatorVersion.Encode(),
		OriginalSize:      uint64(sizeBytes),
		CurrentSize:       uint64(sizeBytes),
		Geometry:          vhd.CHSForSize(totalSectors).Encode(),
		Type:              diskType,
		UUID:              uuid,
	}
}

// CreateFixed implements the `create -r` verb: a data-only file with a
// trailing footer and no header (spec.md §8 scenario 1).
func CreateFixed(path string, sizeBytes int64) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return vhderr.Wrap(vhderr.Io, "vhdbuild: create fixed disk", err)
	}
	defer f.Close()

	if err := f.Truncate(sizeBytes + vhd.FooterSize); err != nil {
		return vhderr.Wrap(vhderr.Io, "vhdbuild: truncate", err)
	}
	ftr := baseFooter(sizeBytes, vhd.DiskFixed, NewUUID())
	ftr.DataOffset = vhd.UnusedDataOffset
	ftr.SetChecksum()
	if _, err := f.WriteAt(ftr.EncodeBE(), sizeBytes); err != nil {
		return vhderr.Wrap(vhderr.Io, "vhdbuild: write footer", err)
	}
	return nil
}

// Layout is the sector geometry of a newly created sparse (Dynamic or Diff)
// image, returned so callers (snapshot, coalesce) can continue writing
// blocks past the header region without recomputing it.
type Layout struct {
	HeaderOffset int64
	TableOffset  int64
	DataStart    int64 // first sector-aligned byte offset available for block allocation
}

// ParentInfo names the parent of a differencing disk being created.
type ParentInfo struct {
	Path      string
	UUID      [16]byte
	Timestamp uint32
}

// CreateSparse implements `create` (Dynamic, no parent) and `snapshot`
// (Diff, with parent): write footer (backup at offset 0, primary at EOF), header, and an
// all-unallocated BAT, sized for sizeBytes/blockSize entries.
func CreateSparse(path string, sizeBytes int64, blockSize uint32, parent *ParentInfo) (*Layout, error) {
	headerOff := int64(vhd.FooterSize)
	maxBAT := (sizeBytes + int64(blockSize) - 1) / int64(blockSize)
	batSectors := vhd.BATSizeSectors(int(maxBAT))
	tableOff := headerOff + vhd.HeaderSize
	dataStart := tableOff + batSectors*vhd.SectorSize
	fileSize := dataStart + vhd.FooterSize

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, vhderr.Wrap(vhderr.Io, "vhdbuild: create sparse disk", err)
	}
	defer f.Close()
	if err := f.Truncate(fileSize); err != nil {
		return nil, vhderr.Wrap(vhderr.Io, "vhdbuild: truncate", err)
	}

	diskType := vhd.DiskDynamic
	if parent != nil {
		diskType = vhd.DiskDiff
	}
	ftr := baseFooter(sizeBytes, diskType, NewUUID())
	ftr.DataOffset = uint64(headerOff)
	ftr.SetChecksum()

	hdr := &vhd.Header{
		Cookie:        vhd.HeaderCookie,
		DataOffset:    vhd.UnusedDataOffset,
		TableOffset:   uint64(tableOff),
		HeaderVersion: vhd.HeaderVersion,
		MaxBATSize:    uint32(maxBAT),
		BlockSize:     blockSize,
	}
	var locRaw []byte
	locOff := dataStart
	if parent != nil {
		hdr.ParentUUID = parent.UUID
		hdr.ParentTimestamp = parent.Timestamp
		hdr.ParentName = filepath.Base(parent.Path)
		locRaw = vhd.EncodeMACX(parent.Path)
		hdr.Locators[0] = vhd.ParentLocator{
			Code:       vhd.PlatformMACX,
			DataSpace:  uint32(vhd.BytesToSectors(int64(len(locRaw)))),
			DataLen:    uint32(len(locRaw)),
			DataOffset: uint64(locOff),
		}
	}
	hdr.SetChecksum()

	bat := make(vhd.BAT, maxBAT)
	for i := range bat {
		bat[i] = vhd.BATUnallocated
	}

	// Assemble the backup footer, header, and BAT into one seekable
	// in-memory buffer so the header region [0, dataStart) reaches the file
	// with a single WriteAt, rather than three scattered syscalls.
	ws := &writerseeker.WriterSeeker{}
	if _, err := ws.Write(ftr.EncodeBE()); err != nil {
		return nil, vhderr.Wrap(vhderr.Io, "vhdbuild: assemble primary footer", err)
	}
	if _, err := ws.Seek(headerOff, io.SeekStart); err != nil {
		return nil, vhderr.Wrap(vhderr.Io, "vhdbuild: assemble header", err)
	}
	if _, err := ws.Write(hdr.EncodeBE()); err != nil {
		return nil, vhderr.Wrap(vhderr.Io, "vhdbuild: assemble header", err)
	}
	if _, err := ws.Seek(tableOff, io.SeekStart); err != nil {
		return nil, vhderr.Wrap(vhderr.Io, "vhdbuild: assemble BAT", err)
	}
	if _, err := ws.Write(bat.EncodeBAT()); err != nil {
		return nil, vhderr.Wrap(vhderr.Io, "vhdbuild: assemble BAT", err)
	}
	headerRegion, err := io.ReadAll(ws.Reader())
	if err != nil {
		return nil, vhderr.Wrap(vhderr.Io, "vhdbuild: read back assembled header region", err)
	}
	if _, err := f.WriteAt(headerRegion, 0); err != nil {
		return nil, vhderr.Wrap(vhderr.Io, "vhdbuild: write header region", err)
	}

	if _, err := f.WriteAt(ftr.EncodeBE(), fileSize-vhd.FooterSize); err != nil {
		return nil, vhderr.Wrap(vhderr.Io, "vhdbuild: write trailing footer", err)
	}

	if parent != nil {
		// The locator payload takes the trailing footer's place; the footer
		// moves past the locator's reserved space so it stays at EOF.
		locSpace := vhd.SectorsToBytes(vhd.BytesToSectors(int64(len(locRaw))))
		newSize := locOff + locSpace + vhd.FooterSize
		if err := f.Truncate(newSize); err != nil {
			return nil, vhderr.Wrap(vhderr.Io, "vhdbuild: truncate for locator", err)
		}
		if _, err := f.WriteAt(locRaw, locOff); err != nil {
			return nil, vhderr.Wrap(vhderr.Io, "vhdbuild: write locator payload", err)
		}
		if _, err := f.WriteAt(ftr.EncodeBE(), newSize-vhd.FooterSize); err != nil {
			return nil, vhderr.Wrap(vhderr.Io, "vhdbuild: write trailing footer", err)
		}
		dataStart = locOff + locSpace
	}

	return &Layout{HeaderOffset: headerOff, TableOffset: tableOff, DataStart: dataStart}, nil
}
