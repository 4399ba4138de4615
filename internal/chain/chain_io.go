package chain

import (
	"github.com/tapdisk3/vhdcore/internal/vhd"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// ReadSectors implements the read path of spec.md §4.6 synchronously,
// sector by sector: for cmd/vhd-util's `read` verb, which needs no
// scheduler or bitmap cache, only a correct one-shot resolution of
// "allocated here, inherited from parent, or zero at the top of chain".
func (img *Image) ReadSectors(logicalSector int64, n int) ([]byte, error) {
	out := make([]byte, 0, n*vhd.SectorSize)
	for i := 0; i < n; i++ {
		sec, err := img.readOneSector(logicalSector + int64(i))
		if err != nil {
			return nil, err
		}
		out = append(out, sec...)
	}
	return out, nil
}

func (img *Image) readOneSector(sector int64) ([]byte, error) {
	if img.Header == nil { // Fixed: direct mapping
		buf := make([]byte, vhd.SectorSize)
		if _, err := img.File.ReadAt(buf, sector*vhd.SectorSize); err != nil {
			return nil, vhderr.Wrap(vhderr.Io, "read sector", err)
		}
		return buf, nil
	}

	spb := img.Header.SectorsPerBlock()
	block := int(sector / int64(spb))
	sectorInBlock := int(sector % int64(spb))

	if block >= len(img.BAT) {
		return nil, vhderr.New(vhderr.Range, "sector past end of image")
	}
	if !img.BAT.Allocated(block) {
		return img.readFromParentOrZero(sector)
	}

	bitmapSectors := img.Header.BitmapSectors()
	blockStart := int64(img.BAT[block]) * vhd.SectorSize
	bitmapBuf := make([]byte, bitmapSectors*vhd.SectorSize)
	if _, err := img.File.ReadAt(bitmapBuf, blockStart); err != nil {
		return nil, vhderr.Wrap(vhderr.Io, "read bitmap", err)
	}
	if !sectorBitSet(bitmapBuf, sectorInBlock) {
		return img.readFromParentOrZero(sector)
	}

	dataStart := blockStart + bitmapSectors*vhd.SectorSize
	buf := make([]byte, vhd.SectorSize)
	if _, err := img.File.ReadAt(buf, dataStart+int64(sectorInBlock)*vhd.SectorSize); err != nil {
		return nil, vhderr.Wrap(vhderr.Io, "read data sector", err)
	}
	return buf, nil
}

func (img *Image) readFromParentOrZero(sector int64) ([]byte, error) {
	if img.Parent == nil {
		return make([]byte, vhd.SectorSize), nil
	}
	return img.Parent.readOneSector(sector)
}

// sectorBitSet matches internal/integrity's MSB-first bitmap convention.
func sectorBitSet(bitmap []byte, sectorInBlock int) bool {
	byteIdx := sectorInBlock / 8
	if byteIdx >= len(bitmap) {
		return false
	}
	bit := 7 - uint(sectorInBlock%8)
	return bitmap[byteIdx]&(1<<bit) != 0
}

func setSectorBit(bitmap []byte, sectorInBlock int) {
	byteIdx := sectorInBlock / 8
	if byteIdx >= len(bitmap) {
		return
	}
	bit := 7 - uint(sectorInBlock%8)
	bitmap[byteIdx] |= 1 << bit
}

// WriteSectors implements a one-shot synchronous write used by cmd/vhd-util's
// `fill`/`coalesce` verbs: unlike the backend's internal/txn engine (async,
// preallocate-first, crash-safe across a running daemon), a CLI invocation
// is already single-shot, so the whole block is allocated and the bitmap
// updated inline rather than through the transaction/shadow-bitmap
// machinery SPEC_FULL.md §4.7 specifies for the live backend.
func (img *Image) WriteSectors(logicalSector int64, data []byte) error {
	if len(data)%vhd.SectorSize != 0 {
		return vhderr.New(vhderr.InvalidFormat, "WriteSectors: data not sector-aligned")
	}
	n := len(data) / vhd.SectorSize
	for i := 0; i < n; i++ {
		sector := data[i*vhd.SectorSize : (i+1)*vhd.SectorSize]
		if err := img.writeOneSector(logicalSector+int64(i), sector); err != nil {
			return err
		}
	}
	return nil
}

func (img *Image) writeOneSector(sector int64, data []byte) error {
	if img.Header == nil {
		if _, err := img.File.WriteAt(data, sector*vhd.SectorSize); err != nil {
			return vhderr.Wrap(vhderr.Io, "write sector", err)
		}
		return nil
	}

	spb := img.Header.SectorsPerBlock()
	block := int(sector / int64(spb))
	sectorInBlock := int(sector % int64(spb))
	if block >= len(img.BAT) {
		return vhderr.New(vhderr.Range, "sector past end of image")
	}

	if !img.BAT.Allocated(block) {
		if err := img.allocateBlock(block); err != nil {
			return err
		}
	}

	bitmapSectors := img.Header.BitmapSectors()
	blockStart := int64(img.BAT[block]) * vhd.SectorSize
	bitmapBuf := make([]byte, bitmapSectors*vhd.SectorSize)
	if _, err := img.File.ReadAt(bitmapBuf, blockStart); err != nil {
		return vhderr.Wrap(vhderr.Io, "read bitmap", err)
	}
	setSectorBit(bitmapBuf, sectorInBlock)
	if _, err := img.File.WriteAt(bitmapBuf, blockStart); err != nil {
		return vhderr.Wrap(vhderr.Io, "write bitmap", err)
	}

	dataStart := blockStart + bitmapSectors*vhd.SectorSize
	if _, err := img.File.WriteAt(data, dataStart+int64(sectorInBlock)*vhd.SectorSize); err != nil {
		return vhderr.Wrap(vhderr.Io, "write data sector", err)
	}
	return nil
}

// allocateBlock extends the file with a new zeroed bitmap+data region at
// EOF (minus the trailing footer, which is relocated past the new block)
// and records the offset in the BAT.
func (img *Image) allocateBlock(block int) error {
	st, err := img.File.Stat()
	if err != nil {
		return vhderr.Wrap(vhderr.Io, "stat for block allocation", err)
	}
	spb := img.Header.SectorsPerBlock()
	bitmapSectors := img.Header.BitmapSectors()
	blockStride := (bitmapSectors + int64(spb)) * vhd.SectorSize

	newBlockStart := st.Size() - vhd.FooterSize
	newFileSize := newBlockStart + blockStride + vhd.FooterSize

	if err := img.File.Truncate(newFileSize); err != nil {
		return vhderr.Wrap(vhderr.Io, "extend file for new block", err)
	}
	if _, err := img.File.WriteAt(img.Footer.EncodeBE(), newFileSize-vhd.FooterSize); err != nil {
		return vhderr.Wrap(vhderr.Io, "relocate trailing footer", err)
	}

	img.BAT[block] = uint32(newBlockStart / vhd.SectorSize)
	batBuf := img.BAT.EncodeBAT()
	if _, err := img.File.WriteAt(batBuf, int64(img.Header.TableOffset)); err != nil {
		return vhderr.Wrap(vhderr.Io, "write updated BAT", err)
	}
	return nil
}
