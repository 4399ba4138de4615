// Package integrity implements the whole-file validation pass of spec.md
// §4.10 (component C11): footer/header/BAT/batmap/locator checks over a
// single VHD, plus an optional stats mode, grounded on the ordered check
// list the teacher's own internal/squashfs reader applies while decoding a
// superblock, generalized here to a read-only audit over an already-open
// image.
package integrity

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/tapdisk3/vhdcore/internal/vhd"
)

// Finding is one problem reported by Check; Fatal findings mean the image
// cannot be trusted, non-fatal ones are advisory (spec.md §4.1 "backup
// copy only" and similar).
type Finding struct {
	Fatal   bool
	Message string
}

// Report is the result of one Check pass.
type Report struct {
	Findings []Finding
	Stats    *Stats
}

// OK reports whether no fatal finding was recorded.
func (r *Report) OK() bool {
	for _, f := range r.Findings {
		if f.Fatal {
			return false
		}
	}
	return true
}

func (r *Report) fatalf(format string, args ...interface{}) {
	r.Findings = append(r.Findings, Finding{Fatal: true, Message: fmt.Sprintf(format, args...)})
}

func (r *Report) advise(format string, args ...interface{}) {
	r.Findings = append(r.Findings, Finding{Fatal: false, Message: fmt.Sprintf(format, args...)})
}

// Stats is the optional per-image accounting of spec.md §4.10 ("Optional
// stats mode collects per-image {secs_allocated, secs_written}...").
type Stats struct {
	SecsAllocated int64
	SecsWritten   int64
	// Written marks, per absolute data sector, whether that sector holds
	// live (bit-set) data; used by the cross-chain uniqueness pass.
	Written map[int64]bool
}

// Image is the minimal surface Check needs from an open VHD: the decoded
// metadata plus random access to the backing file for bitmap/data reads.
type Image struct {
	Path     string
	FileSize int64
	Footer   *vhd.Footer
	Header   *vhd.Header // nil for Fixed disks
	BAT      vhd.BAT     // nil for Fixed disks
	Batmap   *vhd.BatmapHeader
	BatmapOK bool
	Reader   vhd.ReaderAt
}

// Options controls how deep Check looks.
type Options struct {
	// VerifyZeroSectors re-reads each allocated block's data and confirms
	// sectors whose bitmap bit is clear really are zero (spec.md §4.10
	// item 3, "optionally verified").
	VerifyZeroSectors bool
	// Stats enables the {secs_allocated, secs_written} accounting.
	Stats bool
}

// Check runs the ordered validation pass of spec.md §4.10 over img.
func Check(img *Image, opts Options) *Report {
	r := &Report{}

	checkFooters(r, img)
	if img.Header == nil {
		return r // Fixed disk: no header/BAT/batmap/locators to check
	}
	checkHeader(r, img)
	checkBAT(r, img, opts)
	checkBatmap(r, img)
	checkLocators(r, img)

	if opts.Stats {
		r.Stats = collectStats(img)
	}
	return r
}

func checkFooters(r *Report, img *Image) {
	if err := img.Footer.VerifyChecksum(); err != nil {
		r.fatalf("footer: %v", err)
	}
}

func checkHeader(r *Report, img *Image) {
	if err := img.Header.Validate(img.FileSize, int64(img.Footer.Size())); err != nil {
		r.fatalf("header: %v", err)
		return
	}
	if img.Footer.Type == vhd.DiskDiff {
		if img.Header.ParentUUID == ([16]byte{}) {
			r.fatalf("differencing disk: zero parent UUID")
		}
		if img.Header.ParentName == "" {
			r.fatalf("differencing disk: empty parent name")
		}
	}
}

// checkBAT implements spec.md §4.10 item 3: no entry inside the header
// region, no two entries overlap, no entry overruns EOF, and (optionally)
// zero-sector verification for unallocated bitmap bits.
func checkBAT(r *Report, img *Image, opts Options) {
	spb := img.Header.SectorsPerBlock()
	bitmapSectors := img.Header.BitmapSectors()
	headerEnd := int64(img.Header.TableOffset) + vhd.BATSizeSectors(len(img.BAT))*vhd.SectorSize

	type extent struct {
		block      int
		start, end int64
	}
	var extents []extent

	for i := range img.BAT {
		if !img.BAT.Allocated(i) {
			continue
		}
		start, end, _ := img.BAT.Extent(i, spb, bitmapSectors)
		startByte := start * vhd.SectorSize
		endByte := end * vhd.SectorSize
		if startByte < headerEnd {
			r.fatalf("block %d (offset 0x%x) overlaps header/BAT region", i, startByte)
			continue
		}
		if endByte > img.FileSize-int64(img.Footer.Size()) {
			r.fatalf("block %d (offset 0x%x) overruns end of file", i, startByte)
			continue
		}
		extents = append(extents, extent{i, startByte, endByte})
	}

	sort.Slice(extents, func(a, b int) bool { return extents[a].start < extents[b].start })
	for i := 1; i < len(extents); i++ {
		prev, cur := extents[i-1], extents[i]
		if cur.start < prev.end {
			r.fatalf("block %d (offset 0x%x) clobbers block %d (offset 0x%x)",
				prev.block, prev.start, cur.block, cur.start)
		}
	}

	if opts.VerifyZeroSectors {
		for _, e := range extents {
			verifyBlockZeros(r, img, e.block, e.start, spb, bitmapSectors)
		}
	}
}

func verifyBlockZeros(r *Report, img *Image, block int, blockStart int64, spb int, bitmapSectors int64) {
	bitmapBuf := make([]byte, bitmapSectors*vhd.SectorSize)
	if _, err := img.Reader.ReadAt(bitmapBuf, blockStart); err != nil {
		r.fatalf("block %d: read bitmap: %v", block, err)
		return
	}
	dataStart := blockStart + bitmapSectors*vhd.SectorSize
	sector := make([]byte, vhd.SectorSize)
	for s := 0; s < spb; s++ {
		if sectorBitSet(bitmapBuf, s) {
			continue
		}
		if _, err := img.Reader.ReadAt(sector, dataStart+int64(s)*vhd.SectorSize); err != nil {
			r.fatalf("block %d sector %d: read: %v", block, s, err)
			continue
		}
		for _, b := range sector {
			if b != 0 {
				r.fatalf("block %d sector %d: bitmap bit clear but sector is non-zero", block, s)
				break
			}
		}
	}
}

// sectorBitSet matches the MSB-first bit convention spec.md §3 mandates for
// allocation bitmaps.
func sectorBitSet(bitmap []byte, sectorInBlock int) bool {
	byteIdx := sectorInBlock / 8
	if byteIdx >= len(bitmap) {
		return false
	}
	bit := 7 - uint(sectorInBlock%8)
	return bitmap[byteIdx]&(1<<bit) != 0
}

// checkBatmap implements spec.md §4.10 item 4.
func checkBatmap(r *Report, img *Image) {
	if !img.BatmapOK || img.Batmap == nil {
		return // absent batmap is not an error; it is an optional acceleration structure
	}
	if err := img.Batmap.VerifyChecksum(); err != nil {
		r.fatalf("batmap: %v", err)
		return
	}
	batmapLenSectors := int64(img.Batmap.BatmapSize)
	if batmapLenSectors*8*vhd.SectorSize < int64(len(img.BAT)) {
		r.fatalf("batmap: size %d sectors too small to cover %d BAT entries", batmapLenSectors, len(img.BAT))
	}
}

// VerifyBatmapAgainstBAT checks that every bit set in batmap names a block
// that is, per the BAT, allocated (spec.md §4.10 item 4's second clause);
// it additionally takes the decoded Batmap bitmap since the caller already
// had to read it off disk to get here.
func VerifyBatmapAgainstBAT(r *Report, bat vhd.BAT, batmap vhd.Batmap) {
	for i := range bat {
		if batmap.Test(i) && !bat.Allocated(i) {
			r.fatalf("batmap: bit %d set but BAT entry unallocated", i)
		}
	}
}

// checkLocators implements spec.md §4.10 item 5 (grounded on
// vhd-util-check.c's per-locator loop, ~line 960 onward): at most one locator
// per platform code, and at least one locator whose decoded name matches the
// header's parent name and whose resolved target exists and carries the
// expected parent UUID.
func checkLocators(r *Report, img *Image) {
	if img.Footer.Type != vhd.DiskDiff {
		return
	}
	seenCodes := make(map[vhd.PlatformCode]bool)
	found := false
	for i, loc := range img.Header.Locators {
		if loc.Code == vhd.PlatformNone {
			continue
		}
		if seenCodes[loc.Code] {
			r.fatalf("locator %d: duplicate platform code %s", i, loc.Code)
			continue
		}
		seenCodes[loc.Code] = true

		if err := loc.Validate(img.FileSize, int64(img.Footer.Size())); err != nil {
			r.advise("locator %d (%s): %v", i, loc.Code, err)
			continue
		}

		raw := make([]byte, loc.DataLen)
		if _, err := img.Reader.ReadAt(raw, int64(loc.DataOffset)); err != nil {
			r.advise("locator %d (%s): read locator data: %v", i, loc.Code, err)
			continue
		}
		path, err := loc.DecodePath(raw)
		if err != nil {
			r.advise("locator %d (%s): %v", i, loc.Code, err)
			continue
		}
		if filepath.Base(path) != img.Header.ParentName {
			r.advise("locator %d (%s): name %q does not match header name %q",
				i, loc.Code, filepath.Base(path), img.Header.ParentName)
			continue
		}
		if !filepath.IsAbs(path) {
			path = filepath.Join(filepath.Dir(img.Path), path)
		}

		parent, err := os.Open(path)
		if err != nil {
			r.advise("locator %d (%s): parent %s: %v", i, loc.Code, path, err)
			continue
		}
		info, statErr := parent.Stat()
		if statErr != nil {
			parent.Close()
			r.advise("locator %d (%s): stat %s: %v", i, loc.Code, path, statErr)
			continue
		}
		parentFooter, _, ferr := vhd.ReadFooter(parent, info.Size(), false)
		parent.Close()
		if ferr != nil {
			r.advise("locator %d (%s): read footer of %s: %v", i, loc.Code, path, ferr)
			continue
		}
		if parentFooter.UUID != img.Header.ParentUUID {
			r.advise("locator %d (%s): parent %s has uuid %x, header wants %x",
				i, loc.Code, path, parentFooter.UUID, img.Header.ParentUUID)
			continue
		}

		found = true
	}
	if !found {
		r.fatalf("differencing disk: no parent locator found with matching name, target, and uuid")
	}
}

func collectStats(img *Image) *Stats {
	st := &Stats{Written: make(map[int64]bool)}
	if img.Header == nil {
		st.SecsAllocated = vhd.BytesToSectors(int64(img.Footer.CurrentSize))
		st.SecsWritten = st.SecsAllocated
		return st
	}
	spb := img.Header.SectorsPerBlock()
	bitmapSectors := img.Header.BitmapSectors()
	for i := range img.BAT {
		if !img.BAT.Allocated(i) {
			continue
		}
		st.SecsAllocated += int64(spb)
		start, _, _ := img.BAT.Extent(i, spb, bitmapSectors)
		bitmapBuf := make([]byte, bitmapSectors*vhd.SectorSize)
		if _, err := img.Reader.ReadAt(bitmapBuf, start*vhd.SectorSize); err != nil {
			continue
		}
		for s := 0; s < spb; s++ {
			if sectorBitSet(bitmapBuf, s) {
				st.SecsWritten++
				st.Written[int64(i)*int64(spb)+int64(s)] = true
			}
		}
	}
	return st
}

// UniqueCounts computes, across an entire chain's Stats ordered top (the
// leaf/child image) to bottom (the base ancestor), how many logical sectors
// each image "owns": the topmost image in the chain that has written a
// given logical sector is its owner, since every descendant's allocation
// shadows the same sector in its ancestors (spec.md §4.10 "per-image
// sectors unique to this image" / "unique to ancestors").
func UniqueCounts(chainTopFirst []*Stats) []int64 {
	owned := make(map[int64]bool)
	counts := make([]int64, len(chainTopFirst))
	for i, st := range chainTopFirst {
		for sec, written := range st.Written {
			if !written || owned[sec] {
				continue
			}
			owned[sec] = true
			counts[i]++
		}
	}
	return counts
}
