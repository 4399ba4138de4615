package vhd

import (
	"time"

	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// vhdEpoch is "secs since 1/1/2000GMT", the VHD timestamp epoch (spec.md §3
// footer fields of record).
var vhdEpoch = time.Date(2000, time.January, 1, 0, 0, 0, 0, time.UTC)

// EncodeTimestamp and DecodeTimestamp convert between wall-clock time and
// the VHD on-disk 32-bit timestamp field.
func EncodeTimestamp(t time.Time) uint32 {
	return uint32(t.Sub(vhdEpoch).Seconds())
}

func DecodeTimestamp(v uint32) time.Time {
	return vhdEpoch.Add(time.Duration(v) * time.Second)
}

// Footer is the generic disk footer (hd_ftr), present at the end of every
// VHD (the "primary" copy) and, for sparse disks, also at offset 0 (the
// "backup" copy) (spec.md §3 "Image file").
type Footer struct {
	Cookie            [8]byte
	Features          uint32
	FileFormatVersion uint32
	DataOffset        uint64 // absolute offset to dd_hdr, or UnusedDataOffset for a fixed disk
	Timestamp         uint32
	CreatorApp        [4]byte
	CreatorVersion    uint32
	CreatorOS         uint32
	OriginalSize      uint64
	CurrentSize       uint64
	Geometry          uint32
	Type              DiskType
	Checksum          uint32
	UUID              [16]byte
	Saved             bool
	Hidden            bool
}

func (f *Footer) Size() int { return FooterSize }

const (
	offFtrCookie    = 0
	offFtrFeatures  = 8
	offFtrFFVersion = 12
	offFtrDataOff   = 16
	offFtrTimestamp = 24
	offFtrCrtrApp   = 28
	offFtrCrtrVer   = 32
	offFtrCrtrOS    = 36
	offFtrOrigSize  = 40
	offFtrCurrSize  = 48
	offFtrGeometry  = 56
	offFtrType      = 60
	offFtrChecksum  = 64
	offFtrUUID      = 68
	offFtrSaved     = 84
	offFtrHidden    = 85
)

func (f *Footer) DecodeBE(buf []byte) error {
	if len(buf) != FooterSize {
		return vhderr.New(vhderr.InvalidFormat, "footer: short buffer")
	}
	copy(f.Cookie[:], buf[offFtrCookie:offFtrCookie+8])
	f.Features = byteOrder.Uint32(buf[offFtrFeatures:])
	f.FileFormatVersion = byteOrder.Uint32(buf[offFtrFFVersion:])
	f.DataOffset = byteOrder.Uint64(buf[offFtrDataOff:])
	f.Timestamp = byteOrder.Uint32(buf[offFtrTimestamp:])
	copy(f.CreatorApp[:], buf[offFtrCrtrApp:offFtrCrtrApp+4])
	f.CreatorVersion = byteOrder.Uint32(buf[offFtrCrtrVer:])
	f.CreatorOS = byteOrder.Uint32(buf[offFtrCrtrOS:])
	f.OriginalSize = byteOrder.Uint64(buf[offFtrOrigSize:])
	f.CurrentSize = byteOrder.Uint64(buf[offFtrCurrSize:])
	f.Geometry = byteOrder.Uint32(buf[offFtrGeometry:])
	f.Type = DiskType(byteOrder.Uint32(buf[offFtrType:]))
	f.Checksum = byteOrder.Uint32(buf[offFtrChecksum:])
	copy(f.UUID[:], buf[offFtrUUID:offFtrUUID+16])
	f.Saved = buf[offFtrSaved] != 0
	f.Hidden = buf[offFtrHidden] != 0
	return nil
}

func (f *Footer) EncodeBE() []byte {
	buf := make([]byte, FooterSize)
	copy(buf[offFtrCookie:], f.Cookie[:])
	byteOrder.PutUint32(buf[offFtrFeatures:], f.Features)
	byteOrder.PutUint32(buf[offFtrFFVersion:], f.FileFormatVersion)
	byteOrder.PutUint64(buf[offFtrDataOff:], f.DataOffset)
	byteOrder.PutUint32(buf[offFtrTimestamp:], f.Timestamp)
	copy(buf[offFtrCrtrApp:], f.CreatorApp[:])
	byteOrder.PutUint32(buf[offFtrCrtrVer:], f.CreatorVersion)
	byteOrder.PutUint32(buf[offFtrCrtrOS:], f.CreatorOS)
	byteOrder.PutUint64(buf[offFtrOrigSize:], f.OriginalSize)
	byteOrder.PutUint64(buf[offFtrCurrSize:], f.CurrentSize)
	byteOrder.PutUint32(buf[offFtrGeometry:], f.Geometry)
	byteOrder.PutUint32(buf[offFtrType:], uint32(f.Type))
	byteOrder.PutUint32(buf[offFtrChecksum:], f.Checksum)
	copy(buf[offFtrUUID:], f.UUID[:])
	if f.Saved {
		buf[offFtrSaved] = 1
	}
	if f.Hidden {
		buf[offFtrHidden] = 1
	}
	return buf
}

// isTapCreator reports whether this footer was stamped by a "tap"-family
// creator (tapdisk / tapdisk3), the only family exhibiting the hidden-byte
// checksum quirk.
func (f *Footer) isTapCreator() bool {
	return string(f.CreatorApp[:]) == "tap\x00" || string(f.CreatorApp[:]) == "tap "
}

// tapHiddenQuirkVersions are the creator versions for which old tools
// computed the footer checksum without the hidden byte (spec.md §4.1
// historical quirk, §9 (ii)).
func tapHiddenQuirkVersions(v uint32) bool {
	return v == 0x00000001 /* 0.1 */ || v == 0x00010001 /* 1.1 */
}

// computedChecksum returns the checksum of f as it would be computed fresh,
// with the checksum field zeroed.
func (f *Footer) computedChecksum() uint32 {
	cp := *f
	cp.Checksum = 0
	return Checksum(cp.EncodeBE())
}

// VerifyChecksum checks f.Checksum against a freshly computed checksum,
// honoring the historical hidden-byte quirk (spec.md §4.1): if the plain
// checksum mismatches but matches after zeroing the hidden byte, and the
// creator is "tap" at version 0.1 or 1.1, the footer is still accepted.
func (f *Footer) VerifyChecksum() error {
	if f.Checksum == f.computedChecksum() {
		return nil
	}
	if f.isTapCreator() && tapHiddenQuirkVersions(f.CreatorVersion) {
		cp := *f
		cp.Checksum = 0
		cp.Hidden = false
		if f.Checksum == Checksum(cp.EncodeBE()) {
			return nil
		}
	}
	return vhderr.New(vhderr.ChecksumMismatch, "footer checksum mismatch")
}

// SetChecksum recomputes and stores f.Checksum.
func (f *Footer) SetChecksum() {
	f.Checksum = f.computedChecksum()
}

// FooterLocation records where a footer copy was found, for the advisory
// "primary missing" bookkeeping spec.md §4.1 requires.
type FooterLocation int

const (
	FooterPrimary FooterLocation = iota
	FooterLegacy
	FooterBackup
)

func (l FooterLocation) String() string {
	switch l {
	case FooterPrimary:
		return "primary (EOF)"
	case FooterLegacy:
		return "legacy 511-byte (EOF-511)"
	case FooterBackup:
		return "backup (offset 0)"
	default:
		return "unknown"
	}
}

// ReaderAt is the minimal file interface the codec needs; *os.File
// satisfies it.
type ReaderAt interface {
	ReadAt(p []byte, off int64) (int, error)
}

// ReadFooter implements the footer read policy of spec.md §4.1: try, in
// order, the trailing 512-byte footer, the pre-2004 511-byte footer, then
// the backup copy at offset 0. strict controls whether a missing primary
// (only the backup validates) is a hard failure.
func ReadFooter(r ReaderAt, fileSize int64, strict bool) (*Footer, FooterLocation, error) {
	type attempt struct {
		loc  FooterLocation
		off  int64
		size int
	}
	attempts := []attempt{
		{FooterPrimary, fileSize - FooterSize, FooterSize},
	}
	if fileSize-LegacyFooterSize >= 0 {
		attempts = append(attempts, attempt{FooterLegacy, fileSize - LegacyFooterSize, LegacyFooterSize})
	}
	attempts = append(attempts, attempt{FooterBackup, 0, FooterSize})

	var lastErr error
	for i, a := range attempts {
		if a.off < 0 {
			continue
		}
		raw := make([]byte, FooterSize)
		n, err := r.ReadAt(raw[:a.size], a.off)
		if err != nil || n != a.size {
			lastErr = vhderr.Wrap(vhderr.InvalidFormat, "reading footer", err)
			continue
		}
		f := &Footer{}
		if err := f.DecodeBE(raw); err != nil {
			lastErr = err
			continue
		}
		if f.Cookie != FooterCookie {
			lastErr = vhderr.New(vhderr.InvalidFormat, "footer: bad cookie")
			continue
		}
		if err := f.VerifyChecksum(); err != nil {
			lastErr = err
			continue
		}
		if a.loc == FooterBackup && i > 0 && strict {
			return nil, a.loc, vhderr.New(vhderr.InvalidFormat, "primary footer missing (strict mode)")
		}
		return f, a.loc, nil
	}
	if lastErr == nil {
		lastErr = vhderr.New(vhderr.InvalidFormat, "no valid footer found")
	}
	return nil, FooterPrimary, lastErr
}
