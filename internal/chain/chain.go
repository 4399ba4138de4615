// Package chain implements the VHD image chain (spec.md §4.2): opening a
// single VHD, resolving and recursively opening its parent for differencing
// disks, and validating the UUID/timestamp linkage between them.
package chain

import (
	"os"
	"time"

	"github.com/tapdisk3/vhdcore/internal/vhd"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// OpenFlags mirrors the enumerated open-flag set of spec.md §4.2.
type OpenFlags struct {
	ReadOnly          bool
	Quiet             bool
	Strict            bool
	Query             bool
	NoCache           bool
	IgnoreDisabled    bool
	Cached            bool
	Fast              bool
	Thin              bool
	IgnoreParentUUID  bool
	IgnoreTimestamps  bool
}

// parentTimestampTolerance is the 1800s window spec.md §4.2 allows between a
// child's recorded parent timestamp and the parent's own footer timestamp.
const parentTimestampTolerance = 1800 * time.Second

// Image is one opened VHD in a chain; Parent is nil at the top.
type Image struct {
	Path   string
	File   *os.File
	Footer *vhd.Footer
	Header *vhd.Header // nil for a Fixed image
	BAT    vhd.BAT
	Flags  OpenFlags
	Parent *Image

	tombstoned bool
}

// ParentOpener opens a path discovered via parent-locator resolution. It is
// supplied by the caller (rather than hardcoded to os.Open) so tests can
// substitute an in-memory filesystem and cmd/vhd-util can wire the real one.
type ParentOpener func(path string, flags OpenFlags) (*Image, error)

// Open reads and validates a single VHD file's footer, header (if sparse),
// and BAT, then — for a Diff image — resolves and recursively opens its
// parent via openParent (spec.md §4.2).
func Open(path string, flags OpenFlags, openParent ParentOpener) (*Image, error) {
	f, err := os.OpenFile(path, osOpenMode(flags), 0)
	if err != nil {
		return nil, vhderr.Wrap(vhderr.Io, "open "+path, err)
	}
	img, err := openFromFile(path, f, flags, openParent, map[[16]byte]bool{})
	if err != nil {
		f.Close()
		return nil, err
	}
	return img, nil
}

func osOpenMode(flags OpenFlags) int {
	if flags.ReadOnly {
		return os.O_RDONLY
	}
	return os.O_RDWR
}

func openFromFile(path string, f *os.File, flags OpenFlags, openParent ParentOpener, seenUUIDs map[[16]byte]bool) (*Image, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, vhderr.Wrap(vhderr.Io, "stat "+path, err)
	}
	fileSize := st.Size()

	footer, loc, err := vhd.ReadFooter(f, fileSize, flags.Strict)
	if err != nil {
		return nil, vhderr.Wrap(vhderr.InvalidFormat, "read footer of "+path, err)
	}
	_ = loc // advisory only; surfaced via diag, not a hard failure path here

	if seenUUIDs[footer.UUID] {
		return nil, vhderr.New(vhderr.InvalidFormat, "cyclical parent UUID chain at "+path)
	}
	seenUUIDs[footer.UUID] = true

	img := &Image{Path: path, File: f, Footer: footer, Flags: flags}

	if flags.Strict && !flags.ReadOnly {
		if err := tombstonePrimary(f, fileSize); err != nil {
			return nil, err
		}
		img.tombstoned = true
	}

	if footer.Type == vhd.DiskFixed {
		return img, nil
	}

	hdrBuf := make([]byte, vhd.HeaderSize)
	if _, err := f.ReadAt(hdrBuf, int64(footer.DataOffset)); err != nil {
		return nil, vhderr.Wrap(vhderr.Io, "read header of "+path, err)
	}
	header := &vhd.Header{}
	if err := header.DecodeBE(hdrBuf); err != nil {
		return nil, vhderr.Wrap(vhderr.InvalidFormat, "decode header of "+path, err)
	}
	if err := header.Validate(fileSize, vhd.FooterSize); err != nil {
		return nil, vhderr.Wrap(vhderr.InvalidFormat, "validate header of "+path, err)
	}
	img.Header = header

	batBuf := make([]byte, vhd.BATSizeSectors(int(header.MaxBATSize))*vhd.SectorSize)
	if _, err := f.ReadAt(batBuf, int64(header.TableOffset)); err != nil {
		return nil, vhderr.Wrap(vhderr.Io, "read BAT of "+path, err)
	}
	bat, err := vhd.DecodeBAT(batBuf, int(header.MaxBATSize))
	if err != nil {
		return nil, vhderr.Wrap(vhderr.InvalidFormat, "decode BAT of "+path, err)
	}
	img.BAT = bat

	if footer.Type != vhd.DiskDiff {
		return img, nil
	}

	parent, err := resolveParent(img, openParent, flags, seenUUIDs)
	if err != nil {
		return nil, err
	}
	img.Parent = parent
	return img, nil
}

// resolveParent probes each non-empty locator in turn until one resolves to
// an accessible file whose footer UUID matches the child's prt_uuid
// (spec.md §4.2).
func resolveParent(child *Image, openParent ParentOpener, flags OpenFlags, seenUUIDs map[[16]byte]bool) (*Image, error) {
	header := child.Header
	var lastErr error
	for _, loc := range header.Locators {
		if loc.Code == vhd.PlatformNone {
			continue
		}
		raw := make([]byte, loc.DataLen)
		if _, err := child.File.ReadAt(raw, int64(loc.DataOffset)); err != nil {
			lastErr = vhderr.Wrap(vhderr.Io, "read parent locator data", err)
			continue
		}
		path, err := loc.DecodePath(raw)
		if err != nil {
			lastErr = err
			continue
		}

		parentFlags := flags
		parentFlags.ReadOnly = true

		var parent *Image
		if openParent != nil {
			parent, err = openParent(path, parentFlags)
		} else {
			parent, err = Open(path, parentFlags, nil)
		}
		if err != nil {
			lastErr = err
			continue
		}

		if parent.Footer.UUID != header.ParentUUID {
			if flags.IgnoreParentUUID {
				return parent, nil
			}
			parent.Close()
			lastErr = vhderr.New(vhderr.InvalidFormat, "parent uuid mismatch")
			continue
		}
		if !flags.IgnoreTimestamps {
			childWant := vhd.DecodeTimestamp(header.ParentTimestamp)
			parentHas := vhd.DecodeTimestamp(parent.Footer.Timestamp)
			delta := childWant.Sub(parentHas)
			if delta > parentTimestampTolerance || delta < -parentTimestampTolerance {
				parent.Close()
				lastErr = vhderr.New(vhderr.InvalidFormat, "parent timestamp outside tolerance window")
				continue
			}
		}
		return parent, nil
	}
	if lastErr != nil {
		return nil, vhderr.Wrap(vhderr.NoParent, "resolving parent of "+child.Path, lastErr)
	}
	return nil, vhderr.New(vhderr.NoParent, "no usable parent locator in "+child.Path)
}

// tombstonePrimary zeros the trailing footer copy while the image is held
// open under strict mode, and is undone by restoring it on Close.
func tombstonePrimary(f *os.File, fileSize int64) error {
	zero := make([]byte, vhd.FooterSize)
	if _, err := f.WriteAt(zero, fileSize-vhd.FooterSize); err != nil {
		return vhderr.Wrap(vhderr.Io, "tombstone primary footer", err)
	}
	return nil
}

// Close restores a tombstoned primary footer (if strict mode applied one),
// closes the parent recursively, then the file itself.
func (img *Image) Close() error {
	var err error
	if img.tombstoned {
		buf := img.Footer.EncodeBE()
		st, statErr := img.File.Stat()
		if statErr == nil {
			if _, werr := img.File.WriteAt(buf, st.Size()-vhd.FooterSize); werr != nil {
				err = vhderr.Wrap(vhderr.Io, "restore primary footer on close", werr)
			}
		}
	}
	if img.Parent != nil {
		if perr := img.Parent.Close(); perr != nil && err == nil {
			err = perr
		}
	}
	if cerr := img.File.Close(); cerr != nil && err == nil {
		err = vhderr.Wrap(vhderr.Io, "close "+img.Path, cerr)
	}
	return err
}

// TopOfChain reports whether img has no parent (either Fixed, or a Dynamic
// disk, or a Diff disk whose parent resolution has not been performed).
func (img *Image) TopOfChain() bool { return img.Parent == nil }
