package main

import (
	"context"
	"flag"
	"path/filepath"

	"github.com/tapdisk3/vhdcore/internal/chain"
	"github.com/tapdisk3/vhdcore/internal/vhd"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// cmdSet implements `set -n <file> [-p <new-parent-path>] [-H]`: repoint a
// differencing disk's MACX parent locator after its parent has moved, or
// set the footer's hidden flag. Both are the two original vhd-util
// set-field operations that make sense without a full field-name grammar.
func cmdSet(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	name := fs.String("n", "", "path of the VHD to modify")
	newParent := fs.String("p", "", "new parent path to record in the locator")
	hidden := fs.Bool("H", false, "set the footer's hidden flag")
	if err := fs.Parse(args); err != nil {
		return vhderr.Wrap(vhderr.InvalidFormat, "set: parse flags", err)
	}
	if *name == "" {
		return usage("set: -n <file> is required")
	}

	img, err := openChain(*name, false)
	if err != nil {
		return err
	}
	defer img.Close()

	if *hidden {
		img.Footer.Hidden = true
		img.Footer.SetChecksum()
		st, err := img.File.Stat()
		if err != nil {
			return vhderr.Wrap(vhderr.Io, "set: stat "+*name, err)
		}
		if _, err := img.File.WriteAt(img.Footer.EncodeBE(), 0); err != nil {
			return vhderr.Wrap(vhderr.Io, "set: write primary footer", err)
		}
		if _, err := img.File.WriteAt(img.Footer.EncodeBE(), st.Size()-vhd.FooterSize); err != nil {
			return vhderr.Wrap(vhderr.Io, "set: write trailing footer", err)
		}
	}

	if *newParent != "" {
		if img.Header == nil {
			return vhderr.New(vhderr.InvalidFormat, "set: -p only applies to a differencing disk")
		}
		if err := repointParentLocator(img, *newParent); err != nil {
			return err
		}
	}
	return nil
}

// repointParentLocator overwrites locator slot 0 with a fresh MACX payload
// naming newParent, leaving prt_uuid/prt_ts untouched — the caller is
// responsible for having verified the new path's footer UUID matches.
func repointParentLocator(img *chain.Image, newParent string) error {
	raw := vhd.EncodeMACX(newParent)
	loc := img.Header.Locators[0]
	reservedBytes := int64(loc.DataSpace) * vhd.SectorSize
	if int64(len(raw)) > reservedBytes {
		return vhderr.New(vhderr.InvalidFormat, "set: new parent path does not fit in the reserved locator space")
	}

	padded := make([]byte, reservedBytes)
	copy(padded, raw)
	if _, err := img.File.WriteAt(padded, int64(loc.DataOffset)); err != nil {
		return vhderr.Wrap(vhderr.Io, "set: write locator payload", err)
	}

	img.Header.Locators[0].DataLen = uint32(len(raw))
	img.Header.ParentName = filepath.Base(newParent)
	img.Header.SetChecksum()
	if _, err := img.File.WriteAt(img.Header.EncodeBE(), int64(img.Footer.DataOffset)); err != nil {
		return vhderr.Wrap(vhderr.Io, "set: write header", err)
	}
	return nil
}
