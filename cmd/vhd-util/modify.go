package main

import (
	"context"
	"flag"

	"github.com/tapdisk3/vhdcore"
	"github.com/tapdisk3/vhdcore/internal/vhd"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// cmdModify implements `modify -n <file> -b`: the historical-compatibility
// rewrite of SPEC_FULL.md §9 (v), converting a legacy tap-0.1 image's
// little-endian-within-word bitmaps to this implementation's
// big-endian-within-word layout via a one-shot journalled rewrite.
func cmdModify(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("modify", flag.ContinueOnError)
	name := fs.String("n", "", "path of the VHD to modify")
	bitmapOrder := fs.Bool("b", false, "convert legacy little-endian-within-word bitmaps")
	if err := fs.Parse(args); err != nil {
		return vhderr.Wrap(vhderr.InvalidFormat, "modify: parse flags", err)
	}
	if *name == "" {
		return usage("modify: -n <file> is required")
	}
	if !*bitmapOrder {
		return usage("modify: no operation selected (use -b)")
	}

	if err := vhd.RecoverJournal(*name); err != nil {
		return err
	}

	img, err := openChain(*name, false)
	if err != nil {
		return err
	}
	defer img.Close()

	if img.Header == nil {
		return vhderr.New(vhderr.InvalidFormat, "modify -b: Fixed disks have no bitmaps")
	}
	if !vhd.NeedsBitmapOrderConversion(img.Footer) {
		return nil // already current layout; nothing to do
	}

	journal, err := vhd.BeginJournal(*name)
	if err != nil {
		return err
	}
	if err := vhd.ConvertBitmapOrder(img.File, journal, img.Header, img.BAT); err != nil {
		return err
	}

	img.Footer.CreatorVersion = vhdcore.CurrentCreatorVersion.Encode()
	img.Footer.SetChecksum()
	st, err := img.File.Stat()
	if err != nil {
		return vhderr.Wrap(vhderr.Io, "modify -b: stat "+*name, err)
	}
	if _, err := img.File.WriteAt(img.Footer.EncodeBE(), 0); err != nil {
		return vhderr.Wrap(vhderr.Io, "modify -b: write primary footer", err)
	}
	if _, err := img.File.WriteAt(img.Footer.EncodeBE(), st.Size()-vhd.FooterSize); err != nil {
		return vhderr.Wrap(vhderr.Io, "modify -b: write trailing footer", err)
	}

	return journal.Commit()
}
