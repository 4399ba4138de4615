package main

import (
	"context"
	"flag"

	"github.com/tapdisk3/vhdcore/internal/vhd"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// cmdRevert implements `revert -n <child>`: discard every write a
// differencing disk has accumulated by resetting its BAT to all-unallocated,
// so every subsequent read falls through to the parent again.
func cmdRevert(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("revert", flag.ContinueOnError)
	name := fs.String("n", "", "path of the differencing VHD to revert")
	if err := fs.Parse(args); err != nil {
		return vhderr.Wrap(vhderr.InvalidFormat, "revert: parse flags", err)
	}
	if *name == "" {
		return usage("revert: -n <file> is required")
	}

	img, err := openChain(*name, false)
	if err != nil {
		return err
	}
	defer img.Close()

	if img.Footer.Type != vhd.DiskDiff {
		return vhderr.New(vhderr.InvalidFormat, "revert: "+*name+" is not a differencing disk")
	}

	for i := range img.BAT {
		img.BAT[i] = vhd.BATUnallocated
	}
	if _, err := img.File.WriteAt(img.BAT.EncodeBAT(), int64(img.Header.TableOffset)); err != nil {
		return vhderr.Wrap(vhderr.Io, "revert: write reset BAT", err)
	}
	return nil
}
