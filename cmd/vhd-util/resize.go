package main

import (
	"context"
	"flag"

	"github.com/tapdisk3/vhdcore/internal/vhd"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// cmdResize implements `resize -n <file> -s <size-MiB>`: grows a sparse
// disk's reported virtual size in place. The BAT's slot count was fixed at
// create time (spec.md §3's max_bat_size), so a resize beyond the capacity
// already reserved for the image fails rather than relocating the BAT.
func cmdResize(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("resize", flag.ContinueOnError)
	name := fs.String("n", "", "path of the VHD to resize")
	sizeMiB := fs.Int64("s", 0, "new virtual size in MiB")
	if err := fs.Parse(args); err != nil {
		return vhderr.Wrap(vhderr.InvalidFormat, "resize: parse flags", err)
	}
	if *name == "" || *sizeMiB <= 0 {
		return usage("resize: -n <file> -s <size-MiB> are required")
	}
	newSize := *sizeMiB * 1024 * 1024

	img, err := openChain(*name, false)
	if err != nil {
		return err
	}
	defer img.Close()

	if img.Header == nil {
		return vhderr.New(vhderr.InvalidFormat, "resize: Fixed disks cannot be resized in place")
	}

	newBlocks := (newSize + int64(img.Header.BlockSize) - 1) / int64(img.Header.BlockSize)
	if newBlocks > int64(img.Header.MaxBATSize) {
		return vhderr.New(vhderr.Range, "resize: new size exceeds the BAT capacity reserved at create time")
	}

	img.Footer.CurrentSize = uint64(newSize)
	img.Footer.Geometry = vhd.CHSForSize(uint64(vhd.BytesToSectors(newSize))).Encode()
	img.Footer.SetChecksum()

	st, err := img.File.Stat()
	if err != nil {
		return vhderr.Wrap(vhderr.Io, "resize: stat "+*name, err)
	}
	if _, err := img.File.WriteAt(img.Footer.EncodeBE(), 0); err != nil {
		return vhderr.Wrap(vhderr.Io, "resize: write primary footer", err)
	}
	if _, err := img.File.WriteAt(img.Footer.EncodeBE(), st.Size()-vhd.FooterSize); err != nil {
		return vhderr.Wrap(vhderr.Io, "resize: write trailing footer", err)
	}
	return nil
}
