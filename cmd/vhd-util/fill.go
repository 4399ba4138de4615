package main

import (
	"context"
	"flag"

	"github.com/tapdisk3/vhdcore/internal/vhd"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// cmdFill implements `fill -n <file> -b <byte> -S <sector> [-c <count>]`
// (spec.md §8 scenario 2): write a repeated byte pattern to a sector range,
// exercising chain.Image.WriteSectors's allocate-on-demand path.
func cmdFill(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fill", flag.ContinueOnError)
	name := fs.String("n", "", "path of the VHD to write")
	sector := fs.Int64("S", 0, "starting logical sector")
	count := fs.Int64("c", 1, "number of sectors to fill")
	pattern := fs.Int("b", 0, "byte value to repeat, 0-255")
	if err := fs.Parse(args); err != nil {
		return vhderr.Wrap(vhderr.InvalidFormat, "fill: parse flags", err)
	}
	if *name == "" || *count <= 0 {
		return usage("fill: -n <file> -S <sector> -c <count> are required")
	}

	img, err := openChain(*name, false)
	if err != nil {
		return err
	}
	defer img.Close()

	data := make([]byte, *count*vhd.SectorSize)
	for i := range data {
		data[i] = byte(*pattern)
	}
	return img.WriteSectors(*sector, data)
}
