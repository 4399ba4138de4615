package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// cmdRead implements `read -n <file> -S <sector> [-c <count>]` (spec.md §8
// scenarios 2 and 3): hex-dump a sector range, resolved through the parent
// chain via chain.Image.ReadSectors.
func cmdRead(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("read", flag.ContinueOnError)
	name := fs.String("n", "", "path of the VHD to read")
	sector := fs.Int64("S", 0, "starting logical sector")
	count := fs.Int("c", 1, "number of sectors to read")
	if err := fs.Parse(args); err != nil {
		return vhderr.Wrap(vhderr.InvalidFormat, "read: parse flags", err)
	}
	if *name == "" {
		return usage("read: -n <file> is required")
	}

	img, err := openChain(*name, true)
	if err != nil {
		return err
	}
	defer img.Close()

	data, err := img.ReadSectors(*sector, *count)
	if err != nil {
		return err
	}
	for i, b := range data {
		if i%16 == 0 {
			if i > 0 {
				fmt.Fprintln(os.Stdout)
			}
			fmt.Fprintf(os.Stdout, "%08x  ", i)
		}
		fmt.Fprintf(os.Stdout, "%02x ", b)
	}
	fmt.Fprintln(os.Stdout)
	return nil
}
