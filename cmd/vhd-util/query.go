package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/tapdisk3/vhdcore/internal/vhd"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// cmdQuery implements `query -v -n <file>` (spec.md §8 scenario 1): prints
// the image's size in sectors divided by 128 (i.e. size in units of 64 KiB)
// the way the original vhd-util query -v does.
func cmdQuery(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	name := fs.String("n", "", "path of the VHD to query")
	verbose := fs.Bool("v", false, "print virtual size in 64 KiB units")
	parentOnly := fs.Bool("p", false, "print the parent's path, if any")
	if err := fs.Parse(args); err != nil {
		return vhderr.Wrap(vhderr.InvalidFormat, "query: parse flags", err)
	}
	if *name == "" {
		return usage("query: -n <file> is required")
	}

	img, err := openChain(*name, true)
	if err != nil {
		return err
	}
	defer img.Close()

	if *parentOnly {
		if img.Parent == nil {
			fmt.Println("none")
		} else {
			fmt.Println(img.Parent.Path)
		}
		return nil
	}

	sectors := vhd.BytesToSectors(int64(img.Footer.CurrentSize))
	if *verbose {
		fmt.Println(sectors / 128)
		return nil
	}
	fmt.Printf("%s\t%d\t%s\n", *name, img.Footer.CurrentSize, img.Footer.Type)
	return nil
}
