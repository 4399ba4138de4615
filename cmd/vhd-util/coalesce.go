package main

import (
	"context"
	"flag"
	"os"

	"github.com/tapdisk3/vhdcore/internal/chain"
	"github.com/tapdisk3/vhdcore/internal/vhd"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// cmdCoalesce implements `coalesce -n <child>`: copy every sector a
// differencing disk owns into its parent, then remove the child. Only the
// single image named by -n is coalesced; no directory of images is walked.
func cmdCoalesce(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("coalesce", flag.ContinueOnError)
	name := fs.String("n", "", "path of the differencing VHD to coalesce into its parent")
	if err := fs.Parse(args); err != nil {
		return vhderr.Wrap(vhderr.InvalidFormat, "coalesce: parse flags", err)
	}
	if *name == "" {
		return usage("coalesce: -n <file> is required")
	}
	return coalesceOne(*name)
}

func coalesceOne(path string) error {
	if err := mergeIntoParent(path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return vhderr.Wrap(vhderr.Io, "coalesce: remove "+path, err)
	}
	return nil
}

// mergeIntoParent copies every sector owned by the differencing disk at
// path into its resolved parent, closing both images before returning.
func mergeIntoParent(path string) error {
	child, err := openChain(path, true)
	if err != nil {
		return err
	}
	defer child.Close()

	if child.Footer.Type != vhd.DiskDiff || child.Parent == nil {
		return vhderr.New(vhderr.InvalidFormat, "coalesce: "+path+" is not a differencing disk with a resolved parent")
	}
	parentPath := child.Parent.Path

	parent, err := chain.Open(parentPath, chain.OpenFlags{ReadOnly: false}, nil)
	if err != nil {
		return vhderr.Wrap(vhderr.Io, "coalesce: open parent "+parentPath, err)
	}
	defer parent.Close()

	spb := int64(child.Header.SectorsPerBlock())
	for block, entry := range child.BAT {
		if entry == vhd.BATUnallocated {
			continue
		}
		base := int64(block) * spb
		for s := int64(0); s < spb; s++ {
			data, err := child.ReadSectors(base+s, 1)
			if err != nil {
				return vhderr.Wrap(vhderr.Io, "coalesce: read child sector", err)
			}
			if err := parent.WriteSectors(base+s, data); err != nil {
				return vhderr.Wrap(vhderr.Io, "coalesce: write parent sector", err)
			}
		}
	}
	return nil
}
