package main

import (
	"context"
	"flag"

	"github.com/tapdisk3/vhdcore/internal/vhd"
	"github.com/tapdisk3/vhdcore/internal/vhdbuild"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// cmdCreate implements `create -n <file> -s <size-MiB> [-r]` (spec.md §8
// scenario 1): -r selects a Fixed (reserve/raw) disk; its absence creates a
// Dynamic (sparse) disk.
func cmdCreate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	name := fs.String("n", "", "path of the VHD to create")
	sizeMiB := fs.Int64("s", 0, "virtual size in MiB")
	raw := fs.Bool("r", false, "create a Fixed (reserve/raw) disk instead of sparse")
	if err := fs.Parse(args); err != nil {
		return vhderr.Wrap(vhderr.InvalidFormat, "create: parse flags", err)
	}
	if *name == "" || *sizeMiB <= 0 {
		return usage("create: -n <file> -s <size-MiB> are required")
	}
	sizeBytes := *sizeMiB * 1024 * 1024

	if *raw {
		return vhdbuild.CreateFixed(*name, sizeBytes)
	}
	_, err := vhdbuild.CreateSparse(*name, sizeBytes, vhd.DefaultBlockSize, nil)
	return err
}

// cmdSnapshot implements `snapshot -n <child> -p <parent>` (the child takes the parent's size): a
// Diff disk whose prt_uuid matches the parent's footer UUID (spec.md §8
// scenario 3).
func cmdSnapshot(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("snapshot", flag.ContinueOnError)
	name := fs.String("n", "", "path of the child VHD to create")
	parentPath := fs.String("p", "", "path of the parent VHD")
	if err := fs.Parse(args); err != nil {
		return vhderr.Wrap(vhderr.InvalidFormat, "snapshot: parse flags", err)
	}
	if *name == "" || *parentPath == "" {
		return usage("snapshot: -n <child> -p <parent> are required")
	}

	parent, err := openChain(*parentPath, true)
	if err != nil {
		return err
	}
	defer parent.Close()

	_, err = vhdbuild.CreateSparse(*name, int64(parent.Footer.CurrentSize), vhd.DefaultBlockSize, &vhdbuild.ParentInfo{
		Path:      *parentPath,
		UUID:      parent.Footer.UUID,
		Timestamp: parent.Footer.Timestamp,
	})
	return err
}
