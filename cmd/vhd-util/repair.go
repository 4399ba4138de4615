package main

import (
	"context"
	"flag"
	"os"

	"github.com/tapdisk3/vhdcore/internal/vhd"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// cmdRepair implements `repair -n <file>` (spec.md §4.1's footer read
// policy item 3): when the trailing footer is missing or corrupt but the
// backup copy at offset 0 is valid, recover by copying the backup over the
// trailing footer.
func cmdRepair(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	name := fs.String("n", "", "path of the VHD to repair")
	if err := fs.Parse(args); err != nil {
		return vhderr.Wrap(vhderr.InvalidFormat, "repair: parse flags", err)
	}
	if *name == "" {
		return usage("repair: -n <file> is required")
	}

	f, err := os.OpenFile(*name, os.O_RDWR, 0)
	if err != nil {
		return vhderr.Wrap(vhderr.Io, "repair: open "+*name, err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return vhderr.Wrap(vhderr.Io, "repair: stat "+*name, err)
	}

	backupBuf := make([]byte, vhd.FooterSize)
	if _, err := f.ReadAt(backupBuf, 0); err != nil {
		return vhderr.Wrap(vhderr.Io, "repair: read backup footer", err)
	}
	backup := &vhd.Footer{}
	if err := backup.DecodeBE(backupBuf); err != nil {
		return vhderr.Wrap(vhderr.InvalidFormat, "repair: backup footer unreadable", err)
	}
	if err := backup.VerifyChecksum(); err != nil {
		return vhderr.Wrap(vhderr.ChecksumMismatch, "repair: backup footer checksum invalid, nothing to recover from", err)
	}

	if _, err := f.WriteAt(backup.EncodeBE(), st.Size()-vhd.FooterSize); err != nil {
		return vhderr.Wrap(vhderr.Io, "repair: write recovered trailing footer", err)
	}
	return nil
}
