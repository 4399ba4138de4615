// Command vhd-util is the offline VHD inspection and maintenance tool of
// SPEC_FULL.md §6: create, snapshot, coalesce, query, set, repair, fill,
// read, resize, scan, check, revert, modify. It mirrors the verb-dispatch
// shape of the teacher's cmd/distri/distri.go almost exactly: a flag.Bool
// "-debug" toggling error-formatting verbosity, a verbs map of
// func(ctx, args) error, a help path, and vhderr.Kind-derived exit codes
// instead of the teacher's unconditional os.Exit(1).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/mattn/go-isatty"

	"github.com/tapdisk3/vhdcore/internal/chain"
	"github.com/tapdisk3/vhdcore/internal/integrity"
	"github.com/tapdisk3/vhdcore/internal/vhd"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

var debug = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")

// openChain opens path as the top of a chain, following parent locators,
// with only OpenFlags.ReadOnly set (Strict is left off).
func openChain(path string, readOnly bool) (*chain.Image, error) {
	return chain.Open(path, chain.OpenFlags{ReadOnly: readOnly}, nil)
}

// integrityImageOf adapts an open chain.Image into the minimal surface
// internal/integrity.Check needs, without re-reading the footer/header/BAT
// (already decoded by chain.Open).
func integrityImageOf(img *chain.Image) (*integrity.Image, error) {
	st, err := img.File.Stat()
	if err != nil {
		return nil, vhderr.Wrap(vhderr.Io, "stat "+img.Path, err)
	}

	ii := &integrity.Image{
		Path:     img.Path,
		FileSize: st.Size(),
		Footer:   img.Footer,
		Header:   img.Header,
		BAT:      img.BAT,
		Reader:   img.File,
	}
	if img.Header != nil {
		bh, ok, err := readBatmap(img)
		if err != nil {
			return nil, err
		}
		ii.Batmap = bh
		ii.BatmapOK = ok
	}
	return ii, nil
}

// readBatmap looks for a batmap header at the sector immediately following
// the BAT (spec.md §3's documented search location), returning ok=false
// when none is present — the batmap is optional acceleration structure.
func readBatmap(img *chain.Image) (*vhd.BatmapHeader, bool, error) {
	batSectors := vhd.BATSizeSectors(int(img.Header.MaxBATSize))
	off := int64(img.Header.TableOffset) + batSectors*vhd.SectorSize

	buf := make([]byte, vhd.BatmapHeaderSize)
	if _, err := img.File.ReadAt(buf, off); err != nil {
		return nil, false, nil // short read past EOF: no batmap present
	}
	bh := &vhd.BatmapHeader{}
	if err := bh.DecodeBE(buf); err != nil {
		return nil, false, nil // not a batmap cookie at this offset
	}
	return bh, true, nil
}

// colorize wraps s in a red ANSI escape when stderr is an interactive
// terminal, so the summary line stands out without corrupting piped/logged
// output (spec.md §6 "print a single line summarising the first fatal error").
func colorize(s string) string {
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		return s
	}
	return "\x1b[31m" + s + "\x1b[0m"
}

// fatal prints a single summary line (spec.md §6's "print a single line
// summarising the first fatal error") and exits with the Kind's errno.
func fatal(verb string, err error) {
	if kind, ok := vhderr.Of(err); ok {
		if *debug {
			fmt.Fprintln(os.Stderr, colorize(fmt.Sprintf("%s: %+v", verb, err)))
		} else {
			fmt.Fprintln(os.Stderr, colorize(fmt.Sprintf("%s: %v", verb, err)))
		}
		os.Exit(kind.Errno())
	}
	fmt.Fprintln(os.Stderr, colorize(fmt.Sprintf("%s: %v", verb, err)))
	os.Exit(1)
}

func usage(format string, args ...interface{}) error {
	return vhderr.New(vhderr.InvalidFormat, fmt.Sprintf(format, args...))
}
