package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/tapdisk3/vhdcore"
)

type cmd struct {
	fn func(ctx context.Context, args []string) error
}

func funcmain() error {
	flag.Parse()

	verbs := map[string]cmd{
		"create":   {cmdCreate},
		"snapshot": {cmdSnapshot},
		"coalesce": {cmdCoalesce},
		"query":    {cmdQuery},
		"set":      {cmdSet},
		"repair":   {cmdRepair},
		"fill":     {cmdFill},
		"read":     {cmdRead},
		"resize":   {cmdResize},
		"scan":     {cmdScan},
		"check":    {cmdCheck},
		"revert":   {cmdRevert},
		"modify":   {cmdModify},
		"cbt":      {cmdCBT},
	}

	args := flag.Args()
	verb := ""
	if len(args) > 0 && args[0][0] != '-' {
		verb, args = args[0], args[1:]
	}

	if verb == "" || verb == "help" {
		fmt.Fprintf(os.Stderr, "vhd-util <command> [options]\n")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "\tcreate   - create a new VHD (fixed or sparse)\n")
		fmt.Fprintf(os.Stderr, "\tsnapshot - create a differencing VHD against a parent\n")
		fmt.Fprintf(os.Stderr, "\tcoalesce - merge a differencing image into its parent\n")
		fmt.Fprintf(os.Stderr, "\tquery    - print image geometry\n")
		fmt.Fprintf(os.Stderr, "\tset      - set a field in the footer/header\n")
		fmt.Fprintf(os.Stderr, "\trepair   - repair a broken footer from its backup copy\n")
		fmt.Fprintf(os.Stderr, "\tfill     - write a byte pattern to a sector range\n")
		fmt.Fprintf(os.Stderr, "\tread     - read and hex-dump a sector range\n")
		fmt.Fprintf(os.Stderr, "\tresize   - grow a VHD's virtual size\n")
		fmt.Fprintf(os.Stderr, "\tscan     - discover parent/child relationships in a directory\n")
		fmt.Fprintf(os.Stderr, "\tcheck    - validate a VHD's metadata and allocation\n")
		fmt.Fprintf(os.Stderr, "\trevert   - discard a differencing image's writes\n")
		fmt.Fprintf(os.Stderr, "\tmodify   - apply a historical-compatibility rewrite\n")
		fmt.Fprintf(os.Stderr, "\tcbt      - manage a change-block-tracking log (create, get, set, coalesce)\n")
		os.Exit(2)
	}

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintf(os.Stderr, "syntax: vhd-util <command> [options]\n")
		os.Exit(2)
	}

	ctx, canc := vhdcore.InterruptibleContext()
	defer canc()

	if err := v.fn(ctx, args); err != nil {
		fatal(verb, err)
	}

	return vhdcore.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
