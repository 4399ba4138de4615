package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/tapdisk3/vhdcore/internal/cbt"
	"github.com/tapdisk3/vhdcore/internal/vhderr"
)

// cmdCBT implements the `cbt` verb, a Go rendering of the original's
// standalone `cbt-util` companion tool (create/get/set/coalesce), folded
// into vhd-util's own verb dispatch rather than shipped as a second binary
// (spec.md §4.12 "CBT"; grounded on
// original_source/mockatests/cbt/test-cbt-util-commands.c's create/get/set/
// coalesce split).
func cmdCBT(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usage("cbt: a subcommand (create, get, set, coalesce) is required")
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "create":
		return cbtCreate(rest)
	case "get":
		return cbtGet(rest)
	case "set":
		return cbtSet(rest)
	case "coalesce":
		return cbtCoalesce(rest)
	default:
		return usage("cbt: unknown subcommand " + sub)
	}
}

func cbtCreate(args []string) error {
	fs := flag.NewFlagSet("cbt create", flag.ContinueOnError)
	name := fs.String("n", "", "path of the CBT log to create")
	size := fs.Uint64("s", 0, "size, in bytes, of the disk to track")
	if err := fs.Parse(args); err != nil {
		return vhderr.Wrap(vhderr.InvalidFormat, "cbt create: parse flags", err)
	}
	if *name == "" || *size == 0 {
		return usage("cbt create: -n <file> -s <size> are required")
	}
	return cbt.Create(*name, *size)
}

func cbtGet(args []string) error {
	fs := flag.NewFlagSet("cbt get", flag.ContinueOnError)
	name := fs.String("n", "", "path of the CBT log")
	flagOut := fs.Bool("f", false, "print the consistent flag")
	parentOut := fs.Bool("p", false, "print the parent uuid")
	childOut := fs.Bool("c", false, "print the child uuid")
	sizeOut := fs.Bool("s", false, "print the tracked size")
	bitmapOut := fs.Bool("b", false, "print the raw bitmap, hex-encoded")
	if err := fs.Parse(args); err != nil {
		return vhderr.Wrap(vhderr.InvalidFormat, "cbt get: parse flags", err)
	}
	if *name == "" {
		return usage("cbt get: -n <file> is required")
	}

	log, err := cbt.Open(*name, false)
	if err != nil {
		return err
	}
	defer log.Close()

	switch {
	case *flagOut:
		if log.Meta.Consistent {
			fmt.Println(1)
		} else {
			fmt.Println(0)
		}
	case *parentOut:
		fmt.Println(cbt.FormatUUID(log.Meta.Parent))
	case *childOut:
		fmt.Println(cbt.FormatUUID(log.Meta.Child))
	case *sizeOut:
		fmt.Println(log.Meta.Size)
	case *bitmapOut:
		fmt.Printf("%x\n", log.Bitmap)
	default:
		return usage("cbt get: one of -f, -p, -c, -s, -b is required")
	}
	return nil
}

func cbtSet(args []string) error {
	fs := flag.NewFlagSet("cbt set", flag.ContinueOnError)
	name := fs.String("n", "", "path of the CBT log")
	flagVal := fs.String("f", "", "set the consistent flag (0 or 1)")
	parentVal := fs.String("p", "", "set the parent uuid")
	childVal := fs.String("c", "", "set the child uuid")
	sizeVal := fs.Uint64("s", 0, "grow the tracked size, in bytes")
	if err := fs.Parse(args); err != nil {
		return vhderr.Wrap(vhderr.InvalidFormat, "cbt set: parse flags", err)
	}
	if *name == "" {
		return usage("cbt set: -n <file> is required")
	}

	log, err := cbt.Open(*name, true)
	if err != nil {
		return err
	}
	defer log.Close()

	if *flagVal != "" {
		if err := log.SetConsistent(*flagVal != "0"); err != nil {
			return err
		}
	}
	if *parentVal != "" {
		u, err := cbt.ParseUUID(*parentVal)
		if err != nil {
			return err
		}
		if err := log.SetParent(u); err != nil {
			return err
		}
	}
	if *childVal != "" {
		u, err := cbt.ParseUUID(*childVal)
		if err != nil {
			return err
		}
		if err := log.SetChild(u); err != nil {
			return err
		}
	}
	if *sizeVal != 0 {
		if err := log.Resize(*sizeVal); err != nil {
			return err
		}
	}
	return nil
}

func cbtCoalesce(args []string) error {
	fs := flag.NewFlagSet("cbt coalesce", flag.ContinueOnError)
	parent := fs.String("p", "", "path of the parent's CBT log")
	child := fs.String("c", "", "path of the child's CBT log")
	if err := fs.Parse(args); err != nil {
		return vhderr.Wrap(vhderr.InvalidFormat, "cbt coalesce: parse flags", err)
	}
	if *parent == "" || *child == "" {
		return usage("cbt coalesce: -p <parent> -c <child> are required")
	}
	return cbt.Coalesce(*parent, *child)
}
