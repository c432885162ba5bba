// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// runstream-dump prints the records in a framed run log, one header
// line per record followed by its body as JSON. With --raw the body is
// printed in CBOR diagnostic notation instead, which shows exactly
// what was stored.
//
// A corrupt log prints every record before the damage and then exits
// non-zero.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/runstream/lib/process"
	"github.com/bureau-foundation/runstream/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		raw         bool
		colorMode   string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("runstream-dump", pflag.ContinueOnError)
	flagSet.BoolVar(&raw, "raw", false, "print record bodies in CBOR diagnostic notation")
	flagSet.StringVar(&colorMode, "color", "auto", "colorize output: auto, always, never")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: runstream-dump [flags] FILE\n\nFlags:\n%s", flagSet.FlagUsages())
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("runstream-dump %s\n", version.Info())
		return nil
	}
	args := flagSet.Args()
	if len(args) != 1 {
		flagSet.Usage()
		return fmt.Errorf("expected exactly one log file, got %d arguments", len(args))
	}

	var color bool
	switch colorMode {
	case "auto":
		color = term.IsTerminal(int(os.Stdout.Fd()))
	case "always":
		color = true
	case "never":
	default:
		return fmt.Errorf("invalid --color %q: want auto, always or never", colorMode)
	}

	d := newDumper(os.Stdout, raw, color)
	return d.dump(args[0])
}
