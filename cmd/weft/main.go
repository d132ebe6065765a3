// Copyright 2026 The Weft Authors
// SPDX-License-Identifier: Apache-2.0

// Weft is the operator CLI for a weft node. It talks to the local
// weft-peerd daemon: the admin API over loopback HTTP for peer
// inspection and sync, and the observe socket for the live sync
// event stream.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/weftlabs/weft/cmd/weft/cli"
)

func main() {
	err := run()
	if err == nil {
		return
	}
	// Commands that print their own output return an ExitError with
	// the desired exit code. Don't print a redundant "error:" line
	// for those.
	var silent *cli.ExitError
	if errors.As(err, &silent) {
		os.Exit(silent.Code)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	var kinded *cli.Error
	if errors.As(err, &kinded) {
		if kinded.Hint != "" {
			fmt.Fprintf(os.Stderr, "hint: %s\n", kinded.Hint)
		}
		os.Exit(kinded.ExitCode())
	}
	os.Exit(1)
}

func run() error {
	return rootCommand().Execute(os.Args[1:])
}
