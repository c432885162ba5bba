// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
	"path/filepath"
)

// Fatal reports err on stderr, prefixed with the program name, and
// exits with code 1. Binaries call it from main() with the error from
// run(), before or after the structured logger exists.
func Fatal(err error) {
	fmt.Fprintln(os.Stderr, fatalMessage(filepath.Base(os.Args[0]), err))
	os.Exit(1)
}

func fatalMessage(program string, err error) string {
	if program == "" || program == "." {
		return fmt.Sprintf("error: %v", err)
	}
	return fmt.Sprintf("%s: error: %v", program, err)
}
