// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"testing"
)

func TestFatalMessage(t *testing.T) {
	err := errors.New("socket busy")
	if got := fatalMessage("runstream-internal", err); got != "runstream-internal: error: socket busy" {
		t.Errorf("fatalMessage = %q", got)
	}
	if got := fatalMessage("", err); got != "error: socket busy" {
		t.Errorf("fatalMessage without program = %q", got)
	}
}
