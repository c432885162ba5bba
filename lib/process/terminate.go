// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/bureau-foundation/runstream/lib/clock"
)

// Terminate sends SIGTERM to proc and waits for exited to close. If the
// process is still running after grace, or ctx is cancelled first, it
// sends SIGKILL and waits again. The caller owns reaping: exited must
// close once the caller's Wait on proc returns.
//
// Returns true when the process exited within the grace period.
func Terminate(ctx context.Context, proc *os.Process, exited <-chan struct{}, grace time.Duration, clk clock.Clock) (bool, error) {
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return true, nil
		}
		return false, fmt.Errorf("sending SIGTERM to pid %d: %w", proc.Pid, err)
	}

	select {
	case <-exited:
		return true, nil
	case <-clk.After(grace):
	case <-ctx.Done():
	}

	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return false, fmt.Errorf("sending SIGKILL to pid %d: %w", proc.Pid, err)
	}
	<-exited
	return false, nil
}
