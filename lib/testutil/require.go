// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"time"
)

// TB is the subset of testing.TB the Require helpers need.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// RequireReceive returns the next value from ch, failing the test if
// none arrives within timeout or ch is closed first. Tests use it in
// place of bare receives so a stuck pipeline stage fails instead of
// hanging the test binary.
//
//	result := testutil.RequireReceive(t, results, 5*time.Second, "poll_exit result")
func RequireReceive[T any](t TB, ch <-chan T, timeout time.Duration, msgAndArgs ...any) T {
	t.Helper()
	var zero T
	select {
	case value, ok := <-ch:
		if !ok {
			t.Fatalf("channel closed while %s", describe(msgAndArgs))
			return zero
		}
		return value
	case <-time.After(timeout): //nolint:realclock // test hang prevention
		t.Fatalf("no value within %v while %s", timeout, describe(msgAndArgs))
		return zero
	}
}

// RequireSend delivers v on ch within timeout.
func RequireSend[T any](t TB, ch chan<- T, v T, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case ch <- v:
	case <-time.After(timeout): //nolint:realclock // test hang prevention
		t.Fatalf("send blocked for %v while %s", timeout, describe(msgAndArgs))
	}
}

// RequireClosed waits for ch to close or deliver, for readiness and
// exit channels that signal by closing.
//
//	testutil.RequireClosed(t, backend.Exited(), 10*time.Second, "child exit")
func RequireClosed(t TB, ch <-chan struct{}, timeout time.Duration, msgAndArgs ...any) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(timeout): //nolint:realclock // test hang prevention
		t.Fatalf("channel still open after %v while %s", timeout, describe(msgAndArgs))
	}
}

// describe renders the optional context arguments: a plain message, or
// a format string followed by its arguments.
func describe(msgAndArgs []any) string {
	switch {
	case len(msgAndArgs) == 0:
		return "waiting"
	case len(msgAndArgs) == 1:
		return fmt.Sprint(msgAndArgs[0])
	}
	if format, ok := msgAndArgs[0].(string); ok {
		return fmt.Sprintf(format, msgAndArgs[1:]...)
	}
	return fmt.Sprint(msgAndArgs...)
}
