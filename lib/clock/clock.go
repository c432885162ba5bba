// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every runstream component that
// stamps records, sleeps between retries, or flushes on an interval.
// Production wiring passes Real(); tests pass Fake() and drive time
// forward explicitly with Advance after WaitForTimers confirms the
// goroutine under test has registered its wait.
package clock

import "time"

// Clock is the subset of the time package runstream depends on.
type Clock interface {
	Now() time.Time

	// After delivers the current time once d has elapsed. A
	// non-positive d delivers immediately.
	After(d time.Duration) <-chan time.Time

	// NewTicker panics when d is not positive, like time.NewTicker.
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C until Stop is called. C has capacity 1
// and slow consumers miss ticks rather than queueing them.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop ends tick delivery. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns the wall clock.
func Real() Clock { return wallClock{} }

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (wallClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}
