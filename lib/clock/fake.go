// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingWait
	changed *sync.Cond
}

type pendingWait struct {
	deadline time.Time
	channel  chan time.Time
	// period is non-zero for tickers, which are rescheduled after firing.
	period    time.Duration
	cancelled bool
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{now: initial}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- f.now
		return channel
	}
	f.register(&pendingWait{deadline: f.now.Add(d), channel: channel})
	return channel
}

func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive ticker period")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	wait := &pendingWait{deadline: f.now.Add(d), channel: make(chan time.Time, 1), period: d}
	f.register(wait)
	return &Ticker{
		C: wait.channel,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			wait.cancelled = true
		},
	}
}

// register must be called with f.mu held.
func (f *FakeClock) register(wait *pendingWait) {
	f.pending = append(f.pending, wait)
	f.changed.Broadcast()
}

// Advance moves the clock forward by d and fires, in deadline order,
// every wait that comes due. A ticker spanning several periods fires
// once per period; ticks that find the channel full are dropped.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	target := f.now
	for {
		var due []*pendingWait
		kept := f.pending[:0]
		for _, wait := range f.pending {
			switch {
			case wait.cancelled:
			case wait.deadline.After(target):
				kept = append(kept, wait)
			default:
				due = append(due, wait)
			}
		}
		if len(due) == 0 {
			f.pending = kept
			break
		}
		slices.SortStableFunc(due, func(a, b *pendingWait) int {
			return a.deadline.Compare(b.deadline)
		})
		for _, wait := range due {
			select {
			case wait.channel <- target:
			default:
			}
			if wait.period > 0 {
				wait.deadline = wait.deadline.Add(wait.period)
				kept = append(kept, wait)
			}
		}
		f.pending = kept
	}
	f.mu.Unlock()
}

// WaitForTimers blocks until at least n waits are pending. Tests call
// it before Advance so the goroutine under test has registered its
// timer and the advance cannot race past it.
func (f *FakeClock) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for f.activeLocked() < n {
		f.changed.Wait()
	}
}

// PendingCount reports how many waits are registered and not cancelled.
func (f *FakeClock) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.activeLocked()
}

func (f *FakeClock) activeLocked() int {
	count := 0
	for _, wait := range f.pending {
		if !wait.cancelled {
			count++
		}
	}
	return count
}
