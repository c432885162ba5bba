// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sender

import "github.com/bureau-foundation/runstream/lib/record"

// deferComplete is the expected phase once END has run. No request
// matches it.
const deferComplete = record.DeferEnd + 1

// Advance is the shutdown state machine's transition function. expected
// is the phase the sender will act on next. A request for exactly that
// phase is acted on and moves expected forward by one; any other
// request is stale or premature and leaves expected unchanged.
func Advance(expected, requested record.DeferState) (next record.DeferState, act bool) {
	if requested != expected || !requested.Valid() {
		return expected, false
	}
	return requested + 1, true
}
