// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package record

import "fmt"

// DeferState is a phase of the shutdown sequence. Phases are ordered;
// the sequence only moves forward one phase at a time.
type DeferState uint8

const (
	DeferBegin DeferState = iota
	DeferFlushStats
	DeferFlushTB
	DeferFlushSummary
	DeferFlushDir
	DeferFlushPusher
	DeferFlushFileStream
	DeferFlushFinal
	DeferEnd
)

var deferStateNames = [...]string{
	DeferBegin:           "BEGIN",
	DeferFlushStats:      "FLUSH_STATS",
	DeferFlushTB:         "FLUSH_TB",
	DeferFlushSummary:    "FLUSH_SUM",
	DeferFlushDir:        "FLUSH_DIR",
	DeferFlushPusher:     "FLUSH_FP",
	DeferFlushFileStream: "FLUSH_FS",
	DeferFlushFinal:      "FLUSH_FINAL",
	DeferEnd:             "END",
}

func (s DeferState) String() string {
	if int(s) < len(deferStateNames) {
		return deferStateNames[s]
	}
	return fmt.Sprintf("DeferState(%d)", uint8(s))
}

// Valid reports whether s is a known phase.
func (s DeferState) Valid() bool { return s <= DeferEnd }

// Next returns the phase after s. END has no successor.
func (s DeferState) Next() (DeferState, bool) {
	if s >= DeferEnd {
		return s, false
	}
	return s + 1, true
}
