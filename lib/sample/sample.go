// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sample keeps a bounded, uniformly random sample of the
// values logged for one metric, used to answer sampled-history
// requests without retaining every row.
package sample

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"strconv"
)

// DefaultCapacity is the sample size kept per metric.
const DefaultCapacity = 48

// Accumulator is a reservoir sampler (Algorithm R): after n insertions
// each value has probability capacity/n of being in the sample.
type Accumulator struct {
	capacity int
	seen     int64
	values   []float64
	integral bool
	random   *rand.Rand
}

// New returns an empty Accumulator. A nil random uses a randomly
// seeded source.
func New(capacity int, random *rand.Rand) *Accumulator {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if random == nil {
		random = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return &Accumulator{capacity: capacity, integral: true, random: random}
}

// Add offers one value to the sample. integral records whether the
// value was an integer literal.
func (a *Accumulator) Add(value float64, integral bool) {
	a.seen++
	a.integral = a.integral && integral
	if len(a.values) < a.capacity {
		a.values = append(a.values, value)
		return
	}
	if slot := a.random.Int64N(a.seen); slot < int64(a.capacity) {
		a.values[slot] = value
	}
}

// Values returns a copy of the current sample.
func (a *Accumulator) Values() []float64 {
	return append([]float64(nil), a.values...)
}

// Integral reports whether every value offered was an integer.
func (a *Accumulator) Integral() bool { return a.integral }

// Seen returns how many values have been offered.
func (a *Accumulator) Seen() int64 { return a.seen }

// Numeric classifies a decoded JSON value. It reports the value as a
// float, whether it was written as an integer, and whether it was a
// number at all. Booleans, strings and containers are not numbers,
// and neither are NaN and the infinities.
func Numeric(value any) (number float64, integral bool, ok bool) {
	switch typed := value.(type) {
	case json.Number:
		if parsed, err := strconv.ParseInt(typed.String(), 10, 64); err == nil {
			return float64(parsed), true, true
		}
		parsed, err := typed.Float64()
		if err != nil {
			return 0, false, false
		}
		return parsed, false, true
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return 0, false, false
		}
		return typed, false, true
	case int64:
		return float64(typed), true, true
	case int:
		return float64(typed), true, true
	}
	return 0, false, false
}
