// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sender

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/bureau-foundation/runstream/lib/backend"
	"github.com/bureau-foundation/runstream/lib/config"
	"github.com/bureau-foundation/runstream/lib/record"
	"github.com/bureau-foundation/runstream/lib/sample"
)

// ErrResumeConflict is returned when the resume mode cannot be
// honored: "must" without a prior run, "never" with one, or "must"
// with prior state that cannot be read.
var ErrResumeConflict = errors.New("resume conflict")

// ResumeState is the progress of a prior run with the same id.
type ResumeState struct {
	// Step is the next history step.
	Step int64

	// History, Events and Output are the line counts already stored
	// for the streamed files; new lines continue after them.
	History int64
	Events  int64
	Output  int64

	// Runtime is the prior run's elapsed time.
	Runtime time.Duration

	Summary map[string]any
	Config  map[string]any
	Resumed bool
}

// resolveResume looks up prior state according to mode. It returns nil
// state when the run starts fresh.
func resolveResume(ctx context.Context, api backend.API, mode config.ResumeMode, run backend.RunRef) (*ResumeState, error) {
	if mode == config.ResumeNone {
		return nil, nil
	}
	status, err := api.RunResumeStatus(ctx, run)
	if err != nil {
		if mode == config.ResumeMust || mode == config.ResumeNever {
			return nil, fmt.Errorf("%w: checking for run %s: %v", ErrResumeConflict, run, err)
		}
		return nil, fmt.Errorf("checking for run %s: %w", run, err)
	}
	switch {
	case status == nil && mode == config.ResumeMust:
		return nil, fmt.Errorf("%w: resume must but run %s does not exist", ErrResumeConflict, run)
	case status != nil && mode == config.ResumeNever:
		return nil, fmt.Errorf("%w: resume never but run %s already exists", ErrResumeConflict, run)
	case status == nil:
		return nil, nil
	}
	state, err := parseResumeStatus(status)
	if err != nil {
		if mode == config.ResumeMust {
			return nil, fmt.Errorf("%w: %v", ErrResumeConflict, err)
		}
		return nil, err
	}
	return state, nil
}

// parseResumeStatus extracts progress from the backend's stored tails.
// The step follows the last history row; the runtime is the largest of
// the history, events and summary runtimes.
func parseResumeStatus(status *backend.ResumeStatus) (*ResumeState, error) {
	state := &ResumeState{
		History: status.HistoryLineCount,
		Events:  status.EventsLineCount,
		Output:  status.LogLineCount,
		Summary: make(map[string]any),
		Config:  make(map[string]any),
		Resumed: true,
	}
	var runtime float64

	lastHistory, err := lastTailRow(status.HistoryTail)
	if err != nil {
		return nil, fmt.Errorf("parsing history tail: %w", err)
	}
	if step, ok := numberAt(lastHistory, "_step"); ok {
		state.Step = int64(step) + 1
	}
	if value, ok := numberAt(lastHistory, "_runtime"); ok {
		runtime = max(runtime, value)
	}

	lastEvent, err := lastTailRow(status.EventsTail)
	if err != nil {
		return nil, fmt.Errorf("parsing events tail: %w", err)
	}
	if value, ok := numberAt(lastEvent, "_runtime"); ok {
		runtime = max(runtime, value)
	}

	if status.SummaryMetrics != "" {
		if err := decodeObject(status.SummaryMetrics, &state.Summary); err != nil {
			return nil, fmt.Errorf("parsing summary: %w", err)
		}
		if value, ok := numberAt(state.Summary, "_runtime"); ok {
			runtime = max(runtime, value)
		}
	}

	if status.Config != "" {
		var stored map[string]any
		if err := decodeObject(status.Config, &stored); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
		for key, entry := range stored {
			// Stored config wraps each value as {"value": v, "desc": d}.
			if wrapped, ok := entry.(map[string]any); ok {
				if value, ok := wrapped["value"]; ok {
					state.Config[key] = value
					continue
				}
			}
			state.Config[key] = entry
		}
	}

	state.Runtime = time.Duration(math.Round(runtime)) * time.Second
	return state, nil
}

// lastTailRow decodes the last row of a tail: a JSON array whose
// elements are JSON-encoded objects.
func lastTailRow(tail string) (map[string]any, error) {
	if tail == "" {
		return nil, nil
	}
	var rows []string
	if err := json.Unmarshal([]byte(tail), &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	var row map[string]any
	if err := decodeObject(rows[len(rows)-1], &row); err != nil {
		return nil, err
	}
	return row, nil
}

func decodeObject(document string, into *map[string]any) error {
	value, err := record.DecodeJSON(document)
	if err != nil {
		return err
	}
	object, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("expected a JSON object, got %T", value)
	}
	*into = object
	return nil
}

func numberAt(row map[string]any, key string) (float64, bool) {
	number, _, ok := sample.Numeric(row[key])
	return number, ok
}
