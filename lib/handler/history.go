// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"fmt"

	"github.com/bureau-foundation/runstream/lib/record"
	"github.com/bureau-foundation/runstream/lib/sample"
)

const stepKey = "_step"

// handleHistory numbers the row, forwards it, and folds it into the
// sampled history and the consolidated summary.
func (h *Handler) handleHistory(r *record.Record) error {
	if err := h.assignStep(r.History); err != nil {
		return err
	}
	h.dispatch(r, false)

	values, err := record.ItemsToMap(r.History.Items)
	if err != nil {
		return err
	}
	for key, value := range values {
		number, integral, ok := sample.Numeric(value)
		if !ok {
			continue
		}
		accumulator, exists := h.history[key]
		if !exists {
			accumulator = sample.New(sample.DefaultCapacity, h.random)
			h.history[key] = accumulator
		}
		accumulator.Add(number, integral)
	}

	h.summary.Merge(values)
	if h.online() {
		items, err := h.summary.Items()
		if err != nil {
			return err
		}
		h.send(record.NewRecord(&record.SummaryRecord{Update: items}))
	}
	return nil
}

// assignStep makes every row carry "_step". An explicit step moves the
// counter past it; otherwise the row takes the counter's value.
func (h *Handler) assignStep(history *record.HistoryRecord) error {
	for _, item := range history.Items {
		if item.Key != stepKey || len(item.NestedKey) != 0 {
			continue
		}
		value, err := item.Value()
		if err != nil {
			return err
		}
		number, integral, ok := sample.Numeric(value)
		if !ok || !integral {
			return fmt.Errorf("%w: _step %s is not an integer", record.ErrProtocol, item.ValueJSON)
		}
		h.step = int64(number) + 1
		return nil
	}
	item, err := record.NewItem(stepKey, h.step)
	if err != nil {
		return err
	}
	history.Items = append(history.Items, item)
	h.step++
	return nil
}

// handleSummary applies the edit and persists the whole summary in
// place of the edit.
func (h *Handler) handleSummary(r *record.Record) error {
	if err := h.summary.Apply(r.Summary); err != nil {
		return fmt.Errorf("%w: %w", record.ErrProtocol, err)
	}
	return h.persistSummary()
}

func (h *Handler) persistSummary() error {
	items, err := h.summary.Items()
	if err != nil {
		return err
	}
	h.dispatch(record.NewRecord(&record.SummaryRecord{Update: items}), false)
	return nil
}
