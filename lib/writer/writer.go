// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package writer is the durable stage of the consumer: every record the
// router does not mark local is CBOR-encoded and appended to the run's
// framed log, in the order the router saw it.
package writer

import (
	"errors"
	"fmt"
	"io"

	"github.com/bureau-foundation/runstream/lib/codec"
	"github.com/bureau-foundation/runstream/lib/datastore"
	"github.com/bureau-foundation/runstream/lib/record"
)

// Writer appends records to a framed log. Not safe for concurrent use.
type Writer struct {
	store   *datastore.Writer
	records int64
}

// New takes ownership of store.
func New(store *datastore.Writer) *Writer {
	return &Writer{store: store}
}

// Write encodes r and appends it.
func (w *Writer) Write(r *record.Record) error {
	payload, err := codec.Marshal(r)
	if err != nil {
		return fmt.Errorf("encoding %s record: %w", r.Kind, err)
	}
	if _, _, err := w.store.Write(payload); err != nil {
		return fmt.Errorf("appending %s record: %w", r.Kind, err)
	}
	w.records++
	return nil
}

// Records returns how many records were written.
func (w *Writer) Records() int64 { return w.records }

// Close syncs and closes the log.
func (w *Writer) Close() error {
	return errors.Join(w.store.Sync(), w.store.Close())
}

// Replay decodes every record in the log at path in order, calling fn
// with each record and the offset of the chunk following it. It stops
// at the first error from the log, the decoder or fn; a clean end
// returns nil.
func Replay(path string, fn func(r *record.Record, offset int64) error) error {
	scanner, err := datastore.OpenScan(path)
	if err != nil {
		return err
	}
	defer scanner.Close()
	for {
		payload, err := scanner.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		var r record.Record
		if err := codec.Unmarshal(payload, &r); err != nil {
			return fmt.Errorf("decoding record at offset %d: %w", scanner.Offset(), err)
		}
		if err := fn(&r, scanner.Offset()); err != nil {
			return err
		}
	}
}
