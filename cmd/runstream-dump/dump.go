// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"

	"github.com/bureau-foundation/runstream/lib/codec"
	"github.com/bureau-foundation/runstream/lib/datastore"
	"github.com/bureau-foundation/runstream/lib/record"
)

// kindColors groups kinds by role: run lifecycle, metrics, files and
// control traffic.
var kindColors = map[record.Kind]lipgloss.Color{
	record.KindHeader:   "12",
	record.KindRun:      "12",
	record.KindExit:     "12",
	record.KindFinal:    "12",
	record.KindFooter:   "12",
	record.KindHistory:  "10",
	record.KindSummary:  "10",
	record.KindStats:    "10",
	record.KindConfig:   "11",
	record.KindFiles:    "13",
	record.KindArtifact: "13",
	record.KindTBRecord: "13",
	record.KindOutput:   "7",
	record.KindAlert:    "9",
	record.KindRequest:  "8",
}

type dumper struct {
	out   io.Writer
	raw   bool
	color bool

	num   lipgloss.Style
	faint lipgloss.Style
	kind  func(record.Kind) lipgloss.Style
	alert lipgloss.Style
}

func newDumper(out io.Writer, raw, color bool) *dumper {
	renderer := lipgloss.NewRenderer(out)
	if color {
		renderer.SetColorProfile(termenv.ANSI256)
	} else {
		renderer.SetColorProfile(termenv.Ascii)
	}
	return &dumper{
		out:   out,
		raw:   raw,
		color: color,
		num:   renderer.NewStyle().Bold(true),
		faint: renderer.NewStyle().Faint(true),
		kind: func(kind record.Kind) lipgloss.Style {
			foreground, ok := kindColors[kind]
			if !ok {
				foreground = "8"
			}
			return renderer.NewStyle().Foreground(foreground).Bold(true)
		},
		alert: renderer.NewStyle().Foreground(lipgloss.Color("9")).Bold(true),
	}
}

// dump prints every record in the log at path. Records before a
// corruption are printed; the corruption is then returned.
func (d *dumper) dump(path string) error {
	scanner, err := datastore.OpenScan(path)
	if err != nil {
		return err
	}
	defer scanner.Close()

	var (
		count int
		total uint64
	)
	for {
		offset := scanner.Offset()
		payload, err := scanner.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			d.summarize(count, total)
			fmt.Fprintln(d.out, d.alert.Render(fmt.Sprintf("corrupt log after %d records: %v", count, err)))
			return fmt.Errorf("%s: %w", path, err)
		}
		count++
		total += uint64(len(payload))
		if err := d.print(payload, offset); err != nil {
			d.summarize(count-1, total-uint64(len(payload)))
			return fmt.Errorf("%s: record at offset %d: %w", path, offset, err)
		}
	}
	d.summarize(count, total)
	return nil
}

func (d *dumper) print(payload []byte, offset int64) error {
	var r record.Record
	if err := codec.Unmarshal(payload, &r); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	label := string(r.Kind)
	if r.Kind == record.KindRequest && r.Request != nil {
		label += "/" + string(r.Request.Kind)
	}
	fmt.Fprintf(d.out, "%s %s %s\n",
		d.num.Render(fmt.Sprintf("#%d", r.Num)),
		d.kind(r.Kind).Render(label),
		d.faint.Render(fmt.Sprintf("offset=%d size=%s", offset, humanize.IBytes(uint64(len(payload))))),
	)

	if d.raw {
		diagnostic, err := codec.Diagnose(payload)
		if err != nil {
			return fmt.Errorf("diagnosing record: %w", err)
		}
		fmt.Fprintln(d.out, diagnostic)
		return nil
	}

	// Decoding into a generic value keeps the stored field names, which
	// are the ones the producer and the log format document.
	var generic any
	if err := codec.Unmarshal(payload, &generic); err != nil {
		return fmt.Errorf("decoding record body: %w", err)
	}
	body, err := json.MarshalIndent(generic, "", "  ")
	if err != nil {
		return fmt.Errorf("rendering record as JSON: %w", err)
	}
	if d.color {
		if err := quick.Highlight(d.out, string(body)+"\n", "json", "terminal256", "monokai"); err == nil {
			return nil
		}
	}
	fmt.Fprintln(d.out, string(body))
	return nil
}

func (d *dumper) summarize(count int, total uint64) {
	fmt.Fprintln(d.out, d.faint.Render(fmt.Sprintf("%s records, %s of payload", humanize.Comma(int64(count)), humanize.IBytes(total))))
}
