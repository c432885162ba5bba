// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/runstream/lib/datastore"
	"github.com/bureau-foundation/runstream/lib/record"
	"github.com/bureau-foundation/runstream/lib/writer"
)

func writeLog(t *testing.T, records ...*record.Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.wandb")
	store, err := datastore.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	w := writer.New(store)
	for i, r := range records {
		r.Num = int64(i + 1)
		if err := w.Write(r); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDumpPrintsHeaderAndJSONBody(t *testing.T) {
	item, err := record.NewItem("loss", 0.5)
	if err != nil {
		t.Fatal(err)
	}
	path := writeLog(t,
		record.NewRecord(&record.HistoryRecord{Items: []record.Item{item}}),
		record.NewRequest(record.RequestShutdown),
	)

	var out bytes.Buffer
	if err := newDumper(&out, false, false).dump(path); err != nil {
		t.Fatalf("dump: %v", err)
	}
	text := out.String()
	for _, want := range []string{
		"#1 history offset=",
		"#2 request/shutdown offset=",
		`"kind": "history"`,
		`"key": "loss"`,
		"2 records",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "\x1b[") {
		t.Errorf("uncolored output contains escape sequences:\n%q", text)
	}
}

func TestDumpRawUsesDiagnosticNotation(t *testing.T) {
	path := writeLog(t, record.NewRecord(&record.OutputRecord{Stream: record.StreamStdout, Line: "hello\n"}))

	var out bytes.Buffer
	if err := newDumper(&out, true, false).dump(path); err != nil {
		t.Fatalf("dump: %v", err)
	}
	if !strings.Contains(out.String(), `"kind": "output"`) {
		t.Errorf("diagnostic output missing kind entry:\n%s", out.String())
	}
}

func TestDumpReportsCorruptionAfterGoodRecords(t *testing.T) {
	path := writeLog(t,
		record.NewRecord(&record.OutputRecord{Stream: record.StreamStdout, Line: "one\n"}),
		record.NewRecord(&record.OutputRecord{Stream: record.StreamStdout, Line: "two\n"}),
	)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-2] ^= 0x01
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	err = newDumper(&out, false, false).dump(path)
	if !errors.Is(err, datastore.ErrCorrupt) {
		t.Fatalf("dump = %v, want ErrCorrupt", err)
	}
	text := out.String()
	if !strings.Contains(text, "#1 output") || strings.Contains(text, "#2 output") {
		t.Errorf("want only the first record before the corruption:\n%s", text)
	}
	if !strings.Contains(text, "corrupt log after 1 records") {
		t.Errorf("output missing corruption notice:\n%s", text)
	}
}
