// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sender

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/runstream/lib/backend"
	"github.com/bureau-foundation/runstream/lib/backend/backendtest"
	"github.com/bureau-foundation/runstream/lib/clock"
	"github.com/bureau-foundation/runstream/lib/config"
	"github.com/bureau-foundation/runstream/lib/record"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	sender    *Sender
	api       *backendtest.Fake
	settings  *config.Settings
	clock     *clock.FakeClock
	published []*record.Record
	results   []*record.Result
}

func newHarness(t *testing.T, configure func(*config.Settings, *backendtest.Fake)) *harness {
	t.Helper()
	settings := config.Default()
	settings.FilesDir = t.TempDir()
	settings.Entity = "team"
	settings.Project = "vision"
	settings.FileStream.FlushInterval = time.Hour
	api := backendtest.New()
	if configure != nil {
		configure(settings, api)
	}
	h := &harness{api: api, settings: settings, clock: clock.Fake(epoch)}
	sender, err := New(Options{
		Settings: settings,
		API:      api,
		Publish:  func(r *record.Record) { h.published = append(h.published, r) },
		Respond:  func(r *record.Result) { h.results = append(h.results, r) },
		Clock:    h.clock,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.sender = sender
	t.Cleanup(sender.Finish)
	return h
}

func (h *harness) send(t *testing.T, r *record.Record) {
	t.Helper()
	if err := h.sender.Send(context.Background(), r); err != nil {
		t.Fatalf("Send(%s): %v", r.Kind, err)
	}
}

// loop delivers published records back to the sender until none are
// left, the way the router forwards them.
func (h *harness) loop(t *testing.T) []*record.Record {
	t.Helper()
	var delivered []*record.Record
	for len(h.published) > 0 {
		next := h.published[0]
		h.published = h.published[1:]
		delivered = append(delivered, next)
		h.send(t, next)
	}
	return delivered
}

// waitUploads blocks until the pusher drained after the defer sequence
// closed its intake.
func (h *harness) waitUploads(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.sender.pusher.Wait(ctx); err != nil {
		t.Fatalf("pusher Wait: %v", err)
	}
}

func (h *harness) startRun(t *testing.T, configItems ...record.Item) *record.RunRecord {
	t.Helper()
	r := record.NewRecord(&record.RunRecord{RunID: "run1", StartTime: epoch, Config: configItems})
	r.UUID = "run"
	r.Control.ReqResp = true
	h.send(t, r)
	result := h.result(t, "run")
	if result.Run == nil || result.Run.Error != nil {
		t.Fatalf("run result = %+v", result.Run)
	}
	return result.Run.Run
}

func (h *harness) result(t *testing.T, uuid string) *record.Result {
	t.Helper()
	for _, result := range h.results {
		if result.UUID == uuid {
			return result
		}
	}
	t.Fatalf("no result with uuid %q among %d results", uuid, len(h.results))
	return nil
}

func (h *harness) exitResults() int {
	count := 0
	for _, result := range h.results {
		if result.Exit != nil {
			count++
		}
	}
	return count
}

func item(t *testing.T, key string, value any) record.Item {
	t.Helper()
	it, err := record.NewItem(key, value)
	if err != nil {
		t.Fatal(err)
	}
	return it
}

func TestAdvance(t *testing.T) {
	tests := []struct {
		expected, requested record.DeferState
		next                record.DeferState
		act                 bool
	}{
		{record.DeferBegin, record.DeferBegin, record.DeferFlushStats, true},
		{record.DeferFlushStats, record.DeferFlushStats, record.DeferFlushTB, true},
		{record.DeferFlushTB, record.DeferFlushStats, record.DeferFlushTB, false},
		{record.DeferFlushTB, record.DeferFlushDir, record.DeferFlushTB, false},
		{record.DeferEnd, record.DeferEnd, deferComplete, true},
		{deferComplete, record.DeferEnd, deferComplete, false},
		{deferComplete, deferComplete, deferComplete, false},
	}
	for _, test := range tests {
		next, act := Advance(test.expected, test.requested)
		if next != test.next || act != test.act {
			t.Errorf("Advance(%s, %s) = (%s, %v), want (%s, %v)",
				test.expected, test.requested, next, act, test.next, test.act)
		}
	}
}

func TestDeferSequenceDeliversExitOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.startRun(t)
	h.send(t, record.NewRecord(&record.HistoryRecord{Items: []record.Item{item(t, "loss", 0.5), item(t, "_step", 0)}}))

	exit := record.NewRecord(&record.ExitRecord{ExitCode: 3})
	exit.UUID = "exit"
	exit.Control.ReqResp = true
	h.send(t, exit)
	h.send(t, exit)

	// Premature and stale requests are ignored wherever they arrive.
	h.send(t, record.NewDefer(record.DeferEnd))
	h.send(t, record.NewDefer(record.DeferFlushFinal))

	var states []record.DeferState
	for len(h.published) > 0 {
		next := h.published[0]
		h.published = h.published[1:]
		h.send(t, next)
		if next.Kind == record.KindRequest {
			states = append(states, next.Request.Defer.State)
			h.send(t, next)
			h.send(t, record.NewDefer(record.DeferBegin))
		}
	}

	for i, state := range states {
		if state != record.DeferState(i) {
			t.Fatalf("defer states = %v, want BEGIN..END in order", states)
		}
	}
	if len(states) != int(record.DeferEnd)+1 {
		t.Fatalf("saw %d defer states, want %d", len(states), record.DeferEnd+1)
	}
	if got := h.exitResults(); got != 1 {
		t.Fatalf("exit delivered %d times, want 1", got)
	}
	if exitResult := h.result(t, "exit").Exit; exitResult.ExitCode != 3 {
		t.Errorf("exit code = %d", exitResult.ExitCode)
	}
	if complete, code := h.api.Completed(); !complete || code != 3 {
		t.Errorf("file stream complete = %v with code %d", complete, code)
	}
	if lines := h.api.StreamedLines(HistoryFile); len(lines) != 1 || !strings.Contains(lines[0], `"loss":0.5`) {
		t.Errorf("history lines = %q", lines)
	}

	names := h.api.UploadedNames()
	if !contains(names, ConfigFile) {
		t.Errorf("uploads = %v, want config.yaml", names)
	}
}

func contains(values []string, want string) bool {
	for _, value := range values {
		if value == want {
			return true
		}
	}
	return false
}

func TestFinalAndFooterPublished(t *testing.T) {
	h := newHarness(t, nil)
	h.send(t, record.NewRecord(&record.ExitRecord{}))
	delivered := h.loop(t)
	var finals, footers int
	for _, r := range delivered {
		switch r.Kind {
		case record.KindFinal:
			finals++
		case record.KindFooter:
			footers++
		}
	}
	if finals != 1 || footers != 1 {
		t.Errorf("published %d final and %d footer records", finals, footers)
	}
	if _, ok := h.sender.ExitResult(); !ok {
		t.Error("offline defer sequence did not reach END")
	}
}

func pollExit(t *testing.T, h *harness, uuid string) *record.PollExitResponse {
	t.Helper()
	r := record.NewRequest(record.RequestPollExit)
	r.UUID = uuid
	h.send(t, r)
	return h.result(t, uuid).Response.PollExit
}

func TestPollExit(t *testing.T) {
	h := newHarness(t, nil)
	h.startRun(t)
	if response := pollExit(t, h, "before"); response.Done || response.ExitResult != nil {
		t.Fatalf("poll before exit = %+v", response)
	}

	h.send(t, record.NewRecord(&record.ExitRecord{ExitCode: 0}))
	h.loop(t)
	h.waitUploads(t)

	response := pollExit(t, h, "after")
	if !response.Done || response.ExitResult == nil || response.ExitResult.ExitCode != 0 {
		t.Fatalf("poll after exit = %+v", response)
	}
	if response.PusherStats.TotalBytes == 0 || response.FileCounts.Wandb == 0 {
		t.Errorf("poll after exit reported no uploads: %+v", response)
	}
	if h.exitResults() != 0 {
		t.Error("exit without a reply request delivered an exit result")
	}
}

func TestResumeStepAndConfigPrecedence(t *testing.T) {
	h := newHarness(t, func(settings *config.Settings, api *backendtest.Fake) {
		settings.Resume = config.ResumeAllow
		api.Resume["run1"] = &backend.ResumeStatus{
			HistoryTail:      `["{\"_step\":14,\"_runtime\":30}","{\"_step\":15,\"_runtime\":40}"]`,
			EventsTail:       `["{\"_runtime\":42.4}"]`,
			Config:           `{"lr":{"value":0.1,"desc":null},"batch":{"value":32,"desc":null}}`,
			SummaryMetrics:   `{"loss":0.2}`,
			HistoryLineCount: 16,
			EventsLineCount:  5,
			LogLineCount:     100,
		}
	})
	run := h.startRun(t, item(t, "lr", 0.01))

	if run.StartingStep != 16 || !run.Resumed {
		t.Errorf("starting step %d resumed %v, want 16 true", run.StartingStep, run.Resumed)
	}
	if want := epoch.Add(-42 * time.Second); !run.StartTime.Equal(want) {
		t.Errorf("start time = %v, want %v", run.StartTime, want)
	}
	configuration, err := record.ItemsToMap(run.Config)
	if err != nil {
		t.Fatal(err)
	}
	if lr := configuration["lr"].(interface{ String() string }).String(); lr != "0.01" {
		t.Errorf("lr = %s, want the override 0.01", lr)
	}
	if batch := configuration["batch"].(interface{ String() string }).String(); batch != "32" {
		t.Errorf("batch = %s, want the resumed 32", batch)
	}
	if len(run.Summary) != 1 || run.Summary[0].Key != "loss" {
		t.Errorf("resumed summary = %+v", run.Summary)
	}

	upserts := h.api.Upserts()
	if len(upserts) != 1 {
		t.Fatalf("got %d upserts", len(upserts))
	}
	if lr := upserts[0].Config["lr"].(map[string]any)["value"]; lr.(interface{ String() string }).String() != "0.01" {
		t.Errorf("upserted lr = %v", lr)
	}

	data, err := os.ReadFile(filepath.Join(h.settings.FilesDir, ConfigFile))
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	if !strings.HasPrefix(text, "wandb_version: 1\n") || !strings.Contains(text, "value: 0.01") ||
		!strings.Contains(text, "value: 32") || !strings.Contains(text, "desc: null") {
		t.Errorf("config.yaml =\n%s", text)
	}

	h.send(t, record.NewRecord(&record.HistoryRecord{Items: []record.Item{item(t, "_step", 16)}}))
	h.send(t, record.NewRecord(&record.ExitRecord{}))
	h.loop(t)
	for _, request := range h.api.StreamRequests() {
		if chunk, ok := request.Files[HistoryFile]; ok && chunk.Offset != 16 {
			t.Errorf("history chunk offset = %d, want 16", chunk.Offset)
		}
	}
}

func TestResumeConflicts(t *testing.T) {
	existing := &backend.ResumeStatus{HistoryTail: `[]`}
	tests := []struct {
		name   string
		mode   config.ResumeMode
		status *backend.ResumeStatus
	}{
		{"must without prior run", config.ResumeMust, nil},
		{"never with prior run", config.ResumeNever, existing},
		{"must with unreadable state", config.ResumeMust, &backend.ResumeStatus{HistoryTail: "not json"}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			h := newHarness(t, func(settings *config.Settings, api *backendtest.Fake) {
				settings.Resume = test.mode
				if test.status != nil {
					api.Resume["run1"] = test.status
				}
			})
			r := record.NewRecord(&record.RunRecord{RunID: "run1"})
			r.UUID = "run"
			r.Control.ReqResp = true
			h.send(t, r)
			result := h.result(t, "run").Run
			if result == nil || result.Error == nil || result.Error.Code != record.ErrorResumeConflict {
				t.Fatalf("run result = %+v, want a resume conflict", result)
			}
			if len(h.api.Upserts()) != 0 {
				t.Error("conflicting run was upserted")
			}
		})
	}
}

func TestResumeAllowWithoutPriorRunStartsFresh(t *testing.T) {
	h := newHarness(t, func(settings *config.Settings, api *backendtest.Fake) {
		settings.Resume = config.ResumeAuto
	})
	run := h.startRun(t)
	if run.Resumed || run.StartingStep != 0 {
		t.Errorf("fresh run = %+v", run)
	}
}

func TestLookupFailureUnderNeverIsConflict(t *testing.T) {
	h := newHarness(t, func(settings *config.Settings, api *backendtest.Fake) {
		settings.Resume = config.ResumeNever
		api.ResumeErr = errors.New("connection refused")
	})
	r := record.NewRecord(&record.RunRecord{RunID: "run1"})
	h.send(t, r)
	if len(h.results) != 0 {
		t.Error("run without a reply request produced a result")
	}
	if len(h.api.Upserts()) != 0 {
		t.Error("run was upserted despite the conflict")
	}
}

func TestOutputLines(t *testing.T) {
	h := newHarness(t, nil)
	h.startRun(t)
	at := epoch.Add(1500 * time.Millisecond)
	for _, fragment := range []record.OutputRecord{
		{Stream: record.StreamStderr, Line: "hel", Timestamp: at},
		{Stream: record.StreamStdout, Line: "step 1\nstep", Timestamp: at},
		{Stream: record.StreamStderr, Line: "lo\nwor", Timestamp: at},
	} {
		h.send(t, record.NewRecord(&fragment))
	}
	h.send(t, record.NewRecord(&record.ExitRecord{}))
	h.loop(t)

	data, err := os.ReadFile(filepath.Join(h.settings.FilesDir, OutputFile))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"2026-03-01T12:00:01.500000 step 1",
		"ERROR 2026-03-01T12:00:01.500000 hello",
		"2026-03-01T12:00:00.000000 step",
		"ERROR 2026-03-01T12:00:00.000000 wor",
	}
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	if strings.Join(lines, "|") != strings.Join(want, "|") {
		t.Errorf("output.log lines:\n%q\nwant:\n%q", lines, want)
	}
	if streamed := h.api.StreamedLines(OutputFile); len(streamed) != 4 {
		t.Errorf("streamed %d output lines, want 4", len(streamed))
	}
}

func TestSummaryAndStats(t *testing.T) {
	h := newHarness(t, nil)
	h.startRun(t)
	h.send(t, record.NewRecord(&record.SummaryRecord{Update: []record.Item{item(t, "best", 0.9)}}))
	h.send(t, record.NewRecord(&record.StatsRecord{
		Type:      record.StatsSystem,
		Timestamp: epoch.Add(10 * time.Second),
		Items:     []record.Item{item(t, "cpu", 12.5)},
	}))
	h.send(t, record.NewRecord(&record.StatsRecord{Type: "gpu", Items: []record.Item{item(t, "x", 1)}}))

	data, err := os.ReadFile(filepath.Join(h.settings.FilesDir, SummaryFile))
	if err != nil || string(data) != `{"best":0.9}` {
		t.Errorf("wandb-summary.json = %q, %v", data, err)
	}

	h.send(t, record.NewRecord(&record.ExitRecord{}))
	h.loop(t)
	h.waitUploads(t)
	events := h.api.StreamedLines(EventsFile)
	if len(events) != 1 {
		t.Fatalf("events = %q, want one system row", events)
	}
	for _, fragment := range []string{`"system.cpu":12.5`, `"_wandb":true`, `"_runtime":10`} {
		if !strings.Contains(events[0], fragment) {
			t.Errorf("events row %s missing %s", events[0], fragment)
		}
	}
	if summary := h.api.StreamedLines(SummaryFile); len(summary) != 1 || summary[0] != `{"best":0.9}` {
		t.Errorf("streamed summary = %q", summary)
	}
	if !contains(h.api.UploadedNames(), SummaryFile) {
		t.Error("wandb-summary.json was not uploaded at the end of the run")
	}
}

func TestAlertRequiresServerSupport(t *testing.T) {
	for _, test := range []struct {
		maxVersion string
		want       int
	}{
		{"", 0},
		{"0.10.8", 0},
		{"0.10.9", 1},
		{"0.17.0", 1},
	} {
		h := newHarness(t, func(_ *config.Settings, api *backendtest.Fake) {
			api.Server.MaxCLIVersion = test.maxVersion
		})
		h.startRun(t)
		h.send(t, record.NewRecord(&record.AlertRecord{Title: "diverged", Text: "loss is NaN", Level: "ERROR"}))
		if got := len(h.api.Alerts()); got != test.want {
			t.Errorf("max_cli_version %q: %d alerts sent, want %d", test.maxVersion, got, test.want)
		}
	}
}

func TestArtifactCommittedAfterUploads(t *testing.T) {
	h := newHarness(t, nil)
	h.startRun(t)
	source := t.TempDir()
	var contents []record.ManifestEntry
	for _, name := range []string{"weights.bin", "vocab.txt"} {
		local := filepath.Join(source, name)
		if err := os.WriteFile(local, []byte("data-"+name), 0644); err != nil {
			t.Fatal(err)
		}
		contents = append(contents, record.ManifestEntry{Path: name, Digest: "d-" + name, LocalPath: local})
	}
	contents = append(contents, record.ManifestEntry{Path: "remote.bin", Digest: "d-remote"})

	h.send(t, record.NewRecord(&record.ArtifactRecord{
		Type: "model", Name: "net", Digest: "artifact-digest",
		Manifest: record.ArtifactManifest{Version: 1, StoragePolicy: "file", Contents: contents},
	}))
	h.sender.pusher.Finish()
	h.waitUploads(t)

	if committed := h.api.Committed(); len(committed) != 1 || committed[0] != "artifact-1" {
		t.Errorf("committed = %v", committed)
	}
	names := h.api.UploadedNames()
	for _, want := range []string{"artifact/artifact-1/vocab.txt", "artifact/artifact-1/weights.bin"} {
		if !contains(names, want) {
			t.Errorf("uploads %v missing %s", names, want)
		}
	}
	if counts := h.sender.pusher.FileCountsByCategory(); counts.Artifact != 2 {
		t.Errorf("artifact count = %d, want 2", counts.Artifact)
	}
}

func TestRequests(t *testing.T) {
	h := newHarness(t, func(_ *config.Settings, api *backendtest.Fake) {
		api.Versions.UpgradeMessage = "upgrade available"
		api.StopErr = errors.New("timeout")
	})
	h.startRun(t)

	status := record.NewRequest(record.RequestStatus)
	status.UUID = "status"
	h.send(t, status)
	if response := h.result(t, "status").Response.Status; response == nil || response.RunShouldStop {
		t.Errorf("status with failing stop check = %+v", response)
	}

	check := record.NewRecord(&record.Request{
		Kind:         record.RequestCheckVersion,
		CheckVersion: &record.CheckVersionRequest{CurrentVersion: "0.1.0"},
	})
	check.UUID = "version"
	h.send(t, check)
	if response := h.result(t, "version").Response.CheckVersion; response.UpgradeMessage != "upgrade available" {
		t.Errorf("check_version = %+v", response)
	}

	login := record.NewRequest(record.RequestLogin)
	login.UUID = "login"
	h.send(t, login)
	if response := h.result(t, "login").Response.Login; response.ActiveEntity != "tester" {
		t.Errorf("login = %+v", response)
	}
}

func TestStopRequested(t *testing.T) {
	h := newHarness(t, nil)
	h.startRun(t)
	h.api.RequestStop()
	status := record.NewRequest(record.RequestStatus)
	status.UUID = "status"
	h.send(t, status)
	if !h.result(t, "status").Response.Status.RunShouldStop {
		t.Error("stop request not reported")
	}
}

func TestNonFiniteValuesStreamAsStrings(t *testing.T) {
	h := newHarness(t, nil)
	h.startRun(t)
	h.send(t, record.NewRecord(&record.HistoryRecord{Items: []record.Item{
		{Key: "loss", ValueJSON: "NaN"},
		{Key: "grad", ValueJSON: "[1, -Infinity]"},
		{Key: "_step", ValueJSON: "0"},
	}}))
	h.send(t, record.NewRecord(&record.SummaryRecord{Update: []record.Item{{Key: "best", ValueJSON: "Infinity"}}}))
	h.send(t, record.NewRecord(&record.ExitRecord{}))
	h.loop(t)

	history := h.api.StreamedLines(HistoryFile)
	if len(history) != 1 || !strings.Contains(history[0], `"loss":"NaN"`) || !strings.Contains(history[0], `"grad":[1,"-Infinity"]`) {
		t.Errorf("history lines = %q", history)
	}
	if summary := h.api.StreamedLines(SummaryFile); len(summary) != 1 || summary[0] != `{"best":"Infinity"}` {
		t.Errorf("summary lines = %q", summary)
	}
}

func TestLocalFileFailuresAreNotFatal(t *testing.T) {
	h := newHarness(t, nil)
	// Directories in place of the files make every write to them fail.
	for _, name := range []string{ConfigFile, OutputFile} {
		if err := os.Mkdir(filepath.Join(h.settings.FilesDir, name), 0755); err != nil {
			t.Fatal(err)
		}
	}
	h.startRun(t)
	h.send(t, record.NewRecord(&record.OutputRecord{Stream: record.StreamStdout, Line: "first\n", Timestamp: epoch}))
	h.send(t, record.NewRecord(&record.OutputRecord{Stream: record.StreamStdout, Line: "second\n", Timestamp: epoch}))
	h.send(t, record.NewRecord(&record.ConfigRecord{Update: []record.Item{item(t, "lr", 0.1)}}))
	h.send(t, record.NewRecord(&record.ExitRecord{}))
	h.loop(t)

	if streamed := h.api.StreamedLines(OutputFile); len(streamed) != 2 {
		t.Errorf("streamed %d output lines, want 2", len(streamed))
	}
	if complete, _ := h.api.Completed(); !complete {
		t.Error("file stream did not complete")
	}
}
