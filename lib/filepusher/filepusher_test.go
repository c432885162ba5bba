// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filepusher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/runstream/lib/backend"
	"github.com/bureau-foundation/runstream/lib/backend/backendtest"
	"github.com/bureau-foundation/runstream/lib/clock"
	"github.com/bureau-foundation/runstream/lib/fingerprint"
	"github.com/bureau-foundation/runstream/lib/record"
	"github.com/bureau-foundation/runstream/lib/testutil"
	"github.com/bureau-foundation/runstream/lib/uploadindex"
)

var testRun = backend.RunRef{Entity: "team", Project: "demo", RunID: "run1"}

func writeFile(t *testing.T, directory, name, content string) string {
	t.Helper()
	path := filepath.Join(directory, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func newPusher(t *testing.T, api backend.API, fake *clock.FakeClock, configure func(*Options)) *Pusher {
	t.Helper()
	options := Options{
		API:            api,
		Run:            testRun,
		Workers:        2,
		MaxAttempts:    3,
		InitialBackoff: time.Second,
		MaxBackoff:     4 * time.Second,
		Clock:          fake,
	}
	if configure != nil {
		configure(&options)
	}
	pusher := New(options)
	t.Cleanup(pusher.Close)
	return pusher
}

func finishAndWait(t *testing.T, pusher *Pusher) {
	t.Helper()
	pusher.Finish()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := pusher.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

// completion collects OnComplete results.
func completion() (func(Result), <-chan Result) {
	results := make(chan Result, 16)
	return func(result Result) { results <- result }, results
}

func TestUploadAndStats(t *testing.T) {
	directory := t.TempDir()
	api := backendtest.New()
	pusher := newPusher(t, api, clock.Fake(time.Unix(0, 0)), nil)

	content := "epoch,loss\n1,0.5\n2,0.25\n"
	path := writeFile(t, directory, "metrics.csv", content)
	onComplete, results := completion()
	if err := pusher.Enqueue(Job{Path: path, Name: "metrics.csv", OnComplete: onComplete}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	result := testutil.RequireReceive(t, results, 5*time.Second, "waiting for upload")
	if result.Err != nil || result.Deduped || result.Size != int64(len(content)) {
		t.Fatalf("result = %+v", result)
	}

	uploads := api.Uploads()
	if len(uploads) != 1 {
		t.Fatalf("got %d uploads, want 1", len(uploads))
	}
	if uploads[0].RunRef != testRun || uploads[0].Digest != fingerprint.Bytes([]byte(content)).String() {
		t.Errorf("upload = %+v", uploads[0])
	}

	alive, stats := pusher.Status()
	if !alive {
		t.Error("pusher should be alive before Finish")
	}
	want := record.PusherStats{UploadedBytes: int64(len(content)), TotalBytes: int64(len(content))}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	finishAndWait(t, pusher)
	if alive, _ := pusher.Status(); alive {
		t.Error("pusher should not be alive after draining")
	}
}

func TestUnchangedFileIsDeduplicated(t *testing.T) {
	directory := t.TempDir()
	api := backendtest.New()
	pusher := newPusher(t, api, clock.Fake(time.Unix(0, 0)), nil)

	path := writeFile(t, directory, "model.bin", "weights")
	onComplete, results := completion()
	for range 2 {
		if err := pusher.Enqueue(Job{Path: path, Name: "model.bin", OnComplete: onComplete}); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
		testutil.RequireReceive(t, results, 5*time.Second, "waiting for job")
	}

	if uploads := api.Uploads(); len(uploads) != 1 {
		t.Fatalf("got %d uploads, want 1", len(uploads))
	}
	// The second attempt replaces the first one's statistics.
	_, stats := pusher.Status()
	want := record.PusherStats{TotalBytes: 7, DedupedBytes: 7}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}

	writeFile(t, directory, "model.bin", "weights v2")
	if err := pusher.Enqueue(Job{Path: path, Name: "model.bin", OnComplete: onComplete}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if result := testutil.RequireReceive(t, results, 5*time.Second, "waiting for job"); result.Deduped {
		t.Error("changed file should be uploaded again")
	}
	if uploads := api.Uploads(); len(uploads) != 2 {
		t.Errorf("got %d uploads, want 2", len(uploads))
	}
}

func TestUploadIndexDeduplicatesAcrossPushers(t *testing.T) {
	directory := t.TempDir()
	index, err := uploadindex.Open(filepath.Join(directory, "uploads.db"), nil)
	if err != nil {
		t.Fatalf("uploadindex.Open: %v", err)
	}
	t.Cleanup(func() { index.Close() })
	path := writeFile(t, directory, "files/notes.txt", "remember this")

	api := backendtest.New()
	first := newPusher(t, api, clock.Fake(time.Unix(0, 0)), func(o *Options) { o.Index = index })
	if err := first.Enqueue(Job{Path: path, Name: "notes.txt"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	finishAndWait(t, first)

	second := newPusher(t, api, clock.Fake(time.Unix(0, 0)), func(o *Options) { o.Index = index })
	onComplete, results := completion()
	if err := second.Enqueue(Job{Path: path, Name: "notes.txt", OnComplete: onComplete}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if result := testutil.RequireReceive(t, results, 5*time.Second, "waiting for job"); !result.Deduped {
		t.Errorf("result = %+v, want deduplicated through the index", result)
	}
	if uploads := api.Uploads(); len(uploads) != 1 {
		t.Errorf("got %d uploads, want 1", len(uploads))
	}
}

// gatedAPI blocks the first upload of each name until released.
type gatedAPI struct {
	*backendtest.Fake
	started chan string
	release chan struct{}

	mu   sync.Mutex
	seen map[string]bool
}

func (g *gatedAPI) UploadFile(ctx context.Context, upload backend.Upload) error {
	g.mu.Lock()
	first := !g.seen[upload.Name]
	g.seen[upload.Name] = true
	g.mu.Unlock()
	if first {
		g.started <- upload.Name
		select {
		case <-g.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return g.Fake.UploadFile(ctx, upload)
}

func TestSameNameJobsCoalesce(t *testing.T) {
	directory := t.TempDir()
	api := &gatedAPI{
		Fake:    backendtest.New(),
		started: make(chan string, 1),
		release: make(chan struct{}),
		seen:    make(map[string]bool),
	}
	pusher := newPusher(t, api, clock.Fake(time.Unix(0, 0)), nil)

	v1 := writeFile(t, directory, "v1/history.txt", "one")
	v2 := writeFile(t, directory, "v2/history.txt", "two")
	v3 := writeFile(t, directory, "v3/history.txt", "three")

	onComplete, results := completion()
	if err := pusher.Enqueue(Job{Path: v1, Name: "history.txt", OnComplete: onComplete}); err != nil {
		t.Fatal(err)
	}
	testutil.RequireReceive(t, api.started, 5*time.Second, "waiting for first upload")
	for _, path := range []string{v2, v3} {
		if err := pusher.Enqueue(Job{Path: path, Name: "history.txt", OnComplete: onComplete}); err != nil {
			t.Fatal(err)
		}
	}
	close(api.release)
	finishAndWait(t, pusher)

	uploads := api.Uploads()
	if len(uploads) != 2 {
		t.Fatalf("got %d uploads, want 2 (in flight plus latest pending)", len(uploads))
	}
	if uploads[1].Digest != fingerprint.Bytes([]byte("three")).String() {
		t.Error("pending upload should carry the latest enqueued file")
	}
	// Every enqueued job completes, including the superseded one.
	for range 3 {
		testutil.RequireReceive(t, results, 5*time.Second, "waiting for completion")
	}
}

func TestRetryWithBackoff(t *testing.T) {
	directory := t.TempDir()
	api := backendtest.New()
	api.FailUploads("flaky.txt", &backend.StatusError{StatusCode: 503, Body: "busy"})
	fake := clock.Fake(time.Unix(0, 0))
	pusher := newPusher(t, api, fake, nil)

	onComplete, results := completion()
	path := writeFile(t, directory, "flaky.txt", "eventually")
	if err := pusher.Enqueue(Job{Path: path, Name: "flaky.txt", OnComplete: onComplete}); err != nil {
		t.Fatal(err)
	}

	fake.WaitForTimers(1)
	fake.Advance(time.Second)

	result := testutil.RequireReceive(t, results, 5*time.Second, "waiting for retry")
	if result.Err != nil {
		t.Fatalf("result = %+v, want success after retry", result)
	}
	if uploads := api.Uploads(); len(uploads) != 1 {
		t.Errorf("got %d successful uploads, want 1", len(uploads))
	}
}

func TestAttemptsExhausted(t *testing.T) {
	directory := t.TempDir()
	api := backendtest.New()
	unavailable := &backend.StatusError{StatusCode: 503}
	api.FailUploads("doomed.txt", unavailable, unavailable)
	fake := clock.Fake(time.Unix(0, 0))
	pusher := newPusher(t, api, fake, func(o *Options) { o.MaxAttempts = 2 })

	onComplete, results := completion()
	path := writeFile(t, directory, "doomed.txt", "never")
	if err := pusher.Enqueue(Job{Path: path, Name: "doomed.txt", OnComplete: onComplete}); err != nil {
		t.Fatal(err)
	}
	fake.WaitForTimers(1)
	fake.Advance(time.Second)

	result := testutil.RequireReceive(t, results, 5*time.Second, "waiting for failure")
	var statusError *backend.StatusError
	if !errors.As(result.Err, &statusError) {
		t.Fatalf("result error = %v, want StatusError", result.Err)
	}
	_, stats := pusher.Status()
	if stats.UploadedBytes != 0 || stats.TotalBytes != 5 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	directory := t.TempDir()
	api := backendtest.New()
	api.FailUploads("bad.txt", &backend.StatusError{StatusCode: 400, Body: "rejected"})
	fake := clock.Fake(time.Unix(0, 0))
	pusher := newPusher(t, api, fake, nil)

	onComplete, results := completion()
	path := writeFile(t, directory, "bad.txt", "x")
	if err := pusher.Enqueue(Job{Path: path, Name: "bad.txt", OnComplete: onComplete}); err != nil {
		t.Fatal(err)
	}
	if result := testutil.RequireReceive(t, results, 5*time.Second, "waiting for failure"); result.Err == nil {
		t.Fatal("400 should fail the job")
	}
	if pending := fake.PendingCount(); pending != 0 {
		t.Errorf("%d backoff timers pending, want none", pending)
	}
}

func TestMissingFileFails(t *testing.T) {
	api := backendtest.New()
	pusher := newPusher(t, api, clock.Fake(time.Unix(0, 0)), nil)
	onComplete, results := completion()
	err := pusher.Enqueue(Job{Path: filepath.Join(t.TempDir(), "gone"), Name: "gone", OnComplete: onComplete})
	if err != nil {
		t.Fatal(err)
	}
	if result := testutil.RequireReceive(t, results, 5*time.Second, "waiting for failure"); result.Err == nil {
		t.Error("missing file should fail")
	}
}

func TestFinishClosesIntake(t *testing.T) {
	pusher := newPusher(t, backendtest.New(), clock.Fake(time.Unix(0, 0)), nil)
	finishAndWait(t, pusher)
	err := pusher.Enqueue(Job{Path: "/dev/null", Name: "late.txt"})
	if !errors.Is(err, ErrFinished) {
		t.Errorf("Enqueue after Finish = %v, want ErrFinished", err)
	}
	if err := pusher.Enqueue(Job{Name: "no-path"}); err == nil {
		t.Error("job without a path should be rejected")
	}
}

func TestFileCountsByCategory(t *testing.T) {
	directory := t.TempDir()
	api := backendtest.New()
	pusher := newPusher(t, api, clock.Fake(time.Unix(0, 0)), nil)

	jobs := []Job{
		{Name: "wandb-summary.json"},
		{Name: "config.yaml"},
		{Name: "media/images/a.png"},
		{Name: "model/weights.bin", Category: CategoryArtifact},
		{Name: "notes.txt"},
	}
	for _, job := range jobs {
		job.Path = writeFile(t, directory, job.Name, job.Name)
		if err := pusher.Enqueue(job); err != nil {
			t.Fatal(err)
		}
	}
	finishAndWait(t, pusher)

	want := record.FileCounts{Wandb: 2, Media: 1, Artifact: 1, Other: 1}
	if counts := pusher.FileCountsByCategory(); counts != want {
		t.Errorf("counts = %+v, want %+v", counts, want)
	}
}

func TestCategorize(t *testing.T) {
	tests := map[string]Category{
		"wandb-history.jsonl":     CategoryWandb,
		"wandb-events.jsonl":      CategoryWandb,
		"output.log":              CategoryWandb,
		"requirements.txt":        CategoryWandb,
		"media/table/t.json":      CategoryMedia,
		"sub/wandb-summary.json":  CategoryOther,
		"wandb-notes.txt":         CategoryOther,
		"checkpoints/epoch-1.pt":  CategoryOther,
		"/wandb-metadata.json":    CategoryWandb,
		"media/../config.yaml":    CategoryWandb,
		"diff.patch":              CategoryWandb,
		"events.out.tfevents.123": CategoryOther,
	}
	for name, want := range tests {
		if got := Categorize(name); got != want {
			t.Errorf("Categorize(%q) = %q, want %q", name, got, want)
		}
	}
}
