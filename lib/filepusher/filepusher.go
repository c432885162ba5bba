// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package filepusher uploads run files to the backend on a bounded
// worker pool.
//
// Jobs are keyed by save name. A name has at most one upload in flight;
// jobs enqueued for it meanwhile collapse into a single pending job
// holding the latest path, so a file rewritten many times is uploaded
// at most twice more. Before uploading, the file's blake3 fingerprint is
// compared with the last one known to be on the backend (in memory,
// then in the optional upload index); an unchanged file is counted as
// deduplicated instead of being sent again.
//
// Failed uploads retry with exponential backoff measured on the
// injected clock until the attempt budget runs out. Client errors other
// than 408 and 429 fail immediately.
//
// Per-file statistics are keyed by save name and each attempt replaces
// the previous one, so [Pusher.Status] reports the state of the latest
// version of every file.
package filepusher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bureau-foundation/runstream/lib/backend"
	"github.com/bureau-foundation/runstream/lib/clock"
	"github.com/bureau-foundation/runstream/lib/compress"
	"github.com/bureau-foundation/runstream/lib/fingerprint"
	"github.com/bureau-foundation/runstream/lib/queue"
	"github.com/bureau-foundation/runstream/lib/record"
	"github.com/bureau-foundation/runstream/lib/uploadindex"
)

// ErrFinished is returned by Enqueue after Finish.
var ErrFinished = errors.New("filepusher: intake closed")

// Job asks for one file to be uploaded.
type Job struct {
	// Path is the local file.
	Path string

	// Name is the save name on the backend, relative to the run.
	Name string

	// Category defaults to Categorize(Name).
	Category Category

	// OnComplete, when set, runs on a worker goroutine after the
	// upload succeeds, deduplicates, or fails for good. A job
	// superseded by a later one for the same name completes with the
	// later job's result.
	OnComplete func(Result)
}

// Result is the outcome of one job.
type Result struct {
	Name    string
	Size    int64
	Deduped bool
	Err     error
}

// Options configures a Pusher. API and Run are required.
type Options struct {
	API backend.API
	Run backend.RunRef

	// Workers bounds concurrent uploads. Default: 4
	Workers int

	// MaxAttempts bounds upload attempts per job. Default: 5
	MaxAttempts int

	// InitialBackoff doubles after each failed attempt up to
	// MaxBackoff. Defaults: 1s and 30s.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Index, when set, persists fingerprints across processes.
	Index *uploadindex.Index

	Clock  clock.Clock
	Logger *slog.Logger
}

type task struct {
	Job
	callbacks []func(Result)
}

type fileStats struct {
	category Category
	total    int64
	uploaded int64
	deduped  int64
	failed   bool
}

// Pusher is safe for concurrent use.
type Pusher struct {
	options Options
	clock   clock.Clock
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	tasks  *queue.Queue[*task]
	wg     sync.WaitGroup

	mu       sync.Mutex
	finished bool
	active   int
	inflight map[string]bool
	pending  map[string]*task
	files    map[string]*fileStats
	remote   map[string]fingerprint.Digest
	drained  chan struct{}
}

// New starts the worker pool.
func New(options Options) *Pusher {
	if options.Workers <= 0 {
		options.Workers = 4
	}
	if options.MaxAttempts <= 0 {
		options.MaxAttempts = 5
	}
	if options.InitialBackoff <= 0 {
		options.InitialBackoff = time.Second
	}
	if options.MaxBackoff < options.InitialBackoff {
		options.MaxBackoff = max(30*time.Second, options.InitialBackoff)
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	pusher := &Pusher{
		options:  options,
		clock:    clk,
		logger:   logger.With("component", "filepusher"),
		ctx:      ctx,
		cancel:   cancel,
		tasks:    queue.New[*task](),
		inflight: make(map[string]bool),
		pending:  make(map[string]*task),
		files:    make(map[string]*fileStats),
		remote:   make(map[string]fingerprint.Digest),
		drained:  make(chan struct{}),
	}
	for range options.Workers {
		pusher.wg.Add(1)
		go pusher.worker()
	}
	return pusher
}

// Enqueue schedules job without blocking.
func (p *Pusher) Enqueue(job Job) error {
	if job.Name == "" || job.Path == "" {
		return fmt.Errorf("filepusher: job needs a path and a name (path %q, name %q)", job.Path, job.Name)
	}
	if job.Category == "" {
		job.Category = Categorize(job.Name)
	}
	next := &task{Job: job}
	if job.OnComplete != nil {
		next.callbacks = []func(Result){job.OnComplete}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return ErrFinished
	}
	if p.inflight[job.Name] {
		if superseded, ok := p.pending[job.Name]; ok {
			next.callbacks = append(superseded.callbacks, next.callbacks...)
		} else {
			p.active++
		}
		p.pending[job.Name] = next
		return nil
	}
	p.inflight[job.Name] = true
	p.active++
	return p.tasks.Put(next)
}

// Finish closes intake. Jobs already accepted still run; use Wait to
// block until they are done.
func (p *Pusher) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		return
	}
	p.finished = true
	p.checkDrainedLocked()
}

// Wait blocks until Finish has been called and every accepted job has
// completed, or ctx is done.
func (p *Pusher) Wait(ctx context.Context) error {
	select {
	case <-p.drained:
		stats := p.totals()
		p.logger.Info("uploads drained",
			"uploaded", humanize.IBytes(uint64(stats.UploadedBytes)),
			"deduped", humanize.IBytes(uint64(stats.DedupedBytes)),
			"total", humanize.IBytes(uint64(stats.TotalBytes)),
		)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close finishes intake, cancels uploads in progress and waits for the
// workers to exit.
func (p *Pusher) Close() {
	p.Finish()
	p.cancel()
	p.tasks.Close()
	p.wg.Wait()
}

// Status reports whether the pusher still has work (or may accept
// more) along with byte totals over the latest version of every file.
func (p *Pusher) Status() (bool, record.PusherStats) {
	p.mu.Lock()
	alive := !p.finished || p.active > 0
	p.mu.Unlock()
	return alive, p.totals()
}

func (p *Pusher) totals() record.PusherStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var stats record.PusherStats
	for _, file := range p.files {
		stats.TotalBytes += file.total
		stats.UploadedBytes += file.uploaded
		stats.DedupedBytes += file.deduped
	}
	return stats
}

// FileCountsByCategory counts distinct save names per category.
func (p *Pusher) FileCountsByCategory() record.FileCounts {
	p.mu.Lock()
	defer p.mu.Unlock()
	var counts record.FileCounts
	for _, file := range p.files {
		switch file.category {
		case CategoryWandb:
			counts.Wandb++
		case CategoryMedia:
			counts.Media++
		case CategoryArtifact:
			counts.Artifact++
		default:
			counts.Other++
		}
	}
	return counts
}

// checkDrainedLocked must be called with p.mu held.
func (p *Pusher) checkDrainedLocked() {
	if !p.finished || p.active > 0 {
		return
	}
	select {
	case <-p.drained:
	default:
		close(p.drained)
		p.tasks.Close()
	}
}

func (p *Pusher) worker() {
	defer p.wg.Done()
	for {
		next, err := p.tasks.Get(p.ctx)
		if err != nil {
			return
		}
		result := p.process(next)
		p.complete(next, result)
	}
}

// complete runs the job's callbacks, then releases the name and starts
// its pending job, if any. Wait returns only after callbacks finish.
func (p *Pusher) complete(done *task, result Result) {
	for _, callback := range done.callbacks {
		callback(result)
	}

	p.mu.Lock()
	p.active--
	if next, ok := p.pending[done.Name]; ok {
		delete(p.pending, done.Name)
		if err := p.tasks.Put(next); err != nil {
			// Close raced with completion; the pending job is dropped.
			p.active--
			delete(p.inflight, done.Name)
		}
	} else {
		delete(p.inflight, done.Name)
	}
	p.checkDrainedLocked()
	p.mu.Unlock()
}

func (p *Pusher) indexKey(name string) string {
	return p.options.Run.String() + "/" + name
}

func (p *Pusher) process(job *task) Result {
	result := Result{Name: job.Name}
	logger := p.logger.With("name", job.Name)

	data, err := os.ReadFile(job.Path)
	if err != nil {
		result.Err = fmt.Errorf("reading %s: %w", job.Path, err)
		p.setStats(job, &fileStats{failed: true})
		logger.Warn("upload skipped", "path", job.Path, "error", err)
		return result
	}
	result.Size = int64(len(data))
	digest := fingerprint.Bytes(data)

	if p.knownRemote(job.Name, digest, result.Size) {
		result.Deduped = true
		p.setStats(job, &fileStats{total: result.Size, deduped: result.Size})
		logger.Debug("upload deduplicated", "size", humanize.IBytes(uint64(result.Size)))
		return result
	}
	p.setStats(job, &fileStats{total: result.Size})

	contentType := compress.ContentType(job.Name)
	body, encoding, err := compress.Encode(data, contentType)
	if err != nil {
		logger.Warn("compression failed, uploading uncompressed", "error", err)
		body, encoding = data, compress.None
	}
	upload := backend.Upload{
		RunRef:          p.options.Run,
		Name:            job.Name,
		ContentType:     contentType,
		ContentEncoding: string(encoding),
		Digest:          digest.String(),
		Size:            result.Size,
		Body:            body,
	}

	if err := p.uploadWithRetry(upload, logger); err != nil {
		result.Err = err
		p.setStats(job, &fileStats{total: result.Size, failed: true})
		logger.Error("upload failed", "error", err)
		return result
	}

	p.mu.Lock()
	p.remote[job.Name] = digest
	p.mu.Unlock()
	p.setStats(job, &fileStats{total: result.Size, uploaded: result.Size})
	if p.options.Index != nil {
		entry := uploadindex.Entry{
			Name:       p.indexKey(job.Name),
			Digest:     digest,
			Size:       result.Size,
			UploadedAt: p.clock.Now(),
		}
		if err := p.options.Index.Record(p.ctx, entry); err != nil {
			logger.Warn("recording upload in index failed", "error", err)
		}
	}
	logger.Debug("uploaded file",
		"size", humanize.IBytes(uint64(result.Size)),
		"wire", humanize.IBytes(uint64(len(body))),
		"encoding", encoding,
	)
	return result
}

func (p *Pusher) uploadWithRetry(upload backend.Upload, logger *slog.Logger) error {
	backoff := p.options.InitialBackoff
	for attempt := 1; ; attempt++ {
		err := p.options.API.UploadFile(p.ctx, upload)
		if err == nil {
			return nil
		}
		if !backend.Retryable(err) || attempt >= p.options.MaxAttempts {
			return fmt.Errorf("uploading %s after %d attempts: %w", upload.Name, attempt, err)
		}
		logger.Warn("upload failed, will retry",
			"error", err,
			"attempt", attempt,
			"backoff", backoff,
		)
		select {
		case <-p.clock.After(backoff):
		case <-p.ctx.Done():
			return fmt.Errorf("uploading %s: %w", upload.Name, p.ctx.Err())
		}
		backoff = min(backoff*2, p.options.MaxBackoff)
	}
}

func (p *Pusher) knownRemote(name string, digest fingerprint.Digest, size int64) bool {
	p.mu.Lock()
	known, ok := p.remote[name]
	p.mu.Unlock()
	if ok {
		return known == digest
	}
	if p.options.Index == nil {
		return false
	}
	entry, found, err := p.options.Index.Lookup(p.ctx, p.indexKey(name))
	if err != nil {
		p.logger.Warn("upload index lookup failed", "name", name, "error", err)
		return false
	}
	return found && entry.Digest == digest && entry.Size == size
}

func (p *Pusher) setStats(job *task, stats *fileStats) {
	stats.category = job.Category
	p.mu.Lock()
	p.files[job.Name] = stats
	p.mu.Unlock()
}
