// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package filestream batches line-oriented run files (history, events,
// summary, console output) into periodic backend requests.
//
// Lines pushed between flushes are grouped per file and shaped by the
// file's [Policy]. One request is outstanding at a time: a failed
// request is retried with exponential backoff (1s doubling to 30s)
// while new lines keep accumulating behind it, so order on the backend
// matches push order. [Stream.Finish] makes one best-effort pass over
// whatever is left, bounded by a drain timeout, and then marks the
// stream complete with the run's exit code.
package filestream

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/runstream/lib/backend"
	"github.com/bureau-foundation/runstream/lib/clock"
)

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Options configures a Stream. API and Run are required.
type Options struct {
	API backend.API
	Run backend.RunRef

	// Policies maps file names to policies. Files without an entry
	// use JSONLPolicy(0).
	Policies map[string]Policy

	// FlushInterval is the time between requests. Default: 15s
	FlushInterval time.Duration

	// MaxLinesPerRequest caps the lines sent per file per request.
	// Default: 1000
	MaxLinesPerRequest int

	// DrainTimeout bounds Finish. Default: 30s
	DrainTimeout time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Stream is safe for concurrent use.
type Stream struct {
	options Options
	clock   clock.Clock
	logger  *slog.Logger

	mu       sync.Mutex
	pending  map[string][]string
	order    []string
	started  bool
	finished bool
	exitCode int32

	finish chan struct{}
	done   chan struct{}
}

// New returns a stream that sends nothing until Start.
func New(options Options) *Stream {
	if options.FlushInterval <= 0 {
		options.FlushInterval = 15 * time.Second
	}
	if options.MaxLinesPerRequest <= 0 {
		options.MaxLinesPerRequest = 1000
	}
	if options.DrainTimeout <= 0 {
		options.DrainTimeout = 30 * time.Second
	}
	if options.Policies == nil {
		options.Policies = make(map[string]Policy)
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		options: options,
		clock:   clk,
		logger:  logger.With("component", "filestream"),
		pending: make(map[string][]string),
		finish:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the send loop. It stops when Finish is called or ctx
// is cancelled; cancellation skips the completion request.
func (s *Stream) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.run(ctx)
}

// Push queues one line for file. Lines pushed after Finish are dropped.
func (s *Stream) Push(file, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		s.logger.Warn("line pushed after finish", "file", file)
		return
	}
	if _, ok := s.pending[file]; !ok {
		s.order = append(s.order, file)
	}
	s.pending[file] = append(s.pending[file], line)
}

// Finish flushes pending lines, posts the completion request carrying
// exitCode, and blocks until both are done or the drain timeout
// expires. Safe to call more than once; calls after the first return
// immediately.
func (s *Stream) Finish(exitCode int32) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.exitCode = exitCode
	started := s.started
	s.mu.Unlock()

	if !started {
		return
	}
	close(s.finish)
	<-s.done
}

// take builds the next request from pending lines, or returns nil when
// nothing is pending. At most MaxLinesPerRequest lines per file are
// taken; the rest wait for the next request.
func (s *Stream) take() *backend.FileStreamRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.order) == 0 {
		return nil
	}
	request := &backend.FileStreamRequest{
		RunRef: s.options.Run,
		Files:  make(map[string]backend.FileChunk, len(s.order)),
	}
	var remaining []string
	for _, file := range s.order {
		lines := s.pending[file]
		count := min(len(lines), s.options.MaxLinesPerRequest)
		batch := slices.Clone(lines[:count])
		if count < len(lines) {
			s.pending[file] = lines[count:]
			remaining = append(remaining, file)
		} else {
			delete(s.pending, file)
		}
		policy, ok := s.options.Policies[file]
		if !ok {
			policy = JSONLPolicy(0)
			s.options.Policies[file] = policy
		}
		request.Files[file] = policy.Chunk(batch)
	}
	s.order = remaining
	return request
}

func (s *Stream) run(ctx context.Context) {
	defer close(s.done)

	ticker := s.clock.NewTicker(s.options.FlushInterval)
	defer ticker.Stop()

	backoff := initialBackoff
	var outstanding *backend.FileStreamRequest
	for {
		select {
		case <-ticker.C:
		case <-s.finish:
			s.drain(outstanding)
			return
		case <-ctx.Done():
			return
		}

		for {
			if outstanding == nil {
				outstanding = s.take()
			}
			if outstanding == nil {
				break
			}
			err := s.options.API.FileStream(ctx, *outstanding)
			if err == nil {
				outstanding = nil
				backoff = initialBackoff
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if !backend.Retryable(err) {
				s.logger.Error("file stream request rejected, dropping it", "error", err, "files", len(outstanding.Files))
				outstanding = nil
				continue
			}
			s.logger.Warn("file stream request failed, will retry", "error", err, "backoff", backoff)
			select {
			case <-s.clock.After(backoff):
			case <-s.finish:
				s.drain(outstanding)
				return
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

// drain makes one pass through the outstanding request and everything
// still pending, then posts completion. The first failure abandons the
// remaining lines but completion is still attempted.
func (s *Stream) drain(outstanding *backend.FileStreamRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), s.options.DrainTimeout)
	defer cancel()

	for {
		if outstanding == nil {
			outstanding = s.take()
		}
		if outstanding == nil {
			break
		}
		if err := s.options.API.FileStream(ctx, *outstanding); err != nil {
			s.mu.Lock()
			abandoned := len(s.order)
			s.mu.Unlock()
			s.logger.Warn("drain: file stream request failed, abandoning remaining lines",
				"error", err, "files_remaining", abandoned)
			break
		}
		outstanding = nil
	}

	s.mu.Lock()
	exitCode := s.exitCode
	s.mu.Unlock()
	complete := backend.FileStreamRequest{RunRef: s.options.Run, Complete: true, ExitCode: exitCode}
	if err := s.options.API.FileStream(ctx, complete); err != nil {
		s.logger.Error("marking file stream complete failed", "error", err)
	}
}
