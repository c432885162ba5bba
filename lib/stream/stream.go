// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream assembles the consumer: a routing stage, a durable
// write stage and a network send stage, each draining its own FIFO
// queue on its own goroutine. Records enter through Publish without
// blocking; results for the producer leave through Results.
//
// Order is preserved end to end: the router forwards records to the
// writer and sender queues in the order it receives them, so the log
// and the network both see production order.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/runstream/lib/backend"
	"github.com/bureau-foundation/runstream/lib/clock"
	"github.com/bureau-foundation/runstream/lib/config"
	"github.com/bureau-foundation/runstream/lib/datastore"
	"github.com/bureau-foundation/runstream/lib/handler"
	"github.com/bureau-foundation/runstream/lib/queue"
	"github.com/bureau-foundation/runstream/lib/record"
	"github.com/bureau-foundation/runstream/lib/sender"
	"github.com/bureau-foundation/runstream/lib/uploadindex"
	"github.com/bureau-foundation/runstream/lib/writer"
)

// Options configures a Stream. Settings, API and Store are required.
type Options struct {
	Settings *config.Settings
	API      backend.API

	// Store is the run's framed log. The stream closes it when Run
	// returns.
	Store *datastore.Writer

	UploadIndex *uploadindex.Index

	// NewSampler and NewTBWatcher override the router's collectors.
	NewSampler   func() handler.Sampler
	NewTBWatcher func() (handler.TBWatcher, error)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Stream is one run's consumer pipeline.
type Stream struct {
	logger *slog.Logger

	records *queue.Queue[*record.Record]
	writes  *queue.Queue[*record.Record]
	sends   *queue.Queue[*record.Record]
	pending *queue.Queue[*record.Result]
	results chan *record.Result

	handler *handler.Handler
	sender  *sender.Sender
	writer  *writer.Writer
}

// New builds the queues and stages. Nothing runs until Run.
func New(options Options) (*Stream, error) {
	if options.Settings == nil || options.API == nil || options.Store == nil {
		return nil, errors.New("stream: Settings, API and Store are required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Stream{
		logger:  logger,
		records: queue.New[*record.Record](),
		writes:  queue.New[*record.Record](),
		sends:   queue.New[*record.Record](),
		pending: queue.New[*record.Result](),
		results: make(chan *record.Result),
		writer:  writer.New(options.Store),
	}

	var err error
	s.handler, err = handler.New(handler.Options{
		Settings:     options.Settings,
		Write:        s.enqueue(s.writes, "writer"),
		Send:         s.enqueue(s.sends, "sender"),
		Respond:      s.respond,
		Publish:      s.Publish,
		NewSampler:   options.NewSampler,
		NewTBWatcher: options.NewTBWatcher,
		Clock:        options.Clock,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	s.sender, err = sender.New(sender.Options{
		Settings:    options.Settings,
		API:         options.API,
		Publish:     s.Publish,
		Respond:     s.respond,
		UploadIndex: options.UploadIndex,
		Clock:       options.Clock,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Publish queues r for the router without blocking. Records published
// after the stream stopped are dropped.
func (s *Stream) Publish(r *record.Record) {
	if err := s.records.Put(r); err != nil {
		s.logger.Debug("record dropped after shutdown", "kind", r.Kind)
	}
}

// Results delivers results for the producer. It is closed after Run
// returns and every result has been received.
func (s *Stream) Results() <-chan *record.Result { return s.results }

func (s *Stream) respond(result *record.Result) {
	if err := s.pending.Put(result); err != nil {
		s.logger.Debug("result dropped after shutdown", "uuid", result.UUID)
	}
}

func (s *Stream) enqueue(target *queue.Queue[*record.Record], stage string) func(*record.Record) {
	return func(r *record.Record) {
		if err := target.Put(r); err != nil {
			s.logger.Warn("record dropped, stage stopped", "stage", stage, "kind", r.Kind)
		}
	}
}

// Run drives the three stages until a shutdown request has been
// handled and the queues drained, ctx is cancelled, or a stage fails.
// A stage failure (a corrupt write or a protocol violation) is
// returned; shutdown and cancellation return nil.
func (s *Stream) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.deliverResults()

	var (
		wg       sync.WaitGroup
		failOnce sync.Once
		failure  error
	)
	fail := func(err error) {
		failOnce.Do(func() {
			failure = err
			cancel()
		})
	}
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := s.route(ctx); err != nil {
			fail(fmt.Errorf("router: %w", err))
		}
	}()
	go func() {
		defer wg.Done()
		if err := drain(ctx, s.writes, s.writer.Write); err != nil {
			fail(fmt.Errorf("writer: %w", err))
		}
	}()
	go func() {
		defer wg.Done()
		send := func(r *record.Record) error { return s.sender.Send(ctx, r) }
		if err := drain(ctx, s.sends, send); err != nil {
			fail(fmt.Errorf("sender: %w", err))
		}
	}()
	wg.Wait()

	s.records.Close()
	s.handler.Finish()
	s.sender.Finish()
	if err := s.writer.Close(); err != nil && failure == nil {
		failure = fmt.Errorf("closing log: %w", err)
	}
	s.pending.Close()
	if failure != nil {
		s.logger.Error("stream stopped", "error", failure)
	} else {
		s.logger.Info("stream stopped", "records_written", s.writer.Records())
	}
	return failure
}

// route feeds records to the handler. After a shutdown request it
// stops accepting records, routes what is already queued, and closes
// the downstream queues.
func (s *Stream) route(ctx context.Context) error {
	defer s.writes.Close()
	defer s.sends.Close()
	for {
		r, err := s.records.Get(ctx)
		if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.handler.Handle(r); err != nil {
			return err
		}
		if s.handler.Stopped() {
			s.records.Close()
		}
	}
}

// drain applies fn to every record in q until q is closed and empty.
func drain(ctx context.Context, q *queue.Queue[*record.Record], fn func(*record.Record) error) error {
	for {
		r, err := q.Get(ctx)
		if errors.Is(err, queue.ErrClosed) || errors.Is(err, context.Canceled) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
}

func (s *Stream) deliverResults() {
	defer close(s.results)
	for {
		result, err := s.pending.Get(context.Background())
		if err != nil {
			return
		}
		s.results <- result
	}
}
