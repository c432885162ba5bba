// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sender is the network stage of the consumer. It turns routed
// records into backend calls, file-stream lines and saved files, and
// drives the shutdown sequence: an exit record starts it, and each
// defer request runs one phase and publishes the request for the next
// phase, until END delivers the exit result.
//
// A Sender is driven by one goroutine. Send is not safe for concurrent
// use; poll_exit reads upload progress from the pusher, which is.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bureau-foundation/runstream/lib/backend"
	"github.com/bureau-foundation/runstream/lib/clock"
	"github.com/bureau-foundation/runstream/lib/config"
	"github.com/bureau-foundation/runstream/lib/dirwatcher"
	"github.com/bureau-foundation/runstream/lib/filepusher"
	"github.com/bureau-foundation/runstream/lib/filestream"
	"github.com/bureau-foundation/runstream/lib/record"
	"github.com/bureau-foundation/runstream/lib/summary"
	"github.com/bureau-foundation/runstream/lib/uploadindex"
)

// Names of the files the sender maintains, relative to the files
// directory and to the run on the backend.
const (
	ConfigFile  = "config.yaml"
	SummaryFile = "wandb-summary.json"
	HistoryFile = "wandb-history.jsonl"
	EventsFile  = "wandb-events.jsonl"
	OutputFile  = "output.log"
)

// Options configures a Sender. Settings, API, Publish and Respond are
// required.
type Options struct {
	Settings *config.Settings
	API      backend.API

	// Publish feeds a record back into the routing queue. The defer
	// sequence and the final and footer markers travel this way.
	Publish func(*record.Record)

	// Respond delivers a result to the producer.
	Respond func(*record.Result)

	// UploadIndex, when set, lets the pusher skip files uploaded by an
	// earlier process.
	UploadIndex *uploadindex.Index

	Clock  clock.Clock
	Logger *slog.Logger
}

// Sender performs the network side effects of a run. Create with New.
type Sender struct {
	settings *config.Settings
	api      backend.API
	publish  func(*record.Record)
	respond  func(*record.Result)
	index    *uploadindex.Index
	clock    clock.Clock
	logger   *slog.Logger

	// ctx outlives individual records: uploads, the file stream and
	// artifact commits run under it.
	ctx    context.Context
	cancel context.CancelFunc

	run       *record.RunRecord
	ref       backend.RunRef
	startTime time.Time
	config    *summary.Tree

	stream *filestream.Stream
	pusher *filepusher.Pusher
	dirs   *dirwatcher.Watcher

	partial    map[record.OutputStream]string
	outputFile *os.File
	outputDone bool

	serverInfo *backend.ServerInfo

	exiting    bool
	exitCode   int32
	exitUUID   string
	deferNext  record.DeferState
	exitResult *record.ExitResult
}

// New returns a sender that has not seen a run yet.
func New(options Options) (*Sender, error) {
	if options.Settings == nil || options.API == nil || options.Publish == nil || options.Respond == nil {
		return nil, errors.New("sender: Settings, API, Publish and Respond are required")
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
	return &Sender{
		settings:  options.Settings,
		api:       options.API,
		publish:   options.Publish,
		respond:   options.Respond,
		index:     options.UploadIndex,
		clock:     clk,
		logger:    logger.With("component", "sender"),
		ctx:       ctx,
		cancel:    cancel,
		config:    summary.New(),
		partial:   make(map[record.OutputStream]string),
		deferNext: record.DeferBegin,
	}, nil
}

// Send performs the side effects of one record. Backend and local file
// failures are logged and absorbed; a returned error wraps
// record.ErrProtocol.
func (s *Sender) Send(ctx context.Context, r *record.Record) error {
	switch r.Kind {
	case record.KindRun:
		return s.handleRun(ctx, r)
	case record.KindHistory:
		s.handleHistory(r.History)
	case record.KindSummary:
		return s.handleSummary(r.Summary)
	case record.KindStats:
		s.handleStats(r.Stats)
	case record.KindOutput:
		s.handleOutput(r.Output)
	case record.KindConfig:
		return s.handleConfig(ctx, r.Config)
	case record.KindFiles:
		s.handleFiles(r.Files)
	case record.KindArtifact:
		s.handleArtifact(ctx, r.Artifact)
	case record.KindAlert:
		s.handleAlert(ctx, r.Alert)
	case record.KindExit:
		s.handleExit(r)
	case record.KindRequest:
		return s.handleRequest(ctx, r)
	case record.KindTBRecord, record.KindHeader, record.KindFooter, record.KindFinal:
	default:
		return fmt.Errorf("%w: sender cannot handle record kind %q", record.ErrProtocol, r.Kind)
	}
	return nil
}

// Finish releases the file stream, the pusher and the directory watcher
// when the defer sequence did not run to completion. Uploads in
// progress are abandoned.
func (s *Sender) Finish() {
	s.cancel()
	if s.pusher != nil {
		s.pusher.Close()
	}
	if s.dirs != nil {
		s.dirs.Finish()
	}
	if s.stream != nil {
		s.stream.Finish(s.exitCode)
	}
	s.closeOutput()
}

// ExitResult returns the exit result once the defer sequence reached
// END.
func (s *Sender) ExitResult() (*record.ExitResult, bool) {
	return s.exitResult, s.exitResult != nil
}

// absorb logs err unless it is a protocol violation, which it returns.
func (s *Sender) absorb(err error, message string, args ...any) error {
	if err == nil || errors.Is(err, record.ErrProtocol) {
		return err
	}
	s.logger.Warn(message, append(args, "error", err)...)
	return nil
}

func (s *Sender) reply(r *record.Record, response *record.Response) {
	s.respond(&record.Result{UUID: r.UUID, Response: response})
}

func (s *Sender) handleRequest(ctx context.Context, r *record.Record) error {
	switch r.Request.Kind {
	case record.RequestDefer:
		return s.handleDefer(ctx, r.Request.Defer.State)
	case record.RequestPollExit:
		s.handlePollExit(r)
	case record.RequestStatus:
		s.handleStatus(ctx, r)
	case record.RequestCheckVersion:
		s.handleCheckVersion(ctx, r)
	case record.RequestLogin:
		s.handleLogin(ctx, r)
	case record.RequestRunStart, record.RequestGetSummary, record.RequestSampledHistory,
		record.RequestPause, record.RequestResume, record.RequestShutdown:
		// Answered by the router.
	default:
		return fmt.Errorf("%w: unknown request kind %q", record.ErrProtocol, r.Request.Kind)
	}
	return nil
}
