// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package handler is the routing stage of the consumer. It reads
// records in production order and forwards each one to the writer
// queue, the sender queue, or both, according to its kind and the
// run's mode. It owns the consolidated summary and the sampled history
// and answers the requests that only need that state.
//
// A Handler is driven by one goroutine. Handle is not safe for
// concurrent use.
package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"slices"

	"github.com/bureau-foundation/runstream/lib/clock"
	"github.com/bureau-foundation/runstream/lib/config"
	"github.com/bureau-foundation/runstream/lib/record"
	"github.com/bureau-foundation/runstream/lib/sample"
	"github.com/bureau-foundation/runstream/lib/summary"
	"github.com/bureau-foundation/runstream/lib/sysmetrics"
	"github.com/bureau-foundation/runstream/lib/tbwatcher"
)

// Sampler is the system metrics collector. *sysmetrics.Sampler
// satisfies it.
type Sampler interface {
	Start()
	Stop()
}

// TBWatcher mirrors external metric directories.
// *tbwatcher.Watcher satisfies it.
type TBWatcher interface {
	Add(*record.TBRecord) error
	Finish()
}

// Options configures a Handler. Settings, Write, Send, Respond and
// Publish are required.
type Options struct {
	Settings *config.Settings

	// Write enqueues a record for the durable log.
	Write func(*record.Record)

	// Send enqueues a record for the sender.
	Send func(*record.Record)

	// Respond delivers a result to the producer.
	Respond func(*record.Result)

	// Publish feeds a record back into the routing queue. Stats and
	// mirrored event files enter the stream this way.
	Publish func(*record.Record)

	// NewSampler and NewTBWatcher default to the sysmetrics and
	// tbwatcher implementations.
	NewSampler   func() Sampler
	NewTBWatcher func() (TBWatcher, error)

	// Random seeds the history samplers. Nil picks a random seed.
	Random *rand.Rand

	Clock  clock.Clock
	Logger *slog.Logger
}

type recordFunc func(*record.Record) error

// Handler routes records. Create with New.
type Handler struct {
	settings *config.Settings
	write    func(*record.Record)
	send     func(*record.Record)
	respond  func(*record.Result)
	publish  func(*record.Record)
	clock    clock.Clock
	logger   *slog.Logger

	newSampler   func() Sampler
	newTBWatcher func() (TBWatcher, error)

	kinds    map[record.Kind]recordFunc
	requests map[record.RequestKind]recordFunc

	step    int64
	summary *summary.Tree
	history map[string]*sample.Accumulator
	random  *rand.Rand

	runStarted bool
	sampler    Sampler
	tb         TBWatcher
	stopped    bool
}

// New builds the routing tables and fails if any record or request
// kind lacks an entry.
func New(options Options) (*Handler, error) {
	if options.Settings == nil || options.Write == nil || options.Send == nil ||
		options.Respond == nil || options.Publish == nil {
		return nil, fmt.Errorf("handler: Settings, Write, Send, Respond and Publish are required")
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	random := options.Random
	if random == nil {
		random = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	h := &Handler{
		settings: options.Settings,
		write:    options.Write,
		send:     options.Send,
		respond:  options.Respond,
		publish:  options.Publish,
		clock:    clk,
		logger:   logger.With("component", "handler"),
		kinds:    make(map[record.Kind]recordFunc),
		requests: make(map[record.RequestKind]recordFunc),
		summary:  summary.New(),
		history:  make(map[string]*sample.Accumulator),
		random:   random,
	}
	h.newSampler = options.NewSampler
	if h.newSampler == nil {
		h.newSampler = h.defaultSampler
	}
	h.newTBWatcher = options.NewTBWatcher
	if h.newTBWatcher == nil {
		h.newTBWatcher = h.defaultTBWatcher
	}

	for _, kind := range []record.Kind{
		record.KindOutput, record.KindConfig, record.KindFiles, record.KindStats,
		record.KindArtifact, record.KindAlert, record.KindRun, record.KindHeader,
		record.KindFooter,
	} {
		h.handle(kind, h.dispatchDefault)
	}
	h.handle(record.KindExit, h.dispatchAlways)
	h.handle(record.KindFinal, h.dispatchAlways)
	h.handle(record.KindHistory, h.handleHistory)
	h.handle(record.KindSummary, h.handleSummary)
	h.handle(record.KindTBRecord, h.handleTBRecord)
	h.handle(record.KindRequest, h.handleRequest)

	h.handleReq(record.RequestDefer, h.handleDefer)
	h.handleReq(record.RequestPollExit, h.dispatchAlways)
	h.handleReq(record.RequestStatus, h.dispatchOnline)
	h.handleReq(record.RequestCheckVersion, h.dispatchOnline)
	h.handleReq(record.RequestLogin, h.dispatchOnline)
	h.handleReq(record.RequestRunStart, h.handleRunStart)
	h.handleReq(record.RequestGetSummary, h.handleGetSummary)
	h.handleReq(record.RequestSampledHistory, h.handleSampledHistory)
	h.handleReq(record.RequestPause, h.handlePause)
	h.handleReq(record.RequestResume, h.handleResume)
	h.handleReq(record.RequestShutdown, h.handleShutdown)

	for _, kind := range record.Kinds {
		if _, ok := h.kinds[kind]; !ok {
			return nil, fmt.Errorf("handler: no route for record kind %q", kind)
		}
	}
	for _, kind := range record.RequestKinds {
		if _, ok := h.requests[kind]; !ok {
			return nil, fmt.Errorf("handler: no route for request kind %q", kind)
		}
	}
	return h, nil
}

// handle registers fn for kind. Panics on a duplicate registration.
func (h *Handler) handle(kind record.Kind, fn recordFunc) {
	if _, exists := h.kinds[kind]; exists {
		panic(fmt.Sprintf("handler: duplicate route for record kind %q", kind))
	}
	h.kinds[kind] = fn
}

func (h *Handler) handleReq(kind record.RequestKind, fn recordFunc) {
	if _, exists := h.requests[kind]; exists {
		panic(fmt.Sprintf("handler: duplicate route for request kind %q", kind))
	}
	h.requests[kind] = fn
}

// Handle routes one record. A returned error wraps record.ErrProtocol;
// local failures are logged and the record is still routed.
func (h *Handler) Handle(r *record.Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	fn, ok := h.kinds[r.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown record kind %q", record.ErrProtocol, r.Kind)
	}
	return fn(r)
}

// Stopped reports whether a shutdown request has been handled.
func (h *Handler) Stopped() bool { return h.stopped }

// Finish stops the stats sampler and the tb watcher if they are still
// running.
func (h *Handler) Finish() {
	if h.sampler != nil {
		h.sampler.Stop()
	}
	if h.tb != nil {
		h.tb.Finish()
		h.tb = nil
	}
}

func (h *Handler) online() bool { return !h.settings.Offline() }

// dispatch forwards r to the sender when the run is online or
// alwaysSend is set, and to the writer unless r is local.
func (h *Handler) dispatch(r *record.Record, alwaysSend bool) {
	if !r.Control.Local {
		h.write(r)
	}
	if alwaysSend || h.online() {
		h.send(r)
	}
}

func (h *Handler) dispatchDefault(r *record.Record) error {
	h.dispatch(r, false)
	return nil
}

func (h *Handler) dispatchAlways(r *record.Record) error {
	h.dispatch(r, true)
	return nil
}

// dispatchOnline routes requests that only the sender can answer. An
// offline run answers them locally with an empty response so the
// producer is not left waiting.
func (h *Handler) dispatchOnline(r *record.Record) error {
	if h.online() {
		h.dispatch(r, false)
		return nil
	}
	if !r.Control.ReqResp {
		return nil
	}
	response := &record.Response{}
	switch r.Request.Kind {
	case record.RequestStatus:
		response.Status = &record.StatusResponse{}
	case record.RequestCheckVersion:
		response.CheckVersion = &record.CheckVersionResponse{}
	case record.RequestLogin:
		response.Login = &record.LoginResponse{}
	}
	h.reply(r, response)
	return nil
}

func (h *Handler) reply(r *record.Record, response *record.Response) {
	h.respond(&record.Result{UUID: r.UUID, Response: response})
}

// handleTBRecord registers the directory and forwards the record. A
// directory that cannot be watched costs only its mirrored files.
func (h *Handler) handleTBRecord(r *record.Record) error {
	if r.TBRecord.LogDir == "" {
		return fmt.Errorf("%w: tbrecord without a log directory", record.ErrProtocol)
	}
	if h.tb == nil {
		h.startTBWatcher()
	}
	if h.tb != nil {
		if err := h.tb.Add(r.TBRecord); err != nil {
			if errors.Is(err, record.ErrProtocol) {
				return err
			}
			h.logger.Warn("tb directory not watched", "log_dir", r.TBRecord.LogDir, "error", err)
		}
	}
	h.dispatch(r, false)
	return nil
}

// startTBWatcher leaves h.tb nil on failure; the next tbrecord tries
// again.
func (h *Handler) startTBWatcher() {
	watcher, err := h.newTBWatcher()
	if err != nil {
		h.logger.Warn("starting tb watcher failed", "error", err)
		return
	}
	h.tb = watcher
}

func (h *Handler) handleRequest(r *record.Record) error {
	fn, ok := h.requests[r.Request.Kind]
	if !ok {
		return fmt.Errorf("%w: unknown request kind %q", record.ErrProtocol, r.Request.Kind)
	}
	return fn(r)
}

func (h *Handler) handleDefer(r *record.Record) error {
	switch r.Request.Defer.State {
	case record.DeferFlushStats:
		if h.sampler != nil {
			h.sampler.Stop()
		}
	case record.DeferFlushTB:
		if h.tb != nil {
			h.tb.Finish()
			h.tb = nil
		}
	case record.DeferFlushSummary:
		if err := h.persistSummary(); err != nil {
			return err
		}
	}
	h.dispatch(r, true)
	return nil
}

func (h *Handler) handleRunStart(r *record.Record) error {
	run := &r.Request.RunStart.Run
	h.step = run.StartingStep
	h.runStarted = true

	if !h.settings.Stats.Disabled {
		if h.sampler == nil {
			h.sampler = h.newSampler()
		}
		h.sampler.Start()
	}
	if h.tb == nil {
		h.startTBWatcher()
	}
	if !h.settings.DisableMeta {
		h.writeMetadata(run)
	}
	h.reply(r, &record.Response{RunStart: &record.RunStartResponse{}})
	return nil
}

// writeMetadata saves the host description and schedules its upload.
// Failure only costs the metadata file.
func (h *Handler) writeMetadata(run *record.RunRecord) {
	startedAt := run.StartTime
	if startedAt.IsZero() {
		startedAt = h.clock.Now()
	}
	path := filepath.Join(h.settings.FilesDir, sysmetrics.MetadataFile)
	if err := sysmetrics.WriteMetadata(path, sysmetrics.ProbeMetadata(startedAt)); err != nil {
		h.logger.Warn("writing metadata failed", "path", path, "error", err)
		return
	}
	h.dispatch(record.NewRecord(&record.FilesRecord{
		Files: []record.FileItem{{Path: sysmetrics.MetadataFile, Policy: record.PolicyNow}},
	}), false)
}

func (h *Handler) handleGetSummary(r *record.Record) error {
	items, err := h.summary.Items()
	if err != nil {
		return err
	}
	h.reply(r, &record.Response{GetSummary: &record.GetSummaryResponse{Items: items}})
	return nil
}

func (h *Handler) handleSampledHistory(r *record.Record) error {
	keys := make([]string, 0, len(h.history))
	for key := range h.history {
		keys = append(keys, key)
	}
	slices.Sort(keys)

	items := make([]record.SampledHistoryItem, 0, len(keys))
	for _, key := range keys {
		accumulator := h.history[key]
		item := record.SampledHistoryItem{Key: key}
		values := accumulator.Values()
		if accumulator.Integral() {
			item.ValuesInt = make([]int64, len(values))
			for i, value := range values {
				item.ValuesInt[i] = int64(value)
			}
		} else {
			item.ValuesFloat = values
		}
		items = append(items, item)
	}
	h.reply(r, &record.Response{SampledHistory: &record.SampledHistoryResponse{Items: items}})
	return nil
}

func (h *Handler) handlePause(r *record.Record) error {
	if h.sampler != nil {
		h.sampler.Stop()
	}
	return nil
}

func (h *Handler) handleResume(r *record.Record) error {
	if h.sampler != nil && h.runStarted {
		h.sampler.Start()
	}
	return nil
}

func (h *Handler) handleShutdown(r *record.Record) error {
	h.stopped = true
	h.reply(r, &record.Response{Shutdown: &record.ShutdownResponse{}})
	return nil
}

func (h *Handler) defaultSampler() Sampler {
	return sysmetrics.New(sysmetrics.ForCurrentProcess(sysmetrics.Options{
		Interval:         h.settings.Stats.SampleInterval,
		SamplesPerReport: h.settings.Stats.SamplesPerReport,
		DiskPath:         h.settings.RunDir,
		Publish:          h.publish,
		Clock:            h.clock,
		Logger:           h.logger,
	}))
}

func (h *Handler) defaultTBWatcher() (TBWatcher, error) {
	watcher, err := tbwatcher.New(tbwatcher.Options{
		FilesDir: h.settings.FilesDir,
		Publish:  h.publish,
		Logger:   h.logger,
	})
	if err != nil {
		return nil, err
	}
	return watcher, nil
}
