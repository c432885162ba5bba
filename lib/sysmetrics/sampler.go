// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sysmetrics samples host and process metrics from /proc and
// publishes them as system stats records. It also writes the
// wandb-metadata.json snapshot describing the machine a run started on.
package sysmetrics

import (
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/bureau-foundation/runstream/lib/clock"
	"github.com/bureau-foundation/runstream/lib/record"
)

// Options configures a Sampler. Publish is required.
type Options struct {
	// Interval is the time between samples. Default: 2s
	Interval time.Duration

	// SamplesPerReport samples are averaged into one record. Default: 15
	SamplesPerReport int

	// PID is the process whose memory and threads are reported. Zero
	// disables process metrics.
	PID int

	// DiskPath selects the filesystem for disk usage. Default: "/"
	DiskPath string

	// Publish receives each stats record.
	Publish func(*record.Record)

	Clock  clock.Clock
	Logger *slog.Logger

	// procRoot replaces /proc in tests.
	procRoot string
}

// Sampler runs one sampling goroutine between Start and Stop. It can
// be restarted after Stop.
type Sampler struct {
	options Options
	clock   clock.Clock
	logger  *slog.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New returns a stopped sampler.
func New(options Options) *Sampler {
	if options.Interval <= 0 {
		options.Interval = 2 * time.Second
	}
	if options.SamplesPerReport <= 0 {
		options.SamplesPerReport = 15
	}
	if options.DiskPath == "" {
		options.DiskPath = "/"
	}
	if options.procRoot == "" {
		options.procRoot = "/proc"
	}
	clk := options.Clock
	if clk == nil {
		clk = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{options: options, clock: clk, logger: logger.With("component", "sysmetrics")}
}

// ForCurrentProcess returns options sampling this process.
func ForCurrentProcess(options Options) Options {
	options.PID = os.Getpid()
	return options
}

// Start begins sampling. Calling Start on a running sampler does
// nothing.
func (s *Sampler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
}

// Stop ends sampling and publishes the average of any samples taken
// since the last report. It returns after the final publish.
func (s *Sampler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

// Running reports whether the sampler is between Start and Stop.
func (s *Sampler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

func (s *Sampler) run(stop, done chan struct{}) {
	defer close(done)

	ticker := s.clock.NewTicker(s.options.Interval)
	defer ticker.Stop()

	previous := readCPU(s.options.procRoot)
	accumulated := make(map[string]float64)
	samples := 0
	for {
		select {
		case <-ticker.C:
			current := readCPU(s.options.procRoot)
			for key, value := range s.sample(previous, current) {
				accumulated[key] += value
			}
			previous = current
			samples++
			if samples >= s.options.SamplesPerReport {
				s.publish(accumulated, samples)
				accumulated = make(map[string]float64)
				samples = 0
			}
		case <-stop:
			if samples > 0 {
				s.publish(accumulated, samples)
			}
			return
		}
	}
}

// sample takes one reading of every metric. Metrics that cannot be read
// on this host are omitted.
func (s *Sampler) sample(previous, current *cpuReading) map[string]float64 {
	values := map[string]float64{
		"cpu": cpuPercent(previous, current),
	}
	if memory, ok := memoryPercent(); ok {
		values["memory"] = memory
	}
	if disk, ok := diskPercent(s.options.DiskPath); ok {
		values["disk"] = disk
	}
	if s.options.PID != 0 {
		if status, ok := readProcessStatus(s.options.procRoot, s.options.PID); ok {
			values["proc.memory.rssMB"] = status.rssMB
			values["proc.cpu.threads"] = float64(status.threads)
		}
	}
	return values
}

func (s *Sampler) publish(accumulated map[string]float64, samples int) {
	keys := make([]string, 0, len(accumulated))
	for key := range accumulated {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	items := make([]record.Item, 0, len(keys))
	for _, key := range keys {
		item, err := record.NewItem(key, round(accumulated[key]/float64(samples)))
		if err != nil {
			s.logger.Warn("encoding stat failed", "key", key, "error", err)
			continue
		}
		items = append(items, item)
	}
	s.options.Publish(record.NewRecord(&record.StatsRecord{
		Type:      record.StatsSystem,
		Timestamp: s.clock.Now(),
		Items:     items,
	}))
}

// round keeps two decimal places.
func round(value float64) float64 {
	return float64(int64(value*100+0.5)) / 100
}
