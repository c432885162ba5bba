// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sender

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/runstream/lib/atomicfile"
	"github.com/bureau-foundation/runstream/lib/backend"
	"github.com/bureau-foundation/runstream/lib/dirwatcher"
	"github.com/bureau-foundation/runstream/lib/filepusher"
	"github.com/bureau-foundation/runstream/lib/filestream"
	"github.com/bureau-foundation/runstream/lib/record"
	"github.com/bureau-foundation/runstream/lib/summary"
)

// handleRun initializes the run on the first run record and updates
// its metadata on later ones.
func (s *Sender) handleRun(ctx context.Context, r *record.Record) error {
	run := *r.Run
	if run.RunID == "" {
		run.RunID = s.settings.RunID
	}
	if run.Entity == "" {
		run.Entity = s.settings.Entity
	}
	if run.Project == "" {
		run.Project = s.settings.Project
	}
	if s.run != nil {
		return s.updateRun(ctx, r, &run)
	}
	ref := backend.RunRef{Entity: run.Entity, Project: run.Project, RunID: run.RunID}

	resume, err := resolveResume(ctx, s.api, s.settings.Resume, ref)
	if errors.Is(err, ErrResumeConflict) {
		s.runFailed(r, record.ErrorResumeConflict, err)
		return nil
	}
	if err != nil {
		s.logger.Warn("resume lookup failed, starting fresh", "run", ref, "error", err)
		resume = nil
	}

	// Resumed values first, then the producer's values, which win.
	if resume != nil {
		s.config.Merge(resume.Config)
	}
	overrides, err := record.ItemsToMap(run.Config)
	if err != nil {
		return err
	}
	s.config.Merge(overrides)

	info, err := s.upsert(ctx, ref, &run)
	if err != nil {
		s.runFailed(r, record.ErrorCommunication, fmt.Errorf("creating run %s: %w", ref, err))
		return nil
	}
	applyRunInfo(&run, info)

	if run.StartTime.IsZero() {
		run.StartTime = s.clock.Now()
	}
	if resume != nil {
		run.StartTime = run.StartTime.Add(-resume.Runtime)
		run.StartingStep = resume.Step
		run.Resumed = true
		if run.Summary, err = record.ItemsFromMap(resume.Summary); err != nil {
			return err
		}
	}
	if run.Config, err = s.config.Items(); err != nil {
		return err
	}

	s.run = &run
	s.ref = backend.RunRef{Entity: run.Entity, Project: run.Project, RunID: run.RunID}
	s.startTime = run.StartTime
	s.logger = s.logger.With("run", s.ref.String())

	if err := s.absorb(s.writeConfigFile(), "writing config file failed"); err != nil {
		return err
	}
	s.startSubsystems(resume)
	s.logger.Info("run started", "resumed", run.Resumed, "starting_step", run.StartingStep)

	if r.Control.ReqResp {
		reply := run
		s.respond(&record.Result{UUID: r.UUID, Run: &record.RunResult{Run: &reply}})
	}
	return nil
}

// updateRun sends changed metadata for a run that already started.
func (s *Sender) updateRun(ctx context.Context, r *record.Record, run *record.RunRecord) error {
	overrides, err := record.ItemsToMap(run.Config)
	if err != nil {
		return err
	}
	s.config.Merge(overrides)
	run.RunID = s.run.RunID
	info, err := s.upsert(ctx, s.ref, run)
	if err != nil {
		s.runFailed(r, record.ErrorCommunication, fmt.Errorf("updating run %s: %w", s.ref, err))
		return nil
	}
	applyRunInfo(run, info)
	run.StartTime = s.run.StartTime
	run.StartingStep = s.run.StartingStep
	run.Resumed = s.run.Resumed
	if run.Config, err = s.config.Items(); err != nil {
		return err
	}
	s.run = run
	if err := s.absorb(s.writeConfigFile(), "writing config file failed"); err != nil {
		return err
	}
	if r.Control.ReqResp {
		reply := *run
		s.respond(&record.Result{UUID: r.UUID, Run: &record.RunResult{Run: &reply}})
	}
	return nil
}

func (s *Sender) runFailed(r *record.Record, code record.ErrorCode, err error) {
	if !r.Control.ReqResp {
		s.logger.Error("run initialization failed", "error", err)
		return
	}
	s.respond(&record.Result{
		UUID: r.UUID,
		Run:  &record.RunResult{Error: &record.ErrorInfo{Code: code, Message: err.Error()}},
	})
}

func (s *Sender) upsert(ctx context.Context, ref backend.RunRef, run *record.RunRecord) (*backend.RunInfo, error) {
	configuration, err := s.upsertConfig()
	if err != nil {
		return nil, err
	}
	return s.api.UpsertRun(ctx, backend.RunUpsert{
		RunRef:      ref,
		DisplayName: run.DisplayName,
		Group:       run.Group,
		JobType:     run.JobType,
		Notes:       run.Notes,
		Tags:        run.Tags,
		SweepID:     run.SweepID,
		Host:        run.Host,
		Config:      configuration,
		StartTime:   run.StartTime,
	})
}

// applyRunInfo copies server-assigned fields into run.
func applyRunInfo(run *record.RunRecord, info *backend.RunInfo) {
	if info.Entity != "" {
		run.Entity = info.Entity
	}
	if info.Project != "" {
		run.Project = info.Project
	}
	if info.DisplayName != "" {
		run.DisplayName = info.DisplayName
	}
	if info.SweepName != "" {
		run.SweepName = info.SweepName
	}
	if info.StorageID != "" {
		run.StorageID = info.StorageID
	}
}

// startSubsystems starts the file stream, the pusher and the directory
// watcher, continuing the streamed files after any resumed lines.
// Without the directory watcher the run still streams and uploads
// artifacts; only saved files are lost.
func (s *Sender) startSubsystems(resume *ResumeState) {
	var offsets ResumeState
	if resume != nil {
		offsets = *resume
	}
	s.stream = filestream.New(filestream.Options{
		API: s.api,
		Run: s.ref,
		Policies: map[string]filestream.Policy{
			SummaryFile: filestream.SummaryPolicy(),
			HistoryFile: filestream.JSONLPolicy(offsets.History),
			EventsFile:  filestream.JSONLPolicy(offsets.Events),
			OutputFile:  filestream.CRDedupePolicy(offsets.Output),
		},
		FlushInterval:      s.settings.FileStream.FlushInterval,
		MaxLinesPerRequest: s.settings.FileStream.MaxLinesPerRequest,
		DrainTimeout:       s.settings.FileStream.DrainTimeout,
		Clock:              s.clock,
		Logger:             s.logger,
	})
	s.stream.Start(s.ctx)

	s.pusher = filepusher.New(filepusher.Options{
		API:            s.api,
		Run:            s.ref,
		Workers:        s.settings.Pusher.Workers,
		MaxAttempts:    s.settings.Pusher.MaxAttempts,
		InitialBackoff: s.settings.Pusher.InitialBackoff,
		MaxBackoff:     s.settings.Pusher.MaxBackoff,
		Index:          s.index,
		Clock:          s.clock,
		Logger:         s.logger,
	})

	dirs, err := dirwatcher.New(dirwatcher.Options{
		FilesDir: s.settings.FilesDir,
		Pusher:   s.pusher,
		Logger:   s.logger,
	})
	if err != nil {
		s.logger.Warn("watching files directory failed, run files will not be saved",
			"path", s.settings.FilesDir, "error", err)
		return
	}
	s.dirs = dirs
	for name, policy := range map[string]record.FilePolicy{
		ConfigFile:  record.PolicyLive,
		SummaryFile: record.PolicyEnd,
		OutputFile:  record.PolicyEnd,
	} {
		if err := s.dirs.UpdatePolicy(name, policy); err != nil {
			s.logger.Warn("file save policy rejected", "path", name, "policy", policy, "error", err)
		}
	}
}

func (s *Sender) handleConfig(ctx context.Context, edit *record.ConfigRecord) error {
	// Config edits use the same key paths as summary edits.
	if err := s.config.Apply(&record.SummaryRecord{Update: edit.Update, Remove: edit.Remove}); err != nil {
		if errors.Is(err, record.ErrProtocol) {
			return err
		}
		s.logger.Warn("config edit skipped", "error", err)
	}
	if s.run == nil {
		return nil
	}
	var err error
	if s.run.Config, err = s.config.Items(); err != nil {
		return err
	}
	if _, err := s.upsert(ctx, s.ref, s.run); err != nil {
		s.logger.Warn("updating run config failed", "error", err)
	}
	return s.absorb(s.writeConfigFile(), "writing config file failed")
}

// upsertConfig wraps each value the way the backend stores config.
func (s *Sender) upsertConfig() (map[string]any, error) {
	values, err := configValues(s.config)
	if err != nil {
		return nil, err
	}
	wrapped := make(map[string]any, len(values))
	for key, value := range values {
		wrapped[key] = map[string]any{"value": record.Portable(value), "desc": nil}
	}
	return wrapped, nil
}

// writeConfigFile saves config.yaml in the files directory.
func (s *Sender) writeConfigFile() error {
	values, err := configValues(s.config)
	if err != nil {
		return err
	}
	body := make(map[string]any, len(values))
	for key, value := range values {
		body[key] = map[string]any{"desc": nil, "value": plain(value)}
	}
	var buffer bytes.Buffer
	buffer.WriteString("wandb_version: 1\n")
	if len(body) > 0 {
		buffer.WriteString("\n")
		encoder := yaml.NewEncoder(&buffer)
		encoder.SetIndent(2)
		if err := encoder.Encode(body); err != nil {
			return fmt.Errorf("encoding %s: %w", ConfigFile, err)
		}
		if err := encoder.Close(); err != nil {
			return fmt.Errorf("encoding %s: %w", ConfigFile, err)
		}
	}
	return atomicfile.Write(filepath.Join(s.settings.FilesDir, ConfigFile), buffer.Bytes(), 0644)
}

func configValues(tree *summary.Tree) (map[string]any, error) {
	items, err := tree.Items()
	if err != nil {
		return nil, err
	}
	return record.ItemsToMap(items)
}

// plain replaces json.Number with int64 or float64 so YAML writes
// numbers rather than strings.
func plain(value any) any {
	switch typed := value.(type) {
	case json.Number:
		if integer, err := strconv.ParseInt(typed.String(), 10, 64); err == nil {
			return integer
		}
		if float, err := typed.Float64(); err == nil {
			return float
		}
		return typed.String()
	case map[string]any:
		converted := make(map[string]any, len(typed))
		for key, child := range typed {
			converted[key] = plain(child)
		}
		return converted
	case []any:
		converted := make([]any, len(typed))
		for i, child := range typed {
			converted[i] = plain(child)
		}
		return converted
	}
	return value
}
