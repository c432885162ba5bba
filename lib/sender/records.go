// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sender

import (
	"context"
	"path"
	"path/filepath"
	"sync/atomic"

	"github.com/bureau-foundation/runstream/lib/atomicfile"
	"github.com/bureau-foundation/runstream/lib/backend"
	"github.com/bureau-foundation/runstream/lib/filepusher"
	"github.com/bureau-foundation/runstream/lib/record"
	"github.com/bureau-foundation/runstream/lib/version"
)

// minAlertVersion is the oldest server max_cli_version that accepts
// alerts.
const minAlertVersion = "0.10.9"

// jsonLine encodes items as one JSON object.
func jsonLine(items []record.Item) (string, error) {
	values, err := record.ItemsToMap(items)
	if err != nil {
		return "", err
	}
	return jsonObject(values)
}

// jsonObject encodes values as strict JSON; the backend does not accept
// the bare non-finite literals.
func jsonObject(values map[string]any) (string, error) {
	encoded, err := record.EncodePortableJSON(values)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}

func (s *Sender) handleHistory(history *record.HistoryRecord) {
	if s.stream == nil {
		return
	}
	line, err := jsonLine(history.Items)
	if err != nil {
		s.logger.Warn("history row skipped", "error", err)
		return
	}
	s.stream.Push(HistoryFile, line)
}

// handleSummary streams the full summary and saves it for upload at
// the end of the run.
func (s *Sender) handleSummary(edit *record.SummaryRecord) error {
	if s.stream == nil {
		return nil
	}
	line, err := jsonLine(edit.Update)
	if err != nil {
		return err
	}
	s.stream.Push(SummaryFile, line)
	target := filepath.Join(s.settings.FilesDir, SummaryFile)
	if err := atomicfile.Write(target, []byte(line), 0644); err != nil {
		s.logger.Warn("saving summary failed", "path", target, "error", err)
	}
	return nil
}

func (s *Sender) handleStats(stats *record.StatsRecord) {
	if s.stream == nil || stats.Type != record.StatsSystem {
		return
	}
	values, err := record.ItemsToMap(stats.Items)
	if err != nil {
		s.logger.Warn("stats record skipped", "error", err)
		return
	}
	timestamp := stats.Timestamp
	if timestamp.IsZero() {
		timestamp = s.clock.Now()
	}
	row := make(map[string]any, len(values)+3)
	for key, value := range values {
		row["system."+key] = value
	}
	row["_wandb"] = true
	row["_timestamp"] = float64(timestamp.UnixMicro()) / 1e6
	row["_runtime"] = timestamp.Sub(s.startTime).Seconds()
	line, err := jsonObject(row)
	if err != nil {
		s.logger.Warn("stats record skipped", "error", err)
		return
	}
	s.stream.Push(EventsFile, line)
}

func (s *Sender) handleFiles(files *record.FilesRecord) {
	if s.dirs == nil {
		return
	}
	for _, file := range files.Files {
		if err := s.dirs.UpdatePolicy(file.Path, file.Policy); err != nil {
			s.logger.Warn("file save policy rejected", "path", file.Path, "policy", file.Policy, "error", err)
		}
	}
}

// handleArtifact creates the artifact, uploads the manifest entries
// that have local content, and commits once every upload finished.
func (s *Sender) handleArtifact(ctx context.Context, artifact *record.ArtifactRecord) {
	if s.run == nil {
		s.logger.Warn("artifact before run, skipping", "artifact", artifact.Name)
		return
	}
	logger := s.logger.With("artifact", artifact.Name, "type", artifact.Type)
	id, err := s.api.CreateArtifact(ctx, backend.Artifact{
		RunRef:      s.ref,
		Type:        artifact.Type,
		Name:        artifact.Name,
		Digest:      artifact.Digest,
		Description: artifact.Description,
		Metadata:    artifact.Metadata,
		Aliases:     artifact.Aliases,
		Manifest:    artifact.Manifest,
	})
	if err != nil {
		logger.Error("creating artifact failed", "error", err)
		return
	}

	var local []record.ManifestEntry
	for _, entry := range artifact.Manifest.Contents {
		if entry.LocalPath != "" {
			local = append(local, entry)
		}
	}
	commit := func() {
		if err := s.api.CommitArtifact(s.ctx, id); err != nil {
			logger.Error("committing artifact failed", "id", id, "error", err)
			return
		}
		logger.Info("artifact committed", "id", id, "files", len(local))
	}
	if len(local) == 0 {
		commit()
		return
	}

	var remaining atomic.Int64
	var failed atomic.Bool
	remaining.Store(int64(len(local)))
	done := func(result filepusher.Result) {
		if result.Err != nil {
			failed.Store(true)
		}
		if remaining.Add(-1) > 0 {
			return
		}
		if failed.Load() {
			logger.Error("artifact not committed, uploads failed", "id", id)
			return
		}
		commit()
	}
	for _, entry := range local {
		job := filepusher.Job{
			Path:       entry.LocalPath,
			Name:       path.Join("artifact", id, entry.Path),
			Category:   filepusher.CategoryArtifact,
			OnComplete: done,
		}
		if err := s.pusher.Enqueue(job); err != nil {
			logger.Warn("artifact file not uploaded", "path", entry.Path, "error", err)
			done(filepusher.Result{Name: job.Name, Err: err})
		}
	}
}

// handleAlert forwards the alert when the server supports alerts.
func (s *Sender) handleAlert(ctx context.Context, alert *record.AlertRecord) {
	if s.run == nil {
		return
	}
	if s.serverInfo == nil {
		info, err := s.api.ServerInfo(ctx)
		if err != nil {
			s.logger.Warn("server info unavailable, alert dropped", "title", alert.Title, "error", err)
			return
		}
		s.serverInfo = info
	}
	if !version.AtLeast(s.serverInfo.MaxCLIVersion, minAlertVersion) {
		s.logger.Warn("server does not support alerts, alert dropped",
			"title", alert.Title, "max_cli_version", s.serverInfo.MaxCLIVersion)
		return
	}
	err := s.api.NotifyAlert(ctx, backend.Alert{
		RunRef:       s.ref,
		Title:        alert.Title,
		Text:         alert.Text,
		Level:        alert.Level,
		WaitDuration: alert.WaitDuration,
	})
	if err != nil {
		s.logger.Warn("sending alert failed", "title", alert.Title, "error", err)
	}
}
