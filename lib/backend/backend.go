// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package backend declares the remote tracking service as runstream
// sees it. The sender and upload pipeline depend only on [API];
// httpapi implements it over HTTP and backendtest in memory.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bureau-foundation/runstream/lib/record"
)

// API is the set of backend operations runstream performs.
type API interface {
	// UpsertRun creates the run or updates its metadata.
	UpsertRun(ctx context.Context, run RunUpsert) (*RunInfo, error)

	// RunResumeStatus returns the stored progress of run, or nil when
	// the backend has no such run.
	RunResumeStatus(ctx context.Context, run RunRef) (*ResumeStatus, error)

	// CheckStopRequested reports whether a user asked to stop run.
	CheckStopRequested(ctx context.Context, run RunRef) (bool, error)

	ServerInfo(ctx context.Context) (*ServerInfo, error)
	Viewer(ctx context.Context) (*Viewer, error)
	CheckVersion(ctx context.Context, currentVersion string) (*VersionInfo, error)
	NotifyAlert(ctx context.Context, alert Alert) error

	// FileStream appends lines to the run's streamed files.
	FileStream(ctx context.Context, request FileStreamRequest) error

	// UploadFile stores one file under the run.
	UploadFile(ctx context.Context, upload Upload) error

	CreateArtifact(ctx context.Context, artifact Artifact) (string, error)
	CommitArtifact(ctx context.Context, artifactID string) error
}

// RunRef identifies a run.
type RunRef struct {
	Entity  string `json:"entity"`
	Project string `json:"project"`
	RunID   string `json:"run_id"`
}

func (r RunRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.Entity, r.Project, r.RunID)
}

// RunUpsert is the metadata sent when creating or updating a run.
// Config maps each key to {"value": v, "desc": null}.
type RunUpsert struct {
	RunRef
	DisplayName string         `json:"display_name,omitempty"`
	Group       string         `json:"group,omitempty"`
	JobType     string         `json:"job_type,omitempty"`
	Notes       string         `json:"notes,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	SweepID     string         `json:"sweep_id,omitempty"`
	Host        string         `json:"host,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	StartTime   time.Time      `json:"start_time,omitzero"`
}

// RunInfo is the backend's view of a run after an upsert.
type RunInfo struct {
	ID          string `json:"id"`
	RunID       string `json:"name"`
	DisplayName string `json:"display_name"`
	Project     string `json:"project"`
	Entity      string `json:"entity"`
	SweepName   string `json:"sweep_name,omitempty"`
	StorageID   string `json:"storage_id,omitempty"`
}

// ResumeStatus is a prior run's stored progress. HistoryTail and
// EventsTail are JSON arrays of JSON-encoded rows; Config and
// SummaryMetrics are JSON objects.
type ResumeStatus struct {
	HistoryTail      string `json:"history_tail"`
	EventsTail       string `json:"events_tail"`
	Config           string `json:"config"`
	SummaryMetrics   string `json:"summary_metrics"`
	HistoryLineCount int64  `json:"history_line_count"`
	EventsLineCount  int64  `json:"events_line_count"`
	LogLineCount     int64  `json:"log_line_count"`
}

// ServerInfo describes backend capabilities.
type ServerInfo struct {
	MaxCLIVersion string `json:"max_cli_version,omitempty"`
}

type Viewer struct {
	Entity   string `json:"entity"`
	Username string `json:"username"`
}

// VersionInfo carries client-version notices. Empty strings mean no notice.
type VersionInfo struct {
	UpgradeMessage string `json:"upgrade_message,omitempty"`
	YankMessage    string `json:"yank_message,omitempty"`
	DeleteMessage  string `json:"delete_message,omitempty"`
}

type Alert struct {
	RunRef
	Title        string        `json:"title"`
	Text         string        `json:"text"`
	Level        string        `json:"level"`
	WaitDuration time.Duration `json:"wait_duration"`
}

// FileChunk is a run of lines for one streamed file starting at line
// Offset.
type FileChunk struct {
	Offset  int64    `json:"offset"`
	Content []string `json:"content"`
}

// FileStreamRequest is one batch for the file-stream endpoint. The
// final batch of a run sets Complete and ExitCode.
type FileStreamRequest struct {
	RunRef
	Files    map[string]FileChunk `json:"files,omitempty"`
	Complete bool                 `json:"complete,omitempty"`
	ExitCode int32                `json:"exitcode,omitempty"`
}

// Upload is one file body. Body is encoded with ContentEncoding; Size
// is the decoded length.
type Upload struct {
	RunRef
	Name            string
	ContentType     string
	ContentEncoding string
	Digest          string
	Size            int64
	Body            []byte
}

type Artifact struct {
	RunRef
	Type        string                  `json:"type"`
	Name        string                  `json:"name"`
	Digest      string                  `json:"digest"`
	Description string                  `json:"description,omitempty"`
	Metadata    string                  `json:"metadata,omitempty"`
	Aliases     []string                `json:"aliases,omitempty"`
	Manifest    record.ArtifactManifest `json:"manifest"`
}

// StatusError is a non-success HTTP response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether err may succeed on a later attempt.
// Client errors other than 408 and 429 are permanent; everything else
// (server errors, network failures, timeouts) is worth retrying.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var statusError *StatusError
	if errors.As(err, &statusError) {
		code := statusError.StatusCode
		return code >= 500 || code == 408 || code == 429
	}
	return true
}
