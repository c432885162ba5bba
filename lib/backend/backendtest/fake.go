// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package backendtest provides an in-memory backend.API for tests of
// the sender, file stream, and upload pipeline.
package backendtest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bureau-foundation/runstream/lib/backend"
)

// Fake records every call and returns configurable responses. The
// exported configuration fields must be set before the fake is shared
// with other goroutines; use the methods afterwards.
type Fake struct {
	// Resume maps run ids to the status RunResumeStatus returns.
	Resume map[string]*backend.ResumeStatus
	// ResumeErr, when set, is returned by RunResumeStatus.
	ResumeErr error
	// StopErr, when set, is returned by CheckStopRequested.
	StopErr error
	// Server is returned by ServerInfo.
	Server backend.ServerInfo
	// Versions is returned by CheckVersion.
	Versions backend.VersionInfo
	// ViewerEntity is returned by Viewer.
	ViewerEntity string
	// AssignedProject, when set, replaces the project in UpsertRun replies.
	AssignedProject string

	mu               sync.Mutex
	stopRequested    bool
	upserts          []backend.RunUpsert
	alerts           []backend.Alert
	streamRequests   []backend.FileStreamRequest
	uploads          []backend.Upload
	uploadFailures   map[string][]error
	fileStreamErrors []error
	artifacts        map[string]backend.Artifact
	committed        []string
}

// New returns an empty fake.
func New() *Fake {
	return &Fake{
		Resume:         make(map[string]*backend.ResumeStatus),
		uploadFailures: make(map[string][]error),
		artifacts:      make(map[string]backend.Artifact),
		ViewerEntity:   "tester",
	}
}

var _ backend.API = (*Fake)(nil)

func (f *Fake) UpsertRun(_ context.Context, run backend.RunUpsert) (*backend.RunInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, run)
	project := run.Project
	if f.AssignedProject != "" {
		project = f.AssignedProject
	}
	entity := run.Entity
	if entity == "" {
		entity = f.ViewerEntity
	}
	displayName := run.DisplayName
	if displayName == "" {
		displayName = "run-" + run.RunID
	}
	return &backend.RunInfo{
		ID:          "id-" + run.RunID,
		RunID:       run.RunID,
		DisplayName: displayName,
		Project:     project,
		Entity:      entity,
		StorageID:   "storage-" + run.RunID,
	}, nil
}

func (f *Fake) RunResumeStatus(_ context.Context, run backend.RunRef) (*backend.ResumeStatus, error) {
	if f.ResumeErr != nil {
		return nil, f.ResumeErr
	}
	return f.Resume[run.RunID], nil
}

func (f *Fake) CheckStopRequested(context.Context, backend.RunRef) (bool, error) {
	if f.StopErr != nil {
		return false, f.StopErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopRequested, nil
}

// RequestStop makes later CheckStopRequested calls report true.
func (f *Fake) RequestStop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopRequested = true
}

func (f *Fake) ServerInfo(context.Context) (*backend.ServerInfo, error) {
	info := f.Server
	return &info, nil
}

func (f *Fake) Viewer(context.Context) (*backend.Viewer, error) {
	return &backend.Viewer{Entity: f.ViewerEntity, Username: f.ViewerEntity}, nil
}

func (f *Fake) CheckVersion(context.Context, string) (*backend.VersionInfo, error) {
	info := f.Versions
	return &info, nil
}

func (f *Fake) NotifyAlert(_ context.Context, alert backend.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	return nil
}

func (f *Fake) FileStream(_ context.Context, request backend.FileStreamRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.fileStreamErrors) > 0 {
		err := f.fileStreamErrors[0]
		f.fileStreamErrors = f.fileStreamErrors[1:]
		return err
	}
	f.streamRequests = append(f.streamRequests, request)
	return nil
}

// FailFileStream makes the next len(errs) FileStream calls fail in order.
func (f *Fake) FailFileStream(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fileStreamErrors = append(f.fileStreamErrors, errs...)
}

func (f *Fake) UploadFile(_ context.Context, upload backend.Upload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failures := f.uploadFailures[upload.Name]; len(failures) > 0 {
		f.uploadFailures[upload.Name] = failures[1:]
		return failures[0]
	}
	f.uploads = append(f.uploads, upload)
	return nil
}

// FailUploads makes the next len(errs) uploads of name fail in order.
func (f *Fake) FailUploads(name string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadFailures[name] = append(f.uploadFailures[name], errs...)
}

func (f *Fake) CreateArtifact(_ context.Context, artifact backend.Artifact) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := fmt.Sprintf("artifact-%d", len(f.artifacts)+1)
	f.artifacts[id] = artifact
	return id, nil
}

func (f *Fake) CommitArtifact(_ context.Context, artifactID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.artifacts[artifactID]; !ok {
		return &backend.StatusError{StatusCode: 404, Body: "no artifact " + artifactID}
	}
	f.committed = append(f.committed, artifactID)
	return nil
}

// Upserts returns every RunUpsert received.
func (f *Fake) Upserts() []backend.RunUpsert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.RunUpsert(nil), f.upserts...)
}

// Alerts returns every alert received.
func (f *Fake) Alerts() []backend.Alert {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Alert(nil), f.alerts...)
}

// Uploads returns every successful upload in arrival order.
func (f *Fake) Uploads() []backend.Upload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.Upload(nil), f.uploads...)
}

// UploadedNames returns the sorted distinct names uploaded.
func (f *Fake) UploadedNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := make(map[string]bool)
	var names []string
	for _, upload := range f.uploads {
		if !seen[upload.Name] {
			seen[upload.Name] = true
			names = append(names, upload.Name)
		}
	}
	sort.Strings(names)
	return names
}

// StreamRequests returns every successful FileStream request.
func (f *Fake) StreamRequests() []backend.FileStreamRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]backend.FileStreamRequest(nil), f.streamRequests...)
}

// StreamedLines reassembles the lines received for file, placing each
// chunk at its offset so later chunks overwrite earlier lines.
func (f *Fake) StreamedLines(file string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var lines []string
	for _, request := range f.streamRequests {
		chunk, ok := request.Files[file]
		if !ok {
			continue
		}
		for i, line := range chunk.Content {
			position := int(chunk.Offset) + i
			for len(lines) <= position {
				lines = append(lines, "")
			}
			lines[position] = line
		}
	}
	return lines
}

// Completed reports whether a final FileStream request arrived and
// its exit code.
func (f *Fake) Completed() (bool, int32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, request := range f.streamRequests {
		if request.Complete {
			return true, request.ExitCode
		}
	}
	return false, 0
}

// Committed returns the ids of committed artifacts.
func (f *Fake) Committed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.committed...)
}
