// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package record defines the messages exchanged between a producer and
// the runstream consumer: records flowing in, results flowing back.
//
// Both are tagged unions. A Record's Kind names the one payload field
// that is set; [Record.Validate] rejects anything else. The same
// encoding is used for the durable log and for the socket transport,
// through lib/codec.
package record

import (
	"errors"
	"fmt"
	"time"
)

// ErrProtocol marks a message that a correct producer never sends: an
// unknown kind, a missing payload, or a malformed item. The consumer
// treats it as fatal.
var ErrProtocol = errors.New("record: protocol violation")

// Kind discriminates Record payloads.
type Kind string

const (
	KindHistory  Kind = "history"
	KindSummary  Kind = "summary"
	KindOutput   Kind = "output"
	KindConfig   Kind = "config"
	KindFiles    Kind = "files"
	KindStats    Kind = "stats"
	KindArtifact Kind = "artifact"
	KindTBRecord Kind = "tbrecord"
	KindAlert    Kind = "alert"
	KindRun      Kind = "run"
	KindExit     Kind = "exit"
	KindFinal    Kind = "final"
	KindHeader   Kind = "header"
	KindFooter   Kind = "footer"
	KindRequest  Kind = "request"
)

// Kinds lists every record kind. Routing tables are checked against it.
var Kinds = []Kind{
	KindHistory, KindSummary, KindOutput, KindConfig, KindFiles,
	KindStats, KindArtifact, KindTBRecord, KindAlert, KindRun,
	KindExit, KindFinal, KindHeader, KindFooter, KindRequest,
}

// Control carries routing hints set by the producer.
type Control struct {
	// ReqResp asks for a Result correlated by the record's UUID.
	ReqResp bool `cbor:"req_resp,omitempty"`

	// Local keeps the record out of the durable log.
	Local bool `cbor:"local,omitempty"`
}

// Record is one event from the producer.
type Record struct {
	Kind    Kind    `cbor:"kind"`
	Num     int64   `cbor:"num,omitempty"`
	UUID    string  `cbor:"uuid,omitempty"`
	Control Control `cbor:"control"`

	History  *HistoryRecord  `cbor:"history,omitempty"`
	Summary  *SummaryRecord  `cbor:"summary,omitempty"`
	Output   *OutputRecord   `cbor:"output,omitempty"`
	Config   *ConfigRecord   `cbor:"config,omitempty"`
	Files    *FilesRecord    `cbor:"files,omitempty"`
	Stats    *StatsRecord    `cbor:"stats,omitempty"`
	Artifact *ArtifactRecord `cbor:"artifact,omitempty"`
	TBRecord *TBRecord       `cbor:"tbrecord,omitempty"`
	Alert    *AlertRecord    `cbor:"alert,omitempty"`
	Run      *RunRecord      `cbor:"run,omitempty"`
	Exit     *ExitRecord     `cbor:"exit,omitempty"`
	Final    *FinalRecord    `cbor:"final,omitempty"`
	Header   *HeaderRecord   `cbor:"header,omitempty"`
	Footer   *FooterRecord   `cbor:"footer,omitempty"`
	Request  *Request        `cbor:"request,omitempty"`
}

// presentPayloads returns the kinds whose payload field is non-nil.
func (r *Record) presentPayloads() []Kind {
	var present []Kind
	add := func(set bool, kind Kind) {
		if set {
			present = append(present, kind)
		}
	}
	add(r.History != nil, KindHistory)
	add(r.Summary != nil, KindSummary)
	add(r.Output != nil, KindOutput)
	add(r.Config != nil, KindConfig)
	add(r.Files != nil, KindFiles)
	add(r.Stats != nil, KindStats)
	add(r.Artifact != nil, KindArtifact)
	add(r.TBRecord != nil, KindTBRecord)
	add(r.Alert != nil, KindAlert)
	add(r.Run != nil, KindRun)
	add(r.Exit != nil, KindExit)
	add(r.Final != nil, KindFinal)
	add(r.Header != nil, KindHeader)
	add(r.Footer != nil, KindFooter)
	add(r.Request != nil, KindRequest)
	return present
}

// Validate checks that exactly the payload named by Kind is set.
func (r *Record) Validate() error {
	present := r.presentPayloads()
	if len(present) != 1 || present[0] != r.Kind {
		return fmt.Errorf("%w: record kind %q with payloads %v", ErrProtocol, r.Kind, present)
	}
	if r.Kind == KindRequest {
		return r.Request.Validate()
	}
	return nil
}

// HistoryRecord is one row of logged metrics. The "_step" item is
// filled in by the router when the producer omits it.
type HistoryRecord struct {
	Items []Item `cbor:"items"`
}

// SummaryRecord edits the consolidated summary. Updates apply before
// removes.
type SummaryRecord struct {
	Update []Item `cbor:"update,omitempty"`
	Remove []Item `cbor:"remove,omitempty"`
}

// ConfigRecord edits the run configuration.
type ConfigRecord struct {
	Update []Item `cbor:"update,omitempty"`
	Remove []Item `cbor:"remove,omitempty"`
}

// OutputStream names the console stream an output line came from.
type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

// OutputRecord is a fragment of console output. Line may hold a
// partial line or several lines.
type OutputRecord struct {
	Stream    OutputStream `cbor:"stream"`
	Line      string       `cbor:"line"`
	Timestamp time.Time    `cbor:"timestamp"`
}

// FilePolicy says when a saved file is uploaded.
type FilePolicy string

const (
	// PolicyNow uploads once, immediately.
	PolicyNow FilePolicy = "now"
	// PolicyLive uploads immediately and again after every change.
	PolicyLive FilePolicy = "live"
	// PolicyEnd uploads once when the run finishes.
	PolicyEnd FilePolicy = "end"
)

// ParseFilePolicy accepts "now", "live" and "end".
func ParseFilePolicy(value string) (FilePolicy, error) {
	switch policy := FilePolicy(value); policy {
	case PolicyNow, PolicyLive, PolicyEnd:
		return policy, nil
	}
	return "", fmt.Errorf("%w: unknown file policy %q", ErrProtocol, value)
}

// FileItem pairs a path relative to the run's files directory (or a
// glob) with its policy.
type FileItem struct {
	Path   string     `cbor:"path"`
	Policy FilePolicy `cbor:"policy"`
}

type FilesRecord struct {
	Files []FileItem `cbor:"files"`
}

// StatsType distinguishes sources of resource statistics.
type StatsType string

const StatsSystem StatsType = "system"

type StatsRecord struct {
	Type      StatsType `cbor:"type"`
	Timestamp time.Time `cbor:"timestamp"`
	Items     []Item    `cbor:"items"`
}

// ManifestEntry is one file inside an artifact. LocalPath is empty for
// entries that reference content already stored remotely.
type ManifestEntry struct {
	Path      string `cbor:"path"`
	Digest    string `cbor:"digest"`
	Size      int64  `cbor:"size"`
	LocalPath string `cbor:"local_path,omitempty"`
}

type ArtifactManifest struct {
	Version       int             `cbor:"version"`
	StoragePolicy string          `cbor:"storage_policy"`
	Contents      []ManifestEntry `cbor:"contents"`
}

type ArtifactRecord struct {
	Type        string           `cbor:"type"`
	Name        string           `cbor:"name"`
	Digest      string           `cbor:"digest"`
	Description string           `cbor:"description,omitempty"`
	Metadata    string           `cbor:"metadata,omitempty"`
	Aliases     []string         `cbor:"aliases,omitempty"`
	Manifest    ArtifactManifest `cbor:"manifest"`
}

// TBRecord asks the consumer to watch a directory of externally
// written metric event files.
type TBRecord struct {
	LogDir  string `cbor:"log_dir"`
	Save    bool   `cbor:"save,omitempty"`
	RootDir string `cbor:"root_dir,omitempty"`
}

type AlertRecord struct {
	Title        string        `cbor:"title"`
	Text         string        `cbor:"text"`
	Level        string        `cbor:"level"`
	WaitDuration time.Duration `cbor:"wait_duration,omitempty"`
}

// RunRecord describes the run. The consumer echoes an updated copy in
// RunResult with server-assigned fields filled in.
type RunRecord struct {
	RunID        string    `cbor:"run_id"`
	Entity       string    `cbor:"entity,omitempty"`
	Project      string    `cbor:"project,omitempty"`
	DisplayName  string    `cbor:"display_name,omitempty"`
	Group        string    `cbor:"group,omitempty"`
	JobType      string    `cbor:"job_type,omitempty"`
	Notes        string    `cbor:"notes,omitempty"`
	Tags         []string  `cbor:"tags,omitempty"`
	SweepID      string    `cbor:"sweep_id,omitempty"`
	Host         string    `cbor:"host,omitempty"`
	Config       []Item    `cbor:"config,omitempty"`
	Summary      []Item    `cbor:"summary,omitempty"`
	StartTime    time.Time `cbor:"start_time"`
	StartingStep int64     `cbor:"starting_step,omitempty"`
	Resumed      bool      `cbor:"resumed,omitempty"`
	StorageID    string    `cbor:"storage_id,omitempty"`
	SweepName    string    `cbor:"sweep_name,omitempty"`
}

type ExitRecord struct {
	ExitCode int32 `cbor:"exit_code"`
}

// FinalRecord marks the end of the record stream.
type FinalRecord struct{}

type HeaderRecord struct {
	Version string `cbor:"version,omitempty"`
}

type FooterRecord struct{}

// NewRecord wraps payload in a Record of the matching kind. payload
// must be a pointer to one of this package's payload types.
func NewRecord(payload any) *Record {
	record := &Record{}
	switch value := payload.(type) {
	case *HistoryRecord:
		record.Kind, record.History = KindHistory, value
	case *SummaryRecord:
		record.Kind, record.Summary = KindSummary, value
	case *OutputRecord:
		record.Kind, record.Output = KindOutput, value
	case *ConfigRecord:
		record.Kind, record.Config = KindConfig, value
	case *FilesRecord:
		record.Kind, record.Files = KindFiles, value
	case *StatsRecord:
		record.Kind, record.Stats = KindStats, value
	case *ArtifactRecord:
		record.Kind, record.Artifact = KindArtifact, value
	case *TBRecord:
		record.Kind, record.TBRecord = KindTBRecord, value
	case *AlertRecord:
		record.Kind, record.Alert = KindAlert, value
	case *RunRecord:
		record.Kind, record.Run = KindRun, value
	case *ExitRecord:
		record.Kind, record.Exit = KindExit, value
	case *FinalRecord:
		record.Kind, record.Final = KindFinal, value
	case *HeaderRecord:
		record.Kind, record.Header = KindHeader, value
	case *FooterRecord:
		record.Kind, record.Footer = KindFooter, value
	case *Request:
		record.Kind, record.Request = KindRequest, value
	default:
		panic(fmt.Sprintf("record: NewRecord with unsupported payload %T", payload))
	}
	return record
}
