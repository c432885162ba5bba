// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package record

import "fmt"

// Result answers a record sent with Control.ReqResp. UUID matches the
// record's UUID; exactly one of Run, Exit and Response is set.
type Result struct {
	UUID     string      `cbor:"uuid"`
	Run      *RunResult  `cbor:"run,omitempty"`
	Exit     *ExitResult `cbor:"exit,omitempty"`
	Response *Response   `cbor:"response,omitempty"`
}

// ErrorCode classifies errors returned to the producer.
type ErrorCode string

const (
	ErrorUnknown        ErrorCode = "unknown"
	ErrorInvalid        ErrorCode = "invalid"
	ErrorCommunication  ErrorCode = "communication"
	ErrorResumeConflict ErrorCode = "resume_conflict"
)

// ErrorInfo is a user-facing error carried inside a result.
type ErrorInfo struct {
	Code    ErrorCode `cbor:"code"`
	Message string    `cbor:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// RunResult answers a run record. Run holds server-assigned fields
// when Error is nil.
type RunResult struct {
	Run   *RunRecord `cbor:"run,omitempty"`
	Error *ErrorInfo `cbor:"error,omitempty"`
}

// ExitResult reports that shutdown completed.
type ExitResult struct {
	ExitCode int32 `cbor:"exit_code"`
}

// Response answers a request; the field matching the request kind is set.
type Response struct {
	PollExit       *PollExitResponse       `cbor:"poll_exit,omitempty"`
	GetSummary     *GetSummaryResponse     `cbor:"get_summary,omitempty"`
	SampledHistory *SampledHistoryResponse `cbor:"sampled_history,omitempty"`
	Status         *StatusResponse         `cbor:"status,omitempty"`
	CheckVersion   *CheckVersionResponse   `cbor:"check_version,omitempty"`
	Login          *LoginResponse          `cbor:"login,omitempty"`
	RunStart       *RunStartResponse       `cbor:"run_start,omitempty"`
	Shutdown       *ShutdownResponse       `cbor:"shutdown,omitempty"`
}

// PusherStats is upload progress in bytes.
type PusherStats struct {
	UploadedBytes int64 `cbor:"uploaded_bytes"`
	TotalBytes    int64 `cbor:"total_bytes"`
	DedupedBytes  int64 `cbor:"deduped_bytes"`
}

// FileCounts partitions uploaded files by category.
type FileCounts struct {
	Wandb    int `cbor:"wandb_count"`
	Media    int `cbor:"media_count"`
	Artifact int `cbor:"artifact_count"`
	Other    int `cbor:"other_count"`
}

type PollExitResponse struct {
	Done        bool        `cbor:"done"`
	ExitResult  *ExitResult `cbor:"exit_result,omitempty"`
	PusherStats PusherStats `cbor:"pusher_stats"`
	FileCounts  FileCounts  `cbor:"file_counts"`
}

type GetSummaryResponse struct {
	Items []Item `cbor:"items"`
}

// SampledHistoryItem holds the sample for one key: ValuesInt when every
// value seen was an integer, ValuesFloat otherwise.
type SampledHistoryItem struct {
	Key         string    `cbor:"key"`
	ValuesInt   []int64   `cbor:"values_int,omitempty"`
	ValuesFloat []float64 `cbor:"values_float,omitempty"`
}

type SampledHistoryResponse struct {
	Items []SampledHistoryItem `cbor:"items"`
}

type StatusResponse struct {
	RunShouldStop bool `cbor:"run_should_stop"`
}

type CheckVersionResponse struct {
	UpgradeMessage string `cbor:"upgrade_message,omitempty"`
	YankMessage    string `cbor:"yank_message,omitempty"`
	DeleteMessage  string `cbor:"delete_message,omitempty"`
}

type LoginResponse struct {
	ActiveEntity string `cbor:"active_entity"`
}

type RunStartResponse struct{}

type ShutdownResponse struct{}
