// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package record

import "fmt"

// RequestKind discriminates Request payloads.
type RequestKind string

const (
	RequestDefer          RequestKind = "defer"
	RequestPollExit       RequestKind = "poll_exit"
	RequestRunStart       RequestKind = "run_start"
	RequestGetSummary     RequestKind = "get_summary"
	RequestSampledHistory RequestKind = "sampled_history"
	RequestStatus         RequestKind = "status"
	RequestCheckVersion   RequestKind = "check_version"
	RequestLogin          RequestKind = "login"
	RequestShutdown       RequestKind = "shutdown"
	RequestPause          RequestKind = "pause"
	RequestResume         RequestKind = "resume"
)

// RequestKinds lists every request kind.
var RequestKinds = []RequestKind{
	RequestDefer, RequestPollExit, RequestRunStart, RequestGetSummary,
	RequestSampledHistory, RequestStatus, RequestCheckVersion,
	RequestLogin, RequestShutdown, RequestPause, RequestResume,
}

// Request is a control message. Kinds without parameters carry no
// payload.
type Request struct {
	Kind         RequestKind          `cbor:"kind"`
	Defer        *DeferRequest        `cbor:"defer,omitempty"`
	RunStart     *RunStartRequest     `cbor:"run_start,omitempty"`
	CheckVersion *CheckVersionRequest `cbor:"check_version,omitempty"`
	Login        *LoginRequest        `cbor:"login,omitempty"`
}

// Validate checks that the payload required by Kind is present.
func (r *Request) Validate() error {
	switch r.Kind {
	case RequestDefer:
		if r.Defer == nil {
			return fmt.Errorf("%w: defer request without state", ErrProtocol)
		}
	case RequestRunStart:
		if r.RunStart == nil {
			return fmt.Errorf("%w: run_start request without run", ErrProtocol)
		}
	case RequestPollExit, RequestGetSummary, RequestSampledHistory, RequestStatus,
		RequestCheckVersion, RequestLogin, RequestShutdown, RequestPause, RequestResume:
	default:
		return fmt.Errorf("%w: unknown request kind %q", ErrProtocol, r.Kind)
	}
	return nil
}

// DeferRequest advances the shutdown sequence to State.
type DeferRequest struct {
	State DeferState `cbor:"state"`
}

type RunStartRequest struct {
	Run RunRecord `cbor:"run"`
}

type CheckVersionRequest struct {
	CurrentVersion string `cbor:"current_version"`
}

type LoginRequest struct {
	APIKey string `cbor:"api_key,omitempty"`
}

// NewRequest returns a request record of the given kind with no payload.
func NewRequest(kind RequestKind) *Record {
	return NewRecord(&Request{Kind: kind})
}

// NewDefer returns a defer request record for state.
func NewDefer(state DeferState) *Record {
	return NewRecord(&Request{Kind: RequestDefer, Defer: &DeferRequest{State: state}})
}
