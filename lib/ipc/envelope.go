// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"fmt"
	"io"

	"github.com/bureau-foundation/runstream/lib/codec"
	"github.com/bureau-foundation/runstream/lib/record"
)

// ProtocolVersion is the envelope version this package speaks. Peers
// with a different version are rejected.
const ProtocolVersion = 1

// Envelope is one frame on the socket. Exactly one of Record and
// Result is set.
type Envelope struct {
	Version int            `cbor:"version"`
	Record  *record.Record `cbor:"record,omitempty"`
	Result  *record.Result `cbor:"result,omitempty"`
}

// WriteEnvelope frames e onto w, stamping the protocol version.
func WriteEnvelope(w io.Writer, e Envelope) error {
	e.Version = ProtocolVersion
	return codec.WriteFrame(w, e)
}

// ReadEnvelope reads one frame from r. io.EOF means the peer closed
// the connection between frames. A version mismatch or an envelope
// carrying neither or both payloads wraps record.ErrProtocol.
func ReadEnvelope(r io.Reader) (Envelope, error) {
	var e Envelope
	if err := codec.ReadFrame(r, &e); err != nil {
		return Envelope{}, err
	}
	if e.Version != ProtocolVersion {
		return Envelope{}, fmt.Errorf("%w: envelope version %d, want %d", record.ErrProtocol, e.Version, ProtocolVersion)
	}
	if (e.Record == nil) == (e.Result == nil) {
		return Envelope{}, fmt.Errorf("%w: envelope must carry exactly one of record and result", record.ErrProtocol)
	}
	return e, nil
}
