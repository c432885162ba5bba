// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package ipc carries records from a producer to runstream-internal
// and results back over a Unix socket.
//
// Each message is one frame (see codec.WriteFrame): a 4-byte
// big-endian length followed by a CBOR Envelope. The producer sends
// envelopes holding a Record; the consumer answers with envelopes
// holding a Result. The connection is long-lived, unlike the
// one-request-per-connection service sockets: a run streams thousands
// of records and correlates the few that expect a reply by UUID.
//
// The Server accepts one producer at a time. Results produced while no
// producer is connected are held and delivered to the next one.
package ipc
