// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package datastore implements the framed append-only log that holds
// every record of a run (the run's .wandb file).
//
// The format follows the leveldb log layout. A 7-byte file header
// (":W&B", magic 0xBEE1 little-endian, version 0) is followed by a
// sequence of 32 KiB blocks. Each payload is written as one or more
// chunks, each with a 7-byte header:
//
//	checksum uint32  CRC-32 (IEEE) of the payload, seeded with the
//	                 CRC-32 of the single chunk-type byte
//	length   uint16  payload bytes in this chunk
//	type     uint8   FULL=1, FIRST=2, MIDDLE=3, LAST=4
//
// A chunk never crosses a block boundary. A payload that does not fit
// the rest of the current block is split into FIRST, zero or more
// MIDDLE, and a LAST chunk. When fewer than 7 bytes remain in a block
// the writer fills them with zeros and starts at the next block.
//
// A file is opened in exactly one mode: [Create] for a new log,
// [OpenAppend] to continue an existing one, or [OpenScan] to read it.
// Any damage found while scanning is reported as a [*CorruptionError]
// matching [ErrCorrupt]; a clean end of file is io.EOF.
package datastore
