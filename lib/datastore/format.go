// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const (
	// HeaderLength is the size of both the file header and each chunk header.
	HeaderLength = 7

	// BlockLength is the fixed block size chunks are aligned to.
	BlockLength = 32768

	// DataLength is the largest payload a single chunk can carry.
	DataLength = BlockLength - HeaderLength

	// Ident opens every log file.
	Ident = ":W&B"

	// Magic follows Ident in the file header.
	Magic uint16 = 0xBEE1

	// Version is the format version written by this package.
	Version uint8 = 0
)

// ChunkType says where a chunk sits within its payload.
type ChunkType uint8

const (
	ChunkFull   ChunkType = 1
	ChunkFirst  ChunkType = 2
	ChunkMiddle ChunkType = 3
	ChunkLast   ChunkType = 4
)

func (t ChunkType) String() string {
	switch t {
	case ChunkFull:
		return "FULL"
	case ChunkFirst:
		return "FIRST"
	case ChunkMiddle:
		return "MIDDLE"
	case ChunkLast:
		return "LAST"
	default:
		return fmt.Sprintf("ChunkType(%d)", uint8(t))
	}
}

func (t ChunkType) valid() bool {
	return t >= ChunkFull && t <= ChunkLast
}

// typeSeeds[t] is the CRC-32 of the single byte t.
var typeSeeds [ChunkLast + 1]uint32

func init() {
	for chunkType := ChunkFull; chunkType <= ChunkLast; chunkType++ {
		typeSeeds[chunkType] = crc32.ChecksumIEEE([]byte{byte(chunkType)})
	}
}

func chunkChecksum(chunkType ChunkType, data []byte) uint32 {
	return crc32.Update(typeSeeds[chunkType], crc32.IEEETable, data)
}

func fileHeader() []byte {
	header := make([]byte, HeaderLength)
	copy(header, Ident)
	binary.LittleEndian.PutUint16(header[4:], Magic)
	header[6] = Version
	return header
}

func checkFileHeader(header []byte) error {
	if string(header[:4]) != Ident {
		return fmt.Errorf("identifier %q, want %q", header[:4], Ident)
	}
	if magic := binary.LittleEndian.Uint16(header[4:]); magic != Magic {
		return fmt.Errorf("magic %#04x, want %#04x", magic, Magic)
	}
	if header[6] != Version {
		return fmt.Errorf("version %d, want %d", header[6], Version)
	}
	return nil
}

var (
	// ErrCorrupt matches every damage report from a scan.
	ErrCorrupt = errors.New("datastore: corrupt log")

	// ErrExists is returned by Create when the file is already present.
	ErrExists = errors.New("datastore: log already exists")
)

// CorruptionError describes damage found at Offset. Err is
// io.ErrUnexpectedEOF when the file ends inside a chunk or inside a
// multi-chunk payload.
type CorruptionError struct {
	Path   string
	Offset int64
	Reason string
	Err    error
}

func (e *CorruptionError) Error() string {
	message := fmt.Sprintf("datastore: corrupt log %s at offset %d: %s", e.Path, e.Offset, e.Reason)
	if e.Err != nil {
		message += ": " + e.Err.Error()
	}
	return message
}

func (e *CorruptionError) Is(target error) bool { return target == ErrCorrupt }

func (e *CorruptionError) Unwrap() error { return e.Err }
