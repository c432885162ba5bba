// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Scanner reads payloads back in write order.
type Scanner struct {
	path   string
	file   *os.File
	reader *bufio.Reader
	index  int64
}

// OpenScan opens path read-only and validates the file header.
func OpenScan(path string) (*Scanner, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening log %s: %w", path, err)
	}
	scanner := &Scanner{path: path, file: file, reader: bufio.NewReaderSize(file, BlockLength)}

	header := make([]byte, HeaderLength)
	if _, err := io.ReadFull(scanner.reader, header); err != nil {
		file.Close()
		return nil, scanner.corrupt("short file header", err)
	}
	if err := checkFileHeader(header); err != nil {
		file.Close()
		return nil, scanner.corrupt("bad file header: "+err.Error(), nil)
	}
	scanner.index = HeaderLength
	return scanner, nil
}

// Next returns the next payload. It returns io.EOF when the file ends
// cleanly between payloads.
func (s *Scanner) Next() ([]byte, error) {
	chunkType, data, err := s.readChunk()
	if err != nil {
		return nil, err
	}
	switch chunkType {
	case ChunkFull:
		return data, nil
	case ChunkFirst:
	default:
		return nil, s.corrupt(fmt.Sprintf("%s chunk without a preceding FIRST", chunkType), nil)
	}

	payload := append([]byte(nil), data...)
	for {
		chunkType, data, err := s.readChunk()
		if errors.Is(err, io.EOF) {
			return nil, s.corrupt("log ends inside a multi-chunk payload", io.ErrUnexpectedEOF)
		}
		if err != nil {
			return nil, err
		}
		switch chunkType {
		case ChunkMiddle:
			payload = append(payload, data...)
		case ChunkLast:
			return append(payload, data...), nil
		default:
			return nil, s.corrupt(fmt.Sprintf("%s chunk inside a multi-chunk payload", chunkType), nil)
		}
	}
}

// readChunk skips block padding and reads one chunk. io.EOF means the
// file ended exactly where a chunk could have started.
func (s *Scanner) readChunk() (ChunkType, []byte, error) {
	spaceLeft := BlockLength - int(s.index%BlockLength)
	if spaceLeft < HeaderLength {
		padding := make([]byte, spaceLeft)
		count, err := io.ReadFull(s.reader, padding)
		if count == 0 && errors.Is(err, io.EOF) {
			return 0, nil, io.EOF
		}
		if err != nil {
			return 0, nil, s.corrupt("short block padding", io.ErrUnexpectedEOF)
		}
		for _, value := range padding {
			if value != 0 {
				return 0, nil, s.corrupt("non-zero block padding", nil)
			}
		}
		s.index += int64(spaceLeft)
		spaceLeft = BlockLength
	}

	var header [HeaderLength]byte
	count, err := io.ReadFull(s.reader, header[:])
	if count == 0 && errors.Is(err, io.EOF) {
		return 0, nil, io.EOF
	}
	if err != nil {
		return 0, nil, s.corrupt("short chunk header", io.ErrUnexpectedEOF)
	}

	checksum := binary.LittleEndian.Uint32(header[0:])
	length := int(binary.LittleEndian.Uint16(header[4:]))
	chunkType := ChunkType(header[6])
	if !chunkType.valid() {
		return 0, nil, s.corrupt(fmt.Sprintf("unknown chunk type %d", header[6]), nil)
	}
	if length+HeaderLength > spaceLeft {
		return 0, nil, s.corrupt(fmt.Sprintf("chunk length %d overruns block", length), nil)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(s.reader, data); err != nil {
		return 0, nil, s.corrupt("short chunk payload", io.ErrUnexpectedEOF)
	}
	if chunkChecksum(chunkType, data) != checksum {
		return 0, nil, s.corrupt("checksum mismatch", nil)
	}
	s.index += int64(HeaderLength + length)
	return chunkType, data, nil
}

func (s *Scanner) corrupt(reason string, err error) error {
	return &CorruptionError{Path: s.path, Offset: s.index, Reason: reason, Err: err}
}

// Offset returns the file offset just past the last chunk read.
func (s *Scanner) Offset() int64 { return s.index }

// Close releases the file.
func (s *Scanner) Close() error { return s.file.Close() }
