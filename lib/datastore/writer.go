// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package datastore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
)

// logFile is the part of *os.File a Writer uses.
type logFile interface {
	io.Writer
	io.Seeker
	Truncate(size int64) error
	Sync() error
	Close() error
}

// Writer appends payloads to a log. A Writer owns its file handle
// exclusively; it is not safe for concurrent use.
type Writer struct {
	path  string
	file  logFile
	index int64

	// broken is set when a failed write could not be undone. Every
	// later Write returns it.
	broken error

	// frame accumulates padding and chunks for one Write so the file
	// sees a single write call per payload.
	frame []byte
}

// Create starts a new log at path and writes the file header. It
// fails with ErrExists when the file is already present.
func Create(path string) (*Writer, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		}
		return nil, fmt.Errorf("creating log %s: %w", path, err)
	}
	if _, err := file.Write(fileHeader()); err != nil {
		file.Close()
		return nil, fmt.Errorf("writing header to %s: %w", path, err)
	}
	return &Writer{path: path, file: file, index: HeaderLength}, nil
}

// OpenAppend reopens path for continued writing, creating it when
// absent. Existing content is scanned first: a torn final payload left
// by a crashed writer is truncated away, while any other damage is
// returned as an error and the file is left untouched.
func OpenAppend(path string) (*Writer, error) {
	info, err := os.Stat(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("opening log %s: %w", path, err)
	}
	if err != nil || info.Size() == 0 {
		os.Remove(path)
		return Create(path)
	}

	end, err := lastCompleteOffset(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log %s: %w", path, err)
	}
	if end < info.Size() {
		if err := file.Truncate(end); err != nil {
			file.Close()
			return nil, fmt.Errorf("truncating torn tail of %s: %w", path, err)
		}
	}
	if _, err := file.Seek(end, io.SeekStart); err != nil {
		file.Close()
		return nil, fmt.Errorf("seeking to end of %s: %w", path, err)
	}
	return &Writer{path: path, file: file, index: end}, nil
}

// lastCompleteOffset scans path and returns the offset just past the
// last complete payload.
func lastCompleteOffset(path string) (int64, error) {
	scanner, err := OpenScan(path)
	if err != nil {
		return 0, err
	}
	defer scanner.Close()
	for {
		before := scanner.Offset()
		_, err := scanner.Next()
		if errors.Is(err, io.EOF) {
			return scanner.Offset(), nil
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return before, nil
		}
		if err != nil {
			return 0, err
		}
	}
}

// Write appends payload and returns the file offset where its bytes
// begin (including any block padding written first) and the number of
// bytes written.
//
// A failed write is cut back to the previous payload boundary so the
// next Write lands where the block layout expects it. When that is not
// possible the Writer refuses further writes.
func (w *Writer) Write(payload []byte) (offset, length int64, err error) {
	if w.broken != nil {
		return 0, 0, w.broken
	}
	offset = w.index
	if err := w.encode(payload); err != nil {
		w.index = offset
		return 0, 0, err
	}
	if _, err := w.file.Write(w.frame); err != nil {
		w.index = offset
		writeErr := fmt.Errorf("writing to %s: %w", w.path, err)
		if rollbackErr := w.rollback(offset); rollbackErr != nil {
			w.broken = fmt.Errorf("log %s unusable after failed write: %w", w.path, errors.Join(writeErr, rollbackErr))
			return 0, 0, w.broken
		}
		return 0, 0, writeErr
	}
	return offset, w.index - offset, nil
}

// rollback discards anything a partial write left past offset.
func (w *Writer) rollback(offset int64) error {
	if err := w.file.Truncate(offset); err != nil {
		return fmt.Errorf("truncating to %d: %w", offset, err)
	}
	if _, err := w.file.Seek(offset, io.SeekStart); err != nil {
		return fmt.Errorf("seeking to %d: %w", offset, err)
	}
	return nil
}

// encode lays out padding and chunks for payload in w.frame,
// advancing w.index past them.
func (w *Writer) encode(payload []byte) error {
	w.frame = w.frame[:0]

	spaceLeft := BlockLength - int(w.index%BlockLength)
	if spaceLeft < HeaderLength {
		w.frame = append(w.frame, make([]byte, spaceLeft)...)
		w.index += int64(spaceLeft)
		spaceLeft = BlockLength
	}

	if len(payload)+HeaderLength <= spaceLeft {
		return w.appendChunk(ChunkFull, payload)
	}

	firstLength := spaceLeft - HeaderLength
	if err := w.appendChunk(ChunkFirst, payload[:firstLength]); err != nil {
		return err
	}
	remaining := payload[firstLength:]
	for len(remaining)+HeaderLength > BlockLength {
		if err := w.appendChunk(ChunkMiddle, remaining[:DataLength]); err != nil {
			return err
		}
		remaining = remaining[DataLength:]
	}
	return w.appendChunk(ChunkLast, remaining)
}

// appendChunk adds one chunk to the pending frame. The chunk must fit
// in what is left of the current block.
func (w *Writer) appendChunk(chunkType ChunkType, data []byte) error {
	spaceLeft := BlockLength - int(w.index%BlockLength)
	if len(data)+HeaderLength > spaceLeft {
		return fmt.Errorf("datastore: %s chunk of %d bytes does not fit %d bytes left in block", chunkType, len(data), spaceLeft)
	}
	var header [HeaderLength]byte
	binary.LittleEndian.PutUint32(header[0:], chunkChecksum(chunkType, data))
	binary.LittleEndian.PutUint16(header[4:], uint16(len(data)))
	header[6] = byte(chunkType)
	w.frame = append(w.frame, header[:]...)
	w.frame = append(w.frame, data...)
	w.index += int64(HeaderLength + len(data))
	return nil
}

// Offset returns the offset the next Write will start at.
func (w *Writer) Offset() int64 { return w.index }

// Sync flushes written data to stable storage.
func (w *Writer) Sync() error {
	return w.file.Sync()
}

// Close syncs and closes the file.
func (w *Writer) Close() error {
	syncErr := w.file.Sync()
	closeErr := w.file.Close()
	return errors.Join(syncErr, closeErr)
}
