// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sender

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bureau-foundation/runstream/lib/record"
)

// outputTimeLayout is ISO-8601 in UTC with microseconds and no zone
// suffix.
const outputTimeLayout = "2006-01-02T15:04:05.000000"

// handleOutput splits console output into complete lines. The
// unterminated tail of each stream waits for the next fragment.
func (s *Sender) handleOutput(output *record.OutputRecord) {
	text := s.partial[output.Stream] + output.Line
	lines := strings.Split(text, "\n")
	s.partial[output.Stream] = lines[len(lines)-1]
	timestamp := output.Timestamp
	if timestamp.IsZero() {
		timestamp = s.clock.Now()
	}
	for _, line := range lines[:len(lines)-1] {
		s.emitLine(output.Stream, timestamp, line)
	}
}

// flushOutput emits the unterminated tails left at shutdown.
func (s *Sender) flushOutput() {
	for _, stream := range []record.OutputStream{record.StreamStdout, record.StreamStderr} {
		if tail := s.partial[stream]; tail != "" {
			s.partial[stream] = ""
			s.emitLine(stream, s.clock.Now(), tail)
		}
	}
}

func (s *Sender) emitLine(stream record.OutputStream, timestamp time.Time, line string) {
	prefix := ""
	if stream == record.StreamStderr {
		prefix = "ERROR "
	}
	formatted := prefix + timestamp.UTC().Format(outputTimeLayout) + " " + line
	if s.stream != nil {
		s.stream.Push(OutputFile, formatted)
	}
	if err := s.appendOutput(formatted); err != nil {
		// The streamed copy still reaches the backend. The local file
		// is abandoned so a full disk is reported once.
		s.logger.Warn("output log abandoned", "error", err)
		s.closeOutput()
	}
}

// appendOutput keeps output.log in the files directory so the whole
// console log is uploaded at the end of the run.
func (s *Sender) appendOutput(line string) error {
	if s.run == nil || s.outputDone {
		return nil
	}
	if s.outputFile == nil {
		path := filepath.Join(s.settings.FilesDir, OutputFile)
		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		s.outputFile = file
	}
	if _, err := s.outputFile.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("writing %s: %w", OutputFile, err)
	}
	return nil
}

func (s *Sender) closeOutput() {
	s.outputDone = true
	if s.outputFile == nil {
		return
	}
	if err := s.outputFile.Close(); err != nil {
		s.logger.Warn("closing output log failed", "error", err)
	}
	s.outputFile = nil
}
