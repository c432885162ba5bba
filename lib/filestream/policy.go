// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filestream

import (
	"strings"

	"github.com/bureau-foundation/runstream/lib/backend"
)

// Policy turns the lines pushed for one file since the last request
// into the chunk sent for it. Policies are stateful and owned by the
// stream's send loop.
type Policy interface {
	Chunk(lines []string) backend.FileChunk
}

// JSONLPolicy appends lines, starting at offset. Resumed runs pass the
// line count already on the backend.
func JSONLPolicy(offset int64) Policy {
	return &jsonlPolicy{offset: offset}
}

type jsonlPolicy struct {
	offset int64
}

func (p *jsonlPolicy) Chunk(lines []string) backend.FileChunk {
	chunk := backend.FileChunk{Offset: p.offset, Content: lines}
	p.offset += int64(len(lines))
	return chunk
}

// SummaryPolicy replaces the whole file with the newest line.
func SummaryPolicy() Policy {
	return summaryPolicy{}
}

type summaryPolicy struct{}

func (summaryPolicy) Chunk(lines []string) backend.FileChunk {
	return backend.FileChunk{Offset: 0, Content: lines[len(lines)-1:]}
}

// CRDedupePolicy appends console lines like JSONLPolicy but collapses
// carriage-return progress updates, so a line the terminal would have
// redrawn many times is stored once with its final text. Lines have the
// form "[ERROR ]<timestamp> <text>"; the prefix is kept.
func CRDedupePolicy(offset int64) Policy {
	return &crDedupePolicy{jsonlPolicy{offset: offset}}
}

type crDedupePolicy struct {
	jsonlPolicy
}

func (p *crDedupePolicy) Chunk(lines []string) backend.FileChunk {
	collapsed := make([]string, len(lines))
	for i, line := range lines {
		collapsed[i] = collapseCarriageReturns(line)
	}
	return p.jsonlPolicy.Chunk(collapsed)
}

func collapseCarriageReturns(line string) string {
	if !strings.Contains(line, "\r") {
		return line
	}
	prefixEnd := 0
	if strings.HasPrefix(line, "ERROR ") {
		prefixEnd = len("ERROR ")
	}
	if space := strings.IndexByte(line[prefixEnd:], ' '); space >= 0 && !strings.Contains(line[prefixEnd:prefixEnd+space], "\r") {
		prefixEnd += space + 1
	}
	prefix, text := line[:prefixEnd], line[prefixEnd:]

	// A trailing carriage return redraws nothing.
	text = strings.TrimRight(text, "\r")
	if index := strings.LastIndexByte(text, '\r'); index >= 0 {
		text = text[index+1:]
	}
	return prefix + text
}
