// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Producers write the non-finite floats as the bare literals NaN,
// Infinity and -Infinity, which strict JSON rejects. DecodeJSON accepts
// them and EncodeJSON writes them back the same way. While a document
// passes through encoding/json they are carried as marker strings.
const nonFiniteMarker = "\x00nonfinite:"

// nonFiniteMarkerJSON is nonFiniteMarker as encoding/json writes it
// inside a string literal.
const nonFiniteMarkerJSON = `\u0000nonfinite:`

// "-Infinity" precedes "Infinity" so the sign is consumed with it.
var nonFiniteLiterals = []struct {
	literal string
	value   float64
}{
	{"-Infinity", math.Inf(-1)},
	{"Infinity", math.Inf(1)},
	{"NaN", math.NaN()},
}

// DecodeJSON decodes one JSON document with numbers as json.Number.
// The literals NaN, Infinity and -Infinity decode as float64.
func DecodeJSON(document string) (any, error) {
	value, err := decodeDocument(document)
	if err == nil {
		return value, nil
	}
	if marked, ok := markNonFiniteLiterals(document); ok {
		if value, markedErr := decodeDocument(marked); markedErr == nil {
			return restoreNonFinite(value), nil
		}
	}
	return nil, fmt.Errorf("%w: invalid JSON value %q: %v", ErrProtocol, document, err)
}

func decodeDocument(document string) (any, error) {
	decoder := json.NewDecoder(strings.NewReader(document))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

// markNonFiniteLiterals replaces every non-finite literal outside a
// string with a marker string. It reports whether anything changed.
func markNonFiniteLiterals(document string) (string, bool) {
	var builder strings.Builder
	builder.Grow(len(document) + 32)
	replaced := false
	inString, escaped := false, false
	for i := 0; i < len(document); {
		c := document[i]
		if inString {
			builder.WriteByte(c)
			i++
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		if c == '"' {
			inString = true
			builder.WriteByte(c)
			i++
			continue
		}
		matched := false
		for _, candidate := range nonFiniteLiterals {
			if strings.HasPrefix(document[i:], candidate.literal) {
				builder.WriteString(`"` + nonFiniteMarkerJSON + candidate.literal + `"`)
				i += len(candidate.literal)
				matched = true
				replaced = true
				break
			}
		}
		if !matched {
			builder.WriteByte(c)
			i++
		}
	}
	return builder.String(), replaced
}

func restoreNonFinite(value any) any {
	switch typed := value.(type) {
	case string:
		if literal, ok := strings.CutPrefix(typed, nonFiniteMarker); ok {
			for _, candidate := range nonFiniteLiterals {
				if candidate.literal == literal {
					return candidate.value
				}
			}
		}
	case map[string]any:
		for key, child := range typed {
			typed[key] = restoreNonFinite(child)
		}
	case []any:
		for i, child := range typed {
			typed[i] = restoreNonFinite(child)
		}
	}
	return value
}

// EncodeJSON encodes value as JSON, writing non-finite floats as the
// bare literals DecodeJSON accepts.
func EncodeJSON(value any) ([]byte, error) {
	encoded, err := json.Marshal(value)
	if !unsupportedValue(err) {
		return encoded, err
	}
	encoded, err = json.Marshal(replaceNonFinite(value, func(literal string) any {
		return nonFiniteMarker + literal
	}))
	if err != nil {
		return nil, err
	}
	for _, candidate := range nonFiniteLiterals {
		encoded = bytes.ReplaceAll(encoded,
			[]byte(`"`+nonFiniteMarkerJSON+candidate.literal+`"`),
			[]byte(candidate.literal))
	}
	return encoded, nil
}

// EncodePortableJSON encodes value as strict JSON. Non-finite floats
// become the strings "NaN", "Infinity" and "-Infinity".
func EncodePortableJSON(value any) ([]byte, error) {
	encoded, err := json.Marshal(value)
	if !unsupportedValue(err) {
		return encoded, err
	}
	return json.Marshal(Portable(value))
}

// Portable returns value with every non-finite float inside maps and
// slices replaced by its string literal. Other values are returned
// unchanged.
func Portable(value any) any {
	return replaceNonFinite(value, func(literal string) any { return literal })
}

func unsupportedValue(err error) bool {
	var unsupported *json.UnsupportedValueError
	return errors.As(err, &unsupported)
}

func replaceNonFinite(value any, replace func(literal string) any) any {
	switch typed := value.(type) {
	case float64:
		if literal, ok := nonFiniteLiteral(typed); ok {
			return replace(literal)
		}
	case float32:
		if literal, ok := nonFiniteLiteral(float64(typed)); ok {
			return replace(literal)
		}
	case map[string]any:
		copied := make(map[string]any, len(typed))
		for key, child := range typed {
			copied[key] = replaceNonFinite(child, replace)
		}
		return copied
	case []any:
		copied := make([]any, len(typed))
		for i, child := range typed {
			copied[i] = replaceNonFinite(child, replace)
		}
		return copied
	case []float64:
		copied := make([]any, len(typed))
		for i, child := range typed {
			copied[i] = replaceNonFinite(child, replace)
		}
		return copied
	}
	return value
}

func nonFiniteLiteral(value float64) (string, bool) {
	switch {
	case math.IsNaN(value):
		return "NaN", true
	case math.IsInf(value, 1):
		return "Infinity", true
	case math.IsInf(value, -1):
		return "-Infinity", true
	}
	return "", false
}
