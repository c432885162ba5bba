// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress chooses and applies a body encoding for uploaded
// files. Text-like run files (JSONL history, console logs, YAML)
// compress well with zstd; mixed binaries get LZ4 when a probe shows a
// modest gain; media that is already compressed is sent as-is.
package compress

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoding names a body encoding. It is sent as the upload's
// Content-Encoding.
type Encoding string

const (
	None Encoding = ""
	LZ4  Encoding = "lz4"
	Zstd Encoding = "zstd"
)

// ParseEncoding accepts "", "identity", "lz4" and "zstd".
func ParseEncoding(name string) (Encoding, error) {
	switch name {
	case "", "identity":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd":
		return Zstd, nil
	}
	return None, fmt.Errorf("unknown content encoding %q", name)
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

var errIncompressible = errors.New("compress: data is incompressible")

// ContentType guesses a MIME type from the file name.
func ContentType(name string) string {
	switch extension := strings.ToLower(filepath.Ext(name)); extension {
	case ".jsonl":
		return "application/x-ndjson"
	case ".log", ".patch", ".txt":
		return "text/plain"
	case ".yaml", ".yml":
		return "application/yaml"
	case "":
		return "application/octet-stream"
	default:
		if guessed := mime.TypeByExtension(extension); guessed != "" {
			return guessed
		}
		return "application/octet-stream"
	}
}

// Select picks an encoding for data of the given content type.
func Select(data []byte, contentType string) Encoding {
	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/json", mediaType == "application/x-ndjson",
		mediaType == "application/yaml", mediaType == "application/xml":
		return Zstd
	case strings.HasPrefix(mediaType, "image/"), strings.HasPrefix(mediaType, "video/"),
		strings.HasPrefix(mediaType, "audio/"), mediaType == "application/zip",
		mediaType == "application/gzip":
		return None
	}

	if len(data) == 0 {
		return None
	}
	ratio := float64(len(data)) / float64(len(zstdEncoder.EncodeAll(data, nil)))
	switch {
	case ratio >= 1.5:
		return Zstd
	case ratio >= 1.1:
		return LZ4
	default:
		return None
	}
}

// Encode compresses data for upload. When the chosen encoding does not
// shrink the data, the original bytes are returned with None.
func Encode(data []byte, contentType string) ([]byte, Encoding, error) {
	encoding := Select(data, contentType)
	var (
		body []byte
		err  error
	)
	switch encoding {
	case None:
		return data, None, nil
	case LZ4:
		body, err = compressLZ4(data)
	case Zstd:
		body, err = compressZstd(data)
	}
	if errors.Is(err, errIncompressible) {
		return data, None, nil
	}
	if err != nil {
		return nil, None, err
	}
	return body, encoding, nil
}

// Decode reverses Encode. size is the original length, which LZ4
// block decoding requires.
func Decode(body []byte, encoding Encoding, size int) ([]byte, error) {
	switch encoding {
	case None:
		if len(body) != size {
			return nil, fmt.Errorf("identity body is %d bytes, expected %d", len(body), size)
		}
		return body, nil
	case LZ4:
		destination := make([]byte, size)
		read, err := lz4.UncompressBlock(body, destination)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if read != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, size)
		}
		return destination, nil
	case Zstd:
		result, err := zstdDecoder.DecodeAll(body, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(result) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), size)
		}
		return result, nil
	}
	return nil, fmt.Errorf("unsupported content encoding %q", encoding)
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}
