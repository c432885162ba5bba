// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package fingerprint computes the content digests the upload pipeline
// compares to decide whether a file changed since its last upload.
// Digests are keyed BLAKE3 so they cannot collide with digests the
// same bytes have in other contexts.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte keyed BLAKE3 hash.
type Digest [32]byte

// uploadKey is the BLAKE3 key: an ASCII domain label zero-padded to 32
// bytes.
var uploadKey = [32]byte{
	'r', 'u', 'n', 's', 't', 'r', 'e', 'a', 'm', '.', 'u', 'p', 'l', 'o', 'a', 'd',
	'.', 'f', 'i', 'l', 'e',
}

func newHasher() *blake3.Hasher {
	hasher, err := blake3.NewKeyed(uploadKey[:])
	if err != nil {
		panic("fingerprint: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	return hasher
}

// Bytes returns the digest of data.
func Bytes(data []byte) Digest {
	hasher := newHasher()
	hasher.Write(data)
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// File streams path through the hasher and returns its digest and size.
func File(path string) (Digest, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return Digest{}, 0, fmt.Errorf("opening %s for fingerprinting: %w", path, err)
	}
	defer file.Close()

	hasher := newHasher()
	size, err := io.Copy(hasher, file)
	if err != nil {
		return Digest{}, 0, fmt.Errorf("fingerprinting %s: %w", path, err)
	}
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest, size, nil
}

// String returns the lowercase hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the zero value.
func (d Digest) IsZero() bool { return d == Digest{} }

// Parse reads the hex form produced by String.
func Parse(text string) (Digest, error) {
	var digest Digest
	decoded, err := hex.DecodeString(text)
	if err != nil {
		return digest, fmt.Errorf("parsing fingerprint: %w", err)
	}
	if len(decoded) != len(digest) {
		return digest, fmt.Errorf("fingerprint is %d bytes, want %d", len(decoded), len(digest))
	}
	copy(digest[:], decoded)
	return digest, nil
}
