// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strconv"
	"strings"
)

// Compare returns -1, 0 or +1 as a orders before, equal to, or after b.
// Each dot-separated component contributes its leading decimal digits;
// any suffix ("rc1", "-dev") is ignored. Missing trailing components
// count as zero, so "1.2" equals "1.2.0".
func Compare(a, b string) int {
	left := components(a)
	right := components(b)
	for len(left) < len(right) {
		left = append(left, 0)
	}
	for len(right) < len(left) {
		right = append(right, 0)
	}
	for i := range left {
		switch {
		case left[i] < right[i]:
			return -1
		case left[i] > right[i]:
			return 1
		}
	}
	return 0
}

// AtLeast reports whether have is the same as or newer than want.
func AtLeast(have, want string) bool {
	return Compare(have, want) >= 0
}

func components(v string) []uint64 {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ".")
	result := make([]uint64, 0, len(parts))
	for _, part := range parts {
		end := 0
		for end < len(part) && part[end] >= '0' && part[end] <= '9' {
			end++
		}
		number, _ := strconv.ParseUint(part[:end], 10, 64)
		result = append(result, number)
		if end < len(part) {
			// A suffix ends the numeric portion of the version.
			break
		}
	}
	return result
}
