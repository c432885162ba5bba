// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package backend

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"server error", &StatusError{StatusCode: 503}, true},
		{"rate limited", &StatusError{StatusCode: 429}, true},
		{"request timeout", &StatusError{StatusCode: 408}, true},
		{"not found", &StatusError{StatusCode: 404}, false},
		{"wrapped forbidden", fmt.Errorf("uploading: %w", &StatusError{StatusCode: 403}), false},
		{"network", errors.New("connection reset by peer"), true},
		{"cancelled", fmt.Errorf("uploading: %w", context.Canceled), false},
	}
	for _, test := range tests {
		if got := Retryable(test.err); got != test.want {
			t.Errorf("%s: Retryable = %v, want %v", test.name, got, test.want)
		}
	}
}
