// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint and child-process helpers.
//
// [Fatal] is the raw stderr path for errors from main() when the
// structured logger may not exist yet. [Terminate] stops a child
// process gracefully: SIGTERM first, SIGKILL after a grace delay
// measured on an injected clock.
package process
