// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version provides build version information for runstream
// binaries and ordering of dotted numeric version strings.
//
// Four package-level variables are injected at build time via
// -ldflags -X:
//
//   - [GitCommit] -- short git SHA of the build
//   - [GitDirty] -- "true" if there were uncommitted changes
//   - [BuildTime] -- UTC timestamp of the build
//   - [Version] -- release version string
//
// [Compare] orders versions such as "0.10.9" and "0.16.0rc1" by their
// leading numeric components. The sender uses it to gate features on
// the tracking service's advertised client version.
package version
