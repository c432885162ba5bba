// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the consumer process's run settings.
//
// Settings come from a single file named by the RUNSTREAM_SETTINGS
// environment variable (via [Load]) or a --settings flag (via
// [LoadFile]). YAML is the primary format; files ending in .json or
// .jsonc are accepted as JSON with comments. Every field has a default
// from [Default], so a file only needs the values it changes.
//
// A handful of environment variables override file values so the
// launching process can steer one run without writing a file:
// RUNSTREAM_MODE, RUNSTREAM_RESUME, RUNSTREAM_BASE_URL,
// RUNSTREAM_API_KEY, RUNSTREAM_RUN_ID, RUNSTREAM_ENTITY and
// RUNSTREAM_PROJECT.
//
// Path fields support ${VAR} and ${VAR:-default} expansion after
// loading. ${RUNSTREAM_RUN_DIR} expands to the resolved run directory,
// so FilesDir and SyncFile follow RunDir unless set explicitly.
//
// This package depends on no other runstream packages.
package config
