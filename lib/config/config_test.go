// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnvironment unsets every override so tests see only the file.
func clearEnvironment(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"RUNSTREAM_SETTINGS", "RUNSTREAM_MODE", "RUNSTREAM_RESUME", "RUNSTREAM_BASE_URL",
		"RUNSTREAM_API_KEY", "RUNSTREAM_RUN_ID", "RUNSTREAM_ENTITY", "RUNSTREAM_PROJECT",
		"RUNSTREAM_DIR",
	} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	clearEnvironment(t)
	settings := Default()
	settings.Expand()
	if err := settings.Validate(); err != nil {
		t.Fatalf("default settings invalid: %v", err)
	}
	if settings.Mode != Online {
		t.Errorf("Mode = %q, want online", settings.Mode)
	}
	if settings.RunDir != "./runstream/latest-run" {
		t.Errorf("RunDir = %q", settings.RunDir)
	}
	if settings.FilesDir != "./runstream/latest-run/files" {
		t.Errorf("FilesDir = %q, want it under RunDir", settings.FilesDir)
	}
}

func TestLoadFileYAML(t *testing.T) {
	clearEnvironment(t)
	path := writeFile(t, "settings.yaml", `
run_dir: /data/runs/abc
mode: offline
resume: must
run_id: abc
stats:
  sample_interval: 500ms
pusher:
  workers: 8
`)
	settings, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if settings.RunDir != "/data/runs/abc" || settings.SyncFile != "/data/runs/abc/run.wandb" {
		t.Errorf("paths = %q, %q", settings.RunDir, settings.SyncFile)
	}
	if !settings.Offline() || settings.Resume != ResumeMust || settings.RunID != "abc" {
		t.Errorf("settings = %+v", settings)
	}
	if settings.Stats.SampleInterval != 500*time.Millisecond {
		t.Errorf("SampleInterval = %v", settings.Stats.SampleInterval)
	}
	if settings.Pusher.Workers != 8 || settings.Pusher.MaxAttempts != 5 {
		t.Errorf("Pusher = %+v, want workers overridden and attempts defaulted", settings.Pusher)
	}
}

func TestLoadFileJSONC(t *testing.T) {
	clearEnvironment(t)
	path := writeFile(t, "settings.jsonc", `{
  // Local experiments never leave the machine.
  "run_dir": "/tmp/run",
  "mode": "offline",
  "file_stream": {"flush_interval": "1m"}, /* trailing comma next */
}`)
	settings, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if settings.RunDir != "/tmp/run" || settings.Mode != Offline {
		t.Errorf("settings = %+v", settings)
	}
	if settings.FileStream.FlushInterval != time.Minute {
		t.Errorf("FlushInterval = %v", settings.FileStream.FlushInterval)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	clearEnvironment(t)
	path := writeFile(t, "settings.yaml", "mode: online\nbase_url: https://file.example\n")
	t.Setenv("RUNSTREAM_MODE", "OFFLINE")
	t.Setenv("RUNSTREAM_BASE_URL", "https://env.example")
	t.Setenv("RUNSTREAM_RESUME", "allow")
	t.Setenv("RUNSTREAM_API_KEY", "k")

	settings, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if settings.Mode != Offline {
		t.Errorf("Mode = %q, want env override", settings.Mode)
	}
	if settings.BaseURL != "https://env.example" || settings.Resume != ResumeAllow || settings.APIKey != "k" {
		t.Errorf("settings = %+v", settings)
	}
}

func TestLoadWithoutSettingsFile(t *testing.T) {
	clearEnvironment(t)
	t.Setenv("RUNSTREAM_DIR", "/srv/rs")
	settings, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if settings.RunDir != "/srv/rs/latest-run" {
		t.Errorf("RunDir = %q", settings.RunDir)
	}
}

func TestLoadFileErrors(t *testing.T) {
	clearEnvironment(t)
	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}
	path := writeFile(t, "bad.yaml", "stats:\n  sample_interval: soon\n")
	if _, err := LoadFile(path); err == nil {
		t.Error("unparseable duration should fail")
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("RUNSTREAM_TEST_VAR", "from-env")
	tests := []struct {
		input string
		vars  map[string]string
		want  string
	}{
		{"${A}/x", map[string]string{"A": "/a"}, "/a/x"},
		{"${RUNSTREAM_TEST_VAR}", nil, "from-env"},
		{"${RUNSTREAM_UNSET_VAR:-fallback}/y", nil, "fallback/y"},
		{"${RUNSTREAM_UNSET_VAR}", nil, ""},
		{"plain", nil, "plain"},
	}
	for _, test := range tests {
		if got := expandVars(test.input, test.vars); got != test.want {
			t.Errorf("expandVars(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}

func TestValidateJoinsErrors(t *testing.T) {
	settings := Default()
	settings.Mode = "sideways"
	settings.Resume = "sometimes"
	settings.Pusher.Workers = 0
	settings.Pusher.InitialBackoff = time.Minute
	settings.FileStream.FlushInterval = 0

	err := settings.Validate()
	if err == nil {
		t.Fatal("Validate should fail")
	}
	message := err.Error()
	for _, fragment := range []string{"mode", "resume", "pusher.workers", "initial_backoff", "flush_interval"} {
		if !strings.Contains(message, fragment) {
			t.Errorf("error %q does not mention %q", message, fragment)
		}
	}
}

func TestValidateStatsIgnoredWhenDisabled(t *testing.T) {
	settings := Default()
	settings.Stats = StatsSettings{Disabled: true}
	if err := settings.Validate(); err != nil {
		t.Errorf("disabled stats should skip interval checks: %v", err)
	}
}

func TestEnsurePaths(t *testing.T) {
	root := t.TempDir()
	settings := Default()
	settings.RunDir = filepath.Join(root, "run")
	settings.FilesDir = filepath.Join(root, "run", "files")
	settings.SyncFile = filepath.Join(root, "run", "log", "run.wandb")
	settings.UploadIndexPath = filepath.Join(root, "cache", "uploads.db")

	if err := settings.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	for _, directory := range []string{"run", "run/files", "run/log", "cache"} {
		info, err := os.Stat(filepath.Join(root, directory))
		if err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", directory, err)
		}
	}
}
