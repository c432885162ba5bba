// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Mode selects whether records reach the tracking service.
type Mode string

const (
	// Online sends records to the backend as well as the local log.
	Online Mode = "online"
	// Offline writes the local log only. Requests marked always-send
	// still reach the sender so the defer sequence completes.
	Offline Mode = "offline"
)

// ResumeMode controls how a run that already exists remotely is treated.
type ResumeMode string

const (
	// ResumeNone never looks up prior state.
	ResumeNone ResumeMode = ""
	// ResumeAllow continues a prior run when one exists.
	ResumeAllow ResumeMode = "allow"
	// ResumeMust fails unless a prior run exists.
	ResumeMust ResumeMode = "must"
	// ResumeNever fails when a prior run exists.
	ResumeNever ResumeMode = "never"
	// ResumeAuto behaves like allow.
	ResumeAuto ResumeMode = "auto"
)

// Settings configures one consumer process.
type Settings struct {
	// RunDir holds the framed log and the files directory.
	RunDir string `yaml:"run_dir"`

	// FilesDir is the directory whose contents are uploaded.
	// Default: ${RUNSTREAM_RUN_DIR}/files
	FilesDir string `yaml:"files_dir"`

	// SyncFile is the framed log path.
	// Default: ${RUNSTREAM_RUN_DIR}/run.wandb
	SyncFile string `yaml:"sync_file"`

	Mode   Mode       `yaml:"mode"`
	Resume ResumeMode `yaml:"resume"`

	RunID   string `yaml:"run_id"`
	Entity  string `yaml:"entity"`
	Project string `yaml:"project"`

	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`

	// DisableMeta skips writing wandb-metadata.json at run start.
	DisableMeta bool `yaml:"disable_meta"`

	Stats      StatsSettings      `yaml:"stats"`
	FileStream FileStreamSettings `yaml:"file_stream"`
	Pusher     PusherSettings     `yaml:"pusher"`
	RateLimit  RateLimitSettings  `yaml:"rate_limit"`

	// UploadIndexPath is the sqlite database remembering the last
	// uploaded fingerprint per file. Empty disables the index.
	UploadIndexPath string `yaml:"upload_index_path"`
}

// StatsSettings configures the system metrics sampler.
type StatsSettings struct {
	Disabled bool `yaml:"disabled"`

	// SampleInterval is the time between samples. Default: 2s
	SampleInterval time.Duration `yaml:"sample_interval"`

	// SamplesPerReport is how many samples are averaged into one
	// stats record. Default: 15
	SamplesPerReport int `yaml:"samples_per_report"`
}

// FileStreamSettings configures file-stream batching.
type FileStreamSettings struct {
	// FlushInterval is the time between batched requests. Default: 15s
	FlushInterval time.Duration `yaml:"flush_interval"`

	// MaxLinesPerRequest caps one request's lines per file. Default: 1000
	MaxLinesPerRequest int `yaml:"max_lines_per_request"`

	// DrainTimeout bounds the final flush at finish. Default: 30s
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// PusherSettings configures the upload pipeline.
type PusherSettings struct {
	// Workers bounds concurrent uploads. Default: 4
	Workers int `yaml:"workers"`

	// MaxAttempts bounds upload attempts per job. Default: 5
	MaxAttempts int `yaml:"max_attempts"`

	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// RateLimitSettings sizes the HTTP client's token bucket.
type RateLimitSettings struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// Default returns settings with every field populated. Path fields
// still contain ${VAR} references until [Settings.Expand] runs.
func Default() *Settings {
	return &Settings{
		RunDir:   "${RUNSTREAM_DIR:-./runstream}/latest-run",
		FilesDir: "${RUNSTREAM_RUN_DIR}/files",
		SyncFile: "${RUNSTREAM_RUN_DIR}/run.wandb",
		Mode:     Online,
		Resume:   ResumeNone,
		BaseURL:  "https://api.wandb.ai",
		Stats: StatsSettings{
			SampleInterval:   2 * time.Second,
			SamplesPerReport: 15,
		},
		FileStream: FileStreamSettings{
			FlushInterval:      15 * time.Second,
			MaxLinesPerRequest: 1000,
			DrainTimeout:       30 * time.Second,
		},
		Pusher: PusherSettings{
			Workers:        4,
			MaxAttempts:    5,
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
		},
		RateLimit: RateLimitSettings{
			RequestsPerSecond: 20,
			Burst:             10,
		},
		UploadIndexPath: "${HOME}/.cache/runstream/uploads.db",
	}
}

// Load reads the file named by RUNSTREAM_SETTINGS, or starts from
// [Default] when the variable is unset, then applies environment
// overrides and expands path variables.
func Load() (*Settings, error) {
	path := os.Getenv("RUNSTREAM_SETTINGS")
	if path == "" {
		settings := Default()
		settings.applyEnvironment()
		settings.Expand()
		return settings, nil
	}
	return LoadFile(path)
}

// LoadFile reads settings from path over [Default]. Files ending in
// .json or .jsonc are read as JSON with comments; anything else as YAML.
// Environment overrides are applied after the file.
func LoadFile(path string) (*Settings, error) {
	settings := Default()
	if err := settings.loadFile(path); err != nil {
		return nil, fmt.Errorf("loading settings from %s: %w", path, err)
	}
	settings.applyEnvironment()
	settings.Expand()
	return settings, nil
}

func (s *Settings) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		// JSON is a subset of YAML, so stripped JSONC decodes with the
		// same struct tags and duration handling.
		data = jsonc.ToJSON(data)
	}
	return yaml.Unmarshal(data, s)
}

// applyEnvironment lets the launching process steer a single run
// without writing a settings file.
func (s *Settings) applyEnvironment() {
	if value := os.Getenv("RUNSTREAM_MODE"); value != "" {
		s.Mode = Mode(strings.ToLower(value))
	}
	if value, ok := os.LookupEnv("RUNSTREAM_RESUME"); ok {
		s.Resume = ResumeMode(strings.ToLower(value))
	}
	if value := os.Getenv("RUNSTREAM_BASE_URL"); value != "" {
		s.BaseURL = value
	}
	if value := os.Getenv("RUNSTREAM_API_KEY"); value != "" {
		s.APIKey = value
	}
	if value := os.Getenv("RUNSTREAM_RUN_ID"); value != "" {
		s.RunID = value
	}
	if value := os.Getenv("RUNSTREAM_ENTITY"); value != "" {
		s.Entity = value
	}
	if value := os.Getenv("RUNSTREAM_PROJECT"); value != "" {
		s.Project = value
	}
}

// Expand replaces ${VAR} and ${VAR:-default} in path fields.
// ${RUNSTREAM_RUN_DIR} refers to the expanded RunDir.
func (s *Settings) Expand() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	s.RunDir = expandVars(s.RunDir, vars)
	vars["RUNSTREAM_RUN_DIR"] = s.RunDir

	s.FilesDir = expandVars(s.FilesDir, vars)
	s.SyncFile = expandVars(s.SyncFile, vars)
	s.UploadIndexPath = expandVars(s.UploadIndexPath, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		defaultValue := parts[2]

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Offline reports whether records stay local.
func (s *Settings) Offline() bool {
	return s.Mode == Offline
}

// Validate returns every problem found, joined.
func (s *Settings) Validate() error {
	var errs []error

	if s.Mode != Online && s.Mode != Offline {
		errs = append(errs, fmt.Errorf("mode must be online or offline, got %q", s.Mode))
	}
	switch s.Resume {
	case ResumeNone, ResumeAllow, ResumeMust, ResumeNever, ResumeAuto:
	default:
		errs = append(errs, fmt.Errorf("resume must be one of allow, must, never, auto, got %q", s.Resume))
	}
	if s.RunDir == "" {
		errs = append(errs, errors.New("run_dir is required"))
	}
	if s.FilesDir == "" {
		errs = append(errs, errors.New("files_dir is required"))
	}
	if s.SyncFile == "" {
		errs = append(errs, errors.New("sync_file is required"))
	}
	if s.Mode == Online && s.BaseURL == "" {
		errs = append(errs, errors.New("base_url is required in online mode"))
	}
	if !s.Stats.Disabled {
		if s.Stats.SampleInterval <= 0 {
			errs = append(errs, errors.New("stats.sample_interval must be positive"))
		}
		if s.Stats.SamplesPerReport <= 0 {
			errs = append(errs, errors.New("stats.samples_per_report must be positive"))
		}
	}
	if s.FileStream.FlushInterval <= 0 {
		errs = append(errs, errors.New("file_stream.flush_interval must be positive"))
	}
	if s.FileStream.MaxLinesPerRequest <= 0 {
		errs = append(errs, errors.New("file_stream.max_lines_per_request must be positive"))
	}
	if s.Pusher.Workers <= 0 {
		errs = append(errs, errors.New("pusher.workers must be positive"))
	}
	if s.Pusher.MaxAttempts <= 0 {
		errs = append(errs, errors.New("pusher.max_attempts must be positive"))
	}
	if s.Pusher.InitialBackoff > s.Pusher.MaxBackoff {
		errs = append(errs, fmt.Errorf("pusher.initial_backoff %s exceeds pusher.max_backoff %s",
			s.Pusher.InitialBackoff, s.Pusher.MaxBackoff))
	}
	if s.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("rate_limit.requests_per_second must not be negative"))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the run and files directories plus the parents of
// the framed log and upload index.
func (s *Settings) EnsurePaths() error {
	paths := []string{
		s.RunDir,
		s.FilesDir,
		filepath.Dir(s.SyncFile),
	}
	if s.UploadIndexPath != "" {
		paths = append(paths, filepath.Dir(s.UploadIndexPath))
	}
	for _, path := range paths {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
