// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// runstream-internal is the consumer process for one run. The producer
// starts it (see lib/launcher), connects to --socket, and streams
// records; runstream-internal persists them to the framed log, keeps
// the run's history and summary, and ships everything to the tracking
// service. It exits after the producer's shutdown request once every
// queue has drained, or on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/runstream/lib/backend/httpapi"
	"github.com/bureau-foundation/runstream/lib/config"
	"github.com/bureau-foundation/runstream/lib/datastore"
	"github.com/bureau-foundation/runstream/lib/ipc"
	"github.com/bureau-foundation/runstream/lib/process"
	"github.com/bureau-foundation/runstream/lib/stream"
	"github.com/bureau-foundation/runstream/lib/uploadindex"
	"github.com/bureau-foundation/runstream/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		socketPath   string
		settingsPath string
		syncFile     string
		logLevel     string
		appendLog    bool
		showVersion  bool
	)
	flagSet := pflag.NewFlagSet("runstream-internal", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", "", "Unix socket path to listen on (required)")
	flagSet.StringVar(&settingsPath, "settings", "", "settings file, YAML or JSON with comments (default: $RUNSTREAM_SETTINGS or built-in defaults)")
	flagSet.StringVar(&syncFile, "sync-file", "", "framed log path, overriding the settings")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVar(&appendLog, "append", false, "continue an existing framed log instead of replacing it")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("runstream-internal %s\n", version.Full())
		return nil
	}
	if socketPath == "" {
		return fmt.Errorf("--socket is required")
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	logger, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	settings, err := loadSettings(settingsPath)
	if err != nil {
		return err
	}
	if syncFile != "" {
		settings.SyncFile = syncFile
	}
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if err := settings.EnsurePaths(); err != nil {
		return err
	}

	api, err := httpapi.New(httpapi.Options{
		BaseURL:           settings.BaseURL,
		APIKey:            settings.APIKey,
		RequestsPerSecond: settings.RateLimit.RequestsPerSecond,
		Burst:             settings.RateLimit.Burst,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	var index *uploadindex.Index
	if settings.UploadIndexPath != "" {
		index, err = uploadindex.Open(settings.UploadIndexPath, logger)
		if err != nil {
			// Without the index every file is uploaded again on resume,
			// which is slower but correct.
			logger.Warn("upload index unavailable", "path", settings.UploadIndexPath, "error", err)
			index = nil
		} else {
			defer index.Close()
		}
	}

	store, err := openLog(settings.SyncFile, appendLog)
	if err != nil {
		return err
	}

	consumer, err := stream.New(stream.Options{
		Settings:    settings,
		API:         api,
		Store:       store,
		UploadIndex: index,
		Logger:      logger,
	})
	if err != nil {
		store.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := ipc.NewServer(socketPath, consumer, logger)
	streamDone := make(chan error, 1)
	serveDone := make(chan error, 1)
	go func() { streamDone <- consumer.Run(ctx) }()
	go func() { serveDone <- server.Serve(ctx) }()

	logger.Info("runstream-internal running",
		"version", version.Info(),
		"socket", socketPath,
		"sync_file", settings.SyncFile,
		"mode", settings.Mode,
	)

	var streamErr, serveErr error
	select {
	case streamErr = <-streamDone:
		// Serve returns once the remaining results are written.
		serveErr = <-serveDone
	case serveErr = <-serveDone:
		stop()
		streamErr = <-streamDone
	}
	if serveErr != nil {
		return serveErr
	}
	return streamErr
}

func loadSettings(path string) (*config.Settings, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func openLog(path string, appendLog bool) (*datastore.Writer, error) {
	if appendLog {
		return datastore.OpenAppend(path)
	}
	// A fresh run replaces whatever a previous run left at this path.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing previous log %s: %w", path, err)
	}
	return datastore.Create(path)
}

// newLogger writes text to an interactive stderr and JSON otherwise, so
// a developer running the binary by hand gets readable output while a
// launched consumer's logs stay machine-parseable.
func newLogger(level string) (*slog.Logger, error) {
	var parsed slog.Level
	if err := parsed.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	options := &slog.HandlerOptions{Level: parsed}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return slog.New(slog.NewTextHandler(os.Stderr, options)), nil
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, options)), nil
}
