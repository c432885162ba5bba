// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package launcher starts runstream-internal for a producer and
// connects to it.
//
// The consumer runs as a child process so a crash or a slow network
// flush never takes the producer down with it. Start spawns the child,
// waits for its socket to appear, and dials it. Close asks nothing of
// the child: a producer that wants its data flushed sends exit and
// shutdown through the Client first, and the child exits on its own.
// Interrupt is for the producer's own signal handling.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/bureau-foundation/runstream/lib/clock"
	"github.com/bureau-foundation/runstream/lib/inotify"
	"github.com/bureau-foundation/runstream/lib/ipc"
	"github.com/bureau-foundation/runstream/lib/process"
)

// DefaultBinary is looked up on PATH when Options.Binary is empty.
const DefaultBinary = "runstream-internal"

const (
	defaultStartTimeout = 30 * time.Second
	defaultGrace        = 10 * time.Second
)

// ErrExitedEarly is returned by Start when the child exits before its
// socket appears.
var ErrExitedEarly = errors.New("launcher: runstream-internal exited before listening")

// Options configures Start. SocketPath is required.
type Options struct {
	Binary     string
	SocketPath string

	SettingsPath string
	SyncFile     string
	LogLevel     string
	ExtraArgs    []string

	// Env replaces the child's environment when non-nil.
	Env []string

	// Stdout and Stderr receive the child's output. Default: the
	// producer's stderr for both, so consumer logs are not mixed into
	// the run's captured stdout.
	Stdout io.Writer
	Stderr io.Writer

	// StartTimeout bounds the wait for the socket. Default: 30s
	StartTimeout time.Duration

	// Grace is how long Interrupt and Close wait after SIGTERM before
	// SIGKILL. Default: 10s
	Grace time.Duration

	Clock  clock.Clock
	Logger *slog.Logger
}

// Backend is a running consumer and the producer's connection to it.
type Backend struct {
	Client *ipc.Client

	command *exec.Cmd
	exited  chan struct{}
	waitErr error

	grace  time.Duration
	clock  clock.Clock
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

// Start spawns runstream-internal and returns once the producer is
// connected to it.
func Start(ctx context.Context, options Options) (*Backend, error) {
	if options.SocketPath == "" {
		return nil, errors.New("launcher: SocketPath is required")
	}
	binary := options.Binary
	if binary == "" {
		resolved, err := exec.LookPath(DefaultBinary)
		if err != nil {
			return nil, fmt.Errorf("finding %s: %w", DefaultBinary, err)
		}
		binary = resolved
	}
	if options.StartTimeout <= 0 {
		options.StartTimeout = defaultStartTimeout
	}
	if options.Grace <= 0 {
		options.Grace = defaultGrace
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	command := exec.Command(binary, arguments(options)...)
	command.Env = options.Env
	command.Stdout = options.Stdout
	command.Stderr = options.Stderr
	if command.Stdout == nil {
		command.Stdout = os.Stderr
	}
	if command.Stderr == nil {
		command.Stderr = os.Stderr
	}

	// Watch before the child starts so the socket's creation cannot
	// be missed.
	watcher, err := inotify.New(inotify.Options{Mask: inotify.Create | inotify.MovedTo, Logger: logger})
	if err != nil {
		return nil, err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(options.SocketPath)); err != nil {
		return nil, err
	}

	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}
	backend := &Backend{
		command: command,
		exited:  make(chan struct{}),
		grace:   options.Grace,
		clock:   options.Clock,
		logger:  logger,
	}
	go func() {
		backend.waitErr = command.Wait()
		close(backend.exited)
	}()
	logger.Info("runstream-internal started", "pid", command.Process.Pid, "socket", options.SocketPath)

	if err := backend.waitForSocket(ctx, watcher, options.SocketPath, options.StartTimeout); err != nil {
		backend.terminate(context.Background())
		return nil, err
	}
	client, err := ipc.Dial(ctx, options.SocketPath, logger)
	if err != nil {
		backend.terminate(context.Background())
		return nil, err
	}
	backend.Client = client
	return backend, nil
}

func arguments(options Options) []string {
	args := []string{"--socket", options.SocketPath}
	if options.SettingsPath != "" {
		args = append(args, "--settings", options.SettingsPath)
	}
	if options.SyncFile != "" {
		args = append(args, "--sync-file", options.SyncFile)
	}
	if options.LogLevel != "" {
		args = append(args, "--log-level", options.LogLevel)
	}
	return append(args, options.ExtraArgs...)
}

// waitForSocket returns once socketPath exists. The existence check
// runs after the watch is installed, so either the check or an event
// sees the socket.
func (b *Backend) waitForSocket(ctx context.Context, watcher *inotify.Watcher, socketPath string, timeout time.Duration) error {
	if _, err := os.Stat(socketPath); err == nil {
		return nil
	}
	deadline := b.clock.After(timeout)
	for {
		select {
		case event, ok := <-watcher.Events():
			if !ok {
				return errors.New("launcher: socket watcher closed")
			}
			if filepath.Clean(event.Path) == filepath.Clean(socketPath) {
				return nil
			}
		case <-b.exited:
			return fmt.Errorf("%w: %v", ErrExitedEarly, b.waitErr)
		case <-deadline:
			return fmt.Errorf("launcher: socket %s did not appear within %s", socketPath, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Exited is closed when the child has exited.
func (b *Backend) Exited() <-chan struct{} { return b.exited }

// Pid returns the child's process id.
func (b *Backend) Pid() int { return b.command.Process.Pid }

// Interrupt terminates the child: SIGTERM, then SIGKILL once the grace
// delay passes or ctx is done. It reports whether the child exited
// within the grace delay.
func (b *Backend) Interrupt(ctx context.Context) (bool, error) {
	return b.terminate(ctx)
}

func (b *Backend) terminate(ctx context.Context) (bool, error) {
	graceful, err := process.Terminate(ctx, b.command.Process, b.exited, b.grace, b.clock)
	if err != nil {
		return false, err
	}
	if !graceful {
		b.logger.Warn("runstream-internal killed after grace delay", "pid", b.command.Process.Pid, "grace", b.grace)
	}
	return graceful, nil
}

// Close closes the client and waits up to the grace delay for the
// child to exit, terminating it after that. Safe to call more than
// once.
func (b *Backend) Close() error {
	b.closeOnce.Do(func() {
		if b.Client != nil {
			if err := b.Client.Close(); err != nil {
				b.closeErr = fmt.Errorf("closing client: %w", err)
			}
		}
		select {
		case <-b.exited:
		case <-b.clock.After(b.grace):
			if _, err := b.terminate(context.Background()); err != nil && b.closeErr == nil {
				b.closeErr = err
			}
		}
		var exitError *exec.ExitError
		if b.waitErr != nil && !errors.As(b.waitErr, &exitError) && b.closeErr == nil {
			b.closeErr = b.waitErr
		}
	})
	return b.closeErr
}
