// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package launcher

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/bureau-foundation/runstream/lib/clock"
	"github.com/bureau-foundation/runstream/lib/ipc"
	"github.com/bureau-foundation/runstream/lib/record"
	"github.com/bureau-foundation/runstream/lib/testutil"
)

// childModeEnv makes the test binary act as a minimal consumer so the
// launcher can be exercised against a real child process.
const childModeEnv = "RUNSTREAM_LAUNCHER_CHILD"

func TestMain(m *testing.M) {
	switch os.Getenv(childModeEnv) {
	case "":
		os.Exit(m.Run())
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
	}
	runChildConsumer()
	os.Exit(0)
}

// answeringStream replies to every request with an empty response and
// closes its results after a shutdown request.
type answeringStream struct {
	mu      sync.Mutex
	closed  bool
	results chan *record.Result
}

func (a *answeringStream) Publish(r *record.Record) {
	if !r.Control.ReqResp {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.results <- &record.Result{UUID: r.UUID, Response: &record.Response{}}
	if r.Request != nil && r.Request.Kind == record.RequestShutdown {
		a.closed = true
		close(a.results)
	}
}

func (a *answeringStream) Results() <-chan *record.Result { return a.results }

func runChildConsumer() {
	var socketPath string
	for i, arg := range os.Args {
		if arg == "--socket" && i+1 < len(os.Args) {
			socketPath = os.Args[i+1]
		}
	}
	stream := &answeringStream{results: make(chan *record.Result)}
	if err := ipc.NewServer(socketPath, stream, nil).Serve(context.Background()); err != nil {
		os.Exit(1)
	}
}

func childOptions(t *testing.T, mode string) Options {
	t.Helper()
	return Options{
		Binary:       os.Args[0],
		SocketPath:   filepath.Join(testutil.SocketDir(t), "runstream.sock"),
		Env:          append(os.Environ(), childModeEnv+"="+mode),
		Stdout:       io.Discard,
		Stderr:       io.Discard,
		StartTimeout: 10 * time.Second,
	}
}

func TestStartConnectsAndChildExitsAfterShutdown(t *testing.T) {
	backend, err := Start(context.Background(), childOptions(t, "consumer"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	result, err := backend.Client.Communicate(context.Background(), record.NewRequest(record.RequestShutdown))
	if err != nil {
		t.Fatalf("Communicate: %v", err)
	}
	if result.Response == nil {
		t.Fatalf("result = %+v, want a response", result)
	}
	testutil.RequireClosed(t, backend.Exited(), 10*time.Second, "child exit after shutdown")
	if err := backend.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestStartReportsEarlyExit(t *testing.T) {
	if _, err := os.Stat("/bin/false"); err != nil {
		t.Skip("/bin/false not available")
	}
	options := childOptions(t, "consumer")
	options.Binary = "/bin/false"
	_, err := Start(context.Background(), options)
	if !errors.Is(err, ErrExitedEarly) {
		t.Fatalf("Start error = %v, want ErrExitedEarly", err)
	}
}

func TestStartRequiresSocketPath(t *testing.T) {
	if _, err := Start(context.Background(), Options{Binary: os.Args[0]}); err == nil {
		t.Fatal("Start without SocketPath succeeded")
	}
}

func TestInterruptStopsChild(t *testing.T) {
	backend, err := Start(context.Background(), childOptions(t, "consumer"))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	graceful, err := backend.Interrupt(context.Background())
	if err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if !graceful {
		t.Error("child should exit on SIGTERM")
	}
	backend.Close()
}

func TestInterruptEscalatesToKill(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	options := childOptions(t, "ignore-term")
	options.Clock = fake
	options.Grace = 5 * time.Second
	backend, err := Start(context.Background(), options)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer backend.Close()

	pending := fake.PendingCount()
	result := make(chan bool, 1)
	go func() {
		graceful, err := backend.Interrupt(context.Background())
		if err != nil {
			t.Errorf("Interrupt: %v", err)
		}
		result <- graceful
	}()
	fake.WaitForTimers(pending + 1)
	fake.Advance(5 * time.Second)

	if graceful := testutil.RequireReceive(t, result, 10*time.Second, "waiting for Interrupt"); graceful {
		t.Error("child ignoring SIGTERM should be reported as killed")
	}
	testutil.RequireClosed(t, backend.Exited(), 10*time.Second, "child exit after SIGKILL")
}
