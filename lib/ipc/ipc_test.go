// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/runstream/lib/codec"
	"github.com/bureau-foundation/runstream/lib/record"
	"github.com/bureau-foundation/runstream/lib/testutil"
)

const testTimeout = 5 * time.Second

type fakeStream struct {
	records chan *record.Record
	results chan *record.Result
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		records: make(chan *record.Record, 64),
		results: make(chan *record.Result),
	}
}

func (f *fakeStream) Publish(r *record.Record)       { f.records <- r }
func (f *fakeStream) Results() <-chan *record.Result { return f.results }

type serverFixture struct {
	stream     *fakeStream
	socketPath string
	served     chan error
	cancel     context.CancelFunc
}

func startServer(t *testing.T) *serverFixture {
	t.Helper()
	f := &serverFixture{
		stream:     newFakeStream(),
		socketPath: filepath.Join(testutil.SocketDir(t), "runstream.sock"),
		served:     make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	server := NewServer(f.socketPath, f.stream, nil)
	go func() { f.served <- server.Serve(ctx) }()
	testutil.RequireClosed(t, server.Ready(), testTimeout, "server ready")
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, f.served, testTimeout, "server shutdown")
	})
	return f
}

func (f *serverFixture) dial(t *testing.T) *Client {
	t.Helper()
	client, err := Dial(context.Background(), f.socketPath, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return client
}

func TestReadEnvelopeRejectsVersionMismatch(t *testing.T) {
	var buffer bytes.Buffer
	if err := codec.WriteFrame(&buffer, Envelope{Version: ProtocolVersion + 1, Result: &record.Result{UUID: "x"}}); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if _, err := ReadEnvelope(&buffer); !errors.Is(err, record.ErrProtocol) {
		t.Fatalf("ReadEnvelope error = %v, want ErrProtocol", err)
	}
}

func TestReadEnvelopeRejectsAmbiguousPayload(t *testing.T) {
	var buffer bytes.Buffer
	if err := WriteEnvelope(&buffer, Envelope{}); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}
	if _, err := ReadEnvelope(&buffer); !errors.Is(err, record.ErrProtocol) {
		t.Fatalf("empty envelope error = %v, want ErrProtocol", err)
	}
	if _, err := ReadEnvelope(&buffer); !errors.Is(err, io.EOF) {
		t.Fatalf("drained buffer error = %v, want io.EOF", err)
	}
}

func TestPublishNumbersRecordsInOrder(t *testing.T) {
	f := startServer(t)
	client := f.dial(t)
	defer client.Close()

	for range 3 {
		if err := client.Publish(record.NewRecord(&record.HistoryRecord{})); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	for want := int64(1); want <= 3; want++ {
		got := testutil.RequireReceive(t, f.stream.records, testTimeout, "record %d", want)
		if got.Num != want || got.Kind != record.KindHistory {
			t.Fatalf("record = {num %d kind %s}, want {num %d kind history}", got.Num, got.Kind, want)
		}
	}
}

func TestCommunicateCorrelatesByUUID(t *testing.T) {
	f := startServer(t)
	client := f.dial(t)
	defer client.Close()

	go func() {
		for r := range f.stream.records {
			if !r.Control.ReqResp {
				continue
			}
			f.stream.results <- &record.Result{
				UUID:     r.UUID,
				Response: &record.Response{Status: &record.StatusResponse{RunShouldStop: true}},
			}
		}
	}()

	request := record.NewRequest(record.RequestStatus)
	result, err := client.Communicate(context.Background(), request)
	if err != nil {
		t.Fatalf("Communicate: %v", err)
	}
	if request.UUID == "" || result.UUID != request.UUID {
		t.Fatalf("result uuid = %q, request uuid = %q", result.UUID, request.UUID)
	}
	if result.Response == nil || result.Response.Status == nil {
		t.Fatalf("result = %+v, want a status response", result)
	}
}

func TestCommunicateHonoursContext(t *testing.T) {
	f := startServer(t)
	client := f.dial(t)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Communicate(ctx, record.NewRequest(record.RequestStatus))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Communicate error = %v, want DeadlineExceeded", err)
	}
}

func TestResultsHeldForNextProducer(t *testing.T) {
	f := startServer(t)

	testutil.RequireSend(t, f.stream.results, &record.Result{UUID: "early-1"}, testTimeout, "first result")
	testutil.RequireSend(t, f.stream.results, &record.Result{UUID: "early-2"}, testTimeout, "second result")

	conn, err := net.Dial("unix", f.socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	for _, want := range []string{"early-1", "early-2"} {
		envelope, err := ReadEnvelope(conn)
		if err != nil {
			t.Fatalf("ReadEnvelope: %v", err)
		}
		if envelope.Result == nil || envelope.Result.UUID != want {
			t.Fatalf("envelope = %+v, want result %s", envelope, want)
		}
	}
}

func TestSecondProducerRefused(t *testing.T) {
	f := startServer(t)
	first := f.dial(t)
	defer first.Close()
	if err := first.Publish(record.NewRecord(&record.HistoryRecord{})); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	testutil.RequireReceive(t, f.stream.records, testTimeout, "first producer attached")

	second, err := net.Dial("unix", f.socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := ReadEnvelope(second); !errors.Is(err, io.EOF) {
		t.Fatalf("second producer read = %v, want io.EOF", err)
	}
}

func TestProducerSendingResultIsDisconnected(t *testing.T) {
	f := startServer(t)
	conn, err := net.Dial("unix", f.socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := WriteEnvelope(conn, Envelope{Result: &record.Result{UUID: "wrong-way"}}); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(testTimeout))
	if _, err := ReadEnvelope(conn); !errors.Is(err, io.EOF) {
		t.Fatalf("read after protocol violation = %v, want io.EOF", err)
	}
}

func TestServeStopsWhenResultsClose(t *testing.T) {
	stream := newFakeStream()
	socketPath := filepath.Join(testutil.SocketDir(t), "runstream.sock")
	server := NewServer(socketPath, stream, nil)
	served := make(chan error, 1)
	go func() { served <- server.Serve(context.Background()) }()
	testutil.RequireClosed(t, server.Ready(), testTimeout, "server ready")

	client, err := Dial(context.Background(), socketPath, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	go func() {
		r := <-stream.records
		stream.results <- &record.Result{UUID: r.UUID, Response: &record.Response{Shutdown: &record.ShutdownResponse{}}}
		close(stream.results)
	}()
	result, err := client.Communicate(context.Background(), record.NewRequest(record.RequestShutdown))
	if err != nil {
		t.Fatalf("Communicate: %v", err)
	}
	if result.Response == nil || result.Response.Shutdown == nil {
		t.Fatalf("result = %+v, want a shutdown response", result)
	}
	if err := testutil.RequireReceive(t, served, testTimeout, "Serve return"); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if _, err := os.Stat(socketPath); !os.IsNotExist(err) {
		t.Fatalf("socket file still present: %v", err)
	}
}
