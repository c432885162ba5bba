// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/bureau-foundation/runstream/lib/record"
)

// writeTimeout bounds one result write. A producer that stops reading
// for this long is disconnected; its remaining results wait for the
// next connection.
const writeTimeout = 10 * time.Second

// Stream is the consumer side the server feeds. *stream.Stream
// satisfies it.
type Stream interface {
	Publish(*record.Record)
	Results() <-chan *record.Result
}

// Server accepts producer connections on a Unix socket, publishes
// their records into a Stream, and writes the stream's results back.
type Server struct {
	socketPath string
	stream     Stream
	logger     *slog.Logger
	ready      chan struct{}
}

// NewServer creates a server for socketPath. Call Serve to start
// accepting.
func NewServer(socketPath string, stream Stream, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		socketPath: socketPath,
		stream:     stream,
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the socket is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// connection is the currently attached producer.
type connection struct {
	conn net.Conn
	done chan error
}

// Serve listens on the socket until ctx is cancelled or the stream's
// results channel closes. A second producer connecting while one is
// attached is refused. When the results channel closes, every
// remaining result has been written to the attached producer and the
// connection is closed.
//
// Any existing socket file is removed before listening; the socket
// file is removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}
	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		listener.Close()
		os.Remove(s.socketPath)
	}()

	accepted := make(chan net.Conn)
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					s.logger.Error("accept failed", "error", err)
				}
				return
			}
			select {
			case accepted <- conn:
			case <-ctx.Done():
				conn.Close()
				return
			}
		}
	}()

	close(s.ready)
	s.logger.Info("ipc server listening", "path", s.socketPath)

	var (
		current *connection
		backlog []*record.Result
	)
	detach := func() {
		if current == nil {
			return
		}
		current.conn.Close()
		<-current.done
		current = nil
	}
	defer func() {
		detach()
		listener.Close()
		<-acceptDone
	}()

	results := s.stream.Results()
	for {
		var done chan error
		if current != nil {
			done = current.done
		}
		select {
		case <-ctx.Done():
			return nil

		case conn := <-accepted:
			if current != nil {
				s.logger.Warn("refusing second producer connection")
				conn.Close()
				continue
			}
			current = &connection{conn: conn, done: make(chan error, 1)}
			go s.readRecords(current)
			s.logger.Info("producer connected", "pending_results", len(backlog))
			for len(backlog) > 0 && current != nil {
				if err := s.writeResult(current.conn, backlog[0]); err != nil {
					s.logger.Warn("writing result failed", "uuid", backlog[0].UUID, "error", err)
					detach()
					break
				}
				backlog = backlog[1:]
			}

		case err := <-done:
			if err != nil {
				s.logger.Error("producer connection failed", "error", err)
			} else {
				s.logger.Info("producer disconnected")
			}
			current.conn.Close()
			current = nil

		case result, ok := <-results:
			if !ok {
				s.logger.Info("stream finished, closing ipc server")
				return nil
			}
			if current == nil {
				backlog = append(backlog, result)
				continue
			}
			if err := s.writeResult(current.conn, result); err != nil {
				s.logger.Warn("writing result failed, holding for next producer", "uuid", result.UUID, "error", err)
				backlog = append(backlog, result)
				detach()
			}
		}
	}
}

// readRecords publishes every record from c until the producer closes
// the connection or sends a malformed envelope. The outcome is sent on
// c.done: nil for a clean close.
func (s *Server) readRecords(c *connection) {
	for {
		envelope, err := ReadEnvelope(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = nil
			}
			c.done <- err
			return
		}
		if envelope.Record == nil {
			c.done <- fmt.Errorf("%w: producer sent a result", record.ErrProtocol)
			return
		}
		s.stream.Publish(envelope.Record)
	}
}

func (s *Server) writeResult(conn net.Conn, result *record.Result) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout)) //nolint:realclock // kernel I/O deadline
	return WriteEnvelope(conn, Envelope{Result: result})
}
