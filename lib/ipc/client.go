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
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/runstream/lib/queue"
	"github.com/bureau-foundation/runstream/lib/record"
)

// dialTimeout covers only the connect phase.
const dialTimeout = 5 * time.Second

// ErrClientClosed is returned by Publish and Communicate after Close,
// and by Communicate when the connection ends before its result
// arrives.
var ErrClientClosed = errors.New("ipc: client closed")

// Client is the producer's end of the socket. Publish queues records
// without waiting for the socket; a single goroutine writes them in
// order. Communicate publishes a record and waits for its result.
type Client struct {
	conn   net.Conn
	logger *slog.Logger

	outbound *queue.Queue[*record.Record]
	written  chan struct{}
	readDone chan struct{}

	mu      sync.Mutex
	num     int64
	waiters map[string]chan *record.Result
	err     error
}

// Dial connects to a runstream-internal socket.
func Dial(ctx context.Context, socketPath string, logger *slog.Logger) (*Client, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", socketPath, err)
	}
	return NewClient(conn, logger), nil
}

// NewClient wraps an established connection and starts its reader and
// writer goroutines.
func NewClient(conn net.Conn, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		conn:     conn,
		logger:   logger,
		outbound: queue.New[*record.Record](),
		written:  make(chan struct{}),
		readDone: make(chan struct{}),
		waiters:  make(map[string]chan *record.Result),
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

// Publish numbers r and queues it for the socket. It does not block.
func (c *Client) Publish(r *record.Record) error {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	c.num++
	r.Num = c.num
	// Put under the lock keeps queue order equal to numbering order.
	err := c.outbound.Put(r)
	c.mu.Unlock()
	if err != nil {
		return ErrClientClosed
	}
	return nil
}

// Communicate publishes r with ReqResp set and waits for the result
// carrying its UUID. A UUID is assigned when r has none.
func (c *Client) Communicate(ctx context.Context, r *record.Record) (*record.Result, error) {
	if r.UUID == "" {
		r.UUID = uuid.NewString()
	}
	r.Control.ReqResp = true

	reply := make(chan *record.Result, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, c.err
	}
	c.waiters[r.UUID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, r.UUID)
		c.mu.Unlock()
	}()

	if err := c.Publish(r); err != nil {
		return nil, err
	}
	select {
	case result := <-reply:
		return result, nil
	case <-c.readDone:
		// The result may have landed just before the connection ended.
		select {
		case result := <-reply:
			return result, nil
		default:
		}
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close flushes queued records, closes the connection and waits for
// both goroutines. Pending Communicate calls return ErrClientClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.err == nil {
		c.err = ErrClientClosed
	}
	c.mu.Unlock()
	c.outbound.Close()
	<-c.written
	err := c.conn.Close()
	<-c.readDone
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	return err
}

func (c *Client) writeLoop() {
	defer close(c.written)
	for {
		r, err := c.outbound.Get(context.Background())
		if err != nil {
			return
		}
		if err := WriteEnvelope(c.conn, Envelope{Record: r}); err != nil {
			c.fail(fmt.Errorf("writing record %d: %w", r.Num, err))
			return
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		envelope, err := ReadEnvelope(c.conn)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				err = ErrClientClosed
			}
			c.fail(err)
			return
		}
		if envelope.Result == nil {
			c.fail(fmt.Errorf("%w: consumer sent a record", record.ErrProtocol))
			return
		}
		c.mu.Lock()
		reply, ok := c.waiters[envelope.Result.UUID]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("result without a waiter", "uuid", envelope.Result.UUID)
			continue
		}
		select {
		case reply <- envelope.Result:
		default:
			c.logger.Debug("duplicate result dropped", "uuid", envelope.Result.UUID)
		}
	}
}

// fail records the first error and stops the writer. The reader stops
// on its own once the connection closes.
func (c *Client) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.outbound.Close()
	if !errors.Is(err, ErrClientClosed) {
		c.conn.Close()
	}
}
