// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package inotify delivers Linux inotify events for a set of
// directories as a channel of [Event] values. Recursive watchers add
// newly created subdirectories automatically and report the regular
// files already inside them, so a file written into a fresh directory
// before its watch is installed is not missed.
package inotify

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// Event masks, re-exported so callers need not import x/sys/unix.
const (
	Create     = unix.IN_CREATE
	CloseWrite = unix.IN_CLOSE_WRITE
	MovedTo    = unix.IN_MOVED_TO
	Delete     = unix.IN_DELETE
	IsDir      = unix.IN_ISDIR
	Overflow   = unix.IN_Q_OVERFLOW
)

// Event is one filesystem change. Path is absolute when the watched
// directory was added with an absolute path.
type Event struct {
	Path string
	Mask uint32
}

// Has reports whether every bit of mask is set on the event.
func (e Event) Has(mask uint32) bool { return e.Mask&mask == mask }

// Options configures a Watcher.
type Options struct {
	// Mask selects the events delivered for files. Directory creation
	// is always tracked when Recursive is set.
	Mask uint32

	// Recursive watches subdirectories, including ones created later.
	Recursive bool

	// Buffer sizes the events channel. Default: 64
	Buffer int

	Logger *slog.Logger
}

// Watcher owns one inotify descriptor and the goroutine reading it.
type Watcher struct {
	fd        int
	mask      uint32
	recursive bool
	logger    *slog.Logger

	mu      sync.Mutex
	watches map[int32]string

	events    chan Event
	stop      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New creates a watcher with no directories. Call Add to start
// receiving events.
func New(options Options) (*Watcher, error) {
	fd, err := unix.InotifyInit1(unix.IN_NONBLOCK | unix.IN_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w (check fs.inotify.max_user_instances)", err)
	}
	buffer := options.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	watcher := &Watcher{
		fd:        fd,
		mask:      options.Mask,
		recursive: options.Recursive,
		logger:    logger,
		watches:   make(map[int32]string),
		events:    make(chan Event, buffer),
		stop:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	go watcher.readLoop()
	return watcher, nil
}

// Events returns the delivery channel. It is closed by Close.
func (w *Watcher) Events() <-chan Event { return w.events }

// Add watches directory, and every directory beneath it when the
// watcher is recursive.
func (w *Watcher) Add(directory string) error {
	if !w.recursive {
		return w.addOne(directory)
	}
	return filepath.WalkDir(directory, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path != directory && errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		return w.addOne(path)
	})
}

func (w *Watcher) addOne(directory string) error {
	mask := w.mask | unix.IN_ONLYDIR
	if w.recursive {
		mask |= unix.IN_CREATE | unix.IN_MOVED_TO
	}
	wd, err := unix.InotifyAddWatch(w.fd, directory, mask)
	if err != nil {
		return fmt.Errorf("inotify_add_watch %s: %w", directory, err)
	}
	w.mu.Lock()
	w.watches[int32(wd)] = directory
	w.mu.Unlock()
	return nil
}

// Close stops the reader, releases the descriptor and closes Events.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stop)
		<-w.stopped
		err = unix.Close(w.fd)
		close(w.events)
	})
	return err
}

// readLoop polls with a 100ms timeout so it stays responsive to Close.
func (w *Watcher) readLoop() {
	defer close(w.stopped)

	buffer := make([]byte, 64*1024)
	pollDescriptors := []unix.PollFd{{Fd: int32(w.fd), Events: unix.POLLIN}}
	for {
		select {
		case <-w.stop:
			return
		default:
		}

		count, err := unix.Poll(pollDescriptors, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			w.logger.Error("inotify poll failed", "error", err)
			return
		}
		if count == 0 {
			continue
		}

		bytesRead, err := unix.Read(w.fd, buffer)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				continue
			}
			w.logger.Error("inotify read failed", "error", err)
			return
		}
		if !w.dispatch(buffer[:bytesRead]) {
			return
		}
	}
}

// dispatch parses raw inotify_event records. Layout (little-endian):
//
//	offset  0: int32  wd
//	offset  4: uint32 mask
//	offset  8: uint32 cookie
//	offset 12: uint32 len
//	offset 16: []byte name (null padded)
//
// Returns false when the watcher is stopping.
func (w *Watcher) dispatch(buffer []byte) bool {
	offset := 0
	for offset+unix.SizeofInotifyEvent <= len(buffer) {
		wd := int32(binary.LittleEndian.Uint32(buffer[offset : offset+4]))
		mask := binary.LittleEndian.Uint32(buffer[offset+4 : offset+8])
		nameLength := binary.LittleEndian.Uint32(buffer[offset+12 : offset+16])
		eventEnd := offset + unix.SizeofInotifyEvent + int(nameLength)
		if eventEnd > len(buffer) {
			break
		}
		name := nullTerminatedString(buffer[offset+unix.SizeofInotifyEvent : eventEnd])
		offset = eventEnd

		if mask&unix.IN_Q_OVERFLOW != 0 {
			if !w.deliver(Event{Mask: Overflow}) {
				return false
			}
			continue
		}

		w.mu.Lock()
		directory, known := w.watches[wd]
		if mask&unix.IN_IGNORED != 0 {
			delete(w.watches, wd)
		}
		w.mu.Unlock()
		if !known || name == "" {
			continue
		}
		path := filepath.Join(directory, name)

		if w.recursive && mask&unix.IN_ISDIR != 0 && mask&(unix.IN_CREATE|unix.IN_MOVED_TO) != 0 {
			if !w.adopt(path) {
				return false
			}
		}
		if mask&w.mask == 0 {
			continue
		}
		if !w.deliver(Event{Path: path, Mask: mask}) {
			return false
		}
	}
	return true
}

// adopt watches a directory that appeared under a watched one and
// reports the files it already holds as close-write events.
func (w *Watcher) adopt(directory string) bool {
	if err := w.Add(directory); err != nil {
		w.logger.Warn("watching new directory failed", "path", directory, "error", err)
		return true
	}
	var existing []string
	filepath.WalkDir(directory, func(path string, entry fs.DirEntry, err error) error {
		if err == nil && entry.Type().IsRegular() {
			existing = append(existing, path)
		}
		return nil
	})
	for _, path := range existing {
		if !w.deliver(Event{Path: path, Mask: CloseWrite}) {
			return false
		}
	}
	return true
}

func (w *Watcher) deliver(event Event) bool {
	select {
	case w.events <- event:
		return true
	case <-w.stop:
		return false
	}
}

func nullTerminatedString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
