// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tbwatcher mirrors external metric event files into the run's
// files directory. A directory is registered with a tbrecord; every file
// under it whose name contains "tfevents" is copied to the files
// directory (relative to the record's root directory) each time it is
// closed or renamed into place, and a files record with policy live is
// published the first time each copy appears.
package tbwatcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bureau-foundation/runstream/lib/atomicfile"
	"github.com/bureau-foundation/runstream/lib/inotify"
	"github.com/bureau-foundation/runstream/lib/record"
)

const eventFileMarker = "tfevents"

// Options configures a Watcher. FilesDir and Publish are required.
type Options struct {
	FilesDir string
	Publish  func(*record.Record)
	Logger   *slog.Logger
}

type logDir struct {
	path string
	root string
	save bool
}

// Watcher is safe for concurrent use.
type Watcher struct {
	filesDir string
	publish  func(*record.Record)
	logger   *slog.Logger
	notify   *inotify.Watcher
	done     chan struct{}

	mu        sync.Mutex
	dirs      []logDir
	published map[string]bool
	finished  bool
}

// New starts an empty watcher.
func New(options Options) (*Watcher, error) {
	if options.FilesDir == "" || options.Publish == nil {
		return nil, errors.New("tbwatcher: FilesDir and Publish are required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tbwatcher")
	notify, err := inotify.New(inotify.Options{
		Mask:      inotify.CloseWrite | inotify.MovedTo,
		Recursive: true,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	watcher := &Watcher{
		filesDir:  options.FilesDir,
		publish:   options.Publish,
		logger:    logger,
		notify:    notify,
		done:      make(chan struct{}),
		published: make(map[string]bool),
	}
	go watcher.run()
	return watcher, nil
}

// Add registers the directory named by tb. The directory is created if
// it does not exist yet, since training code often creates it lazily.
// Event files already present are mirrored immediately.
func (w *Watcher) Add(tb *record.TBRecord) error {
	if tb == nil || tb.LogDir == "" {
		return fmt.Errorf("%w: tbrecord without a log directory", record.ErrProtocol)
	}
	path, err := filepath.Abs(tb.LogDir)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", tb.LogDir, err)
	}
	root := filepath.Dir(path)
	if tb.RootDir != "" {
		if root, err = filepath.Abs(tb.RootDir); err != nil {
			return fmt.Errorf("resolving %s: %w", tb.RootDir, err)
		}
	}
	directory := logDir{path: path, root: root, save: tb.Save}

	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return nil
	}
	for _, existing := range w.dirs {
		if existing.path == path {
			w.mu.Unlock()
			return nil
		}
	}
	w.mu.Unlock()

	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := w.notify.Add(path); err != nil {
		return err
	}
	w.mu.Lock()
	w.dirs = append(w.dirs, directory)
	w.mu.Unlock()
	w.sweep(directory)
	return nil
}

// Finish stops watching and mirrors the final version of every event
// file. Safe to call more than once.
func (w *Watcher) Finish() {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return
	}
	w.finished = true
	dirs := append([]logDir(nil), w.dirs...)
	w.mu.Unlock()

	w.notify.Close()
	<-w.done
	for _, directory := range dirs {
		w.sweep(directory)
	}
}

func (w *Watcher) run() {
	defer close(w.done)
	for event := range w.notify.Events() {
		if event.Path == "" || event.Has(inotify.IsDir) {
			continue
		}
		if directory, ok := w.owner(event.Path); ok {
			w.mirror(directory, event.Path)
		}
	}
}

// owner returns the most specific registered directory containing path.
func (w *Watcher) owner(path string) (logDir, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var best logDir
	found := false
	for _, directory := range w.dirs {
		if within(directory.path, path) && len(directory.path) > len(best.path) {
			best, found = directory, true
		}
	}
	return best, found
}

func (w *Watcher) sweep(directory logDir) {
	filepath.WalkDir(directory.path, func(path string, entry fs.DirEntry, err error) error {
		if err == nil && entry.Type().IsRegular() {
			w.mirror(directory, path)
		}
		return nil
	})
}

// mirror copies an event file into the files directory.
func (w *Watcher) mirror(directory logDir, source string) {
	if !directory.save || !strings.Contains(filepath.Base(source), eventFileMarker) {
		return
	}
	name := w.saveName(directory, source)
	data, err := os.ReadFile(source)
	if err != nil {
		w.logger.Warn("reading event file failed", "path", source, "error", err)
		return
	}
	target := filepath.Join(w.filesDir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		w.logger.Warn("creating mirror directory failed", "path", target, "error", err)
		return
	}
	if err := atomicfile.Write(target, data, 0644); err != nil {
		w.logger.Warn("mirroring event file failed", "path", source, "error", err)
		return
	}

	w.mu.Lock()
	first := !w.published[name]
	w.published[name] = true
	w.mu.Unlock()
	if first {
		w.publish(record.NewRecord(&record.FilesRecord{
			Files: []record.FileItem{{Path: name, Policy: record.PolicyLive}},
		}))
	}
}

// saveName places source relative to the root directory, or relative to
// the log directory's parent when source lies outside the root.
func (w *Watcher) saveName(directory logDir, source string) string {
	if within(directory.root, source) {
		relative, _ := filepath.Rel(directory.root, source)
		return filepath.ToSlash(relative)
	}
	relative, _ := filepath.Rel(filepath.Dir(directory.path), source)
	return filepath.ToSlash(relative)
}

func within(directory, path string) bool {
	relative, err := filepath.Rel(directory, path)
	return err == nil && relative != "." && relative != ".." && !strings.HasPrefix(relative, "../")
}
