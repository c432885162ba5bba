// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dirwatcher turns file save policies into upload jobs.
//
// The run's files directory is watched recursively with inotify. Each
// [Watcher.UpdatePolicy] call associates a glob, matched against the
// slash-separated name relative to the files directory, with a policy:
//
//   - now: upload matching files once, as soon as they exist
//   - live: upload now and again after every close-write or rename
//   - end: upload when the run finishes
//
// The most recent matching glob wins. [Watcher.Finish] stops watching
// and enqueues every file that was not a "now" upload, so end-of-run
// files and the final version of live files always reach the backend.
// Hidden files (any path component starting with ".") are never
// uploaded; atomic writers stage their temporary files that way.
package dirwatcher

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bureau-foundation/runstream/lib/filepusher"
	"github.com/bureau-foundation/runstream/lib/inotify"
	"github.com/bureau-foundation/runstream/lib/record"
)

// Enqueuer accepts upload jobs. *filepusher.Pusher satisfies it.
type Enqueuer interface {
	Enqueue(filepusher.Job) error
}

// Options configures a Watcher. FilesDir and Pusher are required.
type Options struct {
	FilesDir string
	Pusher   Enqueuer
	Logger   *slog.Logger
}

type globPolicy struct {
	glob   string
	policy record.FilePolicy
}

// Watcher is safe for concurrent use.
type Watcher struct {
	filesDir string
	pusher   Enqueuer
	logger   *slog.Logger
	notify   *inotify.Watcher
	done     chan struct{}

	mu          sync.Mutex
	policies    []globPolicy
	nowUploaded map[string]bool
	finished    bool
}

// New starts watching FilesDir, which must exist.
func New(options Options) (*Watcher, error) {
	if options.FilesDir == "" || options.Pusher == nil {
		return nil, errors.New("dirwatcher: FilesDir and Pusher are required")
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "dirwatcher")

	notify, err := inotify.New(inotify.Options{
		Mask:      inotify.CloseWrite | inotify.MovedTo,
		Recursive: true,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	if err := notify.Add(options.FilesDir); err != nil {
		notify.Close()
		return nil, fmt.Errorf("watching %s: %w", options.FilesDir, err)
	}

	watcher := &Watcher{
		filesDir:    options.FilesDir,
		pusher:      options.Pusher,
		logger:      logger,
		notify:      notify,
		done:        make(chan struct{}),
		nowUploaded: make(map[string]bool),
	}
	go watcher.run()
	return watcher, nil
}

// UpdatePolicy records policy for glob and uploads the files it already
// matches when the policy calls for an immediate upload.
func (w *Watcher) UpdatePolicy(glob string, policy record.FilePolicy) error {
	glob = path.Clean(filepath.ToSlash(strings.TrimPrefix(glob, "/")))
	if _, err := path.Match(glob, ""); err != nil {
		return fmt.Errorf("dirwatcher: bad glob %q: %w", glob, err)
	}
	if _, err := record.ParseFilePolicy(string(policy)); err != nil {
		return err
	}

	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return nil
	}
	w.policies = append(w.policies, globPolicy{glob: glob, policy: policy})
	w.mu.Unlock()

	if policy == record.PolicyEnd {
		return nil
	}
	names, err := w.existing()
	if err != nil {
		return err
	}
	for _, name := range names {
		if matched, _ := path.Match(glob, name); matched {
			w.consider(name)
		}
	}
	return nil
}

// Finish stops watching and enqueues every file that was not a "now"
// upload. Safe to call more than once.
func (w *Watcher) Finish() error {
	w.mu.Lock()
	if w.finished {
		w.mu.Unlock()
		return nil
	}
	w.finished = true
	w.mu.Unlock()

	w.notify.Close()
	<-w.done

	names, err := w.existing()
	if err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		w.mu.Lock()
		skip := w.nowUploaded[name]
		w.mu.Unlock()
		if skip {
			continue
		}
		if err := w.enqueue(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *Watcher) run() {
	defer close(w.done)
	for event := range w.notify.Events() {
		if event.Has(inotify.Overflow) {
			w.logger.Warn("inotify queue overflowed, live uploads may be missed until finish")
			continue
		}
		if event.Has(inotify.IsDir) {
			continue
		}
		name, ok := w.name(event.Path)
		if !ok {
			continue
		}
		w.consider(name)
	}
}

// consider enqueues name if its policy wants an upload now.
func (w *Watcher) consider(name string) {
	w.mu.Lock()
	policy, ok := w.policyLocked(name)
	if !ok || w.finished {
		w.mu.Unlock()
		return
	}
	switch policy {
	case record.PolicyNow:
		if w.nowUploaded[name] {
			w.mu.Unlock()
			return
		}
		w.nowUploaded[name] = true
	case record.PolicyEnd:
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	if err := w.enqueue(name); err != nil {
		w.logger.Warn("enqueueing upload failed", "name", name, "policy", policy, "error", err)
	}
}

// policyLocked returns the policy of the latest glob matching name.
func (w *Watcher) policyLocked(name string) (record.FilePolicy, bool) {
	for i := len(w.policies) - 1; i >= 0; i-- {
		if matched, _ := path.Match(w.policies[i].glob, name); matched {
			return w.policies[i].policy, true
		}
	}
	return "", false
}

func (w *Watcher) enqueue(name string) error {
	return w.pusher.Enqueue(filepusher.Job{
		Path: filepath.Join(w.filesDir, filepath.FromSlash(name)),
		Name: name,
	})
}

// name converts an absolute event path to a save name. Hidden files and
// paths outside the files directory are rejected.
func (w *Watcher) name(absolute string) (string, bool) {
	relative, err := filepath.Rel(w.filesDir, absolute)
	if err != nil || relative == "." || strings.HasPrefix(relative, "..") {
		return "", false
	}
	name := filepath.ToSlash(relative)
	for _, component := range strings.Split(name, "/") {
		if strings.HasPrefix(component, ".") {
			return "", false
		}
	}
	return name, true
}

// existing lists the save names of regular files under the files
// directory, in lexical order.
func (w *Watcher) existing() ([]string, error) {
	var names []string
	err := filepath.WalkDir(w.filesDir, func(current string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && current != w.filesDir {
				return nil
			}
			return err
		}
		if current == w.filesDir {
			return nil
		}
		if strings.HasPrefix(entry.Name(), ".") {
			if entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		if name, ok := w.name(current); ok {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", w.filesDir, err)
	}
	return names, nil
}
