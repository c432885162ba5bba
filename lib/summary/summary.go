// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package summary maintains the consolidated summary of a run: the
// latest value of every metric, built from history rows and explicit
// summary edits. A Tree is owned by the router stage and is not safe
// for concurrent use.
package summary

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bureau-foundation/runstream/lib/record"
)

// ErrPathNotFound is returned when a key path passes through a missing
// or non-object intermediate node.
var ErrPathNotFound = errors.New("summary: key path not found")

// Tree is a nested map of JSON-compatible values.
type Tree struct {
	root map[string]any
}

// New returns an empty Tree.
func New() *Tree {
	return &Tree{root: make(map[string]any)}
}

// parent walks path[:len(path)-1] and returns the object holding the leaf.
func (t *Tree) parent(path []string) (map[string]any, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("%w: empty path", ErrPathNotFound)
	}
	node := t.root
	for depth, key := range path[:len(path)-1] {
		child, ok := node[key].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrPathNotFound, strings.Join(path[:depth+1], "."))
		}
		node = child
	}
	return node, nil
}

// Set stores value at path. Every intermediate node must already exist.
func (t *Tree) Set(path []string, value any) error {
	node, err := t.parent(path)
	if err != nil {
		return err
	}
	node[path[len(path)-1]] = value
	return nil
}

// Delete removes the leaf at path. Deleting an absent leaf is a no-op;
// a missing intermediate node is an error.
func (t *Tree) Delete(path []string) error {
	node, err := t.parent(path)
	if err != nil {
		return err
	}
	delete(node, path[len(path)-1])
	return nil
}

// Get returns the value at path.
func (t *Tree) Get(path []string) (any, bool) {
	node, err := t.parent(path)
	if err != nil {
		return nil, false
	}
	value, ok := node[path[len(path)-1]]
	return value, ok
}

// Merge overwrites top-level keys with values.
func (t *Tree) Merge(values map[string]any) {
	for key, value := range values {
		t.root[key] = value
	}
}

// Apply performs the updates and then the removes of edit.
func (t *Tree) Apply(edit *record.SummaryRecord) error {
	for _, item := range edit.Update {
		path, err := item.Path()
		if err != nil {
			return err
		}
		value, err := item.Value()
		if err != nil {
			return err
		}
		if err := t.Set(path, value); err != nil {
			return fmt.Errorf("updating summary: %w", err)
		}
	}
	for _, item := range edit.Remove {
		path, err := item.Path()
		if err != nil {
			return err
		}
		if err := t.Delete(path); err != nil {
			return fmt.Errorf("removing from summary: %w", err)
		}
	}
	return nil
}

// Items returns one item per top-level key, sorted by key.
func (t *Tree) Items() ([]record.Item, error) {
	return record.ItemsFromMap(t.root)
}

// Keys returns the top-level keys in sorted order.
func (t *Tree) Keys() []string {
	keys := make([]string, 0, len(t.root))
	for key := range t.root {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
