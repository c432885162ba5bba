// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package record

import (
	"fmt"
	"sort"
)

// Item is one key/value pair with the value held as a JSON document.
// NestedKey, when set, is a path through nested objects and Key must
// be empty; otherwise Key names a top-level entry (the empty string is
// a valid key).
type Item struct {
	Key       string   `cbor:"key,omitempty"`
	NestedKey []string `cbor:"nested_key,omitempty"`
	ValueJSON string   `cbor:"value_json,omitempty"`
}

// Path returns the key path the item addresses.
func (i Item) Path() ([]string, error) {
	if len(i.NestedKey) == 0 {
		return []string{i.Key}, nil
	}
	if i.Key != "" {
		return nil, fmt.Errorf("%w: item sets both key %q and nested key %v", ErrProtocol, i.Key, i.NestedKey)
	}
	return i.NestedKey, nil
}

// Value decodes ValueJSON. Numbers decode as json.Number so integer
// and float literals keep their form through re-encoding.
func (i Item) Value() (any, error) {
	return DecodeJSON(i.ValueJSON)
}

// NewItem encodes value as JSON under a top-level key.
func NewItem(key string, value any) (Item, error) {
	encoded, err := EncodeJSON(value)
	if err != nil {
		return Item{}, fmt.Errorf("encoding %q: %w", key, err)
	}
	return Item{Key: key, ValueJSON: string(encoded)}, nil
}

// ItemsFromMap converts a map to items, one per top-level key, in key
// order.
func ItemsFromMap(values map[string]any) ([]Item, error) {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	items := make([]Item, 0, len(keys))
	for _, key := range keys {
		item, err := NewItem(key, values[key])
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// ItemsToMap decodes items into a map. Nested keys create intermediate
// objects; later items overwrite earlier ones.
func ItemsToMap(items []Item) (map[string]any, error) {
	result := make(map[string]any, len(items))
	for _, item := range items {
		path, err := item.Path()
		if err != nil {
			return nil, err
		}
		value, err := item.Value()
		if err != nil {
			return nil, err
		}
		node := result
		for _, key := range path[:len(path)-1] {
			child, ok := node[key].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[key] = child
			}
			node = child
		}
		node[path[len(path)-1]] = value
	}
	return result, nil
}
