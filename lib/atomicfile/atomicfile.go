// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomicfile replaces files so that readers, including the
// directory watcher uploading them, never observe a partial write:
// they see either the previous content or the new content.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
)

// Write stores data at path with perm. The content goes to a hidden
// temporary file in the same directory, is synced, and is renamed over
// path; the directory is then synced so the rename survives power loss.
func Write(path string, data []byte, perm os.FileMode) error {
	directory := filepath.Dir(path)
	file, err := os.CreateTemp(directory, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temporary file for %s: %w", path, err)
	}
	temporaryPath := file.Name()

	fail := func(step string, err error) error {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("%s for %s: %w", step, path, err)
	}
	if _, err := file.Write(data); err != nil {
		return fail("writing temporary file", err)
	}
	if err := file.Chmod(perm); err != nil {
		return fail("setting permissions", err)
	}
	if err := file.Sync(); err != nil {
		return fail("syncing temporary file", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary file for %s: %w", path, err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming %s into place: %w", path, err)
	}

	if parent, err := os.Open(directory); err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}
