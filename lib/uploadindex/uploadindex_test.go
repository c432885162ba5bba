// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package uploadindex

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/runstream/lib/fingerprint"
)

func openTestIndex(t *testing.T, path string) *Index {
	t.Helper()
	index, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { index.Close() })
	return index
}

func TestRecordAndLookup(t *testing.T) {
	index := openTestIndex(t, filepath.Join(t.TempDir(), "uploads.db"))
	ctx := context.Background()

	if _, found, err := index.Lookup(ctx, "output.log"); err != nil || found {
		t.Fatalf("Lookup on empty index = found %v, err %v", found, err)
	}

	stamp := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	entry := Entry{Name: "output.log", Digest: fingerprint.Bytes([]byte("v1")), Size: 2, UploadedAt: stamp}
	if err := index.Record(ctx, entry); err != nil {
		t.Fatalf("Record: %v", err)
	}
	got, found, err := index.Lookup(ctx, "output.log")
	if err != nil || !found {
		t.Fatalf("Lookup = found %v, err %v", found, err)
	}
	if got.Digest != entry.Digest || got.Size != 2 || !got.UploadedAt.Equal(stamp) {
		t.Fatalf("Lookup = %+v, want %+v", got, entry)
	}

	entry.Digest = fingerprint.Bytes([]byte("v2"))
	if err := index.Record(ctx, entry); err != nil {
		t.Fatalf("Record replacement: %v", err)
	}
	got, _, _ = index.Lookup(ctx, "output.log")
	if got.Digest != entry.Digest {
		t.Fatal("Record did not replace the previous digest")
	}
}

func TestPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "uploads.db")
	first, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	digest := fingerprint.Bytes([]byte("config"))
	if err := first.Record(context.Background(), Entry{Name: "config.yaml", Digest: digest, Size: 6, UploadedAt: time.Now()}); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := openTestIndex(t, path)
	got, found, err := second.Lookup(context.Background(), "config.yaml")
	if err != nil || !found || got.Digest != digest {
		t.Fatalf("after reopen: %+v, found %v, err %v", got, found, err)
	}
}

func TestConcurrentRecords(t *testing.T) {
	index := openTestIndex(t, filepath.Join(t.TempDir(), "uploads.db"))
	var group sync.WaitGroup
	for worker := range 8 {
		group.Add(1)
		go func() {
			defer group.Done()
			for i := range 10 {
				name := fmt.Sprintf("media/%d-%d.png", worker, i)
				if err := index.Record(context.Background(), Entry{Name: name, Size: int64(i), UploadedAt: time.Now()}); err != nil {
					t.Errorf("Record %s: %v", name, err)
				}
			}
		}()
	}
	group.Wait()

	if _, found, err := index.Lookup(context.Background(), "media/7-9.png"); err != nil || !found {
		t.Fatalf("Lookup after concurrent writes = found %v, err %v", found, err)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := Open("", nil); err == nil {
		t.Fatal("Open with empty path succeeded")
	}
}
