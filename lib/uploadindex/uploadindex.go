// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package uploadindex persists the fingerprint of the last successful
// upload of every file in a run. The upload pipeline consults it so a
// restarted consumer does not upload unchanged files again.
package uploadindex

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/runstream/lib/fingerprint"
)

// Entry is the last upload recorded for a file name.
type Entry struct {
	Name       string
	Digest     fingerprint.Digest
	Size       int64
	UploadedAt time.Time
}

// Index is a SQLite-backed map from file name to Entry. Safe for
// concurrent use; each call borrows its own connection.
type Index struct {
	pool   *sqlitex.Pool
	path   string
	logger *slog.Logger
}

const schema = `CREATE TABLE IF NOT EXISTS uploads (
	name        TEXT PRIMARY KEY,
	digest      TEXT NOT NULL,
	size        INTEGER NOT NULL,
	uploaded_at INTEGER NOT NULL
)`

// Open opens or creates the index database at path. The parent
// directory must exist.
func Open(path string, logger *slog.Logger) (*Index, error) {
	if path == "" {
		return nil, fmt.Errorf("uploadindex: path is required")
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		// Upload workers write concurrently; SQLite serializes writes,
		// so a small pool is enough.
		PoolSize:    4,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("uploadindex: opening %s: %w", path, err)
	}
	logger.Debug("upload index opened", "path", path)
	return &Index{pool: pool, path: path, logger: logger}, nil
}

func prepareConnection(conn *sqlite.Conn) error {
	for _, statement := range []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		schema,
	} {
		if err := sqlitex.ExecuteTransient(conn, statement, nil); err != nil {
			return fmt.Errorf("uploadindex: %s: %w", statement, err)
		}
	}
	return nil
}

// Lookup returns the entry for name, if any.
func (i *Index) Lookup(ctx context.Context, name string) (Entry, bool, error) {
	conn, err := i.pool.Take(ctx)
	if err != nil {
		return Entry{}, false, fmt.Errorf("uploadindex: take: %w", err)
	}
	defer i.pool.Put(conn)

	var (
		entry Entry
		found bool
		parse error
	)
	err = sqlitex.Execute(conn,
		"SELECT digest, size, uploaded_at FROM uploads WHERE name = ?",
		&sqlitex.ExecOptions{
			Args: []any{name},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				entry.Name = name
				entry.Digest, parse = fingerprint.Parse(stmt.ColumnText(0))
				entry.Size = stmt.ColumnInt64(1)
				entry.UploadedAt = time.Unix(0, stmt.ColumnInt64(2)).UTC()
				return nil
			},
		})
	if err != nil {
		return Entry{}, false, fmt.Errorf("uploadindex: looking up %s: %w", name, err)
	}
	if parse != nil {
		return Entry{}, false, fmt.Errorf("uploadindex: entry for %s: %w", name, parse)
	}
	return entry, found, nil
}

// Record stores entry, replacing any previous entry for the same name.
func (i *Index) Record(ctx context.Context, entry Entry) error {
	conn, err := i.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("uploadindex: take: %w", err)
	}
	defer i.pool.Put(conn)

	err = sqlitex.Execute(conn,
		`INSERT INTO uploads (name, digest, size, uploaded_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET digest = excluded.digest,
		   size = excluded.size, uploaded_at = excluded.uploaded_at`,
		&sqlitex.ExecOptions{
			Args: []any{entry.Name, entry.Digest.String(), entry.Size, entry.UploadedAt.UnixNano()},
		})
	if err != nil {
		return fmt.Errorf("uploadindex: recording %s: %w", entry.Name, err)
	}
	return nil
}

// Close waits for borrowed connections and closes the database.
func (i *Index) Close() error {
	if err := i.pool.Close(); err != nil {
		return fmt.Errorf("uploadindex: closing %s: %w", i.path, err)
	}
	return nil
}
