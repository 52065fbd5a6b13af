// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/sigil-dev/afina/internal/store"
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// Compile-time interface check.
var _ store.KV = (*KV)(nil)

// KV implements store.KV on a single SQLite table.
type KV struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at dbPath and initialises the
// kv table.
func Open(dbPath string) (*KV, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging sqlite db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating sqlite db: %w", err)
	}

	return &KV{db: db}, nil
}

func migrate(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT (CAST(strftime('%s', 'now') AS INTEGER))
);
`
	_, err := db.Exec(ddl)
	return err
}

// Close closes the underlying database connection.
func (k *KV) Close() error {
	return k.db.Close()
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := k.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.NotFound(key)
	}
	if err != nil {
		return nil, afinaerr.Wrap(err, afinaerr.CodeStoreKVGetFailure, "querying key", afinaerr.FieldKey(key))
	}
	return value, nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte) error {
	const q = `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, CAST(strftime('%s', 'now') AS INTEGER))
ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	if value == nil {
		value = []byte{}
	}
	if _, err := k.db.ExecContext(ctx, q, key, value); err != nil {
		return afinaerr.Wrap(err, afinaerr.CodeStoreKVSetFailure, "writing key", afinaerr.FieldKey(key))
	}
	return nil
}

func (k *KV) Remove(ctx context.Context, key string) error {
	if _, err := k.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return afinaerr.Wrap(err, afinaerr.CodeStoreKVRemoveFailure, "deleting key", afinaerr.FieldKey(key))
	}
	return nil
}

// Count returns the number of stored keys.
func (k *KV) Count(ctx context.Context) (int, error) {
	var n int
	if err := k.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM kv`).Scan(&n); err != nil {
		return 0, afinaerr.Wrap(err, afinaerr.CodeStoreKVGetFailure, "counting keys")
	}
	return n, nil
}
