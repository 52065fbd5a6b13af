// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import "context"

// KV is an asynchronous key-value store addressed by string keys.
// There are no transactions and no secondary indexes: callers must not assume
// atomicity across keys.
type KV interface {
	// Get returns the value stored under key, or an error satisfying
	// errors.Is(err, ErrNotFound) when the key is absent.
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	// Remove deletes key. Removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
	Close() error
}
