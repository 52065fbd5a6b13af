// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

// StorageConfig controls which backend the store factory opens.
type StorageConfig struct {
	Backend string // "sqlite" (default), "memory" or "redis".
	Path    string // sqlite database file.

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string // prepended to every key by the redis backend.
}
