// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/afina/internal/store"
	_ "github.com/sigil-dev/afina/internal/store/memory" // register memory backend
	_ "github.com/sigil-dev/afina/internal/store/sqlite" // register sqlite backend
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

func TestOpen_SQLite(t *testing.T) {
	cfg := &store.StorageConfig{
		Backend: "sqlite",
		Path:    filepath.Join(t.TempDir(), "afina.db"),
	}

	kv, err := store.Open(cfg)
	require.NoError(t, err)
	assert.NotNil(t, kv)
	assert.NoError(t, kv.Close())
}

func TestOpen_Memory(t *testing.T) {
	kv, err := store.Open(&store.StorageConfig{Backend: "memory"})
	require.NoError(t, err)
	assert.NotNil(t, kv)
	assert.NoError(t, kv.Close())
}

func TestOpen_DefaultsToSQLite(t *testing.T) {
	kv, err := store.Open(&store.StorageConfig{Path: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	defer kv.Close()

	assert.Equal(t, "sqlite", store.DefaultBackend)
}

func TestOpen_UnknownBackend(t *testing.T) {
	_, err := store.Open(&store.StorageConfig{Backend: "unknown"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown")
	assert.True(t, afinaerr.HasCode(err, afinaerr.CodeStoreBackendUnsupported))
}

func TestBackends_ListsRegistered(t *testing.T) {
	names := store.Backends()
	assert.Contains(t, names, "memory")
	assert.Contains(t, names, "sqlite")
	assert.IsNonDecreasing(t, names)
}
