// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package sqlite

import (
	"os"
	"path/filepath"

	"github.com/sigil-dev/afina/internal/store"
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// DefaultFile is the database file name used when StorageConfig.Path is empty.
const DefaultFile = "afina.db"

func init() {
	store.RegisterBackend("sqlite", newKV)
}

func newKV(cfg *store.StorageConfig) (store.KV, error) {
	path := cfg.Path
	if path == "" {
		path = DefaultFile
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, afinaerr.Wrap(err, afinaerr.CodeStoreOpenFailure, "creating database directory",
				afinaerr.Field("path", dir))
		}
	}
	return Open(path)
}
