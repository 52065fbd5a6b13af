// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import (
	"errors"

	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// ErrNotFound indicates the requested key or record does not exist.
// Backends wrap it so errors.Is and afinaerr.IsNotFound both classify misses.
var ErrNotFound = errors.New("not found")

// NotFound returns a coded not-found error for key that wraps ErrNotFound.
func NotFound(key string) error {
	return afinaerr.Wrap(ErrNotFound, afinaerr.CodeStoreKeyNotFound, "key not found", afinaerr.FieldKey(key))
}
