// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import (
	"sort"
	"sync"

	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// DefaultBackend is used when StorageConfig.Backend is empty.
const DefaultBackend = "sqlite"

// BackendFactory opens a KV store from the storage configuration.
type BackendFactory func(cfg *StorageConfig) (KV, error)

var (
	factories   = map[string]BackendFactory{}
	factoriesMu sync.RWMutex
)

// RegisterBackend registers a factory for a named storage backend.
// Backend packages call this from init(). This function is goroutine-safe.
func RegisterBackend(name string, f BackendFactory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories[name] = f
}

// Backends returns the registered backend names in sorted order.
func Backends() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveBackend returns the effective backend name.
func resolveBackend(cfg *StorageConfig) string {
	if cfg.Backend == "" {
		return DefaultBackend
	}
	return cfg.Backend
}

// Open creates the KV store selected by cfg.
func Open(cfg *StorageConfig) (KV, error) {
	backend := resolveBackend(cfg)

	factoriesMu.RLock()
	factory, ok := factories[backend]
	factoriesMu.RUnlock()
	if !ok {
		return nil, afinaerr.New(afinaerr.CodeStoreBackendUnsupported,
			"unsupported storage backend: "+backend, afinaerr.FieldBackend(backend))
	}

	kv, err := factory(cfg)
	if err != nil {
		return nil, afinaerr.Wrap(err, afinaerr.CodeStoreOpenFailure, "opening storage backend", afinaerr.FieldBackend(backend))
	}
	return kv, nil
}
