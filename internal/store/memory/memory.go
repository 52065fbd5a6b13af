// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package memory provides an in-process KV backend. Data lives only as long
// as the process and is intended for tests and throwaway sessions.
package memory

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/sigil-dev/afina/internal/store"
)

func init() {
	store.RegisterBackend("memory", func(*store.StorageConfig) (store.KV, error) {
		return New(), nil
	})
}

// KV stores values in a go-cache instance without expiration.
type KV struct {
	cache *cache.Cache
}

var _ store.KV = (*KV)(nil)

// New creates an empty in-memory KV.
func New() *KV {
	return &KV{cache: cache.New(cache.NoExpiration, 10*time.Minute)}
}

func (k *KV) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := k.cache.Get(key)
	if !ok {
		return nil, store.NotFound(key)
	}
	return clone(v.([]byte)), nil
}

func (k *KV) Set(_ context.Context, key string, value []byte) error {
	k.cache.Set(key, clone(value), cache.NoExpiration)
	return nil
}

func (k *KV) Remove(_ context.Context, key string) error {
	k.cache.Delete(key)
	return nil
}

// Keys returns the number of stored keys.
func (k *KV) Keys() int {
	return k.cache.ItemCount()
}

func (k *KV) Close() error {
	k.cache.Flush()
	return nil
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
