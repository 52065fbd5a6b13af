// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package redis provides a KV backend on a Redis server, letting several
// terminals or hosts share one chat store.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sigil-dev/afina/internal/store"
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// DefaultKeyPrefix namespaces keys when StorageConfig.KeyPrefix is empty.
const DefaultKeyPrefix = "afina:"

func init() {
	store.RegisterBackend("redis", func(cfg *store.StorageConfig) (store.KV, error) {
		return Open(cfg)
	})
}

// KV stores each key as a Redis string under a common prefix.
type KV struct {
	rdb    *goredis.Client
	prefix string
}

var _ store.KV = (*KV)(nil)

// Open connects to the server named by cfg and verifies it with a ping.
func Open(cfg *store.StorageConfig) (*KV, error) {
	if cfg.RedisAddr == "" {
		return nil, afinaerr.New(afinaerr.CodeConfigValidateInvalidValue,
			"storage.redis_addr is required for the redis backend", afinaerr.FieldBackend("redis"))
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.RedisAddr,
		Password:    cfg.RedisPassword,
		DB:          cfg.RedisDB,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, afinaerr.Wrap(err, afinaerr.CodeStoreOpenFailure, "redis ping", afinaerr.FieldBackend("redis"))
	}

	return New(rdb, cfg.KeyPrefix), nil
}

// New wraps an existing client. An empty prefix selects DefaultKeyPrefix.
func New(rdb *goredis.Client, prefix string) *KV {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &KV{rdb: rdb, prefix: prefix}
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := k.rdb.Get(ctx, k.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, store.NotFound(key)
	}
	if err != nil {
		return nil, afinaerr.Wrap(err, afinaerr.CodeStoreKVGetFailure, "redis get", afinaerr.FieldKey(key))
	}
	return b, nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte) error {
	if err := k.rdb.Set(ctx, k.prefix+key, value, 0).Err(); err != nil {
		return afinaerr.Wrap(err, afinaerr.CodeStoreKVSetFailure, "redis set", afinaerr.FieldKey(key))
	}
	return nil
}

func (k *KV) Remove(ctx context.Context, key string) error {
	if err := k.rdb.Del(ctx, k.prefix+key).Err(); err != nil {
		return afinaerr.Wrap(err, afinaerr.CodeStoreKVRemoveFailure, "redis del", afinaerr.FieldKey(key))
	}
	return nil
}

func (k *KV) Close() error {
	return k.rdb.Close()
}
