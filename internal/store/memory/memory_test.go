// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/afina/internal/store"
	"github.com/sigil-dev/afina/internal/store/memory"
)

func TestKV_RoundTrip(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()

	require.NoError(t, kv.Set(ctx, "k", []byte("v1")))
	got, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	require.NoError(t, kv.Remove(ctx, "k"))
	_, err = kv.Get(ctx, "k")
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.NoError(t, kv.Remove(ctx, "k"))
}

func TestKV_ValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()

	in := []byte("abc")
	require.NoError(t, kv.Set(ctx, "k", in))
	in[0] = 'X'

	out, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))

	out[1] = 'Y'
	again, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(again))
}

func TestKV_CloseFlushes(t *testing.T) {
	kv := memory.New()
	require.NoError(t, kv.Set(context.Background(), "k", []byte("v")))
	assert.Equal(t, 1, kv.Keys())
	require.NoError(t, kv.Close())
	assert.Zero(t, kv.Keys())
}
