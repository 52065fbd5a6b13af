// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigil-dev/afina/internal/store"
	"github.com/sigil-dev/afina/internal/store/memory"
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

func newRepo(t *testing.T) (*store.Repository, *memory.KV) {
	t.Helper()
	kv := memory.New()
	t.Cleanup(func() { _ = kv.Close() })
	return store.NewRepository(kv), kv
}

func testChat(id string) store.Chat {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return store.Chat{ID: id, Name: "Demo", CreatedAt: now, UpdatedAt: now}
}

func TestRepository_MetadataEmptyWhenMissing(t *testing.T) {
	repo, _ := newRepo(t)
	meta, err := repo.Metadata(context.Background())
	require.NoError(t, err)
	assert.Empty(t, meta)
}

func TestRepository_CreateAndLoad(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)

	data := &store.ChatData{
		Messages: []store.Message{{ID: "m1", Content: "Hello", Sender: store.SenderUser}},
		Files:    []string{"notes.md"},
	}
	require.NoError(t, repo.Create(ctx, testChat("chat_a"), data))

	chat, got, err := repo.Load(ctx, "chat_a")
	require.NoError(t, err)
	assert.Equal(t, "Demo", chat.Name)
	assert.Equal(t, data.Messages, got.Messages)
	assert.Equal(t, []string{"notes.md"}, got.Files)
}

func TestRepository_CreateWithNilDataWritesEmptyArrays(t *testing.T) {
	ctx := context.Background()
	repo, kv := newRepo(t)

	require.NoError(t, repo.Create(ctx, testChat("chat_a"), nil))

	raw, err := kv.Get(ctx, "chat_a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"messages":[],"files":[],"typing":false}`, string(raw))
}

func TestRepository_LoadRequiresBothHalves(t *testing.T) {
	ctx := context.Background()

	t.Run("metadata without blob", func(t *testing.T) {
		repo, kv := newRepo(t)
		require.NoError(t, repo.Create(ctx, testChat("chat_a"), nil))
		require.NoError(t, kv.Remove(ctx, "chat_a"))

		_, _, err := repo.Load(ctx, "chat_a")
		assert.True(t, errors.Is(err, store.ErrNotFound))
	})

	t.Run("blob without metadata", func(t *testing.T) {
		repo, _ := newRepo(t)
		require.NoError(t, repo.SaveChatData(ctx, "chat_b", &store.ChatData{}))

		_, _, err := repo.Load(ctx, "chat_b")
		assert.True(t, afinaerr.IsNotFound(err))
	})
}

func TestRepository_DeleteRemovesEverything(t *testing.T) {
	ctx := context.Background()
	repo, kv := newRepo(t)

	require.NoError(t, repo.Create(ctx, testChat("chat_a"), nil))
	require.NoError(t, repo.SetActivity(ctx, "chat_a", time.Now()))

	require.NoError(t, repo.Delete(ctx, "chat_a"))

	meta, err := repo.Metadata(ctx)
	require.NoError(t, err)
	assert.NotContains(t, meta, "chat_a")
	assert.Equal(t, 1, kv.Keys(), "only the metadata key should remain")

	_, ok, err := repo.Activity(ctx, "chat_a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRepository_DeleteMissingIsNoop(t *testing.T) {
	repo, _ := newRepo(t)
	assert.NoError(t, repo.Delete(context.Background(), "chat_missing"))
}

func TestRepository_CorruptBlob(t *testing.T) {
	ctx := context.Background()
	repo, kv := newRepo(t)

	require.NoError(t, kv.Set(ctx, "chat_x", []byte("{not json")))
	_, err := repo.ChatData(ctx, "chat_x")
	require.Error(t, err)
	assert.True(t, afinaerr.HasCode(err, afinaerr.CodeStoreDecodeInvalid))
}

func TestRepository_Touch(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)
	require.NoError(t, repo.Create(ctx, testChat("chat_a"), nil))

	later := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Touch(ctx, "chat_a", later))
	require.NoError(t, repo.Touch(ctx, "chat_gone", later))

	meta, err := repo.Metadata(ctx)
	require.NoError(t, err)
	assert.True(t, meta["chat_a"].UpdatedAt.Equal(later))
	assert.NotContains(t, meta, "chat_gone")
}

func TestRepository_Activity(t *testing.T) {
	ctx := context.Background()
	repo, kv := newRepo(t)

	at := time.UnixMilli(1_760_000_000_123)
	require.NoError(t, repo.SetActivity(ctx, "chat_a", at))

	raw, err := kv.Get(ctx, store.ActivityKey("chat_a"))
	require.NoError(t, err)
	assert.Equal(t, "1760000000123", string(raw))

	got, ok, err := repo.Activity(ctx, "chat_a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.Equal(at))

	require.NoError(t, repo.ClearActivity(ctx, "chat_a"))
	_, ok, err = repo.Activity(ctx, "chat_a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRepository_ActivityKeyFormat(t *testing.T) {
	assert.Equal(t, "chat_1_typing_timestamp", store.ActivityKey("chat_1"))
}

func TestRepository_ConcurrentMetadataUpdatesDoNotLoseEntries(t *testing.T) {
	ctx := context.Background()
	repo, _ := newRepo(t)

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "chat_" + string(rune('A'+i%26)) + string(rune('a'+i/26))
			assert.NoError(t, repo.Create(ctx, testChat(id), nil))
		}(i)
	}
	wg.Wait()

	meta, err := repo.Metadata(ctx)
	require.NoError(t, err)
	assert.Len(t, meta, n)
}
