// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

const (
	// MetadataKey holds the chat-id → Chat map.
	MetadataKey = "afina_chat_metadata"
	// LegacyChatsKey holds the pre-metadata single-array schema.
	LegacyChatsKey = "afina_chats"

	activitySuffix = "_typing_timestamp"
)

// ActivityKey returns the ephemeral key recording the last stream activity
// of a chat. It exists only while a reply is streaming.
func ActivityKey(chatID string) string {
	return chatID + activitySuffix
}

// Repository maps the chat schema onto a KV store: one metadata record for
// all chats, one blob per chat and one activity timestamp per streaming chat.
//
// Writes to different keys are not atomic. Create writes the blob before the
// metadata entry and Delete removes the metadata entry before the blob, so a
// reader that resolves chats through Load never observes half of a chat.
type Repository struct {
	kv KV

	// metaMu serialises read-modify-write cycles on the shared metadata key.
	metaMu sync.Mutex
}

// NewRepository creates a Repository over kv.
func NewRepository(kv KV) *Repository {
	return &Repository{kv: kv}
}

// KV returns the underlying key-value store.
func (r *Repository) KV() KV {
	return r.kv
}

// Metadata returns all chat metadata. A missing metadata key yields an empty map.
func (r *Repository) Metadata(ctx context.Context) (Metadata, error) {
	raw, err := r.kv.Get(ctx, MetadataKey)
	if errors.Is(err, ErrNotFound) {
		return Metadata{}, nil
	}
	if err != nil {
		return nil, err
	}

	meta := Metadata{}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, afinaerr.Wrap(err, afinaerr.CodeStoreDecodeInvalid, "decoding chat metadata", afinaerr.FieldKey(MetadataKey))
	}
	return meta, nil
}

// UpdateMetadata applies fn to the current metadata and persists the result.
// Concurrent callers within the process are serialised.
func (r *Repository) UpdateMetadata(ctx context.Context, fn func(Metadata) error) error {
	r.metaMu.Lock()
	defer r.metaMu.Unlock()

	meta, err := r.Metadata(ctx)
	if err != nil {
		return err
	}
	if err := fn(meta); err != nil {
		return err
	}
	return r.putJSON(ctx, MetadataKey, meta)
}

// ChatData returns the blob stored for chatID.
func (r *Repository) ChatData(ctx context.Context, chatID string) (*ChatData, error) {
	raw, err := r.kv.Get(ctx, chatID)
	if err != nil {
		return nil, err
	}

	var data ChatData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, afinaerr.Wrap(err, afinaerr.CodeStoreDecodeInvalid, "decoding chat data", afinaerr.FieldKey(chatID))
	}
	normalize(&data)
	return &data, nil
}

// SaveChatData overwrites the blob of chatID.
func (r *Repository) SaveChatData(ctx context.Context, chatID string, data *ChatData) error {
	normalize(data)
	return r.putJSON(ctx, chatID, data)
}

// Load returns the metadata and blob of one chat. The chat is reported as not
// found unless both halves are present.
func (r *Repository) Load(ctx context.Context, chatID string) (Chat, *ChatData, error) {
	meta, err := r.Metadata(ctx)
	if err != nil {
		return Chat{}, nil, err
	}
	chat, ok := meta[chatID]
	if !ok {
		return Chat{}, nil, NotFound(chatID)
	}

	data, err := r.ChatData(ctx, chatID)
	if err != nil {
		return Chat{}, nil, err
	}
	return chat, data, nil
}

// Create persists a new chat: blob first, then its metadata entry.
func (r *Repository) Create(ctx context.Context, chat Chat, data *ChatData) error {
	if data == nil {
		data = &ChatData{}
	}
	if err := r.SaveChatData(ctx, chat.ID, data); err != nil {
		return err
	}
	return r.UpdateMetadata(ctx, func(meta Metadata) error {
		meta[chat.ID] = chat
		return nil
	})
}

// Delete removes a chat: metadata entry first, then its blob and activity key.
func (r *Repository) Delete(ctx context.Context, chatID string) error {
	err := r.UpdateMetadata(ctx, func(meta Metadata) error {
		delete(meta, chatID)
		return nil
	})
	if err != nil {
		return err
	}
	if err := r.kv.Remove(ctx, chatID); err != nil {
		return err
	}
	return r.kv.Remove(ctx, ActivityKey(chatID))
}

// Touch sets UpdatedAt of chatID in the metadata. A missing entry is ignored,
// matching a chat deleted concurrently.
func (r *Repository) Touch(ctx context.Context, chatID string, at time.Time) error {
	return r.UpdateMetadata(ctx, func(meta Metadata) error {
		chat, ok := meta[chatID]
		if !ok {
			return nil
		}
		chat.UpdatedAt = at
		meta[chatID] = chat
		return nil
	})
}

// Activity returns the last stream activity recorded for chatID.
// ok is false when no activity key exists.
func (r *Repository) Activity(ctx context.Context, chatID string) (at time.Time, ok bool, err error) {
	raw, err := r.kv.Get(ctx, ActivityKey(chatID))
	if errors.Is(err, ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}

	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, false, afinaerr.Wrap(err, afinaerr.CodeStoreDecodeInvalid,
			"decoding activity timestamp", afinaerr.FieldKey(ActivityKey(chatID)))
	}
	return time.UnixMilli(ms), true, nil
}

// SetActivity records stream activity for chatID at the given time.
func (r *Repository) SetActivity(ctx context.Context, chatID string, at time.Time) error {
	return r.kv.Set(ctx, ActivityKey(chatID), []byte(strconv.FormatInt(at.UnixMilli(), 10)))
}

// ClearActivity removes the activity key of chatID.
func (r *Repository) ClearActivity(ctx context.Context, chatID string) error {
	return r.kv.Remove(ctx, ActivityKey(chatID))
}

func (r *Repository) putJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return afinaerr.Wrap(err, afinaerr.CodeStoreDecodeInvalid, "encoding record", afinaerr.FieldKey(key))
	}
	return r.kv.Set(ctx, key, raw)
}

// normalize replaces nil slices so encoded blobs always carry arrays.
func normalize(d *ChatData) {
	if d.Messages == nil {
		d.Messages = []Message{}
	}
	if d.Files == nil {
		d.Files = []string{}
	}
}
