// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// ChatIDPrefix prefixes every chat id.
const ChatIDPrefix = "chat_"

// MigrationReport summarises one Migrate run.
type MigrationReport struct {
	// Found is false when no legacy data was present.
	Found    bool
	Migrated int
	Skipped  int
}

// Migrate converts the legacy single-array schema into metadata plus
// per-chat blobs. Blobs are written first, then the metadata, and the legacy
// key is removed last, so an interrupted run is retried on the next start.
// Chats already present in both halves of the new schema are skipped, which
// makes repeated runs a no-op.
func (r *Repository) Migrate(ctx context.Context) (MigrationReport, error) {
	var report MigrationReport

	raw, err := r.kv.Get(ctx, LegacyChatsKey)
	if errors.Is(err, ErrNotFound) {
		return report, nil
	}
	if err != nil {
		return report, afinaerr.Wrap(err, afinaerr.CodeStoreMigrateFailure, "reading legacy chats")
	}
	report.Found = true

	var legacy []json.RawMessage
	if err := json.Unmarshal(raw, &legacy); err != nil {
		slog.Warn("legacy chats are unreadable, keeping them for a later retry",
			slog.String("key", LegacyChatsKey),
			slog.String("error", err.Error()),
		)
		return report, afinaerr.Wrap(err, afinaerr.CodeStoreMigrateFailure, "decoding legacy chats",
			afinaerr.FieldKey(LegacyChatsKey))
	}

	existing, err := r.Metadata(ctx)
	if err != nil {
		return report, afinaerr.Wrap(err, afinaerr.CodeStoreMigrateFailure, "reading chat metadata")
	}

	migrated := make([]Chat, 0, len(legacy))
	for _, item := range legacy {
		var lc legacyChat
		if err := json.Unmarshal(item, &lc); err != nil {
			return report, afinaerr.Wrap(err, afinaerr.CodeStoreMigrateFailure, "decoding legacy chat",
				afinaerr.FieldKey(LegacyChatsKey))
		}
		if lc.ID == "" {
			lc.ID = ChatIDPrefix + uuid.NewSHA1(uuid.NameSpaceOID, item).String()
		}

		if _, ok := existing[lc.ID]; ok {
			if _, err := r.ChatData(ctx, lc.ID); err == nil {
				report.Skipped++
				continue
			}
		}

		chat, data := convertLegacy(lc)
		if err := r.SaveChatData(ctx, chat.ID, data); err != nil {
			return report, afinaerr.Wrap(err, afinaerr.CodeStoreMigrateFailure, "writing migrated chat",
				afinaerr.FieldSessionID(chat.ID))
		}
		migrated = append(migrated, chat)
	}

	if len(migrated) > 0 {
		err := r.UpdateMetadata(ctx, func(meta Metadata) error {
			for _, chat := range migrated {
				meta[chat.ID] = chat
			}
			return nil
		})
		if err != nil {
			return report, afinaerr.Wrap(err, afinaerr.CodeStoreMigrateFailure, "writing migrated metadata")
		}
	}
	report.Migrated = len(migrated)

	if err := r.kv.Remove(ctx, LegacyChatsKey); err != nil {
		return report, afinaerr.Wrap(err, afinaerr.CodeStoreMigrateFailure, "removing legacy chats")
	}

	slog.Info("legacy chats migrated",
		slog.Int("migrated", report.Migrated),
		slog.Int("skipped", report.Skipped),
	)
	return report, nil
}

func convertLegacy(lc legacyChat) (Chat, *ChatData) {
	data := &ChatData{
		Messages: make([]Message, 0, len(lc.Messages)),
		Files:    make([]string, 0, len(lc.Files)),
	}

	seen := make(map[string]struct{}, len(lc.Files))
	for _, f := range lc.Files {
		if f.Name == "" {
			continue
		}
		if _, dup := seen[f.Name]; dup {
			continue
		}
		seen[f.Name] = struct{}{}
		data.Files = append(data.Files, f.Name)
	}

	for i, m := range lc.Messages {
		id := m.ID
		if id == "" {
			id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(lc.ID+":"+strconv.Itoa(i))).String()
		}
		sender := m.Sender
		if sender != SenderAgent {
			sender = SenderUser
		}
		data.Messages = append(data.Messages, Message{
			ID:        id,
			Content:   m.Content,
			Sender:    sender,
			Timestamp: m.Timestamp.Time,
		})
	}

	created := lc.CreatedAt.Time
	if created.IsZero() {
		if first, ok := data.firstTimestamp(); ok {
			created = first
		} else {
			created = time.Now().UTC()
		}
	}
	updated := lc.UpdatedAt.Time
	if updated.IsZero() {
		updated = created
		if last, ok := data.LastMessage(); ok && last.Timestamp.After(updated) {
			updated = last.Timestamp
		}
	}

	name := lc.Name
	if name == "" {
		name = DefaultChatName
	}

	return Chat{ID: lc.ID, Name: name, CreatedAt: created, UpdatedAt: updated}, data
}

func (d *ChatData) firstTimestamp() (time.Time, bool) {
	for _, m := range d.Messages {
		if !m.Timestamp.IsZero() {
			return m.Timestamp, true
		}
	}
	return time.Time{}, false
}
