// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package store

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// --- Chat types ---

// DefaultChatName names chats created without an explicit name.
const DefaultChatName = "New chat"

// Chat is the metadata record of one conversation.
type Chat struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Metadata maps chat id to its metadata record. It is persisted as a single
// value under MetadataKey.
type Metadata map[string]Chat

// ChatData is the per-chat blob holding the transcript, the names of the
// attached files and the typing flag.
type ChatData struct {
	Messages []Message `json:"messages"`
	Files    []string  `json:"files"`
	Typing   bool      `json:"typing"`
}

// Clone returns a deep copy of d.
func (d *ChatData) Clone() *ChatData {
	if d == nil {
		return nil
	}
	c := &ChatData{Typing: d.Typing}
	c.Messages = append(make([]Message, 0, len(d.Messages)), d.Messages...)
	c.Files = append(make([]string, 0, len(d.Files)), d.Files...)
	return c
}

// LastMessage returns the final message of the transcript, if any.
func (d *ChatData) LastMessage() (Message, bool) {
	if d == nil || len(d.Messages) == 0 {
		return Message{}, false
	}
	return d.Messages[len(d.Messages)-1], true
}

// --- Message types ---

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser  Sender = "user"
	SenderAgent Sender = "agent"
)

// Message is one entry of a chat transcript. Only the last message, and only
// when it was sent by the agent, may have its content extended.
type Message struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// --- File types ---

// FileRef describes an uploaded file. The name doubles as its identifier.
type FileRef struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Size        int64     `json:"size"`
	ContentType string    `json:"type"`
	UploadedAt  time.Time `json:"uploadedAt"`
}

// --- Legacy schema ---

// legacyChat is one element of the pre-metadata single-array schema, where
// messages and file objects were embedded in the chat record.
type legacyChat struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	CreatedAt flexTime        `json:"createdAt"`
	UpdatedAt flexTime        `json:"updatedAt"`
	Messages  []legacyMessage `json:"messages"`
	Files     []legacyRef     `json:"files"`
}

type legacyMessage struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	Sender    Sender   `json:"sender"`
	Timestamp flexTime `json:"timestamp"`
}

type legacyRef struct {
	Name string `json:"name"`
}

// flexTime accepts RFC3339 strings and unix-millisecond numbers.
type flexTime struct {
	time.Time
}

func (f *flexTime) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" || raw == `""` {
		return nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		f.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	f.Time = t
	return nil
}
