// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package chat

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sigil-dev/afina/internal/store"
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// Session is the in-memory view of one conversation: its metadata record
// joined with its blob.
type Session struct {
	ID            string          `json:"id" yaml:"id"`
	Name          string          `json:"name" yaml:"name"`
	CreatedAt     time.Time       `json:"createdAt" yaml:"created_at"`
	UpdatedAt     time.Time       `json:"updatedAt" yaml:"updated_at"`
	Messages      []store.Message `json:"messages" yaml:"messages"`
	AttachedFiles []string        `json:"attachedFiles" yaml:"attached_files"`
	IsAgentTyping bool            `json:"isAgentTyping" yaml:"is_agent_typing"`
}

func newSession(chat store.Chat, data *store.ChatData) *Session {
	s := &Session{
		ID:        chat.ID,
		Name:      chat.Name,
		CreatedAt: chat.CreatedAt,
		UpdatedAt: chat.UpdatedAt,
	}
	if data != nil {
		d := data.Clone()
		s.Messages = d.Messages
		s.AttachedFiles = d.Files
		s.IsAgentTyping = d.Typing
	}
	return s
}

// Clone returns a deep copy of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.Messages = slices.Clone(s.Messages)
	c.AttachedFiles = slices.Clone(s.AttachedFiles)
	return &c
}

// Chat returns the metadata half of s.
func (s *Session) Chat() store.Chat {
	return store.Chat{ID: s.ID, Name: s.Name, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt}
}

// Data returns the blob half of s.
func (s *Session) Data() *store.ChatData {
	return &store.ChatData{
		Messages: slices.Clone(s.Messages),
		Files:    slices.Clone(s.AttachedFiles),
		Typing:   s.IsAgentTyping,
	}
}

// LastMessage returns the final message of the transcript, if any.
func (s *Session) LastMessage() (store.Message, bool) {
	if len(s.Messages) == 0 {
		return store.Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// LastMessageID returns the id of the final message, or "" for an empty chat.
func (s *Session) LastMessageID() string {
	m, _ := s.LastMessage()
	return m.ID
}

// HasFile reports whether name is attached to s.
func (s *Session) HasFile(name string) bool {
	return slices.Contains(s.AttachedFiles, name)
}

// ExtendReply appends text to the message msgID. Only the last message, and
// only when the agent sent it, may grow.
func (s *Session) ExtendReply(msgID, text string) error {
	i, err := s.replyIndex(msgID)
	if err != nil {
		return err
	}
	s.Messages[i].Content += text
	return nil
}

// ReplaceReply overwrites the content of the open reply msgID.
func (s *Session) ReplaceReply(msgID, content string) error {
	i, err := s.replyIndex(msgID)
	if err != nil {
		return err
	}
	s.Messages[i].Content = content
	return nil
}

func (s *Session) replyIndex(msgID string) (int, error) {
	last, ok := s.LastMessage()
	if !ok || last.ID != msgID || last.Sender != store.SenderAgent {
		return 0, afinaerr.New(afinaerr.CodeChatMessageImmutable,
			"message is not the open agent reply",
			afinaerr.FieldSessionID(s.ID), afinaerr.FieldMessageID(msgID))
	}
	return len(s.Messages) - 1, nil
}

// checkTranscriptUpdate verifies next only appends to prev, apart from the
// last agent message of prev whose content may grow.
func checkTranscriptUpdate(sessionID string, prev, next []store.Message) error {
	if len(next) < len(prev) {
		return afinaerr.New(afinaerr.CodeChatMessageImmutable, "messages cannot be removed",
			afinaerr.FieldSessionID(sessionID))
	}
	for i, old := range prev {
		cur := next[i]
		if cur == old {
			continue
		}
		extendable := i == len(prev)-1 && old.Sender == store.SenderAgent &&
			cur.ID == old.ID && cur.Sender == old.Sender && cur.Timestamp.Equal(old.Timestamp) &&
			strings.HasPrefix(cur.Content, old.Content)
		if !extendable {
			return afinaerr.New(afinaerr.CodeChatMessageImmutable, "existing messages are immutable",
				afinaerr.FieldSessionID(sessionID), afinaerr.FieldMessageID(old.ID))
		}
	}
	return nil
}

// NewID returns a time-ordered unique identifier.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewSessionID returns a chat id of the form chat_<uuid>.
func NewSessionID() string {
	return store.ChatIDPrefix + NewID()
}
