// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package chat holds the session model: CRUD over chats, their transcripts and
// attached files, persisted through the store repository and announced on the
// event hub.
package chat

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sigil-dev/afina/internal/events"
	"github.com/sigil-dev/afina/internal/store"
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// ListTopic is the pseudo session id whose subscribers hear about any change
// to the set of sessions or to their metadata.
const ListTopic = "afina.sessions"

// Model owns the in-memory sessions of this process. Mutations of one session
// run on that session's lane; events are published after the lane work
// returns.
type Model struct {
	repo   *store.Repository
	hub    *events.Hub
	lanes  *LanePool
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session // published snapshots, never mutated in place
}

// Option configures a Model.
type Option func(*Model)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Model) { m.now = now }
}

// WithLogger sets the logger used for store failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *Model) { m.logger = l }
}

// NewModel creates a Model persisting through repo and publishing on hub.
func NewModel(repo *store.Repository, hub *events.Hub, opts ...Option) *Model {
	m := &Model{
		repo:     repo,
		hub:      hub,
		lanes:    NewLanePool(),
		logger:   slog.Default(),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Repository returns the store repository backing the model.
func (m *Model) Repository() *store.Repository { return m.repo }

// Now returns the model clock in UTC.
func (m *Model) Now() time.Time { return m.now().UTC() }

// Close stops every session lane.
func (m *Model) Close() {
	m.lanes.Close()
}

// --- Reads ---

// Get returns a copy of the session, loading it from the store on first use.
func (m *Model) Get(ctx context.Context, id string) (*Session, error) {
	var out *Session
	err := m.submit(ctx, id, func(ctx context.Context) error {
		s, err := m.load(ctx, id)
		if err != nil {
			return err
		}
		out = s.Clone()
		return nil
	})
	return out, err
}

// Snapshot returns the session as currently held in memory without any I/O.
func (m *Model) Snapshot(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s.Clone(), ok
}

// ListSessions returns the metadata of every chat, most recently updated first.
func (m *Model) ListSessions(ctx context.Context) ([]store.Chat, error) {
	meta, err := m.repo.Metadata(ctx)
	if err != nil {
		m.logFailure("list sessions", "", err)
		return nil, err
	}

	chats := make([]store.Chat, 0, len(meta))
	for _, c := range meta {
		chats = append(chats, c)
	}
	slices.SortFunc(chats, func(a, b store.Chat) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return chats, nil
}

// --- Session lifecycle ---

// Create persists a new empty chat. An empty name selects store.DefaultChatName.
func (m *Model) Create(ctx context.Context, name string) (*Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = store.DefaultChatName
	}

	now := m.Now()
	s := &Session{
		ID:            NewSessionID(),
		Name:          name,
		CreatedAt:     now,
		UpdatedAt:     now,
		Messages:      []store.Message{},
		AttachedFiles: []string{},
	}

	err := m.submit(ctx, s.ID, func(ctx context.Context) error {
		if err := m.repo.Create(ctx, s.Chat(), s.Data()); err != nil {
			m.logFailure("create session", s.ID, err)
			return err
		}
		m.put(s)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.notifyList()
	return s.Clone(), nil
}

// Delete removes the chat's metadata entry, blob and activity key.
func (m *Model) Delete(ctx context.Context, id string) error {
	err := m.submit(ctx, id, func(ctx context.Context) error {
		meta, err := m.repo.Metadata(ctx)
		if err != nil {
			return err
		}
		if _, ok := meta[id]; !ok {
			m.drop(id)
			return notFound(id)
		}
		if err := m.repo.Delete(ctx, id); err != nil {
			m.logFailure("delete session", id, err)
			return err
		}
		m.drop(id)
		return nil
	})
	if err != nil {
		return err
	}

	m.lanes.Remove(id)
	m.Notify(id)
	m.notifyList()
	return nil
}

// Rename changes the display name of a chat.
func (m *Model) Rename(ctx context.Context, id, name string) (*Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, afinaerr.New(afinaerr.CodeChatInputInvalid, "name must not be empty", afinaerr.FieldSessionID(id))
	}
	return m.Mutate(ctx, id, func(s *Session) error {
		s.Name = name
		return nil
	})
}

// Update replaces the name, transcript and attachments of a chat with those
// of s. Existing messages are immutable apart from growth of the last agent
// reply; new messages may be appended.
func (m *Model) Update(ctx context.Context, s *Session) (*Session, error) {
	if s == nil {
		return nil, afinaerr.New(afinaerr.CodeChatInputInvalid, "session must not be nil")
	}
	next := s.Clone()
	next.Name = strings.TrimSpace(next.Name)
	if next.Name == "" {
		return nil, afinaerr.New(afinaerr.CodeChatInputInvalid, "name must not be empty", afinaerr.FieldSessionID(s.ID))
	}

	return m.Mutate(ctx, s.ID, func(cur *Session) error {
		if err := checkTranscriptUpdate(cur.ID, cur.Messages, next.Messages); err != nil {
			return err
		}
		cur.Name = next.Name
		cur.Messages = next.Messages
		cur.AttachedFiles = dedupe(next.AttachedFiles)
		cur.IsAgentTyping = next.IsAgentTyping
		return nil
	})
}

// --- Transcript ---

// AppendMessage adds msg to the end of the transcript. A missing id or
// timestamp is filled in; the stored message is returned.
func (m *Model) AppendMessage(ctx context.Context, id string, msg store.Message) (store.Message, error) {
	if msg.Sender != store.SenderUser && msg.Sender != store.SenderAgent {
		return store.Message{}, afinaerr.New(afinaerr.CodeChatInputInvalid,
			"sender must be user or agent", afinaerr.FieldSessionID(id), afinaerr.Field("sender", msg.Sender))
	}
	if msg.ID == "" {
		msg.ID = NewID()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.Now()
	}

	_, err := m.Mutate(ctx, id, func(s *Session) error {
		for _, existing := range s.Messages {
			if existing.ID == msg.ID {
				return afinaerr.New(afinaerr.CodeChatInputInvalid, "duplicate message id",
					afinaerr.FieldSessionID(id), afinaerr.FieldMessageID(msg.ID))
			}
		}
		s.Messages = append(s.Messages, msg)
		return nil
	})
	if err != nil {
		return store.Message{}, err
	}
	return msg, nil
}

// --- Files ---

// AttachFile references an uploaded file by name from the chat. Attaching an
// already attached file changes nothing.
func (m *Model) AttachFile(ctx context.Context, id, fileName string) (*Session, error) {
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return nil, afinaerr.New(afinaerr.CodeChatInputInvalid, "file name must not be empty", afinaerr.FieldSessionID(id))
	}
	return m.mutateIf(ctx, id, func(s *Session) (bool, error) {
		if s.HasFile(fileName) {
			return false, nil
		}
		s.AttachedFiles = append(s.AttachedFiles, fileName)
		return true, nil
	})
}

// DetachFile removes a file reference from the chat. Detaching a file that is
// not attached is not an error and changes nothing.
func (m *Model) DetachFile(ctx context.Context, id, fileName string) (*Session, error) {
	return m.mutateIf(ctx, id, func(s *Session) (bool, error) {
		if !s.HasFile(fileName) {
			return false, nil
		}
		s.AttachedFiles = slices.DeleteFunc(s.AttachedFiles, func(n string) bool { return n == fileName })
		return true, nil
	})
}

// DetachEverywhere removes fileName from every chat referencing it, as
// required when the underlying file is deleted. It returns the ids of the
// chats that changed.
func (m *Model) DetachEverywhere(ctx context.Context, fileName string) ([]string, error) {
	chats, err := m.ListSessions(ctx)
	if err != nil {
		return nil, err
	}

	changed := []string{}
	var errs []error
	for _, c := range chats {
		before, err := m.Get(ctx, c.ID)
		if err != nil {
			if afinaerr.IsNotFound(err) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		if !before.HasFile(fileName) {
			continue
		}
		if _, err := m.DetachFile(ctx, c.ID, fileName); err != nil {
			errs = append(errs, err)
			continue
		}
		changed = append(changed, c.ID)
	}

	if len(errs) > 0 {
		return changed, errors.Join(errs...)
	}
	return changed, nil
}

// --- Typing and resync ---

// SetTyping sets the typing flag of the chat. Typing is transient stream
// state and does not bump UpdatedAt.
func (m *Model) SetTyping(ctx context.Context, id string, typing bool) (*Session, error) {
	var out *Session
	err := m.submit(ctx, id, func(ctx context.Context) error {
		cur, err := m.load(ctx, id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		next.IsAgentTyping = typing
		if err := m.repo.SaveChatData(ctx, id, next.Data()); err != nil {
			m.logFailure("set typing", id, err)
			return err
		}
		m.put(next)
		out = next.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.Notify(id)
	return out, nil
}

// Reload replaces the in-memory session with the persisted one and
// announces the change.
func (m *Model) Reload(ctx context.Context, id string) (*Session, error) {
	out, _, err := m.Resync(ctx, id, nil, false)
	return out, err
}

// Resync is Reload guarded by busy, which is consulted on the session's lane
// so no staged change can slip in between the check and the reload. A busy
// session is left alone and reported as not resynced. With clearTyping the
// reloaded session's typing flag is cleared and persisted in the same step.
func (m *Model) Resync(ctx context.Context, id string, busy func() bool, clearTyping bool) (*Session, bool, error) {
	var out *Session
	err := m.submit(ctx, id, func(ctx context.Context) error {
		if busy != nil && busy() {
			return nil
		}
		chat, data, err := m.repo.Load(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			m.drop(id)
			return notFound(id)
		}
		if err != nil {
			m.logFailure("reload session", id, err)
			return err
		}
		s := newSession(chat, data)
		if clearTyping && s.IsAgentTyping {
			s.IsAgentTyping = false
			if err := m.repo.SaveChatData(ctx, id, s.Data()); err != nil {
				m.logFailure("clear typing", id, err)
				return err
			}
		}
		m.put(s)
		out = s.Clone()
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if out == nil {
		return nil, false, nil
	}
	m.Notify(id)
	return out, true, nil
}

// --- Generic mutation primitives ---

// Mutate applies fn to a copy of the session, bumps UpdatedAt, persists the
// blob and then the metadata entry, and publishes data_changed. When fn or a
// store write fails the in-memory session is left unchanged.
func (m *Model) Mutate(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	return m.mutateIf(ctx, id, func(s *Session) (bool, error) {
		return true, fn(s)
	})
}

func (m *Model) mutateIf(ctx context.Context, id string, fn func(*Session) (bool, error)) (*Session, error) {
	var (
		out     *Session
		changed bool
	)
	err := m.submit(ctx, id, func(ctx context.Context) error {
		cur, err := m.load(ctx, id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		changed, err = fn(next)
		if err != nil {
			return err
		}
		if !changed {
			out = cur.Clone()
			return nil
		}

		next.UpdatedAt = m.Now()
		if err := m.repo.SaveChatData(ctx, id, next.Data()); err != nil {
			m.logFailure("save session", id, err)
			return err
		}
		err = m.repo.UpdateMetadata(ctx, func(meta store.Metadata) error {
			meta[id] = next.Chat()
			return nil
		})
		if err != nil {
			m.logFailure("save session metadata", id, err)
			return err
		}
		m.put(next)
		out = next.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		m.Notify(id)
		m.notifyList()
	}
	return out, nil
}

// Stage applies fn to the in-memory session only. The change reaches the
// store with the next Flush or Mutate. Nothing is published.
func (m *Model) Stage(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	var out *Session
	err := m.submit(ctx, id, func(ctx context.Context) error {
		cur, err := m.load(ctx, id)
		if err != nil {
			return err
		}
		next := cur.Clone()
		if err := fn(next); err != nil {
			return err
		}
		m.put(next)
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

// Flush writes the in-memory blob of the session to the store. It does not
// bump UpdatedAt or publish.
func (m *Model) Flush(ctx context.Context, id string) error {
	return m.submit(ctx, id, func(ctx context.Context) error {
		cur, err := m.load(ctx, id)
		if err != nil {
			return err
		}
		if err := m.repo.SaveChatData(ctx, id, cur.Data()); err != nil {
			m.logFailure("flush session", id, err)
			return err
		}
		return nil
	})
}

// --- Events ---

// Subscribe registers fn for events of the session. Pass ListTopic to hear
// about changes to the session list.
func (m *Model) Subscribe(id string, fn events.Handler) (func(), error) {
	return m.hub.Subscribe(id, fn)
}

// Notify publishes data_changed for the session.
func (m *Model) Notify(id string) {
	m.publish(events.Event{Kind: events.KindDataChanged, SessionID: id})
}

// NotifyFragment publishes a fragment appended to reply msgID.
func (m *Model) NotifyFragment(id, msgID, fragment string) {
	m.publish(events.Event{Kind: events.KindFragment, SessionID: id, MessageID: msgID, Fragment: fragment})
}

func (m *Model) notifyList() {
	m.publish(events.Event{Kind: events.KindDataChanged, SessionID: ListTopic})
}

func (m *Model) publish(ev events.Event) {
	if m.hub == nil {
		return
	}
	if err := m.hub.Publish(ev); err != nil {
		m.logger.Debug("event not published", "session_id", ev.SessionID, "kind", ev.Kind, "error", err)
	}
}

// --- internals ---

func (m *Model) submit(ctx context.Context, id string, fn func(context.Context) error) error {
	if id == "" {
		return afinaerr.New(afinaerr.CodeChatInputInvalid, "session id must not be empty")
	}
	return m.lanes.Get(id).Submit(ctx, fn)
}

// load returns the published session, reading it from the store on a miss.
// It must run on the session's lane.
func (m *Model) load(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	chat, data, err := m.repo.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, notFound(id)
	}
	if err != nil {
		m.logFailure("load session", id, err)
		return nil, err
	}

	s = newSession(chat, data)
	m.put(s)
	return s, nil
}

func (m *Model) put(s *Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
}

func (m *Model) drop(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *Model) logFailure(op, id string, err error) {
	m.logger.Warn("store operation failed", "op", op, "session_id", id, "error", err)
}

func notFound(id string) error {
	return afinaerr.New(afinaerr.CodeChatSessionNotFound, "session not found", afinaerr.FieldSessionID(id))
}

func dedupe(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n != "" && !slices.Contains(out, n) {
			out = append(out, n)
		}
	}
	return out
}
