// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package reconcile applies streamed replies to the session model and keeps
// the store, the model and subscribers in agreement while a reply grows.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/sigil-dev/afina/internal/chat"
	"github.com/sigil-dev/afina/internal/store"
	"github.com/sigil-dev/afina/internal/transport"
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultPersistInterval = 50 * time.Millisecond
	DefaultErrorNotice     = "Sorry, something went wrong while processing your message. Please try again."
)

// ErrStaleReply is returned for a fragment addressed to a reply that is no
// longer the session's open agent message.
var ErrStaleReply = afinaerr.New(afinaerr.CodeReconcileFragmentStale, "reply is no longer current")

// Streamer produces a reply for a user message, one fragment at a time.
type Streamer interface {
	StreamReply(ctx context.Context, req transport.ReplyRequest, onFragment transport.FragmentFunc) (transport.ReplyResult, error)
}

// Options configures a Reconciler.
type Options struct {
	// PersistInterval bounds how often a growing reply is written to the
	// store. Zero persists on every fragment.
	PersistInterval time.Duration
	// ErrorNotice is the agent message appended when a reply fails.
	ErrorNotice string
	Logger      *slog.Logger
}

// Reconciler drives replies of every session of one model.
type Reconciler struct {
	model    *chat.Model
	streamer Streamer
	interval time.Duration
	notice   string
	logger   *slog.Logger

	// base outlives request contexts so background flushes are not cut
	// short; Close cancels it.
	base     context.Context
	stopBase context.CancelFunc

	mu      sync.Mutex
	replies map[string]*reply  // session id → open reply
	streams map[string]*stream // session id → in-flight Send
	closed  bool
	wg      sync.WaitGroup
}

type reply struct {
	msgID  string
	writer *writer
}

type stream struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Reconciler. streamer may be nil when Send is not used.
func New(model *chat.Model, streamer Streamer, opts Options) *Reconciler {
	notice := strings.TrimSpace(opts.ErrorNotice)
	if notice == "" {
		notice = DefaultErrorNotice
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.PersistInterval
	if interval < 0 {
		interval = DefaultPersistInterval
	}

	base, stop := context.WithCancel(context.Background())
	return &Reconciler{
		model:    model,
		streamer: streamer,
		interval: interval,
		notice:   notice,
		logger:   logger.With("component", "reconcile"),
		base:     base,
		stopBase: stop,
		replies:  make(map[string]*reply),
		streams:  make(map[string]*stream),
	}
}

// Streaming reports whether a reply of the session is open in this process,
// or a Send for it is under way.
func (r *Reconciler) Streaming(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.streams[sessionID]; ok {
		return true
	}
	_, ok := r.replies[sessionID]
	return ok
}

// BeginReply appends an empty agent message to the session, persists it and
// makes it the session's open reply. A reply that was still open is closed
// and its pending content flushed; fragments addressed to it become stale.
func (r *Reconciler) BeginReply(ctx context.Context, sessionID string) (string, error) {
	msg, err := r.model.AppendMessage(ctx, sessionID, store.Message{Sender: store.SenderAgent})
	if err != nil {
		return "", err
	}

	w := newWriter(r.base, r.interval, r.logger.With("session_id", sessionID, "message_id", msg.ID),
		r.persist(sessionID))

	r.mu.Lock()
	prev := r.replies[sessionID]
	r.replies[sessionID] = &reply{msgID: msg.ID, writer: w}
	r.mu.Unlock()

	if prev != nil {
		r.logger.DebugContext(ctx, "reply superseded", "session_id", sessionID, "message_id", prev.msgID)
		if err := prev.writer.close(ctx); err != nil {
			r.logger.WarnContext(ctx, "flushing superseded reply", "session_id", sessionID, "error", err)
		}
	}
	return msg.ID, nil
}

// ApplyFragment appends fragment to the open reply replyID. The model
// changes immediately and a fragment event is published; persistence is
// coalesced. A reply that is not the session's last agent message yields
// ErrStaleReply and nothing changes.
func (r *Reconciler) ApplyFragment(ctx context.Context, sessionID, replyID, fragment string) error {
	r.mu.Lock()
	rep, ok := r.replies[sessionID]
	r.mu.Unlock()
	if !ok || rep.msgID != replyID {
		return stale(sessionID, replyID)
	}
	if fragment == "" {
		return nil
	}

	_, err := r.model.Stage(ctx, sessionID, func(s *chat.Session) error {
		return s.ExtendReply(replyID, fragment)
	})
	if afinaerr.HasCode(err, afinaerr.CodeChatMessageImmutable) {
		return stale(sessionID, replyID)
	}
	if err != nil {
		return err
	}

	r.model.NotifyFragment(sessionID, replyID, fragment)
	rep.writer.mark()
	return nil
}

// EndReply completes the reply. A non-nil finalText that differs from the
// accumulated content replaces it. Typing is cleared and the activity key
// removed even when the reply is stale.
func (r *Reconciler) EndReply(ctx context.Context, sessionID, replyID string, finalText *string) error {
	r.release(ctx, sessionID, replyID)

	_, err := r.model.Mutate(ctx, sessionID, func(s *chat.Session) error {
		if finalText != nil {
			if last, ok := s.LastMessage(); ok && last.ID == replyID && last.Content != *finalText {
				if err := s.ReplaceReply(replyID, *finalText); err != nil {
					r.logger.DebugContext(ctx, "final text not applied", "session_id", sessionID, "error", err)
				}
			}
		}
		s.IsAgentTyping = false
		return nil
	})
	r.clearActivity(ctx, sessionID)
	return err
}

// Fail completes the reply after a stream failure. Partial content is kept
// and a single agent message carrying the error notice is appended.
func (r *Reconciler) Fail(ctx context.Context, sessionID, replyID string, cause error) error {
	r.release(ctx, sessionID, replyID)
	r.logger.WarnContext(ctx, "reply failed", "session_id", sessionID, "message_id", replyID, "error", cause)

	now := r.model.Now()
	_, err := r.model.Mutate(ctx, sessionID, func(s *chat.Session) error {
		s.IsAgentTyping = false
		s.Messages = append(s.Messages, store.Message{
			ID:        chat.NewID(),
			Content:   r.notice,
			Sender:    store.SenderAgent,
			Timestamp: now,
		})
		return nil
	})
	r.clearActivity(ctx, sessionID)
	return err
}

// Send posts userText to the backend and streams the reply into the session.
// A stream already running for the session is cancelled first. Send returns
// when the reply has ended; a cancelled reply keeps its partial content and
// reports a canceled error.
func (r *Reconciler) Send(ctx context.Context, sessionID, userText string) error {
	if r.streamer == nil {
		return afinaerr.New(afinaerr.CodeTransportRequestInvalid, "no backend configured")
	}
	userText = strings.TrimSpace(userText)
	if userText == "" {
		return afinaerr.New(afinaerr.CodeChatInputInvalid, "message must not be empty", afinaerr.FieldSessionID(sessionID))
	}

	streamCtx, st, err := r.acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer r.finish(sessionID, st)

	// Terminal writes must land even when the stream was cancelled.
	finalCtx := context.WithoutCancel(ctx)

	if _, err := r.model.AppendMessage(ctx, sessionID, store.Message{Sender: store.SenderUser, Content: userText}); err != nil {
		return err
	}
	// Activity goes first: a stored typing flag without it reads as stalled.
	if err := r.model.Repository().SetActivity(ctx, sessionID, r.model.Now()); err != nil {
		r.logger.WarnContext(ctx, "recording stream activity", "session_id", sessionID, "error", err)
	}
	sess, err := r.model.SetTyping(ctx, sessionID, true)
	if err != nil {
		r.clearActivity(finalCtx, sessionID)
		return err
	}

	replyID, err := r.BeginReply(ctx, sessionID)
	if err != nil {
		_, _ = r.model.SetTyping(finalCtx, sessionID, false)
		r.clearActivity(finalCtx, sessionID)
		return err
	}

	r.logger.DebugContext(ctx, "streaming reply", "session_id", sessionID, "message_id", replyID)
	res, err := r.streamer.StreamReply(streamCtx, transport.ReplyRequest{
		SessionID: sessionID,
		Message:   userText,
		Files:     sess.AttachedFiles,
	}, func(fragment string) error {
		return r.ApplyFragment(streamCtx, sessionID, replyID, fragment)
	})

	switch {
	case err == nil:
		final := res.FinalText()
		return r.EndReply(finalCtx, sessionID, replyID, &final)
	case errors.Is(err, ErrStaleReply):
		// A newer reply owns the session now.
		return err
	case streamCtx.Err() != nil:
		if endErr := r.EndReply(finalCtx, sessionID, replyID, nil); endErr != nil {
			return endErr
		}
		return afinaerr.Wrap(streamCtx.Err(), afinaerr.CodeReconcileStreamCanceled, "reply canceled",
			afinaerr.FieldSessionID(sessionID), afinaerr.FieldMessageID(replyID))
	case afinaerr.IsNotFound(err) && !afinaerr.IsTransport(err):
		r.release(finalCtx, sessionID, replyID)
		return err
	default:
		if failErr := r.Fail(finalCtx, sessionID, replyID, err); failErr != nil {
			return errors.Join(err, failErr)
		}
		return err
	}
}

// Cancel aborts the in-flight Send of the session, if any, and waits for it
// to end the reply.
func (r *Reconciler) Cancel(sessionID string) {
	r.mu.Lock()
	st := r.streams[sessionID]
	r.mu.Unlock()
	if st == nil {
		return
	}
	st.cancel()
	<-st.done
}

// Close cancels every in-flight stream, waits for them and flushes replies
// that are still open.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.closed = true
	streams := make([]*stream, 0, len(r.streams))
	for _, st := range r.streams {
		streams = append(streams, st)
	}
	r.mu.Unlock()

	for _, st := range streams {
		st.cancel()
	}
	r.wg.Wait()

	r.mu.Lock()
	open := r.replies
	r.replies = make(map[string]*reply)
	r.mu.Unlock()
	for id, rep := range open {
		if err := rep.writer.close(r.base); err != nil {
			r.logger.Warn("flushing open reply", "session_id", id, "error", err)
		}
	}
	r.stopBase()
}

// acquire registers a stream for the session, cancelling and waiting out the
// previous one.
func (r *Reconciler) acquire(ctx context.Context, sessionID string) (context.Context, *stream, error) {
	for {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, nil, afinaerr.New(afinaerr.CodeReconcileStreamCanceled, "reconciler closed",
				afinaerr.FieldSessionID(sessionID))
		}
		prev := r.streams[sessionID]
		if prev == nil {
			streamCtx, cancel := context.WithCancel(ctx)
			st := &stream{cancel: cancel, done: make(chan struct{})}
			r.streams[sessionID] = st
			r.wg.Add(1)
			r.mu.Unlock()
			return streamCtx, st, nil
		}
		r.mu.Unlock()

		prev.cancel()
		select {
		case <-prev.done:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
}

func (r *Reconciler) finish(sessionID string, st *stream) {
	st.cancel()
	r.mu.Lock()
	if r.streams[sessionID] == st {
		delete(r.streams, sessionID)
	}
	r.mu.Unlock()
	close(st.done)
	r.wg.Done()
}

// release closes the open reply replyID of the session, flushing what it
// accumulated. A stale replyID is ignored.
func (r *Reconciler) release(ctx context.Context, sessionID, replyID string) {
	r.mu.Lock()
	rep, ok := r.replies[sessionID]
	if ok && rep.msgID == replyID {
		delete(r.replies, sessionID)
	} else {
		rep = nil
	}
	r.mu.Unlock()

	if rep == nil {
		return
	}
	if err := rep.writer.close(ctx); err != nil && !afinaerr.IsNotFound(err) {
		r.logger.WarnContext(ctx, "flushing reply", "session_id", sessionID, "message_id", replyID, "error", err)
	}
}

// persist returns the writer flush of a session: the in-memory blob, then a
// fresh activity timestamp.
func (r *Reconciler) persist(sessionID string) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := r.model.Flush(ctx, sessionID); err != nil {
			return err
		}
		return r.model.Repository().SetActivity(ctx, sessionID, r.model.Now())
	}
}

func (r *Reconciler) clearActivity(ctx context.Context, sessionID string) {
	if err := r.model.Repository().ClearActivity(ctx, sessionID); err != nil {
		r.logger.WarnContext(ctx, "clearing stream activity", "session_id", sessionID, "error", err)
	}
}

func stale(sessionID, replyID string) error {
	return afinaerr.With(ErrStaleReply, afinaerr.FieldSessionID(sessionID), afinaerr.FieldMessageID(replyID))
}
