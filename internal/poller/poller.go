// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package poller resynchronises an open session with the store. It picks up
// writes from other processes and recovers sessions whose reply stream died
// without clearing the typing flag.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sigil-dev/afina/internal/chat"
	"github.com/sigil-dev/afina/internal/events"
	"github.com/sigil-dev/afina/internal/store"
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultActiveInterval = time.Second
	DefaultIdleInterval   = 5 * time.Second
	DefaultStaleAfter     = 30 * time.Second
)

// StreamTracker reports whether this process is streaming a reply into a
// session.
type StreamTracker interface {
	Streaming(sessionID string) bool
}

// Options configures a Poller.
type Options struct {
	ActiveInterval time.Duration
	// IdleInterval of zero disables polling while the session is idle.
	IdleInterval time.Duration
	StaleAfter   time.Duration
	Clock        func() time.Time
	Logger       *slog.Logger
}

// Outcome describes what a pass did.
type Outcome int

const (
	// Unchanged means the model already matched the store.
	Unchanged Outcome = iota
	// Skipped means another pass was running or a local stream owns the session.
	Skipped
	// Resynced means the model was reloaded from the store.
	Resynced
	// Recovered means a stalled typing flag was cleared.
	Recovered
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Resynced:
		return "resynced"
	case Recovered:
		return "recovered"
	default:
		return "unchanged"
	}
}

// Poller watches one session.
type Poller struct {
	model     *chat.Model
	sessionID string
	tracker   StreamTracker
	opts      Options
	logger    *slog.Logger

	running atomic.Bool
}

// New creates a poller for sessionID. tracker may be nil.
func New(model *chat.Model, sessionID string, tracker StreamTracker, opts Options) *Poller {
	if opts.ActiveInterval <= 0 {
		opts.ActiveInterval = DefaultActiveInterval
	}
	if opts.IdleInterval < 0 {
		opts.IdleInterval = DefaultIdleInterval
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Clock == nil {
		opts.Clock = model.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		model:     model,
		sessionID: sessionID,
		tracker:   tracker,
		opts:      opts,
		logger:    logger.With("component", "poller", "session_id", sessionID),
	}
}

// SessionID returns the watched session.
func (p *Poller) SessionID() string { return p.sessionID }

// Run polls until ctx is done. The interval follows the session's typing
// state. A session that disappeared from the store ends Run with a
// not-found error.
func (p *Poller) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	unsubscribe, err := p.model.Subscribe(p.sessionID, func(ev events.Event) {
		if ev.Kind != events.KindDataChanged {
			return
		}
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	if err != nil {
		p.logger.Debug("poller runs without change notifications", "error", err)
	} else {
		defer unsubscribe()
	}

	var (
		timer   *time.Timer
		tick    <-chan time.Time
		current time.Duration = -1
	)
	stop := func() {
		if timer != nil {
			timer.Stop()
			timer, tick = nil, nil
		}
	}
	defer stop()

	for {
		if d := p.interval(); d != current || timer == nil {
			stop()
			current = d
			if d > 0 {
				timer = time.NewTimer(d)
				tick = timer.C
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-wake:
			continue
		case <-tick:
			timer, tick = nil, nil
			if _, err := p.Pass(ctx); err != nil {
				if afinaerr.IsNotFound(err) {
					return err
				}
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Warn("poll pass failed", "error", err)
			}
		}
	}
}

// interval returns the wait before the next pass; zero means wait for a
// change notification.
func (p *Poller) interval() time.Duration {
	if s, ok := p.model.Snapshot(p.sessionID); ok && s.IsAgentTyping {
		return p.opts.ActiveInterval
	}
	return p.opts.IdleInterval
}

// Pass compares the persisted session with the model once and repairs any
// difference. Overlapping calls are skipped.
func (p *Poller) Pass(ctx context.Context) (Outcome, error) {
	if !p.running.CompareAndSwap(false, true) {
		return Skipped, nil
	}
	defer p.running.Store(false)

	_, data, err := p.model.Repository().Load(ctx, p.sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return Unchanged, afinaerr.New(afinaerr.CodeChatSessionNotFound, "session not found",
			afinaerr.FieldSessionID(p.sessionID))
	}
	if err != nil {
		return Unchanged, err
	}

	if p.streaming() {
		return Skipped, nil
	}

	recovered, err := p.recoverStall(ctx, data)
	if err != nil {
		return Unchanged, err
	}
	if recovered {
		return Recovered, nil
	}

	local, ok := p.model.Snapshot(p.sessionID)
	if !ok {
		return p.resync(ctx, "not loaded")
	}
	switch {
	case local.IsAgentTyping && !data.Typing:
		return p.resync(ctx, "typing cleared elsewhere")
	case lastID(data) != local.LastMessageID():
		return p.resync(ctx, "transcript changed")
	case data.Typing != local.IsAgentTyping:
		return p.resync(ctx, "typing started elsewhere")
	}
	return Unchanged, nil
}

// ClearStale runs the stall check once, as when a view of the session opens.
// It reports whether a stale typing flag was cleared.
func (p *Poller) ClearStale(ctx context.Context) (bool, error) {
	if p.streaming() {
		return false, nil
	}
	data, err := p.model.Repository().ChatData(ctx, p.sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return p.recoverStall(ctx, data)
}

// recoverStall clears a persisted typing flag whose stream has shown no
// activity for longer than StaleAfter, or never recorded any.
func (p *Poller) recoverStall(ctx context.Context, data *store.ChatData) (bool, error) {
	if !data.Typing {
		return false, nil
	}
	repo := p.model.Repository()
	at, ok, err := repo.Activity(ctx, p.sessionID)
	if err != nil {
		return false, err
	}
	now := p.opts.Clock()
	if ok && now.Sub(at) <= p.opts.StaleAfter {
		return false, nil
	}

	_, cleared, err := p.model.Resync(ctx, p.sessionID, p.streaming, true)
	if err != nil || !cleared {
		return false, err
	}
	p.logger.Info("cleared stalled typing state", "last_activity", at, "has_activity", ok)
	if p.streaming() {
		return true, nil
	}
	if err := repo.ClearActivity(ctx, p.sessionID); err != nil {
		return true, err
	}
	return true, nil
}

// resync reloads the session unless a local stream took it over since the
// pass started.
func (p *Poller) resync(ctx context.Context, reason string) (Outcome, error) {
	_, ok, err := p.model.Resync(ctx, p.sessionID, p.streaming, false)
	if err != nil {
		return Unchanged, err
	}
	if !ok {
		return Skipped, nil
	}
	p.logger.Debug("resynced session", "reason", reason)
	return Resynced, nil
}

func (p *Poller) streaming() bool {
	return p.tracker != nil && p.tracker.Streaming(p.sessionID)
}

func lastID(d *store.ChatData) string {
	if m, ok := d.LastMessage(); ok {
		return m.ID
	}
	return ""
}
