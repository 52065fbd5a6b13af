// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

// Package events carries per-session change notifications between the chat
// model, the stream reconciler and the views.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// Kind identifies what changed.
type Kind string

const (
	// KindDataChanged reports that persisted session data changed and views
	// should re-read the session.
	KindDataChanged Kind = "data_changed"
	// KindFragment reports a streamed fragment appended to a reply.
	KindFragment Kind = "fragment"
)

// Event is delivered to subscribers of a session.
type Event struct {
	Kind      Kind   `json:"kind"`
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id,omitempty"`
	Fragment  string `json:"fragment,omitempty"`
}

// Handler receives events. Handlers run on a per-subscription goroutine and
// must not publish to the hub synchronously: Publish waits for every handler
// of the topic to return.
type Handler func(Event)

// Hub is an in-process pub/sub with one topic per session. Events published
// to a session are delivered to each subscriber in publish order.
type Hub struct {
	ps     *gochannel.GoChannel
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// pubsubLevels demotes the pub/sub's routine chatter ("no subscribers",
// "closed") below the default log level.
var pubsubLevels = map[slog.Level]slog.Level{
	slog.LevelInfo: slog.LevelDebug,
}

// NewHub creates a hub. A nil logger uses slog.Default.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	ps := gochannel.NewGoChannel(
		gochannel.Config{BlockPublishUntilSubscriberAck: true},
		watermill.NewSlogLoggerWithLevelMapping(logger.With("component", "events"), pubsubLevels),
	)
	return &Hub{ps: ps, logger: logger}
}

func topic(sessionID string) string {
	return "session." + sessionID
}

// Publish delivers ev to the subscribers of ev.SessionID and returns once
// all of them handled it.
func (h *Hub) Publish(ev Event) error {
	if ev.SessionID == "" {
		return afinaerr.New(afinaerr.CodeChatInputInvalid, "event without session id")
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return afinaerr.Wrap(err, afinaerr.CodeChatPublishFailure, "encoding event")
	}

	if err := h.ps.Publish(topic(ev.SessionID), message.NewMessage(watermill.NewUUID(), payload)); err != nil {
		return afinaerr.Wrap(err, afinaerr.CodeChatPublishFailure, "publishing event",
			afinaerr.FieldSessionID(ev.SessionID))
	}
	return nil
}

// Subscribe registers fn for events of sessionID. The returned function
// cancels the subscription and may be called more than once, including from
// inside fn.
func (h *Hub) Subscribe(sessionID string, fn Handler) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, afinaerr.New(afinaerr.CodeChatSubscribeFailure, "hub closed", afinaerr.FieldSessionID(sessionID))
	}

	ctx, cancel := context.WithCancel(context.Background())
	msgs, err := h.ps.Subscribe(ctx, topic(sessionID))
	if err != nil {
		cancel()
		return nil, afinaerr.Wrap(err, afinaerr.CodeChatSubscribeFailure, "subscribing", afinaerr.FieldSessionID(sessionID))
	}

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for msg := range msgs {
			var ev Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				h.logger.Warn("dropping undecodable event", "session_id", sessionID, "error", err)
			} else if ctx.Err() == nil {
				fn(ev)
			}
			msg.Ack()
		}
	}()

	return cancel, nil
}

// Close stops delivery and waits for subscription goroutines to exit.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	err := h.ps.Close()
	h.wg.Wait()
	return err
}
