// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package chat

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"

	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// laneDepth bounds how many edits may wait on one chat.
const laneDepth = 256

type edit struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan<- error
}

// Lane orders the edits of one chat. Each submitted edit runs to completion
// on the lane's worker before the next one starts, in submission order. An
// edit must not submit to the lane it runs on.
type Lane struct {
	chatID  string
	edits   chan edit
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewLane starts the worker for chatID.
func NewLane(chatID string) *Lane {
	l := &Lane{
		chatID:  chatID,
		edits:   make(chan edit, laneDepth),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go l.work()
	return l
}

func (l *Lane) work() {
	defer close(l.stopped)
	for {
		select {
		case e := <-l.edits:
			e.done <- l.apply(e)
		case <-l.stop:
			// Edits already queued still run.
			for {
				select {
				case e := <-l.edits:
					e.done <- l.apply(e)
				default:
					return
				}
			}
		}
	}
}

func (l *Lane) apply(e edit) (err error) {
	if err := e.ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("chat edit panicked",
				"session_id", l.chatID,
				"panic", r,
				"stack", string(debug.Stack()))
			err = afinaerr.Errorf(afinaerr.CodeChatLaneFailure, "chat edit panicked: %v", r)
		}
	}()
	return e.fn(e.ctx)
}

// Submit runs fn on the lane and returns its error. A ctx that ends before
// fn starts yields ctx.Err() and fn never runs. A stopped lane refuses new
// edits.
func (l *Lane) Submit(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.isStopped() {
		return l.closedErr()
	}

	done := make(chan error, 1)
	select {
	case l.edits <- edit{ctx: ctx, fn: fn, done: done}:
	case <-l.stop:
		return l.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker once queued edits have run. It may be called more
// than once.
func (l *Lane) Close() {
	l.once.Do(func() {
		close(l.stop)
		<-l.stopped
	})
}

func (l *Lane) isStopped() bool {
	select {
	case <-l.stop:
		return true
	default:
		return false
	}
}

func (l *Lane) closedErr() error {
	return afinaerr.New(afinaerr.CodeChatLaneClosed, "chat is no longer accepting edits",
		afinaerr.FieldSessionID(l.chatID))
}

// LanePool hands out one Lane per chat, starting it on first use.
type LanePool struct {
	mu    sync.Mutex
	lanes map[string]*Lane
}

func NewLanePool() *LanePool {
	return &LanePool{lanes: make(map[string]*Lane)}
}

// Get returns the lane of chatID.
func (p *LanePool) Get(chatID string) *Lane {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.lanes[chatID]
	if !ok {
		l = NewLane(chatID)
		p.lanes[chatID] = l
	}
	return l
}

// Remove stops the lane of a deleted chat.
func (p *LanePool) Remove(chatID string) {
	p.mu.Lock()
	l := p.lanes[chatID]
	delete(p.lanes, chatID)
	p.mu.Unlock()
	if l != nil {
		l.Close()
	}
}

// Len returns the number of running lanes.
func (p *LanePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.lanes)
}

// Close stops every lane.
func (p *LanePool) Close() {
	p.mu.Lock()
	lanes := p.lanes
	p.lanes = make(map[string]*Lane)
	p.mu.Unlock()
	for _, l := range lanes {
		l.Close()
	}
}
