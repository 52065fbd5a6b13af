// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// writer coalesces persistence of a streaming reply. Each mark bumps a
// version; at most one flush per interval runs, and it persists whatever the
// latest state is at that moment. Versions already covered by a flush are
// skipped.
type writer struct {
	flush   func(context.Context) error
	ctx     context.Context
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.Mutex
	version uint64
	flushed uint64
	timer   *time.Timer
	closed  bool

	// flushMu serialises flushes so close can wait for one in flight.
	flushMu sync.Mutex
}

func newWriter(ctx context.Context, interval time.Duration, logger *slog.Logger, flush func(context.Context) error) *writer {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &writer{
		flush:   flush,
		ctx:     ctx,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

// mark records a change that must reach the store.
func (w *writer) mark() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.version++
	w.scheduleLocked()
}

func (w *writer) scheduleLocked() {
	if w.timer != nil {
		return
	}
	w.timer = time.AfterFunc(w.limiter.Reserve().Delay(), w.fire)
}

func (w *writer) fire() {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	w.timer = nil
	if w.closed || w.version == w.flushed {
		w.mu.Unlock()
		return
	}
	v := w.version
	w.mu.Unlock()

	err := w.flush(w.ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		// The next mark retries.
		w.logger.Warn("persisting reply failed", "error", err)
		return
	}
	if v > w.flushed {
		w.flushed = v
	}
	if !w.closed && w.version > w.flushed {
		w.scheduleLocked()
	}
}

// close stops scheduled flushes, waits for one in flight and persists any
// remaining change synchronously.
func (w *writer) close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	v := w.version
	dirty := v > w.flushed
	w.mu.Unlock()
	if !dirty {
		return nil
	}

	if err := w.flush(ctx); err != nil {
		return err
	}
	w.mu.Lock()
	w.flushed = v
	w.mu.Unlock()
	return nil
}

// pending reports whether changes have not been flushed yet.
func (w *writer) pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.version > w.flushed
}
