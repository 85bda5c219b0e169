// Package ratewindow implements a sliding-window activity limiter: at most
// Limit events per key within any trailing Window.
//
// Rejected attempts are never recorded, so a caller hammering a saturated key
// does not extend its own lockout.
package ratewindow

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrInvalidKey = errors.New("ratewindow: empty key")

// Store holds per-key event timestamps. Admit must run its count and insert
// as one critical section per key.
type Store interface {
	// Admit drops events older than cutoff, then records at when fewer than
	// limit events remain. It reports whether at was recorded.
	Admit(ctx context.Context, key string, cutoff, at time.Time, limit int) (bool, error)
	// Count returns the number of events at or after cutoff.
	Count(ctx context.Context, key string, cutoff time.Time) (int, error)
}

type Window struct {
	limit  int
	window time.Duration
	store  Store
}

// New returns a limiter allowing limit events per window. Non-positive
// values fall back to 3 per hour.
func New(limit int, window time.Duration, store Store) *Window {
	if limit <= 0 {
		limit = 3
	}
	if window <= 0 {
		window = time.Hour
	}
	if store == nil {
		store = NewMemoryStore()
	}
	return &Window{limit: limit, window: window, store: store}
}

func (w *Window) Limit() int                     { return w.limit }
func (w *Window) Window() time.Duration          { return w.window }
func (w *Window) cutoff(now time.Time) time.Time { return now.Add(-w.window) }

// TryRecordActivity records an event for key at now if fewer than Limit
// events fall in [now-Window, now]. It returns false without recording
// otherwise.
func (w *Window) TryRecordActivity(ctx context.Context, key string, now time.Time) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, ErrInvalidKey
	}
	return w.store.Admit(ctx, key, w.cutoff(now), now, w.limit)
}

// ActivityCount returns the number of events for key in [now-Window, now].
func (w *Window) ActivityCount(ctx context.Context, key string, now time.Time) (int, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return 0, ErrInvalidKey
	}
	return w.store.Count(ctx, key, w.cutoff(now))
}
