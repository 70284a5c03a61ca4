// Package ratelimit gates calls to shared upstream services.
//
// Window is an in-process sliding window that admits at most N calls in any
// period P. RedisWindow shares a fixed-window budget across processes.
// DomainLimiter paces page fetches per host.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/story-pipeline/internal/telemetry"
)

// Admitter blocks until a call may proceed.
type Admitter interface {
	Admit(ctx context.Context) error
}

// Window admits at most limit calls per period. Each admission reserves a slot
// time; the (limit+1)th caller waits until the oldest slot is a full period old.
type Window struct {
	name   string
	limit  int
	period time.Duration

	mu    sync.Mutex
	slots []time.Time
	now   func() time.Time
}

// NewWindow creates a sliding window limiter.
func NewWindow(name string, limit int, period time.Duration) (*Window, error) {
	if limit <= 0 {
		return nil, errors.New("window limit must be positive")
	}
	if period <= 0 {
		return nil, errors.New("window period must be positive")
	}
	return &Window{
		name:   name,
		limit:  limit,
		period: period,
		slots:  make([]time.Time, 0, limit),
		now:    time.Now,
	}, nil
}

// reserve claims the next slot and returns how long the caller must wait.
func (w *Window) reserve() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	at := now
	if len(w.slots) == w.limit {
		if next := w.slots[0].Add(w.period); next.After(at) {
			at = next
		}
		w.slots = w.slots[1:]
	}
	w.slots = append(w.slots, at)
	return at.Sub(now)
}

// Admit blocks until the caller's slot opens or ctx ends. A canceled caller
// keeps its reservation, so the window never over-admits.
func (w *Window) Admit(ctx context.Context) error {
	delay := w.reserve()
	if delay <= 0 {
		return nil
	}
	telemetry.ObserveRateLimitDelay(w.name, delay)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("rate limit wait: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
