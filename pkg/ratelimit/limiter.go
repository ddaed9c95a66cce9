// Package ratelimit provides sliding-window request limiters backed by
// process memory or Redis.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter admits or rejects a request for key.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// Config sets how many requests a key may make per window.
type Config struct {
	Requests int
	Window   time.Duration
}

// MemoryLimiter keeps a log of request times per key. Suitable for a single
// replica or tests.
type MemoryLimiter struct {
	cfg Config
	now func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

// NewMemoryLimiter creates an in-process limiter.
func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:  cfg,
		now:  time.Now,
		hits: make(map[string][]time.Time),
	}
}

// WithClock replaces the time source.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	now := l.now()
	cutoff := now.Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.hits[key]
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	window = window[i:]

	if len(window) >= l.cfg.Requests {
		l.hits[key] = window
		return Decision{
			Limit:      l.cfg.Requests,
			RetryAfter: window[0].Add(l.cfg.Window).Sub(now),
		}, nil
	}

	window = append(window, now)
	l.hits[key] = window
	return Decision{
		Allowed:   true,
		Limit:     l.cfg.Requests,
		Remaining: l.cfg.Requests - len(window),
	}, nil
}

// Sweep drops keys with no requests inside the window.
func (l *MemoryLimiter) Sweep() {
	cutoff := l.now().Add(-l.cfg.Window)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, window := range l.hits {
		if len(window) == 0 || !window[len(window)-1].After(cutoff) {
			delete(l.hits, key)
		}
	}
}
