// Package ratelimit implements a fixed-window request counter keyed by
// (client address, target identifier). Limits are independent across targets:
// a client exhausting its window for one provider can still reach the others.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultLimit is the number of requests allowed per window.
	DefaultLimit = 60
	// DefaultWindow is the window length.
	DefaultWindow = 60 * time.Second

	// idleWindows is how many windows an entry may sit untouched before the
	// sweeper drops it.
	idleWindows = 10
)

type entry struct {
	count       int
	windowStart time.Time
}

// Limiter is a fixed-window rate limiter. The zero value is not usable; use New.
type Limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	keys   map[string]*entry
	now    func() time.Time
	stop   chan struct{}
}

// New creates a Limiter allowing limit requests per window per key.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		limit:  limit,
		window: window,
		keys:   make(map[string]*entry),
		now:    time.Now,
		stop:   make(chan struct{}),
	}
}

// Allow records one request for the (clientIP, target) pair. It returns
// whether the request may proceed and, when denied, the suggested wait before
// retrying.
func (l *Limiter) Allow(clientIP, target string) (ok bool, retryAfter time.Duration) {
	key := clientIP + "|" + target
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, exists := l.keys[key]
	if !exists || now.Sub(e.windowStart) >= l.window {
		l.keys[key] = &entry{count: 1, windowStart: now}
		return true, 0
	}

	if e.count >= l.limit {
		return false, e.windowStart.Add(l.window).Sub(now)
	}

	e.count++
	return true, 0
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}

// StartSweeper launches a background goroutine that periodically drops
// entries idle for more than idleWindows windows, bounding memory to the
// active-client cardinality. Stop terminates it.
func (l *Limiter) StartSweeper() {
	interval := l.window * idleWindows
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep()
			case <-l.stop:
				return
			}
		}
	}()
}

// Stop terminates the sweeper goroutine.
func (l *Limiter) Stop() {
	close(l.stop)
}

func (l *Limiter) sweep() {
	cutoff := l.now().Add(-l.window * idleWindows)

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, e := range l.keys {
		if e.windowStart.Before(cutoff) {
			delete(l.keys, key)
		}
	}
}
