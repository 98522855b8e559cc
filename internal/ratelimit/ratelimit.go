// Package ratelimit counts calls per key in fixed windows.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultLimit  = 60
	DefaultWindow = time.Minute
	cleanupEvery  = 10 * time.Second
)

type entry struct {
	count   int
	resetAt time.Time
}

type RateLimit struct {
	limit   int
	window  time.Duration
	mu      sync.Mutex
	buckets map[string]*entry

	now func() time.Time

	stopCh  chan struct{}
	stopped bool
}

// New allows limit calls per key and window. Non-positive values fall back to the
// defaults.
func New(limit int, window time.Duration) *RateLimit {
	if limit <= 0 {
		limit = DefaultLimit
	}

	if window <= 0 {
		window = DefaultWindow
	}

	return &RateLimit{
		limit:   limit,
		window:  window,
		buckets: make(map[string]*entry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
}

// Start drops expired windows in the background until Stop.
func (rl *RateLimit) Start() {
	go func() {
		ticker := time.NewTicker(cleanupEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				rl.cleanup()
			case <-rl.stopCh:
				return
			}
		}
	}()
}

func (rl *RateLimit) Stop() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.stopped {
		return
	}

	close(rl.stopCh)
	rl.stopped = true
}

// Allow counts a call for key and reports whether it fits the current window.
func (rl *RateLimit) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	ent, ok := rl.buckets[key]
	if !ok || now.After(ent.resetAt) {
		rl.buckets[key] = &entry{
			count:   1,
			resetAt: now.Add(rl.window),
		}

		return true
	}

	if ent.count < rl.limit {
		ent.count++
		return true
	}

	return false
}

// RetryAfter is the time left until key gets a fresh window.
func (rl *RateLimit) RetryAfter(key string) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	ent, ok := rl.buckets[key]
	if !ok {
		return 0
	}

	return max(ent.resetAt.Sub(rl.now()), 0)
}

func (rl *RateLimit) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	for key, ent := range rl.buckets {
		if now.After(ent.resetAt) {
			delete(rl.buckets, key)
		}
	}
}
