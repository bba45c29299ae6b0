// Package ratelimit provides token-bucket admission control keyed by an
// opaque string, typically "(plugin id, tool name)". Buckets refill
// continuously; admission is deterministic under concurrency because each
// bucket is guarded by its own mutex.
package ratelimit

import (
	"sync"
	"time"
)

// Limit describes one bucket: Capacity permits, refilled at Rate permits per
// second.
type Limit struct {
	Capacity   float64
	RefillRate float64
}

// PerWindow converts "count calls per window" into a Limit whose capacity is
// the burst count and whose refill rate restores the full burst over one
// window.
func PerWindow(count int, window time.Duration) Limit {
	return Limit{
		Capacity:   float64(count),
		RefillRate: float64(count) / window.Seconds(),
	}
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	limit      Limit
}

// Limiter manages a bucket per key. The zero value is not usable; use New.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New constructs a Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Allow performs one admission check against the bucket for key, creating it
// full on first use. It refills elapsed*rate tokens up to capacity, then
// admits if at least one whole token remains. No two concurrent admissions
// can both succeed on a single remaining token.
func (l *Limiter) Allow(key string, limit Limit) bool {
	if limit.Capacity <= 0 || limit.RefillRate <= 0 {
		return true
	}

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: limit.Capacity, lastRefill: l.now(), limit: limit}
		l.buckets[key] = b
	}
	l.mu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	// A definition reload may change the declared limit; apply the latest.
	b.limit = limit

	now := l.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.limit.Capacity, b.tokens+elapsed*b.limit.RefillRate)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Forget drops the bucket for key, if any. Used when a plugin is unregistered
// so a reload starts from a full bucket.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}
