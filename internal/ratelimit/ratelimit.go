// Package ratelimit implements the per-(unit, priority) sliding-window
// rate limiter (spec.md §4.4): a space-scaled token bucket whose query
// operation returns how many messages the caller may account for,
// including any just-suppressed backlog.
package ratelimit

import (
	"sync"
	"time"
)

// Key identifies a bucket: the originating unit name (the dispatcher
// uses "_uid<n>" for records with no systemd unit) and the record's
// priority.
type Key struct {
	Unit     string
	Priority int
}

// Config is the limiter's static policy, shared by every bucket.
type Config struct {
	Interval  time.Duration
	BaseBurst uint64
	Now       func() time.Time
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

type bucket struct {
	tokensLeft      uint64
	suppressedCount uint64
	windowStart     time.Time
}

// Limiter is safe for concurrent use, though spec.md §5 only ever
// calls it from the single dispatcher thread; the mutex exists for
// cheap safety, not to support a worker pool.
//
// golang.org/x/time/rate was evaluated and rejected for this role: it
// has no way to read-and-reset a suppressed count on refill, and no
// way to scale its burst by a live external signal (available disk
// space) without rebuilding the limiter — which would also reset its
// bucket. See DESIGN.md.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[Key]*bucket
}

// New builds a Limiter. A zero Config.Interval defaults to 30s and a
// zero BaseBurst to 10000, systemd-journald's own defaults.
func New(cfg Config) *Limiter {
	if cfg.Interval == 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BaseBurst == 0 {
		cfg.BaseBurst = 10000
	}
	return &Limiter{cfg: cfg, buckets: make(map[Key]*bucket)}
}

// Allow consults the bucket for key given available/limit disk space
// (spec.md §4.4 "effective_burst = base_burst * min(1, available /
// limit) clipped to at least 1"). The return value is the number of
// messages the caller may account for right now: 0 means suppress
// silently, 1 means proceed normally, k>1 means proceed and also
// report that k-1 prior messages were suppressed.
func (l *Limiter) Allow(key Key, available, limit uint64) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.now()
	burst := effectiveBurst(l.cfg.BaseBurst, available, limit)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{windowStart: now, tokensLeft: burst}
		l.buckets[key] = b
	}

	if now.Sub(b.windowStart) > l.cfg.Interval {
		suppressed := b.suppressedCount
		b.windowStart = now
		b.suppressedCount = 0
		b.tokensLeft = burst - 1
		return suppressed + 1
	}

	if b.tokensLeft > 0 {
		b.tokensLeft--
		return 1
	}

	b.suppressedCount++
	return 0
}

func effectiveBurst(base, available, limit uint64) uint64 {
	if limit == 0 {
		return base
	}
	ratio := float64(available) / float64(limit)
	if ratio > 1 {
		ratio = 1
	}
	burst := uint64(float64(base) * ratio)
	if burst < 1 {
		burst = 1
	}
	return burst
}

// GC drops buckets that have been idle past the interval, matching
// spec.md §3's "Created lazily; GC'd when idle past the interval."
func (l *Limiter) GC() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.cfg.now()
	for k, b := range l.buckets {
		if now.Sub(b.windowStart) > l.cfg.Interval {
			delete(l.buckets, k)
		}
	}
}

// Len reports the number of live buckets, mostly useful for tests and
// diagnostics.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
