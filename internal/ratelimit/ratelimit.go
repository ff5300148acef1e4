// Package ratelimit implements token-bucket rate limiting with a burst floor,
// a Redis-backed remote variant with explicit fail modes, and the composite
// limiter chain (burst, then global, then per-agent) the handlers consult.
package ratelimit

import (
	"sync"
	"time"

	"mnemo/internal/config"
	"mnemo/internal/logging"
)

// Result is the outcome of one limiter check.
type Result struct {
	Allowed      bool   `json:"allowed"`
	Remaining    int    `json:"remaining"`
	ResetMs      int64  `json:"resetMs"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Limiter is the contract shared by local, remote, and composite limiters.
// Check consumes at most one token; Stats never consumes.
type Limiter interface {
	Check(key string) Result
	Consume(key string) bool
	Stats(key string) Result
	Reset(key string)
	ResetAll()
	UpdateConfig(cfg config.RateLimitWindow)
	Stop()
}

// bucket tracks one key's fixed window plus its one-second burst sub-window.
type bucket struct {
	windowStart time.Time
	count       int
	burstStart  time.Time
	burstCount  int
}

// LocalLimiter is an in-process token bucket per key. Beyond the configured
// window, a burst floor bounds any key to minBurstProtection tokens per
// second regardless of how generous maxRequests is.
type LocalLimiter struct {
	mu      sync.Mutex
	cfg     config.RateLimitWindow
	buckets map[string]*bucket
	name    string

	now func() time.Time // injectable for tests
}

// NewLocalLimiter creates a local limiter.
func NewLocalLimiter(name string, cfg config.RateLimitWindow) *LocalLimiter {
	return &LocalLimiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		name:    name,
		now:     time.Now,
	}
}

func (l *LocalLimiter) window() time.Duration {
	if l.cfg.WindowMs <= 0 {
		return time.Minute
	}
	return time.Duration(l.cfg.WindowMs) * time.Millisecond
}

// Check consumes one token when allowed.
func (l *LocalLimiter) Check(key string) Result {
	return l.check(key, true)
}

// Consume is Check reduced to its boolean.
func (l *LocalLimiter) Consume(key string) bool {
	return l.check(key, true).Allowed
}

// Stats reports the key's state without consuming.
func (l *LocalLimiter) Stats(key string) Result {
	return l.check(key, false)
}

func (l *LocalLimiter) check(key string, consume bool) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.cfg.Enabled {
		return Result{Allowed: true, Remaining: l.cfg.MaxRequests}
	}

	now := l.now()
	window := l.window()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{windowStart: now, burstStart: now}
		l.buckets[key] = b
	}
	if now.Sub(b.windowStart) >= window {
		b.windowStart = now
		b.count = 0
	}
	if now.Sub(b.burstStart) >= time.Second {
		b.burstStart = now
		b.burstCount = 0
	}

	resetMs := (b.windowStart.Add(window).Sub(now)).Milliseconds()

	if b.count >= l.cfg.MaxRequests {
		return Result{
			Allowed:      false,
			Remaining:    0,
			ResetMs:      resetMs,
			RetryAfterMs: maxInt64(resetMs, 1),
			Reason:       l.name + ": window exhausted",
		}
	}

	if l.cfg.MinBurstProtection > 0 && b.burstCount >= l.cfg.MinBurstProtection {
		burstReset := (b.burstStart.Add(time.Second).Sub(now)).Milliseconds()
		return Result{
			Allowed:      false,
			Remaining:    l.cfg.MaxRequests - b.count,
			ResetMs:      resetMs,
			RetryAfterMs: maxInt64(burstReset, 1),
			Reason:       l.name + ": burst floor exceeded",
		}
	}

	if consume {
		b.count++
		b.burstCount++
	}
	return Result{
		Allowed:   true,
		Remaining: l.cfg.MaxRequests - b.count,
		ResetMs:   resetMs,
	}
}

// Reset clears one key's bucket.
func (l *LocalLimiter) Reset(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// ResetAll clears every bucket.
func (l *LocalLimiter) ResetAll() {
	l.mu.Lock()
	l.buckets = make(map[string]*bucket)
	l.mu.Unlock()
	logging.RateLimit("Limiter %s reset all buckets", l.name)
}

// UpdateConfig swaps the window configuration. Existing buckets keep their
// counts; the new limits apply from the next check.
func (l *LocalLimiter) UpdateConfig(cfg config.RateLimitWindow) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
	logging.RateLimit("Limiter %s reconfigured: max=%d window=%dms burst=%d enabled=%v",
		l.name, cfg.MaxRequests, cfg.WindowMs, cfg.MinBurstProtection, cfg.Enabled)
}

// Stop releases resources. The local limiter holds none.
func (l *LocalLimiter) Stop() {}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
