package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"mnemo/internal/config"
	"mnemo/internal/logging"
)

// FailMode selects the behavior when the remote backend errors.
type FailMode string

const (
	// FailOpen allows the request and logs a security warning.
	FailOpen FailMode = "open"
	// FailClosed denies the request with a fixed retry-after.
	FailClosed FailMode = "closed"
	// FailLocalFallback routes the check through an embedded local limiter
	// for the duration of the outage. This is the default.
	FailLocalFallback FailMode = "local-fallback"
)

const failClosedRetryMs = 5000

// RemoteLimiter enforces a fixed window in Redis so multiple service
// instances share one budget. Backend errors are handled per the configured
// fail mode; the burst floor is always enforced through the local fallback
// limiter, which also carries the full load under local-fallback.
type RemoteLimiter struct {
	client   *redis.Client
	name     string
	failMode FailMode
	fallback *LocalLimiter
	timeout  time.Duration

	mu  sync.RWMutex
	cfg config.RateLimitWindow
}

// NewRemoteLimiter creates a Redis-backed limiter.
func NewRemoteLimiter(name string, cfg config.RateLimitWindow, client *redis.Client, failMode FailMode) *RemoteLimiter {
	if failMode == "" {
		failMode = FailLocalFallback
	}
	return &RemoteLimiter{
		client:   client,
		cfg:      cfg,
		name:     name,
		failMode: failMode,
		fallback: NewLocalLimiter(name+"-fallback", cfg),
		timeout:  2 * time.Second,
	}
}

func (r *RemoteLimiter) redisKey(key string) string {
	return fmt.Sprintf("mnemo:rl:%s:%s", r.name, key)
}

// window snapshots the configuration so UpdateConfig cannot race a check.
func (r *RemoteLimiter) window() config.RateLimitWindow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Check consumes one token when allowed.
func (r *RemoteLimiter) Check(key string) Result {
	return r.check(key, true)
}

func (r *RemoteLimiter) Consume(key string) bool {
	return r.check(key, true).Allowed
}

// Stats reports without consuming.
func (r *RemoteLimiter) Stats(key string) Result {
	cfg := r.window()
	if !cfg.Enabled {
		return Result{Allowed: true, Remaining: cfg.MaxRequests}
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, r.redisKey(key))
	ttlCmd := pipe.PTTL(ctx, r.redisKey(key))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return r.onBackendError(key, err, false)
	}

	count, _ := getCmd.Int()
	remaining := cfg.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   count < cfg.MaxRequests,
		Remaining: remaining,
		ResetMs:   ttlCmd.Val().Milliseconds(),
	}
}

func (r *RemoteLimiter) check(key string, consume bool) Result {
	cfg := r.window()
	if !cfg.Enabled {
		return Result{Allowed: true, Remaining: cfg.MaxRequests}
	}
	if !consume {
		return r.Stats(key)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	rkey := r.redisKey(key)
	pipe := r.client.Pipeline()
	incrCmd := pipe.Incr(ctx, rkey)
	pipe.Do(ctx, "PEXPIRE", rkey, (time.Duration(cfg.WindowMs) * time.Millisecond).Milliseconds(), "NX")
	ttlCmd := pipe.PTTL(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return r.onBackendError(key, err, true)
	}

	count := int(incrCmd.Val())
	resetMs := ttlCmd.Val().Milliseconds()

	if count > cfg.MaxRequests {
		return Result{
			Allowed:      false,
			Remaining:    0,
			ResetMs:      resetMs,
			RetryAfterMs: maxInt64(resetMs, 1),
			Reason:       r.name + ": window exhausted",
		}
	}

	// The shared window passed; the burst floor is still enforced locally so
	// one instance cannot be flooded within a second.
	if cfg.MinBurstProtection > 0 {
		if local := r.fallback.Check(key); !local.Allowed && local.Reason == r.fallback.name+": burst floor exceeded" {
			return local
		}
	}

	return Result{
		Allowed:   true,
		Remaining: cfg.MaxRequests - count,
		ResetMs:   resetMs,
	}
}

// onBackendError applies the fail mode.
func (r *RemoteLimiter) onBackendError(key string, err error, consume bool) Result {
	switch r.failMode {
	case FailOpen:
		logging.Get(logging.CategoryRateLimit).Warn(
			"SECURITY: rate limit backend unavailable, failing OPEN for key %s: %v", key, err)
		return Result{Allowed: true, Remaining: r.window().MaxRequests, Reason: r.name + ": backend error, fail-open"}
	case FailClosed:
		logging.Get(logging.CategoryRateLimit).Warn(
			"Rate limit backend unavailable, failing CLOSED for key %s: %v", key, err)
		return Result{
			Allowed:      false,
			RetryAfterMs: failClosedRetryMs,
			Reason:       r.name + ": backend error, fail-closed",
		}
	default: // FailLocalFallback
		logging.RateLimit("Rate limit backend unavailable, using local fallback for key %s: %v", key, err)
		if consume {
			return r.fallback.Check(key)
		}
		return r.fallback.Stats(key)
	}
}

// Reset clears one key in both the backend and the fallback.
func (r *RemoteLimiter) Reset(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	r.client.Del(ctx, r.redisKey(key))
	r.fallback.Reset(key)
}

// ResetAll clears every key this limiter owns.
func (r *RemoteLimiter) ResetAll() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	iter := r.client.Scan(ctx, 0, fmt.Sprintf("mnemo:rl:%s:*", r.name), 100).Iterator()
	for iter.Next(ctx) {
		r.client.Del(ctx, iter.Val())
	}
	r.fallback.ResetAll()
}

// UpdateConfig swaps the window configuration.
func (r *RemoteLimiter) UpdateConfig(cfg config.RateLimitWindow) {
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
	r.fallback.UpdateConfig(cfg)
	logging.RateLimit("Limiter %s reconfigured: max=%d window=%dms burst=%d enabled=%v",
		r.name, cfg.MaxRequests, cfg.WindowMs, cfg.MinBurstProtection, cfg.Enabled)
}

// Stop closes nothing; the Redis client is owned by the caller.
func (r *RemoteLimiter) Stop() {}
