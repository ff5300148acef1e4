package ratelimit

import (
	"github.com/redis/go-redis/v9"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// globalKey is the single bucket key shared by all callers in the global tier.
const globalKey = "__global__"

// Composite chains the three limiter tiers. Order is normative: burst (peak
// RPS) first, then global (service-wide), then per-agent. The first rejection
// wins and its reason names the tier.
type Composite struct {
	burst    Limiter
	global   Limiter
	perAgent Limiter
}

// NewComposite builds the limiter chain from configuration. A non-empty Redis
// address selects the remote backend for the global and per-agent tiers; the
// burst tier is always local since it protects this instance.
func NewComposite(cfg config.RateLimitConfig) *Composite {
	failMode := FailMode(cfg.FailMode)

	var global, perAgent Limiter
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		global = NewRemoteLimiter("global", cfg.Global, client, failMode)
		perAgent = NewRemoteLimiter("per-agent", cfg.PerAgent, client, failMode)
		logging.RateLimit("Composite limiter using remote backend at %s (failMode=%s)", cfg.RedisAddr, failMode)
	} else {
		global = NewLocalLimiter("global", cfg.Global)
		perAgent = NewLocalLimiter("per-agent", cfg.PerAgent)
		logging.RateLimit("Composite limiter using local backend")
	}

	return &Composite{
		burst:    NewLocalLimiter("burst", cfg.Burst),
		global:   global,
		perAgent: perAgent,
	}
}

// NewCompositeWith wires explicit tier limiters. Used by tests and by callers
// that manage the Redis client themselves.
func NewCompositeWith(burst, global, perAgent Limiter) *Composite {
	return &Composite{burst: burst, global: global, perAgent: perAgent}
}

// Check runs the chain for one agent. On rejection the result carries the
// rejecting tier's reason and retry hint.
func (c *Composite) Check(agentID string) Result {
	if res := c.burst.Check(agentID); !res.Allowed {
		logging.RateLimitDebug("Burst tier rejected agent %s: %s", agentID, res.Reason)
		return res
	}
	if res := c.global.Check(globalKey); !res.Allowed {
		logging.RateLimitDebug("Global tier rejected agent %s: %s", agentID, res.Reason)
		return res
	}
	res := c.perAgent.Check(agentID)
	if !res.Allowed {
		logging.RateLimitDebug("Per-agent tier rejected agent %s: %s", agentID, res.Reason)
	}
	return res
}

// Allow converts a rejection into the typed error handlers return.
func (c *Composite) Allow(agentID string) error {
	res := c.Check(agentID)
	if res.Allowed {
		return nil
	}
	return &types.RateLimitedError{
		Reason:       res.Reason,
		RetryAfterMs: res.RetryAfterMs,
	}
}

// Stats reports every tier for one agent without consuming.
func (c *Composite) Stats(agentID string) map[string]Result {
	return map[string]Result{
		"burst":    c.burst.Stats(agentID),
		"global":   c.global.Stats(globalKey),
		"perAgent": c.perAgent.Stats(agentID),
	}
}

// Reset clears one agent across all tiers. The global bucket is shared and
// left alone.
func (c *Composite) Reset(agentID string) {
	c.burst.Reset(agentID)
	c.perAgent.Reset(agentID)
}

// ResetAll clears every tier.
func (c *Composite) ResetAll() {
	c.burst.ResetAll()
	c.global.ResetAll()
	c.perAgent.ResetAll()
}

// Stop stops every tier.
func (c *Composite) Stop() {
	c.burst.Stop()
	c.global.Stop()
	c.perAgent.Stop()
}
