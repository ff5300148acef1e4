package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemo/internal/config"
	"mnemo/internal/types"
)

func windowCfg(max, windowMs, burstFloor int) config.RateLimitWindow {
	return config.RateLimitWindow{
		MaxRequests:        max,
		WindowMs:           windowMs,
		Enabled:            true,
		MinBurstProtection: burstFloor,
	}
}

func newClockedLimiter(cfg config.RateLimitWindow) (*LocalLimiter, *time.Time) {
	l := NewLocalLimiter("per-agent", cfg)
	now := time.Now()
	l.now = func() time.Time { return now }
	return l, &now
}

func TestLocalWindowExhaustionAndReset(t *testing.T) {
	l, now := newClockedLimiter(windowCfg(3, 1000, 0))

	for i := 0; i < 3; i++ {
		res := l.Check("agent-1")
		require.True(t, res.Allowed, "request %d should pass", i+1)
	}

	res := l.Check("agent-1")
	assert.False(t, res.Allowed)
	assert.Zero(t, res.Remaining)
	assert.Greater(t, res.RetryAfterMs, int64(0))
	assert.LessOrEqual(t, res.RetryAfterMs, int64(1000))
	assert.Equal(t, "per-agent: window exhausted", res.Reason)

	*now = now.Add(1001 * time.Millisecond)
	res = l.Check("agent-1")
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)
}

func TestLocalBurstFloor(t *testing.T) {
	// The window is generous; only the per-second floor should bite.
	l, now := newClockedLimiter(windowCfg(100, 60000, 2))

	require.True(t, l.Check("agent-1").Allowed)
	require.True(t, l.Check("agent-1").Allowed)

	res := l.Check("agent-1")
	assert.False(t, res.Allowed)
	assert.Equal(t, "per-agent: burst floor exceeded", res.Reason)
	assert.Greater(t, res.RetryAfterMs, int64(0))
	assert.LessOrEqual(t, res.RetryAfterMs, int64(1000))

	*now = now.Add(1100 * time.Millisecond)
	assert.True(t, l.Check("agent-1").Allowed, "burst sub-window resets after a second")
}

func TestLocalStatsDoesNotConsume(t *testing.T) {
	l, _ := newClockedLimiter(windowCfg(3, 1000, 0))

	for i := 0; i < 10; i++ {
		assert.True(t, l.Stats("agent-1").Allowed)
	}
	assert.Equal(t, 3, l.Stats("agent-1").Remaining)

	l.Check("agent-1")
	assert.Equal(t, 2, l.Stats("agent-1").Remaining)
}

func TestLocalKeysAreIndependent(t *testing.T) {
	l, _ := newClockedLimiter(windowCfg(1, 1000, 0))

	require.True(t, l.Check("agent-1").Allowed)
	assert.False(t, l.Check("agent-1").Allowed)
	assert.True(t, l.Check("agent-2").Allowed, "another key has its own bucket")

	l.Reset("agent-1")
	assert.True(t, l.Check("agent-1").Allowed)
}

func TestLocalDisabledAllowsEverything(t *testing.T) {
	cfg := windowCfg(1, 1000, 0)
	cfg.Enabled = false
	l, _ := newClockedLimiter(cfg)

	for i := 0; i < 50; i++ {
		assert.True(t, l.Check("agent-1").Allowed)
	}
}

func TestLocalUpdateConfigAppliesOnNextCheck(t *testing.T) {
	l, _ := newClockedLimiter(windowCfg(1, 1000, 0))

	require.True(t, l.Check("agent-1").Allowed)
	require.False(t, l.Check("agent-1").Allowed)

	l.UpdateConfig(windowCfg(5, 1000, 0))
	assert.True(t, l.Check("agent-1").Allowed, "raised limit admits the existing bucket")
}

func newRemoteLimiter(t *testing.T, cfg config.RateLimitWindow, mode FailMode) (*RemoteLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	// Retries are disabled so checks against a closed backend fail fast and
	// the fallback assertions stay within one rate-limit window.
	client := redis.NewClient(&redis.Options{
		Addr:               mr.Addr(),
		MaxRetries:         -1,
		DialerRetries:      1,
		DialerRetryTimeout: time.Millisecond,
	})
	t.Cleanup(func() { client.Close() })
	return NewRemoteLimiter("global", cfg, client, mode), mr
}

func TestRemoteSharedWindow(t *testing.T) {
	r, mr := newRemoteLimiter(t, windowCfg(3, 1000, 0), FailLocalFallback)

	for i := 0; i < 3; i++ {
		require.True(t, r.Check("svc").Allowed, "request %d should pass", i+1)
	}

	res := r.Check("svc")
	assert.False(t, res.Allowed)
	assert.Equal(t, "global: window exhausted", res.Reason)
	assert.Greater(t, res.RetryAfterMs, int64(0))
	assert.LessOrEqual(t, res.RetryAfterMs, int64(1000))

	mr.FastForward(1001 * time.Millisecond)
	res = r.Check("svc")
	assert.True(t, res.Allowed)
	assert.Equal(t, 2, res.Remaining)
}

func TestRemoteFailOpenAllows(t *testing.T) {
	r, mr := newRemoteLimiter(t, windowCfg(3, 1000, 0), FailOpen)
	mr.Close()

	res := r.Check("svc")
	assert.True(t, res.Allowed)
	assert.Contains(t, res.Reason, "fail-open")
}

func TestRemoteFailClosedDenies(t *testing.T) {
	r, mr := newRemoteLimiter(t, windowCfg(3, 1000, 0), FailClosed)
	mr.Close()

	res := r.Check("svc")
	assert.False(t, res.Allowed)
	assert.Equal(t, int64(failClosedRetryMs), res.RetryAfterMs)
	assert.Contains(t, res.Reason, "fail-closed")
}

func TestRemoteLocalFallbackKeepsEnforcing(t *testing.T) {
	r, mr := newRemoteLimiter(t, windowCfg(3, 1000, 0), FailLocalFallback)
	mr.Close()

	// With the backend down the embedded local limiter carries the budget.
	for i := 0; i < 3; i++ {
		require.True(t, r.Check("agent-1").Allowed, "request %d should pass", i+1)
	}
	res := r.Check("agent-1")
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "window exhausted")
}

func TestRemoteResetClearsKey(t *testing.T) {
	r, _ := newRemoteLimiter(t, windowCfg(1, 60000, 0), FailLocalFallback)

	require.True(t, r.Check("svc").Allowed)
	require.False(t, r.Check("svc").Allowed)

	r.Reset("svc")
	assert.True(t, r.Check("svc").Allowed)
}

func TestCompositeFirstRejectionWins(t *testing.T) {
	burst := NewLocalLimiter("burst", windowCfg(1, 1000, 0))
	global := NewLocalLimiter("global", windowCfg(100, 60000, 0))
	perAgent := NewLocalLimiter("per-agent", windowCfg(100, 60000, 0))
	c := NewCompositeWith(burst, global, perAgent)
	defer c.Stop()

	require.True(t, c.Check("agent-1").Allowed)

	res := c.Check("agent-1")
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "burst", "the first tier in the chain names the rejection")
}

func TestCompositeGlobalTierIsShared(t *testing.T) {
	burst := NewLocalLimiter("burst", windowCfg(100, 1000, 0))
	global := NewLocalLimiter("global", windowCfg(2, 60000, 0))
	perAgent := NewLocalLimiter("per-agent", windowCfg(100, 60000, 0))
	c := NewCompositeWith(burst, global, perAgent)
	defer c.Stop()

	require.True(t, c.Check("agent-1").Allowed)
	require.True(t, c.Check("agent-2").Allowed)

	// A third agent is rejected by the shared global budget.
	res := c.Check("agent-3")
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "global")
}

func TestCompositePerAgentTier(t *testing.T) {
	burst := NewLocalLimiter("burst", windowCfg(100, 1000, 0))
	global := NewLocalLimiter("global", windowCfg(100, 60000, 0))
	perAgent := NewLocalLimiter("per-agent", windowCfg(1, 60000, 0))
	c := NewCompositeWith(burst, global, perAgent)
	defer c.Stop()

	require.True(t, c.Check("agent-1").Allowed)
	res := c.Check("agent-1")
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "per-agent")

	assert.True(t, c.Check("agent-2").Allowed, "a different agent has its own per-agent budget")
}

func TestCompositeAllowReturnsTypedError(t *testing.T) {
	burst := NewLocalLimiter("burst", windowCfg(1, 1000, 0))
	global := NewLocalLimiter("global", windowCfg(100, 60000, 0))
	perAgent := NewLocalLimiter("per-agent", windowCfg(100, 60000, 0))
	c := NewCompositeWith(burst, global, perAgent)
	defer c.Stop()

	require.NoError(t, c.Allow("agent-1"))

	err := c.Allow("agent-1")
	var rlErr *types.RateLimitedError
	require.ErrorAs(t, err, &rlErr)
	assert.Contains(t, rlErr.Reason, "burst")
	assert.Greater(t, rlErr.RetryAfterMs, int64(0))
}

func TestNewCompositeSelectsBackend(t *testing.T) {
	mr := miniredis.RunT(t)

	remote := NewComposite(config.RateLimitConfig{
		Burst:     windowCfg(100, 1000, 0),
		Global:    windowCfg(100, 60000, 0),
		PerAgent:  windowCfg(3, 1000, 0),
		RedisAddr: mr.Addr(),
	})
	defer remote.Stop()

	for i := 0; i < 3; i++ {
		require.True(t, remote.Check("agent-1").Allowed)
	}
	res := remote.Check("agent-1")
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "per-agent")

	local := NewComposite(config.RateLimitConfig{
		Burst:    windowCfg(100, 1000, 0),
		Global:   windowCfg(100, 60000, 0),
		PerAgent: windowCfg(1, 1000, 0),
	})
	defer local.Stop()

	require.True(t, local.Check("agent-1").Allowed)
	assert.False(t, local.Check("agent-1").Allowed)
}

func TestRemoteUpdateConfigIsSafeUnderLoad(t *testing.T) {
	r, _ := newRemoteLimiter(t, windowCfg(2, 1000, 0), FailLocalFallback)

	// Reconfiguration races against live checks; the window snapshot keeps
	// both sides consistent.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			r.Check("svc")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			r.UpdateConfig(windowCfg(2+i%3, 1000, 0))
		}
	}()
	wg.Wait()

	r.ResetAll()
	r.UpdateConfig(windowCfg(5, 1000, 0))
	for i := 0; i < 5; i++ {
		require.True(t, r.Check("svc").Allowed, "request %d should pass", i+1)
	}
	assert.False(t, r.Check("svc").Allowed, "new limit enforced after reconfigure")
}
