package contextdetect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemo/internal/config"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

type testEnv struct {
	detector *Detector
	scopes   *store.ScopeStore
	now      *time.Time
	cwd      string
	env      map[string]string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	a, err := store.Open(":memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	scopes := store.NewScopeStore(a)
	d := NewDetector(config.AutoContextConfig{
		Enabled:        true,
		CacheTTLMs:     60000,
		DefaultAgentID: "default-agent",
	}, scopes)

	env := &testEnv{detector: d, scopes: scopes, env: map[string]string{}, cwd: "/tmp/elsewhere"}
	now := time.Now()
	env.now = &now
	d.now = func() time.Time { return *env.now }
	d.getenv = func(key string) string { return env.env[key] }
	d.getwd = func() (string, error) { return env.cwd, nil }
	return env
}

func TestAgentResolutionOrder(t *testing.T) {
	env := newTestEnv(t)

	agent, source := env.detector.ResolveAgent("")
	assert.Equal(t, "default-agent", agent)
	assert.Equal(t, "config", source)

	env.env[AgentEnvVar] = "env-agent"
	agent, source = env.detector.ResolveAgent("")
	assert.Equal(t, "env-agent", agent)
	assert.Equal(t, "env", source)

	agent, source = env.detector.ResolveAgent("explicit-agent")
	assert.Equal(t, "explicit-agent", agent)
	assert.Equal(t, "explicit", source)
}

func TestDetectProjectByWorkingDirectory(t *testing.T) {
	env := newTestEnv(t)

	projectID, err := env.scopes.CreateProject("svc", "", "/home/dev/svc")
	require.NoError(t, err)
	env.cwd = "/home/dev/svc/internal/api"

	ctx := env.detector.Detect("")
	assert.Equal(t, projectID, ctx.ProjectID)
	assert.Equal(t, "cwd", ctx.ProjectSource)
	assert.Empty(t, ctx.SessionID, "no active session yet")
}

func TestDetectAttachesActiveSession(t *testing.T) {
	env := newTestEnv(t)

	projectID, err := env.scopes.CreateProject("svc", "", "/home/dev/svc")
	require.NoError(t, err)
	sessionID, err := env.scopes.StartSession("default-agent", projectID, nil)
	require.NoError(t, err)
	env.cwd = "/home/dev/svc"

	ctx := env.detector.Detect("")
	assert.Equal(t, projectID, ctx.ProjectID)
	assert.Equal(t, sessionID, ctx.SessionID)
}

func TestDetectionIsCachedWithTTL(t *testing.T) {
	env := newTestEnv(t)

	projectID, err := env.scopes.CreateProject("svc", "", "/home/dev/svc")
	require.NoError(t, err)
	env.cwd = "/home/dev/svc"

	first := env.detector.Detect("")
	require.Equal(t, projectID, first.ProjectID)

	// A session started after the cached detection is not seen yet.
	sessionID, err := env.scopes.StartSession("default-agent", projectID, nil)
	require.NoError(t, err)
	assert.Empty(t, env.detector.Detect("").SessionID, "cached result served inside the TTL")

	*env.now = env.now.Add(61 * time.Second)
	assert.Equal(t, sessionID, env.detector.Detect("").SessionID, "expired cache re-detects")
}

func TestExplicitAgentBypassesCache(t *testing.T) {
	env := newTestEnv(t)

	projectID, err := env.scopes.CreateProject("svc", "", "/home/dev/svc")
	require.NoError(t, err)
	env.cwd = "/home/dev/svc"

	env.detector.Detect("")
	sessionID, err := env.scopes.StartSession("other-agent", projectID, nil)
	require.NoError(t, err)

	ctx := env.detector.Detect("other-agent")
	assert.Equal(t, sessionID, ctx.SessionID, "explicit agent skips the cached detection")
}

func TestInvalidateCache(t *testing.T) {
	env := newTestEnv(t)

	projectID, err := env.scopes.CreateProject("svc", "", "/home/dev/svc")
	require.NoError(t, err)
	env.cwd = "/home/dev/svc"
	env.detector.Detect("")

	sessionID, err := env.scopes.StartSession("default-agent", projectID, nil)
	require.NoError(t, err)
	env.detector.InvalidateCache()

	assert.Equal(t, sessionID, env.detector.Detect("").SessionID)
}

func TestResolveProjectScopeExplicitMismatchWarns(t *testing.T) {
	env := newTestEnv(t)

	projectID, err := env.scopes.CreateProject("svc", "", "/home/dev/svc")
	require.NoError(t, err)
	env.cwd = "/home/dev/svc"

	res := env.detector.ResolveProjectScope("", "proj-other")
	assert.Equal(t, "proj-other", res.ProjectID)
	assert.Equal(t, "explicit", res.Source)
	assert.NotEmpty(t, res.Warning, "explicit id disagreeing with detection warns")

	res = env.detector.ResolveProjectScope("", projectID)
	assert.Empty(t, res.Warning, "matching explicit id carries no warning")
}

func TestResolveProjectScopeFallbackChain(t *testing.T) {
	env := newTestEnv(t)

	// Nothing detected.
	res := env.detector.ResolveProjectScope("", "")
	assert.Equal(t, "none", res.Source)
	assert.Empty(t, res.ProjectID)

	projectID, err := env.scopes.CreateProject("svc", "", "/home/dev/svc")
	require.NoError(t, err)
	env.cwd = "/home/dev/svc"
	env.detector.InvalidateCache()

	res = env.detector.ResolveProjectScope("", "")
	assert.Equal(t, "cwd", res.Source)
	assert.Equal(t, projectID, res.ProjectID)

	_, err = env.scopes.StartSession("default-agent", projectID, nil)
	require.NoError(t, err)
	env.detector.InvalidateCache()

	res = env.detector.ResolveProjectScope("", "")
	assert.Equal(t, "session", res.Source)
	assert.NotEmpty(t, res.SessionID)
}

func TestScopeForConfidence(t *testing.T) {
	env := newTestEnv(t)

	res := ScopeResolution{ProjectID: "proj-1", SessionID: "sess-1"}

	scope, ok := env.detector.ScopeForConfidence(res, true)
	require.True(t, ok)
	assert.Equal(t, types.ScopeRef{Type: types.ScopeProject, ID: "proj-1"}, scope)

	scope, ok = env.detector.ScopeForConfidence(res, false)
	require.True(t, ok)
	assert.Equal(t, types.ScopeRef{Type: types.ScopeSession, ID: "sess-1"}, scope)

	_, ok = env.detector.ScopeForConfidence(ScopeResolution{}, false)
	assert.False(t, ok)
}
