// Package contextdetect resolves the calling agent's working context: which
// agent is talking, which project the working directory belongs to, and
// which session is active. Handlers call it on every request, so detection
// results are cached with a TTL. Explicit parameters always bypass the cache.
package contextdetect

import (
	"os"
	"sync"
	"time"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// AgentEnvVar overrides the configured default agent id.
const AgentEnvVar = "MNEMO_AGENT_ID"

// Context is one resolved calling context.
type Context struct {
	AgentID   string `json:"agentId"`
	ProjectID string `json:"projectId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`

	// Source records where each piece came from, for the stats surface.
	AgentSource   string `json:"agentSource"`   // explicit | env | config
	ProjectSource string `json:"projectSource"` // explicit | cwd | none
}

// ScopeResolution is the outcome of resolveProjectScope.
type ScopeResolution struct {
	ProjectID string `json:"projectId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Source    string `json:"source"`            // explicit | session | cwd | none
	Warning   string `json:"warning,omitempty"` // non-fatal mismatch note
}

type cached struct {
	ctx       Context
	expiresAt time.Time
}

// Detector is safe for concurrent use.
type Detector struct {
	cfg    config.AutoContextConfig
	scopes *store.ScopeStore

	mu    sync.Mutex
	cache map[string]cached // keyed by cwd

	now    func() time.Time // injectable for tests
	getenv func(string) string
	getwd  func() (string, error)
}

func NewDetector(cfg config.AutoContextConfig, scopes *store.ScopeStore) *Detector {
	return &Detector{
		cfg:    cfg,
		scopes: scopes,
		cache:  make(map[string]cached),
		now:    time.Now,
		getenv: os.Getenv,
		getwd:  os.Getwd,
	}
}

func (d *Detector) ttl() time.Duration {
	if d.cfg.CacheTTLMs <= 0 {
		return time.Minute
	}
	return time.Duration(d.cfg.CacheTTLMs) * time.Millisecond
}

// ResolveAgent picks the agent id: explicit parameter, then environment,
// then the configured default.
func (d *Detector) ResolveAgent(explicit string) (string, string) {
	if explicit != "" {
		return explicit, "explicit"
	}
	if env := d.getenv(AgentEnvVar); env != "" {
		return env, "env"
	}
	return d.cfg.DefaultAgentID, "config"
}

// Detect resolves the full context for the current working directory. An
// explicit agent id bypasses the cache; cached entries expire after the
// configured TTL.
func (d *Detector) Detect(explicitAgent string) Context {
	agentID, agentSource := d.ResolveAgent(explicitAgent)

	cwd, err := d.getwd()
	if err != nil {
		logging.ContextDebug("Working directory unavailable: %v", err)
		return Context{AgentID: agentID, AgentSource: agentSource, ProjectSource: "none"}
	}

	if explicitAgent == "" {
		if ctx, ok := d.cachedContext(cwd); ok {
			ctx.AgentID = agentID
			ctx.AgentSource = agentSource
			return ctx
		}
	}

	ctx := Context{AgentID: agentID, AgentSource: agentSource, ProjectSource: "none"}

	project, err := d.scopes.FindProjectByPath(cwd)
	if err != nil {
		if !types.IsNotFound(err) {
			logging.Get(logging.CategoryContext).Warn("Project lookup failed for %s: %v", cwd, err)
		}
	} else if project != nil {
		ctx.ProjectID = project.ID
		ctx.ProjectSource = "cwd"
		if sess, err := d.scopes.ActiveSession(agentID, project.ID); err == nil && sess != nil {
			ctx.SessionID = sess.ID
		}
	}

	if explicitAgent == "" {
		d.storeContext(cwd, ctx)
	}
	logging.ContextDebug("Detected context agent=%s project=%s session=%s", ctx.AgentID, ctx.ProjectID, ctx.SessionID)
	return ctx
}

// ResolveProjectScope resolves the project id a scoped operation targets.
// An explicit id wins but is cross-checked against the active session; a
// mismatch attaches a warning instead of failing.
func (d *Detector) ResolveProjectScope(agentID, explicitProjectID string) ScopeResolution {
	detected := d.Detect(agentID)

	if explicitProjectID != "" {
		res := ScopeResolution{ProjectID: explicitProjectID, SessionID: detected.SessionID, Source: "explicit"}
		if detected.ProjectID != "" && detected.ProjectID != explicitProjectID {
			res.Warning = "explicit project differs from the active session's project"
			logging.Context("Scope resolution: explicit project %s differs from detected %s",
				explicitProjectID, detected.ProjectID)
		}
		return res
	}

	if detected.SessionID != "" {
		return ScopeResolution{ProjectID: detected.ProjectID, SessionID: detected.SessionID, Source: "session"}
	}
	if detected.ProjectID != "" {
		return ScopeResolution{ProjectID: detected.ProjectID, Source: "cwd"}
	}
	return ScopeResolution{Source: "none"}
}

// ScopeForConfidence routes an observation by classification confidence:
// project scope when confident, session scope for review otherwise.
func (d *Detector) ScopeForConfidence(res ScopeResolution, confident bool) (types.ScopeRef, bool) {
	if confident && res.ProjectID != "" {
		return types.ScopeRef{Type: types.ScopeProject, ID: res.ProjectID}, true
	}
	if res.SessionID != "" {
		return types.ScopeRef{Type: types.ScopeSession, ID: res.SessionID}, true
	}
	if res.ProjectID != "" {
		return types.ScopeRef{Type: types.ScopeProject, ID: res.ProjectID}, true
	}
	return types.ScopeRef{}, false
}

// InvalidateCache drops every cached detection, for session start/end.
func (d *Detector) InvalidateCache() {
	d.mu.Lock()
	d.cache = make(map[string]cached)
	d.mu.Unlock()
}

func (d *Detector) cachedContext(cwd string) (Context, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.cache[cwd]
	if !ok || d.now().After(c.expiresAt) {
		delete(d.cache, cwd)
		return Context{}, false
	}
	return c.ctx, true
}

func (d *Detector) storeContext(cwd string, ctx Context) {
	d.mu.Lock()
	d.cache[cwd] = cached{ctx: ctx, expiresAt: d.now().Add(d.ttl())}
	d.mu.Unlock()
}
