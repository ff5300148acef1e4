package handler

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mnemo/internal/cursor"
	"mnemo/internal/duplicate"
	"mnemo/internal/metrics"
	"mnemo/internal/permissions"
	"mnemo/internal/store"
	"mnemo/internal/types"
	"mnemo/internal/validation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	adapter     *store.Adapter
	perms       *store.PermissionStore
	audit       *store.AuditStore
	rules       *validation.Service
	guidelines  *store.GuidelineRepo
	experiences *store.ExperienceRepo
	deps        Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	a, err := store.Open(":memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	codec := cursor.NewCodec("handler-test-secret-0123456789abcdef0", 10*time.Minute)
	h := &harness{
		adapter:     a,
		perms:       store.NewPermissionStore(a),
		audit:       store.NewAuditStore(a),
		rules:       validation.NewService(),
		guidelines:  store.NewGuidelineRepo(a, codec),
		experiences: store.NewExperienceRepo(a, codec),
	}
	h.deps = Deps{
		Perms: permissions.NewChecker(h.perms),
		Audit: h.audit,
		Dups:  duplicate.NewDetector(store.NewSearchStore(a)),
		Rules: h.rules,
	}
	return h
}

func (h *harness) guidelineHandler() *Handler {
	return New(GuidelineDescriptor(h.guidelines), h.deps)
}

// grantAll gives the agent a wildcard grant at the given level.
func (h *harness) grantAll(t *testing.T, agentID, level string) {
	t.Helper()
	_, err := h.perms.Grant(store.PermissionRow{AgentID: agentID, Permission: level})
	require.NoError(t, err)
}

func projectParams(extra Params) Params {
	p := Params{"scopeType": "project", "scopeId": "proj-1"}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

func TestDispatchRequiresAgentID(t *testing.T) {
	h := newHarness(t).guidelineHandler()

	_, err := h.Dispatch(Request{Action: "list", Params: projectParams(nil)})
	assert.True(t, types.IsValidation(err))
}

func TestAddGetRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.grantAll(t, "agent-1", "admin")
	handler := h.guidelineHandler()

	resp, err := handler.Dispatch(Request{
		Action: "add", AgentID: "agent-1",
		Params: projectParams(Params{"name": "deploy-checklist", "content": "run smoke tests first", "priority": float64(7)}),
	})
	require.NoError(t, err)
	id := resp["id"].(string)
	require.NotEmpty(t, id)

	resp, err = handler.Dispatch(Request{
		Action: "get", AgentID: "agent-1",
		Params: Params{"id": id},
	})
	require.NoError(t, err)
	g := resp["guideline"].(*types.Guideline)
	assert.Equal(t, "deploy-checklist", g.Name)
	assert.Equal(t, 7, g.Priority)

	// Lookup by name within the scope works too.
	resp, err = handler.Dispatch(Request{
		Action: "get", AgentID: "agent-1",
		Params: projectParams(Params{"name": "deploy-checklist"}),
	})
	require.NoError(t, err)
	assert.Equal(t, id, resp["guideline"].(*types.Guideline).ID)
}

func TestGetByNameWalksScopeChain(t *testing.T) {
	h := newHarness(t)
	h.grantAll(t, "agent-1", "admin")
	handler := h.guidelineHandler()

	resp, err := handler.Dispatch(Request{
		Action: "add", AgentID: "agent-1",
		Params: projectParams(Params{"name": "deploy-checklist", "content": "run smoke tests first"}),
	})
	require.NoError(t, err)
	projectID := resp["id"].(string)

	// A session-scoped lookup resolves the project entry by default.
	resp, err = handler.Dispatch(Request{
		Action: "get", AgentID: "agent-1",
		Params: Params{"scopeType": "session", "scopeId": "sess-1", "projectId": "proj-1",
			"name": "deploy-checklist"},
	})
	require.NoError(t, err)
	assert.Equal(t, projectID, resp["guideline"].(*types.Guideline).ID)

	// inherit=false pins the lookup to the exact scope.
	_, err = handler.Dispatch(Request{
		Action: "get", AgentID: "agent-1",
		Params: Params{"scopeType": "session", "scopeId": "sess-1", "projectId": "proj-1",
			"name": "deploy-checklist", "inherit": false},
	})
	assert.True(t, types.IsNotFound(err))

	// A session-scoped twin shadows the project entry on inherited lookups.
	resp, err = handler.Dispatch(Request{
		Action: "add", AgentID: "agent-1",
		Params: Params{"scopeType": "session", "scopeId": "sess-1",
			"name": "deploy-checklist", "content": "session override"},
	})
	require.NoError(t, err)
	sessionID := resp["id"].(string)

	resp, err = handler.Dispatch(Request{
		Action: "get", AgentID: "agent-1",
		Params: Params{"scopeType": "session", "scopeId": "sess-1", "projectId": "proj-1",
			"name": "deploy-checklist"},
	})
	require.NoError(t, err)
	assert.Equal(t, sessionID, resp["guideline"].(*types.Guideline).ID)
}

func TestAddValidatesScope(t *testing.T) {
	h := newHarness(t)
	h.grantAll(t, "agent-1", "admin")
	handler := h.guidelineHandler()

	// Non-global scope without an id.
	_, err := handler.Dispatch(Request{
		Action: "add", AgentID: "agent-1",
		Params: Params{"scopeType": "project", "name": "x", "content": "y"},
	})
	assert.True(t, types.IsValidation(err))

	// Global scope with an id.
	_, err = handler.Dispatch(Request{
		Action: "add", AgentID: "agent-1",
		Params: Params{"scopeType": "global", "scopeId": "nope", "name": "x", "content": "y"},
	})
	assert.True(t, types.IsValidation(err))

	// Missing scope type entirely.
	_, err = handler.Dispatch(Request{
		Action: "add", AgentID: "agent-1",
		Params: Params{"name": "x", "content": "y"},
	})
	assert.True(t, types.IsValidation(err))
}

func TestPermissionsFailClosed(t *testing.T) {
	h := newHarness(t)
	handler := h.guidelineHandler()

	_, err := h.guidelines.Create(types.ScopeRef{Type: types.ScopeProject, ID: "proj-1"},
		&types.Guideline{Name: "secret", Content: "internal"})
	require.NoError(t, err)

	// No grants at all: everything is denied.
	_, err = handler.Dispatch(Request{
		Action: "add", AgentID: "agent-2",
		Params: projectParams(Params{"name": "mine", "content": "c"}),
	})
	var denied *types.PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "agent-2", denied.AgentID)

	// A read-only grant covers get but not add or delete.
	h.grantAll(t, "agent-3", "read")
	resp, err := handler.Dispatch(Request{
		Action: "get", AgentID: "agent-3",
		Params: projectParams(Params{"name": "secret"}),
	})
	require.NoError(t, err)
	id := resp["guideline"].(*types.Guideline).ID

	_, err = handler.Dispatch(Request{
		Action: "update", AgentID: "agent-3",
		Params: Params{"id": id, "content": "changed"},
	})
	require.ErrorAs(t, err, &denied)

	_, err = handler.Dispatch(Request{
		Action: "delete", AgentID: "agent-3",
		Params: Params{"id": id},
	})
	require.ErrorAs(t, err, &denied)
}

func TestUpdateIsPartial(t *testing.T) {
	h := newHarness(t)
	h.grantAll(t, "agent-1", "admin")
	handler := h.guidelineHandler()

	resp, err := handler.Dispatch(Request{
		Action: "add", AgentID: "agent-1",
		Params: projectParams(Params{"name": "review-first", "content": "v1", "priority": float64(3)}),
	})
	require.NoError(t, err)
	id := resp["id"].(string)

	_, err = handler.Dispatch(Request{
		Action: "update", AgentID: "agent-1",
		Params: Params{"id": id, "content": "v2"},
	})
	require.NoError(t, err)

	g, err := h.guidelines.GetByID(id, store.GetOpts{SkipAccessTrack: true})
	require.NoError(t, err)
	assert.Equal(t, "review-first", g.Name)
	assert.Equal(t, "v2", g.Content)
	assert.Equal(t, 3, g.Priority)
	assert.Equal(t, 2, g.VersionNum)
}

func TestDuplicateGuardOnAdd(t *testing.T) {
	h := newHarness(t)
	h.grantAll(t, "agent-1", "admin")
	handler := h.guidelineHandler()

	_, err := handler.Dispatch(Request{
		Action: "add", AgentID: "agent-1",
		Params: projectParams(Params{"name": "deploy-checklist", "content": "run smoke tests"}),
	})
	require.NoError(t, err)

	_, err = handler.Dispatch(Request{
		Action: "add", AgentID: "agent-1",
		Params: projectParams(Params{"name": "deploy-checklist", "content": "other text"}),
	})
	var dup *types.DuplicateEntryError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "deploy-checklist", dup.Name)
}

type blockingLimiter struct{ calls int }

func (l *blockingLimiter) Allow(string) error {
	l.calls++
	return &types.RateLimitedError{Reason: "burst", RetryAfterMs: 100}
}

func TestRateLimitAppliesToMutationsOnly(t *testing.T) {
	h := newHarness(t)
	h.grantAll(t, "agent-1", "admin")
	limiter := &blockingLimiter{}
	h.deps.Limiter = limiter
	handler := h.guidelineHandler()

	_, err := handler.Dispatch(Request{
		Action: "add", AgentID: "agent-1",
		Params: projectParams(Params{"name": "x", "content": "y"}),
	})
	var limited *types.RateLimitedError
	require.ErrorAs(t, err, &limited)

	// Reads bypass the limiter.
	_, err = handler.Dispatch(Request{
		Action: "list", AgentID: "agent-1",
		Params: projectParams(nil),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, limiter.calls)
}

func TestListFiltersByPermission(t *testing.T) {
	h := newHarness(t)
	scope := types.ScopeRef{Type: types.ScopeProject, ID: "proj-1"}

	visibleID, err := h.guidelines.Create(scope, &types.Guideline{Name: "visible", Content: "a"})
	require.NoError(t, err)
	_, err = h.guidelines.Create(scope, &types.Guideline{Name: "hidden", Content: "b"})
	require.NoError(t, err)

	// Grant read on the one entry only.
	_, err = h.perms.Grant(store.PermissionRow{
		AgentID: "agent-1", EntryID: &visibleID, Permission: "read",
	})
	require.NoError(t, err)

	resp, err := h.guidelineHandler().Dispatch(Request{
		Action: "list", AgentID: "agent-1",
		Params: projectParams(nil),
	})
	require.NoError(t, err)

	items := resp["items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "visible", items[0].(*types.Guideline).Name)
	meta := resp["meta"].(Response)
	assert.Equal(t, 1, meta["returnedCount"])
	assert.Equal(t, false, meta["hasMore"])
}

func TestListPagination(t *testing.T) {
	h := newHarness(t)
	h.grantAll(t, "agent-1", "read")
	scope := types.ScopeRef{Type: types.ScopeProject, ID: "proj-1"}
	for _, name := range []string{"a", "b", "c"} {
		_, err := h.guidelines.Create(scope, &types.Guideline{Name: name, Content: name})
		require.NoError(t, err)
	}
	handler := h.guidelineHandler()

	resp, err := handler.Dispatch(Request{
		Action: "list", AgentID: "agent-1",
		Params: projectParams(Params{"limit": float64(2)}),
	})
	require.NoError(t, err)
	meta := resp["meta"].(Response)
	assert.Equal(t, true, meta["hasMore"])
	next := meta["nextCursor"].(string)
	require.NotEmpty(t, next)

	resp, err = handler.Dispatch(Request{
		Action: "list", AgentID: "agent-1",
		Params: projectParams(Params{"limit": float64(2), "cursor": next}),
	})
	require.NoError(t, err)
	assert.Len(t, resp["items"].([]interface{}), 1)
	assert.Equal(t, false, resp["meta"].(Response)["hasMore"])
}

func TestHistoryDeactivateDelete(t *testing.T) {
	h := newHarness(t)
	h.grantAll(t, "agent-1", "admin")
	handler := h.guidelineHandler()

	resp, err := handler.Dispatch(Request{
		Action: "add", AgentID: "agent-1",
		Params: projectParams(Params{"name": "lifecycle", "content": "v1"}),
	})
	require.NoError(t, err)
	id := resp["id"].(string)

	_, err = handler.Dispatch(Request{
		Action: "update", AgentID: "agent-1",
		Params: Params{"id": id, "content": "v2"},
	})
	require.NoError(t, err)

	resp, err = handler.Dispatch(Request{Action: "history", AgentID: "agent-1", Params: Params{"id": id}})
	require.NoError(t, err)
	assert.Len(t, resp["versions"].([]types.Version), 2)

	resp, err = handler.Dispatch(Request{Action: "deactivate", AgentID: "agent-1", Params: Params{"id": id}})
	require.NoError(t, err)
	assert.Equal(t, true, resp["deactivated"])

	// Deactivated entries still answer history and delete.
	resp, err = handler.Dispatch(Request{Action: "delete", AgentID: "agent-1", Params: Params{"id": id}})
	require.NoError(t, err)
	assert.Equal(t, true, resp["deleted"])

	_, err = h.guidelines.GetByID(id, store.GetOpts{IncludeInactive: true, SkipAccessTrack: true})
	assert.True(t, types.IsNotFound(err))
}

func TestValidationRulesGateWrites(t *testing.T) {
	h := newHarness(t)
	h.grantAll(t, "agent-1", "admin")
	require.NoError(t, h.rules.IngestGuideline(
		"validation:content-cap", `{"field": "content", "check": "max_length", "max": 10}`))
	handler := h.guidelineHandler()

	_, err := handler.Dispatch(Request{
		Action: "add", AgentID: "agent-1",
		Params: projectParams(Params{"name": "short", "content": "this content is far too long"}),
	})
	assert.True(t, types.IsValidation(err))

	_, err = handler.Dispatch(Request{
		Action: "add", AgentID: "agent-1",
		Params: projectParams(Params{"name": "short", "content": "tiny"}),
	})
	require.NoError(t, err)
}

func TestMutationsAreAudited(t *testing.T) {
	h := newHarness(t)
	h.grantAll(t, "agent-1", "admin")
	handler := h.guidelineHandler()

	resp, err := handler.Dispatch(Request{
		Action: "add", AgentID: "agent-1",
		Params: projectParams(Params{"name": "audited", "content": "c"}),
	})
	require.NoError(t, err)
	id := resp["id"].(string)

	// A denied mutation is audited too.
	_, err = handler.Dispatch(Request{
		Action: "delete", AgentID: "agent-2",
		Params: Params{"id": id},
	})
	require.Error(t, err)

	rows, err := h.audit.Query(store.AuditQuery{Action: "guideline.add"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "agent-1", rows[0].Actor)
	assert.Equal(t, "ok", rows[0].Outcome)

	rows, err = h.audit.Query(store.AuditQuery{Action: "guideline.delete"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "agent-2", rows[0].Actor)
	assert.Equal(t, "error", rows[0].Outcome)
	assert.NotEmpty(t, rows[0].Error)

	// Reads leave no audit rows.
	rows, err = h.audit.Query(store.AuditQuery{Action: "guideline.get"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestBulkAddIsAtomicOnPermissionDenial(t *testing.T) {
	h := newHarness(t)
	handler := h.guidelineHandler()

	_, err := handler.Dispatch(Request{
		Action: "bulk_add", AgentID: "agent-1",
		Params: projectParams(Params{"items": []interface{}{
			map[string]interface{}{"name": "one", "content": "a"},
			map[string]interface{}{"name": "two", "content": "b"},
		}}),
	})
	var denied *types.PermissionDeniedError
	require.ErrorAs(t, err, &denied)

	// Nothing was created.
	page, err := h.guidelines.List(types.ListFilter{
		Scope: types.ScopeRef{Type: types.ScopeProject, ID: "proj-1"},
	})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestBulkAddCreatesAll(t *testing.T) {
	h := newHarness(t)
	h.grantAll(t, "agent-1", "admin")
	handler := h.guidelineHandler()

	resp, err := handler.Dispatch(Request{
		Action: "bulk_add", AgentID: "agent-1",
		Params: projectParams(Params{"items": []interface{}{
			map[string]interface{}{"name": "one", "content": "a"},
			map[string]interface{}{"name": "two", "content": "b"},
		}}),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp["count"])
	assert.Len(t, resp["ids"].([]string), 2)
}

func TestBulkAddRejectsUnnamedItems(t *testing.T) {
	h := newHarness(t)
	h.grantAll(t, "agent-1", "admin")
	handler := h.guidelineHandler()

	_, err := handler.Dispatch(Request{
		Action: "bulk_add", AgentID: "agent-1",
		Params: projectParams(Params{"items": []interface{}{
			map[string]interface{}{"name": "ok", "content": "a"},
			map[string]interface{}{"content": "missing name"},
		}}),
	})
	assert.True(t, types.IsValidation(err))
}

func TestBulkDelete(t *testing.T) {
	h := newHarness(t)
	h.grantAll(t, "agent-1", "admin")
	scope := types.ScopeRef{Type: types.ScopeProject, ID: "proj-1"}

	var ids []interface{}
	for _, name := range []string{"a", "b"} {
		id, err := h.guidelines.Create(scope, &types.Guideline{Name: name, Content: name})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	resp, err := h.guidelineHandler().Dispatch(Request{
		Action: "bulk_delete", AgentID: "agent-1",
		Params: Params{"ids": ids},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, resp["count"])

	page, err := h.guidelines.List(types.ListFilter{Scope: scope, Inactive: true})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestUnknownAction(t *testing.T) {
	h := newHarness(t)
	h.grantAll(t, "agent-1", "admin")

	_, err := h.guidelineHandler().Dispatch(Request{
		Action: "explode", AgentID: "agent-1", Params: Params{},
	})
	assert.True(t, types.IsValidation(err))
}

func TestExperienceHandlerLevels(t *testing.T) {
	h := newHarness(t)
	h.grantAll(t, "agent-1", "admin")
	handler := New(ExperienceDescriptor(h.experiences), h.deps)

	resp, err := handler.Dispatch(Request{
		Action: "add", AgentID: "agent-1",
		Params: projectParams(Params{
			"title": "retry flaky deploys", "level": "strategy",
			"category": "deployment", "content": "retry once with backoff",
		}),
	})
	require.NoError(t, err)
	id := resp["id"].(string)

	resp, err = handler.Dispatch(Request{Action: "get", AgentID: "agent-1", Params: Params{"id": id}})
	require.NoError(t, err)
	e := resp["experience"].(*types.Experience)
	assert.Equal(t, types.LevelStrategy, e.Level)

	// Level filter on list.
	resp, err = handler.Dispatch(Request{
		Action: "list", AgentID: "agent-1",
		Params: projectParams(Params{"level": "case"}),
	})
	require.NoError(t, err)
	assert.Empty(t, resp["items"].([]interface{}))
}

func TestDispatchDrivesCollectors(t *testing.T) {
	h := newHarness(t)
	h.grantAll(t, "agent-1", "admin")
	m := metrics.New()
	h.deps.Metrics = m

	reg := NewRegistry()
	reg.Instrument(m)
	reg.RegisterHandler(ToolGuideline, h.guidelineHandler())

	_, err := reg.Dispatch(context.Background(), ToolGuideline, Request{
		Action: "add", AgentID: "agent-1",
		Params: projectParams(Params{"name": "rollout-order", "content": "canary before fleet"}),
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.RequestsTotal.WithLabelValues(ToolGuideline, "add", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.WritesTotal.WithLabelValues(string(types.EntryGuideline))))
	assert.Equal(t, 1, testutil.CollectAndCount(m.HandlerLatency))

	// A same-name write in the same scope is kept out by the duplicate guard.
	_, err = reg.Dispatch(context.Background(), ToolGuideline, Request{
		Action: "add", AgentID: "agent-1",
		Params: projectParams(Params{"name": "rollout-order", "content": "canary before fleet"}),
	})
	require.Error(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DuplicatesKept))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.RequestsTotal.WithLabelValues(ToolGuideline, "add", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		m.WritesTotal.WithLabelValues(string(types.EntryGuideline))), "rejected write must not count")
}
