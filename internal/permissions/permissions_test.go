package permissions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemo/internal/store"
	"mnemo/internal/types"
)

func newTestChecker(t *testing.T) (*Checker, *store.PermissionStore) {
	t.Helper()
	a, err := store.Open(":memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	perms := store.NewPermissionStore(a)
	return NewChecker(perms), perms
}

func scopePtr(s types.ScopeType) *types.ScopeType { return &s }
func kindPtr(k types.EntryType) *types.EntryType  { return &k }
func strPtr(s string) *string                     { return &s }

func projectResource(entryID string) Resource {
	return Resource{
		Scope:     types.ScopeRef{Type: types.ScopeProject, ID: "proj-1"},
		EntryType: types.EntryGuideline,
		EntryID:   entryID,
	}
}

func TestAbsenceDenies(t *testing.T) {
	c, _ := newTestChecker(t)

	assert.False(t, c.Check("agent-1", ActionRead, projectResource("g-1")))

	err := c.Require("agent-1", ActionRead, projectResource("g-1"))
	var denied *types.PermissionDeniedError
	require.ErrorAs(t, err, &denied)
	assert.Equal(t, "agent-1", denied.AgentID)
}

func TestWildcardGrant(t *testing.T) {
	c, perms := newTestChecker(t)

	_, err := perms.Grant(store.PermissionRow{AgentID: "agent-1", Permission: "write"})
	require.NoError(t, err)

	assert.True(t, c.Check("agent-1", ActionRead, projectResource("g-1")), "write covers read")
	assert.True(t, c.Check("agent-1", ActionWrite, projectResource("g-1")))
	assert.False(t, c.Check("agent-1", ActionAdmin, projectResource("g-1")), "write does not cover admin")
	assert.False(t, c.Check("agent-2", ActionRead, projectResource("g-1")), "grants are per agent")
}

func TestScopeGrantMatchesOnlyThatScope(t *testing.T) {
	c, perms := newTestChecker(t)

	_, err := perms.Grant(store.PermissionRow{
		AgentID:    "agent-1",
		ScopeType:  scopePtr(types.ScopeProject),
		ScopeID:    strPtr("proj-1"),
		Permission: "read",
	})
	require.NoError(t, err)

	assert.True(t, c.Check("agent-1", ActionRead, projectResource("g-1")))

	other := projectResource("g-1")
	other.Scope.ID = "proj-2"
	assert.False(t, c.Check("agent-1", ActionRead, other))
}

func TestSpecificityOrder(t *testing.T) {
	c, perms := newTestChecker(t)

	// Broad admin at the scope, read-only for guidelines, write on one entry.
	_, err := perms.Grant(store.PermissionRow{
		AgentID:    "agent-1",
		ScopeType:  scopePtr(types.ScopeProject),
		ScopeID:    strPtr("proj-1"),
		Permission: "admin",
	})
	require.NoError(t, err)
	_, err = perms.Grant(store.PermissionRow{
		AgentID:    "agent-1",
		ScopeType:  scopePtr(types.ScopeProject),
		ScopeID:    strPtr("proj-1"),
		EntryType:  kindPtr(types.EntryGuideline),
		Permission: "read",
	})
	require.NoError(t, err)
	_, err = perms.Grant(store.PermissionRow{
		AgentID:    "agent-1",
		EntryType:  kindPtr(types.EntryGuideline),
		EntryID:    strPtr("g-special"),
		Permission: "write",
	})
	require.NoError(t, err)

	// The entry-type row is more specific than the scope admin row.
	assert.False(t, c.Check("agent-1", ActionWrite, projectResource("g-1")))
	assert.True(t, c.Check("agent-1", ActionRead, projectResource("g-1")))

	// The exact-entry row beats the read-only type row.
	assert.True(t, c.Check("agent-1", ActionWrite, projectResource("g-special")))

	// Other kinds in the scope still see the admin row.
	tool := projectResource("t-1")
	tool.EntryType = types.EntryTool
	assert.True(t, c.Check("agent-1", ActionAdmin, tool))
}

func TestCheckBatch(t *testing.T) {
	c, perms := newTestChecker(t)

	_, err := perms.Grant(store.PermissionRow{
		AgentID:    "agent-1",
		EntryType:  kindPtr(types.EntryGuideline),
		EntryID:    strPtr("g-1"),
		Permission: "write",
	})
	require.NoError(t, err)

	resources := []Resource{projectResource("g-1"), projectResource("g-2"), projectResource("g-3")}
	decisions := c.CheckBatch("agent-1", ActionWrite, resources)

	require.Len(t, decisions, 3)
	assert.True(t, decisions[resources[0].Key()])
	assert.False(t, decisions[resources[1].Key()])
	assert.False(t, decisions[resources[2].Key()])
}

func TestRevoke(t *testing.T) {
	c, perms := newTestChecker(t)

	id, err := perms.Grant(store.PermissionRow{AgentID: "agent-1", Permission: "admin"})
	require.NoError(t, err)
	require.True(t, c.Check("agent-1", ActionAdmin, projectResource("g-1")))

	require.NoError(t, perms.Revoke(id))
	assert.False(t, c.Check("agent-1", ActionRead, projectResource("g-1")))

	assert.Error(t, perms.Revoke(id), "double revoke reports missing row")
}

func TestGrantValidation(t *testing.T) {
	_, perms := newTestChecker(t)

	_, err := perms.Grant(store.PermissionRow{AgentID: "agent-1", Permission: "owner"})
	assert.Error(t, err)
	_, err = perms.Grant(store.PermissionRow{Permission: "read"})
	assert.Error(t, err)
}
