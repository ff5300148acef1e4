// Package permissions resolves agent ACLs. Grants are rows with optional
// scope, entry-type, and entry-id constraints; nil fields are wildcards.
// Resolution walks candidate rows in decreasing specificity and lets the
// first match decide. No matching row means denied.
package permissions

import (
	"fmt"

	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Action is what the agent wants to do with a resource.
type Action string

const (
	ActionRead  Action = "read"
	ActionWrite Action = "write"
	ActionAdmin Action = "admin"
)

// level orders permission strength; a grant covers every weaker action.
var level = map[string]int{"read": 1, "write": 2, "admin": 3}

// Resource identifies what is being accessed.
type Resource struct {
	Scope     types.ScopeRef
	EntryType types.EntryType
	EntryID   string
}

// Key is the map key CheckBatch reports under.
func (r Resource) Key() string {
	if r.EntryID != "" {
		return fmt.Sprintf("%s:%s", r.EntryType, r.EntryID)
	}
	if r.EntryType != "" {
		return fmt.Sprintf("%s@%s:%s", r.EntryType, r.Scope.Type, r.Scope.ID)
	}
	return fmt.Sprintf("%s:%s", r.Scope.Type, r.Scope.ID)
}

// Specificity tiers. Exact entry beats entry type within scope beats scope
// beats wildcard.
const (
	tierEntry    = 4
	tierType     = 3
	tierScope    = 2
	tierWildcard = 1
)

// Checker resolves checks against the permission store.
type Checker struct {
	perms *store.PermissionStore
}

func NewChecker(perms *store.PermissionStore) *Checker {
	return &Checker{perms: perms}
}

// Check reports whether the agent may perform the action on the resource.
// Store trouble denies; authorization never fails open.
func (c *Checker) Check(agentID string, action Action, res Resource) bool {
	rows, err := c.perms.RowsForAgent(agentID)
	if err != nil {
		logging.Get(logging.CategoryHandler).Error("Permission lookup failed for %s, denying: %v", agentID, err)
		return false
	}
	return c.decide(rows, action, res)
}

// Require is Check returning the typed error for handlers.
func (c *Checker) Require(agentID string, action Action, res Resource) error {
	if c.Check(agentID, action, res) {
		return nil
	}
	return &types.PermissionDeniedError{
		AgentID:  agentID,
		Action:   string(action),
		Resource: res.Key(),
	}
}

// CheckBatch resolves many resources with a single row load. The result maps
// Resource.Key() to the decision.
func (c *Checker) CheckBatch(agentID string, action Action, resources []Resource) map[string]bool {
	out := make(map[string]bool, len(resources))

	rows, err := c.perms.RowsForAgent(agentID)
	if err != nil {
		logging.Get(logging.CategoryHandler).Error("Permission lookup failed for %s, denying batch: %v", agentID, err)
		for _, r := range resources {
			out[r.Key()] = false
		}
		return out
	}

	for _, r := range resources {
		out[r.Key()] = c.decide(rows, action, r)
	}
	return out
}

// decide finds the most specific matching row and lets it decide. Within a
// tier the oldest row wins, which RowsForAgent's ordering already gives us.
func (c *Checker) decide(rows []store.PermissionRow, action Action, res Resource) bool {
	bestTier := 0
	allowed := false

	for _, row := range rows {
		tier, ok := matchTier(row, res)
		if !ok || tier <= bestTier {
			continue
		}
		bestTier = tier
		allowed = level[row.Permission] >= level[string(action)]
	}
	return allowed
}

// matchTier reports whether the row constrains this resource and at which
// specificity tier. Every non-nil field must match.
func matchTier(row store.PermissionRow, res Resource) (int, bool) {
	if row.ScopeType != nil && *row.ScopeType != res.Scope.Type {
		return 0, false
	}
	if row.ScopeID != nil && *row.ScopeID != res.Scope.ID {
		return 0, false
	}
	if row.EntryType != nil && *row.EntryType != res.EntryType {
		return 0, false
	}
	if row.EntryID != nil && *row.EntryID != res.EntryID {
		return 0, false
	}

	switch {
	case row.EntryID != nil:
		return tierEntry, true
	case row.EntryType != nil:
		return tierType, true
	case row.ScopeType != nil:
		return tierScope, true
	default:
		return tierWildcard, true
	}
}
