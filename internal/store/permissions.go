package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mnemo/internal/types"
)

// PermissionRow is one stored ACL grant. Nil fields are wildcards; the
// permissions service resolves them by specificity.
type PermissionRow struct {
	ID         string
	AgentID    string
	ScopeType  *types.ScopeType
	ScopeID    *string
	EntryType  *types.EntryType
	EntryID    *string
	Permission string // read | write | admin
	CreatedAt  time.Time
}

// PermissionStore round-trips ACL rows. Resolution order lives in the
// permissions service, not here.
type PermissionStore struct {
	a *Adapter
}

func NewPermissionStore(a *Adapter) *PermissionStore {
	return &PermissionStore{a: a}
}

// Grant inserts one ACL row and returns its id.
func (s *PermissionStore) Grant(row PermissionRow) (string, error) {
	switch row.Permission {
	case "read", "write", "admin":
	default:
		return "", fmt.Errorf("unknown permission level %q", row.Permission)
	}
	if row.AgentID == "" {
		return "", fmt.Errorf("agent id is required")
	}
	id := "perm-" + uuid.NewString()

	err := s.a.Transaction(func(tx *Tx) error {
		_, err := tx.Exec(`
			INSERT INTO permissions (id, agent_id, scope_type, scope_id, entry_type, entry_id, permission)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, row.AgentID, row.ScopeType, row.ScopeID, row.EntryType, row.EntryID, row.Permission,
		)
		if err != nil {
			return fmt.Errorf("failed to grant permission: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Revoke deletes one ACL row.
func (s *PermissionStore) Revoke(id string) error {
	return s.a.Transaction(func(tx *Tx) error {
		res, err := tx.Exec("DELETE FROM permissions WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("failed to revoke permission: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("permission %s not found", id)
		}
		return nil
	})
}

// RowsForAgent loads every grant for one agent.
func (s *PermissionStore) RowsForAgent(agentID string) ([]PermissionRow, error) {
	s.a.mu.RLock()
	defer s.a.mu.RUnlock()

	rows, err := s.a.db.Query(`
		SELECT id, agent_id, scope_type, scope_id, entry_type, entry_id, permission, created_at
		FROM permissions WHERE agent_id = ? ORDER BY created_at, id`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load permissions for %s: %w", agentID, err)
	}
	defer rows.Close()

	return scanPermissionRows(rows)
}

// AllRows loads every grant, for the export surface.
func (s *PermissionStore) AllRows() ([]PermissionRow, error) {
	s.a.mu.RLock()
	defer s.a.mu.RUnlock()

	rows, err := s.a.db.Query(`
		SELECT id, agent_id, scope_type, scope_id, entry_type, entry_id, permission, created_at
		FROM permissions ORDER BY agent_id, created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load permissions: %w", err)
	}
	defer rows.Close()

	return scanPermissionRows(rows)
}

func scanPermissionRows(rows *sql.Rows) ([]PermissionRow, error) {
	var out []PermissionRow
	for rows.Next() {
		var r PermissionRow
		if err := rows.Scan(&r.ID, &r.AgentID, &r.ScopeType, &r.ScopeID, &r.EntryType, &r.EntryID, &r.Permission, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan permission: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate permissions: %w", err)
	}
	return out, nil
}
