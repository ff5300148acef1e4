package store

import (
	"fmt"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// FTSMatch is one full-text hit. Rank is the bm25 score from FTS5; lower is
// a stronger match, so callers normalize before comparing with similarity
// thresholds.
type FTSMatch struct {
	EntryType types.EntryType
	EntryID   string
	Name      string
	Scope     types.ScopeRef
	Rank      float64
}

// SearchStore runs lexical queries against the FTS5 index. The duplicate
// detector and the list text filter are its two consumers.
type SearchStore struct {
	a *Adapter
}

func NewSearchStore(a *Adapter) *SearchStore {
	return &SearchStore{a: a}
}

// Search returns ranked matches for a query within one kind, optionally
// narrowed to a scope. The query is quoted so user text cannot inject FTS5
// operators.
func (s *SearchStore) Search(kind types.EntryType, query string, scope *types.ScopeRef, limit int) ([]FTSMatch, error) {
	if query == "" {
		return nil, nil
	}
	if limit <= 0 || limit > types.MaxListLimit {
		limit = 20
	}
	timer := logging.StartTimer(logging.CategoryVector, "fts.search")
	defer timer.Stop()

	sql := `
		SELECT entry_type, entry_id, name, scope_type, scope_id, bm25(entries_fts)
		FROM entries_fts WHERE entries_fts MATCH ? AND entry_type = ?`
	args := []interface{}{ftsQuote(query), string(kind)}
	if scope != nil {
		sql += " AND scope_type = ?"
		args = append(args, string(scope.Type))
		if scope.Type != types.ScopeGlobal {
			sql += " AND scope_id = ?"
			args = append(args, scope.ID)
		}
	}
	sql += " ORDER BY bm25(entries_fts) LIMIT ?"
	args = append(args, limit)

	s.a.mu.RLock()
	defer s.a.mu.RUnlock()

	rows, err := s.a.db.Query(sql, args...)
	if err != nil {
		return nil, fmt.Errorf("fts search failed: %w", err)
	}
	defer rows.Close()

	var out []FTSMatch
	for rows.Next() {
		var m FTSMatch
		var scopeID *string
		if err := rows.Scan(&m.EntryType, &m.EntryID, &m.Name, &m.Scope.Type, &scopeID, &m.Rank); err != nil {
			return nil, fmt.Errorf("failed to scan fts match: %w", err)
		}
		if scopeID != nil {
			m.Scope.ID = *scopeID
		}
		out = append(out, m)
	}
	return out, nil
}

// Rebuild drops and repopulates the FTS index from the entries table. Used
// after imports that bypass the normal write path.
func (s *SearchStore) Rebuild() error {
	logging.Vector("Rebuilding FTS index")
	return s.a.Transaction(func(tx *Tx) error {
		if _, err := tx.Exec("DELETE FROM entries_fts"); err != nil {
			return fmt.Errorf("failed to clear fts index: %w", err)
		}
		// The composed content column is not recoverable; index the head
		// payload JSON instead, which contains the same text fields.
		if _, err := tx.Exec(`
			INSERT INTO entries_fts (name, content, entry_type, entry_id, scope_type, scope_id)
			SELECT e.name, v.payload, e.entry_type, e.id, e.scope_type, COALESCE(e.scope_id, '')
			FROM entries e JOIN entry_versions v ON v.version_id = e.current_version_id`); err != nil {
			return fmt.Errorf("failed to repopulate fts index: %w", err)
		}
		return nil
	})
}
