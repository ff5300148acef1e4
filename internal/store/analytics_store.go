package store

import (
	"fmt"

	"mnemo/internal/types"
)

// KindCount aggregates entries of one artifact kind.
type KindCount struct {
	EntryType types.EntryType `json:"entryType"`
	Total     int             `json:"total"`
	Active    int             `json:"active"`
}

// AccessedEntry is one row of the most-accessed ranking.
type AccessedEntry struct {
	EntryType   types.EntryType `json:"entryType"`
	EntryID     string          `json:"entryId"`
	Name        string          `json:"name"`
	AccessCount int64           `json:"accessCount"`
}

// DayCount is one day of creation volume.
type DayCount struct {
	Day   string `json:"day"` // YYYY-MM-DD
	Count int    `json:"count"`
}

// CategoryCount aggregates entries of one category within a kind.
type CategoryCount struct {
	Category string `json:"category"`
	Count    int    `json:"count"`
}

// AnalyticsStore runs the aggregate queries behind the analytics surface.
// Interpretation (trends, correlation, diversity flags) lives in the
// analytics service.
type AnalyticsStore struct {
	a *Adapter
}

func NewAnalyticsStore(a *Adapter) *AnalyticsStore {
	return &AnalyticsStore{a: a}
}

// scopeClause builds the WHERE fragment for an optional scope filter.
func scopeClause(scope *types.ScopeRef) (string, []interface{}) {
	if scope == nil {
		return "1=1", nil
	}
	if scope.Type == types.ScopeGlobal {
		return "scope_type = ? AND scope_id IS NULL", []interface{}{scope.Type}
	}
	return "scope_type = ? AND scope_id = ?", []interface{}{scope.Type, scope.ID}
}

// KindTotals counts entries per kind, total and active.
func (s *AnalyticsStore) KindTotals(scope *types.ScopeRef) ([]KindCount, error) {
	where, args := scopeClause(scope)

	s.a.mu.RLock()
	defer s.a.mu.RUnlock()

	rows, err := s.a.db.Query(`
		SELECT entry_type, COUNT(*), SUM(CASE WHEN is_active THEN 1 ELSE 0 END)
		FROM entries WHERE `+where+`
		GROUP BY entry_type ORDER BY entry_type`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count entries: %w", err)
	}
	defer rows.Close()

	var out []KindCount
	for rows.Next() {
		var kc KindCount
		if err := rows.Scan(&kc.EntryType, &kc.Total, &kc.Active); err != nil {
			return nil, fmt.Errorf("failed to scan kind count: %w", err)
		}
		out = append(out, kc)
	}
	return out, nil
}

// TopAccessed ranks active entries by access count.
func (s *AnalyticsStore) TopAccessed(scope *types.ScopeRef, limit int) ([]AccessedEntry, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	where, args := scopeClause(scope)
	args = append(args, limit)

	s.a.mu.RLock()
	defer s.a.mu.RUnlock()

	rows, err := s.a.db.Query(`
		SELECT entry_type, id, name, access_count
		FROM entries WHERE `+where+` AND is_active AND access_count > 0
		ORDER BY access_count DESC, id LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to rank entries: %w", err)
	}
	defer rows.Close()

	var out []AccessedEntry
	for rows.Next() {
		var e AccessedEntry
		if err := rows.Scan(&e.EntryType, &e.EntryID, &e.Name, &e.AccessCount); err != nil {
			return nil, fmt.Errorf("failed to scan accessed entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// CreatedByDay buckets entry creation by calendar day since the cutoff.
func (s *AnalyticsStore) CreatedByDay(scope *types.ScopeRef, sinceDays int) ([]DayCount, error) {
	if sinceDays <= 0 {
		sinceDays = 30
	}
	where, args := scopeClause(scope)
	args = append(args, fmt.Sprintf("-%d days", sinceDays))

	s.a.mu.RLock()
	defer s.a.mu.RUnlock()

	rows, err := s.a.db.Query(`
		SELECT DATE(created_at), COUNT(*)
		FROM entries WHERE `+where+` AND created_at >= DATETIME('now', ?)
		GROUP BY DATE(created_at) ORDER BY DATE(created_at)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to bucket creation dates: %w", err)
	}
	defer rows.Close()

	var out []DayCount
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Day, &dc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan day count: %w", err)
		}
		out = append(out, dc)
	}
	return out, nil
}

// CategoryCounts aggregates active entries of one kind by category.
func (s *AnalyticsStore) CategoryCounts(kind types.EntryType, scope *types.ScopeRef) ([]CategoryCount, error) {
	where, args := scopeClause(scope)
	args = append([]interface{}{kind}, args...)

	s.a.mu.RLock()
	defer s.a.mu.RUnlock()

	rows, err := s.a.db.Query(`
		SELECT category, COUNT(*)
		FROM entries WHERE entry_type = ? AND `+where+` AND is_active
		GROUP BY category ORDER BY COUNT(*) DESC, category`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count categories: %w", err)
	}
	defer rows.Close()

	var out []CategoryCount
	for rows.Next() {
		var cc CategoryCount
		if err := rows.Scan(&cc.Category, &cc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan category count: %w", err)
		}
		out = append(out, cc)
	}
	return out, nil
}

// OutcomeCounts aggregates active experiences by category and outcome. The
// outcome lives in the versioned payload, so this joins the current version
// and extracts it with SQLite's JSON support.
func (s *AnalyticsStore) OutcomeCounts(scope *types.ScopeRef) (map[string]map[string]int, error) {
	where, args := scopeClause(scope)

	s.a.mu.RLock()
	defer s.a.mu.RUnlock()

	rows, err := s.a.db.Query(`
		SELECT e.category, COALESCE(json_extract(v.payload, '$.outcome'), ''), COUNT(*)
		FROM entries e
		JOIN entry_versions v ON v.version_id = e.current_version_id
		WHERE e.entry_type = 'experience' AND `+where+` AND e.is_active
		GROUP BY e.category, json_extract(v.payload, '$.outcome')`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count outcomes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]map[string]int)
	for rows.Next() {
		var category, outcome string
		var count int
		if err := rows.Scan(&category, &outcome, &count); err != nil {
			return nil, fmt.Errorf("failed to scan outcome count: %w", err)
		}
		if out[category] == nil {
			out[category] = make(map[string]int)
		}
		out[category][outcome] = count
	}
	return out, nil
}
