package store

import (
	"fmt"
	"time"
)

// AuditRow is one persisted audit record. File-based audit logging in the
// logging package is best effort; this table is the durable trail queried by
// analytics and the admin surface.
type AuditRow struct {
	ID       int64     `json:"id"`
	TS       time.Time `json:"ts"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	Resource string    `json:"resource"`
	Outcome  string    `json:"outcome"`
	Error    string    `json:"error,omitempty"`
}

// AuditStore writes and queries the audit_log table.
type AuditStore struct {
	a *Adapter
}

func NewAuditStore(a *Adapter) *AuditStore {
	return &AuditStore{a: a}
}

// Record appends one audit row. Audit writes never fail a caller; errors are
// returned for the caller to log and swallow.
func (s *AuditStore) Record(actor, action, resource, outcome, errMsg string) error {
	return s.a.Transaction(func(tx *Tx) error {
		_, err := tx.Exec(`
			INSERT INTO audit_log (actor, action, resource, outcome, error)
			VALUES (?, ?, ?, ?, ?)`,
			actor, action, resource, outcome, errMsg,
		)
		if err != nil {
			return fmt.Errorf("failed to write audit row: %w", err)
		}
		return nil
	})
}

// AuditQuery filters the audit trail.
type AuditQuery struct {
	Actor  string
	Action string
	Since  time.Time
	Limit  int
}

// Query returns matching audit rows, newest first.
func (s *AuditStore) Query(q AuditQuery) ([]AuditRow, error) {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 100
	}

	where := "1=1"
	args := []interface{}{}
	if q.Actor != "" {
		where += " AND actor = ?"
		args = append(args, q.Actor)
	}
	if q.Action != "" {
		where += " AND action = ?"
		args = append(args, q.Action)
	}
	if !q.Since.IsZero() {
		where += " AND ts >= ?"
		args = append(args, q.Since)
	}
	args = append(args, q.Limit)

	s.a.mu.RLock()
	defer s.a.mu.RUnlock()

	rows, err := s.a.db.Query(
		"SELECT id, ts, actor, action, resource, outcome, error FROM audit_log WHERE "+
			where+" ORDER BY ts DESC, id DESC LIMIT ?", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		if err := rows.Scan(&r.ID, &r.TS, &r.Actor, &r.Action, &r.Resource, &r.Outcome, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan audit row: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Prune deletes audit rows older than the cutoff.
func (s *AuditStore) Prune(cutoff time.Time) (int64, error) {
	var removed int64
	err := s.a.Transaction(func(tx *Tx) error {
		res, err := tx.Exec("DELETE FROM audit_log WHERE ts < ?", cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune audit log: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	return removed, err
}
