package store

import (
	"fmt"
	"time"

	"mnemo/internal/logging"
)

// MaintenanceStore runs periodic housekeeping over the entries tables.
type MaintenanceStore struct {
	a *Adapter
}

func NewMaintenanceStore(a *Adapter) *MaintenanceStore {
	return &MaintenanceStore{a: a}
}

// PurgeInactive deletes deactivated entries that have been cold since the
// cutoff and were rarely read. All satellite rows go with the entry.
func (s *MaintenanceStore) PurgeInactive(olderThan time.Time, maxAccessCount int64) (int64, error) {
	var purged int64
	err := s.a.Transaction(func(tx *Tx) error {
		rows, err := tx.Query(`
			SELECT id, entry_type FROM entries
			WHERE is_active = 0 AND updated_at < ? AND access_count <= ?`,
			olderThan, maxAccessCount)
		if err != nil {
			return fmt.Errorf("failed to find purgeable entries: %w", err)
		}
		type victim struct{ id, kind string }
		var victims []victim
		for rows.Next() {
			var v victim
			if err := rows.Scan(&v.id, &v.kind); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan purgeable entry: %w", err)
			}
			victims = append(victims, v)
		}
		rows.Close()

		for _, v := range victims {
			for _, stmt := range []struct {
				sql  string
				args []interface{}
			}{
				{"DELETE FROM entries WHERE id = ?", []interface{}{v.id}},
				{"DELETE FROM entry_versions WHERE entry_id = ?", []interface{}{v.id}},
				{"DELETE FROM trajectory_steps WHERE entry_id = ?", []interface{}{v.id}},
				{"DELETE FROM entry_tags WHERE entry_type = ? AND entry_id = ?", []interface{}{v.kind, v.id}},
				{"DELETE FROM entries_fts WHERE entry_type = ? AND entry_id = ?", []interface{}{v.kind, v.id}},
				{"DELETE FROM embeddings WHERE entry_type = ? AND entry_id = ?", []interface{}{v.kind, v.id}},
			} {
				if _, err := tx.Exec(stmt.sql, stmt.args...); err != nil {
					return fmt.Errorf("failed to purge entry rows: %w", err)
				}
			}
		}
		purged = int64(len(victims))
		return nil
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		logging.Store("Purged %d cold inactive entries", purged)
	}
	return purged, nil
}
