// Shared repository engine. All four artifact kinds store their envelope in
// the entries table and their payload as canonical JSON in entry_versions;
// the kind repositories in guidelines.go, tools.go, knowledge.go and
// experiences.go adapt typed structs onto this engine.
//
// Write contract: every mutation appends an immutable version, swaps the head
// atomically, and queues an invalidation event that fires after commit.
// Read contract: reads may bump access tracking asynchronously and never
// block on it.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mnemo/internal/cursor"
	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// entryFields carries the queryable envelope columns plus the immutable
// payload for one write.
type entryFields struct {
	Name          string
	Category      string
	Priority      int
	Level         string
	Confidence    float64
	ValidFrom     *time.Time
	ValidUntil    *time.Time
	InvalidatedBy string
	Payload       string // canonical JSON payload, versioned
	Content       string // searchable text, kept in the FTS index
	Tags          []string
}

// entryRow is one scanned row of the entries table joined with its head version.
type entryRow struct {
	types.Envelope
	Name          string
	Category      string
	Priority      int
	Level         string
	Confidence    float64
	ValidFrom     *time.Time
	ValidUntil    *time.Time
	InvalidatedBy string
	Payload       string
}

// entryStore implements kind-agnostic versioned CRUD.
type entryStore struct {
	a     *Adapter
	kind  types.EntryType
	codec *cursor.Codec

	// accessTrackFailures counts swallowed access-tracking errors.
	accessTrackFailures atomic.Int64
}

func newEntryStore(a *Adapter, kind types.EntryType, codec *cursor.Codec) *entryStore {
	return &entryStore{a: a, kind: kind, codec: codec}
}

// GetOpts tunes single-entry reads.
type GetOpts struct {
	IncludeInactive bool
	SkipAccessTrack bool
}

func scopeIDValue(scope types.ScopeRef) interface{} {
	if scope.Type == types.ScopeGlobal {
		return nil
	}
	return scope.ID
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// create inserts a new entry with version 1 inside a transaction.
func (s *entryStore) create(scope types.ScopeRef, fields entryFields) (string, error) {
	timer := logging.StartTimer(logging.CategoryStore, fmt.Sprintf("%s.create", s.kind))
	defer timer.Stop()

	if err := scope.Validate(); err != nil {
		return "", err
	}
	if strings.TrimSpace(fields.Name) == "" {
		return "", types.NewValidationError("name", "must not be empty")
	}

	id := uuid.NewString()
	versionID := uuid.NewString()

	err := s.a.Transaction(func(tx *Tx) error {
		if _, err := tx.Exec(`
			INSERT INTO entries (id, entry_type, scope_type, scope_id, name, category, priority,
				level, confidence, valid_from, valid_until, invalidated_by,
				current_version_id, version_num, is_active)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, TRUE)`,
			id, s.kind, scope.Type, scopeIDValue(scope), fields.Name, fields.Category,
			fields.Priority, fields.Level, fields.Confidence, fields.ValidFrom,
			fields.ValidUntil, fields.InvalidatedBy, versionID,
		); err != nil {
			return fmt.Errorf("failed to insert entry: %w", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO entry_versions (version_id, entry_id, version_num, payload)
			VALUES (?, ?, 1, ?)`,
			versionID, id, fields.Payload,
		); err != nil {
			return fmt.Errorf("failed to insert version: %w", err)
		}

		if err := s.writeTags(tx, id, fields.Tags); err != nil {
			return err
		}
		if err := s.writeFTS(tx, id, scope, fields); err != nil {
			return err
		}

		tx.QueueEvent(types.InvalidationEvent{
			EntryType: s.kind, EntryID: id, Scope: scope, Action: types.ActionCreate,
		})
		return nil
	})
	if err != nil {
		return "", err
	}

	logging.StoreDebug("Created %s %s in scope %s/%s", s.kind, id, scope.Type, scope.ID)
	return id, nil
}

// update appends a new version and swaps the head atomically.
func (s *entryStore) update(id string, fields entryFields) error {
	timer := logging.StartTimer(logging.CategoryStore, fmt.Sprintf("%s.update", s.kind))
	defer timer.Stop()

	return s.a.Transaction(func(tx *Tx) error {
		var versionNum int
		var scopeType string
		var scopeID sql.NullString
		err := tx.QueryRow(
			"SELECT version_num, scope_type, scope_id FROM entries WHERE id = ? AND entry_type = ?",
			id, s.kind,
		).Scan(&versionNum, &scopeType, &scopeID)
		if err == sql.ErrNoRows {
			return &types.NotFoundError{Kind: s.kind, ID: id}
		}
		if err != nil {
			return fmt.Errorf("failed to load entry head: %w", err)
		}

		newVersionID := uuid.NewString()
		newVersionNum := versionNum + 1

		if _, err := tx.Exec(`
			INSERT INTO entry_versions (version_id, entry_id, version_num, payload)
			VALUES (?, ?, ?, ?)`,
			newVersionID, id, newVersionNum, fields.Payload,
		); err != nil {
			return fmt.Errorf("failed to append version: %w", err)
		}

		if _, err := tx.Exec(`
			UPDATE entries SET name = ?, category = ?, priority = ?, level = ?,
				confidence = ?, valid_from = ?, valid_until = ?, invalidated_by = ?,
				current_version_id = ?, version_num = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?`,
			fields.Name, fields.Category, fields.Priority, fields.Level,
			fields.Confidence, fields.ValidFrom, fields.ValidUntil, fields.InvalidatedBy,
			newVersionID, newVersionNum, id,
		); err != nil {
			return fmt.Errorf("failed to swap head: %w", err)
		}

		if fields.Tags != nil {
			if _, err := tx.Exec(
				"DELETE FROM entry_tags WHERE entry_type = ? AND entry_id = ?", s.kind, id,
			); err != nil {
				return fmt.Errorf("failed to clear tags: %w", err)
			}
			if err := s.writeTags(tx, id, fields.Tags); err != nil {
				return err
			}
		}

		scope := types.ScopeRef{Type: types.ScopeType(scopeType), ID: scopeID.String}
		if _, err := tx.Exec(
			"DELETE FROM entries_fts WHERE entry_type = ? AND entry_id = ?", s.kind, id,
		); err != nil {
			return fmt.Errorf("failed to clear fts row: %w", err)
		}
		if err := s.writeFTS(tx, id, scope, fields); err != nil {
			return err
		}

		tx.QueueEvent(types.InvalidationEvent{
			EntryType: s.kind, EntryID: id, Scope: scope, Action: types.ActionUpdate,
		})
		return nil
	})
}

func (s *entryStore) writeTags(tx *Tx, id string, tags []string) error {
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO entry_tags (entry_type, entry_id, tag_name) VALUES (?, ?, ?)",
			s.kind, id, tag,
		); err != nil {
			return fmt.Errorf("failed to insert tag: %w", err)
		}
	}
	return nil
}

func (s *entryStore) writeFTS(tx *Tx, id string, scope types.ScopeRef, fields entryFields) error {
	if _, err := tx.Exec(`
		INSERT INTO entries_fts (name, content, entry_type, entry_id, scope_type, scope_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		fields.Name, fields.Content, s.kind, id, scope.Type, scope.ID,
	); err != nil {
		return fmt.Errorf("failed to index entry: %w", err)
	}
	return nil
}

// scanRow scans one joined entries/entry_versions row.
func (s *entryStore) scanRow(scanner interface {
	Scan(dest ...interface{}) error
}) (*entryRow, error) {
	var row entryRow
	var scopeID, lastAccessed, validFrom, validUntil sql.NullString
	var tags sql.NullString

	err := scanner.Scan(
		&row.ID, &row.Envelope.Scope.Type, &scopeID, &row.Name, &row.Category,
		&row.Priority, &row.Level, &row.Confidence, &validFrom, &validUntil,
		&row.InvalidatedBy, &row.CurrentVersionID, &row.VersionNum, &row.IsActive,
		&row.AccessCount, &lastAccessed, &row.CreatedAt, &row.UpdatedAt,
		&row.Payload, &tags,
	)
	if err != nil {
		return nil, err
	}

	row.Envelope.Scope.ID = scopeID.String
	if lastAccessed.Valid {
		if t, perr := parseSQLiteTime(lastAccessed.String); perr == nil {
			row.LastAccessedAt = &t
		}
	}
	if validFrom.Valid {
		if t, perr := parseSQLiteTime(validFrom.String); perr == nil {
			row.ValidFrom = &t
		}
	}
	if validUntil.Valid {
		if t, perr := parseSQLiteTime(validUntil.String); perr == nil {
			row.ValidUntil = &t
		}
	}
	if tags.Valid && tags.String != "" {
		row.Tags = strings.Split(tags.String, "\x1f")
	}
	return &row, nil
}

// parseSQLiteTime accepts the formats the sqlite3 driver hands back.
func parseSQLiteTime(v string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano, time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05Z",
	} {
		if t, err := time.Parse(layout, v); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", v)
}

const selectEntry = `
	SELECT e.id, e.scope_type, e.scope_id, e.name, e.category, e.priority,
		e.level, e.confidence, e.valid_from, e.valid_until, e.invalidated_by,
		e.current_version_id, e.version_num, e.is_active, e.access_count,
		e.last_accessed, e.created_at, e.updated_at, v.payload,
		(SELECT GROUP_CONCAT(t.tag_name, char(31)) FROM entry_tags t
			WHERE t.entry_type = e.entry_type AND t.entry_id = e.id)
	FROM entries e
	JOIN entry_versions v ON v.version_id = e.current_version_id
`

// getByID fetches one entry and bumps access tracking out of band.
func (s *entryStore) getByID(id string, opts GetOpts) (*entryRow, error) {
	s.a.mu.RLock()
	query := selectEntry + " WHERE e.entry_type = ? AND e.id = ?"
	if !opts.IncludeInactive {
		query += " AND e.is_active = TRUE"
	}
	row, err := s.scanRow(s.a.db.QueryRow(query, s.kind, id))
	s.a.mu.RUnlock()

	if err == sql.ErrNoRows {
		return nil, &types.NotFoundError{Kind: s.kind, ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", s.kind, err)
	}

	if !opts.SkipAccessTrack {
		s.touchAccess(id)
	}
	return row, nil
}

// getByName resolves a name within a scope. With inherit=true the scope chain
// is walked upward and the most specific match wins; with inherit=false the
// scope must match exactly.
func (s *entryStore) getByName(name string, scope types.ScopeRef, inherit bool, scopeIDs map[types.ScopeType]string) (*entryRow, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}

	chain := []types.ScopeRef{scope}
	if inherit {
		chain = chain[:0]
		for _, st := range types.ScopeChain(scope.Type) {
			ref := types.ScopeRef{Type: st}
			if st == scope.Type {
				ref.ID = scope.ID
			} else if st != types.ScopeGlobal {
				id, ok := scopeIDs[st]
				if !ok {
					continue // ancestor unknown in this context, skip the level
				}
				ref.ID = id
			}
			chain = append(chain, ref)
		}
	}

	s.a.mu.RLock()
	defer s.a.mu.RUnlock()

	for _, ref := range chain {
		query := selectEntry + " WHERE e.entry_type = ? AND e.name = ? AND e.scope_type = ? AND e.is_active = TRUE"
		args := []interface{}{s.kind, name, ref.Type}
		if ref.Type == types.ScopeGlobal {
			query += " AND e.scope_id IS NULL"
		} else {
			query += " AND e.scope_id = ?"
			args = append(args, ref.ID)
		}

		row, err := s.scanRow(s.a.db.QueryRow(query, args...))
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s by name: %w", s.kind, err)
		}
		go s.touchAccessLocked(row.ID)
		return row, nil
	}
	return nil, &types.NotFoundError{Kind: s.kind, ID: name}
}

// listPayload is the cursor payload used by list endpoints.
type listPayload struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// list pages through entries with the common filter contract.
func (s *entryStore) list(filter types.ListFilter) (*types.Page[*entryRow], error) {
	timer := logging.StartTimer(logging.CategoryStore, fmt.Sprintf("%s.list", s.kind))
	defer timer.Stop()

	filter.ClampLimit()

	offset := 0
	if filter.Cursor != "" {
		var payload listPayload
		if err := s.codec.Decode(filter.Cursor, &payload); err != nil {
			return nil, err
		}
		offset = payload.Offset
		if payload.Limit > 0 {
			filter.Limit = payload.Limit
			(&filter).ClampLimit()
		}
	}

	var where []string
	var args []interface{}

	where = append(where, "e.entry_type = ?")
	args = append(args, s.kind)

	if filter.Scope.Type != "" {
		if err := filter.Scope.Validate(); err != nil {
			return nil, err
		}
		where = append(where, "e.scope_type = ?")
		args = append(args, filter.Scope.Type)
		if filter.Scope.Type != types.ScopeGlobal {
			where = append(where, "e.scope_id = ?")
			args = append(args, filter.Scope.ID)
		}
	}
	if !filter.Inactive {
		where = append(where, "e.is_active = TRUE")
	}
	if filter.Category != "" {
		where = append(where, "e.category = ?")
		args = append(args, filter.Category)
	}
	if filter.Level != "" {
		where = append(where, "e.level = ?")
		args = append(args, filter.Level)
	}
	for _, tag := range filter.TagFilter {
		where = append(where, `EXISTS (SELECT 1 FROM entry_tags t
			WHERE t.entry_type = e.entry_type AND t.entry_id = e.id AND t.tag_name = ?)`)
		args = append(args, tag)
	}
	if filter.TextQuery != "" {
		where = append(where, `e.id IN (SELECT entry_id FROM entries_fts
			WHERE entries_fts MATCH ? AND entry_type = ?)`)
		args = append(args, ftsQuote(filter.TextQuery), string(s.kind))
	}

	query := selectEntry + " WHERE " + strings.Join(where, " AND ") +
		" ORDER BY e.priority DESC, e.updated_at DESC, e.id LIMIT ? OFFSET ?"
	args = append(args, filter.Limit+1, offset)

	s.a.mu.RLock()
	rows, err := s.a.db.Query(query, args...)
	if err != nil {
		s.a.mu.RUnlock()
		return nil, fmt.Errorf("failed to list %s: %w", s.kind, err)
	}

	var items []*entryRow
	for rows.Next() {
		row, scanErr := s.scanRow(rows)
		if scanErr != nil {
			logging.StoreDebug("Skipping unscannable %s row: %v", s.kind, scanErr)
			continue
		}
		items = append(items, row)
	}
	rows.Close()
	s.a.mu.RUnlock()

	page := &types.Page[*entryRow]{}
	if len(items) > filter.Limit {
		page.HasMore = true
		items = items[:filter.Limit]
		next, encErr := s.codec.Encode(listPayload{Offset: offset + filter.Limit, Limit: filter.Limit}, 0)
		if encErr != nil {
			return nil, fmt.Errorf("failed to encode next cursor: %w", encErr)
		}
		page.NextCursor = next
	}
	page.Items = items
	return page, nil
}

// ftsQuote wraps a user query so FTS5 treats it as literal terms.
func ftsQuote(q string) string {
	terms := strings.Fields(q)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, ``) + `"`
	}
	return strings.Join(terms, " ")
}

// history returns the full version chain for an entry, oldest first.
func (s *entryStore) history(id string) ([]types.Version, error) {
	s.a.mu.RLock()
	defer s.a.mu.RUnlock()

	rows, err := s.a.db.Query(`
		SELECT version_id, entry_id, version_num, payload, created_at
		FROM entry_versions WHERE entry_id = ? ORDER BY version_num ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	var versions []types.Version
	for rows.Next() {
		var v types.Version
		if err := rows.Scan(&v.VersionID, &v.EntryID, &v.VersionNum, &v.Payload, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		versions = append(versions, v)
	}
	if len(versions) == 0 {
		return nil, &types.NotFoundError{Kind: s.kind, ID: id}
	}
	return versions, nil
}

// setActive flips the is_active flag. Versions are preserved either way.
func (s *entryStore) setActive(id string, active bool) error {
	action := types.ActionDeactivate
	if active {
		action = types.ActionUpdate
	}

	return s.a.Transaction(func(tx *Tx) error {
		var scopeType string
		var scopeID sql.NullString
		err := tx.QueryRow(
			"SELECT scope_type, scope_id FROM entries WHERE id = ? AND entry_type = ?", id, s.kind,
		).Scan(&scopeType, &scopeID)
		if err == sql.ErrNoRows {
			return &types.NotFoundError{Kind: s.kind, ID: id}
		}
		if err != nil {
			return fmt.Errorf("failed to load entry: %w", err)
		}

		if _, err := tx.Exec(
			"UPDATE entries SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?",
			active, id,
		); err != nil {
			return fmt.Errorf("failed to set active flag: %w", err)
		}

		tx.QueueEvent(types.InvalidationEvent{
			EntryType: s.kind, EntryID: id,
			Scope:  types.ScopeRef{Type: types.ScopeType(scopeType), ID: scopeID.String},
			Action: action,
		})
		return nil
	})
}

// delete removes the entry, its versions, tags, FTS row, and embeddings.
// Admin path only; normal flows deactivate instead.
func (s *entryStore) delete(id string) error {
	return s.a.Transaction(func(tx *Tx) error {
		var scopeType string
		var scopeID sql.NullString
		err := tx.QueryRow(
			"SELECT scope_type, scope_id FROM entries WHERE id = ? AND entry_type = ?", id, s.kind,
		).Scan(&scopeType, &scopeID)
		if err == sql.ErrNoRows {
			return &types.NotFoundError{Kind: s.kind, ID: id}
		}
		if err != nil {
			return fmt.Errorf("failed to load entry: %w", err)
		}

		for _, stmt := range []struct {
			sql  string
			args []interface{}
		}{
			{"DELETE FROM entries WHERE id = ?", []interface{}{id}},
			{"DELETE FROM entry_versions WHERE entry_id = ?", []interface{}{id}},
			{"DELETE FROM trajectory_steps WHERE entry_id = ?", []interface{}{id}},
			{"DELETE FROM entry_tags WHERE entry_type = ? AND entry_id = ?", []interface{}{s.kind, id}},
			{"DELETE FROM entries_fts WHERE entry_type = ? AND entry_id = ?", []interface{}{s.kind, id}},
			{"DELETE FROM embeddings WHERE entry_type = ? AND entry_id = ?", []interface{}{s.kind, id}},
		} {
			if _, err := tx.Exec(stmt.sql, stmt.args...); err != nil {
				return fmt.Errorf("failed to delete entry rows: %w", err)
			}
		}

		tx.QueueEvent(types.InvalidationEvent{
			EntryType: s.kind, EntryID: id,
			Scope:  types.ScopeRef{Type: types.ScopeType(scopeType), ID: scopeID.String},
			Action: types.ActionDelete,
		})
		return nil
	})
}

// touchAccess bumps access_count/last_accessed on a separate goroutine so the
// read path never blocks. Failures are logged and counted, never surfaced.
func (s *entryStore) touchAccess(id string) {
	go s.touchAccessLocked(id)
}

func (s *entryStore) touchAccessLocked(id string) {
	s.a.mu.Lock()
	defer s.a.mu.Unlock()

	if s.a.closed.Load() {
		return
	}
	_, err := s.a.db.Exec(
		"UPDATE entries SET access_count = access_count + 1, last_accessed = CURRENT_TIMESTAMP WHERE id = ?",
		id,
	)
	if err != nil {
		s.accessTrackFailures.Add(1)
		logging.StoreDebug("Access tracking failed for %s (failures=%d): %v",
			id, s.accessTrackFailures.Load(), err)
	}
}

// AccessTrackFailures reports the number of swallowed access-tracking errors.
func (s *entryStore) AccessTrackFailures() int64 {
	return s.accessTrackFailures.Load()
}
