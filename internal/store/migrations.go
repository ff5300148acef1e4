// Versioned schema migrations for the memory database. The schema is applied
// as an append-only sequence: new releases add migrations, never edit old
// ones. Each migration runs in its own transaction and records its version in
// schema_migrations.
package store

import (
	"database/sql"
	"fmt"

	"mnemo/internal/logging"
)

// Schema versions:
// v1: envelope tables (entries, entry_versions, trajectory_steps, entry_tags)
// v2: scope tables (orgs, projects, sessions) and permissions
// v3: classification feedback + pattern confidence
// v4: embeddings side store
// v5: audit log
// v6: FTS5 index over entry names/content
// v7: librarian jobs + recommendations
const CurrentSchemaVersion = 7

type migration struct {
	Version int
	Name    string
	SQL     string
}

var migrations = []migration{
	{1, "envelope", `
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		entry_type TEXT NOT NULL,
		scope_type TEXT NOT NULL,
		scope_id TEXT,
		name TEXT NOT NULL,
		category TEXT DEFAULT '',
		priority INTEGER DEFAULT 0,
		level TEXT DEFAULT '',
		confidence REAL DEFAULT 0,
		valid_from DATETIME,
		valid_until DATETIME,
		invalidated_by TEXT DEFAULT '',
		current_version_id TEXT NOT NULL,
		version_num INTEGER NOT NULL DEFAULT 1,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		access_count INTEGER NOT NULL DEFAULT 0,
		last_accessed DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		CHECK ((scope_type = 'global') = (scope_id IS NULL))
	);
	CREATE INDEX IF NOT EXISTS idx_entries_kind_scope ON entries(entry_type, scope_type, scope_id);
	CREATE INDEX IF NOT EXISTS idx_entries_name ON entries(entry_type, name);
	CREATE INDEX IF NOT EXISTS idx_entries_category ON entries(entry_type, category);
	CREATE INDEX IF NOT EXISTS idx_entries_active ON entries(is_active);

	CREATE TABLE IF NOT EXISTS entry_versions (
		version_id TEXT PRIMARY KEY,
		entry_id TEXT NOT NULL,
		version_num INTEGER NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(entry_id, version_num)
	);
	CREATE INDEX IF NOT EXISTS idx_versions_entry ON entry_versions(entry_id);

	CREATE TABLE IF NOT EXISTS trajectory_steps (
		entry_id TEXT NOT NULL,
		step_num INTEGER NOT NULL,
		action TEXT NOT NULL,
		observation TEXT DEFAULT '',
		reasoning TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(entry_id, step_num)
	);

	CREATE TABLE IF NOT EXISTS entry_tags (
		entry_type TEXT NOT NULL,
		entry_id TEXT NOT NULL,
		tag_name TEXT NOT NULL,
		PRIMARY KEY(entry_type, entry_id, tag_name)
	);
	CREATE INDEX IF NOT EXISTS idx_tags_name ON entry_tags(tag_name);
	`},

	{2, "scopes_permissions", `
	CREATE TABLE IF NOT EXISTS orgs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS projects (
		id TEXT PRIMARY KEY,
		org_id TEXT,
		name TEXT NOT NULL,
		root_path TEXT DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_projects_path ON projects(root_path);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		project_id TEXT,
		agent_id TEXT NOT NULL,
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		ended_at DATETIME,
		metadata TEXT DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id, ended_at);

	CREATE TABLE IF NOT EXISTS permissions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		scope_type TEXT,
		scope_id TEXT,
		entry_type TEXT,
		entry_id TEXT,
		permission TEXT NOT NULL CHECK (permission IN ('read','write','admin')),
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_permissions_agent ON permissions(agent_id);
	`},

	{3, "classification", `
	CREATE TABLE IF NOT EXISTS classification_feedback (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		input_hash TEXT NOT NULL,
		text TEXT NOT NULL,
		predicted TEXT NOT NULL,
		actual TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_feedback_hash ON classification_feedback(input_hash);
	CREATE INDEX IF NOT EXISTS idx_feedback_created ON classification_feedback(created_at);

	CREATE TABLE IF NOT EXISTS pattern_confidence (
		pattern_id TEXT PRIMARY KEY,
		correct_matches INTEGER NOT NULL DEFAULT 0,
		incorrect_matches INTEGER NOT NULL DEFAULT 0,
		multiplier REAL NOT NULL DEFAULT 1.0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`},

	{4, "embeddings", `
	CREATE TABLE IF NOT EXISTS embeddings (
		entry_type TEXT NOT NULL,
		entry_id TEXT NOT NULL,
		version_id TEXT NOT NULL,
		model TEXT NOT NULL,
		dimension INTEGER NOT NULL,
		vector BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY(entry_type, entry_id)
	);
	CREATE INDEX IF NOT EXISTS idx_embeddings_dimension ON embeddings(dimension);
	`},

	{5, "audit", `
	CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts DATETIME DEFAULT CURRENT_TIMESTAMP,
		actor TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT NOT NULL,
		outcome TEXT NOT NULL,
		error TEXT DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_log(actor);
	CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_log(ts);
	`},

	{6, "fts", `
	CREATE VIRTUAL TABLE IF NOT EXISTS entries_fts USING fts5(
		name,
		content,
		entry_type UNINDEXED,
		entry_id UNINDEXED,
		scope_type UNINDEXED,
		scope_id UNINDEXED
	);
	`},

	{7, "librarian", `
	CREATE TABLE IF NOT EXISTS recommendations (
		id TEXT PRIMARY KEY,
		scope_type TEXT NOT NULL,
		scope_id TEXT,
		rec_type TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT DEFAULT '',
		confidence REAL NOT NULL DEFAULT 0,
		pattern_count INTEGER NOT NULL DEFAULT 0,
		source_entry_ids TEXT DEFAULT '[]',
		state TEXT NOT NULL DEFAULT 'pending' CHECK (state IN ('pending','approved','rejected','skipped')),
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		resolved_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_recommendations_scope ON recommendations(scope_type, scope_id, state);

	CREATE TABLE IF NOT EXISTS librarian_jobs (
		id TEXT PRIMARY KEY,
		scope_type TEXT NOT NULL,
		scope_id TEXT,
		state TEXT NOT NULL DEFAULT 'pending' CHECK (state IN ('pending','running','completed','failed')),
		tasks TEXT DEFAULT '[]',
		error TEXT DEFAULT '',
		started_at DATETIME,
		finished_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`},
}

// RunMigrations applies all pending migrations in version order.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryStore, "RunMigrations")
	defer timer.Stop()

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	current := 0
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	logging.Store("Schema at version %d (target %d)", current, CurrentSchemaVersion)

	applied := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logging.StoreDebug("Applying migration v%d (%s)", m.Version, m.Name)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration v%d: %w", m.Version, err)
		}
		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration v%d (%s) failed: %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, name) VALUES (?, ?)", m.Version, m.Name); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration v%d: %w", m.Version, err)
		}
		applied++
		logging.Store("Migration applied: v%d (%s)", m.Version, m.Name)
	}

	logging.Store("Schema migrations complete: applied=%d, version=%d", applied, CurrentSchemaVersion)
	return nil
}

// tableExists checks whether a table is present in the schema.
func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type IN ('table','view') AND name = ?", table,
	).Scan(&name)
	return err == nil
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
