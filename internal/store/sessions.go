package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// Org is an organization scope record.
type Org struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// Project is a project scope record, optionally parented by an org.
type Project struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"orgId,omitempty"`
	Name      string    `json:"name"`
	RootPath  string    `json:"rootPath,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Session is one agent working session. A session is active while ended_at
// is NULL.
type Session struct {
	ID        string            `json:"id"`
	ProjectID string            `json:"projectId,omitempty"`
	AgentID   string            `json:"agentId"`
	StartedAt time.Time         `json:"startedAt"`
	EndedAt   *time.Time        `json:"endedAt,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ScopeStore manages the org/project/session hierarchy that entry scopes
// reference. Agent scopes carry no table of their own; the agent id string is
// the scope id.
type ScopeStore struct {
	a *Adapter
}

func NewScopeStore(a *Adapter) *ScopeStore {
	return &ScopeStore{a: a}
}

// CreateOrg registers a new organization and returns its id.
func (s *ScopeStore) CreateOrg(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", types.NewValidationError("name", "must not be empty")
	}
	id := uuid.NewString()
	err := s.a.Transaction(func(tx *Tx) error {
		_, err := tx.Exec("INSERT INTO orgs (id, name) VALUES (?, ?)", id, name)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to create org: %w", err)
	}
	logging.Session("Created org %s (%s)", name, id)
	return id, nil
}

// CreateProject registers a project. orgID may be empty for a standalone
// project; rootPath enables workspace-based context detection.
func (s *ScopeStore) CreateProject(name, orgID, rootPath string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", types.NewValidationError("name", "must not be empty")
	}
	id := uuid.NewString()
	err := s.a.Transaction(func(tx *Tx) error {
		if orgID != "" {
			var exists int
			if err := tx.QueryRow("SELECT 1 FROM orgs WHERE id = ?", orgID).Scan(&exists); err == sql.ErrNoRows {
				return &types.NotFoundError{Kind: "org", ID: orgID}
			} else if err != nil {
				return fmt.Errorf("failed to check org: %w", err)
			}
		}
		_, err := tx.Exec(
			"INSERT INTO projects (id, org_id, name, root_path) VALUES (?, ?, ?, ?)",
			id, nullableString(orgID), name, rootPath,
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to create project: %w", err)
	}
	logging.Session("Created project %s (%s) root=%s", name, id, rootPath)
	return id, nil
}

// FindProjectByPath locates a project whose root path is a prefix of the
// given workspace path. The longest matching root wins.
func (s *ScopeStore) FindProjectByPath(path string) (*Project, error) {
	s.a.mu.RLock()
	defer s.a.mu.RUnlock()

	rows, err := s.a.db.Query(
		"SELECT id, org_id, name, root_path, created_at FROM projects WHERE root_path != '' ORDER BY LENGTH(root_path) DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan projects: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		if path == p.RootPath || strings.HasPrefix(path, strings.TrimSuffix(p.RootPath, "/")+"/") {
			return p, nil
		}
	}
	return nil, &types.NotFoundError{Kind: "project", ID: path}
}

// GetProject fetches one project by id.
func (s *ScopeStore) GetProject(id string) (*Project, error) {
	s.a.mu.RLock()
	defer s.a.mu.RUnlock()

	p, err := scanProject(s.a.db.QueryRow(
		"SELECT id, org_id, name, root_path, created_at FROM projects WHERE id = ?", id,
	))
	if err == sql.ErrNoRows {
		return nil, &types.NotFoundError{Kind: "project", ID: id}
	}
	return p, err
}

func scanProject(scanner interface{ Scan(...interface{}) error }) (*Project, error) {
	var p Project
	var orgID sql.NullString
	if err := scanner.Scan(&p.ID, &orgID, &p.Name, &p.RootPath, &p.CreatedAt); err != nil {
		return nil, err
	}
	p.OrgID = orgID.String
	return &p, nil
}

// StartSession opens a session for an agent, optionally bound to a project.
// Any previous active session for the same agent and project is ended first,
// so at most one session per (agent, project) is active.
func (s *ScopeStore) StartSession(agentID, projectID string, metadata map[string]string) (string, error) {
	if strings.TrimSpace(agentID) == "" {
		return "", types.NewValidationError("agentId", "must not be empty")
	}
	meta := "{}"
	if len(metadata) > 0 {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return "", fmt.Errorf("failed to serialize session metadata: %w", err)
		}
		meta = string(raw)
	}

	id := uuid.NewString()
	err := s.a.Transaction(func(tx *Tx) error {
		if _, err := tx.Exec(`
			UPDATE sessions SET ended_at = CURRENT_TIMESTAMP
			WHERE agent_id = ? AND COALESCE(project_id, '') = COALESCE(?, '') AND ended_at IS NULL`,
			agentID, nullableString(projectID),
		); err != nil {
			return fmt.Errorf("failed to end stale sessions: %w", err)
		}
		if _, err := tx.Exec(
			"INSERT INTO sessions (id, project_id, agent_id, metadata) VALUES (?, ?, ?, ?)",
			id, nullableString(projectID), agentID, meta,
		); err != nil {
			return fmt.Errorf("failed to start session: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	logging.Session("Started session %s agent=%s project=%s", id, agentID, projectID)
	return id, nil
}

// EndSession marks a session as ended. Ending an already ended session is a
// no-op.
func (s *ScopeStore) EndSession(id string) error {
	return s.a.Transaction(func(tx *Tx) error {
		res, err := tx.Exec(
			"UPDATE sessions SET ended_at = CURRENT_TIMESTAMP WHERE id = ? AND ended_at IS NULL", id,
		)
		if err != nil {
			return fmt.Errorf("failed to end session: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			logging.Session("Ended session %s", id)
		}
		return nil
	})
}

// GetSession fetches one session by id.
func (s *ScopeStore) GetSession(id string) (*Session, error) {
	s.a.mu.RLock()
	defer s.a.mu.RUnlock()
	return s.getSessionLocked(id)
}

func (s *ScopeStore) getSessionLocked(id string) (*Session, error) {
	var sess Session
	var projectID sql.NullString
	var endedAt sql.NullString
	var meta string
	err := s.a.db.QueryRow(
		"SELECT id, project_id, agent_id, started_at, ended_at, metadata FROM sessions WHERE id = ?", id,
	).Scan(&sess.ID, &projectID, &sess.AgentID, &sess.StartedAt, &endedAt, &meta)
	if err == sql.ErrNoRows {
		return nil, &types.NotFoundError{Kind: "session", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess.ProjectID = projectID.String
	if endedAt.Valid {
		if t, perr := parseSQLiteTime(endedAt.String); perr == nil {
			sess.EndedAt = &t
		}
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt session metadata for %s: %w", id, err)
		}
	}
	return &sess, nil
}

// ActiveSession returns the open session for an agent/project pair, if any.
func (s *ScopeStore) ActiveSession(agentID, projectID string) (*Session, error) {
	s.a.mu.RLock()
	var id string
	err := s.a.db.QueryRow(`
		SELECT id FROM sessions
		WHERE agent_id = ? AND COALESCE(project_id, '') = COALESCE(?, '') AND ended_at IS NULL
		ORDER BY started_at DESC LIMIT 1`,
		agentID, nullableString(projectID),
	).Scan(&id)
	if err != nil {
		s.a.mu.RUnlock()
		if err == sql.ErrNoRows {
			return nil, &types.NotFoundError{Kind: "session", ID: agentID}
		}
		return nil, fmt.Errorf("failed to find active session: %w", err)
	}
	sess, err := s.getSessionLocked(id)
	s.a.mu.RUnlock()
	return sess, err
}

// UpdateSessionMetadata merges new keys into the session metadata blob.
func (s *ScopeStore) UpdateSessionMetadata(id string, patch map[string]string) error {
	if len(patch) == 0 {
		return nil
	}
	return s.a.Transaction(func(tx *Tx) error {
		var raw string
		err := tx.QueryRow("SELECT metadata FROM sessions WHERE id = ?", id).Scan(&raw)
		if err == sql.ErrNoRows {
			return &types.NotFoundError{Kind: "session", ID: id}
		}
		if err != nil {
			return fmt.Errorf("failed to load session metadata: %w", err)
		}

		meta := map[string]string{}
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &meta); err != nil {
				return fmt.Errorf("corrupt session metadata for %s: %w", id, err)
			}
		}
		for k, v := range patch {
			meta[k] = v
		}
		merged, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("failed to serialize session metadata: %w", err)
		}
		if _, err := tx.Exec("UPDATE sessions SET metadata = ? WHERE id = ?", string(merged), id); err != nil {
			return fmt.Errorf("failed to update session metadata: %w", err)
		}
		return nil
	})
}

// ResolveScopeIDs builds the ancestor map used for inherited name resolution:
// session, agent, project, and org ids reachable from a session.
func (s *ScopeStore) ResolveScopeIDs(sessionID string) (map[types.ScopeType]string, error) {
	sess, err := s.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	ids := map[types.ScopeType]string{
		types.ScopeSession: sess.ID,
		types.ScopeAgent:   sess.AgentID,
	}
	if sess.ProjectID != "" {
		ids[types.ScopeProject] = sess.ProjectID
		project, err := s.GetProject(sess.ProjectID)
		if err == nil && project.OrgID != "" {
			ids[types.ScopeOrg] = project.OrgID
		}
	}
	return ids, nil
}

// EndedSessionsBefore lists sessions that ended before the cutoff. The
// learning pipeline uses this to find sessions whose scoped entries are ready
// for cleanup or promotion.
func (s *ScopeStore) EndedSessionsBefore(cutoff time.Time, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 100
	}
	s.a.mu.RLock()
	rows, err := s.a.db.Query(`
		SELECT id FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?
		ORDER BY ended_at ASC LIMIT ?`, cutoff, limit)
	if err != nil {
		s.a.mu.RUnlock()
		return nil, fmt.Errorf("failed to list ended sessions: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			s.a.mu.RUnlock()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	var sessions []*Session
	for _, id := range ids {
		sess, err := s.getSessionLocked(id)
		if err != nil {
			s.a.mu.RUnlock()
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	s.a.mu.RUnlock()
	return sessions, nil
}
