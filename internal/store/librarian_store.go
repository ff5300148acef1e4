package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mnemo/internal/types"
)

// Recommendation is one proposed structural change produced by librarian
// analysis. State transitions are user-driven and one-way: pending resolves
// to approved, rejected, or skipped exactly once.
type Recommendation struct {
	ID             string         `json:"id"`
	Scope          types.ScopeRef `json:"scope"`
	RecType        string         `json:"recType"` // promotion | consolidation | deprecation
	Title          string         `json:"title"`
	Description    string         `json:"description,omitempty"`
	Confidence     float64        `json:"confidence"`
	PatternCount   int            `json:"patternCount"`
	SourceEntryIDs []string       `json:"sourceEntryIds,omitempty"`
	State          string         `json:"state"` // pending | approved | rejected | skipped
	CreatedAt      time.Time      `json:"createdAt"`
	ResolvedAt     *time.Time     `json:"resolvedAt,omitempty"`
}

// JobTask is one ordered step inside a librarian job. The whole task list is
// rewritten on every progress update so mid-run state is readable.
type JobTask struct {
	Name       string `json:"name"`
	Status     string `json:"status"` // pending | running | completed | failed
	Result     string `json:"result,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// LibrarianJob is one analysis run over a scope.
type LibrarianJob struct {
	ID         string         `json:"id"`
	Scope      types.ScopeRef `json:"scope"`
	State      string         `json:"state"` // pending | running | completed | failed
	Tasks      []JobTask      `json:"tasks"`
	Error      string         `json:"error,omitempty"`
	StartedAt  *time.Time     `json:"startedAt,omitempty"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// LibrarianStore persists recommendations and analysis jobs. Clustering and
// materialization live in the librarian service, not here.
type LibrarianStore struct {
	a *Adapter
}

func NewLibrarianStore(a *Adapter) *LibrarianStore {
	return &LibrarianStore{a: a}
}

// InsertRecommendation stores a new pending recommendation and returns its id.
func (s *LibrarianStore) InsertRecommendation(rec *Recommendation) (string, error) {
	if rec.Title == "" {
		return "", types.NewValidationError("title", "must not be empty")
	}
	switch rec.RecType {
	case "promotion", "consolidation", "deprecation":
	default:
		return "", types.NewValidationError("recType", fmt.Sprintf("unknown recommendation type %q", rec.RecType))
	}
	id := "rec-" + uuid.NewString()
	sources, err := json.Marshal(rec.SourceEntryIDs)
	if err != nil {
		return "", fmt.Errorf("failed to serialize source ids: %w", err)
	}

	err = s.a.Transaction(func(tx *Tx) error {
		_, err := tx.Exec(`
			INSERT INTO recommendations
				(id, scope_type, scope_id, rec_type, title, description, confidence, pattern_count, source_entry_ids, state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending')`,
			id, rec.Scope.Type, rec.Scope.ID, rec.RecType, rec.Title, rec.Description,
			rec.Confidence, rec.PatternCount, string(sources),
		)
		if err != nil {
			return fmt.Errorf("failed to insert recommendation: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetRecommendation loads one recommendation by id.
func (s *LibrarianStore) GetRecommendation(id string) (*Recommendation, error) {
	s.a.mu.RLock()
	defer s.a.mu.RUnlock()

	row := s.a.db.QueryRow(`
		SELECT id, scope_type, scope_id, rec_type, title, description, confidence,
		       pattern_count, source_entry_ids, state, created_at, resolved_at
		FROM recommendations WHERE id = ?`, id)
	rec, err := scanRecommendation(row)
	if err == sql.ErrNoRows {
		return nil, &types.NotFoundError{Kind: "recommendation", ID: id}
	}
	return rec, err
}

// ListRecommendations returns recommendations for a scope, optionally
// filtered by state, newest first.
func (s *LibrarianStore) ListRecommendations(scope types.ScopeRef, state string, limit int) ([]*Recommendation, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	where := "scope_type = ? AND scope_id = ?"
	args := []interface{}{scope.Type, scope.ID}
	if state != "" {
		where += " AND state = ?"
		args = append(args, state)
	}
	args = append(args, limit)

	s.a.mu.RLock()
	defer s.a.mu.RUnlock()

	rows, err := s.a.db.Query(`
		SELECT id, scope_type, scope_id, rec_type, title, description, confidence,
		       pattern_count, source_entry_ids, state, created_at, resolved_at
		FROM recommendations WHERE `+where+`
		ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list recommendations: %w", err)
	}
	defer rows.Close()

	var out []*Recommendation
	for rows.Next() {
		rec, err := scanRecommendation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// ResolveRecommendation moves a pending recommendation to a terminal state.
// Resolving an already resolved recommendation is a validation error.
func (s *LibrarianStore) ResolveRecommendation(id, state string) error {
	switch state {
	case "approved", "rejected", "skipped":
	default:
		return types.NewValidationError("state", fmt.Sprintf("unknown resolution %q", state))
	}
	return s.a.Transaction(func(tx *Tx) error {
		res, err := tx.Exec(`
			UPDATE recommendations SET state = ?, resolved_at = CURRENT_TIMESTAMP
			WHERE id = ? AND state = 'pending'`, state, id)
		if err != nil {
			return fmt.Errorf("failed to resolve recommendation: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			var exists int
			if err := tx.QueryRow("SELECT 1 FROM recommendations WHERE id = ?", id).Scan(&exists); err == sql.ErrNoRows {
				return &types.NotFoundError{Kind: "recommendation", ID: id}
			}
			return types.NewValidationError("state", "recommendation is already resolved")
		}
		return nil
	})
}

// CreateJob stores a new pending job with its ordered task list.
func (s *LibrarianStore) CreateJob(scope types.ScopeRef, tasks []JobTask) (string, error) {
	id := "job-" + uuid.NewString()
	encoded, err := json.Marshal(tasks)
	if err != nil {
		return "", fmt.Errorf("failed to serialize job tasks: %w", err)
	}
	err = s.a.Transaction(func(tx *Tx) error {
		_, err := tx.Exec(`
			INSERT INTO librarian_jobs (id, scope_type, scope_id, state, tasks)
			VALUES (?, ?, ?, 'pending', ?)`,
			id, scope.Type, scope.ID, string(encoded),
		)
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetJob loads one job by id.
func (s *LibrarianStore) GetJob(id string) (*LibrarianJob, error) {
	s.a.mu.RLock()
	defer s.a.mu.RUnlock()

	row := s.a.db.QueryRow(`
		SELECT id, scope_type, scope_id, state, tasks, error, started_at, finished_at, created_at
		FROM librarian_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, &types.NotFoundError{Kind: "librarian_job", ID: id}
	}
	return job, err
}

// UpdateJob rewrites the mutable parts of a job: state, tasks, error, and
// run timestamps. Called after each task so progress is visible mid-run.
func (s *LibrarianStore) UpdateJob(job *LibrarianJob) error {
	encoded, err := json.Marshal(job.Tasks)
	if err != nil {
		return fmt.Errorf("failed to serialize job tasks: %w", err)
	}
	return s.a.Transaction(func(tx *Tx) error {
		res, err := tx.Exec(`
			UPDATE librarian_jobs
			SET state = ?, tasks = ?, error = ?, started_at = ?, finished_at = ?
			WHERE id = ?`,
			job.State, string(encoded), job.Error, job.StartedAt, job.FinishedAt, job.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update job: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &types.NotFoundError{Kind: "librarian_job", ID: job.ID}
		}
		return nil
	})
}

// ListJobs returns jobs for a scope, newest first.
func (s *LibrarianStore) ListJobs(scope types.ScopeRef, limit int) ([]*LibrarianJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	s.a.mu.RLock()
	defer s.a.mu.RUnlock()

	rows, err := s.a.db.Query(`
		SELECT id, scope_type, scope_id, state, tasks, error, started_at, finished_at, created_at
		FROM librarian_jobs WHERE scope_type = ? AND scope_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?`, scope.Type, scope.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*LibrarianJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecommendation(row rowScanner) (*Recommendation, error) {
	var rec Recommendation
	var sources string
	var resolved sql.NullTime
	err := row.Scan(&rec.ID, &rec.Scope.Type, &rec.Scope.ID, &rec.RecType, &rec.Title,
		&rec.Description, &rec.Confidence, &rec.PatternCount, &sources, &rec.State,
		&rec.CreatedAt, &resolved)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan recommendation: %w", err)
	}
	if err := json.Unmarshal([]byte(sources), &rec.SourceEntryIDs); err != nil {
		return nil, fmt.Errorf("corrupt source ids for %s: %w", rec.ID, err)
	}
	if resolved.Valid {
		rec.ResolvedAt = &resolved.Time
	}
	return &rec, nil
}

func scanJob(row rowScanner) (*LibrarianJob, error) {
	var job LibrarianJob
	var tasks string
	var started, finished sql.NullTime
	err := row.Scan(&job.ID, &job.Scope.Type, &job.Scope.ID, &job.State, &tasks,
		&job.Error, &started, &finished, &job.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan job: %w", err)
	}
	if err := json.Unmarshal([]byte(tasks), &job.Tasks); err != nil {
		return nil, fmt.Errorf("corrupt task list for %s: %w", job.ID, err)
	}
	if started.Valid {
		job.StartedAt = &started.Time
	}
	if finished.Valid {
		job.FinishedAt = &finished.Time
	}
	return &job, nil
}
