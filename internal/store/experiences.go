package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"mnemo/internal/cursor"
	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// experiencePayload is the immutable versioned part of an experience.
// Trajectory steps live in their own append-only table, not in the payload.
type experiencePayload struct {
	Scenario string `json:"scenario"`
	Outcome  string `json:"outcome,omitempty"`
	Content  string `json:"content"`
}

// ExperienceRepo provides versioned CRUD for experiences plus the
// trajectory-specific operations.
type ExperienceRepo struct {
	es *entryStore
}

// NewExperienceRepo builds the experience repository on a borrowed adapter.
func NewExperienceRepo(a *Adapter, codec *cursor.Codec) *ExperienceRepo {
	return &ExperienceRepo{es: newEntryStore(a, types.EntryExperience, codec)}
}

func (r *ExperienceRepo) fields(e *types.Experience) (entryFields, error) {
	if e.Level == "" {
		e.Level = types.LevelCase
	}
	if e.Level != types.LevelCase && e.Level != types.LevelStrategy {
		return entryFields{}, types.NewValidationError("level", fmt.Sprintf("unknown level %q", e.Level))
	}
	payload, err := json.Marshal(experiencePayload{
		Scenario: e.Scenario,
		Outcome:  e.Outcome,
		Content:  e.Content,
	})
	if err != nil {
		return entryFields{}, fmt.Errorf("failed to serialize experience payload: %w", err)
	}
	return entryFields{
		Name:       e.Title,
		Category:   e.Category,
		Level:      string(e.Level),
		Confidence: e.Confidence,
		Payload:    string(payload),
		Content:    strings.Join([]string{e.Scenario, e.Content, e.Outcome}, "\n"),
		Tags:       e.Tags,
	}, nil
}

func (r *ExperienceRepo) fromRow(row *entryRow) (*types.Experience, error) {
	var payload experiencePayload
	if err := json.Unmarshal([]byte(row.Payload), &payload); err != nil {
		return nil, fmt.Errorf("corrupt experience payload for %s: %w", row.ID, err)
	}
	return &types.Experience{
		Envelope:   row.Envelope,
		Title:      row.Name,
		Level:      types.ExperienceLevel(row.Level),
		Category:   row.Category,
		Scenario:   payload.Scenario,
		Outcome:    payload.Outcome,
		Content:    payload.Content,
		Confidence: row.Confidence,
	}, nil
}

// Create stores a new experience, including any initial trajectory steps.
func (r *ExperienceRepo) Create(scope types.ScopeRef, e *types.Experience) (string, error) {
	f, err := r.fields(e)
	if err != nil {
		return "", err
	}
	id, err := r.es.create(scope, f)
	if err != nil {
		return "", err
	}
	for _, step := range e.Trajectory {
		if _, err := r.AddStep(id, step.Action, step.Observation, step.Reasoning); err != nil {
			return "", fmt.Errorf("failed to store initial trajectory: %w", err)
		}
	}
	return id, nil
}

// Update appends a new version and swaps the head. Trajectory is untouched.
func (r *ExperienceRepo) Update(id string, e *types.Experience) error {
	f, err := r.fields(e)
	if err != nil {
		return err
	}
	return r.es.update(id, f)
}

// AddStep appends one trajectory step and returns its step number.
// Steps are append-only; there is no update or delete.
func (r *ExperienceRepo) AddStep(id, action, observation, reasoning string) (int, error) {
	if strings.TrimSpace(action) == "" {
		return 0, types.NewValidationError("action", "must not be empty")
	}

	stepNum := 0
	err := r.es.a.Transaction(func(tx *Tx) error {
		var exists int
		if err := tx.QueryRow(
			"SELECT 1 FROM entries WHERE id = ? AND entry_type = ?", id, types.EntryExperience,
		).Scan(&exists); err == sql.ErrNoRows {
			return &types.NotFoundError{Kind: types.EntryExperience, ID: id}
		} else if err != nil {
			return fmt.Errorf("failed to check experience: %w", err)
		}

		if err := tx.QueryRow(
			"SELECT COALESCE(MAX(step_num), 0) + 1 FROM trajectory_steps WHERE entry_id = ?", id,
		).Scan(&stepNum); err != nil {
			return fmt.Errorf("failed to compute step number: %w", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO trajectory_steps (entry_id, step_num, action, observation, reasoning)
			VALUES (?, ?, ?, ?, ?)`,
			id, stepNum, action, observation, reasoning,
		); err != nil {
			return fmt.Errorf("failed to append trajectory step: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	logging.StoreDebug("Appended trajectory step %d to experience %s", stepNum, id)
	return stepNum, nil
}

// GetTrajectory returns the ordered trajectory for an experience.
func (r *ExperienceRepo) GetTrajectory(id string) ([]types.TrajectoryStep, error) {
	r.es.a.mu.RLock()
	defer r.es.a.mu.RUnlock()

	rows, err := r.es.a.db.Query(`
		SELECT step_num, action, observation, reasoning
		FROM trajectory_steps WHERE entry_id = ? ORDER BY step_num ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load trajectory: %w", err)
	}
	defer rows.Close()

	var steps []types.TrajectoryStep
	for rows.Next() {
		var s types.TrajectoryStep
		if err := rows.Scan(&s.StepNum, &s.Action, &s.Observation, &s.Reasoning); err != nil {
			return nil, fmt.Errorf("failed to scan trajectory step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, nil
}

// RecordOutcome sets the outcome on an experience, appending a version.
func (r *ExperienceRepo) RecordOutcome(id, outcome string) error {
	current, err := r.GetByID(id, GetOpts{IncludeInactive: true, SkipAccessTrack: true})
	if err != nil {
		return err
	}
	current.Outcome = outcome
	return r.Update(id, current)
}

// GetByID fetches one experience with its trajectory.
func (r *ExperienceRepo) GetByID(id string, opts GetOpts) (*types.Experience, error) {
	row, err := r.es.getByID(id, opts)
	if err != nil {
		return nil, err
	}
	e, err := r.fromRow(row)
	if err != nil {
		return nil, err
	}
	steps, err := r.GetTrajectory(id)
	if err != nil {
		return nil, err
	}
	e.Trajectory = steps
	return e, nil
}

// GetByTitle resolves an experience by title, optionally walking the scope chain.
func (r *ExperienceRepo) GetByTitle(title string, scope types.ScopeRef, inherit bool, scopeIDs map[types.ScopeType]string) (*types.Experience, error) {
	row, err := r.es.getByName(title, scope, inherit, scopeIDs)
	if err != nil {
		return nil, err
	}
	return r.fromRow(row)
}

// List pages through experiences. Trajectories are not loaded on the list
// path; fetch them per entry.
func (r *ExperienceRepo) List(filter types.ListFilter) (*types.Page[*types.Experience], error) {
	rows, err := r.es.list(filter)
	if err != nil {
		return nil, err
	}
	page := &types.Page[*types.Experience]{HasMore: rows.HasMore, NextCursor: rows.NextCursor}
	for _, row := range rows.Items {
		item, convErr := r.fromRow(row)
		if convErr != nil {
			return nil, convErr
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

// GetHistory returns the full version chain, oldest first.
func (r *ExperienceRepo) GetHistory(id string) ([]types.Version, error) {
	return r.es.history(id)
}

// Deactivate hides the experience from default queries, preserving history.
func (r *ExperienceRepo) Deactivate(id string) error {
	return r.es.setActive(id, false)
}

// Reactivate makes a deactivated experience visible again.
func (r *ExperienceRepo) Reactivate(id string) error {
	return r.es.setActive(id, true)
}

// Delete permanently removes the experience and its trajectory. Admin path only.
func (r *ExperienceRepo) Delete(id string) error {
	return r.es.delete(id)
}
