package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// FeedbackRecord is one stored classification correction.
type FeedbackRecord struct {
	ID        int64
	InputHash string
	Text      string
	Predicted types.EntryType
	Actual    types.EntryType
	CreatedAt time.Time
}

// PatternStats is the persisted confidence state for one classifier pattern.
type PatternStats struct {
	PatternID        string
	CorrectMatches   int
	IncorrectMatches int
	Multiplier       float64
	UpdatedAt        time.Time
}

// FeedbackStore persists classification corrections and per-pattern
// confidence multipliers. The classifier owns the multiplier math; this store
// only round-trips the numbers.
type FeedbackStore struct {
	a *Adapter
}

func NewFeedbackStore(a *Adapter) *FeedbackStore {
	return &FeedbackStore{a: a}
}

// HashInput produces the dedup key for a classified text.
func HashInput(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// RecordFeedback stores one correction.
func (s *FeedbackStore) RecordFeedback(text string, predicted, actual types.EntryType) error {
	return s.a.Transaction(func(tx *Tx) error {
		_, err := tx.Exec(`
			INSERT INTO classification_feedback (input_hash, text, predicted, actual)
			VALUES (?, ?, ?, ?)`,
			HashInput(text), text, predicted, actual,
		)
		if err != nil {
			return fmt.Errorf("failed to record feedback: %w", err)
		}
		return nil
	})
}

// RecentFeedback returns the newest corrections, newest first.
func (s *FeedbackStore) RecentFeedback(limit int) ([]FeedbackRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.a.mu.RLock()
	defer s.a.mu.RUnlock()

	rows, err := s.a.db.Query(`
		SELECT id, input_hash, text, predicted, actual, created_at
		FROM classification_feedback ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load feedback: %w", err)
	}
	defer rows.Close()

	var out []FeedbackRecord
	for rows.Next() {
		var r FeedbackRecord
		if err := rows.Scan(&r.ID, &r.InputHash, &r.Text, &r.Predicted, &r.Actual, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback: %w", err)
		}
		out = append(out, r)
	}
	return out, nil
}

// AccuracyWindow reports the fraction of recent predictions that matched the
// corrected kind, over the newest n corrections.
func (s *FeedbackStore) AccuracyWindow(n int) (float64, int, error) {
	records, err := s.RecentFeedback(n)
	if err != nil {
		return 0, 0, err
	}
	if len(records) == 0 {
		return 1, 0, nil
	}
	correct := 0
	for _, r := range records {
		if r.Predicted == r.Actual {
			correct++
		}
	}
	return float64(correct) / float64(len(records)), len(records), nil
}

// GetPattern loads the confidence state for one pattern. Unknown patterns
// report a neutral multiplier of 1.0.
func (s *FeedbackStore) GetPattern(patternID string) (*PatternStats, error) {
	s.a.mu.RLock()
	defer s.a.mu.RUnlock()
	return s.getPatternLocked(patternID)
}

func (s *FeedbackStore) getPatternLocked(patternID string) (*PatternStats, error) {
	var p PatternStats
	err := s.a.db.QueryRow(`
		SELECT pattern_id, correct_matches, incorrect_matches, multiplier, updated_at
		FROM pattern_confidence WHERE pattern_id = ?`, patternID,
	).Scan(&p.PatternID, &p.CorrectMatches, &p.IncorrectMatches, &p.Multiplier, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return &PatternStats{PatternID: patternID, Multiplier: 1.0}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pattern %s: %w", patternID, err)
	}
	return &p, nil
}

// AllPatterns returns every stored pattern state.
func (s *FeedbackStore) AllPatterns() ([]PatternStats, error) {
	s.a.mu.RLock()
	defer s.a.mu.RUnlock()

	rows, err := s.a.db.Query(`
		SELECT pattern_id, correct_matches, incorrect_matches, multiplier, updated_at
		FROM pattern_confidence ORDER BY pattern_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load patterns: %w", err)
	}
	defer rows.Close()

	var out []PatternStats
	for rows.Next() {
		var p PatternStats
		if err := rows.Scan(&p.PatternID, &p.CorrectMatches, &p.IncorrectMatches, &p.Multiplier, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// UpsertPattern writes back a pattern state computed by the classifier.
func (s *FeedbackStore) UpsertPattern(p PatternStats) error {
	return s.a.Transaction(func(tx *Tx) error {
		_, err := tx.Exec(`
			INSERT INTO pattern_confidence (pattern_id, correct_matches, incorrect_matches, multiplier, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(pattern_id) DO UPDATE SET
				correct_matches = excluded.correct_matches,
				incorrect_matches = excluded.incorrect_matches,
				multiplier = excluded.multiplier,
				updated_at = CURRENT_TIMESTAMP`,
			p.PatternID, p.CorrectMatches, p.IncorrectMatches, p.Multiplier,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert pattern %s: %w", p.PatternID, err)
		}
		return nil
	})
}

// PruneFeedback deletes corrections older than the cutoff and reports how
// many were removed.
func (s *FeedbackStore) PruneFeedback(cutoff time.Time) (int64, error) {
	var removed int64
	err := s.a.Transaction(func(tx *Tx) error {
		res, err := tx.Exec("DELETE FROM classification_feedback WHERE created_at < ?", cutoff)
		if err != nil {
			return fmt.Errorf("failed to prune feedback: %w", err)
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		logging.Classify("Pruned %d old feedback records", removed)
	}
	return removed, nil
}
