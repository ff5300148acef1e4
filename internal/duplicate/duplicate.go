// Package duplicate finds near-duplicate entries before a write lands. It is
// lexical only: FTS candidates ranked by bm25, normalized against the best
// candidate so scores are comparable across queries.
package duplicate

import (
	"math"
	"sort"
	"strings"

	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Default thresholds. At or above DuplicateThreshold a write is refused; the
// band between the two is reported as "similar" without blocking.
const (
	DuplicateThreshold = 0.9
	SimilarThreshold   = 0.7
)

const candidateLimit = 10

// Report is the outcome of one duplicate check.
type Report struct {
	IsDuplicate    bool                 `json:"isDuplicate"`
	BestScore      float64              `json:"bestScore"`
	SimilarEntries []types.SimilarEntry `json:"similarEntries,omitempty"`
}

// Detector runs checks against the FTS index.
type Detector struct {
	search             *store.SearchStore
	duplicateThreshold float64
	similarThreshold   float64
}

func NewDetector(search *store.SearchStore) *Detector {
	return &Detector{
		search:             search,
		duplicateThreshold: DuplicateThreshold,
		similarThreshold:   SimilarThreshold,
	}
}

// WithThresholds overrides the defaults, clamped to [0,1].
func (d *Detector) WithThresholds(duplicate, similar float64) *Detector {
	d.duplicateThreshold = clamp01(duplicate)
	d.similarThreshold = clamp01(similar)
	return d
}

// Check searches for entries of the same kind in the scope whose name or
// content resembles the candidate name. Search trouble degrades to "no
// duplicates"; blocking writes on a broken index would be worse than an
// occasional twin.
func (d *Detector) Check(kind types.EntryType, name string, scope types.ScopeRef) Report {
	matches, err := d.search.Search(kind, name, &scope, candidateLimit)
	if err != nil {
		logging.Get(logging.CategoryStore).Warn("Duplicate search failed for %s %q: %v", kind, name, err)
		return Report{}
	}
	if len(matches) == 0 {
		return Report{}
	}

	similar := normalize(name, matches)

	report := Report{BestScore: similar[0].Score}
	report.IsDuplicate = report.BestScore >= d.duplicateThreshold
	for _, s := range similar {
		if s.Score >= d.similarThreshold {
			report.SimilarEntries = append(report.SimilarEntries, s)
		}
	}
	return report
}

// Guard returns the typed error when the check finds a duplicate, for write
// paths that refuse rather than report.
func (d *Detector) Guard(kind types.EntryType, name string, scope types.ScopeRef) error {
	report := d.Check(kind, name, scope)
	if !report.IsDuplicate {
		return nil
	}
	return &types.DuplicateEntryError{Name: name, SimilarEntries: report.SimilarEntries}
}

// normalize converts bm25 ranks to similarity in [0,1]. FTS5 bm25 is
// negative and more negative means stronger; the best candidate anchors the
// rank scale. Rank alone would pin the best hit at 1.0 no matter how weak it
// is, so the rank share is weighted by token overlap with the queried name.
// Only a candidate that is both the strongest hit and lexically the same
// name can cross the duplicate threshold.
func normalize(name string, matches []store.FTSMatch) []types.SimilarEntry {
	best := 0.0
	for _, m := range matches {
		if s := math.Abs(m.Rank); s > best {
			best = s
		}
	}
	if best == 0 {
		best = 1
	}

	out := make([]types.SimilarEntry, 0, len(matches))
	for _, m := range matches {
		rankShare := clamp01(math.Abs(m.Rank) / best)
		out = append(out, types.SimilarEntry{
			EntryType: m.EntryType,
			EntryID:   m.EntryID,
			Name:      m.Name,
			Score:     clamp01(rankShare * nameSimilarity(name, m.Name)),
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// nameSimilarity is the Dice coefficient over lowercase word tokens. Equal
// names score 1.0, disjoint names 0.0.
func nameSimilarity(a, b string) float64 {
	ta := strings.Fields(strings.ToLower(a))
	tb := strings.Fields(strings.ToLower(b))
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}

	seen := make(map[string]int, len(ta))
	for _, tok := range ta {
		seen[tok]++
	}
	common := 0
	for _, tok := range tb {
		if seen[tok] > 0 {
			seen[tok]--
			common++
		}
	}
	return 2 * float64(common) / float64(len(ta)+len(tb))
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
