// Package analytics summarizes stored memory into usage, trend, and health
// reports. It reads aggregates from the analytics store and interprets them;
// it never writes.
package analytics

import (
	"sort"

	"mnemo/internal/store"
	"mnemo/internal/types"
)

// DefaultDominanceThreshold flags a kind as low-diversity when one category
// holds at least this share of its active entries.
const DefaultDominanceThreshold = 0.6

// UsageReport covers volume and access patterns for one scope.
type UsageReport struct {
	Kinds         []store.KindCount     `json:"kinds"`
	TotalEntries  int                   `json:"totalEntries"`
	ActiveEntries int                   `json:"activeEntries"`
	TopAccessed   []store.AccessedEntry `json:"topAccessed,omitempty"`
}

// TrendReport covers creation volume over a trailing window.
type TrendReport struct {
	WindowDays   int              `json:"windowDays"`
	Days         []store.DayCount `json:"days"`
	TotalCreated int              `json:"totalCreated"`
	DailyAverage float64          `json:"dailyAverage"`
}

// CategoryFailureRate is the failure share of one experience category.
type CategoryFailureRate struct {
	Category    string  `json:"category"`
	Total       int     `json:"total"`
	Failures    int     `json:"failures"`
	FailureRate float64 `json:"failureRate"`
}

// ErrorCorrelationReport surfaces which experience categories accumulate
// failures fastest.
type ErrorCorrelationReport struct {
	Categories    []CategoryFailureRate `json:"categories"`
	TotalFailures int                   `json:"totalFailures"`
}

// SubtaskReport summarizes recorded subagent completions.
type SubtaskReport struct {
	Successes   int     `json:"successes"`
	Failures    int     `json:"failures"`
	SuccessRate float64 `json:"successRate"`
}

// DiversityFlag marks one kind whose entries cluster into a single category.
type DiversityFlag struct {
	EntryType        types.EntryType `json:"entryType"`
	DominantCategory string          `json:"dominantCategory"`
	Share            float64         `json:"share"`
	Total            int             `json:"total"`
}

// Service computes the analytics surface.
type Service struct {
	store     *store.AnalyticsStore
	threshold float64
}

func NewService(st *store.AnalyticsStore) *Service {
	return &Service{store: st, threshold: DefaultDominanceThreshold}
}

// Usage reports per-kind volume and the most-accessed entries.
func (s *Service) Usage(scope *types.ScopeRef) (*UsageReport, error) {
	kinds, err := s.store.KindTotals(scope)
	if err != nil {
		return nil, err
	}
	top, err := s.store.TopAccessed(scope, 10)
	if err != nil {
		return nil, err
	}

	report := &UsageReport{Kinds: kinds, TopAccessed: top}
	for _, kc := range kinds {
		report.TotalEntries += kc.Total
		report.ActiveEntries += kc.Active
	}
	return report, nil
}

// Trends reports creation volume over the trailing window. Days without any
// creation are absent from Days but still count toward the average.
func (s *Service) Trends(scope *types.ScopeRef, days int) (*TrendReport, error) {
	if days <= 0 {
		days = 30
	}
	buckets, err := s.store.CreatedByDay(scope, days)
	if err != nil {
		return nil, err
	}

	report := &TrendReport{WindowDays: days, Days: buckets}
	for _, dc := range buckets {
		report.TotalCreated += dc.Count
	}
	report.DailyAverage = float64(report.TotalCreated) / float64(days)
	return report, nil
}

// failureOutcomes are experience outcomes counted as failures.
var failureOutcomes = map[string]bool{
	"failure": true,
	"failed":  true,
	"error":   true,
}

// ErrorCorrelation ranks experience categories by failure rate. Categories
// whose entries were born from failures (tool-failure, error-pattern,
// subagent-failure) count every entry as a failure regardless of outcome.
func (s *Service) ErrorCorrelation(scope *types.ScopeRef) (*ErrorCorrelationReport, error) {
	outcomes, err := s.store.OutcomeCounts(scope)
	if err != nil {
		return nil, err
	}

	failureBorn := map[string]bool{
		"tool-failure":     true,
		"error-pattern":    true,
		"subagent-failure": true,
	}

	report := &ErrorCorrelationReport{}
	for category, byOutcome := range outcomes {
		rate := CategoryFailureRate{Category: category}
		for outcome, count := range byOutcome {
			rate.Total += count
			if failureBorn[category] || failureOutcomes[outcome] {
				rate.Failures += count
			}
		}
		if rate.Total > 0 {
			rate.FailureRate = float64(rate.Failures) / float64(rate.Total)
		}
		report.TotalFailures += rate.Failures
		report.Categories = append(report.Categories, rate)
	}

	sort.Slice(report.Categories, func(i, j int) bool {
		a, b := report.Categories[i], report.Categories[j]
		if a.FailureRate != b.FailureRate {
			return a.FailureRate > b.FailureRate
		}
		if a.Failures != b.Failures {
			return a.Failures > b.Failures
		}
		return a.Category < b.Category
	})
	return report, nil
}

// SubtaskStats reports subagent completion outcomes recorded by the learning
// loop.
func (s *Service) SubtaskStats(scope *types.ScopeRef) (*SubtaskReport, error) {
	counts, err := s.store.CategoryCounts(types.EntryExperience, scope)
	if err != nil {
		return nil, err
	}

	report := &SubtaskReport{}
	for _, cc := range counts {
		switch cc.Category {
		case "subagent-success":
			report.Successes += cc.Count
		case "subagent-failure":
			report.Failures += cc.Count
		}
	}
	if total := report.Successes + report.Failures; total > 0 {
		report.SuccessRate = float64(report.Successes) / float64(total)
	}
	return report, nil
}

// LowDiversity flags kinds dominated by a single category. Single-entry kinds
// are ignored since one entry is trivially dominant.
func (s *Service) LowDiversity(scope *types.ScopeRef) ([]DiversityFlag, error) {
	var flags []DiversityFlag
	for _, kind := range types.EntryTypes() {
		counts, err := s.store.CategoryCounts(kind, scope)
		if err != nil {
			return nil, err
		}
		total := 0
		for _, cc := range counts {
			total += cc.Count
		}
		if total < 2 || len(counts) == 0 {
			continue
		}
		// CategoryCounts is ordered by count descending.
		dominant := counts[0]
		share := float64(dominant.Count) / float64(total)
		if share >= s.threshold {
			flags = append(flags, DiversityFlag{
				EntryType:        kind,
				DominantCategory: dominant.Category,
				Share:            share,
				Total:            total,
			})
		}
	}
	return flags, nil
}
