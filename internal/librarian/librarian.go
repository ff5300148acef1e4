// Package librarian runs batch analysis over accumulated experiences. It
// clusters case-level experiences by category and text similarity, turns
// recurring patterns into typed recommendations, and materializes approved
// recommendations. Analysis runs as a job with ordered task steps whose
// progress is persisted after every step.
package librarian

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"mnemo/internal/config"
	"mnemo/internal/logging"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// Recommendation types.
const (
	RecPromotion     = "promotion"
	RecConsolidation = "consolidation"
	RecDeprecation   = "deprecation"
)

// Service is the librarian. Jobs run synchronously on the caller's
// goroutine; the learner invokes Analyze from its own worker.
type Service struct {
	cfg         config.LibrarianConfig
	experiences *store.ExperienceRepo
	lib         *store.LibrarianStore

	now func() time.Time // injectable for tests
}

func NewService(cfg config.LibrarianConfig, experiences *store.ExperienceRepo, lib *store.LibrarianStore) *Service {
	if cfg.ScanLimit <= 0 {
		cfg.ScanLimit = 100
	}
	if cfg.MinPatternCount <= 0 {
		cfg.MinPatternCount = 3
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.6
	}
	if cfg.ConsolidationThreshold <= 0 {
		cfg.ConsolidationThreshold = 0.85
	}
	if cfg.StaleAfterDays <= 0 {
		cfg.StaleAfterDays = 30
	}
	return &Service{cfg: cfg, experiences: experiences, lib: lib, now: time.Now}
}

// Status summarizes the librarian state for a scope.
type Status struct {
	PendingRecommendations int                 `json:"pendingRecommendations"`
	LastJob                *store.LibrarianJob `json:"lastJob,omitempty"`
}

func (s *Service) Status(scope types.ScopeRef) (*Status, error) {
	pending, err := s.lib.ListRecommendations(scope, "pending", 100)
	if err != nil {
		return nil, err
	}
	jobs, err := s.lib.ListJobs(scope, 1)
	if err != nil {
		return nil, err
	}
	st := &Status{PendingRecommendations: len(pending)}
	if len(jobs) > 0 {
		st.LastJob = jobs[0]
	}
	return st, nil
}

// Job returns one job with its current task progress.
func (s *Service) Job(id string) (*store.LibrarianJob, error) {
	return s.lib.GetJob(id)
}

// Pending lists unresolved recommendations for a scope.
func (s *Service) Pending(scope types.ScopeRef) ([]*store.Recommendation, error) {
	return s.lib.ListRecommendations(scope, "pending", 100)
}

// Recommendation loads one recommendation.
func (s *Service) Recommendation(id string) (*store.Recommendation, error) {
	return s.lib.GetRecommendation(id)
}

// Recommendations lists recommendations for a scope, optionally filtered by
// state.
func (s *Service) Recommendations(scope types.ScopeRef, state string, limit int) ([]*store.Recommendation, error) {
	return s.lib.ListRecommendations(scope, state, limit)
}

// Analyze runs a full analysis job for the scope and returns the finished
// job record. Task progress is persisted after every step, so a concurrent
// reader observes the job mid-run.
func (s *Service) Analyze(scope types.ScopeRef) (*store.LibrarianJob, error) {
	tasks := []store.JobTask{
		{Name: "scan-experiences", Status: "pending"},
		{Name: "cluster-patterns", Status: "pending"},
		{Name: "write-recommendations", Status: "pending"},
	}
	jobID, err := s.lib.CreateJob(scope, tasks)
	if err != nil {
		return nil, err
	}
	job, err := s.lib.GetJob(jobID)
	if err != nil {
		return nil, err
	}

	started := s.now()
	job.State = "running"
	job.StartedAt = &started
	if err := s.lib.UpdateJob(job); err != nil {
		return nil, err
	}
	logging.Learning("Librarian job %s started for %s scope", job.ID, scope.Type)

	var experiences []*types.Experience
	var clusters []cluster

	steps := []func() (string, error){
		func() (string, error) {
			var err error
			experiences, err = s.scan(scope)
			return fmt.Sprintf("scanned %d experiences", len(experiences)), err
		},
		func() (string, error) {
			clusters = s.clusterExperiences(experiences)
			return fmt.Sprintf("formed %d clusters", len(clusters)), nil
		},
		func() (string, error) {
			n, err := s.writeRecommendations(scope, experiences, clusters)
			return fmt.Sprintf("created %d recommendations", n), err
		},
	}

	for i, step := range steps {
		if err := s.runTask(job, i, step); err != nil {
			finished := s.now()
			job.State = "failed"
			job.Error = err.Error()
			job.FinishedAt = &finished
			if uerr := s.lib.UpdateJob(job); uerr != nil {
				logging.Get(logging.CategoryLearning).Error("Failed to persist failed job %s: %v", job.ID, uerr)
			}
			return job, err
		}
	}

	finished := s.now()
	job.State = "completed"
	job.FinishedAt = &finished
	if err := s.lib.UpdateJob(job); err != nil {
		return nil, err
	}
	logging.Learning("Librarian job %s completed", job.ID)
	return job, nil
}

// runTask executes one step, timing it and persisting the task list before
// and after so progress is observable.
func (s *Service) runTask(job *store.LibrarianJob, idx int, step func() (string, error)) error {
	job.Tasks[idx].Status = "running"
	if err := s.lib.UpdateJob(job); err != nil {
		return err
	}

	start := s.now()
	result, err := step()
	job.Tasks[idx].DurationMs = s.now().Sub(start).Milliseconds()
	if err != nil {
		job.Tasks[idx].Status = "failed"
		job.Tasks[idx].Error = err.Error()
		return err
	}
	job.Tasks[idx].Status = "completed"
	job.Tasks[idx].Result = result
	return s.lib.UpdateJob(job)
}

func (s *Service) scan(scope types.ScopeRef) ([]*types.Experience, error) {
	page, err := s.experiences.List(types.ListFilter{
		Scope: scope,
		Level: types.LevelCase,
		Limit: s.cfg.ScanLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan experiences: %w", err)
	}
	return page.Items, nil
}

// cluster groups experiences sharing a category and similar text.
type cluster struct {
	category string
	seed     *types.Experience
	members  []*types.Experience
}

// clusterExperiences greedily assigns each experience to the first cluster
// of the same category whose seed text is similar enough.
func (s *Service) clusterExperiences(experiences []*types.Experience) []cluster {
	var clusters []cluster
outer:
	for _, exp := range experiences {
		for i := range clusters {
			c := &clusters[i]
			if c.category != exp.Category {
				continue
			}
			if textSimilarity(signature(c.seed), signature(exp)) >= s.cfg.SimilarityThreshold {
				c.members = append(c.members, exp)
				continue outer
			}
		}
		clusters = append(clusters, cluster{category: exp.Category, seed: exp, members: []*types.Experience{exp}})
	}
	return clusters
}

// writeRecommendations turns clusters and stale entries into pending
// recommendations, skipping titles that already have a pending one.
func (s *Service) writeRecommendations(scope types.ScopeRef, experiences []*types.Experience, clusters []cluster) (int, error) {
	existing, err := s.lib.ListRecommendations(scope, "pending", 100)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(existing))
	for _, rec := range existing {
		seen[rec.RecType+"|"+rec.Title] = true
	}

	created := 0
	insert := func(rec *store.Recommendation) error {
		key := rec.RecType + "|" + rec.Title
		if seen[key] {
			return nil
		}
		seen[key] = true
		if _, err := s.lib.InsertRecommendation(rec); err != nil {
			return err
		}
		created++
		return nil
	}

	for _, c := range clusters {
		ids := entryIDs(c.members)
		if len(c.members) >= s.cfg.MinPatternCount {
			rec := &store.Recommendation{
				Scope:          scope,
				RecType:        RecPromotion,
				Title:          fmt.Sprintf("Promote recurring %s pattern to a strategy", c.category),
				Description:    c.seed.Scenario,
				Confidence:     promotionConfidence(len(c.members)),
				PatternCount:   len(c.members),
				SourceEntryIDs: ids,
			}
			if err := insert(rec); err != nil {
				return created, err
			}
		}
		if dups := s.nearDuplicates(c); len(dups) >= 2 {
			rec := &store.Recommendation{
				Scope:          scope,
				RecType:        RecConsolidation,
				Title:          fmt.Sprintf("Consolidate near-duplicate %s experiences", c.category),
				Description:    fmt.Sprintf("%d experiences describe the same situation", len(dups)),
				Confidence:     0.8,
				PatternCount:   len(dups),
				SourceEntryIDs: entryIDs(dups),
			}
			if err := insert(rec); err != nil {
				return created, err
			}
		}
	}

	if stale := s.staleEntries(experiences); len(stale) > 0 {
		rec := &store.Recommendation{
			Scope:          scope,
			RecType:        RecDeprecation,
			Title:          fmt.Sprintf("Deprecate %d stale experiences", len(stale)),
			Description:    fmt.Sprintf("never accessed and untouched for %d days or more", s.cfg.StaleAfterDays),
			Confidence:     0.6,
			PatternCount:   len(stale),
			SourceEntryIDs: entryIDs(stale),
		}
		if err := insert(rec); err != nil {
			return created, err
		}
	}
	return created, nil
}

// nearDuplicates returns the cluster members whose text is close enough to
// the seed to be the same experience written twice.
func (s *Service) nearDuplicates(c cluster) []*types.Experience {
	var dups []*types.Experience
	for _, exp := range c.members {
		if exp == c.seed || textSimilarity(signature(c.seed), signature(exp)) >= s.cfg.ConsolidationThreshold {
			dups = append(dups, exp)
		}
	}
	if len(dups) < 2 {
		return nil
	}
	return dups
}

func (s *Service) staleEntries(experiences []*types.Experience) []*types.Experience {
	cutoff := s.now().AddDate(0, 0, -s.cfg.StaleAfterDays)
	var stale []*types.Experience
	for _, exp := range experiences {
		if exp.AccessCount == 0 && exp.UpdatedAt.Before(cutoff) {
			stale = append(stale, exp)
		}
	}
	return stale
}

// Approve materializes a pending recommendation and marks it approved. A
// failed materialization leaves the recommendation pending.
func (s *Service) Approve(id string) error {
	rec, err := s.lib.GetRecommendation(id)
	if err != nil {
		return err
	}
	if rec.State != "pending" {
		return types.NewValidationError("state", "recommendation is already resolved")
	}

	switch rec.RecType {
	case RecPromotion:
		err = s.materializePromotion(rec)
	case RecConsolidation:
		if len(rec.SourceEntryIDs) > 1 {
			err = s.deactivateSources(rec.SourceEntryIDs[1:]) // keep the first
		}
	case RecDeprecation:
		err = s.deactivateSources(rec.SourceEntryIDs)
	default:
		err = types.NewValidationError("recType", fmt.Sprintf("unknown recommendation type %q", rec.RecType))
	}
	if err != nil {
		return fmt.Errorf("failed to materialize %s recommendation: %w", rec.RecType, err)
	}

	if err := s.lib.ResolveRecommendation(id, "approved"); err != nil {
		return err
	}
	logging.Learning("Approved %s recommendation %s", rec.RecType, id)
	return nil
}

// Reject marks a recommendation rejected without materializing it.
func (s *Service) Reject(id string) error {
	return s.lib.ResolveRecommendation(id, "rejected")
}

// Skip defers a recommendation; it will not be re-proposed while resolved.
func (s *Service) Skip(id string) error {
	return s.lib.ResolveRecommendation(id, "skipped")
}

// materializePromotion distills the source cases into one strategy-level
// experience at the recommendation's scope.
func (s *Service) materializePromotion(rec *store.Recommendation) error {
	var contents []string
	category := ""
	for _, srcID := range rec.SourceEntryIDs {
		exp, err := s.experiences.GetByID(srcID, store.GetOpts{SkipAccessTrack: true})
		if err != nil {
			if types.IsNotFound(err) {
				continue
			}
			return err
		}
		if category == "" {
			category = exp.Category
		}
		if exp.Content != "" {
			contents = append(contents, exp.Content)
		}
	}
	if category == "" {
		return types.NewValidationError("sourceEntryIds", "no source experiences remain")
	}

	strategy := &types.Experience{
		Title:      rec.Title,
		Level:      types.LevelStrategy,
		Category:   category,
		Scenario:   rec.Description,
		Content:    strings.Join(dedupStrings(contents), "\n"),
		Outcome:    "promoted",
		Confidence: rec.Confidence,
	}
	_, err := s.experiences.Create(rec.Scope, strategy)
	return err
}

func (s *Service) deactivateSources(ids []string) error {
	for _, id := range ids {
		if err := s.experiences.Deactivate(id); err != nil && !types.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func entryIDs(experiences []*types.Experience) []string {
	ids := make([]string, 0, len(experiences))
	for _, exp := range experiences {
		ids = append(ids, exp.ID)
	}
	sort.Strings(ids)
	return ids
}

func promotionConfidence(size int) float64 {
	c := 0.5 + 0.1*float64(size)
	if c > 0.95 {
		c = 0.95
	}
	return c
}

func signature(exp *types.Experience) string {
	return exp.Title + " " + exp.Scenario
}

// textSimilarity is the Dice coefficient over lowercase word sets.
func textSimilarity(a, b string) float64 {
	at := tokenSet(a)
	bt := tokenSet(b)
	if len(at) == 0 || len(bt) == 0 {
		return 0
	}
	common := 0
	for tok := range at {
		if bt[tok] {
			common++
		}
	}
	return 2 * float64(common) / float64(len(at)+len(bt))
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		set[tok] = true
	}
	return set
}

func dedupStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
