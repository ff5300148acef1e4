package librarian

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemo/internal/config"
	"mnemo/internal/cursor"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

type fixture struct {
	svc         *Service
	experiences *store.ExperienceRepo
	lib         *store.LibrarianStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	a, err := store.Open(":memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	codec := cursor.NewCodec("librarian-test-secret-0123456789abcdef", 10*time.Minute)
	f := &fixture{
		experiences: store.NewExperienceRepo(a, codec),
		lib:         store.NewLibrarianStore(a),
	}
	f.svc = NewService(config.LibrarianConfig{
		ScanLimit:              100,
		MinPatternCount:        3,
		SimilarityThreshold:    0.6,
		ConsolidationThreshold: 0.85,
		StaleAfterDays:         30,
	}, f.experiences, f.lib)
	return f
}

func projScope() types.ScopeRef {
	return types.ScopeRef{Type: types.ScopeProject, ID: "proj-1"}
}

// seedPattern creates n near-identical tool-failure cases.
func (f *fixture) seedPattern(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := f.experiences.Create(projScope(), &types.Experience{
			Title:    fmt.Sprintf("Bash keeps failing with non_zero_exit (sess%04d)", i),
			Level:    types.LevelCase,
			Category: "tool-failure",
			Scenario: "Bash failed 2 times with non_zero_exit in one session",
			Content:  "exit status 1",
			Outcome:  "unresolved",
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func (f *fixture) pendingByType(t *testing.T, recType string) []*store.Recommendation {
	t.Helper()
	pending, err := f.svc.Pending(projScope())
	require.NoError(t, err)
	var out []*store.Recommendation
	for _, rec := range pending {
		if rec.RecType == recType {
			out = append(out, rec)
		}
	}
	return out
}

func TestAnalyzeCompletesJobWithOrderedTasks(t *testing.T) {
	f := newFixture(t)
	f.seedPattern(t, 3)

	job, err := f.svc.Analyze(projScope())
	require.NoError(t, err)
	assert.Equal(t, "completed", job.State)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.FinishedAt)

	require.Len(t, job.Tasks, 3)
	assert.Equal(t, "scan-experiences", job.Tasks[0].Name)
	assert.Equal(t, "cluster-patterns", job.Tasks[1].Name)
	assert.Equal(t, "write-recommendations", job.Tasks[2].Name)
	for _, task := range job.Tasks {
		assert.Equal(t, "completed", task.Status)
		assert.NotEmpty(t, task.Result)
		assert.Empty(t, task.Error)
	}
	assert.Equal(t, "scanned 3 experiences", job.Tasks[0].Result)

	// The persisted record matches what Analyze returned.
	stored, err := f.svc.Job(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.State, stored.State)
	assert.Equal(t, job.Tasks, stored.Tasks)
}

func TestRecurringPatternYieldsPromotion(t *testing.T) {
	f := newFixture(t)
	ids := f.seedPattern(t, 3)

	_, err := f.svc.Analyze(projScope())
	require.NoError(t, err)

	promos := f.pendingByType(t, RecPromotion)
	require.Len(t, promos, 1)
	rec := promos[0]
	assert.Equal(t, 3, rec.PatternCount)
	assert.ElementsMatch(t, ids, rec.SourceEntryIDs)
	assert.InDelta(t, 0.8, rec.Confidence, 0.001)
	assert.Equal(t, "pending", rec.State)
}

func TestSmallClusterYieldsNoPromotion(t *testing.T) {
	f := newFixture(t)
	f.seedPattern(t, 2)

	_, err := f.svc.Analyze(projScope())
	require.NoError(t, err)

	assert.Empty(t, f.pendingByType(t, RecPromotion))
}

func TestNearDuplicatesYieldConsolidation(t *testing.T) {
	f := newFixture(t)
	f.seedPattern(t, 2)

	_, err := f.svc.Analyze(projScope())
	require.NoError(t, err)

	cons := f.pendingByType(t, RecConsolidation)
	require.Len(t, cons, 1)
	assert.Equal(t, 2, cons[0].PatternCount)
}

func TestStaleExperiencesYieldDeprecation(t *testing.T) {
	f := newFixture(t)
	ids := f.seedPattern(t, 1)

	// Analysis runs far enough in the future for the entry to look stale.
	f.svc.now = func() time.Time { return time.Now().AddDate(0, 0, 31) }

	_, err := f.svc.Analyze(projScope())
	require.NoError(t, err)

	deps := f.pendingByType(t, RecDeprecation)
	require.Len(t, deps, 1)
	assert.Equal(t, ids, deps[0].SourceEntryIDs)
}

func TestReanalysisDoesNotDuplicateRecommendations(t *testing.T) {
	f := newFixture(t)
	f.seedPattern(t, 3)

	_, err := f.svc.Analyze(projScope())
	require.NoError(t, err)
	before, err := f.svc.Pending(projScope())
	require.NoError(t, err)

	job, err := f.svc.Analyze(projScope())
	require.NoError(t, err)
	assert.Equal(t, "created 0 recommendations", job.Tasks[2].Result)

	after, err := f.svc.Pending(projScope())
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestApprovePromotionMaterializesStrategy(t *testing.T) {
	f := newFixture(t)
	f.seedPattern(t, 3)

	_, err := f.svc.Analyze(projScope())
	require.NoError(t, err)
	rec := f.pendingByType(t, RecPromotion)[0]

	require.NoError(t, f.svc.Approve(rec.ID))

	page, err := f.experiences.List(types.ListFilter{
		Scope: projScope(), Level: types.LevelStrategy, Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	strategy := page.Items[0]
	assert.Equal(t, rec.Title, strategy.Title)
	assert.Equal(t, "tool-failure", strategy.Category)
	assert.Equal(t, "promoted", strategy.Outcome)
	assert.Equal(t, rec.Confidence, strategy.Confidence)

	resolved, err := f.svc.Recommendation(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "approved", resolved.State)
	assert.NotNil(t, resolved.ResolvedAt)

	// Terminal states are one-way.
	err = f.svc.Approve(rec.ID)
	assert.True(t, types.IsValidation(err))
}

func TestApproveConsolidationDeactivatesDuplicates(t *testing.T) {
	f := newFixture(t)
	f.seedPattern(t, 2)

	_, err := f.svc.Analyze(projScope())
	require.NoError(t, err)
	rec := f.pendingByType(t, RecConsolidation)[0]

	require.NoError(t, f.svc.Approve(rec.ID))

	page, err := f.experiences.List(types.ListFilter{
		Scope: projScope(), Level: types.LevelCase, Limit: 10,
	})
	require.NoError(t, err)
	assert.Len(t, page.Items, 1, "one representative survives")
}

func TestApproveDeprecationDeactivatesSources(t *testing.T) {
	f := newFixture(t)
	f.seedPattern(t, 1)
	f.svc.now = func() time.Time { return time.Now().AddDate(0, 0, 31) }

	_, err := f.svc.Analyze(projScope())
	require.NoError(t, err)
	rec := f.pendingByType(t, RecDeprecation)[0]

	require.NoError(t, f.svc.Approve(rec.ID))

	page, err := f.experiences.List(types.ListFilter{
		Scope: projScope(), Level: types.LevelCase, Limit: 10,
	})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestRejectAndSkipAreTerminal(t *testing.T) {
	f := newFixture(t)
	f.seedPattern(t, 3)
	_, err := f.svc.Analyze(projScope())
	require.NoError(t, err)

	rec := f.pendingByType(t, RecPromotion)[0]
	require.NoError(t, f.svc.Reject(rec.ID))

	resolved, err := f.svc.Recommendation(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "rejected", resolved.State)

	assert.True(t, types.IsValidation(f.svc.Skip(rec.ID)), "resolved recommendations cannot be skipped")

	// Nothing was materialized.
	page, err := f.experiences.List(types.ListFilter{
		Scope: projScope(), Level: types.LevelStrategy, Limit: 10,
	})
	require.NoError(t, err)
	assert.Empty(t, page.Items)
}

func TestResolveUnknownRecommendation(t *testing.T) {
	f := newFixture(t)
	err := f.svc.Reject("rec-missing")
	assert.True(t, types.IsNotFound(err))
}

func TestStatusSummarizesScope(t *testing.T) {
	f := newFixture(t)
	f.seedPattern(t, 3)

	st, err := f.svc.Status(projScope())
	require.NoError(t, err)
	assert.Zero(t, st.PendingRecommendations)
	assert.Nil(t, st.LastJob)

	job, err := f.svc.Analyze(projScope())
	require.NoError(t, err)

	st, err = f.svc.Status(projScope())
	require.NoError(t, err)
	assert.Greater(t, st.PendingRecommendations, 0)
	require.NotNil(t, st.LastJob)
	assert.Equal(t, job.ID, st.LastJob.ID)
}
