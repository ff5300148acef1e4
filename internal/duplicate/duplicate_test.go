package duplicate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemo/internal/cursor"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

func newTestDetector(t *testing.T) (*Detector, *store.GuidelineRepo) {
	t.Helper()
	a, err := store.Open(":memory:", store.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	codec := cursor.NewCodec("duplicate-test-secret-0123456789abcdef", 10*time.Minute)
	return NewDetector(store.NewSearchStore(a)), store.NewGuidelineRepo(a, codec)
}

func projScope() types.ScopeRef {
	return types.ScopeRef{Type: types.ScopeProject, ID: "proj-1"}
}

func TestNoCandidatesMeansNoDuplicate(t *testing.T) {
	d, _ := newTestDetector(t)

	report := d.Check(types.EntryGuideline, "deploy checklist", projScope())
	assert.False(t, report.IsDuplicate)
	assert.Empty(t, report.SimilarEntries)
	assert.NoError(t, d.Guard(types.EntryGuideline, "deploy checklist", projScope()))
}

func TestExactNameIsDuplicate(t *testing.T) {
	d, repo := newTestDetector(t)

	_, err := repo.Create(projScope(), &types.Guideline{
		Name: "deploy checklist", Content: "verify staging before production",
	})
	require.NoError(t, err)

	report := d.Check(types.EntryGuideline, "deploy checklist", projScope())
	assert.True(t, report.IsDuplicate)
	assert.GreaterOrEqual(t, report.BestScore, 0.9)
	require.NotEmpty(t, report.SimilarEntries)
	assert.Equal(t, "deploy checklist", report.SimilarEntries[0].Name)

	err = d.Guard(types.EntryGuideline, "deploy checklist", projScope())
	var dup *types.DuplicateEntryError
	require.ErrorAs(t, err, &dup)
	assert.NotEmpty(t, dup.SimilarEntries)
}

func TestRelatedNameIsSimilarNotDuplicate(t *testing.T) {
	d, repo := newTestDetector(t)

	_, err := repo.Create(projScope(), &types.Guideline{
		Name: "deploy checklist for staging environments", Content: "verify staging before production",
	})
	require.NoError(t, err)

	report := d.Check(types.EntryGuideline, "deploy checklist", projScope())
	assert.False(t, report.IsDuplicate, "partial token overlap stays below the duplicate threshold")
	assert.NoError(t, d.Guard(types.EntryGuideline, "deploy checklist", projScope()))
}

func TestUnrelatedNameScoresLow(t *testing.T) {
	d, repo := newTestDetector(t)

	_, err := repo.Create(projScope(), &types.Guideline{
		Name: "code review policy", Content: "two approvals required",
	})
	require.NoError(t, err)

	report := d.Check(types.EntryGuideline, "incident response runbook", projScope())
	assert.False(t, report.IsDuplicate)
	assert.Empty(t, report.SimilarEntries)
}

func TestScopeIsolation(t *testing.T) {
	d, repo := newTestDetector(t)

	_, err := repo.Create(projScope(), &types.Guideline{
		Name: "deploy checklist", Content: "verify staging",
	})
	require.NoError(t, err)

	other := types.ScopeRef{Type: types.ScopeProject, ID: "proj-2"}
	report := d.Check(types.EntryGuideline, "deploy checklist", other)
	assert.False(t, report.IsDuplicate, "candidates from other scopes do not count")
}

func TestKindIsolation(t *testing.T) {
	d, repo := newTestDetector(t)

	_, err := repo.Create(projScope(), &types.Guideline{
		Name: "deploy checklist", Content: "verify staging",
	})
	require.NoError(t, err)

	report := d.Check(types.EntryTool, "deploy checklist", projScope())
	assert.False(t, report.IsDuplicate, "a guideline is not a duplicate of a tool")
}

func TestNameSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, nameSimilarity("deploy checklist", "Deploy Checklist"))
	assert.Equal(t, 0.0, nameSimilarity("alpha", "beta"))
	assert.InDelta(t, 0.8, nameSimilarity("deploy checklist", "deploy helper checklist"), 0.01)
	assert.Equal(t, 0.0, nameSimilarity("", "anything"))
}

func TestCustomThresholds(t *testing.T) {
	d, repo := newTestDetector(t)
	d.WithThresholds(0.5, 0.3)

	_, err := repo.Create(projScope(), &types.Guideline{
		Name: "deploy checklist for staging environments", Content: "verify staging",
	})
	require.NoError(t, err)

	report := d.Check(types.EntryGuideline, "deploy checklist", projScope())
	assert.True(t, report.IsDuplicate, "lowered threshold flips the partial match")
}
