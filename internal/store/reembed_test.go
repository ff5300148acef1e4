package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mnemo/internal/types"
)

// fixedDimEngine embeds everything to a constant-dimension unit vector.
type fixedDimEngine struct {
	dim   int
	calls int
}

func (e *fixedDimEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	e.calls++
	vec := make([]float32, e.dim)
	vec[0] = 1
	return vec, nil
}

func (e *fixedDimEngine) Dimensions() int { return e.dim }
func (e *fixedDimEngine) Name() string    { return "fixed:test" }

func TestReembedAfterDimensionDrift(t *testing.T) {
	a := newTestAdapter(t)
	repo := NewKnowledgeRepo(a, newTestCodec())
	vs := NewVectorStore(a)

	// Three entries embedded at the old dimension (768).
	for i := 0; i < 3; i++ {
		id, err := repo.Create(projectScope(), &types.Knowledge{
			Title: fmt.Sprintf("fact-%d", i), Content: "content",
		})
		require.NoError(t, err)
		old := make([]float32, 768)
		old[0] = 1
		require.NoError(t, vs.Upsert(EmbeddingRecord{
			EntryType: types.EntryKnowledge, EntryID: id,
			VersionID: "stale", Model: "old-model", Vector: old,
		}))
	}

	// The provider now reports dimension 384.
	engine := &fixedDimEngine{dim: 384}
	svc := NewReembedService(vs, engine, ReembedOptions{
		BatchSize:  2,
		BatchDelay: time.Millisecond,
	})

	started, err := svc.TriggerIfNeeded(context.Background())
	require.NoError(t, err)
	assert.True(t, started)

	progress := svc.Progress()
	assert.Equal(t, ReembedCompleted, progress.State)
	assert.Equal(t, 3, progress.Processed)
	assert.Equal(t, 0, progress.Failed)
	assert.Equal(t, 3, engine.calls)

	counts, err := vs.CountByDimension()
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[384])
	assert.Zero(t, counts[768])

	// No drift remains; a second trigger is a no-op.
	started, err = svc.TriggerIfNeeded(context.Background())
	require.NoError(t, err)
	assert.False(t, started)
}

func TestReembedSkipsDeletedEntries(t *testing.T) {
	a := newTestAdapter(t)
	vs := NewVectorStore(a)

	// An embedding whose entry no longer exists.
	old := make([]float32, 8)
	old[0] = 1
	require.NoError(t, vs.Upsert(EmbeddingRecord{
		EntryType: types.EntryKnowledge, EntryID: "ghost",
		VersionID: "v", Model: "old", Vector: old,
	}))

	engine := &fixedDimEngine{dim: 4}
	svc := NewReembedService(vs, engine, ReembedOptions{BatchSize: 10, BatchDelay: time.Millisecond})

	started, err := svc.TriggerIfNeeded(context.Background())
	require.NoError(t, err)
	assert.True(t, started)

	progress := svc.Progress()
	assert.Equal(t, ReembedCompleted, progress.State)
	assert.Zero(t, progress.Processed)
	assert.Zero(t, progress.Failed, "missing entries are skipped, not failed")
	assert.Zero(t, engine.calls)

	// The orphan embedding is cleaned up.
	counts, err := vs.CountByDimension()
	require.NoError(t, err)
	assert.Empty(t, counts)
}

func TestReembedRefusesConcurrentRun(t *testing.T) {
	a := newTestAdapter(t)
	vs := NewVectorStore(a)
	svc := NewReembedService(vs, &fixedDimEngine{dim: 4}, ReembedOptions{})

	svc.mu.Lock()
	svc.running = true
	svc.mu.Unlock()

	err := svc.Run(context.Background(), 0)
	assert.ErrorContains(t, err, "already running")
}
