package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"mnemo/internal/metrics"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

func TestMain(m *testing.M) {
	// The opencensus worker goroutine is started by a transitive dependency's
	// package init and can never be stopped by the code under test.
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// fakeEngine records embedded texts and fails on demand.
type fakeEngine struct {
	mu        sync.Mutex
	embedded  []string
	embedErr  error
	healthErr error
	checkable bool
	dim       int
}

func (f *fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.embedErr != nil {
		return nil, f.embedErr
	}
	f.embedded = append(f.embedded, text)
	vec := make([]float32, f.dimensions())
	vec[0] = 1
	return vec, nil
}

func (f *fakeEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEngine) dimensions() int {
	if f.dim == 0 {
		return 4
	}
	return f.dim
}

func (f *fakeEngine) Dimensions() int { return f.dimensions() }
func (f *fakeEngine) Name() string    { return "fake:test" }

func (f *fakeEngine) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.embedded...)
}

func (f *fakeEngine) setHealth(err error) {
	f.mu.Lock()
	f.healthErr = err
	f.mu.Unlock()
}

// healthyFakeEngine adds the HealthChecker interface.
type healthyFakeEngine struct{ *fakeEngine }

func (f healthyFakeEngine) HealthCheck(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthErr
}

// fakeSink is an in-memory VectorSink.
type fakeSink struct {
	mu      sync.Mutex
	heads   map[string]string // entryID -> head version
	texts   map[string]string
	stored  map[string]store.EmbeddingRecord
	deleted []string
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		heads:  make(map[string]string),
		texts:  make(map[string]string),
		stored: make(map[string]store.EmbeddingRecord),
	}
}

func (s *fakeSink) setEntry(id, version, text string) {
	s.mu.Lock()
	s.heads[id] = version
	s.texts[id] = text
	s.mu.Unlock()
}

func (s *fakeSink) Upsert(rec store.EmbeddingRecord) error {
	s.mu.Lock()
	s.stored[rec.EntryID] = rec
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) EntryText(kind types.EntryType, entryID string) (string, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	head, ok := s.heads[entryID]
	if !ok {
		return "", "", &types.NotFoundError{Kind: kind, ID: entryID}
	}
	return s.texts[entryID], head, nil
}

func (s *fakeSink) Delete(kind types.EntryType, entryID string) error {
	s.mu.Lock()
	s.deleted = append(s.deleted, entryID)
	delete(s.stored, entryID)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) get(id string) (store.EmbeddingRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.stored[id]
	return rec, ok
}

func testOptions() QueueOptions {
	return QueueOptions{
		MaxConcurrency: 2,
		MaxAttempts:    2,
		RetryBaseDelay: 10 * time.Millisecond,
		HealthInterval: 20 * time.Millisecond,
	}
}

func TestEnqueueDedupLatestWins(t *testing.T) {
	engine := &fakeEngine{}
	sink := newFakeSink()
	q := NewQueue(engine, sink, testOptions())

	// Two enqueues for the same key before the queue starts: the second
	// replaces the first in place.
	q.Enqueue(types.EntryKnowledge, "k1", "v1", "old text")
	q.Enqueue(types.EntryKnowledge, "k1", "v2", "new text")

	stats := q.Stats()
	assert.Equal(t, int64(1), stats.Pending, "replaced job must not duplicate the key")
	assert.Equal(t, int64(1), stats.SkippedStale)

	sink.setEntry("k1", "v2", "new text")
	q.Start()
	defer q.Stop()

	require.Eventually(t, func() bool {
		return q.Stats().Processed == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"new text"}, engine.texts(), "only the latest text is embedded")
	rec, ok := sink.get("k1")
	require.True(t, ok)
	assert.Equal(t, "v2", rec.VersionID)
	assert.Equal(t, "fake:test", rec.Model)
}

func TestStaleInFlightResultDiscarded(t *testing.T) {
	engine := &fakeEngine{}
	sink := newFakeSink()
	// Head moved to v2 while the v1 job is queued: the result is discarded.
	sink.setEntry("k1", "v2", "newer")

	q := NewQueue(engine, sink, testOptions())
	q.Enqueue(types.EntryKnowledge, "k1", "v1", "older")
	q.Start()
	defer q.Stop()

	require.Eventually(t, func() bool {
		return q.Stats().SkippedStale == 1
	}, 2*time.Second, 10*time.Millisecond)

	_, stored := sink.get("k1")
	assert.False(t, stored, "stale result must not be stored")
	assert.Equal(t, int64(0), q.Stats().Processed)
}

func TestFailingProviderRetriesThenSurfaces(t *testing.T) {
	engine := &fakeEngine{embedErr: errors.New("boom")}
	sink := newFakeSink()
	for i := 0; i < 3; i++ {
		sink.setEntry(fmt.Sprintf("k%d", i), "v1", "text")
	}

	q := NewQueue(engine, sink, testOptions())
	q.Start()
	defer q.Stop()

	for i := 0; i < 3; i++ {
		q.Enqueue(types.EntryKnowledge, fmt.Sprintf("k%d", i), "v1", "text")
	}

	require.Eventually(t, func() bool {
		return q.Stats().FailedPendingRetry == 3 && q.Stats().Failed == 3
	}, 5*time.Second, 10*time.Millisecond, "all distinct jobs become terminally failed")

	failed := q.FailedJobs()
	require.Len(t, failed, 3)
	for _, fj := range failed {
		assert.Equal(t, "boom", fj.LastError)
		assert.Equal(t, 2, fj.Attempts)
	}
	assert.Positive(t, q.Stats().Retried)

	// Fix the provider and requeue.
	engine.mu.Lock()
	engine.embedErr = nil
	engine.mu.Unlock()

	assert.Equal(t, 3, q.RetryFailed())
	require.Eventually(t, func() bool {
		return q.Stats().Processed == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Empty(t, q.FailedJobs())
}

func TestUnavailableProviderParksJobs(t *testing.T) {
	base := &fakeEngine{healthErr: errors.New("connection refused")}
	engine := healthyFakeEngine{base}
	sink := newFakeSink()
	sink.setEntry("k1", "v1", "text")

	q := NewQueue(engine, sink, testOptions())
	q.Start()
	defer q.Stop()

	q.Enqueue(types.EntryKnowledge, "k1", "v1", "text")

	require.Eventually(t, func() bool {
		return q.Stats().Parked
	}, 2*time.Second, 10*time.Millisecond)
	stats := q.Stats()
	assert.Equal(t, int64(1), stats.Pending, "parked jobs stay pending, not failed")
	assert.Zero(t, stats.Failed)
	assert.Zero(t, stats.Processed)

	base.setHealth(nil)
	require.Eventually(t, func() bool {
		return q.Stats().Processed == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, q.Stats().Parked)
}

func TestBusConsumerEnqueuesOnWrite(t *testing.T) {
	engine := &fakeEngine{}
	sink := newFakeSink()
	sink.setEntry("g1", "v1", "guideline text")

	bus := store.NewInvalidationBus()
	defer bus.Close()

	q := NewQueue(engine, sink, testOptions())
	q.Start()
	cancel := q.ConsumeInvalidations(bus)
	defer cancel()
	defer q.Stop()

	bus.Publish(types.InvalidationEvent{
		EntryType: types.EntryGuideline, EntryID: "g1", Action: types.ActionCreate,
	})

	require.Eventually(t, func() bool {
		return q.Stats().Processed == 1
	}, 2*time.Second, 10*time.Millisecond)
	rec, ok := sink.get("g1")
	require.True(t, ok)
	assert.Equal(t, "v1", rec.VersionID)

	bus.Publish(types.InvalidationEvent{
		EntryType: types.EntryGuideline, EntryID: "g1", Action: types.ActionDelete,
	})
	require.Eventually(t, func() bool {
		_, stored := sink.get("g1")
		return !stored
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueueReportsCollectors(t *testing.T) {
	engine := &fakeEngine{}
	sink := newFakeSink()
	m := metrics.New()
	opts := testOptions()
	opts.Metrics = m
	q := NewQueue(engine, sink, opts)

	sink.setEntry("k1", "v2", "new text")
	q.Enqueue(types.EntryKnowledge, "k1", "v1", "old text")
	q.Enqueue(types.EntryKnowledge, "k1", "v2", "new text")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueStale), "in-place replace counts as stale")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueDepth))

	q.Start()
	defer q.Stop()
	require.Eventually(t, func() bool {
		return q.Stats().Processed == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueProcessed))
	var pb dto.Metric
	require.NoError(t, m.EmbeddingLatency.Write(&pb))
	assert.Equal(t, uint64(1), pb.GetHistogram().GetSampleCount())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.QueueDepth) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQueueCountsTerminalFailures(t *testing.T) {
	engine := &fakeEngine{embedErr: errors.New("boom")}
	sink := newFakeSink()
	m := metrics.New()
	opts := testOptions()
	opts.Metrics = m
	q := NewQueue(engine, sink, opts)

	sink.setEntry("k1", "v1", "text")
	q.Start()
	defer q.Stop()
	q.Enqueue(types.EntryKnowledge, "k1", "v1", "text")

	require.Eventually(t, func() bool {
		return q.Stats().Failed == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueFailed))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.QueueProcessed))
}
