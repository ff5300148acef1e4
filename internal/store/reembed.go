package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// Embedder is the slice of the embedding engine the re-embed service needs.
// Satisfied by embedding.Engine.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Name() string
}

// ReembedState is the lifecycle state of the re-embedding service.
type ReembedState string

const (
	ReembedIdle      ReembedState = "idle"
	ReembedRunning   ReembedState = "running"
	ReembedCompleted ReembedState = "completed"
	ReembedFailed    ReembedState = "failed"
)

// ReembedProgress reports a run's progress, readable mid-run.
type ReembedProgress struct {
	State     ReembedState `json:"state"`
	Queued    int          `json:"queued"`
	Processed int          `json:"processed"`
	Failed    int          `json:"failed"`
	StartedAt time.Time    `json:"startedAt,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// ReembedOptions tunes a re-embedding run.
type ReembedOptions struct {
	BatchSize    int           // page size, default 50
	BatchDelay   time.Duration // yield between batches, default 100ms
	ModelTimeout time.Duration // per-embed timeout, default 30s
}

// ReembedService detects dimension drift after a model change and recomputes
// every stale embedding in paged batches. One run at a time.
type ReembedService struct {
	vectors *VectorStore
	engine  Embedder
	opts    ReembedOptions

	mu       sync.Mutex
	running  bool
	progress ReembedProgress
	cancel   context.CancelFunc
}

func NewReembedService(vectors *VectorStore, engine Embedder, opts ReembedOptions) *ReembedService {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = 100 * time.Millisecond
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = 30 * time.Second
	}
	return &ReembedService{
		vectors:  vectors,
		engine:   engine,
		opts:     opts,
		progress: ReembedProgress{State: ReembedIdle},
	}
}

// Progress returns the current run state.
func (s *ReembedService) Progress() ReembedProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}

// Stop cancels a running re-embed after the current entry.
func (s *ReembedService) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
}

// NeedsReembed reports whether any stored embedding has a dimension different
// from the engine's current dimension.
func (s *ReembedService) NeedsReembed() (bool, int64, error) {
	counts, err := s.vectors.CountByDimension()
	if err != nil {
		return false, 0, err
	}
	active := s.engine.Dimensions()
	var stale int64
	for dim, n := range counts {
		if dim != active {
			stale += n
		}
	}
	return stale > 0, stale, nil
}

// TriggerIfNeeded starts a run when dimension drift is detected. Returns true
// if a run was started. A concurrent trigger while a run is in progress is
// refused with an error.
func (s *ReembedService) TriggerIfNeeded(ctx context.Context) (bool, error) {
	needed, stale, err := s.NeedsReembed()
	if err != nil {
		return false, err
	}
	if !needed {
		logging.EmbeddingDebug("No dimension drift detected, skipping re-embed")
		return false, nil
	}
	logging.Embedding("Dimension drift detected: %d stale embeddings (active dim=%d, model=%s)",
		stale, s.engine.Dimensions(), s.engine.Name())
	if err := s.Run(ctx, int(stale)); err != nil {
		return false, err
	}
	return true, nil
}

// Run re-embeds every stale vector. Blocks until completion or cancellation.
func (s *ReembedService) Run(ctx context.Context, queued int) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("re-embed already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.progress = ReembedProgress{State: ReembedRunning, Queued: queued, StartedAt: time.Now()}
	s.mu.Unlock()

	timer := logging.StartTimer(logging.CategoryEmbedding, "ReembedService.Run")
	defer timer.Stop()
	defer cancel()

	err := s.run(runCtx)

	s.mu.Lock()
	s.running = false
	s.cancel = nil
	if err != nil {
		s.progress.State = ReembedFailed
		s.progress.Error = err.Error()
	} else {
		s.progress.State = ReembedCompleted
	}
	final := s.progress
	s.mu.Unlock()

	logging.Embedding("Re-embed finished: state=%s processed=%d failed=%d",
		final.State, final.Processed, final.Failed)
	return err
}

func (s *ReembedService) run(ctx context.Context) error {
	activeDim := s.engine.Dimensions()
	afterID := ""

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := s.vectors.StaleEmbeddings(activeDim, s.opts.BatchSize, afterID)
		if err != nil {
			return fmt.Errorf("failed to page stale embeddings: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		for _, rec := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			afterID = rec.EntryID
			s.reembedOne(ctx, rec)
		}

		// Yield between batches so foreground traffic is not starved.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.opts.BatchDelay):
		}
	}
}

// reembedOne recomputes a single embedding. Missing entries are skipped, not
// failed; they were deleted since the embedding was stored.
func (s *ReembedService) reembedOne(ctx context.Context, rec EmbeddingRecord) {
	text, versionID, err := s.vectors.EntryText(rec.EntryType, rec.EntryID)
	if err != nil {
		if types.IsNotFound(err) {
			logging.EmbeddingDebug("Skipping re-embed of missing entry %s/%s", rec.EntryType, rec.EntryID)
			s.vectors.Delete(rec.EntryType, rec.EntryID)
			return
		}
		s.recordFailure(rec, err)
		return
	}

	embedCtx, cancel := context.WithTimeout(ctx, s.opts.ModelTimeout)
	vector, err := s.engine.Embed(embedCtx, text)
	cancel()
	if err != nil {
		s.recordFailure(rec, err)
		return
	}

	if err := s.vectors.Upsert(EmbeddingRecord{
		EntryType: rec.EntryType,
		EntryID:   rec.EntryID,
		VersionID: versionID,
		Model:     s.engine.Name(),
		Vector:    vector,
	}); err != nil {
		s.recordFailure(rec, err)
		return
	}

	s.mu.Lock()
	s.progress.Processed++
	s.mu.Unlock()
}

func (s *ReembedService) recordFailure(rec EmbeddingRecord, err error) {
	logging.Get(logging.CategoryEmbedding).Warn("Re-embed failed for %s/%s: %v", rec.EntryType, rec.EntryID, err)
	s.mu.Lock()
	s.progress.Failed++
	s.mu.Unlock()
}
