package embedding

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"mnemo/internal/logging"
	"mnemo/internal/metrics"
	"mnemo/internal/store"
	"mnemo/internal/types"
)

// VectorSink is the slice of the vector store the queue writes through.
type VectorSink interface {
	Upsert(rec store.EmbeddingRecord) error
	EntryText(kind types.EntryType, entryID string) (text, versionID string, err error)
	Delete(kind types.EntryType, entryID string) error
}

type jobKey struct {
	Kind types.EntryType
	ID   string
}

type job struct {
	key       jobKey
	versionID string
	text      string
	attempts  int
	lastErr   string
	notBefore time.Time
}

// QueueStats is a snapshot of the queue counters.
type QueueStats struct {
	Pending            int64 `json:"pending"`
	InFlight           int64 `json:"inFlight"`
	Processed          int64 `json:"processed"`
	Failed             int64 `json:"failed"`
	SkippedStale       int64 `json:"skippedStale"`
	Retried            int64 `json:"retried"`
	FailedPendingRetry int64 `json:"failedPendingRetry"`
	Parked             bool  `json:"parked"`
}

// FailedJob describes a job that exhausted its retry budget.
type FailedJob struct {
	EntryType types.EntryType `json:"entryType"`
	EntryID   string          `json:"entryId"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"lastError"`
}

// QueueOptions tunes the embedding queue.
type QueueOptions struct {
	MaxConcurrency int           // worker bound, default 4
	MaxAttempts    int           // retry budget per job, default 3
	RetryBaseDelay time.Duration // exponential backoff base, default 500ms
	HealthInterval time.Duration // park probe interval, default 5s

	// Metrics receives the queue counters and depth gauge. Optional.
	Metrics *metrics.Metrics
}

// Queue computes embeddings off the write path.
//
// Jobs are keyed by (entryType, entryId). A second enqueue for a key whose job
// has not started replaces the job in place (latest wins) and bumps the stale
// counter. Jobs already in flight for an older version are not cancelled;
// their result is discarded by a head-version check before storage. Failures
// go to a retry set with exponential backoff; exhausted jobs are terminal and
// surfaced via FailedJobs/RetryFailed. While the engine reports unhealthy,
// jobs are parked rather than failed.
type Queue struct {
	engine Engine
	sink   VectorSink

	mu       sync.Mutex
	slots    map[jobKey]*job // pending jobs, replaceable until started
	fifo     []jobKey        // distinct keys in enqueue order
	retrySet map[jobKey]*job // failed jobs awaiting backoff
	terminal map[jobKey]*job // jobs that exhausted the retry budget

	sem  *semaphore.Weighted
	wake chan struct{}

	inFlight     atomic.Int64
	processed    atomic.Int64
	failed       atomic.Int64
	skippedStale atomic.Int64
	retried      atomic.Int64

	parked atomic.Bool

	maxAttempts    int
	baseDelay      time.Duration
	healthInterval time.Duration
	metrics        *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue builds an embedding queue. Call Start to begin processing.
func NewQueue(engine Engine, sink VectorSink, opts QueueOptions) *Queue {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		engine:         engine,
		sink:           sink,
		slots:          make(map[jobKey]*job),
		retrySet:       make(map[jobKey]*job),
		terminal:       make(map[jobKey]*job),
		sem:            semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		wake:           make(chan struct{}, 1),
		maxAttempts:    opts.MaxAttempts,
		baseDelay:      opts.RetryBaseDelay,
		healthInterval: opts.HealthInterval,
		metrics:        opts.Metrics,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Start launches the dispatcher and the retry pump.
func (q *Queue) Start() {
	q.wg.Add(2)
	go q.dispatchLoop()
	go q.retryLoop()
	logging.Embedding("Embedding queue started (engine=%s)", q.engine.Name())
}

// Stop cancels pending work and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.cancel()
	q.signal()
	q.wg.Wait()
	logging.Embedding("Embedding queue stopped")
}

// Enqueue schedules an embedding computation. Latest-wins per key: replacing
// an unstarted job bumps the stale counter.
func (q *Queue) Enqueue(kind types.EntryType, entryID, versionID, text string) {
	key := jobKey{Kind: kind, ID: entryID}

	q.mu.Lock()
	if existing, ok := q.slots[key]; ok {
		// Replace in place; the key is already in the FIFO.
		existing.versionID = versionID
		existing.text = text
		q.mu.Unlock()
		q.countStale()
		logging.EmbeddingDebug("Replaced pending embedding job for %s/%s", kind, entryID)
		q.signal()
		return
	}
	// A fresh enqueue clears any retry or terminal state for the key.
	delete(q.retrySet, key)
	delete(q.terminal, key)
	q.slots[key] = &job{key: key, versionID: versionID, text: text}
	q.fifo = append(q.fifo, key)
	q.mu.Unlock()

	q.observeDepth()
	logging.EmbeddingDebug("Enqueued embedding job for %s/%s version=%s", kind, entryID, versionID)
	q.signal()
}

// countStale bumps both the snapshot counter and the exported collector.
func (q *Queue) countStale() {
	q.skippedStale.Add(1)
	if q.metrics != nil {
		q.metrics.QueueStale.Inc()
	}
}

// observeDepth publishes pending plus retrying plus in-flight jobs. Callers
// must not hold q.mu.
func (q *Queue) observeDepth() {
	if q.metrics == nil {
		return
	}
	q.mu.Lock()
	depth := int64(len(q.slots) + len(q.retrySet))
	q.mu.Unlock()
	q.metrics.QueueDepth.Set(float64(depth + q.inFlight.Load()))
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// pop atomically reads and clears the next pending slot.
func (q *Queue) pop() (*job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.fifo) > 0 {
		key := q.fifo[0]
		q.fifo = q.fifo[1:]
		if j, ok := q.slots[key]; ok {
			delete(q.slots, key)
			return j, true
		}
	}
	return nil, false
}

func (q *Queue) dispatchLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		}

		for {
			if q.ctx.Err() != nil {
				return
			}
			if !q.waitAvailable() {
				return
			}
			j, ok := q.pop()
			if !ok {
				break
			}
			if err := q.sem.Acquire(q.ctx, 1); err != nil {
				return
			}
			q.wg.Add(1)
			go q.process(j)
		}
	}
}

// waitAvailable blocks while the engine reports unhealthy. Jobs stay parked
// in the pending list; nothing is failed for an outage. Returns false only on
// shutdown.
func (q *Queue) waitAvailable() bool {
	hc, ok := q.engine.(HealthChecker)
	if !ok {
		return true
	}
	for {
		probeCtx, cancel := context.WithTimeout(q.ctx, 2*time.Second)
		err := hc.HealthCheck(probeCtx)
		cancel()
		if err == nil {
			if q.parked.CompareAndSwap(true, false) {
				logging.Embedding("Embedding provider available again, resuming queue")
			}
			return true
		}
		if q.parked.CompareAndSwap(false, true) {
			logging.Get(logging.CategoryEmbedding).Warn("Embedding provider unavailable, parking queue: %v", err)
		}
		select {
		case <-q.ctx.Done():
			return false
		case <-time.After(q.healthInterval):
		}
	}
}

func (q *Queue) process(j *job) {
	defer q.wg.Done()
	defer q.sem.Release(1)
	defer q.observeDepth()

	q.inFlight.Add(1)
	defer q.inFlight.Add(-1)
	start := time.Now()

	vector, err := q.engine.Embed(q.ctx, j.text)
	if err != nil {
		q.handleFailure(j, err)
		return
	}

	// Discard results computed from a superseded version. The entry may also
	// have been deleted while the job was in flight.
	_, headVersion, terr := q.sink.EntryText(j.key.Kind, j.key.ID)
	if terr != nil || headVersion != j.versionID {
		q.countStale()
		logging.EmbeddingDebug("Discarding stale embedding for %s/%s (job=%s head=%s)",
			j.key.Kind, j.key.ID, j.versionID, headVersion)
		return
	}

	if err := q.sink.Upsert(store.EmbeddingRecord{
		EntryType: j.key.Kind,
		EntryID:   j.key.ID,
		VersionID: j.versionID,
		Model:     q.engine.Name(),
		Vector:    vector,
	}); err != nil {
		q.handleFailure(j, err)
		return
	}
	q.processed.Add(1)
	if q.metrics != nil {
		q.metrics.QueueProcessed.Inc()
		q.metrics.EmbeddingLatency.Observe(time.Since(start).Seconds())
	}
	logging.EmbeddingDebug("Stored embedding for %s/%s (dim=%d)", j.key.Kind, j.key.ID, len(vector))
}

func (q *Queue) handleFailure(j *job, err error) {
	j.attempts++
	j.lastErr = err.Error()

	q.mu.Lock()
	defer q.mu.Unlock()

	if j.attempts >= q.maxAttempts {
		q.terminal[j.key] = j
		q.failed.Add(1)
		if q.metrics != nil {
			q.metrics.QueueFailed.Inc()
		}
		logging.Get(logging.CategoryEmbedding).Error("Embedding job for %s/%s failed terminally after %d attempts: %v",
			j.key.Kind, j.key.ID, j.attempts, err)
		return
	}

	backoff := q.baseDelay << (j.attempts - 1)
	j.notBefore = time.Now().Add(backoff)
	q.retrySet[j.key] = j
	q.retried.Add(1)
	logging.EmbeddingDebug("Embedding job for %s/%s failed (attempt %d), retrying in %v: %v",
		j.key.Kind, j.key.ID, j.attempts, backoff, err)
}

// retryLoop moves due retry jobs back into the pending list.
func (q *Queue) retryLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
		}

		now := time.Now()
		moved := false
		q.mu.Lock()
		for key, j := range q.retrySet {
			if j.notBefore.After(now) {
				continue
			}
			delete(q.retrySet, key)
			if _, pending := q.slots[key]; pending {
				continue // a newer enqueue superseded the retry
			}
			q.slots[key] = j
			q.fifo = append(q.fifo, key)
			moved = true
		}
		q.mu.Unlock()
		if moved {
			q.signal()
		}
	}
}

// Stats returns a counter snapshot.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	pending := int64(len(q.slots))
	pendingRetry := int64(len(q.retrySet) + len(q.terminal))
	q.mu.Unlock()

	return QueueStats{
		Pending:            pending,
		InFlight:           q.inFlight.Load(),
		Processed:          q.processed.Load(),
		Failed:             q.failed.Load(),
		SkippedStale:       q.skippedStale.Load(),
		Retried:            q.retried.Load(),
		FailedPendingRetry: pendingRetry,
		Parked:             q.parked.Load(),
	}
}

// FailedJobs lists terminally failed jobs with their last error messages.
func (q *Queue) FailedJobs() []FailedJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]FailedJob, 0, len(q.terminal))
	for _, j := range q.terminal {
		out = append(out, FailedJob{
			EntryType: j.key.Kind,
			EntryID:   j.key.ID,
			Attempts:  j.attempts,
			LastError: j.lastErr,
		})
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].EntryType != out[k].EntryType {
			return out[i].EntryType < out[k].EntryType
		}
		return out[i].EntryID < out[k].EntryID
	})
	return out
}

// RetryFailed requeues every terminally failed job with a fresh attempt
// budget and reports how many were requeued.
func (q *Queue) RetryFailed() int {
	q.mu.Lock()
	n := 0
	for key, j := range q.terminal {
		delete(q.terminal, key)
		if _, pending := q.slots[key]; pending {
			continue
		}
		j.attempts = 0
		j.notBefore = time.Time{}
		q.slots[key] = j
		q.fifo = append(q.fifo, key)
		n++
	}
	q.mu.Unlock()

	if n > 0 {
		q.observeDepth()
		logging.Embedding("Requeued %d terminally failed embedding jobs", n)
		q.signal()
	}
	return n
}

// ConsumeInvalidations subscribes the queue to the store's invalidation bus:
// creates and updates enqueue a re-embed, deletes drop the stored vector.
// Returns a cancel function detaching the subscription.
func (q *Queue) ConsumeInvalidations(bus *store.InvalidationBus) func() {
	events, cancel := bus.Subscribe()
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		for {
			select {
			case <-q.ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				q.handleEvent(ev)
			}
		}
	}()
	return cancel
}

func (q *Queue) handleEvent(ev types.InvalidationEvent) {
	switch ev.Action {
	case types.ActionCreate, types.ActionUpdate:
		text, versionID, err := q.sink.EntryText(ev.EntryType, ev.EntryID)
		if err != nil {
			logging.EmbeddingDebug("Skipping embedding for %s/%s: %v", ev.EntryType, ev.EntryID, err)
			return
		}
		q.Enqueue(ev.EntryType, ev.EntryID, versionID, text)
	case types.ActionDelete:
		if err := q.sink.Delete(ev.EntryType, ev.EntryID); err != nil {
			logging.EmbeddingDebug("Failed to drop embedding for deleted %s/%s: %v", ev.EntryType, ev.EntryID, err)
		}
	}
}
