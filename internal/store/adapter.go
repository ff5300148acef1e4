// Package store implements the scope-aware versioned storage engine for mnemo.
// A single SQLite database holds artifact tables, version chains, trajectory
// steps, tags, sessions, permissions, classification feedback, the audit log,
// an FTS5 index for duplicate search, and a side store for vector embeddings.
//
// The adapter exclusively owns the database handle. Repositories hold a
// borrowed reference and never close it. The SQL engine is strictly
// synchronous on one connection: transactions take synchronous closures, and
// the escape detector fails any transaction whose async probes have not
// settled by commit time.
package store

import (
	"bytes"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// Adapter owns the SQLite handle and exposes typed repository handles plus a
// single Transaction primitive.
type Adapter struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string

	vectorExt  bool // sqlite-vec available
	requireVec bool // fail fast when the extension is missing

	bus *InvalidationBus

	// Prepared statements cached by SQL text. Invalidated on schema change.
	stmtMu    sync.Mutex
	stmtCache map[string]*sql.Stmt

	// Goroutine ids currently inside a transaction, for nested-txn detection.
	txnGoroutines sync.Map // gid -> txn id

	closed atomic.Bool
}

// Options tunes adapter construction.
type Options struct {
	RequireVec  bool
	BusyTimeout int // milliseconds, default 5000
}

// Open initializes the SQLite database at the given path and applies all
// pending migrations. Use ":memory:" for tests.
func Open(path string, opts Options) (*Adapter, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	logging.Store("Opening storage adapter at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busyTimeout := opts.BusyTimeout
	if busyTimeout <= 0 {
		busyTimeout = 5000
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout)); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}
	// synchronous=NORMAL is a large write speedup and safe under WAL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite synchronous=NORMAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logging.StoreDebug("Failed to enable foreign keys: %v", err)
	}

	a := &Adapter{
		db:        db,
		dbPath:    path,
		bus:       NewInvalidationBus(),
		stmtCache: make(map[string]*sql.Stmt),
	}

	if err := RunMigrations(db); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to run migrations: %v", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	a.detectVecExtension()
	a.requireVec = opts.RequireVec
	if a.requireVec && !a.vectorExt {
		db.Close()
		return nil, fmt.Errorf("sqlite-vec extension not available; build with -tags sqlite_vec to enable ANN search")
	}
	if a.vectorExt {
		logging.Store("sqlite-vec extension detected and enabled")
	} else {
		logging.Get(logging.CategoryStore).Warn("sqlite-vec extension not available; falling back to in-process cosine scan")
	}

	logging.Store("Storage adapter ready (entries, versions, tags, FTS, embeddings)")
	return a, nil
}

// Close closes the database connection and the statement cache.
func (a *Adapter) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	logging.Store("Closing storage adapter")

	a.stmtMu.Lock()
	for _, stmt := range a.stmtCache {
		stmt.Close()
	}
	a.stmtCache = make(map[string]*sql.Stmt)
	a.stmtMu.Unlock()

	a.bus.Close()
	return a.db.Close()
}

// DB returns the underlying handle. Borrowers must never close it.
func (a *Adapter) DB() *sql.DB {
	return a.db
}

// Bus returns the cache-invalidation event bus.
func (a *Adapter) Bus() *InvalidationBus {
	return a.bus
}

// Path returns the database file path.
func (a *Adapter) Path() string {
	return a.dbPath
}

// HasVectorExt reports whether the sqlite-vec extension is loaded.
func (a *Adapter) HasVectorExt() bool {
	return a.vectorExt
}

// detectVecExtension attempts to create a vec0 virtual table to see if
// sqlite-vec is available.
func (a *Adapter) detectVecExtension() {
	if a.db == nil {
		return
	}
	if _, err := a.db.Exec("CREATE VIRTUAL TABLE IF NOT EXISTS vec_probe USING vec0(embedding float[4])"); err == nil {
		a.vectorExt = true
		_, _ = a.db.Exec("DROP TABLE IF EXISTS vec_probe")
		return
	}
	a.vectorExt = false
}

// prepared returns a cached prepared statement for the given SQL text.
func (a *Adapter) prepared(query string) (*sql.Stmt, error) {
	a.stmtMu.Lock()
	defer a.stmtMu.Unlock()

	if stmt, ok := a.stmtCache[query]; ok {
		return stmt, nil
	}
	stmt, err := a.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}
	a.stmtCache[query] = stmt
	return stmt, nil
}

// invalidateStatements drops every cached statement. Called on schema change.
func (a *Adapter) invalidateStatements() {
	a.stmtMu.Lock()
	defer a.stmtMu.Unlock()
	for _, stmt := range a.stmtCache {
		stmt.Close()
	}
	a.stmtCache = make(map[string]*sql.Stmt)
}

// =============================================================================
// TRANSACTIONS & ESCAPE DETECTION
// =============================================================================

// Tx wraps a synchronous SQLite transaction. The body must complete all work
// before returning: async probes registered via TrackAsync that have not been
// resolved by commit time fail the transaction.
type Tx struct {
	ID      string
	tx      *sql.Tx
	adapter *Adapter
	probes  []*AsyncProbe
	events  []types.InvalidationEvent
}

// AsyncProbe marks a piece of work handed to another goroutine during a
// transaction. It exists to surface the bug, not to enable the pattern:
// a probe unresolved at commit aborts the transaction.
type AsyncProbe struct {
	desc string
	done atomic.Bool
}

// Resolve marks the async work as settled before commit.
func (p *AsyncProbe) Resolve() {
	p.done.Store(true)
}

// Settled reports whether the probe has been resolved.
func (p *AsyncProbe) Settled() bool {
	return p.done.Load()
}

// TrackAsync registers an async probe with the transaction. The returned
// probe must be resolved before the transaction body returns.
func (t *Tx) TrackAsync(desc string) *AsyncProbe {
	p := &AsyncProbe{desc: desc}
	t.probes = append(t.probes, p)
	return p
}

// Exec runs a statement inside the transaction.
func (t *Tx) Exec(query string, args ...interface{}) (sql.Result, error) {
	return t.tx.Exec(query, args...)
}

// Query runs a query inside the transaction.
func (t *Tx) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.Query(query, args...)
}

// QueryRow runs a single-row query inside the transaction.
func (t *Tx) QueryRow(query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRow(query, args...)
}

// QueueEvent schedules a cache-invalidation event to be published after the
// transaction commits. Events from rolled-back transactions are dropped.
func (t *Tx) QueueEvent(event types.InvalidationEvent) {
	t.events = append(t.events, event)
}

// Transaction runs body inside a synchronous SQLite transaction.
//
// Enforced contracts:
//   - Nested transactions are rejected with types.ErrNestedTransaction.
//   - Async work registered via Tx.TrackAsync must be resolved before the
//     body returns; otherwise the transaction rolls back with a structured
//     TransactionAsyncEscapeError. The SQL engine is strictly synchronous:
//     any real suspension inside a transaction is a latent correctness bug.
//   - Invalidation events queued on the Tx fire only after commit.
func (a *Adapter) Transaction(body func(tx *Tx) error) error {
	gid := goroutineID()
	if existing, ok := a.txnGoroutines.Load(gid); ok {
		logging.Get(logging.CategoryStore).Error("Nested transaction attempt inside %v", existing)
		return types.ErrNestedTransaction
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	txnID := "txn-" + uuid.NewString()
	a.txnGoroutines.Store(gid, txnID)
	defer a.txnGoroutines.Delete(gid)

	sqlTx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	t := &Tx{ID: txnID, tx: sqlTx, adapter: a}
	logging.StoreDebug("Transaction started: %s", txnID)

	if err := body(t); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			logging.StoreDebug("Rollback failed for %s: %v", txnID, rbErr)
		}
		return err
	}

	// Escape detection: every probe must have settled by now. The body has
	// returned, so an unsettled probe means work escaped to another goroutine
	// and may still be running against this connection.
	for _, p := range t.probes {
		if !p.Settled() {
			if rbErr := sqlTx.Rollback(); rbErr != nil {
				logging.StoreDebug("Rollback failed for %s: %v", txnID, rbErr)
			}
			escErr := &types.TransactionAsyncEscapeError{
				TxnID:       txnID,
				Cause:       fmt.Sprintf("async work %q had not settled when the transaction body returned", p.desc),
				Remediation: "complete all asynchronous work before the transaction body returns, or move it outside the transaction",
			}
			logging.Get(logging.CategoryStore).Error("%v", escErr)
			return escErr
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction %s: %w", txnID, err)
	}
	logging.StoreDebug("Transaction committed: %s (%d events)", txnID, len(t.events))

	// Cache-invalidation events fire after the commit, never inside it.
	for _, event := range t.events {
		a.bus.Publish(event)
	}
	return nil
}

// goroutineID extracts the current goroutine id from the runtime stack
// header. Used only for nested-transaction detection; never for scheduling.
func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	// Header shape: "goroutine 12 [running]:"
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// =============================================================================
// STATS
// =============================================================================

// GetStats returns row counts for the primary tables.
func (a *Adapter) GetStats() (map[string]int64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Adapter.GetStats")
	defer timer.Stop()

	a.mu.RLock()
	defer a.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{
		"entries", "entry_versions", "trajectory_steps", "entry_tags",
		"embeddings", "sessions", "projects", "orgs", "permissions",
		"classification_feedback", "pattern_confidence", "audit_log",
		"recommendations", "librarian_jobs",
	}
	for _, table := range tables {
		var count int64
		err := a.db.QueryRow(fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count)
		if err != nil {
			logging.StoreDebug("Table %s count failed (may not exist): %v", table, err)
			continue
		}
		stats[table] = count
	}
	return stats, nil
}
