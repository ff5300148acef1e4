package store

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"mnemo/internal/logging"
	"mnemo/internal/types"
)

// EmbeddingRecord is one stored embedding, keyed by (entry_type, entry_id).
// Exactly one embedding exists per entry; re-embedding replaces it.
type EmbeddingRecord struct {
	EntryType types.EntryType
	EntryID   string
	VersionID string
	Model     string
	Dimension int
	Vector    []float32
	CreatedAt time.Time
}

// VectorMatch is one semantic-search hit. Similarity is cosine in [-1, 1].
type VectorMatch struct {
	EntryType  types.EntryType
	EntryID    string
	Similarity float64
}

// VectorStore persists embeddings and answers top-K similarity queries. When
// the sqlite-vec extension is loaded it maintains a vec0 ANN index alongside
// the embeddings table; otherwise queries fall back to an in-process cosine
// scan, which is fine up to a few hundred thousand vectors.
type VectorStore struct {
	a *Adapter

	vecMu    sync.Mutex
	vecDim   int  // dimension of the live vec0 index, 0 if none
	vecReady bool // vec0 index and map table exist
}

func NewVectorStore(a *Adapter) *VectorStore {
	return &VectorStore{a: a}
}

// encodeVector serializes float32s little-endian, the layout sqlite-vec
// expects for float[] columns.
func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Upsert stores or replaces the embedding for an entry and keeps the ANN
// index in sync when available.
func (vs *VectorStore) Upsert(rec EmbeddingRecord) error {
	if len(rec.Vector) == 0 {
		return types.NewValidationError("vector", "must not be empty")
	}
	rec.Dimension = len(rec.Vector)
	blob := encodeVector(rec.Vector)

	err := vs.a.Transaction(func(tx *Tx) error {
		_, err := tx.Exec(`
			INSERT INTO embeddings (entry_type, entry_id, version_id, model, dimension, vector, created_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(entry_type, entry_id) DO UPDATE SET
				version_id = excluded.version_id,
				model = excluded.model,
				dimension = excluded.dimension,
				vector = excluded.vector,
				created_at = CURRENT_TIMESTAMP`,
			rec.EntryType, rec.EntryID, rec.VersionID, rec.Model, rec.Dimension, blob,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert embedding: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if vs.a.HasVectorExt() {
		if err := vs.upsertANN(rec, blob); err != nil {
			// The embeddings table is the source of truth; a broken ANN index
			// degrades to the scan path rather than failing the write.
			logging.Get(logging.CategoryVector).Warn("ANN index update failed for %s/%s: %v",
				rec.EntryType, rec.EntryID, err)
		}
	}
	return nil
}

// upsertANN maintains the vec0 virtual table plus a rowid mapping table. The
// index is created lazily at the dimension of the first vector and rebuilt
// when the dimension changes.
func (vs *VectorStore) upsertANN(rec EmbeddingRecord, blob []byte) error {
	vs.vecMu.Lock()
	defer vs.vecMu.Unlock()

	if !vs.vecReady || vs.vecDim != rec.Dimension {
		if err := vs.rebuildANNLocked(rec.Dimension); err != nil {
			return err
		}
	}

	return vs.a.Transaction(func(tx *Tx) error {
		if _, err := tx.Exec(
			"INSERT OR IGNORE INTO vec_map (entry_type, entry_id) VALUES (?, ?)",
			rec.EntryType, rec.EntryID,
		); err != nil {
			return fmt.Errorf("failed to map vector rowid: %w", err)
		}
		var rowid int64
		if err := tx.QueryRow(
			"SELECT rowid FROM vec_map WHERE entry_type = ? AND entry_id = ?",
			rec.EntryType, rec.EntryID,
		).Scan(&rowid); err != nil {
			return fmt.Errorf("failed to resolve vector rowid: %w", err)
		}
		if _, err := tx.Exec("DELETE FROM vec_index WHERE rowid = ?", rowid); err != nil {
			return fmt.Errorf("failed to evict stale vector: %w", err)
		}
		if _, err := tx.Exec(
			"INSERT INTO vec_index (rowid, embedding) VALUES (?, ?)", rowid, blob,
		); err != nil {
			return fmt.Errorf("failed to insert vector: %w", err)
		}
		return nil
	})
}

// rebuildANNLocked recreates the vec0 index at the given dimension and
// repopulates it from every stored embedding of that dimension.
func (vs *VectorStore) rebuildANNLocked(dim int) error {
	logging.Vector("Rebuilding ANN index at dimension %d", dim)

	err := vs.a.Transaction(func(tx *Tx) error {
		for _, stmt := range []string{
			"DROP TABLE IF EXISTS vec_index",
			"DROP TABLE IF EXISTS vec_map",
			fmt.Sprintf("CREATE VIRTUAL TABLE vec_index USING vec0(embedding float[%d])", dim),
			`CREATE TABLE vec_map (
				rowid INTEGER PRIMARY KEY AUTOINCREMENT,
				entry_type TEXT NOT NULL,
				entry_id TEXT NOT NULL,
				UNIQUE(entry_type, entry_id)
			)`,
		} {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("failed to rebuild ANN index: %w", err)
			}
		}

		rows, err := tx.Query("SELECT entry_type, entry_id, vector FROM embeddings WHERE dimension = ?", dim)
		if err != nil {
			return fmt.Errorf("failed to load embeddings for reindex: %w", err)
		}
		type pending struct {
			kind types.EntryType
			id   string
			blob []byte
		}
		var all []pending
		for rows.Next() {
			var p pending
			if err := rows.Scan(&p.kind, &p.id, &p.blob); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan embedding: %w", err)
			}
			all = append(all, p)
		}
		rows.Close()

		for _, p := range all {
			res, err := tx.Exec("INSERT INTO vec_map (entry_type, entry_id) VALUES (?, ?)", p.kind, p.id)
			if err != nil {
				return fmt.Errorf("failed to map vector: %w", err)
			}
			rowid, _ := res.LastInsertId()
			if _, err := tx.Exec("INSERT INTO vec_index (rowid, embedding) VALUES (?, ?)", rowid, p.blob); err != nil {
				return fmt.Errorf("failed to index vector: %w", err)
			}
		}
		logging.Vector("ANN index rebuilt: %d vectors at dimension %d", len(all), dim)
		return nil
	})
	if err != nil {
		return err
	}
	vs.vecDim = dim
	vs.vecReady = true
	return nil
}

// Get loads the embedding for one entry.
func (vs *VectorStore) Get(kind types.EntryType, entryID string) (*EmbeddingRecord, error) {
	vs.a.mu.RLock()
	defer vs.a.mu.RUnlock()

	var rec EmbeddingRecord
	var blob []byte
	err := vs.a.db.QueryRow(`
		SELECT entry_type, entry_id, version_id, model, dimension, vector, created_at
		FROM embeddings WHERE entry_type = ? AND entry_id = ?`, kind, entryID,
	).Scan(&rec.EntryType, &rec.EntryID, &rec.VersionID, &rec.Model, &rec.Dimension, &blob, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, &types.NotFoundError{Kind: "embedding", ID: entryID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load embedding: %w", err)
	}
	rec.Vector = decodeVector(blob)
	return &rec, nil
}

// Delete removes the embedding for one entry, if present.
func (vs *VectorStore) Delete(kind types.EntryType, entryID string) error {
	return vs.a.Transaction(func(tx *Tx) error {
		if _, err := tx.Exec(
			"DELETE FROM embeddings WHERE entry_type = ? AND entry_id = ?", kind, entryID,
		); err != nil {
			return fmt.Errorf("failed to delete embedding: %w", err)
		}
		var rowid int64
		err := tx.QueryRow(
			"SELECT rowid FROM vec_map WHERE entry_type = ? AND entry_id = ?", kind, entryID,
		).Scan(&rowid)
		if err == nil {
			tx.Exec("DELETE FROM vec_index WHERE rowid = ?", rowid)
			tx.Exec("DELETE FROM vec_map WHERE rowid = ?", rowid)
		}
		return nil
	})
}

// TopK returns the k nearest stored embeddings to the query vector, optionally
// restricted to one kind. Vectors of a different dimension than the query are
// excluded rather than erroring; they are stale and awaiting re-embedding.
func (vs *VectorStore) TopK(kind types.EntryType, query []float32, k int) ([]VectorMatch, error) {
	if len(query) == 0 {
		return nil, types.NewValidationError("query", "must not be empty")
	}
	if k <= 0 {
		k = 10
	}
	timer := logging.StartTimer(logging.CategoryVector, "vector.TopK")
	defer timer.Stop()

	if vs.a.HasVectorExt() && vs.vecReady && vs.vecDim == len(query) {
		matches, err := vs.topKANN(kind, query, k)
		if err == nil {
			return matches, nil
		}
		logging.Get(logging.CategoryVector).Warn("ANN query failed, falling back to scan: %v", err)
	}
	return vs.topKScan(kind, query, k)
}

func (vs *VectorStore) topKANN(kind types.EntryType, query []float32, k int) ([]VectorMatch, error) {
	vs.a.mu.RLock()
	defer vs.a.mu.RUnlock()

	// Over-fetch so kind filtering after the join still fills k results.
	rows, err := vs.a.db.Query(`
		SELECT m.entry_type, m.entry_id, v.distance
		FROM vec_index v JOIN vec_map m ON m.rowid = v.rowid
		WHERE v.embedding MATCH ? AND v.k = ?`,
		encodeVector(query), k*4,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []VectorMatch
	for rows.Next() {
		var m VectorMatch
		var distance float64
		if err := rows.Scan(&m.EntryType, &m.EntryID, &distance); err != nil {
			return nil, err
		}
		if kind != "" && m.EntryType != kind {
			continue
		}
		// vec0 reports L2 distance over normalized-ish vectors; convert to a
		// descending similarity so both paths rank the same way.
		m.Similarity = 1 / (1 + distance)
		out = append(out, m)
		if len(out) == k {
			break
		}
	}
	return out, nil
}

func (vs *VectorStore) topKScan(kind types.EntryType, query []float32, k int) ([]VectorMatch, error) {
	vs.a.mu.RLock()

	sqlText := "SELECT entry_type, entry_id, vector FROM embeddings WHERE dimension = ?"
	args := []interface{}{len(query)}
	if kind != "" {
		sqlText += " AND entry_type = ?"
		args = append(args, kind)
	}
	rows, err := vs.a.db.Query(sqlText, args...)
	if err != nil {
		vs.a.mu.RUnlock()
		return nil, fmt.Errorf("failed to scan embeddings: %w", err)
	}

	var out []VectorMatch
	for rows.Next() {
		var m VectorMatch
		var blob []byte
		if err := rows.Scan(&m.EntryType, &m.EntryID, &blob); err != nil {
			rows.Close()
			vs.a.mu.RUnlock()
			return nil, fmt.Errorf("failed to scan embedding row: %w", err)
		}
		m.Similarity = cosineSimilarity(query, decodeVector(blob))
		out = append(out, m)
	}
	rows.Close()
	vs.a.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// EntryText returns the text to embed for an entry: its name plus the head
// payload. Also reports the head version id so the embedding can be pinned to
// the version it was computed from.
func (vs *VectorStore) EntryText(kind types.EntryType, entryID string) (text, versionID string, err error) {
	vs.a.mu.RLock()
	defer vs.a.mu.RUnlock()

	var name, payload string
	err = vs.a.db.QueryRow(`
		SELECT e.name, e.current_version_id, v.payload
		FROM entries e JOIN entry_versions v ON v.version_id = e.current_version_id
		WHERE e.entry_type = ? AND e.id = ?`, kind, entryID,
	).Scan(&name, &versionID, &payload)
	if err == sql.ErrNoRows {
		return "", "", &types.NotFoundError{Kind: kind, ID: entryID}
	}
	if err != nil {
		return "", "", fmt.Errorf("failed to load entry text: %w", err)
	}
	return name + "\n" + payload, versionID, nil
}

// CountByDimension groups stored embeddings by dimension. The re-embedding
// service uses this to detect dimension drift after a model change.
func (vs *VectorStore) CountByDimension() (map[int]int64, error) {
	vs.a.mu.RLock()
	defer vs.a.mu.RUnlock()

	rows, err := vs.a.db.Query("SELECT dimension, COUNT(*) FROM embeddings GROUP BY dimension")
	if err != nil {
		return nil, fmt.Errorf("failed to count embeddings: %w", err)
	}
	defer rows.Close()

	counts := make(map[int]int64)
	for rows.Next() {
		var dim int
		var n int64
		if err := rows.Scan(&dim, &n); err != nil {
			return nil, err
		}
		counts[dim] = n
	}
	return counts, nil
}

// StaleEmbeddings pages through embeddings whose dimension differs from the
// active model's, oldest first.
func (vs *VectorStore) StaleEmbeddings(activeDimension, limit int, afterID string) ([]EmbeddingRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	vs.a.mu.RLock()
	defer vs.a.mu.RUnlock()

	rows, err := vs.a.db.Query(`
		SELECT entry_type, entry_id, version_id, model, dimension, created_at
		FROM embeddings WHERE dimension != ? AND entry_id > ?
		ORDER BY entry_id LIMIT ?`,
		activeDimension, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale embeddings: %w", err)
	}
	defer rows.Close()

	var out []EmbeddingRecord
	for rows.Next() {
		var rec EmbeddingRecord
		if err := rows.Scan(&rec.EntryType, &rec.EntryID, &rec.VersionID, &rec.Model, &rec.Dimension, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan stale embedding: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
