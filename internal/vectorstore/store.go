// Package vectorstore provides vector storage and similarity search using SQLite.
// It stores pattern embeddings and supports cosine similarity based retrieval
// with an in-memory cache for fast search and concurrent similarity computation.
//
// Performance notes:
// - Float32 vectors in memory (halves RAM vs float64, matches serialization format)
// - Category-partitioned index for O(category_size) instead of O(total) search
// - 4-way loop unrolling for dot product
// - Adaptive worker count to avoid goroutine overhead on small collections
// - Query result LRU cache to skip repeated searches
package vectorstore

import (
	"database/sql"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrModelMismatch is returned when the persisted collection was built with a
// different embedding model than the one currently configured. Vectors from
// different embedding spaces are not comparable; the collection must be
// rebuilt from scratch.
var ErrModelMismatch = errors.New("vector collection was built with a different embedding model")

// modelMetaKey is the index_meta key holding the embedding model identifier.
const modelMetaKey = "embedding_model_id"

// VectorIndex defines the interface for storing and searching pattern embeddings.
type VectorIndex interface {
	Upsert(entries []PatternVector) error
	Query(queryVector []float64, topK int, categories []string) ([]SearchResult, error)
	Count() (int, error)
	Clear() error
}

// PatternVector represents a corpus pattern with its embedding vector.
// Document is the composite text the vector was computed from (term plus
// rendering plus explanation).
type PatternVector struct {
	PatternID string    `json:"pattern_id"`
	Term      string    `json:"term"`
	Category  string    `json:"category"`
	Document  string    `json:"document"`
	Vector    []float64 `json:"vector"`
	Frequency int       `json:"frequency"`
}

// SearchResult represents a similarity search result.
type SearchResult struct {
	PatternID string  `json:"pattern_id"`
	Term      string  `json:"term"`
	Category  string  `json:"category"`
	Document  string  `json:"document"`
	Score     float64 `json:"score"`
	Frequency int     `json:"frequency"`
}

// cachedVector holds a pattern's metadata and pre-computed data for fast similarity.
type cachedVector struct {
	patternID string
	term      string
	category  string
	document  string
	vector    []float32 // float32 to halve memory (embedding precision is float32)
	norm      float32   // pre-computed L2 norm
	frequency int
}

// collection is an immutable snapshot of the in-memory index. Queries hold a
// reference to one snapshot for their whole run; Reload swaps the pointer, so
// a rebuild never disturbs in-flight searches.
type collection struct {
	vectors       []cachedVector
	categoryIndex map[string][]int
}

// queryCache provides an LRU cache for recent vector search results.
type queryCache struct {
	mu      sync.Mutex
	entries map[string]queryCacheEntry
	order   []string // LRU order (newest at end)
	maxSize int
	ttl     time.Duration
}

type queryCacheEntry struct {
	results   []SearchResult
	timestamp time.Time
}

func newQueryCache(maxSize int, ttl time.Duration) *queryCache {
	return &queryCache{
		entries: make(map[string]queryCacheEntry, maxSize),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func (qc *queryCache) get(key string) ([]SearchResult, bool) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	entry, ok := qc.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(entry.timestamp) > qc.ttl {
		delete(qc.entries, key)
		return nil, false
	}
	return entry.results, true
}

func (qc *queryCache) put(key string, results []SearchResult) {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	if _, ok := qc.entries[key]; !ok {
		if len(qc.order) >= qc.maxSize {
			// Evict oldest
			oldest := qc.order[0]
			qc.order = qc.order[1:]
			delete(qc.entries, oldest)
		}
		qc.order = append(qc.order, key)
	}
	qc.entries[key] = queryCacheEntry{results: results, timestamp: time.Now()}
}

func (qc *queryCache) invalidate() {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	qc.entries = make(map[string]queryCacheEntry, qc.maxSize)
	qc.order = qc.order[:0]
}

// SQLiteVectorIndex implements VectorIndex using SQLite for persistence with
// an in-memory snapshot for fast similarity search. Writes go to the database
// only; Reload builds a fresh snapshot off to the side and swaps it in
// atomically, so the previous snapshot keeps serving queries during a rebuild.
type SQLiteVectorIndex struct {
	db          *sql.DB
	mu          sync.RWMutex
	current     *collection
	searchCache *queryCache
}

// NewSQLiteVectorIndex creates a SQLiteVectorIndex over the given database
// connection and loads the persisted collection into memory.
func NewSQLiteVectorIndex(db *sql.DB) (*SQLiteVectorIndex, error) {
	s := &SQLiteVectorIndex{
		db:          db,
		current:     &collection{categoryIndex: make(map[string][]int)},
		searchCache: newQueryCache(256, 5*time.Minute),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// VerifyModelID checks the persisted embedding model tag against modelID.
// An empty collection adopts the given model; a non-empty collection built
// under a different model returns ErrModelMismatch.
func (s *SQLiteVectorIndex) VerifyModelID(modelID string) error {
	var stored string
	err := s.db.QueryRow(`SELECT value FROM index_meta WHERE key = ?`, modelMetaKey).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		_, err = s.db.Exec(
			`INSERT INTO index_meta (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
			modelMetaKey, modelID)
		if err != nil {
			return fmt.Errorf("failed to record embedding model id: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read embedding model id: %w", err)
	}
	if stored != modelID {
		return fmt.Errorf("%w: index=%q configured=%q", ErrModelMismatch, stored, modelID)
	}
	return nil
}

// Reload reads the persisted collection into a fresh snapshot and swaps it in.
// Safe to call while queries are running.
func (s *SQLiteVectorIndex) Reload() error {
	rows, err := s.db.Query(
		`SELECT pattern_id, term, category, document, embedding, COALESCE(frequency, 0) FROM pattern_vectors`)
	if err != nil {
		return fmt.Errorf("failed to query pattern vectors: %w", err)
	}
	defer rows.Close()

	next := &collection{categoryIndex: make(map[string][]int)}
	for rows.Next() {
		var patternID, term, category, document string
		var embeddingBytes []byte
		var frequency int

		if err := rows.Scan(&patternID, &term, &category, &document, &embeddingBytes, &frequency); err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}

		vec32 := DeserializeVectorF32(embeddingBytes)
		idx := len(next.vectors)
		next.vectors = append(next.vectors, cachedVector{
			patternID: patternID,
			term:      term,
			category:  category,
			document:  document,
			vector:    vec32,
			norm:      vectorNormF32(vec32),
			frequency: frequency,
		})
		next.categoryIndex[category] = append(next.categoryIndex[category], idx)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating rows: %w", err)
	}

	s.mu.Lock()
	s.current = next
	s.mu.Unlock()
	s.searchCache.invalidate()
	return nil
}

// snapshot returns the current collection pointer.
func (s *SQLiteVectorIndex) snapshot() *collection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// vectorNormF32 computes the L2 norm of a float32 vector.
func vectorNormF32(v []float32) float32 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	return float32(math.Sqrt(float64(sum)))
}

// toFloat32 converts a float64 slice to float32 for cache-compatible search.
func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// Upsert writes a batch of PatternVectors to the database. The in-memory
// snapshot is not touched; callers batch their writes and call Reload once at
// the end so the swap is atomic.
func (s *SQLiteVectorIndex) Upsert(entries []PatternVector) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.Prepare(
		`INSERT INTO pattern_vectors (pattern_id, term, category, document, embedding, frequency)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(pattern_id) DO UPDATE SET
		   term = excluded.term,
		   category = excluded.category,
		   document = excluded.document,
		   embedding = excluded.embedding,
		   frequency = excluded.frequency`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		embeddingBytes := SerializeVector(e.Vector)
		if _, err := stmt.Exec(e.PatternID, e.Term, e.Category, e.Document, embeddingBytes, e.Frequency); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to upsert vector %s: %w", e.PatternID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ExistingIDs returns the set of pattern IDs already persisted, so index
// builds can skip entries that are present.
func (s *SQLiteVectorIndex) ExistingIDs() (map[string]bool, error) {
	rows, err := s.db.Query(`SELECT pattern_id FROM pattern_vectors`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pattern ids: %w", err)
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// relevantIndices returns snapshot indices for the given categories.
// Empty categories means no filter (all indices).
func (c *collection) relevantIndices(categories []string) []int {
	if len(categories) == 0 {
		indices := make([]int, len(c.vectors))
		for i := range indices {
			indices[i] = i
		}
		return indices
	}
	var indices []int
	for _, cat := range categories {
		indices = append(indices, c.categoryIndex[cat]...)
	}
	return indices
}

// dotProductF32Unrolled computes dot product with 4-way loop unrolling.
func dotProductF32Unrolled(a, b []float32) float32 {
	n := len(a)
	var sum0, sum1, sum2, sum3 float32
	i := 0
	for ; i <= n-4; i += 4 {
		sum0 += a[i] * b[i]
		sum1 += a[i+1] * b[i+1]
		sum2 += a[i+2] * b[i+2]
		sum3 += a[i+3] * b[i+3]
	}
	for ; i < n; i++ {
		sum0 += a[i] * b[i]
	}
	return sum0 + sum1 + sum2 + sum3
}

// minWorkersThreshold is the minimum number of items per worker to avoid goroutine overhead.
const minWorkersThreshold = 500

// Query computes cosine similarity between queryVector and every vector in the
// requested categories (all categories when the filter is empty), and returns
// the topK results ordered by score descending, ties broken by frequency.
func (s *SQLiteVectorIndex) Query(queryVector []float64, topK int, categories []string) ([]SearchResult, error) {
	if len(queryVector) == 0 || topK <= 0 {
		return nil, nil
	}

	sortedCats := append([]string(nil), categories...)
	sort.Strings(sortedCats)
	cacheKey := fmt.Sprintf("v:%x:k%d:c%v", queryVector[:min(4, len(queryVector))], topK, sortedCats)
	if cached, ok := s.searchCache.get(cacheKey); ok {
		return cached, nil
	}

	snap := s.snapshot()
	indices := snap.relevantIndices(categories)
	if len(indices) == 0 {
		return nil, nil
	}

	queryF32 := toFloat32(queryVector)
	queryNorm := vectorNormF32(queryF32)
	if queryNorm == 0 {
		return nil, nil
	}

	// Adaptive concurrency: avoid goroutine overhead for small collections
	numWorkers := runtime.NumCPU()
	if len(indices) < minWorkersThreshold {
		numWorkers = 1
	} else if numWorkers > len(indices)/minWorkersThreshold {
		numWorkers = len(indices) / minWorkersThreshold
		if numWorkers < 1 {
			numWorkers = 1
		}
	}

	chunkSize := (len(indices) + numWorkers - 1) / numWorkers
	resultsCh := make(chan []SearchResult, numWorkers)

	for w := 0; w < numWorkers; w++ {
		start := w * chunkSize
		end := start + chunkSize
		if end > len(indices) {
			end = len(indices)
		}
		go func(idxSlice []int) {
			var local []SearchResult
			for _, idx := range idxSlice {
				c := &snap.vectors[idx]
				if c.norm == 0 || len(c.vector) != len(queryF32) {
					continue
				}
				dot := dotProductF32Unrolled(queryF32, c.vector)
				score := dot / (queryNorm * c.norm)
				local = append(local, SearchResult{
					PatternID: c.patternID,
					Term:      c.term,
					Category:  c.category,
					Document:  c.document,
					Score:     float64(score),
					Frequency: c.frequency,
				})
			}
			resultsCh <- local
		}(indices[start:end])
	}

	var allResults []SearchResult
	for w := 0; w < numWorkers; w++ {
		allResults = append(allResults, <-resultsCh...)
	}

	sort.Slice(allResults, func(i, j int) bool {
		if allResults[i].Score != allResults[j].Score {
			return allResults[i].Score > allResults[j].Score
		}
		return allResults[i].Frequency > allResults[j].Frequency
	})

	if len(allResults) > topK {
		allResults = allResults[:topK]
	}

	s.searchCache.put(cacheKey, allResults)
	return allResults, nil
}

// Count returns the number of vectors in the current snapshot.
func (s *SQLiteVectorIndex) Count() (int, error) {
	return len(s.snapshot().vectors), nil
}

// Categories returns the distinct categories in the current snapshot.
func (s *SQLiteVectorIndex) Categories() []string {
	snap := s.snapshot()
	cats := make([]string, 0, len(snap.categoryIndex))
	for cat := range snap.categoryIndex {
		cats = append(cats, cat)
	}
	sort.Strings(cats)
	return cats
}

// Clear removes all vectors and the model tag from the database and swaps in
// an empty snapshot.
func (s *SQLiteVectorIndex) Clear() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM pattern_vectors`); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to clear pattern vectors: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM index_meta WHERE key = ?`, modelMetaKey); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to clear model tag: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.mu.Lock()
	s.current = &collection{categoryIndex: make(map[string][]int)}
	s.mu.Unlock()
	s.searchCache.invalidate()
	return nil
}

// min returns the smaller of two ints.
func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
