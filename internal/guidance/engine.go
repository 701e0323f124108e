package guidance

import (
	"database/sql"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"termguide/internal/config"
	"termguide/internal/corpus"
	"termguide/internal/embedding"
	"termguide/internal/errlog"
	"termguide/internal/vectorstore"
)

// genreBiasMargin is how far below the top score a preferred-category
// candidate may sit and still be chosen. Genre routing biases ranking; it
// never hard-excludes other categories.
const genreBiasMargin = 0.05

// VectorIndex is the persistence capability the engine depends on.
// *vectorstore.SQLiteVectorIndex satisfies it; tests substitute fakes.
type VectorIndex interface {
	Upsert(entries []vectorstore.PatternVector) error
	Query(queryVector []float64, topK int, categories []string) ([]vectorstore.SearchResult, error)
	Count() (int, error)
	Clear() error
	ExistingIDs() (map[string]bool, error)
	Reload() error
	VerifyModelID(modelID string) error
}

// Engine answers single-term and bulk guidance queries against a built index.
// All dependencies are injected at construction; there is no process-wide
// default instance. Queries are safe for unbounded concurrent callers: the
// snapshot is immutable and swapped atomically on rebuild.
type Engine struct {
	mu         sync.RWMutex
	snap       *snapshot
	db         *sql.DB // optional: pattern/anchor persistence and the guidance log
	cfg        *config.ConfigManager
	embedder   embedding.EmbeddingService
	index      VectorIndex
	embedCache *embeddingCache
}

// NewEngine creates an Engine over the given dependencies. The engine starts
// with an empty snapshot; call BuildIndex or LoadFromStore before querying.
func NewEngine(db *sql.DB, cfg *config.ConfigManager, embedder embedding.EmbeddingService, index VectorIndex) *Engine {
	return &Engine{
		snap:       emptySnapshot(),
		db:         db,
		cfg:        cfg,
		embedder:   embedder,
		index:      index,
		embedCache: newEmbeddingCache(512, 10*time.Minute),
	}
}

func (e *Engine) snapshot() *snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap
}

func (e *Engine) swapSnapshot(s *snapshot) {
	e.mu.Lock()
	e.snap = s
	e.mu.Unlock()
}

// QueryOne answers a single guidance query. contextText, when non-empty, is
// appended to the embedding input to sharpen disambiguation; genre biases
// candidate ranking via the configured genre routing table.
//
// Callers never receive an error for "no good match": that is a normal
// IGNORE-tier outcome.
func (e *Engine) QueryOne(term, contextText, genre string) GuidanceResult {
	r, _ := e.lookup(term, contextText, genre, nil)
	return r
}

// callBudget is the shared atomic API-call ceiling for one bulk batch.
type callBudget struct {
	mu        sync.Mutex
	remaining int
}

// reserve claims one API call slot, returning false when the budget is spent.
func (b *callBudget) reserve() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.remaining <= 0 {
		return false
	}
	b.remaining--
	return true
}

// lookup runs the full single-query algorithm. The returned bool reports
// whether an embedding API call was spent. A nil budget means unlimited.
func (e *Engine) lookup(term, contextText, genre string, budget *callBudget) (GuidanceResult, bool) {
	snap := e.snapshot()
	cfg := e.cfg.Get()
	result := GuidanceResult{
		QueryTerm:      term,
		ConfidenceTier: TierIgnore,
		LookupPath:     PathNone,
	}

	// 1. Direct lookup. A hit is authoritative: score 1.0, never penalized
	// or re-scored.
	key := NormalizeTerm(term)
	if p, ok := snap.direct[key]; ok {
		result.RawSimilarity = 1.0
		result.FinalScore = 1.0
		result.ConfidenceTier = TierInject
		result.MatchedPattern = p
		result.LookupPath = PathDirect
		return result, false
	}

	// 2. Vector similarity. Embed once; the same vector also feeds the
	// anchor penalty.
	embedText := term
	if contextText != "" {
		embedText = term + "\n" + contextText
	}

	usedAPI := false
	vec, ok := e.embedCache.get(embedText)
	if !ok {
		if budget != nil && !budget.reserve() {
			// Budget exhausted: a normal not-found outcome, not an error.
			return result, false
		}
		var err error
		vec, err = e.embedder.Embed(embedText)
		usedAPI = true
		if err != nil {
			errlog.Logf("embedding failed for query %q: %v", term, err)
			return e.aggregated(snap, cfg, term, key, result), usedAPI
		}
		e.embedCache.put(embedText, vec)
	}

	candidates, err := e.index.Query(vec, cfg.Index.TopK, nil)
	if err != nil {
		errlog.Logf("vector query failed for %q: %v", term, err)
		candidates = nil
	}

	// A candidate the snapshot cannot resolve means the stored collection
	// and the loaded snapshot describe different builds, e.g. a store whose
	// model-mismatched snapshot load was refused. Such a hit has no pattern
	// to inject and must not surface as a confident match.
	usable := candidates[:0]
	for _, c := range candidates {
		if snap.byID[c.PatternID] != nil {
			usable = append(usable, c)
		}
	}
	candidates = usable

	if len(candidates) > 0 {
		cand := pickCandidate(candidates, preferredCategories(cfg, genre))
		raw := clamp01(cand.Score)
		penalty := snap.anchorPenalty(vec, snap.registry.handle(cand.Category),
			cfg.Guidance.AnchorThreshold, cfg.Guidance.AnchorPenalty)
		final := raw - penalty
		if final < 0 {
			final = 0
		}

		classifier := Classifier{ThresholdInject: cfg.Guidance.ThresholdInject, ThresholdLog: cfg.Guidance.ThresholdLog}
		tier := classifier.Classify(final)

		result.RawSimilarity = raw
		result.NegativePenalty = penalty
		result.FinalScore = final
		result.ConfidenceTier = tier
		result.LookupPath = PathVector
		if tier != TierIgnore {
			result.MatchedPattern = snap.byID[cand.PatternID]
		}
		if tier == TierLog {
			e.recordLog(term, result)
		}
		return result, usedAPI
	}

	return e.aggregated(snap, cfg, term, key, result), usedAPI
}

// aggregated is the multi-unit fallback: decompose the normalized query into
// sub-units (runes), look each up directly, and synthesize a merged result.
// Aggregation is inherently lower-confidence than a whole-term match, so the
// tier is capped at LOG.
func (e *Engine) aggregated(snap *snapshot, cfg *config.Config, term, key string, miss GuidanceResult) GuidanceResult {
	units := []rune(strings.ReplaceAll(key, " ", ""))
	if len(units) < 2 {
		return miss
	}

	var renderings []string
	categoryVotes := make(map[string]int)
	hits := 0
	for _, u := range units {
		p, ok := snap.direct[string(u)]
		if !ok {
			continue
		}
		hits++
		renderings = append(renderings, p.PrimaryRendering)
		categoryVotes[p.Category]++
	}
	if hits == 0 {
		return miss
	}

	// Per-unit direct hits each score 1.0; the merged score is their mean
	// scaled by coverage, i.e. hits/units.
	score := float64(hits) / float64(len(units))
	classifier := Classifier{ThresholdInject: cfg.Guidance.ThresholdInject, ThresholdLog: cfg.Guidance.ThresholdLog}
	tier := classifier.Classify(score)
	if tier == TierInject {
		tier = TierLog
	}
	if tier == TierIgnore {
		return miss
	}

	topCategory := ""
	for cat, votes := range categoryVotes {
		if topCategory == "" || votes > categoryVotes[topCategory] {
			topCategory = cat
		}
	}

	result := miss
	result.RawSimilarity = score
	result.FinalScore = score
	result.ConfidenceTier = tier
	result.LookupPath = PathAggregated
	result.MatchedPattern = &corpus.Pattern{
		Term:             term,
		Category:         topCategory,
		PrimaryRendering: strings.Join(renderings, " "),
	}
	if tier == TierLog {
		e.recordLog(term, result)
	}
	return result
}

// pickCandidate applies genre bias: the top candidate wins unless a
// preferred-category candidate sits within genreBiasMargin of it.
func pickCandidate(candidates []vectorstore.SearchResult, preferred map[string]bool) vectorstore.SearchResult {
	top := candidates[0]
	if len(preferred) == 0 || preferred[top.Category] {
		return top
	}
	for _, c := range candidates {
		if preferred[c.Category] && c.Score >= top.Score-genreBiasMargin {
			return c
		}
	}
	return top
}

// preferredCategories resolves a genre tag to its routed categories.
func preferredCategories(cfg *config.Config, genre string) map[string]bool {
	if genre == "" {
		return nil
	}
	cats := cfg.Genres[strings.ToLower(strings.TrimSpace(genre))]
	if len(cats) == 0 {
		return nil
	}
	preferred := make(map[string]bool, len(cats))
	for _, c := range cats {
		preferred[c] = true
	}
	return preferred
}

// recordLog appends a LOG-tier result to the guidance_log table for QA
// review. Failures are logged and never surfaced to the caller.
func (e *Engine) recordLog(query string, r GuidanceResult) {
	if e.db == nil || r.MatchedPattern == nil {
		return
	}
	_, err := e.db.Exec(
		`INSERT INTO guidance_log (query, term, category, rendering, score, match_type) VALUES (?, ?, ?, ?, ?, ?)`,
		query, r.MatchedPattern.Term, r.MatchedPattern.Category, r.MatchedPattern.PrimaryRendering,
		r.FinalScore, string(r.LookupPath))
	if err != nil {
		log.Printf("guidance: failed to record log-tier result: %v", err)
	}
}

// Stats returns the administrative view of the engine.
func (e *Engine) Stats() Stats {
	snap := e.snapshot()
	cfg := e.cfg.Get()
	count, err := e.index.Count()
	if err != nil {
		errlog.Logf("index count failed: %v", err)
	}
	categories := append([]string(nil), snap.registry.names...)
	sort.Strings(categories)
	return Stats{
		CollectionCount: count,
		Categories:      categories,
		Thresholds: map[string]float64{
			"inject":           cfg.Guidance.ThresholdInject,
			"log":              cfg.Guidance.ThresholdLog,
			"anchor_threshold": cfg.Guidance.AnchorThreshold,
			"anchor_penalty":   cfg.Guidance.AnchorPenalty,
		},
		EmbeddingModelID: e.embedder.ModelID(),
		CorpusVersion:    snap.version,
	}
}

// Clear wipes the vector collection, the persisted corpus tables, and the
// in-memory snapshot.
func (e *Engine) Clear() error {
	if err := e.index.Clear(); err != nil {
		return err
	}
	if e.db != nil {
		for _, stmt := range []string{`DELETE FROM anchors`, `DELETE FROM patterns`} {
			if _, err := e.db.Exec(stmt); err != nil {
				return err
			}
		}
	}
	e.swapSnapshot(emptySnapshot())
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
