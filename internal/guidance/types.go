// Package guidance implements the term disambiguation engine: exact-match
// lookup, vector similarity with negative-anchor penalties, confidence
// tiering, bulk orchestration, and prompt formatting.
package guidance

import "termguide/internal/corpus"

// Tier is the confidence gate deciding what downstream prompt construction
// may do with a result.
type Tier string

const (
	// TierInject marks a result safe to present as an authoritative suggestion.
	TierInject Tier = "INJECT"
	// TierLog marks a result recorded for QA review but not auto-injected.
	TierLog Tier = "LOG"
	// TierIgnore marks a result discarded from guidance output entirely.
	TierIgnore Tier = "IGNORE"
)

// LookupPath records which lookup strategy produced a result.
type LookupPath string

const (
	PathDirect     LookupPath = "DIRECT"
	PathVector     LookupPath = "VECTOR"
	PathAggregated LookupPath = "AGGREGATED"
	PathNone       LookupPath = "NONE"
)

// GuidanceResult is the outcome of one query. It holds no references back
// into the engine's caches; the caller owns it.
type GuidanceResult struct {
	QueryTerm       string          `json:"query_term"`
	RawSimilarity   float64         `json:"raw_similarity"`
	NegativePenalty float64         `json:"negative_penalty"`
	FinalScore      float64         `json:"final_score"`
	ConfidenceTier  Tier            `json:"confidence_tier"`
	MatchedPattern  *corpus.Pattern `json:"matched_pattern,omitempty"`
	LookupPath      LookupPath      `json:"lookup_path"`
}

// BulkGuidanceReport aggregates the results and counters of one bulk batch.
// Results carries one entry per input term in input order (duplicates
// included); HighConfidence is the filtered view at or above the requested
// minimum confidence.
type BulkGuidanceReport struct {
	Results             []GuidanceResult `json:"results"`
	HighConfidence      []GuidanceResult `json:"high_confidence"`
	DirectHits          int              `json:"direct_hits"`
	VectorHits          int              `json:"vector_hits"`
	NegPenaltiesApplied int              `json:"neg_penalties_applied"`
	NotFound            int              `json:"not_found"`
	CacheHits           int              `json:"cache_hits"`
	APICallsMade        int              `json:"api_calls_made"`
}

// IndexStats reports the shape of a built index.
type IndexStats struct {
	PatternsPerCategory map[string]int `json:"patterns_per_category"`
	AnchorsPerCategory  map[string]int `json:"anchors_per_category"`
	TotalIndexed        int            `json:"total_indexed"`
	CorpusVersion       string         `json:"corpus_version"`
}

// Stats is the administrative view of a running engine.
type Stats struct {
	CollectionCount  int                `json:"collection_count"`
	Categories       []string           `json:"categories"`
	Thresholds       map[string]float64 `json:"thresholds"`
	EmbeddingModelID string             `json:"embedding_model_id"`
	CorpusVersion    string             `json:"corpus_version"`
}
