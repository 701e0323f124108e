package guidance

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"testing/quick"

	"termguide/internal/config"
	"termguide/internal/corpus"
	"termguide/internal/vectorstore"
)

// fakeEmbedder returns canned vectors per text and counts calls.
type fakeEmbedder struct {
	mu       sync.Mutex
	vectors  map[string][]float64
	fallback []float64
	calls    int64
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{
		vectors:  make(map[string][]float64),
		fallback: []float64{0, 0, 1},
	}
}

func (f *fakeEmbedder) Embed(text string) ([]float64, error) {
	atomic.AddInt64(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return f.fallback, nil
}

func (f *fakeEmbedder) EmbedBatch(texts []string) ([][]float64, error) {
	out := make([][]float64, len(texts))
	for i, t := range texts {
		v, err := f.Embed(t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) ModelID() string { return "fake-model" }

func (f *fakeEmbedder) callCount() int64 { return atomic.LoadInt64(&f.calls) }

// fakeIndex is an in-memory VectorIndex with the same query semantics as the
// SQLite-backed one: cosine similarity, score-descending, frequency tiebreak.
type fakeIndex struct {
	mu      sync.Mutex
	pending map[string]vectorstore.PatternVector
	live    []vectorstore.PatternVector
	modelID string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{pending: make(map[string]vectorstore.PatternVector)}
}

func (f *fakeIndex) Upsert(entries []vectorstore.PatternVector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range entries {
		f.pending[e.PatternID] = e
	}
	return nil
}

func (f *fakeIndex) Reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.live = f.live[:0]
	for _, e := range f.pending {
		f.live = append(f.live, e)
	}
	return nil
}

func (f *fakeIndex) Query(queryVector []float64, topK int, categories []string) ([]vectorstore.SearchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	allowed := make(map[string]bool)
	for _, c := range categories {
		allowed[c] = true
	}
	var results []vectorstore.SearchResult
	for _, e := range f.live {
		if len(allowed) > 0 && !allowed[e.Category] {
			continue
		}
		results = append(results, vectorstore.SearchResult{
			PatternID: e.PatternID,
			Term:      e.Term,
			Category:  e.Category,
			Document:  e.Document,
			Score:     vectorstore.CosineSimilarity(queryVector, e.Vector),
			Frequency: e.Frequency,
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Frequency > results[j].Frequency
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (f *fakeIndex) Count() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live), nil
}

func (f *fakeIndex) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = make(map[string]vectorstore.PatternVector)
	f.live = nil
	f.modelID = ""
	return nil
}

func (f *fakeIndex) ExistingIDs() (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make(map[string]bool, len(f.pending))
	for id := range f.pending {
		ids[id] = true
	}
	return ids, nil
}

func (f *fakeIndex) VerifyModelID(modelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.modelID == "" {
		f.modelID = modelID
		return nil
	}
	if f.modelID != modelID {
		return vectorstore.ErrModelMismatch
	}
	return nil
}

func testConfig(t *testing.T) *config.ConfigManager {
	t.Helper()
	key := make([]byte, 32)
	cm, err := config.NewConfigManagerWithKey(filepath.Join(t.TempDir(), "config.json"), key)
	if err != nil {
		t.Fatal(err)
	}
	if err := cm.Load(); err != nil {
		t.Fatal(err)
	}
	return cm
}

func testCorpus() *corpus.Corpus {
	return &corpus.Corpus{
		Version: "test-1",
		Patterns: []corpus.Pattern{
			{Term: "金丹期", Category: "cultivation_realms", PrimaryRendering: "Kim Đan", CorpusFrequency: 42},
			{Term: "金", Category: "cultivation_realms", PrimaryRendering: "Kim"},
			{Term: "丹", Category: "cultivation_realms", PrimaryRendering: "Đan"},
			{Term: "一剑", Category: "action_emphasis", PrimaryRendering: "một kiếm", CorpusFrequency: 7},
		},
		Anchors: []corpus.NegativeAnchor{
			{Category: "action_emphasis", SourceText: "He entered the room and sat in the chair"},
		},
	}
}

// newTestEngine builds an engine over fakes with the standard test corpus
// indexed. The anchor vector is [0,1,0]; pattern vectors are near [1,0,0].
func newTestEngine(t *testing.T) (*Engine, *fakeEmbedder, *fakeIndex) {
	t.Helper()
	emb := newFakeEmbedder()
	idx := newFakeIndex()
	eng := NewEngine(nil, testConfig(t), emb, idx)

	c := testCorpus()
	for i := range c.Patterns {
		// Spread pattern vectors around the x axis.
		theta := float64(i) * 0.05
		emb.vectors[embeddingText(&c.Patterns[i])] = []float64{math.Cos(theta), math.Sin(theta), 0}
	}
	emb.vectors[c.Anchors[0].SourceText] = []float64{0, 1, 0}

	if _, err := eng.BuildIndex(c, true); err != nil {
		t.Fatal(err)
	}
	return eng, emb, idx
}

func TestClassifyBoundaries(t *testing.T) {
	c := Classifier{ThresholdInject: 0.80, ThresholdLog: 0.65}
	cases := []struct {
		score float64
		want  Tier
	}{
		{0.80, TierInject},
		{0.9999, TierInject},
		{0.7999, TierLog},
		{0.65, TierLog},
		{0.6499, TierIgnore},
		{0, TierIgnore},
	}
	for _, tc := range cases {
		if got := c.Classify(tc.score); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestNormalizeTerm(t *testing.T) {
	cases := map[string]string{
		"  Kim   Đan  ": "kim đan",
		"ＫＩＭ":          "kim", // full-width compatibility forms
		"金丹期":          "金丹期",
	}
	for in, want := range cases {
		if got := NormalizeTerm(in); got != want {
			t.Errorf("NormalizeTerm(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDirectLookupSupremacy(t *testing.T) {
	eng, emb, _ := newTestEngine(t)

	before := emb.callCount()
	r := eng.QueryOne("金丹期", "", "")
	if r.LookupPath != PathDirect {
		t.Fatalf("lookup path = %s, want DIRECT", r.LookupPath)
	}
	if r.FinalScore != 1.0 || r.RawSimilarity != 1.0 || r.NegativePenalty != 0 {
		t.Errorf("scores = %+v, want 1.0 / 1.0 / 0", r)
	}
	if r.ConfidenceTier != TierInject {
		t.Errorf("tier = %s, want INJECT", r.ConfidenceTier)
	}
	if r.MatchedPattern == nil || r.MatchedPattern.PrimaryRendering != "Kim Đan" {
		t.Errorf("matched pattern = %+v", r.MatchedPattern)
	}
	// Direct hits never touch the embedding API.
	if emb.callCount() != before {
		t.Error("direct hit made an embedding call")
	}
}

func TestVectorPathWithPenalty(t *testing.T) {
	eng, emb, _ := newTestEngine(t)

	// An unseen query whose embedding is close to the action_emphasis
	// pattern but also close to that category's negative anchor.
	emb.vectors["plain sequential sentence"] = []float64{math.Cos(0.3), math.Sin(0.3), 0}
	// Rebuild with the anchor right on top of the query so max anchor
	// similarity clears the 0.82 threshold.
	c := testCorpus()
	c.Anchors[0].SourceText = "anchor near query"
	emb.vectors["anchor near query"] = []float64{math.Cos(0.3), math.Sin(0.3), 0}
	for i := range c.Patterns {
		theta := float64(i) * 0.05
		emb.vectors[embeddingText(&c.Patterns[i])] = []float64{math.Cos(theta), math.Sin(theta), 0}
	}
	if _, err := eng.BuildIndex(c, true); err != nil {
		t.Fatal(err)
	}

	r := eng.QueryOne("plain sequential sentence", "", "")
	if r.LookupPath != PathVector {
		t.Fatalf("lookup path = %s, want VECTOR", r.LookupPath)
	}
	// The top candidate is the action_emphasis pattern (closest angle) and
	// the anchor sits on the query, so the fixed step penalty applies.
	if r.NegativePenalty != 0.25 {
		t.Errorf("penalty = %v, want 0.25", r.NegativePenalty)
	}
	wantFinal := r.RawSimilarity - 0.25
	if math.Abs(r.FinalScore-wantFinal) > 1e-9 {
		t.Errorf("final = %v, want raw-penalty = %v", r.FinalScore, wantFinal)
	}
	if r.ConfidenceTier == TierInject {
		t.Error("penalized borderline match must not reach INJECT")
	}
}

func TestAnchorPenaltyStep(t *testing.T) {
	snap := emptySnapshot()
	h := snap.registry.intern("c")
	snap.anchors = [][][]float64{{{1, 0}}}

	// Below threshold: zero. At/above: the fixed penalty.
	far := []float64{0, 1}
	if p := snap.anchorPenalty(far, h, 0.82, 0.25); p != 0 {
		t.Errorf("penalty below threshold = %v, want 0", p)
	}
	near := []float64{1, 0.01}
	if p := snap.anchorPenalty(near, h, 0.82, 0.25); p != 0.25 {
		t.Errorf("penalty above threshold = %v, want 0.25", p)
	}
	// No anchors registered for the category handle: always zero.
	if p := snap.anchorPenalty(near, 99, 0.82, 0.25); p != 0 {
		t.Errorf("penalty for unknown handle = %v, want 0", p)
	}
}

func TestAnchorPenaltyMonotonic(t *testing.T) {
	snap := emptySnapshot()
	h := snap.registry.intern("c")
	snap.anchors = [][][]float64{{{1, 0}}}

	// For two queries, the one closer to the anchor never receives a
	// smaller penalty.
	f := func(theta1, theta2 float64) bool {
		t1 := math.Mod(math.Abs(theta1), math.Pi/2)
		t2 := math.Mod(math.Abs(theta2), math.Pi/2)
		if t1 > t2 {
			t1, t2 = t2, t1 // t1 is closer to the anchor at angle 0
		}
		v1 := []float64{math.Cos(t1), math.Sin(t1)}
		v2 := []float64{math.Cos(t2), math.Sin(t2)}
		p1 := snap.anchorPenalty(v1, h, 0.82, 0.25)
		p2 := snap.anchorPenalty(v2, h, 0.82, 0.25)
		return p1 >= p2
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestAggregatedFallback(t *testing.T) {
	emb := newFakeEmbedder()
	idx := newFakeIndex()
	eng := NewEngine(nil, testConfig(t), emb, idx)

	// Only single-character patterns; the vector index stays empty, so a
	// compound query falls through to sub-unit aggregation.
	c := &corpus.Corpus{
		Version: "test-agg",
		Patterns: []corpus.Pattern{
			{Term: "金", Category: "cultivation_realms", PrimaryRendering: "Kim"},
			{Term: "丹", Category: "cultivation_realms", PrimaryRendering: "Đan"},
		},
	}
	if _, err := eng.BuildIndex(c, true); err != nil {
		t.Fatal(err)
	}
	if err := idx.Clear(); err != nil {
		t.Fatal(err)
	}

	r := eng.QueryOne("金丹", "", "")
	if r.LookupPath != PathAggregated {
		t.Fatalf("lookup path = %s, want AGGREGATED (result %+v)", r.LookupPath, r)
	}
	// Full coverage, but aggregation is capped below INJECT.
	if r.FinalScore != 1.0 {
		t.Errorf("score = %v, want 1.0 for full coverage", r.FinalScore)
	}
	if r.ConfidenceTier != TierLog {
		t.Errorf("tier = %s, want LOG (capped)", r.ConfidenceTier)
	}
	if r.MatchedPattern == nil || r.MatchedPattern.PrimaryRendering != "Kim Đan" {
		t.Errorf("merged rendering = %+v", r.MatchedPattern)
	}
}

func TestNoMatchIsIgnoreNotError(t *testing.T) {
	emb := newFakeEmbedder()
	idx := newFakeIndex()
	eng := NewEngine(nil, testConfig(t), emb, idx)

	r := eng.QueryOne("nothing indexed", "", "")
	if r.ConfidenceTier != TierIgnore || r.LookupPath != PathNone {
		t.Errorf("result = %+v, want IGNORE/NONE", r)
	}
	if r.MatchedPattern != nil {
		t.Error("no-match result carries a pattern")
	}
}

func TestBuildIndexIdempotent(t *testing.T) {
	emb := newFakeEmbedder()
	idx := newFakeIndex()
	eng := NewEngine(nil, testConfig(t), emb, idx)
	c := testCorpus()

	stats1, err := eng.BuildIndex(c, true)
	if err != nil {
		t.Fatal(err)
	}
	stats2, err := eng.BuildIndex(c, true)
	if err != nil {
		t.Fatal(err)
	}
	if stats1.TotalIndexed != stats2.TotalIndexed {
		t.Errorf("collection count changed across rebuilds: %d vs %d", stats1.TotalIndexed, stats2.TotalIndexed)
	}
	if len(stats1.PatternsPerCategory) != len(stats2.PatternsPerCategory) {
		t.Errorf("per-category stats changed across rebuilds")
	}

	// Non-forced build on a populated index is a no-op: no new API calls.
	before := emb.callCount()
	if _, err := eng.BuildIndex(c, false); err != nil {
		t.Fatal(err)
	}
	if emb.callCount() != before {
		t.Error("non-forced build on populated index made embedding calls")
	}
}

func TestBuildIndexModelMismatch(t *testing.T) {
	emb := newFakeEmbedder()
	idx := newFakeIndex()
	idx.modelID = "some-other-model"
	eng := NewEngine(nil, testConfig(t), emb, idx)

	if _, err := eng.BuildIndex(testCorpus(), false); err == nil {
		t.Fatal("expected model mismatch error")
	}
	// A forced rebuild clears the tag and succeeds.
	if _, err := eng.BuildIndex(testCorpus(), true); err != nil {
		t.Fatalf("forced rebuild after mismatch: %v", err)
	}
}

func TestMismatchedStoreYieldsNoVectorMatch(t *testing.T) {
	emb := newFakeEmbedder()
	idx := newFakeIndex()
	// Vectors from an older model are still live in the collection, and the
	// query embedding happens to sit right on one of them.
	idx.modelID = "some-other-model"
	idx.pending["cultivation_realms::金丹期"] = vectorstore.PatternVector{
		PatternID: "cultivation_realms::金丹期",
		Term:      "金丹期",
		Category:  "cultivation_realms",
		Vector:    []float64{0, 0, 1},
	}
	if err := idx.Reload(); err != nil {
		t.Fatal(err)
	}
	eng := NewEngine(nil, testConfig(t), emb, idx)

	if _, err := eng.BuildIndex(testCorpus(), false); !errors.Is(err, vectorstore.ErrModelMismatch) {
		t.Fatalf("build err = %v, want ErrModelMismatch", err)
	}

	// The snapshot is empty after the refused build, so the stale
	// collection's perfect-score hit must not surface as a confident match
	// with no pattern behind it.
	r := eng.QueryOne("金丹期", "", "")
	if r.LookupPath == PathVector {
		t.Fatalf("stale collection served a vector match: %+v", r)
	}
	if r.ConfidenceTier != TierIgnore || r.MatchedPattern != nil {
		t.Errorf("result = %+v, want IGNORE with no pattern", r)
	}
}

func TestGenreBias(t *testing.T) {
	candidates := []vectorstore.SearchResult{
		{PatternID: "a", Category: "cultivation_realms", Score: 0.90},
		{PatternID: "b", Category: "action_emphasis", Score: 0.87},
		{PatternID: "c", Category: "action_emphasis", Score: 0.70},
	}
	preferred := map[string]bool{"action_emphasis": true}

	// Within the margin: the preferred-category candidate wins.
	if got := pickCandidate(candidates, preferred); got.PatternID != "b" {
		t.Errorf("picked %s, want b", got.PatternID)
	}
	// No preference: the top candidate wins.
	if got := pickCandidate(candidates, nil); got.PatternID != "a" {
		t.Errorf("picked %s, want a", got.PatternID)
	}
	// Preferred candidate too far below the top: never hard-exclude the best.
	farOnly := []vectorstore.SearchResult{
		{PatternID: "a", Category: "cultivation_realms", Score: 0.90},
		{PatternID: "c", Category: "action_emphasis", Score: 0.70},
	}
	if got := pickCandidate(farOnly, preferred); got.PatternID != "a" {
		t.Errorf("picked %s, want a", got.PatternID)
	}
}

func TestStats(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	s := eng.Stats()
	if s.CollectionCount != 4 {
		t.Errorf("collection count = %d, want 4", s.CollectionCount)
	}
	if s.EmbeddingModelID != "fake-model" {
		t.Errorf("model id = %q", s.EmbeddingModelID)
	}
	if s.Thresholds["inject"] != 0.80 || s.Thresholds["log"] != 0.65 {
		t.Errorf("thresholds = %v", s.Thresholds)
	}
	if s.CorpusVersion != "test-1" {
		t.Errorf("corpus version = %q", s.CorpusVersion)
	}
	if len(s.Categories) != 2 {
		t.Errorf("categories = %v", s.Categories)
	}
}

func TestDirectCollisionResolution(t *testing.T) {
	patterns := []corpus.Pattern{
		{Term: "灵气", Category: "cultivation_realms", PrimaryRendering: "linh khí", CorpusFrequency: 50},
		{Term: "灵气", Category: "emotional_nuance", PrimaryRendering: "khí chất", CorpusFrequency: 3},
	}
	snap := buildSnapshot("v", patterns, nil, nil)
	p := snap.direct[NormalizeTerm("灵气")]
	if p == nil || p.Category != "cultivation_realms" {
		t.Errorf("cross-category collision should keep the higher-frequency pattern, got %+v", p)
	}

	// Within one category the later entry wins.
	same := []corpus.Pattern{
		{Term: "剑", Category: "martial_techniques", PrimaryRendering: "old"},
		{Term: "剑", Category: "martial_techniques", PrimaryRendering: "new"},
	}
	snap = buildSnapshot("v", same, nil, nil)
	if p := snap.direct[NormalizeTerm("剑")]; p == nil || p.PrimaryRendering != "new" {
		t.Errorf("in-category collision should keep the later pattern, got %+v", p)
	}
}

func TestEmbeddingFailureDegrades(t *testing.T) {
	emb := newFakeEmbedder()
	idx := newFakeIndex()
	eng := NewEngine(nil, testConfig(t), emb, idx)
	c := testCorpus()
	if _, err := eng.BuildIndex(c, true); err != nil {
		t.Fatal(err)
	}

	// Force the next single-term embedding to fail.
	failing := &failingEmbedder{fakeEmbedder: emb}
	eng.embedder = failing

	r := eng.QueryOne("unseen term", "", "")
	if r.ConfidenceTier != TierIgnore {
		t.Errorf("embedding failure should degrade to IGNORE, got %+v", r)
	}
}

type failingEmbedder struct {
	*fakeEmbedder
}

func (f *failingEmbedder) Embed(text string) ([]float64, error) {
	return nil, fmt.Errorf("simulated embedding outage")
}
