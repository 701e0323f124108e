package guidance

import (
	"log"

	"termguide/internal/corpus"
)

// categoryRegistry resolves category names to stable integer handles once at
// load time. Hot-path comparisons use the handles; strings survive only at
// the corpus/API boundary.
type categoryRegistry struct {
	handles map[string]int
	names   []string
}

func newCategoryRegistry() *categoryRegistry {
	return &categoryRegistry{handles: make(map[string]int)}
}

// intern returns the handle for name, registering it on first sight.
func (r *categoryRegistry) intern(name string) int {
	if h, ok := r.handles[name]; ok {
		return h
	}
	h := len(r.names)
	r.handles[name] = h
	r.names = append(r.names, name)
	return h
}

// handle returns the handle for name, or -1 when unregistered.
func (r *categoryRegistry) handle(name string) int {
	if h, ok := r.handles[name]; ok {
		return h
	}
	return -1
}

// snapshot is the immutable product of one index build: the direct lookup
// cache, the per-category negative anchor vectors, and the category registry.
// A rebuild constructs a complete new snapshot off to the side and swaps the
// engine's pointer; readers of the old snapshot are never disturbed.
type snapshot struct {
	version  string
	registry *categoryRegistry
	// direct maps NormalizeTerm(term) -> pattern. Collisions within a
	// category resolve to the later pattern in load order; across
	// categories the higher corpus frequency wins.
	direct map[string]*corpus.Pattern
	// byID maps stable pattern IDs (as stored in the vector index) back to
	// their patterns.
	byID map[string]*corpus.Pattern
	// anchors holds negative anchor vectors grouped by category handle.
	anchors  [][][]float64
	patterns []corpus.Pattern
}

func emptySnapshot() *snapshot {
	return &snapshot{
		registry: newCategoryRegistry(),
		direct:   make(map[string]*corpus.Pattern),
		byID:     make(map[string]*corpus.Pattern),
	}
}

// buildSnapshot assembles a snapshot from validated corpus records and the
// anchor vectors computed for them. anchorVectors is index-aligned with
// anchors; a nil vector (failed embedding) is skipped.
func buildSnapshot(version string, patterns []corpus.Pattern, anchors []corpus.NegativeAnchor, anchorVectors [][]float64) *snapshot {
	s := emptySnapshot()
	s.version = version
	s.patterns = patterns

	for i := range patterns {
		p := &s.patterns[i]
		s.registry.intern(p.Category)
		s.byID[p.ID()] = p
		key := NormalizeTerm(p.Term)
		if prev, ok := s.direct[key]; ok {
			if prev.Category == p.Category {
				// Later pattern in load order wins within a category.
				log.Printf("guidance: direct cache collision for %q in category %q, later entry wins", p.Term, p.Category)
			} else if prev.CorpusFrequency > p.CorpusFrequency {
				log.Printf("guidance: term %q spans categories %q and %q, keeping higher-frequency %q",
					p.Term, prev.Category, p.Category, prev.Category)
				continue
			} else {
				log.Printf("guidance: term %q spans categories %q and %q, keeping higher-frequency %q",
					p.Term, prev.Category, p.Category, p.Category)
			}
		}
		s.direct[key] = p
	}

	s.anchors = make([][][]float64, len(s.registry.names))
	for i, a := range anchors {
		if i >= len(anchorVectors) || anchorVectors[i] == nil {
			continue
		}
		h := s.registry.handle(a.Category)
		if h < 0 {
			// Anchor for a category with no surviving patterns.
			log.Printf("guidance: dropping anchor for unindexed category %q", a.Category)
			continue
		}
		s.anchors[h] = append(s.anchors[h], anchorVectors[i])
	}

	return s
}

// patternsPerCategory counts indexed patterns by category name.
func (s *snapshot) patternsPerCategory() map[string]int {
	counts := make(map[string]int)
	for i := range s.patterns {
		counts[s.patterns[i].Category]++
	}
	return counts
}

// anchorsPerCategory counts registered anchor vectors by category name.
func (s *snapshot) anchorsPerCategory() map[string]int {
	counts := make(map[string]int)
	for h, vecs := range s.anchors {
		if len(vecs) > 0 {
			counts[s.registry.names[h]] = len(vecs)
		}
	}
	return counts
}
