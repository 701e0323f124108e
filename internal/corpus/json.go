package corpus

import (
	"encoding/json"
	"fmt"
	"sort"
)

// jsonCorpus is the canonical on-disk corpus document:
//
//	{
//	  "version": "2026-08",
//	  "categories": {
//	    "cultivation_realms": {
//	      "patterns": [ { "term": "金丹期", "primary_rendering": "Kim Đan", ... } ],
//	      "negative_anchors": [ "他走进房间坐下" ]
//	    }
//	  }
//	}
type jsonCorpus struct {
	Version    string                  `json:"version"`
	Categories map[string]jsonCategory `json:"categories"`
}

type jsonCategory struct {
	Patterns        []Pattern `json:"patterns"`
	NegativeAnchors []string  `json:"negative_anchors,omitempty"`
}

// LoadJSON parses the canonical JSON corpus document. A document that does not
// parse or has no categories is structurally malformed and aborts the load;
// individual bad entries are skipped and logged.
func LoadJSON(data []byte) (*Corpus, error) {
	var doc jsonCorpus
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorpusMalformed, err)
	}
	if len(doc.Categories) == 0 {
		return nil, fmt.Errorf("%w: no categories declared", ErrCorpusMalformed)
	}

	version := doc.Version
	if version == "" {
		version = contentVersion(data)
	}

	// Flatten in sorted category order so load order, and with it the direct
	// cache tie-break on cross-category duplicate terms, is stable across runs.
	categories := make([]string, 0, len(doc.Categories))
	for category := range doc.Categories {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	var patterns []Pattern
	var anchors []NegativeAnchor
	for _, category := range categories {
		group := doc.Categories[category]
		for _, p := range group.Patterns {
			p.Category = category
			patterns = append(patterns, p)
		}
		for _, text := range group.NegativeAnchors {
			anchors = append(anchors, NegativeAnchor{Category: category, SourceText: text})
		}
	}

	return validate(version, patterns, anchors), nil
}
