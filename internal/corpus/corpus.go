// Package corpus loads the structured disambiguation corpus into validated
// Pattern and NegativeAnchor records. JSON is the canonical format; curated
// glossaries also arrive as .xlsx and legacy .xls spreadsheets.
package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// ErrCorpusMalformed indicates the corpus source is structurally unparseable.
// A partially-loaded index would silently degrade disambiguation quality, so
// structural errors abort the whole load.
var ErrCorpusMalformed = errors.New("corpus is structurally malformed")

// Pattern is one disambiguation entry: a source-language term and its
// acceptable target-language renderings.
type Pattern struct {
	Term                  string   `json:"term"`
	Category              string   `json:"category"`
	PrimaryRendering      string   `json:"primary_rendering"`
	AlternateRenderings   []string `json:"alternate_renderings,omitempty"`
	DiscouragedRenderings []string `json:"discouraged_renderings,omitempty"`
	ContextTags           []string `json:"context_tags,omitempty"`
	CorpusFrequency       int      `json:"corpus_frequency"`
}

// ID returns the stable identifier used to key the pattern in the vector
// index. Terms are unique within a category, so category+term is stable
// across rebuilds.
func (p *Pattern) ID() string {
	return p.Category + "::" + p.Term
}

// NegativeAnchor is a confirmed false-positive example tied to one category.
// Its embedding is computed at index build time, not at load time.
type NegativeAnchor struct {
	Category   string `json:"category"`
	SourceText string `json:"source_text"`
}

// Corpus is the validated result of one load.
type Corpus struct {
	Version  string
	Patterns []Pattern
	Anchors  []NegativeAnchor
}

// Categories returns the distinct category names in load order.
func (c *Corpus) Categories() []string {
	seen := make(map[string]bool)
	var cats []string
	for _, p := range c.Patterns {
		if !seen[p.Category] {
			seen[p.Category] = true
			cats = append(cats, p.Category)
		}
	}
	return cats
}

// LoadFile loads a corpus from disk, dispatching on the file extension.
// Supported: .json, .xlsx, .xls.
func LoadFile(path string) (*Corpus, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return LoadJSON(data)
	case ".xlsx":
		return LoadXLSX(data)
	case ".xls":
		return LoadXLS(data)
	default:
		return nil, fmt.Errorf("%w: unsupported corpus format %q", ErrCorpusMalformed, filepath.Ext(path))
	}
}

// contentVersion derives a stable version tag from the raw source bytes, used
// when the corpus does not declare a version. Loading the same content twice
// therefore yields the same version.
func contentVersion(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:6])
}

// validate filters raw records into a Corpus. Per-entry problems (missing
// rendering, anchor referencing an unknown category) are skipped and logged;
// they never abort the load.
func validate(version string, patterns []Pattern, anchors []NegativeAnchor) *Corpus {
	c := &Corpus{Version: version}

	categories := make(map[string]bool)
	for _, p := range patterns {
		p.Term = strings.TrimSpace(p.Term)
		p.PrimaryRendering = strings.TrimSpace(p.PrimaryRendering)
		if p.Term == "" {
			log.Printf("corpus: skipping pattern with empty term in category %q", p.Category)
			continue
		}
		if p.PrimaryRendering == "" {
			log.Printf("corpus: skipping pattern %q (category %q): no usable rendering", p.Term, p.Category)
			continue
		}
		if p.CorpusFrequency < 0 {
			p.CorpusFrequency = 0
		}
		categories[p.Category] = true
		c.Patterns = append(c.Patterns, p)
	}

	for _, a := range anchors {
		a.SourceText = strings.TrimSpace(a.SourceText)
		if a.SourceText == "" {
			log.Printf("corpus: skipping empty negative anchor in category %q", a.Category)
			continue
		}
		if !categories[a.Category] {
			log.Printf("corpus: skipping negative anchor for unknown category %q", a.Category)
			continue
		}
		c.Anchors = append(c.Anchors, a)
	}

	return c
}

// splitList splits a delimiter-separated spreadsheet cell into a clean list.
// Both "|" and "," are accepted as delimiters.
func splitList(cell string) []string {
	if strings.TrimSpace(cell) == "" {
		return nil
	}
	sep := ","
	if strings.Contains(cell, "|") {
		sep = "|"
	}
	var out []string
	for _, part := range strings.Split(cell, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
