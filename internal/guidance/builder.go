package guidance

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log"

	"termguide/internal/corpus"
	"termguide/internal/vectorstore"
)

// corpusVersionKey is the index_meta key recording which corpus built the index.
const corpusVersionKey = "corpus_version"

// embeddingText builds the deterministic composite text a pattern is embedded
// from. Stable across rebuilds so idempotent skips stay valid.
func embeddingText(p *corpus.Pattern) string {
	return p.Term + " | " + p.PrimaryRendering + " | " + p.Category
}

// BuildIndex embeds the corpus and constructs the vector collection, the
// direct lookup cache, and the negative anchor cache. The new snapshot is
// built fully off to the side and swapped in at the end; readers of the old
// snapshot are never blocked.
//
// With force=false an existing non-empty collection makes the build an
// idempotent no-op returning the prior stats. With force=true the collection
// is cleared first, which also resets the embedding model tag.
func (e *Engine) BuildIndex(c *corpus.Corpus, force bool) (*IndexStats, error) {
	cfg := e.cfg.Get()

	if force {
		if err := e.index.Clear(); err != nil {
			return nil, fmt.Errorf("failed to clear index: %w", err)
		}
	}
	if err := e.index.VerifyModelID(e.embedder.ModelID()); err != nil {
		return nil, err
	}

	if !force {
		if count, err := e.index.Count(); err == nil && count > 0 {
			log.Printf("guidance: index already populated (%d vectors), skipping build", count)
			return e.currentStats(), nil
		}
	}

	existing, err := e.index.ExistingIDs()
	if err != nil {
		return nil, fmt.Errorf("failed to read existing ids: %w", err)
	}

	batchSize := cfg.Index.BatchSize
	if batchSize < 1 {
		batchSize = 50
	}

	// Embed and upsert patterns in batches to amortize API round trips.
	// A failed batch aborts the build; already-upserted batches are skipped
	// on the next run.
	var batch []*corpus.Pattern
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = embeddingText(p)
		}
		vectors, err := e.embedder.EmbedBatch(texts)
		if err != nil {
			return fmt.Errorf("failed to embed pattern batch: %w", err)
		}
		entries := make([]vectorstore.PatternVector, len(batch))
		for i, p := range batch {
			entries[i] = vectorstore.PatternVector{
				PatternID: p.ID(),
				Term:      p.Term,
				Category:  p.Category,
				Document:  texts[i],
				Vector:    vectors[i],
				Frequency: p.CorpusFrequency,
			}
		}
		if err := e.index.Upsert(entries); err != nil {
			return fmt.Errorf("failed to upsert pattern batch: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for i := range c.Patterns {
		p := &c.Patterns[i]
		if existing[p.ID()] {
			continue
		}
		batch = append(batch, p)
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	// Embed negative anchors with the same embedder and model version.
	anchorVectors := make([][]float64, len(c.Anchors))
	for start := 0; start < len(c.Anchors); start += batchSize {
		end := start + batchSize
		if end > len(c.Anchors) {
			end = len(c.Anchors)
		}
		texts := make([]string, end-start)
		for i := start; i < end; i++ {
			texts[i-start] = c.Anchors[i].SourceText
		}
		vectors, err := e.embedder.EmbedBatch(texts)
		if err != nil {
			return nil, fmt.Errorf("failed to embed anchor batch: %w", err)
		}
		copy(anchorVectors[start:end], vectors)
	}

	if e.db != nil {
		if err := e.persistCorpus(c, anchorVectors); err != nil {
			return nil, err
		}
	}

	// Swap the vector collection and the snapshot atomically.
	if err := e.index.Reload(); err != nil {
		return nil, fmt.Errorf("failed to reload index: %w", err)
	}
	e.swapSnapshot(buildSnapshot(c.Version, c.Patterns, c.Anchors, anchorVectors))

	return e.currentStats(), nil
}

// currentStats assembles IndexStats from the live snapshot and index.
func (e *Engine) currentStats() *IndexStats {
	snap := e.snapshot()
	total, _ := e.index.Count()
	return &IndexStats{
		PatternsPerCategory: snap.patternsPerCategory(),
		AnchorsPerCategory:  snap.anchorsPerCategory(),
		TotalIndexed:        total,
		CorpusVersion:       snap.version,
	}
}

// persistCorpus replaces the patterns and anchors tables with the given
// corpus so the snapshot can be rebuilt on restart without re-embedding.
func (e *Engine) persistCorpus(c *corpus.Corpus, anchorVectors [][]float64) error {
	tx, err := e.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	for _, stmt := range []string{`DELETE FROM anchors`, `DELETE FROM patterns`} {
		if _, err := tx.Exec(stmt); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to reset corpus tables: %w", err)
		}
	}

	patternStmt, err := tx.Prepare(
		`INSERT INTO patterns (id, term, category, primary_rendering, alternate_renderings,
		  discouraged_renderings, context_tags, corpus_frequency, corpus_version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare pattern insert: %w", err)
	}
	defer patternStmt.Close()

	for i := range c.Patterns {
		p := &c.Patterns[i]
		if _, err := patternStmt.Exec(
			p.ID(), p.Term, p.Category, p.PrimaryRendering,
			jsonList(p.AlternateRenderings), jsonList(p.DiscouragedRenderings), jsonList(p.ContextTags),
			p.CorpusFrequency, c.Version); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert pattern %s: %w", p.ID(), err)
		}
	}

	anchorStmt, err := tx.Prepare(
		`INSERT INTO anchors (id, category, text, embedding) VALUES (?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to prepare anchor insert: %w", err)
	}
	defer anchorStmt.Close()

	for i, a := range c.Anchors {
		var blob []byte
		if i < len(anchorVectors) && anchorVectors[i] != nil {
			blob = vectorstore.SerializeVector(anchorVectors[i])
		}
		id := fmt.Sprintf("%s::%d", a.Category, i)
		if _, err := anchorStmt.Exec(id, a.Category, a.SourceText, blob); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert anchor %s: %w", id, err)
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO index_meta (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		corpusVersionKey, c.Version); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record corpus version: %w", err)
	}

	return tx.Commit()
}

// LoadFromStore rebuilds the in-memory snapshot from the persisted corpus
// tables, so a restarted process serves queries without re-embedding.
func (e *Engine) LoadFromStore() error {
	if e.db == nil {
		return fmt.Errorf("no database configured")
	}
	if err := e.index.VerifyModelID(e.embedder.ModelID()); err != nil {
		return err
	}

	var version string
	err := e.db.QueryRow(`SELECT value FROM index_meta WHERE key = ?`, corpusVersionKey).Scan(&version)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read corpus version: %w", err)
	}

	rows, err := e.db.Query(
		`SELECT term, category, primary_rendering, alternate_renderings,
		        discouraged_renderings, context_tags, corpus_frequency
		 FROM patterns`)
	if err != nil {
		return fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var patterns []corpus.Pattern
	for rows.Next() {
		var p corpus.Pattern
		var alt, disc, tags string
		if err := rows.Scan(&p.Term, &p.Category, &p.PrimaryRendering, &alt, &disc, &tags, &p.CorpusFrequency); err != nil {
			return fmt.Errorf("failed to scan pattern: %w", err)
		}
		p.AlternateRenderings = parseJSONList(alt)
		p.DiscouragedRenderings = parseJSONList(disc)
		p.ContextTags = parseJSONList(tags)
		patterns = append(patterns, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating patterns: %w", err)
	}

	anchorRows, err := e.db.Query(`SELECT category, text, embedding FROM anchors`)
	if err != nil {
		return fmt.Errorf("failed to query anchors: %w", err)
	}
	defer anchorRows.Close()

	var anchors []corpus.NegativeAnchor
	var anchorVectors [][]float64
	for anchorRows.Next() {
		var a corpus.NegativeAnchor
		var blob []byte
		if err := anchorRows.Scan(&a.Category, &a.SourceText, &blob); err != nil {
			return fmt.Errorf("failed to scan anchor: %w", err)
		}
		anchors = append(anchors, a)
		anchorVectors = append(anchorVectors, vectorstore.DeserializeVector(blob))
	}
	if err := anchorRows.Err(); err != nil {
		return fmt.Errorf("error iterating anchors: %w", err)
	}

	e.swapSnapshot(buildSnapshot(version, patterns, anchors, anchorVectors))
	return nil
}

func jsonList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func parseJSONList(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(s), &items); err != nil {
		return nil
	}
	return items
}
