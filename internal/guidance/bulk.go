package guidance

import (
	"math"
	"sync"
	"sync/atomic"
)

// QueryBulk answers guidance for many terms at once, e.g. all patterns
// detected in one chapter. A session cache scoped to this call guarantees
// each distinct term is resolved once; maxAPICalls is a hard ceiling on
// embedding lookups (values <= 0 mean unlimited) — terms beyond the cap are
// reported as not found rather than guessed at. The returned report is always
// complete and well-formed; rate-cap exhaustion is not an error.
func (e *Engine) QueryBulk(terms []string, genre string, maxAPICalls int, minConfidence float64) *BulkGuidanceReport {
	report := &BulkGuidanceReport{}
	if len(terms) == 0 {
		return report
	}
	cfg := e.cfg.Get()

	// Dedupe up front, preserving first-appearance order. Every repeat of a
	// term is a session cache hit.
	var unique []string
	uniqueKeys := make(map[string]bool, len(terms))
	for _, t := range terms {
		key := NormalizeTerm(t)
		if !uniqueKeys[key] {
			uniqueKeys[key] = true
			unique = append(unique, t)
		}
	}
	report.CacheHits = len(terms) - len(unique)

	budget := &callBudget{remaining: math.MaxInt}
	if maxAPICalls > 0 {
		budget.remaining = maxAPICalls
	}

	concurrency := cfg.Guidance.BulkConcurrency
	if concurrency < 1 {
		concurrency = 6
	}
	if concurrency > len(unique) {
		concurrency = len(unique)
	}

	// Bounded worker pool over the unique terms; the budget is the shared
	// counter every worker draws from.
	session := make(map[string]GuidanceResult, len(unique))
	var sessionMu sync.Mutex
	var apiCalls int64

	workCh := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for term := range workCh {
				r, usedAPI := e.lookup(term, "", genre, budget)
				if usedAPI {
					atomic.AddInt64(&apiCalls, 1)
				}
				sessionMu.Lock()
				session[NormalizeTerm(term)] = r
				sessionMu.Unlock()
			}
		}()
	}
	for _, t := range unique {
		workCh <- t
	}
	close(workCh)
	wg.Wait()

	report.APICallsMade = int(apiCalls)

	// Counters run over unique terms; Results carries one entry per input
	// term so duplicate inputs see cache-consistent answers.
	for _, t := range unique {
		r := session[NormalizeTerm(t)]
		switch {
		case r.LookupPath == PathDirect:
			report.DirectHits++
		case r.LookupPath == PathVector && r.MatchedPattern != nil:
			report.VectorHits++
		}
		if r.NegativePenalty > 0 {
			report.NegPenaltiesApplied++
		}
		if r.MatchedPattern == nil {
			report.NotFound++
		}
		if r.MatchedPattern != nil && r.FinalScore >= minConfidence {
			report.HighConfidence = append(report.HighConfidence, r)
		}
	}

	for _, t := range terms {
		r := session[NormalizeTerm(t)]
		r.QueryTerm = t // keep the caller's surface form
		report.Results = append(report.Results, r)
	}

	return report
}
