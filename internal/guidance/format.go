package guidance

import (
	"fmt"
	"sort"
	"strings"
)

// FormatForPrompt renders guidance results into the compact block injected
// into a downstream translation prompt. Ordering is deterministic: descending
// final score, ties broken by term. IGNORE-tier results are never included;
// LOG-tier results only when includeSuggestions is set.
func FormatForPrompt(results []GuidanceResult, includeSuggestions bool) string {
	var included []GuidanceResult
	for _, r := range results {
		if r.MatchedPattern == nil {
			continue
		}
		switch r.ConfidenceTier {
		case TierInject:
			included = append(included, r)
		case TierLog:
			if includeSuggestions {
				included = append(included, r)
			}
		}
	}
	if len(included) == 0 {
		return ""
	}

	sort.Slice(included, func(i, j int) bool {
		if included[i].FinalScore != included[j].FinalScore {
			return included[i].FinalScore > included[j].FinalScore
		}
		return included[i].QueryTerm < included[j].QueryTerm
	})

	var sb strings.Builder
	sb.WriteString("Term guidance:\n")
	for _, r := range included {
		p := r.MatchedPattern
		sb.WriteString(fmt.Sprintf("- %s => %s [%s]", p.Term, p.PrimaryRendering, p.Category))
		if len(p.AlternateRenderings) > 0 {
			sb.WriteString(" (also: " + strings.Join(p.AlternateRenderings, ", ") + ")")
		}
		if len(p.DiscouragedRenderings) > 0 {
			sb.WriteString(" (avoid: " + strings.Join(p.DiscouragedRenderings, ", ") + ")")
		}
		if r.ConfidenceTier == TierLog {
			sb.WriteString(fmt.Sprintf(" (suggestion, score %.2f)", r.FinalScore))
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
