package guidance

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeTerm canonicalizes a term for exact-match lookup: NFKC
// normalization (full-width and compatibility forms collapse to their
// canonical equivalents), whitespace collapsed to single spaces, lowercased.
// No fuzzy matching happens at this layer.
func NormalizeTerm(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Join(strings.Fields(s), " ")
	return strings.ToLower(norm.NFKC.String(s))
}
