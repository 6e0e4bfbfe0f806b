// Package normalizer canonicalises free-text entity names for comparison.
// Divergent normalization between the two sides of a comparison is the most
// common cause of false negatives in record linkage, so every name, query or
// reference, must pass through the same Normalizer before any scoring.
package normalizer

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// defaultExpansions maps common legal-suffix abbreviations to their expanded
// forms. The table is deliberately partial: it covers the renderings observed
// in real award data, and callers extend it via config rather than code.
var defaultExpansions = map[string]string{
	"co":   "company",
	"corp": "corporation",
	"inc":  "incorporated",
	"ltd":  "limited",
	"intl": "international",
	"mfg":  "manufacturing",
	"assn": "association",
	"bros": "brothers",
	"dept": "department",
	"govt": "government",
	"univ": "university",
	"svcs": "services",
}

// Normalizer canonicalises entity names. The zero value is not usable; call
// New.
type Normalizer struct {
	expansions map[string]string
	fold       transform.Transformer
}

// New creates a Normalizer. Entries in expansions are merged over the default
// legal-suffix table; pass nil to use the defaults alone.
func New(expansions map[string]string) *Normalizer {
	merged := make(map[string]string, len(defaultExpansions)+len(expansions))
	for abbr, full := range defaultExpansions {
		merged[abbr] = full
	}
	for abbr, full := range expansions {
		merged[abbr] = full
	}
	return &Normalizer{
		expansions: merged,
		fold:       transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC),
	}
}

// Normalize canonicalises a raw name: trims, folds diacritics, lowercases,
// strips punctuation, collapses whitespace, and expands legal-suffix
// abbreviations. Empty input normalizes to "". Idempotent.
func (n *Normalizer) Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	if folded, _, err := transform.String(n.fold, s); err == nil {
		s = folded
	}
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "&", " and ")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}

	words := strings.Fields(b.String())
	for i, word := range words {
		if full, ok := n.expansions[word]; ok {
			words[i] = full
		}
	}
	return strings.Join(words, " ")
}

// Tokens splits an already-normalized name into its comparison tokens.
func Tokens(normalized string) []string {
	return strings.Fields(normalized)
}

// BlockKey returns the blocking key for a normalized name: its first k runes.
// Names shorter than k block on the whole name.
func BlockKey(normalized string, k int) string {
	if k < 1 {
		k = 1
	}
	r := []rune(normalized)
	if len(r) <= k {
		return normalized
	}
	return string(r[:k])
}
