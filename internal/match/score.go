package match

import (
	"math"

	"github.com/awarddata/linkage-platform/internal/match/normalizer"
)

// scoreNames computes an order-independent token-overlap similarity between
// two normalized names on a 0-100 scale: the Dice coefficient over the unique
// token sets, rounded. Two names score 100 iff their token sets are identical
// regardless of order; partial overlap scores proportionally.
func scoreNames(a, b string) int {
	tokensA := uniqueTokens(a)
	tokensB := uniqueTokens(b)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	shared := 0
	for token := range tokensA {
		if _, ok := tokensB[token]; ok {
			shared++
		}
	}

	dice := 2 * float64(shared) / float64(len(tokensA)+len(tokensB))
	score := int(math.Round(dice * 100))
	// Rounding must not promote a near-match to a perfect score: 100 is
	// reserved for identical token sets.
	if score == 100 && dice < 1 {
		score = 99
	}
	return score
}

func uniqueTokens(normalized string) map[string]struct{} {
	tokens := normalizer.Tokens(normalized)
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}
