// Package match resolves query records against a reference entity set,
// preferring exact structured identifiers and falling back to blocked fuzzy
// name scoring with tunable accept/review thresholds.
package match

// Method identifies how (or whether) a query record was resolved.
type Method string

const (
	// MethodIDExactPrimary and MethodIDExactSecondary are exact identifier
	// hits: always score 100 with a populated MatchedEntityID.
	MethodIDExactPrimary   Method = "id-exact-primary"
	MethodIDExactSecondary Method = "id-exact-secondary"
	// MethodFuzzyAuto is a fuzzy score at or above the high threshold; the
	// only fuzzy method that auto-accepts (populates MatchedEntityID).
	MethodFuzzyAuto Method = "fuzzy-auto"
	// MethodFuzzyCandidate scored in [low, high): not accepted, retained
	// with its candidate list for manual review.
	MethodFuzzyCandidate Method = "fuzzy-candidate"
	// MethodFuzzyLow scored below the low threshold.
	MethodFuzzyLow Method = "fuzzy-low"
	// MethodNone means no candidates existed at all.
	MethodNone Method = "none"
)

// QueryRecord is one record to resolve. Identifiers are optional; Name is
// required only when both identifiers are absent.
type QueryRecord struct {
	ID          string            `json:"id"`
	PrimaryID   string            `json:"primary_id,omitempty"`
	SecondaryID string            `json:"secondary_id,omitempty"`
	Name        string            `json:"name"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Candidate is one scored reference entity, kept for audit and review.
type Candidate struct {
	EntityID string `json:"entity_id"`
	Score    int    `json:"score"`
	Name     string `json:"name"`
}

// Result is the outcome of resolving one QueryRecord.
//
// Invariants: Method is id-exact-* iff Score == 100 iff MatchedEntityID came
// from an identifier hit; MethodFuzzyAuto is the only fuzzy method with a
// non-empty MatchedEntityID.
type Result struct {
	MatchedEntityID string      `json:"matched_entity_id,omitempty"`
	Score           int         `json:"score"`
	Method          Method      `json:"method"`
	Candidates      []Candidate `json:"candidates,omitempty"`
}

// Matched reports whether the result resolved to a reference entity.
func (r Result) Matched() bool {
	return r.MatchedEntityID != ""
}

// Options bundles the matcher's tunables. Zero values fall back to defaults.
type Options struct {
	HighThreshold     int
	LowThreshold      int
	TopK              int
	BlockPrefixLen    int
	FallbackScanLimit int
}

func (o Options) withDefaults() Options {
	if o.HighThreshold == 0 {
		o.HighThreshold = 90
	}
	if o.LowThreshold == 0 {
		o.LowThreshold = 70
	}
	if o.TopK == 0 {
		o.TopK = 5
	}
	if o.BlockPrefixLen == 0 {
		o.BlockPrefixLen = 2
	}
	if o.FallbackScanLimit == 0 {
		o.FallbackScanLimit = 500
	}
	return o
}
