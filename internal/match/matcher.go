package match

import (
	"sort"
	"strings"

	"github.com/awarddata/linkage-platform/internal/match/normalizer"
	"github.com/awarddata/linkage-platform/internal/match/refindex"
	"github.com/awarddata/linkage-platform/pkg/errors"
)

// Matcher resolves query records against one built identifier index. It is
// pure and stateless per call: the same query against the same index always
// yields the same Result, and it is safe for concurrent use.
type Matcher struct {
	index *refindex.Index
	norm  *normalizer.Normalizer
	opts  Options
}

// New creates a Matcher over a built index.
func New(index *refindex.Index, norm *normalizer.Normalizer, opts Options) *Matcher {
	return &Matcher{
		index: index,
		norm:  norm,
		opts:  opts.withDefaults(),
	}
}

// Match resolves one query record. Exact identifiers win outright; otherwise
// candidates are gathered by name blocking (with bounded fallbacks) and
// scored by token overlap. It returns ErrInvalidInput only for a record with
// neither identifiers nor a name; absence of a match is never an error.
func (m *Matcher) Match(q QueryRecord) (Result, error) {
	if entityID, ok := m.index.ByPrimaryID(q.PrimaryID); ok {
		return Result{
			MatchedEntityID: entityID,
			Score:           100,
			Method:          MethodIDExactPrimary,
		}, nil
	}
	if entityID, ok := m.index.BySecondaryID(q.SecondaryID); ok {
		return Result{
			MatchedEntityID: entityID,
			Score:           100,
			Method:          MethodIDExactSecondary,
		}, nil
	}

	name := m.norm.Normalize(q.Name)
	if name == "" {
		if strings.TrimSpace(q.PrimaryID) == "" && strings.TrimSpace(q.SecondaryID) == "" {
			return Result{}, errors.Newf(errors.ErrInvalidInput, 400,
				"query record %q has no identifiers and no name", q.ID)
		}
		// Identifiers were present but missed; nothing left to compare on.
		return Result{Method: MethodNone}, nil
	}

	candidateIDs := m.gatherCandidates(name)
	if len(candidateIDs) == 0 {
		return Result{Method: MethodNone}, nil
	}

	scored := m.scoreCandidates(name, candidateIDs)
	return m.classify(scored), nil
}

// gatherCandidates collects candidate entity IDs for a normalized query name:
// block on the name prefix; if the block is empty, scan for entities whose
// normalized name starts with the query's first token (bounded); if still
// empty, take a bounded sample of the full reference set.
func (m *Matcher) gatherCandidates(name string) []string {
	blockKey := normalizer.BlockKey(name, m.opts.BlockPrefixLen)
	if ids := m.index.BlockCandidates(blockKey); len(ids) > 0 {
		return ids
	}

	firstToken := name
	if i := strings.IndexByte(name, ' '); i > 0 {
		firstToken = name[:i]
	}

	var prefixed []string
	for _, id := range m.index.SortedEntityIDs() {
		candidateName, _ := m.index.NormalizedName(id)
		if strings.HasPrefix(candidateName, firstToken) {
			prefixed = append(prefixed, id)
			if len(prefixed) >= m.opts.FallbackScanLimit {
				break
			}
		}
	}
	if len(prefixed) > 0 {
		return prefixed
	}

	all := m.index.SortedEntityIDs()
	if len(all) > m.opts.FallbackScanLimit {
		all = all[:m.opts.FallbackScanLimit]
	}
	return all
}

// scoreCandidates scores every candidate and returns them ordered by score
// descending, tie-broken by ascending entity ID so that equal scores resolve
// deterministically rather than by map iteration order.
func (m *Matcher) scoreCandidates(name string, candidateIDs []string) []Candidate {
	scored := make([]Candidate, 0, len(candidateIDs))
	for _, id := range candidateIDs {
		candidateName, ok := m.index.NormalizedName(id)
		if !ok {
			continue
		}
		scored = append(scored, Candidate{
			EntityID: id,
			Score:    scoreNames(name, candidateName),
			Name:     candidateName,
		})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].EntityID < scored[j].EntityID
	})
	if len(scored) > m.opts.TopK {
		scored = scored[:m.opts.TopK]
	}
	return scored
}

func (m *Matcher) classify(scored []Candidate) Result {
	if len(scored) == 0 {
		return Result{Method: MethodNone}
	}
	best := scored[0]
	result := Result{
		Score:      best.Score,
		Candidates: scored,
	}
	switch {
	case best.Score >= m.opts.HighThreshold:
		result.Method = MethodFuzzyAuto
		result.MatchedEntityID = best.EntityID
	case best.Score >= m.opts.LowThreshold:
		result.Method = MethodFuzzyCandidate
	default:
		result.Method = MethodFuzzyLow
	}
	return result
}
