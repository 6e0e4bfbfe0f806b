// Package refindex builds exact-identifier and name-blocking lookup
// structures over a reference entity set. The index is built once per batch
// (O(n)) and serves concurrent readers for the lifetime of that batch; it is
// never mutated after Build returns.
package refindex

import (
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/awarddata/linkage-platform/internal/match/normalizer"
	"github.com/awarddata/linkage-platform/internal/reference"
)

// DuplicateID records a collision on an identifier key in the reference set.
// Duplicates are a data-quality problem to surface upstream, not something
// the index can resolve; lookups keep the last writer.
type DuplicateID struct {
	Kind      string `json:"kind"` // "primary" or "secondary"
	Key       string `json:"key"`
	KeptID    string `json:"kept_id"`
	DroppedID string `json:"dropped_id"`
}

// Index holds the exact-match and blocking structures for one reference set.
type Index struct {
	mu        sync.RWMutex
	primary   map[string]string
	secondary map[string]string
	blocks    map[string][]string
	names     map[string]string
	sortedIDs []string
	dups      []DuplicateID
	version   string
}

// NormalizePrimaryID canonicalises a primary identifier for key comparison.
func NormalizePrimaryID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// NormalizeSecondaryID reduces a secondary identifier to its digits.
func NormalizeSecondaryID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Build constructs an Index from a reference entity collection. Names are
// normalized with norm; block keys are the first blockPrefixLen runes of the
// normalized name.
func Build(entities []reference.Entity, norm *normalizer.Normalizer, blockPrefixLen int) *Index {
	idx := &Index{
		primary:   make(map[string]string, len(entities)),
		secondary: make(map[string]string, len(entities)),
		blocks:    make(map[string][]string),
		names:     make(map[string]string, len(entities)),
		sortedIDs: make([]string, 0, len(entities)),
		version:   reference.Version(entities),
	}

	for _, e := range entities {
		if key := NormalizePrimaryID(e.PrimaryID); key != "" {
			if prev, exists := idx.primary[key]; exists && prev != e.ID {
				idx.dups = append(idx.dups, DuplicateID{
					Kind: "primary", Key: key, KeptID: e.ID, DroppedID: prev,
				})
			}
			idx.primary[key] = e.ID
		}
		if key := NormalizeSecondaryID(e.SecondaryID); key != "" {
			if prev, exists := idx.secondary[key]; exists && prev != e.ID {
				idx.dups = append(idx.dups, DuplicateID{
					Kind: "secondary", Key: key, KeptID: e.ID, DroppedID: prev,
				})
			}
			idx.secondary[key] = e.ID
		}

		name := norm.Normalize(e.Name)
		idx.names[e.ID] = name
		idx.sortedIDs = append(idx.sortedIDs, e.ID)
		if name != "" {
			key := normalizer.BlockKey(name, blockPrefixLen)
			idx.blocks[key] = append(idx.blocks[key], e.ID)
		}
	}

	sort.Strings(idx.sortedIDs)
	for _, ids := range idx.blocks {
		sort.Strings(ids)
	}
	return idx
}

// ByPrimaryID looks up an entity by its normalized primary identifier.
func (idx *Index) ByPrimaryID(id string) (string, bool) {
	key := NormalizePrimaryID(id)
	if key == "" {
		return "", false
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	entityID, ok := idx.primary[key]
	return entityID, ok
}

// BySecondaryID looks up an entity by its digits-only secondary identifier.
func (idx *Index) BySecondaryID(id string) (string, bool) {
	key := NormalizeSecondaryID(id)
	if key == "" {
		return "", false
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	entityID, ok := idx.secondary[key]
	return entityID, ok
}

// BlockCandidates returns the entity IDs whose normalized names share the
// given block key, sorted ascending.
func (idx *Index) BlockCandidates(blockKey string) []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	ids := idx.blocks[blockKey]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// NormalizedName returns the stored normalized name for an entity.
func (idx *Index) NormalizedName(entityID string) (string, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	name, ok := idx.names[entityID]
	return name, ok
}

// AllNormalizedNames returns a copy of the entity-ID → normalized-name map
// used for global fallback scoring.
func (idx *Index) AllNormalizedNames() map[string]string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make(map[string]string, len(idx.names))
	for id, name := range idx.names {
		out[id] = name
	}
	return out
}

// SortedEntityIDs returns all entity IDs in ascending order. Fallback scans
// iterate this slice so that bounded sampling is deterministic.
func (idx *Index) SortedEntityIDs() []string {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]string, len(idx.sortedIDs))
	copy(out, idx.sortedIDs)
	return out
}

// Duplicates returns the identifier collisions found during Build.
func (idx *Index) Duplicates() []DuplicateID {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]DuplicateID, len(idx.dups))
	copy(out, idx.dups)
	return out
}

// Len returns the number of indexed entities.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.names)
}

// Version returns the reference-set fingerprint captured at build time.
func (idx *Index) Version() string {
	return idx.version
}
