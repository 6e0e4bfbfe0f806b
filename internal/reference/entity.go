// Package reference defines the reference entity set that query records are
// resolved against, and loaders that materialise it from a backing store.
package reference

import (
	"crypto/sha256"
	"fmt"
	"sort"
)

// Entity is a single reference entity. The set is immutable during a matching
// session: it is loaded once, indexed, and replaced wholesale on reload.
type Entity struct {
	ID          string            `json:"id"`
	PrimaryID   string            `json:"primary_id"`
	SecondaryID string            `json:"secondary_id"`
	Name        string            `json:"name"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Version derives a stable fingerprint for a reference set from its sorted
// entity IDs. Cache keys embed it so results from a stale set never collide
// with a reloaded one.
func Version(entities []Entity) string {
	ids := make([]string, 0, len(entities))
	for _, e := range entities {
		ids = append(ids, e.ID)
	}
	sort.Strings(ids)
	h := sha256.New()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil)[:8])
}
