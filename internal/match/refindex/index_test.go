package refindex

import (
	"reflect"
	"testing"

	"github.com/awarddata/linkage-platform/internal/match/normalizer"
	"github.com/awarddata/linkage-platform/internal/reference"
)

func buildTestIndex(t *testing.T, entities []reference.Entity) *Index {
	t.Helper()
	return Build(entities, normalizer.New(nil), 2)
}

func TestNormalizePrimaryID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"abc123", "ABC123"},
		{"  uei-a  ", "UEI-A"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		if got := NormalizePrimaryID(tt.in); got != tt.want {
			t.Errorf("NormalizePrimaryID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeSecondaryID(t *testing.T) {
	tests := []struct{ in, want string }{
		{"12-3456789", "123456789"},
		{"123456789", "123456789"},
		{"no digits", ""},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeSecondaryID(tt.in); got != tt.want {
			t.Errorf("NormalizeSecondaryID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIdentifierLookups(t *testing.T) {
	idx := buildTestIndex(t, []reference.Entity{
		{ID: "E1", PrimaryID: "UEI-A", SecondaryID: "12-3456789", Name: "Acme Incorporated"},
		{ID: "E2", PrimaryID: "UEI-B", Name: "Beta Systems"},
	})

	if id, ok := idx.ByPrimaryID("uei-a"); !ok || id != "E1" {
		t.Errorf("ByPrimaryID(uei-a) = %q, %v; want E1, true", id, ok)
	}
	if id, ok := idx.BySecondaryID("123456789"); !ok || id != "E1" {
		t.Errorf("BySecondaryID = %q, %v; want E1, true", id, ok)
	}
	if _, ok := idx.ByPrimaryID("UEI-MISSING"); ok {
		t.Error("ByPrimaryID should miss for unknown key")
	}
	if _, ok := idx.ByPrimaryID(""); ok {
		t.Error("ByPrimaryID should miss for empty key")
	}
	if _, ok := idx.BySecondaryID("letters only"); ok {
		t.Error("BySecondaryID should miss when no digits remain")
	}
}

func TestDuplicateIDsLastWriteWins(t *testing.T) {
	idx := buildTestIndex(t, []reference.Entity{
		{ID: "E1", PrimaryID: "UEI-A", Name: "First Holder"},
		{ID: "E2", PrimaryID: "uei-a", Name: "Second Holder"},
		{ID: "E3", SecondaryID: "999", Name: "Tax One"},
		{ID: "E4", SecondaryID: "99-9", Name: "Tax Two"},
	})

	if id, _ := idx.ByPrimaryID("UEI-A"); id != "E2" {
		t.Errorf("last write should win for primary collision, got %q", id)
	}
	if id, _ := idx.BySecondaryID("999"); id != "E4" {
		t.Errorf("last write should win for secondary collision, got %q", id)
	}

	dups := idx.Duplicates()
	if len(dups) != 2 {
		t.Fatalf("expected 2 duplicates, got %d: %v", len(dups), dups)
	}
	if dups[0].Kind != "primary" || dups[0].Key != "UEI-A" ||
		dups[0].KeptID != "E2" || dups[0].DroppedID != "E1" {
		t.Errorf("unexpected primary duplicate record: %+v", dups[0])
	}
	if dups[1].Kind != "secondary" || dups[1].KeptID != "E4" || dups[1].DroppedID != "E3" {
		t.Errorf("unexpected secondary duplicate record: %+v", dups[1])
	}
}

func TestBlockCandidatesSorted(t *testing.T) {
	idx := buildTestIndex(t, []reference.Entity{
		{ID: "E3", Name: "Acme Widgets"},
		{ID: "E1", Name: "Acme Incorporated"},
		{ID: "E2", Name: "Beta Systems"},
	})

	got := idx.BlockCandidates("ac")
	want := []string{"E1", "E3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("BlockCandidates(ac) = %v, want %v", got, want)
	}
	if got := idx.BlockCandidates("zz"); len(got) != 0 {
		t.Errorf("BlockCandidates(zz) = %v, want empty", got)
	}
}

func TestEmptyNameSkipsBlocking(t *testing.T) {
	idx := buildTestIndex(t, []reference.Entity{
		{ID: "E1", PrimaryID: "UEI-A", Name: "   "},
	})
	if idx.Len() != 1 {
		t.Errorf("Len = %d, want 1", idx.Len())
	}
	// Still reachable by identifier even with no usable name.
	if id, ok := idx.ByPrimaryID("UEI-A"); !ok || id != "E1" {
		t.Errorf("ByPrimaryID = %q, %v", id, ok)
	}
	for key, name := range idx.AllNormalizedNames() {
		if key == "E1" && name != "" {
			t.Errorf("expected empty normalized name, got %q", name)
		}
	}
}

func TestSortedEntityIDs(t *testing.T) {
	idx := buildTestIndex(t, []reference.Entity{
		{ID: "E3", Name: "Gamma"},
		{ID: "E1", Name: "Alpha"},
		{ID: "E2", Name: "Beta"},
	})
	got := idx.SortedEntityIDs()
	want := []string{"E1", "E2", "E3"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("SortedEntityIDs = %v, want %v", got, want)
	}
}

func TestVersionChangesWithEntitySet(t *testing.T) {
	a := buildTestIndex(t, []reference.Entity{{ID: "E1", Name: "Alpha"}})
	b := buildTestIndex(t, []reference.Entity{{ID: "E1", Name: "Alpha"}, {ID: "E2", Name: "Beta"}})
	if a.Version() == "" || b.Version() == "" {
		t.Fatal("version must be non-empty")
	}
	if a.Version() == b.Version() {
		t.Error("different entity sets should produce different versions")
	}
	same := buildTestIndex(t, []reference.Entity{{ID: "E1", Name: "Alpha"}})
	if a.Version() != same.Version() {
		t.Error("identical entity sets should produce identical versions")
	}
}
