package normalizer

import (
	"reflect"
	"testing"
)

func TestNormalize(t *testing.T) {
	n := New(nil)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"simple lowercase", "Acme Corporation", "acme corporation"},
		{"suffix expansion", "ACME Corp.", "acme corporation"},
		{"inc expansion", "Acme, Inc.", "acme incorporated"},
		{"ampersand", "Smith & Sons", "smith and sons"},
		{"diacritics folded", "Café Señor Ltd", "cafe senor limited"},
		{"punctuation stripped", "A.B.C. Mfg Co.", "a b c manufacturing company"},
		{"whitespace collapsed", "  Acme    Widgets  ", "acme widgets"},
		{"empty", "", ""},
		{"whitespace only", "   \t  ", ""},
		{"digits kept", "3M Company", "3m company"},
		{"govt dept", "Dept of Govt Affairs", "department of government affairs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := n.Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	n := New(nil)
	inputs := []string{
		"ACME Corp.",
		"Smith & Sons, Inc.",
		"Café Señor Ltd",
		"  spaced   out  ",
		"already normalized name",
	}
	for _, in := range inputs {
		once := n.Normalize(in)
		twice := n.Normalize(once)
		if once != twice {
			t.Errorf("Normalize not idempotent for %q: first=%q second=%q", in, once, twice)
		}
	}
}

func TestNormalizeCustomExpansions(t *testing.T) {
	n := New(map[string]string{
		"llc":  "limited liability company",
		"corp": "corp", // override the default
	})
	if got := n.Normalize("Acme LLC"); got != "acme limited liability company" {
		t.Errorf("custom expansion: got %q", got)
	}
	if got := n.Normalize("Acme Corp"); got != "acme corp" {
		t.Errorf("override expansion: got %q", got)
	}
	// Defaults still apply for untouched entries.
	if got := n.Normalize("Acme Inc"); got != "acme incorporated" {
		t.Errorf("default expansion after merge: got %q", got)
	}
}

func TestTokens(t *testing.T) {
	got := Tokens("acme widget company")
	want := []string{"acme", "widget", "company"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Tokens = %v, want %v", got, want)
	}
	if got := Tokens(""); len(got) != 0 {
		t.Errorf("Tokens(\"\") = %v, want empty", got)
	}
}

func TestBlockKey(t *testing.T) {
	tests := []struct {
		in   string
		k    int
		want string
	}{
		{"acme widgets", 2, "ac"},
		{"acme widgets", 4, "acme"},
		{"a", 2, "a"},
		{"", 2, ""},
		{"señor goods", 3, "señ"}, // rune boundary, not byte
		{"acme", 0, "a"},
	}
	for _, tt := range tests {
		if got := BlockKey(tt.in, tt.k); got != tt.want {
			t.Errorf("BlockKey(%q, %d) = %q, want %q", tt.in, tt.k, got, tt.want)
		}
	}
}
