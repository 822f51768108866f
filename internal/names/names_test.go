package names

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Louis XIV", "louis xiv"},
		{"  Louis   XIV ", "louis xiv"},
		{"ÉMILE Zola", "émile zola"},
		{"", ""},
		{"e\u0301mile", "\u00e9mile"}, // decomposed input composes to NFC
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := Normalize(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, Normalize(got), "Normalize must be idempotent")
		})
	}
}

func TestKey(t *testing.T) {
	assert.Equal(t, "person:louis xiv", Key("person", "Louis XIV"))
	assert.Equal(t, "location:paris", Key("location", " PARIS "))
}

func TestTokens_StripsPunctuation(t *testing.T) {
	assert.Equal(t, []string{"napoleon", "bonaparte"}, Tokens("Napoleon, Bonaparte."))
	assert.Empty(t, Tokens(" -- "))
}

func TestFold_RemovesDiacritics(t *testing.T) {
	assert.Equal(t, "emile zola", Fold("Émile Zola"))
	assert.Equal(t, Fold("Jose Marti"), Fold("José Martí"))
}

func TestSimilarity_Tiers(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"exact", "Louis XIV", "louis  xiv", 1.0},
		{"containment", "Alexander", "Alexander the Great", 0.8},
		{"containment reversed", "Alexander Hamilton", "Alexander", 0.8},
		{"token overlap", "Louis XIV", "Louis XV", 0.5},
		{"no overlap", "Paris", "Lyon", 0},
		{"substring inside a word is not containment", "Ann", "Joanna", 0},
		{"prefix of a longer word is not containment", "Louis", "Louise", 0},
		{"empty", "", "Paris", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Similarity(tt.a, tt.b))
		})
	}
}

func TestJaccard(t *testing.T) {
	assert.Equal(t, 1.0, Jaccard("Louis XIV", "louis xiv"))
	assert.InDelta(t, 1.0/3.0, Jaccard("Louis XIV", "Louis XV"), 1e-9)
	assert.Equal(t, 0.0, Jaccard("", ""))
}

func TestSplitSuffix(t *testing.T) {
	tests := []struct {
		in   string
		want Suffix
	}{
		{"Charles VII", Suffix{Base: "charles", Kind: SuffixOrdinal, Ordinal: 7}},
		{"Louis XIV", Suffix{Base: "louis", Kind: SuffixOrdinal, Ordinal: 14}},
		{"Henry the Eighth", Suffix{Base: "henry", Kind: SuffixOrdinal, Ordinal: 8}},
		{"John Smith 3rd", Suffix{Base: "john smith", Kind: SuffixOrdinal, Ordinal: 3}},
		{"Alexander the Great", Suffix{Base: "alexander", Kind: SuffixEpithet, Epithet: "great"}},
		{"Alexander Hamilton", Suffix{Base: "alexander hamilton"}},
		{"Jet Li", Suffix{Base: "jet li"}},
		{"Washington DC", Suffix{Base: "washington dc"}},
		{"Alexander", Suffix{Base: "alexander"}},
		{"Charles I.", Suffix{Base: "charles", Kind: SuffixOrdinal, Ordinal: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitSuffix(tt.in))
		})
	}
}

func TestConflict(t *testing.T) {
	vii := SplitSuffix("Charles VII")
	viii := SplitSuffix("Charles VIII")
	eighth := SplitSuffix("Charles the Eighth")
	great := SplitSuffix("Charles the Great")
	bare := SplitSuffix("Charles")

	assert.True(t, Conflict(vii, viii), "different ordinals veto")
	assert.False(t, Conflict(viii, eighth), "same ordinal in different notation agrees")
	assert.True(t, Conflict(viii, great), "ordinal vs epithet vetoes")
	assert.False(t, Conflict(vii, bare), "one side without a suffix never vetoes")
	assert.False(t, Conflict(great, SplitSuffix("Charles the great")))
}
