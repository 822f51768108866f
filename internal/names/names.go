// Package names normalizes entity display text into registry keys and
// extracts the ordinal or epithet suffix used by the ordinal-conflict veto.
package names

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var lower = cases.Lower(language.Und)

// Normalize returns the comparison form of a display string: NFC composed,
// trimmed, internal whitespace collapsed to single spaces, lowercased.
//
// Normalize is idempotent: Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	s = norm.NFC.String(s)
	s = strings.Join(strings.Fields(s), " ")
	return lower.String(s)
}

// Key returns the registry key for a display text of the given type.
func Key(entityType, text string) string {
	return entityType + ":" + Normalize(text)
}

// Tokens returns the normalized word set of s with surrounding punctuation
// stripped from each word. Empty words are dropped.
func Tokens(s string) []string {
	fields := strings.Fields(Normalize(s))
	out := fields[:0]
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Fold returns a diacritic-insensitive comparison form of s.
// "Đurađ Branković" and "Durad Brankovic" fold to the same value for
// letters that decompose; letters without a decomposition are kept.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		return Normalize(s)
	}
	return Normalize(folded)
}

// Similarity scores two display strings on the registry's three-tier scale:
// 1.0 for identical normalized text, 0.8 when one contains the other on word
// boundaries, 0.5 when their token sets intersect, 0 otherwise.
func Similarity(a, b string) float64 {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1.0
	}
	pa, pb := " "+na+" ", " "+nb+" "
	if strings.Contains(pa, pb) || strings.Contains(pb, pa) {
		return 0.8
	}
	if tokensIntersect(Tokens(na), Tokens(nb)) {
		return 0.5
	}
	return 0
}

func tokensIntersect(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, t := range a {
		set[t] = struct{}{}
	}
	for _, t := range b {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

// Jaccard returns |A∩B| / |A∪B| over the token sets of a and b.
func Jaccard(a, b string) float64 {
	ta, tb := Tokens(Fold(a)), Tokens(Fold(b))
	if len(ta) == 0 && len(tb) == 0 {
		return 0
	}
	set := make(map[string]int, len(ta)+len(tb))
	for _, t := range ta {
		set[t] |= 1
	}
	for _, t := range tb {
		set[t] |= 2
	}
	inter := 0
	for _, v := range set {
		if v == 3 {
			inter++
		}
	}
	return float64(inter) / float64(len(set))
}
