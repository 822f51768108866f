package names

import (
	"regexp"
	"strconv"
	"strings"
)

// SuffixKind classifies the trailing qualifier of a name.
type SuffixKind int

const (
	SuffixNone SuffixKind = iota
	// SuffixOrdinal is a regnal or generational number: "VII", "14th", "the Eighth".
	SuffixOrdinal
	// SuffixEpithet is a descriptive byname: "the Great", "the Lionheart".
	SuffixEpithet
)

// Suffix is the result of splitting a display name into base and qualifier.
type Suffix struct {
	Base    string // normalized name with the qualifier removed
	Kind    SuffixKind
	Ordinal int    // set when Kind == SuffixOrdinal
	Epithet string // normalized, set when Kind == SuffixEpithet
}

// Has reports whether a qualifier was extracted.
func (s Suffix) Has() bool { return s.Kind != SuffixNone }

var (
	romanPattern   = regexp.MustCompile(`^M{0,3}(CM|CD|D?C{0,3})(XC|XL|L?X{0,3})(IX|IV|V?I{0,3})$`)
	arabicOrdinal  = regexp.MustCompile(`(?i)^(\d{1,4})(st|nd|rd|th)$`)
	trailingPunct  = ".,;:"
	ordinalNumbers = map[string]int{
		"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
		"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
		"eleventh": 11, "twelfth": 12, "thirteenth": 13, "fourteenth": 14,
		"fifteenth": 15, "sixteenth": 16, "seventeenth": 17, "eighteenth": 18,
		"nineteenth": 19, "twentieth": 20,
	}
	romanValues = map[byte]int{'I': 1, 'V': 5, 'X': 10, 'L': 50, 'C': 100, 'D': 500, 'M': 1000}
)

// maxRomanOrdinal bounds recognized numerals so that upper-case
// abbreviations such as "DC" or "MCM" are not read as regnal numbers.
const maxRomanOrdinal = 99

// SplitSuffix extracts a trailing roman numeral, arabic ordinal,
// "the <ordinal word>" or "the <epithet>" from a display name.
//
// Roman numerals are only recognized when written in upper case in the display
// text, so surnames such as "Li" or "Di" are not misread as numbers.
func SplitSuffix(display string) Suffix {
	words := strings.Fields(display)
	if len(words) < 2 {
		return Suffix{Base: Normalize(display)}
	}

	// "<base> the <qualifier...>"
	for i := 1; i < len(words)-1; i++ {
		if !strings.EqualFold(words[i], "the") {
			continue
		}
		base := Normalize(strings.Join(words[:i], " "))
		tail := words[i+1:]
		if len(tail) == 1 {
			word := Normalize(strings.TrimRight(tail[0], trailingPunct))
			if n, ok := ordinalNumbers[word]; ok {
				return Suffix{Base: base, Kind: SuffixOrdinal, Ordinal: n}
			}
			if n, ok := parseOrdinalToken(strings.TrimRight(tail[0], trailingPunct)); ok {
				return Suffix{Base: base, Kind: SuffixOrdinal, Ordinal: n}
			}
		}
		epithet := Normalize(strings.TrimRight(strings.Join(tail, " "), trailingPunct))
		return Suffix{Base: base, Kind: SuffixEpithet, Epithet: epithet}
	}

	last := strings.TrimRight(words[len(words)-1], trailingPunct)
	if n, ok := parseOrdinalToken(last); ok {
		return Suffix{
			Base:    Normalize(strings.Join(words[:len(words)-1], " ")),
			Kind:    SuffixOrdinal,
			Ordinal: n,
		}
	}
	return Suffix{Base: Normalize(display)}
}

func parseOrdinalToken(tok string) (int, bool) {
	if m := arabicOrdinal.FindStringSubmatch(tok); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			return n, true
		}
		return 0, false
	}
	if tok == "" || !romanPattern.MatchString(tok) {
		return 0, false
	}
	n := romanValue(tok)
	if n > maxRomanOrdinal {
		return 0, false
	}
	return n, true
}

func romanValue(s string) int {
	total := 0
	for i := 0; i < len(s); i++ {
		v := romanValues[s[i]]
		if i+1 < len(s) && v < romanValues[s[i+1]] {
			total -= v
		} else {
			total += v
		}
	}
	return total
}

// Conflict reports whether two suffixes veto each other: both sides carry a
// qualifier and the qualifiers differ. Ordinals compare by value, so "VIII",
// "8th" and "the Eighth" agree; an ordinal never equals an epithet.
func Conflict(a, b Suffix) bool {
	if !a.Has() || !b.Has() {
		return false
	}
	if a.Kind != b.Kind {
		return true
	}
	if a.Kind == SuffixOrdinal {
		return a.Ordinal != b.Ordinal
	}
	return a.Epithet != b.Epithet
}
