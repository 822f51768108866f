package fetch

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/roach88/entityledger/internal/names"
)

// Lifespan scoring.
const (
	YearTolerance    = 2
	lifespanBoth     = 0.3
	lifespanOne      = 0.15
	lifespanPenalty  = -0.6
	minPlausibleYear = 100
	maxPlausibleYear = 2100
)

// Lifespan holds birth and death years; zero means unknown.
type Lifespan struct {
	Birth int
	Death int
}

var (
	rangeRe = regexp.MustCompile(`(\d{3,4})\s*(?:-|–|—|to)\s*(\d{3,4})`)
	bornRe  = regexp.MustCompile(`(?i)\b(?:born|b\.)\s*(\d{3,4})\b`)
	diedRe  = regexp.MustCompile(`(?i)\b(?:died|d\.)\s*(\d{3,4})\b`)
)

// ExtractLifespan finds "(1638–1715)", "born 1638" or "d. 1715" in text.
func ExtractLifespan(text string) Lifespan {
	var ls Lifespan
	if m := rangeRe.FindStringSubmatch(text); m != nil {
		b, d := year(m[1]), year(m[2])
		if b != 0 && d != 0 && b <= d {
			return Lifespan{Birth: b, Death: d}
		}
	}
	if m := bornRe.FindStringSubmatch(text); m != nil {
		ls.Birth = year(m[1])
	}
	if m := diedRe.FindStringSubmatch(text); m != nil {
		ls.Death = year(m[1])
	}
	return ls
}

func year(s string) int {
	y, err := strconv.Atoi(s)
	if err != nil || y < minPlausibleYear || y > maxPlausibleYear {
		return 0
	}
	return y
}

type yearMatch int

const (
	yearMissing yearMatch = iota
	yearAgrees
	yearContradicts
)

func compareYear(a, b int) yearMatch {
	if a == 0 || b == 0 {
		return yearMissing
	}
	d := a - b
	if d < 0 {
		d = -d
	}
	if d <= YearTolerance {
		return yearAgrees
	}
	return yearContradicts
}

// LifespanAdjustment scores two lifespans: both years agreeing is a strong
// boost, one agreeing with the other unknown is a moderate boost, and any
// contradiction is a strong penalty.
func LifespanAdjustment(a, b Lifespan) float64 {
	birth := compareYear(a.Birth, b.Birth)
	death := compareYear(a.Death, b.Death)
	switch {
	case birth == yearContradicts || death == yearContradicts:
		return lifespanPenalty
	case birth == yearAgrees && death == yearAgrees:
		return lifespanBoth
	case birth == yearAgrees || death == yearAgrees:
		return lifespanOne
	}
	return 0
}

// Score rates hit as a match for s in [0, 1]. Names are compared
// diacritic-insensitively. A hit whose ordinal or epithet contradicts the
// subject's scores 0 however close the rest of the name is.
func Score(s Subject, hit Hit) float64 {
	if names.Conflict(labelSuffix(s.Text), labelSuffix(hit.Label)) {
		return 0
	}
	a, b := names.Fold(s.Text), names.Fold(hit.Label)
	score := names.Similarity(a, b)
	if j := names.Jaccard(a, b); j > score {
		score = j
	}

	hl := Lifespan{Birth: hit.BirthYear, Death: hit.DeathYear}
	if hl.Birth == 0 && hl.Death == 0 {
		hl = ExtractLifespan(hit.Description)
	}
	score += LifespanAdjustment(subjectLifespan(s), hl)

	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}

// subjectLifespan reads years from the sample, then from the name itself.
// Mentions carry no surrounding text, so most subjects have neither.
func subjectLifespan(s Subject) Lifespan {
	if ls := ExtractLifespan(s.Sample); ls != (Lifespan{}) {
		return ls
	}
	return ExtractLifespan(s.Text)
}

// labelSuffix is SplitSuffix that also looks past a trailing territorial
// designation, so "Louis XV of France" carries the ordinal 15.
func labelSuffix(label string) names.Suffix {
	sfx := names.SplitSuffix(label)
	if sfx.Has() {
		return sfx
	}
	if i := strings.LastIndex(label, " of "); i > 0 {
		if inner := names.SplitSuffix(label[:i]); inner.Has() {
			return inner
		}
	}
	return sfx
}
