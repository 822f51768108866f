// Package oracle asks an external judge whether a deferred entity is the
// same as one of a short list of candidates.
//
// Every answer is parsed into a Verdict. Anything that is not a clean
// candidate number or an explicit "new" is Unparseable, which callers treat
// like a timeout: the item stays unprocessed and is retried on a later run.
// An unclear answer never becomes CreateNew.
package oracle

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ErrUndecided marks an item the oracle could not decide.
var ErrUndecided = errors.New("oracle undecided")

// Verdict is the closed set of oracle answers: Link, CreateNew or Unparseable.
type Verdict interface {
	verdict()
	String() string
}

// Link selects Candidates[Index] of the request.
type Link struct {
	Index int
}

// CreateNew says the subject matches none of the candidates.
type CreateNew struct{}

// Unparseable carries an answer that could not be interpreted.
type Unparseable struct {
	Raw string
}

func (Link) verdict() {}
func (CreateNew) verdict() {}
func (Unparseable) verdict() {}

func (v Link) String() string { return fmt.Sprintf("link[%d]", v.Index) }
func (CreateNew) String() string { return "create_new" }
func (v Unparseable) String() string { return fmt.Sprintf("unparseable(%q)", v.Raw) }

// Err wraps ErrUndecided with the raw answer.
func (v Unparseable) Err() error {
	return fmt.Errorf("%w: %q", ErrUndecided, v.Raw)
}

// Check returns v when it is a usable answer for a request with n
// candidates. A nil or foreign verdict and a Link outside 0..n-1 come back
// as Unparseable.
func Check(v Verdict, n int) Verdict {
	switch v := v.(type) {
	case Link:
		if v.Index < 0 || v.Index >= n {
			return Unparseable{Raw: v.String()}
		}
		return v
	case CreateNew, Unparseable:
		return v
	case nil:
		return Unparseable{Raw: "<nil>"}
	default:
		return Unparseable{Raw: v.String()}
	}
}

// IsUndecided reports whether err marks an undecided item.
func IsUndecided(err error) bool {
	return errors.Is(err, ErrUndecided)
}

var newWords = map[string]struct{}{
	"NEW":        {},
	"NONE":       {},
	"CREATE_NEW": {},
	"CREATE NEW": {},
	"0":          {},
}

// ParseVerdict interprets an answer against a request with n candidates.
//
// Accepted forms are a 1-based candidate number ("2", "2.", "#2", "candidate 2")
// or one of NEW, NONE, CREATE_NEW, 0. Numbers outside 1..n are Unparseable.
func ParseVerdict(answer string, n int) Verdict {
	s := strings.ToUpper(strings.TrimSpace(answer))
	s = strings.TrimRight(s, ".!")
	if _, ok := newWords[s]; ok {
		return CreateNew{}
	}

	s = strings.TrimPrefix(s, "CANDIDATE")
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "#"))
	if s == "" || !isDigits(s) {
		return Unparseable{Raw: answer}
	}
	i, err := strconv.Atoi(s)
	if err != nil || i < 1 || i > n {
		return Unparseable{Raw: answer}
	}
	return Link{Index: i - 1}
}

func isDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
