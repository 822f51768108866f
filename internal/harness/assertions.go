package harness

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/roach88/entityledger/internal/pipeline"
)

// AssertionError describes a failed assertion.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

// summaryFields maps summary assertion fields to ingestion counters.
var summaryFields = map[string]func(pipeline.Summary) int{
	"documents": func(s pipeline.Summary) int { return s.Documents },
	"skipped":   func(s pipeline.Summary) int { return s.Skipped },
	"mentions":  func(s pipeline.Summary) int { return s.Mentions },
	"invalid":   func(s pipeline.Summary) int { return s.Invalid },
	"created":   func(s pipeline.Summary) int { return s.Created },
	"linked":    func(s pipeline.Summary) int { return s.Linked },
	"deferred":  func(s pipeline.Summary) int { return s.Deferred },
	"exported":  func(s pipeline.Summary) int { return s.Exported },
}

func evaluate(a Assertion, r *Result) error {
	switch a.Type {
	case AssertEntity:
		return assertEntity(r.Snapshot, a)
	case AssertEntityAbsent:
		if e, ok := findEntity(r.Snapshot, a.Key); ok {
			return &AssertionError{Type: a.Type, Expected: a.Key + " absent", Actual: fmt.Sprintf("entity with %d mentions", e.Mentions)}
		}
		return nil
	case AssertEntityCount:
		return assertCount(a.Type, a.Count, len(r.Snapshot.Entities), entityKeys(r.Snapshot))
	case AssertPending:
		return assertPending(r.Snapshot, a)
	case AssertPendingCount:
		keys := make([]string, len(r.Snapshot.Pending))
		for i, p := range r.Snapshot.Pending {
			keys[i] = p.Key
		}
		return assertCount(a.Type, a.Count, len(r.Snapshot.Pending), keys)
	case AssertOutcome:
		return assertOutcome(r.Snapshot, a)
	case AssertSummary:
		got := summaryFields[a.Field](r.Ingest)
		if got != a.Count {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s = %d", a.Field, a.Count), Actual: fmt.Sprintf("%d", got)}
		}
		return nil
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

func assertEntity(s Snapshot, a Assertion) error {
	e, ok := findEntity(s, a.Key)
	if !ok {
		return &AssertionError{Type: a.Type, Expected: a.Key, Actual: "no such entity in " + strings.Join(entityKeys(s), ", ")}
	}
	if a.Mentions > 0 && e.Mentions != a.Mentions {
		return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s with %d mentions", a.Key, a.Mentions), Actual: fmt.Sprintf("%d mentions", e.Mentions)}
	}
	for _, want := range a.Aliases {
		if !contains(e.Aliases, want) {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s with alias %q", a.Key, want), Actual: fmt.Sprintf("aliases %v", e.Aliases)}
		}
	}
	return nil
}

func assertPending(s Snapshot, a Assertion) error {
	for _, p := range s.Pending {
		if p.Key != a.Key {
			continue
		}
		if len(a.Candidates) == 0 {
			return nil
		}
		want := append([]string(nil), a.Candidates...)
		sort.Strings(want)
		if !reflect.DeepEqual(want, p.Candidates) {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("candidates %v", want), Actual: fmt.Sprintf("%v", p.Candidates)}
		}
		return nil
	}
	return &AssertionError{Type: a.Type, Expected: a.Key + " in the pending queue", Actual: "not exported"}
}

func assertOutcome(s Snapshot, a Assertion) error {
	for _, o := range s.Outcomes {
		if o.Key != a.Key {
			continue
		}
		if o.Outcome != a.Outcome || (a.Linked != "" && o.Linked != a.Linked) {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s %s", a.Outcome, a.Linked),
				Actual:   fmt.Sprintf("%s %s", o.Outcome, o.Linked),
			}
		}
		return nil
	}
	return &AssertionError{Type: a.Type, Expected: "an outcome for " + a.Key, Actual: "none recorded"}
}

func assertCount(typ string, want, got int, keys []string) error {
	if want == got {
		return nil
	}
	return &AssertionError{Type: typ, Expected: fmt.Sprintf("%d", want), Actual: fmt.Sprintf("%d %v", got, keys)}
}

func findEntity(s Snapshot, key string) (EntityState, bool) {
	for _, e := range s.Entities {
		if e.Key == key {
			return e, true
		}
	}
	return EntityState{}, false
}

func entityKeys(s Snapshot) []string {
	keys := make([]string, len(s.Entities))
	for i, e := range s.Entities {
		keys[i] = e.Key
	}
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
