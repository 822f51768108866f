package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityledger/internal/pipeline"
)

func fixtureResult() *Result {
	r := newResult("fixture")
	r.Ingest = pipeline.Summary{Documents: 3, Created: 2, Linked: 1, Deferred: 1, Exported: 1}
	r.Snapshot.Entities = []EntityState{
		{Key: "person:alexander hamilton", Display: "Alexander Hamilton", Mentions: 1},
		{Key: "person:alexander the great", Display: "Alexander the Great", Mentions: 3, Aliases: []string{"Alexander"}},
	}
	r.Snapshot.Pending = []PendingState{
		{ID: 1, Key: "person:alexander", Candidates: []string{"person:alexander hamilton", "person:alexander the great"}},
	}
	r.Snapshot.Outcomes = []OutcomeState{
		{ID: 1, Key: "person:alexander", Outcome: "LINK_EXISTING", Linked: "person:alexander the great"},
	}
	return r
}

func TestEvaluate_Passing(t *testing.T) {
	r := fixtureResult()
	passing := []Assertion{
		{Type: AssertEntity, Key: "person:alexander the great", Mentions: 3, Aliases: []string{"Alexander"}},
		{Type: AssertEntity, Key: "person:alexander hamilton"},
		{Type: AssertEntityAbsent, Key: "person:alexander"},
		{Type: AssertEntityCount, Count: 2},
		{Type: AssertPending, Key: "person:alexander"},
		{Type: AssertPending, Key: "person:alexander", Candidates: []string{"person:alexander the great", "person:alexander hamilton"}},
		{Type: AssertPendingCount, Count: 1},
		{Type: AssertOutcome, Key: "person:alexander", Outcome: "LINK_EXISTING", Linked: "person:alexander the great"},
		{Type: AssertOutcome, Key: "person:alexander", Outcome: "LINK_EXISTING"},
		{Type: AssertSummary, Field: "deferred", Count: 1},
		{Type: AssertSummary, Field: "created", Count: 2},
	}
	for _, a := range passing {
		assert.NoError(t, evaluate(a, r), "%+v", a)
	}
}

func TestEvaluate_Failing(t *testing.T) {
	r := fixtureResult()
	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{"missing entity", Assertion{Type: AssertEntity, Key: "person:alexander"}, "no such entity"},
		{"wrong count", Assertion{Type: AssertEntity, Key: "person:alexander hamilton", Mentions: 2}, "1 mentions"},
		{"missing alias", Assertion{Type: AssertEntity, Key: "person:alexander hamilton", Aliases: []string{"Hamilton"}}, `alias "Hamilton"`},
		{"present entity", Assertion{Type: AssertEntityAbsent, Key: "person:alexander the great"}, "3 mentions"},
		{"entity count", Assertion{Type: AssertEntityCount, Count: 3}, "expected 3"},
		{"not exported", Assertion{Type: AssertPending, Key: "person:napoleon"}, "not exported"},
		{"candidate set", Assertion{Type: AssertPending, Key: "person:alexander", Candidates: []string{"person:alexander the great"}}, "candidates"},
		{"wrong outcome", Assertion{Type: AssertOutcome, Key: "person:alexander", Outcome: "CREATE_NEW"}, "LINK_EXISTING"},
		{"wrong link", Assertion{Type: AssertOutcome, Key: "person:alexander", Outcome: "LINK_EXISTING", Linked: "person:alexander hamilton"}, "person:alexander the great"},
		{"no outcome", Assertion{Type: AssertOutcome, Key: "person:napoleon", Outcome: "CREATE_NEW"}, "none recorded"},
		{"summary", Assertion{Type: AssertSummary, Field: "linked", Count: 5}, "linked = 5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := evaluate(tt.assertion, r)
			require.Error(t, err)
			var ae *AssertionError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, tt.assertion.Type, ae.Type)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
