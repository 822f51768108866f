package harness

import (
	"github.com/roach88/entityledger/internal/pipeline"
	"github.com/roach88/entityledger/internal/resolver"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion and the replay check succeeded.
	Pass bool `json:"pass"`

	Errors []string `json:"errors,omitempty"`

	// Ingest sums the seed and document runs.
	Ingest pipeline.Summary `json:"-"`

	// Resolve is nil when the scenario scripts no verdicts.
	Resolve *resolver.Summary `json:"-"`

	Snapshot Snapshot `json:"snapshot"`
}

// Snapshot is the durable state a scenario leaves behind, reduced to the
// fields that are stable across runs.
type Snapshot struct {
	Scenario string         `json:"scenario"`
	Entities []EntityState  `json:"entities"`
	Pending  []PendingState `json:"pending"`
	Outcomes []OutcomeState `json:"outcomes"`
}

// EntityState is one registry record.
type EntityState struct {
	Key      string   `json:"key"`
	Display  string   `json:"display"`
	Mentions int      `json:"mentions"`
	Aliases  []string `json:"aliases,omitempty"`
}

// PendingState is one exported deferred item. Candidates are sorted.
type PendingState struct {
	ID         int64    `json:"id"`
	Key        string   `json:"key"`
	Candidates []string `json:"candidates"`
}

// OutcomeState is one recorded verification outcome.
type OutcomeState struct {
	ID      int64  `json:"id"`
	Key     string `json:"key"`
	Outcome string `json:"outcome"`
	Linked  string `json:"linked,omitempty"`
}

func newResult(name string) *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
		Snapshot: Snapshot{
			Scenario: name,
			Entities: []EntityState{},
			Pending:  []PendingState{},
			Outcomes: []OutcomeState{},
		},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func addSummary(total *pipeline.Summary, s pipeline.Summary) {
	total.RunID = s.RunID
	total.Documents += s.Documents
	total.Skipped += s.Skipped
	total.Mentions += s.Mentions
	total.Invalid += s.Invalid
	total.Created += s.Created
	total.Linked += s.Linked
	total.Deferred += s.Deferred
	total.Exported += s.Exported
	total.Checkpoints += s.Checkpoints
	total.Stopped = total.Stopped || s.Stopped
}
