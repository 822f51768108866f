package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/entityledger/internal/model"
)

// Scenario is one resolution case.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`

	// Seed documents are ingested by a run of their own before Documents.
	Seed []Document `yaml:"seed,omitempty"`

	Documents []Document `yaml:"documents"`

	// Verdicts maps a deferred subject to the candidate key the oracle
	// links it to, or to VerdictNew. Empty means the resolver is not run.
	Verdicts map[string]string `yaml:"verdicts,omitempty"`

	Assertions []Assertion `yaml:"assertions"`
}

// VerdictNew is the verdict value that answers CREATE_NEW.
const VerdictNew = "new"

// Document is one source file and the mentions extracted from it.
type Document struct {
	Path     string    `yaml:"path"`
	Mentions []Mention `yaml:"mentions"`
}

// Mention is one extracted name. Type defaults to person.
type Mention struct {
	Text string `yaml:"text"`
	Type string `yaml:"type,omitempty"`
}

// Assertion checks the final state of a scenario.
type Assertion struct {
	Type string `yaml:"type"`

	// Key is the entity key (entity, entity_absent, pending, outcome).
	Key string `yaml:"key,omitempty"`

	// Mentions is the expected mention count of an entity; zero skips the check.
	Mentions int `yaml:"mentions,omitempty"`

	// Aliases lists aliases the entity must carry (entity).
	Aliases []string `yaml:"aliases,omitempty"`

	// Candidates is the exact candidate key set of a pending item.
	Candidates []string `yaml:"candidates,omitempty"`

	// Outcome and Linked describe a verification outcome.
	Outcome string `yaml:"outcome,omitempty"`
	Linked  string `yaml:"linked,omitempty"`

	// Field names a summary counter (summary).
	Field string `yaml:"field,omitempty"`

	Count int `yaml:"count"`
}

// Assertion types.
const (
	AssertEntity       = "entity"
	AssertEntityAbsent = "entity_absent"
	AssertEntityCount  = "entity_count"
	AssertPending      = "pending"
	AssertPendingCount = "pending_count"
	AssertOutcome      = "outcome"
	AssertSummary      = "summary"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so a typo cannot silently disable an assertion.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Documents) == 0 {
		return fmt.Errorf("documents list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	paths := make(map[string]struct{})
	docs := append(append([]Document(nil), s.Seed...), s.Documents...)
	for i, d := range docs {
		if d.Path == "" {
			return fmt.Errorf("document %d: path is required", i)
		}
		if _, dup := paths[d.Path]; dup {
			return fmt.Errorf("document %d: duplicate path %q", i, d.Path)
		}
		paths[d.Path] = struct{}{}
		for j, m := range d.Mentions {
			if m.Text == "" {
				return fmt.Errorf("%s: mention %d: text is required", d.Path, j)
			}
			if m.Type != "" && !model.IsKnownType(m.Type) {
				return fmt.Errorf("%s: mention %d: unknown type %q", d.Path, j, m.Type)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertEntity, AssertEntityAbsent, AssertPending:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for %s", index, a.Type)
		}
	case AssertOutcome:
		if a.Key == "" || a.Outcome == "" {
			return fmt.Errorf("assertions[%d]: key and outcome are required for outcome", index)
		}
		if !model.Outcome(a.Outcome).Valid() {
			return fmt.Errorf("assertions[%d]: unknown outcome %q", index, a.Outcome)
		}
	case AssertEntityCount, AssertPendingCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertSummary:
		if _, ok := summaryFields[a.Field]; !ok {
			return fmt.Errorf("assertions[%d]: unknown summary field %q", index, a.Field)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// rawMentions expands a document into pipeline input with synthetic,
// non-overlapping offsets.
func (d Document) rawMentions() []model.RawMention {
	out := make([]model.RawMention, len(d.Mentions))
	offset := 0
	for i, m := range d.Mentions {
		typ := m.Type
		if typ == "" {
			typ = string(model.TypePerson)
		}
		out[i] = model.RawMention{
			Text:       m.Text,
			EntityType: typ,
			SourcePath: d.Path,
			Start:      offset,
			End:        offset + len(m.Text),
		}
		offset += len(m.Text) + 1
	}
	return out
}
