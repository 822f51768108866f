package model

import (
	"fmt"
	"time"
)

// EntityType names the category an entity belongs to.
type EntityType string

const (
	TypePerson       EntityType = "person"
	TypeLocation     EntityType = "location"
	TypeEvent        EntityType = "event"
	TypeOrganization EntityType = "organization"
)

// KnownTypes lists the entity types accepted by the decision engine.
var KnownTypes = []EntityType{TypePerson, TypeLocation, TypeEvent, TypeOrganization}

// IsKnownType reports whether t is one of KnownTypes.
func IsKnownType(t string) bool {
	for _, k := range KnownTypes {
		if string(k) == t {
			return true
		}
	}
	return false
}

// RawMention is one observation emitted by the NER producer, before any
// normalization or decision has been applied.
type RawMention struct {
	Text       string `json:"text" validate:"required"`
	EntityType string `json:"entity_type" validate:"required"`
	SourcePath string `json:"source_path" validate:"required"`
	Start      int    `json:"start" validate:"gte=0"`
	End        int    `json:"end" validate:"gtefield=Start"`
	ChunkStart int    `json:"chunk_start,omitempty" validate:"gte=0"`
	ChunkEnd   int    `json:"chunk_end,omitempty" validate:"gte=0"`
}

// Mention is one accepted occurrence of an entity in a source document.
// Mentions are appended to mentions.log and never rewritten.
type Mention struct {
	EntityKey   string `json:"entity_key"`
	SourcePath  string `json:"source_path"`
	StartOffset int    `json:"start_offset"`
	EndOffset   int    `json:"end_offset"`
	ChunkStart  int    `json:"chunk_start,omitempty"`
	ChunkEnd    int    `json:"chunk_end,omitempty"`
}

// EntityRecord aggregates every mention sharing a key. Mentions are counted,
// not embedded, so records stay small at corpus scale.
type EntityRecord struct {
	Key            string    `json:"key"`
	DisplayText    string    `json:"display_text"`
	NormalizedText string    `json:"normalized_text"`
	EntityType     string    `json:"entity_type"`
	SampleText     string    `json:"sample_text"`
	MentionCount   int       `json:"mention_count"`
	FirstSeen      time.Time `json:"first_seen"`
	Aliases        []string  `json:"aliases,omitempty"`
}

// MatchCandidate is a transient candidate produced by similarity search.
type MatchCandidate struct {
	EntityKey    string  `json:"entity_key"`
	DisplayText  string  `json:"display_text"`
	Similarity   float64 `json:"similarity"`
	MentionCount int     `json:"mention_count"`
}

// Outcome is the result category of a decision.
type Outcome string

const (
	OutcomeCreateNew    Outcome = "CREATE_NEW"
	OutcomeLinkExisting Outcome = "LINK_EXISTING"
	OutcomeDefer        Outcome = "DEFER"
)

// Valid reports whether o is one of the three known outcomes.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomeCreateNew, OutcomeLinkExisting, OutcomeDefer:
		return true
	}
	return false
}

// Decision is the unit the engine commits per mention or per deferred item.
type Decision struct {
	SubjectText string  `json:"subject_text"`
	EntityType  string  `json:"entity_type"`
	Outcome     Outcome `json:"outcome"`
	LinkedKey   string  `json:"linked_key,omitempty"`
	Confidence  float64 `json:"confidence"`
	Reason      string  `json:"reason"`
}

func (d Decision) String() string {
	if d.LinkedKey != "" {
		return fmt.Sprintf("%s -> %s (%.2f, %s)", d.Outcome, d.LinkedKey, d.Confidence, d.Reason)
	}
	return fmt.Sprintf("%s (%.2f, %s)", d.Outcome, d.Confidence, d.Reason)
}

// DeferredItem is created once per unresolved entity key. It is immutable
// once written; resolution appends a VerificationOutcome keyed by ID.
type DeferredItem struct {
	ID            int64     `json:"id"`
	SubjectText   string    `json:"subject_text"`
	EntityType    string    `json:"entity_type"`
	EntityKey     string    `json:"entity_key"`
	MentionCount  int       `json:"mention_count"`
	Sample        string    `json:"sample"`
	CandidateKeys []string  `json:"candidate_keys,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// VerificationOutcome resolves a DeferredItem. Its presence in decisions.log
// marks the item as processed.
type VerificationOutcome struct {
	DeferredID  int64     `json:"deferred_id"`
	EntityKey   string    `json:"entity_key"`
	Outcome     Outcome   `json:"outcome"`
	LinkedKey   string    `json:"linked_key,omitempty"`
	Confidence  float64   `json:"confidence"`
	Reason      string    `json:"reason,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// ExternalMatch records the best external-source candidate found for an
// entity by the fetch/verify coordinator. Appended to matches.log.
type ExternalMatch struct {
	EntityKey   string    `json:"entity_key"`
	ExternalID  string    `json:"external_id,omitempty"`
	Label       string    `json:"label,omitempty"`
	Score       float64   `json:"score"`
	Verified    bool      `json:"verified"`
	Outcome     Outcome   `json:"outcome"`
	Endpoint    string    `json:"endpoint,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	ProcessedAt time.Time `json:"processed_at"`
}

// CheckpointVersion is the snapshot format written by this build.
const CheckpointVersion = 1

// Checkpoint is the only artifact overwritten in place.
type Checkpoint struct {
	Version        int            `json:"version"`
	RunID          string         `json:"run_id,omitempty"`
	SavedAt        time.Time      `json:"saved_at"`
	ProcessedFiles []string       `json:"processed_files"`
	Entities       []EntityRecord `json:"entities"`
	NextID         int64          `json:"next_id"`
	ExportedKeys   []string       `json:"exported_keys"`
	// LogSizes records the byte length of each append-only log right after
	// the pre-snapshot flush. Resume truncates logs back to these lengths so
	// entries written after the last checkpoint are not duplicated.
	LogSizes map[string]int64 `json:"log_sizes,omitempty"`
	Digest   string           `json:"digest,omitempty"`
}

// Status is the ephemeral progress report. It can be discarded at any time
// and rebuilt from the durable artifacts.
type Status struct {
	Phase     string    `json:"phase"`
	RunID     string    `json:"run_id,omitempty"`
	Processed int       `json:"processed"`
	Total     int       `json:"total"`
	Rate      float64   `json:"rate"`
	ETA       string    `json:"eta,omitempty"`
	Entities  int       `json:"entities"`
	Deferred  int       `json:"deferred"`
	Errors    []string  `json:"errors,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}
