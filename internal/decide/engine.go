// Package decide classifies each incoming mention as CREATE_NEW,
// LINK_EXISTING or DEFER against the registry.
//
// Candidate generation runs in a fixed order: exact key, recorded alias,
// base name with its ordinal or epithet stripped, then a same-type fuzzy
// scan. Candidates whose ordinal or epithet contradicts the subject's are
// vetoed before scoring, so "Charles VIII" can never link to "Charles VII".
package decide

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/entityledger/internal/model"
	"github.com/roach88/entityledger/internal/names"
	"github.com/roach88/entityledger/internal/registry"
)

// Thresholds of the first-pass outcome rules.
const (
	// LinkThreshold is the minimum similarity of a lone top candidate to link.
	LinkThreshold = 0.85
	// RivalMargin is how close a second candidate must be to block a link.
	RivalMargin = 0.05
	// AmbiguousThreshold is the similarity both top candidates must exceed
	// for the case to be ambiguous.
	AmbiguousThreshold = 0.80
	// UncertainFloor is the exclusive lower bound of the uncertain band
	// (UncertainFloor, LinkThreshold] that defers a single candidate.
	UncertainFloor = 0.6

	// sameQualifierSimilarity scores a candidate whose base name and
	// ordinal match the subject in a different notation ("VIII" vs "the Eighth").
	sameQualifierSimilarity = 0.95

	confidenceNoCandidates = 0.95
	confidenceExact        = 1.0
	confidenceAlias        = 0.95
	confidenceDefer        = 0.5
	confidenceWeak         = 0.75
)

// DefaultMaxCandidates bounds the candidates kept per decision.
const DefaultMaxCandidates = 10

// Engine decides outcomes for mentions against a registry.
//
// Thread-safety: Engine reads and mutates the registry and therefore shares
// its single-writer contract.
type Engine struct {
	reg           *registry.Registry
	validate      *validator.Validate
	types         map[string]struct{}
	maxCandidates int
	logger        *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithEntityTypes restricts accepted entity types. Defaults to model.KnownTypes.
func WithEntityTypes(types []string) Option {
	return func(e *Engine) {
		e.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			e.types[t] = struct{}{}
		}
	}
}

// WithMaxCandidates bounds the candidates returned per decision.
func WithMaxCandidates(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxCandidates = n
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates an Engine over reg.
func New(reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		reg:           reg,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		types:         make(map[string]struct{}, len(model.KnownTypes)),
		maxCandidates: DefaultMaxCandidates,
		logger:        slog.Default(),
	}
	for _, t := range model.KnownTypes {
		e.types[string(t)] = struct{}{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Validate checks a raw mention and returns a *ValidationError describing
// the first problem found.
func (e *Engine) Validate(m model.RawMention) error {
	if err := e.validate.Struct(m); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
			return fmt.Errorf("validate mention: %w", err)
		}
		fe := fieldErrs[0]
		switch {
		case fe.Field() == "Text":
			return newValidationError(ErrCodeEmptyText, "text", "mention text is required")
		case fe.Tag() == "required":
			return newValidationError(ErrCodeMissingField, fe.Field(), "required field is empty")
		default:
			return newValidationError(ErrCodeBadOffsets, fe.Field(),
				fmt.Sprintf("offsets must satisfy 0 <= start <= end (start=%d, end=%d)", m.Start, m.End))
		}
	}
	if names.Normalize(m.Text) == "" {
		return newValidationError(ErrCodeEmptyText, "text", "mention text is blank")
	}
	if _, ok := e.types[m.EntityType]; !ok {
		return newValidationError(ErrCodeUnknownType, "entity_type",
			fmt.Sprintf("unknown entity type %q", m.EntityType))
	}
	return nil
}

// Decide classifies m without mutating the registry. The returned candidates
// are the post-veto set the outcome was computed from.
func (e *Engine) Decide(m model.RawMention) (model.Decision, []model.MatchCandidate, error) {
	if err := e.Validate(m); err != nil {
		return model.Decision{}, nil, err
	}

	d := model.Decision{SubjectText: m.Text, EntityType: m.EntityType}

	key := names.Key(m.EntityType, m.Text)
	if rec, ok := e.reg.Get(key); ok {
		d.Outcome = model.OutcomeLinkExisting
		d.LinkedKey = key
		d.Confidence = confidenceExact
		d.Reason = "exact key match"
		return d, []model.MatchCandidate{exactCandidate(rec)}, nil
	}
	if linked, ok := e.reg.LookupAlias(m.Text, m.EntityType); ok {
		rec, _ := e.reg.Get(linked)
		d.Outcome = model.OutcomeLinkExisting
		d.LinkedKey = linked
		d.Confidence = confidenceAlias
		d.Reason = "alias match"
		return d, []model.MatchCandidate{exactCandidate(rec)}, nil
	}

	candidates := e.Candidates(m.Text, m.EntityType)
	d = Classify(d, candidates)
	return d, candidates, nil
}

// Candidates gathers base-name and fuzzy candidates for text, applies the
// ordinal-conflict veto and returns them sorted and truncated.
func (e *Engine) Candidates(text, entityType string) []model.MatchCandidate {
	subject := names.SplitSuffix(text)
	byKey := make(map[string]model.MatchCandidate)

	if subject.Has() {
		baseKey := entityType + ":" + subject.Base
		if rec, ok := e.reg.Get(baseKey); ok {
			byKey[baseKey] = model.MatchCandidate{
				EntityKey:    rec.Key,
				DisplayText:  rec.DisplayText,
				Similarity:   names.Similarity(text, rec.DisplayText),
				MentionCount: rec.MentionCount,
			}
		}
	}

	for _, c := range e.reg.FindSimilar(text, entityType, 0) {
		if prev, ok := byKey[c.EntityKey]; ok && prev.Similarity >= c.Similarity {
			continue
		}
		byKey[c.EntityKey] = c
	}

	out := make([]model.MatchCandidate, 0, len(byKey))
	for _, c := range byKey {
		cs := names.SplitSuffix(c.DisplayText)
		if names.Conflict(subject, cs) {
			e.logger.Debug("ordinal veto",
				"subject", text,
				"candidate", c.DisplayText)
			continue
		}
		if subject.Has() && cs.Has() && subject.Base == cs.Base && c.Similarity < sameQualifierSimilarity {
			c.Similarity = sameQualifierSimilarity
		}
		out = append(out, c)
	}

	registry.SortCandidates(out)
	if len(out) > e.maxCandidates {
		out = out[:e.maxCandidates]
	}
	return out
}

// Classify applies the first-pass outcome rules to sorted candidates.
func Classify(d model.Decision, candidates []model.MatchCandidate) model.Decision {
	if len(candidates) == 0 {
		d.Outcome = model.OutcomeCreateNew
		d.Confidence = confidenceNoCandidates
		d.Reason = "no candidates"
		return d
	}

	top := candidates[0]
	if top.Similarity >= 1.0 {
		d.Outcome = model.OutcomeLinkExisting
		d.LinkedKey = top.EntityKey
		d.Confidence = confidenceExact
		d.Reason = "exact normalized match"
		return d
	}

	var second *model.MatchCandidate
	if len(candidates) > 1 {
		second = &candidates[1]
	}

	if top.Similarity > LinkThreshold && (second == nil || top.Similarity-second.Similarity > RivalMargin) {
		d.Outcome = model.OutcomeLinkExisting
		d.LinkedKey = top.EntityKey
		d.Confidence = top.Similarity
		d.Reason = "single strong candidate"
		return d
	}

	if second != nil && top.Similarity > AmbiguousThreshold && second.Similarity > AmbiguousThreshold {
		d.Outcome = model.OutcomeDefer
		d.Confidence = confidenceDefer
		d.Reason = fmt.Sprintf("ambiguous: %d strong candidates", countAbove(candidates, AmbiguousThreshold))
		return d
	}

	if top.Similarity > UncertainFloor && top.Similarity <= LinkThreshold {
		d.Outcome = model.OutcomeDefer
		d.Confidence = confidenceDefer
		d.Reason = "uncertain candidate"
		if second != nil && top.Similarity-second.Similarity <= RivalMargin {
			d.Reason = "ambiguous: close candidates"
		}
		return d
	}

	d.Outcome = model.OutcomeCreateNew
	d.Confidence = confidenceWeak
	d.Reason = "only weak candidates"
	return d
}

// Apply commits a decision to the registry and returns the key the mention
// was counted under. LINK_EXISTING through anything but the exact key
// records the subject text as an alias of the linked entity.
func (e *Engine) Apply(d model.Decision, m model.RawMention) (entityKey string, isNew bool, err error) {
	key := names.Key(m.EntityType, m.Text)

	if d.Outcome == model.OutcomeLinkExisting && d.LinkedKey != key {
		if err := e.reg.LinkMention(d.LinkedKey, m); err != nil {
			return "", false, err
		}
		e.reg.AddAlias(d.LinkedKey, m.Text)
		return d.LinkedKey, false, nil
	}
	isNew, entityKey, err = e.reg.AddChunkMention(m)
	return entityKey, isNew, err
}

// FilterConflicts drops candidates whose ordinal or epithet contradicts
// subject's.
func FilterConflicts(subject string, candidates []model.MatchCandidate) []model.MatchCandidate {
	s := names.SplitSuffix(subject)
	out := candidates[:0:0]
	for _, c := range candidates {
		if names.Conflict(s, names.SplitSuffix(c.DisplayText)) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func exactCandidate(rec model.EntityRecord) model.MatchCandidate {
	return model.MatchCandidate{
		EntityKey:    rec.Key,
		DisplayText:  rec.DisplayText,
		Similarity:   1.0,
		MentionCount: rec.MentionCount,
	}
}

func countAbove(c []model.MatchCandidate, threshold float64) int {
	n := 0
	for _, x := range c {
		if x.Similarity > threshold {
			n++
		}
	}
	return n
}
