// Package resolver runs the second pass over deferred items.
//
// Items are streamed from pending_queue.log in ID order. An item is skipped
// when decisions.log already holds its outcome, so an interrupted run resumes
// where it stopped. Candidates come from two places: entities decided earlier
// in this session and the candidate keys recorded when the item was deferred.
// The oracle is consulted only when candidates exist and none matches the
// subject exactly. A candidate must resemble the subject by name, through
// its display text or an alias, to be offered at all.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/roach88/entityledger/internal/decide"
	"github.com/roach88/entityledger/internal/metrics"
	"github.com/roach88/entityledger/internal/model"
	"github.com/roach88/entityledger/internal/names"
	"github.com/roach88/entityledger/internal/oracle"
	"github.com/roach88/entityledger/internal/queue"
	"github.com/roach88/entityledger/internal/registry"
	"github.com/roach88/entityledger/internal/tracing"
)

// Outcome confidences.
const (
	confidenceNoCandidates = 0.9
	confidenceExact        = 0.95
	confidenceOracle       = 0.85
)

// Defaults for oracle calls.
const (
	DefaultCallTimeout = 30 * time.Second
	DefaultMaxRetries  = 3
)

// Summary reports one resolver run.
type Summary struct {
	RunID     string
	Total     int
	Skipped   int
	Created   int
	Linked    int
	Undecided int
	Merged    int
	Stopped   bool
	Errors    []string
}

// Processed returns the items that received an outcome in this run.
func (s Summary) Processed() int {
	return s.Created + s.Linked
}

// CheckpointFunc persists resolver progress once the run ends.
type CheckpointFunc func(ctx context.Context) error

// Resolver is single-threaded: one item is decided and recorded before the
// next is read.
type Resolver struct {
	reg         *registry.Registry
	outcomes    *queue.OutcomeLog
	pendingPath string
	oracle      oracle.Oracle

	checkpoint  CheckpointFunc
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	callTimeout time.Duration
	maxCands    int
	maxRetries  uint64
	retryBase   time.Duration
	runID       string

	stop atomic.Bool
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCheckpoint sets the function called after the run.
func WithCheckpoint(f CheckpointFunc) Option {
	return func(r *Resolver) {
		r.checkpoint = f
	}
}

// WithMetrics sets the instruments to update.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Resolver) {
		r.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) {
		r.logger = l
	}
}

// WithNow overrides the clock used for ProcessedAt.
func WithNow(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// WithCallTimeout bounds each oracle call.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// WithMaxCandidates bounds the candidates offered to the oracle per item.
func WithMaxCandidates(n int) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxCands = n
		}
	}
}

// WithRetries sets how many times a failed or undecided oracle call is
// retried, and the first backoff interval.
func WithRetries(n uint64, base time.Duration) Option {
	return func(r *Resolver) {
		r.maxRetries = n
		if base > 0 {
			r.retryBase = base
		}
	}
}

// WithRunID tags recorded outcomes. Defaults to a fresh UUIDv7.
func WithRunID(id string) Option {
	return func(r *Resolver) {
		r.runID = id
	}
}

// New creates a resolver over the items at pendingPath.
func New(reg *registry.Registry, outcomes *queue.OutcomeLog, pendingPath string, o oracle.Oracle, opts ...Option) *Resolver {
	r := &Resolver{
		reg:         reg,
		outcomes:    outcomes,
		pendingPath: pendingPath,
		oracle:      o,
		metrics:     metrics.Discard(),
		logger:      slog.Default(),
		now:         time.Now,
		callTimeout: DefaultCallTimeout,
		maxCands:    decide.DefaultMaxCandidates,
		maxRetries:  DefaultMaxRetries,
		retryBase:   500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.runID == "" {
		r.runID = uuid.Must(uuid.NewV7()).String()
	}
	return r
}

// Stop asks Run to return after the current item.
func (r *Resolver) Stop() {
	r.stop.Store(true)
}

// decided is an entity settled earlier in this session.
type decided struct {
	key    string
	text   string
	sample string
}

var errStopped = errors.New("resolver stopped")

// Run resolves every unprocessed item. Cancellation and Stop are honored
// between items; the merge and checkpoint still run so recorded outcomes
// are reflected in the registry.
func (r *Resolver) Run(ctx context.Context) (Summary, error) {
	sum := Summary{RunID: r.runID}
	session := make(map[string][]decided)

	r.logger.Info("resolver starting",
		"run_id", r.runID,
		"already_processed", r.outcomes.Len())

	_, err := queue.ReadItems(r.pendingPath, func(item model.DeferredItem) error {
		sum.Total++
		if r.outcomes.Processed(item.ID) {
			sum.Skipped++
			return nil
		}
		if r.stop.Load() || ctx.Err() != nil {
			return errStopped
		}

		v, err := r.resolveItem(ctx, item, session[item.EntityType])
		if err != nil {
			if ctx.Err() != nil {
				return errStopped
			}
			sum.Undecided++
			sum.Errors = append(sum.Errors, fmt.Sprintf("item %d (%s): %v", item.ID, item.EntityKey, err))
			r.logger.Warn("item left unprocessed",
				"id", item.ID,
				"key", item.EntityKey,
				"error", err)
			return nil
		}

		if _, err := r.outcomes.Record(v); err != nil {
			return err
		}
		r.metrics.Resolved.WithLabelValues(string(v.Outcome)).Inc()

		switch v.Outcome {
		case model.OutcomeLinkExisting:
			sum.Linked++
		default:
			sum.Created++
			session[item.EntityType] = append(session[item.EntityType], decided{
				key:    item.EntityKey,
				text:   item.SubjectText,
				sample: item.Sample,
			})
		}
		r.logger.Debug("item resolved",
			"id", item.ID,
			"key", item.EntityKey,
			"outcome", v.Outcome,
			"linked", v.LinkedKey)
		return nil
	}, r.logger)

	switch {
	case errors.Is(err, errStopped):
		sum.Stopped = true
	case err != nil:
		return sum, fmt.Errorf("resolve deferred items: %w", err)
	}

	sum.Merged, err = r.applyMerges()
	if err != nil {
		return sum, err
	}

	if r.checkpoint != nil {
		// The caller's context may already be cancelled; the final
		// checkpoint must still land.
		if err := r.checkpoint(context.WithoutCancel(ctx)); err != nil {
			return sum, fmt.Errorf("checkpoint after resolve: %w", err)
		}
	}

	r.logger.Info("resolver finished",
		"run_id", r.runID,
		"total", sum.Total,
		"created", sum.Created,
		"linked", sum.Linked,
		"undecided", sum.Undecided,
		"skipped", sum.Skipped,
		"stopped", sum.Stopped)
	return sum, nil
}

func (r *Resolver) resolveItem(ctx context.Context, item model.DeferredItem, session []decided) (model.VerificationOutcome, error) {
	out := model.VerificationOutcome{
		DeferredID: item.ID,
		EntityKey:  item.EntityKey,
		RunID:      r.runID,
	}

	candidates := r.candidates(item, session)
	if len(candidates) == 0 {
		out.Outcome = model.OutcomeCreateNew
		out.Confidence = confidenceNoCandidates
		out.Reason = "no candidates"
		out.ProcessedAt = r.now().UTC()
		return out, nil
	}

	for _, c := range candidates {
		if r.exact(item, c) {
			out.Outcome = model.OutcomeLinkExisting
			out.LinkedKey = c.Key
			out.Confidence = confidenceExact
			out.Reason = "exact candidate"
			out.ProcessedAt = r.now().UTC()
			return out, nil
		}
	}

	req := oracle.Request{
		Subject:    item.SubjectText,
		EntityType: item.EntityType,
		Sample:     item.Sample,
		Candidates: candidates,
	}
	v, err := r.verify(ctx, req)
	if err != nil {
		return out, err
	}

	switch v := v.(type) {
	case oracle.Link:
		out.Outcome = model.OutcomeLinkExisting
		out.LinkedKey = candidates[v.Index].Key
		out.Reason = "oracle link"
	case oracle.CreateNew:
		out.Outcome = model.OutcomeCreateNew
		out.Reason = "oracle create"
	default:
		return out, fmt.Errorf("unexpected verdict %v", v)
	}
	out.Confidence = confidenceOracle
	out.ProcessedAt = r.now().UTC()
	return out, nil
}

// exact reports whether c's display text or one of its aliases normalizes
// to the subject. Aliases can be learned after the item was deferred.
func (r *Resolver) exact(item model.DeferredItem, c oracle.Candidate) bool {
	subject := names.Normalize(item.SubjectText)
	if names.Normalize(c.Text) == subject {
		return true
	}
	rec, ok := r.reg.Get(c.Key)
	if !ok {
		return false
	}
	for _, a := range rec.Aliases {
		if names.Normalize(a) == subject {
			return true
		}
	}
	return false
}

// candidates merges session entities of the item's type with the item's
// recorded candidate keys. The item itself, entities that no longer exist,
// names with no resemblance to the subject and anything its ordinal
// contradicts are dropped. The rest is sorted and truncated.
func (r *Resolver) candidates(item model.DeferredItem, session []decided) []oracle.Candidate {
	seen := map[string]struct{}{item.EntityKey: {}}
	var mc []model.MatchCandidate
	samples := make(map[string]string)

	add := func(key, text, sample string) {
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		rec, ok := r.reg.Get(key)
		if !ok {
			return
		}
		sim := names.Similarity(item.SubjectText, text)
		for _, a := range rec.Aliases {
			if s := names.Similarity(item.SubjectText, a); s > sim {
				sim = s
			}
		}
		if sim == 0 {
			return
		}
		mc = append(mc, model.MatchCandidate{
			EntityKey:    key,
			DisplayText:  text,
			Similarity:   sim,
			MentionCount: rec.MentionCount,
		})
		samples[key] = sample
	}

	for _, d := range session {
		add(d.key, d.text, d.sample)
	}
	for _, key := range item.CandidateKeys {
		if rec, ok := r.reg.Get(key); ok {
			add(rec.Key, rec.DisplayText, rec.SampleText)
		}
	}

	mc = decide.FilterConflicts(item.SubjectText, mc)
	registry.SortCandidates(mc)
	if len(mc) > r.maxCands {
		mc = mc[:r.maxCands]
	}

	out := make([]oracle.Candidate, len(mc))
	for i, c := range mc {
		out[i] = oracle.Candidate{Key: c.EntityKey, Text: c.DisplayText, Sample: samples[c.EntityKey]}
	}
	return out
}

// verify calls the oracle with a per-call timeout. Errors, timeouts and
// unusable answers are retried with exponential backoff; after the last
// attempt the item stays unprocessed. A rejected request is not retried.
func (r *Resolver) verify(ctx context.Context, req oracle.Request) (oracle.Verdict, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryBase
	b.MaxElapsedTime = 0

	var verdict oracle.Verdict
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
		defer cancel()

		callCtx, span := tracing.Start(callCtx, "oracle.verify",
			attribute.String("entity_type", req.EntityType),
			attribute.Int("candidates", len(req.Candidates)))
		v, err := r.oracle.Verify(callCtx, req)
		if err == nil {
			v = oracle.Check(v, len(req.Candidates))
			span.SetAttributes(attribute.String("verdict", v.String()))
		}
		tracing.End(span, err)
		if err != nil {
			r.metrics.OracleCalls.WithLabelValues("error").Inc()
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if !oracle.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if u, ok := v.(oracle.Unparseable); ok {
			r.metrics.OracleCalls.WithLabelValues("unparseable").Inc()
			return u.Err()
		}
		r.metrics.OracleCalls.WithLabelValues("ok").Inc()
		verdict = v
		return nil
	}

	notify := func(err error, wait time.Duration) {
		r.logger.Debug("retrying oracle call",
			"subject", req.Subject,
			"wait", wait,
			"error", err)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.maxRetries), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return verdict, nil
}

// applyMerges folds every linked outcome on record into its target. Merge
// is idempotent, so outcomes from earlier runs are safe to replay. A target
// that was itself linked away is followed to its final entity.
func (r *Resolver) applyMerges() (int, error) {
	all := r.outcomes.All()
	redirect := make(map[string]string)
	for _, v := range all {
		if v.Outcome == model.OutcomeLinkExisting && v.LinkedKey != "" {
			redirect[v.EntityKey] = v.LinkedKey
		}
	}

	merged := 0
	for _, v := range all {
		if v.Outcome != model.OutcomeLinkExisting || v.LinkedKey == "" {
			continue
		}
		into := finalTarget(redirect, v.LinkedKey)
		if into == v.EntityKey || !r.reg.Has(into) {
			if r.reg.Has(v.EntityKey) {
				r.logger.Warn("merge target missing",
					"from", v.EntityKey,
					"into", into)
			}
			continue
		}
		ok, err := r.reg.Merge(v.EntityKey, into)
		if err != nil {
			return merged, fmt.Errorf("merge %s into %s: %w", v.EntityKey, into, err)
		}
		if ok {
			merged++
		}
	}
	return merged, nil
}

func finalTarget(redirect map[string]string, key string) string {
	seen := map[string]struct{}{}
	for {
		next, ok := redirect[key]
		if !ok {
			return key
		}
		if _, loop := seen[key]; loop {
			return key
		}
		seen[key] = struct{}{}
		key = next
	}
}
