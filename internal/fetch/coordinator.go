// Package fetch matches registry entities against external search
// endpoints.
//
// A fixed pool of workers fetches and scores candidates. Every call first
// waits on the shared RateLimiter, then asks the Router for an open
// endpoint; a 429 marks that endpoint limited and the call moves on without
// counting as a failure. Results that are neither clearly right nor clearly
// wrong go to a single verifier goroutine that batches them through the
// oracle. Every outcome leaves through one results channel.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/entityledger/internal/metrics"
	"github.com/roach88/entityledger/internal/model"
	"github.com/roach88/entityledger/internal/oracle"
	"github.com/roach88/entityledger/internal/tracing"
)

// Coordinator defaults.
const (
	DefaultWorkers      = 4
	DefaultBatchSize    = 8
	DefaultBatchWait    = 500 * time.Millisecond
	DefaultAcceptScore  = 0.9
	DefaultRejectScore  = 0.5
	DefaultHitsPerQuery = 5
	DefaultMaxAttempts  = 3
)

// Subject is one entity to match externally.
type Subject struct {
	EntityKey  string
	Text       string
	EntityType string
	Sample     string
}

// Result is the outcome for one subject. Err is set when the subject could
// not be decided in this run; such subjects stay unprocessed.
type Result struct {
	Subject Subject
	Match   model.ExternalMatch
	Err     error
}

type scored struct {
	subject  Subject
	hits     []Hit
	scores   []float64
	endpoint string
}

// Coordinator runs the fetch, score and verify stages.
type Coordinator struct {
	limiter  *RateLimiter
	router   *Router
	searcher Searcher
	verifier oracle.BatchOracle

	workers     int
	batchSize   int
	batchWait   time.Duration
	accept      float64
	reject      float64
	hitsPer     int
	maxAttempts uint64
	retryBase   time.Duration
	runID       string
	now         func() time.Time
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithVerifier sets the batch oracle used for uncertain matches. Without
// one, uncertain matches are reported as DEFER.
func WithVerifier(v oracle.BatchOracle) Option {
	return func(c *Coordinator) {
		c.verifier = v
	}
}

// WithWorkers sets the fetch pool size.
func WithWorkers(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithBatch sets the verifier batch size and the longest time a partial
// batch waits for more work.
func WithBatch(size int, wait time.Duration) Option {
	return func(c *Coordinator) {
		if size > 0 {
			c.batchSize = size
		}
		if wait > 0 {
			c.batchWait = wait
		}
	}
}

// WithThresholds sets the auto-accept and reject scores.
func WithThresholds(accept, reject float64) Option {
	return func(c *Coordinator) {
		c.accept = accept
		c.reject = reject
	}
}

// WithTransientRetries bounds attempts on transient errors.
func WithTransientRetries(attempts uint64, base time.Duration) Option {
	return func(c *Coordinator) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
		if base > 0 {
			c.retryBase = base
		}
	}
}

// WithRunID tags produced matches.
func WithRunID(id string) Option {
	return func(c *Coordinator) {
		c.runID = id
	}
}

// WithMetrics sets the instruments to update.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithNow overrides the clock used for ProcessedAt.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// NewCoordinator wires the stages. limiter and router are shared with any
// other caller that talks to the same endpoints.
func NewCoordinator(limiter *RateLimiter, router *Router, searcher Searcher, opts ...Option) *Coordinator {
	c := &Coordinator{
		limiter:     limiter,
		router:      router,
		searcher:    searcher,
		workers:     DefaultWorkers,
		batchSize:   DefaultBatchSize,
		batchWait:   DefaultBatchWait,
		accept:      DefaultAcceptScore,
		reject:      DefaultRejectScore,
		hitsPer:     DefaultHitsPerQuery,
		maxAttempts: DefaultMaxAttempts,
		retryBase:   250 * time.Millisecond,
		now:         time.Now,
		metrics:     metrics.Discard(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run matches subjects and streams results. The channel is closed once
// every subject has a result or ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, subjects []Subject) <-chan Result {
	results := make(chan Result, c.workers)
	uncertain := make(chan scored, c.batchSize)

	emit := func(r Result) {
		select {
		case results <- r:
		case <-ctx.Done():
		}
	}

	var verifierDone sync.WaitGroup
	verifierDone.Add(1)
	go func() {
		defer verifierDone.Done()
		c.verifyLoop(ctx, uncertain, emit)
	}()

	go func() {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.workers)
		for _, s := range subjects {
			if gctx.Err() != nil {
				break
			}
			g.Go(func() error {
				c.handle(gctx, s, uncertain, emit)
				return nil
			})
		}
		_ = g.Wait()
		close(uncertain)
		verifierDone.Wait()
		close(results)
	}()

	return results
}

func (c *Coordinator) handle(ctx context.Context, s Subject, uncertain chan<- scored, emit func(Result)) {
	hits, endpoint, err := c.fetch(ctx, s)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		emit(Result{Subject: s, Err: err})
		return
	}

	sc := scored{subject: s, hits: hits, endpoint: endpoint, scores: make([]float64, len(hits))}
	for i, h := range hits {
		sc.scores[i] = Score(s, h)
	}
	sortScored(&sc)

	switch {
	case len(sc.hits) == 0 || sc.scores[0] < c.reject:
		emit(Result{Subject: s, Match: c.match(sc, -1, model.OutcomeCreateNew, false)})
	case sc.scores[0] >= c.accept && (len(sc.scores) == 1 || sc.scores[0]-sc.scores[1] > 0.05):
		emit(Result{Subject: s, Match: c.match(sc, 0, model.OutcomeLinkExisting, false)})
	case c.verifier == nil:
		emit(Result{Subject: s, Match: c.match(sc, 0, model.OutcomeDefer, false)})
	default:
		select {
		case uncertain <- sc:
		case <-ctx.Done():
		}
	}
}

// fetch performs one search, rerouting on 429 and retrying transient
// failures with bounded exponential backoff.
func (c *Coordinator) fetch(ctx context.Context, s Subject) ([]Hit, string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryBase
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, c.maxAttempts-1), ctx)

	q := Query{Text: s.Text, EntityType: s.EntityType, Limit: c.hitsPer}
	var (
		hits     []Hit
		endpoint string
	)
	op := func() error {
		for {
			if err := c.limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
			ep, err := c.router.Acquire(ctx)
			if err != nil {
				return backoff.Permanent(err)
			}

			sctx, span := tracing.Start(ctx, "search",
				attribute.String("endpoint", ep.Name),
				attribute.String("entity_type", s.EntityType))
			h, err := c.searcher.Search(sctx, ep, q)
			span.SetAttributes(attribute.Int("hits", len(h)))
			tracing.End(span, err)
			var rl *RateLimitError
			switch {
			case err == nil:
				c.limiter.OnSuccess()
				c.router.MarkSuccess(ep)
				c.metrics.SearchCalls.WithLabelValues(ep.Name, "ok").Inc()
				hits, endpoint = h, ep.Name
				return nil
			case errors.As(err, &rl):
				c.metrics.SearchCalls.WithLabelValues(ep.Name, "rate_limited").Inc()
				c.router.MarkRateLimited(ep, rl.RetryAfter)
				c.limiter.OnRateLimited()
				c.logger.Debug("endpoint rate limited",
					"endpoint", ep.Name,
					"retry_after", rl.RetryAfter,
					"delay", c.limiter.Delay())
				continue
			case IsTransient(err):
				c.metrics.SearchCalls.WithLabelValues(ep.Name, "transient").Inc()
				return err
			default:
				c.metrics.SearchCalls.WithLabelValues(ep.Name, "error").Inc()
				return backoff.Permanent(err)
			}
		}
	}
	if err := backoff.Retry(op, policy); err != nil {
		return nil, "", fmt.Errorf("search %q: %w", s.Text, err)
	}
	return hits, endpoint, nil
}

// verifyLoop batches uncertain matches and resolves them through the
// oracle. A partial batch is sent once batchWait passes without new work.
func (c *Coordinator) verifyLoop(ctx context.Context, in <-chan scored, emit func(Result)) {
	batch := make([]scored, 0, c.batchSize)
	timer := time.NewTimer(c.batchWait)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		c.verifyBatch(ctx, batch, emit)
		batch = batch[:0]
	}

	for {
		select {
		case sc, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, sc)
			if len(batch) >= c.batchSize {
				flush()
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.batchWait)
		case <-timer.C:
			flush()
			timer.Reset(c.batchWait)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Coordinator) verifyBatch(ctx context.Context, batch []scored, emit func(Result)) {
	reqs := make([]oracle.Request, len(batch))
	for i, sc := range batch {
		req := oracle.Request{Subject: sc.subject.Text, EntityType: sc.subject.EntityType, Sample: sc.subject.Sample}
		for _, h := range sc.hits {
			req.Candidates = append(req.Candidates, oracle.Candidate{Key: h.ID, Text: h.Label, Sample: h.Description})
		}
		reqs[i] = req
	}

	vctx, span := tracing.Start(ctx, "oracle.verify_batch", attribute.Int("requests", len(reqs)))
	verdicts, err := c.verifier.VerifyBatch(vctx, reqs)
	tracing.End(span, err)
	if err != nil {
		c.metrics.OracleCalls.WithLabelValues("error").Inc()
		for _, sc := range batch {
			emit(Result{Subject: sc.subject, Err: fmt.Errorf("verify: %w", err)})
		}
		return
	}
	if len(verdicts) != len(batch) {
		err := fmt.Errorf("verify: got %d verdicts for %d requests", len(verdicts), len(batch))
		for _, sc := range batch {
			emit(Result{Subject: sc.subject, Err: err})
		}
		return
	}
	c.metrics.OracleCalls.WithLabelValues("ok").Inc()

	for i, sc := range batch {
		switch v := oracle.Check(verdicts[i], len(sc.hits)).(type) {
		case oracle.Link:
			emit(Result{Subject: sc.subject, Match: c.match(sc, v.Index, model.OutcomeLinkExisting, true)})
		case oracle.CreateNew:
			emit(Result{Subject: sc.subject, Match: c.match(sc, -1, model.OutcomeCreateNew, true)})
		case oracle.Unparseable:
			emit(Result{Subject: sc.subject, Err: v.Err()})
		}
	}
}

func (c *Coordinator) match(sc scored, idx int, outcome model.Outcome, verified bool) model.ExternalMatch {
	m := model.ExternalMatch{
		EntityKey:   sc.subject.EntityKey,
		Outcome:     outcome,
		Verified:    verified,
		Endpoint:    sc.endpoint,
		RunID:       c.runID,
		ProcessedAt: c.now().UTC(),
	}
	if idx >= 0 && idx < len(sc.hits) {
		m.ExternalID = sc.hits[idx].ID
		m.Label = sc.hits[idx].Label
		m.Score = sc.scores[idx]
	} else if len(sc.scores) > 0 {
		m.Score = sc.scores[0]
	}
	return m
}

func sortScored(sc *scored) {
	idx := make([]int, len(sc.hits))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return sc.scores[idx[a]] > sc.scores[idx[b]] })
	hits := make([]Hit, len(idx))
	scores := make([]float64, len(idx))
	for i, j := range idx {
		hits[i], scores[i] = sc.hits[j], sc.scores[j]
	}
	sc.hits, sc.scores = hits, scores
}
