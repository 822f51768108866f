package cli

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/roach88/entityledger/internal/fetch"
	"github.com/roach88/entityledger/internal/model"
	"github.com/roach88/entityledger/internal/oracle"
)

// matchFlushEvery bounds how many matches can be lost to a crash.
const matchFlushEvery = 64

// MatchOptions holds flags for the match command.
type MatchOptions struct {
	*RootOptions
	EntityType string
	Limit      int

	// Searcher and Verifier override the HTTP clients built from config
	// (for testing).
	Searcher fetch.Searcher
	Verifier oracle.BatchOracle
}

// NewMatchCommand creates the match command.
func NewMatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "match",
		Short: "Link checkpointed entities to external search endpoints",
		Long: `Search every checkpointed entity that has no record in matches.log.

Calls share one adaptive rate limiter. A 429 moves the call to the next
configured endpoint; when all are limited the run waits for the shortest
cooldown. Uncertain scores are verified in batches by the oracle when one
is configured and reported as DEFER otherwise.

Requires search.endpoints in the config.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMatch(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.EntityType, "type", "", "only match entities of this type")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "match at most this many entities (0 = all)")

	return cmd
}

func runMatch(cmd *cobra.Command, opts *MatchOptions) error {
	s, err := openSession(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.cfg.RequireSearch(); err != nil {
		return fail(s.out, ErrCodeSearch, ExitCommandError, "no search endpoints", err)
	}

	ctx := commandContext(cmd)
	snap, found, err := s.loadSnapshot(ctx)
	if err != nil {
		return fail(s.out, ErrCodeDataDir, ExitCommandError, "read checkpoint", err)
	}
	if !found {
		return fail(s.out, ErrCodeDataDir, ExitCommandError, "nothing to match",
			errors.New("no checkpoint in "+s.cfg.DataDir+"; run ingest first"))
	}

	ml, err := fetch.OpenMatchLog(filepath.Join(s.cfg.DataDir, fetch.MatchesFileName), s.log.Logger)
	if err != nil {
		return fail(s.out, ErrCodeDataDir, ExitCommandError, "open match log", err)
	}
	defer func() {
		if err := ml.Close(); err != nil {
			s.log.Error("error closing match log", "error", err)
		}
	}()

	subjects := ml.Pending(matchSubjects(snap.Entities, opts.EntityType))
	if opts.Limit > 0 && len(subjects) > opts.Limit {
		subjects = subjects[:opts.Limit]
	}

	coord := s.newCoordinator(opts)
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	runCtx, release := notifyStop(runCtx, cancelRun, s.log.Logger)
	defer release()

	counts := map[model.Outcome]int{}
	failed := 0
	var firstErr error
	for res := range coord.Run(runCtx, subjects) {
		if res.Err != nil {
			failed++
			if firstErr == nil {
				firstErr = res.Err
			}
			s.log.Warn("match left unprocessed",
				"key", res.Subject.EntityKey,
				"error", res.Err)
			continue
		}
		if _, err := ml.Record(res.Match); err != nil {
			return fail(s.out, ErrCodeDataDir, ExitFailure, "record match", err)
		}
		counts[res.Match.Outcome]++
		if ml.Len()%matchFlushEvery == 0 {
			if err := ml.Flush(); err != nil {
				return fail(s.out, ErrCodeDataDir, ExitFailure, "flush match log", err)
			}
		}
	}
	if err := ml.Flush(); err != nil {
		return fail(s.out, ErrCodeDataDir, ExitFailure, "flush match log", err)
	}

	stopped := runCtx.Err() != nil
	done := counts[model.OutcomeLinkExisting] + counts[model.OutcomeCreateNew] + counts[model.OutcomeDefer]
	rep := Report{
		Title: "Match finished",
		Rows: []Row{
			{Label: "subjects", Value: len(subjects)},
			{Label: "linked", Value: counts[model.OutcomeLinkExisting], Tone: ToneGood},
			{Label: "no match", Value: counts[model.OutcomeCreateNew]},
			{Label: "deferred", Value: counts[model.OutcomeDefer], Tone: countTone(counts[model.OutcomeDefer], ToneWarn)},
			{Label: "failed", Value: failed, Tone: countTone(failed, ToneBad)},
			{Label: "rate limit delay", Value: coord.limiter.Delay().String()},
		},
		Data: map[string]interface{}{
			"subjects": len(subjects),
			"linked":   counts[model.OutcomeLinkExisting],
			"no_match": counts[model.OutcomeCreateNew],
			"deferred": counts[model.OutcomeDefer],
			"failed":   failed,
			"recorded": done,
			"stopped":  stopped,
		},
	}
	if stopped {
		rep.Title = "Match stopped"
	}
	if err := s.out.Success(rep); err != nil {
		return err
	}
	switch {
	case stopped:
		return NewExitError(ExitFailure, "match stopped before every subject was searched")
	case failed > 0:
		return WrapExitError(ExitFailure, "some subjects could not be searched", firstErr)
	}
	return nil
}

type matchCoordinator struct {
	*fetch.Coordinator
	limiter *fetch.RateLimiter
}

func (s *session) newCoordinator(opts *MatchOptions) matchCoordinator {
	sc := s.cfg.Search

	endpoints := make([]*fetch.Endpoint, len(sc.Endpoints))
	for i, e := range sc.Endpoints {
		endpoints[i] = &fetch.Endpoint{Name: e.Name, URL: e.URL}
	}
	clock := fetch.SystemClock{}
	limiter := fetch.NewRateLimiter(
		fetch.WithClock(clock),
		fetch.WithDelays(sc.BaseDelay.D(), sc.MaxDelay.D()),
		fetch.WithLimiterMetrics(s.metrics))
	router := fetch.NewRouter(clock, sc.Cooldown.D(), endpoints...)

	searcher := opts.Searcher
	if searcher == nil {
		searcher = fetch.NewHTTPSearcher(sc.APIKey, sc.Timeout.D())
	}
	searcher = fetch.NewCachedSearcher(searcher, sc.CacheTTL.D())

	coordOpts := []fetch.Option{
		fetch.WithWorkers(sc.Workers),
		fetch.WithBatch(s.cfg.Oracle.BatchSize, sc.BatchWait.D()),
		fetch.WithThresholds(sc.Accept, sc.Reject),
		fetch.WithRunID(uuid.Must(uuid.NewV7()).String()),
		fetch.WithMetrics(s.metrics),
		fetch.WithLogger(s.log.Logger),
	}
	verifier := opts.Verifier
	if verifier == nil && s.cfg.Oracle.Enabled() {
		verifier = oracle.NewHTTPClient(s.cfg.Oracle.URL, s.cfg.Oracle.APIKey,
			oracle.WithTimeout(s.cfg.Oracle.Timeout.D()))
	}
	if verifier != nil {
		coordOpts = append(coordOpts, fetch.WithVerifier(verifier))
	}

	return matchCoordinator{
		Coordinator: fetch.NewCoordinator(limiter, router, searcher, coordOpts...),
		limiter:     limiter,
	}
}

func matchSubjects(entities []model.EntityRecord, entityType string) []fetch.Subject {
	out := make([]fetch.Subject, 0, len(entities))
	for _, e := range entities {
		if entityType != "" && e.EntityType != entityType {
			continue
		}
		out = append(out, fetch.Subject{
			EntityKey:  e.Key,
			Text:       e.DisplayText,
			EntityType: e.EntityType,
			Sample:     e.SampleText,
		})
	}
	return out
}
