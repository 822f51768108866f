package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"time"

	"github.com/roach88/entityledger/internal/model"
	"github.com/roach88/entityledger/internal/oracle"
	"github.com/roach88/entityledger/internal/pipeline"
	"github.com/roach88/entityledger/internal/queue"
	"github.com/roach88/entityledger/internal/resolver"
)

// Epoch is the fixed wall clock every scenario runs at.
var Epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness executes one scenario in its own data directory.
type Harness struct {
	dir    string
	runID  string
	logger *slog.Logger
}

// Run executes scenario in a fresh temporary data directory and evaluates
// its assertions. The error is reserved for failures of the pipeline
// itself; failed assertions are reported through Result.
func Run(scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "entityledger-harness-")
	if err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	defer os.RemoveAll(dir)

	h := &Harness{
		dir:    dir,
		runID:  "harness-" + scenario.Name,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	return h.run(context.Background(), scenario)
}

func (h *Harness) run(ctx context.Context, s *Scenario) (*Result, error) {
	result := newResult(s.Name)

	if len(s.Seed) > 0 {
		sum, err := h.ingest(ctx, s.Seed)
		if err != nil {
			return nil, fmt.Errorf("seed: %w", err)
		}
		addSummary(&result.Ingest, sum)
	}
	sum, err := h.ingest(ctx, s.Documents)
	if err != nil {
		return nil, fmt.Errorf("ingest: %w", err)
	}
	addSummary(&result.Ingest, sum)

	if len(s.Verdicts) > 0 {
		rs, err := h.resolve(ctx, s.Verdicts)
		if err != nil {
			return nil, fmt.Errorf("resolve: %w", err)
		}
		result.Resolve = &rs
		for _, e := range rs.Errors {
			result.AddError("resolve: " + e)
		}
	}

	if result.Snapshot, err = h.snapshot(s.Name); err != nil {
		return nil, err
	}
	for i, a := range s.Assertions {
		if err := evaluate(a, result); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}

	if err := h.checkReplay(ctx, s, result.Snapshot); err != nil {
		result.AddError(err.Error())
	}
	return result, nil
}

func (h *Harness) open(ctx context.Context) (*pipeline.Ingestor, error) {
	return pipeline.Open(ctx, h.dir,
		pipeline.WithLogger(h.logger),
		pipeline.WithNow(func() time.Time { return Epoch }),
		pipeline.WithRunID(h.runID))
}

func (h *Harness) ingest(ctx context.Context, docs []Document) (pipeline.Summary, error) {
	ing, err := h.open(ctx)
	if err != nil {
		return pipeline.Summary{}, err
	}
	src := make([]pipeline.Document, len(docs))
	for i, d := range docs {
		src[i] = pipeline.Document{Path: d.Path, Mentions: d.rawMentions()}
	}
	sum, runErr := ing.Run(ctx, pipeline.NewSliceSource(src...))
	if err := ing.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return sum, runErr
}

func (h *Harness) resolve(ctx context.Context, verdicts map[string]string) (resolver.Summary, error) {
	ing, err := h.open(ctx)
	if err != nil {
		return resolver.Summary{}, err
	}
	defer ing.Close()

	outcomes, _, err := queue.OpenOutcomes(filepath.Join(h.dir, queue.DecisionsFileName), h.logger)
	if err != nil {
		return resolver.Summary{}, err
	}
	defer outcomes.Close()

	r := resolver.New(ing.Registry(), outcomes, filepath.Join(h.dir, queue.PendingFileName), scriptedOracle(verdicts),
		resolver.WithCheckpoint(ing.Checkpoint),
		resolver.WithLogger(h.logger),
		resolver.WithNow(func() time.Time { return Epoch }),
		resolver.WithRetries(0, time.Millisecond),
		resolver.WithRunID(h.runID))
	return r.Run(ctx)
}

// scriptedOracle answers from the verdict table. A subject without a
// verdict, or a verdict naming a key that is not among the candidates,
// produces an unparseable answer so the item stays undecided.
func scriptedOracle(verdicts map[string]string) oracle.Oracle {
	return oracle.Func(func(_ context.Context, req oracle.Request) (oracle.Verdict, error) {
		want, ok := verdicts[req.Subject]
		if !ok {
			return oracle.Unparseable{Raw: "no verdict for " + req.Subject}, nil
		}
		if want == VerdictNew {
			return oracle.CreateNew{}, nil
		}
		for i, c := range req.Candidates {
			if c.Key == want {
				return oracle.Link{Index: i}, nil
			}
		}
		return oracle.Unparseable{Raw: want + " is not a candidate"}, nil
	})
}

func (h *Harness) snapshot(name string) (Snapshot, error) {
	snap := newResult(name).Snapshot

	ing, err := h.open(context.Background())
	if err != nil {
		return snap, err
	}
	records := ing.Registry().Snapshot()
	if err := ing.Close(); err != nil {
		return snap, err
	}
	for _, rec := range records {
		aliases := append([]string(nil), rec.Aliases...)
		sort.Strings(aliases)
		snap.Entities = append(snap.Entities, EntityState{
			Key:      rec.Key,
			Display:  rec.DisplayText,
			Mentions: rec.MentionCount,
			Aliases:  aliases,
		})
	}

	_, err = queue.ReadItems(filepath.Join(h.dir, queue.PendingFileName), func(item model.DeferredItem) error {
		candidates := append([]string{}, item.CandidateKeys...)
		sort.Strings(candidates)
		snap.Pending = append(snap.Pending, PendingState{ID: item.ID, Key: item.EntityKey, Candidates: candidates})
		return nil
	}, h.logger)
	if err != nil {
		return snap, err
	}

	outcomes, _, err := queue.OpenOutcomes(filepath.Join(h.dir, queue.DecisionsFileName), h.logger)
	if err != nil {
		return snap, err
	}
	defer outcomes.Close()
	for _, v := range outcomes.All() {
		snap.Outcomes = append(snap.Outcomes, OutcomeState{
			ID:      v.DeferredID,
			Key:     v.EntityKey,
			Outcome: string(v.Outcome),
			Linked:  v.LinkedKey,
		})
	}
	sort.Slice(snap.Outcomes, func(i, j int) bool { return snap.Outcomes[i].ID < snap.Outcomes[j].ID })
	return snap, nil
}

// checkReplay feeds every document through the pipeline again. All of them
// are already processed, so nothing may be ingested and the snapshot must
// not change.
func (h *Harness) checkReplay(ctx context.Context, s *Scenario, before Snapshot) error {
	docs := append(append([]Document(nil), s.Seed...), s.Documents...)
	sum, err := h.ingest(ctx, docs)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	if sum.Documents != 0 || sum.Skipped != len(docs) {
		return fmt.Errorf("replay: ingested %d documents, skipped %d of %d", sum.Documents, sum.Skipped, len(docs))
	}
	after, err := h.snapshot(s.Name)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	if !reflect.DeepEqual(before, after) {
		return fmt.Errorf("replay changed state:\n  before: %+v\n  after:  %+v", before, after)
	}
	return nil
}
