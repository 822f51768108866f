package cli

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/entityledger/internal/config"
	"github.com/roach88/entityledger/internal/oracle"
	"github.com/roach88/entityledger/internal/queue"
	"github.com/roach88/entityledger/internal/resolver"
)

// ResolveOptions holds flags for the resolve command.
type ResolveOptions struct {
	*RootOptions
	RetryBase time.Duration

	// Oracle overrides the HTTP oracle built from config (for testing).
	Oracle oracle.Oracle
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResolveOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Settle deferred items with the verification oracle",
		Long: `Stream the pending queue in ID order and decide each deferred item.

Items that already have an outcome in decisions.log are skipped. Items the
oracle cannot decide after the configured retries stay unprocessed and are
retried on the next run. CREATE_NEW and LINK outcomes are folded into the
registry and checkpointed when the run ends.

Requires oracle.url in the config and ENTITYLEDGER_ORACLE_API_KEY.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(cmd, opts)
		},
	}

	cmd.Flags().DurationVar(&opts.RetryBase, "retry-base", 500*time.Millisecond, "first backoff interval between oracle retries")

	return cmd
}

func runResolve(cmd *cobra.Command, opts *ResolveOptions) error {
	s, err := openSession(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	o := opts.Oracle
	if o == nil {
		if !s.cfg.Oracle.Enabled() {
			err := &config.FatalError{Field: "oracle.url", Message: "required by resolve"}
			return fail(s.out, ErrCodeOracle, ExitCommandError, "no oracle configured", err)
		}
		o = oracle.NewHTTPClient(s.cfg.Oracle.URL, s.cfg.Oracle.APIKey,
			oracle.WithTimeout(s.cfg.Oracle.Timeout.D()))
	}

	ctx := commandContext(cmd)
	ing, err := s.openIngestor(ctx)
	if err != nil {
		return fail(s.out, ErrCodeDataDir, ExitCommandError, "open data directory", err)
	}
	defer func() {
		if err := ing.Close(); err != nil {
			s.log.Error("error closing logs", "error", err)
		}
	}()

	outcomes, stats, err := queue.OpenOutcomes(filepath.Join(s.cfg.DataDir, queue.DecisionsFileName), s.log.Logger)
	if err != nil {
		return fail(s.out, ErrCodeDataDir, ExitCommandError, "open decisions log", err)
	}
	defer outcomes.Close()
	s.metrics.SkippedLines.WithLabelValues(queue.DecisionsFileName).Add(float64(stats.Skipped))

	r := resolver.New(ing.Registry(), outcomes, filepath.Join(s.cfg.DataDir, queue.PendingFileName), o,
		resolver.WithCheckpoint(ing.Checkpoint),
		resolver.WithMetrics(s.metrics),
		resolver.WithLogger(s.log.Logger),
		resolver.WithCallTimeout(s.cfg.Oracle.Timeout.D()),
		resolver.WithMaxCandidates(s.cfg.MaxCandidates),
		resolver.WithRetries(uint64(s.cfg.Oracle.Retries), opts.RetryBase),
		resolver.WithRunID(ing.RunID()))

	ctx, release := notifyStop(ctx, r.Stop, s.log.Logger)
	defer release()

	sum, err := r.Run(ctx)
	if err != nil {
		return fail(s.out, ErrCodeGeneric, ExitFailure, "resolve failed", err)
	}

	if err := s.out.Success(resolveReport(sum, ing.Registry().Len())); err != nil {
		return err
	}
	switch {
	case sum.Stopped:
		return NewExitError(ExitFailure, "resolve stopped before the queue was exhausted")
	case sum.Undecided > 0:
		return WrapExitError(ExitFailure, "some deferred items remain undecided", errors.New(sum.Errors[0]))
	}
	return nil
}

func resolveReport(sum resolver.Summary, entities int) Report {
	title := "Resolve finished"
	if sum.Stopped {
		title = "Resolve stopped (checkpoint written)"
	}
	rows := []Row{
		{Label: "items", Value: sum.Total},
		{Label: "skipped (already done)", Value: sum.Skipped},
		{Label: "created", Value: sum.Created, Tone: ToneGood},
		{Label: "linked", Value: sum.Linked, Tone: ToneGood},
		{Label: "merged", Value: sum.Merged},
		{Label: "undecided", Value: sum.Undecided, Tone: countTone(sum.Undecided, ToneBad)},
		{Label: "entities", Value: entities},
	}
	errs := sum.Errors
	if errs == nil {
		errs = []string{}
	}
	return Report{
		Title: title,
		RunID: sum.RunID,
		Rows:  rows,
		Data: map[string]interface{}{
			"items":     sum.Total,
			"skipped":   sum.Skipped,
			"created":   sum.Created,
			"linked":    sum.Linked,
			"merged":    sum.Merged,
			"undecided": sum.Undecided,
			"entities":  entities,
			"stopped":   sum.Stopped,
			"errors":    errs,
		},
	}
}
