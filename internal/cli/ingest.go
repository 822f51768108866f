package cli

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/entityledger/internal/pipeline"
)

// IngestOptions holds flags for the ingest command.
type IngestOptions struct {
	*RootOptions
	Input string
}

// NewIngestCommand creates the ingest command.
func NewIngestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IngestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Run the first pass over NER mentions",
		Long: `Read mentions as JSON lines (one RawMention per line, grouped by
source_path) and decide each one against the registry.

Documents already recorded in the checkpoint are skipped, so re-running the
same input after an interruption continues where the last run stopped.
Ctrl-C finishes the current document and writes a final checkpoint.

Example:
  ner-producer corpus/ | entityledger ingest
  entityledger ingest --input mentions.jsonl --data-dir ./ledger`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Input, "input", "i", "-", "mention JSONL file, or - for stdin")

	return cmd
}

func runIngest(cmd *cobra.Command, opts *IngestOptions) error {
	s, err := openSession(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	in, closeInput, err := openInput(cmd, opts.Input)
	if err != nil {
		return fail(s.out, ErrCodeInput, ExitCommandError, "open input", err)
	}
	defer closeInput()

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
	if ing.Resumed() {
		s.out.VerboseLog("Resuming from checkpoint in %s", s.cfg.DataDir)
	}

	src := pipeline.NewJSONLSource(in, s.log.Logger)
	ctx, release := notifyStop(ctx, ing.Stop, s.log.Logger)
	defer release()

	sum, err := ing.Run(ctx, src)
	if err != nil {
		return fail(s.out, ErrCodeGeneric, ExitFailure, "ingest failed", err)
	}

	if err := s.out.Success(ingestReport(sum, src.Skipped, ing.Registry().Len(), ing.Queue().Len())); err != nil {
		return err
	}
	if sum.Stopped {
		return NewExitError(ExitFailure, "ingest stopped before the input was exhausted")
	}
	return nil
}

func ingestReport(sum pipeline.Summary, malformed, entities, pending int) Report {
	title := "Ingest finished"
	if sum.Stopped {
		title = "Ingest stopped (checkpoint written)"
	}
	return Report{
		Title: title,
		RunID: sum.RunID,
		Rows: []Row{
			{Label: "documents", Value: sum.Documents},
			{Label: "skipped (already done)", Value: sum.Skipped},
			{Label: "mentions", Value: sum.Mentions},
			{Label: "created", Value: sum.Created, Tone: ToneGood},
			{Label: "linked", Value: sum.Linked, Tone: ToneGood},
			{Label: "deferred", Value: sum.Deferred, Tone: countTone(sum.Deferred, ToneWarn)},
			{Label: "invalid", Value: sum.Invalid, Tone: countTone(sum.Invalid, ToneBad)},
			{Label: "malformed lines", Value: malformed, Tone: countTone(malformed, ToneBad)},
			{Label: "entities", Value: entities},
			{Label: "pending queue", Value: pending},
		},
		Data: map[string]interface{}{
			"documents":       sum.Documents,
			"skipped":         sum.Skipped,
			"mentions":        sum.Mentions,
			"created":         sum.Created,
			"linked":          sum.Linked,
			"deferred":        sum.Deferred,
			"exported":        sum.Exported,
			"invalid":         sum.Invalid,
			"malformed_lines": malformed,
			"checkpoints":     sum.Checkpoints,
			"entities":        entities,
			"pending":         pending,
			"stopped":         sum.Stopped,
		},
	}
}

func openInput(cmd *cobra.Command, path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return cmd.InOrStdin(), func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}
