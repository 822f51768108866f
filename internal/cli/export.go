package cli

import (
	"errors"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/entityledger/internal/store"
)

// DefaultExportName is the export database created inside the data
// directory when --db is not given.
const DefaultExportName = "entityledger.db"

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Database string
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the checkpointed registry to SQLite",
		Long: `Export the registry in the last checkpoint, its aliases, every resolver
outcome and every external match to a SQLite database.

Exporting again after more work updates the database in place: entities
merged away since the last export are removed.

Example:
  entityledger export --db ./ledger.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (default <data-dir>/"+DefaultExportName+")")

	return cmd
}

func runExport(cmd *cobra.Command, opts *ExportOptions) error {
	s, err := openSession(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := commandContext(cmd)
	snap, found, err := s.loadSnapshot(ctx)
	if err != nil {
		return fail(s.out, ErrCodeDataDir, ExitCommandError, "read checkpoint", err)
	}
	if !found {
		return fail(s.out, ErrCodeDataDir, ExitCommandError, "nothing to export",
			errors.New("no checkpoint in "+s.cfg.DataDir+"; run ingest first"))
	}
	lc, err := readLedger(s.cfg.DataDir, s)
	if err != nil {
		return fail(s.out, ErrCodeDataDir, ExitCommandError, "read logs", err)
	}

	path := opts.Database
	if path == "" {
		path = filepath.Join(s.cfg.DataDir, DefaultExportName)
	}
	s.log.Info("opening database", "path", path)
	st, err := store.Open(path)
	if err != nil {
		return fail(s.out, ErrCodeStore, ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			s.log.Error("error closing database", "error", closeErr)
		}
	}()

	if err := st.WriteSnapshot(ctx, snap.Entities); err != nil {
		return fail(s.out, ErrCodeStore, ExitFailure, "export entities", err)
	}
	if err := st.WriteOutcomes(ctx, lc.Outcomes); err != nil {
		return fail(s.out, ErrCodeStore, ExitFailure, "export outcomes", err)
	}
	for _, m := range lc.Found {
		if err := st.WriteMatch(ctx, m); err != nil {
			return fail(s.out, ErrCodeStore, ExitFailure, "export matches", err)
		}
	}

	total, err := st.CountEntities(ctx)
	if err != nil {
		return fail(s.out, ErrCodeStore, ExitFailure, "count entities", err)
	}
	byType, err := st.CountByType(ctx)
	if err != nil {
		return fail(s.out, ErrCodeStore, ExitFailure, "count entities", err)
	}

	rows := []Row{
		{Label: "database", Value: path},
		{Label: "entities", Value: total, Tone: ToneGood},
	}
	for _, t := range s.cfg.EntityTypes {
		if n := byType[t]; n > 0 {
			rows = append(rows, Row{Label: "  " + t, Value: n})
		}
	}
	rows = append(rows,
		Row{Label: "outcomes", Value: len(lc.Outcomes)},
		Row{Label: "matches", Value: len(lc.Found)})

	return s.out.Success(Report{
		Title: "Export finished",
		RunID: snap.RunID,
		Rows:  rows,
		Data: map[string]interface{}{
			"database": path,
			"entities": total,
			"by_type":  byType,
			"outcomes": len(lc.Outcomes),
			"matches":  len(lc.Found),
		},
	})
}
