package cli

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/entityledger/internal/blob"
	"github.com/roach88/entityledger/internal/checkpoint"
	"github.com/roach88/entityledger/internal/fetch"
	"github.com/roach88/entityledger/internal/pipeline"
	"github.com/roach88/entityledger/internal/queue"
)

// ResetOptions holds flags for the reset command.
type ResetOptions struct {
	*RootOptions
	Yes    bool
	Export bool
}

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete all pipeline state in the data directory",
		Long: `Remove the checkpoint, every append-only log and status.json so the next
ingest starts from nothing. The mirrored checkpoint is deleted too,
otherwise the next run would restore it.

The export database is kept unless --export is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReset(cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.Yes, "yes", false, "confirm deletion")
	cmd.Flags().BoolVar(&opts.Export, "export", false, "also delete the default export database")

	return cmd
}

// stateFiles lists everything reset removes from a data directory.
func stateFiles() []string {
	return []string{
		checkpoint.FileName,
		pipeline.MentionsFileName,
		queue.PendingFileName,
		queue.DecisionsFileName,
		fetch.MatchesFileName,
		pipeline.StatusFileName,
	}
}

func runReset(cmd *cobra.Command, opts *ResetOptions) error {
	s, err := openSession(cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer s.Close()

	if !opts.Yes {
		return fail(s.out, ErrCodeGeneric, ExitCommandError, "refusing to reset",
			errors.New("pass --yes to delete the state in "+s.cfg.DataDir))
	}

	files := stateFiles()
	if opts.Export {
		files = append(files, DefaultExportName, DefaultExportName+"-wal", DefaultExportName+"-shm")
	}
	var removed []string
	for _, name := range files {
		err := os.Remove(filepath.Join(s.cfg.DataDir, name))
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fail(s.out, ErrCodeDataDir, ExitCommandError, "remove "+name, err)
		}
		removed = append(removed, name)
		s.out.VerboseLog("removed %s", name)
	}

	ctx := commandContext(cmd)
	mirror, err := blob.Open(ctx, s.cfg.Mirror.Blob())
	if err != nil {
		return fail(s.out, ErrCodeConfig, ExitCommandError, "open mirror", err)
	}
	mirrorDeleted := false
	if mirror != nil {
		if mirrorDeleted, err = mirror.Delete(ctx, s.cfg.Mirror.Key); err != nil {
			return fail(s.out, ErrCodeDataDir, ExitFailure, "delete mirrored checkpoint", err)
		}
	}

	if removed == nil {
		removed = []string{}
	}
	return s.out.Success(Report{
		Title: "Reset " + s.cfg.DataDir,
		Rows: []Row{
			{Label: "files removed", Value: len(removed)},
			{Label: "mirror deleted", Value: mirrorDeleted},
		},
		Data: map[string]interface{}{
			"removed":        removed,
			"mirror_deleted": mirrorDeleted,
		},
	})
}
