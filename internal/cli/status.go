package cli

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/entityledger/internal/fetch"
	"github.com/roach88/entityledger/internal/logfile"
	"github.com/roach88/entityledger/internal/model"
	"github.com/roach88/entityledger/internal/pipeline"
	"github.com/roach88/entityledger/internal/queue"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show progress recorded in the data directory",
		Long: `Summarize the data directory: the last status report, the checkpoint,
and how much of the pending queue and match log is done.

Safe to run while another command is working on the same directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, rootOpts)
		},
	}
	return cmd
}

// ledgerCounts summarizes the append-only logs of a data directory.
type ledgerCounts struct {
	Pending    int
	Resolved   int
	Unresolved int
	Matches    int
	Skipped    int
	Outcomes   []model.VerificationOutcome
	Found      []model.ExternalMatch
}

func readLedger(dir string, s *session) (ledgerCounts, error) {
	var lc ledgerCounts
	decided := make(map[int64]struct{})
	stats, err := logfile.Replay(filepath.Join(dir, queue.DecisionsFileName), func(v model.VerificationOutcome) error {
		if _, dup := decided[v.DeferredID]; dup {
			return nil
		}
		decided[v.DeferredID] = struct{}{}
		lc.Outcomes = append(lc.Outcomes, v)
		return nil
	}, logfile.WithLogger(s.log.Logger))
	if err != nil {
		return lc, err
	}
	lc.Skipped += stats.Skipped
	lc.Resolved = len(decided)

	istats, err := queue.ReadItems(filepath.Join(dir, queue.PendingFileName), func(item model.DeferredItem) error {
		lc.Pending++
		if _, ok := decided[item.ID]; !ok {
			lc.Unresolved++
		}
		return nil
	}, s.log.Logger)
	if err != nil {
		return lc, err
	}
	lc.Skipped += istats.Skipped

	matched := make(map[string]struct{})
	mstats, err := logfile.Replay(filepath.Join(dir, fetch.MatchesFileName), func(m model.ExternalMatch) error {
		if _, dup := matched[m.EntityKey]; dup {
			return nil
		}
		matched[m.EntityKey] = struct{}{}
		lc.Found = append(lc.Found, m)
		return nil
	}, logfile.WithLogger(s.log.Logger))
	if err != nil {
		return lc, err
	}
	lc.Skipped += mstats.Skipped
	lc.Matches = len(matched)
	return lc, nil
}

func runStatus(cmd *cobra.Command, opts *RootOptions) error {
	s, err := openSession(cmd, opts)
	if err != nil {
		return err
	}
	defer s.Close()

	dir := s.cfg.DataDir
	st, hasStatus, err := pipeline.ReadStatus(dir)
	if err != nil {
		return fail(s.out, ErrCodeDataDir, ExitCommandError, "read status", err)
	}
	snap, hasCheckpoint, err := s.loadSnapshot(commandContext(cmd))
	if err != nil {
		return fail(s.out, ErrCodeDataDir, ExitCommandError, "read checkpoint", err)
	}
	lc, err := readLedger(dir, s)
	if err != nil {
		return fail(s.out, ErrCodeDataDir, ExitCommandError, "read logs", err)
	}

	phase := "empty"
	if hasStatus {
		phase = st.Phase
	}
	rows := []Row{
		{Label: "data dir", Value: dir},
		{Label: "phase", Value: phase, Tone: phaseTone(phase)},
	}
	data := map[string]interface{}{
		"data_dir":   dir,
		"phase":      phase,
		"pending":    lc.Pending,
		"resolved":   lc.Resolved,
		"unresolved": lc.Unresolved,
		"matches":    lc.Matches,
		"skipped":    lc.Skipped,
	}
	if hasStatus {
		rows = append(rows,
			Row{Label: "progress", Value: progress(st)},
			Row{Label: "updated", Value: st.UpdatedAt.Format("2006-01-02 15:04:05Z07:00")})
		if len(st.Errors) > 0 {
			rows = append(rows, Row{Label: "errors", Value: len(st.Errors), Tone: ToneBad})
		}
		data["status"] = st
	}
	if hasCheckpoint {
		rows = append(rows,
			Row{Label: "entities", Value: len(snap.Entities)},
			Row{Label: "processed files", Value: len(snap.ProcessedFiles)},
			Row{Label: "checkpoint", Value: snap.SavedAt.Format("2006-01-02 15:04:05Z07:00")})
		data["entities"] = len(snap.Entities)
		data["processed_files"] = len(snap.ProcessedFiles)
		data["checkpoint_at"] = snap.SavedAt
	}
	rows = append(rows,
		Row{Label: "pending queue", Value: lc.Pending},
		Row{Label: "resolved", Value: lc.Resolved, Tone: ToneGood},
		Row{Label: "unresolved", Value: lc.Unresolved, Tone: countTone(lc.Unresolved, ToneWarn)},
		Row{Label: "external matches", Value: lc.Matches},
	)
	if lc.Skipped > 0 {
		rows = append(rows, Row{Label: "malformed log lines", Value: lc.Skipped, Tone: ToneBad})
	}

	return s.out.Success(Report{Title: "entityledger status", RunID: st.RunID, Rows: rows, Data: data})
}

func phaseTone(phase string) Tone {
	switch phase {
	case pipeline.PhaseDone:
		return ToneGood
	case pipeline.PhaseStopped:
		return ToneWarn
	default:
		return TonePlain
	}
}

func progress(st model.Status) string {
	if st.Total > 0 {
		return fmt.Sprintf("%d/%d", st.Processed, st.Total)
	}
	return fmt.Sprintf("%d", st.Processed)
}
