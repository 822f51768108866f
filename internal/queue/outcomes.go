package queue

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/entityledger/internal/logfile"
	"github.com/roach88/entityledger/internal/model"
)

// OutcomeLog is the append-only record of resolved deferred items.
//
// The processed-ID set is rebuilt once at open by streaming decisions.log and
// kept in sync incrementally, so "is this item processed" never rescans the
// file. Every Record is flushed immediately: an outcome is the resume marker
// for its item.
//
// Thread-safety: OutcomeLog is safe for concurrent use.
type OutcomeLog struct {
	mu        sync.Mutex
	processed map[int64]struct{}
	outcomes  []model.VerificationOutcome
	log       *logfile.Appender[model.VerificationOutcome]
}

// OpenOutcomes opens the outcome log at path and rebuilds the processed set.
func OpenOutcomes(path string, logger *slog.Logger) (*OutcomeLog, logfile.ReplayStats, error) {
	o := &OutcomeLog{processed: make(map[int64]struct{})}

	stats, err := logfile.Replay(path, func(v model.VerificationOutcome) error {
		if _, dup := o.processed[v.DeferredID]; dup {
			return nil
		}
		o.processed[v.DeferredID] = struct{}{}
		o.outcomes = append(o.outcomes, v)
		return nil
	}, logfile.WithLogger(logger))
	if err != nil {
		return nil, stats, fmt.Errorf("rebuild processed set: %w", err)
	}

	log, err := logfile.NewAppender[model.VerificationOutcome](path, logfile.WithSyncEvery(true))
	if err != nil {
		return nil, stats, err
	}
	o.log = log
	return o, stats, nil
}

// Processed reports whether id already has an outcome.
func (o *OutcomeLog) Processed(id int64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.processed[id]
	return ok
}

// Record appends v durably. Recording an already processed ID is a no-op
// and returns false.
func (o *OutcomeLog) Record(v model.VerificationOutcome) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, dup := o.processed[v.DeferredID]; dup {
		return false, nil
	}
	if err := o.log.Append(v); err != nil {
		return false, fmt.Errorf("record outcome %d: %w", v.DeferredID, err)
	}
	o.processed[v.DeferredID] = struct{}{}
	o.outcomes = append(o.outcomes, v)
	return true, nil
}

// Len returns the number of processed items.
func (o *OutcomeLog) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.processed)
}

// All returns a copy of every recorded outcome in log order.
func (o *OutcomeLog) All() []model.VerificationOutcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]model.VerificationOutcome(nil), o.outcomes...)
}

// Close closes the log.
func (o *OutcomeLog) Close() error {
	return o.log.Close()
}
