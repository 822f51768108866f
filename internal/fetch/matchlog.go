package fetch

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/entityledger/internal/logfile"
	"github.com/roach88/entityledger/internal/model"
)

// MatchesFileName is the external match log inside a data directory.
const MatchesFileName = "matches.log"

// MatchLog records one ExternalMatch per entity key and remembers which
// keys are done, so a restarted match run skips them.
//
// Thread-safety: MatchLog is safe for concurrent use.
type MatchLog struct {
	mu   sync.Mutex
	done map[string]struct{}
	log  *logfile.Appender[model.ExternalMatch]
}

// OpenMatchLog opens path and rebuilds the done set by streaming it once.
func OpenMatchLog(path string, logger *slog.Logger) (*MatchLog, error) {
	ml := &MatchLog{done: make(map[string]struct{})}
	if _, err := logfile.Replay(path, func(m model.ExternalMatch) error {
		ml.done[m.EntityKey] = struct{}{}
		return nil
	}, logfile.WithLogger(logger)); err != nil {
		return nil, fmt.Errorf("rebuild match set: %w", err)
	}

	log, err := logfile.NewAppender[model.ExternalMatch](path)
	if err != nil {
		return nil, err
	}
	ml.log = log
	return ml, nil
}

// Done reports whether key already has a match record.
func (ml *MatchLog) Done(key string) bool {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	_, ok := ml.done[key]
	return ok
}

// Record buffers m unless its key is already done.
func (ml *MatchLog) Record(m model.ExternalMatch) (bool, error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	if _, ok := ml.done[m.EntityKey]; ok {
		return false, nil
	}
	if err := ml.log.Append(m); err != nil {
		return false, err
	}
	ml.done[m.EntityKey] = struct{}{}
	return true, nil
}

// Len returns the number of done keys.
func (ml *MatchLog) Len() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return len(ml.done)
}

// Flush makes recorded matches durable.
func (ml *MatchLog) Flush() error {
	return ml.log.Flush()
}

// Close flushes and closes the log.
func (ml *MatchLog) Close() error {
	return ml.log.Close()
}

// Pending filters subjects down to those without a match record.
func (ml *MatchLog) Pending(subjects []Subject) []Subject {
	out := subjects[:0:0]
	for _, s := range subjects {
		if !ml.Done(s.EntityKey) {
			out = append(out, s)
		}
	}
	return out
}
