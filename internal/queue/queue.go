// Package queue persists deferred items and their verification outcomes.
//
// pending_queue.log holds one DeferredItem per unresolved entity key,
// guarded by an in-memory exported-key set so a file reprocessed after
// resume never exports the same key twice. decisions.log holds one
// VerificationOutcome per resolved item; an item is "processed" once its
// outcome is present.
package queue

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/entityledger/internal/logfile"
	"github.com/roach88/entityledger/internal/model"
)

// File names inside a data directory.
const (
	PendingFileName   = "pending_queue.log"
	DecisionsFileName = "decisions.log"
)

// ItemSink receives exported items. The default sink is the buffered
// pending_queue.log appender; the ingest pipeline substitutes its
// persistence channel.
type ItemSink interface {
	Append(item model.DeferredItem) error
}

// Draft is a deferred item before an ID is assigned.
type Draft struct {
	SubjectText   string
	EntityType    string
	EntityKey     string
	MentionCount  int
	Sample        string
	CandidateKeys []string
}

// Queue assigns IDs and exports each entity key at most once.
//
// Thread-safety: Queue is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	clock    *Clock
	exported map[string]struct{}
	sink     ItemSink
	log      *logfile.Appender[model.DeferredItem]
	now      func() time.Time
}

// Option configures a Queue.
type Option func(*queueConfig)

type queueConfig struct {
	syncAppend bool
	sink       ItemSink
	now        func() time.Time
	logger     *slog.Logger
}

// WithSyncAppend flushes every exported item immediately instead of at
// checkpoint time, closing the bounded loss window on hard crash.
func WithSyncAppend(enabled bool) Option {
	return func(c *queueConfig) {
		c.syncAppend = enabled
	}
}

// WithSink routes exported items to s instead of the queue's own appender.
// The appender is still used for Flush and for rebuilding state.
func WithSink(s ItemSink) Option {
	return func(c *queueConfig) {
		c.sink = s
	}
}

// WithNow overrides the clock used for CreatedAt.
func WithNow(now func() time.Time) Option {
	return func(c *queueConfig) {
		c.now = now
	}
}

// WithLogger sets the logger used while rebuilding state.
func WithLogger(l *slog.Logger) Option {
	return func(c *queueConfig) {
		c.logger = l
	}
}

// Open opens the pending queue at path. The exported-key set is the union
// of exportedKeys (from the checkpoint) and every key already present in
// the log, streamed once; the ID clock resumes past both nextID and the
// largest logged ID.
func Open(path string, nextID int64, exportedKeys []string, opts ...Option) (*Queue, logfile.ReplayStats, error) {
	cfg := queueConfig{now: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	q := &Queue{
		clock:    NewClockAt(nextID),
		exported: make(map[string]struct{}, len(exportedKeys)),
		now:      cfg.now,
	}
	for _, k := range exportedKeys {
		q.exported[k] = struct{}{}
	}

	stats, err := logfile.Replay(path, func(item model.DeferredItem) error {
		q.exported[item.EntityKey] = struct{}{}
		q.clock.AdvanceTo(item.ID)
		return nil
	}, logfile.WithLogger(cfg.logger))
	if err != nil {
		return nil, stats, fmt.Errorf("rebuild pending queue: %w", err)
	}

	log, err := logfile.NewAppender[model.DeferredItem](path, logfile.WithSyncEvery(cfg.syncAppend))
	if err != nil {
		return nil, stats, err
	}
	q.log = log
	q.sink = log
	if cfg.sink != nil {
		q.sink = cfg.sink
	}
	return q, stats, nil
}

// Export assigns an ID to d and hands it to the sink, unless d.EntityKey was
// already exported. exported reports whether a new item was created.
func (q *Queue) Export(d Draft) (item model.DeferredItem, exported bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, done := q.exported[d.EntityKey]; done {
		return model.DeferredItem{}, false, nil
	}

	item = model.DeferredItem{
		ID:            q.clock.Next(),
		SubjectText:   d.SubjectText,
		EntityType:    d.EntityType,
		EntityKey:     d.EntityKey,
		MentionCount:  d.MentionCount,
		Sample:        d.Sample,
		CandidateKeys: d.CandidateKeys,
		CreatedAt:     q.now().UTC(),
	}
	if err := q.sink.Append(item); err != nil {
		return model.DeferredItem{}, false, fmt.Errorf("export %s: %w", d.EntityKey, err)
	}
	q.exported[d.EntityKey] = struct{}{}
	return item, true, nil
}

// Exported reports whether key has a deferred item.
func (q *Queue) Exported(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.exported[key]
	return ok
}

// Len returns the number of exported keys.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.exported)
}

// ExportedKeys returns the exported-key set, sorted.
func (q *Queue) ExportedKeys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	keys := make([]string, 0, len(q.exported))
	for k := range q.exported {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NextID returns the last issued ID, to be stored in the checkpoint.
func (q *Queue) NextID() int64 {
	return q.clock.Current()
}

// Appender exposes the underlying log writer for persistence consumers that
// replace the default sink.
func (q *Queue) Appender() *logfile.Appender[model.DeferredItem] {
	return q.log
}

// Flush makes every exported item durable.
func (q *Queue) Flush() error {
	return q.log.Flush()
}

// Pending returns the number of buffered, unflushed items.
func (q *Queue) Pending() int {
	return q.log.Pending()
}

// Close flushes and closes the log.
func (q *Queue) Close() error {
	return q.log.Close()
}

// ReadItems streams every deferred item in the log at path.
func ReadItems(path string, fn func(model.DeferredItem) error, logger *slog.Logger) (logfile.ReplayStats, error) {
	return logfile.Replay(path, fn, logfile.WithLogger(logger))
}
