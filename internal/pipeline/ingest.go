// Package pipeline runs first-pass ingestion over a corpus.
//
// The ingest goroutine is the only writer of the registry. Every mention it
// accepts and every deferred item it exports travels over a bounded channel
// to a persistence goroutine that owns the append-only logs. A checkpoint
// sends a flush barrier down that channel and waits for it before the
// snapshot is written, so the snapshot never refers to data still in memory.
//
// On start the last checkpoint is loaded, the logs are truncated back to the
// sizes it recorded, and the registry, processed set, exported set and ID
// counter are restored. Files already in the processed set are skipped.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/entityledger/internal/blob"
	"github.com/roach88/entityledger/internal/checkpoint"
	"github.com/roach88/entityledger/internal/decide"
	"github.com/roach88/entityledger/internal/logfile"
	"github.com/roach88/entityledger/internal/metrics"
	"github.com/roach88/entityledger/internal/model"
	"github.com/roach88/entityledger/internal/queue"
	"github.com/roach88/entityledger/internal/registry"
)

// MentionsFileName is the mention log inside a data directory.
const MentionsFileName = "mentions.log"

// Defaults.
const (
	DefaultCheckpointEvery = 50
	DefaultBufferSize      = 1024
)

// Phases reported in status.json.
const (
	PhaseIngesting = "ingesting"
	PhaseStopped   = "stopped"
	PhaseDone      = "done"
)

// Summary reports one ingest run.
type Summary struct {
	RunID       string
	Documents   int
	Skipped     int
	Mentions    int
	Invalid     int
	Created     int
	Linked      int
	Deferred    int
	Exported    int
	Checkpoints int
	Stopped     bool
}

type options struct {
	checkpointEvery int
	bufferSize      int
	syncAppend      bool
	entityTypes     []string
	maxCandidates   int
	mirror          blob.Store
	mirrorKey       string
	metrics         *metrics.Metrics
	logger          *slog.Logger
	now             func() time.Time
	runID           string
}

// Option configures an Ingestor.
type Option func(*options)

// WithCheckpointEvery checkpoints after every n completed documents.
func WithCheckpointEvery(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.checkpointEvery = n
		}
	}
}

// WithBufferSize sets the capacity of the persistence channel.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// WithSyncAppend flushes each exported deferred item immediately.
func WithSyncAppend(enabled bool) Option {
	return func(o *options) {
		o.syncAppend = enabled
	}
}

// WithEntityTypes restricts accepted entity types.
func WithEntityTypes(types []string) Option {
	return func(o *options) {
		o.entityTypes = types
	}
}

// WithMaxCandidates bounds candidates per decision.
func WithMaxCandidates(n int) Option {
	return func(o *options) {
		o.maxCandidates = n
	}
}

// WithMirror uploads every checkpoint to store under key.
func WithMirror(store blob.Store, key string) Option {
	return func(o *options) {
		o.mirror = store
		o.mirrorKey = key
	}
}

// WithMetrics sets the instruments to update.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithNow overrides the wall clock.
func WithNow(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithRunID sets the run identifier. Defaults to a fresh UUIDv7.
func WithRunID(id string) Option {
	return func(o *options) {
		o.runID = id
	}
}

// Ingestor owns the registry and the durable state of one data directory.
//
// Thread-safety: Run, Checkpoint and Close must be called from one
// goroutine. Stop and Status may be called from any goroutine.
type Ingestor struct {
	dir     string
	opts    options
	reg     *registry.Registry
	engine  *decide.Engine
	queue   *queue.Queue
	persist *persister
	cp      *checkpoint.Coordinator

	processed map[string]struct{}
	resumed   bool

	stop    atomic.Bool
	status  atomic.Pointer[model.Status]
	errs    []string
	started time.Time
}

// Open prepares dir for ingestion, resuming from its checkpoint if any.
func Open(ctx context.Context, dir string, opts ...Option) (*Ingestor, error) {
	o := options{
		checkpointEvery: DefaultCheckpointEvery,
		bufferSize:      DefaultBufferSize,
		metrics:         metrics.Discard(),
		logger:          slog.Default(),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.runID == "" {
		o.runID = uuid.Must(uuid.NewV7()).String()
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	mentionsPath := filepath.Join(dir, MentionsFileName)
	pendingPath := filepath.Join(dir, queue.PendingFileName)

	cpOpts := []checkpoint.Option{
		checkpoint.WithTrackedLogs(mentionsPath, pendingPath),
		checkpoint.WithMetrics(o.metrics),
		checkpoint.WithLogger(o.logger),
		checkpoint.WithNow(o.now),
		checkpoint.WithRunID(o.runID),
	}
	if o.mirror != nil {
		cpOpts = append(cpOpts, checkpoint.WithMirror(o.mirror, o.mirrorKey))
	}
	cp := checkpoint.New(filepath.Join(dir, checkpoint.FileName), cpOpts...)

	snap, found, err := cp.Load(ctx)
	if err != nil {
		return nil, err
	}
	sizes := snap.LogSizes
	if !found {
		// Logs written before any checkpoint belong to no recoverable state.
		sizes = map[string]int64{MentionsFileName: 0, queue.PendingFileName: 0}
	}
	if err := checkpoint.TruncateLogs(dir, sizes, o.logger); err != nil {
		return nil, err
	}

	p := newPersister(o.bufferSize)
	reg := registry.New(registry.WithMentionSink(p), registry.WithNow(o.now))
	if err := reg.Restore(snap.Entities); err != nil {
		return nil, fmt.Errorf("restore registry: %w", err)
	}

	q, stats, err := queue.Open(pendingPath, snap.NextID, snap.ExportedKeys,
		queue.WithSink(itemSink{p}),
		queue.WithSyncAppend(o.syncAppend),
		queue.WithNow(o.now),
		queue.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	o.metrics.SkippedLines.WithLabelValues(queue.PendingFileName).Add(float64(stats.Skipped))

	mentions, err := logfile.NewAppender[model.Mention](mentionsPath)
	if err != nil {
		_ = q.Close()
		return nil, err
	}
	p.start(mentions, q.Appender())
	cp.AddFlusher(p)

	engineOpts := []decide.Option{decide.WithLogger(o.logger), decide.WithMaxCandidates(o.maxCandidates)}
	if len(o.entityTypes) > 0 {
		engineOpts = append(engineOpts, decide.WithEntityTypes(o.entityTypes))
	}

	ing := &Ingestor{
		dir:       dir,
		opts:      o,
		reg:       reg,
		engine:    decide.New(reg, engineOpts...),
		queue:     q,
		persist:   p,
		cp:        cp,
		processed: make(map[string]struct{}, len(snap.ProcessedFiles)),
		resumed:   found,
		started:   o.now(),
	}
	for _, f := range snap.ProcessedFiles {
		ing.processed[f] = struct{}{}
	}
	ing.publish(PhaseIngesting, 0, 0)

	if found {
		o.logger.Info("resumed from checkpoint",
			"saved_at", snap.SavedAt,
			"files", len(snap.ProcessedFiles),
			"entities", len(snap.Entities),
			"next_id", snap.NextID)
	}
	return ing, nil
}

// Registry returns the live registry.
func (in *Ingestor) Registry() *registry.Registry { return in.reg }

// Queue returns the deferred queue.
func (in *Ingestor) Queue() *queue.Queue { return in.queue }

// Dir returns the data directory.
func (in *Ingestor) Dir() string { return in.dir }

// RunID returns the run identifier.
func (in *Ingestor) RunID() string { return in.opts.runID }

// Resumed reports whether Open found a checkpoint.
func (in *Ingestor) Resumed() bool { return in.resumed }

// Processed reports whether path was completed by an earlier run.
func (in *Ingestor) Processed(path string) bool {
	_, ok := in.processed[path]
	return ok
}

// Stop asks Run to return after the current document. A final checkpoint
// is still written.
func (in *Ingestor) Stop() {
	in.stop.Store(true)
}

// Status returns the latest progress snapshot.
func (in *Ingestor) Status() model.Status {
	if st := in.status.Load(); st != nil {
		return *st
	}
	return model.Status{}
}

// Run ingests every document from src. Cancelling ctx behaves like Stop.
func (in *Ingestor) Run(ctx context.Context, src Source) (Summary, error) {
	sum := Summary{RunID: in.opts.runID}
	total := 0
	if c, ok := src.(Counter); ok {
		total = c.Total()
	}
	sinceCheckpoint := 0
	log := in.opts.logger

	log.Info("ingest starting",
		"run_id", in.opts.runID,
		"dir", in.dir,
		"already_processed", len(in.processed))

	for {
		if in.stop.Load() || ctx.Err() != nil {
			sum.Stopped = true
			break
		}
		doc, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				sum.Stopped = true
				break
			}
			return sum, fmt.Errorf("read source: %w", err)
		}

		if _, done := in.processed[doc.Path]; done {
			sum.Skipped++
			log.Debug("skipping processed file", "path", doc.Path)
			continue
		}

		if err := in.ingestDocument(doc, &sum); err != nil {
			return sum, err
		}
		in.processed[doc.Path] = struct{}{}
		sum.Documents++
		sinceCheckpoint++
		in.opts.metrics.DocumentsDone.Inc()
		in.publish(PhaseIngesting, sum.Documents+sum.Skipped, total)

		if sinceCheckpoint >= in.opts.checkpointEvery {
			if err := in.Checkpoint(ctx); err != nil {
				return sum, err
			}
			sum.Checkpoints++
			sinceCheckpoint = 0
		}
	}

	phase := PhaseDone
	if sum.Stopped {
		phase = PhaseStopped
	}
	in.publish(phase, sum.Documents+sum.Skipped, total)
	// The final checkpoint must land even when ctx was cancelled.
	if err := in.Checkpoint(context.WithoutCancel(ctx)); err != nil {
		return sum, err
	}
	sum.Checkpoints++

	log.Info("ingest finished",
		"run_id", in.opts.runID,
		"documents", sum.Documents,
		"skipped", sum.Skipped,
		"mentions", sum.Mentions,
		"invalid", sum.Invalid,
		"deferred", sum.Deferred,
		"entities", in.reg.Len(),
		"stopped", sum.Stopped)
	return sum, nil
}

func (in *Ingestor) ingestDocument(doc Document, sum *Summary) error {
	m := in.opts.metrics
	for _, raw := range doc.Mentions {
		if raw.SourcePath == "" {
			raw.SourcePath = doc.Path
		}
		d, cands, err := in.engine.Decide(raw)
		if err != nil {
			if decide.IsValidationError(err) {
				sum.Invalid++
				m.InvalidMentions.Inc()
				in.opts.logger.Debug("mention rejected",
					"path", doc.Path,
					"code", decide.ValidationCode(err),
					"error", err)
				in.recordError(fmt.Sprintf("%s: %v", doc.Path, err))
				continue
			}
			return fmt.Errorf("decide %q in %s: %w", raw.Text, doc.Path, err)
		}

		key, isNew, err := in.engine.Apply(d, raw)
		if err != nil {
			return fmt.Errorf("apply %q in %s: %w", raw.Text, doc.Path, err)
		}
		sum.Mentions++
		m.Mentions.Inc()
		m.Decisions.WithLabelValues(string(d.Outcome)).Inc()

		switch d.Outcome {
		case model.OutcomeCreateNew:
			sum.Created++
		case model.OutcomeLinkExisting:
			sum.Linked++
		case model.OutcomeDefer:
			sum.Deferred++
			if !isNew {
				continue
			}
			rec, _ := in.reg.Get(key)
			keys := make([]string, len(cands))
			for i, c := range cands {
				keys[i] = c.EntityKey
			}
			_, exported, err := in.queue.Export(queue.Draft{
				SubjectText:   raw.Text,
				EntityType:    raw.EntityType,
				EntityKey:     key,
				MentionCount:  rec.MentionCount,
				Sample:        rec.SampleText,
				CandidateKeys: keys,
			})
			if err != nil {
				return err
			}
			if exported {
				sum.Exported++
				m.DeferredExported.Inc()
			}
		}
	}
	return nil
}

// Checkpoint flushes the persistence channel, snapshots the registry and
// writes status.json.
func (in *Ingestor) Checkpoint(ctx context.Context) error {
	files := make([]string, 0, len(in.processed))
	for f := range in.processed {
		files = append(files, f)
	}
	sort.Strings(files)

	if err := in.cp.Save(ctx, checkpoint.State{
		ProcessedFiles: files,
		Entities:       in.reg.Snapshot(),
		NextID:         in.queue.NextID(),
		ExportedKeys:   in.queue.ExportedKeys(),
	}); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	if err := WriteStatus(in.dir, in.Status()); err != nil {
		in.opts.logger.Warn("status write failed", "error", err)
	}
	return nil
}

// Close stops the persistence goroutine and closes the logs. It does not
// checkpoint.
func (in *Ingestor) Close() error {
	return in.persist.Close()
}

func (in *Ingestor) recordError(msg string) {
	if len(in.errs) < maxStatusErrors {
		in.errs = append(in.errs, msg)
	}
}

func (in *Ingestor) publish(phase string, done, total int) {
	now := in.opts.now()
	st := model.Status{
		Phase:     phase,
		RunID:     in.opts.runID,
		Processed: done,
		Total:     total,
		Entities:  in.reg.Len(),
		Deferred:  in.queue.Len(),
		Errors:    append([]string(nil), in.errs...),
		UpdatedAt: now.UTC(),
	}
	if elapsed := now.Sub(in.started).Seconds(); elapsed > 0 && done > 0 {
		st.Rate = float64(done) / elapsed
		if total > done {
			st.ETA = time.Duration(float64(total-done) / st.Rate * float64(time.Second)).Round(time.Second).String()
		}
	}
	in.status.Store(&st)
}
