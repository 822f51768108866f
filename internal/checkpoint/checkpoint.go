// Package checkpoint snapshots and restores pipeline state.
//
// A checkpoint is the only artifact overwritten in place. Save flushes every
// registered buffered writer BEFORE serializing, so "file F is processed" in
// a checkpoint implies every mention and deferred item F produced is on disk.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/roach88/entityledger/internal/blob"
	"github.com/roach88/entityledger/internal/logfile"
	"github.com/roach88/entityledger/internal/metrics"
	"github.com/roach88/entityledger/internal/model"
)

// FileName is the checkpoint file name inside a data directory.
const FileName = "checkpoint.json"

// State is the in-memory state captured by Save.
type State struct {
	ProcessedFiles []string
	Entities       []model.EntityRecord
	NextID         int64
	ExportedKeys   []string
}

// Flusher is a buffered writer that must be durable before a snapshot.
type Flusher interface {
	Flush() error
}

// FlushFunc adapts a function to Flusher.
type FlushFunc func() error

func (f FlushFunc) Flush() error { return f() }

// Coordinator writes and reads the checkpoint file.
//
// Thread-safety: Save and Load are serialized by an internal mutex; a
// checkpoint never runs concurrently with itself.
type Coordinator struct {
	mu         sync.Mutex
	path       string
	flushers   []Flusher
	tracked    []string
	mirror     blob.Store
	mirrorKey  string
	renameOpts logfile.RenameOptions
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
	runID      string
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithFlushers registers writers flushed before each snapshot, in order.
func WithFlushers(f ...Flusher) Option {
	return func(c *Coordinator) {
		c.flushers = append(c.flushers, f...)
	}
}

// WithTrackedLogs records the size of each append-only log at path in every
// checkpoint, measured after the flush. See TruncateLogs.
func WithTrackedLogs(paths ...string) Option {
	return func(c *Coordinator) {
		c.tracked = append(c.tracked, paths...)
	}
}

// WithMirror uploads every saved checkpoint to store under key. Load falls
// back to the mirror when the local file is missing.
func WithMirror(store blob.Store, key string) Option {
	return func(c *Coordinator) {
		c.mirror = store
		c.mirrorKey = key
	}
}

// WithRenameOptions overrides the atomic rename retry policy.
func WithRenameOptions(o logfile.RenameOptions) Option {
	return func(c *Coordinator) {
		c.renameOpts = o
	}
}

// WithMetrics sets the instruments updated on each save.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithLogger sets the coordinator logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = l
	}
}

// WithNow overrides the clock used for SavedAt.
func WithNow(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithRunID stamps checkpoints with the run that wrote them.
func WithRunID(id string) Option {
	return func(c *Coordinator) {
		c.runID = id
	}
}

// New creates a Coordinator for the checkpoint file at path.
func New(path string, opts ...Option) *Coordinator {
	c := &Coordinator{
		path:       path,
		renameOpts: logfile.DefaultRenameOptions(),
		metrics:    metrics.Discard(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path returns the checkpoint file path.
func (c *Coordinator) Path() string {
	return c.path
}

// AddFlusher registers another writer flushed before each snapshot.
func (c *Coordinator) AddFlusher(f Flusher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushers = append(c.flushers, f)
}

// Save flushes buffered writers and atomically replaces the checkpoint.
// If any flush fails the snapshot is not written, so the previous
// checkpoint stays consistent with what is on disk.
func (c *Coordinator) Save(ctx context.Context, s State) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	for _, f := range c.flushers {
		if err := f.Flush(); err != nil {
			return fmt.Errorf("flush before checkpoint: %w", err)
		}
	}

	sizes, err := c.logSizes()
	if err != nil {
		return err
	}

	cp := model.Checkpoint{
		Version:        model.CheckpointVersion,
		RunID:          c.runID,
		SavedAt:        c.now().UTC(),
		ProcessedFiles: sortedCopy(s.ProcessedFiles),
		Entities:       s.Entities,
		NextID:         s.NextID,
		ExportedKeys:   sortedCopy(s.ExportedKeys),
		LogSizes:       sizes,
	}
	if cp.Entities == nil {
		cp.Entities = []model.EntityRecord{}
	}
	digest, err := model.SnapshotDigest(cp)
	if err != nil {
		return err
	}
	cp.Digest = digest

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if err := logfile.AtomicWriteWith(c.path, data, 0o644, c.renameOpts); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	c.metrics.ObserveCheckpoint(start)

	c.logger.Debug("checkpoint saved",
		"path", c.path,
		"entities", len(cp.Entities),
		"processed_files", len(cp.ProcessedFiles),
		"next_id", cp.NextID)

	if c.mirror != nil {
		if _, err := c.mirror.Put(ctx, c.mirrorKey, bytes.NewReader(data), "application/json"); err != nil {
			// The local checkpoint is authoritative; a failed upload is retried
			// on the next save.
			c.logger.Warn("checkpoint mirror upload failed",
				"driver", c.mirror.Driver(),
				"key", c.mirrorKey,
				"error", err)
		}
	}
	return nil
}

func (c *Coordinator) logSizes() (map[string]int64, error) {
	if len(c.tracked) == 0 {
		return nil, nil
	}
	sizes := make(map[string]int64, len(c.tracked))
	for _, p := range c.tracked {
		st, err := os.Stat(p)
		if errors.Is(err, os.ErrNotExist) {
			sizes[filepath.Base(p)] = 0
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", p, err)
		}
		sizes[filepath.Base(p)] = st.Size()
	}
	return sizes, nil
}

// TruncateLogs cuts each log in dir named in sizes back to its checkpointed
// length. Entries past that length were written after the last checkpoint
// by a run that did not finish; the resumed run regenerates them.
// Logs already at or below their recorded size are left untouched.
func TruncateLogs(dir string, sizes map[string]int64, logger *slog.Logger) error {
	for name, size := range sizes {
		path := filepath.Join(dir, name)
		st, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("stat %s: %w", path, err)
		}
		if st.Size() <= size {
			continue
		}
		if err := os.Truncate(path, size); err != nil {
			return fmt.Errorf("truncate %s: %w", path, err)
		}
		logger.Info("discarded log tail written after last checkpoint",
			"log", name,
			"bytes", st.Size()-size)
	}
	return nil
}

// Load reads the checkpoint. found is false when neither the local file nor
// the mirror holds one, which means a fresh start.
func (c *Coordinator) Load(ctx context.Context) (cp model.Checkpoint, found bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if errors.Is(err, os.ErrNotExist) {
		data, err = c.loadMirror(ctx)
		if data == nil && err == nil {
			return model.Checkpoint{}, false, nil
		}
	}
	if err != nil {
		return model.Checkpoint{}, false, fmt.Errorf("read checkpoint: %w", err)
	}

	cp, err = Decode(data)
	if err != nil {
		return model.Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (c *Coordinator) loadMirror(ctx context.Context) ([]byte, error) {
	if c.mirror == nil {
		return nil, nil
	}
	_, rc, err := c.mirror.Get(ctx, c.mirrorKey)
	if errors.Is(err, blob.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	c.logger.Info("restored checkpoint from mirror",
		"driver", c.mirror.Driver(),
		"key", c.mirrorKey)
	if err := logfile.AtomicWriteWith(c.path, data, 0o644, c.renameOpts); err != nil {
		return nil, err
	}
	return data, nil
}

// Decode parses and verifies checkpoint bytes.
func Decode(data []byte) (model.Checkpoint, error) {
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return model.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	if cp.Version > model.CheckpointVersion {
		return model.Checkpoint{}, fmt.Errorf("checkpoint version %d is newer than supported version %d",
			cp.Version, model.CheckpointVersion)
	}
	if cp.Digest != "" {
		want, err := model.SnapshotDigest(cp)
		if err != nil {
			return model.Checkpoint{}, err
		}
		if want != cp.Digest {
			return model.Checkpoint{}, fmt.Errorf("checkpoint digest mismatch: file is corrupt")
		}
	}
	return cp, nil
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
