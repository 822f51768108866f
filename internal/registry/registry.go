// Package registry holds the deduplicated entity registry built by the first
// pass. One EntityRecord exists per key; every accepted mention increments its
// record's count and is appended to the mention log.
//
// Thread-safety: Registry is NOT safe for concurrent use. It is mutated only
// by the ingestion goroutine (single writer), so no locking is needed.
package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/roach88/entityledger/internal/model"
	"github.com/roach88/entityledger/internal/names"
)

// MentionSink receives every accepted mention. In the pipeline it feeds the
// persistence consumer that owns mentions.log.
type MentionSink interface {
	Append(m model.Mention) error
}

// discardSink drops mentions. Used when restoring or in tests that only
// inspect the registry.
type discardSink struct{}

func (discardSink) Append(model.Mention) error { return nil }

// Registry maps entity keys to records.
type Registry struct {
	records map[string]*model.EntityRecord
	byType  map[string][]string // entityType -> keys in insertion order
	aliases map[string]string   // entityType + ":" + normalized alias -> key
	sink    MentionSink
	now     func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithMentionSink sets where accepted mentions are appended.
func WithMentionSink(s MentionSink) Option {
	return func(r *Registry) {
		r.sink = s
	}
}

// WithNow overrides the wall clock used for FirstSeen.
func WithNow(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		records: make(map[string]*model.EntityRecord),
		byType:  make(map[string][]string),
		aliases: make(map[string]string),
		sink:    discardSink{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddMention records one observation of text as an entity of entityType.
//
// If the key already exists its count is incremented and the sample text is
// replaced when text is longer. Otherwise a record with count 1 is created.
// Either way the mention is appended to the sink.
func (r *Registry) AddMention(text, entityType, sourcePath string, start, end int) (isNew bool, entityKey string, err error) {
	return r.addMention(names.Key(entityType, text), text, entityType, sourcePath, start, end, 0, 0)
}

// AddChunkMention is AddMention with the chunk window the producer scanned.
func (r *Registry) AddChunkMention(m model.RawMention) (isNew bool, entityKey string, err error) {
	return r.addMention(names.Key(m.EntityType, m.Text), m.Text, m.EntityType, m.SourcePath, m.Start, m.End, m.ChunkStart, m.ChunkEnd)
}

// LinkMention counts an observation of text toward an existing record under
// key, as decided by an alias or base-name link. It fails if key is unknown.
func (r *Registry) LinkMention(key string, m model.RawMention) error {
	rec, ok := r.records[key]
	if !ok {
		return fmt.Errorf("link mention: unknown entity %q", key)
	}
	rec.MentionCount++
	if len(m.Text) > len(rec.SampleText) {
		rec.SampleText = m.Text
	}
	return r.sink.Append(model.Mention{
		EntityKey:   key,
		SourcePath:  m.SourcePath,
		StartOffset: m.Start,
		EndOffset:   m.End,
		ChunkStart:  m.ChunkStart,
		ChunkEnd:    m.ChunkEnd,
	})
}

func (r *Registry) addMention(key, text, entityType, sourcePath string, start, end, chunkStart, chunkEnd int) (bool, string, error) {
	rec, exists := r.records[key]
	if exists {
		rec.MentionCount++
		if len(text) > len(rec.SampleText) {
			rec.SampleText = text
		}
	} else {
		rec = &model.EntityRecord{
			Key:            key,
			DisplayText:    text,
			NormalizedText: names.Normalize(text),
			EntityType:     entityType,
			SampleText:     text,
			MentionCount:   1,
			FirstSeen:      r.now(),
		}
		r.insert(rec)
	}

	err := r.sink.Append(model.Mention{
		EntityKey:   key,
		SourcePath:  sourcePath,
		StartOffset: start,
		EndOffset:   end,
		ChunkStart:  chunkStart,
		ChunkEnd:    chunkEnd,
	})
	if err != nil {
		return !exists, key, fmt.Errorf("append mention: %w", err)
	}
	return !exists, key, nil
}

func (r *Registry) insert(rec *model.EntityRecord) {
	r.records[rec.Key] = rec
	r.byType[rec.EntityType] = append(r.byType[rec.EntityType], rec.Key)
	for _, a := range rec.Aliases {
		r.aliases[rec.EntityType+":"+names.Normalize(a)] = rec.Key
	}
}

// Get returns a copy of the record for key.
func (r *Registry) Get(key string) (model.EntityRecord, bool) {
	rec, ok := r.records[key]
	if !ok {
		return model.EntityRecord{}, false
	}
	return copyRecord(rec), true
}

// Has reports whether key is registered.
func (r *Registry) Has(key string) bool {
	_, ok := r.records[key]
	return ok
}

// Len returns the number of records.
func (r *Registry) Len() int {
	return len(r.records)
}

// AddAlias records alias as another surface form of key. It is a no-op when
// alias normalizes to the record's own text or is already recorded.
func (r *Registry) AddAlias(key, alias string) bool {
	rec, ok := r.records[key]
	if !ok {
		return false
	}
	norm := names.Normalize(alias)
	if norm == "" || norm == rec.NormalizedText {
		return false
	}
	aliasKey := rec.EntityType + ":" + norm
	if _, exists := r.aliases[aliasKey]; exists {
		return false
	}
	r.aliases[aliasKey] = key
	rec.Aliases = append(rec.Aliases, alias)
	return true
}

// LookupAlias returns the key a recorded alias of text resolves to.
func (r *Registry) LookupAlias(text, entityType string) (string, bool) {
	key, ok := r.aliases[entityType+":"+names.Normalize(text)]
	if !ok {
		return "", false
	}
	if _, live := r.records[key]; !live {
		return "", false
	}
	return key, true
}

// Merge folds the record under from into the record under into: counts are
// summed, from's display text becomes an alias of into, and from is removed.
// Merge is idempotent: merging a key that no longer exists is a no-op.
func (r *Registry) Merge(from, into string) (bool, error) {
	if from == into {
		return false, nil
	}
	src, ok := r.records[from]
	if !ok {
		return false, nil
	}
	dst, ok := r.records[into]
	if !ok {
		return false, fmt.Errorf("merge %q: unknown target %q", from, into)
	}

	dst.MentionCount += src.MentionCount
	if len(src.SampleText) > len(dst.SampleText) {
		dst.SampleText = src.SampleText
	}
	if src.FirstSeen.Before(dst.FirstSeen) {
		dst.FirstSeen = src.FirstSeen
	}

	r.remove(from)
	r.AddAlias(into, src.DisplayText)
	for _, a := range src.Aliases {
		r.AddAlias(into, a)
	}
	return true, nil
}

func (r *Registry) remove(key string) {
	rec := r.records[key]
	delete(r.records, key)
	keys := r.byType[rec.EntityType]
	for i, k := range keys {
		if k == key {
			r.byType[rec.EntityType] = append(keys[:i:i], keys[i+1:]...)
			break
		}
	}
	for a, k := range r.aliases {
		if k == key {
			delete(r.aliases, a)
		}
	}
}

// Snapshot returns copies of all records sorted by key.
func (r *Registry) Snapshot() []model.EntityRecord {
	out := make([]model.EntityRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, copyRecord(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Restore replaces the registry contents with records from a checkpoint.
// No mentions are appended; the mention log already holds them.
func (r *Registry) Restore(records []model.EntityRecord) error {
	r.records = make(map[string]*model.EntityRecord, len(records))
	r.byType = make(map[string][]string)
	r.aliases = make(map[string]string)

	for i := range records {
		rec := copyRecord(&records[i])
		if rec.Key == "" {
			return fmt.Errorf("restore: record %d has empty key", i)
		}
		if _, dup := r.records[rec.Key]; dup {
			return fmt.Errorf("restore: duplicate key %q", rec.Key)
		}
		r.insert(&rec)
	}
	return nil
}

func copyRecord(rec *model.EntityRecord) model.EntityRecord {
	c := *rec
	if rec.Aliases != nil {
		c.Aliases = append([]string(nil), rec.Aliases...)
	}
	return c
}
