package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityledger/internal/blob"
	"github.com/roach88/entityledger/internal/checkpoint"
	"github.com/roach88/entityledger/internal/model"
	"github.com/roach88/entityledger/internal/queue"
)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedNow() time.Time {
	return time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)
}

func open(t *testing.T, dir string, opts ...Option) *Ingestor {
	t.Helper()
	opts = append([]Option{WithLogger(quiet()), WithNow(fixedNow), WithRunID("run-test")}, opts...)
	ing, err := Open(context.Background(), dir, opts...)
	require.NoError(t, err)
	return ing
}

func mention(text, path string, start int) model.RawMention {
	return model.RawMention{Text: text, EntityType: "person", SourcePath: path, Start: start, End: start + len(text)}
}

func doc(path string, texts ...string) Document {
	d := Document{Path: path}
	for i, text := range texts {
		d.Mentions = append(d.Mentions, mention(text, path, i*20))
	}
	return d
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	require.NoError(t, err)
	return bytes.Count(data, []byte("\n"))
}

func readPending(t *testing.T, dir string) []model.DeferredItem {
	t.Helper()
	var items []model.DeferredItem
	_, err := queue.ReadItems(filepath.Join(dir, queue.PendingFileName), func(it model.DeferredItem) error {
		items = append(items, it)
		return nil
	}, quiet())
	require.NoError(t, err)
	return items
}

func TestRun_EndToEndLouis(t *testing.T) {
	dir := t.TempDir()
	ing := open(t, dir)

	src := NewSliceSource(
		Document{Path: "f1", Mentions: []model.RawMention{{Text: "Louis XIV", EntityType: "person", SourcePath: "f1", Start: 0, End: 8}}},
		Document{Path: "f2", Mentions: []model.RawMention{{Text: "Louis XIV", EntityType: "person", SourcePath: "f2", Start: 10, End: 18}}},
		Document{Path: "f3", Mentions: []model.RawMention{{Text: "Louis XV", EntityType: "person", SourcePath: "f3", Start: 0, End: 8}}},
	)
	sum, err := ing.Run(context.Background(), src)
	require.NoError(t, err)
	require.NoError(t, ing.Close())

	assert.Equal(t, 3, sum.Documents)
	assert.Equal(t, 3, sum.Mentions)
	assert.Equal(t, 0, sum.Exported)

	snap := ing.Registry().Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "person:louis xiv", snap[0].Key)
	assert.Equal(t, 2, snap[0].MentionCount)
	assert.Equal(t, "person:louis xv", snap[1].Key)
	assert.Equal(t, 1, snap[1].MentionCount)

	assert.Empty(t, readPending(t, dir))
	assert.Equal(t, 3, countLines(t, filepath.Join(dir, MentionsFileName)))

	st, found, err := ReadStatus(dir)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, PhaseDone, st.Phase)
	assert.Equal(t, 3, st.Processed)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 2, st.Entities)
}

func TestRun_AmbiguousAlexanderDefers(t *testing.T) {
	dir := t.TempDir()
	ing := open(t, dir)

	sum, err := ing.Run(context.Background(), NewSliceSource(
		doc("f1", "Alexander the Great"),
		doc("f2", "Alexander Hamilton"),
		doc("f3", "Alexander", "Alexander"),
	))
	require.NoError(t, err)
	require.NoError(t, ing.Close())

	assert.Equal(t, 1, sum.Deferred, "second Alexander links to the provisional record")
	assert.Equal(t, 1, sum.Exported)

	items := readPending(t, dir)
	require.Len(t, items, 1)
	assert.Equal(t, "person:alexander", items[0].EntityKey)
	assert.Equal(t, int64(1), items[0].ID)
	assert.ElementsMatch(t, []string{"person:alexander hamilton", "person:alexander the great"}, items[0].CandidateKeys)

	rec, ok := ing.Registry().Get("person:alexander")
	require.True(t, ok)
	assert.Equal(t, 2, rec.MentionCount)
}

// failingSource yields docs, then fails like a crashed producer.
type failingSource struct {
	*SliceSource
}

var errProducerDied = errors.New("producer died")

func (s failingSource) Next(ctx context.Context) (Document, error) {
	d, err := s.SliceSource.Next(ctx)
	if errors.Is(err, io.EOF) {
		return Document{}, errProducerDied
	}
	return d, err
}

func TestResume_ExactlyOnceAfterCrash(t *testing.T) {
	dir := t.TempDir()
	docs := []Document{
		doc("f1", "Alexander the Great"),
		doc("f2", "Alexander Hamilton"),
		doc("f3", "Alexander"),
	}

	ing := open(t, dir, WithCheckpointEvery(2))
	_, err := ing.Run(context.Background(), failingSource{NewSliceSource(docs...)})
	require.ErrorIs(t, err, errProducerDied)
	// Buffers reach disk but no checkpoint covers f3.
	require.NoError(t, ing.Close())
	assert.Len(t, readPending(t, dir), 1)
	assert.Equal(t, 3, countLines(t, filepath.Join(dir, MentionsFileName)))

	resumed := open(t, dir, WithCheckpointEvery(2))
	require.True(t, resumed.Resumed())
	assert.True(t, resumed.Processed("f2"))
	assert.False(t, resumed.Processed("f3"))
	assert.Equal(t, 2, countLines(t, filepath.Join(dir, MentionsFileName)), "tail past checkpoint discarded")

	sum, err := resumed.Run(context.Background(), NewSliceSource(docs...))
	require.NoError(t, err)
	require.NoError(t, resumed.Close())

	assert.Equal(t, 2, sum.Skipped)
	assert.Equal(t, 1, sum.Documents)
	items := readPending(t, dir)
	require.Len(t, items, 1)
	assert.Equal(t, int64(1), items[0].ID)
	assert.Equal(t, 3, countLines(t, filepath.Join(dir, MentionsFileName)))

	// A third run over the same corpus changes nothing.
	again := open(t, dir)
	sum, err = again.Run(context.Background(), NewSliceSource(docs...))
	require.NoError(t, err)
	require.NoError(t, again.Close())
	assert.Equal(t, 3, sum.Skipped)
	assert.Len(t, readPending(t, dir), 1)
	assert.Equal(t, 3, again.Registry().Len())
}

func TestOpen_DiscardsLogsWithoutCheckpoint(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MentionsFileName), []byte(`{"entity_key":"person:x"}`+"\n"), 0o644))

	ing := open(t, dir)
	require.NoError(t, ing.Close())
	assert.Equal(t, 0, countLines(t, filepath.Join(dir, MentionsFileName)))
}

func TestStop_ForcesCheckpoint(t *testing.T) {
	dir := t.TempDir()
	ing := open(t, dir)
	ing.Stop()

	sum, err := ing.Run(context.Background(), NewSliceSource(doc("f1", "Colbert")))
	require.NoError(t, err)
	require.NoError(t, ing.Close())

	assert.True(t, sum.Stopped)
	assert.Equal(t, 0, sum.Documents)
	assert.Equal(t, 1, sum.Checkpoints)
	_, err = os.Stat(filepath.Join(dir, checkpoint.FileName))
	require.NoError(t, err)
	assert.Equal(t, PhaseStopped, ing.Status().Phase)
}

func TestRun_CancelledContextStillCheckpoints(t *testing.T) {
	dir := t.TempDir()
	ing := open(t, dir)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := ing.Run(ctx, NewSliceSource(doc("f1", "Colbert")))
	require.NoError(t, err)
	require.NoError(t, ing.Close())
	assert.True(t, sum.Stopped)
	_, err = os.Stat(filepath.Join(dir, checkpoint.FileName))
	assert.NoError(t, err)
}

func TestRun_InvalidMentionsAreReported(t *testing.T) {
	dir := t.TempDir()
	ing := open(t, dir)

	bad := Document{Path: "f1", Mentions: []model.RawMention{
		{Text: "", EntityType: "person", SourcePath: "f1"},
		{Text: "Vauban", EntityType: "dragon", SourcePath: "f1"},
		mention("Colbert", "f1", 0),
	}}
	sum, err := ing.Run(context.Background(), NewSliceSource(bad))
	require.NoError(t, err)
	require.NoError(t, ing.Close())

	assert.Equal(t, 2, sum.Invalid)
	assert.Equal(t, 1, sum.Mentions)
	st := ing.Status()
	require.Len(t, st.Errors, 2)
	assert.True(t, strings.HasPrefix(st.Errors[0], "f1: "))
}

func TestOpen_RestoresFromMirror(t *testing.T) {
	dir := t.TempDir()
	mirror := blob.NewMemory()

	ing := open(t, dir, WithMirror(mirror, "ledger/checkpoint.json"))
	_, err := ing.Run(context.Background(), NewSliceSource(doc("f1", "Colbert")))
	require.NoError(t, err)
	require.NoError(t, ing.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, checkpoint.FileName)))

	restored := open(t, dir, WithMirror(mirror, "ledger/checkpoint.json"))
	defer restored.Close()
	assert.True(t, restored.Resumed())
	assert.True(t, restored.Registry().Has("person:colbert"))
}
