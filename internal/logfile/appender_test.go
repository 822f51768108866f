package logfile

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func readAll(t *testing.T, path string) []record {
	t.Helper()
	var out []record
	_, err := Replay(path, func(r record) error {
		out = append(out, r)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestAppender_BuffersUntilFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.log")
	a, err := NewAppender[record](path)
	require.NoError(t, err)

	require.NoError(t, a.Append(record{ID: 1, Name: "a"}))
	require.NoError(t, a.Append(record{ID: 2, Name: "b"}))
	assert.Equal(t, 2, a.Pending())
	assert.Empty(t, readAll(t, path), "nothing is durable before Flush")

	require.NoError(t, a.Flush())
	assert.Equal(t, 0, a.Pending())
	assert.Equal(t, []record{{1, "a"}, {2, "b"}}, readAll(t, path))

	require.NoError(t, a.Append(record{ID: 3, Name: "c"}))
	require.NoError(t, a.Close())
	assert.Len(t, readAll(t, path), 3, "Close flushes remaining records")

	assert.ErrorIs(t, a.Append(record{ID: 4}), ErrClosed)
}

func TestAppender_SyncEvery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.log")
	a, err := NewAppender[record](path, WithSyncEvery(true))
	require.NoError(t, err)

	require.NoError(t, a.Append(record{ID: 1}))
	assert.Equal(t, 0, a.Pending())
	assert.Len(t, readAll(t, path), 1)
}

func TestAppender_RepairsTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.log")
	require.NoError(t, os.WriteFile(path, []byte(`{"id":1,"name":"a"}`+"\n"+`{"id":2,"na`), 0o644))

	a, err := NewAppender[record](path)
	require.NoError(t, err)
	require.NoError(t, a.Append(record{ID: 3, Name: "c"}))
	require.NoError(t, a.Flush())

	got := readAll(t, path)
	assert.Equal(t, []record{{1, "a"}, {3, "c"}}, got, "torn line is skipped, new line stays intact")
}

func TestAppender_ConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.log")
	a, err := NewAppender[record](path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = a.Append(record{ID: i*100 + j})
			}
			_ = a.Flush()
		}(i)
	}
	wg.Wait()
	require.NoError(t, a.Flush())

	assert.Len(t, readAll(t, path), 1000)
}

func TestNewAppender_UnwritableDirectory(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	_, err := NewAppender[record](filepath.Join(blocker, "queue.log"))
	assert.Error(t, err)
}
