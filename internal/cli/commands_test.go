package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/entityledger/internal/fetch"
	"github.com/roach88/entityledger/internal/oracle"
	"github.com/roach88/entityledger/internal/store"
)

const alexanderJSONL = `{"text":"Alexander the Great","entity_type":"person","source_path":"f1","start":0,"end":19}
{"text":"Alexander Hamilton","entity_type":"person","source_path":"f2","start":4,"end":22}
not json at all
{"text":"Alexander","entity_type":"person","source_path":"f3","start":0,"end":9}
{"text":"Alexander","entity_type":"person","source_path":"f3","start":40,"end":49}
`

type response struct {
	Status string                 `json:"status"`
	Data   map[string]interface{} `json:"data"`
	Error  *CLIError              `json:"error"`
	RunID  string                 `json:"run_id"`
}

// execute runs the root command and decodes its single JSON response.
func execute(t *testing.T, args ...string) (response, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(append(args, "--format", "json"))

	err := cmd.Execute()
	var resp response
	if buf.Len() > 0 {
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp), buf.String())
	}
	return resp, err
}

func writeInput(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mentions.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func ingested(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	resp, err := execute(t, "ingest", "--data-dir", dir, "--input", writeInput(t, alexanderJSONL))
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Status)
	return dir
}

func TestIngest_ReportsSummary(t *testing.T) {
	dir := t.TempDir()
	input := writeInput(t, alexanderJSONL)

	resp, err := execute(t, "ingest", "--data-dir", dir, "--input", input)
	require.NoError(t, err)

	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, resp.RunID)
	assert.EqualValues(t, 3, resp.Data["documents"])
	assert.EqualValues(t, 4, resp.Data["mentions"])
	assert.EqualValues(t, 1, resp.Data["malformed_lines"])
	assert.EqualValues(t, 3, resp.Data["entities"])
	assert.EqualValues(t, 1, resp.Data["pending"])

	// The same input again only skips.
	resp, err = execute(t, "ingest", "--data-dir", dir, "--input", input)
	require.NoError(t, err)
	assert.EqualValues(t, 0, resp.Data["documents"])
	assert.EqualValues(t, 3, resp.Data["skipped"])
	assert.EqualValues(t, 1, resp.Data["pending"])
}

func TestIngest_ReadsStdin(t *testing.T) {
	dir := t.TempDir()
	buf := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(alexanderJSONL))
	cmd.SetArgs([]string{"ingest", "--data-dir", dir})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "Ingest finished")
	assert.FileExists(t, filepath.Join(dir, "checkpoint.json"))
}

func TestIngest_MissingInput(t *testing.T) {
	resp, err := execute(t, "ingest", "--data-dir", t.TempDir(), "--input", "/nonexistent/mentions.jsonl")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeInput, resp.Error.Code)
}

func TestConfigRejected(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "entityledger.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("checkpoint_every: -1\n"), 0o644))

	resp, err := execute(t, "status", "--config", cfgPath, "--data-dir", t.TempDir())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeConfig, resp.Error.Code)
}

func TestStatus(t *testing.T) {
	dir := ingested(t)

	resp, err := execute(t, "status", "--data-dir", dir)
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Data["phase"])
	assert.EqualValues(t, 3, resp.Data["entities"])
	assert.EqualValues(t, 3, resp.Data["processed_files"])
	assert.EqualValues(t, 1, resp.Data["pending"])
	assert.EqualValues(t, 1, resp.Data["unresolved"])
}

func TestStatus_EmptyDir(t *testing.T) {
	resp, err := execute(t, "status", "--data-dir", t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "empty", resp.Data["phase"])
	assert.EqualValues(t, 0, resp.Data["pending"])
}

func alexanderOracle() oracle.Func {
	return func(ctx context.Context, req oracle.Request) (oracle.Verdict, error) {
		for i, c := range req.Candidates {
			if c.Key == "person:alexander the great" {
				return oracle.Link{Index: i}, nil
			}
		}
		return oracle.CreateNew{}, nil
	}
}

func runResolveWith(t *testing.T, dir string, o oracle.Oracle) (response, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	root := &RootOptions{Format: "json", DataDir: dir}
	cmd := NewResolveCommand(root)
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})

	err := runResolve(cmd, &ResolveOptions{RootOptions: root, RetryBase: time.Millisecond, Oracle: o})
	var resp response
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp), buf.String())
	return resp, err
}

func TestResolve_MergesAndResumes(t *testing.T) {
	dir := ingested(t)

	resp, err := runResolveWith(t, dir, alexanderOracle())
	require.NoError(t, err)
	assert.EqualValues(t, 1, resp.Data["linked"])
	assert.EqualValues(t, 1, resp.Data["merged"])
	assert.EqualValues(t, 2, resp.Data["entities"])

	calls := 0
	counting := oracle.Func(func(ctx context.Context, req oracle.Request) (oracle.Verdict, error) {
		calls++
		return oracle.CreateNew{}, nil
	})
	resp, err = runResolveWith(t, dir, counting)
	require.NoError(t, err)
	assert.EqualValues(t, 1, resp.Data["skipped"])
	assert.Equal(t, 0, calls, "decided items are never sent again")

	status, err := execute(t, "status", "--data-dir", dir)
	require.NoError(t, err)
	assert.EqualValues(t, 2, status.Data["entities"])
	assert.EqualValues(t, 0, status.Data["unresolved"])
}

func TestResolve_UndecidedExitsWithFailure(t *testing.T) {
	dir := ingested(t)

	garbled := oracle.Func(func(ctx context.Context, req oracle.Request) (oracle.Verdict, error) {
		return oracle.Unparseable{Raw: "maybe?"}, nil
	})
	resp, err := runResolveWith(t, dir, garbled)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.EqualValues(t, 1, resp.Data["undecided"])
}

func TestResolve_RequiresOracle(t *testing.T) {
	dir := ingested(t)
	resp, err := execute(t, "resolve", "--data-dir", dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeOracle, resp.Error.Code)
}

func TestMatch(t *testing.T) {
	dir := ingested(t)
	cfgPath := filepath.Join(t.TempDir(), "entityledger.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
search:
  base_delay: 1ms
  max_delay: 10ms
  workers: 2
  endpoints:
    - name: primary
      url: http://search.invalid/api
`), 0o644))

	searcher := fetch.SearcherFunc(func(ctx context.Context, ep *fetch.Endpoint, q fetch.Query) ([]fetch.Hit, error) {
		switch q.Text {
		case "Alexander the Great":
			return []fetch.Hit{{ID: "Q8409", Label: "Alexander the Great"}}, nil
		case "Alexander Hamilton":
			return []fetch.Hit{{ID: "Q178903", Label: "Alexander Hamilton"}}, nil
		}
		return nil, nil
	})

	run := func() response {
		buf := &bytes.Buffer{}
		root := &RootOptions{Format: "json", DataDir: dir, ConfigPath: cfgPath}
		cmd := NewMatchCommand(root)
		cmd.SetOut(buf)
		cmd.SetErr(&bytes.Buffer{})
		require.NoError(t, runMatch(cmd, &MatchOptions{RootOptions: root, Searcher: searcher}))
		var resp response
		require.NoError(t, json.Unmarshal(buf.Bytes(), &resp), buf.String())
		return resp
	}

	resp := run()
	assert.EqualValues(t, 3, resp.Data["subjects"])
	assert.EqualValues(t, 2, resp.Data["linked"])
	assert.EqualValues(t, 1, resp.Data["no_match"])

	resp = run()
	assert.EqualValues(t, 0, resp.Data["subjects"], "matched entities are skipped")
}

func TestMatch_RequiresEndpoints(t *testing.T) {
	dir := ingested(t)
	resp, err := execute(t, "match", "--data-dir", dir)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeSearch, resp.Error.Code)
}

func TestExport(t *testing.T) {
	dir := ingested(t)
	_, err := runResolveWith(t, dir, alexanderOracle())
	require.NoError(t, err)

	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	resp, err := execute(t, "export", "--data-dir", dir, "--db", dbPath)
	require.NoError(t, err)
	assert.EqualValues(t, 2, resp.Data["entities"])
	assert.EqualValues(t, 1, resp.Data["outcomes"])

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()

	rec, found, err := st.EntityByKey(context.Background(), "person:alexander the great")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 3, rec.MentionCount)
	assert.Contains(t, rec.Aliases, "Alexander")
}

func TestExport_NothingToExport(t *testing.T) {
	resp, err := execute(t, "export", "--data-dir", t.TempDir())
	require.Error(t, err)
	require.NotNil(t, resp.Error)
	assert.Equal(t, ErrCodeDataDir, resp.Error.Code)
}

func TestReset(t *testing.T) {
	dir := ingested(t)

	_, err := execute(t, "reset", "--data-dir", dir)
	require.Error(t, err, "reset without --yes must refuse")
	assert.FileExists(t, filepath.Join(dir, "checkpoint.json"))

	resp, err := execute(t, "reset", "--data-dir", dir, "--yes")
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "checkpoint.json"))
	assert.NoFileExists(t, filepath.Join(dir, "mentions.log"))
	assert.Contains(t, resp.Data["removed"], "pending_queue.log")

	status, err := execute(t, "status", "--data-dir", dir)
	require.NoError(t, err)
	assert.Equal(t, "empty", status.Data["phase"])
}
