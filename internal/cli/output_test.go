package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func TestOutputFormatter_JSONSuccess(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Success(map[string]string{"result": "success"})
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.NotNil(t, resp.Data)
}

func TestOutputFormatter_JSONReportEncodesData(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "json", Writer: buf}

	err := formatter.Success(Report{
		Title: "Ingest finished",
		Rows:  []Row{{Label: "entities", Value: 2}},
		Data:  map[string]int{"entities": 2},
		RunID: "run-1",
	})
	require.NoError(t, err)

	var resp struct {
		Status string         `json:"status"`
		Data   map[string]int `json:"data"`
		RunID  string         `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, 2, resp.Data["entities"])
	assert.Equal(t, "run-1", resp.RunID)
	assert.NotContains(t, buf.String(), "Ingest finished")
}

func TestOutputFormatter_TextReportAlignsRows(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{Format: "text", Writer: buf}

	err := formatter.Success(Report{
		Title: "Ingest finished",
		Rows: []Row{
			{Label: "documents", Value: 3},
			{Label: "deferred", Value: 1, Tone: ToneWarn},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Ingest finished\n  documents  3\n  deferred   1\n", buf.String())
}

func TestOutputFormatter_JSONError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "json",
		Writer: buf,
	}

	err := formatter.Error(ErrCodeConfig, "config rejected", nil)
	require.NoError(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E002", resp.Error.Code)
	assert.Equal(t, "config rejected", resp.Error.Message)
}

func TestOutputFormatter_TextError(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format: "text",
		Writer: buf,
	}

	err := formatter.Error("E001", "ingest failed", nil)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Error [E001]")
	assert.Contains(t, buf.String(), "ingest failed")
}

func TestOutputFormatter_TextErrorVerbose(t *testing.T) {
	buf := &bytes.Buffer{}
	formatter := &OutputFormatter{
		Format:  "text",
		Writer:  buf,
		Verbose: true,
	}

	err := formatter.Error("E001", "ingest failed", map[string]string{"file": "mentions.jsonl"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Details:")
}

func TestOutputFormatter_VerboseLog(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		wantLog bool
	}{
		{"verbose_enabled", true, true},
		{"verbose_disabled", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			formatter := &OutputFormatter{
				Format:  "text",
				Writer:  buf,
				Verbose: tt.verbose,
			}

			formatter.VerboseLog("Processing %s", "mentions.jsonl")

			if tt.wantLog {
				assert.Contains(t, buf.String(), "Processing mentions.jsonl")
			} else {
				assert.Empty(t, buf.String())
			}
		})
	}
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "bad config", errors.New("x"))))
	assert.Equal(t, ExitFailure, GetExitCode(errors.New("plain")))

	wrapped := WrapExitError(ExitFailure, "outer", NewExitError(ExitCommandError, "inner"))
	assert.Equal(t, ExitFailure, GetExitCode(wrapped))
	assert.Equal(t, "outer: inner", wrapped.Error())
}

func TestReported(t *testing.T) {
	out := &OutputFormatter{Format: "json", Writer: &bytes.Buffer{}}
	err := fail(out, ErrCodeStore, ExitCommandError, "open database", errors.New("locked"))

	assert.True(t, Reported(err))
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.False(t, Reported(NewExitError(ExitFailure, "stopped")))
	assert.False(t, Reported(errors.New("plain")))
}
