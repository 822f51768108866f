package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Run finished but left work undone (stopped, undecided items, failed matches)
	ExitCommandError = 2 // Command error (bad config, unwritable data dir, unreadable input)
)

// Error codes reported in JSON error responses.
const (
	ErrCodeGeneric = "E001" // Generic/unknown error
	ErrCodeConfig  = "E002" // Configuration rejected
	ErrCodeDataDir = "E003" // Data directory unusable
	ErrCodeInput   = "E004" // Mention input unreadable
	ErrCodeOracle  = "E005" // Oracle unavailable
	ErrCodeSearch  = "E006" // Search endpoints unusable
	ErrCodeStore   = "E007" // Export database error
)

// ExitError represents an error with a specific exit code.
// Use this to return errors with meaningful exit codes from CLI commands.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)

	reported bool
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// Reported reports whether the command already wrote err to its output.
func Reported(err error) bool {
	var exitErr *ExitError
	return errors.As(err, &exitErr) && exitErr.reported
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Separate writer for verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the standard JSON response format for CLI output.
type CLIResponse struct {
	Status string      `json:"status"`          // "ok" or "error"
	Data   interface{} `json:"data,omitempty"`  // success payload
	Error  *CLIError   `json:"error,omitempty"` // error details
	RunID  string      `json:"run_id,omitempty"`
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string      `json:"code"`              // "E001", "E002", etc.
	Message string      `json:"message"`           // human-readable message
	Details interface{} `json:"details,omitempty"` // additional context
}

// Tone colors a report value in text output.
type Tone int

const (
	TonePlain Tone = iota
	ToneGood
	ToneWarn
	ToneBad
)

// Row is one labelled value of a Report.
type Row struct {
	Label string
	Value interface{}
	Tone  Tone
}

// Report is what commands hand to Success. Text output prints Title and
// aligned Rows; JSON output encodes Data.
type Report struct {
	Title string
	Rows  []Row
	Data  interface{}
	RunID string
}

var (
	titleColor = color.New(color.Bold)
	labelColor = color.New(color.FgCyan)
	toneColors = map[Tone]*color.Color{
		ToneGood: color.New(color.FgGreen),
		ToneWarn: color.New(color.FgYellow),
		ToneBad:  color.New(color.FgRed, color.Bold),
	}
)

// Success outputs a successful result in the configured format.
func (f *OutputFormatter) Success(data interface{}) error {
	rep, isReport := data.(Report)
	if f.Format == "json" {
		resp := CLIResponse{Status: "ok", Data: data}
		if isReport {
			resp.Data = rep.Data
			resp.RunID = rep.RunID
		}
		return json.NewEncoder(f.Writer).Encode(resp)
	}

	if !isReport {
		fmt.Fprintln(f.Writer, data)
		return nil
	}

	if rep.Title != "" {
		titleColor.Fprintln(f.Writer, rep.Title)
	}
	width := 0
	for _, r := range rep.Rows {
		if len(r.Label) > width {
			width = len(r.Label)
		}
	}
	for _, r := range rep.Rows {
		label := labelColor.Sprintf("%-*s", width, r.Label)
		value := fmt.Sprint(r.Value)
		if c, ok := toneColors[r.Tone]; ok {
			value = c.Sprint(value)
		}
		fmt.Fprintf(f.Writer, "  %s  %s\n", label, value)
	}
	return nil
}

// Error outputs an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details interface{}) error {
	if f.Format == "json" {
		return json.NewEncoder(f.Writer).Encode(CLIResponse{
			Status: "error",
			Error: &CLIError{
				Code:    code,
				Message: message,
				Details: details,
			},
		})
	}

	// Human-readable error
	fmt.Fprintf(f.Writer, "%s [%s]: %s\n", toneColors[ToneBad].Sprint("Error"), code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// VerboseLog outputs a message only if verbose mode is enabled.
// Uses ErrWriter if set, otherwise falls back to Writer.
// When format is JSON, verbose logs go to ErrWriter to avoid corrupting JSON output.
func (f *OutputFormatter) VerboseLog(format string, args ...interface{}) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns the appropriate writer for diagnostic output.
// Returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

func countTone(n int, bad Tone) Tone {
	if n == 0 {
		return TonePlain
	}
	return bad
}
