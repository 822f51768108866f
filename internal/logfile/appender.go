package logfile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned by Append and Flush after Close.
var ErrClosed = errors.New("appender closed")

// AppenderOption configures an Appender.
type AppenderOption func(*appenderConfig)

type appenderConfig struct {
	syncEvery bool
}

// WithSyncEvery makes every Append flush immediately. This trades throughput
// for zero loss of acknowledged entries on a hard crash.
func WithSyncEvery(enabled bool) AppenderOption {
	return func(c *appenderConfig) {
		c.syncEvery = enabled
	}
}

// Appender is a buffered append-only JSON Lines writer for records of type T.
//
// Thread-safety: Append, Flush, Pending and Close are safe for concurrent use.
// The mutex guards the in-memory buffer; Flush is the only operation that
// touches the filesystem.
type Appender[T any] struct {
	mu          sync.Mutex
	path        string
	buf         bytes.Buffer
	pending     int
	syncEvery   bool
	needNewline bool
	closed      bool
}

// NewAppender opens (creating if needed) an append-only log at path.
// It fails fast when the file cannot be created, so an unwritable data
// directory is reported before any processing starts.
func NewAppender[T any](path string, opts ...AppenderOption) (*Appender[T], error) {
	cfg := appenderConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()

	torn, err := endsWithoutNewline(f)
	if err != nil {
		return nil, fmt.Errorf("inspect log %s: %w", path, err)
	}

	return &Appender[T]{
		path:        path,
		syncEvery:   cfg.syncEvery,
		needNewline: torn,
	}, nil
}

// endsWithoutNewline reports whether a non-empty file ends in a partial line,
// which happens when a previous process crashed mid-flush.
func endsWithoutNewline(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil && err != io.EOF {
		return false, err
	}
	return last[0] != '\n', nil
}

// Path returns the log file path.
func (a *Appender[T]) Path() string {
	return a.path
}

// Append encodes v as one JSON line and buffers it.
func (a *Appender[T]) Append(v T) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode log record: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	a.buf.Write(line)
	a.buf.WriteByte('\n')
	a.pending++

	if a.syncEvery {
		return a.flushLocked()
	}
	return nil
}

// Pending returns the number of buffered records not yet flushed.
func (a *Appender[T]) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

// Flush writes buffered records to the log and fsyncs it.
func (a *Appender[T]) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrClosed
	}
	return a.flushLocked()
}

func (a *Appender[T]) flushLocked() error {
	if a.pending == 0 {
		return nil
	}

	f, err := os.OpenFile(a.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log %s: %w", a.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log %s: %w", a.path, err)
	}

	data := a.buf.Bytes()
	if a.needNewline {
		data = append([]byte{'\n'}, data...)
	}
	if _, err := f.Write(data); err != nil {
		// Roll back a partial write so the retained buffer is not
		// duplicated by the next flush.
		_ = f.Truncate(info.Size())
		f.Close()
		return fmt.Errorf("append log %s: %w", a.path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync log %s: %w", a.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close log %s: %w", a.path, err)
	}

	a.buf.Reset()
	a.pending = 0
	a.needNewline = false
	return nil
}

// Close flushes remaining records and rejects further appends.
func (a *Appender[T]) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	err := a.flushLocked()
	a.closed = true
	return err
}
