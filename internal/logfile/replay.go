package logfile

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// ReplayStats summarizes one pass over a log.
type ReplayStats struct {
	Lines   int // non-empty lines read
	Decoded int // lines delivered to the callback
	Skipped int // lines that failed to decode
}

// ReplayOption configures Replay.
type ReplayOption func(*replayConfig)

type replayConfig struct {
	logger *slog.Logger
}

// WithLogger sets the logger used to report skipped lines.
func WithLogger(l *slog.Logger) ReplayOption {
	return func(c *replayConfig) {
		c.logger = l
	}
}

// Replay streams the JSON Lines log at path and calls fn for every record
// that decodes as T. Malformed lines, including a truncated final line left
// by a crash, are skipped, counted and logged; they never abort the load.
//
// A missing file is an empty log. An error returned by fn stops the replay
// and is returned unchanged.
func Replay[T any](path string, fn func(T) error, opts ...ReplayOption) (ReplayStats, error) {
	cfg := replayConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	var stats ReplayStats
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return stats, nil
		}
		return stats, fmt.Errorf("open log %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	lineNo := 0
	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++
			line = bytes.TrimSpace(line)
			if len(line) > 0 {
				stats.Lines++
				var rec T
				if err := json.Unmarshal(line, &rec); err != nil {
					stats.Skipped++
					cfg.logger.Warn("skipping malformed log line",
						"path", path,
						"line", lineNo,
						"error", err)
				} else {
					stats.Decoded++
					if err := fn(rec); err != nil {
						return stats, err
					}
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return stats, fmt.Errorf("read log %s: %w", path, readErr)
		}
	}

	if stats.Skipped > 0 {
		cfg.logger.Info("log replay finished with skipped lines",
			"path", path,
			"decoded", stats.Decoded,
			"skipped", stats.Skipped)
	}
	return stats, nil
}
