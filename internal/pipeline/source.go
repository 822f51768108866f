package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/entityledger/internal/model"
)

// Document is every mention extracted from one source file.
type Document struct {
	Path     string
	Mentions []model.RawMention
}

// Source yields documents in a stable order. Next returns io.EOF when done.
type Source interface {
	Next(ctx context.Context) (Document, error)
}

// Counter is implemented by sources that know their document count up
// front; it feeds the progress estimate.
type Counter interface {
	Total() int
}

// SliceSource serves documents from memory.
type SliceSource struct {
	docs []Document
	pos  int
}

// NewSliceSource creates a source over docs.
func NewSliceSource(docs ...Document) *SliceSource {
	return &SliceSource{docs: docs}
}

// Next implements Source.
func (s *SliceSource) Next(ctx context.Context) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	if s.pos >= len(s.docs) {
		return Document{}, io.EOF
	}
	d := s.docs[s.pos]
	s.pos++
	return d, nil
}

// Total implements Counter.
func (s *SliceSource) Total() int { return len(s.docs) }

// JSONLSource reads one RawMention per line, as emitted by the NER
// producer. A document is a contiguous run of lines sharing source_path.
// Malformed lines are skipped and counted.
type JSONLSource struct {
	r       *bufio.Reader
	logger  *slog.Logger
	peek    *model.RawMention
	line    int
	Skipped int
}

// NewJSONLSource reads mentions from r.
func NewJSONLSource(r io.Reader, logger *slog.Logger) *JSONLSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONLSource{r: bufio.NewReaderSize(r, 64*1024), logger: logger}
}

// Next implements Source.
func (s *JSONLSource) Next(ctx context.Context) (Document, error) {
	var doc Document
	if s.peek != nil {
		doc.Path = s.peek.SourcePath
		doc.Mentions = append(doc.Mentions, *s.peek)
		s.peek = nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return Document{}, err
		}
		m, err := s.read()
		if errors.Is(err, io.EOF) {
			if doc.Path == "" && len(doc.Mentions) == 0 {
				return Document{}, io.EOF
			}
			return doc, nil
		}
		if err != nil {
			return Document{}, err
		}
		if len(doc.Mentions) > 0 && m.SourcePath != doc.Path {
			s.peek = &m
			return doc, nil
		}
		doc.Path = m.SourcePath
		doc.Mentions = append(doc.Mentions, m)
	}
}

func (s *JSONLSource) read() (model.RawMention, error) {
	for {
		line, err := s.r.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			if errors.Is(err, io.EOF) {
				return model.RawMention{}, io.EOF
			}
			return model.RawMention{}, fmt.Errorf("read mentions: %w", err)
		}
		s.line++
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var m model.RawMention
		if jerr := json.Unmarshal(line, &m); jerr != nil {
			s.Skipped++
			s.logger.Warn("skipping malformed mention line",
				"line", s.line,
				"error", jerr)
			continue
		}
		return m, nil
	}
}
