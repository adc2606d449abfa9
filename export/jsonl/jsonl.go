// Package jsonl exports finished task records as newline-delimited JSON,
// one object per line, the JSON-native analogue of the pickle-based
// persistence hook implied by psshlib/output.py.
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/canonical/pssh/shared/api"
)

// Sink appends one JSON object per finished task to an append-only file.
type Sink struct {
	f *os.File
	w *bufio.Writer
}

// Open creates or appends to the file at path.
func Open(path string) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("Open jsonl export file: %w", err)
	}

	return &Sink{f: f, w: bufio.NewWriter(f)}, nil
}

// ExportDone appends rec as one JSON line.
func (s *Sink) ExportDone(rec *api.TaskRecord) error {
	enc := json.NewEncoder(s.w)
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("Encode task record: %w", err)
	}

	return nil
}

// Close flushes buffered output and closes the file.
func (s *Sink) Close() error {
	if err := s.w.Flush(); err != nil {
		_ = s.f.Close()
		return fmt.Errorf("Flush jsonl export file: %w", err)
	}

	return s.f.Close()
}
