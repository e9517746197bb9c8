// Package deadletter persists the ids a run could not mask after exhausting
// its solo-retry budget, as newline-delimited JSON, following the teacher's
// append-mode file logging setup (os.OpenFile with O_APPEND|O_CREATE) in
// main.go's logging-integration notes.
package deadletter

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Entry is one dead-lettered id, written as a single ndjson line.
type Entry struct {
	CollectionName string    `json:"collection"`
	RunID          string    `json:"runId"`
	DocID          string    `json:"docId"`
	Reason         string    `json:"reason"`
	Timestamp      time.Time `json:"ts"`
}

// Writer appends Entries to a single ndjson file, one line per dead-lettered
// id, safe for concurrent use.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// Open opens (creating if absent) the ndjson file at path in append mode, so
// restarting a run never truncates ids dead-lettered by an earlier attempt.
func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("deadletter: opening %s: %w", path, err)
	}
	return &Writer{file: f, enc: json.NewEncoder(f)}, nil
}

// Write appends one Entry as a single ndjson line.
func (w *Writer) Write(e Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(e); err != nil {
		return fmt.Errorf("deadletter: writing entry for %s: %w", e.DocID, err)
	}
	return nil
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	return w.file.Close()
}
