// Package memstore is an in-memory store.Source/store.Sink fake used by unit
// tests in place of a real MongoDB or CouchDB backend. It implements id-order
// iteration, resume-after-key, and configurable per-call failure injection so
// tests can exercise retry and partial-failure paths without a live database.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"phimask.dev/internal/store"
)

// Store holds an ordered set of documents keyed by id and doubles as both a
// Source and a Sink.
type Store struct {
	mu   sync.Mutex
	docs map[string]store.Document
	ids  []string // kept sorted

	// FailNextCommits, if > 0, makes the next N CommitUpdates calls fail
	// entirely (returning an error, not a partial Ack), decrementing by one
	// per call. Used to exercise the sink's retry-with-backoff path.
	FailNextCommits int

	// FailIDs causes CommitUpdates to report these specific ids as failed
	// within an otherwise-successful Ack, exercising the solo-retry path.
	FailIDs map[string]bool
}

// New builds a Store seeded with docs.
func New(docs []store.Document) *Store {
	s := &Store{docs: map[string]store.Document{}}
	for _, d := range docs {
		s.docs[d.ID] = d
		s.ids = append(s.ids, d.ID)
	}
	sort.Strings(s.ids)
	return s
}

// Open implements store.Source.
func (s *Store) Open(_ context.Context, resumeKey any) (store.Cursor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	start := 0
	if resumeKey != nil {
		key := fmt.Sprintf("%v", resumeKey)
		start = sort.SearchStrings(s.ids, key)
		if start < len(s.ids) && s.ids[start] == key {
			start++
		}
	}
	return &cursor{store: s, pos: start}, nil
}

type cursor struct {
	store *Store
	pos   int
}

func (c *cursor) Next(_ context.Context, n int) ([]store.Document, error) {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	if c.pos >= len(c.store.ids) {
		return nil, nil
	}
	end := c.pos + n
	if end > len(c.store.ids) {
		end = len(c.store.ids)
	}
	batch := make([]store.Document, 0, end-c.pos)
	for _, id := range c.store.ids[c.pos:end] {
		batch = append(batch, c.store.docs[id])
	}
	c.pos = end
	return batch, nil
}

func (c *cursor) Close(_ context.Context) error { return nil }

// CommitUpdates implements store.Sink. It applies each UpdateOp's changed
// paths as top-level field writes (sufficient for this fake's test fixtures,
// which don't nest PHI under dotted paths) and reports per-id failures from
// FailIDs, or a blanket error while FailNextCommits > 0.
func (s *Store) CommitUpdates(_ context.Context, ops []store.UpdateOp) (store.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNextCommits > 0 {
		s.FailNextCommits--
		return store.Ack{}, fmt.Errorf("memstore: injected commit failure")
	}

	ack := store.Ack{}
	for _, op := range ops {
		if s.FailIDs[op.ID] {
			ack.Failed = append(ack.Failed, store.FailedWrite{ID: op.ID, Err: fmt.Errorf("memstore: injected failure for %s", op.ID)})
			continue
		}
		doc, ok := s.docs[op.ID]
		if !ok {
			ack.Failed = append(ack.Failed, store.FailedWrite{ID: op.ID, Err: fmt.Errorf("memstore: unknown id %s", op.ID)})
			continue
		}
		for i, path := range op.ChangedPaths {
			doc.Fields[path] = op.NewValues[i]
		}
		s.docs[op.ID] = doc
		ack.SucceededIDs = append(ack.SucceededIDs, op.ID)
	}
	return ack, nil
}

// CommitInserts implements store.Sink's copy-mode path. It writes docs into
// the same document map the cursor reads from, replacing any document with
// the same ID; there is no separate destination set.
func (s *Store) CommitInserts(_ context.Context, docs []store.Document) (store.Ack, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailNextCommits > 0 {
		s.FailNextCommits--
		return store.Ack{}, fmt.Errorf("memstore: injected commit failure")
	}

	ack := store.Ack{}
	for _, d := range docs {
		if s.FailIDs[d.ID] {
			ack.Failed = append(ack.Failed, store.FailedWrite{ID: d.ID, Err: fmt.Errorf("memstore: injected failure for %s", d.ID)})
			continue
		}
		s.docs[d.ID] = d
		ack.SucceededIDs = append(ack.SucceededIDs, d.ID)
	}
	return ack, nil
}

// Get returns the current state of a document, for test assertions.
func (s *Store) Get(id string) (store.Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	return d, ok
}
