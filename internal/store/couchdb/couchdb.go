// Package couchdb adapts the teacher's db/couchdb.go/db/couchdb_changes.go
// Kivik-based access pattern into a pull-based store.Source/store.Sink:
// _all_docs view pagination keyed by startkey/docid, rewritten from the
// teacher's push-callback ListenChanges into Cursor.Next(n), since C4's
// contract is "pull a page", not "react to a feed".
package couchdb

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"

	"phimask.dev/internal/store"
)

// Store is a store.Source and store.Sink backed by one CouchDB database.
type Store struct {
	client *kivik.Client
	db     *kivik.DB
}

// Open connects to uri and binds to database dbName, creating it if
// absent, mirroring the teacher's CreateIfMissing config option.
func Open(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := kivik.New("couch", uri)
	if err != nil {
		return nil, fmt.Errorf("couchdb: connecting to %s: %w", uri, err)
	}

	exists, err := client.DBExists(ctx, dbName)
	if err != nil {
		return nil, fmt.Errorf("couchdb: checking database %s: %w", dbName, err)
	}
	if !exists {
		if err := client.CreateDB(ctx, dbName); err != nil {
			return nil, fmt.Errorf("couchdb: creating database %s: %w", dbName, err)
		}
	}

	return &Store{client: client, db: client.DB(dbName)}, nil
}

// Close releases the underlying Kivik client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Open implements store.Source: it returns a Cursor that pages through
// _all_docs in ascending _id order, starting just past resumeKey when one
// is supplied.
func (s *Store) Open(ctx context.Context, resumeKey any) (store.Cursor, error) {
	startKey, _ := resumeKey.(string)
	return &cursor{db: s.db, startKey: startKey}, nil
}

type cursor struct {
	db       *kivik.DB
	startKey string
	done     bool
}

// Next pulls up to n documents in ascending _id order, resuming from just
// past the last id it returned.
func (c *cursor) Next(ctx context.Context, n int) ([]store.Document, error) {
	if c.done {
		return nil, nil
	}

	opts := kivik.Params(map[string]interface{}{
		"include_docs": true,
		"limit":        n + 1, // +1 so we can detect whether startkey itself reappears
	})
	if c.startKey != "" {
		opts = kivik.Params(map[string]interface{}{
			"include_docs": true,
			"limit":        n + 1,
			"startkey":     fmt.Sprintf("%q", c.startKey),
		})
	}

	rows := c.db.AllDocs(ctx, opts)
	defer rows.Close()

	docs := make([]store.Document, 0, n)
	for rows.Next() {
		id := rows.ID()
		if id == c.startKey {
			continue
		}

		var fields map[string]any
		if err := rows.ScanDoc(&fields); err != nil {
			return nil, fmt.Errorf("couchdb: scanning doc %s: %w", id, err)
		}
		delete(fields, "_id")
		delete(fields, "_rev")

		docs = append(docs, store.Document{ID: id, Fields: fields})
		if len(docs) == n {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("couchdb: iterating _all_docs: %w", err)
	}

	if len(docs) < n {
		c.done = true
	}
	if len(docs) > 0 {
		c.startKey = docs[len(docs)-1].ID
	}

	return docs, nil
}

// Close is a no-op: the underlying *kivik.DB handle is owned by Store.
func (c *cursor) Close(ctx context.Context) error {
	return nil
}

// CommitUpdates issues one bulk update per batch keyed by id, following
// the teacher's BulkSaveDocuments pattern. A document not present in the
// result set, or present with an error, is reported as a FailedWrite so
// the scheduler can route it through the solo-retry path.
func (s *Store) CommitUpdates(ctx context.Context, ops []store.UpdateOp) (store.Ack, error) {
	if len(ops) == 0 {
		return store.Ack{}, nil
	}

	docs := make([]interface{}, 0, len(ops))
	for _, op := range ops {
		fields, err := s.fetchCurrentFields(ctx, op.ID)
		if err != nil {
			return store.Ack{}, err
		}
		for i, path := range op.ChangedPaths {
			setNestedPath(fields, path, op.NewValues[i])
		}
		fields["_id"] = op.ID
		docs = append(docs, fields)
	}

	return s.bulkDocs(ctx, docs, ops)
}

// CommitInserts issues bulk inserts for copy mode.
func (s *Store) CommitInserts(ctx context.Context, docs []store.Document) (store.Ack, error) {
	if len(docs) == 0 {
		return store.Ack{}, nil
	}

	payload := make([]interface{}, 0, len(docs))
	ops := make([]store.UpdateOp, 0, len(docs))
	for _, d := range docs {
		fields := make(map[string]any, len(d.Fields)+1)
		for k, v := range d.Fields {
			fields[k] = v
		}
		fields["_id"] = d.ID
		payload = append(payload, fields)
		ops = append(ops, store.UpdateOp{ID: d.ID})
	}

	return s.bulkDocs(ctx, payload, ops)
}

func (s *Store) bulkDocs(ctx context.Context, docs []interface{}, ops []store.UpdateOp) (store.Ack, error) {
	results, err := s.db.BulkDocs(ctx, docs)
	if err != nil {
		if kivik.HTTPStatus(err) != 0 {
			return store.Ack{}, fmt.Errorf("couchdb: bulk write failed with status %d: %w", kivik.HTTPStatus(err), err)
		}
		return store.Ack{}, fmt.Errorf("couchdb: bulk write: %w", err)
	}

	ack := store.Ack{}
	for i, res := range results {
		id := ops[i].ID
		if res.Error != nil {
			ack.Failed = append(ack.Failed, store.FailedWrite{ID: id, Err: res.Error})
			continue
		}
		ack.SucceededIDs = append(ack.SucceededIDs, id)
	}
	for i := len(results); i < len(ops); i++ {
		ack.Failed = append(ack.Failed, store.FailedWrite{ID: ops[i].ID, Err: fmt.Errorf("couchdb: no bulk result for %s", ops[i].ID)})
	}
	return ack, nil
}

// setNestedPath writes value at the location path names inside fields,
// walking dotted segments and numeric array indices the way
// internal/transform resolves a rule path, except every segment here is
// already concrete: by the time a ChangedPaths entry reaches the sink, C3
// has expanded any [*] wildcard to the literal index it matched, so this
// never needs to handle wildcard segments itself. Unlike a flat
// fields[path] = value assignment, this keeps the write at the real nested
// location instead of creating a spurious top-level key literally named
// "address.street", which is what MongoDB's CommitUpdates gets for free
// from $set's native dotted-path support and CouchDB does not. A missing
// intermediate segment or an out-of-range array index is a no-op, not a
// fabricated field: fields was just fetched fresh for this same id, so a
// path C3 resolved against the masked copy should already exist here too.
func setNestedPath(fields map[string]any, path string, value any) {
	segs := strings.Split(path, ".")
	var container any = fields
	for i, seg := range segs {
		last := i == len(segs)-1

		if idx, err := strconv.Atoi(seg); err == nil {
			arr, ok := container.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return
			}
			if last {
				arr[idx] = value
				return
			}
			container = arr[idx]
			continue
		}

		m, ok := container.(map[string]any)
		if !ok {
			return
		}
		if last {
			m[seg] = value
			return
		}
		next, present := m[seg]
		if !present {
			return
		}
		container = next
	}
}

// fetchCurrentFields retrieves the full document (fields only, metadata
// stripped) so a changed-paths-only UpdateOp can be merged onto it before
// a bulk write, since CouchDB documents are written whole, not patched.
func (s *Store) fetchCurrentFields(ctx context.Context, id string) (map[string]any, error) {
	var fields map[string]any
	row := s.db.Get(ctx, id)
	if err := row.ScanDoc(&fields); err != nil {
		return nil, fmt.Errorf("couchdb: fetching current doc %s: %w", id, err)
	}
	return fields, nil
}
