// Package checkpoint implements the Checkpoint Store (C8): durable
// progress tracking so a run can resume after a crash or a deliberate
// cancellation. Grounded on the teacher's db/bolt/bolt.go wrapper
// (PutJSON/GetJSON bucket-per-namespace), generalized from a generic KV
// helper to one Checkpoint record per (collectionName, runID) key. bbolt's
// mmap+fsync commit inside db.Update gives the atomic durability spec.md
// §4.8 describes generically as "temp file, then rename" — no separate
// temp-file dance is needed on top of it.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketName = "checkpoints"

// Checkpoint is the data-model Checkpoint (CP): one record per run.
type Checkpoint struct {
	CollectionName string    `json:"collection"`
	LastKey        any       `json:"lastKey"`
	Count          int       `json:"count"`
	AttemptNumber  int       `json:"attemptNumber"`
	Done           bool      `json:"done"`
	CreatedAt      time.Time `json:"ts"`
}

// key derives the bbolt key spec.md §4.8 describes as a path "derived from
// (collectionName, runId)".
func key(collectionName, runID string) []byte {
	return []byte(collectionName + "/" + runID)
}

// Store persists Checkpoints in a single bbolt file, one bucket holding
// every (collection, run) key this installation has ever seen.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures the
// checkpoint bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: opening %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint: creating bucket: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying bbolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

// Load returns the Checkpoint for (collectionName, runID), or (nil, nil)
// if none exists yet — spec.md §4.8's "missing or malformed CP is treated
// as start from the beginning".
func (s *Store) Load(collectionName, runID string) (*Checkpoint, error) {
	var cp *Checkpoint

	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		data := b.Get(key(collectionName, runID))
		if data == nil {
			return nil
		}

		var parsed Checkpoint
		if err := json.Unmarshal(data, &parsed); err != nil {
			// Malformed checkpoint: treated as absent, not as an error.
			return nil
		}
		cp = &parsed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: loading %s/%s: %w", collectionName, runID, err)
	}
	return cp, nil
}

// Save durably writes cp, replacing any previous checkpoint for the same
// (CollectionName, runID).
func (s *Store) Save(runID string, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshaling: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Put(key(cp.CollectionName, runID), data)
	})
	if err != nil {
		return fmt.Errorf("checkpoint: saving %s/%s: %w", cp.CollectionName, runID, err)
	}
	return nil
}

// Reset deletes any existing checkpoint for (collectionName, runID),
// implementing the CLI's --reset flag.
func (s *Store) Reset(collectionName, runID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketName))
		return b.Delete(key(collectionName, runID))
	})
	if err != nil {
		return fmt.Errorf("checkpoint: resetting %s/%s: %w", collectionName, runID, err)
	}
	return nil
}

// CheckRunnable refuses to re-run a run that already finished, per
// spec.md §4.8: "a subsequent invocation with the same runId refuses to
// re-run unless --reset is passed." reset should already have been applied
// by the caller before CheckRunnable is consulted.
func (s *Store) CheckRunnable(collectionName, runID string) error {
	cp, err := s.Load(collectionName, runID)
	if err != nil {
		return err
	}
	if cp != nil && cp.Done {
		return fmt.Errorf("checkpoint: run %q for collection %q already completed; pass --reset to rerun", runID, collectionName)
	}
	return nil
}
