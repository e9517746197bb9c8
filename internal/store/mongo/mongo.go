// Package mongo implements store.Source/store.Sink over MongoDB, grounded
// on spec.md §4.4's stable-key-order contract: sorted _id ascending with
// a `$gt` resume filter, batched via FindOptions.SetBatchSize, and bulk
// writes via BulkWrite for C7's per-batch commits.
package mongo

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"phimask.dev/internal/store"
)

// Store is a store.Source and store.Sink backed by one Mongo collection.
type Store struct {
	client     *mongo.Client
	collection *mongo.Collection
}

// Open connects to uri and binds to (dbName, collectionName).
func Open(ctx context.Context, uri, dbName, collectionName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connecting to %s: %w", uri, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("mongo: pinging %s: %w", uri, err)
	}

	coll := client.Database(dbName).Collection(collectionName)
	return &Store{client: client, collection: coll}, nil
}

// Close disconnects the underlying client.
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Open implements store.Source: a cursor over documents sorted by _id
// ascending, filtered to _id > resumeKey when one is supplied, per
// spec.md §4.4's "if resumed, the first yielded doc has id > resumeKey."
func (s *Store) Open(ctx context.Context, resumeKey any) (store.Cursor, error) {
	filter := bson.M{}
	if resumeKey != nil {
		filter["_id"] = bson.M{"$gt": resumeKey}
	}

	findOpts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetBatchSize(1000)

	cur, err := s.collection.Find(ctx, filter, findOpts)
	if err != nil {
		return nil, fmt.Errorf("mongo: opening find cursor: %w", err)
	}

	return &cursor{raw: cur}, nil
}

type cursor struct {
	raw *mongo.Cursor
}

// Next pulls up to n documents from the underlying mongo.Cursor.
func (c *cursor) Next(ctx context.Context, n int) ([]store.Document, error) {
	docs := make([]store.Document, 0, n)

	for len(docs) < n && c.raw.Next(ctx) {
		var raw bson.M
		if err := c.raw.Decode(&raw); err != nil {
			return nil, fmt.Errorf("mongo: decoding document: %w", err)
		}

		id := fmt.Sprintf("%v", raw["_id"])
		delete(raw, "_id")

		fields := make(map[string]any, len(raw))
		for k, v := range raw {
			fields[k] = v
		}

		docs = append(docs, store.Document{ID: id, Fields: fields})
	}
	if err := c.raw.Err(); err != nil {
		return nil, fmt.Errorf("mongo: iterating cursor: %w", err)
	}

	return docs, nil
}

// Close releases the underlying mongo.Cursor.
func (c *cursor) Close(ctx context.Context) error {
	return c.raw.Close(ctx)
}

// CommitUpdates issues one BulkWrite of $set updates keyed by _id. A
// per-document BulkWriteException entry is surfaced as a FailedWrite so
// the scheduler can route it through the solo-retry path.
func (s *Store) CommitUpdates(ctx context.Context, ops []store.UpdateOp) (store.Ack, error) {
	if len(ops) == 0 {
		return store.Ack{}, nil
	}

	models := make([]mongo.WriteModel, 0, len(ops))
	for _, op := range ops {
		set := bson.M{}
		for i, path := range op.ChangedPaths {
			set[path] = op.NewValues[i]
		}
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.M{"_id": op.ID}).
			SetUpdate(bson.M{"$set": set}))
	}

	result, err := s.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return s.ackFromBulkResult(ops, result, err)
}

// CommitInserts issues bulk inserts for copy mode.
func (s *Store) CommitInserts(ctx context.Context, docs []store.Document) (store.Ack, error) {
	if len(docs) == 0 {
		return store.Ack{}, nil
	}

	models := make([]mongo.WriteModel, 0, len(docs))
	ops := make([]store.UpdateOp, 0, len(docs))
	for _, d := range docs {
		doc := bson.M{"_id": d.ID}
		for k, v := range d.Fields {
			doc[k] = v
		}
		models = append(models, mongo.NewInsertOneModel().SetDocument(doc))
		ops = append(ops, store.UpdateOp{ID: d.ID})
	}

	result, err := s.collection.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	return s.ackFromBulkResult(ops, result, err)
}

func (s *Store) ackFromBulkResult(ops []store.UpdateOp, result *mongo.BulkWriteResult, err error) (store.Ack, error) {
	ack := store.Ack{}

	failed := make(map[int]error)
	var bwErr mongo.BulkWriteException
	if err != nil {
		if isBulkWriteException(err, &bwErr) {
			for _, we := range bwErr.WriteErrors {
				failed[we.Index] = we.WriteError
			}
		} else {
			return store.Ack{}, fmt.Errorf("mongo: bulk write: %w", err)
		}
	}
	_ = result

	for i, op := range ops {
		if writeErr, ok := failed[i]; ok {
			ack.Failed = append(ack.Failed, store.FailedWrite{ID: op.ID, Err: writeErr})
			continue
		}
		ack.SucceededIDs = append(ack.SucceededIDs, op.ID)
	}
	return ack, nil
}

func isBulkWriteException(err error, target *mongo.BulkWriteException) bool {
	if bwe, ok := err.(mongo.BulkWriteException); ok {
		*target = bwe
		return true
	}
	return false
}
