package memstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phimask.dev/internal/store"
)

func seedDocs() []store.Document {
	return []store.Document{
		{ID: "1", Fields: map[string]any{"name": "a"}},
		{ID: "2", Fields: map[string]any{"name": "b"}},
		{ID: "3", Fields: map[string]any{"name": "c"}},
	}
}

func TestCursor_IteratesInIDOrder(t *testing.T) {
	s := New(seedDocs())
	ctx := context.Background()
	cur, err := s.Open(ctx, nil)
	require.NoError(t, err)
	defer cur.Close(ctx)

	batch, err := cur.Next(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "1", batch[0].ID)
	assert.Equal(t, "2", batch[1].ID)

	batch, err = cur.Next(ctx, 2)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "3", batch[0].ID)

	batch, err = cur.Next(ctx, 2)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestCursor_ResumesAfterKey(t *testing.T) {
	s := New(seedDocs())
	ctx := context.Background()
	cur, err := s.Open(ctx, "1")
	require.NoError(t, err)
	defer cur.Close(ctx)

	batch, err := cur.Next(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "2", batch[0].ID)
	assert.Equal(t, "3", batch[1].ID)
}

func TestCommitUpdates_AppliesChangedPaths(t *testing.T) {
	s := New(seedDocs())
	ack, err := s.CommitUpdates(context.Background(), []store.UpdateOp{
		{ID: "1", ChangedPaths: []string{"name"}, NewValues: []any{"masked"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ack.SucceededIDs)

	doc, ok := s.Get("1")
	require.True(t, ok)
	assert.Equal(t, "masked", doc.Fields["name"])
}

func TestCommitUpdates_PerIDFailureInjection(t *testing.T) {
	s := New(seedDocs())
	s.FailIDs = map[string]bool{"2": true}

	ack, err := s.CommitUpdates(context.Background(), []store.UpdateOp{
		{ID: "1", ChangedPaths: []string{"name"}, NewValues: []any{"x"}},
		{ID: "2", ChangedPaths: []string{"name"}, NewValues: []any{"y"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ack.SucceededIDs)
	require.Len(t, ack.Failed, 1)
	assert.Equal(t, "2", ack.Failed[0].ID)
}

func TestCommitUpdates_BlanketFailureInjection(t *testing.T) {
	s := New(seedDocs())
	s.FailNextCommits = 1

	_, err := s.CommitUpdates(context.Background(), []store.UpdateOp{
		{ID: "1", ChangedPaths: []string{"name"}, NewValues: []any{"x"}},
	})
	assert.Error(t, err)

	ack, err := s.CommitUpdates(context.Background(), []store.UpdateOp{
		{ID: "1", ChangedPaths: []string{"name"}, NewValues: []any{"x"}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, ack.SucceededIDs)
}
