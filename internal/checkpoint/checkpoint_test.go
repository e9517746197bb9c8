package checkpoint

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_LoadMissingReturnsNil(t *testing.T) {
	s := openTestStore(t)
	cp, err := s.Load("patients", "run-1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestStore_SaveThenLoadRoundTrips(t *testing.T) {
	s := openTestStore(t)
	want := Checkpoint{
		CollectionName: "patients",
		LastKey:        "abc123",
		Count:          42,
		AttemptNumber:  1,
		Done:           false,
		CreatedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Save("run-1", want))

	got, err := s.Load("patients", "run-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, want.LastKey, got.LastKey)
	assert.Equal(t, want.Count, got.Count)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
}

func TestStore_DistinctRunIDsAreIndependent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save("run-1", Checkpoint{CollectionName: "patients", Count: 10}))
	require.NoError(t, s.Save("run-2", Checkpoint{CollectionName: "patients", Count: 20}))

	cp1, err := s.Load("patients", "run-1")
	require.NoError(t, err)
	cp2, err := s.Load("patients", "run-2")
	require.NoError(t, err)

	assert.Equal(t, 10, cp1.Count)
	assert.Equal(t, 20, cp2.Count)
}

func TestStore_ResetDeletesCheckpoint(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save("run-1", Checkpoint{CollectionName: "patients", Count: 10}))
	require.NoError(t, s.Reset("patients", "run-1"))

	cp, err := s.Load("patients", "run-1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestStore_CheckRunnable_RefusesCompletedRun(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save("run-1", Checkpoint{CollectionName: "patients", Done: true}))

	err := s.CheckRunnable("patients", "run-1")
	assert.Error(t, err)
}

func TestStore_CheckRunnable_AllowsFreshRun(t *testing.T) {
	s := openTestStore(t)
	assert.NoError(t, s.CheckRunnable("patients", "run-1"))
}

func TestStore_CheckRunnable_AllowsResumingIncompleteRun(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Save("run-1", Checkpoint{CollectionName: "patients", Done: false}))
	assert.NoError(t, s.CheckRunnable("patients", "run-1"))
}
