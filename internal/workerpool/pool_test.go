package workerpool

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phimask.dev/internal/rules"
	"phimask.dev/internal/store"
)

func TestPool_Submit_MasksDocsAndReturnsUpdates(t *testing.T) {
	ruleSet := &rules.RuleSet{
		Rules: []rules.Rule{{Path: "name", Type: rules.TypeGivenName}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := New(ctx, "run-1", ruleSet, 2)
	defer pool.Stop()

	batch := Batch{
		BatchID: "b1",
		Docs: []store.Document{
			{ID: "1", Fields: map[string]any{"name": "Alice"}},
			{ID: "2", Fields: map[string]any{"name": "Bob"}},
		},
	}

	result := <-pool.Submit(ctx, batch)

	assert.Equal(t, "b1", result.BatchID)
	require.Len(t, result.Updates, 2)
	require.Len(t, result.Docs, 2)
	assert.Empty(t, result.Fails)
	for _, op := range result.Updates {
		assert.Equal(t, []string{"name"}, op.ChangedPaths)
	}
}

func TestPool_Submit_SkipsNoOpUpdates(t *testing.T) {
	ruleSet := &rules.RuleSet{
		Rules: []rules.Rule{{Path: "status", Type: rules.TypeLiteral, Options: rules.Options{Value: "active"}}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := New(ctx, "run-1", ruleSet, 1)
	defer pool.Stop()

	batch := Batch{
		BatchID: "b1",
		Docs:    []store.Document{{ID: "1", Fields: map[string]any{"status": "active"}}},
	}

	result := <-pool.Submit(ctx, batch)
	assert.Empty(t, result.Updates, "a no-op rule must not produce an UpdateOp")
}

func TestPool_MultipleBatchesProcessConcurrently(t *testing.T) {
	ruleSet := &rules.RuleSet{Rules: []rules.Rule{{Path: "name", Type: rules.TypeGivenName}}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool := New(ctx, "run-1", ruleSet, 4)
	defer pool.Stop()

	var chans []<-chan Result
	for i := 0; i < 8; i++ {
		batch := Batch{
			BatchID: string(rune('a' + i)),
			Docs:    []store.Document{{ID: string(rune('a' + i)), Fields: map[string]any{"name": "X"}}},
		}
		chans = append(chans, pool.Submit(ctx, batch))
	}

	for _, ch := range chans {
		result := <-ch
		require.Len(t, result.Updates, 1)
	}
}
