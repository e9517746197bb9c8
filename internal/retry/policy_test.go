package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_Do_SucceedsAfterTransientFailures(t *testing.T) {
	policy := Policy{BaseDelay: time.Millisecond, Factor: 2, MaxAttempts: 5, Jitter: 0}
	attempts := 0

	err := policy.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPolicy_Do_StopsAfterMaxAttempts(t *testing.T) {
	policy := Policy{BaseDelay: time.Millisecond, Factor: 2, MaxAttempts: 3, Jitter: 0}
	attempts := 0

	err := policy.Do(context.Background(), func() error {
		attempts++
		return errors.New("always fails")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestPolicy_Do_PermanentErrorStopsImmediately(t *testing.T) {
	policy := Policy{BaseDelay: time.Millisecond, Factor: 2, MaxAttempts: 5, Jitter: 0}
	attempts := 0

	err := policy.Do(context.Background(), func() error {
		attempts++
		return Fatal(errors.New("auth failed"))
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestPolicy_Do_RespectsContextCancellation(t *testing.T) {
	policy := Policy{BaseDelay: 50 * time.Millisecond, Factor: 2, MaxAttempts: 10, Jitter: 0}
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := policy.Do(ctx, func() error {
		attempts++
		return errors.New("always fails")
	})

	assert.Error(t, err)
}
