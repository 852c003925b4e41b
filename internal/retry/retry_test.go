package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("flaky")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoExhaustsBudget(t *testing.T) {
	attempts := 0
	boom := errors.New("boom")
	err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts)
}

func TestDoPermanentStopsImmediately(t *testing.T) {
	attempts := 0
	boom := errors.New("bad request")
	err := fastPolicy().Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return NoRetry(boom)
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, attempts)
}

func TestDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Policy{MaxAttempts: 10, BaseDelay: 50 * time.Millisecond}.Do(ctx, func(ctx context.Context) error {
		attempts++
		cancel()
		return errors.New("flaky")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestNoRetryNil(t *testing.T) {
	assert.NoError(t, NoRetry(nil))
}
