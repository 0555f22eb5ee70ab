package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kgerg2/backup/internal/config"
)

func testBudget(maxRetries int) config.RetryConfig {
	return config.RetryConfig{
		MaxRetryCount: maxRetries,
		RetryExpiry:   config.Duration(time.Hour),
		RetryDelay:    config.Duration(time.Millisecond),
	}
}

func TestRetryOnErrorCleanStop(t *testing.T) {
	calls := 0
	err := retryOnError(context.Background(), "w", testBudget(3), func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryOnErrorRecovers(t *testing.T) {
	calls := 0
	err := retryOnError(context.Background(), "w", testBudget(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryOnErrorBudgetSpent(t *testing.T) {
	calls := 0
	err := retryOnError(context.Background(), "w", testBudget(2), func(ctx context.Context) error {
		calls++
		return errors.New("persistent")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure budget spent")
	assert.Equal(t, 3, calls, "two restarts, then the third failure gives up")
}

func TestRetryOnErrorCancellationPassesThrough(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := retryOnError(ctx, "w", testBudget(3), func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
}
