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

func TestWorkerErrorSurfacesInStatus(t *testing.T) {
	s := controlSupervisor(t)
	s.runCtx = context.Background()
	s.failures = newFailureWindow(time.Hour)
	s.cfg.Failures = config.FailureConfig{MaxPerHour: 100, MaxPerDay: 100}
	s.cfg.Retry = config.RetryConfig{
		MaxRetryCount: 0,
		RetryExpiry:   config.Duration(time.Hour),
		RetryDelay:    config.Duration(time.Millisecond),
	}

	s.register("doomed", func(ctx context.Context) error { return errors.New("listener gave up") })
	require.NoError(t, s.StartWorker("doomed"))

	// Status is polled while the worker winds down; once it is no longer
	// running its error must already be visible.
	deadline := time.After(5 * time.Second)
	for {
		st, err := s.workerStatus("doomed")
		require.NoError(t, err)
		if !st.Running {
			assert.Contains(t, st.Error, "listener gave up")
			return
		}
		select {
		case <-deadline:
			t.Fatal("worker never stopped")
		case <-time.After(time.Millisecond):
		}
	}
}
