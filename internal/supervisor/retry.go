package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kgerg2/backup/internal/config"
)

// retryOnError keeps a worker body running, restarting it after failures
// until the sliding failure budget is spent. A nil return from fn is a clean
// stop; context cancellation passes through.
func retryOnError(ctx context.Context, name string, budget config.RetryConfig, fn func(ctx context.Context) error) error {
	window := newFailureWindow(budget.RetryExpiry.D())
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return ctx.Err()
		}

		n := window.Record()
		slog.Error("worker failed", "worker", name, "failures", n, "error", err)
		if n > budget.MaxRetryCount {
			return fmt.Errorf("worker %s: failure budget spent (%d in %s): %w",
				name, n, budget.RetryExpiry.D(), err)
		}
		if serr := sleepCtx(ctx, budget.RetryDelay.D()); serr != nil {
			return serr
		}
		slog.Info("worker restarting", "worker", name, "failures", n)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
