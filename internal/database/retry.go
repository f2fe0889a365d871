package database

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const connectBackoff = 500 * time.Millisecond

// connectWithRetry runs connect up to attempts times with doubling
// backoff. Backends started alongside the service are often not
// accepting connections on the first try.
func connectWithRetry(ctx context.Context, backend string, attempts int, logger *zap.Logger, connect func(context.Context) error) error {
	if attempts < 1 {
		attempts = 1
	}

	wait := connectBackoff
	var err error
	for i := 1; i <= attempts; i++ {
		if err = connect(ctx); err == nil {
			return nil
		}
		if i == attempts {
			break
		}

		logger.Warn("backend not ready, retrying",
			zap.String("backend", backend),
			zap.Int("attempt", i),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}
