package vaultclient

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// permanentErr marks an error as non-retryable, mirroring the package's
// policy that 4xx failures are never retried.
type permanentErr struct{ err error }

func (p *permanentErr) Error() string { return p.err.Error() }
func (p *permanentErr) Unwrap() error { return p.err }

func permanent(err error) error {
	return &permanentErr{err: err}
}

// withRetry runs op with bounded exponential backoff per cfg's retry
// settings. RetryCount bounds the total number of attempts, the first one
// included. A permanent error (4xx, NotFound) short-circuits immediately.
func withRetry(ctx context.Context, cfg Config, op func() error) error {
	count := cfg.RetryCount
	if count <= 0 {
		count = 3
	}
	multiplier := cfg.RetryMultiplier
	if multiplier <= 0 {
		multiplier = 1.5
	}
	initialDelay := cfg.RetryInitialDelay
	if initialDelay <= 0 {
		initialDelay = 100 * time.Millisecond
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = initialDelay
	eb.Multiplier = multiplier

	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(count-1)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		var perm *permanentErr
		if errors.As(err, &perm) {
			return backoff.Permanent(perm.err)
		}
		return err
	}, bo)
}
