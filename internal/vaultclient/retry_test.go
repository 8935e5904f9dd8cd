package vaultclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	cfg := Config{RetryCount: 3, RetryMultiplier: 1.5, RetryInitialDelay: time.Millisecond}
	attempts := 0

	err := withRetry(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_PermanentErrorShortCircuits(t *testing.T) {
	cfg := Config{RetryCount: 3, RetryMultiplier: 1.5, RetryInitialDelay: time.Millisecond}
	attempts := 0
	sentinel := errors.New("not found")

	err := withRetry(context.Background(), cfg, func() error {
		attempts++
		return permanent(sentinel)
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.ErrorIs(t, err, sentinel)
}

func TestWithRetry_ExhaustsBudget(t *testing.T) {
	cfg := Config{RetryCount: 2, RetryMultiplier: 1.5, RetryInitialDelay: time.Millisecond}
	attempts := 0

	err := withRetry(context.Background(), cfg, func() error {
		attempts++
		return errors.New("still failing")
	})

	require.Error(t, err)
	assert.Equal(t, 2, attempts) // RetryCount bounds the total attempts
}

func TestWithRetry_DefaultsAppliedWhenUnset(t *testing.T) {
	attempts := 0
	err := withRetry(context.Background(), Config{}, func() error {
		attempts++
		return errors.New("fail")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts) // default count = 3 attempts in total
}
