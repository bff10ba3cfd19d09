package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryWithBackoffSucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond}, func() error {
		calls++
		if calls < 3 {
			return errors.New("temporary")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetryWithBackoffStopsOnPermanent(t *testing.T) {
	calls := 0
	rejected := errors.New("422 invalid recipient")
	err := RetryWithBackoff(context.Background(), RetryConfig{MaxRetries: 5, InitialBackoff: time.Millisecond}, func() error {
		calls++
		return Permanent{Err: rejected}
	})
	assert.ErrorIs(t, err, rejected)
	assert.Equal(t, 1, calls)
}

func TestRetryWithBackoffHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := RetryWithBackoff(ctx, RetryConfig{MaxRetries: 3, InitialBackoff: time.Millisecond}, func() error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestCircuitBreakerOpensAfterRepeatedFailures(t *testing.T) {
	cb := NewCircuitBreaker("test")
	failing := func() (interface{}, error) { return nil, errors.New("down") }

	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(failing)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.Execute(func() (interface{}, error) { return nil, nil })
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestCircuitBreakerIgnoresPermanentErrors(t *testing.T) {
	cb := NewCircuitBreaker("test")
	rejected := func() (interface{}, error) { return nil, Permanent{Err: errors.New("422")} }

	for i := 0; i < 10; i++ {
		_, err := cb.Execute(rejected)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestRetryWithBackoffStopsOnOpenBreaker(t *testing.T) {
	calls := 0
	err := RetryWithBackoff(context.Background(), RetryConfig{MaxRetries: 4, InitialBackoff: time.Millisecond}, func() error {
		calls++
		return gobreaker.ErrOpenState
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 1, calls)
}
