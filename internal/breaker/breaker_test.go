package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallPassesThroughSuccess(t *testing.T) {
	b := New(Config{ConsecutiveFailures: 5, OpenTimeout: time.Second})

	err := b.Call(context.Background(), func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
}

func TestCallPropagatesUnderlyingError(t *testing.T) {
	b := New(Config{ConsecutiveFailures: 5, OpenTimeout: time.Second})
	boom := errors.New("boom")

	err := b.Call(context.Background(), func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{ConsecutiveFailures: 3, OpenTimeout: time.Minute})
	boom := errors.New("boom")

	for i := 0; i < 3; i++ {
		_ = b.Call(context.Background(), func(ctx context.Context) error {
			return boom
		})
	}

	err := b.Call(context.Background(), func(ctx context.Context) error {
		t.Fatal("fn must not be invoked while the breaker is open")
		return nil
	})
	assert.ErrorIs(t, err, ErrBackendUnavailable)
}
