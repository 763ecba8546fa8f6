// Package breaker wraps the single shared circuit breaker that guards
// every outbound call from the inference worker to the model backend.
//
// Unlike a per-provider breaker keyed by destination, this gateway fronts
// one backend, so one breaker instance is shared by all worker goroutines
// in a replica. It trips after a run of consecutive failures and, once
// open, rejects calls immediately until its timeout elapses and a single
// probe request is allowed through.
package breaker

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrBackendUnavailable is returned in place of the backend's own error
// when the breaker is open and rejects a call outright.
var ErrBackendUnavailable = errors.New("vLLM service is unavailable.")

// Breaker guards calls to the model backend.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// Config controls breaker trip and recovery thresholds.
type Config struct {
	// ConsecutiveFailures is the number of consecutive failures that trips
	// the breaker open.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before allowing a
	// single probe request through.
	OpenTimeout time.Duration
}

// New builds a Breaker from cfg.
func New(cfg Config) *Breaker {
	settings := gobreaker.Settings{
		Name:        "model-backend",
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Call executes fn through the breaker. If the breaker is open, fn is never
// invoked and ErrBackendUnavailable is returned instead. Any error
// returned by fn itself counts as a failure toward tripping the breaker.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrBackendUnavailable
	}
	return err
}

// State reports the breaker's current state, for metrics and health checks.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
