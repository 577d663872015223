package ratelimit

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/iv-ingestion/ingest/log"
)

// BreakerOptions tune the circuit around a backend.
type BreakerOptions struct {
	Name string
	// Failures is the consecutive-failure count that opens the circuit.
	Failures uint32
	// Cooldown is how long the circuit stays open before a probe.
	Cooldown time.Duration
	Logger   *log.Logger
}

// Breaker shields the limiter from a struggling backend: after enough
// consecutive failures, Admit short-circuits with ErrOpenState and the
// limiter resolves queries through its fail mode without waiting on
// backend timeouts.
type Breaker struct {
	backend Backend
	cb      *gobreaker.CircuitBreaker
}

// NewBreaker wraps backend in a circuit breaker.
func NewBreaker(backend Backend, opts BreakerOptions) *Breaker {
	if opts.Name == "" {
		opts.Name = "ratelimit"
	}
	if opts.Failures == 0 {
		opts.Failures = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	logger = logger.Named("breaker")

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    opts.Name,
		Timeout: opts.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= opts.Failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit state changed", map[string]any{
				"name": name,
				"from": from.String(),
				"to":   to.String(),
			})
		},
	})
	return &Breaker{backend: backend, cb: cb}
}

// Admit implements Backend.
func (b *Breaker) Admit(ctx context.Context, key string, limit int, window time.Duration, now time.Time) (Decision, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.backend.Admit(ctx, key, limit, window, now)
	})
	if err != nil {
		return Decision{}, err
	}
	return v.(Decision), nil
}
