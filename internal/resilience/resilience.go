// Package resilience provides retry and circuit breaker helpers for the
// platform's outbound integrations:
//   - Retry with exponential backoff and jitter
//   - Circuit breaker with consecutive-failure tripping
//   - Context cancellation handling
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/sony/gobreaker"
)

var (
	// ErrCircuitOpen indicates the circuit breaker is open.
	ErrCircuitOpen = gobreaker.ErrOpenState
	// ErrExhaustedRetries indicates retry attempts were exhausted.
	ErrExhaustedRetries = errors.New("retry attempts exhausted")
	// ErrPermanent marks failures that retrying cannot fix.
	ErrPermanent = errors.New("permanent failure")
)

// CircuitBreaker wraps gobreaker with a per-call timeout.
type CircuitBreaker struct {
	name    string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
}

// CircuitBreakerConfig holds configuration for a circuit breaker.
type CircuitBreakerConfig struct {
	Name          string
	MaxFailures   int
	Timeout       time.Duration
	ResetInterval time.Duration
	OnStateChange func(name string, from, to gobreaker.State)
}

// NewCircuitBreaker creates a circuit breaker that trips after
// MaxFailures consecutive failures and probes again after ResetInterval.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = 60 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Interval:    cfg.ResetInterval,
		Timeout:     cfg.ResetInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures)
		},
	}

	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(name, from, to)
			slog.Info("Circuit breaker state changed",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
		}
	}

	return &CircuitBreaker{
		name:    cfg.Name,
		timeout: cfg.Timeout,
		cb:      gobreaker.NewCircuitBreaker(settings),
	}
}

// Execute runs an operation through the circuit breaker, adding a timeout
// when the caller's context has no deadline.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation func(context.Context) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.timeout)
		defer cancel()
	}

	_, err := cb.cb.Execute(func() (interface{}, error) {
		return nil, operation(ctx)
	})
	return err
}

// Permanent wraps err so WithRetry returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// RetryConfig holds configuration for retry operations.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	RandomFactor    float64
}

// DefaultRetryConfig returns a default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2.0,
		RandomFactor:    0.2,
	}
}

// WithRetry executes an operation with exponential backoff and jitter.
// It stops early when the context is cancelled or the circuit is open.
func WithRetry(ctx context.Context, operation func(context.Context) error, cfg RetryConfig) error {
	var lastErr error
	interval := cfg.InitialInterval
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := operation(ctx)
		if err == nil {
			return nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("retry abandoned: %w", ctx.Err())
		}

		if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrPermanent) {
			return err
		}

		if attempt < cfg.MaxAttempts {
			jitter := 1.0 + (cfg.RandomFactor * (2*rnd.Float64() - 1))
			interval = time.Duration(float64(interval) * cfg.Multiplier * jitter)
			if interval > cfg.MaxInterval {
				interval = cfg.MaxInterval
			}

			slog.Debug("Operation failed, retrying",
				"attempt", attempt,
				"max_attempts", cfg.MaxAttempts,
				"next_interval", interval,
				"error", err,
			)

			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("retry abandoned: %w", ctx.Err())
			case <-timer.C:
			}
		}
	}

	return fmt.Errorf("%w after %d attempts: %v",
		ErrExhaustedRetries,
		cfg.MaxAttempts,
		lastErr)
}
