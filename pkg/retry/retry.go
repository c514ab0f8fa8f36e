// Package retry provides retry logic with exponential backoff for the
// retryable units of a recipe run (input fetches and chunk writes).
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/chunkforge/chunkforge/pkg/errors"
)

// Config defines retry behavior.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the backoff growth factor.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds ±20% randomness to each delay to avoid thundering
	// herds of parallel workers.
	Jitter bool `yaml:"jitter" json:"jitter"`

	// OnRetry is called before each retry attempt.
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns a sensible default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer executes functions with exponential backoff. Only errors the
// error system marks retryable are retried; structural failures (pattern,
// scan, schema) surface immediately.
type Retryer struct {
	config Config
}

// New creates a Retryer, applying defaults for zero values.
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	return &Retryer{config: config}
}

// Do executes fn with retry logic and no cancellation.
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn with retry logic, honoring ctx cancellation
// both between attempts and during backoff waits.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errors.IsRetryable(err) || attempt >= r.config.MaxAttempts {
			break
		}

		delay := r.calculateDelay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled after %d attempts: %w", attempt, ctx.Err())
		case <-time.After(delay):
		}
	}

	if errors.IsRetryable(lastErr) {
		return errors.Wrap(errors.ErrCodeRetryExhausted,
			fmt.Sprintf("gave up after %d attempts", r.config.MaxAttempts), lastErr)
	}
	return lastErr
}

// calculateDelay computes the backoff delay for the given attempt.
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}
	if r.config.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}

// WithMaxAttempts returns a new Retryer with modified max attempts.
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	cfg := r.config
	cfg.MaxAttempts = attempts
	return New(cfg)
}

// WithOnRetry returns a new Retryer with a retry callback.
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	cfg := r.config
	cfg.OnRetry = callback
	return New(cfg)
}
