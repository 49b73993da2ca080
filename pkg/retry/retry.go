// Package retry provides retry logic with exponential backoff for object store calls.
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/objectfs/bucketfs/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxRetries is the number of attempts allowed after the first one
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration `yaml:"base_delay" json:"base_delay"`

	// MaxDelay caps the delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter is the fraction of the delay randomly added or removed (0.2 = ±20%)
	Jitter float64 `yaml:"jitter" json:"jitter"`

	// ThrottleMultiplier stretches the delay after a throttling response
	ThrottleMultiplier float64 `yaml:"throttle_multiplier" json:"throttle_multiplier"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the part transfer retry policy: 3 retries, 100ms base, 5s cap, ±20% jitter.
func DefaultConfig() Config {
	return Config{
		MaxRetries:         3,
		BaseDelay:          100 * time.Millisecond,
		MaxDelay:           5 * time.Second,
		Multiplier:         2.0,
		Jitter:             0.2,
		ThrottleMultiplier: 4.0,
	}
}

// ExhaustedError is returned when every allowed attempt failed with a retryable error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// Attempts returns how many attempts produced err, or 0 when err did not come from exhaustion.
func Attempts(err error) int {
	var ex *ExhaustedError
	if stderr.As(err, &ex) {
		return ex.Attempts
	}
	return 0
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 5 * time.Second
	}
	if config.MaxDelay < config.BaseDelay {
		config.MaxDelay = config.BaseDelay
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.Jitter < 0 || config.Jitter >= 1 {
		config.Jitter = 0
	}
	if config.ThrottleMultiplier < 1 {
		config.ThrottleMultiplier = 1
	}

	return &Retryer{config: config}
}

// Config returns the effective configuration.
func (r *Retryer) Config() Config {
	return r.config
}

// Do executes the given function with retry logic
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn until it succeeds, returns a non-retryable error,
// or MaxRetries retries have been spent.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	maxAttempts := r.config.MaxRetries + 1

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		if !errors.IsRetryable(err) {
			return err
		}
		if attempt >= maxAttempts {
			return &ExhaustedError{Attempts: attempt, Err: err}
		}

		delay := r.Delay(attempt, err)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("operation canceled after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}
}

// Delay returns the wait before retry number attempt (1-based) following err.
func (r *Retryer) Delay(attempt int, err error) time.Duration {
	delay := float64(r.config.BaseDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))

	if errors.IsKind(err, errors.KindThrottled) {
		delay *= r.config.ThrottleMultiplier
	}

	if r.config.Jitter > 0 {
		delay += delay * r.config.Jitter * (rand.Float64()*2 - 1)
	}

	// MaxDelay bounds the jittered delay too.
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	return time.Duration(delay)
}

// WithMaxRetries returns a new Retryer with a different retry cap
func (r *Retryer) WithMaxRetries(retries int) *Retryer {
	newConfig := r.config
	newConfig.MaxRetries = retries
	return New(newConfig)
}

// WithOnRetry returns a new Retryer with a retry callback
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return New(newConfig)
}
