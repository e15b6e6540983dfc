// Package retry provides retry logic with exponential backoff for registry
// operations that can fail transiently (lock contention, busy databases).
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/juju/clock"
	jujuretry "github.com/juju/retry"

	"github.com/kamailio/kamailio-sub007/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts, including the first one
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay caps the delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds ±20% randomness to the delay
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors lists error codes that trigger a retry even when the
	// error itself is not flagged retryable
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// IsRetryable overrides the default classification when set
	IsRetryable func(err error) bool `yaml:"-" json:"-"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`

	// Clock drives the delays. Defaults to the wall clock.
	Clock clock.Clock `yaml:"-" json:"-"`
}

// DefaultConfig returns the configuration used for registry writes.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  4,
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 4
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 20 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.Clock == nil {
		config.Clock = clock.WallClock
	}

	return &Retryer{config: config}
}

// Do executes fn with retry logic
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn with retry logic and context support. The last
// error is returned unwrapped so callers can classify it.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("operation canceled: %w", err)
	}

	var (
		lastErr error
		next    time.Duration
	)
	err := jujuretry.Call(jujuretry.CallArgs{
		Func: func() error {
			lastErr = fn(ctx)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return !r.isRetryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			next = r.calculateDelay(attempt)
			if r.config.OnRetry != nil && attempt < r.config.MaxAttempts {
				r.config.OnRetry(attempt, err, next)
			}
		},
		Attempts: r.config.MaxAttempts,
		Delay:    r.calculateDelay(1),
		BackoffFunc: func(_ time.Duration, attempt int) time.Duration {
			if next > 0 {
				return next
			}
			return r.calculateDelay(attempt)
		},
		MaxDelay: r.config.MaxDelay,
		Clock:    r.config.Clock,
		Stop:     ctx.Done(),
	})
	if err == nil {
		return nil
	}
	// Call wraps the final error; callers classify the one fn returned.
	if lastErr != nil {
		return lastErr
	}
	return err
}

// isRetryable classifies err for another attempt.
func (r *Retryer) isRetryable(err error) bool {
	if r.config.IsRetryable != nil {
		return r.config.IsRetryable(err)
	}

	var e *errors.Error
	if stderr.As(err, &e) {
		if e.Retryable {
			return true
		}
		for _, code := range r.config.RetryableErrors {
			if e.Code == code {
				return true
			}
		}
		return false
	}

	return IsTransient(err)
}

// calculateDelay calculates the delay before retry number attempt
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		jitter := delay * 0.2 * (rand.Float64()*2 - 1)
		delay += jitter
	}

	return time.Duration(delay)
}

// WithMaxAttempts returns a new Retryer with modified max attempts
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	newConfig := r.config
	newConfig.MaxAttempts = attempts
	return New(newConfig)
}

// WithOnRetry returns a new Retryer with a retry callback
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return New(newConfig)
}

// transientMessages are driver error texts that indicate lock contention or
// a dropped connection rather than a logical failure.
var transientMessages = []string{
	"database is locked",
	"database table is locked",
	"database is busy",
	"deadlock found",
	"lock wait timeout exceeded",
	"serialization failure",
	"could not serialize access",
	"bad connection",
}

// IsTransient reports whether err looks like a lock or busy error that a
// later attempt may not hit.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
