package governance

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrStepTimeout is returned when a step exceeds its timeout.
var ErrStepTimeout = errors.New("step timeout exceeded")

// RetryConfig defines retry behavior for pipeline steps.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts (0 = no retries).
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff is the maximum delay between retries.
	MaxBackoff time.Duration
	// BackoffMultiplier is the factor by which backoff increases. 1.0 keeps the delay fixed.
	BackoffMultiplier float64
	// Jitter adds up to 25% randomness to each delay.
	Jitter bool
}

// DefaultRetryConfig returns the uniform step policy: three retries five minutes apart.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    5 * time.Minute,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 1.0,
	}
}

// TimeoutConfig defines timeout behavior for runs.
type TimeoutConfig struct {
	// StepTimeout bounds a single attempt of a single step (0 = unbounded).
	StepTimeout time.Duration
	// RunTimeout bounds a whole run including retries (0 = unbounded).
	RunTimeout time.Duration
}

// RetryPolicy determines if and when a failed step should be retried.
type RetryPolicy struct {
	config RetryConfig
}

// NewRetryPolicy creates a retry policy with the given configuration.
func NewRetryPolicy(config RetryConfig) *RetryPolicy {
	if config.InitialBackoff < 0 {
		config.InitialBackoff = 0
	}
	if config.MaxBackoff < config.InitialBackoff {
		config.MaxBackoff = config.InitialBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 1.0
	}

	return &RetryPolicy{config: config}
}

// Config returns a copy of the current retry configuration.
func (rp *RetryPolicy) Config() RetryConfig {
	return rp.config
}

// ShouldRetry reports whether attempt (zero-based) may be followed by another one.
func (rp *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if rp == nil || attempt >= rp.config.MaxRetries {
		return false
	}
	return IsRetryableError(err)
}

// CalculateBackoff returns the delay before the next retry attempt.
func (rp *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := time.Duration(float64(rp.config.InitialBackoff) * math.Pow(rp.config.BackoffMultiplier, float64(attempt)))

	if backoff > rp.config.MaxBackoff {
		backoff = rp.config.MaxBackoff
	}

	if rp.config.Jitter && backoff >= 4 {
		// #nosec G404 - Non-cryptographic random is acceptable for jitter
		jitter := time.Duration(rand.Int63n(int64(backoff / 4)))
		backoff += jitter
	}

	return backoff
}

// TimeoutManager enforces timeout policies on runs.
type TimeoutManager struct {
	config TimeoutConfig
}

// NewTimeoutManager creates a timeout manager with the given configuration.
func NewTimeoutManager(config TimeoutConfig) *TimeoutManager {
	return &TimeoutManager{config: config}
}

// Config returns a copy of the current timeout configuration.
func (tm *TimeoutManager) Config() TimeoutConfig {
	return tm.config
}

// WithRunTimeout bounds ctx by the run timeout when one is configured.
func (tm *TimeoutManager) WithRunTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if tm == nil || tm.config.RunTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, tm.config.RunTimeout)
}

// WithStepTimeout bounds ctx by timeout, falling back to the configured step timeout.
func (tm *TimeoutManager) WithStepTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 && tm != nil {
		timeout = tm.config.StepTimeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

// IsRetryableError determines if an error should trigger a retry. Retry is uniform:
// every step failure qualifies except cancellation of the run itself.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, context.Canceled)
}
