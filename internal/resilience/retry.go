package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// RetryConfig controls retry behavior with a fixed backoff schedule and
// multiplicative jitter.
type RetryConfig struct {
	// Schedule is the base delay before each retry. Its length is the retry
	// budget, so a nil schedule uses the default and an empty, non-nil one
	// disables retries. Default: 1s, 2s, 4s, 8s, 16s.
	Schedule []time.Duration

	// JitterMin and JitterMax bound the random factor applied to each delay.
	// Default: [0.8, 1.3).
	JitterMin float64
	JitterMax float64

	// AttemptTimeout bounds each individual call. Default: 180s.
	AttemptTimeout time.Duration

	// ShouldRetry optionally overrides the default classification.
	// If nil, IsRetryable is used.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep with attempt number, delay
	// and error.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultSchedule is the backoff used for model calls.
var DefaultSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// DefaultRetryConfig returns the retry configuration used for model calls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Schedule:       DefaultSchedule,
		JitterMin:      0.8,
		JitterMax:      1.3,
		AttemptTimeout: 180 * time.Second,
	}
}

// Do executes fn with retry logic according to cfg. Each attempt runs under
// its own timeout. Context cancellation stops retries immediately. When the
// budget runs out on an unavailable upstream the error is returned as an
// *UpstreamUnavailableError.
func Do(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	_, err := DoVal(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoVal executes fn returning a value with retry logic. Same semantics as Do
// but preserves the return value from the successful call.
func DoVal[T any](ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg = applyDefaults(cfg)

	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = IsRetryable
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt <= len(cfg.Schedule); attempt++ {
		val, err := runAttempt(ctx, cfg.AttemptTimeout, fn)
		if err == nil {
			return val, nil
		}
		lastErr = err

		// Don't retry on caller cancellation.
		if ctx.Err() != nil {
			return zero, lastErr
		}

		if !shouldRetry(lastErr) {
			return zero, lastErr
		}

		if attempt == len(cfg.Schedule) {
			break
		}

		delay := computeBackoff(attempt, cfg)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, delay, lastErr)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}

	if IsUnavailable(lastErr) {
		return zero, &UpstreamUnavailableError{Err: lastErr, Attempts: len(cfg.Schedule) + 1}
	}
	return zero, lastErr
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	val, err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && attemptCtx.Err() == context.DeadlineExceeded {
		return val, &TimeoutError{Err: err, Timeout: timeout}
	}
	return val, err
}

func applyDefaults(cfg RetryConfig) RetryConfig {
	if cfg.Schedule == nil {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.JitterMin <= 0 {
		cfg.JitterMin = 0.8
	}
	if cfg.JitterMax < cfg.JitterMin {
		cfg.JitterMax = cfg.JitterMin
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 180 * time.Second
	}
	return cfg
}

// computeBackoff returns Schedule[attempt] scaled by a factor drawn from
// [JitterMin, JitterMax).
func computeBackoff(attempt int, cfg RetryConfig) time.Duration {
	base := float64(cfg.Schedule[attempt])
	factor := cfg.JitterMin + rand.Float64()*(cfg.JitterMax-cfg.JitterMin)
	delay := base * factor
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}
