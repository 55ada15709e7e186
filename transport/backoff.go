package transport

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	// Jitter spreads each delay by up to +/- the given fraction.
	Jitter float64
	// RetryWindow bounds the total time spent retrying; zero means unbounded.
	RetryWindow time.Duration
}

// NextDelay returns the retry delay for attempt N (1-based). sample is a
// value in [0, 1) used to place the delay inside the jitter band.
func (cfg BackoffConfig) NextDelay(attempt int, sample float64) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter > 0 {
		delay *= 1 + cfg.Jitter*(2*sample-1)
	}
	return time.Duration(delay)
}

// retry runs fn up to attempts times while the failure is retryable and the
// retry window has room for the next delay.
func retry[T any](ctx context.Context, attempts int, cfg BackoffConfig, fn func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T
	if attempts < 1 {
		attempts = 1
	}
	started := time.Now()
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		value, err := fn(ctx, attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if attempt == attempts || !retryable(err) {
			break
		}
		delay := cfg.NextDelay(attempt, rand.Float64())
		if cfg.RetryWindow > 0 && time.Since(started)+delay > cfg.RetryWindow {
			break
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, lastErr
		case <-timer.C:
		}
	}
	return zero, lastErr
}
