package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// BackoffConfig controls retry behavior for transient backend failures.
type BackoffConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// JitterPercentage (0-1) scales the jitter added on top of each delay.
	JitterPercentage float64
}

// DefaultBackoff returns the retry policy used for commit-point saves.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		MaxAttempts:      5,
		InitialDelay:     100 * time.Millisecond,
		MaxDelay:         5 * time.Second,
		BackoffFactor:    2.0,
		JitterPercentage: 0.2,
	}
}

// jitterFor computes the jitter added to delay on the given 1-based attempt.
// The jitter share grows with the attempt number, so later retries spread
// further apart.
func jitterFor(cfg BackoffConfig, delay time.Duration, attempt int) time.Duration {
	return time.Duration(float64(delay) * cfg.JitterPercentage *
		(0.5 + (float64(attempt) / float64(cfg.MaxAttempts))))
}

// WithBackoff runs fn with exponential backoff plus attempt-scaled jitter.
// Every error is treated as transient until attempts are exhausted;
// exhaustion is terminal and the caller aborts the job.
func WithBackoff(ctx context.Context, logger *zap.Logger, cfg BackoffConfig, operation string, fn func() error) error {
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}

		sleepTime := delay + jitterFor(cfg, delay, attempt)

		logger.Warn("Retrying storage operation",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("retry_delay", sleepTime),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled: %w", operation, ctx.Err())
		case <-time.After(sleepTime):
		}

		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operation, cfg.MaxAttempts, lastErr)
}

// SaveWithBackoff commits a staged write, retrying transient failures.
func SaveWithBackoff(ctx context.Context, logger *zap.Logger, wf WriteFile, key string) error {
	return WithBackoff(ctx, logger, DefaultBackoff(), "save "+key, func() error {
		return wf.Save(ctx)
	})
}
