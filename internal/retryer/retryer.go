package retryer

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/InstituteforDiseaseModeling/idmtools-sub005/internal/errs"
)

// Config holds the retry policy for platform calls.
type Config struct {
	MaxAttempts      int           // Maximum number of attempts, including the first
	InitialDelay     time.Duration // Delay before the second attempt
	MaxDelay         time.Duration // Ceiling for the backoff delay
	BackoffFactor    float64       // Multiplicative factor for backoff
	JitterPercentage float64       // Random jitter fraction applied to each delay (0-1)
}

// DefaultConfig returns the standard policy for transient back-end errors:
// base 1s, factor 2, jitter ±20%, cap 60s, at most 5 attempts.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:      5,
		InitialDelay:     time.Second,
		MaxDelay:         60 * time.Second,
		BackoffFactor:    2.0,
		JitterPercentage: 0.2,
	}
}

// PostCreateConfig returns the short policy used to tolerate back-end eventual
// consistency right after create: 3 attempts spread over roughly 3 seconds.
func PostCreateConfig() Config {
	return Config{
		MaxAttempts:      3,
		InitialDelay:     time.Second,
		MaxDelay:         2 * time.Second,
		BackoffFactor:    1.5,
		JitterPercentage: 0.1,
	}
}

// WithRetry executes fn under the given policy, retrying only errors for
// which retryable returns true. The context cancels the wait between
// attempts. If retryable is nil, errs.IsTransient is used.
func WithRetry(ctx context.Context, logger *zap.Logger, config Config, operation string, retryable func(error) bool, fn func() error) error {
	if retryable == nil {
		retryable = errs.IsTransient
	}

	var lastErr error
	delay := config.InitialDelay

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !retryable(err) || attempt == config.MaxAttempts {
			if attempt > 1 {
				logger.Warn("Operation failed after retries",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Error(err))
			}
			return fmt.Errorf("%s: %w", operation, err)
		}

		// Symmetric jitter around the nominal delay.
		jitter := time.Duration((rand.Float64()*2 - 1) * config.JitterPercentage * float64(delay))
		sleepTime := delay + jitter

		logger.Warn("Retrying operation after transient error",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("retry_delay", sleepTime),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled: %w", operation, ctx.Err())
		case <-time.After(sleepTime):
		}

		delay = time.Duration(float64(delay) * config.BackoffFactor)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}

	return fmt.Errorf("%s: %w", operation, lastErr)
}
