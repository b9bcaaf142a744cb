package retry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config configures exponential backoff retry behavior.
type Config struct {
	MaxRetries     int           // Maximum number of retry attempts
	InitialBackoff time.Duration // Initial backoff duration
	MaxBackoff     time.Duration // Maximum backoff duration
	BackoffFactor  float64       // Multiplier for exponential backoff
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Operation is a unit of work that may be retried.
type Operation func() error

// IsTransient reports whether an error looks like a transient network or
// rate-limit condition worth retrying against an exchange.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "too many requests") ||
		strings.Contains(errStr, "rate limit") {
		return true
	}

	// Binance error codes: internal error and recvWindow drift.
	if strings.Contains(errStr, "-1001") ||
		strings.Contains(errStr, "-1021") {
		return true
	}

	return false
}

// Do executes an operation with exponential backoff, retrying every failure
// up to MaxRetries times. Use DoTransient when only transient errors should
// be retried.
func Do(ctx context.Context, config Config, logger zerolog.Logger, operation Operation) error {
	return run(ctx, config, logger, operation, func(error) bool { return true })
}

// DoTransient executes an operation with exponential backoff, aborting
// immediately on errors that are not transient.
func DoTransient(ctx context.Context, config Config, logger zerolog.Logger, operation Operation) error {
	return run(ctx, config, logger, operation, IsTransient)
}

func run(ctx context.Context, config Config, logger zerolog.Logger, operation Operation, retryable func(error) bool) error {
	var lastErr error
	backoff := config.InitialBackoff

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled: %w", ctx.Err())
		default:
		}

		err := operation()
		if err == nil {
			if attempt > 0 {
				logger.Info().
					Int("attempt", attempt+1).
					Msg("Operation succeeded after retry")
			}
			return nil
		}

		lastErr = err

		if !retryable(err) {
			logger.Debug().
				Err(err).
				Msg("Error is not retryable, aborting")
			return err
		}

		if attempt == config.MaxRetries {
			break
		}

		logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", config.MaxRetries+1).
			Dur("backoff", backoff).
			Msg("Operation failed, retrying with backoff")

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation cancelled during backoff: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * config.BackoffFactor)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}
