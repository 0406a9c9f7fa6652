// Package retry provides exponential-backoff decorators for fatal and
// graceful retry semantics, used by the forum aggregator and report
// pipeline whenever they call out to an LLM or a search API.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Config tunes the backoff schedule: delay = min(initial * factor^attempt, max).
type Config struct {
	MaxRetries    int
	InitialDelay  time.Duration
	BackoffFactor float64
	MaxDelay      time.Duration

	// ShouldRetry decides whether an error is retryable. Nil means "retry
	// everything", matching the source's broad default exception filter.
	ShouldRetry func(error) bool
}

// Default mirrors DEFAULT_RETRY_CONFIG from the original retry helper.
var Default = Config{
	MaxRetries:    3,
	InitialDelay:  time.Second,
	BackoffFactor: 2.0,
	MaxDelay:      60 * time.Second,
}

// LLM mirrors LLM_RETRY_CONFIG: long, patient backoff for LLM API calls.
var LLM = Config{
	MaxRetries:    6,
	InitialDelay:  60 * time.Second,
	BackoffFactor: 2.0,
	MaxDelay:      600 * time.Second,
}

// SearchAPI mirrors SEARCH_API_RETRY_CONFIG: tighter backoff for web search.
var SearchAPI = Config{
	MaxRetries:    5,
	InitialDelay:  2 * time.Second,
	BackoffFactor: 1.6,
	MaxDelay:      25 * time.Second,
}

// DB mirrors DB_RETRY_CONFIG.
var DB = Config{
	MaxRetries:    5,
	InitialDelay:  time.Second,
	BackoffFactor: 1.5,
	MaxDelay:      10 * time.Second,
}

func (c Config) toExponentialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialDelay
	b.Multiplier = c.BackoffFactor
	b.MaxInterval = c.MaxDelay
	b.MaxElapsedTime = 0 // bounded by MaxRetries via WithMaxRetries instead
	b.RandomizationFactor = 0
	return b
}

func (c Config) retryable(err error) bool {
	if c.ShouldRetry == nil {
		return true
	}
	return c.ShouldRetry(err)
}

// Do runs fn with fatal retry semantics: on exhaustion of MaxRetries the
// last error is returned to the caller. Grounded on with_retry() from the
// original retry helper, re-expressed with cenkalti/backoff/v4 in place of
// the hand-rolled sleep loop.
func Do(ctx context.Context, cfg Config, name string, fn func(context.Context) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(cfg.toExponentialBackOff(), uint64(cfg.MaxRetries)), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !cfg.retryable(err) {
			return backoff.Permanent(err)
		}
		slog.Warn("retrying after error", "operation", name, "attempt", attempt, "error", err)
		return err
	}

	err := backoff.Retry(op, b)
	if err == nil {
		return nil
	}
	var permErr *backoff.PermanentError
	if errors.As(err, &permErr) {
		return permErr.Unwrap()
	}
	return err
}

// DoGraceful runs fn with graceful retry semantics: on exhaustion it logs
// and returns fallback instead of propagating the error, so a single
// flaky dependency (the forum moderator, a search API) does not abort the
// whole run. Mirrors with_graceful_retry().
func DoGraceful[T any](ctx context.Context, cfg Config, name string, fallback T, fn func(context.Context) (T, error)) T {
	var result T
	err := Do(ctx, cfg, name, func(ctx context.Context) error {
		r, err := fn(ctx)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		slog.Error("graceful retry exhausted, using fallback", "operation", name, "error", err)
		return fallback
	}
	return result
}
