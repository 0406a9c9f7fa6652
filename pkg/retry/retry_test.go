package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() Config {
	return Config{
		MaxRetries:    3,
		InitialDelay:  time.Millisecond,
		BackoffFactor: 1.0,
		MaxDelay:      5 * time.Millisecond,
	}
}

func TestDo_SucceedsWithoutRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), "op", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAndReturnsLastError(t *testing.T) {
	calls := 0
	wantErr := errors.New("still broken")
	err := Do(context.Background(), fastConfig(), "op", func(ctx context.Context) error {
		calls++
		return wantErr
	})
	require.Error(t, err)
	assert.Equal(t, wantErr.Error(), err.Error())
	assert.Equal(t, 4, calls) // initial attempt + 3 retries
}

func TestDo_NonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	cfg := fastConfig()
	cfg.ShouldRetry = func(err error) bool { return false }
	err := Do(context.Background(), cfg, "op", func(ctx context.Context) error {
		calls++
		return errors.New("fatal")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoGraceful_ReturnsFallbackOnExhaustion(t *testing.T) {
	got := DoGraceful(context.Background(), fastConfig(), "op", "fallback", func(ctx context.Context) (string, error) {
		return "", errors.New("down")
	})
	assert.Equal(t, "fallback", got)
}

func TestDoGraceful_ReturnsValueOnSuccess(t *testing.T) {
	got := DoGraceful(context.Background(), fastConfig(), "op", "fallback", func(ctx context.Context) (string, error) {
		return "real", nil
	})
	assert.Equal(t, "real", got)
}
