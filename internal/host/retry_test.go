package host

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestRetry_TransientRecovers(t *testing.T) {
	attempts := 0
	err := retry(context.Background(), fastRetryConfig(), zap.NewNop(), "op", func() error {
		attempts++
		if attempts < 3 {
			return Transient(errors.New("503"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_TransientExhausts(t *testing.T) {
	attempts := 0
	err := retry(context.Background(), fastRetryConfig(), zap.NewNop(), "op", func() error {
		attempts++
		return Transient(errors.New("gateway timeout"))
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts, "initial attempt plus three retries")
	assert.Contains(t, err.Error(), "after 3 retries")
}

func TestRetry_PermanentFailsImmediately(t *testing.T) {
	attempts := 0
	err := retry(context.Background(), fastRetryConfig(), zap.NewNop(), "op", func() error {
		attempts++
		return ErrAuth
	})
	require.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, 1, attempts)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cfg := fastRetryConfig()
	cfg.InitialBackoff = time.Minute
	err := retry(ctx, cfg, zap.NewNop(), "op", func() error {
		return Transient(errors.New("flaky"))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStatusError_Classification(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
		sentinel  error
	}{
		{status: 401, sentinel: ErrAuth},
		{status: 403, sentinel: ErrAuth},
		{status: 404, sentinel: ErrRemoteNotFound},
		{status: 429, transient: true},
		{status: 500, transient: true},
		{status: 502, transient: true},
		{status: 503, transient: true},
		{status: 400},
		{status: 422},
	}

	for _, tt := range tests {
		err := statusError(tt.status, "op")
		assert.Equal(t, tt.transient, IsTransient(err), "status %d", tt.status)
		if tt.sentinel != nil {
			assert.ErrorIs(t, err, tt.sentinel, "status %d", tt.status)
		}
	}
}
