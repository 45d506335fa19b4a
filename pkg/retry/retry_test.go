package retry

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(), func(error) bool { return true }, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDo_ExhaustsRetries(t *testing.T) {
	attempts := 0
	sentinel := errors.New("always fails")
	err := Do(context.Background(), fastConfig(), func(error) bool { return true }, func() error {
		attempts++
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 4, attempts, "initial attempt plus MaxRetries")
}

func TestDo_StopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	fatal := errors.New("constraint violation")
	err := Do(context.Background(), fastConfig(), func(err error) bool { return false }, func() error {
		attempts++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts)
}

func TestDo_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig()
	cfg.InitialDelay = time.Hour

	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := Do(ctx, cfg, func(error) bool { return true }, func() error {
		attempts++
		return errors.New("transient")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestDoWithResult(t *testing.T) {
	attempts := 0
	value, err := DoWithResult(context.Background(), fastConfig(), func(error) bool { return true }, func() (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, value)
}

func TestApplyJitter_Bounds(t *testing.T) {
	cfg := &Config{JitterMin: 0.1, JitterMax: 0.3}
	base := time.Second
	for i := 0; i < 50; i++ {
		jittered := cfg.applyJitter(base)
		assert.GreaterOrEqual(t, jittered, base+base/10)
		assert.LessOrEqual(t, jittered, base+3*base/10)
	}

	noJitter := &Config{}
	assert.Equal(t, base, noJitter.applyJitter(base))
}

func TestIsConnectionError(t *testing.T) {
	assert.False(t, IsConnectionError(nil))
	assert.False(t, IsConnectionError(errors.New("plain error")))

	assert.True(t, IsConnectionError(&net.OpError{Op: "dial", Err: errors.New("refused")}))

	assert.True(t, IsConnectionError(&pgconn.PgError{Code: "08006"}), "connection failure class")
	assert.True(t, IsConnectionError(&pgconn.PgError{Code: "57P01"}), "admin shutdown")
	assert.False(t, IsConnectionError(&pgconn.PgError{Code: "23505"}), "unique violation is not retryable")
	assert.False(t, IsConnectionError(&pgconn.PgError{Code: "42601"}), "syntax error is not retryable")
}
