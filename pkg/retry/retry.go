package retry

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Config defines retry behavior with exponential backoff.
type Config struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// JitterMin and JitterMax bound the random fraction of the delay added on
	// each wait. The queue components use 0.1..0.3 so a fleet of robots
	// reconnecting after a database failover does not stampede.
	JitterMin float64
	JitterMax float64
}

// DefaultConfig returns the retry policy used for database operations:
// 3 retries starting at 100ms, doubling, capped at 5s, with 10-30% jitter.
func DefaultConfig() *Config {
	return &Config{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		JitterMin:    0.1,
		JitterMax:    0.3,
	}
}

// ReconnectConfig returns the policy for pool re-establishment after a
// connection loss: longer initial delay, higher cap.
func ReconnectConfig() *Config {
	return &Config{
		MaxRetries:   5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		JitterMin:    0.1,
		JitterMax:    0.3,
	}
}

// applyJitter adds a random positive fraction of the delay between
// JitterMin and JitterMax.
func (c *Config) applyJitter(delay time.Duration) time.Duration {
	if c.JitterMax <= 0 {
		return delay
	}
	frac := c.JitterMin + rand.Float64()*(c.JitterMax-c.JitterMin)
	return delay + time.Duration(float64(delay)*frac)
}

// Do executes fn with exponential backoff, retrying only while shouldRetry
// reports the error as recoverable. Waits respect context cancellation.
func Do(ctx context.Context, cfg *Config, shouldRetry func(error) bool, fn func() error) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			if shouldRetry != nil && !shouldRetry(err) {
				return err
			}
		}

		if attempt < cfg.MaxRetries {
			select {
			case <-time.After(cfg.applyJitter(delay)):
				delay = time.Duration(float64(delay) * cfg.Multiplier)
				if delay > cfg.MaxDelay {
					delay = cfg.MaxDelay
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return lastErr
}

// DoWithResult is Do for functions that return a value.
func DoWithResult[T any](ctx context.Context, cfg *Config, shouldRetry func(error) bool, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, shouldRetry, func() error {
		r, err := fn()
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	return result, err
}

// IsConnectionError reports whether err is a connection-class failure that
// warrants a reconnect cycle rather than surfacing to the caller.
// Non-connection SQL errors (constraint violations, syntax errors, ...) are
// never retried.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08: connection exceptions; 57P01-57P03: server shutdown.
		if len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08" {
			return true
		}
		switch pgErr.Code {
		case "57P01", "57P02", "57P03":
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}
