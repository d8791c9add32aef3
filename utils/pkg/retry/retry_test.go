package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) Config {
	return Config{
		MaxAttempts: attempts,
		BaseBackoff: 5 * time.Millisecond,
		MaxBackoff:  20 * time.Millisecond,
	}
}

func TestLaunchpad_Retry_DefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	require.Equal(t, 3, cfg.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.BaseBackoff)
	require.Equal(t, 5*time.Second, cfg.MaxBackoff)
	require.Nil(t, cfg.Retryable)
}

func TestLaunchpad_Retry_Do(t *testing.T) {
	t.Parallel()

	t.Run("success on first attempt", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 1, attempts)
	})

	t.Run("success after retries", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			if attempts < 3 {
				return errors.New("connection reset")
			}
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, 3, attempts)
	})

	t.Run("exhausts all attempts and wraps last error", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		originalErr := errors.New("blockhash not found")
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			return originalErr
		})
		require.Error(t, err)
		require.Equal(t, 3, attempts)
		require.ErrorIs(t, err, originalErr)
		require.Contains(t, err.Error(), "failed after 3 attempts")
	})

	t.Run("non-retryable error returns immediately", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		originalErr := errors.New("invalid input")
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			return originalErr
		})
		require.Equal(t, 1, attempts)
		require.Same(t, originalErr, err)
	})

	t.Run("permanent error unwrapped and not retried", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		originalErr := errors.New("connection reset")
		err := Do(context.Background(), fastConfig(3), func() error {
			attempts++
			return Permanent(originalErr)
		})
		require.Equal(t, 1, attempts)
		require.Same(t, originalErr, err)
	})

	t.Run("custom retryable classifier", func(t *testing.T) {
		t.Parallel()
		cfg := fastConfig(4)
		cfg.Retryable = func(err error) bool { return err.Error() == "try again" }
		attempts := 0
		err := Do(context.Background(), cfg, func() error {
			attempts++
			return errors.New("try again")
		})
		require.Error(t, err)
		require.Equal(t, 4, attempts)
	})

	t.Run("on retry callback sees each failed attempt", func(t *testing.T) {
		t.Parallel()
		cfg := fastConfig(3)
		var seen []int
		cfg.OnRetry = func(attempt int, err error) { seen = append(seen, attempt) }
		_ = Do(context.Background(), cfg, func() error { return errors.New("timeout") })
		require.Equal(t, []int{1, 2}, seen)
	})

	t.Run("zero attempts still runs once", func(t *testing.T) {
		t.Parallel()
		attempts := 0
		_ = Do(context.Background(), Config{}, func() error {
			attempts++
			return errors.New("timeout")
		})
		require.Equal(t, 1, attempts)
	})

	t.Run("context cancellation stops retries", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		cfg := Config{MaxAttempts: 5, BaseBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}
		attempts := 0
		err := Do(ctx, cfg, func() error {
			attempts++
			if attempts == 2 {
				cancel()
			}
			return errors.New("connection reset")
		})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 2, attempts)
	})
}

func TestLaunchpad_Retry_DoValue(t *testing.T) {
	t.Parallel()
	attempts := 0
	v, err := DoValue(context.Background(), fastConfig(3), func() (string, error) {
		attempts++
		if attempts == 1 {
			return "", errors.New("node is behind by 42 slots")
		}
		return "sig", nil
	})
	require.NoError(t, err)
	require.Equal(t, "sig", v)
	require.Equal(t, 2, attempts)
}

func TestLaunchpad_Retry_IsRetryable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, false},
		{"net timeout", &net.OpError{Op: "read", Err: errors.New("i/o timeout")}, true},
		{"connection reset", errors.New("connection reset by peer"), true},
		{"EOF", errors.New("unexpected EOF"), true},
		{"rate limit", errors.New("rate limit exceeded"), true},
		{"blockhash expired", errors.New("Transaction simulation failed: Blockhash not found"), true},
		{"node behind", errors.New("Node is behind by 120 slots"), true},
		{"permanent", Permanent(errors.New("timeout")), false},
		{"insufficient funds", errors.New("insufficient lamports 10, need 20"), false},
		{"429", &httpError{statusCode: http.StatusTooManyRequests}, true},
		{"503", &httpError{statusCode: http.StatusServiceUnavailable}, true},
		{"400", &httpError{statusCode: http.StatusBadRequest}, false},
		{"401 with timeout text still not retried", &httpError{statusCode: http.StatusUnauthorized, msg: "timeout"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestLaunchpad_Retry_CalculateBackoff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		base    time.Duration
		max     time.Duration
		attempt int
		minExp  time.Duration
		maxExp  time.Duration
	}{
		{"first retry", 500 * time.Millisecond, 5 * time.Second, 1, 500 * time.Millisecond, time.Second},
		{"second retry", 500 * time.Millisecond, 5 * time.Second, 2, time.Second, 2 * time.Second},
		{"capped at max", 500 * time.Millisecond, 5 * time.Second, 4, 2500 * time.Millisecond, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			for i := 0; i < 10; i++ {
				got := calculateBackoff(tt.base, tt.max, tt.attempt)
				require.GreaterOrEqual(t, got, tt.minExp)
				require.LessOrEqual(t, got, tt.maxExp)
			}
		})
	}
}

type httpError struct {
	statusCode int
	msg        string
}

func (e *httpError) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return http.StatusText(e.statusCode)
}

func (e *httpError) StatusCode() int {
	return e.statusCode
}
