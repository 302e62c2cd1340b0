package backoff

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/orchestra/pkg/schema"
)

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(context.Canceled))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(schema.NewError(schema.ErrCodeStaleVersion, "stale")))
	assert.True(t, IsRetryable(schema.NewError(schema.ErrCodeDispatch, "unreachable")))
	assert.False(t, IsRetryable(schema.NewError(schema.ErrCodeValidation, "bad")))
	assert.False(t, IsRetryable(schema.NewError(schema.ErrCodeCircuitOpen, "open")))
	assert.True(t, IsRetryable(errors.New("dial tcp: connection refused")))
	assert.True(t, IsRetryable(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, IsRetryable(errors.New("memory transport: closed")))
	assert.False(t, IsRetryable(errors.New("marshal task request: unsupported type")))
}

func TestPolicy_Compute(t *testing.T) {
	exp := Policy{Strategy: Exponential, Delay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, exp.Compute(0))
	assert.Equal(t, 20*time.Millisecond, exp.Compute(1))
	assert.Equal(t, 40*time.Millisecond, exp.Compute(2))
	assert.Equal(t, 50*time.Millisecond, exp.Compute(3))
	assert.Equal(t, 50*time.Millisecond, exp.Compute(40))

	lin := Policy{Strategy: Linear, Delay: 10 * time.Millisecond}
	assert.Equal(t, 30*time.Millisecond, lin.Compute(2))

	constant := Policy{Strategy: Constant, Delay: 10 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, constant.Compute(7))

	assert.Equal(t, time.Duration(0), Policy{}.Compute(3))
}

func TestWait_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	err := Wait(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
	assert.NoError(t, Wait(context.Background(), 0))
}

func TestRetry_StopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{MaxAttempts: 5}, func(int) error {
		calls++
		if calls < 3 {
			return schema.NewError(schema.ErrCodeStaleVersion, "stale")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_Exhausts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{MaxAttempts: 3}, func(int) error {
		calls++
		return schema.NewError(schema.ErrCodeStaleVersion, "stale")
	})
	assert.True(t, schema.IsCode(err, schema.ErrCodeStaleVersion))
	assert.Equal(t, 3, calls)
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{MaxAttempts: 3}, func(int) error {
		calls++
		return schema.NewError(schema.ErrCodeNotFound, "gone")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}
