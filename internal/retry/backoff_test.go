package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Multiplier:  2.0,
	}
}

func TestBackoffRetryer_Success(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(int) error {
		calls++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, calls, "应该只调用一次")
}

func TestBackoffRetryer_RetryAndSuccess(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(attempt int) error {
		calls++
		if attempt < 2 {
			return types.NewTimeoutError("no ack")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestBackoffRetryer_Exhausted(t *testing.T) {
	var retries []int
	p := fastPolicy()
	p.OnRetry = func(attempt int, _ error, _ time.Duration) { retries = append(retries, attempt) }
	r := NewBackoffRetryer(p, zap.NewNop())

	timeout := types.NewTimeoutError("no ack")
	err := r.Do(context.Background(), func(int) error { return timeout })

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExhausted)
	assert.True(t, types.IsErrorCode(err, types.ErrTimeout))
	assert.Equal(t, []int{1, 2}, retries)

	var ex *ExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Equal(t, 3, ex.Attempts)
}

func TestBackoffRetryer_StructuralErrorNotRetried(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func(int) error {
		calls++
		return types.NewValidationError("missing task")
	})

	assert.Equal(t, 1, calls)
	assert.True(t, types.IsErrorCode(err, types.ErrValidation))
	assert.NotErrorIs(t, err, ErrExhausted)
}

func TestBackoffRetryer_ContextCancelled(t *testing.T) {
	p := fastPolicy()
	p.BaseDelay = time.Second
	p.MaxDelay = time.Second
	r := NewBackoffRetryer(p, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	err := r.Do(ctx, func(int) error {
		cancel()
		return types.NewTimeoutError("no ack")
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, time.Second, p.Delay(10))
}

func TestDoTyped(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(), zap.NewNop())

	v, err := DoTyped(r, context.Background(), func(attempt int) (string, error) {
		if attempt == 0 {
			return "", types.NewResourceError("busy")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
