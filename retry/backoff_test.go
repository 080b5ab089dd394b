package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/convoflow/types"
)

func fastPolicy(maxRetries int) *Policy {
	return &Policy{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestBackoffRetryer_SucceedsFirstTry(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoffRetryer_RetriesRetryableError(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		if calls < 3 {
			return types.NewError(types.ErrRateLimited, "rate limited").WithRetryable(true)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestBackoffRetryer_StopsOnNonRetryable(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(3), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return types.NewError(types.ErrInvalidRequest, "bad request")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoffRetryer_ExhaustsRetries(t *testing.T) {
	r := NewBackoffRetryer(fastPolicy(2), zap.NewNop())

	calls := 0
	err := r.Do(context.Background(), func() error {
		calls++
		return types.NewError(types.ErrUpstreamError, "boom").WithRetryable(true)
	})
	require.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestBackoffRetryer_RespectsContext(t *testing.T) {
	r := NewBackoffRetryer(&Policy{
		MaxRetries:   5,
		InitialDelay: time.Minute,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
	}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := r.Do(ctx, func() error {
		return types.NewError(types.ErrUpstreamError, "boom").WithRetryable(true)
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestBackoffRetryer_CustomClassifier(t *testing.T) {
	sentinel := errors.New("sometimes transient")
	p := fastPolicy(2)
	p.Retryable = func(err error) bool { return errors.Is(err, sentinel) }
	r := NewBackoffRetryer(p, zap.NewNop())

	calls := 0
	_ = r.Do(context.Background(), func() error {
		calls++
		return sentinel
	})
	assert.Equal(t, 3, calls)
}
