package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffPolicyDelay(t *testing.T) {
	t.Run("ConstantDelay", func(t *testing.T) {
		p := BackoffPolicy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 1}
		assert.Equal(t, 500*time.Millisecond, p.Delay(1))
		assert.Equal(t, 500*time.Millisecond, p.Delay(2))
		assert.Equal(t, 500*time.Millisecond, p.Delay(3))
	})

	t.Run("ExponentialWithCap", func(t *testing.T) {
		p := BackoffPolicy{MaxAttempts: 10, BaseDelay: 200 * time.Millisecond, Multiplier: 1.5, MaxDelay: 2 * time.Second}
		assert.Equal(t, 200*time.Millisecond, p.Delay(1))
		assert.Equal(t, 300*time.Millisecond, p.Delay(2))
		assert.Equal(t, 450*time.Millisecond, p.Delay(3))
		assert.Equal(t, 2*time.Second, p.Delay(10))
	})

	t.Run("ClampsInvalidAttempt", func(t *testing.T) {
		p := BackoffPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, Multiplier: 2}
		assert.Equal(t, p.Delay(1), p.Delay(0))
		assert.Equal(t, p.Delay(1), p.Delay(-5))
	})
}

func TestBackoffPolicyDo(t *testing.T) {
	t.Run("SucceedsFirstAttempt", func(t *testing.T) {
		p := BackoffPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
		calls := 0
		err := p.Do(context.Background(), nil, func(context.Context) error {
			calls++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("RetriesUntilSuccess", func(t *testing.T) {
		p := BackoffPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}
		calls := 0
		err := p.Do(context.Background(), nil, func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("ExhaustsAttempts", func(t *testing.T) {
		p := BackoffPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
		boom := errors.New("boom")
		calls := 0
		err := p.Do(context.Background(), nil, func(context.Context) error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, calls)
	})

	t.Run("StopsOnPermanentError", func(t *testing.T) {
		p := BackoffPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}
		permanent := errors.New("permanent")
		calls := 0
		err := p.Do(context.Background(),
			func(err error) bool { return !errors.Is(err, permanent) },
			func(context.Context) error {
				calls++
				return permanent
			})
		assert.ErrorIs(t, err, permanent)
		assert.Equal(t, 1, calls)
	})

	t.Run("HonorsContextCancellation", func(t *testing.T) {
		p := BackoffPolicy{MaxAttempts: 10, BaseDelay: time.Hour}
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		err := p.Do(ctx, nil, func(context.Context) error {
			return errors.New("transient")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
