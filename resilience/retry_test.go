package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personaforge/personaforge/core"
)

func rateLimitedErr() error {
	err := core.NewError(core.KindRateLimited, "provider.call", errors.New("status 429"))
	err.StatusCode = 429
	return err
}

func TestNextDelayLaw(t *testing.T) {
	r := NewRetrier(&RetryConfig{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		MaxAttempts: 3,
	})

	assert.Equal(t, 100*time.Millisecond, r.NextDelay(1))
	assert.Equal(t, 200*time.Millisecond, r.NextDelay(2))
	assert.Equal(t, 400*time.Millisecond, r.NextDelay(3))
	assert.Equal(t, 800*time.Millisecond, r.NextDelay(4))
	// Capped at max.
	assert.Equal(t, 30*time.Second, r.NextDelay(10))
}

func TestRetryBackoffSchedule(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	var delays []time.Duration
	r := NewRetrier(&RetryConfig{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		MaxAttempts: 3,
		Clock:       clock,
		OnBackoff:   func(_ int, d time.Duration) { delays = append(delays, d) },
	})

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(context.Background(), "op", func(ctx context.Context) error {
			calls++
			return rateLimitedErr()
		})
	}()

	// Producer attempts fire at t=0, t=100ms, t=300ms.
	clock.BlockUntil(1)
	clock.Advance(100 * time.Millisecond)
	clock.BlockUntil(1)
	clock.Advance(200 * time.Millisecond)

	err := <-done
	require.Error(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, delays)

	var ce *core.CoordinatorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.KindRateLimited, ce.Kind)
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, 300*time.Millisecond, ce.CumulativeWait)
	assert.ErrorIs(t, err, core.ErrMaxRetriesExceeded)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	r := NewRetrier(&RetryConfig{
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
		MaxAttempts: 5,
	})

	calls := 0
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return core.NewError(core.KindInvalidInput, "op", errors.New("bad payload"))
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)

	var ce *core.CoordinatorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, core.KindInvalidInput, ce.Kind)
	assert.Equal(t, 1, ce.Attempts)
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	r := NewRetrier(&RetryConfig{
		BaseDelay:   50 * time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
		MaxAttempts: 3,
		Clock:       clock,
	})

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(context.Background(), "op", func(ctx context.Context) error {
			calls++
			if calls == 1 {
				return core.NewError(core.KindNetwork, "op", errors.New("connection reset"))
			}
			return nil
		})
	}()

	clock.BlockUntil(1)
	clock.Advance(50 * time.Millisecond)

	require.NoError(t, <-done)
	assert.Equal(t, 2, calls)
}

func TestRetryHonorsRetryAfterFloor(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	var delays []time.Duration
	r := NewRetrier(&RetryConfig{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		Multiplier:  2.0,
		MaxAttempts: 2,
		Clock:       clock,
		OnBackoff:   func(_ int, d time.Duration) { delays = append(delays, d) },
	})

	done := make(chan error, 1)
	go func() {
		done <- r.Do(context.Background(), "op", func(ctx context.Context) error {
			err := rateLimitedErr()
			err.(*core.CoordinatorError).RetryAfter = 2 * time.Second
			return err
		})
	}()

	clock.BlockUntil(1)
	clock.Advance(2 * time.Second)

	require.Error(t, <-done)
	require.Len(t, delays, 1)
	assert.Equal(t, 2*time.Second, delays[0])
}

func TestRetryJitterRange(t *testing.T) {
	for _, tc := range []struct {
		rand float64
		want time.Duration
	}{
		{0.0, 50 * time.Millisecond},
		{0.5, 100 * time.Millisecond},
	} {
		clock := core.NewFakeClock(time.Unix(0, 0))
		var delays []time.Duration
		r := NewRetrier(&RetryConfig{
			BaseDelay:     100 * time.Millisecond,
			MaxDelay:      time.Second,
			Multiplier:    2.0,
			MaxAttempts:   2,
			JitterEnabled: true,
			Clock:         clock,
			Rand:          func() float64 { return tc.rand },
			OnBackoff:     func(_ int, d time.Duration) { delays = append(delays, d) },
		})

		done := make(chan error, 1)
		go func() {
			done <- r.Do(context.Background(), "op", func(ctx context.Context) error {
				return core.NewError(core.KindUpstream, "op", errors.New("503"))
			})
		}()

		clock.BlockUntil(1)
		clock.Advance(tc.want)

		require.Error(t, <-done)
		require.Len(t, delays, 1)
		assert.Equal(t, tc.want, delays[0])
	}
}

func TestRetryNeverContinuesAfterCancellation(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	r := NewRetrier(&RetryConfig{
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Multiplier:  2.0,
		MaxAttempts: 5,
		Clock:       clock,
	})

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- r.Do(ctx, "op", func(ctx context.Context) error {
			calls++
			return core.NewError(core.KindNetwork, "op", errors.New("flaky"))
		})
	}()

	// Cancel while the retrier sleeps out the first backoff.
	clock.BlockUntil(1)
	cancel()

	err := <-done
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, core.KindCancelled, core.Kind(err))
}

func TestRetrySurfacesCancellationFromProducer(t *testing.T) {
	r := NewRetrier(&RetryConfig{
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Second,
		Multiplier:  2.0,
		MaxAttempts: 5,
	})

	calls := 0
	err := r.Do(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return core.NewError(core.KindCancelled, "op", context.Canceled)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, core.KindCancelled, core.Kind(err))
}
