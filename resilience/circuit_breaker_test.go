package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personaforge/personaforge/core"
)

func testBreaker(t *testing.T, clock core.Clock) *CircuitBreaker {
	t.Helper()
	cb, err := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:          "taste",
		FailThreshold: 3,
		WindowFail:    time.Minute,
		Cooldown:      30 * time.Second,
		MaxCooldown:   2 * time.Minute,
		Clock:         clock,
	})
	require.NoError(t, err)
	return cb
}

func upstreamErr() error {
	return core.NewError(core.KindUpstream, "provider.call", errors.New("503"))
}

func failTimes(t *testing.T, cb *CircuitBreaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		token, err := cb.Allow()
		require.NoError(t, err)
		cb.RecordResult(token, upstreamErr())
	}
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	cb := testBreaker(t, clock)

	failTimes(t, cb, 2)
	assert.Equal(t, StateClosed, cb.State())

	failTimes(t, cb, 1)
	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Allow()
	require.Error(t, err)
	assert.Equal(t, core.KindBreakerOpen, core.Kind(err))
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)

	var ce *core.CoordinatorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 30*time.Second, ce.RetryAfter)
}

func TestBreakerSuccessResetsStreak(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	cb := testBreaker(t, clock)

	failTimes(t, cb, 2)
	token, err := cb.Allow()
	require.NoError(t, err)
	cb.RecordResult(token, nil)
	assert.Equal(t, 0, cb.ConsecutiveFailures())

	failTimes(t, cb, 2)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerStreakWindowRestart(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	cb := testBreaker(t, clock)

	failTimes(t, cb, 2)

	// Failures further apart than WindowFail restart the streak.
	clock.Advance(2 * time.Minute)
	failTimes(t, cb, 1)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 1, cb.ConsecutiveFailures())
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	cb := testBreaker(t, clock)

	failTimes(t, cb, 3)
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(30 * time.Second)

	// One probe slot; a second concurrent call is rejected.
	token, err := cb.Allow()
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, cb.State())

	_, err = cb.Allow()
	require.Error(t, err)
	assert.Equal(t, core.KindBreakerOpen, core.Kind(err))

	// Probe success closes the breaker and resets the cooldown.
	cb.RecordResult(token, nil)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerFailedProbeDoublesCooldown(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	cb := testBreaker(t, clock)

	failTimes(t, cb, 3)

	// First probe fails: cooldown 30s -> 60s.
	clock.Advance(30 * time.Second)
	token, err := cb.Allow()
	require.NoError(t, err)
	cb.RecordResult(token, upstreamErr())
	require.Equal(t, StateOpen, cb.State())

	clock.Advance(59 * time.Second)
	_, err = cb.Allow()
	assert.Error(t, err)

	clock.Advance(time.Second)
	token, err = cb.Allow()
	require.NoError(t, err)

	// Second failed probe: 60s -> 120s, capped at MaxCooldown.
	cb.RecordResult(token, upstreamErr())
	clock.Advance(2 * time.Minute)
	token, err = cb.Allow()
	require.NoError(t, err)

	// Third failed probe stays at the 2m cap.
	cb.RecordResult(token, upstreamErr())
	clock.Advance(2 * time.Minute)
	_, err = cb.Allow()
	assert.NoError(t, err)
}

func TestBreakerInconclusiveProbeStaysHalfOpen(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	cb := testBreaker(t, clock)

	failTimes(t, cb, 3)
	clock.Advance(30 * time.Second)

	token, err := cb.Allow()
	require.NoError(t, err)

	// A cancelled probe carries no health signal; the next call probes again.
	cb.RecordResult(token, core.NewError(core.KindCancelled, "op", core.ErrCancelled))
	assert.Equal(t, StateHalfOpen, cb.State())

	_, err = cb.Allow()
	assert.NoError(t, err)
}

func TestBreakerClassifierIgnoresCallerBehavior(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	cb := testBreaker(t, clock)

	// Rate limiting and cancellation say nothing about provider health.
	for i := 0; i < 10; i++ {
		token, err := cb.Allow()
		require.NoError(t, err)
		cb.RecordResult(token, core.NewError(core.KindRateLimited, "op", core.ErrRateLimited))
	}
	for i := 0; i < 10; i++ {
		token, err := cb.Allow()
		require.NoError(t, err)
		cb.RecordResult(token, core.NewError(core.KindCancelled, "op", core.ErrCancelled))
	}
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.ConsecutiveFailures())
}

func TestBreakerForceOverrides(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	cb := testBreaker(t, clock)

	cb.ForceOpen()
	_, err := cb.Allow()
	assert.Error(t, err)
	assert.False(t, cb.AllowsAdmission())

	cb.ForceClosed()
	_, err = cb.Allow()
	assert.NoError(t, err)
	assert.True(t, cb.AllowsAdmission())

	// Forced state swallows outcomes; clearing resumes normal accounting.
	token, _ := cb.Allow()
	cb.RecordResult(token, upstreamErr())
	assert.Equal(t, 0, cb.ConsecutiveFailures())

	cb.ClearForce()
	failTimes(t, cb, 3)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerAllowsAdmission(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	cb := testBreaker(t, clock)

	assert.True(t, cb.AllowsAdmission())

	failTimes(t, cb, 3)
	assert.False(t, cb.AllowsAdmission())

	// The pre-check turns true once the cooldown allows a probe, without
	// consuming the probe slot.
	clock.Advance(30 * time.Second)
	assert.True(t, cb.AllowsAdmission())
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerCheckAdmissionRejectsWhileOpen(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	cb := testBreaker(t, clock)

	require.NoError(t, cb.CheckAdmission())

	failTimes(t, cb, 3)
	err := cb.CheckAdmission()
	require.Error(t, err)
	assert.Equal(t, core.KindBreakerOpen, core.Kind(err))

	var ce *core.CoordinatorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 30*time.Second, ce.RetryAfter)

	cb.ForceOpen()
	assert.Error(t, cb.CheckAdmission())
	cb.ForceClosed()
	assert.NoError(t, cb.CheckAdmission())
}

func TestBreakerCheckAdmissionNeverClaimsProbe(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	cb := testBreaker(t, clock)

	failTimes(t, cb, 3)
	require.Equal(t, StateOpen, cb.State())

	// Exactly at the cooldown boundary the pre-check passes but must not
	// transition to half-open or consume the probe slot; otherwise a request
	// racing the boundary would leak the probe and wedge the breaker.
	clock.Advance(30 * time.Second)
	require.NoError(t, cb.CheckAdmission())
	assert.Equal(t, StateOpen, cb.State())

	// The probe slot is still available for the execution-side Allow.
	token, err := cb.Allow()
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, cb.State())

	_, err = cb.Allow()
	require.Error(t, err, "only one probe slot exists")

	cb.RecordResult(token, nil)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerReset(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	cb := testBreaker(t, clock)

	failTimes(t, cb, 3)
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.ConsecutiveFailures())
	_, err := cb.Allow()
	assert.NoError(t, err)
}

func TestBreakerUpdateSettings(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	cb := testBreaker(t, clock)

	cb.UpdateSettings(1, time.Minute, 10*time.Second, time.Minute)
	failTimes(t, cb, 1)
	assert.Equal(t, StateOpen, cb.State())

	clock.Advance(10 * time.Second)
	_, err := cb.Allow()
	assert.NoError(t, err)
}

func TestBreakerConfigValidation(t *testing.T) {
	_, err := NewCircuitBreaker(&CircuitBreakerConfig{})
	assert.Error(t, err)

	_, err = NewCircuitBreaker(&CircuitBreakerConfig{
		Name:          "x",
		FailThreshold: 1,
		Cooldown:      time.Second,
		MaxCooldown:   time.Millisecond,
	})
	assert.Error(t, err)
}
