package resilience

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/personaforge/personaforge/core"
)

func TestLimiterMinuteWindow(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	rl := NewRateLimiter(LimiterConfig{
		RequestsPerMinute: 5,
		Clock:             clock,
	})

	for i := 0; i < 5; i++ {
		adm := rl.TryAcquire("taste.insights")
		require.True(t, adm.Granted, "request %d should be admitted", i+1)
	}

	adm := rl.TryAcquire("taste.insights")
	assert.False(t, adm.Granted)
	assert.Equal(t, time.Minute, adm.WaitFor)

	// The wait hint is exact: after it elapses the slot is free.
	clock.Advance(adm.WaitFor)
	assert.True(t, rl.TryAcquire("taste.insights").Granted)
}

func TestLimiterBothWindowsEnforced(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	rl := NewRateLimiter(LimiterConfig{
		RequestsPerMinute: 10,
		RequestsPerHour:   2,
		Clock:             clock,
	})

	assert.True(t, rl.TryAcquire("ep").Granted)
	assert.True(t, rl.TryAcquire("ep").Granted)

	// Minute window has headroom, hour window does not; the tighter bound wins.
	adm := rl.TryAcquire("ep")
	assert.False(t, adm.Granted)
	assert.Equal(t, time.Hour, adm.WaitFor)
}

func TestLimiterPerEndpointIsolation(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	rl := NewRateLimiter(LimiterConfig{RequestsPerMinute: 1, Clock: clock})

	assert.True(t, rl.TryAcquire("a").Granted)
	assert.False(t, rl.TryAcquire("a").Granted)
	assert.True(t, rl.TryAcquire("b").Granted)
}

func TestLimiterBurstBucket(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	rl := NewRateLimiter(LimiterConfig{
		RequestsPerMinute: 60,
		Burst:             2,
		Clock:             clock,
	})

	// The bucket starts full: an initial spike of Burst is admitted, then
	// admissions pace at the refill rate (one per second at 60/min).
	assert.True(t, rl.TryAcquire("ep").Granted)
	assert.True(t, rl.TryAcquire("ep").Granted)

	adm := rl.TryAcquire("ep")
	require.False(t, adm.Granted)
	assert.Greater(t, adm.WaitFor, time.Duration(0))
	assert.LessOrEqual(t, adm.WaitFor, time.Second)

	clock.Advance(time.Second)
	assert.True(t, rl.TryAcquire("ep").Granted)
}

func TestLimiterHeaderFeedbackForbidsAdmission(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	rl := NewRateLimiter(LimiterConfig{RequestsPerMinute: 100, Clock: clock})

	require.True(t, rl.TryAcquire("ep").Granted)

	// Provider reports zero remaining quota until t+30s; local headroom is
	// irrelevant until then.
	rl.UpdateFromHeaders("ep", 0, clock.Now().Add(30*time.Second))

	adm := rl.TryAcquire("ep")
	assert.False(t, adm.Granted)
	assert.Equal(t, 30*time.Second, adm.WaitFor)

	clock.Advance(30 * time.Second)
	assert.True(t, rl.TryAcquire("ep").Granted)
}

func TestLimiterHTTPHeaderParsing(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(100, 0))
	rl := NewRateLimiter(LimiterConfig{RequestsPerMinute: 100, Clock: clock})

	h := http.Header{}
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", "160")
	rl.UpdateFromHTTPHeaders("ep", h)

	adm := rl.TryAcquire("ep")
	assert.False(t, adm.Granted)
	assert.Equal(t, time.Minute, adm.WaitFor)

	// Unparsable or missing headers are ignored.
	rl.UpdateFromHTTPHeaders("other", http.Header{})
	assert.True(t, rl.TryAcquire("other").Granted)
}

func TestLimiterUpdateBudgetsKeepsHistory(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	rl := NewRateLimiter(LimiterConfig{RequestsPerMinute: 10, Clock: clock})

	for i := 0; i < 3; i++ {
		require.True(t, rl.TryAcquire("ep").Granted)
	}

	// Shrinking the budget below the in-window count defers immediately.
	rl.UpdateBudgets(2, 0, 0)
	adm := rl.TryAcquire("ep")
	assert.False(t, adm.Granted)

	// Raising it re-admits without waiting.
	rl.UpdateBudgets(10, 0, 0)
	assert.True(t, rl.TryAcquire("ep").Granted)
}

func TestLimiterStats(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	rl := NewRateLimiter(LimiterConfig{RequestsPerMinute: 2, Clock: clock})

	rl.TryAcquire("ep")
	rl.TryAcquire("ep")
	rl.TryAcquire("ep") // deferred

	stats := rl.Stats()
	usage, ok := stats.PerEndpoint["ep"]
	require.True(t, ok)
	assert.Equal(t, uint64(2), usage.Granted)
	assert.Equal(t, uint64(1), usage.Deferred)
	assert.Equal(t, 2, usage.InWindowMinute)
}

func TestLimiterUnlimitedWhenNoBudgets(t *testing.T) {
	clock := core.NewFakeClock(time.Unix(0, 0))
	rl := NewRateLimiter(LimiterConfig{Clock: clock})

	for i := 0; i < 100; i++ {
		require.True(t, rl.TryAcquire("ep").Granted)
	}
}
