package resilience

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/personaforge/personaforge/core"
)

// Admission is the outcome of a TryAcquire call. When Granted is false,
// WaitFor is the soonest future duration after which admission can succeed
// given the current window contents.
type Admission struct {
	Granted bool
	WaitFor time.Duration
}

// LimiterConfig holds per-endpoint admission budgets.
type LimiterConfig struct {
	RequestsPerMinute int
	RequestsPerHour   int
	// Burst is the token-bucket capacity permitting short spikes above the
	// steady refill rate.
	Burst int

	Logger core.Logger
	Clock  core.Clock
}

// RateLimiter composes a sliding-window counter per (endpoint, window) with
// a token-bucket burst allowance. A request is admitted only when every
// configured window has headroom and the bucket has a token.
type RateLimiter struct {
	mu        sync.Mutex
	cfg       LimiterConfig
	endpoints map[string]*endpointState
	clock     core.Clock
	logger    core.Logger
}

type grantWindow struct {
	span   time.Duration
	budget int
	grants []time.Time // admission timestamps, ascending
}

type endpointState struct {
	windows []*grantWindow
	bucket  *rate.Limiter

	// forbidUntil is set when provider headers report zero remaining quota;
	// no admission happens before it regardless of local counters.
	forbidUntil      time.Time
	lastHeaderUpdate time.Time

	granted  uint64
	deferred uint64
}

// EndpointUsage is a point-in-time snapshot of one endpoint's admission state.
type EndpointUsage struct {
	Granted        uint64    `json:"granted"`
	Deferred       uint64    `json:"deferred"`
	InWindowMinute int       `json:"in_window_minute"`
	InWindowHour   int       `json:"in_window_hour"`
	ForbiddenUntil time.Time `json:"forbidden_until,omitempty"`
}

// LimiterStats aggregates usage across endpoints.
type LimiterStats struct {
	PerEndpoint map[string]EndpointUsage `json:"per_endpoint"`
}

// NewRateLimiter creates a limiter with the given budgets.
func NewRateLimiter(cfg LimiterConfig) *RateLimiter {
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = core.RealClock{}
	}
	return &RateLimiter{
		cfg:       cfg,
		endpoints: make(map[string]*endpointState),
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
}

// TryAcquire attempts admission for one request on an endpoint. It never
// blocks: the caller is responsible for scheduling a wake-up after WaitFor.
func (rl *RateLimiter) TryAcquire(endpoint string) Admission {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	ep := rl.endpoint(endpoint)

	if now.Before(ep.forbidUntil) {
		ep.deferred++
		wait := ep.forbidUntil.Sub(now)
		rl.logger.Debug("Admission deferred by provider quota", map[string]interface{}{
			"operation": "limiter_deferred",
			"endpoint":  endpoint,
			"reason":    "header_forbid",
			"wait_ms":   wait.Milliseconds(),
		})
		return Admission{WaitFor: wait}
	}

	var wait time.Duration
	for _, w := range ep.windows {
		w.prune(now)
		if w.budget > 0 && len(w.grants) >= w.budget {
			// Admission becomes possible when enough old grants fall out
			// of the window for the count to drop below budget.
			release := w.grants[len(w.grants)-w.budget].Add(w.span).Sub(now)
			if release > wait {
				wait = release
			}
		}
	}

	if wait == 0 && ep.bucket != nil {
		res := ep.bucket.ReserveN(now, 1)
		if !res.OK() {
			wait = time.Minute
		} else if d := res.DelayFrom(now); d > 0 {
			res.CancelAt(now)
			wait = d
		}
	}

	if wait > 0 {
		ep.deferred++
		rl.logger.Debug("Admission deferred", map[string]interface{}{
			"operation": "limiter_deferred",
			"endpoint":  endpoint,
			"wait_ms":   wait.Milliseconds(),
		})
		return Admission{WaitFor: wait}
	}

	for _, w := range ep.windows {
		w.grants = append(w.grants, now)
	}
	ep.granted++
	return Admission{Granted: true}
}

// UpdateFromHeaders accepts provider-supplied quota feedback. A remaining
// count of zero conservatively forbids admission until the reset instant,
// regardless of local counters.
func (rl *RateLimiter) UpdateFromHeaders(endpoint string, remaining int, reset time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	ep := rl.endpoint(endpoint)
	ep.lastHeaderUpdate = rl.clock.Now()

	if remaining <= 0 && reset.After(ep.forbidUntil) {
		ep.forbidUntil = reset
		rl.logger.Warn("Provider quota exhausted, forbidding admission", map[string]interface{}{
			"operation": "limiter_forbid",
			"endpoint":  endpoint,
			"reset_at":  reset.UTC().Format(time.RFC3339),
		})
	}
}

// UpdateFromHTTPHeaders parses the standard rate-limit hint headers
// (remaining count, reset as unix seconds) and feeds them to the limiter.
func (rl *RateLimiter) UpdateFromHTTPHeaders(endpoint string, h http.Header) {
	remainingStr := h.Get("X-RateLimit-Remaining")
	resetStr := h.Get("X-RateLimit-Reset")
	if remainingStr == "" || resetStr == "" {
		return
	}
	remaining, err := strconv.Atoi(remainingStr)
	if err != nil {
		return
	}
	resetEpoch, err := strconv.ParseInt(resetStr, 10, 64)
	if err != nil {
		return
	}
	rl.UpdateFromHeaders(endpoint, remaining, time.Unix(resetEpoch, 0))
}

// UpdateBudgets replaces the admission budgets. Existing grant history is
// retained so the new budgets apply to subsequent admissions only.
func (rl *RateLimiter) UpdateBudgets(perMinute, perHour, burst int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cfg.RequestsPerMinute = perMinute
	rl.cfg.RequestsPerHour = perHour
	rl.cfg.Burst = burst

	for _, ep := range rl.endpoints {
		rl.applyBudgets(ep)
	}
}

// Stats returns a snapshot of usage per endpoint.
func (rl *RateLimiter) Stats() LimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	stats := LimiterStats{PerEndpoint: make(map[string]EndpointUsage, len(rl.endpoints))}
	for name, ep := range rl.endpoints {
		usage := EndpointUsage{
			Granted:  ep.granted,
			Deferred: ep.deferred,
		}
		for _, w := range ep.windows {
			w.prune(now)
			switch w.span {
			case time.Minute:
				usage.InWindowMinute = len(w.grants)
			case time.Hour:
				usage.InWindowHour = len(w.grants)
			}
		}
		if ep.forbidUntil.After(now) {
			usage.ForbiddenUntil = ep.forbidUntil
		}
		stats.PerEndpoint[name] = usage
	}
	return stats
}

// endpoint returns the state for an endpoint, creating it on first use.
// Callers must hold rl.mu.
func (rl *RateLimiter) endpoint(name string) *endpointState {
	ep, ok := rl.endpoints[name]
	if !ok {
		ep = &endpointState{}
		rl.applyBudgets(ep)
		rl.endpoints[name] = ep
	}
	return ep
}

// applyBudgets rebuilds windows and bucket for the current budgets while
// preserving grant history. Callers must hold rl.mu.
func (rl *RateLimiter) applyBudgets(ep *endpointState) {
	keep := func(span time.Duration) []time.Time {
		for _, w := range ep.windows {
			if w.span == span {
				return w.grants
			}
		}
		return nil
	}

	var windows []*grantWindow
	if rl.cfg.RequestsPerMinute > 0 {
		windows = append(windows, &grantWindow{
			span:   time.Minute,
			budget: rl.cfg.RequestsPerMinute,
			grants: keep(time.Minute),
		})
	}
	if rl.cfg.RequestsPerHour > 0 {
		windows = append(windows, &grantWindow{
			span:   time.Hour,
			budget: rl.cfg.RequestsPerHour,
			grants: keep(time.Hour),
		})
	}
	ep.windows = windows

	ep.bucket = nil
	if rl.cfg.Burst > 0 {
		// The bucket refills at budget/window; the tighter of the two
		// configured budgets sets the refill rate.
		refill := rate.Inf
		if rl.cfg.RequestsPerMinute > 0 {
			refill = rate.Limit(float64(rl.cfg.RequestsPerMinute) / 60.0)
		}
		if rl.cfg.RequestsPerHour > 0 {
			hourly := rate.Limit(float64(rl.cfg.RequestsPerHour) / 3600.0)
			if refill == rate.Inf || hourly < refill {
				refill = hourly
			}
		}
		if refill != rate.Inf {
			// The bucket starts full, so an initial spike up to Burst is admitted.
			ep.bucket = rate.NewLimiter(refill, rl.cfg.Burst)
		}
	}
}

func (w *grantWindow) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	idx := 0
	for idx < len(w.grants) && !w.grants[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.grants = append(w.grants[:0], w.grants[idx:]...)
	}
}
