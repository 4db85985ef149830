package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/personaforge/personaforge/core"
)

// BreakerState represents the state of the circuit breaker
type BreakerState int

const (
	// StateClosed allows all calls through
	StateClosed BreakerState = iota
	// StateOpen rejects all calls
	StateOpen
	// StateHalfOpen admits exactly one probe at a time
	StateHalfOpen
)

// String returns the string representation of the state
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// MetricsCollector interface for circuit breaker metrics
type MetricsCollector interface {
	RecordSuccess(name string)
	RecordFailure(name string, errorType string)
	RecordStateChange(name string, from, to string)
	RecordRejection(name string)
}

// noopMetrics is a no-op metrics implementation
type noopMetrics struct{}

func (n *noopMetrics) RecordSuccess(name string)                      {}
func (n *noopMetrics) RecordFailure(name string, errorType string)    {}
func (n *noopMetrics) RecordStateChange(name string, from, to string) {}
func (n *noopMetrics) RecordRejection(name string)                    {}

// ErrorClassifier determines which errors count toward the failure streak
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts provider faults, not caller behavior.
// Cancellations, invalid input, local breaker rejections, and rate-limit
// deferrals (the limiter's concern, not the provider's health) do not count.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch core.Kind(err) {
	case core.KindNetwork, core.KindUpstream, core.KindTimeout,
		core.KindAuthentication, core.KindAuthorization:
		return true
	default:
		return false
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker (usually the adapter name)
	Name string

	// FailThreshold is the consecutive-failure count that opens the circuit
	FailThreshold int

	// WindowFail bounds the failure streak: failures further apart than
	// this restart the streak
	WindowFail time.Duration

	// Cooldown is the initial wait before half-open probing
	Cooldown time.Duration

	// MaxCooldown caps the doubled cooldown after failed probes
	MaxCooldown time.Duration

	// ErrorClassifier determines which errors count as failures
	ErrorClassifier ErrorClassifier

	Logger  core.Logger
	Metrics MetricsCollector
	Clock   core.Clock
}

// Validate validates the circuit breaker configuration
func (c *CircuitBreakerConfig) Validate() error {
	if c == nil {
		return errors.New("configuration cannot be nil")
	}
	if c.Name == "" {
		return errors.New("circuit breaker name is required")
	}
	if c.FailThreshold < 1 {
		return fmt.Errorf("fail threshold must be at least 1, got %d", c.FailThreshold)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be positive, got %v", c.Cooldown)
	}
	if c.MaxCooldown < c.Cooldown {
		return fmt.Errorf("max cooldown %v must be at least cooldown %v", c.MaxCooldown, c.Cooldown)
	}
	return nil
}

// ProbeToken links an admission decision to its result report. Half-open
// probes must release their slot exactly once via RecordResult.
type ProbeToken struct {
	halfOpen bool
}

// CircuitBreaker is a per-adapter state machine. While Open, zero calls are
// admitted; HalfOpen admits exactly one probe at a time. A failed probe
// doubles the cooldown, capped at MaxCooldown.
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	clock  core.Clock

	mu                  sync.Mutex
	state               BreakerState
	consecutiveFailures int
	streakStartedAt     time.Time
	lastFailureAt       time.Time
	openedAt            time.Time
	cooldown            time.Duration
	probeInFlight       bool

	forceOpen   bool
	forceClosed bool

	totalExecutions    uint64
	rejectedExecutions uint64

	listeners []func(name string, from, to BreakerState)
}

// NewCircuitBreaker creates a circuit breaker from config.
func NewCircuitBreaker(config *CircuitBreakerConfig) (*CircuitBreaker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if config.ErrorClassifier == nil {
		config.ErrorClassifier = DefaultErrorClassifier
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}
	if config.Clock == nil {
		config.Clock = core.RealClock{}
	}

	cb := &CircuitBreaker{
		config:   config,
		clock:    config.Clock,
		state:    StateClosed,
		cooldown: config.Cooldown,
	}

	config.Logger.Info("Circuit breaker created", map[string]interface{}{
		"operation":      "circuit_breaker_created",
		"name":           config.Name,
		"fail_threshold": config.FailThreshold,
		"cooldown_ms":    config.Cooldown.Milliseconds(),
	})

	return cb, nil
}

// Allow decides whether a call may proceed. On rejection the returned error
// classifies as KindBreakerOpen and carries the remaining cooldown as a
// retry hint.
func (cb *CircuitBreaker) Allow() (ProbeToken, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.forceClosed {
		cb.totalExecutions++
		return ProbeToken{}, nil
	}
	if cb.forceOpen {
		return ProbeToken{}, cb.rejectLocked(0)
	}

	now := cb.clock.Now()

	switch cb.state {
	case StateClosed:
		cb.totalExecutions++
		return ProbeToken{}, nil

	case StateOpen:
		remaining := cb.openedAt.Add(cb.cooldown).Sub(now)
		if remaining > 0 {
			return ProbeToken{}, cb.rejectLocked(remaining)
		}
		cb.transitionLocked(StateHalfOpen)
		cb.probeInFlight = true
		cb.totalExecutions++
		return ProbeToken{halfOpen: true}, nil

	case StateHalfOpen:
		if cb.probeInFlight {
			return ProbeToken{}, cb.rejectLocked(0)
		}
		cb.probeInFlight = true
		cb.totalExecutions++
		return ProbeToken{halfOpen: true}, nil

	default:
		return ProbeToken{}, cb.rejectLocked(0)
	}
}

// RecordResult reports the outcome of a call previously admitted by Allow.
func (cb *CircuitBreaker) RecordResult(token ProbeToken, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.forceOpen || cb.forceClosed {
		return
	}

	counts := cb.config.ErrorClassifier(err)
	now := cb.clock.Now()

	if token.halfOpen {
		cb.probeInFlight = false
		switch {
		case err == nil:
			cb.config.Metrics.RecordSuccess(cb.config.Name)
			cb.consecutiveFailures = 0
			cb.cooldown = cb.config.Cooldown
			cb.transitionLocked(StateClosed)
		case counts:
			cb.config.Metrics.RecordFailure(cb.config.Name, core.Kind(err).String())
			cb.openedAt = now
			cb.cooldown = cb.cooldown * 2
			if cb.cooldown > cb.config.MaxCooldown {
				cb.cooldown = cb.config.MaxCooldown
			}
			cb.transitionLocked(StateOpen)
		default:
			// Probe completed without a health signal (e.g. cancelled);
			// leave half-open so the next call probes again.
		}
		return
	}

	if cb.state != StateClosed {
		// Late result from before a transition; the probe accounting above
		// already owns recovery decisions.
		return
	}

	if err == nil {
		cb.config.Metrics.RecordSuccess(cb.config.Name)
		cb.consecutiveFailures = 0
		return
	}
	if !counts {
		return
	}

	cb.config.Metrics.RecordFailure(cb.config.Name, core.Kind(err).String())

	// Failures further apart than WindowFail restart the streak.
	if cb.config.WindowFail > 0 && cb.consecutiveFailures > 0 &&
		now.Sub(cb.streakStartedAt) > cb.config.WindowFail {
		cb.consecutiveFailures = 0
	}
	if cb.consecutiveFailures == 0 {
		cb.streakStartedAt = now
	}
	cb.consecutiveFailures++
	cb.lastFailureAt = now

	if cb.consecutiveFailures >= cb.config.FailThreshold {
		cb.config.Logger.Warn("Circuit breaker opening", map[string]interface{}{
			"operation":            "circuit_breaker_opening",
			"name":                 cb.config.Name,
			"consecutive_failures": cb.consecutiveFailures,
			"fail_threshold":       cb.config.FailThreshold,
			"cooldown_ms":          cb.cooldown.Milliseconds(),
		})
		cb.openedAt = now
		cb.transitionLocked(StateOpen)
	}
}

// Execute runs fn under breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	token, err := cb.Allow()
	if err != nil {
		return err
	}
	err = fn()
	cb.RecordResult(token, err)
	return err
}

// GetState returns the current state name.
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns current counters for monitoring.
func (cb *CircuitBreaker) Snapshot() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := map[string]interface{}{
		"name":                 cb.config.Name,
		"state":                cb.state.String(),
		"consecutive_failures": cb.consecutiveFailures,
		"cooldown_ms":          cb.cooldown.Milliseconds(),
		"total_executions":     cb.totalExecutions,
		"rejected_executions":  cb.rejectedExecutions,
		"force_open":           cb.forceOpen,
		"force_closed":         cb.forceClosed,
	}
	if !cb.lastFailureAt.IsZero() {
		snap["last_failure_at"] = cb.lastFailureAt.UTC().Format(time.RFC3339)
	}
	return snap
}

// CheckAdmission reports whether a call admitted now could proceed. Unlike
// Allow it never transitions state and never consumes the half-open probe
// slot, so it is safe as a pre-check before a request commits to queueing or
// batching: a cooldown expiring concurrently simply lets the request through
// to the worker-side Allow. On rejection the returned error matches what
// Allow would have produced, including the remaining cooldown.
func (cb *CircuitBreaker) CheckAdmission() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.forceClosed {
		return nil
	}
	if cb.forceOpen {
		return cb.rejectLocked(0)
	}
	if cb.state == StateOpen {
		remaining := cb.openedAt.Add(cb.cooldown).Sub(cb.clock.Now())
		if remaining > 0 {
			return cb.rejectLocked(remaining)
		}
	}
	return nil
}

// AllowsAdmission reports whether a call admitted now could proceed, without
// consuming a probe slot. Used as a fast pre-check before a request commits
// to queueing or batching.
func (cb *CircuitBreaker) AllowsAdmission() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.forceClosed {
		return true
	}
	if cb.forceOpen {
		return false
	}
	if cb.state == StateOpen {
		return !cb.clock.Now().Before(cb.openedAt.Add(cb.cooldown))
	}
	return true
}

// UpdateSettings replaces the breaker thresholds at runtime. State and the
// failure streak carry over; a shrunk MaxCooldown clamps the current cooldown.
func (cb *CircuitBreaker) UpdateSettings(failThreshold int, windowFail, cooldown, maxCooldown time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.config.FailThreshold = failThreshold
	cb.config.WindowFail = windowFail
	cb.config.Cooldown = cooldown
	cb.config.MaxCooldown = maxCooldown
	if cb.cooldown > maxCooldown {
		cb.cooldown = maxCooldown
	}
	if cb.cooldown < cooldown {
		cb.cooldown = cooldown
	}
}

// ConsecutiveFailures returns the current failure streak length.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// AddStateChangeListener adds a listener for state changes
func (cb *CircuitBreaker) AddStateChangeListener(listener func(name string, from, to BreakerState)) {
	cb.mu.Lock()
	cb.listeners = append(cb.listeners, listener)
	cb.mu.Unlock()
}

// Reset returns the breaker to closed with cleared counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	previous := cb.state
	cb.consecutiveFailures = 0
	cb.probeInFlight = false
	cb.cooldown = cb.config.Cooldown
	cb.transitionLocked(StateClosed)

	cb.config.Logger.Info("Circuit breaker reset", map[string]interface{}{
		"operation":      "circuit_breaker_reset",
		"name":           cb.config.Name,
		"previous_state": previous.String(),
	})
}

// ForceOpen manually opens the circuit
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forceOpen = true
	cb.forceClosed = false
	cb.transitionLocked(StateOpen)
}

// ForceClosed manually closes the circuit
func (cb *CircuitBreaker) ForceClosed() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forceClosed = true
	cb.forceOpen = false
	cb.transitionLocked(StateClosed)
}

// ClearForce removes manual override
func (cb *CircuitBreaker) ClearForce() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.forceOpen = false
	cb.forceClosed = false
}

// rejectLocked records a rejection and builds the surfaced error.
// Callers must hold cb.mu.
func (cb *CircuitBreaker) rejectLocked(remaining time.Duration) error {
	cb.rejectedExecutions++
	cb.config.Metrics.RecordRejection(cb.config.Name)

	cb.config.Logger.Debug("Circuit breaker rejected call", map[string]interface{}{
		"operation": "circuit_breaker_reject",
		"name":      cb.config.Name,
		"state":     cb.state.String(),
	})

	err := core.NewError(core.KindBreakerOpen, "breaker."+cb.config.Name,
		fmt.Errorf("circuit breaker '%s' is %s: %w", cb.config.Name, cb.state, core.ErrCircuitBreakerOpen))
	err.Provider = cb.config.Name
	err.RetryAfter = remaining
	return err
}

// transitionLocked changes state. Callers must hold cb.mu.
func (cb *CircuitBreaker) transitionLocked(newState BreakerState) {
	oldState := cb.state
	if oldState == newState {
		return
	}

	cb.state = newState
	if newState == StateHalfOpen {
		cb.probeInFlight = false
	}

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation": "circuit_breaker_transition",
		"name":      cb.config.Name,
		"from":      oldState.String(),
		"to":        newState.String(),
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, oldState.String(), newState.String())

	for _, listener := range cb.listeners {
		go listener(cb.config.Name, oldState, newState)
	}
}
