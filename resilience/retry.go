package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/personaforge/personaforge/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Multiplier    float64
	MaxAttempts   int
	JitterEnabled bool

	Logger core.Logger
	Clock  core.Clock

	// Rand supplies the jitter factor source in [0,1); defaults to
	// math/rand. Injectable for deterministic tests.
	Rand func() float64

	// OnBackoff is invoked before each backoff sleep. The scheduler uses it
	// to count backoffs in its stats.
	OnBackoff func(attempt int, delay time.Duration)
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		Multiplier:    2.0,
		MaxAttempts:   3,
		JitterEnabled: true,
	}
}

// Retrier executes operations with exponential backoff. Only retryable
// failures (rate limits, network errors, single-attempt timeouts, provider
// 5xx) are consumed; everything else surfaces immediately. A Retry-After
// hint on the error acts as a floor on the next delay. The retrier never
// continues after a cancellation.
type Retrier struct {
	cfg *RetryConfig
}

// NewRetrier creates a retrier from config, applying defaults for missing
// values.
func NewRetrier(cfg *RetryConfig) *Retrier {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = core.RealClock{}
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	return &Retrier{cfg: cfg}
}

// NextDelay computes the backoff before the retry following the n-th failed
// attempt (1-indexed): min(base * multiplier^(n-1), max). Jitter is not
// applied here so tests can check the law exactly.
func (r *Retrier) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(r.cfg.BaseDelay) * math.Pow(r.cfg.Multiplier, float64(attempt-1))
	if delay > float64(r.cfg.MaxDelay) {
		return r.cfg.MaxDelay
	}
	return time.Duration(delay)
}

// Do executes fn with retry. The final error carries the attempt count and
// cumulative backoff wait.
func (r *Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	var cumWait time.Duration

	maxAttempts := r.cfg.MaxAttempts
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return cancellationError(op, err)
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if core.IsCancellation(err) || errors.Is(err, context.Canceled) {
			return annotate(err, op, attempt, cumWait)
		}
		if !core.IsRetryable(err) {
			return annotate(err, op, attempt, cumWait)
		}
		if attempt == maxAttempts {
			break
		}

		delay := r.NextDelay(attempt)
		if r.cfg.JitterEnabled {
			// Uniform factor in [0.5, 1.5) spreads out synchronized
			// retries across clients.
			delay = time.Duration(float64(delay) * (0.5 + r.cfg.Rand()))
		}
		if floor := retryAfterHint(err); floor > delay {
			delay = floor
		}

		r.cfg.Logger.Warn("Retrying after transient failure", map[string]interface{}{
			"operation":    "retry_backoff",
			"op":           op,
			"attempt":      attempt,
			"max_attempts": maxAttempts,
			"delay_ms":     delay.Milliseconds(),
			"error":        err.Error(),
			"error_kind":   core.Kind(err).String(),
		})
		if r.cfg.OnBackoff != nil {
			r.cfg.OnBackoff(attempt, delay)
		}

		if err := r.cfg.Clock.Sleep(ctx, delay); err != nil {
			return cancellationError(op, err)
		}
		cumWait += delay
	}

	r.cfg.Logger.Error("Retries exhausted", map[string]interface{}{
		"operation":      "retry_exhausted",
		"op":             op,
		"total_attempts": maxAttempts,
		"final_error":    lastErr.Error(),
	})

	final := annotate(lastErr, op, maxAttempts, cumWait)
	var ce *core.CoordinatorError
	if errors.As(final, &ce) {
		ce.Err = errorsJoin(ce.Err, core.ErrMaxRetriesExceeded)
	}
	return final
}

// annotate attaches attempt count and cumulative wait to the surfaced error
// without mutating an error that single-flight may be sharing.
func annotate(err error, op string, attempts int, cumWait time.Duration) error {
	var ce *core.CoordinatorError
	if errors.As(err, &ce) {
		dup := *ce
		dup.Attempts = attempts
		dup.CumulativeWait = cumWait
		if dup.Op == "" {
			dup.Op = op
		}
		return &dup
	}
	out := core.NewError(core.Kind(err), op, err)
	out.Attempts = attempts
	out.CumulativeWait = cumWait
	return out
}

func cancellationError(op string, err error) error {
	kind := core.KindCancelled
	if errors.Is(err, context.DeadlineExceeded) {
		kind = core.KindTimeout
	}
	return core.NewError(kind, op, err)
}

func retryAfterHint(err error) time.Duration {
	var ce *core.CoordinatorError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}

func errorsJoin(a, b error) error {
	if a == nil {
		return b
	}
	return errors.Join(a, b)
}
