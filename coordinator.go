// Package personaforge coordinates outbound requests for persona generation:
// rate limiting, retry with backoff, response caching with single-flight,
// circuit breaking, batching, and provider health monitoring behind one
// facade.
package personaforge

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/personaforge/personaforge/core"
	"github.com/personaforge/personaforge/health"
	"github.com/personaforge/personaforge/llm"
	"github.com/personaforge/personaforge/persona"
	"github.com/personaforge/personaforge/scheduler"
	"github.com/personaforge/personaforge/taste"
	"github.com/personaforge/personaforge/telemetry"
)

// Option customizes coordinator construction.
type Option func(*options)

type options struct {
	logger          core.Logger
	clock           core.Clock
	metrics         *telemetry.MetricInstruments
	workers         int
	noRedis         bool
	tracing         bool
	tracingEndpoint string
}

// WithLogger overrides the default structured logger.
func WithLogger(l core.Logger) Option { return func(o *options) { o.logger = l } }

// WithClock injects a clock, mainly for tests.
func WithClock(c core.Clock) Option { return func(o *options) { o.clock = c } }

// WithMetrics enables OpenTelemetry instrumentation.
func WithMetrics(m *telemetry.MetricInstruments) Option {
	return func(o *options) { o.metrics = m }
}

// WithWorkers sizes the scheduler's execution pool.
func WithWorkers(n int) Option { return func(o *options) { o.workers = n } }

// WithoutRedis disables the second-level cache even when a Redis URL is
// configured.
func WithoutRedis() Option { return func(o *options) { o.noRedis = true } }

// WithTracing enables OpenTelemetry trace export. The endpoint is an OTLP
// gRPC collector address, or "stdout" for local development; empty falls
// back to OTEL_EXPORTER_OTLP_ENDPOINT. The installed tracer provider also
// activates the adapters' otelhttp transport spans.
func WithTracing(endpoint string) Option {
	return func(o *options) {
		o.tracing = true
		o.tracingEndpoint = endpoint
	}
}

// Coordinator is the top-level entry point. One instance owns the scheduler,
// both provider adapters, the enrichment orchestrator, and the health
// monitor, and shuts them down together.
type Coordinator struct {
	cfg *core.Config

	sched        *scheduler.Scheduler
	taste        *taste.Client
	llm          *llm.Client
	orchestrator *persona.Orchestrator
	monitor      *health.Monitor
	redis        *scheduler.RedisCache
	tracing      *telemetry.TracingProvider

	logger core.Logger

	cleanupOnce sync.Once
}

// New builds a fully wired coordinator from configuration. Both provider
// credentials are mandatory; a configured but unreachable Redis degrades to
// in-process caching with a warning instead of failing startup.
func New(cfg *core.Config, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = telemetry.NewLogger("personaforge", "coordinator")
	}
	clock := o.clock
	if clock == nil {
		clock = core.RealClock{}
	}

	var tracing *telemetry.TracingProvider
	var tel core.Telemetry = &core.NoOpTelemetry{}
	if o.tracing {
		tp, err := telemetry.NewTracingProvider("personaforge", o.tracingEndpoint)
		if err != nil {
			logger.Warn("Tracing unavailable, continuing without it", map[string]interface{}{
				"operation": "coordinator_init",
				"error":     err.Error(),
			})
		} else {
			tracing = tp
			tel = tp
		}
	}

	var second scheduler.SecondLevel
	var redisCache *scheduler.RedisCache
	if cfg.Cache.RedisURL != "" && !o.noRedis {
		rc, err := scheduler.NewRedisCache(cfg.Cache.RedisURL, logger)
		if err != nil {
			logger.Warn("Second-level cache unavailable, continuing without it", map[string]interface{}{
				"operation": "coordinator_init",
				"error":     err.Error(),
			})
		} else {
			second = rc
			redisCache = rc
		}
	}

	sched, err := scheduler.New(scheduler.Options{
		Config:  cfg,
		Logger:  logger,
		Clock:   clock,
		Metrics: o.metrics,
		Second:  second,
		Workers: o.workers,
	})
	if err != nil {
		return nil, err
	}

	limiterFeedback := func(endpoint string, h http.Header) {
		sched.Limiter().UpdateFromHTTPHeaders(endpoint, h)
	}

	tasteClient, err := taste.NewClient(taste.Config{
		BaseURL:         cfg.Taste.BaseURL,
		APIKey:          cfg.Taste.APIKey,
		Timeout:         cfg.Taste.Timeout.Std(),
		Logger:          logger,
		LimiterFeedback: limiterFeedback,
	})
	if err != nil {
		sched.Cleanup()
		return nil, err
	}

	llmClient, err := llm.NewClient(llm.Config{
		BaseURL:         cfg.LLM.BaseURL,
		APIKey:          cfg.LLM.APIKey,
		Model:           cfg.LLM.Model,
		Timeout:         cfg.LLM.Timeout.Std(),
		MaxTokens:       cfg.LLM.MaxTokens,
		Temperature:     cfg.LLM.Temperature,
		Logger:          logger,
		LimiterFeedback: limiterFeedback,
	})
	if err != nil {
		sched.Cleanup()
		return nil, err
	}

	orchestrator, err := persona.New(persona.Options{
		Scheduler: sched,
		Taste:     tasteClient,
		LLM:       llmClient,
		Clock:     clock,
		Logger:    logger,
		Telemetry: tel,
	})
	if err != nil {
		sched.Cleanup()
		return nil, err
	}

	monitor := health.NewMonitor(health.MonitorConfig{
		Interval:         cfg.Health.ProbeInterval.Std(),
		DegradedLatency:  cfg.Health.DegradedLatency.Std(),
		UnhealthyLatency: cfg.Health.UnhealthyLatency.Std(),
		HistorySize:      cfg.Health.HistorySize,
		Logger:           logger,
		Clock:            clock,
	}, sched)
	monitor.Register(taste.Provider, tasteClient)
	monitor.Register(llm.Provider, llmClient)
	monitor.Start()

	logger.Info("Coordinator initialized", map[string]interface{}{
		"operation":    "coordinator_init",
		"enabled":      cfg.Enabled,
		"redis_cache":  second != nil,
		"tracing":      tracing != nil,
		"health_every": cfg.Health.ProbeInterval.String(),
	})

	return &Coordinator{
		cfg:          cfg.Clone(),
		sched:        sched,
		taste:        tasteClient,
		llm:          llmClient,
		orchestrator: orchestrator,
		monitor:      monitor,
		redis:        redisCache,
		tracing:      tracing,
		logger:       logger,
	}, nil
}

// Generate runs the full enrichment pipeline for a brief and returns the
// requested personas.
func (c *Coordinator) Generate(ctx context.Context, brief *core.Brief) ([]*core.PersonaResult, error) {
	if brief == nil {
		return nil, core.NewError(core.KindInvalidInput, "coordinator.Generate",
			errors.New("brief is required"))
	}
	return c.orchestrator.Generate(ctx, brief)
}

// ExecuteRequest runs an arbitrary provider call through the admission
// pipeline. It is the low-level escape hatch for callers composing their own
// operations.
func (c *Coordinator) ExecuteRequest(ctx context.Context, opts scheduler.ExecuteOptions, produce scheduler.Producer) (interface{}, error) {
	return c.sched.Execute(ctx, opts, produce)
}

// HealthSnapshot reports aggregate provider and coordinator health.
func (c *Coordinator) HealthSnapshot() health.Report {
	return c.monitor.Snapshot()
}

// UpdateConfig atomically applies a partial configuration update.
func (c *Coordinator) UpdateConfig(patch *core.ConfigPatch) error {
	if patch == nil {
		return core.NewError(core.KindInvalidInput, "coordinator.UpdateConfig",
			errors.New("patch is required"))
	}
	if err := c.sched.UpdateConfig(patch); err != nil {
		return err
	}
	c.cfg = c.sched.Config()
	return nil
}

// Stats returns the coordinator counters.
func (c *Coordinator) Stats() scheduler.Snapshot {
	return c.sched.Stats()
}

// ResetStats zeroes the request counters.
func (c *Coordinator) ResetStats() {
	c.sched.ResetStats()
}

// Scheduler exposes the underlying scheduler for advanced callers.
func (c *Coordinator) Scheduler() *scheduler.Scheduler { return c.sched }

// Cleanup shuts everything down: health probing stops, queued and in-flight
// requests are rejected with a cleanup error, and the Redis connection (if
// any) closes. Idempotent.
func (c *Coordinator) Cleanup() {
	c.cleanupOnce.Do(func() {
		c.monitor.Stop()
		c.sched.Cleanup()
		if c.redis != nil {
			_ = c.redis.Close()
		}
		if c.tracing != nil {
			_ = c.tracing.Shutdown(context.Background())
		}
		c.logger.Info("Coordinator shut down", map[string]interface{}{
			"operation": "coordinator_cleanup",
		})
	})
}
