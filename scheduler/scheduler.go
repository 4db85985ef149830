package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/personaforge/personaforge/core"
	"github.com/personaforge/personaforge/resilience"
	"github.com/personaforge/personaforge/telemetry"
)

// Producer performs the actual provider call for one request. It must honor
// ctx cancellation.
type Producer func(ctx context.Context) (interface{}, error)

// ExecuteOptions describes one request to the scheduler.
type ExecuteOptions struct {
	// Provider selects the circuit breaker ("taste", "llm").
	Provider string
	// Endpoint selects the rate-limit bucket.
	Endpoint string
	// Type groups batchable requests; only types named in the batching
	// config are coalesced.
	Type string

	// Key enables caching and single-flight when non-empty.
	Key core.RequestKey
	// TTL overrides the cache default for this entry.
	TTL time.Duration
	// Codec enables second-level cache participation for this entry.
	Codec Codec

	// Priority orders queued requests; higher runs first, FIFO within a
	// priority.
	Priority  int
	Batchable bool

	// Timeout bounds the whole attempt sequence including waits. Zero means
	// no per-request bound beyond the caller's context.
	Timeout time.Duration
}

type requestOutcome struct {
	value interface{}
	err   error
}

// RequestEnvelope is the scheduler's internal handle for one admitted
// request.
type RequestEnvelope struct {
	ID       string
	Provider string
	Endpoint string
	Type     string
	Priority int

	seq        uint64
	enqueuedAt time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	produce Producer

	done      chan requestOutcome
	completed atomic.Bool
}

// complete delivers the outcome exactly once. Returns false when someone
// (cancellation, cleanup) already completed the envelope.
func (e *RequestEnvelope) complete(v interface{}, err error) bool {
	if !e.completed.CompareAndSwap(false, true) {
		return false
	}
	e.done <- requestOutcome{value: v, err: err}
	return true
}

// Options configures a Scheduler.
type Options struct {
	Config *core.Config
	Logger core.Logger
	Clock  core.Clock
	// Metrics enables OpenTelemetry instrumentation when non-nil.
	Metrics *telemetry.MetricInstruments
	// Second is the optional shared cache tier.
	Second SecondLevel
	// Workers sizes the execution pool. Defaults to 8.
	Workers int
}

// Scheduler is the admission pipeline for outbound provider requests: cache
// and single-flight first, then breaker, batching, rate limiting, and retry
// around the producer call. One instance serves all providers.
type Scheduler struct {
	cfgMu sync.RWMutex
	cfg   *core.Config

	limiter *resilience.RateLimiter
	cache   *ResponseCache
	batcher *Batcher
	stats   *Stats

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker
	breakerMet resilience.MetricsCollector

	queue *requestQueue
	seq   atomic.Uint64

	gatesMu sync.Mutex
	gates   map[string]*admissionGate

	inflightMu sync.Mutex
	inflight   map[string]*RequestEnvelope

	baseCtx    context.Context
	baseCancel context.CancelFunc
	closed     atomic.Bool
	workersWG  sync.WaitGroup

	clock   core.Clock
	logger  core.Logger
	metrics *telemetry.MetricInstruments
}

// New creates a scheduler and starts its worker pool.
func New(opts Options) (*Scheduler, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = core.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	clock := opts.Clock
	if clock == nil {
		clock = core.RealClock{}
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 8
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cfg: cfg.Clone(),
		limiter: resilience.NewRateLimiter(resilience.LimiterConfig{
			RequestsPerMinute: cfg.Limiter.RequestsPerMinute,
			RequestsPerHour:   cfg.Limiter.RequestsPerHour,
			Burst:             cfg.Limiter.Burst,
			Logger:            logger,
			Clock:             clock,
		}),
		cache: NewResponseCache(CacheConfig{
			MaxBytes:   cfg.Cache.ByteBudget,
			DefaultTTL: cfg.Cache.DefaultTTL.Std(),
			Second:     opts.Second,
			Logger:     logger,
			Clock:      clock,
		}),
		stats:      NewStats(),
		breakers:   make(map[string]*resilience.CircuitBreaker),
		queue:      newRequestQueue(),
		gates:      make(map[string]*admissionGate),
		inflight:   make(map[string]*RequestEnvelope),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		clock:      clock,
		logger:     logger,
		metrics:    opts.Metrics,
	}

	if opts.Metrics != nil {
		s.breakerMet = resilience.NewOTelMetricsCollector(baseCtx)
	}

	s.batcher = NewBatcher(baseCtx, s.batchingConfig, s.executeBatch, clock, logger)

	for i := 0; i < workers; i++ {
		s.workersWG.Add(1)
		go s.worker()
	}

	logger.Info("Scheduler started", map[string]interface{}{
		"operation":           "scheduler_start",
		"workers":             workers,
		"requests_per_minute": cfg.Limiter.RequestsPerMinute,
		"requests_per_hour":   cfg.Limiter.RequestsPerHour,
		"cache_bytes":         cfg.Cache.ByteBudget,
	})

	return s, nil
}

// Execute runs one request through the full admission pipeline and blocks
// until the outcome is available or ctx is done. Cancelling ctx abandons the
// request for this caller only; a single-flight run shared with other
// callers continues.
func (s *Scheduler) Execute(ctx context.Context, opts ExecuteOptions, produce Producer) (interface{}, error) {
	if opts.Provider == "" || opts.Endpoint == "" {
		return nil, core.NewError(core.KindInvalidInput, "scheduler.execute",
			errors.New("provider and endpoint are required"))
	}
	if s.closed.Load() {
		return nil, core.NewError(core.KindCleanup, "scheduler.execute", core.ErrCleanup)
	}

	s.stats.recordRequest(opts.Endpoint)
	s.count(telemetry.MetricRequestsTotal, 1, opts.Endpoint)

	cfg := s.snapshotConfig()
	if !cfg.Enabled {
		// Coordination disabled: identity pass-through.
		v, err := produce(ctx)
		if err != nil {
			s.stats.recordFailure()
		} else {
			s.stats.recordAccepted(opts.Endpoint)
			s.stats.recordSuccess(opts.Endpoint)
		}
		return v, err
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	if opts.Key == "" {
		return s.dispatch(ctx, opts, produce)
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = cfg.Cache.DefaultTTL.Std()
	}
	v, err := s.cache.GetOrCompute(ctx, opts.Key, ttl, opts.Codec, func(pctx context.Context) (interface{}, error) {
		return s.dispatch(pctx, opts, produce)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, contextError("scheduler.execute", err)
		}
		return nil, err
	}
	return v, nil
}

// dispatch runs a request past the cache layer: breaker pre-check, then
// either the batcher or the priority queue, then the worker-side retry loop.
func (s *Scheduler) dispatch(ctx context.Context, opts ExecuteOptions, produce Producer) (interface{}, error) {
	if opts.Timeout > 0 {
		// Single-flight hands us a context detached from the initiating
		// caller; re-apply the per-request bound to the shared run.
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
			defer cancel()
		}
	}

	br, err := s.breaker(opts.Provider)
	if err != nil {
		return nil, err
	}
	if rejectErr := br.CheckAdmission(); rejectErr != nil {
		s.stats.recordRejected(opts.Endpoint)
		s.stats.recordFailure()
		s.count(telemetry.MetricRequestsRejected, 1, opts.Endpoint)
		return nil, rejectErr
	}

	env := s.newEnvelope(ctx, opts, produce)
	s.track(env)
	defer s.untrack(env)

	batched := opts.Batchable && s.batcher.Eligible(opts.Type)
	if batched {
		s.stats.recordBatched()
		s.count(telemetry.MetricRequestsBatched, 1, opts.Endpoint)
		if err := s.batcher.Enqueue(env); err != nil {
			s.stats.recordRejected(opts.Endpoint)
			s.stats.recordFailure()
			return nil, err
		}
	} else {
		if !s.queue.push(env) {
			s.stats.recordRejected(opts.Endpoint)
			return nil, core.NewError(core.KindCleanup, "scheduler.dispatch", core.ErrCleanup)
		}
	}

	return s.await(ctx, env, batched)
}

// await blocks for the envelope outcome or the caller giving up.
func (s *Scheduler) await(ctx context.Context, env *RequestEnvelope, batched bool) (interface{}, error) {
	select {
	case out := <-env.done:
		return out.value, out.err
	case <-ctx.Done():
		env.cancel()
		if batched {
			s.batcher.Remove(env)
		}
		// Claim the envelope so a racing worker result is dropped and no
		// further stats are attributed to this request.
		env.completed.CompareAndSwap(false, true)
		return nil, contextError("scheduler.await", ctx.Err())
	}
}

// worker drains the priority queue until the scheduler shuts down.
func (s *Scheduler) worker() {
	defer s.workersWG.Done()
	for {
		env, ok := s.queue.pop()
		if !ok {
			return
		}
		if env.completed.Load() {
			continue
		}
		v, accepted, err := s.runWithRetry(env)
		if env.complete(v, err) {
			s.recordOutcome(env.Endpoint, accepted, err)
		}
	}
}

// executeBatch is the batcher's executor: the batch is a locally coalesced
// group, executed item by item under the shared limiter and breaker so a
// batch never exceeds provider budgets.
func (s *Scheduler) executeBatch(ctx context.Context, items []*RequestEnvelope) []BatchOutcome {
	outcomes := make([]BatchOutcome, len(items))
	for i, env := range items {
		if env.completed.Load() || env.ctx.Err() != nil {
			outcomes[i] = BatchOutcome{Err: contextError("scheduler.batch", context.Canceled)}
			continue
		}
		v, accepted, err := s.runWithRetry(env)
		if env.complete(v, err) {
			s.recordOutcome(env.Endpoint, accepted, err)
		}
		outcomes[i] = BatchOutcome{Value: v, Err: err}
	}
	return outcomes
}

// runWithRetry is the worker-side execution: limiter admission, breaker
// token, producer call, outcome reporting, all under the retry engine. The
// returned accepted flag records whether the request ever cleared admission;
// the caller owns outcome stats so a cancelled caller's claim suppresses
// them.
func (s *Scheduler) runWithRetry(env *RequestEnvelope) (interface{}, bool, error) {
	endpoint := env.Endpoint
	cfg := s.snapshotConfig()
	retrier := resilience.NewRetrier(&resilience.RetryConfig{
		BaseDelay:     cfg.Backoff.BaseDelay.Std(),
		MaxDelay:      cfg.Backoff.MaxDelay.Std(),
		Multiplier:    cfg.Backoff.Multiplier,
		MaxAttempts:   cfg.Backoff.MaxAttempts,
		JitterEnabled: cfg.Backoff.JitterEnabled,
		Logger:        s.logger,
		Clock:         s.clock,
		OnBackoff: func(attempt int, delay time.Duration) {
			s.stats.recordBackoff()
			s.stats.recordWait(delay)
			s.count(telemetry.MetricBackoffs, 1, endpoint)
		},
	})

	br, err := s.breaker(env.Provider)
	if err != nil {
		return nil, false, err
	}

	var result interface{}
	accepted := false
	err = retrier.Do(env.ctx, env.Provider+"."+endpoint, func(ctx context.Context) error {
		if err := s.awaitAdmission(ctx, env); err != nil {
			return err
		}
		token, err := br.Allow()
		if err != nil {
			return err
		}
		accepted = true

		start := s.clock.Now()
		v, err := env.produce(ctx)
		latency := s.clock.Now().Sub(start)
		br.RecordResult(token, err)
		s.observe(telemetry.MetricProviderLatency, latency.Seconds(), endpoint)
		if err != nil {
			s.count(telemetry.MetricProviderErrors, 1, endpoint)
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		return nil, accepted, err
	}
	return result, accepted, nil
}

// recordOutcome attributes the final counters for a request whose envelope
// was completed by its executor. Callers must only invoke it when
// env.complete succeeded, so nothing is attributed to a request its caller
// already abandoned.
func (s *Scheduler) recordOutcome(endpoint string, accepted bool, err error) {
	if accepted {
		s.stats.recordAccepted(endpoint)
		s.count(telemetry.MetricRequestsAccepted, 1, endpoint)
	}
	if err != nil {
		s.stats.recordFailure()
		if !accepted {
			s.stats.recordRejected(endpoint)
			s.count(telemetry.MetricRequestsRejected, 1, endpoint)
		}
		return
	}
	s.stats.recordSuccess(endpoint)
}

// awaitAdmission loops on the limiter, sleeping out each deferral, until a
// slot is granted or ctx is done. Requests to the same endpoint take turns
// through an admission gate ordered by (priority desc, arrival asc), so
// deferred equal-priority requests are granted strictly in arrival order
// instead of racing on wake-up.
func (s *Scheduler) awaitAdmission(ctx context.Context, env *RequestEnvelope) error {
	endpoint := env.Endpoint
	gate := s.gate(endpoint)
	turn := gate.join(env.Priority, env.seq)
	defer gate.leave(turn)

	select {
	case <-turn.ready:
	case <-ctx.Done():
		return contextError("scheduler.admission", ctx.Err())
	}

	for {
		adm := s.limiter.TryAcquire(endpoint)
		if adm.Granted {
			s.count(telemetry.MetricLimiterGranted, 1, endpoint)
			return nil
		}
		s.count(telemetry.MetricLimiterDeferred, 1, endpoint)
		s.stats.recordWait(adm.WaitFor)
		s.observe(telemetry.MetricWaitDuration, adm.WaitFor.Seconds(), endpoint)
		if err := s.clock.Sleep(ctx, adm.WaitFor); err != nil {
			return contextError("scheduler.admission", err)
		}
	}
}

// gate returns the admission gate for an endpoint, creating it on first use.
func (s *Scheduler) gate(endpoint string) *admissionGate {
	s.gatesMu.Lock()
	defer s.gatesMu.Unlock()
	g, ok := s.gates[endpoint]
	if !ok {
		g = &admissionGate{}
		s.gates[endpoint] = g
	}
	return g
}

// Limiter exposes the rate limiter so adapters can feed provider header
// hints back into admission.
func (s *Scheduler) Limiter() *resilience.RateLimiter { return s.limiter }

// Cache exposes the response cache for direct inspection.
func (s *Scheduler) Cache() *ResponseCache { return s.cache }

// Breaker returns the circuit breaker for a provider, creating it on first
// use.
func (s *Scheduler) Breaker(provider string) (*resilience.CircuitBreaker, error) {
	return s.breaker(provider)
}

func (s *Scheduler) breaker(provider string) (*resilience.CircuitBreaker, error) {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()

	if br, ok := s.breakers[provider]; ok {
		return br, nil
	}
	cfg := s.snapshotConfig()
	br, err := resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
		Name:          provider,
		FailThreshold: cfg.Breaker.FailThreshold,
		WindowFail:    cfg.Breaker.WindowFail.Std(),
		Cooldown:      cfg.Breaker.Cooldown.Std(),
		MaxCooldown:   cfg.Breaker.MaxCooldown.Std(),
		Logger:        s.logger,
		Metrics:       s.breakerMet,
		Clock:         s.clock,
	})
	if err != nil {
		return nil, err
	}
	s.breakers[provider] = br
	return br, nil
}

// UpdateConfig atomically applies a partial configuration update. New values
// govern subsequent admissions; requests already past admission finish under
// the old values.
func (s *Scheduler) UpdateConfig(patch *core.ConfigPatch) error {
	s.cfgMu.Lock()
	next, err := patch.Apply(s.cfg)
	if err != nil {
		s.cfgMu.Unlock()
		return err
	}
	s.cfg = next
	s.cfgMu.Unlock()

	s.limiter.UpdateBudgets(next.Limiter.RequestsPerMinute, next.Limiter.RequestsPerHour, next.Limiter.Burst)
	s.cache.SetBudget(next.Cache.ByteBudget, next.Cache.DefaultTTL.Std())

	s.breakersMu.Lock()
	for _, br := range s.breakers {
		br.UpdateSettings(next.Breaker.FailThreshold, next.Breaker.WindowFail.Std(),
			next.Breaker.Cooldown.Std(), next.Breaker.MaxCooldown.Std())
	}
	s.breakersMu.Unlock()

	s.logger.Info("Configuration updated", map[string]interface{}{
		"operation":           "scheduler_update_config",
		"requests_per_minute": next.Limiter.RequestsPerMinute,
		"requests_per_hour":   next.Limiter.RequestsPerHour,
		"enabled":             next.Enabled,
	})
	return nil
}

// Config returns a copy of the active configuration.
func (s *Scheduler) Config() *core.Config {
	return s.snapshotConfig().Clone()
}

// Snapshot aggregates coordinator statistics across all components.
type Snapshot struct {
	Requests StatsSnapshot                     `json:"requests"`
	Cache    CacheStats                        `json:"cache"`
	Limiter  resilience.LimiterStats           `json:"limiter"`
	Breakers map[string]map[string]interface{} `json:"breakers"`
}

// Stats returns a point-in-time view of all counters.
func (s *Scheduler) Stats() Snapshot {
	snap := Snapshot{
		Requests: s.stats.Snapshot(),
		Cache:    s.cache.Stats(),
		Limiter:  s.limiter.Stats(),
		Breakers: make(map[string]map[string]interface{}),
	}
	s.breakersMu.Lock()
	for name, br := range s.breakers {
		snap.Breakers[name] = br.Snapshot()
	}
	s.breakersMu.Unlock()
	return snap
}

// ResetStats zeroes the request counters. Cache contents and breaker state
// are unaffected.
func (s *Scheduler) ResetStats() {
	s.stats.Reset()
}

// Cleanup shuts the scheduler down: queued and in-flight requests are
// rejected with a cleanup error, workers drain, and no new work is accepted.
// Idempotent.
func (s *Scheduler) Cleanup() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.logger.Info("Scheduler cleanup started", map[string]interface{}{
		"operation": "scheduler_cleanup",
	})

	pending := s.queue.close()
	for _, env := range pending {
		if env.complete(nil, core.NewError(core.KindCleanup, "scheduler.cleanup", core.ErrCleanup)) {
			s.stats.recordRejected(env.Endpoint)
		}
	}

	s.batcher.Shutdown()

	s.inflightMu.Lock()
	active := make([]*RequestEnvelope, 0, len(s.inflight))
	for _, env := range s.inflight {
		active = append(active, env)
	}
	s.inflightMu.Unlock()
	for _, env := range active {
		env.cancel()
		if env.complete(nil, core.NewError(core.KindCleanup, "scheduler.cleanup", core.ErrCleanup)) {
			s.stats.recordRejected(env.Endpoint)
		}
	}

	s.baseCancel()
	s.workersWG.Wait()

	s.logger.Info("Scheduler cleanup finished", map[string]interface{}{
		"operation": "scheduler_cleanup",
		"rejected":  len(pending) + len(active),
	})
}

func (s *Scheduler) newEnvelope(ctx context.Context, opts ExecuteOptions, produce Producer) *RequestEnvelope {
	envCtx, cancel := context.WithCancel(ctx)
	return &RequestEnvelope{
		ID:         uuid.NewString(),
		Provider:   opts.Provider,
		Endpoint:   opts.Endpoint,
		Type:       opts.Type,
		Priority:   opts.Priority,
		seq:        s.seq.Add(1),
		enqueuedAt: s.clock.Now(),
		ctx:        envCtx,
		cancel:     cancel,
		produce:    produce,
		done:       make(chan requestOutcome, 1),
	}
}

func (s *Scheduler) track(env *RequestEnvelope) {
	s.inflightMu.Lock()
	s.inflight[env.ID] = env
	s.inflightMu.Unlock()
}

func (s *Scheduler) untrack(env *RequestEnvelope) {
	s.inflightMu.Lock()
	delete(s.inflight, env.ID)
	s.inflightMu.Unlock()
}

func (s *Scheduler) snapshotConfig() *core.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Scheduler) batchingConfig() BatchingConfig {
	cfg := s.snapshotConfig()
	eligible := make(map[string]bool, len(cfg.Batching.EligibleTypes))
	for _, t := range cfg.Batching.EligibleTypes {
		eligible[t] = true
	}
	return BatchingConfig{
		MaxBatchSize: cfg.Batching.MaxBatchSize,
		BatchDelay:   cfg.Batching.BatchDelay.Std(),
		Eligible:     eligible,
	}
}

func (s *Scheduler) count(name string, n int64, endpoint string) {
	if s.metrics == nil {
		return
	}
	_ = s.metrics.RecordCounter(s.baseCtx, name, n,
		metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

func (s *Scheduler) observe(name string, v float64, endpoint string) {
	if s.metrics == nil {
		return
	}
	_ = s.metrics.RecordHistogram(s.baseCtx, name, v,
		metric.WithAttributes(attribute.String("endpoint", endpoint)))
}

// contextError maps a context error to the coordinator taxonomy.
func contextError(op string, err error) error {
	kind := core.KindCancelled
	if errors.Is(err, context.DeadlineExceeded) {
		kind = core.KindTimeout
	}
	return core.NewError(kind, op, err)
}

// requestQueue is a blocking priority queue: higher priority first, FIFO
// within a priority.
type requestQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  envelopeHeap
	closed bool
}

func newRequestQueue() *requestQueue {
	q := &requestQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues an envelope. Returns false after close.
func (q *requestQueue) push(env *RequestEnvelope) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	heap.Push(&q.items, env)
	q.cond.Signal()
	return true
}

// pop blocks until an envelope is available or the queue is closed.
func (q *requestQueue) pop() (*RequestEnvelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(&q.items).(*RequestEnvelope), true
}

// close drains and returns all queued envelopes and wakes every blocked
// worker.
func (q *requestQueue) close() []*RequestEnvelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	drained := make([]*RequestEnvelope, len(q.items))
	copy(drained, q.items)
	q.items = nil
	q.cond.Broadcast()
	return drained
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type envelopeHeap []*RequestEnvelope

func (h envelopeHeap) Len() int { return len(h) }

func (h envelopeHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h envelopeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *envelopeHeap) Push(x interface{}) { *h = append(*h, x.(*RequestEnvelope)) }

func (h *envelopeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
