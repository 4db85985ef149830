package health

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/personaforge/personaforge/core"
	"github.com/personaforge/personaforge/scheduler"
)

// Status is the coarse health classification for a provider.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Prober is a lightweight provider liveness check reporting observed latency.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// ProbeResult is one recorded probe outcome.
type ProbeResult struct {
	Provider  string        `json:"provider"`
	Status    Status        `json:"status"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	ErrorKind string        `json:"error_kind,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// MonitorConfig configures the periodic health monitor.
type MonitorConfig struct {
	// Interval between probe rounds.
	Interval time.Duration
	// ProbeTimeout bounds each individual probe.
	ProbeTimeout time.Duration
	// DegradedLatency and UnhealthyLatency classify successful probes.
	DegradedLatency  time.Duration
	UnhealthyLatency time.Duration
	// HistorySize bounds the retained probe history per provider.
	HistorySize int

	Logger core.Logger
	Clock  core.Clock
}

// Report is the aggregate health view returned to callers.
type Report struct {
	Overall         Status                   `json:"overall"`
	Providers       map[string]ProviderState `json:"providers"`
	Coordinator     scheduler.Snapshot       `json:"coordinator"`
	Recommendations []string                 `json:"recommendations,omitempty"`
	GeneratedAt     time.Time                `json:"generated_at"`
}

// ProviderState summarizes one provider's recent probes. Percentiles and
// error counts are computed over the bounded history window.
type ProviderState struct {
	Status      Status         `json:"status"`
	Latency     time.Duration  `json:"latency"`
	LatencyP50  time.Duration  `json:"latency_p50"`
	LatencyP95  time.Duration  `json:"latency_p95"`
	LastChecked time.Time      `json:"last_checked"`
	SuccessRate float64        `json:"success_rate"`
	ErrorCounts map[string]int `json:"error_counts,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
}

// Monitor probes registered providers on a fixed interval, keeps bounded
// history, and derives rule-based operational recommendations from probe
// results and coordinator statistics.
type Monitor struct {
	cfg   MonitorConfig
	sched *scheduler.Scheduler

	mu      sync.Mutex
	probers map[string]Prober
	history map[string][]ProbeResult
	latest  map[string]ProbeResult

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	clock  core.Clock
	logger core.Logger
}

// NewMonitor creates a monitor bound to a scheduler for coordinator-level
// statistics.
func NewMonitor(cfg MonitorConfig, sched *scheduler.Scheduler) *Monitor {
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	}
	if cfg.Clock == nil {
		cfg.Clock = core.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	return &Monitor{
		cfg:     cfg,
		sched:   sched,
		probers: make(map[string]Prober),
		history: make(map[string][]ProbeResult),
		latest:  make(map[string]ProbeResult),
		stopCh:  make(chan struct{}),
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}
}

// Register adds a provider probe under a name.
func (m *Monitor) Register(provider string, p Prober) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probers[provider] = p
}

// Start begins periodic probing. The first round runs immediately.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.ProbeNow(context.Background())
		for {
			select {
			case <-m.stopCh:
				return
			case <-m.clock.After(m.cfg.Interval):
				m.ProbeNow(context.Background())
			}
		}
	}()
	m.logger.Info("Health monitor started", map[string]interface{}{
		"operation":   "health_monitor_start",
		"interval_ms": m.cfg.Interval.Milliseconds(),
	})
}

// Stop halts periodic probing. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// ProbeNow runs one probe round synchronously and records the results.
func (m *Monitor) ProbeNow(ctx context.Context) map[string]ProbeResult {
	m.mu.Lock()
	probers := make(map[string]Prober, len(m.probers))
	for name, p := range m.probers {
		probers[name] = p
	}
	m.mu.Unlock()

	results := make(map[string]ProbeResult, len(probers))
	for name, p := range probers {
		results[name] = m.probe(ctx, name, p)
	}
	return results
}

func (m *Monitor) probe(ctx context.Context, provider string, p Prober) ProbeResult {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	latency, err := p.Probe(pctx)
	result := ProbeResult{
		Provider:  provider,
		Latency:   latency,
		CheckedAt: m.clock.Now(),
	}
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.ErrorKind = core.Kind(err).String()
	case m.cfg.UnhealthyLatency > 0 && latency >= m.cfg.UnhealthyLatency:
		result.Status = StatusUnhealthy
	case m.cfg.DegradedLatency > 0 && latency >= m.cfg.DegradedLatency:
		result.Status = StatusDegraded
	default:
		result.Status = StatusHealthy
	}

	m.mu.Lock()
	m.latest[provider] = result
	hist := append(m.history[provider], result)
	if len(hist) > m.cfg.HistorySize {
		hist = hist[len(hist)-m.cfg.HistorySize:]
	}
	m.history[provider] = hist
	m.mu.Unlock()

	if result.Status != StatusHealthy {
		m.logger.Warn("Provider probe unhealthy", map[string]interface{}{
			"operation":  "health_probe",
			"provider":   provider,
			"status":     string(result.Status),
			"latency_ms": latency.Milliseconds(),
			"error":      result.Error,
		})
	} else {
		m.logger.Debug("Provider probe ok", map[string]interface{}{
			"operation":  "health_probe",
			"provider":   provider,
			"latency_ms": latency.Milliseconds(),
		})
	}
	return result
}

// History returns a copy of the bounded probe history for a provider.
func (m *Monitor) History(provider string) []ProbeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ProbeResult(nil), m.history[provider]...)
}

// Snapshot builds the aggregate health report.
func (m *Monitor) Snapshot() Report {
	m.mu.Lock()
	providers := make(map[string]ProviderState, len(m.latest))
	for name := range m.probers {
		state := ProviderState{Status: StatusUnknown}
		if last, ok := m.latest[name]; ok {
			state.Status = last.Status
			state.Latency = last.Latency
			state.LastChecked = last.CheckedAt
			state.LastError = last.Error
			state.SuccessRate = successRate(m.history[name])
			state.LatencyP50 = latencyPercentile(m.history[name], 0.50)
			state.LatencyP95 = latencyPercentile(m.history[name], 0.95)
			state.ErrorCounts = errorCounts(m.history[name])
		}
		providers[name] = state
	}
	m.mu.Unlock()

	report := Report{
		Providers:   providers,
		GeneratedAt: m.clock.Now(),
	}
	if m.sched != nil {
		report.Coordinator = m.sched.Stats()
	}
	report.Overall = overallStatus(providers, report.Coordinator)
	report.Recommendations = recommend(providers, report.Coordinator)
	return report
}

func successRate(history []ProbeResult) float64 {
	if len(history) == 0 {
		return 0
	}
	ok := 0
	for _, r := range history {
		if r.Status == StatusHealthy {
			ok++
		}
	}
	return float64(ok) / float64(len(history))
}

// latencyPercentile is the nearest-rank percentile over the history window's
// observed probe latencies.
func latencyPercentile(history []ProbeResult, q float64) time.Duration {
	latencies := make([]time.Duration, 0, len(history))
	for _, r := range history {
		if r.Latency > 0 {
			latencies = append(latencies, r.Latency)
		}
	}
	if len(latencies) == 0 {
		return 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	rank := int(math.Ceil(q*float64(len(latencies)))) - 1
	if rank < 0 {
		rank = 0
	}
	return latencies[rank]
}

// errorCounts tallies failed probes in the history window by error kind.
// Returns nil when the window holds no failures.
func errorCounts(history []ProbeResult) map[string]int {
	var counts map[string]int
	for _, r := range history {
		if r.Error == "" {
			continue
		}
		if counts == nil {
			counts = make(map[string]int)
		}
		counts[r.ErrorKind]++
	}
	return counts
}

// overallStatus is the worst provider status, with open breakers pulling a
// healthy system down to degraded.
func overallStatus(providers map[string]ProviderState, coord scheduler.Snapshot) Status {
	overall := StatusHealthy
	if len(providers) == 0 {
		overall = StatusUnknown
	}
	for _, state := range providers {
		switch state.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded, StatusUnknown:
			overall = StatusDegraded
		}
	}
	if overall == StatusHealthy {
		for _, snap := range coord.Breakers {
			if state, ok := snap["state"].(string); ok && state != "closed" {
				overall = StatusDegraded
			}
		}
	}
	return overall
}

// recommend derives operational hints from the current state. Rules are
// deliberately simple and threshold-based.
func recommend(providers map[string]ProviderState, coord scheduler.Snapshot) []string {
	var recs []string

	for name, state := range providers {
		switch state.Status {
		case StatusUnhealthy:
			recs = append(recs, "provider "+name+" is failing probes; check credentials and provider status before sending traffic")
		case StatusDegraded:
			recs = append(recs, "provider "+name+" is slow; consider raising request timeouts or reducing load")
		}
	}

	for name, snap := range coord.Breakers {
		if state, ok := snap["state"].(string); ok && state == "open" {
			recs = append(recs, "circuit for "+name+" is open; traffic is being rejected until the cooldown elapses")
		}
	}

	req := coord.Requests
	if done := req.AcceptedRequests; done >= 20 && req.SuccessRate < 0.9 {
		recs = append(recs, "success rate is below 90%; inspect recent provider errors")
	}
	if req.AverageWaitTime > time.Second {
		recs = append(recs, "requests are queuing behind the rate limiter; lower the request rate or raise the provider quota")
	}
	cache := coord.Cache
	if lookups := cache.Hits + cache.Misses; lookups >= 50 && cache.HitRate < 0.2 {
		recs = append(recs, "cache hit rate is low; check that briefs are fingerprint-stable or raise the cache TTL")
	}
	return recs
}
