package scheduler

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats tracks coordinator-wide request counters. All counters are safe for
// concurrent update; snapshots are consistent enough for monitoring (they do
// not freeze the world).
type Stats struct {
	totalRequests    atomic.Int64
	acceptedRequests atomic.Int64
	rejectedRequests atomic.Int64
	backoffCount     atomic.Int64
	batchedRequests  atomic.Int64
	successCount     atomic.Int64
	failureCount     atomic.Int64

	waitTotalNanos atomic.Int64
	waitSamples    atomic.Int64

	mu         sync.Mutex
	byEndpoint map[string]*endpointCounters
}

type endpointCounters struct {
	total    atomic.Int64
	accepted atomic.Int64
	rejected atomic.Int64
	success  atomic.Int64
}

// EndpointStats is the per-endpoint view inside a snapshot.
type EndpointStats struct {
	Total    int64 `json:"total"`
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
	Success  int64 `json:"success"`
}

// StatsSnapshot is the caller-facing counters view.
type StatsSnapshot struct {
	TotalRequests    int64                    `json:"total_requests"`
	AcceptedRequests int64                    `json:"accepted_requests"`
	RejectedRequests int64                    `json:"rejected_requests"`
	BackoffCount     int64                    `json:"backoff_count"`
	BatchedRequests  int64                    `json:"batched_requests"`
	AverageWaitTime  time.Duration            `json:"average_wait_time"`
	SuccessRate      float64                  `json:"success_rate"`
	ByEndpoint       map[string]EndpointStats `json:"by_endpoint"`
}

// NewStats creates an empty counter set.
func NewStats() *Stats {
	return &Stats{byEndpoint: make(map[string]*endpointCounters)}
}

func (s *Stats) endpoint(name string) *endpointCounters {
	s.mu.Lock()
	defer s.mu.Unlock()
	ec, ok := s.byEndpoint[name]
	if !ok {
		ec = &endpointCounters{}
		s.byEndpoint[name] = ec
	}
	return ec
}

func (s *Stats) recordRequest(endpoint string) {
	s.totalRequests.Add(1)
	s.endpoint(endpoint).total.Add(1)
}

func (s *Stats) recordAccepted(endpoint string) {
	s.acceptedRequests.Add(1)
	s.endpoint(endpoint).accepted.Add(1)
}

func (s *Stats) recordRejected(endpoint string) {
	s.rejectedRequests.Add(1)
	s.endpoint(endpoint).rejected.Add(1)
}

func (s *Stats) recordSuccess(endpoint string) {
	s.successCount.Add(1)
	s.endpoint(endpoint).success.Add(1)
}

func (s *Stats) recordFailure() {
	s.failureCount.Add(1)
}

func (s *Stats) recordBackoff() {
	s.backoffCount.Add(1)
}

func (s *Stats) recordBatched() {
	s.batchedRequests.Add(1)
}

func (s *Stats) recordWait(d time.Duration) {
	s.waitTotalNanos.Add(int64(d))
	s.waitSamples.Add(1)
}

// Snapshot returns the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		TotalRequests:    s.totalRequests.Load(),
		AcceptedRequests: s.acceptedRequests.Load(),
		RejectedRequests: s.rejectedRequests.Load(),
		BackoffCount:     s.backoffCount.Load(),
		BatchedRequests:  s.batchedRequests.Load(),
		ByEndpoint:       make(map[string]EndpointStats),
	}

	if samples := s.waitSamples.Load(); samples > 0 {
		snap.AverageWaitTime = time.Duration(s.waitTotalNanos.Load() / samples)
	}

	success := s.successCount.Load()
	failure := s.failureCount.Load()
	if total := success + failure; total > 0 {
		snap.SuccessRate = float64(success) / float64(total)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for name, ec := range s.byEndpoint {
		snap.ByEndpoint[name] = EndpointStats{
			Total:    ec.total.Load(),
			Accepted: ec.accepted.Load(),
			Rejected: ec.rejected.Load(),
			Success:  ec.success.Load(),
		}
	}
	return snap
}

// Reset zeroes all counters.
func (s *Stats) Reset() {
	s.totalRequests.Store(0)
	s.acceptedRequests.Store(0)
	s.rejectedRequests.Store(0)
	s.backoffCount.Store(0)
	s.batchedRequests.Store(0)
	s.successCount.Store(0)
	s.failureCount.Store(0)
	s.waitTotalNanos.Store(0)
	s.waitSamples.Store(0)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.byEndpoint = make(map[string]*endpointCounters)
}
