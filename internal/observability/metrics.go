package observability

import (
	"sync"
	"time"
)

type MethodSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec     int64                     `json:"uptime_sec"`
	TotalRequests int64                     `json:"total_requests"`
	TotalErrors   int64                     `json:"total_errors"`
	InFlight      int64                     `json:"in_flight"`
	RetryWaits    int64                     `json:"retry_waits"`
	RetryWaitMs   int64                     `json:"retry_wait_ms"`
	StalledSagas  int64                     `json:"stalled_sagas"`
	BreakerOpens  map[string]int64          `json:"breaker_opens,omitempty"`
	SagaOutcomes  map[string]int64          `json:"saga_outcomes,omitempty"`
	Methods       map[string]MethodSnapshot `json:"methods"`
}

type methodStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics aggregates saga and downstream-call counters for the process.
// All methods are safe on a nil receiver so wiring stays optional.
type Metrics struct {
	mu           sync.Mutex
	start        time.Time
	methods      map[string]*methodStats
	retryWaits   int64
	retryWait    time.Duration
	stalledSagas int64
	breakerOpens map[string]int64
	sagaOutcomes map[string]int64
}

type CallSpan struct {
	metrics *Metrics
	method  string
	start   time.Time
}

func NewMetrics() *Metrics {
	return &Metrics{
		start:        time.Now(),
		methods:      make(map[string]*methodStats),
		breakerOpens: make(map[string]int64),
		sagaOutcomes: make(map[string]int64),
	}
}

func (m *Metrics) Start(method string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight++
	m.mu.Unlock()
	return &CallSpan{
		metrics: m,
		method:  method,
		start:   time.Now(),
	}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	dur := time.Since(s.start)
	s.metrics.finish(s.method, dur, err != nil)
}

// AddRetryWait records time a caller spent sleeping between retry attempts.
func (m *Metrics) AddRetryWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.retryWaits++
	m.retryWait += d
	m.mu.Unlock()
}

// SetStalledSagas records the latest reconciliation sweep's count of sagas
// stuck in a non-terminal state. It is a gauge, not a counter; each sweep
// overwrites the last.
func (m *Metrics) SetStalledSagas(n int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.stalledSagas = n
	m.mu.Unlock()
}

// IncBreakerOpen counts a circuit breaker tripping open for a dependency.
func (m *Metrics) IncBreakerOpen(dependency string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.breakerOpens[dependency]++
	m.mu.Unlock()
}

// IncSagaOutcome counts one terminal saga outcome (completed, compensated,
// verification_failed, manual_intervention).
func (m *Metrics) IncSagaOutcome(outcome string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.sagaOutcomes[outcome]++
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	snap := Snapshot{
		UptimeSec:    int64(now.Sub(m.start).Seconds()),
		Methods:      make(map[string]MethodSnapshot),
		RetryWaits:   m.retryWaits,
		RetryWaitMs:  int64(m.retryWait / time.Millisecond),
		StalledSagas: m.stalledSagas,
	}

	if len(m.breakerOpens) > 0 {
		snap.BreakerOpens = make(map[string]int64, len(m.breakerOpens))
		for dep, n := range m.breakerOpens {
			snap.BreakerOpens[dep] = n
		}
	}
	if len(m.sagaOutcomes) > 0 {
		snap.SagaOutcomes = make(map[string]int64, len(m.sagaOutcomes))
		for outcome, n := range m.sagaOutcomes {
			snap.SagaOutcomes[outcome] = n
		}
	}

	for method, stats := range m.methods {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Methods[method] = MethodSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalRequests += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	return snap
}

func (m *Metrics) ensureMethod(method string) *methodStats {
	stats, ok := m.methods[method]
	if !ok {
		stats = &methodStats{}
		m.methods[method] = stats
	}
	return stats
}

func (m *Metrics) finish(method string, dur time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.mu.Lock()
	stats := m.ensureMethod(method)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
	m.mu.Unlock()
}
