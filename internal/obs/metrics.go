// Package obs holds the execution core's in-process metrics: latency
// histograms and counters exposed over the admin API, adapted from the
// teacher's system-metrics module and retargeted at admission/order/risk
// events instead of strategy signals.
package obs

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// LatencyHistogram tracks latency samples with a sliding window and lazily
// recomputed percentile stats.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{samples: make([]float64, 0, size), maxSize: size, dirty: true}
}

func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}
	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	h.cachedStats = LatencyStats{
		Min: sorted[0], Max: sorted[n-1], Avg: sum / float64(n),
		P50: sorted[n/2], P95: sorted[int(float64(n)*0.95)], P99: sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// Metrics tracks counters and latencies for the admission pipeline, the
// order manager, the reconciliation/position-sync loops and the admin API.
type Metrics struct {
	OrderLatency    *LatencyHistogram
	ReconcileLatency *LatencyHistogram
	APILatency      *LatencyHistogram

	plansAdmitted  uint64
	plansRejected  uint64
	ordersSubmitted uint64
	ordersRetried  uint64
	riskHalts      uint64
	apiRequests    uint64
	apiErrors      uint64
}

func NewMetrics() *Metrics {
	return &Metrics{
		OrderLatency:     NewLatencyHistogram(1000),
		ReconcileLatency: NewLatencyHistogram(1000),
		APILatency:       NewLatencyHistogram(1000),
	}
}

func (m *Metrics) IncrementPlansAdmitted() { atomic.AddUint64(&m.plansAdmitted, 1) }
func (m *Metrics) IncrementPlansRejected() { atomic.AddUint64(&m.plansRejected, 1) }
func (m *Metrics) IncrementOrdersSubmitted() { atomic.AddUint64(&m.ordersSubmitted, 1) }
func (m *Metrics) IncrementOrdersRetried()  { atomic.AddUint64(&m.ordersRetried, 1) }
func (m *Metrics) IncrementRiskHalts()      { atomic.AddUint64(&m.riskHalts, 1) }
func (m *Metrics) IncrementAPI()            { atomic.AddUint64(&m.apiRequests, 1) }
func (m *Metrics) IncrementAPIErrors()      { atomic.AddUint64(&m.apiErrors, 1) }

// Snapshot is a point-in-time view of every counter plus runtime stats.
type Snapshot struct {
	OrderLatency     LatencyStats `json:"order_latency"`
	ReconcileLatency LatencyStats `json:"reconcile_latency"`
	APILatency       LatencyStats `json:"api_latency"`
	PlansAdmitted    uint64       `json:"plans_admitted"`
	PlansRejected    uint64       `json:"plans_rejected"`
	OrdersSubmitted  uint64       `json:"orders_submitted"`
	OrdersRetried    uint64       `json:"orders_retried"`
	RiskHalts        uint64       `json:"risk_halts"`
	APIRequests      uint64       `json:"api_requests"`
	APIErrors        uint64       `json:"api_errors"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	Timestamp        time.Time    `json:"timestamp"`
}

func (m *Metrics) GetSnapshot() Snapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return Snapshot{
		OrderLatency:     m.OrderLatency.Stats(),
		ReconcileLatency: m.ReconcileLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		PlansAdmitted:    atomic.LoadUint64(&m.plansAdmitted),
		PlansRejected:    atomic.LoadUint64(&m.plansRejected),
		OrdersSubmitted:  atomic.LoadUint64(&m.ordersSubmitted),
		OrdersRetried:    atomic.LoadUint64(&m.ordersRetried),
		RiskHalts:        atomic.LoadUint64(&m.riskHalts),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        mem.HeapAlloc,
		Timestamp:        time.Now(),
	}
}

// Timer measures an operation's duration against a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

func NewTimer(h *LatencyHistogram) *Timer { return &Timer{start: time.Now(), histogram: h} }

func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
