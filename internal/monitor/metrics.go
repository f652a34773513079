// Package monitor collects pipeline counters and latency for the metrics
// endpoint.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tradehook/internal/gateway"
	"tradehook/internal/queue"
)

// PipelineMetrics tracks ingress and execution outcomes.
type PipelineMetrics struct {
	mu sync.RWMutex

	IngressLatency *LatencyHistogram
	JobLatency     *LatencyHistogram

	signalsAccepted uint64
	signalsRejected uint64
	jobsSucceeded   uint64
	jobsFailed      uint64
	jobsRetried     uint64

	adapterStats gateway.PoolStats
	queueStats   queue.DurableMetrics
	queueDepth   int
	queueCap     int
}

// NewPipelineMetrics creates a metrics instance.
func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{
		IngressLatency: NewLatencyHistogram(1000),
		JobLatency:     NewLatencyHistogram(1000),
	}
}

// SignalAccepted counts an accepted webhook.
func (m *PipelineMetrics) SignalAccepted(latency time.Duration) {
	atomic.AddUint64(&m.signalsAccepted, 1)
	m.IngressLatency.RecordDuration(latency)
}

// SignalRejected counts a rejected webhook.
func (m *PipelineMetrics) SignalRejected() {
	atomic.AddUint64(&m.signalsRejected, 1)
}

// JobSucceeded counts a settled successful job.
func (m *PipelineMetrics) JobSucceeded(latency time.Duration) {
	atomic.AddUint64(&m.jobsSucceeded, 1)
	m.JobLatency.RecordDuration(latency)
}

// JobFailed counts a terminally failed job.
func (m *PipelineMetrics) JobFailed() {
	atomic.AddUint64(&m.jobsFailed, 1)
}

// JobRetried counts a scheduled redelivery.
func (m *PipelineMetrics) JobRetried() {
	atomic.AddUint64(&m.jobsRetried, 1)
}

// SetAdapterStats updates the adapter pool section of the snapshot.
func (m *PipelineMetrics) SetAdapterStats(stats gateway.PoolStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapterStats = stats
}

// SetQueueStats updates the queue section of the snapshot.
func (m *PipelineMetrics) SetQueueStats(stats queue.DurableMetrics, depth, capacity int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueStats = stats
	m.queueDepth = depth
	m.queueCap = capacity
}

// Snapshot is the point-in-time metrics payload.
type Snapshot struct {
	SignalsAccepted uint64               `json:"signals_accepted"`
	SignalsRejected uint64               `json:"signals_rejected"`
	JobsSucceeded   uint64               `json:"jobs_succeeded"`
	JobsFailed      uint64               `json:"jobs_failed"`
	JobsRetried     uint64               `json:"jobs_retried"`
	IngressLatency  LatencyStats         `json:"ingress_latency"`
	JobLatency      LatencyStats         `json:"job_latency"`
	QueueDepth      int                  `json:"queue_depth"`
	QueueCapacity   int                  `json:"queue_capacity"`
	Queue           queue.DurableMetrics `json:"queue_wal"`
	AdapterPool     gateway.PoolStats    `json:"adapter_pool"`
	GoroutineCount  int                  `json:"goroutine_count"`
	HeapAlloc       uint64               `json:"heap_alloc_bytes"`
	Timestamp       time.Time            `json:"timestamp"`
}

// GetSnapshot returns a point-in-time snapshot.
func (m *PipelineMetrics) GetSnapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	adapterStats := m.adapterStats
	queueStats := m.queueStats
	depth := m.queueDepth
	capacity := m.queueCap
	m.mu.RUnlock()

	return Snapshot{
		SignalsAccepted: atomic.LoadUint64(&m.signalsAccepted),
		SignalsRejected: atomic.LoadUint64(&m.signalsRejected),
		JobsSucceeded:   atomic.LoadUint64(&m.jobsSucceeded),
		JobsFailed:      atomic.LoadUint64(&m.jobsFailed),
		JobsRetried:     atomic.LoadUint64(&m.jobsRetried),
		IngressLatency:  m.IngressLatency.Stats(),
		JobLatency:      m.JobLatency.Stats(),
		QueueDepth:      depth,
		QueueCapacity:   capacity,
		Queue:           queueStats,
		AdapterPool:     adapterStats,
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		Timestamp:       time.Now(),
	}
}

// LatencyHistogram tracks latency samples over a sliding window with lazily
// computed stats.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99, recomputing only when samples
// have changed.
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
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[min(int(float64(n)*0.95), n-1)],
		P99:   sorted[min(int(float64(n)*0.99), n-1)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}
