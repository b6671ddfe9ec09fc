package monitor

import (
	"runtime"
	"sort"
	"sync"
	"time"
)

const histogramWindow = 1000

// LatencyHistogram keeps a sliding window of samples in milliseconds.
// Stats are computed lazily and cached until the next Record.
type LatencyHistogram struct {
	mu      sync.Mutex
	samples []float64
	maxSize int
	dirty   bool
	cached  LatencyStats
}

// LatencyStats is one computed window summary.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = histogramWindow
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds one sample in milliseconds, evicting the oldest when the
// window is full.
func (h *LatencyHistogram) Record(ms float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, ms)
	h.dirty = true
}

// RecordDuration records d converted to milliseconds.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns the window summary, recomputing only after new samples.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty {
		return h.cached
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
	h.cached = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cached
}

// Timer measures one operation into a histogram.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records the elapsed time and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}

// SystemStats aggregates the latency windows the API layer feeds and the
// runtime numbers the admin snapshot shows.
type SystemStats struct {
	RequestLatency *LatencyHistogram
	WebhookLatency *LatencyHistogram
	started        time.Time
}

func NewSystemStats() *SystemStats {
	return &SystemStats{
		RequestLatency: NewLatencyHistogram(histogramWindow),
		WebhookLatency: NewLatencyHistogram(histogramWindow),
		started:        time.Now(),
	}
}

// Snapshot is the point-in-time view served by the admin stats endpoint.
type Snapshot struct {
	RequestLatency LatencyStats `json:"request_latency_ms"`
	WebhookLatency LatencyStats `json:"webhook_latency_ms"`
	Goroutines     int          `json:"goroutines"`
	HeapAllocBytes uint64       `json:"heap_alloc_bytes"`
	HeapSysBytes   uint64       `json:"heap_sys_bytes"`
	NumGC          uint32       `json:"num_gc"`
	UptimeSeconds  int64        `json:"uptime_seconds"`
	Timestamp      time.Time    `json:"timestamp"`
}

func (s *SystemStats) Snapshot() Snapshot {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return Snapshot{
		RequestLatency: s.RequestLatency.Stats(),
		WebhookLatency: s.WebhookLatency.Stats(),
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: ms.HeapAlloc,
		HeapSysBytes:   ms.HeapSys,
		NumGC:          ms.NumGC,
		UptimeSeconds:  int64(time.Since(s.started).Seconds()),
		Timestamp:      time.Now(),
	}
}
