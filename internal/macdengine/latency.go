package macdengine

import (
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// LatencyTracker keeps the last N tick-to-broadcast latencies in
// milliseconds and reports percentiles over them. Safe for concurrent use.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []float64
	next    int
	n       int
}

// NewLatencyTracker creates a tracker holding up to capacity samples.
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LatencyTracker{samples: make([]float64, capacity)}
}

// Record adds one sample.
func (lt *LatencyTracker) Record(ms float64) {
	lt.mu.Lock()
	lt.samples[lt.next] = ms
	lt.next = (lt.next + 1) % len(lt.samples)
	if lt.n < len(lt.samples) {
		lt.n++
	}
	lt.mu.Unlock()
}

// Percentiles returns the empirical p50, p95 and p99. All are 0 when no
// samples have been recorded.
func (lt *LatencyTracker) Percentiles() (p50, p95, p99 float64) {
	lt.mu.Lock()
	if lt.n == 0 {
		lt.mu.Unlock()
		return 0, 0, 0
	}
	sorted := make([]float64, lt.n)
	copy(sorted, lt.samples[:lt.n])
	lt.mu.Unlock()

	sort.Float64s(sorted)
	p50 = stat.Quantile(0.50, stat.Empirical, sorted, nil)
	p95 = stat.Quantile(0.95, stat.Empirical, sorted, nil)
	p99 = stat.Quantile(0.99, stat.Empirical, sorted, nil)
	return p50, p95, p99
}

// Count returns the number of samples held.
func (lt *LatencyTracker) Count() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.n
}
