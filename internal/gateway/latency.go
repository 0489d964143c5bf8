package gateway

import (
	"math"
	"sort"
	"sync"
)

// LatencySummary is a percentile snapshot in milliseconds.
type LatencySummary struct {
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
	Count int     `json:"samples"`
}

// LatencyTracker keeps the most recent samples in a circular buffer and
// reports percentiles over them. Safe for concurrent use.
type LatencyTracker struct {
	mu      sync.Mutex
	samples []float64 // ms
	pos     int
	count   int
}

// NewLatencyTracker creates a tracker holding the last capacity samples.
func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = 10000
	}
	return &LatencyTracker{samples: make([]float64, capacity)}
}

// Record adds a sample in milliseconds.
func (lt *LatencyTracker) Record(ms float64) {
	lt.mu.Lock()
	lt.samples[lt.pos] = ms
	lt.pos = (lt.pos + 1) % len(lt.samples)
	if lt.count < len(lt.samples) {
		lt.count++
	}
	lt.mu.Unlock()
}

// Summary returns p50, p95 and p99 over the retained samples.
func (lt *LatencyTracker) Summary() LatencySummary {
	lt.mu.Lock()
	n := lt.count
	sorted := make([]float64, n)
	if n == len(lt.samples) {
		// Full: oldest sample sits at pos.
		copy(sorted, lt.samples[lt.pos:])
		copy(sorted[n-lt.pos:], lt.samples[:lt.pos])
	} else {
		copy(sorted, lt.samples[:n])
	}
	lt.mu.Unlock()

	if n == 0 {
		return LatencySummary{}
	}
	sort.Float64s(sorted)
	return LatencySummary{
		P50:   percentile(sorted, 0.50),
		P95:   percentile(sorted, 0.95),
		P99:   percentile(sorted, 0.99),
		Count: n,
	}
}

// percentile interpolates the p-th percentile (0..1) of a sorted slice.
func percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := p * float64(n-1)
	lower := int(math.Floor(rank))
	if lower+1 >= n {
		return sorted[n-1]
	}
	frac := rank - float64(lower)
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}
