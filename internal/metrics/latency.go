package metrics

import (
	"sort"
	"sync"
)

// LatencyRing is a fixed-size ring of recent latency samples in milliseconds.
// It backs the /stats endpoint's percentile view without unbounded growth;
// Prometheus histograms carry the long-term series.
type LatencyRing struct {
	mu      sync.Mutex
	samples []float64
	next    int
	filled  bool
	total   int64
}

func NewLatencyRing(capacity int) *LatencyRing {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LatencyRing{samples: make([]float64, capacity)}
}

// Observe records one sample, overwriting the oldest once full.
func (r *LatencyRing) Observe(ms float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples[r.next] = ms
	r.next++
	r.total++
	if r.next == len(r.samples) {
		r.next = 0
		r.filled = true
	}
}

// Count returns the lifetime sample count.
func (r *LatencyRing) Count() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Percentile returns the p-th percentile (0 < p <= 100) of the retained
// window, or 0 with no samples.
func (r *LatencyRing) Percentile(p float64) float64 {
	snapshot := r.snapshot()
	if len(snapshot) == 0 {
		return 0
	}
	sort.Float64s(snapshot)
	idx := int(p / 100 * float64(len(snapshot)))
	if idx >= len(snapshot) {
		idx = len(snapshot) - 1
	}
	return snapshot[idx]
}

// Mean returns the average of the retained window, or 0 with no samples.
func (r *LatencyRing) Mean() float64 {
	snapshot := r.snapshot()
	if len(snapshot) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range snapshot {
		sum += s
	}
	return sum / float64(len(snapshot))
}

func (r *LatencyRing) snapshot() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.next
	if r.filled {
		n = len(r.samples)
	}
	out := make([]float64, n)
	copy(out, r.samples[:n])
	return out
}
