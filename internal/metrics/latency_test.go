package metrics

import "testing"

func TestLatencyRingEmpty(t *testing.T) {
	r := NewLatencyRing(8)
	if got := r.Percentile(99); got != 0 {
		t.Errorf("Percentile on empty ring = %f, want 0", got)
	}
	if got := r.Mean(); got != 0 {
		t.Errorf("Mean on empty ring = %f, want 0", got)
	}
}

func TestLatencyRingPercentiles(t *testing.T) {
	r := NewLatencyRing(100)
	for i := 1; i <= 100; i++ {
		r.Observe(float64(i))
	}
	if got := r.Percentile(50); got < 50 || got > 52 {
		t.Errorf("p50 = %f, want about 51", got)
	}
	if got := r.Percentile(99); got < 99 {
		t.Errorf("p99 = %f, want at least 99", got)
	}
	if got := r.Mean(); got != 50.5 {
		t.Errorf("Mean = %f, want 50.5", got)
	}
}

func TestLatencyRingOverwritesOldest(t *testing.T) {
	r := NewLatencyRing(4)
	for i := 0; i < 8; i++ {
		r.Observe(1000)
	}
	r.Observe(10)
	if got := r.Count(); got != 9 {
		t.Errorf("Count = %d, want lifetime 9", got)
	}
	// Window holds {10, 1000, 1000, 1000}.
	if got := r.Mean(); got != 752.5 {
		t.Errorf("Mean = %f, want 752.5 over the retained window", got)
	}
}

func TestRegistryServesMetrics(t *testing.T) {
	r := NewRegistry()
	r.EventsIngested.WithLabelValues("ethereum", "sync").Inc()
	r.ExecutionsTotal.WithLabelValues("ethereum", "success").Add(3)
	if r.Handler() == nil {
		t.Fatal("Handler returned nil")
	}
}
