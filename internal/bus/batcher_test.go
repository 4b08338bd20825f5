package bus

import (
	"sync"
	"testing"
	"time"
)

type flushRecorder struct {
	mu      sync.Mutex
	flushes map[string][][]interface{}
}

func newFlushRecorder() *flushRecorder {
	return &flushRecorder{flushes: make(map[string][][]interface{})}
}

func (r *flushRecorder) record(key string, items []interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes[key] = append(r.flushes[key], items)
}

func (r *flushRecorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flushes[key])
}

func TestBatcherFlushesWhenFull(t *testing.T) {
	rec := newFlushRecorder()
	b := NewBatcher(2, time.Hour, rec.record)

	b.Add("ethereum", 1)
	b.Add("ethereum", 2)

	if rec.count("ethereum") != 1 {
		t.Fatalf("expected 1 flush, got %d", rec.count("ethereum"))
	}
	if got := len(rec.flushes["ethereum"][0]); got != 2 {
		t.Fatalf("expected batch of 2, got %d", got)
	}
}

func TestBatcherFlushesOnTimer(t *testing.T) {
	rec := newFlushRecorder()
	b := NewBatcher(100, 10*time.Millisecond, rec.record)

	b.Add("arbitrum", 1)

	deadline := time.Now().Add(time.Second)
	for rec.count("arbitrum") == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.count("arbitrum") != 1 {
		t.Fatal("expected timer flush")
	}
}

func TestBatcherKeysAreIndependent(t *testing.T) {
	rec := newFlushRecorder()
	b := NewBatcher(2, time.Hour, rec.record)

	b.Add("ethereum", 1)
	b.Add("polygon", 1)
	b.Add("ethereum", 2)

	if rec.count("ethereum") != 1 || rec.count("polygon") != 0 {
		t.Fatalf("cross-key interference: eth=%d poly=%d", rec.count("ethereum"), rec.count("polygon"))
	}
}

func TestBatcherStopFlushesSynchronously(t *testing.T) {
	rec := newFlushRecorder()
	b := NewBatcher(100, time.Hour, rec.record)

	b.Add("base", 1)
	b.Add("base", 2)
	b.Stop()

	if rec.count("base") != 1 {
		t.Fatal("expected stop to flush pending batch")
	}
	b.Stop() // idempotent

	// Post-stop adds pass straight through.
	b.Add("base", 3)
	if rec.count("base") != 2 {
		t.Fatal("expected pass-through after stop")
	}
}
