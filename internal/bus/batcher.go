package bus

import (
	"sync"
	"time"
)

// FlushFunc receives a completed batch for one key.
type FlushFunc func(key string, items []interface{})

// Batcher groups same-key events into one downstream message to amortize
// fan-out cost. The timer starts on the first event of a batch; the batch is
// flushed when it fills or the timer fires, whichever comes first.
type Batcher struct {
	maxBatch int
	maxWait  time.Duration
	flushFn  FlushFunc

	mu      sync.Mutex
	buckets map[string][]interface{}
	timers  map[string]*time.Timer
	stopped bool
}

func NewBatcher(maxBatch int, maxWait time.Duration, flushFn FlushFunc) *Batcher {
	if maxBatch <= 0 {
		maxBatch = 1
	}
	if maxWait <= 0 {
		maxWait = 5 * time.Millisecond
	}
	return &Batcher{
		maxBatch: maxBatch,
		maxWait:  maxWait,
		flushFn:  flushFn,
		buckets:  make(map[string][]interface{}),
		timers:   make(map[string]*time.Timer),
	}
}

// Add appends an item under a key, flushing if the batch fills.
func (b *Batcher) Add(key string, item interface{}) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.flushFn(key, []interface{}{item})
		return
	}
	b.buckets[key] = append(b.buckets[key], item)
	if len(b.buckets[key]) >= b.maxBatch {
		items := b.takeLocked(key)
		b.mu.Unlock()
		b.flushFn(key, items)
		return
	}
	if b.timers[key] == nil {
		b.timers[key] = time.AfterFunc(b.maxWait, func() { b.Flush(key) })
	}
	b.mu.Unlock()
}

// Flush forces the pending batch for a key out immediately.
func (b *Batcher) Flush(key string) {
	b.mu.Lock()
	items := b.takeLocked(key)
	b.mu.Unlock()
	if len(items) > 0 {
		b.flushFn(key, items)
	}
}

// takeLocked detaches a key's buffer and cancels its timer.
func (b *Batcher) takeLocked(key string) []interface{} {
	items := b.buckets[key]
	delete(b.buckets, key)
	if t := b.timers[key]; t != nil {
		t.Stop()
		delete(b.timers, key)
	}
	return items
}

// Stop flushes all pending batches synchronously. Subsequent Adds pass
// straight through. Idempotent.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	keys := make([]string, 0, len(b.buckets))
	for k := range b.buckets {
		keys = append(keys, k)
	}
	pending := make(map[string][]interface{}, len(keys))
	for _, k := range keys {
		pending[k] = b.takeLocked(k)
	}
	b.mu.Unlock()

	for k, items := range pending {
		if len(items) > 0 {
			b.flushFn(k, items)
		}
	}
}
