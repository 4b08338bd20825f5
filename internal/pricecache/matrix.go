package pricecache

import (
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// PriceMatrix is the L1 hot-path price store: a fixed-capacity array of
// slots indexed through a key registry. Each slot carries the current mid
// price (float64 bits) and the last-update epoch-second, written as two
// independent atomic fields. Readers may observe a price from the previous
// update paired with the new timestamp; freshness is judged solely by the
// timestamp, so that tear is harmless.
type PriceMatrix struct {
	prices     []atomic.Uint64 // float64 bits
	timestamps []atomic.Int32  // epoch seconds

	registry sync.Map // key -> int32 slot index
	next     atomic.Int32

	// Eviction order for the full-capacity case. Allocation and eviction are
	// cold paths and take the mutex; slot reads and writes never do.
	mu    sync.Mutex
	order *lruList

	capacity    int
	maxAge      time.Duration
	allocations atomic.Int64
	evictions   atomic.Int64
}

const DefaultMatrixCapacity = 10000

func NewPriceMatrix(capacity int, maxAge time.Duration) *PriceMatrix {
	if capacity <= 0 {
		capacity = DefaultMatrixCapacity
	}
	if maxAge <= 0 {
		maxAge = 60 * time.Second
	}
	return &PriceMatrix{
		prices:     make([]atomic.Uint64, capacity),
		timestamps: make([]atomic.Int32, capacity),
		order:      newLRUList(),
		capacity:   capacity,
		maxAge:     maxAge,
	}
}

// Store writes price and timestamp for a key, allocating a slot on first
// sight. Concurrent writers of a brand-new key agree on one slot via the
// registry's load-or-store.
func (m *PriceMatrix) Store(key string, price float64, ts time.Time) {
	slot := m.slotFor(key)
	m.prices[slot].Store(math.Float64bits(price))
	m.timestamps[slot].Store(int32(ts.Unix()))
}

// Load returns the current price for a key. ok is false when the key is
// unknown or the slot's timestamp is older than the staleness window.
func (m *PriceMatrix) Load(key string, now time.Time) (price float64, ok bool) {
	v, found := m.registry.Load(key)
	if !found {
		return 0, false
	}
	slot := v.(int32)
	ts := m.timestamps[slot].Load()
	if ts == 0 || now.Unix()-int64(ts) > int64(m.maxAge/time.Second) {
		return 0, false
	}
	return math.Float64frombits(m.prices[slot].Load()), true
}

// LastUpdate returns the slot's epoch-second timestamp, 0 if unknown.
func (m *PriceMatrix) LastUpdate(key string) int64 {
	v, found := m.registry.Load(key)
	if !found {
		return 0
	}
	return int64(m.timestamps[v.(int32)].Load())
}

func (m *PriceMatrix) slotFor(key string) int32 {
	if v, found := m.registry.Load(key); found {
		m.touch(key)
		return v.(int32)
	}

	// Fast path: claim the next free slot and race through LoadOrStore so
	// concurrent allocators of the same key converge on one index.
	if idx := m.next.Load(); idx < int32(m.capacity) {
		claimed := m.next.Add(1) - 1
		if claimed < int32(m.capacity) {
			actual, loaded := m.registry.LoadOrStore(key, claimed)
			if loaded {
				// Lost the race; the claimed slot index is abandoned.
				return actual.(int32)
			}
			m.recordKey(key)
			m.allocations.Add(1)
			return claimed
		}
	}

	// Full: evict the least-recently-stored key and reuse its slot.
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, found := m.registry.Load(key); found {
		return v.(int32)
	}
	victim := m.order.evictOldest()
	if victim == "" {
		return 0
	}
	v, _ := m.registry.Load(victim)
	slot := v.(int32)
	m.registry.Delete(victim)
	m.registry.Store(key, slot)
	m.order.pushFront(key)
	m.evictions.Add(1)
	return slot
}

func (m *PriceMatrix) recordKey(key string) {
	m.mu.Lock()
	m.order.pushFront(key)
	m.mu.Unlock()
}

func (m *PriceMatrix) touch(key string) {
	m.mu.Lock()
	m.order.touch(key)
	m.mu.Unlock()
}

// Size reports how many keys are registered.
func (m *PriceMatrix) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.len()
}

// Stats reports lifetime allocation and eviction counts.
func (m *PriceMatrix) Stats() (allocations, evictions int64) {
	return m.allocations.Load(), m.evictions.Load()
}
