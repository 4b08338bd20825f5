package pricecache

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMatrixStoreLoad(t *testing.T) {
	m := NewPriceMatrix(16, 60*time.Second)
	now := time.Now()

	m.Store("ethereum:uniswap_v3:weth:usdc", 2000.5, now)

	price, ok := m.Load("ethereum:uniswap_v3:weth:usdc", now)
	if !ok {
		t.Fatal("expected fresh price")
	}
	if price != 2000.5 {
		t.Fatalf("price = %v, want 2000.5", price)
	}
}

func TestMatrixStaleness(t *testing.T) {
	m := NewPriceMatrix(16, 60*time.Second)
	wrote := time.Now().Add(-2 * time.Minute)

	m.Store("k", 100, wrote)

	if _, ok := m.Load("k", time.Now()); ok {
		t.Fatal("expected stale read to miss")
	}
}

func TestMatrixUnknownKey(t *testing.T) {
	m := NewPriceMatrix(16, 60*time.Second)
	if _, ok := m.Load("never-stored", time.Now()); ok {
		t.Fatal("expected unknown key to miss")
	}
}

func TestMatrixEvictsLRUWhenFull(t *testing.T) {
	m := NewPriceMatrix(2, time.Hour)
	now := time.Now()

	m.Store("a", 1, now)
	m.Store("b", 2, now)
	m.Store("a", 1.5, now) // touch a so b becomes oldest
	m.Store("c", 3, now)   // evicts b

	if _, ok := m.Load("b", now); ok {
		t.Fatal("expected b evicted")
	}
	if p, ok := m.Load("a", now); !ok || p != 1.5 {
		t.Fatalf("a = (%v,%v), want (1.5,true)", p, ok)
	}
	if p, ok := m.Load("c", now); !ok || p != 3 {
		t.Fatalf("c = (%v,%v), want (3,true)", p, ok)
	}
	if _, evictions := m.Stats(); evictions != 1 {
		t.Fatalf("evictions = %d, want 1", evictions)
	}
}

// Concurrent writers and readers on disjoint and shared keys must not race
// or corrupt slots. Run with -race.
func TestMatrixConcurrentAccess(t *testing.T) {
	m := NewPriceMatrix(64, time.Hour)
	now := time.Now()
	var wg sync.WaitGroup

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("chain:dex:pair-%d", i%16)
				m.Store(key, float64(w*1000+i), now)
				m.Load(key, now)
			}
		}(w)
	}
	wg.Wait()

	for i := 0; i < 16; i++ {
		key := fmt.Sprintf("chain:dex:pair-%d", i)
		if _, ok := m.Load(key, now); !ok {
			t.Fatalf("key %s missing after concurrent writes", key)
		}
	}
}

func TestLRUCacheBasics(t *testing.T) {
	c := NewLRUCache(2)

	c.Put("a", 1)
	c.Put("b", 2)
	if _, ok := c.Get("a"); !ok {
		t.Fatal("expected a present")
	}
	c.Put("c", 3) // evicts b, the least recently used

	if _, ok := c.Get("b"); ok {
		t.Fatal("expected b evicted")
	}
	if v, ok := c.Get("a"); !ok || v.(int) != 1 {
		t.Fatal("expected a retained")
	}
	if c.Len() != 2 {
		t.Fatalf("len = %d, want 2", c.Len())
	}
}

func TestLRUCacheUpdateExisting(t *testing.T) {
	c := NewLRUCache(2)
	c.Put("a", 1)
	c.Put("a", 10)
	if v, _ := c.Get("a"); v.(int) != 10 {
		t.Fatalf("expected updated value 10, got %v", v)
	}
	if c.Len() != 1 {
		t.Fatalf("len = %d, want 1", c.Len())
	}
}
