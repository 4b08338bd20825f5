package pricecache

import (
	"context"
	"encoding/json"
	"log"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// HistoryEntry is one price observation, the JSON shape stored in the
// distributed L2 cache and its rolling history list.
type HistoryEntry struct {
	Price       float64 `json:"price"`
	TimestampMs int64   `json:"timestampMs"`
}

// RPCFallback resolves a price directly from the chain. Only used outside
// the hot path (1-20+ ms).
type RPCFallback func(ctx context.Context, key string) (float64, error)

// HierarchicalCache layers the L1 atomic matrix over the shared Redis L2 and
// an optional RPC L3. L2 hits are promoted into L1 immediately.
type HierarchicalCache struct {
	l1  *PriceMatrix
	rdb *redis.Client // nil disables L2
	l3  RPCFallback   // nil disables L3

	l2TTL       time.Duration
	historyKeep int64

	hitsL1 atomic.Int64
	hitsL2 atomic.Int64
	hitsL3 atomic.Int64
	misses atomic.Int64
}

func NewHierarchicalCache(l1 *PriceMatrix, rdb *redis.Client, l3 RPCFallback) *HierarchicalCache {
	return &HierarchicalCache{
		l1:          l1,
		rdb:         rdb,
		l3:          l3,
		l2TTL:       60 * time.Second,
		historyKeep: 100,
	}
}

// Matrix exposes the L1 matrix for direct hot-path writers.
func (h *HierarchicalCache) Matrix() *PriceMatrix { return h.l1 }

// Publish writes a fresh price to L1 and, when available, L2 with its
// rolling history list.
func (h *HierarchicalCache) Publish(ctx context.Context, key string, price float64, ts time.Time) {
	h.l1.Store(key, price, ts)
	if h.rdb == nil {
		return
	}
	raw, err := json.Marshal(HistoryEntry{Price: price, TimestampMs: ts.UnixMilli()})
	if err != nil {
		return
	}
	pipe := h.rdb.Pipeline()
	pipe.Set(ctx, "price:"+key, raw, h.l2TTL)
	pipe.LPush(ctx, "pricehist:"+key, raw)
	pipe.LTrim(ctx, "pricehist:"+key, 0, h.historyKeep-1)
	pipe.Expire(ctx, "pricehist:"+key, h.l2TTL)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[PriceCache] L2 publish failed for %s: %v", key, err)
	}
}

// GetPrice resolves a price through the hierarchy. A conservative miss (0,
// false) is returned rather than an error when every level comes up empty.
func (h *HierarchicalCache) GetPrice(ctx context.Context, key string) (float64, bool) {
	now := time.Now()
	if price, ok := h.l1.Load(key, now); ok {
		h.hitsL1.Add(1)
		return price, true
	}

	if h.rdb != nil {
		raw, err := h.rdb.Get(ctx, "price:"+key).Bytes()
		if err == nil {
			var e HistoryEntry
			if json.Unmarshal(raw, &e) == nil {
				h.hitsL2.Add(1)
				h.l1.Store(key, e.Price, time.UnixMilli(e.TimestampMs))
				return e.Price, true
			}
		}
	}

	if h.l3 != nil {
		price, err := h.l3(ctx, key)
		if err == nil {
			h.hitsL3.Add(1)
			h.Publish(ctx, key, price, now)
			return price, true
		}
		log.Printf("[PriceCache] L3 fallback failed for %s: %v", key, err)
	}

	h.misses.Add(1)
	return 0, false
}

// Stats reports lifetime lookups by the level that served them.
func (h *HierarchicalCache) Stats() (l1, l2, l3, misses int64) {
	return h.hitsL1.Load(), h.hitsL2.Load(), h.hitsL3.Load(), h.misses.Load()
}

// History returns up to limit recent L2 entries for a key, newest first.
func (h *HierarchicalCache) History(ctx context.Context, key string, limit int64) []HistoryEntry {
	if h.rdb == nil {
		return nil
	}
	raws, err := h.rdb.LRange(ctx, "pricehist:"+key, 0, limit-1).Result()
	if err != nil {
		return nil
	}
	out := make([]HistoryEntry, 0, len(raws))
	for _, raw := range raws {
		var e HistoryEntry
		if json.Unmarshal([]byte(raw), &e) == nil {
			out = append(out, e)
		}
	}
	return out
}
