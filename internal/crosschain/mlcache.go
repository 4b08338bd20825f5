package crosschain

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// MLPrediction is a short-horizon price-direction estimate. Direction is +1
// for up, -1 for down, 0 for no signal.
type MLPrediction struct {
	Direction  int
	Confidence float64
}

// MLPredictor is the external model call. Implementations are expected to be
// slow and unreliable; the cache wraps every call in a hard timeout.
type MLPredictor interface {
	Predict(ctx context.Context, chain, pairKey string) (MLPrediction, error)
}

type mlEntry struct {
	pred    *MLPrediction
	savedAt time.Time
}

// MLCache memoizes predictions per (chain, pair, minute bucket). A timeout or
// error caches a nil prediction for the TTL so a struggling model is not
// hammered every tick.
type MLCache struct {
	predictor MLPredictor
	timeout   time.Duration
	ttl       time.Duration

	mu      sync.Mutex
	entries map[string]mlEntry

	hits, misses, timeouts atomic.Int64
}

func NewMLCache(predictor MLPredictor, timeout, ttl time.Duration) *MLCache {
	if timeout <= 0 {
		timeout = 50 * time.Millisecond
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	return &MLCache{
		predictor: predictor,
		timeout:   timeout,
		ttl:       ttl,
		entries:   make(map[string]mlEntry),
	}
}

// Get returns the cached or freshly fetched prediction. Nil means no usable
// signal: no predictor configured, timeout, or model error.
func (c *MLCache) Get(ctx context.Context, chain, pairKey string) *MLPrediction {
	if c.predictor == nil {
		return nil
	}
	key := chain + "|" + pairKey + "|" + time.Now().UTC().Format("15:04")
	now := time.Now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && now.Sub(e.savedAt) < c.ttl {
		c.mu.Unlock()
		c.hits.Add(1)
		return e.pred
	}
	c.mu.Unlock()
	c.misses.Add(1)

	pred := c.fetch(ctx, chain, pairKey)

	c.mu.Lock()
	c.entries[key] = mlEntry{pred: pred, savedAt: now}
	if len(c.entries) > 4096 {
		for k, e := range c.entries {
			if now.Sub(e.savedAt) >= c.ttl {
				delete(c.entries, k)
			}
		}
	}
	c.mu.Unlock()
	return pred
}

// fetch races the model against the hard timeout. The goroutine writes to a
// buffered channel so an overdue result is dropped, not leaked.
func (c *MLCache) fetch(ctx context.Context, chain, pairKey string) *MLPrediction {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		pred MLPrediction
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		pred, err := c.predictor.Predict(ctx, chain, pairKey)
		ch <- result{pred, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil
		}
		return &r.pred
	case <-ctx.Done():
		c.timeouts.Add(1)
		return nil
	}
}
