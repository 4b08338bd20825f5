package pricecache

import (
	"context"
	"log"
	"sync"
	"time"
)

// Named gas presets for common execution shapes.
const (
	GasSimpleSwap     uint64 = 150_000
	GasComplexSwap    uint64 = 200_000
	GasTriangularArb  uint64 = 450_000
	GasMultiLegBase   uint64 = 100_000
	GasMultiLegPerHop uint64 = 150_000
)

// MultiLegGas computes the preset for an n-hop path.
func MultiLegGas(hops int) uint64 {
	if hops < 0 {
		hops = 0
	}
	return GasMultiLegBase + uint64(hops)*GasMultiLegPerHop
}

// FeeData is one chain's fetched fee snapshot.
type FeeData struct {
	GasPriceGwei float64
	NativeUSD    float64
}

// FeeFetcher performs the single RPC round trip per refresh.
type FeeFetcher interface {
	FetchFeeData(ctx context.Context, chain string) (FeeData, error)
}

type gasEntry struct {
	GasPriceGwei float64
	NativeUSD    float64
	UpdatedAt    time.Time
	Stale        bool
}

// GasPriceCache supplies chain-specific gas prices and native-token USD
// prices to profit calculations. Refreshed every interval; on fetch error
// the entry is marked stale but keeps serving so profitability math degrades
// conservatively instead of failing.
type GasPriceCache struct {
	fetcher  FeeFetcher
	interval time.Duration

	mu      sync.RWMutex
	entries map[string]*gasEntry

	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewGasPriceCache(fetcher FeeFetcher, interval time.Duration) *GasPriceCache {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &GasPriceCache{
		fetcher:  fetcher,
		interval: interval,
		entries:  make(map[string]*gasEntry),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Seed installs the per-chain fallback constants so estimates are available
// before the first refresh completes.
func (g *GasPriceCache) Seed(chain string, gasGwei, nativeUSD float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[chain] = &gasEntry{
		GasPriceGwei: gasGwei,
		NativeUSD:    nativeUSD,
		UpdatedAt:    time.Now(),
		Stale:        true, // seeded values serve but never count as fresh
	}
}

// Start launches the refresh loop across the seeded chains.
func (g *GasPriceCache) Start(ctx context.Context) {
	go func() {
		defer close(g.done)
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		g.refreshAll(ctx)
		for {
			select {
			case <-ticker.C:
				g.refreshAll(ctx)
			case <-g.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the refresh loop. Idempotent.
func (g *GasPriceCache) Stop() {
	g.once.Do(func() { close(g.stopCh) })
	select {
	case <-g.done:
	case <-time.After(2 * time.Second):
	}
}

func (g *GasPriceCache) refreshAll(ctx context.Context) {
	g.mu.RLock()
	chains := make([]string, 0, len(g.entries))
	for c := range g.entries {
		chains = append(chains, c)
	}
	g.mu.RUnlock()

	for _, chain := range chains {
		g.refresh(ctx, chain)
	}
}

func (g *GasPriceCache) refresh(ctx context.Context, chain string) {
	if g.fetcher == nil {
		return
	}
	fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	fee, err := g.fetcher.FetchFeeData(fctx, chain)
	cancel()

	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.entries[chain]
	if !ok {
		entry = &gasEntry{}
		g.entries[chain] = entry
	}
	if err != nil {
		entry.Stale = true
		log.Printf("[GasCache] Fee refresh failed for %s, serving stale data: %v", chain, err)
		return
	}
	entry.GasPriceGwei = fee.GasPriceGwei
	entry.NativeUSD = fee.NativeUSD
	entry.UpdatedAt = time.Now()
	entry.Stale = false
}

// EstimateGasCostUSD converts gas units into USD at the chain's current (or
// stale-but-served) gas and native prices.
func (g *GasPriceCache) EstimateGasCostUSD(chain string, gasUnits uint64) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entry, ok := g.entries[chain]
	if !ok {
		return 0
	}
	return float64(gasUnits) * entry.GasPriceGwei * entry.NativeUSD / 1e9
}

// GasPriceGwei returns the chain's current gas price and whether it is stale.
func (g *GasPriceCache) GasPriceGwei(chain string) (float64, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entry, ok := g.entries[chain]
	if !ok {
		return 0, true
	}
	return entry.GasPriceGwei, entry.Stale
}

// NativeUSD returns the chain's native token USD price.
func (g *GasPriceCache) NativeUSD(chain string) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if entry, ok := g.entries[chain]; ok {
		return entry.NativeUSD
	}
	return 0
}
