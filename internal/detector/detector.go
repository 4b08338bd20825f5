package detector

import (
	"log"
	"math/big"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rawblock/arb-engine/internal/config"
	"github.com/rawblock/arb-engine/internal/ingest"
	"github.com/rawblock/arb-engine/internal/pricecache"
	"github.com/rawblock/arb-engine/pkg/models"
)

// Slippage model constants. Price impact comes from the update itself; these
// cover execution noise and thin pools.
const (
	baseSlippage = 0.001

	liquidityPenaltyTiny  = 0.05  // pool under $10k
	liquidityPenaltySmall = 0.02  // under $50k
	liquidityPenaltyThin  = 0.01  // under $100k
	liquidityPenaltyDeep  = 0.002 // everything else
)

// probeFractions are the candidate trade sizes, as fractions of the buy-side
// quote reserve. The best-profit probe wins.
var probeFractions = []float64{0.0025, 0.005, 0.01}

// opportunitySink accepts detected opportunities; the dedupe-gated publisher
// in production, a recorder in tests.
type opportunitySink interface {
	Publish(o *models.Opportunity) bool
}

// DetectorStats counts the per-chain detection work.
type DetectorStats struct {
	UpdatesScanned   atomic.Int64
	PairsCompared    atomic.Int64
	Detected         atomic.Int64
	BelowThreshold   atomic.Int64
	MultiLegSearches atomic.Int64
	MultiLegInline   atomic.Int64
}

// ChainDetector finds same-chain arbitrage on every accepted reserve update.
// It reads pair state written by the owning chain's ingestion and never
// writes it back.
type ChainDetector struct {
	cfg    config.ChainConfig
	index  *ingest.PairIndex
	oracle ingest.PriceOracle
	gas    *pricecache.GasPriceCache
	sink   opportunitySink

	pool       *workerPool
	maxHops    int
	isStopping atomic.Bool

	Stats DetectorStats
}

func NewChainDetector(cfg config.ChainConfig, index *ingest.PairIndex, oracle ingest.PriceOracle,
	gas *pricecache.GasPriceCache, sink opportunitySink) *ChainDetector {
	return &ChainDetector{
		cfg:     cfg,
		index:   index,
		oracle:  oracle,
		gas:     gas,
		sink:    sink,
		pool:    newWorkerPool(2, 64),
		maxHops: 3,
	}
}

// SetMaxHops raises the multi-leg search depth. Depths of 5 and above run on
// the worker pool.
func (d *ChainDetector) SetMaxHops(hops int) {
	if hops >= 3 {
		d.maxHops = hops
	}
}

// Stop flips the stopping guard and drains the worker pool. New updates are
// ignored from this point on.
func (d *ChainDetector) Stop() {
	if d.isStopping.Swap(true) {
		return
	}
	d.pool.stop()
	log.Printf("[Detector:%s] Stopped after %d updates, %d opportunities",
		d.cfg.Name, d.Stats.UpdatesScanned.Load(), d.Stats.Detected.Load())
}

// OnPriceUpdate is the ingestion hook: scan every same-token sibling pair on
// a different DEX for a two-leg opportunity, then kick the multi-leg search.
func (d *ChainDetector) OnPriceUpdate(u *models.PriceUpdate) {
	if d.isStopping.Load() {
		return
	}
	d.Stats.UpdatesScanned.Add(1)

	updated, ok := d.index.ByAddress(u.PairAddress)
	if !ok {
		return
	}
	for _, other := range d.index.ByTokens(updated.TokenKey()) {
		if other.PairAddress == updated.PairAddress || other.Dex == updated.Dex {
			continue
		}
		d.Stats.PairsCompared.Add(1)
		if opp := d.evaluatePair(updated, other); opp != nil {
			if d.sink.Publish(opp) {
				d.Stats.Detected.Add(1)
			}
		}
	}

	d.searchMultiLeg(updated)
}

// evaluatePair prices a two-leg round trip between two pools holding the same
// tokens: spend quote (token1) on the cheap pool, unwind on the expensive
// one. Returns nil when nothing clears the chain's thresholds.
func (d *ChainDetector) evaluatePair(a, b *models.TokenPair) *models.Opportunity {
	ar0, ar1 := a.SnapshotReserves()
	br0, br1 := b.SnapshotReserves()
	midA := models.MidPriceFromReserves(ar0, ar1, a.Decimals0, a.Decimals1)
	midB := models.MidPriceFromReserves(br0, br1, b.Decimals0, b.Decimals1)
	if midA <= 0 || midB <= 0 {
		return nil
	}

	// Token0 is cheap where the mid (token1 per token0) is low.
	low, high := a, b
	_, lowR1, highR0, _ := ar0, ar1, br0, br1
	midLow, midHigh := midA, midB
	if midB < midA {
		low, high = b, a
		_, lowR1, highR0, _ = br0, br1, ar0, ar1
		midLow, midHigh = midB, midA
	}
	if midHigh/midLow <= 1 {
		return nil
	}

	quoteUSD, ok := d.quoteTokenUSD(low, midLow)
	if !ok {
		return nil
	}

	lowQuote := reserveFloat(lowR1, low.Decimals1)
	highBase := reserveFloat(highR0, high.Decimals0)
	liquidityUSD := 2 * lowQuote * quoteUSD

	gasUSD := d.gas.EstimateGasCostUSD(d.cfg.Name, 2*pricecache.GasSimpleSwap)

	var best *models.Opportunity
	for _, frac := range probeFractions {
		amountIn := lowQuote * frac // token1 spent on the buy leg
		if amountIn <= 0 {
			continue
		}
		baseOut := amountIn / midLow // token0 acquired
		sellOut := baseOut * midHigh // token1 recovered at the high mid
		gross := sellOut - amountIn  // token1

		impactIn := amountIn / (lowQuote + amountIn)
		impactOut := baseOut / (highBase + baseOut)
		slip := baseSlippage + impactIn + impactOut + liquidityPenalty(liquidityUSD)

		profitUSD := (gross-slip*sellOut)*quoteUSD - gasUSD
		if profitUSD <= 0 {
			continue
		}
		profitPct := profitUSD / (amountIn * quoteUSD) * 100
		if best != nil && profitUSD <= best.ExpectedProfitUSD {
			continue
		}

		now := time.Now().UnixMilli()
		best = &models.Opportunity{
			ID:        uuid.NewString(),
			Type:      models.OpportunityCrossDex,
			BuyChain:  d.cfg.Name,
			SellChain: d.cfg.Name,
			BuyDex:    low.Dex,
			SellDex:   high.Dex,
			TokenIn:   low.Token1,
			TokenOut:  low.Token1,
			Path: []models.SwapStep{
				{TokenIn: low.Token1, TokenOut: low.Token0, Dex: low.Dex, Chain: d.cfg.Name,
					AmountIn: amountToRaw(amountIn, low.Decimals1)},
				{TokenIn: high.Token0, TokenOut: high.Token1, Dex: high.Dex, Chain: d.cfg.Name},
			},
			AmountIn:          amountToRaw(amountIn, low.Decimals1),
			ExpectedAmountOut: amountToRaw(sellOut*(1-slip), low.Decimals1),
			ExpectedProfitUSD: profitUSD,
			ProfitPercentage:  profitPct,
			GasEstimateUSD:    gasUSD,
			Confidence:        d.cfg.Confidence,
			DetectedAtMs:      now,
			ExpiresAtMs:       now + d.cfg.ExpiryMs,
		}
	}

	if best == nil {
		return nil
	}
	if best.ExpectedProfitUSD < d.cfg.MinProfitUSD || best.ProfitPercentage < d.cfg.MinProfitPct {
		d.Stats.BelowThreshold.Add(1)
		return nil
	}
	return best
}

// quoteTokenUSD resolves the USD price of a pair's quote token, falling back
// to deriving it through the base token and the pool mid.
func (d *ChainDetector) quoteTokenUSD(pair *models.TokenPair, mid float64) (float64, bool) {
	if usd, ok := d.oracle.TokenPriceUSD(d.cfg.Name, pair.Token1); ok {
		return usd, true
	}
	if usd, ok := d.oracle.TokenPriceUSD(d.cfg.Name, pair.Token0); ok && mid > 0 {
		return usd / mid, true
	}
	return 0, false
}

func liquidityPenalty(liquidityUSD float64) float64 {
	switch {
	case liquidityUSD < 10_000:
		return liquidityPenaltyTiny
	case liquidityUSD < 50_000:
		return liquidityPenaltySmall
	case liquidityUSD < 100_000:
		return liquidityPenaltyThin
	default:
		return liquidityPenaltyDeep
	}
}

func reserveFloat(r *big.Int, decimals uint8) float64 {
	if r == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(r).Float64()
	return f / pow10(decimals)
}

func amountToRaw(amount float64, decimals uint8) *big.Int {
	f := new(big.Float).SetFloat64(amount * pow10(decimals))
	out, _ := f.Int(nil)
	return out
}

func pow10(d uint8) float64 {
	p := 1.0
	for i := uint8(0); i < d; i++ {
		p *= 10
	}
	return p
}
