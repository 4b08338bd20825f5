package crosschain

import (
	"context"
	"log"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rawblock/arb-engine/internal/config"
	"github.com/rawblock/arb-engine/internal/pricecache"
	"github.com/rawblock/arb-engine/pkg/models"
)

// Confidence model constants. The multiplicative boosts stack but the total
// is capped so no combination of signals can bypass thresholds.
const (
	profitCeilingPct = 5.0
	agePenaltyFloor  = 0.1

	mlMinConfidence  = 0.6
	mlAlignedBoost   = 1.15
	mlOpposedPenalty = 0.9

	whaleAlignedBoost   = 1.15
	whaleOpposedPenalty = 0.85
	superWhaleBoost     = 1.25

	maxTotalBoost = 1.5

	minPublishConfidence = 0.5
	defaultNotionalUSD   = 10_000
)

// opportunitySink is satisfied by bus.OpportunityPublisher.
type opportunitySink interface {
	Publish(o *models.Opportunity) bool
}

// DetectorStats counts the scan loop's work.
type DetectorStats struct {
	Ticks              atomic.Int64
	PairsScanned       atomic.Int64
	StaleRejected      atomic.Int64
	BelowThreshold     atomic.Int64
	LowConfidence      atomic.Int64
	PreValidationDrops atomic.Int64
	Published          atomic.Int64
}

// Detector periodically scans the cross-chain price surface for spreads wide
// enough to survive bridging.
type Detector struct {
	cfg    config.DetectorConfig
	chains map[string]config.ChainConfig
	data   *PriceDataManager
	ml     *MLCache
	preval *PreValidator
	bridge *BridgeCostEstimator
	whales *WhaleSignalTracker
	gas    *pricecache.GasPriceCache
	sink   opportunitySink

	notionalUSD float64

	Stats DetectorStats

	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewDetector(cfg config.DetectorConfig, chains []config.ChainConfig, data *PriceDataManager,
	ml *MLCache, preval *PreValidator, bridge *BridgeCostEstimator, gas *pricecache.GasPriceCache,
	sink opportunitySink) *Detector {
	byName := make(map[string]config.ChainConfig, len(chains))
	for _, c := range chains {
		byName[c.Name] = c
	}
	return &Detector{
		cfg:         cfg,
		chains:      byName,
		data:        data,
		ml:          ml,
		preval:      preval,
		bridge:      bridge,
		whales:      NewWhaleSignalTracker(),
		gas:         gas,
		sink:        sink,
		notionalUSD: defaultNotionalUSD,
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// OnPriceUpdate feeds one update into the price data manager. Safe from any
// goroutine.
func (d *Detector) OnPriceUpdate(u *models.PriceUpdate) {
	d.data.Update(u)
}

// OnWhaleSignal records whale pressure for the confidence model. The caller
// resolves the pair address to its token key.
func (d *Detector) OnWhaleSignal(chain, pairKey string, direction int, super bool) {
	d.whales.Note(chain, pairKey, direction, super)
}

// Start launches the scan loop.
func (d *Detector) Start(ctx context.Context) {
	go func() {
		defer close(d.done)
		ticker := time.NewTicker(d.cfg.ScanInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				d.scan(ctx)
			case <-d.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	log.Printf("[CrossChain] Scan loop started (interval %s, stale cutoff %s)",
		d.cfg.ScanInterval, d.cfg.DetectionStaleCutoff)
}

// Stop halts the loop. Idempotent.
func (d *Detector) Stop() {
	d.once.Do(func() { close(d.stopCh) })
	<-d.done
}

// scan runs one detection pass over an indexed snapshot.
func (d *Detector) scan(ctx context.Context) {
	d.Stats.Ticks.Add(1)
	nowMs := time.Now().UnixMilli()
	staleCutoffMs := d.cfg.DetectionStaleCutoff.Milliseconds()

	for pairKey, points := range d.data.Snapshot() {
		if len(points) < 2 {
			continue
		}
		d.Stats.PairsScanned.Add(1)

		low, high, ok := spread(points)
		if !ok || low.Chain == high.Chain {
			continue
		}

		// Hard staleness gate. Nothing overrides this, boosts included.
		if nowMs-low.TimestampMs > staleCutoffMs || nowMs-high.TimestampMs > staleCutoffMs {
			d.Stats.StaleRejected.Add(1)
			continue
		}

		profitPct := (high.Price - low.Price) / low.Price * 100
		d.evaluate(ctx, pairKey, low, high, profitPct, nowMs)
	}
}

func (d *Detector) evaluate(ctx context.Context, pairKey string, low, high PricePoint, profitPct float64, nowMs int64) {
	buyCfg, ok := d.chains[low.Chain]
	if !ok {
		buyCfg = config.ChainConfig{Name: low.Chain, MinProfitUSD: 10, MinProfitPct: 0.25, ExpiryMs: 30000}
	}

	grossUSD := d.notionalUSD * profitPct / 100
	bridgeCost := d.bridge.Estimate(low.Chain, high.Chain)
	gasUSD := d.gas.EstimateGasCostUSD(low.Chain, pricecache.GasSimpleSwap) +
		d.gas.EstimateGasCostUSD(high.Chain, pricecache.GasSimpleSwap)
	netUSD := grossUSD - bridgeCost.FeeUSD - gasUSD

	if netUSD < buyCfg.MinProfitUSD || profitPct < buyCfg.MinProfitPct {
		d.Stats.BelowThreshold.Add(1)
		return
	}

	var ml *MLPrediction
	if d.ml != nil {
		ml = d.ml.Get(ctx, low.Chain, pairKey)
	}
	whale, whaleOK := d.whales.Lookup(low.Chain, pairKey)

	oldestMs := low.TimestampMs
	if high.TimestampMs < oldestMs {
		oldestMs = high.TimestampMs
	}
	conf, boost := confidence(profitPct, nowMs-oldestMs, ml, whale, whaleOK)
	if conf < minPublishConfidence {
		d.Stats.LowConfidence.Add(1)
		return
	}

	tokenA, tokenB := splitPairKey(pairKey)
	expiry := buyCfg.ExpiryMs
	if expiry <= 0 {
		expiry = 30000
	}
	opp := &models.Opportunity{
		ID:        uuid.NewString(),
		Type:      models.OpportunityCrossChain,
		BuyChain:  low.Chain,
		SellChain: high.Chain,
		BuyDex:    low.Dex,
		SellDex:   high.Dex,
		TokenIn:   tokenA,
		TokenOut:  tokenA,
		Path: []models.SwapStep{
			{TokenIn: tokenB, TokenOut: tokenA, Dex: low.Dex, Chain: low.Chain},
			{TokenIn: tokenA, TokenOut: tokenB, Dex: high.Dex, Chain: high.Chain},
		},
		ExpectedProfitUSD: netUSD,
		ProfitPercentage:  profitPct,
		GasEstimateUSD:    gasUSD,
		Confidence:        conf,
		WhaleTriggered:    whaleOK,
		MLConfidenceBoost: boost,
		DetectedAtMs:      nowMs,
		ExpiresAtMs:       nowMs + expiry,
	}

	if !d.preval.Validate(ctx, opp) {
		d.Stats.PreValidationDrops.Add(1)
		return
	}
	if d.sink.Publish(opp) {
		d.Stats.Published.Add(1)
	}
}

// confidence computes the final score and the applied boost factor.
func confidence(profitPct float64, ageMs int64, ml *MLPrediction, whale WhaleSignal, whaleOK bool) (float64, float64) {
	base := math.Min(1, profitPct/profitCeilingPct)

	ageMinutes := float64(ageMs) / 60_000
	base *= math.Max(agePenaltyFloor, 1-ageMinutes*0.1)

	boost := 1.0
	if ml != nil && ml.Confidence >= mlMinConfidence {
		switch {
		case ml.Direction > 0:
			boost *= mlAlignedBoost
		case ml.Direction < 0:
			boost *= mlOpposedPenalty
		}
	}
	if whaleOK {
		switch {
		case whale.SuperWhale:
			boost *= superWhaleBoost
		case whale.Direction > 0:
			boost *= whaleAlignedBoost
		case whale.Direction < 0:
			boost *= whaleOpposedPenalty
		}
	}
	if boost > maxTotalBoost {
		boost = maxTotalBoost
	}

	return math.Min(1, base*boost), boost
}

// spread finds the cheapest and dearest usable points.
func spread(points []PricePoint) (low, high PricePoint, ok bool) {
	first := true
	for _, p := range points {
		if p.Price <= 0 {
			continue
		}
		if first {
			low, high, first = p, p, false
			continue
		}
		if p.Price < low.Price {
			low = p
		}
		if p.Price > high.Price {
			high = p
		}
	}
	return low, high, !first && high.Price > low.Price
}

func splitPairKey(key string) (common.Address, common.Address) {
	parts := strings.SplitN(key, ":", 2)
	if len(parts) != 2 {
		return common.Address{}, common.Address{}
	}
	return common.HexToAddress(parts[0]), common.HexToAddress(parts[1])
}
