package crosschain

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rawblock/arb-engine/internal/config"
	"github.com/rawblock/arb-engine/internal/pricecache"
	"github.com/rawblock/arb-engine/pkg/models"
)

const wethUsdcKey = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48:0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"

type sinkRecorder struct {
	mu   sync.Mutex
	opps []*models.Opportunity
}

func (s *sinkRecorder) Publish(o *models.Opportunity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opps = append(s.opps, o)
	return true
}

func (s *sinkRecorder) all() []*models.Opportunity {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Opportunity, len(s.opps))
	copy(out, s.opps)
	return out
}

func detectorFixture(t *testing.T) (*Detector, *sinkRecorder) {
	t.Helper()
	gas := pricecache.NewGasPriceCache(nil, time.Minute)
	gas.Seed("ethereum", 16.6667, 3000)
	gas.Seed("arbitrum", 0.1, 3000)

	chains := []config.ChainConfig{
		{Name: "ethereum", MinProfitUSD: 25, MinProfitPct: 0.3, ExpiryMs: 30000},
		{Name: "arbitrum", MinProfitUSD: 5, MinProfitPct: 0.15, ExpiryMs: 15000},
	}
	cfg := config.DetectorConfig{
		ScanInterval:         50 * time.Millisecond,
		DetectionStaleCutoff: 30 * time.Second,
		RetentionCutoff:      5 * time.Minute,
	}
	sink := &sinkRecorder{}
	d := NewDetector(cfg, chains, NewPriceDataManager(cfg.RetentionCutoff),
		NewMLCache(nil, 0, 0), NewPreValidator(PreValidatorConfig{}, nil),
		NewBridgeCostEstimator(), gas, sink)
	return d, sink
}

func point(chain, dex string, price float64, age time.Duration) PricePoint {
	return PricePoint{Chain: chain, Dex: dex, Price: price,
		TimestampMs: time.Now().Add(-age).UnixMilli()}
}

func seed(d *Detector, pairKey string, p PricePoint) {
	d.data.mu.Lock()
	dexes := d.data.byChain[p.Chain]
	if dexes == nil {
		dexes = make(map[string]map[string]*models.PriceUpdate)
		d.data.byChain[p.Chain] = dexes
	}
	pairs := dexes[p.Dex]
	if pairs == nil {
		pairs = make(map[string]*models.PriceUpdate)
		dexes[p.Dex] = pairs
	}
	pairs[pairKey] = &models.PriceUpdate{
		Chain: p.Chain, Dex: p.Dex, MidPrice: p.Price, TimestampMs: p.TimestampMs,
	}
	d.data.mu.Unlock()
}

func TestCrossChainOpportunityPublished(t *testing.T) {
	d, sink := detectorFixture(t)
	seed(d, wethUsdcKey, point("ethereum", "uniswap_v3", 2000, time.Second))
	seed(d, wethUsdcKey, point("arbitrum", "camelot", 2100, time.Second))

	d.scan(context.Background())

	opps := sink.all()
	if len(opps) != 1 {
		t.Fatalf("published = %d, want 1", len(opps))
	}
	opp := opps[0]
	if opp.Type != models.OpportunityCrossChain {
		t.Fatalf("type = %s, want cross-chain", opp.Type)
	}
	if opp.BuyChain != "ethereum" || opp.SellChain != "arbitrum" {
		t.Fatalf("route = %s -> %s, want ethereum -> arbitrum", opp.BuyChain, opp.SellChain)
	}
	// 5% spread on $10k notional minus bridge ($8) and gas (~$7.5).
	if opp.ExpectedProfitUSD < 400 || opp.ExpectedProfitUSD > 500 {
		t.Fatalf("net profit = %.2f, want ~485", opp.ExpectedProfitUSD)
	}
	if opp.Confidence < minPublishConfidence || opp.Confidence > 1 {
		t.Fatalf("confidence = %.3f out of range", opp.Confidence)
	}
	if err := opp.Validate(); err != nil {
		t.Fatalf("invalid opportunity: %v", err)
	}
}

func TestHardStalenessGate(t *testing.T) {
	d, sink := detectorFixture(t)
	// Low side 35s old with a 30s cutoff; profit and boosts are irrelevant.
	seed(d, wethUsdcKey, point("ethereum", "uniswap_v3", 2000, 35*time.Second))
	seed(d, wethUsdcKey, point("arbitrum", "camelot", 2100, 5*time.Second))
	d.OnWhaleSignal("ethereum", wethUsdcKey, +1, true)

	d.scan(context.Background())

	if len(sink.all()) != 0 {
		t.Fatal("stale price must never publish, boosts cannot override")
	}
	if d.Stats.StaleRejected.Load() != 1 {
		t.Fatalf("stale rejects = %d, want 1", d.Stats.StaleRejected.Load())
	}
}

func TestZeroStaleCutoffRejectsEverything(t *testing.T) {
	d, sink := detectorFixture(t)
	d.cfg.DetectionStaleCutoff = 0
	seed(d, wethUsdcKey, point("ethereum", "uniswap_v3", 2000, time.Second))
	seed(d, wethUsdcKey, point("arbitrum", "camelot", 2100, time.Second))

	d.scan(context.Background())
	if len(sink.all()) != 0 {
		t.Fatal("zero cutoff must reject every pair")
	}
}

func TestSameChainSpreadIgnored(t *testing.T) {
	d, sink := detectorFixture(t)
	seed(d, wethUsdcKey, point("ethereum", "uniswap_v3", 2000, time.Second))
	seed(d, wethUsdcKey, point("ethereum", "sushiswap", 2100, time.Second))

	d.scan(context.Background())
	if len(sink.all()) != 0 {
		t.Fatal("same-chain spreads belong to the chain detector")
	}
}

func TestConfidenceBoostCap(t *testing.T) {
	combos := []struct {
		name  string
		ml    *MLPrediction
		whale WhaleSignal
		ok    bool
	}{
		{"none", nil, WhaleSignal{}, false},
		{"ml aligned", &MLPrediction{Direction: 1, Confidence: 0.9}, WhaleSignal{}, false},
		{"ml + whale", &MLPrediction{Direction: 1, Confidence: 0.9}, WhaleSignal{Direction: 1}, true},
		{"ml + super whale", &MLPrediction{Direction: 1, Confidence: 0.9}, WhaleSignal{SuperWhale: true}, true},
	}
	for _, tt := range combos {
		t.Run(tt.name, func(t *testing.T) {
			conf, boost := confidence(10, 0, tt.ml, tt.whale, tt.ok)
			if boost > maxTotalBoost {
				t.Fatalf("boost = %.4f exceeds cap %.2f", boost, maxTotalBoost)
			}
			if conf > 1 {
				t.Fatalf("confidence = %.4f exceeds 1", conf)
			}
		})
	}
}

func TestConfidenceMLBelowThresholdIgnored(t *testing.T) {
	_, boostWeak := confidence(2, 0, &MLPrediction{Direction: 1, Confidence: 0.5}, WhaleSignal{}, false)
	if boostWeak != 1.0 {
		t.Fatalf("low-confidence ML must not boost, got %.3f", boostWeak)
	}
	_, boostStrong := confidence(2, 0, &MLPrediction{Direction: 1, Confidence: 0.7}, WhaleSignal{}, false)
	if boostStrong != mlAlignedBoost {
		t.Fatalf("aligned ML boost = %.3f, want %.3f", boostStrong, mlAlignedBoost)
	}
}

func TestConfidenceAgePenalty(t *testing.T) {
	fresh, _ := confidence(5, 0, nil, WhaleSignal{}, false)
	aged, _ := confidence(5, 5*60_000, nil, WhaleSignal{}, false)
	ancient, _ := confidence(5, 60*60_000, nil, WhaleSignal{}, false)

	if aged >= fresh {
		t.Fatalf("5-minute-old price must score below fresh: %.3f vs %.3f", aged, fresh)
	}
	if ancient < fresh*agePenaltyFloor-1e-9 {
		t.Fatalf("age penalty must floor at %.2f, got %.3f", agePenaltyFloor, ancient)
	}
}

func TestPriceDataReplaceAndSnapshot(t *testing.T) {
	m := NewPriceDataManager(time.Minute)
	u1 := &models.PriceUpdate{Chain: "ethereum", Dex: "uniswap_v3", MidPrice: 2000, TimestampMs: 1}
	u2 := &models.PriceUpdate{Chain: "ethereum", Dex: "uniswap_v3", MidPrice: 2050, TimestampMs: 2}
	m.Update(u1)
	m.Update(u2) // same slot, replaces

	snap := m.Snapshot()
	key := models.NormalizedTokenKey(u1.Token0, u1.Token1)
	if len(snap[key]) != 1 {
		t.Fatalf("points = %d, want 1 after replacement", len(snap[key]))
	}
	if snap[key][0].Price != 2050 {
		t.Fatalf("price = %.0f, want the later update", snap[key][0].Price)
	}
}

func TestPriceDataRetentionSweep(t *testing.T) {
	m := NewPriceDataManager(time.Minute)
	old := &models.PriceUpdate{Chain: "ethereum", Dex: "uniswap_v3", MidPrice: 2000,
		TimestampMs: time.Now().Add(-2 * time.Minute).UnixMilli()}
	m.Update(old)

	m.mu.Lock()
	m.cleanupLocked(time.Now().UnixMilli())
	m.mu.Unlock()

	if m.Size() != 0 {
		t.Fatalf("size = %d, want 0 after retention sweep", m.Size())
	}
}
