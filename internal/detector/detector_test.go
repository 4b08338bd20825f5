package detector

import (
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rawblock/arb-engine/internal/config"
	"github.com/rawblock/arb-engine/internal/ingest"
	"github.com/rawblock/arb-engine/internal/pricecache"
	"github.com/rawblock/arb-engine/pkg/models"
)

var (
	weth = common.HexToAddress("0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2")
	usdc = common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48")
)

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

// wethUsdcPair builds a WETH/USDC pool with reserves in whole units.
func wethUsdcPair(addr, dex string, wethReserve, usdcReserve int64) *models.TokenPair {
	return &models.TokenPair{
		PairAddress: common.HexToAddress(addr),
		Chain:       "ethereum",
		Dex:         dex,
		Token0:      weth,
		Token1:      usdc,
		Decimals0:   18,
		Decimals1:   6,
		Reserve0:    new(big.Int).Mul(big.NewInt(wethReserve), big.NewInt(1e18)),
		Reserve1:    new(big.Int).Mul(big.NewInt(usdcReserve), big.NewInt(1e6)),
	}
}

// seededGas returns a cache where 300k gas units cost ~$15 on ethereum.
func seededGas() *pricecache.GasPriceCache {
	g := pricecache.NewGasPriceCache(nil, time.Minute)
	g.Seed("ethereum", 16.6667, 3000)
	return g
}

func detectorFixture(t *testing.T, pairs ...*models.TokenPair) (*ChainDetector, *sinkRecorder, *ingest.PairIndex) {
	t.Helper()
	idx := ingest.NewPairIndex("ethereum")
	for _, p := range pairs {
		idx.Register(p)
	}
	oracle := ingest.NewStaticOracle()
	oracle.SetPrice("ethereum", usdc, 1.0)

	sink := &sinkRecorder{}
	cfg := config.ChainConfig{
		Name: "ethereum", MinProfitUSD: 25, MinProfitPct: 0.3,
		Confidence: 0.8, ExpiryMs: 30000,
	}
	return NewChainDetector(cfg, idx, oracle, seededGas(), sink), sink, idx
}

func updateFor(p *models.TokenPair) *models.PriceUpdate {
	return &models.PriceUpdate{
		Chain:       p.Chain,
		Dex:         p.Dex,
		PairAddress: p.PairAddress,
		Token0:      p.Token0,
		Token1:      p.Token1,
		MidPrice:    p.MidPrice(),
		TimestampMs: time.Now().UnixMilli(),
	}
}

func TestCrossDexArbitrageDetected(t *testing.T) {
	uni := wethUsdcPair("0x1111", "uniswap_v3", 100, 200_000)  // mid 2000
	sushi := wethUsdcPair("0x2222", "sushiswap", 100, 210_000) // mid 2100
	d, sink, _ := detectorFixture(t, uni, sushi)

	d.OnPriceUpdate(updateFor(uni))

	opps := sink.all()
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(opps))
	}
	opp := opps[0]
	if opp.Type != models.OpportunityCrossDex {
		t.Fatalf("type = %s, want cross-dex", opp.Type)
	}
	if opp.BuyDex != "uniswap_v3" || opp.SellDex != "sushiswap" {
		t.Fatalf("route = buy %s sell %s, want uniswap_v3 -> sushiswap", opp.BuyDex, opp.SellDex)
	}
	if opp.ExpectedProfitUSD < 25 || opp.ExpectedProfitUSD > 80 {
		t.Fatalf("profit = %.2f, want a few tens of dollars", opp.ExpectedProfitUSD)
	}
	if opp.ProfitPercentage < 1 || opp.ProfitPercentage > 4 {
		t.Fatalf("profit pct = %.2f, want 1-4%%", opp.ProfitPercentage)
	}
	if opp.Confidence != 0.8 {
		t.Fatalf("confidence = %.2f, want 0.8", opp.Confidence)
	}
	if err := opp.Validate(); err != nil {
		t.Fatalf("published opportunity invalid: %v", err)
	}
	if opp.GasEstimateUSD < 14 || opp.GasEstimateUSD > 16 {
		t.Fatalf("gas = %.2f, want ~15", opp.GasEstimateUSD)
	}
}

func TestEqualPricesProduceNothing(t *testing.T) {
	uni := wethUsdcPair("0x1111", "uniswap_v3", 100, 200_000)
	sushi := wethUsdcPair("0x2222", "sushiswap", 100, 200_000)
	d, sink, _ := detectorFixture(t, uni, sushi)

	d.OnPriceUpdate(updateFor(uni))
	if len(sink.all()) != 0 {
		t.Fatal("identical mid prices must not produce an opportunity")
	}
}

func TestBelowThresholdDiscrepancyDropped(t *testing.T) {
	// 0.05% discrepancy cannot clear gas, let alone the profit floor.
	uni := wethUsdcPair("0x1111", "uniswap_v3", 100, 200_000)
	sushi := wethUsdcPair("0x2222", "sushiswap", 100, 200_100)
	d, sink, _ := detectorFixture(t, uni, sushi)

	d.OnPriceUpdate(updateFor(uni))
	if len(sink.all()) != 0 {
		t.Fatal("sub-threshold discrepancy must not publish")
	}
}

func TestSameDexSiblingsIgnored(t *testing.T) {
	a := wethUsdcPair("0x1111", "uniswap_v3", 100, 200_000)
	b := wethUsdcPair("0x2222", "uniswap_v3", 100, 210_000)
	d, sink, _ := detectorFixture(t, a, b)

	d.OnPriceUpdate(updateFor(a))
	if len(sink.all()) != 0 {
		t.Fatal("same-dex pools must not be compared")
	}
	if d.Stats.PairsCompared.Load() != 0 {
		t.Fatalf("pairs compared = %d, want 0", d.Stats.PairsCompared.Load())
	}
}

func TestStopGuardBlocksNewUpdates(t *testing.T) {
	uni := wethUsdcPair("0x1111", "uniswap_v3", 100, 200_000)
	sushi := wethUsdcPair("0x2222", "sushiswap", 100, 210_000)
	d, sink, _ := detectorFixture(t, uni, sushi)

	d.Stop()
	d.Stop() // second stop is a no-op
	d.OnPriceUpdate(updateFor(uni))

	if len(sink.all()) != 0 {
		t.Fatal("stopped detector must ignore updates")
	}
	if d.Stats.UpdatesScanned.Load() != 0 {
		t.Fatal("stopped detector must not scan")
	}
}

func TestTriangularCycleDetected(t *testing.T) {
	tokA := common.HexToAddress("0xaaa1")
	tokB := common.HexToAddress("0xbbb2")
	tokC := common.HexToAddress("0xccc3")

	mk := func(addr, dex string, t0, t1 common.Address, r0, r1 int64) *models.TokenPair {
		return &models.TokenPair{
			PairAddress: common.HexToAddress(addr),
			Chain:       "ethereum", Dex: dex,
			Token0: t0, Token1: t1,
			Reserve0: big.NewInt(r0), Reserve1: big.NewInt(r1),
		}
	}
	// A->B rate 2, B->C rate 1, C->A rate 0.6: cycle rate 1.2 before fees.
	ab := mk("0x1111", "uniswap_v2", tokA, tokB, 1000, 2000)
	bc := mk("0x2222", "sushiswap", tokB, tokC, 1000, 1000)
	ca := mk("0x3333", "pancakeswap", tokC, tokA, 1000, 600)

	d, sink, _ := detectorFixture(t, ab, bc, ca)
	dOracle := ingest.NewStaticOracle()
	dOracle.SetPrice("ethereum", tokA, 100.0)
	d.oracle = dOracle

	d.OnPriceUpdate(updateFor(ab))

	var tri *models.Opportunity
	for _, o := range sink.all() {
		if o.Type == models.OpportunityTriangular {
			tri = o
		}
	}
	if tri == nil {
		t.Fatal("expected a triangular opportunity")
	}
	if len(tri.Path) != 3 {
		t.Fatalf("path length = %d, want 3", len(tri.Path))
	}
	if tri.TokenIn != tokA || tri.TokenOut != tokA {
		t.Fatal("cycle must start and end at the same token")
	}
	// 20% gross minus ~0.9% fees.
	if tri.ProfitPercentage < 15 || tri.ProfitPercentage > 20 {
		t.Fatalf("cycle profit pct = %.2f, want ~19", tri.ProfitPercentage)
	}
}

func TestWorkerPoolFallsBackInline(t *testing.T) {
	p := newWorkerPool(1, 1)
	block := make(chan struct{})
	started := make(chan struct{})
	p.submit(func() { close(started); <-block })
	<-started
	p.submit(func() {}) // fills the queue

	if p.submit(func() {}) {
		t.Fatal("full pool must refuse the job")
	}
	close(block)
	p.stop()

	if p.submit(func() {}) {
		t.Fatal("stopped pool must refuse jobs")
	}
}

func TestLiquidityPenaltySteps(t *testing.T) {
	tests := []struct {
		liquidity float64
		want      float64
	}{
		{5_000, liquidityPenaltyTiny},
		{25_000, liquidityPenaltySmall},
		{75_000, liquidityPenaltyThin},
		{500_000, liquidityPenaltyDeep},
	}
	for _, tt := range tests {
		if got := liquidityPenalty(tt.liquidity); got != tt.want {
			t.Errorf("penalty(%.0f) = %v, want %v", tt.liquidity, got, tt.want)
		}
	}
}
