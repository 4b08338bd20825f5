package ingest

import (
	"context"
	"encoding/json"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rawblock/arb-engine/internal/bus"
	"github.com/rawblock/arb-engine/internal/chain"
	"github.com/rawblock/arb-engine/internal/config"
	"github.com/rawblock/arb-engine/internal/pricecache"
	"github.com/rawblock/arb-engine/pkg/models"
)

func ingestorFixture(t *testing.T) (*Ingestor, *recordingProducer) {
	t.Helper()
	idx := NewPairIndex("ethereum")
	prod := &recordingProducer{}
	oracle := NewStaticOracle()
	filter := NewSwapFilter("ethereum", config.FilterConfig{MinAmountUSD: 1}, idx, oracle, prod)
	cache := pricecache.NewHierarchicalCache(pricecache.NewPriceMatrix(128, time.Minute), nil, nil)
	factories := map[common.Address]string{
		common.HexToAddress("0xfac1"): "uniswap_v2",
	}

	in := NewIngestor(config.ChainConfig{Name: "ethereum"}, nil, idx, filter, prod, cache, factories)
	// A long flush wait keeps batches pending until the test flushes them.
	in.batch = bus.NewBatcher(priceBatchMax, time.Minute, in.flushPriceBatch)
	in.SeedPair(testPair("0x1111", "uniswap_v2"))
	return in, prod
}

func TestDispatchSyncBatchesPriceUpdates(t *testing.T) {
	in, prod := ingestorFixture(t)

	var updates []*models.PriceUpdate
	in.OnUpdate(func(u *models.PriceUpdate) { updates = append(updates, u) })

	sync := chain.Decoded{
		Kind:        chain.KindSync,
		PairAddress: common.HexToAddress("0x1111"),
		Reserve0:    new(big.Int).Mul(big.NewInt(200_000), big.NewInt(1e6)), // 200k USDC
		Reserve1:    new(big.Int).Mul(big.NewInt(100), big.NewInt(1e18)),    // 100 WETH
		BlockNumber: 500,
	}
	in.dispatch(context.Background(), sync)
	sync.BlockNumber = 501
	in.dispatch(context.Background(), sync)

	// Handlers see every update synchronously, before any batch flush.
	if len(updates) != 2 {
		t.Fatalf("handler saw %d updates, want 2", len(updates))
	}
	if updates[0].Sequence != 1 || updates[1].Sequence != 2 {
		t.Fatalf("sequences = %d,%d, want 1,2", updates[0].Sequence, updates[1].Sequence)
	}
	// 100 WETH / 200k USDC, decimal-adjusted: 0.0005 WETH per USDC.
	if math.Abs(updates[0].MidPrice-0.0005) > 1e-9 {
		t.Fatalf("mid price = %v, want 0.0005", updates[0].MidPrice)
	}

	in.batch.Stop()

	// Same pair, same key: both updates ride one stream entry.
	if got := prod.count(bus.StreamPriceUpdates); got != 1 {
		t.Fatalf("stream entries = %d, want 1", got)
	}
	entry := prod.valuesFor(bus.StreamPriceUpdates)[0]
	if entry["count"] != 2 {
		t.Fatalf("batch count = %v, want 2", entry["count"])
	}
	var batched []*models.PriceUpdate
	if err := json.Unmarshal([]byte(entry["data"].(string)), &batched); err != nil {
		t.Fatalf("unmarshal batch: %v", err)
	}
	if len(batched) != 2 || batched[0].BlockNumber != 500 || batched[1].BlockNumber != 501 {
		t.Fatalf("batched blocks = %+v, want 500,501", batched)
	}
	if in.Stats.UpdatesPublished.Load() != 2 || in.Stats.BatchesPublished.Load() != 1 {
		t.Fatalf("stats = %d updates / %d batches, want 2/1",
			in.Stats.UpdatesPublished.Load(), in.Stats.BatchesPublished.Load())
	}
}

func TestDispatchSyncUnknownPairDropped(t *testing.T) {
	in, prod := ingestorFixture(t)
	in.dispatch(context.Background(), chain.Decoded{
		Kind:        chain.KindSync,
		PairAddress: common.HexToAddress("0xdead"),
		Reserve0:    big.NewInt(1),
		Reserve1:    big.NewInt(1),
	})
	in.batch.Stop()
	if got := prod.count(bus.StreamPriceUpdates); got != 0 {
		t.Fatalf("unwatched pair must not publish, got %d", got)
	}
}

func TestDispatchPairCreatedRegistersFromKnownFactory(t *testing.T) {
	in, _ := ingestorFixture(t)

	in.dispatch(context.Background(), chain.Decoded{
		Kind:        chain.KindPairCreated,
		PairAddress: common.HexToAddress("0xfac1"), // the factory emits the log
		Token0:      common.HexToAddress("0xaaaa"),
		Token1:      common.HexToAddress("0xbbbb"),
		NewPair:     common.HexToAddress("0x9999"),
	})

	pair, ok := in.index.ByAddress(common.HexToAddress("0x9999"))
	if !ok {
		t.Fatal("pair from a known factory must register")
	}
	if pair.Dex != "uniswap_v2" {
		t.Fatalf("dex = %q, want uniswap_v2", pair.Dex)
	}

	// Unknown factory: ignored.
	in.dispatch(context.Background(), chain.Decoded{
		Kind:        chain.KindPairCreated,
		PairAddress: common.HexToAddress("0xbadf"),
		NewPair:     common.HexToAddress("0x8888"),
	})
	if _, ok := in.index.ByAddress(common.HexToAddress("0x8888")); ok {
		t.Fatal("pair from an unknown factory must not register")
	}
}

func TestV3Price(t *testing.T) {
	// sqrtPriceX96 = 2^96 means ratio 1.0; equal decimals keep it at 1.0.
	one := new(big.Int).Lsh(big.NewInt(1), 96)
	if got := v3Price(one, 18, 18); math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("price = %v, want 1.0", got)
	}
	// Doubling sqrtPrice quadruples the price.
	if got := v3Price(new(big.Int).Lsh(big.NewInt(1), 97), 18, 18); math.Abs(got-4.0) > 1e-9 {
		t.Fatalf("price = %v, want 4.0", got)
	}
	// Decimal adjustment: USDC(6)/WETH(18) scales by 1e-12.
	if got := v3Price(one, 6, 18); math.Abs(got-1e-12) > 1e-21 {
		t.Fatalf("price = %v, want 1e-12", got)
	}
}
