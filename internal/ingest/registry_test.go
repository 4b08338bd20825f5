package ingest

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rawblock/arb-engine/pkg/models"
)

func testPair(addr, dex string) *models.TokenPair {
	return &models.TokenPair{
		PairAddress: common.HexToAddress(addr),
		Chain:       "ethereum",
		Dex:         dex,
		Token0:      common.HexToAddress("0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"), // USDC
		Token1:      common.HexToAddress("0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"), // WETH
		Decimals0:   6,
		Decimals1:   18,
		Reserve0:    big.NewInt(0),
		Reserve1:    big.NewInt(0),
	}
}

func TestRegisterIsIdempotent(t *testing.T) {
	idx := NewPairIndex("ethereum")
	p := testPair("0x1111", "uniswap_v2")

	if !idx.Register(p) {
		t.Fatal("first register must succeed")
	}
	if idx.Register(testPair("0x1111", "sushiswap")) {
		t.Fatal("re-registering the same address must be a no-op")
	}
	if idx.Len() != 1 {
		t.Fatalf("len = %d, want 1", idx.Len())
	}

	got, ok := idx.ByAddress(p.PairAddress)
	if !ok || got.Dex != "uniswap_v2" {
		t.Fatalf("original registration must win, got %+v", got)
	}
}

func TestByTokensGroupsAcrossDexes(t *testing.T) {
	idx := NewPairIndex("ethereum")
	uni := testPair("0x1111", "uniswap_v2")
	sushi := testPair("0x2222", "sushiswap")
	idx.Register(uni)
	idx.Register(sushi)

	// Same tokens in swapped order must land on the same key.
	flipped := testPair("0x3333", "pancakeswap")
	flipped.Token0, flipped.Token1 = flipped.Token1, flipped.Token0
	flipped.Decimals0, flipped.Decimals1 = flipped.Decimals1, flipped.Decimals0
	idx.Register(flipped)

	pairs := idx.ByTokens(uni.TokenKey())
	if len(pairs) != 3 {
		t.Fatalf("expected 3 pairs under one token key, got %d", len(pairs))
	}

	if got := idx.ByTokens("ethereum:nope"); len(got) != 0 {
		t.Fatalf("unknown key must return empty, got %d", len(got))
	}
}

func TestUpdateReserves(t *testing.T) {
	idx := NewPairIndex("ethereum")
	p := testPair("0x1111", "uniswap_v2")
	idx.Register(p)

	now := time.Now()
	updated, ok := idx.UpdateReserves(p.PairAddress, big.NewInt(500), big.NewInt(900), 42, now)
	if !ok {
		t.Fatal("update of a registered pair must succeed")
	}
	if updated.Reserve0.Int64() != 500 || updated.Reserve1.Int64() != 900 {
		t.Fatalf("reserves = %v/%v, want 500/900", updated.Reserve0, updated.Reserve1)
	}
	if updated.LastUpdateBlock != 42 || updated.LastUpdateTs != now.UnixMilli() {
		t.Fatalf("metadata not updated: block=%d ts=%d", updated.LastUpdateBlock, updated.LastUpdateTs)
	}

	if _, ok := idx.UpdateReserves(common.HexToAddress("0xdead"), big.NewInt(1), big.NewInt(1), 1, now); ok {
		t.Fatal("updating an unknown pair must fail")
	}
}
