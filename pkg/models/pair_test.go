package models

import (
	"math/big"
	"testing"
)

func TestTokenKeyOrderInsensitive(t *testing.T) {
	a := &TokenPair{Token0: testWETH, Token1: testUSDC}
	b := &TokenPair{Token0: testUSDC, Token1: testWETH}
	if a.TokenKey() != b.TokenKey() {
		t.Fatalf("token order changed the key: %s vs %s", a.TokenKey(), b.TokenKey())
	}
}

func TestMidPriceDecimalAdjusted(t *testing.T) {
	// 1000 WETH (18 decimals) against 2,000,000 USDC (6 decimals): $2000/WETH.
	p := &TokenPair{
		Token0:    testWETH,
		Token1:    testUSDC,
		Decimals0: 18,
		Decimals1: 6,
		Reserve0:  new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18)),
		Reserve1:  big.NewInt(2_000_000e6),
	}
	if got := p.MidPrice(); got < 1999.99 || got > 2000.01 {
		t.Fatalf("mid price = %v, want ~2000", got)
	}
}

func TestMidPriceEmptyReserves(t *testing.T) {
	if got := MidPriceFromReserves(nil, big.NewInt(1), 18, 6); got != 0 {
		t.Fatalf("nil reserve0 mid = %v, want 0", got)
	}
	if got := MidPriceFromReserves(big.NewInt(0), big.NewInt(1), 18, 6); got != 0 {
		t.Fatalf("zero reserve0 mid = %v, want 0", got)
	}
}

func TestSnapshotReservesIsolated(t *testing.T) {
	p := &TokenPair{Reserve0: big.NewInt(100), Reserve1: big.NewInt(200)}
	r0, r1 := p.SnapshotReserves()

	p.Reserve0.SetInt64(999)
	if r0.Int64() != 100 || r1.Int64() != 200 {
		t.Fatalf("snapshot tracked live reserves: %s, %s", r0, r1)
	}
}
