package models

import (
	"math"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// TokenPair represents a trading pair on a specific DEX on a specific chain.
// Identity (chain, pairAddress) is immutable after construction. Reserves are
// written only by the owning chain's ingestion and read concurrently by
// detector workers; both sides go through the locked accessors.
type TokenPair struct {
	PairAddress common.Address `json:"pairAddress"`
	Chain       string         `json:"chain"`
	Dex         string         `json:"dex"`
	Token0      common.Address `json:"token0"`
	Token1      common.Address `json:"token1"`
	Decimals0   uint8          `json:"decimals0"`
	Decimals1   uint8          `json:"decimals1"`

	mu              sync.RWMutex
	Reserve0        *big.Int `json:"reserve0"`
	Reserve1        *big.Int `json:"reserve1"`
	LastUpdateBlock uint64   `json:"lastUpdateBlock"`
	LastUpdateTs    int64    `json:"lastUpdateTs"` // unix ms
}

// TokenKey returns the normalized token key for this pair: both token
// addresses lowercased, sorted lexicographically, colon-joined. Pairs holding
// the same two tokens map to the same key regardless of token0/token1 order.
func (p *TokenPair) TokenKey() string {
	return NormalizedTokenKey(p.Token0, p.Token1)
}

// MatrixKey returns the L1 price matrix registry key for this pair.
func (p *TokenPair) MatrixKey() string {
	return p.Chain + ":" + p.Dex + ":" + p.TokenKey()
}

// MidPrice computes the decimal-adjusted mid price (token1 per token0) from
// the current reserves. Returns 0 when either reserve is empty.
func (p *TokenPair) MidPrice() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return MidPriceFromReserves(p.Reserve0, p.Reserve1, p.Decimals0, p.Decimals1)
}

// SetReserves replaces the reserves with copies of r0 and r1 and stamps the
// last-update block and time.
func (p *TokenPair) SetReserves(r0, r1 *big.Int, block uint64, tsMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Reserve0 = new(big.Int).Set(r0)
	p.Reserve1 = new(big.Int).Set(r1)
	p.LastUpdateBlock = block
	p.LastUpdateTs = tsMs
}

// MarkPriced stamps a price-bearing event that carries no reserves (V3 swaps
// quote via sqrtPriceX96).
func (p *TokenPair) MarkPriced(block uint64, tsMs int64) {
	p.mu.Lock()
	p.LastUpdateBlock = block
	p.LastUpdateTs = tsMs
	p.mu.Unlock()
}

// SnapshotReserves copies the current reserves into fresh big.Ints so the
// detection loop can operate on a stable view while ingestion keeps writing.
func (p *TokenPair) SnapshotReserves() (*big.Int, *big.Int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r0 := new(big.Int)
	r1 := new(big.Int)
	if p.Reserve0 != nil {
		r0.Set(p.Reserve0)
	}
	if p.Reserve1 != nil {
		r1.Set(p.Reserve1)
	}
	return r0, r1
}

// NormalizedTokenKey builds the canonical key for a token pair.
func NormalizedTokenKey(a, b common.Address) string {
	x := strings.ToLower(a.Hex())
	y := strings.ToLower(b.Hex())
	if x > y {
		x, y = y, x
	}
	return x + ":" + y
}

// MidPriceFromReserves converts raw reserves into a decimal-adjusted mid price.
func MidPriceFromReserves(reserve0, reserve1 *big.Int, decimals0, decimals1 uint8) float64 {
	if reserve0 == nil || reserve1 == nil || reserve0.Sign() == 0 {
		return 0
	}
	r0, _ := new(big.Float).SetInt(reserve0).Float64()
	r1, _ := new(big.Float).SetInt(reserve1).Float64()
	if r0 == 0 {
		return 0
	}
	scale := math.Pow10(int(decimals0)) / math.Pow10(int(decimals1))
	return (r1 / r0) * scale
}

// PriceUpdate is an observed reserve change, produced on every decoded
// reserve-changing event and published to the price-update stream. Never
// mutated after construction.
type PriceUpdate struct {
	Chain       string         `json:"chain"`
	Dex         string         `json:"dex"`
	PairAddress common.Address `json:"pairAddress"`
	Token0      common.Address `json:"token0"`
	Token1      common.Address `json:"token1"`
	Reserve0    *big.Int       `json:"reserve0"`
	Reserve1    *big.Int       `json:"reserve1"`
	MidPrice    float64        `json:"midPrice"`
	BlockNumber uint64         `json:"blockNumber"`
	TimestampMs int64          `json:"timestampMs"`
	Sequence    uint64         `json:"sequence"` // monotonic per (chain, pair)
}

// SwapEvent is an individual decoded trade on a pair.
type SwapEvent struct {
	Chain       string         `json:"chain"`
	Dex         string         `json:"dex"`
	PairAddress common.Address `json:"pairAddress"`
	Sender      common.Address `json:"sender"`
	Amount0In   *big.Int       `json:"amount0In"`
	Amount1In   *big.Int       `json:"amount1In"`
	Amount0Out  *big.Int       `json:"amount0Out"`
	Amount1Out  *big.Int       `json:"amount1Out"`
	ValueUSD    float64        `json:"valueUsd"`
	TxHash      common.Hash    `json:"txHash"`
	LogIndex    uint           `json:"logIndex"`
	BlockNumber uint64         `json:"blockNumber"`
	TimestampMs int64          `json:"timestampMs"`
}

// WhaleAlert is a high-value swap republished on the whale stream.
type WhaleAlert struct {
	SwapEvent
	Threshold  float64 `json:"threshold"`
	SuperWhale bool    `json:"superWhale"` // >= 10x threshold
}

// VolumeAggregate is the per-pair rolling volume emitted when a filter
// window closes.
type VolumeAggregate struct {
	Chain        string         `json:"chain"`
	Dex          string         `json:"dex"`
	PairAddress  common.Address `json:"pairAddress"`
	WindowStart  int64          `json:"windowStartMs"`
	WindowEnd    int64          `json:"windowEndMs"`
	SwapCount    int            `json:"swapCount"`
	TotalUSD     float64        `json:"totalUsd"`
	NetToken0    *big.Int       `json:"netToken0"`
	MEVSuspected bool           `json:"mevSuspected"`
}
