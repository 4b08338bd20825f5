package ingest

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// StaticOracle prices tokens from an operator-seeded table, refreshed out of
// band (stables pinned at $1, natives from the gas cache's feed). Good enough
// for filter valuation; execution re-prices everything on-chain.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]float64 // "chain:0xtoken" -> USD
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{prices: make(map[string]float64)}
}

func oracleKey(chain string, token common.Address) string {
	return chain + ":" + strings.ToLower(token.Hex())
}

// SetPrice pins or refreshes one token's USD price.
func (o *StaticOracle) SetPrice(chain string, token common.Address, usd float64) {
	o.mu.Lock()
	o.prices[oracleKey(chain, token)] = usd
	o.mu.Unlock()
}

func (o *StaticOracle) TokenPriceUSD(chain string, token common.Address) (float64, bool) {
	o.mu.RLock()
	usd, ok := o.prices[oracleKey(chain, token)]
	o.mu.RUnlock()
	return usd, ok && usd > 0
}
