package chain

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rawblock/arb-engine/internal/config"
	"github.com/rawblock/arb-engine/internal/pricecache"
)

// RPCPool holds one JSON-RPC client per EVM chain for the off-hot-path
// lookups: gas prices, pending nonces, direct state reads. Solana chains are
// skipped; their fee model is flat and nonces do not apply.
type RPCPool struct {
	mu        sync.RWMutex
	clients   map[string]*ethclient.Client
	nativeUSD map[string]float64
}

// DialRPCPool connects to every configured EVM chain that has an RPC URL.
// Chains without one are left out; callers fall back to seeded constants.
func DialRPCPool(ctx context.Context, chains []config.ChainConfig) *RPCPool {
	p := &RPCPool{
		clients:   make(map[string]*ethclient.Client),
		nativeUSD: make(map[string]float64),
	}
	for _, c := range chains {
		p.nativeUSD[c.Name] = c.FallbackNativeUSD
		if c.IsSolana || c.RPCURL == "" {
			continue
		}
		client, err := ethclient.DialContext(ctx, c.RPCURL)
		if err != nil {
			log.Printf("[RPC:%s] Dial failed, chain runs on fallback fee data: %v", c.Name, err)
			continue
		}
		p.clients[c.Name] = client
	}
	return p
}

// Client returns the chain's RPC client.
func (p *RPCPool) Client(chain string) (*ethclient.Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[chain]
	return c, ok
}

// BatchCaller returns the chain's raw JSON-RPC client for request batching.
func (p *RPCPool) BatchCaller(chain string) (BatchCaller, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.clients[chain]
	if !ok {
		return nil, false
	}
	return c.Client(), true
}

// FetchFeeData implements the gas cache's fetcher: gas price from the chain,
// native USD from the configured reference price.
func (p *RPCPool) FetchFeeData(ctx context.Context, chain string) (pricecache.FeeData, error) {
	client, ok := p.Client(chain)
	if !ok {
		return pricecache.FeeData{}, fmt.Errorf("no rpc client for %s", chain)
	}
	gasPrice, err := client.SuggestGasPrice(ctx)
	if err != nil {
		return pricecache.FeeData{}, err
	}
	p.mu.RLock()
	native := p.nativeUSD[chain]
	p.mu.RUnlock()
	return pricecache.FeeData{
		GasPriceGwei: float64(gasPrice.Uint64()) / 1e9,
		NativeUSD:    native,
	}, nil
}

// SetNativeUSD updates the chain's native token reference price, e.g. from a
// price oracle refresh.
func (p *RPCPool) SetNativeUSD(chain string, usd float64) {
	p.mu.Lock()
	p.nativeUSD[chain] = usd
	p.mu.Unlock()
}

// PendingNonceAt implements the nonce manager's source.
func (p *RPCPool) PendingNonceAt(ctx context.Context, chain string, wallet common.Address) (uint64, error) {
	client, ok := p.Client(chain)
	if !ok {
		return 0, fmt.Errorf("no rpc client for %s", chain)
	}
	return client.PendingNonceAt(ctx, wallet)
}

// Close releases every client.
func (p *RPCPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.Close()
	}
	p.clients = map[string]*ethclient.Client{}
}
