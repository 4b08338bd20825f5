package ingest

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rawblock/arb-engine/pkg/models"
)

// PairIndex holds every monitored pair for one chain, indexed two ways:
// by pool address for O(1) Sync-event lookup, and by normalized token key so
// a detector can find all pairs trading the same two tokens in O(1).
//
// Single writer (the owning chain's ingestion), many readers (detection).
type PairIndex struct {
	chain     string
	byAddress sync.Map // common.Address -> *models.TokenPair

	mu       sync.RWMutex
	byTokens map[string][]*models.TokenPair
}

func NewPairIndex(chain string) *PairIndex {
	return &PairIndex{
		chain:    chain,
		byTokens: make(map[string][]*models.TokenPair),
	}
}

// Register adds a pair to both indices. Registering an existing address is a
// no-op: pair identity is immutable after construction.
func (idx *PairIndex) Register(pair *models.TokenPair) bool {
	if _, loaded := idx.byAddress.LoadOrStore(pair.PairAddress, pair); loaded {
		return false
	}
	key := pair.TokenKey()
	idx.mu.Lock()
	idx.byTokens[key] = append(idx.byTokens[key], pair)
	idx.mu.Unlock()
	return true
}

// ByAddress looks a pair up by its pool address.
func (idx *PairIndex) ByAddress(addr common.Address) (*models.TokenPair, bool) {
	v, ok := idx.byAddress.Load(addr)
	if !ok {
		return nil, false
	}
	return v.(*models.TokenPair), true
}

// ByTokens returns all pairs trading the given normalized token key. The
// returned slice is a copy; the pairs themselves are shared.
func (idx *PairIndex) ByTokens(key string) []*models.TokenPair {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	src := idx.byTokens[key]
	out := make([]*models.TokenPair, len(src))
	copy(out, src)
	return out
}

// UpdateReserves overwrites a pair's reserves. Only the owning ingestion
// calls this; detectors snapshot reserves before computing on them.
func (idx *PairIndex) UpdateReserves(addr common.Address, r0, r1 *big.Int, block uint64, ts time.Time) (*models.TokenPair, bool) {
	pair, ok := idx.ByAddress(addr)
	if !ok {
		return nil, false
	}
	pair.SetReserves(r0, r1, block, ts.UnixMilli())
	return pair, true
}

// Range walks every registered pair until fn returns false.
func (idx *PairIndex) Range(fn func(pair *models.TokenPair) bool) {
	idx.byAddress.Range(func(_, v interface{}) bool {
		return fn(v.(*models.TokenPair))
	})
}

// Len counts registered pairs.
func (idx *PairIndex) Len() int {
	n := 0
	idx.byAddress.Range(func(_, _ interface{}) bool { n++; return true })
	return n
}
