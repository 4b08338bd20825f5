package crosschain

import (
	"sync"
	"time"

	"github.com/rawblock/arb-engine/pkg/models"
)

// cleanupEvery bounds how often the retention sweep runs, counted in updates.
const cleanupEvery = 1000

// PricePoint is one DEX's latest view of a pair, flattened for scanning.
type PricePoint struct {
	Chain       string
	Dex         string
	Price       float64
	TimestampMs int64
}

// PriceDataManager holds the latest price per (chain, dex, pair). Writes come
// from the price-update consumer; the detection loop reads through indexed
// snapshots so scanning is O(pairs x points^2) instead of walking the full
// three-level map per tick.
type PriceDataManager struct {
	retention time.Duration

	mu      sync.RWMutex
	byChain map[string]map[string]map[string]*models.PriceUpdate // chain -> dex -> pairKey
	updates int
}

func NewPriceDataManager(retention time.Duration) *PriceDataManager {
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &PriceDataManager{
		retention: retention,
		byChain:   make(map[string]map[string]map[string]*models.PriceUpdate),
	}
}

// Update replaces the prior value for the update's slot and periodically
// sweeps out entries past retention.
func (m *PriceDataManager) Update(u *models.PriceUpdate) {
	pairKey := models.NormalizedTokenKey(u.Token0, u.Token1)

	m.mu.Lock()
	defer m.mu.Unlock()

	dexes := m.byChain[u.Chain]
	if dexes == nil {
		dexes = make(map[string]map[string]*models.PriceUpdate)
		m.byChain[u.Chain] = dexes
	}
	pairs := dexes[u.Dex]
	if pairs == nil {
		pairs = make(map[string]*models.PriceUpdate)
		dexes[u.Dex] = pairs
	}
	pairs[pairKey] = u

	m.updates++
	if m.updates%cleanupEvery == 0 {
		m.cleanupLocked(time.Now().UnixMilli())
	}
}

// cleanupLocked drops entries older than retention. Caller holds m.mu.
func (m *PriceDataManager) cleanupLocked(nowMs int64) {
	cutoff := nowMs - m.retention.Milliseconds()
	for chain, dexes := range m.byChain {
		for dex, pairs := range dexes {
			for key, u := range pairs {
				if u.TimestampMs < cutoff {
					delete(pairs, key)
				}
			}
			if len(pairs) == 0 {
				delete(dexes, dex)
			}
		}
		if len(dexes) == 0 {
			delete(m.byChain, chain)
		}
	}
}

// Snapshot builds the indexed view: pairKey -> every chain/dex point
// currently known for it.
func (m *PriceDataManager) Snapshot() map[string][]PricePoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string][]PricePoint)
	for chain, dexes := range m.byChain {
		for dex, pairs := range dexes {
			for key, u := range pairs {
				out[key] = append(out[key], PricePoint{
					Chain:       chain,
					Dex:         dex,
					Price:       u.MidPrice,
					TimestampMs: u.TimestampMs,
				})
			}
		}
	}
	return out
}

// Size counts held entries, for stats endpoints.
func (m *PriceDataManager) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, dexes := range m.byChain {
		for _, pairs := range dexes {
			n += len(pairs)
		}
	}
	return n
}
