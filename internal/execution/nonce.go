package execution

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rawblock/arb-engine/internal/config"
)

// NonceSource resolves the chain's view of a wallet's next nonce, one RPC
// round trip.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, chain string, wallet common.Address) (uint64, error)
}

type pendingNonce struct {
	allocatedAt time.Time
	deadline    time.Time
}

// walletNonces is the per-(chain, wallet) state, guarded by its own mutex so
// wallets never contend with each other.
type walletNonces struct {
	mu           sync.Mutex
	pool         []uint64
	next         uint64 // next nonce to hand out or pre-allocate
	lastSync     time.Time
	needsSync    bool
	replenishing bool
	pending      map[uint64]pendingNonce
}

// NonceManager hands out transaction nonces with a pre-allocation pool so
// the submission hot path avoids the getTransactionCount round trip.
type NonceManager struct {
	cfg    config.NoncePoolConfig
	source NonceSource

	mu      sync.Mutex
	wallets map[string]*walletNonces

	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

func NewNonceManager(cfg config.NoncePoolConfig, source NonceSource) *NonceManager {
	return &NonceManager{
		cfg:     cfg,
		source:  source,
		wallets: make(map[string]*walletNonces),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the pending-entry sweeper.
func (m *NonceManager) Start() {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweep(time.Now())
			case <-m.stopCh:
				return
			}
		}
	}()
}

// Stop halts the sweeper. Idempotent.
func (m *NonceManager) Stop() {
	m.once.Do(func() { close(m.stopCh) })
	<-m.done
}

func (m *NonceManager) wallet(chain string, wallet common.Address) *walletNonces {
	key := chain + "|" + wallet.Hex()
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.wallets[key]
	if w == nil {
		w = &walletNonces{pending: make(map[uint64]pendingNonce), needsSync: true}
		m.wallets[key] = w
	}
	return w
}

// Prefill syncs with the chain and fills the pool, typically at startup.
func (m *NonceManager) Prefill(ctx context.Context, chain string, wallet common.Address) error {
	w := m.wallet(chain, wallet)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := m.syncLocked(ctx, chain, wallet, w); err != nil {
		return err
	}
	m.fillPoolLocked(w)
	return nil
}

// Acquire returns the next nonce. Pool hits avoid RPC entirely; an empty or
// disabled pool falls back to the pre-pool path: sync when stale, then
// increment.
func (m *NonceManager) Acquire(ctx context.Context, chain string, wallet common.Address) (uint64, error) {
	w := m.wallet(chain, wallet)
	w.mu.Lock()
	defer w.mu.Unlock()

	if m.cfg.Enabled && len(w.pool) > 0 {
		nonce := w.pool[0]
		w.pool = w.pool[1:]
		w.pending[nonce] = pendingNonce{allocatedAt: time.Now(), deadline: time.Now().Add(m.cfg.PendingTimeout)}
		if len(w.pool) <= m.cfg.ReplenishThreshold && !w.replenishing {
			w.replenishing = true
			go m.replenish(chain, wallet)
		}
		return nonce, nil
	}

	if w.needsSync || time.Since(w.lastSync) > m.cfg.SyncInterval {
		if err := m.syncLocked(ctx, chain, wallet, w); err != nil {
			return 0, err
		}
	}
	nonce := w.next
	w.next++
	w.pending[nonce] = pendingNonce{allocatedAt: time.Now(), deadline: time.Now().Add(m.cfg.PendingTimeout)}
	return nonce, nil
}

// OnConfirmed releases a confirmed nonce's pending entry.
func (m *NonceManager) OnConfirmed(chain string, wallet common.Address, nonce uint64) {
	w := m.wallet(chain, wallet)
	w.mu.Lock()
	delete(w.pending, nonce)
	w.mu.Unlock()
}

// OnFailed handles a failed submission. A transaction that never reached the
// mempool frees its nonce for immediate reuse; otherwise the nonce is burned
// and the wallet resyncs on its next slow-path acquire.
func (m *NonceManager) OnFailed(chain string, wallet common.Address, nonce uint64, reachedMempool bool) {
	w := m.wallet(chain, wallet)
	w.mu.Lock()
	delete(w.pending, nonce)
	if !reachedMempool {
		w.pool = append([]uint64{nonce}, w.pool...)
	} else {
		w.needsSync = true
	}
	w.mu.Unlock()
}

// PoolSize reports the wallet's available pre-allocated nonces.
func (m *NonceManager) PoolSize(chain string, wallet common.Address) int {
	w := m.wallet(chain, wallet)
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pool)
}

// syncLocked refreshes next from the chain, never moving it backwards past
// locally allocated nonces. Caller holds w.mu.
func (m *NonceManager) syncLocked(ctx context.Context, chain string, wallet common.Address, w *walletNonces) error {
	chainNonce, err := m.source.PendingNonceAt(ctx, chain, wallet)
	if err != nil {
		return err
	}
	if chainNonce > w.next {
		w.next = chainNonce
	}
	w.lastSync = time.Now()
	w.needsSync = false
	return nil
}

// fillPoolLocked tops the pool up to the configured size. Caller holds w.mu.
func (m *NonceManager) fillPoolLocked(w *walletNonces) {
	if !m.cfg.Enabled {
		return
	}
	for len(w.pool) < m.cfg.Size {
		w.pool = append(w.pool, w.next)
		w.next++
	}
}

// replenish runs the background pool refill after the threshold trip.
func (m *NonceManager) replenish(chain string, wallet common.Address) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	w := m.wallet(chain, wallet)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.replenishing = false

	if err := m.syncLocked(ctx, chain, wallet, w); err != nil {
		log.Printf("[Nonce:%s] Replenish sync failed for %s: %v", chain, wallet.Hex(), err)
		return
	}
	m.fillPoolLocked(w)
}

// sweep evicts pending entries past their deadline.
func (m *NonceManager) sweep(now time.Time) {
	m.mu.Lock()
	wallets := make([]*walletNonces, 0, len(m.wallets))
	names := make([]string, 0, len(m.wallets))
	for key, w := range m.wallets {
		wallets = append(wallets, w)
		names = append(names, key)
	}
	m.mu.Unlock()

	for i, w := range wallets {
		w.mu.Lock()
		for nonce, p := range w.pending {
			if now.After(p.deadline) {
				delete(w.pending, nonce)
				w.needsSync = true
				log.Printf("[Nonce] Evicted expired pending nonce %d for %s", nonce, names[i])
			}
		}
		w.mu.Unlock()
	}
}
