package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// EventType enumerates the notifications a WSManager emits.
type EventType string

const (
	EventMessage            EventType = "message"
	EventSubscribed         EventType = "subscribed"
	EventReconnected        EventType = "reconnected"
	EventRateLimit          EventType = "rateLimit"
	EventStaleConnection    EventType = "staleConnection"
	EventDataGap            EventType = "dataGap"
	EventSubRecoveryPartial EventType = "subscriptionRecoveryPartial"
)

// Event is one notification from the manager to its owner.
type Event struct {
	Type             EventType
	Chain            string
	Provider         string
	Payload          []byte   // raw message body for EventMessage
	CooldownMs       int64    // EventRateLimit
	LastMessageAgeMs int64    // EventStaleConnection
	FromBlock        uint64   // EventDataGap
	ToBlock          uint64   // EventDataGap
	FailedTopics     []string // EventSubRecoveryPartial
}

// Subscription is one eth_subscribe the manager maintains across reconnects.
type Subscription struct {
	Topic  string        // operator-facing name, e.g. "uniswap_v3-factory"
	Params []interface{} // eth_subscribe params
}

// WSConfig tunes reconnection and staleness behaviour for one chain.
type WSConfig struct {
	Chain              string
	PrimaryURL         string
	FallbackURLs       []string
	ReconnectBase      time.Duration
	MaxDelay           time.Duration
	BackoffMultiplier  float64
	JitterFraction     float64
	StalenessThreshold time.Duration
	SubscribeTimeout   time.Duration
}

// DefaultWSConfig fills the standard backoff shape.
func DefaultWSConfig(chainName, primary string, fallbacks []string, staleness time.Duration) WSConfig {
	return WSConfig{
		Chain:              chainName,
		PrimaryURL:         primary,
		FallbackURLs:       fallbacks,
		ReconnectBase:      500 * time.Millisecond,
		MaxDelay:           30 * time.Second,
		BackoffMultiplier:  2.0,
		JitterFraction:     0.25,
		StalenessThreshold: staleness,
		SubscribeTimeout:   5 * time.Second,
	}
}

// WSManager maintains a live subscription to a blockchain node, recovering
// from rate limits, disconnects and silent TCP black-holing, and rotating
// across fallback providers by health score.
type WSManager struct {
	cfg       WSConfig
	providers []*provider
	events    chan Event

	mu            sync.Mutex
	conn          *websocket.Conn
	current       *provider
	subscriptions []Subscription
	nextRPCID     int64
	attempt       int
	consecutiveOK int
	lastBlock     uint64
	lastMessageAt atomic.Int64 // unix ms

	stopping atomic.Bool
	stopCh   chan struct{}
	done     chan struct{}

	rng *rand.Rand
}

func NewWSManager(cfg WSConfig) *WSManager {
	urls := append([]string{cfg.PrimaryURL}, cfg.FallbackURLs...)
	providers := make([]*provider, 0, len(urls))
	for _, u := range urls {
		if u != "" {
			providers = append(providers, newProvider(u))
		}
	}
	return &WSManager{
		cfg:       cfg,
		providers: providers,
		events:    make(chan Event, 1024),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Events is the notification stream the ingestion service consumes.
func (m *WSManager) Events() <-chan Event { return m.events }

// Subscribe registers a topic to be held across reconnects. Must be called
// before Start (further topics can be added via SubscribeLive).
func (m *WSManager) Subscribe(sub Subscription) {
	m.mu.Lock()
	m.subscriptions = append(m.subscriptions, sub)
	m.mu.Unlock()
}

// Start connects and runs the read/watchdog loops until Stop.
func (m *WSManager) Start(ctx context.Context) error {
	if len(m.providers) == 0 {
		return fmt.Errorf("ws manager for %s has no providers", m.cfg.Chain)
	}
	go m.run(ctx)
	return nil
}

// Stop shuts the manager down cooperatively. Idempotent.
func (m *WSManager) Stop() {
	if m.stopping.Swap(true) {
		return
	}
	close(m.stopCh)
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.mu.Unlock()
	select {
	case <-m.done:
	case <-time.After(5 * time.Second):
		log.Printf("[WS:%s] Shutdown did not drain in time, abandoning", m.cfg.Chain)
	}
}

func (m *WSManager) run(ctx context.Context) {
	defer close(m.done)
	for !m.stopping.Load() && ctx.Err() == nil {
		prov := m.selectProvider()
		if prov == nil {
			// Every provider is cooling down; wait out the shortest window.
			select {
			case <-time.After(time.Second):
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			}
			continue
		}

		if err := m.connect(ctx, prov); err != nil {
			prov.recordError()
			m.backoff()
			continue
		}

		m.readUntilClosed(ctx, prov)
		if m.stopping.Load() || ctx.Err() != nil {
			return
		}
		m.backoff()
	}
}

// connect dials the provider and resubscribes all topics, emitting
// reconnected/dataGap events as appropriate.
func (m *WSManager) connect(ctx context.Context, prov *provider) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	start := time.Now()
	conn, _, err := dialer.DialContext(ctx, prov.url, nil)
	if err != nil {
		log.Printf("[WS:%s] Dial %s failed: %v", m.cfg.Chain, prov.url, err)
		return err
	}
	prov.recordLatency(time.Since(start))

	m.mu.Lock()
	wasConnected := m.current != nil
	lastBlock := m.lastBlock
	m.conn = conn
	m.current = prov
	subs := append([]Subscription(nil), m.subscriptions...)
	m.mu.Unlock()
	m.lastMessageAt.Store(time.Now().UnixMilli())

	var failed []string
	for _, sub := range subs {
		if err := m.sendSubscribe(conn, sub); err != nil {
			failed = append(failed, sub.Topic)
			continue
		}
		m.emit(Event{Type: EventSubscribed, Chain: m.cfg.Chain, Provider: prov.url, Payload: []byte(sub.Topic)})
	}
	if len(failed) > 0 {
		m.emit(Event{Type: EventSubRecoveryPartial, Chain: m.cfg.Chain, Provider: prov.url, FailedTopics: failed})
	}

	if wasConnected {
		m.emit(Event{Type: EventReconnected, Chain: m.cfg.Chain, Provider: prov.url})
		if lastBlock > 0 {
			// The gap closes when the first new block arrives; emit the open
			// edge now so the operator can backfill.
			m.emit(Event{Type: EventDataGap, Chain: m.cfg.Chain, Provider: prov.url, FromBlock: lastBlock, ToBlock: 0})
		}
	}
	log.Printf("[WS:%s] Connected to %s (%d topics)", m.cfg.Chain, prov.url, len(subs)-len(failed))
	return nil
}

// sendSubscribe issues eth_subscribe and waits for the confirmation frame
// within the per-topic timeout.
func (m *WSManager) sendSubscribe(conn *websocket.Conn, sub Subscription) error {
	m.mu.Lock()
	m.nextRPCID++
	id := m.nextRPCID
	m.mu.Unlock()

	req := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  "eth_subscribe",
		"params":  sub.Params,
	}
	if err := conn.SetWriteDeadline(time.Now().Add(m.cfg.SubscribeTimeout)); err != nil {
		return err
	}
	if err := conn.WriteJSON(req); err != nil {
		return err
	}
	// The confirmation is read inline: during (re)connect no other reader is
	// active on this connection yet.
	if err := conn.SetReadDeadline(time.Now().Add(m.cfg.SubscribeTimeout)); err != nil {
		return err
	}
	defer conn.SetReadDeadline(time.Time{})
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var resp struct {
		Error *rpcError `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("subscribe %s rejected: %s", sub.Topic, resp.Error.Message)
	}
	return nil
}

// readUntilClosed pumps messages until the connection drops, the watchdog
// declares it stale, or a rate limit forces rotation.
func (m *WSManager) readUntilClosed(ctx context.Context, prov *provider) {
	watchdog := time.NewTicker(time.Second)
	defer watchdog.Stop()

	// Capture the conn: closeConn nils m.conn, and Close on the captured conn
	// is what unblocks the pending read.
	conn := m.currentConn()
	if conn == nil {
		return
	}
	msgCh := make(chan []byte, 256)
	errCh := make(chan error, 1)
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			select {
			case msgCh <- raw:
			case <-readerDone:
				return
			}
		}
	}()

	for {
		select {
		case raw := <-msgCh:
			m.lastMessageAt.Store(time.Now().UnixMilli())
			prov.recordMessage()

			if code, limited := classifyRateLimitPayload(raw); limited {
				cooldown := prov.exclude()
				m.emit(Event{Type: EventRateLimit, Chain: m.cfg.Chain, Provider: prov.url, CooldownMs: cooldown.Milliseconds()})
				log.Printf("[WS:%s] Rate limited by %s (code %d), cooling down %s", m.cfg.Chain, prov.url, code, cooldown)
				m.closeConn()
				return
			}

			if block, ok := extractBlockNumber(raw); ok {
				m.noteBlock(block, prov)
			}

			m.mu.Lock()
			m.consecutiveOK++
			if m.consecutiveOK >= 3 {
				m.attempt = 0 // healthy again; reset backoff
			}
			m.mu.Unlock()

			m.emit(Event{Type: EventMessage, Chain: m.cfg.Chain, Provider: prov.url, Payload: raw})

		case err := <-errCh:
			if m.stopping.Load() || ctx.Err() != nil {
				return
			}
			prov.recordError()
			if closeCode, limited := classifyCloseError(err); limited {
				cooldown := prov.exclude()
				m.emit(Event{Type: EventRateLimit, Chain: m.cfg.Chain, Provider: prov.url, CooldownMs: cooldown.Milliseconds()})
				log.Printf("[WS:%s] Close code %d from %s treated as rate limit", m.cfg.Chain, closeCode, prov.url)
			} else {
				log.Printf("[WS:%s] Connection to %s dropped: %v", m.cfg.Chain, prov.url, err)
			}
			m.closeConn()
			return

		case <-watchdog.C:
			age := time.Now().UnixMilli() - m.lastMessageAt.Load()
			if age > m.cfg.StalenessThreshold.Milliseconds() {
				prov.recordStale()
				m.emit(Event{Type: EventStaleConnection, Chain: m.cfg.Chain, Provider: prov.url, LastMessageAgeMs: age})
				log.Printf("[WS:%s] No message from %s for %dms, rotating provider", m.cfg.Chain, prov.url, age)
				m.closeConn()
				return
			}

		case <-m.stopCh:
			m.closeConn()
			return
		case <-ctx.Done():
			m.closeConn()
			return
		}
	}
}

// noteBlock tracks block progression and closes any open data gap.
func (m *WSManager) noteBlock(block uint64, prov *provider) {
	m.mu.Lock()
	prev := m.lastBlock
	if block > m.lastBlock {
		m.lastBlock = block
	}
	m.mu.Unlock()
	if prev > 0 && block > prev+1 {
		m.emit(Event{Type: EventDataGap, Chain: m.cfg.Chain, Provider: prov.url, FromBlock: prev, ToBlock: block})
	}
}

// selectProvider returns the healthiest provider outside its exclusion
// window, nil when all are cooling down.
func (m *WSManager) selectProvider() *provider {
	now := time.Now()
	var best *provider
	bestScore := -1.0
	for _, p := range m.providers {
		if p.excludedUntil(now) {
			continue
		}
		if score := p.healthScore(now); score > bestScore {
			best, bestScore = p, score
		}
	}
	return best
}

// backoff sleeps delay = min(base * mult^attempt, max) * (1 + U(0, jitter)).
func (m *WSManager) backoff() {
	m.mu.Lock()
	attempt := m.attempt
	m.attempt++
	m.consecutiveOK = 0
	m.mu.Unlock()

	delay := float64(m.cfg.ReconnectBase) * math.Pow(m.cfg.BackoffMultiplier, float64(attempt))
	if max := float64(m.cfg.MaxDelay); delay > max {
		delay = max
	}
	delay *= 1 + m.rng.Float64()*m.cfg.JitterFraction

	select {
	case <-time.After(time.Duration(delay)):
	case <-m.stopCh:
	}
}

func (m *WSManager) currentConn() *websocket.Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn
}

func (m *WSManager) closeConn() {
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()
}

func (m *WSManager) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		// Owner not keeping up; drop rather than block the read loop.
	}
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// extractBlockNumber pulls blockNumber out of a log notification, ok=false
// for non-log frames.
func extractBlockNumber(raw []byte) (uint64, bool) {
	var frame struct {
		Params struct {
			Result struct {
				BlockNumber string `json:"blockNumber"`
			} `json:"result"`
		} `json:"params"`
	}
	if json.Unmarshal(raw, &frame) != nil || frame.Params.Result.BlockNumber == "" {
		return 0, false
	}
	return parseHexUint(frame.Params.Result.BlockNumber)
}
