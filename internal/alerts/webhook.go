package alerts

import (
	"bytes"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rawblock/arb-engine/pkg/models"
)

const (
	queueSize      = 256
	requestTimeout = 5 * time.Second
)

// Alert is one webhook payload.
type Alert struct {
	Kind        string      `json:"kind"`
	Chain       string      `json:"chain,omitempty"`
	Summary     string      `json:"summary"`
	Payload     interface{} `json:"payload,omitempty"`
	TimestampMs int64       `json:"timestampMs"`
}

// WebhookNotifier POSTs engine alerts to a configured endpoint. Delivery is
// asynchronous and lossy under pressure: alerting must never slow the hot
// path.
type WebhookNotifier struct {
	url    string
	client *http.Client

	queue  chan Alert
	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once

	Sent    atomic.Int64
	Dropped atomic.Int64
	Errors  atomic.Int64
}

func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: requestTimeout},
		queue:  make(chan Alert, queueSize),
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the delivery worker.
func (n *WebhookNotifier) Start() {
	go n.loop()
}

// Stop drains the worker. Idempotent.
func (n *WebhookNotifier) Stop() {
	n.once.Do(func() { close(n.stopCh) })
	<-n.done
}

// NotifyOpportunity enqueues a high-value opportunity alert.
func (n *WebhookNotifier) NotifyOpportunity(o *models.Opportunity) {
	n.enqueue(Alert{
		Kind:        "opportunity",
		Chain:       o.BuyChain,
		Summary:     string(o.Type) + " opportunity " + o.ID,
		Payload:     o,
		TimestampMs: time.Now().UnixMilli(),
	})
}

// NotifyBreaker enqueues a circuit-breaker transition alert.
func (n *WebhookNotifier) NotifyBreaker(chain, from, to, reason string) {
	n.enqueue(Alert{
		Kind:    "circuit-breaker",
		Chain:   chain,
		Summary: chain + " breaker " + from + " -> " + to + ": " + reason,
		Payload: map[string]string{
			"from": from, "to": to, "reason": reason,
		},
		TimestampMs: time.Now().UnixMilli(),
	})
}

// NotifyDrawdown enqueues a drawdown state-change alert.
func (n *WebhookNotifier) NotifyDrawdown(state, dailyPnLETH string) {
	n.enqueue(Alert{
		Kind:    "drawdown",
		Summary: "drawdown state " + state + ", daily PnL " + dailyPnLETH + " ETH",
		Payload: map[string]string{
			"state": state, "dailyPnlEth": dailyPnLETH,
		},
		TimestampMs: time.Now().UnixMilli(),
	})
}

func (n *WebhookNotifier) enqueue(a Alert) {
	select {
	case n.queue <- a:
	default:
		n.Dropped.Add(1)
	}
}

func (n *WebhookNotifier) loop() {
	defer close(n.done)
	for {
		select {
		case a := <-n.queue:
			n.deliver(a)
		case <-n.stopCh:
			// Flush whatever is queued before exiting.
			for {
				select {
				case a := <-n.queue:
					n.deliver(a)
				default:
					return
				}
			}
		}
	}
}

func (n *WebhookNotifier) deliver(a Alert) {
	body, err := json.Marshal(a)
	if err != nil {
		n.Errors.Add(1)
		return
	}
	resp, err := n.client.Post(n.url, "application/json", bytes.NewReader(body))
	if err != nil {
		n.Errors.Add(1)
		log.Printf("[Alerts] Webhook delivery failed: %v", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		n.Errors.Add(1)
		log.Printf("[Alerts] Webhook returned status %d", resp.StatusCode)
		return
	}
	n.Sent.Add(1)
}
