package alerts

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rawblock/arb-engine/pkg/models"
)

func TestWebhookDeliversAlerts(t *testing.T) {
	var mu sync.Mutex
	var received []Alert
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var a Alert
		if err := json.Unmarshal(body, &a); err != nil {
			t.Errorf("bad alert payload: %v", err)
		}
		mu.Lock()
		received = append(received, a)
		mu.Unlock()
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.Start()

	n.NotifyBreaker("ethereum", "CLOSED", "OPEN", "failure threshold reached")
	n.NotifyDrawdown("HALT", "-0.6")
	n.NotifyOpportunity(&models.Opportunity{ID: "opp-1", Type: models.OpportunityCrossDex, BuyChain: "ethereum"})
	n.Stop()

	if got := n.Sent.Load(); got != 3 {
		t.Fatalf("sent = %d, want 3", got)
	}
	mu.Lock()
	defer mu.Unlock()
	kinds := map[string]bool{}
	for _, a := range received {
		kinds[a.Kind] = true
	}
	for _, want := range []string{"circuit-breaker", "drawdown", "opportunity"} {
		if !kinds[want] {
			t.Errorf("missing alert kind %q", want)
		}
	}
}

func TestWebhookCountsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL)
	n.Start()
	n.NotifyDrawdown("CAUTION", "-0.35")
	n.Stop()

	if got := n.Errors.Load(); got != 1 {
		t.Errorf("errors = %d, want 1", got)
	}
	if got := n.Sent.Load(); got != 0 {
		t.Errorf("sent = %d, want 0", got)
	}
}

func TestWebhookDropsWhenQueueFull(t *testing.T) {
	n := NewWebhookNotifier("http://127.0.0.1:0")
	// Worker not started, so the queue fills and overflow drops.
	for i := 0; i < queueSize+10; i++ {
		n.NotifyDrawdown("NORMAL", "0")
	}
	if got := n.Dropped.Load(); got != 10 {
		t.Errorf("dropped = %d, want 10", got)
	}
}
