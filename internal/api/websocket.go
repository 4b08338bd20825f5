package api

import (
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy enforced by the CORS middleware upstream
	},
}

const (
	clientSendBuffer = 64
	clientWriteWait  = 5 * time.Second
)

// wsClient is one dashboard connection with its own bounded outbound queue.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans live engine events (opportunities, execution results, breaker
// transitions, drawdown state) out to every connected dashboard. Writes go
// through per-client queues so one slow client stalls only itself; a client
// that stops draining is evicted.
type Hub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}

	broadcast chan []byte

	Dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[*wsClient]struct{}),
		broadcast: make(chan []byte, 256),
	}
}

// Run dispatches broadcasts to client queues until the process exits.
func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mu.Lock()
		for c := range h.clients {
			select {
			case c.send <- message:
			default:
				// Full queue: the client has not drained 64 messages.
				h.evictLocked(c)
				h.Dropped.Add(1)
			}
		}
		h.mu.Unlock()
	}
}

// Broadcast queues data for every client. Never blocks: the analytics
// consumer feeding the hub must not stall behind the dashboard fan-out.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.broadcast <- data:
	default:
		h.Dropped.Add(1)
	}
}

// ClientCount reports connected dashboards, for the stats endpoint.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Subscribe upgrades the request and registers the client.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[API] WebSocket upgrade failed: %v", err)
		return
	}
	client := &wsClient{conn: conn, send: make(chan []byte, clientSendBuffer)}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	log.Printf("[API] WebSocket client connected (%d total)", total)

	go h.writeLoop(client)
	go h.readLoop(client)
}

// writeLoop drains one client's queue. It ends when the queue closes
// (eviction) or a write fails.
func (h *Hub) writeLoop(c *wsClient) {
	for message := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			h.remove(c)
			return
		}
	}
	c.conn.Close()
}

// readLoop discards inbound frames. The feed is push-only, but reads are
// what surface client disconnects.
func (h *Hub) readLoop(c *wsClient) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[API] WebSocket read error: %v", err)
			}
			return
		}
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, present := h.clients[c]
	h.evictLocked(c)
	total := len(h.clients)
	h.mu.Unlock()
	if present {
		log.Printf("[API] WebSocket client disconnected (%d total)", total)
	}
}

// evictLocked unregisters a client and closes its queue and connection.
// Caller holds h.mu. Safe to call twice for the same client.
func (h *Hub) evictLocked(c *wsClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	c.conn.Close()
}
