package monitoring

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// clientSendBuffer is how many pending messages a client may lag
	// before it counts as slow.
	clientSendBuffer = 64
	pingPeriod       = 30 * time.Second
	pongWait         = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The monitoring API is same-deployment tooling; origin enforcement
	// belongs to the fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub broadcasts one event stream to a set of WebSocket clients. Slow
// clients (send timeout exceeded or buffer full) are disconnected without
// affecting the rest.
type Hub struct {
	name        string
	sendTimeout time.Duration
	logger      *zap.Logger
	metrics     *Metrics

	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewHub creates a named hub with the given per-send timeout.
func NewHub(name string, sendTimeout time.Duration, metrics *Metrics, logger *zap.Logger) *Hub {
	if sendTimeout <= 0 {
		sendTimeout = time.Second
	}
	return &Hub{
		name:        name,
		sendTimeout: sendTimeout,
		logger:      logger.Named("ws_" + name),
		metrics:     metrics,
		clients:     make(map[*hubClient]struct{}),
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast serializes v and queues it to every client. Clients whose
// buffer is already full are evicted as slow.
func (h *Hub) Broadcast(v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error("failed to marshal broadcast", zap.Error(err))
		return
	}

	h.mu.Lock()
	var slow []*hubClient
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range slow {
		h.logger.Warn("evicting slow websocket client",
			zap.String("remote_addr", c.conn.RemoteAddr().String()))
		h.closeClient(c)
	}
}

// ServeWS upgrades the request and attaches the client to the hub.
// initial, when non-nil, is sent before any broadcast so new clients see
// current state immediately.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, initial any) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &hubClient{conn: conn, send: make(chan []byte, clientSendBuffer)}

	if initial != nil {
		if payload, err := json.Marshal(initial); err == nil {
			c.send <- payload
		}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ClientConnected(h.name)
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.sendTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.remove(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(h.sendTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

// readPump drains the connection so pongs and close frames are processed.
func (h *Hub) readPump(c *hubClient) {
	defer h.remove(c)

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if present {
		h.closeClient(c)
	} else {
		c.once.Do(func() { _ = c.conn.Close() })
	}
}

func (h *Hub) closeClient(c *hubClient) {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
	if h.metrics != nil {
		h.metrics.ClientDisconnected(h.name)
	}
}

// CloseAll disconnects every client, for shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*hubClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*hubClient]struct{})
	h.mu.Unlock()

	for _, c := range clients {
		h.closeClient(c)
	}
}
