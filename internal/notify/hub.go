package notify

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	clientBuffer = 64
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Client is one live subscriber.
type Client struct {
	events chan Event
	kinds  map[Kind]bool
}

func (c *Client) wants(k Kind) bool {
	return len(c.kinds) == 0 || c.kinds[k]
}

// Hub broadcasts events to websocket clients. The last event of every kind is
// replayed to a newly connected client.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	last    map[Kind]Event

	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*Client]struct{}),
		last:    make(map[Kind]Event),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.With("component", "ws-hub"),
	}
}

// AddClient registers a subscriber. With no kinds it receives everything.
func (h *Hub) AddClient(kinds ...Kind) *Client {
	c := &Client{
		events: make(chan Event, clientBuffer),
		kinds:  make(map[Kind]bool, len(kinds)),
	}
	for _, k := range kinds {
		c.kinds[k] = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	for _, e := range h.last {
		if c.wants(e.Kind) {
			c.events <- e
		}
	}
	return c
}

// RemoveClient unregisters a subscriber and closes its channel.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.events)
	}
}

// ClientCount returns the number of subscribers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify broadcasts e. A client whose buffer is full misses the event.
func (h *Hub) Notify(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[e.Kind] = e
	for c := range h.clients {
		if !c.wants(e.Kind) {
			continue
		}
		select {
		case c.events <- e:
		default:
			h.logger.Debug("client too slow, event dropped", "kind", e.Kind)
		}
	}
}

// ServeHTTP upgrades the request and streams events until the peer goes
// away. ?kind=glucose&kind=pending narrows the subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var kinds []Kind
	for _, k := range r.URL.Query()["kind"] {
		kinds = append(kinds, Kind(k))
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := h.AddClient(kinds...)
	defer h.RemoveClient(client)
	h.logger.Debug("client connected", "remote", r.RemoteAddr, "clients", h.ClientCount())

	// reader: detects close, discards anything the peer sends
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case e, ok := <-client.events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(e); err != nil {
				h.logger.Debug("write failed", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
