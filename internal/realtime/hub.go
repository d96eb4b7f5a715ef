package realtime

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/incidentsync/internal/logging"
	"github.com/kimhsiao/incidentsync/internal/models"
	"github.com/kimhsiao/incidentsync/internal/observability"
	"github.com/kimhsiao/incidentsync/internal/uuid"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Observers are browsers and devices on arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub maintains connected observers and broadcasts messages to them.
//
// The observer registry is owned by the Run goroutine; every mutation and
// every fan-out goes through its channels.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	count      chan chan int
	done       chan struct{}

	clientBuffer int
	metrics      *observability.Metrics
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBroadcastBuffer sizes the queue between publishers and the run loop.
func WithBroadcastBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.broadcast = make(chan []byte, n)
		}
	}
}

// WithClientBuffer sizes each observer's outbound queue.
func WithClientBuffer(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.clientBuffer = n
		}
	}
}

// WithHubMetrics sets the metrics sink.
func WithHubMetrics(m *observability.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates a hub. Call Run to start it.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		clients:      make(map[*Client]struct{}),
		broadcast:    make(chan []byte, 256),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		count:        make(chan chan int),
		done:         make(chan struct{}),
		clientBuffer: 16,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run manages observer connections and broadcasts until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
		h.metrics.SetPresence(0)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			logging.Info("observer connected", map[string]interface{}{
				"observer_id": c.id,
				"presence":    len(h.clients),
			})
			h.presenceChanged()

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				logging.Info("observer disconnected", map[string]interface{}{
					"observer_id": c.id,
					"presence":    len(h.clients),
				})
				h.presenceChanged()
			}

		case message := <-h.broadcast:
			h.fanOut(message)

		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

// fanOut offers message to every observer; a full queue skips that observer.
func (h *Hub) fanOut(message []byte) {
	for c := range h.clients {
		select {
		case c.send <- message:
		default:
			h.metrics.RecordDropped()
			logging.Debug("observer not writable, message skipped", map[string]interface{}{
				"observer_id": c.id,
			})
		}
	}
}

func (h *Hub) presenceChanged() {
	h.metrics.SetPresence(len(h.clients))
	msg, err := json.Marshal(PresenceMessage{Type: TypePresence, Count: len(h.clients)})
	if err != nil {
		logging.Error("failed to marshal presence", err)
		return
	}
	h.fanOut(msg)
}

// Broadcast serializes data once and queues it for every observer. It never
// blocks: when the run loop is backed up the message is dropped.
func (h *Hub) Broadcast(data models.EventData) {
	msg, err := json.Marshal(data)
	if err != nil {
		logging.Error("failed to marshal event", err, map[string]interface{}{"type": string(data.Type)})
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.metrics.RecordDropped()
		logging.Warn("broadcast queue full, event dropped", map[string]interface{}{
			"type": string(data.Type),
		})
	}
}

// Presence returns the number of connected observers, or 0 once stopped.
func (h *Hub) Presence() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

// ServeHTTP upgrades the request and attaches a new observer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("websocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	c := &Client{
		id:      uuid.New(),
		conn:    conn,
		hub:     h,
		send:    make(chan []byte, h.clientBuffer),
		control: make(chan []byte, 4),
	}

	// Hello goes first; the presence rebroadcast follows from registration.
	hello, _ := json.Marshal(HelloMessage{Type: TypeHello, TS: nowMillis()})
	c.send <- hello

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}
