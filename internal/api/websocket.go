package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"arena-sync/internal/entity"
	"arena-sync/internal/protocol"
	"arena-sync/internal/sim"
	"arena-sync/internal/telemetry"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// MaxWSConnectionsTotal is the maximum number of WebSocket connections allowed
	MaxWSConnectionsTotal = 500

	// MaxWSConnectionsPerIP is the maximum WebSocket connections per IP
	MaxWSConnectionsPerIP = 10

	sendBufferSize = 64
	writeWait      = 2 * time.Second
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		if IsAllowedOrigin(origin) {
			return true
		}

		// Log rejected origin for security monitoring
		log.Printf("⚠️ WebSocket connection rejected from origin: %s", origin)
		telemetry.RecordConnectionRejected("origin")
		return false
	},
}

// SessionEngine is the part of the engine a websocket session drives.
type SessionEngine interface {
	Connect(session uuid.UUID) (sim.Welcome, error)
	Disconnect(client entity.ClientID)
	Enqueue(in sim.Inbound) bool
}

// wsClient tracks one session: its connection, source IP and outbound queue
type wsClient struct {
	conn   *websocket.Conn
	ip     string
	client entity.ClientID
	send   chan []byte
}

// WebSocketHub manages all WebSocket sessions with DoS protection
type WebSocketHub struct {
	engine     SessionEngine
	clients    map[entity.ClientID]*wsClient
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex

	sessions *SessionLimiter
}

// NewWebSocketHub creates a new hub with connection limiting
func NewWebSocketHub(engine SessionEngine) *WebSocketHub {
	return &WebSocketHub{
		engine:     engine,
		clients:    make(map[entity.ClientID]*wsClient),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		sessions:   NewSessionLimiter(MaxWSConnectionsPerIP),
	}
}

// Run starts the hub. It returns after Stop.
func (h *WebSocketHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c.client] = c
			count := len(h.clients)
			h.mu.Unlock()

			log.Printf("📱 Client %v connected from %s (%d total)", c.client, c.ip, count)
			telemetry.UpdateWSConnections(count)

		case c := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[c.client]
			if ok {
				delete(h.clients, c.client)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()

			if ok {
				h.sessions.Release(c.ip)
				h.engine.Disconnect(c.client)
				log.Printf("📱 Client %v disconnected (%d remaining)", c.client, count)
				telemetry.UpdateWSConnections(count)
			}

		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.send)
				c.conn.Close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			telemetry.UpdateWSConnections(0)
			return
		}
	}
}

// Stop closes every session and ends Run.
func (h *WebSocketHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Deliver queues a frame for its client. Slow clients lose frames
// rather than stall the tick loop.
func (h *WebSocketHub) Deliver(f sim.Frame) {
	msg := protocol.TickFrame{
		Type:     protocol.TypeTick,
		Tick:     f.Tick,
		Entities: make([]protocol.EntityPos, len(f.Entities)),
	}
	for i, e := range f.Entities {
		msg.Entities[i] = protocol.EntityPos{ID: uint64(e.ID), X: e.X, Y: e.Y}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if c, ok := h.clients[f.Client]; ok {
		select {
		case c.send <- data:
		default:
			// Channel full, skip (backpressure)
		}
	}
}

// ClientCount returns the number of connected sessions
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocket upgrades /ws?uuid=<session> and runs the session.
func (h *WebSocketHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ip := ClientIP(r)

	session, err := uuid.Parse(r.URL.Query().Get("uuid"))
	if err != nil {
		telemetry.RecordConnectionRejected("handshake")
		http.Error(w, "missing or malformed uuid", http.StatusBadRequest)
		return
	}

	if total := h.ClientCount(); total >= MaxWSConnectionsTotal {
		log.Printf("⚠️ WebSocket connection rejected: total limit reached (%d)", total)
		telemetry.RecordConnectionRejected("ws_total_limit")
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	if !h.sessions.Acquire(ip) {
		log.Printf("⚠️ WebSocket connection rejected from %s: per-IP limit reached", ip)
		telemetry.RecordConnectionRejected("ws_ip_limit")
		http.Error(w, "Too many connections from your IP", http.StatusTooManyRequests)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		h.sessions.Release(ip)
		return
	}

	welcome, err := h.engine.Connect(session)
	if err != nil {
		reason := "handshake"
		if errors.Is(err, sim.ErrServerFull) {
			reason = "full"
		}
		telemetry.RecordConnectionRejected(reason)
		writeDirect(conn, protocol.ErrorMessage{Type: protocol.TypeError, Error: err.Error()})
		conn.Close()
		h.sessions.Release(ip)
		return
	}

	c := &wsClient{
		conn:   conn,
		ip:     ip,
		client: welcome.Client,
		send:   make(chan []byte, sendBufferSize),
	}

	// Welcome goes out before any frame can be routed to this client.
	data, _ := json.Marshal(protocol.Welcome{
		Type:     protocol.TypeWelcome,
		ClientID: uint64(welcome.Client),
		EntityID: uint64(welcome.Entity),
		Group:    welcome.Group,
		Tick:     welcome.Tick,
	})
	c.send <- data

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		h.sessions.Release(ip)
		h.engine.Disconnect(c.client)
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

func (h *WebSocketHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		telemetry.IncrementWSMessages("in")

		ev, err := protocol.DecodeEvent(message)
		if err != nil {
			h.reply(c, protocol.ErrorMessage{Type: protocol.TypeError, Error: err.Error()})
			continue
		}
		h.engine.Enqueue(sim.Inbound{Client: c.client, Event: ev})
	}
}

func (h *WebSocketHub) writePump(c *wsClient) {
	defer c.conn.Close()

	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
		telemetry.IncrementWSMessages("out")
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// reply queues a message for one client, dropping it if the queue is full.
func (h *WebSocketHub) reply(c *wsClient, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c.client]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func writeDirect(conn *websocket.Conn, msg any) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteJSON(msg)
}
