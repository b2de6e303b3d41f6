// Package client is a headless replica: it holds a websocket session to
// the sync server, records its own inputs into local snapshot buffers
// stamped with the last server-confirmed tick, and mirrors the entities
// the server says it can see.
package client

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"arena-sync/internal/config"
	"arena-sync/internal/event"
	"arena-sync/internal/ingest"
	"arena-sync/internal/protocol"
	"arena-sync/internal/snapshot"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	ReconnectDelay   = 500 * time.Millisecond
	HandshakeTimeout = 5 * time.Second
	WriteTimeout     = 2 * time.Second

	// Stamps trail the clock so a local insert always sees an older timestamp.
	stampLead = 0.001
)

var ErrNotConnected = errors.New("not connected")

// Options tune a Client beyond its config.
type Options struct {
	Session uuid.UUID      // zero = random
	Clock   snapshot.Clock // nil = snapshot.SystemClock
}

// Client is one headless peer.
type Client struct {
	serverURL   string
	session     uuid.UUID
	clock       snapshot.Clock
	movementCap int
	fireCap     int

	conn   *websocket.Conn
	connMu sync.Mutex // guards conn and serializes writes

	mu            sync.RWMutex
	confirmedTick uint32
	clientID      uint64
	entityID      uint64
	entities      map[uint64]protocol.EntityPos
	movement      *snapshot.Buffer[event.Movement2D]
	fire          *snapshot.Buffer[event.Fire]
	movementSeq   uint64
	fireSeq       uint64
	lastStamp     float64

	movementIn *ingest.Client[event.Movement2D]
	fireIn     *ingest.Client[event.Fire]

	framesReceived atomic.Int64
	reconnects     atomic.Int64
	connected      atomic.Bool

	onFrame func(*protocol.TickFrame)
}

// New creates a disconnected client.
func New(cfg config.ClientConfig, syncCfg config.SyncConfig, opts Options) *Client {
	session := opts.Session
	if session == uuid.Nil {
		session = uuid.New()
	}
	clock := opts.Clock
	if clock == nil {
		clock = snapshot.SystemClock{}
	}

	c := &Client{
		serverURL:   cfg.ServerURL,
		session:     session,
		clock:       clock,
		movementCap: syncCfg.MaxUpdateSnapshots,
		fireCap:     syncCfg.MaxEventSnapshots,
		entities:    make(map[uint64]protocol.EntityPos),
		movementIn:  ingest.NewClient[event.Movement2D](event.KindMovement),
		fireIn:      ingest.NewClient[event.Fire](event.KindFire),
	}
	c.resetBuffers()
	return c
}

// resetBuffers drops local history. Callers hold mu (or own c exclusively).
func (c *Client) resetBuffers() {
	c.movement = snapshot.NewBuffer[event.Movement2D](c.movementCap, c.clock)
	c.fire = snapshot.NewBuffer[event.Fire](c.fireCap, c.clock)
}

// OnFrame sets a callback for every received tick frame. Set it before Run.
func (c *Client) OnFrame(fn func(*protocol.TickFrame)) {
	c.onFrame = fn
}

// Run keeps a session open until ctx is done, reconnecting after
// failures. It returns ctx.Err().
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("⚠️ session %s lost: %v", c.session, err)
		c.reconnects.Add(1)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(ReconnectDelay):
		}
	}
}

func (c *Client) runOnce(ctx context.Context) error {
	u, err := url.Parse(c.serverURL)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	q := u.Query()
	q.Set("uuid", c.session.String())
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{HandshakeTimeout: HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	// Unblock the read loop when ctx ends.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	defer func() {
		c.connected.Store(false)
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := protocol.DecodeServer(data)
		if err != nil {
			log.Printf("⚠️ session %s: %v", c.session, err)
			continue
		}
		if err := c.handle(msg); err != nil {
			return err
		}
	}
}

func (c *Client) handle(msg any) error {
	switch m := msg.(type) {
	case *protocol.Welcome:
		// Every welcome starts a fresh server session, possibly on a
		// restarted server whose tick counter began again at zero.
		c.mu.Lock()
		c.clientID = m.ClientID
		c.entityID = m.EntityID
		c.confirmedTick = m.Tick
		clear(c.entities)
		c.resetBuffers()
		c.mu.Unlock()
		c.connected.Store(true)
		log.Printf("✅ session %s: client %d, entity %d", c.session, m.ClientID, m.EntityID)

	case *protocol.TickFrame:
		c.mu.Lock()
		if m.Tick >= c.confirmedTick {
			c.confirmedTick = m.Tick
			clear(c.entities)
			for _, e := range m.Entities {
				c.entities[e.ID] = e
			}
		}
		c.mu.Unlock()
		c.framesReceived.Add(1)
		if c.onFrame != nil {
			c.onFrame(m)
		}

	case *protocol.ErrorMessage:
		if !c.connected.Load() {
			return fmt.Errorf("handshake refused: %s", m.Error)
		}
		log.Printf("⚠️ server rejected a message: %s", m.Error)
	}
	return nil
}

// stamp returns a strictly increasing send time.
func (c *Client) stamp() float64 {
	now := c.clock.Now() - stampLead
	if now <= c.lastStamp {
		now = c.lastStamp + 1e-6
	}
	c.lastStamp = now
	return now
}

// Move records and sends one movement sample. Axes are in [-1, 1].
func (c *Client) Move(axisX, axisY float32) error {
	c.mu.Lock()
	c.movementSeq++
	ev := event.Movement2D{Seq: c.movementSeq, Time: c.stamp(), AxisX: axisX, AxisY: axisY}
	if err := ev.Validate(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.movementIn.Ingest(c.confirmedTick, []event.Movement2D{ev}, []*snapshot.Buffer[event.Movement2D]{c.movement})
	c.mu.Unlock()

	return c.send(ev)
}

// Fire records and sends one shot.
func (c *Client) Fire() error {
	c.mu.Lock()
	c.fireSeq++
	ev := event.Fire{Seq: c.fireSeq, Time: c.stamp()}
	c.fireIn.Ingest(c.confirmedTick, []event.Fire{ev}, []*snapshot.Buffer[event.Fire]{c.fire})
	c.mu.Unlock()

	return c.send(ev)
}

func (c *Client) send(ev event.Event) error {
	data, err := protocol.EncodeEvent(ev)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil || !c.connected.Load() {
		return ErrNotConnected
	}
	c.conn.SetWriteDeadline(time.Now().Add(WriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Connected reports whether the server has welcomed the current session.
func (c *Client) Connected() bool { return c.connected.Load() }

// ConfirmedTick returns the newest tick the server has confirmed.
func (c *Client) ConfirmedTick() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.confirmedTick
}

// EntityID returns the entity the server spawned for this session.
func (c *Client) EntityID() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entityID
}

// Entities returns the currently replicated entities in ID order.
func (c *Client) Entities() []protocol.EntityPos {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]protocol.EntityPos, 0, len(c.entities))
	for _, e := range c.entities {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LocalMovement returns the locally recorded movement snapshots.
func (c *Client) LocalMovement() []snapshot.EventSnapshot[event.Movement2D] {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]snapshot.EventSnapshot[event.Movement2D], 0, c.movement.Len())
	for _, s := range c.movement.All() {
		out = append(out, s)
	}
	return out
}

// Stats returns frames received and reconnect count.
func (c *Client) Stats() (frames int64, reconnects int64) {
	return c.framesReceived.Load(), c.reconnects.Load()
}
