package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"arena-sync/internal/config"
	"arena-sync/internal/event"
	"arena-sync/internal/protocol"
	"arena-sync/internal/sim"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

func newHubServer(t *testing.T) (*sim.Engine, *httptest.Server) {
	t.Helper()

	cfg := config.DefaultSync()
	cfg.EventsPerSecond = 0
	engine := sim.NewEngine(sim.EngineConfig{Sync: cfg, MaxClients: 4, Seed: 1})

	hub := NewWebSocketHub(engine)
	go hub.Run()
	engine.SetFrameHandler(hub.Deliver)

	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		ts.Close()
		hub.Stop()
	})
	return engine, ts
}

func dial(t *testing.T, ts *httptest.Server, session string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?uuid=" + session
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readServer(t *testing.T, conn *websocket.Conn) any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	msg, err := protocol.DecodeServer(data)
	if err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

// TestWebSocketHandshake verifies welcome, frames and event ingestion
func TestWebSocketHandshake(t *testing.T) {
	engine, ts := newHubServer(t)
	conn := dial(t, ts, uuid.NewString())

	welcome, ok := readServer(t, conn).(*protocol.Welcome)
	if !ok {
		t.Fatal("first message should be a welcome")
	}
	if welcome.ClientID == 0 || welcome.EntityID == 0 {
		t.Errorf("unexpected welcome %+v", welcome)
	}

	now := float64(time.Now().UnixNano()) / 1e9
	data, _ := protocol.EncodeEvent(event.Movement2D{Seq: 1, Time: now - 1, AxisX: 1})
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The read pump is asynchronous; tick until the event lands.
	deadline := time.Now().Add(2 * time.Second)
	for engine.Stats().Accepted == 0 && time.Now().Before(deadline) {
		engine.Step()
		time.Sleep(10 * time.Millisecond)
	}
	if engine.Stats().Accepted != 1 {
		t.Fatalf("Expected 1 accepted event, got %d", engine.Stats().Accepted)
	}

	frame, ok := readServer(t, conn).(*protocol.TickFrame)
	if !ok {
		t.Fatal("Expected a tick frame after the welcome")
	}
	found := false
	for _, e := range frame.Entities {
		if e.ID == welcome.EntityID {
			found = true
		}
	}
	if !found {
		t.Errorf("frame should always contain the client's own entity, got %+v", frame.Entities)
	}
}

// TestWebSocketRejectsBadSession verifies the uuid handshake
func TestWebSocketRejectsBadSession(t *testing.T) {
	_, ts := newHubServer(t)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?uuid=not-a-uuid"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400, got %v", resp)
	}
}

// TestWebSocketDuplicateSession verifies a second connection with the same uuid is refused
func TestWebSocketDuplicateSession(t *testing.T) {
	_, ts := newHubServer(t)
	session := uuid.NewString()

	first := dial(t, ts, session)
	if _, ok := readServer(t, first).(*protocol.Welcome); !ok {
		t.Fatal("first session should be welcomed")
	}

	second := dial(t, ts, session)
	msg, ok := readServer(t, second).(*protocol.ErrorMessage)
	if !ok {
		t.Fatal("duplicate session should get an error message")
	}
	if !strings.Contains(msg.Error, "already connected") {
		t.Errorf("unexpected error %q", msg.Error)
	}
}

// TestWebSocketDisconnectDespawns verifies closing the socket removes the entity
func TestWebSocketDisconnectDespawns(t *testing.T) {
	engine, ts := newHubServer(t)
	conn := dial(t, ts, uuid.NewString())
	readServer(t, conn)

	if engine.Stats().Entities != 1 {
		t.Fatalf("Expected 1 entity, got %d", engine.Stats().Entities)
	}
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for engine.Stats().Entities != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := engine.Stats().Entities; got != 0 {
		t.Errorf("Expected entity to be despawned, got %d", got)
	}
}
