package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/incidentsync/internal/models"
	"github.com/kimhsiao/incidentsync/internal/observability"
)

func startHub(t *testing.T, opts ...HubOption) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

// readUntil skips messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]interface{} {
	t.Helper()
	for i := 0; i < 10; i++ {
		msg := readJSON(t, conn)
		if msg["type"] == msgType {
			return msg
		}
	}
	t.Fatalf("no %s message received", msgType)
	return nil
}

// TestHub_HelloThenPresence verifies the connect sequence.
func TestHub_HelloThenPresence(t *testing.T) {
	hub, srv := startHub(t)
	conn := dial(t, srv)

	hello := readJSON(t, conn)
	assert.Equal(t, TypeHello, hello["type"])
	assert.NotZero(t, hello["ts"])

	presence := readJSON(t, conn)
	assert.Equal(t, TypePresence, presence["type"])
	assert.Equal(t, float64(1), presence["count"])
	assert.Equal(t, 1, hub.Presence())
}

// TestHub_PresenceOnConnectAndDisconnect verifies presence is rebroadcast to everyone.
func TestHub_PresenceOnConnectAndDisconnect(t *testing.T) {
	hub, srv := startHub(t)
	a := dial(t, srv)
	readUntil(t, a, TypePresence)

	b := dial(t, srv)
	readUntil(t, b, TypePresence)
	msg := readUntil(t, a, TypePresence)
	assert.Equal(t, float64(2), msg["count"])

	b.Close()
	msg = readUntil(t, a, TypePresence)
	assert.Equal(t, float64(1), msg["count"])

	assert.Eventually(t, func() bool { return hub.Presence() == 1 }, time.Second, 10*time.Millisecond)
}

// TestHub_BroadcastVerbatim verifies every observer gets the event body as-is.
func TestHub_BroadcastVerbatim(t *testing.T) {
	hub, srv := startHub(t)
	a := dial(t, srv)
	readUntil(t, a, TypePresence)
	b := dial(t, srv)
	readUntil(t, b, TypePresence)
	readUntil(t, a, TypePresence)

	hub.Broadcast(models.StatusEvent("inc-1", models.StatusResolved))

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readUntil(t, conn, string(models.EventIncidentStatus))
		assert.Equal(t, "inc-1", msg["id"])
		assert.Equal(t, "RESOLVED", msg["status"])
	}
}

func TestHub_PingPong(t *testing.T) {
	_, srv := startHub(t)
	conn := dial(t, srv)
	readUntil(t, conn, TypePresence)

	require.NoError(t, conn.WriteJSON(HeartbeatMessage{Type: TypePing, TS: 1}))
	pong := readUntil(t, conn, TypePong)
	assert.NotZero(t, pong["ts"])

	// Garbage is ignored and the connection stays usable.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, conn.WriteJSON(HeartbeatMessage{Type: TypePing, TS: 2}))
	readUntil(t, conn, TypePong)
}

// TestHub_FullObserverSkipped verifies a slow observer never blocks Broadcast.
func TestHub_FullObserverSkipped(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	hub, srv := startHub(t, WithClientBuffer(1), WithHubMetrics(metrics))
	_ = dial(t, srv) // never reads

	assert.Eventually(t, func() bool { return hub.Presence() == 1 }, time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			hub.Broadcast(models.StatusEvent("inc-1", models.StatusOpen))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Broadcast blocked on a slow observer")
	}
}

func TestHub_BroadcastWithoutObservers(t *testing.T) {
	hub := NewHub(WithBroadcastBuffer(1))
	// Run loop not started: the queue fills and further sends are dropped.
	assert.NotPanics(t, func() {
		hub.Broadcast(models.StatusEvent("a", models.StatusOpen))
		hub.Broadcast(models.StatusEvent("b", models.StatusOpen))
	})
}

// TestListener_ReceivesEvents runs the client listener against a live hub.
func TestListener_ReceivesEvents(t *testing.T) {
	hub, srv := startHub(t)

	var mu sync.Mutex
	var got []models.EventData
	l, err := NewListener(srv.URL, func(data models.EventData) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, data)
	}, WithPingInterval(20*time.Millisecond), WithReconnectDelay(20*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	require.Eventually(t, func() bool { return l.Connected() && hub.Presence() == 1 },
		2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return l.Presence() == 1 }, time.Second, 10*time.Millisecond)

	inc := &models.Incident{ID: "inc-9", Title: "Fallen tree", Status: models.StatusOpen}
	hub.Broadcast(models.UpsertEvent(inc))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, models.EventIncidentUpsert, got[0].Type)
	require.NotNil(t, got[0].Incident)
	assert.Equal(t, "inc-9", got[0].Incident.ID)
	mu.Unlock()

	cancel()
	assert.Eventually(t, func() bool { return !l.Connected() }, time.Second, 10*time.Millisecond)
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{"http://localhost:4100", "ws://localhost:4100/v1/ws", false},
		{"https://api.example.com/", "wss://api.example.com/v1/ws", false},
		{"https://api.example.com/base", "wss://api.example.com/base/v1/ws", false},
		{"ftp://x", "", true},
	}
	for _, tt := range tests {
		got, err := WebSocketURL(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestIsIncidentEvent(t *testing.T) {
	assert.True(t, IsIncidentEvent("incident.status"))
	assert.False(t, IsIncidentEvent("presence"))

	raw, err := json.Marshal(PresenceMessage{Type: TypePresence, Count: 0})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"presence","count":0}`, string(raw))
}
