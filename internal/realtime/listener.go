package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/incidentsync/internal/logging"
	"github.com/kimhsiao/incidentsync/internal/models"
)

// Listener defaults.
const (
	DefaultPingInterval   = 25 * time.Second
	DefaultReconnectDelay = 2 * time.Second
)

// Listener keeps a WebSocket connection to the sync server open and reports
// applied incident events to a callback.
type Listener struct {
	url            string
	dialer         *websocket.Dialer
	onEvent        func(models.EventData)
	pingInterval   time.Duration
	reconnectDelay time.Duration

	presence  atomic.Int64
	connected atomic.Bool
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

// WithPingInterval overrides the heartbeat period.
func WithPingInterval(d time.Duration) ListenerOption {
	return func(l *Listener) { l.pingInterval = d }
}

// WithReconnectDelay overrides the wait between connection attempts.
func WithReconnectDelay(d time.Duration) ListenerOption {
	return func(l *Listener) { l.reconnectDelay = d }
}

// NewListener creates a listener for the server at serverURL (http or https).
// onEvent is called for every incident.* message.
func NewListener(serverURL string, onEvent func(models.EventData), opts ...ListenerOption) (*Listener, error) {
	wsURL, err := WebSocketURL(serverURL)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		url:            wsURL,
		dialer:         websocket.DefaultDialer,
		onEvent:        onEvent,
		pingInterval:   DefaultPingInterval,
		reconnectDelay: DefaultReconnectDelay,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// WebSocketURL maps a server base URL onto its /v1/ws endpoint.
func WebSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url %q: %w", serverURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q in server url", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/ws"
	return u.String(), nil
}

// Presence returns the last presence count received.
func (l *Listener) Presence() int {
	return int(l.presence.Load())
}

// Connected reports whether a connection is currently open.
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// Run connects and reconnects until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	for {
		if err := l.session(ctx); err != nil && ctx.Err() == nil {
			logging.Debug("realtime connection lost", map[string]interface{}{
				"url":   l.url,
				"error": err.Error(),
			})
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(l.reconnectDelay):
		}
	}
}

// session runs one connection until it fails or ctx is cancelled.
func (l *Listener) session(ctx context.Context) error {
	conn, _, err := l.dialer.DialContext(ctx, l.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	l.connected.Store(true)
	defer l.connected.Store(false)
	logging.Info("realtime connected", map[string]interface{}{"url": l.url})

	readErr := make(chan error, 1)
	go func() {
		readErr <- l.readLoop(conn)
	}()

	ticker := time.NewTicker(l.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return ctx.Err()

		case err := <-readErr:
			return err

		case <-ticker.C:
			ping, _ := json.Marshal(HeartbeatMessage{Type: TypePing, TS: nowMillis()})
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return err
			}
		}
	}
}

func (l *Listener) readLoop(conn *websocket.Conn) error {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var env envelope
		if err := json.Unmarshal(message, &env); err != nil {
			continue
		}

		switch {
		case env.Type == TypePresence:
			l.presence.Store(int64(env.Count))
		case IsIncidentEvent(env.Type):
			var data models.EventData
			if err := json.Unmarshal(message, &data); err != nil {
				continue
			}
			if l.onEvent != nil {
				l.onEvent(data)
			}
		}
	}
}
