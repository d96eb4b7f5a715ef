package realtime

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kimhsiao/incidentsync/internal/logging"
)

const writeWait = 10 * time.Second

// Client is one connected observer.
type Client struct {
	id   string
	conn *websocket.Conn
	hub  *Hub

	// send is written by the hub and closed by it on unregister.
	send chan []byte
	// control carries heartbeat replies from readPump; never closed.
	control chan []byte
}

// readPump consumes inbound messages and answers pings. It unregisters the
// observer when the connection closes.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("observer read error", map[string]interface{}{
					"observer_id": c.id,
					"error":       err.Error(),
				})
			}
			return
		}

		var msg envelope
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == TypePing {
			reply, _ := json.Marshal(HeartbeatMessage{Type: TypePong, TS: nowMillis()})
			select {
			case c.control <- reply:
			default:
			}
		}
	}
}

// writePump drains the observer's queues onto the connection. A write
// failure ends the pump and closes the connection, which ends readPump.
func (c *Client) writePump() {
	defer c.conn.Close()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if !c.write(message) {
				return
			}

		case message := <-c.control:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !c.write(message) {
				return
			}
		}
	}
}

func (c *Client) write(message []byte) bool {
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		logging.Debug("observer write failed", map[string]interface{}{
			"observer_id": c.id,
			"error":       err.Error(),
		})
		return false
	}
	return true
}
