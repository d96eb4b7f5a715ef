// Package realtime fans applied events out to connected observers over
// WebSocket and provides the client-side listener.
package realtime

import (
	"strings"
	"time"
)

// Control message types.
const (
	TypeHello    = "hello"
	TypePresence = "presence"
	TypePing     = "ping"
	TypePong     = "pong"
)

// HelloMessage is sent once to a newly connected observer.
type HelloMessage struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// PresenceMessage carries the number of connected observers.
type PresenceMessage struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// HeartbeatMessage is a ping from an observer or the pong answering it.
type HeartbeatMessage struct {
	Type string `json:"type"`
	TS   int64  `json:"ts"`
}

// envelope peeks at the type of any inbound or outbound message.
type envelope struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// IsIncidentEvent reports whether a message type is an applied incident event.
func IsIncidentEvent(msgType string) bool {
	return strings.HasPrefix(msgType, "incident.")
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
