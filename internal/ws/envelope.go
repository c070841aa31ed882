package ws

import (
	"encoding/json"
	"time"

	"github.com/mdhira/presenced/internal/broadcast"
	"github.com/mdhira/presenced/internal/presence"
)

// Envelope is the JSON structure sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Client-to-server envelope types.
const (
	TypeJoin       = "join"
	TypePageChange = "page_change"
	TypeHeartbeat  = "heartbeat"
	TypeNotify     = "notify"
	TypeDisconnect = "disconnect"
)

// Server-to-client envelope types.
const (
	TypeWelcome          = "welcome"
	TypePresenceSnapshot = "presence_snapshot"
	TypePresenceDelta    = "presence_delta"
	TypeNotification     = "notification"
	TypeError            = "error"
)

// JoinPayload is the first message a client sends after the upgrade.
// An empty token resolves to an anonymous identity.
type JoinPayload struct {
	Token string `json:"token,omitempty"`
	Page  string `json:"page,omitempty"`
}

// PageChangePayload reports the client's current route.
type PageChangePayload struct {
	Page string `json:"page"`
}

// NotifyPayload asks the server to push a payload to another user's
// live connections.
type NotifyPayload struct {
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WelcomePayload acknowledges a successful join with the resolved
// identity.
type WelcomePayload struct {
	Message   string    `json:"message"`
	UserKey   string    `json:"user_key"`
	Group     string    `json:"group"`
	Timestamp time.Time `json:"timestamp"`
}

// SnapshotPayload is the full presence list pushed right after join.
type SnapshotPayload struct {
	Users []presence.User `json:"users"`
	Count int             `json:"count"`
}

// NotificationPayload carries a point-to-point notification.
type NotificationPayload struct {
	From    string          `json:"from"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload reports a request-level error to the client.
type ErrorPayload struct {
	Message string `json:"message"`
}

// marshalEnvelope wraps a payload in an Envelope of the given type. A
// nil payload produces an envelope with no payload field.
func marshalEnvelope(typ string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return json.Marshal(Envelope{Type: typ, Payload: raw})
}

// deltaFrame encodes a presence event as a delta envelope.
func deltaFrame(ev presence.Event) ([]byte, error) {
	return marshalEnvelope(TypePresenceDelta, ev)
}

// notificationFrame encodes a notification envelope.
func notificationFrame(n broadcast.Notification) ([]byte, error) {
	return marshalEnvelope(TypeNotification, NotificationPayload{From: n.From, Payload: n.Payload})
}
