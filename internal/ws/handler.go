package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mdhira/presenced/internal/broadcast"
	"github.com/mdhira/presenced/internal/identity"
	"github.com/mdhira/presenced/internal/presence"
	"nhooyr.io/websocket"
)

// joinTimeout bounds how long a client may take to send its join
// envelope after the upgrade.
const joinTimeout = 10 * time.Second

// Handler handles WebSocket upgrade requests and runs the per-client
// message loops.
type Handler struct {
	registry    *presence.Registry
	broadcaster *broadcast.Broadcaster
	resolver    identity.Resolver
	conns       *ConnManager
	origins     []string
}

// NewHandler creates a new WebSocket Handler. origins lists the
// accepted Origin patterns; empty means same-origin only.
func NewHandler(registry *presence.Registry, broadcaster *broadcast.Broadcaster, resolver identity.Resolver, conns *ConnManager, origins []string) *Handler {
	return &Handler{
		registry:    registry,
		broadcaster: broadcaster,
		resolver:    resolver,
		conns:       conns,
		origins:     origins,
	}
}

// ServeHTTP upgrades the HTTP connection to a WebSocket, performs the
// join handshake, and services the connection until it closes. Leave
// and Unsubscribe run exactly once on every exit path, including
// panics further down the stack.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		log.Printf("ws: accept error: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	client := &Client{
		id:   presence.ConnID(uuid.NewString()),
		conn: conn,
	}

	ident, page, ok := h.handleJoin(r.Context(), client)
	if !ok {
		return
	}
	client.userKey = ident.UserKey

	connCtx := h.conns.Add(client)
	select {
	case <-connCtx.Done():
		// Manager refused the connection (shutdown or at capacity).
		return
	default:
	}

	sub := h.broadcaster.Subscribe(client.id)
	h.registry.Join(client.id, ident.UserKey, ident.Group, ident.Profile, page)
	defer func() {
		h.broadcaster.Unsubscribe(client.id)
		h.registry.Leave(client.id)
		h.conns.Remove(client)
	}()

	h.sendWelcome(client, ident)
	h.sendSnapshot(client)

	go h.pushLoop(connCtx, client, sub)
	h.readLoop(r.Context(), connCtx, client)
}

// handleJoin reads the first envelope, which must be of type "join",
// and resolves the client's identity from its credentials. Missing
// credentials resolve to an anonymous identity; malformed credentials
// reject the connection.
func (h *Handler) handleJoin(ctx context.Context, client *Client) (identity.Identity, string, bool) {
	joinCtx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()

	_, data, err := client.conn.Read(joinCtx)
	if err != nil {
		log.Printf("ws: read join error: %v", err)
		return identity.Identity{}, "", false
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		closeWithError(client.conn, "invalid JSON")
		return identity.Identity{}, "", false
	}
	if env.Type != TypeJoin {
		closeWithError(client.conn, "first message must be type 'join'")
		return identity.Identity{}, "", false
	}

	var payload JoinPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		closeWithError(client.conn, "invalid join payload")
		return identity.Identity{}, "", false
	}

	ident, err := h.resolver.Resolve(payload.Token)
	if err != nil {
		if errors.Is(err, identity.ErrUnauthenticated) {
			closeWithError(client.conn, "unauthenticated")
		} else {
			closeWithError(client.conn, "identity resolution failed")
		}
		return identity.Identity{}, "", false
	}

	return ident, payload.Page, true
}

// sendWelcome acknowledges the join with the resolved identity.
func (h *Handler) sendWelcome(client *Client, ident identity.Identity) {
	frame, err := marshalEnvelope(TypeWelcome, WelcomePayload{
		Message:   "welcome to the presence server",
		UserKey:   ident.UserKey,
		Group:     string(ident.Group),
		Timestamp: time.Now(),
	})
	if err != nil {
		log.Printf("ws: failed to marshal welcome: %v", err)
		return
	}
	h.conns.Send(client, frame)
}

// sendSnapshot pushes the current presence list so the client can
// render immediately; deltas keep it current afterwards.
func (h *Handler) sendSnapshot(client *Client) {
	frame, err := marshalEnvelope(TypePresenceSnapshot, SnapshotPayload{
		Users: h.registry.Snapshot(),
		Count: h.registry.AggregateCount(),
	})
	if err != nil {
		log.Printf("ws: failed to marshal snapshot: %v", err)
		return
	}
	h.conns.Send(client, frame)
}

// pushLoop forwards presence deltas and notifications from the
// broadcaster to the client until the connection or the subscription
// ends. A closed subscription channel means the broadcaster evicted us
// as a slow consumer; the connection is closed so the client can
// reconnect and resync from a fresh snapshot.
func (h *Handler) pushLoop(connCtx context.Context, client *Client, sub *broadcast.Subscription) {
	for {
		select {
		case <-connCtx.Done():
			return
		case ev, ok := <-sub.Events:
			if !ok {
				client.conn.Close(websocket.StatusTryAgainLater, "subscription lapsed")
				return
			}
			frame, err := deltaFrame(ev)
			if err != nil {
				log.Printf("ws: failed to marshal delta: %v", err)
				continue
			}
			h.conns.Send(client, frame)
		case n, ok := <-sub.Notifications:
			if !ok {
				client.conn.Close(websocket.StatusTryAgainLater, "subscription lapsed")
				return
			}
			frame, err := notificationFrame(n)
			if err != nil {
				log.Printf("ws: failed to marshal notification: %v", err)
				continue
			}
			h.conns.Send(client, frame)
		}
	}
}

// readLoop services inbound envelopes until the connection closes, the
// manager cancels connCtx, or the client sends a disconnect hint.
func (h *Handler) readLoop(ctx context.Context, connCtx context.Context, client *Client) {
	for {
		select {
		case <-connCtx.Done():
			return
		default:
		}

		_, data, err := client.conn.Read(ctx)
		if err != nil {
			// Normal close or context cancelled.
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case TypeHeartbeat:
			h.registry.Touch(client.id)

		case TypePageChange:
			var payload PageChangePayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				continue
			}
			h.registry.UpdatePage(client.id, payload.Page)

		case TypeNotify:
			var payload NotifyPayload
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				continue
			}
			if payload.To == "" {
				h.sendError(client, "notify target is required")
				continue
			}
			if err := h.broadcaster.Notify(payload.To, client.userKey, payload.Payload); err != nil {
				if errors.Is(err, broadcast.ErrTargetOffline) {
					h.sendError(client, "target user is offline")
				}
			}

		case TypeDisconnect:
			// Unload hint from the client; tear down without waiting
			// for the transport to notice.
			return
		}
	}
}

// sendError pushes an error envelope to the client.
func (h *Handler) sendError(client *Client, msg string) {
	frame, err := marshalEnvelope(TypeError, ErrorPayload{Message: msg})
	if err != nil {
		return
	}
	h.conns.Send(client, frame)
}

func closeWithError(conn *websocket.Conn, reason string) {
	conn.Close(websocket.StatusPolicyViolation, reason)
}
