package ws

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mdhira/presenced/internal/presence"
	"nhooyr.io/websocket"
)

const (
	// sendBufferSize is the number of frames that can be queued per client.
	sendBufferSize = 32

	// writeTimeout is the max time to wait for a single write to complete.
	writeTimeout = 5 * time.Second
)

// Client is one live transport connection.
type Client struct {
	id      presence.ConnID
	userKey string
	conn    *websocket.Conn
	send    chan []byte
}

// ID returns the connection's identifier.
func (c *Client) ID() presence.ConnID {
	return c.id
}

// ConnStats holds point-in-time connection statistics.
type ConnStats struct {
	Active          int
	MaxConns        int
	Rejected        int64
	DroppedMessages int64
}

// ConnManager tracks all active WebSocket connections and provides
// lifecycle management: per-client buffered send pumps, connection
// limits, and graceful shutdown. Liveness detection is not its job;
// that belongs to the presence monitor.
type ConnManager struct {
	mu       sync.Mutex
	clients  map[presence.ConnID]*clientEntry
	closed   bool
	maxConns int

	rejected        atomic.Int64
	droppedMessages atomic.Int64
}

type clientEntry struct {
	client *Client
	cancel context.CancelFunc
}

// ConnManagerOption configures a ConnManager.
type ConnManagerOption func(*ConnManager)

// WithMaxConns sets the maximum number of concurrent connections.
// When the limit is reached, new connections are rejected.
// A value of 0 means unlimited (default).
func WithMaxConns(n int) ConnManagerOption {
	return func(cm *ConnManager) {
		cm.maxConns = n
	}
}

// NewConnManager creates a new connection manager.
func NewConnManager(opts ...ConnManagerOption) *ConnManager {
	cm := &ConnManager{
		clients: make(map[presence.ConnID]*clientEntry),
	}
	for _, opt := range opts {
		opt(cm)
	}
	return cm
}

// Add registers a client and starts its write pump. The returned
// context is cancelled when the client is removed or the manager shuts
// down; callers select on ctx.Done() in their read loop. Returns a
// cancelled context if the manager is closed or at capacity.
func (cm *ConnManager) Add(c *Client) context.Context {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
		return cancelledContext()
	}
	if cm.maxConns > 0 && len(cm.clients) >= cm.maxConns {
		cm.rejected.Add(1)
		c.conn.Close(websocket.StatusTryAgainLater, "server at capacity")
		return cancelledContext()
	}

	c.send = make(chan []byte, sendBufferSize)
	ctx, cancel := context.WithCancel(context.Background())
	cm.clients[c.id] = &clientEntry{client: c, cancel: cancel}

	go cm.writePump(ctx, c)
	return ctx
}

// Remove stops a client's write pump and cleans it up. Idempotent.
func (cm *ConnManager) Remove(c *Client) {
	cm.mu.Lock()
	entry, ok := cm.clients[c.id]
	if ok {
		delete(cm.clients, c.id)
	}
	cm.mu.Unlock()

	if ok {
		entry.cancel()
		close(c.send)
	}
}

// Send queues a frame for delivery to the client. Returns false if the
// client was already removed or its buffer is full (slow consumer).
func (cm *ConnManager) Send(c *Client, data []byte) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	entry, ok := cm.clients[c.id]
	if !ok || entry.client != c {
		return false
	}
	return cm.enqueueLocked(c, data)
}

// SendTo queues a frame for the connection with the given ID. Returns
// false if the connection is unknown or its buffer is full.
func (cm *ConnManager) SendTo(id presence.ConnID, data []byte) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	entry, ok := cm.clients[id]
	if !ok {
		return false
	}
	return cm.enqueueLocked(entry.client, data)
}

// enqueueLocked performs the non-blocking buffer send. Caller holds mu,
// which excludes Remove and Shutdown closing the channel mid-send.
func (cm *ConnManager) enqueueLocked(c *Client, data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		cm.droppedMessages.Add(1)
		log.Printf("ws: send buffer full for connection %s, dropping frame", c.id)
		return false
	}
}

// Count returns the number of active connections.
func (cm *ConnManager) Count() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.clients)
}

// Stats returns point-in-time connection statistics.
func (cm *ConnManager) Stats() ConnStats {
	cm.mu.Lock()
	active := len(cm.clients)
	maxConns := cm.maxConns
	cm.mu.Unlock()
	return ConnStats{
		Active:          active,
		MaxConns:        maxConns,
		Rejected:        cm.rejected.Load(),
		DroppedMessages: cm.droppedMessages.Load(),
	}
}

// Shutdown gracefully closes all connections. It cancels every write
// pump and closes each WebSocket with StatusGoingAway.
func (cm *ConnManager) Shutdown() {
	cm.mu.Lock()
	cm.closed = true
	clients := make(map[presence.ConnID]*clientEntry, len(cm.clients))
	for id, entry := range cm.clients {
		clients[id] = entry
	}
	cm.clients = make(map[presence.ConnID]*clientEntry)
	cm.mu.Unlock()

	for _, entry := range clients {
		entry.cancel()
		close(entry.client.send)
		entry.client.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

// writePump drains the client's send channel, writing each frame to
// the WebSocket connection. It exits when ctx is cancelled or the send
// channel is closed.
func (cm *ConnManager) writePump(ctx context.Context, c *Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(writeCtx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				log.Printf("ws: write to connection %s failed: %v", c.id, err)
				return
			}
		}
	}
}

func cancelledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}
