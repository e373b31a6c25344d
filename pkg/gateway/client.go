package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Scope is a client's routing baseline.
type Scope string

// Client scopes.
const (
	ScopeGlobal   Scope = "global"
	ScopeSession  Scope = "session"
	ScopeObserver Scope = "observer"
)

// Category classifies outbound messages for routing and backpressure.
type Category int

// Message categories.
const (
	// CategoryLifecycle covers pong, session.created/status/ended, job
	// started/completed and errors. Delivered to everyone; a full queue
	// waits briefly, then the client is closed.
	CategoryLifecycle Category = iota
	// CategoryFleet covers fleet.event; same backpressure as lifecycle.
	CategoryFleet
	// CategorySession covers merged session events and job stream
	// chunks. Overflow drops the oldest queued message instead.
	CategorySession
	// CategoryCommander covers commander stdout and status.
	CategoryCommander
)

type outbound struct {
	category Category
	data     []byte
}

// ClientConnection is the per-socket state plus its outbound writer.
type ClientConnection struct {
	ID    string
	scope Scope
	conn  *websocket.Conn

	mu              sync.Mutex
	subscribed      map[string]bool
	fleetSubscribed bool
	fleetCursor     int64
	attached        string

	sendQueue    chan outbound
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

func newClientConnection(parent context.Context, id string, scope Scope, conn *websocket.Conn, queueSize int, writeTimeout time.Duration) *ClientConnection {
	ctx, cancel := context.WithCancel(parent)
	c := &ClientConnection{
		ID:           id,
		scope:        scope,
		conn:         conn,
		subscribed:   make(map[string]bool),
		sendQueue:    make(chan outbound, queueSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	go c.writeLoop()
	return c
}

// Send marshals and enqueues one message. Session-category overflow drops
// the oldest queued message; lifecycle, fleet and commander messages wait
// up to the write timeout, then the client is closed as unresponsive.
func (c *ClientConnection) Send(category Category, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to marshal outbound message", "connection_id", c.ID, "error", err)
		return
	}
	out := outbound{category: category, data: data}

	if category == CategorySession {
		for {
			select {
			case c.sendQueue <- out:
				return
			case <-c.ctx.Done():
				return
			default:
			}
			select {
			case <-c.sendQueue:
				// Dropped the oldest entry to make room.
			default:
			}
		}
	}

	select {
	case c.sendQueue <- out:
	case <-c.ctx.Done():
	case <-time.After(c.writeTimeout):
		slog.Warn("Client send queue stalled, closing connection",
			"connection_id", c.ID, "scope", c.scope)
		c.Close(websocket.StatusPolicyViolation, "send queue stalled")
	}
}

// writeLoop is the only goroutine writing to the socket.
func (c *ClientConnection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case out := <-c.sendQueue:
			ctx, cancel := context.WithTimeout(c.ctx, c.writeTimeout)
			err := c.conn.Write(ctx, websocket.MessageText, out.data)
			cancel()
			if err != nil {
				c.Close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// Close shuts the socket and stops the writer. Safe to call repeatedly.
func (c *ClientConnection) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close(code, reason)
	})
}

// SubscribeSession adds a session to the client's subscribed set.
func (c *ClientConnection) SubscribeSession(sessionID string) {
	c.mu.Lock()
	c.subscribed[sessionID] = true
	c.mu.Unlock()
}

// UnsubscribeSession removes a session from the subscribed set.
func (c *ClientConnection) UnsubscribeSession(sessionID string) {
	c.mu.Lock()
	delete(c.subscribed, sessionID)
	c.mu.Unlock()
}

// SetFleetSubscribed flags the client for fleet events from a cursor.
func (c *ClientConnection) SetFleetSubscribed(cursor int64) {
	c.mu.Lock()
	c.fleetSubscribed = true
	c.fleetCursor = cursor
	c.mu.Unlock()
}

// Attach records the session this client drives. Only one at a time.
func (c *ClientConnection) Attach(sessionID string) {
	c.mu.Lock()
	c.attached = sessionID
	c.mu.Unlock()
}

// Detach clears the attachment if it matches sessionID.
func (c *ClientConnection) Detach(sessionID string) {
	c.mu.Lock()
	if c.attached == sessionID {
		c.attached = ""
	}
	c.mu.Unlock()
}

// Attached returns the currently attached session id, or "".
func (c *ClientConnection) Attached() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attached
}

// IsSubscribed reports whether sessionID is in the subscribed set.
func (c *ClientConnection) IsSubscribed(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribed[sessionID]
}

// IsFleetSubscribed reports the fleet flag.
func (c *ClientConnection) IsFleetSubscribed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fleetSubscribed
}
