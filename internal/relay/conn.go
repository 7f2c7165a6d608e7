// ABOUTME: Per-client connection state machine and outbound write pump
// ABOUTME: Tracks identity, room subscriptions, and buffered event delivery

package relay

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/2389/parley-relay/internal/protocol"
)

// sendBufferSize is the outbound event buffer per connection.
const sendBufferSize = 64

// ConnState is the lifecycle state of a client connection.
// Connected -> Authenticating -> Authenticated -> Disconnected (terminal).
// A failed handshake drops back to Connected; the transport stays open.
type ConnState string

const (
	StateConnected      ConnState = "connected"
	StateAuthenticating ConnState = "authenticating"
	StateAuthenticated  ConnState = "authenticated"
	StateDisconnected   ConnState = "disconnected"
)

// socket is the transport surface the connection needs. *websocket.Conn
// satisfies it; tests substitute an in-memory fake.
type socket interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// subscription is one live room membership of a connection. Cancelling the
// context unsubscribes from the broadcaster and stops the pump goroutine.
type subscription struct {
	subID  string
	cancel context.CancelFunc
}

// Conn is one client connection. All outbound events go through the send
// buffer and a single write pump; events for a slow connection are dropped
// rather than blocking the router.
type Conn struct {
	id     string
	sock   socket
	logger *slog.Logger

	mu     sync.Mutex
	state  ConnState
	userID string
	subs   map[string]*subscription // conversationID -> subscription

	send      chan *protocol.ServerEvent
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(sock socket, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New().String()
	return &Conn{
		id:     id,
		sock:   sock,
		logger: logger.With("component", "conn", "conn_id", id),
		state:  StateConnected,
		subs:   make(map[string]*subscription),
		send:   make(chan *protocol.ServerEvent, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// ID returns the connection's unique id.
func (c *Conn) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the authenticated identity, or "" before authentication.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// beginAuth moves the connection into Authenticating. Re-authentication of
// an already-authenticated connection is allowed; the verified identity
// replaces the previous mapping.
func (c *Conn) beginAuth() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return
	}
	c.state = StateAuthenticating
}

// finishAuth binds the verified identity and moves to Authenticated.
func (c *Conn) finishAuth(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return
	}
	c.state = StateAuthenticated
	c.userID = userID
}

// failAuth drops back to Connected after a failed handshake. The previous
// identity, if any, is cleared.
func (c *Conn) failAuth() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDisconnected {
		return
	}
	c.state = StateConnected
	c.userID = ""
}

// Send queues an event for delivery. Non-blocking: the event is dropped
// with a warning if the connection's buffer is full.
func (c *Conn) Send(evt *protocol.ServerEvent) {
	select {
	case <-c.done:
	case c.send <- evt:
	default:
		c.logger.Warn("dropping event for slow connection", "event_type", evt.Type)
	}
}

// trackSubscription records a live room membership.
func (c *Conn) trackSubscription(conversationID, subID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs[conversationID] = &subscription{subID: subID, cancel: cancel}
}

// isSubscribed reports whether the connection is in the conversation's room.
func (c *Conn) isSubscribed(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[conversationID]
	return ok
}

// subID returns the broadcaster subscription id for a conversation, if any.
func (c *Conn) subID(conversationID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sub, ok := c.subs[conversationID]; ok {
		return sub.subID
	}
	return ""
}

// dropSubscription cancels one room membership. Reports whether the
// connection was subscribed.
func (c *Conn) dropSubscription(conversationID string) bool {
	c.mu.Lock()
	sub, ok := c.subs[conversationID]
	if ok {
		delete(c.subs, conversationID)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	sub.cancel()
	return true
}

// close transitions to Disconnected and cancels every room subscription.
// Conversation participant sets are never touched on disconnect.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateDisconnected
		subs := c.subs
		c.subs = make(map[string]*subscription)
		c.mu.Unlock()

		close(c.done)
		for _, sub := range subs {
			sub.cancel()
		}
		c.logger.Debug("connection closed")
	})
}

// writePump serializes queued events onto the transport. Exits on transport
// failure, context cancellation, or connection close.
func (c *Conn) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case evt := <-c.send:
			data, err := evt.Encode()
			if err != nil {
				c.logger.Error("encoding event", "event_type", evt.Type, "error", err)
				continue
			}
			if err := c.sock.Write(ctx, websocket.MessageText, data); err != nil {
				c.logger.Debug("write failed, stopping pump", "error", err)
				return
			}
		}
	}
}
