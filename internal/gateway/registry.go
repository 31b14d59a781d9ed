// Package gateway implements the duplex client-facing surface of voxmirror:
// the WebSocket server with its authentication handshake and heartbeat, the
// per-connection registry, the inbound message router, and the
// connection-outcome metrics collector.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voxmirror/voxmirror/internal/observe"
	"github.com/voxmirror/voxmirror/pkg/protocol"
)

// ErrConnClosed is returned by send operations on a connection whose socket
// is no longer open. Heartbeat and broadcast paths treat it as a silent skip.
var ErrConnClosed = errors.New("gateway: connection is closed")

// ErrNoConnection is returned when no live connection is registered for the
// requested connection or session id.
var ErrNoConnection = errors.New("gateway: no live connection")

// Socket is the subset of [websocket.Conn] the registry needs to write and
// close a connection. Tests substitute an in-memory implementation.
type Socket interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Conn is one live client connection. It is created by the gateway server on
// a successful handshake and owned by the [Registry]; other components hold
// it only for lookup. All writes to the underlying socket go through
// [Conn.Send] so that frames never interleave on the wire.
type Conn struct {
	ID        string
	UserID    string
	SessionID string
	IsGuest   bool
	CreatedAt time.Time

	sock Socket

	// writeMu serializes writes to the socket: one writer at a time.
	writeMu sync.Mutex

	mu       sync.Mutex
	lastPong time.Time
	closed   bool
}

// newConn wraps an accepted socket. lastPong starts at the creation time so
// a fresh connection is never immediately timed out.
func newConn(id, userID, sessionID string, isGuest bool, sock Socket) *Conn {
	now := time.Now()
	return &Conn{
		ID:        id,
		UserID:    userID,
		SessionID: sessionID,
		IsGuest:   isGuest,
		CreatedAt: now,
		sock:      sock,
		lastPong:  now,
	}
}

// Send marshals the envelope and writes it as one text frame. Writes are
// serialized per connection. Returns [ErrConnClosed] if the socket has been
// closed.
func (c *Conn) Send(ctx context.Context, env protocol.Envelope) error {
	raw, err := protocol.Marshal(env)
	if err != nil {
		return fmt.Errorf("gateway: marshal %s envelope: %w", env.Kind, err)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.sock.Write(ctx, websocket.MessageText, raw); err != nil {
		return fmt.Errorf("gateway: write %s envelope: %w", env.Kind, err)
	}
	return nil
}

// TouchPong records liveness from the client.
func (c *Conn) TouchPong() {
	c.mu.Lock()
	c.lastPong = time.Now()
	c.mu.Unlock()
}

// LastPong returns the time of the most recent liveness signal.
func (c *Conn) LastPong() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

// CloseWith closes the underlying socket with the given code and reason.
// Safe to call multiple times; only the first call reaches the socket.
func (c *Conn) CloseWith(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.sock.Close(code, reason)
}

// Closed reports whether the connection has been closed.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Registry is the process-local map of live connections. It supports lookup
// by connection id and by session id; at most one live connection per session
// is tracked, with the latest registration winning on collision. The registry
// is safe for concurrent use.
type Registry struct {
	metrics *observe.Metrics

	mu        sync.RWMutex
	conns     map[string]*Conn
	bySession map[string]string // session id → connection id
}

// NewRegistry creates an empty registry. metrics may be nil to disable
// envelope accounting.
func NewRegistry(metrics *observe.Metrics) *Registry {
	return &Registry{
		metrics:   metrics,
		conns:     make(map[string]*Conn),
		bySession: make(map[string]string),
	}
}

// Register wraps the socket in a [Conn] and tracks it. If another connection
// is already bound to the same session, the new registration takes over the
// session binding; the old connection stays reachable by its own id.
func (r *Registry) Register(id, userID, sessionID string, isGuest bool, sock Socket) *Conn {
	c := newConn(id, userID, sessionID, isGuest, sock)
	r.mu.Lock()
	r.conns[id] = c
	if sessionID != "" {
		r.bySession[sessionID] = id
	}
	r.mu.Unlock()
	return c
}

// Unregister removes the connection from the registry. The session binding is
// dropped only if it still points at this connection, so a newer registration
// for the same session is never clobbered.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	if c, ok := r.conns[id]; ok {
		delete(r.conns, id)
		if c.SessionID != "" && r.bySession[c.SessionID] == id {
			delete(r.bySession, c.SessionID)
		}
	}
	r.mu.Unlock()
}

// Get returns the connection with the given id.
func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// GetBySession returns the live connection currently bound to the session.
func (r *Registry) GetBySession(sessionID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySession[sessionID]
	if !ok {
		return nil, false
	}
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// List returns a snapshot of all live connections.
func (r *Registry) List() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// SendToSession delivers an envelope to the connection bound to the session.
// A closed socket is treated as a silent skip per the backpressure rules;
// an unbound session returns [ErrNoConnection].
func (r *Registry) SendToSession(ctx context.Context, sessionID string, env protocol.Envelope) error {
	c, ok := r.GetBySession(sessionID)
	if !ok {
		return ErrNoConnection
	}
	if err := c.Send(ctx, env); err != nil {
		if errors.Is(err, ErrConnClosed) {
			return nil
		}
		return err
	}
	if r.metrics != nil {
		r.metrics.RecordEnvelopeSent(ctx, env.Kind)
	}
	return nil
}

// CloseAll closes every live connection with the given code and reason and
// clears the registry. Used during server shutdown.
func (r *Registry) CloseAll(code websocket.StatusCode, reason string) {
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.conns = make(map[string]*Conn)
	r.bySession = make(map[string]string)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.CloseWith(code, reason)
	}
}
