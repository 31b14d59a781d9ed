package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voxmirror/voxmirror/internal/health"
	"github.com/voxmirror/voxmirror/internal/observe"
	"github.com/voxmirror/voxmirror/internal/session"
	"github.com/voxmirror/voxmirror/pkg/auth"
	"github.com/voxmirror/voxmirror/pkg/protocol"
)

// Default handshake and liveness bounds. All three are overridable via
// [ServerConfig].
const (
	// DefaultHeartbeatInterval is how often the server pings each live
	// connection.
	DefaultHeartbeatInterval = 25 * time.Second

	// DefaultHeartbeatTimeout is how long a connection may stay silent
	// before it is closed with code 4002.
	DefaultHeartbeatTimeout = 60 * time.Second

	// DefaultSessionCreateTimeout bounds session creation during the
	// handshake; expiry is classified as SESSION_CREATE_FAILED.
	DefaultSessionCreateTimeout = 2 * time.Second
)

// socketPath is the upgrade path. The name is retained for client
// compatibility; the framing is plain JSON envelopes.
const socketPath = "/socket.io/"

// tokenSubprotocolPrefix marks a subprotocol entry that smuggles the auth
// token for clients that cannot set headers or query parameters.
const tokenSubprotocolPrefix = "token."

// ServerConfig holds all dependencies and tuning for a [Server].
type ServerConfig struct {
	Verifier  *auth.Verifier
	Store     *session.Store
	Registry  *Registry
	Router    *Router
	ConnStats *ConnMetrics
	Metrics   *observe.Metrics // nil disables OTel accounting
	Health    *health.Handler  // nil disables /healthz and /readyz

	ListenAddr           string
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	SessionCreateTimeout time.Duration
}

// Server accepts duplex client connections, runs the authentication
// handshake, keeps connections alive with a heartbeat, and dispatches inbound
// envelopes to the router.
//
// Every connection attempt produces exactly one of session_created or
// auth_error — never both, never zero. That property holds on every code
// path, including handshake timeouts.
type Server struct {
	verifier  *auth.Verifier
	store     *session.Store
	registry  *Registry
	router    *Router
	connStats *ConnMetrics
	metrics   *observe.Metrics
	health    *health.Handler

	listenAddr           string
	heartbeatInterval    time.Duration
	heartbeatTimeout     time.Duration
	sessionCreateTimeout time.Duration

	httpServer *http.Server

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewServer wires a gateway server from its dependencies, applying defaults
// for any zero-valued durations.
func NewServer(cfg ServerConfig) *Server {
	s := &Server{
		verifier:             cfg.Verifier,
		store:                cfg.Store,
		registry:             cfg.Registry,
		router:               cfg.Router,
		connStats:            cfg.ConnStats,
		metrics:              cfg.Metrics,
		health:               cfg.Health,
		listenAddr:           cfg.ListenAddr,
		heartbeatInterval:    cfg.HeartbeatInterval,
		heartbeatTimeout:     cfg.HeartbeatTimeout,
		sessionCreateTimeout: cfg.SessionCreateTimeout,
		stop:                 make(chan struct{}),
	}
	if s.heartbeatInterval <= 0 {
		s.heartbeatInterval = DefaultHeartbeatInterval
	}
	if s.heartbeatTimeout <= 0 {
		s.heartbeatTimeout = DefaultHeartbeatTimeout
	}
	if s.sessionCreateTimeout <= 0 {
		s.sessionCreateTimeout = DefaultSessionCreateTimeout
	}
	return s
}

// Handler returns the full HTTP surface: the upgrade path, health probes and
// the Prometheus scrape endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(socketPath, s.handleSocket)
	if s.health != nil {
		s.health.Register(mux)
	}
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Start begins serving and blocks until the listener closes. The heartbeat
// ticker runs for the lifetime of the server.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.listenAddr,
		Handler: s.Handler(),
	}

	s.wg.Add(1)
	go s.heartbeatLoop()

	slog.Info("gateway listening", "addr", s.listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: serve: %w", err)
	}
	return nil
}

// StartTLS is like [Server.Start] but serves TLS with the given certificate.
func (s *Server) StartTLS(certFile, keyFile string) error {
	s.httpServer = &http.Server{
		Addr:    s.listenAddr,
		Handler: s.Handler(),
	}

	s.wg.Add(1)
	go s.heartbeatLoop()

	slog.Info("gateway listening", "addr", s.listenAddr, "tls", true)
	if err := s.httpServer.ListenAndServeTLS(certFile, keyFile); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("gateway: serve tls: %w", err)
	}
	return nil
}

// Shutdown closes every live connection with code 1001, stops the heartbeat
// and shuts the listener down. It returns once the listener is fully closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	s.registry.CloseAll(protocol.CloseServerShutdown, "Server shutting down")
	s.wg.Wait()

	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("gateway: shutdown: %w", err)
	}
	return nil
}

// ─── Handshake ────────────────────────────────────────────────────────────────

// handleSocket runs the full lifecycle of one connection: upgrade,
// authentication, session creation, inbound dispatch, teardown.
func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin policy is the proxy's concern
	})
	if err != nil {
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	ctx := r.Context()
	connID := uuid.NewString()
	s.connStats.RecordAttempt(connID)

	token := extractToken(r)
	payload, err := s.verifier.Verify(token)
	if err != nil {
		code, msg := classifyAuthErr(err)
		s.reject(ctx, ws, connID, credentialKind(token), code, msg)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordAuthAttempt(ctx, credentialKind(token), "ok")
	}

	createCtx, cancel := context.WithTimeout(ctx, s.sessionCreateTimeout)
	sess, err := s.store.Create(createCtx, payload.UserID, connID)
	cancel()
	if err != nil {
		slog.Error("session creation failed", "user_id", payload.UserID, "error", err)
		s.reject(ctx, ws, connID, credentialKind(token),
			protocol.CodeSessionCreateFailed, "Session creation failed")
		return
	}

	conn := s.registry.Register(connID, payload.UserID, sess.ID, payload.IsGuest, ws)
	created, _ := protocol.New(protocol.KindSessionCreated, sess.ID, protocol.SessionCreated{
		SessionID: sess.ID,
		UserID:    payload.UserID,
		IsGuest:   payload.IsGuest,
		Timestamp: time.Now().UnixMilli(),
	})
	if err := conn.Send(ctx, created); err != nil {
		s.registry.Unregister(connID)
		s.connStats.RecordFailure(connID, protocol.CodeSessionCreateFailed)
		_ = conn.CloseWith(protocol.CloseAuthRejected, "Session creation failed")
		return
	}

	s.connStats.RecordSuccess(connID)
	if s.metrics != nil {
		s.metrics.ActiveConnections.Add(ctx, 1)
		s.metrics.ActiveSessions.Add(ctx, 1)
		s.metrics.RecordEnvelopeSent(ctx, protocol.KindSessionCreated)
	}
	slog.Info("connection established",
		"conn_id", connID,
		"session_id", sess.ID,
		"user_id", payload.UserID,
		"guest", payload.IsGuest,
	)

	s.readLoop(ctx, conn, ws)

	// Teardown. The session outlives the connection so the client can
	// reconnect; the expiry sweep reclaims it eventually.
	s.registry.Unregister(connID)
	s.connStats.RecordDisconnection(connID)
	if s.metrics != nil {
		s.metrics.ActiveConnections.Add(context.Background(), -1)
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}
	_ = conn.CloseWith(websocket.StatusNormalClosure, "")
	slog.Info("connection closed", "conn_id", connID, "session_id", sess.ID)
}

// reject reports an authentication failure with exactly one auth_error
// envelope and closes the connection with code 4001.
func (s *Server) reject(ctx context.Context, ws *websocket.Conn, connID, kind, code, msg string) {
	env, err := protocol.New(protocol.KindAuthError, "", protocol.AuthError{
		Code:      code,
		Message:   msg,
		Timestamp: time.Now().UnixMilli(),
	})
	if err == nil {
		if raw, err := protocol.Marshal(env); err == nil {
			writeCtx, cancel := context.WithTimeout(ctx, time.Second)
			_ = ws.Write(writeCtx, websocket.MessageText, raw)
			cancel()
		}
	}
	_ = ws.Close(protocol.CloseAuthRejected, msg)

	s.connStats.RecordFailure(connID, code)
	if s.metrics != nil {
		s.metrics.RecordAuthAttempt(ctx, kind, code)
		s.metrics.RecordEnvelopeSent(ctx, protocol.KindAuthError)
	}
	slog.Info("connection rejected", "conn_id", connID, "code", code)
}

// ─── Inbound dispatch ─────────────────────────────────────────────────────────

// readLoop reads frames until the connection drops. Invalid frames produce an
// INVALID_MESSAGE error envelope but never close the connection.
func (s *Server) readLoop(ctx context.Context, conn *Conn, ws *websocket.Conn) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		env, err := protocol.Unmarshal(data)
		if err != nil {
			if s.metrics != nil {
				s.metrics.RecordEnvelopeReceived(ctx, "invalid")
			}
			s.sendError(ctx, conn, protocol.CodeInvalidMessage, err.Error())
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordEnvelopeReceived(ctx, env.Kind)
		}

		switch env.Kind {
		case protocol.KindPing:
			conn.TouchPong()
			s.send(ctx, conn, protocol.KindPong, protocol.Heartbeat{
				Timestamp: time.Now().UnixMilli(),
			})
		case protocol.KindPong:
			conn.TouchPong()
		default:
			s.router.HandleEnvelope(ctx, conn, env)
		}
	}
}

// ─── Heartbeat ────────────────────────────────────────────────────────────────

// heartbeatLoop pings every live connection on each tick and closes the ones
// that have been silent longer than the timeout.
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweepConnections()
		}
	}
}

// sweepConnections runs one heartbeat pass over all live connections.
func (s *Server) sweepConnections() {
	ctx, cancel := context.WithTimeout(context.Background(), s.heartbeatInterval)
	defer cancel()

	now := time.Now()
	for _, conn := range s.registry.List() {
		if now.Sub(conn.LastPong()) > s.heartbeatTimeout {
			slog.Info("connection timed out", "conn_id", conn.ID, "session_id", conn.SessionID)
			_ = conn.CloseWith(protocol.CloseHeartbeatTimeout, "Connection timeout")
			s.registry.Unregister(conn.ID)
			s.connStats.RecordTimeout(conn.ID)
			s.connStats.RecordDisconnection(conn.ID)
			continue
		}
		s.send(ctx, conn, protocol.KindPing, protocol.Heartbeat{
			Timestamp: now.UnixMilli(),
		})
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// send builds and delivers an envelope on the connection, treating a closed
// socket as a silent skip.
func (s *Server) send(ctx context.Context, conn *Conn, kind string, data any) {
	env, err := protocol.New(kind, conn.SessionID, data)
	if err != nil {
		slog.Error("building envelope failed", "kind", kind, "error", err)
		return
	}
	if err := conn.Send(ctx, env); err != nil {
		if !errors.Is(err, ErrConnClosed) {
			slog.Debug("envelope delivery failed", "kind", kind, "conn_id", conn.ID, "error", err)
		}
		return
	}
	if s.metrics != nil {
		s.metrics.RecordEnvelopeSent(ctx, kind)
	}
}

// sendError emits a protocol error envelope on the connection.
func (s *Server) sendError(ctx context.Context, conn *Conn, code, msg string) {
	s.send(ctx, conn, protocol.KindError, protocol.ErrorPayload{
		ErrorCode:    code,
		ErrorMessage: msg,
		Recoverable:  true,
	})
}

// extractToken pulls the auth token from the request, trying in order the
// token query parameter, the Authorization bearer header, and subprotocol
// entries with the "token." prefix.
func extractToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return t
		}
	}
	for _, header := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, proto := range strings.Split(header, ",") {
			if t, ok := strings.CutPrefix(strings.TrimSpace(proto), tokenSubprotocolPrefix); ok {
				return t
			}
		}
	}
	return ""
}

// credentialKind labels a token for metrics attribution.
func credentialKind(token string) string {
	switch {
	case token == "":
		return "none"
	case strings.HasPrefix(token, "guest_"):
		return "guest"
	default:
		return "bearer"
	}
}

// classifyAuthErr maps verifier failures onto the wire codes and messages.
func classifyAuthErr(err error) (code, msg string) {
	switch {
	case errors.Is(err, auth.ErrTokenRequired):
		return protocol.CodeAuthRequired, "Authentication token required"
	case errors.Is(err, auth.ErrTokenExpired):
		return protocol.CodeAuthExpired, "Authentication token expired"
	default:
		return protocol.CodeAuthInvalid, "Invalid authentication token"
	}
}
