package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/voxmirror/voxmirror/internal/session"
	"github.com/voxmirror/voxmirror/pkg/auth"
	"github.com/voxmirror/voxmirror/pkg/protocol"
)

const testSecret = "server-test-secret"

// newTestServer spins up a gateway over httptest and returns the ws:// URL of
// the upgrade path.
func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	verifier, err := auth.NewVerifier([]byte(testSecret))
	if err != nil {
		t.Fatalf("creating verifier: %v", err)
	}
	store := session.NewStore()
	t.Cleanup(func() { _ = store.Close() })

	registry := NewRegistry(nil)
	router := NewRouter(store, registry, &fakeDriver{}, nil)

	s := NewServer(ServerConfig{
		Verifier:  verifier,
		Store:     store,
		Registry:  registry,
		Router:    router,
		ConnStats: NewConnMetrics(),
	})

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return s, "ws" + strings.TrimPrefix(srv.URL, "http") + socketPath
}

func guestToken(ts time.Time) string {
	return fmt.Sprintf("guest_%s_%d", uuid.NewString(), ts.UnixMilli())
}

func bearerToken(t *testing.T, sub string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": sub,
		"exp": exp.Unix(),
	})
	signed, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

// readEnvelope reads and parses the next text frame.
func readEnvelope(t *testing.T, ctx context.Context, c *websocket.Conn) protocol.Envelope {
	t.Helper()
	_, raw, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	env, err := protocol.Unmarshal(raw)
	if err != nil {
		t.Fatalf("parsing frame %q: %v", raw, err)
	}
	return env
}

func dial(t *testing.T, ctx context.Context, url string, opts *websocket.DialOptions) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		t.Fatalf("dialing %s: %v", url, err)
	}
	t.Cleanup(func() { _ = c.CloseNow() })
	return c
}

func TestServer_GuestHappyPath(t *testing.T) {
	_, url := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id := uuid.NewString()
	token := fmt.Sprintf("guest_%s_%d", id, time.Now().UnixMilli())
	c := dial(t, ctx, url+"?token="+token, nil)

	env := readEnvelope(t, ctx, c)
	if env.Kind != protocol.KindSessionCreated {
		t.Fatalf("first envelope = %s, want session_created", env.Kind)
	}
	var sc protocol.SessionCreated
	if err := env.DecodeData(&sc); err != nil {
		t.Fatalf("decoding session_created: %v", err)
	}
	if sc.UserID != "guest-"+id {
		t.Errorf("userId = %q, want %q", sc.UserID, "guest-"+id)
	}
	if !sc.IsGuest {
		t.Error("isGuest should be true for a guest token")
	}
	if sc.SessionID == "" || sc.Timestamp <= 0 {
		t.Errorf("payload = %+v", sc)
	}
}

func TestServer_BearerHappyPath(t *testing.T) {
	_, url := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token := bearerToken(t, "user-123", time.Now().Add(time.Hour))
	c := dial(t, ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
	})

	env := readEnvelope(t, ctx, c)
	if env.Kind != protocol.KindSessionCreated {
		t.Fatalf("first envelope = %s, want session_created", env.Kind)
	}
	var sc protocol.SessionCreated
	if err := env.DecodeData(&sc); err != nil {
		t.Fatalf("decoding session_created: %v", err)
	}
	if sc.UserID != "user-123" || sc.IsGuest {
		t.Errorf("payload = %+v", sc)
	}
}

func TestServer_MissingToken(t *testing.T) {
	_, url := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(t, ctx, url, nil)

	env := readEnvelope(t, ctx, c)
	if env.Kind != protocol.KindAuthError {
		t.Fatalf("first envelope = %s, want auth_error", env.Kind)
	}
	var ae protocol.AuthError
	if err := env.DecodeData(&ae); err != nil {
		t.Fatalf("decoding auth_error: %v", err)
	}
	if ae.Code != protocol.CodeAuthRequired {
		t.Errorf("code = %q, want AUTH_REQUIRED", ae.Code)
	}
	if ae.Message != "Authentication token required" {
		t.Errorf("message = %q", ae.Message)
	}

	// The connection is then closed with the auth rejection code.
	_, _, err := c.Read(ctx)
	if err == nil {
		t.Fatal("expected the connection to be closed")
	}
	if status := websocket.CloseStatus(err); status != protocol.CloseAuthRejected {
		t.Errorf("close status = %d, want 4001", status)
	}
}

func TestServer_ExpiredGuestToken(t *testing.T) {
	_, url := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stale := guestToken(time.Now().Add(-auth.GuestTTL - time.Minute))
	c := dial(t, ctx, url+"?token="+stale, nil)

	env := readEnvelope(t, ctx, c)
	if env.Kind != protocol.KindAuthError {
		t.Fatalf("first envelope = %s, want auth_error", env.Kind)
	}
	var ae protocol.AuthError
	if err := env.DecodeData(&ae); err != nil {
		t.Fatalf("decoding auth_error: %v", err)
	}
	if ae.Code != protocol.CodeAuthExpired {
		t.Errorf("code = %q, want AUTH_EXPIRED", ae.Code)
	}
}

func TestServer_TokenFromSubprotocol(t *testing.T) {
	_, url := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(t, ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"token." + guestToken(time.Now())},
	})

	env := readEnvelope(t, ctx, c)
	if env.Kind != protocol.KindSessionCreated {
		t.Fatalf("first envelope = %s, want session_created", env.Kind)
	}
}

func TestServer_PingPong(t *testing.T) {
	_, url := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(t, ctx, url+"?token="+guestToken(time.Now()), nil)
	_ = readEnvelope(t, ctx, c) // session_created

	ping := `{"type":"ping","data":{"timestamp":` + strconv.FormatInt(time.Now().UnixMilli(), 10) + `},"timestamp":` + strconv.FormatInt(time.Now().UnixMilli(), 10) + `}`
	if err := c.Write(ctx, websocket.MessageText, []byte(ping)); err != nil {
		t.Fatalf("writing ping: %v", err)
	}

	env := readEnvelope(t, ctx, c)
	if env.Kind != protocol.KindPong {
		t.Fatalf("reply = %s, want pong", env.Kind)
	}
	var hb protocol.Heartbeat
	if err := env.DecodeData(&hb); err != nil {
		t.Fatalf("decoding pong: %v", err)
	}
	if hb.Timestamp <= 0 {
		t.Errorf("pong timestamp = %d", hb.Timestamp)
	}
}

func TestServer_InvalidFrameKeepsConnectionOpen(t *testing.T) {
	_, url := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(t, ctx, url+"?token="+guestToken(time.Now()), nil)
	_ = readEnvelope(t, ctx, c) // session_created

	if err := c.Write(ctx, websocket.MessageText, []byte("definitely not json")); err != nil {
		t.Fatalf("writing garbage: %v", err)
	}

	env := readEnvelope(t, ctx, c)
	if env.Kind != protocol.KindError {
		t.Fatalf("reply = %s, want error", env.Kind)
	}
	var ep protocol.ErrorPayload
	if err := env.DecodeData(&ep); err != nil {
		t.Fatalf("decoding error payload: %v", err)
	}
	if ep.ErrorCode != protocol.CodeInvalidMessage || !ep.Recoverable {
		t.Errorf("error payload = %+v", ep)
	}

	// The connection survives: a ping still gets answered.
	ping := `{"type":"ping","timestamp":` + strconv.FormatInt(time.Now().UnixMilli(), 10) + `}`
	if err := c.Write(ctx, websocket.MessageText, []byte(ping)); err != nil {
		t.Fatalf("writing ping: %v", err)
	}
	if env := readEnvelope(t, ctx, c); env.Kind != protocol.KindPong {
		t.Fatalf("reply = %s, want pong", env.Kind)
	}
}

func TestServer_ConnStatsTrackOutcomes(t *testing.T) {
	s, url := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	good := dial(t, ctx, url+"?token="+guestToken(time.Now()), nil)
	_ = readEnvelope(t, ctx, good)

	bad := dial(t, ctx, url, nil)
	_ = readEnvelope(t, ctx, bad) // auth_error

	// The failure settles synchronously in the handler; the success already
	// produced session_created, so both outcomes are recorded.
	deadline := time.Now().Add(time.Second)
	for {
		stats := s.connStats.Snapshot()
		if stats.Successful == 1 && stats.Failed == 1 {
			if stats.FailuresByReason[protocol.CodeAuthRequired] != 1 {
				t.Errorf("failures by reason = %v", stats.FailuresByReason)
			}
			if stats.SuccessRate != 0.5 {
				t.Errorf("SuccessRate = %v, want 0.5", stats.SuccessRate)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("stats never settled: %+v", stats)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_HeartbeatTimeoutCloses(t *testing.T) {
	verifier, err := auth.NewVerifier([]byte(testSecret))
	if err != nil {
		t.Fatalf("creating verifier: %v", err)
	}
	store := session.NewStore()
	t.Cleanup(func() { _ = store.Close() })
	registry := NewRegistry(nil)

	s := NewServer(ServerConfig{
		Verifier:         verifier,
		Store:            store,
		Registry:         registry,
		Router:           NewRouter(store, registry, &fakeDriver{}, nil),
		ConnStats:        NewConnMetrics(),
		HeartbeatTimeout: time.Nanosecond,
	})

	sock := &fakeSocket{}
	registry.Register("conn-1", "user-1", "sess-1", false, sock)
	time.Sleep(time.Millisecond) // let lastPong fall behind the timeout

	s.sweepConnections()

	closed, code, reason := sock.closedWith()
	if !closed || code != protocol.CloseHeartbeatTimeout || reason != "Connection timeout" {
		t.Errorf("closed with (%v, %d, %q); want 4002 Connection timeout", closed, code, reason)
	}
	if registry.Len() != 0 {
		t.Error("timed-out connection should be unregistered")
	}
	if stats := s.connStats.Snapshot(); stats.Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", stats.Timeouts)
	}
}

func TestServer_HeartbeatPingsLiveConnections(t *testing.T) {
	verifier, err := auth.NewVerifier([]byte(testSecret))
	if err != nil {
		t.Fatalf("creating verifier: %v", err)
	}
	store := session.NewStore()
	t.Cleanup(func() { _ = store.Close() })
	registry := NewRegistry(nil)

	s := NewServer(ServerConfig{
		Verifier:  verifier,
		Store:     store,
		Registry:  registry,
		Router:    NewRouter(store, registry, &fakeDriver{}, nil),
		ConnStats: NewConnMetrics(),
	})

	sock := &fakeSocket{}
	registry.Register("conn-1", "user-1", "sess-1", false, sock)

	s.sweepConnections()

	envs := sock.envelopes(t)
	if len(envs) != 1 || envs[0].Kind != protocol.KindPing {
		t.Fatalf("sent envelopes = %v, want one ping", kinds(envs))
	}
}

func TestServer_ShutdownClosesAllConnections(t *testing.T) {
	s, url := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := dial(t, ctx, url+"?token="+guestToken(time.Now()), nil)
	_ = readEnvelope(t, ctx, c)

	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	_, _, err := c.Read(ctx)
	if err == nil {
		t.Fatal("expected the connection to be closed on shutdown")
	}
	if status := websocket.CloseStatus(err); status != protocol.CloseServerShutdown {
		t.Errorf("close status = %d, want 1001", status)
	}
}
