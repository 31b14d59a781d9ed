package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/coder/websocket"

	"github.com/voxmirror/voxmirror/pkg/protocol"
)

// fakeSocket is an in-memory [Socket] capturing written frames and the close
// call. Shared by the registry, router and server tests in this package.
type fakeSocket struct {
	mu       sync.Mutex
	frames   [][]byte
	writeErr error
	closed   bool
	code     websocket.StatusCode
	reason   string
}

func (f *fakeSocket) Write(_ context.Context, _ websocket.MessageType, p []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	f.frames = append(f.frames, cp)
	return nil
}

func (f *fakeSocket) Close(code websocket.StatusCode, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	f.reason = reason
	return nil
}

// envelopes parses every captured frame.
func (f *fakeSocket) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(f.frames))
	for _, raw := range f.frames {
		env, err := protocol.Unmarshal(raw)
		if err != nil {
			t.Fatalf("captured frame does not parse: %v", err)
		}
		out = append(out, env)
	}
	return out
}

func (f *fakeSocket) closedWith() (bool, websocket.StatusCode, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.code, f.reason
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry(nil)
	sock := &fakeSocket{}

	conn := r.Register("conn-1", "user-1", "sess-1", false, sock)

	if got, ok := r.Get("conn-1"); !ok || got != conn {
		t.Fatal("Get should return the registered connection")
	}
	if got, ok := r.GetBySession("sess-1"); !ok || got != conn {
		t.Fatal("GetBySession should return the registered connection")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegistry_LatestRegistrationWinsPerSession(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("conn-old", "user-1", "sess-1", false, &fakeSocket{})
	newer := r.Register("conn-new", "user-1", "sess-1", false, &fakeSocket{})

	got, ok := r.GetBySession("sess-1")
	if !ok || got != newer {
		t.Fatal("session lookup should resolve to the newest registration")
	}

	// Unregistering the stale connection must not drop the newer binding.
	r.Unregister("conn-old")
	if got, ok := r.GetBySession("sess-1"); !ok || got != newer {
		t.Fatal("stale unregister clobbered the session binding")
	}
}

func TestRegistry_Unregister(t *testing.T) {
	r := NewRegistry(nil)
	r.Register("conn-1", "user-1", "sess-1", false, &fakeSocket{})
	r.Unregister("conn-1")

	if _, ok := r.Get("conn-1"); ok {
		t.Error("connection should be gone")
	}
	if _, ok := r.GetBySession("sess-1"); ok {
		t.Error("session binding should be gone")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistry_SendToSession(t *testing.T) {
	r := NewRegistry(nil)
	sock := &fakeSocket{}
	r.Register("conn-1", "user-1", "sess-1", false, sock)

	env, err := protocol.New(protocol.KindResponseStart, "sess-1", protocol.ResponseStart{TurnID: "turn-1"})
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}
	if err := r.SendToSession(context.Background(), "sess-1", env); err != nil {
		t.Fatalf("SendToSession: %v", err)
	}

	got := sock.envelopes(t)
	if len(got) != 1 || got[0].Kind != protocol.KindResponseStart {
		t.Fatalf("captured envelopes = %+v", got)
	}
}

func TestRegistry_SendToUnknownSession(t *testing.T) {
	r := NewRegistry(nil)
	env, _ := protocol.New(protocol.KindPing, "", protocol.Heartbeat{Timestamp: 1})
	if err := r.SendToSession(context.Background(), "nope", env); !errors.Is(err, ErrNoConnection) {
		t.Fatalf("err = %v, want ErrNoConnection", err)
	}
}

func TestRegistry_SendToClosedConnIsSilent(t *testing.T) {
	r := NewRegistry(nil)
	sock := &fakeSocket{}
	conn := r.Register("conn-1", "user-1", "sess-1", false, sock)
	_ = conn.CloseWith(websocket.StatusNormalClosure, "")

	env, _ := protocol.New(protocol.KindPing, "sess-1", protocol.Heartbeat{Timestamp: 1})
	if err := r.SendToSession(context.Background(), "sess-1", env); err != nil {
		t.Fatalf("send on a closed socket should be skipped silently, got %v", err)
	}
	if len(sock.envelopes(t)) != 0 {
		t.Error("no frame should reach a closed socket")
	}
}

func TestConn_CloseWithIsIdempotent(t *testing.T) {
	sock := &fakeSocket{}
	conn := newConn("conn-1", "user-1", "sess-1", false, sock)

	if err := conn.CloseWith(protocol.CloseHeartbeatTimeout, "Connection timeout"); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := conn.CloseWith(websocket.StatusNormalClosure, "later"); err != nil {
		t.Fatalf("second close: %v", err)
	}

	closed, code, reason := sock.closedWith()
	if !closed || code != protocol.CloseHeartbeatTimeout || reason != "Connection timeout" {
		t.Errorf("socket closed with (%v, %d, %q); want first close to stick", closed, code, reason)
	}
}

func TestRegistry_CloseAll(t *testing.T) {
	r := NewRegistry(nil)
	s1, s2 := &fakeSocket{}, &fakeSocket{}
	r.Register("conn-1", "user-1", "sess-1", false, s1)
	r.Register("conn-2", "user-2", "sess-2", false, s2)

	r.CloseAll(protocol.CloseServerShutdown, "Server shutting down")

	if r.Len() != 0 {
		t.Errorf("Len() = %d after CloseAll", r.Len())
	}
	for i, sock := range []*fakeSocket{s1, s2} {
		closed, code, reason := sock.closedWith()
		if !closed || code != protocol.CloseServerShutdown || reason != "Server shutting down" {
			t.Errorf("socket %d closed with (%v, %d, %q)", i+1, closed, code, reason)
		}
	}
}
