package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/voxmirror/voxmirror/internal/observe"
	"github.com/voxmirror/voxmirror/internal/session"
	"github.com/voxmirror/voxmirror/pkg/protocol"
)

// resumeDelay is how long after an interruption acknowledgement the session
// is moved back to LISTENING. Must stay under the 200 ms bound clients rely
// on to resume speaking.
const resumeDelay = 100 * time.Millisecond

// retryPrompt is the friendly message sent back on a retry_asr request.
const retryPrompt = "I didn't catch that — could you say it again?"

// TurnDriver is the orchestrator surface the router drives. Implemented by
// the turn orchestrator; tests substitute a recorder.
type TurnDriver interface {
	// HandleAudioChunk feeds one upstream audio chunk into the active turn,
	// starting a new turn if the session has none.
	HandleAudioChunk(ctx context.Context, sessionID, userID string, audio []byte) error

	// FinalizeUtterance marks the end of user speech and asks the
	// recognition stream to commit a final transcript.
	FinalizeUtterance(ctx context.Context, sessionID string) error

	// CancelTurn cancels the session's active turn, if any. After it returns
	// no further envelopes for that turn reach the client.
	CancelTurn(sessionID string)
}

// Router maps inbound client envelopes to state transitions and orchestrator
// calls. One router instance serves all connections.
type Router struct {
	store    *session.Store
	registry *Registry
	turns    TurnDriver
	metrics  *observe.Metrics
}

// NewRouter wires a router. metrics may be nil.
func NewRouter(store *session.Store, registry *Registry, turns TurnDriver, metrics *observe.Metrics) *Router {
	return &Router{
		store:    store,
		registry: registry,
		turns:    turns,
		metrics:  metrics,
	}
}

// HandleEnvelope dispatches one validated client envelope. Errors from the
// handlers are caught here and reported to the client as recoverable
// INTERNAL_ERROR envelopes; the connection always stays open.
func (r *Router) HandleEnvelope(ctx context.Context, conn *Conn, env protocol.Envelope) {
	var err error
	switch env.Kind {
	case protocol.KindAudioChunk:
		err = r.handleAudioChunk(ctx, conn, env)
	case protocol.KindEndUtterance:
		err = r.handleEndUtterance(ctx, conn)
	case protocol.KindInterruption:
		err = r.handleInterruption(ctx, conn, env)
	case protocol.KindRetryASR:
		err = r.handleRetryASR(ctx, conn)
	default:
		slog.Debug("unhandled envelope kind", "kind", env.Kind, "session_id", conn.SessionID)
		r.sendError(ctx, conn, protocol.CodeUnknownType,
			fmt.Sprintf("no handler for message type %q", env.Kind), true)
		return
	}

	if err != nil {
		slog.Error("router handler failed",
			"kind", env.Kind,
			"session_id", conn.SessionID,
			"error", err,
		)
		r.sendError(ctx, conn, protocol.CodeInternalError, "internal error", true)
	}
}

// handleAudioChunk moves an idle session to LISTENING and forwards the
// decoded audio to the orchestrator.
func (r *Router) handleAudioChunk(ctx context.Context, conn *Conn, env protocol.Envelope) error {
	var payload protocol.AudioChunk
	if err := env.DecodeData(&payload); err != nil {
		return err
	}
	audio, err := base64.StdEncoding.DecodeString(payload.AudioData)
	if err != nil {
		return fmt.Errorf("gateway: decode audio chunk: %w", err)
	}

	if sess, ok := r.store.FindByID(conn.SessionID); ok && sess.State == session.StateIdle {
		if !r.transition(ctx, conn, session.StateListening) {
			return nil
		}
	}

	return r.turns.HandleAudioChunk(ctx, conn.SessionID, conn.UserID, audio)
}

// handleEndUtterance moves the session to PROCESSING and asks the
// orchestrator to finalize recognition.
func (r *Router) handleEndUtterance(ctx context.Context, conn *Conn) error {
	if !r.transition(ctx, conn, session.StateProcessing) {
		return nil
	}
	return r.turns.FinalizeUtterance(ctx, conn.SessionID)
}

// handleInterruption cancels the active turn, acknowledges the interruption,
// and schedules the move back to LISTENING.
func (r *Router) handleInterruption(ctx context.Context, conn *Conn, env protocol.Envelope) error {
	var payload protocol.Interruption
	if len(env.Data) > 0 {
		if err := env.DecodeData(&payload); err != nil {
			return err
		}
	}

	if !r.transition(ctx, conn, session.StateInterrupted) {
		return nil
	}
	if err := r.store.SetMetadata(conn.SessionID, "last_interruption",
		strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil && !errors.Is(err, session.ErrSessionNotFound) {
		slog.Warn("recording interruption metadata failed", "session_id", conn.SessionID, "error", err)
	}

	r.turns.CancelTurn(conn.SessionID)

	r.send(ctx, conn, protocol.KindInterrupted, protocol.Interrupted{
		TurnIndex: payload.TurnIndex,
		Timestamp: time.Now().UnixMilli(),
	})

	sessionID := conn.SessionID
	time.AfterFunc(resumeDelay, func() {
		res, err := r.store.TransitionState(sessionID, session.StateListening)
		if err != nil {
			slog.Debug("resume after interruption skipped", "session_id", sessionID, "error", err)
			return
		}
		r.notifyStateChanged(context.Background(), conn, res)
	})
	return nil
}

// handleRetryASR acknowledges the retry without touching session state.
func (r *Router) handleRetryASR(ctx context.Context, conn *Conn) error {
	r.send(ctx, conn, protocol.KindRetryASRAck, protocol.RetryASRAck{Message: retryPrompt})
	return nil
}

// transition applies a state change through the store and notifies the
// client. An illegal move produces a state:error envelope, leaves the state
// untouched, and returns false.
func (r *Router) transition(ctx context.Context, conn *Conn, to session.State) bool {
	res, err := r.store.TransitionState(conn.SessionID, to)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			slog.Warn("transition on missing session", "session_id", conn.SessionID, "to", to)
			return false
		}
		from := session.State("")
		if sess, ok := r.store.FindByID(conn.SessionID); ok {
			from = sess.State
		}
		r.send(ctx, conn, protocol.KindStateError, protocol.StateError{
			AttemptedTransition: protocol.TransitionAttempt{
				From: string(from),
				To:   string(to),
			},
			ErrorMessage: err.Error(),
			Timestamp:    time.Now().UnixMilli(),
		})
		return false
	}
	r.notifyStateChanged(ctx, conn, res)
	return true
}

// notifyStateChanged emits a state:changed envelope for a completed
// transition.
func (r *Router) notifyStateChanged(ctx context.Context, conn *Conn, res session.TransitionResult) {
	r.send(ctx, conn, protocol.KindStateChanged, protocol.StateChanged{
		PreviousState: string(res.Previous),
		CurrentState:  string(res.Current),
		Timestamp:     time.Now().UnixMilli(),
	})
}

// sendError emits an error envelope on the connection.
func (r *Router) sendError(ctx context.Context, conn *Conn, code, msg string, recoverable bool) {
	r.send(ctx, conn, protocol.KindError, protocol.ErrorPayload{
		ErrorCode:    code,
		ErrorMessage: msg,
		Recoverable:  recoverable,
	})
}

// send builds and writes an envelope, logging delivery failures instead of
// propagating them: a failed write means the connection is going away and the
// read loop will observe that on its own.
func (r *Router) send(ctx context.Context, conn *Conn, kind string, data any) {
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
	if r.metrics != nil {
		r.metrics.RecordEnvelopeSent(ctx, kind)
	}
}
