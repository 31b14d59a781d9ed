package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/voxmirror/voxmirror/pkg/provider/asr"
	"github.com/voxmirror/voxmirror/pkg/provider/llm"
)

// turn is the context of one in-flight turn. It is exclusively owned by the
// pipeline goroutine; the only cross-goroutine fields are the cancellation
// state and the speech-end stamp, which the router thread writes through
// [turn.markSpeechEnd].
type turn struct {
	id        string
	sessionID string
	userID    string

	ctx    context.Context
	cancel context.CancelFunc

	// cancelled distinguishes an interruption from an internal wind-down so
	// the outcome metric stays honest.
	cancelled atomic.Bool

	mu          sync.Mutex
	asrSession  asr.SessionHandle // nil until the recognition dial completes
	speechEndAt time.Time

	// Pipeline-owned fields below: written and read only by the pipeline
	// goroutine (the generation fields are handed over through the
	// sentence-fan errgroup's Wait).
	startedAt  time.Time
	asrStart   time.Time
	asrEnd     time.Time
	ragStart   time.Time
	ragEnd     time.Time
	llmStart   time.Time
	llmFirstAt time.Time
	llmEnd     time.Time
	ttsStart   time.Time
	ttsFirstAt time.Time

	transcript string
	confidence float64
	chunks     []string
	response   string
	llmErrMsg  string
	llmUsage   *llm.Usage

	audioSeq int
	videoSeq int
}

func newTurn(sessionID, userID string) *turn {
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	return &turn{
		id:        uuid.NewString(),
		sessionID: sessionID,
		userID:    userID,
		ctx:       ctx,
		cancel:    cancel,
		startedAt: now,
		asrStart:  now,
	}
}

// setRecognizer publishes the recognition session once the dial has
// completed. The turn is already visible in the active table at that point, so
// the handle is guarded.
func (t *turn) setRecognizer(s asr.SessionHandle) {
	t.mu.Lock()
	t.asrSession = s
	t.mu.Unlock()
}

// recognizer returns the recognition session, or nil while the dial is still
// in flight.
func (t *turn) recognizer() asr.SessionHandle {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.asrSession
}

// closeRecognizer closes the recognition session if it was ever opened.
func (t *turn) closeRecognizer() {
	if s := t.recognizer(); s != nil {
		_ = s.Close()
	}
}

// markSpeechEnd stamps the end of user speech once; later calls are ignored.
func (t *turn) markSpeechEnd() {
	t.mu.Lock()
	if t.speechEndAt.IsZero() {
		t.speechEndAt = time.Now()
	}
	t.mu.Unlock()
}

// speechEnd returns the stamped end of user speech, falling back to the end
// of recognition when the client never sent end_utterance.
func (t *turn) speechEnd() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.speechEndAt.IsZero() {
		return t.asrEnd
	}
	return t.speechEndAt
}

// latencyMs is a nil-safe millisecond delta between two stamps.
func latencyMs(from, to time.Time) int64 {
	if from.IsZero() || to.IsZero() || to.Before(from) {
		return 0
	}
	return to.Sub(from).Milliseconds()
}
