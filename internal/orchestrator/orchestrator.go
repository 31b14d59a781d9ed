// Package orchestrator coordinates the five-stage turn pipeline: speech
// recognition, knowledge retrieval, response generation, speech synthesis and
// lip-sync video. One orchestrator serves all sessions; each session has at
// most one active turn, owned by a single pipeline goroutine.
//
// Control flow for one turn: the first audio chunk opens a recognition
// stream and spawns the pipeline goroutine. Interim transcripts are forwarded
// to the client as they arrive. The final transcript triggers retrieval, then
// a streaming completion whose tokens are accumulated into sentences; each
// complete sentence is fanned to synthesis, the returned audio chunks are
// forwarded to the client and optionally forked to lip-sync. The turn closes
// with a response_end envelope carrying the per-stage latency breakdown.
//
// Cancellation is cooperative: CancelTurn fires the turn's context and every
// stage checks it before emitting. After CancelTurn returns, no further
// envelopes for that turn reach the client.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxmirror/voxmirror/internal/observe"
	"github.com/voxmirror/voxmirror/internal/session"
	"github.com/voxmirror/voxmirror/pkg/protocol"
	"github.com/voxmirror/voxmirror/pkg/provider/asr"
	"github.com/voxmirror/voxmirror/pkg/provider/lipsync"
	"github.com/voxmirror/voxmirror/pkg/provider/llm"
	"github.com/voxmirror/voxmirror/pkg/provider/rag"
	"github.com/voxmirror/voxmirror/pkg/provider/tts"
)

// Per-stage deadlines. Expiry maps onto the stage's failure semantics:
// recognition and synthesis abort the turn, retrieval falls back to empty
// chunks, lip-sync degrades to audio-only.
const (
	asrStageTimeout     = 30 * time.Second
	ragStageTimeout     = 10 * time.Second
	llmStageTimeout     = 60 * time.Second
	ttsStageTimeout     = 30 * time.Second
	lipsyncStageTimeout = 30 * time.Second
)

// Retrieval and prompt defaults, applied when the corresponding Config field
// is zero.
const (
	DefaultRetrievalTopK      = 4
	DefaultRetrievalThreshold = 0.7
	DefaultHistoryWindow      = 5
	defaultSampleRate         = 16000
	defaultTextBuf            = 16
	defaultForkBuf            = 256
)

// Sender delivers envelopes to the client bound to a session. Implemented by
// the gateway's connection registry.
type Sender interface {
	SendToSession(ctx context.Context, sessionID string, env protocol.Envelope) error
}

// Providers bundles the upstream service clients for the five stages.
// RAG and Lipsync may be nil; turns then run without retrieval or video.
type Providers struct {
	ASR     asr.Provider
	RAG     rag.Provider
	LLM     llm.Provider
	TTS     tts.Provider
	Lipsync lipsync.Provider
}

// Config tunes the pipeline.
type Config struct {
	// SystemPrompt is the persona injected ahead of the conversation.
	SystemPrompt string

	// Voice selects the synthesis voice.
	Voice tts.Voice

	// AvatarID selects the lip-sync avatar. Empty disables video even when a
	// lipsync provider is wired.
	AvatarID string

	// VideoFormat is the frame format requested from lip-sync.
	// Defaults to jpeg.
	VideoFormat string

	// SampleRate of the upstream audio in Hz. Defaults to 16000.
	SampleRate int

	// RetrievalTopK and RetrievalThreshold parameterise the knowledge query.
	RetrievalTopK      int
	RetrievalThreshold float64

	// HistoryWindow is how many recent turns accompany the query and prompt.
	HistoryWindow int

	// LLMCostPer1KTokens is the blended generation price in fractional cents
	// per 1000 tokens, used to attribute a cost to each committed turn. Zero
	// disables cost accounting.
	LLMCostPer1KTokens float64

	// ProviderNames labels stages for metrics attribution, keyed by stage
	// ("asr", "rag", "llm", "tts", "lipsync").
	ProviderNames map[string]string
}

// Orchestrator drives the turn pipeline for all sessions. Safe for
// concurrent use.
type Orchestrator struct {
	sender    Sender
	store     *session.Store
	providers Providers
	metrics   *observe.Metrics // nil disables metric recording
	cfg       Config

	mu     sync.Mutex
	active map[string]*turn

	// wg tracks pipeline goroutines so Close and tests can synchronise with
	// turn completion.
	wg sync.WaitGroup
}

// New wires an orchestrator. sender, store, providers.ASR, providers.LLM and
// providers.TTS are required; the rest may be nil.
func New(sender Sender, store *session.Store, providers Providers, metrics *observe.Metrics, cfg Config) *Orchestrator {
	if cfg.RetrievalTopK <= 0 {
		cfg.RetrievalTopK = DefaultRetrievalTopK
	}
	if cfg.RetrievalThreshold <= 0 {
		cfg.RetrievalThreshold = DefaultRetrievalThreshold
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultHistoryWindow
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.VideoFormat == "" {
		cfg.VideoFormat = lipsync.FormatJPEG
	}
	return &Orchestrator{
		sender:    sender,
		store:     store,
		providers: providers,
		metrics:   metrics,
		cfg:       cfg,
		active:    make(map[string]*turn),
	}
}

// HandleAudioChunk feeds one upstream audio chunk into the session's active
// turn, opening a new turn (and its recognition stream) on the first chunk.
func (o *Orchestrator) HandleAudioChunk(ctx context.Context, sessionID, userID string, audio []byte) error {
	o.mu.Lock()
	t, ok := o.active[sessionID]
	if !ok {
		// Reserve the session's turn slot before dialling the recognition
		// service so a slow handshake on one session never holds the lock
		// against the others.
		t = newTurn(sessionID, userID)
		o.active[sessionID] = t
	}
	o.mu.Unlock()

	if !ok {
		if err := o.openTurn(ctx, t); err != nil {
			o.mu.Lock()
			if o.active[sessionID] == t {
				delete(o.active, sessionID)
			}
			o.mu.Unlock()
			t.cancel()
			return err
		}
	}

	rec := t.recognizer()
	if rec == nil {
		// The slot owner is still dialling; the chunk has nowhere to go yet.
		return fmt.Errorf("orchestrator: recognition stream for session %s not ready", sessionID)
	}
	if err := rec.SendAudio(audio); err != nil {
		return fmt.Errorf("orchestrator: forward audio: %w", err)
	}
	return nil
}

// FinalizeUtterance stamps the end of user speech and asks the recognition
// stream to commit a final transcript. A session without an active turn is a
// no-op.
func (o *Orchestrator) FinalizeUtterance(_ context.Context, sessionID string) error {
	o.mu.Lock()
	t := o.active[sessionID]
	o.mu.Unlock()
	if t == nil {
		return nil
	}

	t.markSpeechEnd()
	rec := t.recognizer()
	if rec == nil {
		return nil
	}
	if err := rec.Finalize(); err != nil {
		return fmt.Errorf("orchestrator: finalize recognition: %w", err)
	}
	return nil
}

// CancelTurn cancels the session's active turn. The cancellation has
// propagated to every in-flight stage stream by the time it returns; the
// pipeline goroutine winds down asynchronously but emits nothing further.
func (o *Orchestrator) CancelTurn(sessionID string) {
	o.mu.Lock()
	t := o.active[sessionID]
	delete(o.active, sessionID)
	o.mu.Unlock()
	if t == nil {
		return
	}

	t.cancelled.Store(true)
	t.cancel()
	t.closeRecognizer()
	slog.Info("turn cancelled", "session_id", sessionID, "turn_id", t.id)
}

// ActiveTurns returns the number of turns currently in flight.
func (o *Orchestrator) ActiveTurns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// Wait blocks until every pipeline goroutine has finished. Primarily for
// shutdown and tests.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close cancels all active turns and waits for their pipelines to exit.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	turns := make([]*turn, 0, len(o.active))
	for _, t := range o.active {
		turns = append(turns, t)
	}
	o.active = make(map[string]*turn)
	o.mu.Unlock()

	for _, t := range turns {
		t.cancelled.Store(true)
		t.cancel()
		t.closeRecognizer()
	}
	o.wg.Wait()
	return nil
}

// openTurn opens the recognition stream for a freshly reserved turn and
// spawns its pipeline goroutine. The dial is network I/O and must run without
// o.mu held; the stream provider bounds the handshake, and a CancelTurn racing
// the dial aborts it through t.ctx.
func (o *Orchestrator) openTurn(ctx context.Context, t *turn) error {
	asrSession, err := o.providers.ASR.StartStream(t.ctx, asr.StreamConfig{
		SampleRate: o.cfg.SampleRate,
		Channels:   1,
	})
	if err != nil {
		o.recordStageError(ctx, "asr")
		return fmt.Errorf("orchestrator: open recognition stream: %w", err)
	}
	t.setRecognizer(asrSession)

	if o.metrics != nil {
		o.metrics.ActiveTurns.Add(ctx, 1)
	}
	slog.Info("turn started", "session_id", t.sessionID, "turn_id", t.id)

	o.wg.Add(1)
	go o.runTurn(t)
	return nil
}

// runTurn owns one turn from first audio chunk to completion.
func (o *Orchestrator) runTurn(t *turn) {
	defer o.wg.Done()

	outcome := o.runPipeline(t)

	o.mu.Lock()
	if o.active[t.sessionID] == t {
		delete(o.active, t.sessionID)
	}
	o.mu.Unlock()

	t.cancel()
	t.closeRecognizer()

	ctx := context.Background()
	if o.metrics != nil {
		o.metrics.ActiveTurns.Add(ctx, -1)
		o.metrics.RecordTurnCompleted(ctx, outcome)
	}
	slog.Info("turn finished",
		"session_id", t.sessionID,
		"turn_id", t.id,
		"outcome", outcome,
	)
}

// recordStageError bumps the stage error counter with the configured provider
// label.
func (o *Orchestrator) recordStageError(ctx context.Context, stage string) {
	if o.metrics == nil {
		return
	}
	name := o.cfg.ProviderNames[stage]
	if name == "" {
		name = "unknown"
	}
	o.metrics.RecordStageError(ctx, stage, name)
}
