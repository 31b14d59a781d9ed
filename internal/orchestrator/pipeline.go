package orchestrator

import (
	"context"
	"encoding/base64"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/voxmirror/voxmirror/internal/observe"
	"github.com/voxmirror/voxmirror/internal/session"
	"github.com/voxmirror/voxmirror/pkg/protocol"
	"github.com/voxmirror/voxmirror/pkg/provider/lipsync"
	"github.com/voxmirror/voxmirror/pkg/provider/llm"
	"github.com/voxmirror/voxmirror/pkg/provider/rag"
)

// Turn outcomes for the completion metric.
const (
	outcomeCompleted = "completed"
	outcomeCancelled = "cancelled"
	outcomeFailed    = "failed"
)

// runPipeline drives one turn through all five stages and returns its
// outcome. It runs entirely on the pipeline goroutine.
func (o *Orchestrator) runPipeline(t *turn) string {
	ctx, turnSpan := observe.StartSpan(t.ctx, "turn", trace.WithAttributes(
		observe.Attr("turn_id", t.id),
		observe.Attr("session_id", t.sessionID),
	))
	defer turnSpan.End()

	// ── Stage A: recognition ─────────────────────────────────────────────────

	_, asrSpan := observe.StartSpan(ctx, "turn.recognition")
	committed := o.awaitFinalTranscript(t)
	asrSpan.End()
	if !committed {
		if t.cancelled.Load() || t.ctx.Err() != nil {
			return outcomeCancelled
		}
		return outcomeFailed
	}

	o.sendTurn(t, protocol.KindTranscript, protocol.Transcript{
		Transcript: t.transcript,
		IsFinal:    true,
		Confidence: t.confidence,
	})
	t.closeRecognizer()

	// ── Stage B: retrieval (advisory; failure degrades to empty chunks) ──────

	ragCtx, ragSpan := observe.StartSpan(ctx, "turn.retrieval")
	t.ragStart = time.Now()
	for _, c := range o.retrieve(ragCtx, t) {
		t.chunks = append(t.chunks, c.Content)
	}
	t.ragEnd = time.Now()
	ragSpan.End()

	if t.ctx.Err() != nil {
		return outcomeCancelled
	}

	// ── Stage C: generation ──────────────────────────────────────────────────

	o.sendTurn(t, protocol.KindResponseStart, protocol.ResponseStart{TurnID: t.id})

	t.llmStart = time.Now()
	llmCtx, llmCancel := context.WithTimeout(ctx, llmStageTimeout)
	defer llmCancel()
	stream, err := o.providers.LLM.StreamCompletion(llmCtx, o.buildRequest(t))
	if err != nil {
		o.failTurn(t, "llm", protocol.CodeLLMError, "response generation failed")
		return outcomeFailed
	}

	// ── Stage D: synthesis ───────────────────────────────────────────────────

	textCh := make(chan string, defaultTextBuf)
	ttsCtx, ttsCancel := context.WithTimeout(ctx, ttsStageTimeout)
	defer ttsCancel()
	audioCh, err := o.providers.TTS.SynthesizeStream(ttsCtx, textCh, o.cfg.Voice)
	if err != nil {
		o.failTurn(t, "tts", protocol.CodeTTSError, "speech synthesis failed")
		return outcomeFailed
	}

	// ── Stage E: lip-sync fork (best-effort) ─────────────────────────────────

	var forkCh chan []byte
	var videoCh <-chan lipsync.VideoFrame
	if o.providers.Lipsync != nil && o.cfg.AvatarID != "" {
		lipCtx, lipCancel := context.WithTimeout(ctx, lipsyncStageTimeout)
		defer lipCancel()
		forkCh = make(chan []byte, defaultForkBuf)
		videoCh, err = o.providers.Lipsync.GenerateStream(lipCtx, forkCh, lipsync.StreamOptions{
			AvatarID:   o.cfg.AvatarID,
			Format:     o.cfg.VideoFormat,
			SampleRate: o.cfg.SampleRate,
		})
		if err != nil {
			slog.Warn("lip-sync unavailable; continuing audio only",
				"turn_id", t.id, "error", err)
			o.recordStageError(context.Background(), "lipsync")
			forkCh, videoCh = nil, nil
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		_, genSpan := observe.StartSpan(ctx, "turn.generation")
		defer genSpan.End()
		o.consumeCompletion(t, stream, textCh)
		return nil
	})
	if videoCh != nil {
		vc := videoCh
		g.Go(func() error {
			o.consumeVideo(t, vc)
			return nil
		})
	}

	// The pipeline goroutine itself consumes the audio stream so that
	// response_audio envelopes leave in synthesis order with dense sequence
	// numbers.
	_, ttsSpan := observe.StartSpan(ctx, "turn.synthesis")
	ttsFailed := false
	for chunk := range audioCh {
		if t.ctx.Err() != nil {
			break
		}
		if chunk.Err != nil {
			slog.Error("speech synthesis failed mid-stream", "turn_id", t.id, "error", chunk.Err)
			ttsFailed = true
			break
		}
		if t.ttsFirstAt.IsZero() {
			t.ttsFirstAt = time.Now()
			o.transition(t, session.StateSpeaking)
		}
		o.sendTurn(t, protocol.KindResponseAudio, protocol.ResponseAudio{
			TurnID:         t.id,
			AudioData:      base64.StdEncoding.EncodeToString(chunk.Data),
			SequenceNumber: t.audioSeq,
		})
		t.audioSeq++

		if forkCh != nil {
			select {
			case forkCh <- chunk.Data:
			default:
				// Video is best-effort; never let a slow lip-sync stream
				// stall the audio path.
				slog.Debug("lip-sync fork saturated, dropping chunk", "turn_id", t.id)
			}
		}
	}

	ttsSpan.End()

	if ttsFailed {
		o.failTurn(t, "tts", protocol.CodeTTSError, "speech synthesis failed")
		// Unblock the generation consumer; the error envelope is already out.
		t.cancel()
	}
	if forkCh != nil {
		close(forkCh)
	}
	_ = g.Wait()

	switch {
	case t.cancelled.Load():
		return outcomeCancelled
	case ttsFailed:
		return outcomeFailed
	case t.ctx.Err() != nil:
		return outcomeCancelled
	}

	if t.llmErrMsg != "" {
		// Mid-stream generation failure: the partial response was synthesized
		// and the client is told, but the turn still closes normally.
		o.recordStageError(context.Background(), "llm")
		o.sendTurn(t, protocol.KindError, protocol.ErrorPayload{
			ErrorCode:    protocol.CodeLLMError,
			ErrorMessage: "response generation ended early",
			Recoverable:  true,
		})
	}

	return o.completeTurn(t)
}

// awaitFinalTranscript forwards interim transcripts until the recognition
// stream commits a final result. Returns false on cancellation, stage
// timeout, or a dropped stream; the failure paths have already notified the
// client.
func (o *Orchestrator) awaitFinalTranscript(t *turn) bool {
	timer := time.NewTimer(asrStageTimeout)
	defer timer.Stop()

	results := t.recognizer().Results()
	for {
		select {
		case <-t.ctx.Done():
			return false
		case <-timer.C:
			o.failTurn(t, "asr", protocol.CodeASRError, "speech recognition timed out")
			return false
		case res, ok := <-results:
			if !ok {
				if t.ctx.Err() != nil {
					return false
				}
				o.failTurn(t, "asr", protocol.CodeASRError, "recognition stream ended unexpectedly")
				return false
			}
			if !res.IsFinal {
				o.sendTurn(t, protocol.KindTranscript, protocol.Transcript{
					Transcript: res.Text,
					IsFinal:    false,
					Confidence: res.Confidence,
				})
				continue
			}
			t.asrEnd = time.Now()
			t.transcript = res.Text
			t.confidence = res.Confidence
			return true
		}
	}
}

// retrieve runs the knowledge query. Any failure degrades to an empty chunk
// list; the turn proceeds without knowledge base context.
func (o *Orchestrator) retrieve(ctx context.Context, t *turn) []rag.Chunk {
	if o.providers.RAG == nil {
		return nil
	}

	var history []string
	if sess, ok := o.store.FindByID(t.sessionID); ok {
		history = historyLines(&sess, o.cfg.HistoryWindow)
	}

	ctx, cancel := context.WithTimeout(ctx, ragStageTimeout)
	defer cancel()
	chunks, err := o.providers.RAG.Search(ctx, rag.Query{
		Transcript: t.transcript,
		History:    history,
		TopK:       o.cfg.RetrievalTopK,
		Threshold:  o.cfg.RetrievalThreshold,
		UserID:     t.userID,
		SessionID:  t.sessionID,
	})
	if err != nil {
		observe.Logger(ctx).Warn("knowledge retrieval failed, continuing without context",
			"turn_id", t.id, "error", err)
		o.recordStageError(context.Background(), "rag")
		return nil
	}
	return chunks
}

// consumeCompletion reads token chunks from the generation stream,
// accumulates them into the sentence buffer, and forwards each complete
// sentence to synthesis. Any remaining text is flushed when the stream ends,
// including on a mid-stream error.
func (o *Orchestrator) consumeCompletion(t *turn, stream <-chan llm.Chunk, textCh chan<- string) {
	defer close(textCh)

	var full, buf strings.Builder
	flush := func() {
		sentence := strings.TrimSpace(buf.String())
		buf.Reset()
		if sentence == "" {
			return
		}
		if t.ttsStart.IsZero() {
			t.ttsStart = time.Now()
		}
		select {
		case textCh <- sentence:
		case <-t.ctx.Done():
		}
	}
	finish := func() {
		flush()
		t.llmEnd = time.Now()
		t.response = full.String()
	}

	for {
		select {
		case <-t.ctx.Done():
			t.response = full.String()
			return
		case chunk, ok := <-stream:
			if !ok {
				finish()
				return
			}
			if chunk.Usage != nil {
				t.llmUsage = chunk.Usage
			}
			if chunk.FinishReason == "error" {
				t.llmErrMsg = chunk.Text
				finish()
				return
			}
			if chunk.Text != "" {
				if t.llmFirstAt.IsZero() {
					t.llmFirstAt = time.Now()
				}
				full.WriteString(chunk.Text)
				buf.WriteString(chunk.Text)
				if sentenceComplete(buf.String()) {
					flush()
				}
			}
			if chunk.FinishReason != "" {
				finish()
				return
			}
		}
	}
}

// consumeVideo forwards lip-sync frames as response_video envelopes with
// their own dense sequence numbering. A failed stream is logged and drained;
// the turn continues audio-only.
func (o *Orchestrator) consumeVideo(t *turn, videoCh <-chan lipsync.VideoFrame) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case frame, ok := <-videoCh:
			if !ok {
				return
			}
			if frame.Err != nil {
				slog.Warn("lip-sync stream failed, continuing audio only",
					"turn_id", t.id, "error", frame.Err)
				o.recordStageError(context.Background(), "lipsync")
				continue
			}
			o.sendTurn(t, protocol.KindResponseVideo, protocol.ResponseVideo{
				TurnID:         t.id,
				FrameData:      base64.StdEncoding.EncodeToString(frame.Data),
				SequenceNumber: t.videoSeq,
				Format:         frame.Format,
			})
			t.videoSeq++
		}
	}
}

// completeTurn computes the latency breakdown, commits the turn to history
// and closes it on the wire with response_end.
func (o *Orchestrator) completeTurn(t *turn) string {
	speechEnd := t.speechEnd()
	metrics := protocol.TurnMetrics{
		TotalLatencyMs: latencyMs(speechEnd, t.ttsFirstAt),
		ASRLatencyMs:   latencyMs(t.asrStart, t.asrEnd),
		RAGLatencyMs:   latencyMs(t.ragStart, t.ragEnd),
		LLMLatencyMs:   latencyMs(t.llmStart, t.llmEnd),
		TTSLatencyMs:   latencyMs(t.ttsStart, t.ttsFirstAt),
	}
	o.recordLatencies(t, metrics, speechEnd)

	rec := session.Turn{
		ID:                   t.id,
		SessionID:            t.sessionID,
		Timestamp:            t.startedAt,
		UserTranscript:       t.transcript,
		TranscriptConfidence: t.confidence,
		RetrievedChunks:      t.chunks,
		LLMResponse:          t.response,
		ASRMs:                metrics.ASRLatencyMs,
		RAGMs:                metrics.RAGLatencyMs,
		LLMMs:                metrics.LLMLatencyMs,
		TTSMs:                metrics.TTSLatencyMs,
		TotalMs:              metrics.TotalLatencyMs,
	}
	if t.llmUsage != nil {
		rec.LLMCost = float64(t.llmUsage.TotalTokens) / 1000 * o.cfg.LLMCostPer1KTokens
	}
	if err := o.store.AppendTurn(context.Background(), t.sessionID, rec); err != nil {
		slog.Warn("committing turn to history failed", "turn_id", t.id, "error", err)
	}

	o.sendTurn(t, protocol.KindResponseEnd, protocol.ResponseEnd{
		TurnID:  t.id,
		Metrics: metrics,
	})
	o.transition(t, session.StateIdle)
	return outcomeCompleted
}

// failTurn reports a fatal stage failure to the client as a recoverable
// error and parks the session back in IDLE so a new turn can start. The turn
// is aborted without response_end.
func (o *Orchestrator) failTurn(t *turn, stage, code, msg string) {
	o.recordStageError(context.Background(), stage)
	o.sendTurn(t, protocol.KindError, protocol.ErrorPayload{
		ErrorCode:    code,
		ErrorMessage: msg,
		Recoverable:  true,
	})
	o.transition(t, session.StateIdle)
}

// transition applies a session state change and notifies the client. An
// illegal move is logged and skipped; the pipeline never forces states.
func (o *Orchestrator) transition(t *turn, to session.State) {
	res, err := o.store.TransitionState(t.sessionID, to)
	if err != nil {
		slog.Debug("pipeline state transition skipped",
			"session_id", t.sessionID, "to", to, "error", err)
		return
	}
	o.sendTurn(t, protocol.KindStateChanged, protocol.StateChanged{
		PreviousState: string(res.Previous),
		CurrentState:  string(res.Current),
		Timestamp:     time.Now().UnixMilli(),
	})
}

// sendTurn delivers one envelope for the turn, suppressing everything after
// cancellation.
func (o *Orchestrator) sendTurn(t *turn, kind string, data any) {
	if t.ctx.Err() != nil {
		return
	}
	env, err := protocol.New(kind, t.sessionID, data)
	if err != nil {
		slog.Error("building envelope failed", "kind", kind, "error", err)
		return
	}
	if err := o.sender.SendToSession(t.ctx, t.sessionID, env); err != nil {
		slog.Debug("turn envelope delivery failed",
			"kind", kind, "session_id", t.sessionID, "error", err)
	}
}

// buildRequest assembles the completion request: persona plus retrieved
// knowledge in the system prompt, recent history as alternating messages, and
// the fresh transcript as the final user message.
func (o *Orchestrator) buildRequest(t *turn) llm.CompletionRequest {
	system := o.cfg.SystemPrompt
	if len(t.chunks) > 0 {
		var sb strings.Builder
		sb.WriteString(system)
		sb.WriteString("\n\nRelevant knowledge:\n")
		for _, c := range t.chunks {
			sb.WriteString("- ")
			sb.WriteString(c)
			sb.WriteString("\n")
		}
		system = sb.String()
	}

	var msgs []llm.Message
	if sess, ok := o.store.FindByID(t.sessionID); ok {
		for _, past := range sess.RecentTurns(o.cfg.HistoryWindow) {
			msgs = append(msgs,
				llm.Message{Role: "user", Content: past.UserTranscript},
				llm.Message{Role: "assistant", Content: past.LLMResponse},
			)
		}
	}
	msgs = append(msgs, llm.Message{Role: "user", Content: t.transcript})

	return llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     msgs,
	}
}

// recordLatencies feeds the per-stage histograms.
func (o *Orchestrator) recordLatencies(t *turn, m protocol.TurnMetrics, speechEnd time.Time) {
	if o.metrics == nil {
		return
	}
	ctx := context.Background()
	o.metrics.ASRDuration.Record(ctx, float64(m.ASRLatencyMs)/1000)
	o.metrics.RAGDuration.Record(ctx, float64(m.RAGLatencyMs)/1000)
	o.metrics.LLMDuration.Record(ctx, float64(m.LLMLatencyMs)/1000)
	o.metrics.TTSDuration.Record(ctx, float64(m.TTSLatencyMs)/1000)
	o.metrics.FirstAudioDelay.Record(ctx, float64(m.TotalLatencyMs)/1000)
	if !t.llmStart.IsZero() && !t.llmFirstAt.IsZero() {
		o.metrics.LLMFirstTokenDelay.Record(ctx, t.llmFirstAt.Sub(t.llmStart).Seconds())
	}
	if !speechEnd.IsZero() {
		o.metrics.TurnDuration.Record(ctx, time.Since(speechEnd).Seconds())
	}
}

// historyLines renders recent turns for the retrieval query.
func historyLines(sess *session.Session, n int) []string {
	var out []string
	for _, past := range sess.RecentTurns(n) {
		out = append(out, "user: "+past.UserTranscript, "assistant: "+past.LLMResponse)
	}
	return out
}
