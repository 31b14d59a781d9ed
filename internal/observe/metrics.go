// Package observe provides application-wide observability primitives for
// voxmirror: OpenTelemetry metrics, distributed tracing, and structured
// logging helpers.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxmirror metrics.
const meterName = "github.com/voxmirror/voxmirror"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks speech recognition latency per turn.
	ASRDuration metric.Float64Histogram

	// RAGDuration tracks knowledge retrieval latency per turn.
	RAGDuration metric.Float64Histogram

	// LLMDuration tracks response generation latency per turn.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks speech synthesis latency per turn.
	TTSDuration metric.Float64Histogram

	// LLMFirstTokenDelay tracks time from issuing the generation request to
	// the first streamed token (TTFT).
	LLMFirstTokenDelay metric.Float64Histogram

	// TurnDuration tracks end-to-end turn latency (utterance end to
	// response end).
	TurnDuration metric.Float64Histogram

	// FirstAudioDelay tracks time from utterance end to the first audio
	// chunk sent to the client.
	FirstAudioDelay metric.Float64Histogram

	// --- Counters ---

	// EnvelopesReceived counts inbound envelopes. Use with attribute:
	//   attribute.String("type", ...)
	EnvelopesReceived metric.Int64Counter

	// EnvelopesSent counts outbound envelopes. Use with attribute:
	//   attribute.String("type", ...)
	EnvelopesSent metric.Int64Counter

	// AuthAttempts counts authentication attempts. Use with attributes:
	//   attribute.String("kind", "guest"|"bearer"), attribute.String("status", ...)
	AuthAttempts metric.Int64Counter

	// TurnsCompleted counts finished turns. Use with attribute:
	//   attribute.String("outcome", "completed"|"cancelled"|"failed")
	TurnsCompleted metric.Int64Counter

	// --- Error counters ---

	// StageErrors counts pipeline stage failures. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("provider", ...)
	StageErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks the number of open client connections.
	ActiveConnections metric.Int64UpDownCounter

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveTurns tracks the number of turns currently in flight.
	ActiveTurns metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ASRDuration, err = m.Float64Histogram("voxmirror.asr.duration",
		metric.WithDescription("Latency of speech recognition per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RAGDuration, err = m.Float64Histogram("voxmirror.rag.duration",
		metric.WithDescription("Latency of knowledge retrieval per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voxmirror.llm.duration",
		metric.WithDescription("Latency of response generation per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("voxmirror.tts.duration",
		metric.WithDescription("Latency of speech synthesis per turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstTokenDelay, err = m.Float64Histogram("voxmirror.llm.first_token_delay",
		metric.WithDescription("Time from the generation request to the first streamed token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("voxmirror.turn.duration",
		metric.WithDescription("End-to-end turn latency from utterance end to response end."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstAudioDelay, err = m.Float64Histogram("voxmirror.turn.first_audio_delay",
		metric.WithDescription("Time from utterance end to the first audio chunk sent."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EnvelopesReceived, err = m.Int64Counter("voxmirror.envelopes.received",
		metric.WithDescription("Total inbound envelopes by type."),
	); err != nil {
		return nil, err
	}
	if met.EnvelopesSent, err = m.Int64Counter("voxmirror.envelopes.sent",
		metric.WithDescription("Total outbound envelopes by type."),
	); err != nil {
		return nil, err
	}
	if met.AuthAttempts, err = m.Int64Counter("voxmirror.auth.attempts",
		metric.WithDescription("Total authentication attempts by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCompleted, err = m.Int64Counter("voxmirror.turns.completed",
		metric.WithDescription("Total finished turns by outcome."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.StageErrors, err = m.Int64Counter("voxmirror.stage.errors",
		metric.WithDescription("Total pipeline stage failures by stage and provider."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("voxmirror.active_connections",
		metric.WithDescription("Number of open client connections."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxmirror.active_sessions",
		metric.WithDescription("Number of live conversation sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveTurns, err = m.Int64UpDownCounter("voxmirror.active_turns",
		metric.WithDescription("Number of turns currently in flight."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordEnvelopeReceived records one inbound envelope of the given type.
func (m *Metrics) RecordEnvelopeReceived(ctx context.Context, kind string) {
	m.EnvelopesReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", kind)),
	)
}

// RecordEnvelopeSent records one outbound envelope of the given type.
func (m *Metrics) RecordEnvelopeSent(ctx context.Context, kind string) {
	m.EnvelopesSent.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", kind)),
	)
}

// RecordAuthAttempt records an authentication attempt with the standard
// attribute set.
func (m *Metrics) RecordAuthAttempt(ctx context.Context, kind, status string) {
	m.AuthAttempts.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordTurnCompleted records a finished turn with the given outcome.
func (m *Metrics) RecordTurnCompleted(ctx context.Context, outcome string) {
	m.TurnsCompleted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordStageError records a pipeline stage failure.
func (m *Metrics) RecordStageError(ctx context.Context, stage, provider string) {
	m.StageErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("provider", provider),
		),
	)
}
