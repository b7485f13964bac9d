// Package observe provides application-wide observability for MirrorTalk:
// OpenTelemetry metrics, distributed tracing, an in-process aggregation
// snapshot served at /stats, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all MirrorTalk metrics.
const meterName = "github.com/mirrortalk/mirrortalk"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per turn stage ---

	// ASRDuration tracks end-of-utterance to final-transcript latency.
	ASRDuration metric.Float64Histogram

	// RAGDuration tracks knowledge-retrieval latency.
	RAGDuration metric.Float64Histogram

	// LLMFirstToken tracks turn start to first generated token.
	LLMFirstToken metric.Float64Histogram

	// TTSFirstChunk tracks turn start to first synthesized audio chunk.
	TTSFirstChunk metric.Float64Histogram

	// LipSyncFirstChunk tracks turn start to first video chunk.
	LipSyncFirstChunk metric.Float64Histogram

	// TurnDuration tracks end-to-end turn latency, end of user speech to
	// last delivered chunk.
	TurnDuration metric.Float64Histogram

	// ConnectDuration tracks websocket accept to session_ready latency.
	ConnectDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts finished turns. Use with attribute:
	//   attribute.String("status", ...)
	Turns metric.Int64Counter

	// Connections counts accepted websocket connections.
	Connections metric.Int64Counter

	// Disconnects counts closed connections. Use with attribute:
	//   attribute.String("reason", ...)
	Disconnects metric.Int64Counter

	// PipelineErrors counts turn-pipeline errors. Use with attribute:
	//   attribute.String("code", ...)
	PipelineErrors metric.Int64Counter

	// UnitSkips counts speech units dropped after synthesis retry.
	UnitSkips metric.Int64Counter

	// Stalls counts reorder-buffer stall warnings.
	Stalls metric.Int64Counter

	// BreakerTrips counts circuit-breaker open transitions. Use with
	// attribute: attribute.String("adapter", ...)
	BreakerTrips metric.Int64Counter

	// --- Usage (cost) counters ---

	// ASRAudioSeconds accumulates seconds of user audio transcribed.
	ASRAudioSeconds metric.Float64Counter

	// TTSCharacters accumulates characters of reply text synthesized.
	TTSCharacters metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions, including those in
	// reconnect grace.
	ActiveSessions metric.Int64ObservableGauge

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. activeSessions, when non-nil, backs the
// active-sessions gauge and is read on every metrics collection. Returns an
// error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider, activeSessions func() int) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ASRDuration, err = m.Float64Histogram("mirrortalk.asr.duration",
		metric.WithDescription("Latency from end of user speech to final transcript."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RAGDuration, err = m.Float64Histogram("mirrortalk.rag.duration",
		metric.WithDescription("Latency of knowledge retrieval."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = m.Float64Histogram("mirrortalk.llm.first_token",
		metric.WithDescription("Latency to first generated token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstChunk, err = m.Float64Histogram("mirrortalk.tts.first_chunk",
		metric.WithDescription("Latency to first synthesized audio chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LipSyncFirstChunk, err = m.Float64Histogram("mirrortalk.lipsync.first_chunk",
		metric.WithDescription("Latency to first lip-sync video chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("mirrortalk.turn.duration",
		metric.WithDescription("End-to-end turn latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("mirrortalk.connect.duration",
		metric.WithDescription("Websocket accept to session_ready latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("mirrortalk.turns",
		metric.WithDescription("Total finished turns by terminal status."),
	); err != nil {
		return nil, err
	}
	if met.Connections, err = m.Int64Counter("mirrortalk.connections",
		metric.WithDescription("Total accepted websocket connections."),
	); err != nil {
		return nil, err
	}
	if met.Disconnects, err = m.Int64Counter("mirrortalk.disconnects",
		metric.WithDescription("Total closed connections by reason."),
	); err != nil {
		return nil, err
	}
	if met.PipelineErrors, err = m.Int64Counter("mirrortalk.pipeline.errors",
		metric.WithDescription("Total turn-pipeline errors by code."),
	); err != nil {
		return nil, err
	}
	if met.UnitSkips, err = m.Int64Counter("mirrortalk.tts.unit_skips",
		metric.WithDescription("Total speech units dropped after synthesis retry."),
	); err != nil {
		return nil, err
	}
	if met.Stalls, err = m.Int64Counter("mirrortalk.tts.stalls",
		metric.WithDescription("Total reorder-buffer stall warnings."),
	); err != nil {
		return nil, err
	}
	if met.BreakerTrips, err = m.Int64Counter("mirrortalk.breaker.trips",
		metric.WithDescription("Total circuit-breaker open transitions by adapter."),
	); err != nil {
		return nil, err
	}

	// Usage counters.
	if met.ASRAudioSeconds, err = m.Float64Counter("mirrortalk.usage.asr_audio_seconds",
		metric.WithDescription("Seconds of user audio transcribed."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.TTSCharacters, err = m.Int64Counter("mirrortalk.usage.tts_characters",
		metric.WithDescription("Characters of reply text synthesized."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	gaugeOpts := []metric.Int64ObservableGaugeOption{
		metric.WithDescription("Number of live sessions, including reconnect grace."),
	}
	if activeSessions != nil {
		gaugeOpts = append(gaugeOpts, metric.WithInt64Callback(
			func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(int64(activeSessions()))
				return nil
			},
		))
	}
	if met.ActiveSessions, err = m.Int64ObservableGauge("mirrortalk.active_sessions", gaugeOpts...); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("mirrortalk.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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
// pointer. The active-sessions gauge has no callback on the default instance;
// use [NewMetrics] when gauge readings are needed. Panics if instrument
// creation fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider(), nil)
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
