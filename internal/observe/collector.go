package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mirrortalk/mirrortalk/internal/resilience"
	"github.com/mirrortalk/mirrortalk/internal/session"
	"github.com/mirrortalk/mirrortalk/internal/twerr"
)

// Thresholds sets the alert limits evaluated by [Collector.Snapshot].
type Thresholds struct {
	// MinSuccessRate is the connection success-rate floor. Default 0.95.
	MinSuccessRate float64

	// MaxAvgConnectTime is the average handshake-latency ceiling. Default 3s.
	MaxAvgConnectTime time.Duration

	// MaxTimeoutRate is the per-turn timeout-rate ceiling. Default 0.05.
	MaxTimeoutRate float64
}

func (t *Thresholds) applyDefaults() {
	if t.MinSuccessRate <= 0 {
		t.MinSuccessRate = 0.95
	}
	if t.MaxAvgConnectTime <= 0 {
		t.MaxAvgConnectTime = 3 * time.Second
	}
	if t.MaxTimeoutRate <= 0 {
		t.MaxTimeoutRate = 0.05
	}
}

// CollectorConfig configures a [Collector].
type CollectorConfig struct {
	Thresholds Thresholds

	// SampleRate is the inbound PCM sample rate used to convert audio bytes
	// to seconds for the usage counter. Default 16000 (16-bit mono).
	SampleRate int
}

func (c *CollectorConfig) applyDefaults() {
	c.Thresholds.applyDefaults()
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
}

// Collector is the telemetry sink for the whole service. It forwards every
// observation to the OTel instruments in [Metrics] and keeps the running
// aggregates behind the /stats snapshot.
//
// It implements the recorder interfaces of the gateway and pipeline packages
// and the circuit-breaker state-change callback, so one Collector instance is
// wired everywhere telemetry originates. All methods are safe for concurrent
// use and never block.
type Collector struct {
	met *Metrics
	cfg CollectorConfig

	mu sync.Mutex

	connAccepted int64
	connReady    int64
	connClosed   map[string]int64
	connectTotal time.Duration

	turns        map[session.TurnStatus]int64
	turnTimeouts int64

	stalls    int64
	unitSkips int64
	errors    map[twerr.Code]int64
	trips     map[string]int64

	audioSeconds  float64
	ttsCharacters int64

	peakSessions   int64
	activeSessions func() int
}

// NewCollector creates a Collector recording into met. activeSessions, when
// non-nil, is sampled on every snapshot for the active/peak session figures
// (typically session.Manager.Active).
func NewCollector(met *Metrics, activeSessions func() int, cfg CollectorConfig) *Collector {
	cfg.applyDefaults()
	return &Collector{
		met:            met,
		cfg:            cfg,
		connClosed:     make(map[string]int64),
		turns:          make(map[session.TurnStatus]int64),
		errors:         make(map[twerr.Code]int64),
		trips:          make(map[string]int64),
		activeSessions: activeSessions,
	}
}

// ConnectionOpened records an accepted websocket connection.
func (c *Collector) ConnectionOpened() {
	c.met.Connections.Add(context.Background(), 1)
	c.mu.Lock()
	c.connAccepted++
	c.mu.Unlock()
}

// ConnectionClosed records a finished connection and its close reason.
func (c *Collector) ConnectionClosed(reason string) {
	c.met.Disconnects.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
	c.mu.Lock()
	c.connClosed[reason]++
	c.mu.Unlock()
}

// ConnectTime records the accept-to-session_ready latency of a successful
// handshake. Connections that never reach session_ready count against the
// success rate.
func (c *Collector) ConnectTime(d time.Duration) {
	c.met.ConnectDuration.Record(context.Background(), d.Seconds())
	c.mu.Lock()
	c.connReady++
	c.connectTotal += d
	c.mu.Unlock()
}

// ObserveTurn records a finished turn's status and stage latencies.
func (c *Collector) ObserveTurn(status session.TurnStatus, timings session.StageTimings) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	c.met.Turns.Add(ctx, 1, attrs)

	if timings.ASR > 0 {
		c.met.ASRDuration.Record(ctx, timings.ASR.Seconds())
	}
	if timings.RAG > 0 {
		c.met.RAGDuration.Record(ctx, timings.RAG.Seconds())
	}
	if timings.LLMFirst > 0 {
		c.met.LLMFirstToken.Record(ctx, timings.LLMFirst.Seconds())
	}
	if timings.TTSFirst > 0 {
		c.met.TTSFirstChunk.Record(ctx, timings.TTSFirst.Seconds())
	}
	if timings.LipSync > 0 {
		c.met.LipSyncFirstChunk.Record(ctx, timings.LipSync.Seconds())
	}
	if timings.Total > 0 {
		c.met.TurnDuration.Record(ctx, timings.Total.Seconds())
	}

	c.mu.Lock()
	c.turns[status]++
	if timings.RAGTimeout {
		c.turnTimeouts++
	}
	c.mu.Unlock()
}

// ObserveUnitSkipped records a speech unit dropped after its synthesis retry
// failed.
func (c *Collector) ObserveUnitSkipped() {
	c.met.UnitSkips.Add(context.Background(), 1)
	c.mu.Lock()
	c.unitSkips++
	c.mu.Unlock()
}

// ObserveStall records a reorder-buffer stall warning.
func (c *Collector) ObserveStall() {
	c.met.Stalls.Add(context.Background(), 1)
	c.mu.Lock()
	c.stalls++
	c.mu.Unlock()
}

// ObserveError records a pipeline error by code. Stall aborts count as turn
// timeouts in the snapshot.
func (c *Collector) ObserveError(code twerr.Code) {
	c.met.PipelineErrors.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("code", string(code))))
	c.mu.Lock()
	c.errors[code]++
	if code == twerr.CodeTTSStall {
		c.turnTimeouts++
	}
	c.mu.Unlock()
}

// ObserveUsage accumulates the billable volume of one turn: inbound audio
// transcribed and reply characters synthesized.
func (c *Collector) ObserveUsage(audioBytes int64, replyChars int) {
	seconds := float64(audioBytes) / float64(c.cfg.SampleRate*2)
	ctx := context.Background()
	c.met.ASRAudioSeconds.Add(ctx, seconds)
	c.met.TTSCharacters.Add(ctx, int64(replyChars))
	c.mu.Lock()
	c.audioSeconds += seconds
	c.ttsCharacters += int64(replyChars)
	c.mu.Unlock()
}

// BreakerStateChanged is the circuit-breaker state-change callback. Only
// transitions into the open state are counted as trips.
func (c *Collector) BreakerStateChanged(name string, _, to resilience.State) {
	if to != resilience.StateOpen {
		return
	}
	c.met.BreakerTrips.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("adapter", name)))
	c.mu.Lock()
	c.trips[name]++
	c.mu.Unlock()
}
