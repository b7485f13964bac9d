package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T, activeSessions func() int) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp, activeSessions)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t, nil)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestStageHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t, nil)
	ctx := context.Background()

	histograms := []struct {
		name string
		h    metric.Float64Histogram
	}{
		{"mirrortalk.asr.duration", m.ASRDuration},
		{"mirrortalk.rag.duration", m.RAGDuration},
		{"mirrortalk.llm.first_token", m.LLMFirstToken},
		{"mirrortalk.tts.first_chunk", m.TTSFirstChunk},
		{"mirrortalk.lipsync.first_chunk", m.LipSyncFirstChunk},
		{"mirrortalk.turn.duration", m.TurnDuration},
		{"mirrortalk.connect.duration", m.ConnectDuration},
	}

	for _, tc := range histograms {
		tc.h.Record(ctx, 0.123)
		tc.h.Record(ctx, 0.456)
	}

	rm := collect(t, reader)

	for _, tc := range histograms {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", tc.name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestTurnCounterByStatus(t *testing.T) {
	m, reader := newTestMetrics(t, nil)
	ctx := context.Background()

	completed := metric.WithAttributes(attribute.String("status", "completed"))
	m.Turns.Add(ctx, 1, completed)
	m.Turns.Add(ctx, 1, completed)
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "failed")))

	rm := collect(t, reader)
	met := findMetric(rm, "mirrortalk.turns")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}

	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "status" && kv.Value.AsString() == "completed" {
				if dp.Value != 2 {
					t.Errorf("counter value = %d, want 2", dp.Value)
				}
				return
			}
		}
	}
	t.Error("data point with status=completed not found")
}

func TestBreakerTripsCounter(t *testing.T) {
	m, reader := newTestMetrics(t, nil)
	ctx := context.Background()

	m.BreakerTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("adapter", "tts")))

	rm := collect(t, reader)
	met := findMetric(rm, "mirrortalk.breaker.trips")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if len(sum.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if sum.DataPoints[0].Value != 1 {
		t.Errorf("counter value = %d, want 1", sum.DataPoints[0].Value)
	}
}

func TestUsageCounters(t *testing.T) {
	m, reader := newTestMetrics(t, nil)
	ctx := context.Background()

	m.ASRAudioSeconds.Add(ctx, 1.5)
	m.ASRAudioSeconds.Add(ctx, 0.5)
	m.TTSCharacters.Add(ctx, 120)

	rm := collect(t, reader)

	met := findMetric(rm, "mirrortalk.usage.asr_audio_seconds")
	if met == nil {
		t.Fatal("audio seconds metric not found")
	}
	fsum, ok := met.Data.(metricdata.Sum[float64])
	if !ok {
		t.Fatal("audio seconds metric is not a sum")
	}
	if got := fsum.DataPoints[0].Value; got != 2.0 {
		t.Errorf("audio seconds = %v, want 2.0", got)
	}

	met = findMetric(rm, "mirrortalk.usage.tts_characters")
	if met == nil {
		t.Fatal("tts characters metric not found")
	}
	isum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("tts characters metric is not a sum")
	}
	if got := isum.DataPoints[0].Value; got != 120 {
		t.Errorf("tts characters = %d, want 120", got)
	}
}

func TestActiveSessionsGaugeCallback(t *testing.T) {
	active := 3
	m, reader := newTestMetrics(t, func() int { return active })
	_ = m

	rm := collect(t, reader)
	met := findMetric(rm, "mirrortalk.active_sessions")
	if met == nil {
		t.Fatal("metric not found")
	}
	gauge, ok := met.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatal("metric is not a gauge")
	}
	if len(gauge.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := gauge.DataPoints[0].Value; got != 3 {
		t.Errorf("gauge value = %d, want 3", got)
	}

	active = 7
	rm = collect(t, reader)
	gauge = findMetric(rm, "mirrortalk.active_sessions").Data.(metricdata.Gauge[int64])
	if got := gauge.DataPoints[0].Value; got != 7 {
		t.Errorf("gauge value after change = %d, want 7", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t, nil)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("path", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "mirrortalk.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
