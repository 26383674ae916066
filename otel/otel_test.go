package otel_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/petal-labs/reelflow/bus"
	"github.com/petal-labs/reelflow/core"
	"github.com/petal-labs/reelflow/dispatch"
	reelotel "github.com/petal-labs/reelflow/otel"
)

// newTestMeter returns a meter backed by a manual reader for collecting metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func sumTotal(t *testing.T, m *metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s type = %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsHandler_CountsEvents(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := reelotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(bus.NewEvent(bus.EventVideoCreated, map[string]any{"video_id": int64(1)}))
	h.Handle(bus.NewEvent(bus.EventScriptGenerated, map[string]any{"video_id": int64(1)}))
	h.Handle(bus.NewEvent(bus.EventUploadUpdate, map[string]any{"platform": core.PlatformYouTube, "publish_state": core.PublishPublished}))
	h.Handle(bus.NewEvent(bus.EventUploadUpdate, map[string]any{"platform": core.PlatformYouTube, "publish_state": core.PublishUploading}))
	h.Handle(bus.NewEvent(bus.EventStageStalled, map[string]any{"stage": "rendering", "waiting_seconds": int64(3600)}))

	rm := collectMetrics(t, reader)

	events := findMetric(rm, "reelflow.events")
	if events == nil {
		t.Fatal("reelflow.events metric not found")
	}
	if got := sumTotal(t, events); got != 5 {
		t.Fatalf("events total = %d, want 5", got)
	}

	uploads := findMetric(rm, "reelflow.uploads")
	if uploads == nil {
		t.Fatal("reelflow.uploads metric not found")
	}
	if got := sumTotal(t, uploads); got != 1 {
		t.Fatalf("uploads total = %d, want 1 (progress updates are not counted)", got)
	}

	wait := findMetric(rm, "reelflow.stall.wait")
	if wait == nil {
		t.Fatal("reelflow.stall.wait metric not found")
	}
	hist, ok := wait.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 || hist.DataPoints[0].Sum != 3600 {
		t.Fatalf("stall wait = %+v", wait.Data)
	}
}

func TestMetricsHandler_AsBusHandler(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := reelotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}
	b := bus.NewMemBus(bus.MemBusConfig{Handlers: []bus.EventHandler{h}})
	defer b.Close()

	b.Publish(bus.NewEvent(bus.EventTitleGenerated, nil))

	events := findMetric(collectMetrics(t, reader), "reelflow.events")
	if events == nil || sumTotal(t, events) != 1 {
		t.Fatal("bus handler did not record the published event")
	}
}

func TestDispatchObserver(t *testing.T) {
	reader, mp := newTestMeter()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	observer, err := reelotel.NewDispatchObserver(mp.Meter("test"), tp.Tracer("test"))
	if err != nil {
		t.Fatalf("NewDispatchObserver: %v", err)
	}

	ctx := context.Background()
	observer.ObserveDispatch(ctx, dispatch.Observation{
		JobID:      "job-1",
		Kind:       dispatch.KindScript,
		VideoID:    7,
		Endpoint:   "http://workers/script",
		StatusCode: 202,
		Duration:   120 * time.Millisecond,
	})
	observer.ObserveDispatch(ctx, dispatch.Observation{
		JobID:      "job-2",
		Kind:       dispatch.KindUpload,
		VideoID:    7,
		ArtifactID: 3,
		Endpoint:   "http://workers/upload",
		StatusCode: 503,
		Duration:   40 * time.Millisecond,
		Err:        errors.New("worker returned 503"),
	})

	rm := collectMetrics(t, reader)
	if m := findMetric(rm, "reelflow.dispatch.attempts"); m == nil || sumTotal(t, m) != 2 {
		t.Fatal("reelflow.dispatch.attempts should count 2")
	}
	if m := findMetric(rm, "reelflow.dispatch.failures"); m == nil || sumTotal(t, m) != 1 {
		t.Fatal("reelflow.dispatch.failures should count 1")
	}
	if findMetric(rm, "reelflow.dispatch.latency") == nil {
		t.Fatal("reelflow.dispatch.latency metric not found")
	}

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	if spans[0].Name() != "dispatch.script" || spans[0].Status().Code != codes.Ok {
		t.Fatalf("first span = %s %v", spans[0].Name(), spans[0].Status())
	}
	if spans[1].Name() != "dispatch.upload" || spans[1].Status().Code != codes.Error {
		t.Fatalf("second span = %s %v", spans[1].Name(), spans[1].Status())
	}
}

func TestDispatchObserver_NilSafe(t *testing.T) {
	var observer *reelotel.DispatchObserver
	observer.ObserveDispatch(context.Background(), dispatch.Observation{Kind: dispatch.KindTags})
}

func TestSetup_NoEndpointIsNoop(t *testing.T) {
	tel, err := reelotel.Setup(context.Background(), reelotel.Config{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if tel.Enabled() {
		t.Fatal("telemetry without endpoint should be disabled")
	}
	if tel.Meter == nil || tel.Tracer == nil {
		t.Fatal("noop instruments missing")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestSetup_WithEndpoint(t *testing.T) {
	tel, err := reelotel.Setup(context.Background(), reelotel.Config{Endpoint: "http://127.0.0.1:4318"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if !tel.Enabled() {
		t.Fatal("telemetry with endpoint should be enabled")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = tel.Shutdown(ctx)
}

func TestParseHeaders(t *testing.T) {
	got := reelotel.ParseHeaders("authorization=Bearer x, bad, k=v,=empty")
	if len(got) != 2 || got["authorization"] != "Bearer x" || got["k"] != "v" {
		t.Fatalf("ParseHeaders = %v", got)
	}
}
