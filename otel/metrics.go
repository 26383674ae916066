// Package otel provides OpenTelemetry integration for pipeline events and
// job dispatches.
package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/reelflow/bus"
)

// MetricsHandler translates bus events into OpenTelemetry metrics.
// It counts every event by type, finished uploads by platform and outcome,
// and stall reports with how long the stalled item has waited.
type MetricsHandler struct {
	events    metric.Int64Counter
	uploads   metric.Int64Counter
	stalls    metric.Int64Counter
	stallWait metric.Float64Histogram
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to create
// instruments for recording pipeline metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	events, err := meter.Int64Counter("reelflow.events",
		metric.WithDescription("Number of pipeline events published"),
	)
	if err != nil {
		return nil, err
	}

	uploads, err := meter.Int64Counter("reelflow.uploads",
		metric.WithDescription("Number of finished platform uploads"),
	)
	if err != nil {
		return nil, err
	}

	stalls, err := meter.Int64Counter("reelflow.stalls",
		metric.WithDescription("Number of stalled stages reported"),
	)
	if err != nil {
		return nil, err
	}

	stallWait, err := meter.Float64Histogram("reelflow.stall.wait",
		metric.WithDescription("Time a stalled stage has waited on its worker in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		events:    events,
		uploads:   uploads,
		stalls:    stalls,
		stallWait: stallWait,
	}, nil
}

// Handle records the metrics for one event. It implements bus.EventHandler.
func (h *MetricsHandler) Handle(e bus.Event) {
	ctx := context.Background()
	h.events.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", e.Type.String())))

	switch e.Type {
	case bus.EventUploadUpdate:
		h.handleUploadUpdate(ctx, e)
	case bus.EventStageStalled:
		h.handleStageStalled(ctx, e)
	}
}

// handleUploadUpdate counts uploads that reached a final state.
func (h *MetricsHandler) handleUploadUpdate(ctx context.Context, e bus.Event) {
	state := stringValue(e.Data, "publish_state")
	if state != "published" && state != "failed" {
		return
	}
	h.uploads.Add(ctx, 1, metric.WithAttributes(
		attribute.String("platform", stringValue(e.Data, "platform")),
		attribute.String("publish_state", state),
	))
}

func (h *MetricsHandler) handleStageStalled(ctx context.Context, e bus.Event) {
	attrs := metric.WithAttributes(attribute.String("stage", stringValue(e.Data, "stage")))
	h.stalls.Add(ctx, 1, attrs)
	if waited, ok := e.Data["waiting_seconds"].(int64); ok {
		h.stallWait.Record(ctx, float64(waited), attrs)
	}
}

func stringValue(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

var _ bus.EventHandler = (*MetricsHandler)(nil)
