package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/reelflow/dispatch"
)

// DispatchObserver records job dispatch attempts into OpenTelemetry.
type DispatchObserver struct {
	tracer trace.Tracer

	attempts metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewDispatchObserver creates a dispatch observer bound to the provided meter/tracer.
func NewDispatchObserver(meter metric.Meter, tracer trace.Tracer) (*DispatchObserver, error) {
	attempts, err := meter.Int64Counter(
		"reelflow.dispatch.attempts",
		metric.WithDescription("Number of job dispatch attempts"),
	)
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter(
		"reelflow.dispatch.failures",
		metric.WithDescription("Number of job dispatches the worker did not accept"),
	)
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram(
		"reelflow.dispatch.latency",
		metric.WithDescription("Job dispatch latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &DispatchObserver{
		tracer:   tracer,
		attempts: attempts,
		failures: failures,
		latency:  latency,
	}, nil
}

// ObserveDispatch records one dispatch attempt.
func (o *DispatchObserver) ObserveDispatch(ctx context.Context, obs dispatch.Observation) {
	if o == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("job_kind", string(obs.Kind)),
		attribute.Bool("success", obs.Err == nil),
	}
	if obs.StatusCode > 0 {
		attrs = append(attrs, attribute.Int("status_code", obs.StatusCode))
	}

	options := metric.WithAttributes(attrs...)
	o.attempts.Add(ctx, 1, options)
	o.latency.Record(ctx, obs.Duration.Seconds(), options)
	if obs.Err != nil {
		o.failures.Add(ctx, 1, options)
	}

	if o.tracer == nil {
		return
	}
	spanAttrs := append(attrs,
		attribute.String("job_id", obs.JobID),
		attribute.Int64("video_id", obs.VideoID),
		attribute.String("endpoint", obs.Endpoint),
	)
	if obs.ArtifactID > 0 {
		spanAttrs = append(spanAttrs, attribute.Int64("artifact_id", obs.ArtifactID))
	}
	_, span := o.tracer.Start(ctx, "dispatch."+string(obs.Kind), trace.WithAttributes(spanAttrs...))
	if obs.Err != nil {
		span.RecordError(obs.Err)
		span.SetStatus(codes.Error, obs.Err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

var _ dispatch.Observer = (*DispatchObserver)(nil)
