// Package pipeline implements the Stage Controller: the per-video state
// machine, the per-artifact publication lanes and the stall report.
//
// Every operation validates its preconditions and performs its transition
// inside one store transaction. The transaction yields an ordered list of
// effects (job dispatches, event broadcasts) that are applied only after the
// commit, so a slow or failing worker never holds a database lock and never
// rolls back a recorded approval.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/petal-labs/reelflow/bus"
	"github.com/petal-labs/reelflow/core"
	"github.com/petal-labs/reelflow/dispatch"
	"github.com/petal-labs/reelflow/store"
)

// Config configures a Controller.
type Config struct {
	Store      store.Store
	Dispatcher dispatch.Dispatcher
	Bus        bus.EventBus
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Now        func() time.Time
}

// Controller is the Stage Controller.
type Controller struct {
	store      store.Store
	dispatcher dispatch.Dispatcher
	bus        bus.EventBus
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewController creates a Controller.
func NewController(cfg Config) (*Controller, error) {
	if cfg.Store == nil {
		return nil, errors.New("pipeline controller store is nil")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("pipeline controller dispatcher is nil")
	}
	if cfg.Bus == nil {
		return nil, errors.New("pipeline controller bus is nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("reelflow/pipeline")
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Controller{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		bus:        cfg.Bus,
		logger:     cfg.Logger,
		tracer:     cfg.Tracer,
		now:        cfg.Now,
	}, nil
}

// Store returns the controller's store for read-only queries.
func (c *Controller) Store() store.Store {
	return c.store
}

// run executes fn in a transaction and applies the resulting effects after
// commit.
func (c *Controller) run(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(ctx context.Context, tx store.Tx, out *Outcome) error) (Outcome, error) {
	ctx, span := c.tracer.Start(ctx, "pipeline."+op, trace.WithAttributes(attrs...))
	defer span.End()

	var out Outcome
	err := c.store.Tx(ctx, func(tx store.Tx) error {
		out = Outcome{}
		return fn(ctx, tx, &out)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}

	if out.Ignored {
		span.SetAttributes(attribute.Bool("ignored", true))
		c.logger.Warn("ignored stale callback", "op", op, "reason", out.IgnoredReason)
		return out, nil
	}

	c.apply(ctx, &out)
	if len(out.DispatchErrors) > 0 {
		span.SetAttributes(attribute.Int("dispatch_errors", len(out.DispatchErrors)))
	}
	span.SetStatus(codes.Ok, "")
	return out, nil
}

// apply performs committed effects in order. Dispatch failures are collected
// on the outcome and never undo the transition.
func (c *Controller) apply(ctx context.Context, out *Outcome) {
	for _, e := range out.Effects {
		switch e := e.(type) {
		case DispatchEffect:
			if err := c.dispatcher.Dispatch(ctx, e.Job); err != nil {
				out.DispatchErrors = append(out.DispatchErrors, err)
				c.logger.Warn("dispatch failed after commit",
					"job", e.Job.Kind,
					"video_id", e.Job.VideoID,
					"artifact_id", e.Job.ArtifactID,
					"error", err,
				)
			}
		case PublishEffect:
			c.bus.Publish(e.Event)
		case SpawnFollowOnEffect:
			c.logger.Debug("spawned follow-on artifact",
				"artifact_id", e.SourceArtifactID,
				"follow_on_artifact_id", e.FollowOnArtifactID,
			)
		}
	}
}

func videoAttrs(id int64) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.Int64("video_id", id)}
}

func artifactAttrs(id int64) []attribute.KeyValue {
	return []attribute.KeyValue{attribute.Int64("artifact_id", id)}
}

// snapshots resolves the video's reference set against the catalog at the
// moment of dispatch.
func snapshots(ctx context.Context, tx store.Tx, videoID int64) ([]core.CatalogItem, error) {
	refs, err := tx.References(ctx, videoID)
	if err != nil {
		return nil, err
	}
	return tx.CatalogItems(ctx, refs)
}
