package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/petal-labs/reelflow/bus"
	"github.com/petal-labs/reelflow/core"
	"github.com/petal-labs/reelflow/store"
)

const (
	defaultStallSchedule  = "*/10 * * * *"
	defaultStallThreshold = 30 * time.Minute
	defaultStallBatch     = 200
)

// Stall is one video or artifact that has waited on a worker for longer
// than the threshold.
type Stall struct {
	VideoID    int64         `json:"video_id"`
	ArtifactID int64         `json:"artifact_id,omitempty"`
	State      string        `json:"state"`
	Waiting    time.Duration `json:"waiting"`
}

// StallReporterConfig configures the stall report.
type StallReporterConfig struct {
	Store     store.Store
	Bus       bus.EventBus
	Schedule  string
	Threshold time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// StallReporter periodically reports videos stuck in awaiting_script or
// rendering and artifacts stuck in uploading. It only observes: no state is
// changed and nothing is redispatched.
type StallReporter struct {
	store     store.Store
	bus       bus.EventBus
	schedule  cron.Schedule
	threshold time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewStallReporter creates a stall reporter.
func NewStallReporter(cfg StallReporterConfig) (*StallReporter, error) {
	if cfg.Store == nil {
		return nil, errors.New("stall reporter store is nil")
	}
	if cfg.Schedule == "" {
		cfg.Schedule = defaultStallSchedule
	}
	schedule, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = defaultStallThreshold
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &StallReporter{
		store:     cfg.Store,
		bus:       cfg.Bus,
		schedule:  schedule,
		threshold: cfg.Threshold,
		now:       cfg.Now,
		logger:    cfg.Logger,
	}, nil
}

// Start runs the report on its schedule until Stop is called.
func (r *StallReporter) Start() {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		for {
			now := r.now()
			timer := time.NewTimer(r.schedule.Next(now).Sub(now))
			select {
			case <-loopCtx.Done():
				timer.Stop()
				return
			case <-timer.C:
				if _, err := r.RunOnce(loopCtx); err != nil && loopCtx.Err() == nil {
					r.logger.Error("stall report failed", "error", err)
				}
			}
		}
	}()
}

// Stop stops the background schedule and waits for it to exit.
func (r *StallReporter) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel := r.cancel
	done := r.done
	r.cancel = nil
	r.done = nil
	r.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs a single sweep, logging and publishing one
// stage_stalled event per stall.
func (r *StallReporter) RunOnce(ctx context.Context) ([]Stall, error) {
	now := r.now().UTC()
	cutoff := now.Add(-r.threshold)

	videos, err := r.store.ListVideos(ctx, store.VideoFilter{
		Stages:        []core.Stage{core.StageAwaitingScript, core.StageRendering},
		UpdatedBefore: cutoff,
		Limit:         defaultStallBatch,
	})
	if err != nil {
		return nil, err
	}
	artifacts, err := r.store.ListArtifacts(ctx, store.ArtifactFilter{
		States:        []core.PublishState{core.PublishUploading},
		UpdatedBefore: cutoff,
		Limit:         defaultStallBatch,
	})
	if err != nil {
		return nil, err
	}

	stalls := make([]Stall, 0, len(videos)+len(artifacts))
	for _, v := range videos {
		stalls = append(stalls, Stall{VideoID: v.ID, State: string(v.Stage), Waiting: now.Sub(v.UpdatedAt)})
	}
	for _, a := range artifacts {
		stalls = append(stalls, Stall{VideoID: a.VideoID, ArtifactID: a.ID, State: string(a.PublishState), Waiting: now.Sub(a.UpdatedAt)})
	}

	for _, s := range stalls {
		r.logger.Warn("stage stalled",
			"video_id", s.VideoID,
			"artifact_id", s.ArtifactID,
			"stage", s.State,
			"waiting", s.Waiting.Round(time.Second).String(),
		)
		if r.bus == nil {
			continue
		}
		data := map[string]any{
			"video_id":        s.VideoID,
			"stage":           s.State,
			"waiting_seconds": int64(s.Waiting.Seconds()),
		}
		if s.ArtifactID > 0 {
			data["artifact_id"] = s.ArtifactID
		}
		r.bus.Publish(bus.NewEvent(bus.EventStageStalled, data))
	}
	return stalls, nil
}
