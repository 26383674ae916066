package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"github.com/petal-labs/reelflow/core"
)

// ErrEndpointNotConfigured is the cause of a DispatchError for a kind with no worker URL.
var ErrEndpointNotConfigured = errors.New("endpoint not configured")

// HTTPDispatcherConfig configures an HTTPDispatcher.
type HTTPDispatcherConfig struct {
	// Endpoints maps each job kind to its worker URL.
	Endpoints map[Kind]string

	// CallbackBaseURL is the externally reachable base of this service; the
	// callback route for the job kind is appended to it.
	CallbackBaseURL string

	// Token is sent as a bearer token on every job. Empty disables the header.
	Token string

	// Timeout bounds one send (default: 10s).
	Timeout time.Duration

	Recorder Recorder
	Observer Observer
	Logger   *slog.Logger

	// Client overrides the resty client.
	Client *resty.Client
}

// HTTPDispatcher posts jobs as JSON to per-kind worker endpoints.
type HTTPDispatcher struct {
	endpoints    map[Kind]string
	callbackBase string
	client       *resty.Client
	recorder     Recorder
	observer     Observer
	logger       *slog.Logger
}

// NewHTTPDispatcher creates an HTTPDispatcher.
func NewHTTPDispatcher(cfg HTTPDispatcherConfig) *HTTPDispatcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = resty.New()
	}
	client.
		SetHeader("User-Agent", "reelflow-dispatcher/1.0").
		SetHeader("Content-Type", "application/json").
		SetTimeout(timeout)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	endpoints := make(map[Kind]string, len(cfg.Endpoints))
	for kind, url := range cfg.Endpoints {
		if url = strings.TrimSpace(url); url != "" {
			endpoints[kind] = url
		}
	}

	return &HTTPDispatcher{
		endpoints:    endpoints,
		callbackBase: strings.TrimRight(cfg.CallbackBaseURL, "/"),
		client:       client,
		recorder:     cfg.Recorder,
		observer:     cfg.Observer,
		logger:       logger,
	}
}

// Dispatch sends job to its worker endpoint. The request body is the job
// payload plus job_id, video_id, artifact_id (when set) and callback_url.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, job Job) error {
	jobID := uuid.NewString()
	endpoint := d.endpoints[job.Kind]

	body := make(map[string]any, len(job.Payload)+4)
	maps.Copy(body, job.Payload)
	body["job_id"] = jobID
	body["video_id"] = job.VideoID
	if job.ArtifactID > 0 {
		body["artifact_id"] = job.ArtifactID
	}
	body["callback_url"] = d.callbackBase + CallbackPath(job.Kind)

	start := time.Now()
	status, err := d.send(ctx, job.Kind, endpoint, body)
	elapsed := time.Since(start)

	if err != nil {
		d.logger.Warn("dispatch failed",
			"job", job.Kind,
			"job_id", jobID,
			"video_id", job.VideoID,
			"artifact_id", job.ArtifactID,
			"endpoint", endpoint,
			"error", err,
		)
	} else {
		d.logger.Info("dispatched job",
			"job", job.Kind,
			"job_id", jobID,
			"video_id", job.VideoID,
			"artifact_id", job.ArtifactID,
		)
	}

	d.record(ctx, job, jobID, endpoint, err)
	if d.observer != nil {
		d.observer.ObserveDispatch(ctx, Observation{
			JobID:      jobID,
			Kind:       job.Kind,
			VideoID:    job.VideoID,
			ArtifactID: job.ArtifactID,
			Endpoint:   endpoint,
			StatusCode: status,
			Duration:   elapsed,
			Err:        err,
		})
	}
	return err
}

func (d *HTTPDispatcher) send(ctx context.Context, kind Kind, endpoint string, body map[string]any) (int, error) {
	if endpoint == "" {
		return 0, &core.DispatchError{Kind: string(kind), Cause: ErrEndpointNotConfigured}
	}

	resp, err := d.client.R().
		SetContext(ctx).
		SetBody(body).
		Post(endpoint)
	if err != nil {
		return 0, &core.DispatchError{Kind: string(kind), Endpoint: endpoint, Cause: err}
	}
	if resp.IsError() {
		dispatchErr := &core.DispatchError{Kind: string(kind), Endpoint: endpoint, Status: resp.StatusCode()}
		if text := strings.TrimSpace(truncate(resp.String(), 256)); text != "" {
			dispatchErr.Cause = errors.New(text)
		}
		return resp.StatusCode(), dispatchErr
	}
	return resp.StatusCode(), nil
}

// record appends the attempt to the dispatch log. A log failure is only
// logged; it never changes the dispatch result.
func (d *HTTPDispatcher) record(ctx context.Context, job Job, jobID, endpoint string, sendErr error) {
	if d.recorder == nil {
		return
	}
	rec := &core.DispatchRecord{
		JobID:        jobID,
		Kind:         string(job.Kind),
		VideoID:      job.VideoID,
		Endpoint:     endpoint,
		OK:           sendErr == nil,
		DispatchedAt: time.Now().UTC(),
	}
	if job.ArtifactID > 0 {
		id := job.ArtifactID
		rec.ArtifactID = &id
	}
	if sendErr != nil {
		rec.Error = sendErr.Error()
	}
	if err := d.recorder.RecordDispatch(context.WithoutCancel(ctx), rec); err != nil {
		d.logger.Error("failed to record dispatch", "job_id", jobID, "error", err)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ Dispatcher = (*HTTPDispatcher)(nil)
