// Package dispatch sends stage jobs to external content workers. A dispatch
// only reports whether the worker accepted the job; the result arrives later
// through the callback gateway.
package dispatch

import (
	"context"
	"time"

	"github.com/petal-labs/reelflow/core"
)

// Kind names the stage a job is for. Each kind has its own worker endpoint
// and callback route.
type Kind string

const (
	KindScript      Kind = "script"
	KindRender      Kind = "render"
	KindTitle       Kind = "title"
	KindTags        Kind = "tags"
	KindDescription Kind = "description"
	KindUpload      Kind = "upload"
)

// Kinds lists every job kind.
var Kinds = []Kind{KindScript, KindRender, KindTitle, KindTags, KindDescription, KindUpload}

// CallbackPathPrefix is where the callback gateway is mounted.
const CallbackPathPrefix = "/api/webhooks/callbacks/"

// CallbackPath returns the route a worker calls back on for kind.
func CallbackPath(kind Kind) string {
	return CallbackPathPrefix + string(kind)
}

// Job is one work order for an external worker.
type Job struct {
	Kind       Kind
	VideoID    int64
	ArtifactID int64
	Payload    map[string]any
}

// Dispatcher hands jobs to external workers.
type Dispatcher interface {
	// Dispatch sends the job and returns once the worker accepted or
	// rejected it. Failures are *core.DispatchError.
	Dispatch(ctx context.Context, job Job) error
}

// Recorder appends dispatch attempts to a durable log.
type Recorder interface {
	RecordDispatch(ctx context.Context, rec *core.DispatchRecord) error
}

// Observation describes one finished dispatch attempt.
type Observation struct {
	JobID      string
	Kind       Kind
	VideoID    int64
	ArtifactID int64
	Endpoint   string
	StatusCode int
	Duration   time.Duration
	Err        error
}

// Observer receives dispatch observations for telemetry.
type Observer interface {
	ObserveDispatch(ctx context.Context, obs Observation)
}
