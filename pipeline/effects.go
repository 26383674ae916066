package pipeline

import (
	"fmt"

	"github.com/petal-labs/reelflow/bus"
	"github.com/petal-labs/reelflow/core"
	"github.com/petal-labs/reelflow/dispatch"
)

// Effect is a side effect of a committed transition. Effects are produced
// inside the transaction and applied, in order, only after it commits.
type Effect interface {
	effect()
}

// DispatchEffect sends a job to an external worker.
type DispatchEffect struct {
	Job dispatch.Job
}

// PublishEffect broadcasts an event to observers.
type PublishEffect struct {
	Event bus.Event
}

// SpawnFollowOnEffect records that approve-and-upload inserted a fresh
// review artifact. The row is written inside the transaction; applying the
// effect is a no-op.
type SpawnFollowOnEffect struct {
	SourceArtifactID   int64
	FollowOnArtifactID int64
}

func (DispatchEffect) effect()      {}
func (PublishEffect) effect()       {}
func (SpawnFollowOnEffect) effect() {}

// Outcome is the result of one controller operation.
type Outcome struct {
	Video    *core.Video
	Artifact *core.PublishedArtifact
	FollowOn *core.PublishedArtifact
	Effects  []Effect

	// Ignored is set when a callback arrived for a state that no longer
	// accepts it. Nothing was written and no effects were produced.
	Ignored       bool
	IgnoredReason string

	// DispatchErrors holds send failures. The transition stays committed.
	DispatchErrors []error
}

// Jobs returns the dispatch effects' jobs in order.
func (o Outcome) Jobs() []dispatch.Job {
	var jobs []dispatch.Job
	for _, e := range o.Effects {
		if d, ok := e.(DispatchEffect); ok {
			jobs = append(jobs, d.Job)
		}
	}
	return jobs
}

// Events returns the publish effects' events in order.
func (o Outcome) Events() []bus.Event {
	var events []bus.Event
	for _, e := range o.Effects {
		if p, ok := e.(PublishEffect); ok {
			events = append(events, p.Event)
		}
	}
	return events
}

func (o *Outcome) dispatch(job dispatch.Job) {
	o.Effects = append(o.Effects, DispatchEffect{Job: job})
}

func (o *Outcome) publish(t bus.EventType, data map[string]any) {
	o.Effects = append(o.Effects, PublishEffect{Event: bus.NewEvent(t, data)})
}

func (o *Outcome) ignore(format string, args ...any) {
	o.Ignored = true
	o.IgnoredReason = fmt.Sprintf(format, args...)
	o.Effects = nil
}
