// Package bus provides the in-process event hub for reelflow. The pipeline
// controller publishes every state change here and observers such as the SSE
// stream and the metrics handler subscribe to it. Delivery is a global
// broadcast with no persistence or replay: an observer that attaches after an
// event was published never sees it.
package bus

import "time"

// EventType identifies the kind of pipeline change an event describes.
type EventType string

const (
	EventConnected             EventType = "connected"
	EventVideoCreated          EventType = "video_created"
	EventScriptGenerated       EventType = "script_generated"
	EventScriptApproved        EventType = "script_approved"
	EventScriptRegenerating    EventType = "script_regenerating"
	EventRenderUpdated         EventType = "render_updated"
	EventRenderRegenerating    EventType = "render_regenerating"
	EventVideoApproved         EventType = "video_approved"
	EventTitleGenerating       EventType = "title_generating"
	EventTitleGenerated        EventType = "title_generated"
	EventTitleApproved         EventType = "title_approved"
	EventTagsGenerating        EventType = "tags_generating"
	EventTagsGenerated         EventType = "tags_generated"
	EventTagsApproved          EventType = "tags_approved"
	EventDescriptionGenerating EventType = "description_generating"
	EventDescriptionGenerated  EventType = "description_generated"
	EventUploadStarted         EventType = "upload_started"
	EventUploadUpdate          EventType = "upload_update"
	EventReferencesUpdated     EventType = "references_updated"
	EventStageStalled          EventType = "stage_stalled"
)

// String returns the string representation of the EventType.
func (t EventType) String() string {
	return string(t)
}

// Event is one message on the bus. Seq is assigned by the bus on publish and
// is strictly increasing.
type Event struct {
	Type EventType
	Seq  uint64
	Time time.Time
	Data map[string]any
}

// NewEvent creates an event stamped with the current time.
func NewEvent(t EventType, data map[string]any) Event {
	if data == nil {
		data = map[string]any{}
	}
	return Event{Type: t, Time: time.Now(), Data: data}
}

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to every attached subscriber.
	Publish(event Event)

	// Subscribe registers a new observer. The first event on the returned
	// subscription is a synthetic connected event carrying its client id.
	Subscribe() Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// ID is the client id announced in the connected event.
	ID() string

	// Events returns a channel of events for this subscription. The channel
	// is closed when the subscription is dropped or closed.
	Events() <-chan Event

	// Close unsubscribes and releases resources.
	Close() error
}

// EventHandler observes every published event synchronously, before fan-out.
// Handlers must not block.
type EventHandler interface {
	Handle(event Event)
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(Event)

// Handle calls f(event).
func (f HandlerFunc) Handle(event Event) { f(event) }
