package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber (default: 256).
	SubscriberBufferSize int

	// Handlers observe every event before it is fanned out.
	Handlers []EventHandler

	Logger *slog.Logger
}

// MemBus is an in-memory event bus implementation.
type MemBus struct {
	mu       sync.Mutex
	subs     map[string]*memSub
	handlers []EventHandler
	bufSize  int
	seq      uint64
	closed   bool
	logger   *slog.Logger
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = 256
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MemBus{
		subs:     make(map[string]*memSub),
		handlers: append([]EventHandler(nil), config.Handlers...),
		bufSize:  bufSize,
		logger:   logger,
	}
}

// Publish stamps the event with the next sequence number and sends it to
// every subscriber. A subscriber whose buffer is full is dropped; the
// publisher never blocks. If the bus is closed, the event is silently dropped.
func (b *MemBus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.seq++
	event.Seq = b.seq
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	for _, h := range b.handlers {
		h.Handle(event)
	}

	for id, sub := range b.subs {
		if !sub.send(event) {
			delete(b.subs, id)
			sub.close()
			b.logger.Warn("dropped slow observer", "client_id", id, "event", event.Type)
		}
	}
}

// Subscribe registers a subscriber for all events and queues the synthetic
// connected event on it. Returns a Subscription that must be closed when done.
func (b *MemBus) Subscribe() Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newMemSub(b, uuid.NewString(), b.bufSize)
	if b.closed {
		sub.close()
		return sub
	}
	b.subs[sub.id] = sub
	sub.send(Event{
		Type: EventConnected,
		Time: time.Now(),
		Data: map[string]any{"client_id": sub.id},
	})
	return sub
}

// Len returns the number of attached subscribers.
func (b *MemBus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, sub := range b.subs {
		sub.close()
		delete(b.subs, id)
	}
	return nil
}

func (b *MemBus) unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// memSub is an in-memory subscription.
type memSub struct {
	bus    *MemBus
	id     string
	ch     chan Event
	mu     sync.Mutex
	closed bool
}

func newMemSub(bus *MemBus, id string, bufSize int) *memSub {
	return &memSub{
		bus: bus,
		id:  id,
		ch:  make(chan Event, bufSize),
	}
}

// ID returns the client id of this subscription.
func (s *memSub) ID() string {
	return s.id
}

// Events returns a channel of events for this subscription.
func (s *memSub) Events() <-chan Event {
	return s.ch
}

// Close unsubscribes and releases resources.
func (s *memSub) Close() error {
	s.bus.unsubscribe(s.id)
	s.close()
	return nil
}

// close performs the actual channel close, guarded against double-close.
func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers an event to the subscription's channel. It reports false
// when the channel is full.
func (s *memSub) send(event Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return true
	}

	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
