package bus

import (
	"sync"
	"testing"
	"time"
)

func receive(t *testing.T, sub Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestMemBus_ConnectedFirst(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()

	e := receive(t, sub)
	if e.Type != EventConnected {
		t.Fatalf("first event = %q, want %q", e.Type, EventConnected)
	}
	if e.Data["client_id"] != sub.ID() {
		t.Errorf("client_id = %v, want %q", e.Data["client_id"], sub.ID())
	}
}

func TestMemBus_FanOut(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	subs := []Subscription{b.Subscribe(), b.Subscribe(), b.Subscribe()}
	for _, s := range subs {
		defer s.Close()
		receive(t, s) // connected
	}

	b.Publish(NewEvent(EventScriptGenerated, map[string]any{"video_id": int64(1)}))

	for i, s := range subs {
		e := receive(t, s)
		if e.Type != EventScriptGenerated {
			t.Errorf("sub%d: got %q, want %q", i, e.Type, EventScriptGenerated)
		}
		if e.Data["video_id"] != int64(1) {
			t.Errorf("sub%d: video_id = %v", i, e.Data["video_id"])
		}
	}
}

func TestMemBus_SeqIncreases(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()
	receive(t, sub)

	b.Publish(NewEvent(EventVideoCreated, nil))
	b.Publish(NewEvent(EventScriptGenerated, nil))

	first, second := receive(t, sub), receive(t, sub)
	if first.Seq == 0 || second.Seq <= first.Seq {
		t.Fatalf("seq not increasing: %d, %d", first.Seq, second.Seq)
	}
}

func TestMemBus_LateSubscriberMissesEvents(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	b.Publish(NewEvent(EventVideoCreated, nil))

	sub := b.Subscribe()
	defer sub.Close()
	receive(t, sub) // connected

	select {
	case e := <-sub.Events():
		t.Fatalf("late subscriber received %q", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemBus_SlowObserverDropped(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 2})
	defer b.Close()

	slow := b.Subscribe() // connected fills one slot
	fast := b.Subscribe()
	defer fast.Close()

	for i := 0; i < 3; i++ {
		b.Publish(NewEvent(EventRenderUpdated, nil))
		receive(t, fast)
		if i == 0 {
			receive(t, fast) // connected
		}
	}

	if got := b.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1 after dropping slow observer", got)
	}

	// Drain the slow subscriber; its channel must end closed.
	n := 0
	for range slow.Events() {
		n++
	}
	if n != 2 {
		t.Errorf("slow observer received %d buffered events, want 2", n)
	}
}

func TestMemBus_Unsubscribe(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	sub := b.Subscribe()
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if got := b.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
	b.Publish(NewEvent(EventVideoCreated, nil))
}

func TestMemBus_CloseClosesSubscriptions(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	sub := b.Subscribe()
	receive(t, sub)

	b.Close()

	select {
	case _, ok := <-sub.Events():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after bus Close")
	}

	b.Publish(NewEvent(EventVideoCreated, nil))
	after := b.Subscribe()
	if _, ok := <-after.Events(); ok {
		t.Fatal("subscribe after Close should return a closed subscription")
	}
}

func TestMemBus_HandlersSeeEveryEvent(t *testing.T) {
	var mu sync.Mutex
	var seen []EventType
	b := NewMemBus(MemBusConfig{Handlers: []EventHandler{HandlerFunc(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type)
	})}})
	defer b.Close()

	b.Publish(NewEvent(EventVideoCreated, nil))
	b.Publish(NewEvent(EventVideoApproved, nil))

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 2 || seen[0] != EventVideoCreated || seen[1] != EventVideoApproved {
		t.Fatalf("handler saw %v", seen)
	}
}

func TestMemBus_ConcurrentPublish(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 1024})
	defer b.Close()

	sub := b.Subscribe()
	defer sub.Close()
	receive(t, sub)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				b.Publish(NewEvent(EventUploadUpdate, nil))
			}
		}()
	}
	wg.Wait()

	for i := 0; i < 200; i++ {
		receive(t, sub)
	}
}
