package sse_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/reelflow/bus"
	"github.com/petal-labs/reelflow/sse"
)

// sseMessage represents a parsed SSE message from the stream.
type sseMessage struct {
	ID    string
	Event string
	Data  string
}

// parseSSEMessages reads SSE messages from the response body string.
func parseSSEMessages(body string) []sseMessage {
	var msgs []sseMessage
	scanner := bufio.NewScanner(strings.NewReader(body))

	var current sseMessage
	for scanner.Scan() {
		line := scanner.Text()

		if line == "" {
			// Empty line = end of message.
			if current.ID != "" || current.Event != "" || current.Data != "" {
				msgs = append(msgs, current)
				current = sseMessage{}
			}
			continue
		}

		if strings.HasPrefix(line, ": ") {
			// Comment line (heartbeat).
			continue
		}

		if strings.HasPrefix(line, "id: ") {
			current.ID = strings.TrimPrefix(line, "id: ")
		} else if strings.HasPrefix(line, "event: ") {
			current.Event = strings.TrimPrefix(line, "event: ")
		} else if strings.HasPrefix(line, "data: ") {
			current.Data = strings.TrimPrefix(line, "data: ")
		}
	}

	return msgs
}

func setupTestServer(cfg sse.HandlerConfig) *httptest.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /api/stream", sse.NewSSEHandler(cfg))
	return httptest.NewServer(mux)
}

// waitForSubscribers blocks until the bus has n observers attached.
func waitForSubscribers(t *testing.T, eb *bus.MemBus, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for eb.Len() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d subscribers, have %d", n, eb.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// openStream starts a streaming request and returns a channel with the full
// body once the stream ends.
func openStream(t *testing.T, ctx context.Context, url string) <-chan string {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	out := make(chan string, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			out <- ""
			return
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		out <- string(body)
	}()
	return out
}

func TestSSEHandler_StreamsConnectedThenLiveEvents(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	ts := setupTestServer(sse.HandlerConfig{Bus: eb})
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bodyCh := openStream(t, ctx, ts.URL+"/api/stream")

	waitForSubscribers(t, eb, 1)
	eb.Publish(bus.NewEvent(bus.EventVideoCreated, map[string]any{"video_id": 7}))
	eb.Publish(bus.NewEvent(bus.EventScriptGenerated, map[string]any{"video_id": 7, "script": "Intro..."}))
	_ = eb.Close()

	msgs := parseSSEMessages(<-bodyCh)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Event != "connected" {
		t.Fatalf("first event = %s, want connected", msgs[0].Event)
	}
	if msgs[1].Event != "video_created" || msgs[1].ID != "1" {
		t.Fatalf("second message = %+v", msgs[1])
	}
	if msgs[2].Event != "script_generated" || msgs[2].ID != "2" {
		t.Fatalf("third message = %+v", msgs[2])
	}

	var parsed struct {
		Type      string         `json:"type"`
		Data      map[string]any `json:"data"`
		Timestamp int64          `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(msgs[2].Data), &parsed); err != nil {
		t.Fatalf("failed to parse data JSON: %v", err)
	}
	if parsed.Type != "script_generated" || parsed.Data["script"] != "Intro..." || parsed.Timestamp <= 0 {
		t.Fatalf("parsed = %+v", parsed)
	}
}

func TestSSEHandler_Headers(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	ts := setupTestServer(sse.HandlerConfig{Bus: eb})
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected Content-Type text/event-stream, got %s", ct)
	}
	if cc := resp.Header.Get("Cache-Control"); cc != "no-cache" {
		t.Fatalf("expected Cache-Control no-cache, got %s", cc)
	}
	_ = eb.Close()
}

func TestSSEHandler_EveryObserverReceivesEveryEvent(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	ts := setupTestServer(sse.HandlerConfig{Bus: eb})
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first := openStream(t, ctx, ts.URL+"/api/stream")
	second := openStream(t, ctx, ts.URL+"/api/stream")

	waitForSubscribers(t, eb, 2)
	eb.Publish(bus.NewEvent(bus.EventUploadStarted, map[string]any{"artifact_id": 1}))
	_ = eb.Close()

	for i, ch := range []<-chan string{first, second} {
		msgs := parseSSEMessages(<-ch)
		if len(msgs) != 2 || msgs[1].Event != "upload_started" {
			t.Fatalf("observer %d got %+v", i, msgs)
		}
	}
}

func TestSSEHandler_ClientDisconnectUnsubscribes(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()
	ts := setupTestServer(sse.HandlerConfig{Bus: eb})
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	bodyCh := openStream(t, ctx, ts.URL+"/api/stream")
	waitForSubscribers(t, eb, 1)

	cancel()
	<-bodyCh

	deadline := time.Now().Add(2 * time.Second)
	for eb.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("subscription not released after disconnect, have %d", eb.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSSEHandler_RejectsUnauthenticated(t *testing.T) {
	eb := bus.NewMemBus(bus.MemBusConfig{})
	defer eb.Close()
	ts := setupTestServer(sse.HandlerConfig{
		Bus: eb,
		Auth: sse.AuthenticatorFunc(func(r *http.Request) error {
			if r.URL.Query().Get("token") != "good" {
				return errors.New("invalid token")
			}
			return nil
		}),
	})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/stream?token=bad")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if eb.Len() != 0 {
		t.Fatal("rejected observer was subscribed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = openStream(t, ctx, ts.URL+"/api/stream?token=good")
	waitForSubscribers(t, eb, 1)
}
