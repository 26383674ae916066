// Package sse provides the Server-Sent Events handler observers attach to.
// Every bus event is forwarded to every connected observer; there is no
// replay, so clients re-fetch authoritative state after the connected event.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/petal-labs/reelflow/bus"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// sseEvent is the JSON-serializable representation of a bus event sent over
// the SSE stream.
type sseEvent struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
}

func toSSEEvent(e bus.Event) sseEvent {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	return sseEvent{
		Type:      e.Type.String(),
		Data:      data,
		Timestamp: e.Time.UnixMilli(),
	}
}

// Authenticator admits or rejects an observer connection.
type Authenticator interface {
	AuthenticateObserver(r *http.Request) error
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) error

// AuthenticateObserver calls f(r).
func (f AuthenticatorFunc) AuthenticateObserver(r *http.Request) error {
	return f(r)
}

// HandlerConfig configures an SSEHandler.
type HandlerConfig struct {
	Bus bus.EventBus
	// Auth is optional; a nil Auth admits every connection.
	Auth   Authenticator
	Logger *slog.Logger
}

// SSEHandler serves the observer stream.
//
// SSE format:
//
//	id: {seq}
//	event: {type}
//	data: {"type":...,"data":{...},"timestamp":<unix ms>}
//
// A heartbeat comment ": ping\n\n" is sent every 15 seconds. The stream ends
// when the client disconnects, the bus drops the observer for falling behind,
// or the bus closes.
type SSEHandler struct {
	bus    bus.EventBus
	auth   Authenticator
	logger *slog.Logger
}

// NewSSEHandler creates a new SSEHandler.
func NewSSEHandler(cfg HandlerConfig) *SSEHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SSEHandler{
		bus:    cfg.Bus,
		auth:   cfg.Auth,
		logger: logger,
	}
}

// ServeHTTP implements http.Handler.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.auth != nil {
		if err := h.auth.AuthenticateObserver(r); err != nil {
			http.Error(w, "unauthorized: "+err.Error(), http.StatusUnauthorized)
			return
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	// Set SSE headers.
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := h.bus.Subscribe()
	defer sub.Close()

	h.logger.Debug("observer connected", "client_id", sub.ID(), "remote", r.RemoteAddr)
	h.stream(r.Context(), w, flusher, sub)
	h.logger.Debug("observer disconnected", "client_id", sub.ID())
}

// stream forwards live events until the request or subscription ends.
func (h *SSEHandler) stream(ctx context.Context, w http.ResponseWriter, flusher http.Flusher, sub bus.Subscription) {
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				// Dropped by the bus or bus closed.
				return
			}
			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, evt bus.Event) error {
	data, err := json.Marshal(toSSEEvent(evt))
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Type, data)
	return err
}
