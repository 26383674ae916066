package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/petal-labs/reelflow/core"
)

type recordingRecorder struct {
	mu   sync.Mutex
	recs []core.DispatchRecord
}

func (r *recordingRecorder) RecordDispatch(_ context.Context, rec *core.DispatchRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, *rec)
	return nil
}

type recordingObserver struct {
	mu  sync.Mutex
	obs []Observation
}

func (o *recordingObserver) ObserveDispatch(_ context.Context, obs Observation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.obs = append(o.obs, obs)
}

func TestHTTPDispatcher_SendsJob(t *testing.T) {
	var (
		gotAuth string
		gotBody map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	rec := &recordingRecorder{}
	obs := &recordingObserver{}
	d := NewHTTPDispatcher(HTTPDispatcherConfig{
		Endpoints:       map[Kind]string{KindScript: srv.URL + "/script"},
		CallbackBaseURL: "https://reelflow.example.com/",
		Token:           "worker-token",
		Recorder:        rec,
		Observer:        obs,
	})

	err := d.Dispatch(context.Background(), Job{
		Kind:    KindScript,
		VideoID: 12,
		Payload: map[string]any{"prompt": "a cat", "duration": 90},
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if gotAuth != "Bearer worker-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotBody["prompt"] != "a cat" || gotBody["video_id"] != float64(12) {
		t.Errorf("body = %v", gotBody)
	}
	if gotBody["callback_url"] != "https://reelflow.example.com/api/webhooks/callbacks/script" {
		t.Errorf("callback_url = %v", gotBody["callback_url"])
	}
	if id, _ := gotBody["job_id"].(string); id == "" {
		t.Errorf("job_id missing: %v", gotBody)
	}
	if _, ok := gotBody["artifact_id"]; ok {
		t.Errorf("artifact_id should be omitted for video jobs")
	}

	if len(rec.recs) != 1 || !rec.recs[0].OK || rec.recs[0].Kind != "script" || rec.recs[0].VideoID != 12 {
		t.Fatalf("recorded = %+v", rec.recs)
	}
	if len(obs.obs) != 1 || obs.obs[0].StatusCode != http.StatusAccepted || obs.obs[0].Err != nil {
		t.Fatalf("observed = %+v", obs.obs)
	}
}

func TestHTTPDispatcher_WorkerRejects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := &recordingRecorder{}
	d := NewHTTPDispatcher(HTTPDispatcherConfig{
		Endpoints: map[Kind]string{KindUpload: srv.URL},
		Recorder:  rec,
	})

	err := d.Dispatch(context.Background(), Job{Kind: KindUpload, VideoID: 3, ArtifactID: 9})
	var dispatchErr *core.DispatchError
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("Dispatch err = %v, want DispatchError", err)
	}
	if dispatchErr.Status != http.StatusServiceUnavailable || dispatchErr.Kind != "upload" {
		t.Fatalf("DispatchError = %+v", dispatchErr)
	}

	if len(rec.recs) != 1 || rec.recs[0].OK || rec.recs[0].Error == "" {
		t.Fatalf("recorded = %+v", rec.recs)
	}
	if rec.recs[0].ArtifactID == nil || *rec.recs[0].ArtifactID != 9 {
		t.Fatalf("artifact id not recorded: %+v", rec.recs[0])
	}
}

func TestHTTPDispatcher_EndpointNotConfigured(t *testing.T) {
	rec := &recordingRecorder{}
	d := NewHTTPDispatcher(HTTPDispatcherConfig{Recorder: rec})

	err := d.Dispatch(context.Background(), Job{Kind: KindRender, VideoID: 1})
	if !core.IsDispatch(err) || !errors.Is(err, ErrEndpointNotConfigured) {
		t.Fatalf("Dispatch err = %v, want endpoint not configured", err)
	}
	if len(rec.recs) != 1 || rec.recs[0].OK {
		t.Fatalf("failed attempt should still be recorded: %+v", rec.recs)
	}
}

func TestHTTPDispatcher_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	d := NewHTTPDispatcher(HTTPDispatcherConfig{Endpoints: map[Kind]string{KindTitle: url}})
	if err := d.Dispatch(context.Background(), Job{Kind: KindTitle, VideoID: 1, ArtifactID: 2}); !core.IsDispatch(err) {
		t.Fatalf("Dispatch err = %v, want DispatchError", err)
	}
}

func TestMemoryDispatcher(t *testing.T) {
	m := NewMemoryDispatcher()
	ctx := context.Background()

	_ = m.Dispatch(ctx, Job{Kind: KindTitle, VideoID: 1})
	_ = m.Dispatch(ctx, Job{Kind: KindTags, VideoID: 1})

	m.FailKind(KindTags, errors.New("down"))
	if err := m.Dispatch(ctx, Job{Kind: KindTags, VideoID: 1}); !core.IsDispatch(err) {
		t.Fatalf("FailKind dispatch err = %v", err)
	}
	if got := len(m.JobsOf(KindTags)); got != 1 {
		t.Fatalf("JobsOf(tags) = %d, want 1", got)
	}
	if got := len(m.Jobs()); got != 2 {
		t.Fatalf("Jobs() = %d, want 2", got)
	}

	m.FailKind(KindTags, nil)
	m.Reset()
	if err := m.Dispatch(ctx, Job{Kind: KindTags}); err != nil {
		t.Fatalf("cleared failure still fails: %v", err)
	}
	if got := len(m.Jobs()); got != 1 {
		t.Fatalf("Jobs() after reset = %d", got)
	}
}

func TestCallbackPath(t *testing.T) {
	for _, k := range Kinds {
		if got, want := CallbackPath(k), "/api/webhooks/callbacks/"+string(k); got != want {
			t.Errorf("CallbackPath(%s) = %q, want %q", k, got, want)
		}
	}
}
