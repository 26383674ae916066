//go:build integration

// Package integration runs the whole pipeline against real databases and
// fake workers reached over HTTP. These tests are excluded from normal
// `go test ./...` runs:
//
//	go test -tags=integration ./tests/integration/... -v -count=1
//
// The Postgres variant needs REELFLOW_TEST_POSTGRES_DSN.
package integration

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/petal-labs/reelflow/bus"
	"github.com/petal-labs/reelflow/dispatch"
	"github.com/petal-labs/reelflow/pipeline"
	"github.com/petal-labs/reelflow/server"
	"github.com/petal-labs/reelflow/store"
)

const callbackSecret = "integration-secret"

// isCI returns true when running inside a CI environment.
func isCI() bool {
	for _, key := range []string{"CI", "GITHUB_ACTIONS", "CIRCLECI", "TRAVIS"} {
		if os.Getenv(key) != "" {
			return true
		}
	}
	return false
}

// skipOrFailOnMissingEnv fatals in CI (secrets should always be present)
// and skips locally (developer may not have a database running).
func skipOrFailOnMissingEnv(t *testing.T, keyName string) {
	t.Helper()
	if isCI() {
		t.Fatalf("required variable %s is not set in CI", keyName)
	}
	t.Skipf("%s not set, skipping integration test", keyName)
}

// postgresConfig returns the store config for the Postgres variant.
func postgresConfig(t *testing.T) store.Config {
	t.Helper()
	dsn := os.Getenv("REELFLOW_TEST_POSTGRES_DSN")
	if dsn == "" {
		skipOrFailOnMissingEnv(t, "REELFLOW_TEST_POSTGRES_DSN")
	}
	return store.Config{Driver: store.DriverPostgres, DSN: dsn}
}

func sqliteConfig(t *testing.T) store.Config {
	t.Helper()
	return store.Config{Driver: store.DriverSQLite, DSN: filepath.Join(t.TempDir(), "reelflow.db")}
}

// worker is a fake content worker. Every job it accepts is answered on the
// job's callback_url by the reply function registered for its kind.
type worker struct {
	t       *testing.T
	client  *resty.Client
	mu      sync.Mutex
	jobs    []map[string]any
	replies map[dispatch.Kind]func(job map[string]any) map[string]any
	wg      sync.WaitGroup
}

func (w *worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	kind := dispatch.Kind(strings.TrimPrefix(r.URL.Path, "/"))
	var job map[string]any
	data, _ := io.ReadAll(r.Body)
	if err := json.Unmarshal(data, &job); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	w.mu.Lock()
	w.jobs = append(w.jobs, job)
	reply := w.replies[kind]
	w.mu.Unlock()

	rw.WriteHeader(http.StatusAccepted)
	if reply == nil {
		return
	}
	callbackURL, _ := job["callback_url"].(string)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		resp, err := w.client.R().
			SetHeader(server.CallbackTokenHeader, callbackSecret).
			SetBody(reply(job)).
			Post(callbackURL)
		if err != nil {
			w.t.Errorf("%s callback: %v", kind, err)
			return
		}
		if resp.StatusCode() != http.StatusOK {
			w.t.Errorf("%s callback: status %d: %s", kind, resp.StatusCode(), resp.String())
		}
	}()
}

func (w *worker) jobCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.jobs)
}

// stack is a running reelflow server wired to a fake worker.
type stack struct {
	api    *httptest.Server
	worker *worker
	store  *store.SQLStore
	client *resty.Client
}

func newStack(t *testing.T, cfg store.Config, replies map[dispatch.Kind]func(map[string]any) map[string]any) *stack {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	w := &worker{t: t, client: resty.New(), replies: replies}
	workerSrv := httptest.NewServer(w)
	t.Cleanup(workerSrv.Close)

	var handler http.Handler
	api := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(rw, r)
	}))

	endpoints := make(map[dispatch.Kind]string, len(dispatch.Kinds))
	for _, kind := range dispatch.Kinds {
		endpoints[kind] = workerSrv.URL + "/" + string(kind)
	}
	eb := bus.NewMemBus(bus.MemBusConfig{Logger: logger})
	ctrl, err := pipeline.NewController(pipeline.Config{
		Store: st,
		Dispatcher: dispatch.NewHTTPDispatcher(dispatch.HTTPDispatcherConfig{
			Endpoints:       endpoints,
			CallbackBaseURL: api.URL,
			Timeout:         5 * time.Second,
			Recorder:        st,
			Logger:          logger,
		}),
		Bus:    eb,
		Logger: logger,
	})
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	handler = server.NewServer(server.ServerConfig{
		Controller:     ctrl,
		Bus:            eb,
		CallbackSecret: callbackSecret,
		Logger:         logger,
	}).Handler()

	// Callbacks in flight must finish before the server goes away.
	t.Cleanup(func() {
		w.wg.Wait()
		_ = eb.Close()
		api.Close()
	})

	return &stack{api: api, worker: w, store: st, client: resty.New().SetBaseURL(api.URL)}
}

// post sends an operator request and fails the test unless the status matches.
func (s *stack) post(t *testing.T, path string, body any, want int) map[string]any {
	t.Helper()
	var out map[string]any
	req := s.client.R().SetResult(&out).SetError(&out)
	if body != nil {
		req.SetBody(body)
	}
	resp, err := req.Post(path)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	if resp.StatusCode() != want {
		t.Fatalf("POST %s: status %d, want %d: %s", path, resp.StatusCode(), want, resp.String())
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
