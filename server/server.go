// Package server exposes the reelflow HTTP surface: the operator API, the
// callback gateway used by external workers and the observer stream.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/petal-labs/reelflow/auth"
	"github.com/petal-labs/reelflow/bus"
	"github.com/petal-labs/reelflow/core"
	"github.com/petal-labs/reelflow/pipeline"
	"github.com/petal-labs/reelflow/sse"
	"github.com/petal-labs/reelflow/store"
)

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Controller *pipeline.Controller
	// Store serves the read API. Defaults to the controller's store.
	Store store.Store
	Bus   bus.EventBus
	// Verifier guards operator and observer routes. Nil or a verifier
	// without a secret admits every request.
	Verifier *auth.Verifier
	// CallbackSecret is the shared secret external workers present. Empty
	// disables callback authentication.
	CallbackSecret string
	CORSOrigin     string
	MaxBody        int64
	Logger         *slog.Logger
}

// Server is the reelflow HTTP API server.
type Server struct {
	ctrl           *pipeline.Controller
	store          store.Store
	bus            bus.EventBus
	verifier       *auth.Verifier
	callbackSecret string
	corsOrigin     string
	maxBody        int64
	logger         *slog.Logger
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	st := cfg.Store
	if st == nil && cfg.Controller != nil {
		st = cfg.Controller.Store()
	}
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = auth.NewVerifier(auth.Config{})
	}
	return &Server{
		ctrl:           cfg.Controller,
		store:          st,
		bus:            cfg.Bus,
		verifier:       verifier,
		callbackSecret: strings.TrimSpace(cfg.CallbackSecret),
		corsOrigin:     corsOrigin,
		maxBody:        maxBody,
		logger:         logger,
	}
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the API routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Videos
	mux.HandleFunc("POST /api/videos", s.operator(s.handleSubmitVideo))
	mux.HandleFunc("GET /api/videos", s.operator(s.handleListVideos))
	mux.HandleFunc("GET /api/videos/{id}", s.operator(s.handleGetVideo))
	mux.HandleFunc("POST /api/videos/{id}/approve-script", s.operator(s.handleApproveScript))
	mux.HandleFunc("POST /api/videos/{id}/regenerate-script", s.operator(s.handleRegenerateScript))
	mux.HandleFunc("POST /api/videos/{id}/approve-render", s.operator(s.handleApproveRender))
	mux.HandleFunc("POST /api/videos/{id}/regenerate-render", s.operator(s.handleRegenerateRender))
	mux.HandleFunc("GET /api/videos/{id}/references", s.operator(s.handleListReferences))
	mux.HandleFunc("PUT /api/videos/{id}/references", s.operator(s.handleReplaceReferences))
	mux.HandleFunc("GET /api/videos/{id}/artifacts", s.operator(s.handleListVideoArtifacts))

	// Artifacts
	mux.HandleFunc("GET /api/artifacts", s.operator(s.handleListArtifacts))
	mux.HandleFunc("GET /api/artifacts/{id}", s.operator(s.handleGetArtifact))
	mux.HandleFunc("POST /api/artifacts/{id}/generate-title", s.operator(s.handleGenerateTitle))
	mux.HandleFunc("POST /api/artifacts/{id}/approve-title", s.operator(s.handleApproveTitle))
	mux.HandleFunc("POST /api/artifacts/{id}/generate-tags", s.operator(s.handleGenerateTags))
	mux.HandleFunc("POST /api/artifacts/{id}/approve-tags", s.operator(s.handleApproveTags))
	mux.HandleFunc("POST /api/artifacts/{id}/generate-description", s.operator(s.handleGenerateDescription))
	mux.HandleFunc("POST /api/artifacts/{id}/approve-and-upload", s.operator(s.handleApproveAndUpload))

	// Reporting
	mux.HandleFunc("GET /api/analytics", s.operator(s.handleAnalytics))
	mux.HandleFunc("GET /api/dispatches", s.operator(s.handleListDispatches))

	// Observers
	mux.Handle("GET /api/stream", sse.NewSSEHandler(sse.HandlerConfig{
		Bus:    s.bus,
		Auth:   sse.AuthenticatorFunc(s.authenticateObserver),
		Logger: s.logger,
	}))

	// Callback gateway
	mux.HandleFunc("POST /api/webhooks/callbacks/script", s.callback(s.handleScriptCallback))
	mux.HandleFunc("POST /api/webhooks/callbacks/render", s.callback(s.handleRenderCallback))
	mux.HandleFunc("POST /api/webhooks/callbacks/title", s.callback(s.handleTitleCallback))
	mux.HandleFunc("POST /api/webhooks/callbacks/tags", s.callback(s.handleTagsCallback))
	mux.HandleFunc("POST /api/webhooks/callbacks/description", s.callback(s.handleDescriptionCallback))
	mux.HandleFunc("POST /api/webhooks/callbacks/upload", s.callback(s.handleUploadCallback))
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Callback-Token")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
		},
	}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}

// writeDomainError maps the core error taxonomy onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case core.IsValidation(err):
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case core.IsNotFound(err):
		writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case core.IsPrecondition(err):
		writeError(w, http.StatusBadRequest, "PRECONDITION_FAILED", err.Error())
	case core.IsStorage(err):
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// isMaxBytesError checks if the error is from http.MaxBytesReader.
func isMaxBytesError(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate
)

// requestValidator returns the shared validator. Field errors are reported
// by their JSON names.
func requestValidator() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			if name == "" {
				return f.Name
			}
			return name
		})
		validateInst = v
	})
	return validateInst
}

// readJSON decodes and validates the request body into dst. It writes the
// error response itself and reports whether the handler should continue.
// When optional is set an empty body is accepted as the zero value.
func readJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		switch {
		case isMaxBytesError(err):
			writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds size limit")
			return false
		case errors.Is(err, io.EOF) && optional:
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", "request body is required")
			return false
		default:
			writeError(w, http.StatusBadRequest, "PARSE_ERROR", err.Error())
			return false
		}
	}

	if err := requestValidator().Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			details := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				details = append(details, fmt.Sprintf("%s failed validation for tag '%s'", fe.Field(), fe.Tag()))
			}
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "invalid request body", details...)
			return false
		}
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return false
	}
	return true
}

// pathID parses the {id} path value.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", fmt.Sprintf("invalid id %q", raw))
		return 0, false
	}
	return id, true
}

// queryID parses an optional positive integer query parameter.
func queryID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", fmt.Sprintf("invalid %s %q", name, raw))
		return 0, false
	}
	return id, true
}

// operationResponse is returned by every state-changing operator route.
type operationResponse struct {
	Message        string                  `json:"message"`
	Video          *core.Video             `json:"video,omitempty"`
	Artifact       *core.PublishedArtifact `json:"artifact,omitempty"`
	FollowOn       *core.PublishedArtifact `json:"follow_on,omitempty"`
	DispatchErrors []string                `json:"dispatch_errors,omitempty"`
}

func (s *Server) writeOutcome(w http.ResponseWriter, status int, message string, out pipeline.Outcome) {
	resp := operationResponse{
		Message:  message,
		Video:    out.Video,
		Artifact: out.Artifact,
		FollowOn: out.FollowOn,
	}
	for _, err := range out.DispatchErrors {
		resp.DispatchErrors = append(resp.DispatchErrors, err.Error())
	}
	writeJSON(w, status, resp)
}
