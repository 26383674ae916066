package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/petal-labs/reelflow/core"
	"github.com/petal-labs/reelflow/pipeline"
	"github.com/petal-labs/reelflow/store"
)

// SubmitVideoRequest is the body of POST /api/videos.
type SubmitVideoRequest struct {
	Prompt          string      `json:"prompt"`
	DurationSeconds int         `json:"duration_seconds"`
	Aspect          core.Aspect `json:"screen_aspect,omitempty"`
	Language        string      `json:"language,omitempty"`
	Notes           string      `json:"notes,omitempty"`
	References      []int64     `json:"references,omitempty" validate:"omitempty,dive,gt=0"`
}

// SubmitVideoResponse is returned by POST /api/videos.
type SubmitVideoResponse struct {
	VideoID        int64    `json:"video_id"`
	Message        string   `json:"message"`
	DispatchErrors []string `json:"dispatch_errors,omitempty"`
}

type approveScriptRequest struct {
	Script *string `json:"script,omitempty"`
}

type regenerateScriptRequest struct {
	Language string `json:"language,omitempty"`
}

type referencesRequest struct {
	References []int64 `json:"references" validate:"dive,gt=0"`
}

type referencesResponse struct {
	VideoID    int64   `json:"video_id"`
	References []int64 `json:"references"`
}

func (s *Server) handleSubmitVideo(w http.ResponseWriter, r *http.Request) {
	var req SubmitVideoRequest
	if !readJSON(w, r, &req, false) {
		return
	}
	out, err := s.ctrl.Submit(r.Context(), pipeline.SubmitRequest{
		Prompt:          req.Prompt,
		DurationSeconds: req.DurationSeconds,
		Aspect:          req.Aspect,
		Language:        req.Language,
		Notes:           req.Notes,
		References:      req.References,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := SubmitVideoResponse{VideoID: out.Video.ID, Message: "script generation started"}
	for _, derr := range out.DispatchErrors {
		resp.DispatchErrors = append(resp.DispatchErrors, derr.Error())
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListVideos(w http.ResponseWriter, r *http.Request) {
	var filter store.VideoFilter
	if raw := strings.TrimSpace(r.URL.Query().Get("stage")); raw != "" {
		stage := core.Stage(raw)
		if !stage.Valid() {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", fmt.Sprintf("unknown stage %q", raw))
			return
		}
		filter.Stages = []core.Stage{stage}
	}
	videos, err := s.store.ListVideos(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if videos == nil {
		videos = []core.Video{}
	}
	writeJSON(w, http.StatusOK, videos)
}

func (s *Server) handleGetVideo(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	v, err := s.store.GetVideo(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleApproveScript(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req approveScriptRequest
	if !readJSON(w, r, &req, true) {
		return
	}
	out, err := s.ctrl.ApproveScript(r.Context(), id, req.Script)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.writeOutcome(w, http.StatusAccepted, "video generation started", out)
}

func (s *Server) handleRegenerateScript(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req regenerateScriptRequest
	if !readJSON(w, r, &req, true) {
		return
	}
	out, err := s.ctrl.RegenerateScript(r.Context(), id, req.Language)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.writeOutcome(w, http.StatusAccepted, "script regeneration started", out)
}

func (s *Server) handleApproveRender(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	out, err := s.ctrl.ApproveRender(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.writeOutcome(w, http.StatusOK, "video approved", out)
}

func (s *Server) handleRegenerateRender(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	out, err := s.ctrl.RegenerateRender(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.writeOutcome(w, http.StatusAccepted, "video regeneration started", out)
}

func (s *Server) handleListReferences(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetVideo(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	refs, err := s.store.References(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if refs == nil {
		refs = []int64{}
	}
	writeJSON(w, http.StatusOK, referencesResponse{VideoID: id, References: refs})
}

func (s *Server) handleReplaceReferences(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req referencesRequest
	if !readJSON(w, r, &req, false) {
		return
	}
	out, err := s.ctrl.ReplaceReferences(r.Context(), id, req.References)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.writeOutcome(w, http.StatusOK, "references updated", out)
}

func (s *Server) handleListVideoArtifacts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetVideo(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	s.listArtifacts(w, r, store.ArtifactFilter{VideoID: id})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.Summary(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleListDispatches(w http.ResponseWriter, r *http.Request) {
	videoID, ok := queryID(w, r, "video_id")
	if !ok {
		return
	}
	records, err := s.store.ListDispatches(r.Context(), store.DispatchFilter{VideoID: videoID})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if records == nil {
		records = []core.DispatchRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}
