package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/petal-labs/reelflow/core"
	"github.com/petal-labs/reelflow/pipeline"
	"github.com/petal-labs/reelflow/store"
)

type approveTitleRequest struct {
	Title *string `json:"title,omitempty"`
}

type approveTagsRequest struct {
	Tags *string `json:"tags,omitempty"`
}

// ApproveAndUploadRequest is the body of POST /api/artifacts/{id}/approve-and-upload.
type ApproveAndUploadRequest struct {
	Platform    string `json:"platform" validate:"required"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Tags        string `json:"tags,omitempty"`
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	videoID, ok := queryID(w, r, "video_id")
	if !ok {
		return
	}
	filter := store.ArtifactFilter{VideoID: videoID}
	if raw := strings.TrimSpace(r.URL.Query().Get("publish_state")); raw != "" {
		state := core.PublishState(raw)
		if !state.Valid() {
			writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", fmt.Sprintf("unknown publish_state %q", raw))
			return
		}
		filter.States = []core.PublishState{state}
	}
	s.listArtifacts(w, r, filter)
}

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request, filter store.ArtifactFilter) {
	artifacts, err := s.store.ListArtifacts(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if artifacts == nil {
		artifacts = []core.PublishedArtifact{}
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	a, err := s.store.GetArtifact(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// generateHandler adapts a lane generation operation to a route.
func (s *Server) generateHandler(message string, op func(context.Context, int64) (pipeline.Outcome, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		out, err := op(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		s.writeOutcome(w, http.StatusAccepted, message, out)
	}
}

func (s *Server) handleGenerateTitle(w http.ResponseWriter, r *http.Request) {
	s.generateHandler("title generation started", s.ctrl.GenerateTitle)(w, r)
}

func (s *Server) handleGenerateTags(w http.ResponseWriter, r *http.Request) {
	s.generateHandler("tags generation started", s.ctrl.GenerateTags)(w, r)
}

func (s *Server) handleGenerateDescription(w http.ResponseWriter, r *http.Request) {
	s.generateHandler("description generation started", s.ctrl.GenerateDescription)(w, r)
}

func (s *Server) handleApproveTitle(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req approveTitleRequest
	if !readJSON(w, r, &req, true) {
		return
	}
	out, err := s.ctrl.ApproveTitle(r.Context(), id, req.Title)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.writeOutcome(w, http.StatusOK, "title approved and tags generation started", out)
}

func (s *Server) handleApproveTags(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req approveTagsRequest
	if !readJSON(w, r, &req, true) {
		return
	}
	out, err := s.ctrl.ApproveTags(r.Context(), id, req.Tags)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.writeOutcome(w, http.StatusOK, "tags approved and description generation started", out)
}

func (s *Server) handleApproveAndUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req ApproveAndUploadRequest
	if !readJSON(w, r, &req, false) {
		return
	}
	out, err := s.ctrl.ApproveDescriptionAndPublish(r.Context(), id, pipeline.PublishRequest{
		Platform:    req.Platform,
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.writeOutcome(w, http.StatusAccepted, "publishing started", out)
}
