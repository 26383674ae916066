package server

import (
	"context"
	"net/http"

	"github.com/petal-labs/reelflow/core"
	"github.com/petal-labs/reelflow/pipeline"
)

// Callback payloads accept the field names older workers send
// (preview_url, duration_actual_seconds, status, platform_video_id,
// error_message) alongside the canonical ones.

// ScriptCallbackRequest is posted by the script worker.
type ScriptCallbackRequest struct {
	VideoID int64  `json:"video_id" validate:"required,gt=0"`
	Script  string `json:"script" validate:"required"`
}

// RenderCallbackRequest is posted by the render worker.
type RenderCallbackRequest struct {
	VideoID               int64   `json:"video_id" validate:"required,gt=0"`
	PreviewURI            *string `json:"preview_uri,omitempty"`
	PreviewURL            *string `json:"preview_url,omitempty"`
	ActualDuration        *int    `json:"actual_duration,omitempty" validate:"omitempty,gte=0"`
	DurationActualSeconds *int    `json:"duration_actual_seconds,omitempty" validate:"omitempty,gte=0"`
	FileSize              *int64  `json:"file_size,omitempty" validate:"omitempty,gte=0"`
}

// LaneCallbackRequest is posted by the title, tags and description workers.
// Only the field matching the lane is read.
type LaneCallbackRequest struct {
	VideoID     int64  `json:"video_id" validate:"required,gt=0"`
	ArtifactID  int64  `json:"artifact_id,omitempty" validate:"gte=0"`
	Title       string `json:"title,omitempty"`
	Tags        string `json:"tags,omitempty"`
	Description string `json:"description,omitempty"`
}

// UploadCallbackRequest is posted by the upload worker.
type UploadCallbackRequest struct {
	ArtifactID      int64   `json:"artifact_id" validate:"required,gt=0"`
	VideoID         int64   `json:"video_id,omitempty" validate:"gte=0"`
	Platform        string  `json:"platform" validate:"required"`
	PublishState    string  `json:"publish_state,omitempty"`
	Status          string  `json:"status,omitempty"`
	ExternalID      *string `json:"external_id,omitempty"`
	PlatformVideoID *string `json:"platform_video_id,omitempty"`
	URL             *string `json:"url,omitempty" validate:"omitempty,url"`
	Error           *string `json:"error,omitempty"`
	ErrorMessage    *string `json:"error_message,omitempty"`
}

type callbackResponse struct {
	Success bool   `json:"success"`
	Ignored bool   `json:"ignored,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// writeCallbackResult answers a worker. Stale callbacks are acknowledged so
// the worker does not retry them.
func (s *Server) writeCallbackResult(w http.ResponseWriter, kind string, out pipeline.Outcome, err error) {
	if err != nil {
		s.logger.Warn("callback rejected", "callback", kind, "error", err)
		writeDomainError(w, err)
		return
	}
	if out.Ignored {
		s.logger.Warn("stale callback ignored", "callback", kind, "reason", out.IgnoredReason)
		writeJSON(w, http.StatusOK, callbackResponse{Success: true, Ignored: true, Reason: out.IgnoredReason})
		return
	}
	writeJSON(w, http.StatusOK, callbackResponse{Success: true})
}

func (s *Server) handleScriptCallback(w http.ResponseWriter, r *http.Request) {
	var req ScriptCallbackRequest
	if !readJSON(w, r, &req, false) {
		return
	}
	out, err := s.ctrl.ScriptCallback(r.Context(), req.VideoID, req.Script)
	s.writeCallbackResult(w, "script", out, err)
}

func (s *Server) handleRenderCallback(w http.ResponseWriter, r *http.Request) {
	var req RenderCallbackRequest
	if !readJSON(w, r, &req, false) {
		return
	}
	out, err := s.ctrl.RenderCallback(r.Context(), pipeline.RenderResult{
		VideoID:        req.VideoID,
		PreviewURI:     firstSet(req.PreviewURI, req.PreviewURL),
		DurationActual: firstSet(req.ActualDuration, req.DurationActualSeconds),
		FileSizeBytes:  req.FileSize,
	})
	s.writeCallbackResult(w, "render", out, err)
}

// laneCallback adapts a lane completion operation to a route.
func (s *Server) laneCallback(kind core.Lane, op func(context.Context, pipeline.LaneResult) (pipeline.Outcome, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LaneCallbackRequest
		if !readJSON(w, r, &req, false) {
			return
		}
		res := pipeline.LaneResult{VideoID: req.VideoID, ArtifactID: req.ArtifactID}
		switch kind {
		case core.LaneTitle:
			res.Text = req.Title
		case core.LaneTags:
			res.Text = req.Tags
		case core.LaneDescription:
			res.Text = req.Description
		}
		out, err := op(r.Context(), res)
		s.writeCallbackResult(w, string(kind), out, err)
	}
}

func (s *Server) handleTitleCallback(w http.ResponseWriter, r *http.Request) {
	s.laneCallback(core.LaneTitle, s.ctrl.TitleCallback)(w, r)
}

func (s *Server) handleTagsCallback(w http.ResponseWriter, r *http.Request) {
	s.laneCallback(core.LaneTags, s.ctrl.TagsCallback)(w, r)
}

func (s *Server) handleDescriptionCallback(w http.ResponseWriter, r *http.Request) {
	s.laneCallback(core.LaneDescription, s.ctrl.DescriptionCallback)(w, r)
}

func (s *Server) handleUploadCallback(w http.ResponseWriter, r *http.Request) {
	var req UploadCallbackRequest
	if !readJSON(w, r, &req, false) {
		return
	}
	state := req.PublishState
	if state == "" {
		state = req.Status
	}
	out, err := s.ctrl.UploadCallback(r.Context(), pipeline.UploadResult{
		ArtifactID: req.ArtifactID,
		VideoID:    req.VideoID,
		Platform:   req.Platform,
		State:      core.PublishState(state),
		ExternalID: firstSet(req.ExternalID, req.PlatformVideoID),
		URL:        req.URL,
		Error:      firstSet(req.Error, req.ErrorMessage),
	})
	s.writeCallbackResult(w, "upload", out, err)
}

func firstSet[T any](values ...*T) *T {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
