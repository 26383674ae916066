// Package core provides the foundational types for reelflow production pipelines.
//
// This package contains:
//   - Entities: Video, PublishedArtifact, CatalogItem, DispatchRecord
//   - Enumerations: Stage, LaneState, PublishState, Platform, Aspect
//   - The error taxonomy shared by the store, controller and HTTP layers
package core

import (
	"slices"
	"strings"
	"time"
)

// Stage is the position of a Video in its production state machine.
type Stage string

const (
	StageAwaitingScript       Stage = "awaiting_script"
	StageScriptReady          Stage = "script_ready"
	StageRendering            Stage = "rendering"
	StageRenderReadyForReview Stage = "render_ready_for_review"
	StageRenderApproved       Stage = "render_approved"
)

// Stages lists every stage in pipeline order.
var Stages = []Stage{
	StageAwaitingScript,
	StageScriptReady,
	StageRendering,
	StageRenderReadyForReview,
	StageRenderApproved,
}

// String returns the string representation of the Stage.
func (s Stage) String() string {
	return string(s)
}

// Valid reports whether s is one of the defined stages.
func (s Stage) Valid() bool {
	return slices.Contains(Stages, s)
}

// PreRender reports whether the render job has not been dispatched yet.
func (s Stage) PreRender() bool {
	return s == StageAwaitingScript || s == StageScriptReady
}

// Terminal reports whether no further video transition is possible.
func (s Stage) Terminal() bool {
	return s == StageRenderApproved
}

// InFlight reports whether the stage is waiting on an external worker.
func (s Stage) InFlight() bool {
	return s == StageAwaitingScript || s == StageRendering
}

var stageEdges = map[Stage][]Stage{
	StageAwaitingScript:       {StageScriptReady, StageAwaitingScript},
	StageScriptReady:          {StageScriptReady, StageAwaitingScript, StageRendering},
	StageRendering:            {StageRenderReadyForReview},
	StageRenderReadyForReview: {StageRenderReadyForReview, StageRendering, StageRenderApproved},
}

// CanTransition reports whether from -> to is a documented edge.
func CanTransition(from, to Stage) bool {
	return slices.Contains(stageEdges[from], to)
}

// LaneState is the approval state of one publication lane (title, tags, description).
type LaneState string

const (
	LanePending   LaneState = "pending"
	LaneGenerated LaneState = "generated"
	LaneApproved  LaneState = "approved"
)

// Lane names one of the three publication lanes.
type Lane string

const (
	LaneTitle       Lane = "title"
	LaneTags        Lane = "tags"
	LaneDescription Lane = "description"
)

// PublishState tracks one artifact through review and upload.
type PublishState string

const (
	PublishAwaitingReview PublishState = "awaiting_review"
	PublishUploading      PublishState = "uploading"
	PublishPublished      PublishState = "published"
	PublishFailed         PublishState = "failed"
)

// PublishStates lists every publish state.
var PublishStates = []PublishState{
	PublishAwaitingReview,
	PublishUploading,
	PublishPublished,
	PublishFailed,
}

// Valid reports whether p is a defined publish state.
func (p PublishState) Valid() bool {
	return slices.Contains(PublishStates, p)
}

// Platform is a distribution target.
type Platform string

const (
	PlatformYouTube   Platform = "youtube"
	PlatformFacebook  Platform = "facebook"
	PlatformTikTok    Platform = "tiktok"
	PlatformInstagram Platform = "instagram"
)

// Platforms lists the supported distribution targets.
var Platforms = []Platform{PlatformYouTube, PlatformFacebook, PlatformTikTok, PlatformInstagram}

// ParsePlatform normalizes and validates a platform name.
func ParsePlatform(raw string) (Platform, bool) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	return p, slices.Contains(Platforms, p)
}

// Aspect is the requested screen aspect of the rendered video.
type Aspect string

const (
	AspectSquare     Aspect = "1:1"
	AspectPortrait   Aspect = "9:16"
	AspectLandscape  Aspect = "16:9"
	AspectFeed       Aspect = "4:5"
	AspectFullScreen Aspect = "full"
)

// DefaultAspect is used when a submission does not name one.
const DefaultAspect = AspectLandscape

// Aspects lists the supported aspects.
var Aspects = []Aspect{AspectSquare, AspectPortrait, AspectLandscape, AspectFeed, AspectFullScreen}

// Valid reports whether a is a supported aspect.
func (a Aspect) Valid() bool {
	return slices.Contains(Aspects, a)
}

// Languages the script generator accepts.
var Languages = []string{
	"English", "Spanish", "French", "German", "Italian", "Portuguese", "Russian", "Urdu", "Arabic",
	"Japanese", "Korean", "Chinese", "Indonesian", "Vietnamese", "Thai", "Dutch", "Turkish",
	"Polish", "Ukrainian", "Swedish", "Czech", "Danish", "Finnish", "Norwegian", "Romanian",
	"Greek", "Hungarian", "Hebrew",
}

// ValidLanguage reports whether lang is an accepted script language.
func ValidLanguage(lang string) bool {
	return slices.Contains(Languages, lang)
}

// Video is one video production effort.
type Video struct {
	ID                int64     `json:"id"`
	Prompt            string    `json:"prompt"`
	DurationRequested int       `json:"duration_requested"`
	DurationActual    *int      `json:"duration_actual,omitempty"`
	FileSizeBytes     *int64    `json:"file_size_bytes,omitempty"`
	Aspect            Aspect    `json:"screen_aspect"`
	Language          string    `json:"language"`
	Notes             string    `json:"notes,omitempty"`
	Script            string    `json:"script"`
	PreviewURI        *string   `json:"preview_uri,omitempty"`
	Stage             Stage     `json:"stage"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// HasPreview reports whether a rendered preview is attached.
func (v Video) HasPreview() bool {
	return v.PreviewURI != nil && strings.TrimSpace(*v.PreviewURI) != ""
}

// PublishedArtifact is one publication round for a Video.
type PublishedArtifact struct {
	ID                    int64        `json:"id"`
	VideoID               int64        `json:"video_id"`
	Title                 string       `json:"title"`
	TitleStage            LaneState    `json:"title_stage"`
	Description           string       `json:"description"`
	DescriptionStage      LaneState    `json:"description_stage"`
	Tags                  string       `json:"tags"`
	TagsStage             LaneState    `json:"tags_stage"`
	TagsRegenerationCount int          `json:"tags_regeneration_count"`
	TargetPlatform        *Platform    `json:"target_platform,omitempty"`
	PublishState          PublishState `json:"publish_state"`
	ExternalPlatformID    *string      `json:"external_platform_id,omitempty"`
	ExternalURL           *string      `json:"external_url,omitempty"`
	UploadError           *string      `json:"upload_error,omitempty"`
	UploadedAt            *time.Time   `json:"uploaded_at,omitempty"`
	CreatedAt             time.Time    `json:"created_at"`
	UpdatedAt             time.Time    `json:"updated_at"`
}

// OnPlatform reports whether the artifact targets p.
func (a PublishedArtifact) OnPlatform(p Platform) bool {
	return a.TargetPlatform != nil && *a.TargetPlatform == p
}

// Occupies reports whether the artifact holds its platform slot
// (uploading or published).
func (a PublishedArtifact) Occupies() bool {
	return a.PublishState == PublishUploading || a.PublishState == PublishPublished
}

// CatalogItem is read-only grounding context owned by the catalog collaborator.
type CatalogItem struct {
	ID          int64          `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Company     string         `json:"company_name,omitempty" yaml:"company,omitempty"`
	Category    string         `json:"category_name,omitempty" yaml:"category,omitempty"`
	Subcategory string         `json:"subcategory_name,omitempty" yaml:"subcategory,omitempty"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Attributes  map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
}

// DispatchRecord is one observed attempt to send a job to an external worker.
type DispatchRecord struct {
	ID           int64     `json:"id"`
	JobID        string    `json:"job_id"`
	Kind         string    `json:"kind"`
	VideoID      int64     `json:"video_id"`
	ArtifactID   *int64    `json:"artifact_id,omitempty"`
	Endpoint     string    `json:"endpoint"`
	OK           bool      `json:"ok"`
	Error        string    `json:"error,omitempty"`
	DispatchedAt time.Time `json:"dispatched_at"`
}
