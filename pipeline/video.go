package pipeline

import (
	"context"
	"strings"

	"github.com/petal-labs/reelflow/bus"
	"github.com/petal-labs/reelflow/core"
	"github.com/petal-labs/reelflow/store"
)

// DefaultLanguage is used when a submission does not name a language.
const DefaultLanguage = "English"

// SubmitRequest is a new video submission.
type SubmitRequest struct {
	Prompt          string
	DurationSeconds int
	Aspect          core.Aspect
	Language        string
	Notes           string
	References      []int64
}

// RenderResult is a render worker's completion report. Nil fields are left
// untouched on the video.
type RenderResult struct {
	VideoID        int64
	PreviewURI     *string
	DurationActual *int
	FileSizeBytes  *int64
}

// Submit creates a video in awaiting_script and dispatches the script job.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (Outcome, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return Outcome{}, core.Invalid("prompt", "must not be empty")
	}
	if req.DurationSeconds <= 0 {
		return Outcome{}, core.Invalid("duration", "must be positive, got %d", req.DurationSeconds)
	}
	aspect := req.Aspect
	if aspect == "" {
		aspect = core.DefaultAspect
	}
	if !aspect.Valid() {
		return Outcome{}, core.Invalid("screen_aspect", "unsupported aspect %q", aspect)
	}
	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = DefaultLanguage
	}
	if !core.ValidLanguage(language) {
		return Outcome{}, core.Invalid("language", "unsupported language %q", language)
	}
	for _, id := range req.References {
		if id <= 0 {
			return Outcome{}, core.Invalid("references", "catalog item ids must be positive")
		}
	}

	return c.run(ctx, "submit", nil, func(ctx context.Context, tx store.Tx, out *Outcome) error {
		v := core.Video{
			Prompt:            prompt,
			DurationRequested: req.DurationSeconds,
			Aspect:            aspect,
			Language:          language,
			Notes:             strings.TrimSpace(req.Notes),
			Stage:             core.StageAwaitingScript,
		}
		if err := tx.InsertVideo(ctx, &v); err != nil {
			return err
		}
		if err := tx.ReplaceReferences(ctx, v.ID, req.References); err != nil {
			return err
		}
		snaps, err := snapshots(ctx, tx, v.ID)
		if err != nil {
			return err
		}

		out.Video = &v
		out.dispatch(scriptJob(v, snaps))
		out.publish(bus.EventVideoCreated, map[string]any{
			"video_id": v.ID,
			"stage":    v.Stage,
			"prompt":   v.Prompt,
		})
		return nil
	})
}

// ScriptCallback stores a generated script and moves the video to
// script_ready. Re-invocation overwrites the script. A callback for a video
// that already left the script stages is ignored.
func (c *Controller) ScriptCallback(ctx context.Context, videoID int64, script string) (Outcome, error) {
	if strings.TrimSpace(script) == "" {
		return Outcome{}, core.Invalid("script", "must not be empty")
	}
	return c.run(ctx, "script_callback", videoAttrs(videoID), func(ctx context.Context, tx store.Tx, out *Outcome) error {
		v, err := tx.Video(ctx, videoID)
		if err != nil {
			return err
		}
		if !v.Stage.PreRender() {
			out.ignore("script callback for video %d in stage %s", v.ID, v.Stage)
			out.Video = &v
			return nil
		}
		if err := transition(&v, core.StageScriptReady); err != nil {
			return err
		}
		v.Script = script
		if err := tx.SaveVideo(ctx, &v); err != nil {
			return err
		}

		out.Video = &v
		out.publish(bus.EventScriptGenerated, map[string]any{
			"video_id": v.ID,
			"script":   v.Script,
		})
		return nil
	})
}

// ApproveScript accepts the script, optionally replacing it with an
// operator edit, moves the video to rendering and dispatches the render job
// with a fresh reference snapshot.
func (c *Controller) ApproveScript(ctx context.Context, videoID int64, editedScript *string) (Outcome, error) {
	return c.run(ctx, "approve_script", videoAttrs(videoID), func(ctx context.Context, tx store.Tx, out *Outcome) error {
		v, err := tx.Video(ctx, videoID)
		if err != nil {
			return err
		}
		if v.Stage != core.StageScriptReady {
			return core.Unmet("approve_script", "video %d is %s, want %s", v.ID, v.Stage, core.StageScriptReady)
		}
		if editedScript != nil && strings.TrimSpace(*editedScript) != "" {
			v.Script = *editedScript
		}
		if strings.TrimSpace(v.Script) == "" {
			return core.Unmet("approve_script", "video %d has an empty script", v.ID)
		}
		if err := transition(&v, core.StageRendering); err != nil {
			return err
		}
		if err := tx.SaveVideo(ctx, &v); err != nil {
			return err
		}
		snaps, err := snapshots(ctx, tx, v.ID)
		if err != nil {
			return err
		}

		out.Video = &v
		out.dispatch(renderJob(v, snaps))
		out.publish(bus.EventScriptApproved, map[string]any{
			"video_id": v.ID,
			"stage":    v.Stage,
		})
		return nil
	})
}

// RegenerateScript clears the script, returns the video to awaiting_script
// and dispatches a new script job. An empty language keeps the current one.
func (c *Controller) RegenerateScript(ctx context.Context, videoID int64, language string) (Outcome, error) {
	language = strings.TrimSpace(language)
	if language != "" && !core.ValidLanguage(language) {
		return Outcome{}, core.Invalid("language", "unsupported language %q", language)
	}
	return c.run(ctx, "regenerate_script", videoAttrs(videoID), func(ctx context.Context, tx store.Tx, out *Outcome) error {
		v, err := tx.Video(ctx, videoID)
		if err != nil {
			return err
		}
		if !v.Stage.PreRender() {
			return core.Unmet("regenerate_script", "video %d is %s; scripts can only be regenerated before rendering", v.ID, v.Stage)
		}
		if err := transition(&v, core.StageAwaitingScript); err != nil {
			return err
		}
		if language != "" {
			v.Language = language
		}
		v.Script = ""
		if err := tx.SaveVideo(ctx, &v); err != nil {
			return err
		}
		snaps, err := snapshots(ctx, tx, v.ID)
		if err != nil {
			return err
		}

		out.Video = &v
		out.dispatch(scriptJob(v, snaps))
		out.publish(bus.EventScriptRegenerating, map[string]any{
			"video_id": v.ID,
			"language": v.Language,
		})
		return nil
	})
}

// RenderCallback applies a render report. Duration and file size are
// written whenever present; the video only moves to render_ready_for_review
// when a preview is supplied. A report for a video that is not rendering or
// in review is ignored.
func (c *Controller) RenderCallback(ctx context.Context, res RenderResult) (Outcome, error) {
	if res.DurationActual != nil && *res.DurationActual < 0 {
		return Outcome{}, core.Invalid("duration_actual", "must not be negative")
	}
	if res.FileSizeBytes != nil && *res.FileSizeBytes < 0 {
		return Outcome{}, core.Invalid("file_size", "must not be negative")
	}
	return c.run(ctx, "render_callback", videoAttrs(res.VideoID), func(ctx context.Context, tx store.Tx, out *Outcome) error {
		v, err := tx.Video(ctx, res.VideoID)
		if err != nil {
			return err
		}
		if v.Stage != core.StageRendering && v.Stage != core.StageRenderReadyForReview {
			out.ignore("render callback for video %d in stage %s", v.ID, v.Stage)
			out.Video = &v
			return nil
		}

		if res.DurationActual != nil {
			d := *res.DurationActual
			v.DurationActual = &d
		}
		if res.FileSizeBytes != nil {
			n := *res.FileSizeBytes
			v.FileSizeBytes = &n
		}
		if res.PreviewURI != nil && strings.TrimSpace(*res.PreviewURI) != "" {
			uri := strings.TrimSpace(*res.PreviewURI)
			v.PreviewURI = &uri
			if err := transition(&v, core.StageRenderReadyForReview); err != nil {
				return err
			}
		}
		if err := tx.SaveVideo(ctx, &v); err != nil {
			return err
		}

		data := map[string]any{
			"video_id": v.ID,
			"stage":    v.Stage,
		}
		if v.PreviewURI != nil {
			data["preview_uri"] = *v.PreviewURI
		}
		if v.DurationActual != nil {
			data["duration_actual"] = *v.DurationActual
		}
		if v.FileSizeBytes != nil {
			data["file_size"] = *v.FileSizeBytes
		}
		out.Video = &v
		out.publish(bus.EventRenderUpdated, data)
		return nil
	})
}

// ApproveRender marks the video render_approved, creates its first
// publication artifact and dispatches the title job. Approving an already
// approved video changes nothing.
func (c *Controller) ApproveRender(ctx context.Context, videoID int64) (Outcome, error) {
	return c.run(ctx, "approve_render", videoAttrs(videoID), func(ctx context.Context, tx store.Tx, out *Outcome) error {
		v, err := tx.Video(ctx, videoID)
		if err != nil {
			return err
		}
		if v.Stage == core.StageRenderApproved {
			out.Video = &v
			return nil
		}
		if v.Stage != core.StageRenderReadyForReview {
			return core.Unmet("approve_render", "video %d is %s, want %s", v.ID, v.Stage, core.StageRenderReadyForReview)
		}
		if !v.HasPreview() {
			return core.Unmet("approve_render", "video %d has no preview", v.ID)
		}
		if err := transition(&v, core.StageRenderApproved); err != nil {
			return err
		}
		if err := tx.SaveVideo(ctx, &v); err != nil {
			return err
		}

		a := core.PublishedArtifact{
			VideoID:          v.ID,
			TitleStage:       core.LanePending,
			DescriptionStage: core.LanePending,
			TagsStage:        core.LanePending,
			PublishState:     core.PublishAwaitingReview,
		}
		if err := tx.InsertArtifact(ctx, &a); err != nil {
			return err
		}

		out.Video = &v
		out.Artifact = &a
		out.dispatch(titleJob(v, a))
		out.publish(bus.EventVideoApproved, map[string]any{
			"video_id":    v.ID,
			"artifact_id": a.ID,
		})
		out.publish(bus.EventTitleGenerating, map[string]any{
			"video_id":    v.ID,
			"artifact_id": a.ID,
		})
		return nil
	})
}

// RegenerateRender sends the video back to rendering with its current
// script and dispatches a new render job.
func (c *Controller) RegenerateRender(ctx context.Context, videoID int64) (Outcome, error) {
	return c.run(ctx, "regenerate_render", videoAttrs(videoID), func(ctx context.Context, tx store.Tx, out *Outcome) error {
		v, err := tx.Video(ctx, videoID)
		if err != nil {
			return err
		}
		if v.Stage != core.StageRenderReadyForReview {
			return core.Unmet("regenerate_render", "video %d is %s, want %s", v.ID, v.Stage, core.StageRenderReadyForReview)
		}
		if err := transition(&v, core.StageRendering); err != nil {
			return err
		}
		if err := tx.SaveVideo(ctx, &v); err != nil {
			return err
		}
		snaps, err := snapshots(ctx, tx, v.ID)
		if err != nil {
			return err
		}

		out.Video = &v
		out.dispatch(renderJob(v, snaps))
		out.publish(bus.EventRenderRegenerating, map[string]any{
			"video_id": v.ID,
		})
		return nil
	})
}

// ReplaceReferences swaps the video's whole reference set. Later dispatches
// resolve the new set.
func (c *Controller) ReplaceReferences(ctx context.Context, videoID int64, catalogIDs []int64) (Outcome, error) {
	for _, id := range catalogIDs {
		if id <= 0 {
			return Outcome{}, core.Invalid("references", "catalog item ids must be positive")
		}
	}
	return c.run(ctx, "replace_references", videoAttrs(videoID), func(ctx context.Context, tx store.Tx, out *Outcome) error {
		v, err := tx.Video(ctx, videoID)
		if err != nil {
			return err
		}
		if err := tx.ReplaceReferences(ctx, v.ID, catalogIDs); err != nil {
			return err
		}
		refs, err := tx.References(ctx, v.ID)
		if err != nil {
			return err
		}

		out.Video = &v
		out.publish(bus.EventReferencesUpdated, map[string]any{
			"video_id":   v.ID,
			"references": refs,
		})
		return nil
	})
}

// transition moves v to the next stage, refusing undocumented edges.
func transition(v *core.Video, to core.Stage) error {
	if !core.CanTransition(v.Stage, to) {
		return core.Unmet("transition", "video %d cannot move from %s to %s", v.ID, v.Stage, to)
	}
	v.Stage = to
	return nil
}
