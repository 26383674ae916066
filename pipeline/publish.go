package pipeline

import (
	"context"
	"strings"

	"github.com/petal-labs/reelflow/bus"
	"github.com/petal-labs/reelflow/core"
	"github.com/petal-labs/reelflow/dispatch"
	"github.com/petal-labs/reelflow/store"
)

// LaneResult is a title, tags or description worker's completion report.
// ArtifactID may be zero, in which case the newest artifact of the video
// still awaiting review is targeted.
type LaneResult struct {
	VideoID    int64
	ArtifactID int64
	Text       string
}

// PublishRequest carries the operator's final values for approve-and-upload.
// Empty text fields keep the artifact's current value.
type PublishRequest struct {
	Platform    string
	Title       string
	Description string
	Tags        string
}

// UploadResult is the upload worker's report for one artifact.
type UploadResult struct {
	ArtifactID int64
	// VideoID is optional; when set it must own the artifact.
	VideoID    int64
	Platform   string
	State      core.PublishState
	ExternalID *string
	URL        *string
	Error      *string
}

// lane describes how one publication lane reads and writes an artifact.
type lane struct {
	name       core.Lane
	generating bus.EventType
	generated  bus.EventType
	approved   bus.EventType
	text       func(a *core.PublishedArtifact) *string
	state      func(a *core.PublishedArtifact) *core.LaneState
}

var (
	titleLane = lane{
		name:       core.LaneTitle,
		generating: bus.EventTitleGenerating,
		generated:  bus.EventTitleGenerated,
		approved:   bus.EventTitleApproved,
		text:       func(a *core.PublishedArtifact) *string { return &a.Title },
		state:      func(a *core.PublishedArtifact) *core.LaneState { return &a.TitleStage },
	}
	tagsLane = lane{
		name:       core.LaneTags,
		generating: bus.EventTagsGenerating,
		generated:  bus.EventTagsGenerated,
		approved:   bus.EventTagsApproved,
		text:       func(a *core.PublishedArtifact) *string { return &a.Tags },
		state:      func(a *core.PublishedArtifact) *core.LaneState { return &a.TagsStage },
	}
	descriptionLane = lane{
		name:       core.LaneDescription,
		generating: bus.EventDescriptionGenerating,
		generated:  bus.EventDescriptionGenerated,
		text:       func(a *core.PublishedArtifact) *string { return &a.Description },
		state:      func(a *core.PublishedArtifact) *core.LaneState { return &a.DescriptionStage },
	}
)

// GenerateTitle dispatches a title job for an artifact under review.
func (c *Controller) GenerateTitle(ctx context.Context, artifactID int64) (Outcome, error) {
	return c.generate(ctx, titleLane, artifactID)
}

// TitleCallback stores a generated title.
func (c *Controller) TitleCallback(ctx context.Context, res LaneResult) (Outcome, error) {
	return c.laneCallback(ctx, titleLane, res)
}

// ApproveTitle approves the title, optionally replacing it with an operator
// edit, and dispatches the tags job.
func (c *Controller) ApproveTitle(ctx context.Context, artifactID int64, editedTitle *string) (Outcome, error) {
	return c.approveLane(ctx, titleLane, artifactID, editedTitle)
}

// GenerateTags dispatches a tags job for an artifact under review.
func (c *Controller) GenerateTags(ctx context.Context, artifactID int64) (Outcome, error) {
	return c.generate(ctx, tagsLane, artifactID)
}

// TagsCallback stores generated tags and bumps the regeneration counter.
func (c *Controller) TagsCallback(ctx context.Context, res LaneResult) (Outcome, error) {
	return c.laneCallback(ctx, tagsLane, res)
}

// ApproveTags approves the tags, optionally replacing them with an operator
// edit, and dispatches the description job.
func (c *Controller) ApproveTags(ctx context.Context, artifactID int64, editedTags *string) (Outcome, error) {
	return c.approveLane(ctx, tagsLane, artifactID, editedTags)
}

// GenerateDescription dispatches a description job for an artifact under review.
func (c *Controller) GenerateDescription(ctx context.Context, artifactID int64) (Outcome, error) {
	return c.generate(ctx, descriptionLane, artifactID)
}

// DescriptionCallback stores a generated description.
func (c *Controller) DescriptionCallback(ctx context.Context, res LaneResult) (Outcome, error) {
	return c.laneCallback(ctx, descriptionLane, res)
}

func (c *Controller) generate(ctx context.Context, l lane, artifactID int64) (Outcome, error) {
	return c.run(ctx, "generate_"+string(l.name), artifactAttrs(artifactID), func(ctx context.Context, tx store.Tx, out *Outcome) error {
		v, a, err := lockArtifact(ctx, tx, artifactID)
		if err != nil {
			return err
		}
		if a.PublishState != core.PublishAwaitingReview {
			return core.Unmet("generate_"+string(l.name), "artifact %d is %s, want %s", a.ID, a.PublishState, core.PublishAwaitingReview)
		}

		out.Video = &v
		out.Artifact = &a
		out.dispatch(laneJob(l.name, v, a))
		out.publish(l.generating, map[string]any{
			"video_id":    v.ID,
			"artifact_id": a.ID,
		})
		return nil
	})
}

func (c *Controller) laneCallback(ctx context.Context, l lane, res LaneResult) (Outcome, error) {
	if strings.TrimSpace(res.Text) == "" {
		return Outcome{}, core.Invalid(string(l.name), "must not be empty")
	}
	return c.run(ctx, string(l.name)+"_callback", videoAttrs(res.VideoID), func(ctx context.Context, tx store.Tx, out *Outcome) error {
		a, err := targetArtifact(ctx, tx, res.VideoID, res.ArtifactID)
		if err != nil {
			return err
		}
		if a.PublishState != core.PublishAwaitingReview {
			out.ignore("%s callback for artifact %d in state %s", l.name, a.ID, a.PublishState)
			out.Artifact = &a
			return nil
		}

		*l.text(&a) = res.Text
		*l.state(&a) = core.LaneGenerated
		if l.name == core.LaneTags {
			a.TagsRegenerationCount++
		}
		if err := tx.SaveArtifact(ctx, &a); err != nil {
			return err
		}

		out.Artifact = &a
		data := map[string]any{
			"video_id":     a.VideoID,
			"artifact_id":  a.ID,
			string(l.name): res.Text,
		}
		if l.name == core.LaneTags {
			data["tags_regeneration_count"] = a.TagsRegenerationCount
		}
		out.publish(l.generated, data)
		return nil
	})
}

// approveLane approves the title or tags lane and chains the next lane's job.
func (c *Controller) approveLane(ctx context.Context, l lane, artifactID int64, edited *string) (Outcome, error) {
	op := "approve_" + string(l.name)
	return c.run(ctx, op, artifactAttrs(artifactID), func(ctx context.Context, tx store.Tx, out *Outcome) error {
		v, a, err := lockArtifact(ctx, tx, artifactID)
		if err != nil {
			return err
		}
		if a.PublishState != core.PublishAwaitingReview {
			return core.Unmet(op, "artifact %d is %s, want %s", a.ID, a.PublishState, core.PublishAwaitingReview)
		}
		if edited != nil && strings.TrimSpace(*edited) != "" {
			*l.text(&a) = *edited
		}
		if strings.TrimSpace(*l.text(&a)) == "" {
			return core.Unmet(op, "artifact %d has no %s", a.ID, l.name)
		}
		*l.state(&a) = core.LaneApproved
		if err := tx.SaveArtifact(ctx, &a); err != nil {
			return err
		}

		out.Video = &v
		out.Artifact = &a
		out.publish(l.approved, map[string]any{
			"video_id":     v.ID,
			"artifact_id":  a.ID,
			string(l.name): *l.text(&a),
		})
		next := chainedLane(l.name)
		out.dispatch(laneJob(next.name, v, a))
		out.publish(next.generating, map[string]any{
			"video_id":    v.ID,
			"artifact_id": a.ID,
		})
		return nil
	})
}

// ApproveDescriptionAndPublish finalises an artifact for upload: it records
// the operator's final text and platform, moves the artifact to uploading,
// spawns a follow-on artifact for the next review round and dispatches the
// upload job. It is not idempotent; every call spawns one more artifact.
func (c *Controller) ApproveDescriptionAndPublish(ctx context.Context, artifactID int64, req PublishRequest) (Outcome, error) {
	const op = "approve_and_upload"
	if strings.TrimSpace(req.Platform) == "" {
		return Outcome{}, core.Invalid("platform", "is required")
	}
	platform, ok := core.ParsePlatform(req.Platform)
	if !ok {
		return Outcome{}, core.Invalid("platform", "unsupported platform %q", req.Platform)
	}

	return c.run(ctx, op, artifactAttrs(artifactID), func(ctx context.Context, tx store.Tx, out *Outcome) error {
		v, a, err := lockArtifact(ctx, tx, artifactID)
		if err != nil {
			return err
		}
		if a.PublishState == core.PublishPublished {
			return core.Unmet(op, "artifact %d is already published", a.ID)
		}

		siblings, err := tx.ArtifactsForVideo(ctx, a.VideoID)
		if err != nil {
			return err
		}
		for _, other := range siblings {
			if other.ID != a.ID && other.OnPlatform(platform) && other.Occupies() {
				return core.Unmet(op, "video %d already has artifact %d %s on %s", a.VideoID, other.ID, other.PublishState, platform)
			}
		}

		if t := strings.TrimSpace(req.Title); t != "" {
			a.Title = req.Title
		}
		if d := strings.TrimSpace(req.Description); d != "" {
			a.Description = req.Description
		}
		if t := strings.TrimSpace(req.Tags); t != "" {
			a.Tags = req.Tags
		}
		if strings.TrimSpace(a.Title) == "" {
			return core.Unmet(op, "artifact %d has no title", a.ID)
		}
		if strings.TrimSpace(a.Description) == "" {
			return core.Unmet(op, "artifact %d has no description", a.ID)
		}

		a.TargetPlatform = &platform
		a.PublishState = core.PublishUploading
		a.DescriptionStage = core.LaneApproved
		a.UploadError = nil
		if err := tx.SaveArtifact(ctx, &a); err != nil {
			return err
		}

		next, err := spawnFollowOnArtifact(ctx, tx, a)
		if err != nil {
			return err
		}

		out.Video = &v
		out.Artifact = &a
		out.FollowOn = &next
		out.Effects = append(out.Effects, SpawnFollowOnEffect{SourceArtifactID: a.ID, FollowOnArtifactID: next.ID})
		out.dispatch(uploadJob(v, a))
		out.publish(bus.EventUploadStarted, map[string]any{
			"video_id":              v.ID,
			"artifact_id":           a.ID,
			"follow_on_artifact_id": next.ID,
			"platform":              platform,
		})
		return nil
	})
}

// spawnFollowOnArtifact inserts the next review-round artifact for the
// video. Title and description are copied forward and pre-approved; tags and
// platform start empty. The copied text belongs to the previous round.
func spawnFollowOnArtifact(ctx context.Context, tx store.Tx, from core.PublishedArtifact) (core.PublishedArtifact, error) {
	next := core.PublishedArtifact{
		VideoID:          from.VideoID,
		Title:            from.Title,
		TitleStage:       core.LaneApproved,
		Description:      from.Description,
		DescriptionStage: core.LaneApproved,
		TagsStage:        core.LanePending,
		PublishState:     core.PublishAwaitingReview,
	}
	if err := tx.InsertArtifact(ctx, &next); err != nil {
		return core.PublishedArtifact{}, err
	}
	return next, nil
}

// UploadCallback applies the upload worker's report for an artifact that
// was sent for upload.
func (c *Controller) UploadCallback(ctx context.Context, res UploadResult) (Outcome, error) {
	platform, ok := core.ParsePlatform(res.Platform)
	if !ok {
		return Outcome{}, core.Invalid("platform", "unsupported platform %q", res.Platform)
	}
	switch res.State {
	case core.PublishUploading, core.PublishPublished, core.PublishFailed:
	default:
		return Outcome{}, core.Invalid("status", "unsupported upload status %q", res.State)
	}

	return c.run(ctx, "upload_callback", artifactAttrs(res.ArtifactID), func(ctx context.Context, tx store.Tx, out *Outcome) error {
		_, a, err := lockArtifact(ctx, tx, res.ArtifactID)
		if err != nil {
			return err
		}
		if res.VideoID > 0 && a.VideoID != res.VideoID {
			return &core.NotFoundError{Entity: "artifact", ID: a.ID, Detail: "not owned by the given video"}
		}
		if a.PublishState == core.PublishAwaitingReview {
			out.ignore("upload callback for artifact %d that was never sent for upload", a.ID)
			out.Artifact = &a
			return nil
		}
		if !a.OnPlatform(platform) {
			return &core.NotFoundError{Entity: "artifact", ID: a.ID, Detail: "no upload on " + string(platform)}
		}
		// Published is terminal; late uploading or failed reports must not
		// release the platform slot.
		if a.PublishState == core.PublishPublished && res.State != core.PublishPublished {
			out.ignore("%s upload callback for published artifact %d", res.State, a.ID)
			out.Artifact = &a
			return nil
		}

		if res.ExternalID != nil && *res.ExternalID != "" {
			id := *res.ExternalID
			a.ExternalPlatformID = &id
		}
		if res.URL != nil && *res.URL != "" {
			url := *res.URL
			a.ExternalURL = &url
		}
		switch res.State {
		case core.PublishPublished:
			a.PublishState = core.PublishPublished
			a.UploadError = nil
			if a.UploadedAt == nil {
				now := c.now()
				a.UploadedAt = &now
			}
		case core.PublishFailed:
			a.PublishState = core.PublishFailed
			msg := "upload failed"
			if res.Error != nil && strings.TrimSpace(*res.Error) != "" {
				msg = *res.Error
			}
			a.UploadError = &msg
		}
		if err := tx.SaveArtifact(ctx, &a); err != nil {
			return err
		}

		out.Artifact = &a
		data := map[string]any{
			"video_id":      a.VideoID,
			"artifact_id":   a.ID,
			"platform":      platform,
			"publish_state": a.PublishState,
		}
		if a.ExternalURL != nil {
			data["url"] = *a.ExternalURL
		}
		if a.ExternalPlatformID != nil {
			data["external_platform_id"] = *a.ExternalPlatformID
		}
		if a.UploadError != nil {
			data["error"] = *a.UploadError
		}
		out.publish(bus.EventUploadUpdate, data)
		return nil
	})
}

// lockArtifact locks the artifact's video and then the artifact row, the
// same order every operation on a video takes its locks in.
func lockArtifact(ctx context.Context, tx store.Tx, artifactID int64) (core.Video, core.PublishedArtifact, error) {
	videoID, err := tx.ArtifactVideoID(ctx, artifactID)
	if err != nil {
		return core.Video{}, core.PublishedArtifact{}, err
	}
	v, err := tx.Video(ctx, videoID)
	if err != nil {
		return core.Video{}, core.PublishedArtifact{}, err
	}
	a, err := tx.Artifact(ctx, artifactID)
	if err != nil {
		return core.Video{}, core.PublishedArtifact{}, err
	}
	return v, a, nil
}

// targetArtifact resolves the artifact a lane callback refers to.
func targetArtifact(ctx context.Context, tx store.Tx, videoID, artifactID int64) (core.PublishedArtifact, error) {
	if _, err := tx.Video(ctx, videoID); err != nil {
		return core.PublishedArtifact{}, err
	}
	if artifactID > 0 {
		a, err := tx.Artifact(ctx, artifactID)
		if err != nil {
			return core.PublishedArtifact{}, err
		}
		if a.VideoID != videoID {
			return core.PublishedArtifact{}, &core.NotFoundError{Entity: "artifact", ID: artifactID, Detail: "not owned by the given video"}
		}
		return a, nil
	}

	artifacts, err := tx.ArtifactsForVideo(ctx, videoID)
	if err != nil {
		return core.PublishedArtifact{}, err
	}
	for i := len(artifacts) - 1; i >= 0; i-- {
		if artifacts[i].PublishState == core.PublishAwaitingReview {
			return artifacts[i], nil
		}
	}
	return core.PublishedArtifact{}, &core.NotFoundError{Entity: "video", ID: videoID, Detail: "no artifact awaiting review"}
}

func chainedLane(name core.Lane) lane {
	if name == core.LaneTitle {
		return tagsLane
	}
	return descriptionLane
}

func laneJob(name core.Lane, v core.Video, a core.PublishedArtifact) dispatch.Job {
	switch name {
	case core.LaneTitle:
		return titleJob(v, a)
	case core.LaneTags:
		return tagsJob(v, a)
	default:
		return descriptionJob(v, a)
	}
}
