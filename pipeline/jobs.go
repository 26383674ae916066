package pipeline

import (
	"github.com/petal-labs/reelflow/core"
	"github.com/petal-labs/reelflow/dispatch"
)

func scriptJob(v core.Video, snaps []core.CatalogItem) dispatch.Job {
	return dispatch.Job{
		Kind:    dispatch.KindScript,
		VideoID: v.ID,
		Payload: map[string]any{
			"prompt":            v.Prompt,
			"duration":          v.DurationRequested,
			"screen_aspect":     string(v.Aspect),
			"language":          v.Language,
			"additional_notes":  v.Notes,
			"product_snapshots": snaps,
		},
	}
}

func renderJob(v core.Video, snaps []core.CatalogItem) dispatch.Job {
	return dispatch.Job{
		Kind:    dispatch.KindRender,
		VideoID: v.ID,
		Payload: map[string]any{
			"script":            v.Script,
			"duration":          v.DurationRequested,
			"screen_aspect":     string(v.Aspect),
			"language":          v.Language,
			"product_snapshots": snaps,
		},
	}
}

func titleJob(v core.Video, a core.PublishedArtifact) dispatch.Job {
	return dispatch.Job{
		Kind:       dispatch.KindTitle,
		VideoID:    v.ID,
		ArtifactID: a.ID,
		Payload: map[string]any{
			"prompt":   v.Prompt,
			"script":   v.Script,
			"language": v.Language,
		},
	}
}

func tagsJob(v core.Video, a core.PublishedArtifact) dispatch.Job {
	return dispatch.Job{
		Kind:       dispatch.KindTags,
		VideoID:    v.ID,
		ArtifactID: a.ID,
		Payload: map[string]any{
			"title":       a.Title,
			"description": a.Description,
			"script":      v.Script,
			"language":    v.Language,
		},
	}
}

func descriptionJob(v core.Video, a core.PublishedArtifact) dispatch.Job {
	return dispatch.Job{
		Kind:       dispatch.KindDescription,
		VideoID:    v.ID,
		ArtifactID: a.ID,
		Payload: map[string]any{
			"script":   v.Script,
			"title":    a.Title,
			"tags":     a.Tags,
			"language": v.Language,
		},
	}
}

func uploadJob(v core.Video, a core.PublishedArtifact) dispatch.Job {
	var platform string
	if a.TargetPlatform != nil {
		platform = string(*a.TargetPlatform)
	}
	var preview string
	if v.PreviewURI != nil {
		preview = *v.PreviewURI
	}
	return dispatch.Job{
		Kind:       dispatch.KindUpload,
		VideoID:    v.ID,
		ArtifactID: a.ID,
		Payload: map[string]any{
			"preview_uri": preview,
			"title":       a.Title,
			"description": a.Description,
			"tags":        a.Tags,
			"platform":    platform,
		},
	}
}
