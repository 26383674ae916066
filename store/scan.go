package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/reelflow/core"
)

// timeLayout is fixed width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const videoColumns = `id, prompt, duration_requested, duration_actual, file_size_bytes, screen_aspect, language, notes, script, preview_uri, stage, created_at, updated_at`

const artifactColumns = `id, video_id, title, title_stage, description, description_stage, tags, tags_stage, tags_regeneration_count, target_platform, publish_state, external_platform_id, external_url, upload_error, uploaded_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(scanner rowScanner) (core.Video, error) {
	var (
		v              core.Video
		durationActual sql.NullInt64
		fileSize       sql.NullInt64
		aspect         string
		preview        sql.NullString
		stage          string
		createdAt      string
		updatedAt      string
	)
	if err := scanner.Scan(
		&v.ID,
		&v.Prompt,
		&v.DurationRequested,
		&durationActual,
		&fileSize,
		&aspect,
		&v.Language,
		&v.Notes,
		&v.Script,
		&preview,
		&stage,
		&createdAt,
		&updatedAt,
	); err != nil {
		return core.Video{}, err
	}

	if durationActual.Valid {
		d := int(durationActual.Int64)
		v.DurationActual = &d
	}
	if fileSize.Valid {
		n := fileSize.Int64
		v.FileSizeBytes = &n
	}
	v.Aspect = core.Aspect(aspect)
	v.PreviewURI = stringPtr(preview)
	v.Stage = core.Stage(stage)

	var err error
	if v.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.Video{}, fmt.Errorf("video %d created_at: %w", v.ID, err)
	}
	if v.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return core.Video{}, fmt.Errorf("video %d updated_at: %w", v.ID, err)
	}
	return v, nil
}

func scanArtifact(scanner rowScanner) (core.PublishedArtifact, error) {
	var (
		a           core.PublishedArtifact
		titleStage  string
		descStage   string
		tagsStage   string
		platform    sql.NullString
		state       string
		externalID  sql.NullString
		externalURL sql.NullString
		uploadErr   sql.NullString
		uploadedAt  sql.NullString
		createdAt   string
		updatedAt   string
	)
	if err := scanner.Scan(
		&a.ID,
		&a.VideoID,
		&a.Title,
		&titleStage,
		&a.Description,
		&descStage,
		&a.Tags,
		&tagsStage,
		&a.TagsRegenerationCount,
		&platform,
		&state,
		&externalID,
		&externalURL,
		&uploadErr,
		&uploadedAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return core.PublishedArtifact{}, err
	}

	a.TitleStage = core.LaneState(titleStage)
	a.DescriptionStage = core.LaneState(descStage)
	a.TagsStage = core.LaneState(tagsStage)
	if platform.Valid && platform.String != "" {
		p := core.Platform(platform.String)
		a.TargetPlatform = &p
	}
	a.PublishState = core.PublishState(state)
	a.ExternalPlatformID = stringPtr(externalID)
	a.ExternalURL = stringPtr(externalURL)
	a.UploadError = stringPtr(uploadErr)

	var err error
	if a.UploadedAt, err = parseNullableTime(uploadedAt); err != nil {
		return core.PublishedArtifact{}, fmt.Errorf("artifact %d uploaded_at: %w", a.ID, err)
	}
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return core.PublishedArtifact{}, fmt.Errorf("artifact %d created_at: %w", a.ID, err)
	}
	if a.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return core.PublishedArtifact{}, fmt.Errorf("artifact %d updated_at: %w", a.ID, err)
	}
	return a, nil
}

func scanDispatch(scanner rowScanner) (core.DispatchRecord, error) {
	var (
		rec          core.DispatchRecord
		artifactID   sql.NullInt64
		ok           int
		errText      sql.NullString
		dispatchedAt string
	)
	if err := scanner.Scan(
		&rec.ID,
		&rec.JobID,
		&rec.Kind,
		&rec.VideoID,
		&artifactID,
		&rec.Endpoint,
		&ok,
		&errText,
		&dispatchedAt,
	); err != nil {
		return core.DispatchRecord{}, err
	}
	if artifactID.Valid {
		id := artifactID.Int64
		rec.ArtifactID = &id
	}
	rec.OK = ok != 0
	rec.Error = errText.String

	var err error
	if rec.DispatchedAt, err = parseTime(dispatchedAt); err != nil {
		return core.DispatchRecord{}, fmt.Errorf("dispatch %d dispatched_at: %w", rec.ID, err)
	}
	return rec, nil
}

func scanCatalogItem(scanner rowScanner) (core.CatalogItem, error) {
	var (
		item  core.CatalogItem
		attrs string
	)
	if err := scanner.Scan(
		&item.ID,
		&item.Name,
		&item.Company,
		&item.Category,
		&item.Subcategory,
		&item.Description,
		&attrs,
	); err != nil {
		return core.CatalogItem{}, err
	}
	if strings.TrimSpace(attrs) != "" && attrs != "{}" {
		if err := json.Unmarshal([]byte(attrs), &item.Attributes); err != nil {
			return core.CatalogItem{}, fmt.Errorf("catalog item %d attributes: %w", item.ID, err)
		}
	}
	return item, nil
}

func marshalAttributes(attrs map[string]any) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullableTime(value *time.Time) any {
	if value == nil || value.IsZero() {
		return nil
	}
	return formatTime(*value)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

func parseNullableTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func stringPtr(raw sql.NullString) *string {
	if !raw.Valid {
		return nil
	}
	s := raw.String
	return &s
}

func nullString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}

func nullIfEmpty(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}

func nullInt(value *int) any {
	if value == nil {
		return nil
	}
	return int64(*value)
}

func nullInt64(value *int64) any {
	if value == nil {
		return nil
	}
	return *value
}
