// Package store persists reelflow pipeline state: videos, their reference
// sets, published artifacts, the dispatch log and imported catalog items.
//
// Every Stage Controller operation runs inside Store.Tx so its reads and
// writes commit or roll back together. SQLite and Postgres are supported
// through database/sql.
package store

import (
	"context"
	"time"

	"github.com/petal-labs/reelflow/core"
)

// VideoFilter narrows ListVideos. Zero values match everything.
type VideoFilter struct {
	Stages        []core.Stage
	UpdatedBefore time.Time
	Limit         int
}

// ArtifactFilter narrows ListArtifacts. Zero values match everything.
type ArtifactFilter struct {
	VideoID       int64
	States        []core.PublishState
	UpdatedBefore time.Time
	Limit         int
}

// DispatchFilter narrows ListDispatches. Zero values match everything.
type DispatchFilter struct {
	VideoID int64
	Limit   int
}

// Summary holds computed pipeline counts.
type Summary struct {
	TotalVideos    int                       `json:"total_videos"`
	TotalArtifacts int                       `json:"total_artifacts"`
	Videos         map[core.Stage]int        `json:"videos_by_stage"`
	Artifacts      map[core.PublishState]int `json:"artifacts_by_publish_state"`
}

// Tx is the transactional view handed to Store.Tx callbacks. Rows read
// through Video and Artifact are locked for the rest of the transaction
// where the database supports it. Callers lock the owning video before any
// of its artifacts; ArtifactVideoID resolves the owner without locking.
type Tx interface {
	Video(ctx context.Context, id int64) (core.Video, error)
	InsertVideo(ctx context.Context, v *core.Video) error
	SaveVideo(ctx context.Context, v *core.Video) error

	References(ctx context.Context, videoID int64) ([]int64, error)
	ReplaceReferences(ctx context.Context, videoID int64, catalogIDs []int64) error
	CatalogItems(ctx context.Context, ids []int64) ([]core.CatalogItem, error)

	ArtifactVideoID(ctx context.Context, id int64) (int64, error)
	Artifact(ctx context.Context, id int64) (core.PublishedArtifact, error)
	ArtifactsForVideo(ctx context.Context, videoID int64) ([]core.PublishedArtifact, error)
	InsertArtifact(ctx context.Context, a *core.PublishedArtifact) error
	SaveArtifact(ctx context.Context, a *core.PublishedArtifact) error
}

// Store is the Pipeline Store.
type Store interface {
	// Tx runs fn in a single database transaction. A non-nil error from fn
	// rolls the transaction back and is returned unchanged.
	Tx(ctx context.Context, fn func(Tx) error) error

	GetVideo(ctx context.Context, id int64) (core.Video, error)
	ListVideos(ctx context.Context, filter VideoFilter) ([]core.Video, error)
	References(ctx context.Context, videoID int64) ([]int64, error)

	GetArtifact(ctx context.Context, id int64) (core.PublishedArtifact, error)
	ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]core.PublishedArtifact, error)

	UpsertCatalogItems(ctx context.Context, items []core.CatalogItem) error
	CatalogItems(ctx context.Context, ids []int64) ([]core.CatalogItem, error)

	RecordDispatch(ctx context.Context, rec *core.DispatchRecord) error
	ListDispatches(ctx context.Context, filter DispatchFilter) ([]core.DispatchRecord, error)

	Summary(ctx context.Context) (Summary, error)

	Close() error
}
