package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petal-labs/reelflow/core"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Config configures the SQL store.
type Config struct {
	// Driver is "sqlite" (default) or "postgres".
	Driver string
	// DSN is a file path for SQLite or a connection URL for Postgres.
	DSN          string
	MaxOpenConns int
}

// SQLStore persists pipeline state in SQLite or Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens (or creates) the pipeline store and applies the schema.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	d, ok := dialectFor(cfg.Driver)
	if !ok {
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("store: dsn is required")
	}

	db, err := sql.Open(d.driverName, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store %s open: %w", d.name, err)
	}

	if d.name == DriverSQLite {
		// One connection serialises writers and keeps PRAGMAs in effect.
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store sqlite set WAL mode: %w", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store sqlite enable foreign keys: %w", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store sqlite set busy timeout: %w", err)
		}
	} else if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store %s ping: %w", d.name, err)
	}

	for _, stmt := range d.schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store %s create schema: %w", d.name, err)
		}
	}

	return &SQLStore{db: db, dialect: d}, nil
}

// Driver returns the normalised driver name.
func (s *SQLStore) Driver() string {
	return s.dialect.name
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Tx runs fn in a single transaction.
func (s *SQLStore) Tx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin", err)
	}
	if err := fn(&sqlTx{q: tx, d: s.dialect}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

func (s *SQLStore) GetVideo(ctx context.Context, id int64) (core.Video, error) {
	return getVideo(ctx, s.db, s.dialect, id, false)
}

func (s *SQLStore) ListVideos(ctx context.Context, filter VideoFilter) ([]core.Video, error) {
	var (
		where []string
		args  []any
	)
	if len(filter.Stages) > 0 {
		where = append(where, "stage IN ("+placeholders(len(filter.Stages))+")")
		for _, st := range filter.Stages {
			args = append(args, string(st))
		}
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, formatTime(filter.UpdatedBefore))
	}

	query := "SELECT " + videoColumns + " FROM videos"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, storageErr("list videos", err)
	}
	defer rows.Close()

	var videos []core.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, storageErr("scan video", err)
		}
		videos = append(videos, v)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list videos rows", err)
	}
	return videos, nil
}

func (s *SQLStore) References(ctx context.Context, videoID int64) ([]int64, error) {
	return listReferences(ctx, s.db, s.dialect, videoID)
}

func (s *SQLStore) GetArtifact(ctx context.Context, id int64) (core.PublishedArtifact, error) {
	return getArtifact(ctx, s.db, s.dialect, id, false)
}

func (s *SQLStore) ListArtifacts(ctx context.Context, filter ArtifactFilter) ([]core.PublishedArtifact, error) {
	var (
		where []string
		args  []any
	)
	if filter.VideoID > 0 {
		where = append(where, "video_id = ?")
		args = append(args, filter.VideoID)
	}
	if len(filter.States) > 0 {
		where = append(where, "publish_state IN ("+placeholders(len(filter.States))+")")
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < ?")
		args = append(args, formatTime(filter.UpdatedBefore))
	}

	query := "SELECT " + artifactColumns + " FROM published_artifacts"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return queryArtifacts(ctx, s.db, s.dialect.rebind(query), args...)
}

func (s *SQLStore) CatalogItems(ctx context.Context, ids []int64) ([]core.CatalogItem, error) {
	return catalogItems(ctx, s.db, s.dialect, ids)
}

// UpsertCatalogItems inserts or replaces catalog items by id in one transaction.
func (s *SQLStore) UpsertCatalogItems(ctx context.Context, items []core.CatalogItem) error {
	return s.Tx(ctx, func(t Tx) error {
		q := t.(*sqlTx).q
		for _, item := range items {
			if item.ID <= 0 {
				return core.Invalid("id", "catalog item id must be positive")
			}
			attrs, err := marshalAttributes(item.Attributes)
			if err != nil {
				return core.Invalid("attributes", "catalog item %d: %v", item.ID, err)
			}
			_, err = q.ExecContext(ctx, s.dialect.rebind(`
INSERT INTO catalog_items (id, name, company, category, subcategory, description, attributes)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	name = excluded.name,
	company = excluded.company,
	category = excluded.category,
	subcategory = excluded.subcategory,
	description = excluded.description,
	attributes = excluded.attributes`),
				item.ID, item.Name, item.Company, item.Category, item.Subcategory, item.Description, attrs,
			)
			if err != nil {
				return storageErr("upsert catalog item", err)
			}
		}
		return nil
	})
}

// RecordDispatch appends rec to the dispatch log and sets its ID.
func (s *SQLStore) RecordDispatch(ctx context.Context, rec *core.DispatchRecord) error {
	if rec.DispatchedAt.IsZero() {
		rec.DispatchedAt = time.Now().UTC()
	}
	ok := 0
	if rec.OK {
		ok = 1
	}
	row := s.db.QueryRowContext(ctx, s.dialect.rebind(`
INSERT INTO dispatches (job_id, kind, video_id, artifact_id, endpoint, ok, error, dispatched_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id`),
		rec.JobID, rec.Kind, rec.VideoID, nullInt64(rec.ArtifactID), rec.Endpoint, ok,
		nullIfEmpty(rec.Error), formatTime(rec.DispatchedAt),
	)
	if err := row.Scan(&rec.ID); err != nil {
		return storageErr("record dispatch", err)
	}
	return nil
}

func (s *SQLStore) ListDispatches(ctx context.Context, filter DispatchFilter) ([]core.DispatchRecord, error) {
	query := `SELECT id, job_id, kind, video_id, artifact_id, endpoint, ok, error, dispatched_at FROM dispatches`
	var args []any
	if filter.VideoID > 0 {
		query += " WHERE video_id = ?"
		args = append(args, filter.VideoID)
	}
	query += " ORDER BY id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
	if err != nil {
		return nil, storageErr("list dispatches", err)
	}
	defer rows.Close()

	var records []core.DispatchRecord
	for rows.Next() {
		rec, err := scanDispatch(rows)
		if err != nil {
			return nil, storageErr("scan dispatch", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list dispatches rows", err)
	}
	return records, nil
}

// Summary counts videos per stage and artifacts per publish state.
func (s *SQLStore) Summary(ctx context.Context) (Summary, error) {
	sum := Summary{
		Videos:    make(map[core.Stage]int, len(core.Stages)),
		Artifacts: make(map[core.PublishState]int, len(core.PublishStates)),
	}
	for _, st := range core.Stages {
		sum.Videos[st] = 0
	}
	for _, st := range core.PublishStates {
		sum.Artifacts[st] = 0
	}

	counts, err := groupCounts(ctx, s.db, `SELECT stage, COUNT(*) FROM videos GROUP BY stage`)
	if err != nil {
		return Summary{}, storageErr("summary videos", err)
	}
	for k, n := range counts {
		sum.Videos[core.Stage(k)] = n
		sum.TotalVideos += n
	}

	counts, err = groupCounts(ctx, s.db, `SELECT publish_state, COUNT(*) FROM published_artifacts GROUP BY publish_state`)
	if err != nil {
		return Summary{}, storageErr("summary artifacts", err)
	}
	for k, n := range counts {
		sum.Artifacts[core.PublishState(k)] = n
		sum.TotalArtifacts += n
	}
	return sum, nil
}

// DB exposes the underlying database handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// sqlTx implements Tx on top of a *sql.Tx.
type sqlTx struct {
	q queryer
	d dialect
}

func (t *sqlTx) Video(ctx context.Context, id int64) (core.Video, error) {
	return getVideo(ctx, t.q, t.d, id, true)
}

func (t *sqlTx) InsertVideo(ctx context.Context, v *core.Video) error {
	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = v.CreatedAt
	}
	row := t.q.QueryRowContext(ctx, t.d.rebind(`
INSERT INTO videos
	(prompt, duration_requested, duration_actual, file_size_bytes, screen_aspect, language, notes, script, preview_uri, stage, created_at, updated_at)
VALUES
	(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id`),
		v.Prompt,
		v.DurationRequested,
		nullInt(v.DurationActual),
		nullInt64(v.FileSizeBytes),
		string(v.Aspect),
		v.Language,
		v.Notes,
		v.Script,
		nullString(v.PreviewURI),
		string(v.Stage),
		formatTime(v.CreatedAt),
		formatTime(v.UpdatedAt),
	)
	if err := row.Scan(&v.ID); err != nil {
		return storageErr("insert video", err)
	}
	return nil
}

func (t *sqlTx) SaveVideo(ctx context.Context, v *core.Video) error {
	v.UpdatedAt = time.Now().UTC()
	res, err := t.q.ExecContext(ctx, t.d.rebind(`
UPDATE videos
SET
	prompt = ?,
	duration_requested = ?,
	duration_actual = ?,
	file_size_bytes = ?,
	screen_aspect = ?,
	language = ?,
	notes = ?,
	script = ?,
	preview_uri = ?,
	stage = ?,
	updated_at = ?
WHERE id = ?`),
		v.Prompt,
		v.DurationRequested,
		nullInt(v.DurationActual),
		nullInt64(v.FileSizeBytes),
		string(v.Aspect),
		v.Language,
		v.Notes,
		v.Script,
		nullString(v.PreviewURI),
		string(v.Stage),
		formatTime(v.UpdatedAt),
		v.ID,
	)
	if err != nil {
		return storageErr("update video", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("update video affected rows", err)
	}
	if affected == 0 {
		return core.VideoNotFound(v.ID)
	}
	return nil
}

func (t *sqlTx) References(ctx context.Context, videoID int64) ([]int64, error) {
	return listReferences(ctx, t.q, t.d, videoID)
}

// ReplaceReferences swaps the whole reference set of a video.
func (t *sqlTx) ReplaceReferences(ctx context.Context, videoID int64, catalogIDs []int64) error {
	if _, err := t.q.ExecContext(ctx, t.d.rebind(`DELETE FROM video_references WHERE video_id = ?`), videoID); err != nil {
		return storageErr("delete references", err)
	}
	seen := make(map[int64]bool, len(catalogIDs))
	pos := 0
	for _, id := range catalogIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		if _, err := t.q.ExecContext(ctx, t.d.rebind(`
INSERT INTO video_references (video_id, catalog_item_id, position)
VALUES (?, ?, ?)`), videoID, id, pos); err != nil {
			return storageErr("insert reference", err)
		}
		pos++
	}
	return nil
}

func (t *sqlTx) CatalogItems(ctx context.Context, ids []int64) ([]core.CatalogItem, error) {
	return catalogItems(ctx, t.q, t.d, ids)
}

func (t *sqlTx) ArtifactVideoID(ctx context.Context, id int64) (int64, error) {
	var videoID int64
	err := t.q.QueryRowContext(ctx, t.d.rebind("SELECT video_id FROM published_artifacts WHERE id = ?"), id).Scan(&videoID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, core.ArtifactNotFound(id)
		}
		return 0, storageErr("get artifact owner", err)
	}
	return videoID, nil
}

func (t *sqlTx) Artifact(ctx context.Context, id int64) (core.PublishedArtifact, error) {
	return getArtifact(ctx, t.q, t.d, id, true)
}

func (t *sqlTx) ArtifactsForVideo(ctx context.Context, videoID int64) ([]core.PublishedArtifact, error) {
	return queryArtifacts(ctx, t.q, t.d.rebind(
		"SELECT "+artifactColumns+" FROM published_artifacts WHERE video_id = ? ORDER BY id ASC"+t.d.forUpdate), videoID)
}

func (t *sqlTx) InsertArtifact(ctx context.Context, a *core.PublishedArtifact) error {
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = a.CreatedAt
	}
	row := t.q.QueryRowContext(ctx, t.d.rebind(`
INSERT INTO published_artifacts
	(video_id, title, title_stage, description, description_stage, tags, tags_stage, tags_regeneration_count,
	 target_platform, publish_state, external_platform_id, external_url, upload_error, uploaded_at, created_at, updated_at)
VALUES
	(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING id`), append([]any{a.VideoID}, artifactValues(a)...)...)
	if err := row.Scan(&a.ID); err != nil {
		return storageErr("insert artifact", err)
	}
	return nil
}

func (t *sqlTx) SaveArtifact(ctx context.Context, a *core.PublishedArtifact) error {
	a.UpdatedAt = time.Now().UTC()
	args := artifactValues(a)
	// created_at is immutable; drop it from the value list.
	args = append(args[:len(args)-2], formatTime(a.UpdatedAt), a.ID)
	res, err := t.q.ExecContext(ctx, t.d.rebind(`
UPDATE published_artifacts
SET
	title = ?,
	title_stage = ?,
	description = ?,
	description_stage = ?,
	tags = ?,
	tags_stage = ?,
	tags_regeneration_count = ?,
	target_platform = ?,
	publish_state = ?,
	external_platform_id = ?,
	external_url = ?,
	upload_error = ?,
	uploaded_at = ?,
	updated_at = ?
WHERE id = ?`), args...)
	if err != nil {
		return storageErr("update artifact", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("update artifact affected rows", err)
	}
	if affected == 0 {
		return core.ArtifactNotFound(a.ID)
	}
	return nil
}

// artifactValues returns the column values shared by insert and update,
// ending with created_at and updated_at.
func artifactValues(a *core.PublishedArtifact) []any {
	var platform any
	if a.TargetPlatform != nil {
		platform = string(*a.TargetPlatform)
	}
	return []any{
		a.Title,
		string(a.TitleStage),
		a.Description,
		string(a.DescriptionStage),
		a.Tags,
		string(a.TagsStage),
		a.TagsRegenerationCount,
		platform,
		string(a.PublishState),
		nullString(a.ExternalPlatformID),
		nullString(a.ExternalURL),
		nullString(a.UploadError),
		formatNullableTime(a.UploadedAt),
		formatTime(a.CreatedAt),
		formatTime(a.UpdatedAt),
	}
}

func getVideo(ctx context.Context, q queryer, d dialect, id int64, lock bool) (core.Video, error) {
	query := "SELECT " + videoColumns + " FROM videos WHERE id = ?"
	if lock {
		query += d.forUpdate
	}
	v, err := scanVideo(q.QueryRowContext(ctx, d.rebind(query), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Video{}, core.VideoNotFound(id)
		}
		return core.Video{}, storageErr("get video", err)
	}
	return v, nil
}

func getArtifact(ctx context.Context, q queryer, d dialect, id int64, lock bool) (core.PublishedArtifact, error) {
	query := "SELECT " + artifactColumns + " FROM published_artifacts WHERE id = ?"
	if lock {
		query += d.forUpdate
	}
	a, err := scanArtifact(q.QueryRowContext(ctx, d.rebind(query), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.PublishedArtifact{}, core.ArtifactNotFound(id)
		}
		return core.PublishedArtifact{}, storageErr("get artifact", err)
	}
	return a, nil
}

func queryArtifacts(ctx context.Context, q queryer, query string, args ...any) ([]core.PublishedArtifact, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list artifacts", err)
	}
	defer rows.Close()

	var artifacts []core.PublishedArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, storageErr("scan artifact", err)
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list artifacts rows", err)
	}
	return artifacts, nil
}

func listReferences(ctx context.Context, q queryer, d dialect, videoID int64) ([]int64, error) {
	rows, err := q.QueryContext(ctx, d.rebind(`
SELECT catalog_item_id
FROM video_references
WHERE video_id = ?
ORDER BY position ASC`), videoID)
	if err != nil {
		return nil, storageErr("list references", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan reference", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list references rows", err)
	}
	return ids, nil
}

// catalogItems resolves ids with one set-based lookup, preserving the order
// of ids. Unknown ids are skipped.
func catalogItems(ctx context.Context, q queryer, d dialect, ids []int64) ([]core.CatalogItem, error) {
	items := []core.CatalogItem{}
	if len(ids) == 0 {
		return items, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := q.QueryContext(ctx, d.rebind(`
SELECT id, name, company, category, subcategory, description, attributes
FROM catalog_items
WHERE id IN (`+placeholders(len(ids))+`)`), args...)
	if err != nil {
		return nil, storageErr("catalog lookup", err)
	}
	defer rows.Close()

	byID := make(map[int64]core.CatalogItem, len(ids))
	for rows.Next() {
		item, err := scanCatalogItem(rows)
		if err != nil {
			return nil, storageErr("scan catalog item", err)
		}
		byID[item.ID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("catalog lookup rows", err)
	}
	for _, id := range ids {
		if item, ok := byID[id]; ok {
			items = append(items, item)
		}
	}
	return items, nil
}

func groupCounts(ctx context.Context, q queryer, query string) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return nil, err
		}
		counts[key] = n
	}
	return counts, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func storageErr(op string, err error) error {
	return &core.StorageError{Op: op, Cause: err}
}

// Compile-time interface checks.
var _ Store = (*SQLStore)(nil)
var _ Tx = (*sqlTx)(nil)
