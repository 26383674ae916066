package store

import (
	"strconv"
	"strings"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// dialect captures what differs between the supported databases. forUpdate
// is appended to single-row reads inside a transaction.
type dialect struct {
	name       string
	driverName string
	schema     []string
	forUpdate  string
	numbered   bool
}

// rebind rewrites ? placeholders to $n for databases that need it.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var sqliteDialect = dialect{
	name:       DriverSQLite,
	driverName: "sqlite",
	schema: []string{`
CREATE TABLE IF NOT EXISTS videos (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	prompt TEXT NOT NULL,
	duration_requested INTEGER NOT NULL,
	duration_actual INTEGER,
	file_size_bytes INTEGER,
	screen_aspect TEXT NOT NULL,
	language TEXT NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	script TEXT NOT NULL DEFAULT '',
	preview_uri TEXT,
	stage TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`, `
CREATE INDEX IF NOT EXISTS idx_videos_stage
ON videos(stage, updated_at)`, `
CREATE TABLE IF NOT EXISTS video_references (
	video_id INTEGER NOT NULL,
	catalog_item_id INTEGER NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (video_id, catalog_item_id),
	FOREIGN KEY(video_id) REFERENCES videos(id) ON DELETE CASCADE
)`, `
CREATE TABLE IF NOT EXISTS catalog_items (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	company TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	subcategory TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	attributes TEXT NOT NULL DEFAULT '{}'
)`, `
CREATE TABLE IF NOT EXISTS published_artifacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	video_id INTEGER NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	title_stage TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	description_stage TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '',
	tags_stage TEXT NOT NULL,
	tags_regeneration_count INTEGER NOT NULL DEFAULT 0,
	target_platform TEXT,
	publish_state TEXT NOT NULL,
	external_platform_id TEXT,
	external_url TEXT,
	upload_error TEXT,
	uploaded_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY(video_id) REFERENCES videos(id) ON DELETE CASCADE
)`, `
CREATE INDEX IF NOT EXISTS idx_published_artifacts_video
ON published_artifacts(video_id, publish_state)`, `
CREATE TABLE IF NOT EXISTS dispatches (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	video_id INTEGER NOT NULL,
	artifact_id INTEGER,
	endpoint TEXT NOT NULL,
	ok INTEGER NOT NULL,
	error TEXT,
	dispatched_at TEXT NOT NULL
)`, `
CREATE INDEX IF NOT EXISTS idx_dispatches_video
ON dispatches(video_id)`},
}

var postgresDialect = dialect{
	name:       DriverPostgres,
	driverName: "pgx",
	forUpdate:  " FOR UPDATE",
	numbered:   true,
	schema: []string{`
CREATE TABLE IF NOT EXISTS videos (
	id BIGSERIAL PRIMARY KEY,
	prompt TEXT NOT NULL,
	duration_requested INTEGER NOT NULL,
	duration_actual INTEGER,
	file_size_bytes BIGINT,
	screen_aspect TEXT NOT NULL,
	language TEXT NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	script TEXT NOT NULL DEFAULT '',
	preview_uri TEXT,
	stage TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`, `
CREATE INDEX IF NOT EXISTS idx_videos_stage
ON videos(stage, updated_at)`, `
CREATE TABLE IF NOT EXISTS video_references (
	video_id BIGINT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
	catalog_item_id BIGINT NOT NULL,
	position INTEGER NOT NULL,
	PRIMARY KEY (video_id, catalog_item_id)
)`, `
CREATE TABLE IF NOT EXISTS catalog_items (
	id BIGINT PRIMARY KEY,
	name TEXT NOT NULL,
	company TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT '',
	subcategory TEXT NOT NULL DEFAULT '',
	description TEXT NOT NULL DEFAULT '',
	attributes TEXT NOT NULL DEFAULT '{}'
)`, `
CREATE TABLE IF NOT EXISTS published_artifacts (
	id BIGSERIAL PRIMARY KEY,
	video_id BIGINT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
	title TEXT NOT NULL DEFAULT '',
	title_stage TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	description_stage TEXT NOT NULL,
	tags TEXT NOT NULL DEFAULT '',
	tags_stage TEXT NOT NULL,
	tags_regeneration_count INTEGER NOT NULL DEFAULT 0,
	target_platform TEXT,
	publish_state TEXT NOT NULL,
	external_platform_id TEXT,
	external_url TEXT,
	upload_error TEXT,
	uploaded_at TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`, `
CREATE INDEX IF NOT EXISTS idx_published_artifacts_video
ON published_artifacts(video_id, publish_state)`, `
CREATE TABLE IF NOT EXISTS dispatches (
	id BIGSERIAL PRIMARY KEY,
	job_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	video_id BIGINT NOT NULL,
	artifact_id BIGINT,
	endpoint TEXT NOT NULL,
	ok INTEGER NOT NULL,
	error TEXT,
	dispatched_at TEXT NOT NULL
)`, `
CREATE INDEX IF NOT EXISTS idx_dispatches_video
ON dispatches(video_id)`},
}

func dialectFor(driver string) (dialect, bool) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", DriverSQLite, "sqlite3":
		return sqliteDialect, true
	case DriverPostgres, "postgresql", "pgx":
		return postgresDialect, true
	}
	return dialect{}, false
}

// SupportedDriver reports whether Open accepts driver.
func SupportedDriver(driver string) bool {
	_, ok := dialectFor(driver)
	return ok
}

// IsSQLite reports whether driver selects the SQLite dialect.
func IsSQLite(driver string) bool {
	d, ok := dialectFor(driver)
	return ok && d.name == DriverSQLite
}
