package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/petal-labs/reelflow/core"
)

func newTestSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "reelflow.db")
	s, err := Open(context.Background(), Config{Driver: DriverSQLite, DSN: path})
	if err != nil {
		t.Fatalf("Open(sqlite): %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func insertVideo(t *testing.T, s *SQLStore, v core.Video) core.Video {
	t.Helper()
	if v.Stage == "" {
		v.Stage = core.StageAwaitingScript
	}
	if v.Aspect == "" {
		v.Aspect = core.DefaultAspect
	}
	if v.Language == "" {
		v.Language = "English"
	}
	err := s.Tx(context.Background(), func(tx Tx) error {
		return tx.InsertVideo(context.Background(), &v)
	})
	if err != nil {
		t.Fatalf("InsertVideo: %v", err)
	}
	return v
}

func TestOpen_Validation(t *testing.T) {
	ctx := context.Background()
	if _, err := Open(ctx, Config{Driver: "mysql", DSN: "x"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
	if _, err := Open(ctx, Config{Driver: DriverSQLite}); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestSQLStore_VideoRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	v := insertVideo(t, s, core.Video{Prompt: "a cat", DurationRequested: 90, Notes: "warm tone"})
	if v.ID <= 0 {
		t.Fatalf("InsertVideo did not assign id: %d", v.ID)
	}

	got, err := s.GetVideo(ctx, v.ID)
	if err != nil {
		t.Fatalf("GetVideo: %v", err)
	}
	if got.Prompt != "a cat" || got.DurationRequested != 90 || got.Stage != core.StageAwaitingScript {
		t.Fatalf("GetVideo = %+v", got)
	}
	if got.DurationActual != nil || got.PreviewURI != nil || got.FileSizeBytes != nil {
		t.Fatalf("nullable fields should be nil: %+v", got)
	}
	if got.Notes != "warm tone" || got.Aspect != core.AspectLandscape {
		t.Fatalf("notes/aspect mismatch: %+v", got)
	}

	preview := "https://cdn/p.mp4"
	dur := 87
	size := int64(1 << 20)
	err = s.Tx(ctx, func(tx Tx) error {
		cur, err := tx.Video(ctx, v.ID)
		if err != nil {
			return err
		}
		cur.Script = "Intro..."
		cur.Stage = core.StageRenderReadyForReview
		cur.PreviewURI = &preview
		cur.DurationActual = &dur
		cur.FileSizeBytes = &size
		return tx.SaveVideo(ctx, &cur)
	})
	if err != nil {
		t.Fatalf("SaveVideo: %v", err)
	}

	got, err = s.GetVideo(ctx, v.ID)
	if err != nil {
		t.Fatalf("GetVideo after save: %v", err)
	}
	if got.Script != "Intro..." || !got.HasPreview() || *got.DurationActual != 87 || *got.FileSizeBytes != size {
		t.Fatalf("saved video = %+v", got)
	}
	if !got.UpdatedAt.After(got.CreatedAt) && !got.UpdatedAt.Equal(got.CreatedAt) {
		t.Fatalf("updated_at %v before created_at %v", got.UpdatedAt, got.CreatedAt)
	}
}

func TestSQLStore_NotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	if _, err := s.GetVideo(ctx, 42); !core.IsNotFound(err) {
		t.Fatalf("GetVideo(42) err = %v, want NotFoundError", err)
	}
	if _, err := s.GetArtifact(ctx, 42); !core.IsNotFound(err) {
		t.Fatalf("GetArtifact(42) err = %v, want NotFoundError", err)
	}
	err := s.Tx(ctx, func(tx Tx) error {
		v := core.Video{ID: 99, Stage: core.StageScriptReady, Aspect: core.DefaultAspect}
		return tx.SaveVideo(ctx, &v)
	})
	if !core.IsNotFound(err) {
		t.Fatalf("SaveVideo(99) err = %v, want NotFoundError", err)
	}
}

func TestSQLStore_TxRollback(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	boom := errors.New("boom")
	err := s.Tx(ctx, func(tx Tx) error {
		v := core.Video{Prompt: "p", DurationRequested: 10, Aspect: core.DefaultAspect, Language: "English", Stage: core.StageAwaitingScript}
		if err := tx.InsertVideo(ctx, &v); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Tx err = %v, want boom", err)
	}

	videos, err := s.ListVideos(ctx, VideoFilter{})
	if err != nil {
		t.Fatalf("ListVideos: %v", err)
	}
	if len(videos) != 0 {
		t.Fatalf("rolled back insert is visible: %+v", videos)
	}
}

func TestSQLStore_ListVideosFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	a := insertVideo(t, s, core.Video{Prompt: "a", DurationRequested: 10})
	b := insertVideo(t, s, core.Video{Prompt: "b", DurationRequested: 10, Stage: core.StageRendering})
	insertVideo(t, s, core.Video{Prompt: "c", DurationRequested: 10, Stage: core.StageRenderApproved})

	all, err := s.ListVideos(ctx, VideoFilter{})
	if err != nil {
		t.Fatalf("ListVideos: %v", err)
	}
	if len(all) != 3 || all[0].Prompt != "c" {
		t.Fatalf("ListVideos newest first: got %d videos, first %q", len(all), all[0].Prompt)
	}

	inflight, err := s.ListVideos(ctx, VideoFilter{Stages: []core.Stage{core.StageAwaitingScript, core.StageRendering}})
	if err != nil {
		t.Fatalf("ListVideos(in flight): %v", err)
	}
	if len(inflight) != 2 || inflight[0].ID != b.ID || inflight[1].ID != a.ID {
		t.Fatalf("ListVideos(in flight) = %+v", inflight)
	}

	stale, err := s.ListVideos(ctx, VideoFilter{UpdatedBefore: time.Now().Add(-time.Hour)})
	if err != nil {
		t.Fatalf("ListVideos(stale): %v", err)
	}
	if len(stale) != 0 {
		t.Fatalf("fresh videos reported stale: %d", len(stale))
	}

	limited, err := s.ListVideos(ctx, VideoFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListVideos(limit): %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("ListVideos(limit 1) returned %d", len(limited))
	}
}

func TestSQLStore_ReferencesReplaceAll(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)
	v := insertVideo(t, s, core.Video{Prompt: "p", DurationRequested: 10})

	replace := func(ids ...int64) {
		t.Helper()
		if err := s.Tx(ctx, func(tx Tx) error {
			return tx.ReplaceReferences(ctx, v.ID, ids)
		}); err != nil {
			t.Fatalf("ReplaceReferences: %v", err)
		}
	}

	replace(3, 1, 2, 1)
	refs, err := s.References(ctx, v.ID)
	if err != nil {
		t.Fatalf("References: %v", err)
	}
	if len(refs) != 3 || refs[0] != 3 || refs[1] != 1 || refs[2] != 2 {
		t.Fatalf("References = %v, want [3 1 2]", refs)
	}

	replace(5)
	refs, _ = s.References(ctx, v.ID)
	if len(refs) != 1 || refs[0] != 5 {
		t.Fatalf("References after replace = %v, want [5]", refs)
	}

	replace()
	refs, _ = s.References(ctx, v.ID)
	if len(refs) != 0 {
		t.Fatalf("References after clear = %v", refs)
	}
}

func TestSQLStore_CatalogItems(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	items := []core.CatalogItem{
		{ID: 1, Name: "Kettle", Company: "Acme", Category: "Kitchen", Attributes: map[string]any{"color": "red"}},
		{ID: 2, Name: "Toaster"},
	}
	if err := s.UpsertCatalogItems(ctx, items); err != nil {
		t.Fatalf("UpsertCatalogItems: %v", err)
	}
	items[1].Name = "Toaster XL"
	if err := s.UpsertCatalogItems(ctx, items[1:]); err != nil {
		t.Fatalf("UpsertCatalogItems(update): %v", err)
	}

	got, err := s.CatalogItems(ctx, []int64{2, 9, 1})
	if err != nil {
		t.Fatalf("CatalogItems: %v", err)
	}
	if len(got) != 2 || got[0].Name != "Toaster XL" || got[1].Name != "Kettle" {
		t.Fatalf("CatalogItems = %+v", got)
	}
	if got[1].Attributes["color"] != "red" {
		t.Fatalf("attributes not round-tripped: %+v", got[1].Attributes)
	}

	if err := s.UpsertCatalogItems(ctx, []core.CatalogItem{{Name: "no id"}}); !core.IsValidation(err) {
		t.Fatalf("UpsertCatalogItems(no id) err = %v, want ValidationError", err)
	}
}

func TestSQLStore_ArtifactRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)
	v := insertVideo(t, s, core.Video{Prompt: "p", DurationRequested: 10, Stage: core.StageRenderApproved})

	art := core.PublishedArtifact{
		VideoID:          v.ID,
		TitleStage:       core.LanePending,
		DescriptionStage: core.LanePending,
		TagsStage:        core.LanePending,
		PublishState:     core.PublishAwaitingReview,
	}
	if err := s.Tx(ctx, func(tx Tx) error { return tx.InsertArtifact(ctx, &art) }); err != nil {
		t.Fatalf("InsertArtifact: %v", err)
	}
	if art.ID <= 0 {
		t.Fatalf("InsertArtifact did not assign id")
	}

	err := s.Tx(ctx, func(tx Tx) error {
		owner, err := tx.ArtifactVideoID(ctx, art.ID)
		if err != nil {
			return err
		}
		if owner != v.ID {
			t.Errorf("ArtifactVideoID = %d, want %d", owner, v.ID)
		}
		if _, err := tx.ArtifactVideoID(ctx, art.ID+100); !core.IsNotFound(err) {
			t.Errorf("ArtifactVideoID(missing) err = %v, want NotFoundError", err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ArtifactVideoID: %v", err)
	}

	yt := core.PlatformYouTube
	extID := "yt-123"
	url := "https://youtu.be/yt-123"
	now := time.Now().UTC()
	err = s.Tx(ctx, func(tx Tx) error {
		cur, err := tx.Artifact(ctx, art.ID)
		if err != nil {
			return err
		}
		cur.Title = "Best cat"
		cur.TitleStage = core.LaneApproved
		cur.TagsRegenerationCount = 2
		cur.TargetPlatform = &yt
		cur.PublishState = core.PublishPublished
		cur.ExternalPlatformID = &extID
		cur.ExternalURL = &url
		cur.UploadedAt = &now
		return tx.SaveArtifact(ctx, &cur)
	})
	if err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}

	got, err := s.GetArtifact(ctx, art.ID)
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if got.Title != "Best cat" || got.TitleStage != core.LaneApproved || got.TagsRegenerationCount != 2 {
		t.Fatalf("GetArtifact = %+v", got)
	}
	if !got.OnPlatform(core.PlatformYouTube) || got.PublishState != core.PublishPublished {
		t.Fatalf("platform/state mismatch: %+v", got)
	}
	if got.UploadedAt == nil || !got.UploadedAt.Equal(now) {
		t.Fatalf("uploaded_at = %v, want %v", got.UploadedAt, now)
	}
	if !got.CreatedAt.Equal(art.CreatedAt.UTC()) {
		t.Fatalf("created_at changed on save: %v vs %v", got.CreatedAt, art.CreatedAt)
	}

	list, err := s.ListArtifacts(ctx, ArtifactFilter{VideoID: v.ID, States: []core.PublishState{core.PublishPublished}})
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(list) != 1 || list[0].ID != art.ID {
		t.Fatalf("ListArtifacts = %+v", list)
	}
	list, _ = s.ListArtifacts(ctx, ArtifactFilter{States: []core.PublishState{core.PublishAwaitingReview}})
	if len(list) != 0 {
		t.Fatalf("ListArtifacts(awaiting_review) = %+v", list)
	}
}

func TestSQLStore_DispatchLog(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	artifactID := int64(7)
	recs := []core.DispatchRecord{
		{JobID: "j1", Kind: "script", VideoID: 1, Endpoint: "http://w/script", OK: true},
		{JobID: "j2", Kind: "upload", VideoID: 2, ArtifactID: &artifactID, Endpoint: "http://w/upload", Error: "status 502"},
	}
	for i := range recs {
		if err := s.RecordDispatch(ctx, &recs[i]); err != nil {
			t.Fatalf("RecordDispatch: %v", err)
		}
	}

	all, err := s.ListDispatches(ctx, DispatchFilter{})
	if err != nil {
		t.Fatalf("ListDispatches: %v", err)
	}
	if len(all) != 2 || all[0].JobID != "j2" {
		t.Fatalf("ListDispatches = %+v", all)
	}
	if all[0].OK || all[0].Error != "status 502" || all[0].ArtifactID == nil || *all[0].ArtifactID != 7 {
		t.Fatalf("failed dispatch record = %+v", all[0])
	}

	one, _ := s.ListDispatches(ctx, DispatchFilter{VideoID: 1})
	if len(one) != 1 || !one[0].OK || one[0].ArtifactID != nil {
		t.Fatalf("ListDispatches(video 1) = %+v", one)
	}
}

func TestSQLStore_Summary(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLiteStore(t)

	insertVideo(t, s, core.Video{Prompt: "a", DurationRequested: 10})
	insertVideo(t, s, core.Video{Prompt: "b", DurationRequested: 10})
	v := insertVideo(t, s, core.Video{Prompt: "c", DurationRequested: 10, Stage: core.StageRenderApproved})
	art := core.PublishedArtifact{VideoID: v.ID, TitleStage: core.LanePending, DescriptionStage: core.LanePending, TagsStage: core.LanePending, PublishState: core.PublishAwaitingReview}
	if err := s.Tx(ctx, func(tx Tx) error { return tx.InsertArtifact(ctx, &art) }); err != nil {
		t.Fatalf("InsertArtifact: %v", err)
	}

	sum, err := s.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.TotalVideos != 3 || sum.Videos[core.StageAwaitingScript] != 2 || sum.Videos[core.StageRenderApproved] != 1 {
		t.Fatalf("video counts = %+v", sum)
	}
	if sum.Videos[core.StageRendering] != 0 {
		t.Fatalf("missing stages should report zero")
	}
	if sum.TotalArtifacts != 1 || sum.Artifacts[core.PublishAwaitingReview] != 1 {
		t.Fatalf("artifact counts = %+v", sum)
	}
}

func TestDialectRebind(t *testing.T) {
	got := postgresDialect.rebind("SELECT * FROM videos WHERE id = ? AND stage IN (?, ?)")
	want := "SELECT * FROM videos WHERE id = $1 AND stage IN ($2, $3)"
	if got != want {
		t.Fatalf("rebind = %q, want %q", got, want)
	}
	if q := sqliteDialect.rebind("id = ?"); q != "id = ?" {
		t.Fatalf("sqlite rebind changed query: %q", q)
	}
	if _, ok := dialectFor("postgresql"); !ok {
		t.Fatal("postgresql alias not recognised")
	}
}
