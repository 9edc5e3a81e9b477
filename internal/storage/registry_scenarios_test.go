package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bitriver-vod/internal/models"
)

// RegistryFactory constructs a registry backed by either the JSON store or
// the Postgres implementation for cross-backend scenario assertions.
type RegistryFactory func(t *testing.T, opts ...Option) (Registry, func(), error)

func runRegistry(t *testing.T, factory RegistryFactory, opts ...Option) Registry {
	t.Helper()
	if factory == nil {
		t.Fatal("registry factory is required")
	}
	repo, cleanup, err := factory(t, opts...)
	if errors.Is(err, ErrPostgresUnavailable) {
		t.Skip("postgres registry unavailable")
	}
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	if repo == nil {
		t.Fatal("registry factory returned nil registry")
	}
	if cleanup != nil {
		t.Cleanup(cleanup)
	}
	return repo
}

func requireAvailable(t *testing.T, err error, operation string) {
	t.Helper()
	if errors.Is(err, ErrPostgresUnavailable) {
		t.Skip("postgres registry unavailable")
	}
	if err != nil {
		t.Fatalf("%s: %v", operation, err)
	}
}

// steppingClock returns a clock that advances one second per call.
func steppingClock(start time.Time) func() time.Time {
	var (
		mu  sync.Mutex
		now = start
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
}

func strPtr(value string) *string { return &value }

// RunRegistryLifecycle walks an asset from ingesting to ready.
func RunRegistryLifecycle(t *testing.T, factory RegistryFactory) {
	repo := runRegistry(t, factory, WithClock(steppingClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))))
	ctx := context.Background()

	created, err := repo.Create(ctx, models.Asset{ID: "asset-lifecycle", Title: "  Launch  ", OwnerID: "owner-1", SourceName: "launch.mp4"})
	requireAvailable(t, err, "create asset")
	if created.Status != models.AssetStatusIngesting {
		t.Fatalf("expected ingesting, got %s", created.Status)
	}
	if created.Title != "Launch" {
		t.Fatalf("expected trimmed title, got %q", created.Title)
	}
	if created.CreatedAt.IsZero() || !created.CreatedAt.Equal(created.UpdatedAt) {
		t.Fatalf("expected matching created/updated timestamps, got %v %v", created.CreatedAt, created.UpdatedAt)
	}

	if _, err := repo.Create(ctx, models.Asset{ID: "asset-lifecycle"}); !errors.Is(err, ErrExists) {
		t.Fatalf("expected ErrExists for duplicate id, got %v", err)
	}

	if _, err := repo.UpdateStatus(ctx, created.ID, models.AssetStatusAnalyzing, ""); err != nil {
		t.Fatalf("move to analyzing: %v", err)
	}
	meta := models.Metadata{DurationSeconds: 12.5, Width: 1280, Height: 720, VideoCodec: "h264", Resolution: "1280x720", Quality: models.QualityMedium}
	if _, err := repo.UpdateAsset(ctx, created.ID, AssetUpdate{Metadata: &meta}); err != nil {
		t.Fatalf("record metadata: %v", err)
	}
	if _, err := repo.UpdateStatus(ctx, created.ID, models.AssetStatusTranscoding, ""); err != nil {
		t.Fatalf("move to transcoding: %v", err)
	}
	if _, err := repo.UpdateStatus(ctx, created.ID, models.AssetStatusReady, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ready without manifest to fail, got %v", err)
	}
	if _, err := repo.UpdateAsset(ctx, created.ID, AssetUpdate{
		ManifestPath:  strPtr("manifest.mpd"),
		HLSPath:       strPtr("master.m3u8"),
		ThumbnailPath: strPtr("thumbnail.enc"),
	}); err != nil {
		t.Fatalf("record outputs: %v", err)
	}
	ready, err := repo.UpdateStatus(ctx, created.ID, models.AssetStatusReady, "")
	if err != nil {
		t.Fatalf("move to ready: %v", err)
	}
	if ready.ReadyAt == nil || !ready.ReadyAt.Equal(ready.UpdatedAt) {
		t.Fatalf("expected readyAt to match updatedAt, got %v", ready.ReadyAt)
	}

	loaded, err := repo.FindByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("find asset: %v", err)
	}
	if !loaded.Ready() || loaded.ManifestPath != "manifest.mpd" || loaded.ThumbnailPath != "thumbnail.enc" {
		t.Fatalf("unexpected loaded asset %+v", loaded)
	}
	if loaded.Metadata == nil || loaded.Metadata.Width != 1280 || loaded.Metadata.Quality != models.QualityMedium {
		t.Fatalf("unexpected metadata %+v", loaded.Metadata)
	}

	if _, err := repo.UpdateStatus(ctx, created.ID, models.AssetStatusFailed, "late failure"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ready to be terminal, got %v", err)
	}
	if _, err := repo.UpdateAsset(ctx, created.ID, AssetUpdate{Title: strPtr("renamed")}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected terminal asset to reject updates, got %v", err)
	}
}

// RunRegistryRejectsBackwardTransitions checks the monotonic lifecycle and
// failure bookkeeping.
func RunRegistryRejectsBackwardTransitions(t *testing.T, factory RegistryFactory) {
	repo := runRegistry(t, factory)
	ctx := context.Background()

	_, err := repo.Create(ctx, models.Asset{ID: "asset-backward"})
	requireAvailable(t, err, "create asset")
	if _, err := repo.UpdateStatus(ctx, "asset-backward", models.AssetStatusTranscoding, ""); err != nil {
		t.Fatalf("skip ahead to transcoding: %v", err)
	}
	if _, err := repo.UpdateStatus(ctx, "asset-backward", models.AssetStatusAnalyzing, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected backward transition to fail, got %v", err)
	}
	failed, err := repo.UpdateStatus(ctx, "asset-backward", models.AssetStatusFailed, "  encoder crashed ")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if failed.Error != "encoder crashed" {
		t.Fatalf("expected recorded error, got %q", failed.Error)
	}
	if _, err := repo.UpdateStatus(ctx, "asset-backward", models.AssetStatusFailed, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected failed to be terminal, got %v", err)
	}

	_, err = repo.Create(ctx, models.Asset{ID: "asset-blank-failure"})
	requireAvailable(t, err, "create asset")
	blank, err := repo.UpdateStatus(ctx, "asset-blank-failure", models.AssetStatusFailed, "")
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if blank.Error != "failed" {
		t.Fatalf("expected default failure message, got %q", blank.Error)
	}

	if _, err := repo.UpdateStatus(ctx, "missing", models.AssetStatusAnalyzing, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.FindByID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := repo.Create(ctx, models.Asset{ID: "../escape"}); !errors.Is(err, ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset, got %v", err)
	}
}

// RunRegistryMetadataOnce checks metadata cannot be overwritten.
func RunRegistryMetadataOnce(t *testing.T, factory RegistryFactory) {
	repo := runRegistry(t, factory)
	ctx := context.Background()

	_, err := repo.Create(ctx, models.Asset{ID: "asset-meta"})
	requireAvailable(t, err, "create asset")
	first := models.Metadata{DurationSeconds: 3, Quality: models.QualityFast}
	if _, err := repo.UpdateAsset(ctx, "asset-meta", AssetUpdate{Metadata: &first}); err != nil {
		t.Fatalf("first metadata write: %v", err)
	}
	second := models.Metadata{DurationSeconds: 9, Quality: models.QualityHigh}
	if _, err := repo.UpdateAsset(ctx, "asset-meta", AssetUpdate{Metadata: &second}); !errors.Is(err, ErrMetadataSet) {
		t.Fatalf("expected ErrMetadataSet, got %v", err)
	}
	loaded, err := repo.FindByID(ctx, "asset-meta")
	if err != nil {
		t.Fatalf("find asset: %v", err)
	}
	if loaded.Metadata == nil || loaded.Metadata.DurationSeconds != 3 {
		t.Fatalf("expected first metadata to stick, got %+v", loaded.Metadata)
	}
}

// RunRegistryListing checks filters, ordering and limits.
func RunRegistryListing(t *testing.T, factory RegistryFactory) {
	repo := runRegistry(t, factory, WithClock(steppingClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))))
	ctx := context.Background()

	for _, asset := range []models.Asset{
		{ID: "list-a", OwnerID: "alice"},
		{ID: "list-b", OwnerID: "bob"},
		{ID: "list-c", OwnerID: "alice"},
	} {
		_, err := repo.Create(ctx, asset)
		requireAvailable(t, err, "create "+asset.ID)
	}
	if _, err := repo.UpdateAsset(ctx, "list-a", AssetUpdate{ManifestPath: strPtr("manifest.mpd")}); err != nil {
		t.Fatalf("set manifest: %v", err)
	}
	if _, err := repo.UpdateStatus(ctx, "list-a", models.AssetStatusReady, ""); err != nil {
		t.Fatalf("mark ready: %v", err)
	}

	all, err := repo.ListAssets(ctx, ListFilter{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if got := assetIDs(all); !equalIDs(got, []string{"list-c", "list-b", "list-a"}) {
		t.Fatalf("expected newest first, got %v", got)
	}

	ready, err := repo.ListAssets(ctx, ListFilter{ReadyOnly: true})
	if err != nil {
		t.Fatalf("list ready: %v", err)
	}
	if got := assetIDs(ready); !equalIDs(got, []string{"list-a"}) {
		t.Fatalf("expected only ready asset, got %v", got)
	}

	owned, err := repo.ListAssets(ctx, ListFilter{OwnerID: "alice", Limit: 1})
	if err != nil {
		t.Fatalf("list owned: %v", err)
	}
	if got := assetIDs(owned); !equalIDs(got, []string{"list-c"}) {
		t.Fatalf("expected newest alice asset, got %v", got)
	}

	ingesting, err := repo.ListAssets(ctx, ListFilter{Status: models.AssetStatusIngesting})
	if err != nil {
		t.Fatalf("list ingesting: %v", err)
	}
	if len(ingesting) != 2 {
		t.Fatalf("expected two ingesting assets, got %d", len(ingesting))
	}
}

func assetIDs(assets []models.Asset) []string {
	ids := make([]string, 0, len(assets))
	for _, asset := range assets {
		ids = append(ids, asset.ID)
	}
	return ids
}

func equalIDs(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}
