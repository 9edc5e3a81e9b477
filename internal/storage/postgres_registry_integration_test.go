//go:build postgres

package storage_test

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"bitriver-vod/internal/models"
	"bitriver-vod/internal/storage"
)

// postgresRegistryFactory opens a Postgres-backed registry for integration
// scenarios. BITRIVER_VOD_TEST_POSTGRES_DSN must point at a database dedicated
// to automated runs; the assets table is truncated around every test.
func postgresRegistryFactory(t *testing.T, opts ...storage.Option) (storage.Registry, func(), error) {
	t.Helper()
	dsn := os.Getenv("BITRIVER_VOD_TEST_POSTGRES_DSN")
	if strings.TrimSpace(dsn) == "" {
		t.Skip("BITRIVER_VOD_TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	opts = append([]storage.Option{storage.WithPostgresAcquireTimeout(5 * time.Second)}, opts...)
	repo, err := storage.NewPostgresRegistry(ctx, dsn, opts...)
	if err != nil {
		return nil, nil, err
	}
	if _, err := repo.Pool().Exec(ctx, "TRUNCATE assets"); err != nil {
		_ = repo.Close(context.Background())
		t.Fatalf("truncate assets: %v", err)
	}
	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := repo.Pool().Exec(ctx, "TRUNCATE assets"); err != nil {
			t.Errorf("truncate assets: %v", err)
		}
		_ = repo.Close(ctx)
	}
	return repo, cleanup, nil
}

func TestPostgresRegistryLifecycle(t *testing.T) {
	storage.RunRegistryLifecycle(t, postgresRegistryFactory)
}

func TestPostgresRegistryRejectsBackwardTransitions(t *testing.T) {
	storage.RunRegistryRejectsBackwardTransitions(t, postgresRegistryFactory)
}

func TestPostgresRegistryMetadataOnce(t *testing.T) {
	storage.RunRegistryMetadataOnce(t, postgresRegistryFactory)
}

func TestPostgresRegistryListing(t *testing.T) {
	storage.RunRegistryListing(t, postgresRegistryFactory)
}

func TestPostgresRegistryClosedPoolIsUnavailable(t *testing.T) {
	repo, _, err := postgresRegistryFactory(t)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close(context.Background()) })
	pg := repo.(*storage.PostgresRegistry)
	pg.Pool().Close()

	_, err = repo.FindByID(context.Background(), "anything")
	if !errors.Is(err, storage.ErrPostgresUnavailable) {
		t.Fatalf("expected ErrPostgresUnavailable after close, got %v", err)
	}
	_, err = repo.Create(context.Background(), models.Asset{ID: "after-close"})
	if !errors.Is(err, storage.ErrPostgresUnavailable) {
		t.Fatalf("expected ErrPostgresUnavailable on create, got %v", err)
	}
}

func TestPostgresRegistryImportKeepsHistory(t *testing.T) {
	repo, cleanup, err := postgresRegistryFactory(t)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	defer cleanup()
	pg := repo.(*storage.PostgresRegistry)
	ctx := context.Background()

	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	readyAt := created.Add(10 * time.Minute)
	assets := []models.Asset{
		{
			ID: "imported-ready", Title: "Ready", Status: models.AssetStatusReady,
			Metadata:     &models.Metadata{DurationSeconds: 12, Width: 1920, Height: 1080, Quality: models.QualityHigh},
			ManifestPath: "manifest.mpd", HLSPath: "master.m3u8",
			CreatedAt: created, UpdatedAt: readyAt, ReadyAt: &readyAt,
		},
		{ID: "imported-failed", Title: "Failed", Status: models.AssetStatusFailed, Error: "probe failed", CreatedAt: created, UpdatedAt: created},
	}
	n, err := pg.Import(ctx, assets)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 inserted, got %d", n)
	}
	got, err := pg.FindByID(ctx, "imported-ready")
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if !got.CreatedAt.Equal(created) || got.ReadyAt == nil || !got.ReadyAt.Equal(readyAt) || got.Metadata == nil || got.Metadata.Quality != models.QualityHigh {
		t.Fatalf("history not preserved: %+v", got)
	}

	n, err = pg.Import(ctx, assets)
	if err != nil {
		t.Fatalf("second Import: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected re-import to skip existing ids, got %d", n)
	}

	if _, err := pg.Import(ctx, []models.Asset{{ID: "../bad", Status: models.AssetStatusReady}}); !errors.Is(err, storage.ErrInvalidAsset) {
		t.Fatalf("expected ErrInvalidAsset, got %v", err)
	}
}
