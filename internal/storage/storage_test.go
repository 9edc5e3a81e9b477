package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"bitriver-vod/internal/models"
)

func jsonRegistryFactory(t *testing.T, opts ...Option) (Registry, func(), error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "registry.json")
	store, err := NewJSONRegistry(path, opts...)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

func newTestRegistry(t *testing.T, opts ...Option) (*JSONRegistry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "registry.json")
	store, err := NewJSONRegistry(path, opts...)
	if err != nil {
		t.Fatalf("NewJSONRegistry error: %v", err)
	}
	return store, path
}

func TestJSONRegistryLifecycle(t *testing.T) {
	RunRegistryLifecycle(t, jsonRegistryFactory)
}

func TestJSONRegistryRejectsBackwardTransitions(t *testing.T) {
	RunRegistryRejectsBackwardTransitions(t, jsonRegistryFactory)
}

func TestJSONRegistryMetadataOnce(t *testing.T) {
	RunRegistryMetadataOnce(t, jsonRegistryFactory)
}

func TestJSONRegistryListing(t *testing.T) {
	RunRegistryListing(t, jsonRegistryFactory)
}

func TestJSONRegistryReloadsFromDisk(t *testing.T) {
	store, path := newTestRegistry(t)
	ctx := context.Background()
	if _, err := store.Create(ctx, models.Asset{ID: "persisted", Title: "Persisted"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	meta := models.Metadata{DurationSeconds: 4, Width: 640, Height: 360}
	if _, err := store.UpdateAsset(ctx, "persisted", AssetUpdate{Metadata: &meta}); err != nil {
		t.Fatalf("update: %v", err)
	}

	reloaded, err := NewJSONRegistry(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	asset, err := reloaded.FindByID(ctx, "persisted")
	if err != nil {
		t.Fatalf("find after reload: %v", err)
	}
	if asset.Title != "Persisted" || asset.Metadata == nil || asset.Metadata.Width != 640 {
		t.Fatalf("unexpected reloaded asset %+v", asset)
	}

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), "registry-*.json"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(leftovers) != 0 {
		t.Fatalf("expected temp files to be cleaned up, found %v", leftovers)
	}
}

func TestJSONRegistryEmptyFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("write empty file: %v", err)
	}
	store, err := NewJSONRegistry(path)
	if err != nil {
		t.Fatalf("open empty registry: %v", err)
	}
	assets, err := store.ListAssets(context.Background(), ListFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(assets) != 0 {
		t.Fatalf("expected no assets, got %d", len(assets))
	}
}

func TestJSONRegistryRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}
	if _, err := NewJSONRegistry(path); err == nil {
		t.Fatal("expected corrupt registry to fail to load")
	}
}

func TestJSONRegistryPersistFailureRestoresState(t *testing.T) {
	store, _ := newTestRegistry(t)
	ctx := context.Background()
	if _, err := store.Create(ctx, models.Asset{ID: "stable"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	diskFull := errors.New("disk full")
	store.persistOverride = func(dataset) error { return diskFull }

	if _, err := store.UpdateStatus(ctx, "stable", models.AssetStatusAnalyzing, ""); !errors.Is(err, diskFull) {
		t.Fatalf("expected persist error, got %v", err)
	}
	if _, err := store.Create(ctx, models.Asset{ID: "unsaved"}); !errors.Is(err, diskFull) {
		t.Fatalf("expected persist error on create, got %v", err)
	}

	store.persistOverride = nil
	asset, err := store.FindByID(ctx, "stable")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if asset.Status != models.AssetStatusIngesting {
		t.Fatalf("expected status to be restored, got %s", asset.Status)
	}
	if _, err := store.FindByID(ctx, "unsaved"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected failed create to be rolled back, got %v", err)
	}
}

func TestJSONRegistryReturnsCopies(t *testing.T) {
	store, _ := newTestRegistry(t)
	ctx := context.Background()
	if _, err := store.Create(ctx, models.Asset{ID: "copied"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	meta := models.Metadata{Width: 100}
	if _, err := store.UpdateAsset(ctx, "copied", AssetUpdate{Metadata: &meta}); err != nil {
		t.Fatalf("update: %v", err)
	}
	meta.Width = 999

	first, err := store.FindByID(ctx, "copied")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	first.Metadata.Width = 5

	second, err := store.FindByID(ctx, "copied")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if second.Metadata.Width != 100 {
		t.Fatalf("expected stored metadata to be isolated, got %d", second.Metadata.Width)
	}
}

func TestJSONRegistryHonoursCancelledContext(t *testing.T) {
	store, _ := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := store.Create(ctx, models.Asset{ID: "cancelled"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if err := store.Ping(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected ping to report cancellation, got %v", err)
	}
}
