package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitriver-vod/internal/models"
)

var (
	// ErrNotFound is returned when no asset has the requested id.
	ErrNotFound = errors.New("storage: asset not found")
	// ErrExists is returned when creating an asset whose id is taken.
	ErrExists = errors.New("storage: asset already exists")
	// ErrInvalidTransition rejects status changes that would move an asset
	// backwards or out of a terminal status.
	ErrInvalidTransition = errors.New("storage: invalid status transition")
	// ErrMetadataSet rejects a second metadata write for an asset.
	ErrMetadataSet = errors.New("storage: metadata already recorded")
	// ErrInvalidAsset rejects assets missing required fields.
	ErrInvalidAsset = errors.New("storage: invalid asset")
	// ErrPostgresUnavailable is returned when the Postgres pool is closed or
	// was never opened.
	ErrPostgresUnavailable = errors.New("storage: postgres unavailable")
)

// AssetUpdate carries the fields UpdateAsset may change. Nil fields are left
// untouched.
type AssetUpdate struct {
	Title         *string
	Metadata      *models.Metadata
	ManifestPath  *string
	HLSPath       *string
	ThumbnailPath *string
}

// ListFilter narrows ListAssets.
type ListFilter struct {
	// ReadyOnly restricts the listing to servable assets.
	ReadyOnly bool
	Status    models.AssetStatus
	OwnerID   string
	// Limit caps the number of results. Zero means no limit.
	Limit int
}

// Registry stores asset records and enforces the status lifecycle.
type Registry interface {
	Ping(ctx context.Context) error
	Create(ctx context.Context, asset models.Asset) (models.Asset, error)
	// UpdateStatus moves an asset to status. message is recorded as the
	// asset error when status is failed.
	UpdateStatus(ctx context.Context, id string, status models.AssetStatus, message string) (models.Asset, error)
	UpdateAsset(ctx context.Context, id string, update AssetUpdate) (models.Asset, error)
	FindByID(ctx context.Context, id string) (models.Asset, error)
	// ListAssets returns matching assets, newest first.
	ListAssets(ctx context.Context, filter ListFilter) ([]models.Asset, error)
	Close(ctx context.Context) error
}

// prepareCreate validates asset and fills defaults shared by every backend.
func prepareCreate(asset models.Asset, now time.Time) (models.Asset, error) {
	if !models.ValidAssetID(asset.ID) {
		return models.Asset{}, fmt.Errorf("%w: id %q", ErrInvalidAsset, asset.ID)
	}
	if asset.Status == "" {
		asset.Status = models.AssetStatusIngesting
	}
	if _, ok := models.ParseAssetStatus(string(asset.Status)); !ok {
		return models.Asset{}, fmt.Errorf("%w: status %q", ErrInvalidAsset, asset.Status)
	}
	asset.Title = strings.TrimSpace(asset.Title)
	asset.CreatedAt = now
	asset.UpdatedAt = now
	asset.ReadyAt = nil
	return asset, nil
}

// applyStatus performs a lifecycle transition on asset in memory.
func applyStatus(asset models.Asset, status models.AssetStatus, message string, now time.Time) (models.Asset, error) {
	if !asset.Status.CanTransition(status) {
		return models.Asset{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, asset.Status, status)
	}
	if status == models.AssetStatusReady && asset.ManifestPath == "" {
		return models.Asset{}, fmt.Errorf("%w: ready without manifest", ErrInvalidTransition)
	}
	asset.Status = status
	asset.UpdatedAt = now
	switch status {
	case models.AssetStatusReady:
		readyAt := now
		asset.ReadyAt = &readyAt
		asset.Error = ""
	case models.AssetStatusFailed:
		asset.Error = strings.TrimSpace(message)
		if asset.Error == "" {
			asset.Error = "failed"
		}
	}
	return asset, nil
}

// applyUpdate merges update into asset in memory.
func applyUpdate(asset models.Asset, update AssetUpdate, now time.Time) (models.Asset, error) {
	if asset.Status.Terminal() {
		return models.Asset{}, fmt.Errorf("%w: asset is %s", ErrInvalidTransition, asset.Status)
	}
	if update.Metadata != nil {
		if asset.Metadata != nil {
			return models.Asset{}, ErrMetadataSet
		}
		meta := *update.Metadata
		asset.Metadata = &meta
	}
	if update.Title != nil {
		asset.Title = strings.TrimSpace(*update.Title)
	}
	if update.ManifestPath != nil {
		asset.ManifestPath = *update.ManifestPath
	}
	if update.HLSPath != nil {
		asset.HLSPath = *update.HLSPath
	}
	if update.ThumbnailPath != nil {
		asset.ThumbnailPath = *update.ThumbnailPath
	}
	asset.UpdatedAt = now
	return asset, nil
}

func matchesFilter(asset models.Asset, filter ListFilter) bool {
	if filter.ReadyOnly && asset.Status != models.AssetStatusReady {
		return false
	}
	if filter.Status != "" && asset.Status != filter.Status {
		return false
	}
	if filter.OwnerID != "" && asset.OwnerID != filter.OwnerID {
		return false
	}
	return true
}
