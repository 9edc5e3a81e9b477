package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"bitriver-vod/internal/models"
)

type dataset struct {
	Assets map[string]models.Asset `json:"assets"`
}

func newDataset() dataset {
	return dataset{Assets: make(map[string]models.Asset)}
}

// JSONRegistry keeps assets in a single JSON document rewritten atomically on
// every mutation. It suits single-node deployments and tests.
type JSONRegistry struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

var _ Registry = (*JSONRegistry)(nil)

// NewJSONRegistry loads path, creating an empty registry when it is missing.
func NewJSONRegistry(path string, opts ...Option) (*JSONRegistry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("json registry path required")
	}
	store := &JSONRegistry{
		filePath: path,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *JSONRegistry) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		s.data = newDataset()
		return nil
	} else if err != nil {
		return fmt.Errorf("open registry file: %w", err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&s.data); err != nil {
		if errors.Is(err, io.EOF) {
			s.data = newDataset()
			return nil
		}
		return fmt.Errorf("decode registry file: %w", err)
	}
	if s.data.Assets == nil {
		s.data.Assets = make(map[string]models.Asset)
	}
	return nil
}

func (s *JSONRegistry) persist() error {
	if s.persistOverride != nil {
		if err := s.persistOverride(s.data); err != nil {
			return err
		}
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "registry-*.json")
	if err != nil {
		return fmt.Errorf("create temp registry file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode registry file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush registry file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp registry file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace registry file: %w", err)
	}
	success = true
	return nil
}

// storeLocked writes asset and persists, restoring the previous record when the
// write to disk fails.
func (s *JSONRegistry) storeLocked(asset models.Asset) error {
	previous, existed := s.data.Assets[asset.ID]
	s.data.Assets[asset.ID] = asset
	if err := s.persist(); err != nil {
		if existed {
			s.data.Assets[asset.ID] = previous
		} else {
			delete(s.data.Assets, asset.ID)
		}
		return err
	}
	return nil
}

func (s *JSONRegistry) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := os.Stat(filepath.Dir(s.filePath))
	return err
}

func (s *JSONRegistry) Create(ctx context.Context, asset models.Asset) (models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return models.Asset{}, err
	}
	prepared, err := prepareCreate(asset, s.now())
	if err != nil {
		return models.Asset{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data.Assets[prepared.ID]; exists {
		return models.Asset{}, fmt.Errorf("%w: %s", ErrExists, prepared.ID)
	}
	if err := s.storeLocked(prepared); err != nil {
		return models.Asset{}, err
	}
	return cloneAsset(prepared), nil
}

func (s *JSONRegistry) UpdateStatus(ctx context.Context, id string, status models.AssetStatus, message string) (models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return models.Asset{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.data.Assets[id]
	if !ok {
		return models.Asset{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	updated, err := applyStatus(current, status, message, s.now())
	if err != nil {
		return models.Asset{}, err
	}
	if err := s.storeLocked(updated); err != nil {
		return models.Asset{}, err
	}
	return cloneAsset(updated), nil
}

func (s *JSONRegistry) UpdateAsset(ctx context.Context, id string, update AssetUpdate) (models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return models.Asset{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.data.Assets[id]
	if !ok {
		return models.Asset{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	updated, err := applyUpdate(current, update, s.now())
	if err != nil {
		return models.Asset{}, err
	}
	if err := s.storeLocked(updated); err != nil {
		return models.Asset{}, err
	}
	return cloneAsset(updated), nil
}

func (s *JSONRegistry) FindByID(ctx context.Context, id string) (models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return models.Asset{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.data.Assets[id]
	if !ok {
		return models.Asset{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneAsset(asset), nil
}

func (s *JSONRegistry) ListAssets(ctx context.Context, filter ListFilter) ([]models.Asset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	assets := make([]models.Asset, 0, len(s.data.Assets))
	for _, asset := range s.data.Assets {
		if matchesFilter(asset, filter) {
			assets = append(assets, cloneAsset(asset))
		}
	}
	s.mu.RUnlock()

	sort.Slice(assets, func(i, j int) bool {
		if !assets[i].CreatedAt.Equal(assets[j].CreatedAt) {
			return assets[i].CreatedAt.After(assets[j].CreatedAt)
		}
		return assets[i].ID < assets[j].ID
	})
	if filter.Limit > 0 && len(assets) > filter.Limit {
		assets = assets[:filter.Limit]
	}
	return assets, nil
}

func (s *JSONRegistry) Close(context.Context) error {
	return nil
}

func cloneAsset(asset models.Asset) models.Asset {
	if asset.Metadata != nil {
		meta := *asset.Metadata
		asset.Metadata = &meta
	}
	if asset.ReadyAt != nil {
		readyAt := *asset.ReadyAt
		asset.ReadyAt = &readyAt
	}
	return asset
}
