package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"

	"bitriver-vod/internal/models"
)

const assetColumns = `id, owner_id, title, source_name, status, metadata, manifest_path, hls_path, thumbnail_path, error, created_at, updated_at, ready_at`

// PostgresRegistry stores assets in Postgres. Status transitions lock the row
// so concurrent workers cannot interleave lifecycle changes.
type PostgresRegistry struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

var _ Registry = (*PostgresRegistry)(nil)

// NewPostgresRegistry opens a pool for dsn and applies the schema.
func NewPostgresRegistry(ctx context.Context, dsn string, opts ...Option) (*PostgresRegistry, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresRegistry{pool: pool, cfg: cfg}, nil
}

// Pool exposes the underlying pool so other stores can share connections.
func (r *PostgresRegistry) Pool() *pgxpool.Pool {
	return r.pool
}

func (r *PostgresRegistry) now() time.Time {
	return r.cfg.Clock().UTC().Truncate(time.Microsecond)
}

func (r *PostgresRegistry) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.AcquireTimeout > 0 {
		return context.WithTimeout(ctx, r.cfg.AcquireTimeout)
	}
	return context.WithCancel(ctx)
}

func (r *PostgresRegistry) Ping(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return ErrPostgresUnavailable
	}
	return wrapPoolError(r.pool.Ping(ctx))
}

func (r *PostgresRegistry) Create(ctx context.Context, asset models.Asset) (models.Asset, error) {
	prepared, err := prepareCreate(asset, r.now())
	if err != nil {
		return models.Asset{}, err
	}
	metadata, err := encodeMetadata(prepared.Metadata)
	if err != nil {
		return models.Asset{}, err
	}
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `
INSERT INTO assets (`+assetColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO NOTHING`,
		prepared.ID, prepared.OwnerID, prepared.Title, prepared.SourceName, string(prepared.Status), metadata,
		prepared.ManifestPath, prepared.HLSPath, prepared.ThumbnailPath, prepared.Error,
		prepared.CreatedAt, prepared.UpdatedAt, prepared.ReadyAt)
	if err != nil {
		return models.Asset{}, fmt.Errorf("insert asset: %w", wrapPoolError(err))
	}
	if tag.RowsAffected() == 0 {
		return models.Asset{}, fmt.Errorf("%w: %s", ErrExists, prepared.ID)
	}
	return prepared, nil
}

// Import copies assets verbatim, keeping their status and timestamps. Ids
// already present are skipped. It returns how many rows were inserted.
func (r *PostgresRegistry) Import(ctx context.Context, assets []models.Asset) (int, error) {
	if len(assets) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, asset := range assets {
		if !models.ValidAssetID(asset.ID) {
			return 0, fmt.Errorf("%w: id %q", ErrInvalidAsset, asset.ID)
		}
		if _, ok := models.ParseAssetStatus(string(asset.Status)); !ok {
			return 0, fmt.Errorf("%w: status %q", ErrInvalidAsset, asset.Status)
		}
		metadata, err := encodeMetadata(asset.Metadata)
		if err != nil {
			return 0, err
		}
		batch.Queue(`
INSERT INTO assets (`+assetColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (id) DO NOTHING`,
			asset.ID, asset.OwnerID, asset.Title, asset.SourceName, string(asset.Status), metadata,
			asset.ManifestPath, asset.HLSPath, asset.ThumbnailPath, asset.Error,
			asset.CreatedAt.UTC(), asset.UpdatedAt.UTC(), asset.ReadyAt)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("begin import: %w", wrapPoolError(err))
	}
	defer rollbackTx(ctx, tx)

	results := tx.SendBatch(ctx, batch)
	inserted := 0
	for range assets {
		tag, err := results.Exec()
		if err != nil {
			_ = results.Close()
			return 0, fmt.Errorf("import asset: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("import batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit import: %w", err)
	}
	return inserted, nil
}

func (r *PostgresRegistry) UpdateStatus(ctx context.Context, id string, status models.AssetStatus, message string) (models.Asset, error) {
	return r.mutate(ctx, id, func(current models.Asset) (models.Asset, error) {
		return applyStatus(current, status, message, r.now())
	})
}

func (r *PostgresRegistry) UpdateAsset(ctx context.Context, id string, update AssetUpdate) (models.Asset, error) {
	return r.mutate(ctx, id, func(current models.Asset) (models.Asset, error) {
		return applyUpdate(current, update, r.now())
	})
}

// mutate loads id under a row lock, applies fn and writes the result back.
func (r *PostgresRegistry) mutate(ctx context.Context, id string, fn func(models.Asset) (models.Asset, error)) (models.Asset, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Asset{}, fmt.Errorf("begin asset update: %w", wrapPoolError(err))
	}
	defer rollbackTx(ctx, tx)

	current, err := scanAsset(tx.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Asset{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return models.Asset{}, fmt.Errorf("load asset: %w", err)
	}
	updated, err := fn(current)
	if err != nil {
		return models.Asset{}, err
	}
	metadata, err := encodeMetadata(updated.Metadata)
	if err != nil {
		return models.Asset{}, err
	}
	if _, err := tx.Exec(ctx, `
UPDATE assets SET title = $2, status = $3, metadata = $4, manifest_path = $5, hls_path = $6,
	thumbnail_path = $7, error = $8, updated_at = $9, ready_at = $10
WHERE id = $1`,
		updated.ID, updated.Title, string(updated.Status), metadata, updated.ManifestPath, updated.HLSPath,
		updated.ThumbnailPath, updated.Error, updated.UpdatedAt, updated.ReadyAt); err != nil {
		return models.Asset{}, fmt.Errorf("update asset: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Asset{}, fmt.Errorf("commit asset update: %w", wrapPoolError(err))
	}
	return updated, nil
}

func (r *PostgresRegistry) FindByID(ctx context.Context, id string) (models.Asset, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()
	asset, err := scanAsset(r.pool.QueryRow(ctx, `SELECT `+assetColumns+` FROM assets WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Asset{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return models.Asset{}, fmt.Errorf("load asset: %w", wrapPoolError(err))
	}
	return asset, nil
}

func (r *PostgresRegistry) ListAssets(ctx context.Context, filter ListFilter) ([]models.Asset, error) {
	ctx, cancel := r.queryContext(ctx)
	defer cancel()

	var (
		clauses []string
		args    []any
	)
	if filter.ReadyOnly {
		args = append(args, string(models.AssetStatusReady))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.OwnerID != "" {
		args = append(args, filter.OwnerID)
		clauses = append(clauses, fmt.Sprintf("owner_id = $%d", len(args)))
	}
	query := `SELECT ` + assetColumns + ` FROM assets`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", wrapPoolError(err))
	}
	defer rows.Close()
	var assets []models.Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		assets = append(assets, asset)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	return assets, nil
}

// Close closes the pool, giving up when ctx ends first.
func (r *PostgresRegistry) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func scanAsset(row pgx.Row) (models.Asset, error) {
	var (
		asset    models.Asset
		status   string
		metadata []byte
	)
	if err := row.Scan(&asset.ID, &asset.OwnerID, &asset.Title, &asset.SourceName, &status, &metadata,
		&asset.ManifestPath, &asset.HLSPath, &asset.ThumbnailPath, &asset.Error,
		&asset.CreatedAt, &asset.UpdatedAt, &asset.ReadyAt); err != nil {
		return models.Asset{}, err
	}
	asset.Status = models.AssetStatus(status)
	if len(metadata) > 0 {
		var meta models.Metadata
		if err := json.Unmarshal(metadata, &meta); err != nil {
			return models.Asset{}, fmt.Errorf("decode metadata: %w", err)
		}
		asset.Metadata = &meta
	}
	asset.CreatedAt = asset.CreatedAt.UTC()
	asset.UpdatedAt = asset.UpdatedAt.UTC()
	if asset.ReadyAt != nil {
		readyAt := asset.ReadyAt.UTC()
		asset.ReadyAt = &readyAt
	}
	return asset, nil
}

func encodeMetadata(meta *models.Metadata) ([]byte, error) {
	if meta == nil {
		return nil, nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	return data, nil
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func wrapPoolError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, puddle.ErrClosedPool) {
		return fmt.Errorf("%w: %w", ErrPostgresUnavailable, err)
	}
	return err
}
