package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migrations are applied in order inside one transaction. Each statement is
// idempotent so restarts can re-run the whole list.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS assets (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	source_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	metadata JSONB,
	manifest_path TEXT NOT NULL DEFAULT '',
	hls_path TEXT NOT NULL DEFAULT '',
	thumbnail_path TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	ready_at TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS assets_status_created_idx ON assets (status, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS assets_owner_idx ON assets (owner_id)`,
}

// Migrate applies the registry schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer rollbackTx(ctx, tx)
	for i, stmt := range migrations {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}
