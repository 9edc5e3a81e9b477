package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS api_sessions (
	token_hash TEXT PRIMARY KEY,
	subject_id TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS api_sessions_expires_at_idx ON api_sessions (expires_at);
`

// PostgresSessionStore persists sessions to Postgres so several API replicas
// share authentication state. It borrows a pool owned by the caller.
type PostgresSessionStore struct {
	pool *pgxpool.Pool
}

// NewPostgresSessionStore wraps pool and ensures the session table exists.
func NewPostgresSessionStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresSessionStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres session pool required")
	}
	if _, err := pool.Exec(ctx, sessionSchema); err != nil {
		return nil, fmt.Errorf("ensure api_sessions table: %w", err)
	}
	return &PostgresSessionStore{pool: pool}, nil
}

func (s *PostgresSessionStore) Save(ctx context.Context, record SessionRecord) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO api_sessions (token_hash, subject_id, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (token_hash) DO UPDATE SET subject_id = EXCLUDED.subject_id, expires_at = EXCLUDED.expires_at
`, record.TokenHash, record.SubjectID, record.ExpiresAt.UTC())
	return err
}

func (s *PostgresSessionStore) Get(ctx context.Context, tokenHash string) (SessionRecord, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT subject_id, expires_at FROM api_sessions WHERE token_hash = $1`, tokenHash)
	record := SessionRecord{TokenHash: tokenHash}
	if err := row.Scan(&record.SubjectID, &record.ExpiresAt); err != nil {
		if isNoRows(err) {
			return SessionRecord{}, false, nil
		}
		return SessionRecord{}, false, err
	}
	return record, true, nil
}

func (s *PostgresSessionStore) Delete(ctx context.Context, tokenHash string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM api_sessions WHERE token_hash = $1`, tokenHash)
	return err
}

func (s *PostgresSessionStore) PurgeExpired(ctx context.Context, now time.Time) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM api_sessions WHERE expires_at <= $1`, now.UTC())
	return err
}

// Ping checks connectivity to Postgres.
func (s *PostgresSessionStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isNoRows(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows)
}
