package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresDiscoveryStateRepo はPostgreSQLを使用した探索状態リポジトリ。
type PostgresDiscoveryStateRepo struct {
	db *sql.DB
}

// NewPostgresDiscoveryStateRepo はPostgresDiscoveryStateRepoを生成する。
func NewPostgresDiscoveryStateRepo(db *sql.DB) *PostgresDiscoveryStateRepo {
	return &PostgresDiscoveryStateRepo{db: db}
}

// LoadOffset は保存済みのオフセットを返す。
func (r *PostgresDiscoveryStateRepo) LoadOffset(ctx context.Context, name string) (int, bool, error) {
	var offset int
	err := r.db.QueryRowContext(ctx,
		`SELECT offset_val FROM discovery_state WHERE name = $1`,
		name,
	).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to load discovery offset: %w", err)
	}
	return offset, true, nil
}

// SaveOffset はオフセットを保存する。
func (r *PostgresDiscoveryStateRepo) SaveOffset(ctx context.Context, name string, offset int) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO discovery_state (name, offset_val, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (name) DO UPDATE SET offset_val = EXCLUDED.offset_val, updated_at = now()`,
		name, offset,
	)
	if err != nil {
		return fmt.Errorf("failed to save discovery offset: %w", err)
	}
	return nil
}

// compile-time interface check
var _ DiscoveryStateRepository = (*PostgresDiscoveryStateRepo)(nil)
