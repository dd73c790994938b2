package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/questharvest/internal/model"
)

// PostgresCharacterRepo はPostgreSQLを使用したキャラクターリポジトリ。
type PostgresCharacterRepo struct {
	db *sql.DB
}

// NewPostgresCharacterRepo はPostgresCharacterRepoを生成する。
func NewPostgresCharacterRepo(db *sql.DB) *PostgresCharacterRepo {
	return &PostgresCharacterRepo{db: db}
}

// ListByOwner は指定オーナーのキャラクター一覧を返す。
func (r *PostgresCharacterRepo) ListByOwner(ctx context.Context, ownerID string) ([]model.Character, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, owner_id, name, realm_slug, level
		 FROM characters
		 WHERE owner_id = $1
		 ORDER BY id`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list characters: %w", err)
	}
	defer rows.Close()

	var characters []model.Character
	for rows.Next() {
		var c model.Character
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.RealmSlug, &c.Level); err != nil {
			return nil, fmt.Errorf("failed to scan character: %w", err)
		}
		characters = append(characters, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate characters: %w", err)
	}
	return characters, nil
}

// compile-time interface check
var _ CharacterRepository = (*PostgresCharacterRepo)(nil)
