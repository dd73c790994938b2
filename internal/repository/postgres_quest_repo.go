package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/questharvest/internal/model"
)

// PostgresQuestRepo はPostgreSQLを使用したクエストキャッシュリポジトリ。
type PostgresQuestRepo struct {
	db *sql.DB
}

// NewPostgresQuestRepo はPostgresQuestRepoを生成する。
func NewPostgresQuestRepo(db *sql.DB) *PostgresQuestRepo {
	return &PostgresQuestRepo{db: db}
}

// FilterKnown は指定ID群のうちキャッシュに存在するIDの集合を返す。
func (r *PostgresQuestRepo) FilterKnown(ctx context.Context, ids []int) (map[int]struct{}, error) {
	known := make(map[int]struct{})
	if len(ids) == 0 {
		return known, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM quests WHERE id = ANY($1)`,
		pq.Array(toInt64s(ids)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to filter known quests: %w", err)
	}
	return scanIDSet(rows, known)
}

// ListIDsInRange は[start, end)の範囲でキャッシュ済みのIDの集合を返す。
func (r *PostgresQuestRepo) ListIDsInRange(ctx context.Context, start, end int) (map[int]struct{}, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM quests WHERE id >= $1 AND id < $2`,
		start, end,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list quest ids in range: %w", err)
	}
	return scanIDSet(rows, make(map[int]struct{}))
}

// Upsert はクエストを作成または更新する。
// IDから導出されるera・is_seasonalは更新しない。
func (r *PostgresQuestRepo) Upsert(ctx context.Context, q *model.Quest) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO quests (
			id, name, area_id, area_name, category_id, category_name,
			type_id, type_name, era, is_seasonal, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			area_id = EXCLUDED.area_id,
			area_name = EXCLUDED.area_name,
			category_id = EXCLUDED.category_id,
			category_name = EXCLUDED.category_name,
			type_id = EXCLUDED.type_id,
			type_name = EXCLUDED.type_name,
			updated_at = EXCLUDED.updated_at`,
		q.ID, q.Name, q.AreaID, q.AreaName, q.CategoryID, q.CategoryName,
		q.TypeID, q.TypeName, q.Era, q.IsSeasonal, q.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert quest %d: %w", q.ID, err)
	}
	return nil
}

// Count はキャッシュ済みクエストの総数を返す。
func (r *PostgresQuestRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT count(*) FROM quests`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count quests: %w", err)
	}
	return n, nil
}

func scanIDSet(rows *sql.Rows, set map[int]struct{}) (map[int]struct{}, error) {
	defer rows.Close()
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan quest id: %w", err)
		}
		set[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate quest ids: %w", err)
	}
	return set, nil
}

func toInt64s(ids []int) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out
}

// compile-time interface check
var _ QuestRepository = (*PostgresQuestRepo)(nil)
