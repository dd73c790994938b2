package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresCompletionRepo はPostgreSQLを使用したクエスト完了状況リポジトリ。
type PostgresCompletionRepo struct {
	db *sql.DB
}

// NewPostgresCompletionRepo はPostgresCompletionRepoを生成する。
func NewPostgresCompletionRepo(db *sql.DB) *PostgresCompletionRepo {
	return &PostgresCompletionRepo{db: db}
}

// RecordCompleted は指定クエスト群をオーナーの完了済みとして記録する。
func (r *PostgresCompletionRepo) RecordCompleted(ctx context.Context, ownerID string, questIDs []int) error {
	if len(questIDs) == 0 {
		return nil
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO owner_completed_quests (owner_id, quest_id)
		 SELECT $1, unnest($2::integer[])
		 ON CONFLICT (owner_id, quest_id) DO NOTHING`,
		ownerID, pq.Array(toInt64s(questIDs)),
	)
	if err != nil {
		return fmt.Errorf("failed to record completed quests: %w", err)
	}
	return nil
}

// RecomputeZoneSummary はオーナーのゾーン別完了集計を再計算する。
// オーナーが1件以上完了したエリアについて、キャッシュ済みクエスト数と完了数を集計し直す。
func (r *PostgresCompletionRepo) RecomputeZoneSummary(ctx context.Context, ownerID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM owner_zone_progress WHERE owner_id = $1`,
		ownerID,
	); err != nil {
		return fmt.Errorf("failed to clear zone summary: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO owner_zone_progress (owner_id, area_id, area_name, completed_count, known_count, updated_at)
		 SELECT $1, q.area_id, max(q.area_name), count(oc.quest_id), count(*), now()
		 FROM quests q
		 LEFT JOIN owner_completed_quests oc
		   ON oc.quest_id = q.id AND oc.owner_id = $1
		 WHERE q.area_id <> 0
		   AND q.area_id IN (
		     SELECT q2.area_id
		     FROM owner_completed_quests oc2
		     JOIN quests q2 ON q2.id = oc2.quest_id
		     WHERE oc2.owner_id = $1
		   )
		 GROUP BY q.area_id`,
		ownerID,
	); err != nil {
		return fmt.Errorf("failed to compute zone summary: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit zone summary: %w", err)
	}
	return nil
}

// TouchLastSynced はオーナーの最終同期時刻を更新する。
func (r *PostgresCompletionRepo) TouchLastSynced(ctx context.Context, ownerID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO owner_sync_state (owner_id, last_synced_at)
		 VALUES ($1, $2)
		 ON CONFLICT (owner_id) DO UPDATE SET last_synced_at = EXCLUDED.last_synced_at`,
		ownerID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to update last synced time: %w", err)
	}
	return nil
}

// compile-time interface check
var _ CompletionRepository = (*PostgresCompletionRepo)(nil)
