// Package cleanup は古いマーケット価格と期限切れセッションの自動削除ジョブを提供する。
// 保持期間（デフォルト7日）を超過した価格スナップショットを日次バッチで削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// StaleMarketDeleter は指定時刻より古いマーケット記録を削除するインターフェース。
type StaleMarketDeleter interface {
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// ExpiredSessionDeleter は期限切れセッションを削除するインターフェース。
type ExpiredSessionDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// CleanupJob は保持期間を超過したデータの自動削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	markets       StaleMarketDeleter
	sessions      ExpiredSessionDeleter
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // マーケット価格の保持日数（デフォルト: 7）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// sessionsがnilの場合はセッションの削除を行わない。
func NewCleanupJob(markets StaleMarketDeleter, sessions ExpiredSessionDeleter, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		markets:       markets,
		sessions:      sessions,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 7,
	}
}

// Run は保持期間を超過したマーケット価格と期限切れセッションを削除する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()

	before := j.now().AddDate(0, 0, -j.RetentionDays)
	deletedPrices, err := j.markets.DeleteStale(ctx, before)
	if err != nil {
		j.logger.Error("マーケット価格クリーンアップの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("マーケット価格クリーンアップの実行に失敗: %w", err)
	}

	var deletedSessions int64
	if j.sessions != nil {
		deletedSessions, err = j.sessions.DeleteExpired(ctx)
		if err != nil {
			j.logger.Error("セッションクリーンアップの実行に失敗しました",
				slog.String("error", err.Error()),
			)
			return fmt.Errorf("セッションクリーンアップの実行に失敗: %w", err)
		}
	}

	duration := time.Since(start)
	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_prices", deletedPrices),
		slog.Int64("deleted_sessions", deletedSessions),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	)

	return nil
}

// Start は指定間隔でRunを繰り返し実行する。起動直後にも1回実行する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	_ = j.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
