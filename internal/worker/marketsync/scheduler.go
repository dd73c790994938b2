// Package marketsync はマーケット価格の定期同期ワーカーを提供する。
// 設定されたマーケットごとに出品一覧を取得し、集計結果を一括で永続化する。
package marketsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/questharvest/internal/market"
	"github.com/hitoshi/questharvest/internal/model"
	"github.com/hitoshi/questharvest/internal/retry"
)

// ListingSource はマーケットの出品一覧を取得するインターフェース。
type ListingSource interface {
	MarketListings(ctx context.Context, marketID int) ([]model.Listing, error)
}

// SnapshotWriter はスナップショットを永続化するインターフェース。
// market.Persister が実装する。
type SnapshotWriter interface {
	UpsertMarketSnapshot(ctx context.Context, marketID int, listings []model.Listing, region string) (market.Result, error)
}

// Config はスケジューラの設定。
type Config struct {
	MarketIDs []int
	Region    string
	// MaxConcurrency は同時に同期するマーケット数（デフォルト: 1、逐次実行）。
	MaxConcurrency int
	Retry          retry.Policy
}

// Scheduler はマーケット同期のスケジューリングと並列制御を行う。
type Scheduler struct {
	source ListingSource
	writer SnapshotWriter
	gate   retry.Gate
	cfg    Config
	logger *slog.Logger
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
func NewScheduler(source ListingSource, writer SnapshotWriter, gate retry.Gate, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	return &Scheduler{
		source: source,
		writer: writer,
		gate:   gate,
		cfg:    cfg,
		logger: logger,
	}
}

// Start は指定間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("マーケット同期スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("market_count", len(s.cfg.MarketIDs)),
	)

	// 起動直後に1回実行
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("マーケット同期サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("マーケット同期スケジューラを停止しました")
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("マーケット同期サイクルの実行に失敗しました",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// RunOnce は全マーケットを1回同期する。
// マーケット単位の失敗はログに記録して他のマーケットの同期を継続し、
// 全マーケットが失敗した場合のみエラーを返す。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if len(s.cfg.MarketIDs) == 0 {
		s.logger.Info("同期対象のマーケットはありません")
		return nil
	}

	start := time.Now()
	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures int
		items    int
	)

loop:
	for _, id := range s.cfg.MarketIDs {
		select {
		case <-ctx.Done():
			break loop
		case sem <- struct{}{}:
		}
		wg.Add(1)

		go func(marketID int) {
			defer wg.Done()
			defer func() { <-sem }()

			res, err := s.SyncMarket(ctx, marketID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures++
				s.logger.Error("マーケットの同期に失敗しました",
					slog.Int("market_id", marketID),
					slog.String("error", err.Error()),
				)
				return
			}
			items += res.Items
		}(id)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.logger.Info("マーケット同期サイクルが完了しました",
		slog.Int("market_count", len(s.cfg.MarketIDs)),
		slog.Int("failures", failures),
		slog.Int("items", items),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	if failures == len(s.cfg.MarketIDs) {
		return errors.New("すべてのマーケットの同期に失敗しました")
	}
	return nil
}

// SyncMarket は1マーケット分の出品一覧を取得して永続化する。
func (s *Scheduler) SyncMarket(ctx context.Context, marketID int) (market.Result, error) {
	listings, err := retry.DoValue(ctx, s.gate, s.cfg.Retry, func(ctx context.Context) ([]model.Listing, error) {
		return s.source.MarketListings(ctx, marketID)
	})
	if err != nil {
		return market.Result{}, fmt.Errorf("出品一覧の取得に失敗しました: %w", err)
	}
	return s.writer.UpsertMarketSnapshot(ctx, marketID, listings, s.cfg.Region)
}
