// Package discovery はクエストID空間をバンド単位でサンプリングし、
// 未キャッシュのクエストを発見してキャッシュへ追加する探索エンジンを提供する。
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/questharvest/internal/metrics"
	"github.com/hitoshi/questharvest/internal/model"
	"github.com/hitoshi/questharvest/internal/quest"
	"github.com/hitoshi/questharvest/internal/retry"
)

// QuestFetcher はクエスト詳細を取得するインターフェース。
type QuestFetcher interface {
	QuestDetails(ctx context.Context, id int) (*model.QuestDetails, error)
}

// Catalog はクエストキャッシュへの読み書きを行うインターフェース。
// quest.Catalog が実装する。
type Catalog interface {
	KnownInRange(ctx context.Context, start, end int) (map[int]struct{}, error)
	Contribute(ctx context.Context, d *model.QuestDetails) error
}

// Config は探索エンジンの設定。
type Config struct {
	Bands []quest.Band
	// CallDelay は詳細取得1回ごとの待機時間。
	CallDelay time.Duration
	// BandPause はバンド間の待機時間。
	BandPause time.Duration
	Retry     retry.Policy
}

// Engine は探索エンジン。
type Engine struct {
	fetcher QuestFetcher
	catalog Catalog
	gate    retry.Gate
	offset  *Offset
	cfg     Config
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	running atomic.Bool
	passes  sync.WaitGroup
}

// NewEngine はEngineの新しいインスタンスを生成する。
func NewEngine(fetcher QuestFetcher, catalog Catalog, gate retry.Gate, offset *Offset, cfg Config, logger *slog.Logger, collector metrics.MetricsCollector) *Engine {
	if len(cfg.Bands) == 0 {
		cfg.Bands = quest.DefaultBands()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if offset == nil {
		offset = NewOffset(0)
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Engine{
		fetcher: fetcher,
		catalog: catalog,
		gate:    gate,
		offset:  offset,
		cfg:     cfg,
		logger:  logger,
		metrics: collector,
	}
}

// ErrAlreadyRunning は探索パスが既に実行中であることを示す。
var ErrAlreadyRunning = errors.New("discovery pass already running")

// Discover は1回の探索パスを実行し、新たに追加したクエスト数を返す。
// バンドを昇順に走査し、maxNew件に達した時点で終了する。
// 個々のIDの取得失敗（404を含む）はパスを中断しない。
// 同時に実行できるパスは1つだけで、実行中の場合はErrAlreadyRunningを返す。
func (e *Engine) Discover(ctx context.Context, maxNew int) (int, error) {
	if !e.running.CompareAndSwap(false, true) {
		return 0, ErrAlreadyRunning
	}
	defer e.running.Store(false)

	if maxNew <= 0 {
		return 0, nil
	}

	offset := e.offset.Next(ctx)
	start := time.Now()
	e.logger.Info("クエスト探索を開始します",
		slog.Int("offset", offset),
		slog.Int("max_new", maxNew),
	)

	found := 0
	for i, band := range e.cfg.Bands {
		n, err := e.discoverBand(ctx, band, offset, maxNew-found)
		found += n
		if err != nil {
			e.metrics.RecordQuestsDiscovered(found)
			return found, err
		}
		if found >= maxNew {
			break
		}

		if i < len(e.cfg.Bands)-1 && e.cfg.BandPause > 0 {
			if err := sleep(ctx, e.cfg.BandPause); err != nil {
				e.metrics.RecordQuestsDiscovered(found)
				return found, err
			}
		}
	}

	e.metrics.RecordQuestsDiscovered(found)
	e.logger.Info("クエスト探索が完了しました",
		slog.Int("offset", offset),
		slog.Int("found", found),
		slog.Duration("elapsed", time.Since(start)),
	)
	return found, nil
}

// discoverBand は1バンド分のサンプルを走査する。
// エラーを返すのはコンテキストのキャンセルとキャッシュの読み書き失敗のみ。
func (e *Engine) discoverBand(ctx context.Context, band quest.Band, offset, remaining int) (int, error) {
	known, err := e.catalog.KnownInRange(ctx, band.Start, band.End)
	if err != nil {
		return 0, fmt.Errorf("バンド %s のキャッシュ済みID取得に失敗しました: %w", band.Name, err)
	}

	found := 0
	for _, id := range band.Candidates(offset) {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		if _, ok := known[id]; ok {
			continue
		}

		details, err := retry.DoValue(ctx, e.gate, e.cfg.Retry, func(ctx context.Context) (*model.QuestDetails, error) {
			return e.fetcher.QuestDetails(ctx, id)
		})
		if err != nil {
			if ctx.Err() != nil {
				return found, ctx.Err()
			}
			if !errors.Is(err, model.ErrNotFound) {
				e.logger.Debug("クエスト詳細の取得に失敗しました",
					slog.Int("quest_id", id),
					slog.String("error", err.Error()),
				)
			}
		} else if details != nil {
			if err := e.catalog.Contribute(ctx, details); err != nil {
				return found, err
			}
			found++
			if found >= remaining {
				return found, nil
			}
		}

		if e.cfg.CallDelay > 0 {
			if err := sleep(ctx, e.cfg.CallDelay); err != nil {
				return found, err
			}
		}
	}

	if found > 0 {
		e.logger.Debug("バンドの探索が完了しました",
			slog.String("band", band.Name),
			slog.Int("found", found),
		)
	}
	return found, nil
}

// Trigger は探索パスをバックグラウンドで開始し、完了を待たずに戻る。
// 既にパスが実行中の場合は何もしない。
func (e *Engine) Trigger(ctx context.Context, maxNew int) {
	if e.running.Load() {
		e.logger.Debug("探索パスが実行中のためトリガーをスキップしました")
		return
	}
	e.passes.Add(1)
	go func() {
		defer e.passes.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("探索パスでパニックが発生しました", slog.Any("panic", r))
			}
		}()
		if _, err := e.Discover(ctx, maxNew); err != nil && !errors.Is(err, ErrAlreadyRunning) && ctx.Err() == nil {
			e.logger.Warn("探索パスがエラーで終了しました", slog.String("error", err.Error()))
		}
	}()
}

// Wait はTriggerで開始した探索パスがすべて戻るまで待機する。
// ctxが先に終了した場合はctx.Err()を返す。
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.passes.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running は探索パスが実行中かを返す。
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Start は指定間隔で探索パスを定期実行する。コンテキストがキャンセルされるまでブロックする。
// intervalが0以下の場合は何もせずに戻る。
func (e *Engine) Start(ctx context.Context, interval time.Duration, maxNew int) {
	if interval <= 0 {
		return
	}
	e.logger.Info("定期クエスト探索を開始します", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("定期クエスト探索を停止しました")
			return
		case <-ticker.C:
			if _, err := e.Discover(ctx, maxNew); err != nil && !errors.Is(err, ErrAlreadyRunning) && ctx.Err() == nil {
				e.logger.Warn("定期クエスト探索がエラーで終了しました", slog.String("error", err.Error()))
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
