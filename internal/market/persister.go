// Package market はオークションの出品一覧をアイテム単位に集計し、マーケット価格として永続化する。
package market

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/questharvest/internal/metrics"
	"github.com/hitoshi/questharvest/internal/model"
	"github.com/hitoshi/questharvest/internal/repository"
)

const (
	// DefaultBatchSize は1文あたりの既定レコード数。
	DefaultBatchSize = 5000
	// DefaultMaxParams はデータベースの1文あたりのバインドパラメータ上限。
	DefaultMaxParams = 65535
)

// Config は永続化のバッチ設定。
type Config struct {
	BatchSize int
	MaxParams int
}

// Result はスナップショット書き込みの結果。
type Result struct {
	// Items は書き込んだアイテム（集計レコード）数。
	Items int
	// Listings は集計に使用した出品数。価格0以下の出品は含まない。
	Listings int
	// Batches は発行した書き込み文の数。
	Batches int
}

// Persister はマーケットスナップショットの集計と書き込みを行う。
type Persister struct {
	repo      repository.MarketRepository
	batchSize int
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
	now       func() time.Time
}

// NewPersister はPersisterの新しいインスタンスを生成する。
// 実効バッチサイズは min(BatchSize, MaxParams/レコードあたりのフィールド数) とする。
func NewPersister(repo repository.MarketRepository, cfg Config, logger *slog.Logger, collector metrics.MetricsCollector) *Persister {
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &Persister{
		repo:      repo,
		batchSize: EffectiveBatchSize(cfg),
		logger:    logger,
		metrics:   collector,
		now:       time.Now,
	}
}

// EffectiveBatchSize は1文あたりのパラメータ上限を超えないバッチサイズを返す。
func EffectiveBatchSize(cfg Config) int {
	size := cfg.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	maxParams := cfg.MaxParams
	if maxParams <= 0 {
		maxParams = DefaultMaxParams
	}
	return max(1, min(size, maxParams/repository.MarketRecordFields))
}

// BatchSize は実効バッチサイズを返す。
func (p *Persister) BatchSize() int {
	return p.batchSize
}

// UpsertMarketSnapshot は1マーケット分の出品一覧を集計し、全件を1トランザクションで書き込む。
// 空の入力（または有効な出品が1件もない場合）は何も書き込まない。
func (p *Persister) UpsertMarketSnapshot(ctx context.Context, marketID int, listings []model.Listing, region string) (Result, error) {
	region = strings.ToLower(region)
	records, used := Aggregate(marketID, region, listings, p.now())
	if len(records) == 0 {
		return Result{}, nil
	}

	batches := Chunk(records, p.batchSize)

	start := time.Now()
	if err := p.repo.UpsertBatches(ctx, batches); err != nil {
		return Result{}, fmt.Errorf("マーケット %d のスナップショット書き込みに失敗しました: %w", marketID, err)
	}

	p.metrics.RecordMarketUpsert(len(records), len(batches))
	p.logger.Info("マーケットスナップショットを書き込みました",
		slog.Int("market_id", marketID),
		slog.String("region", region),
		slog.Int("items", len(records)),
		slog.Int("listings", used),
		slog.Int("batches", len(batches)),
		slog.Duration("elapsed", time.Since(start)),
	)

	return Result{Items: len(records), Listings: used, Batches: len(batches)}, nil
}

// Prices は指定マーケットのアイテム価格を返す。
// マーケット固有の記録を優先し、ない場合はリージョン共通のコモディティ記録で補う。
func (p *Persister) Prices(ctx context.Context, marketID int, region string, itemIDs []int) ([]model.MarketRecord, error) {
	records, err := p.repo.ListPrices(ctx, marketID, strings.ToLower(region), itemIDs)
	if err != nil {
		return nil, fmt.Errorf("マーケット価格の取得に失敗しました: %w", err)
	}
	return records, nil
}

// Aggregate は出品一覧をアイテム単位に集計する。
// 価格0以下の出品は除外し、最安値・平均価格（四捨五入）・数量合計・出品数を算出する。
// 戻り値はアイテムID昇順の集計レコードと、集計に使用した出品数。
func Aggregate(marketID int, region string, listings []model.Listing, now time.Time) ([]model.MarketRecord, int) {
	type acc struct {
		min      int64
		sum      float64
		quantity int64
		count    int
	}

	byItem := make(map[int]*acc)
	used := 0
	for _, l := range listings {
		if l.Price <= 0 {
			continue
		}
		used++
		a, ok := byItem[l.ItemID]
		if !ok {
			a = &acc{min: l.Price}
			byItem[l.ItemID] = a
		}
		a.min = min(a.min, l.Price)
		a.sum += float64(l.Price)
		a.quantity += l.Quantity
		a.count++
	}

	records := make([]model.MarketRecord, 0, len(byItem))
	for itemID, a := range byItem {
		records = append(records, model.MarketRecord{
			MarketID:      marketID,
			ItemID:        itemID,
			Region:        region,
			MinPrice:      a.min,
			AvgPrice:      int64(math.Round(a.sum / float64(a.count))),
			TotalQuantity: a.quantity,
			ListingCount:  a.count,
			UpdatedAt:     now,
		})
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ItemID < records[j].ItemID })

	return records, used
}

// Chunk はレコードをsize件ずつのバッチに分割する。
func Chunk(records []model.MarketRecord, size int) [][]model.MarketRecord {
	if size <= 0 {
		size = len(records)
	}
	batches := make([][]model.MarketRecord, 0, (len(records)+size-1)/max(size, 1))
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		batches = append(batches, records[start:end])
	}
	return batches
}
