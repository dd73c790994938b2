package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/questharvest/internal/model"
)

// MarketRecordFields は1レコードあたりのバインドパラメータ数。
// バッチサイズの上限計算に使用する。
const MarketRecordFields = 8

const marketUpsertPrefix = `INSERT INTO market_prices (
	market_id, item_id, region, min_price, avg_price, total_quantity, listing_count, updated_at
) VALUES `

const marketUpsertSuffix = `
ON CONFLICT (market_id, item_id, region) DO UPDATE SET
	min_price = EXCLUDED.min_price,
	avg_price = EXCLUDED.avg_price,
	total_quantity = EXCLUDED.total_quantity,
	listing_count = EXCLUDED.listing_count,
	updated_at = EXCLUDED.updated_at`

// PostgresMarketRepo はPostgreSQLを使用したマーケット集計リポジトリ。
type PostgresMarketRepo struct {
	db *sql.DB
}

// NewPostgresMarketRepo はPostgresMarketRepoを生成する。
func NewPostgresMarketRepo(db *sql.DB) *PostgresMarketRepo {
	return &PostgresMarketRepo{db: db}
}

// UpsertBatches は各バッチを1つの複数行アップサート文として1トランザクションで書き込む。
func (r *PostgresMarketRepo) UpsertBatches(ctx context.Context, batches [][]model.MarketRecord) error {
	if len(batches) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	for i, batch := range batches {
		if len(batch) == 0 {
			continue
		}
		query, args := buildMarketUpsert(batch)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to upsert market batch %d/%d: %w", i+1, len(batches), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit market snapshot: %w", err)
	}
	return nil
}

// buildMarketUpsert はバッチ用の複数行INSERT文と引数を構築する。
func buildMarketUpsert(batch []model.MarketRecord) (string, []any) {
	var sb strings.Builder
	sb.Grow(len(marketUpsertPrefix) + len(batch)*64 + len(marketUpsertSuffix))
	sb.WriteString(marketUpsertPrefix)

	args := make([]any, 0, len(batch)*MarketRecordFields)
	for i, rec := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * MarketRecordFields
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8)
		args = append(args,
			rec.MarketID, rec.ItemID, rec.Region, rec.MinPrice,
			rec.AvgPrice, rec.TotalQuantity, rec.ListingCount, rec.UpdatedAt,
		)
	}
	sb.WriteString(marketUpsertSuffix)
	return sb.String(), args
}

// ListPrices は指定マーケットの価格を取得する。
// マーケット固有の記録がないアイテムはコモディティ市場の記録で補う。
func (r *PostgresMarketRepo) ListPrices(ctx context.Context, marketID int, region string, itemIDs []int) ([]model.MarketRecord, error) {
	if len(itemIDs) == 0 {
		return []model.MarketRecord{}, nil
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT ON (item_id)
			market_id, item_id, region, min_price, avg_price, total_quantity, listing_count, updated_at
		 FROM market_prices
		 WHERE region = $1
		   AND market_id IN ($2, $3)
		   AND item_id = ANY($4)
		 ORDER BY item_id, (market_id = $3)`,
		region, marketID, model.CommodityMarketID, pq.Array(toInt64s(itemIDs)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list market prices: %w", err)
	}
	defer rows.Close()

	records := []model.MarketRecord{}
	for rows.Next() {
		var rec model.MarketRecord
		if err := rows.Scan(
			&rec.MarketID, &rec.ItemID, &rec.Region, &rec.MinPrice,
			&rec.AvgPrice, &rec.TotalQuantity, &rec.ListingCount, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan market price: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate market prices: %w", err)
	}
	return records, nil
}

// DeleteStale は指定時刻より前に更新された記録を削除する。
func (r *PostgresMarketRepo) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM market_prices WHERE updated_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale market prices: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// compile-time interface check
var _ MarketRepository = (*PostgresMarketRepo)(nil)
