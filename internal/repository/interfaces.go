// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/questharvest/internal/model"
)

// SessionRepository はセッションデータの参照インターフェース。
// セッションの作成・削除はダッシュボード本体のログインフローが担う。
type SessionRepository interface {
	// FindByID は指定IDのセッションを取得する。期限切れまたは存在しない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteExpired は期限切れのセッションを削除し、削除件数を返す。
	DeleteExpired(ctx context.Context) (int64, error)
}

// CharacterRepository はキャラクターデータの参照インターフェース。
type CharacterRepository interface {
	// ListByOwner は指定オーナーのキャラクター一覧をID昇順で返す。
	ListByOwner(ctx context.Context, ownerID string) ([]model.Character, error)
}

// QuestRepository はクエストキャッシュの永続化インターフェース。
type QuestRepository interface {
	// FilterKnown は指定ID群のうちキャッシュに存在するIDの集合を返す。
	FilterKnown(ctx context.Context, ids []int) (map[int]struct{}, error)

	// ListIDsInRange は[start, end)の範囲でキャッシュ済みのIDの集合を返す。
	ListIDsInRange(ctx context.Context, start, end int) (map[int]struct{}, error)

	// Upsert はクエストを作成または更新する。
	// 既存の場合は表示用フィールド（名前・エリア・カテゴリ・種別）のみ更新する。
	Upsert(ctx context.Context, quest *model.Quest) error

	// Count はキャッシュ済みクエストの総数を返す。
	Count(ctx context.Context) (int, error)
}

// CompletionRepository はオーナーのクエスト完了状況の永続化インターフェース。
type CompletionRepository interface {
	// RecordCompleted は指定クエスト群をオーナーの完了済みとして記録する。既存の記録は無視する。
	RecordCompleted(ctx context.Context, ownerID string, questIDs []int) error

	// RecomputeZoneSummary はオーナーのゾーン別完了集計を再計算する。
	RecomputeZoneSummary(ctx context.Context, ownerID string) error

	// TouchLastSynced はオーナーの最終同期時刻を更新する。
	TouchLastSynced(ctx context.Context, ownerID string, at time.Time) error
}

// MarketRepository はマーケット集計の永続化インターフェース。
type MarketRepository interface {
	// UpsertBatches は各バッチを1つの複数行アップサート文として、全体を1トランザクションで書き込む。
	// いずれかの文が失敗した場合はロールバックし、部分的な書き込みは残さない。
	UpsertBatches(ctx context.Context, batches [][]model.MarketRecord) error

	// ListPrices は指定マーケットの価格を取得する。
	// 同一アイテムにマーケット固有の記録とコモディティ記録がある場合はマーケット固有を優先する。
	ListPrices(ctx context.Context, marketID int, region string, itemIDs []int) ([]model.MarketRecord, error)

	// DeleteStale は指定時刻より前に更新された記録を削除し、削除件数を返す。
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}

// DiscoveryStateRepository は探索エンジンの状態の永続化インターフェース。
type DiscoveryStateRepository interface {
	// LoadOffset は保存済みのオフセットを返す。未保存の場合はfound=falseを返す。
	LoadOffset(ctx context.Context, name string) (offset int, found bool, err error)

	// SaveOffset はオフセットを保存する。
	SaveOffset(ctx context.Context, name string, offset int) error
}
