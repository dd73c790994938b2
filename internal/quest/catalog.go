package quest

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/questharvest/internal/model"
	"github.com/hitoshi/questharvest/internal/repository"
	"github.com/hitoshi/questharvest/internal/security"
)

// Catalog はクエストキャッシュへの読み書きを担う。
// 収集ジョブと探索エンジンの双方が同じ規則（サニタイズ・時代判定）でクエストを書き込む。
type Catalog struct {
	repo      repository.QuestRepository
	sanitizer security.TextSanitizer
	bands     []Band
	now       func() time.Time
}

// NewCatalog はCatalogの新しいインスタンスを生成する。
func NewCatalog(repo repository.QuestRepository, sanitizer security.TextSanitizer, bands []Band) *Catalog {
	if len(bands) == 0 {
		bands = DefaultBands()
	}
	return &Catalog{
		repo:      repo,
		sanitizer: sanitizer,
		bands:     bands,
		now:       time.Now,
	}
}

// Bands はカタログが使用するバンド定義を返す。
func (c *Catalog) Bands() []Band {
	return c.bands
}

// Build はAPIから取得したクエスト詳細をキャッシュ用のレコードに変換する。
// 表示用文字列はサニタイズし、時代とシーズナルフラグはIDから導出する。
func (c *Catalog) Build(d *model.QuestDetails) *model.Quest {
	details := *d
	details.Name = c.sanitizer.Sanitize(details.Name)
	details.AreaName = c.sanitizer.Sanitize(details.AreaName)
	details.CategoryName = c.sanitizer.Sanitize(details.CategoryName)
	details.TypeName = c.sanitizer.Sanitize(details.TypeName)

	return &model.Quest{
		QuestDetails: details,
		Era:          EraForID(c.bands, details.ID),
		IsSeasonal:   IsSeasonal(details.ID),
		UpdatedAt:    c.now(),
	}
}

// Contribute はクエスト詳細をキャッシュへ書き込む。
func (c *Catalog) Contribute(ctx context.Context, d *model.QuestDetails) error {
	if d == nil || d.ID <= 0 {
		return fmt.Errorf("クエストIDが不正です: %v", d)
	}
	if err := c.repo.Upsert(ctx, c.Build(d)); err != nil {
		return fmt.Errorf("クエストキャッシュへの書き込みに失敗しました: %w", err)
	}
	return nil
}

// FilterKnown は指定ID群のうちキャッシュ済みのIDの集合を返す。
func (c *Catalog) FilterKnown(ctx context.Context, ids []int) (map[int]struct{}, error) {
	return c.repo.FilterKnown(ctx, ids)
}

// KnownInRange は[start, end)の範囲でキャッシュ済みのIDの集合を返す。
func (c *Catalog) KnownInRange(ctx context.Context, start, end int) (map[int]struct{}, error) {
	return c.repo.ListIDsInRange(ctx, start, end)
}

// Size はキャッシュ済みクエストの総数を返す。
func (c *Catalog) Size(ctx context.Context) (int, error) {
	return c.repo.Count(ctx)
}
