package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/questharvest/internal/metrics"
	"github.com/hitoshi/questharvest/internal/model"
	"github.com/hitoshi/questharvest/internal/retry"
)

// CharacterLister はオーナーのキャラクター一覧を返すインターフェース。
type CharacterLister interface {
	ListByOwner(ctx context.Context, ownerID string) ([]model.Character, error)
}

// CompletionStore はオーナーの完了状況を書き込むインターフェース。
type CompletionStore interface {
	RecordCompleted(ctx context.Context, ownerID string, questIDs []int) error
	RecomputeZoneSummary(ctx context.Context, ownerID string) error
	TouchLastSynced(ctx context.Context, ownerID string, at time.Time) error
}

// QuestAPI は外部APIのうち収集ジョブが使用する操作。
type QuestAPI interface {
	CompletedQuests(ctx context.Context, accessToken, realmSlug, characterName string) ([]int, error)
	QuestDetails(ctx context.Context, id int) (*model.QuestDetails, error)
}

// QuestCatalog はクエストキャッシュの読み書きを行うインターフェース。
type QuestCatalog interface {
	FilterKnown(ctx context.Context, ids []int) (map[int]struct{}, error)
	Contribute(ctx context.Context, d *model.QuestDetails) error
}

// DiscoveryTrigger は探索パスを非同期に開始するインターフェース。
type DiscoveryTrigger interface {
	Trigger(ctx context.Context, maxNew int)
}

// RunnerConfig はジョブ本体の設定。
type RunnerConfig struct {
	// DetailConcurrency はクエスト詳細を並行取得するサブバッチの大きさ（デフォルト: 5）。
	DetailConcurrency int
	// DiscoveryMaxNew はジョブ完了時に起動する探索パスの発見上限。0の場合は探索を起動しない。
	DiscoveryMaxNew int
	Retry           retry.Policy
}

// storeError はジョブ全体を失敗させる永続化層のエラー。
type storeError struct {
	err error
}

func (e *storeError) Error() string { return e.err.Error() }
func (e *storeError) Unwrap() error { return e.err }

// HarvestRunner はアカウント1件分のクエスト収集を行うRunner実装。
type HarvestRunner struct {
	characters  CharacterLister
	completions CompletionStore
	api         QuestAPI
	catalog     QuestCatalog
	discovery   DiscoveryTrigger
	gate        retry.Gate
	cfg         RunnerConfig
	logger      *slog.Logger
	metrics     metrics.MetricsCollector
}

// NewHarvestRunner はHarvestRunnerの新しいインスタンスを生成する。discoveryはnilでもよい。
func NewHarvestRunner(
	characters CharacterLister,
	completions CompletionStore,
	api QuestAPI,
	catalog QuestCatalog,
	discovery DiscoveryTrigger,
	gate retry.Gate,
	cfg RunnerConfig,
	logger *slog.Logger,
	collector metrics.MetricsCollector,
) *HarvestRunner {
	if cfg.DetailConcurrency <= 0 {
		cfg.DetailConcurrency = 5
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if collector == nil {
		collector = metrics.Nop{}
	}
	return &HarvestRunner{
		characters:  characters,
		completions: completions,
		api:         api,
		catalog:     catalog,
		discovery:   discovery,
		gate:        gate,
		cfg:         cfg,
		logger:      logger,
		metrics:     collector,
	}
}

// Run はジョブ本体を実行する。
// キャラクター単位の失敗は進捗のエラーに記録して次のキャラクターへ進む。
// キャラクターが存在しない場合と永続化層の失敗はジョブ全体を失敗させる。
func (r *HarvestRunner) Run(ctx context.Context, t *Tracker) error {
	owner := t.OwnerID()

	t.SetPhase(model.JobPhaseCharacters)
	chars, err := r.characters.ListByOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("キャラクター一覧の取得に失敗しました: %w", err)
	}
	if len(chars) == 0 {
		return model.ErrNoCharacters
	}
	t.SetCharactersTotal(len(chars))

	t.SetPhase(model.JobPhaseQuests)
	seen := make(map[int]struct{})
	for _, ch := range chars {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := r.harvestCharacter(ctx, t, ch, seen)
		t.CharacterDone()
		if err == nil {
			continue
		}

		var se *storeError
		if errors.As(err, &se) || ctx.Err() != nil {
			return err
		}
		t.AddError(fmt.Sprintf("%s-%s: %v", ch.Name, ch.RealmSlug, err))
		r.logger.Warn("キャラクターの完了クエスト取得に失敗しました",
			slog.String("job_id", t.JobID()),
			slog.String("character", ch.Name),
			slog.String("realm", ch.RealmSlug),
			slog.String("error", err.Error()),
		)
	}

	t.SetPhase(model.JobPhaseSummary)
	if err := r.completions.RecomputeZoneSummary(ctx, owner); err != nil {
		return fmt.Errorf("ゾーン集計の再計算に失敗しました: %w", err)
	}
	if err := r.completions.TouchLastSynced(ctx, owner, time.Now()); err != nil {
		return fmt.Errorf("最終同期時刻の更新に失敗しました: %w", err)
	}

	t.SetPhase(model.JobPhaseDiscovery)
	if r.discovery != nil && r.cfg.DiscoveryMaxNew > 0 {
		r.discovery.Trigger(ctx, r.cfg.DiscoveryMaxNew)
	}
	return nil
}

// harvestCharacter は1キャラクター分の完了クエストを記録し、未キャッシュのクエストを追加する。
// seenはジョブ内で既に処理したクエストIDの集合で、同一クエストを二重に処理しない。
func (r *HarvestRunner) harvestCharacter(ctx context.Context, t *Tracker, ch model.Character, seen map[int]struct{}) error {
	ids, err := retry.DoValue(ctx, r.gate, r.cfg.Retry, func(ctx context.Context) ([]int, error) {
		return r.api.CompletedQuests(ctx, t.AccessToken(), ch.RealmSlug, ch.Name)
	})
	if err != nil {
		return err
	}

	fresh := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		fresh = append(fresh, id)
	}
	if len(fresh) == 0 {
		return nil
	}

	if err := r.completions.RecordCompleted(ctx, t.OwnerID(), fresh); err != nil {
		return &storeError{fmt.Errorf("完了クエストの記録に失敗しました: %w", err)}
	}
	t.AddQuests(len(fresh), 0)

	known, err := r.catalog.FilterKnown(ctx, fresh)
	if err != nil {
		return &storeError{fmt.Errorf("クエストキャッシュの参照に失敗しました: %w", err)}
	}
	missing := make([]int, 0, len(fresh)-len(known))
	for _, id := range fresh {
		if _, ok := known[id]; !ok {
			missing = append(missing, id)
		}
	}

	for start := 0; start < len(missing); start += r.cfg.DetailConcurrency {
		end := min(start+r.cfg.DetailConcurrency, len(missing))
		contributed, err := r.contributeBatch(ctx, missing[start:end])
		if contributed > 0 {
			t.AddQuests(0, contributed)
			r.metrics.RecordQuestsContributed(contributed)
		}
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

// contributeBatch はサブバッチ内のクエスト詳細を並行に取得してキャッシュへ追加する。
// 詳細取得の失敗（スロットリングの再試行切れを含む）は未発見として扱う。
func (r *HarvestRunner) contributeBatch(ctx context.Context, ids []int) (int, error) {
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		contributed int
		firstErr    error
	)

	for _, id := range ids {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			details, err := retry.DoValue(ctx, r.gate, r.cfg.Retry, func(ctx context.Context) (*model.QuestDetails, error) {
				return r.api.QuestDetails(ctx, id)
			})
			if err != nil || details == nil {
				if err != nil && !errors.Is(err, model.ErrNotFound) && ctx.Err() == nil {
					r.logger.Debug("クエスト詳細の取得に失敗しました",
						slog.Int("quest_id", id),
						slog.String("error", err.Error()),
					)
				}
				return
			}

			if err := r.catalog.Contribute(ctx, details); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = &storeError{err}
				}
				mu.Unlock()
				return
			}

			mu.Lock()
			contributed++
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	return contributed, firstErr
}

// compile-time interface check
var _ Runner = (*HarvestRunner)(nil)
