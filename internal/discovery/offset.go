package discovery

import (
	"context"
	"log/slog"
	"sync"
)

// OffsetModulus はバンド内の開始オフセットの周期。
const OffsetModulus = 50

// offsetStateName は探索状態テーブル上のオフセットのキー。
const offsetStateName = "quest_offset"

// OffsetStore はオフセットを永続化するインターフェース。
// repository.DiscoveryStateRepository が実装する。
type OffsetStore interface {
	LoadOffset(ctx context.Context, name string) (int, bool, error)
	SaveOffset(ctx context.Context, name string, offset int) error
}

// Offset は探索パスごとに進むローテーションオフセット。
// パスkは (k mod OffsetModulus) を開始オフセットとして使用する。
type Offset struct {
	mu     sync.Mutex
	value  int
	store  OffsetStore
	logger *slog.Logger
}

// NewOffset は永続化しないOffsetを生成する。
func NewOffset(initial int) *Offset {
	return &Offset{value: normalize(initial), logger: slog.Default()}
}

// LoadOffset は永続化済みの値からOffsetを復元する。未保存の場合は0から開始する。
// 読み込みに失敗した場合も0から開始し、以降の保存は試みる。
func LoadOffset(ctx context.Context, store OffsetStore, logger *slog.Logger) *Offset {
	o := &Offset{store: store, logger: logger}
	v, found, err := store.LoadOffset(ctx, offsetStateName)
	if err != nil {
		logger.Warn("探索オフセットの読み込みに失敗しました。0から開始します",
			slog.String("error", err.Error()),
		)
		return o
	}
	if found {
		o.value = normalize(v)
	}
	return o
}

// Next は今回のパスで使用するオフセットを返し、次のパスのために値を進める。
func (o *Offset) Next(ctx context.Context) int {
	o.mu.Lock()
	current := o.value
	o.value = (o.value + 1) % OffsetModulus
	next := o.value
	o.mu.Unlock()

	if o.store != nil {
		if err := o.store.SaveOffset(ctx, offsetStateName, next); err != nil {
			o.logger.Warn("探索オフセットの保存に失敗しました",
				slog.Int("offset", next),
				slog.String("error", err.Error()),
			)
		}
	}
	return current
}

// Value は次のパスで使用されるオフセットを返す。
func (o *Offset) Value() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.value
}

func normalize(v int) int {
	v %= OffsetModulus
	if v < 0 {
		v += OffsetModulus
	}
	return v
}
