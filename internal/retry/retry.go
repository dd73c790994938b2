// Package retry は外部API呼び出しの再試行ポリシーを提供する。
//
// すべての試行は共有レートリミッターの許可を得てから行う。
// スロットリング応答はリミッターへエラーとして報告し、指数バックオフで再試行する。
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/hitoshi/questharvest/internal/model"
)

// Gate は試行前の許可と結果の報告を受け付けるインターフェース。
// ratelimit.Limiter が実装する。
type Gate interface {
	Admit(ctx context.Context) error
	ReportError()
	ReportSuccess()
}

// Policy は再試行ポリシー。
type Policy struct {
	// MaxAttempts は最大試行回数（デフォルト: 3）。
	MaxAttempts int
	// BaseDelay はバックオフの基準時間。attempt回目の失敗後に BaseDelay×2^attempt 待機する。
	BaseDelay time.Duration
	// MaxJitter はバックオフに加算するランダムなジッターの上限。
	MaxJitter time.Duration
}

// DefaultPolicy はデフォルトの再試行ポリシーを返す。
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxJitter:   time.Second,
	}
}

// Backoff はattempt回目（0始まり）の失敗後の待機時間を返す。
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > 16 {
		attempt = 16
	}
	delay := p.BaseDelay * time.Duration(1<<attempt)
	if p.MaxJitter > 0 {
		delay += rand.N(p.MaxJitter)
	}
	return delay
}

// Do はfnをポリシーに従って実行する。
// 成功時はnilを返す。ErrNotFoundなど再試行しないエラーはそのまま返す。
// 試行回数を使い切った場合は最後のエラーをラップして返す。
func Do(ctx context.Context, gate Gate, policy Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, gate, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue は値を返すfnをポリシーに従って実行する。
func DoValue[T any](ctx context.Context, gate Gate, policy Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := gate.Admit(ctx); err != nil {
			return zero, err
		}

		v, err := fn(ctx)
		switch {
		case err == nil:
			gate.ReportSuccess()
			return v, nil
		case errors.Is(err, model.ErrNotFound):
			// APIは正常に応答しているため、リミッターには成功として扱う
			gate.ReportSuccess()
			return zero, err
		case errors.Is(err, model.ErrRateLimited):
			gate.ReportError()
		case model.IsTransient(err):
			// 一時的な障害はレート調整の対象にしない
		default:
			return zero, err
		}

		lastErr = err
		if attempt == attempts-1 {
			break
		}

		timer := time.NewTimer(policy.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("%d回の試行後も失敗しました: %w", attempts, lastErr)
}
