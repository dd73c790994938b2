// Package ratelimit は外部API呼び出し全体で共有する適応型レートリミッターを提供する。
//
// 直近1秒間（ウィンドウ）のリクエスト時刻をスライディングウィンドウで保持し、
// 許可レートに達している場合は最古のエントリが期限切れになるまで待機する。
// 許可レートは呼び出し元からのエラー/成功シグナルによってのみ変化する。
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"
)

// RateObserver は許可レートの変化を受け取るインターフェース。
// メトリクスのゲージ更新に使用する。
type RateObserver interface {
	SetLimiterRate(rate float64)
}

// Config はリミッターの設定パラメータ。
type Config struct {
	// InitialRate は起動時の許可レート（req/sec）。
	InitialRate float64
	// MinRate は縮退時の下限（デフォルト: 10 req/sec）。
	MinRate float64
	// MaxRate は回復時の上限（デフォルト: 80 req/sec）。
	MaxRate float64
	// Window はスライディングウィンドウの幅（デフォルト: 1秒）。
	Window time.Duration
	// Buffer は最古エントリの期限切れ待ちに加算する固定バッファ。
	Buffer time.Duration
	// ErrorThreshold は縮退までの連続エラー回数（デフォルト: 3）。
	ErrorThreshold int
	// DecreaseFactor は縮退時の乗数（デフォルト: 0.5）。
	DecreaseFactor float64
	// IncreaseFactor は回復時の乗数（デフォルト: 1.1）。
	IncreaseFactor float64
}

// DefaultConfig はデフォルトのリミッター設定を返す。
func DefaultConfig() Config {
	return Config{
		InitialRate:    50,
		MinRate:        10,
		MaxRate:        80,
		Window:         time.Second,
		Buffer:         10 * time.Millisecond,
		ErrorThreshold: 3,
		DecreaseFactor: 0.5,
		IncreaseFactor: 1.1,
	}
}

// Limiter はプロセス全体で1つだけ生成し、全ジョブ・探索・マーケット同期で共有する。
type Limiter struct {
	mu                sync.Mutex
	cfg               Config
	rate              float64
	window            []time.Time
	consecutiveErrors int
	degraded          bool // 最後の成功以降にエラーが報告されたか

	logger   *slog.Logger
	observer RateObserver
}

// NewLimiter はLimiterの新しいインスタンスを生成する。
// 0以下の設定値はデフォルト値で補完し、初期レートは[MinRate, MaxRate]に丸める。
func NewLimiter(cfg Config, logger *slog.Logger, observer RateObserver) *Limiter {
	def := DefaultConfig()
	if cfg.MinRate <= 0 {
		cfg.MinRate = def.MinRate
	}
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = def.MaxRate
	}
	if cfg.MaxRate < cfg.MinRate {
		cfg.MaxRate = cfg.MinRate
	}
	if cfg.InitialRate <= 0 {
		cfg.InitialRate = def.InitialRate
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Buffer < 0 {
		cfg.Buffer = 0
	}
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = def.ErrorThreshold
	}
	if cfg.DecreaseFactor <= 0 || cfg.DecreaseFactor >= 1 {
		cfg.DecreaseFactor = def.DecreaseFactor
	}
	if cfg.IncreaseFactor <= 1 {
		cfg.IncreaseFactor = def.IncreaseFactor
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Limiter{
		cfg:      cfg,
		rate:     clamp(cfg.InitialRate, cfg.MinRate, cfg.MaxRate),
		logger:   logger,
		observer: observer,
	}
	l.notify(l.rate)
	return l
}

// Admit はリクエストを発行してよくなるまで呼び出し元をブロックし、発行時刻を記録する。
// 待機はタイマーで行い、専用のゴルーチンは消費しない。
// コンテキストがキャンセルされた場合のみエラーを返す。
func (l *Limiter) Admit(ctx context.Context) error {
	for {
		l.mu.Lock()
		now := time.Now()
		l.evictLocked(now)

		if len(l.window) < l.allowedLocked() {
			l.window = append(l.window, now)
			l.mu.Unlock()
			return nil
		}

		wait := l.window[0].Add(l.cfg.Window).Sub(now) + l.cfg.Buffer
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ReportError はスロットリング応答などの失敗を通知する。
// 連続ErrorThreshold回に達すると許可レートをDecreaseFactor倍（MinRateで下限）にし、
// 同一バースト内で縮退が複利的に重ならないよう連続エラー数をリセットする。
func (l *Limiter) ReportError() {
	l.mu.Lock()
	l.consecutiveErrors++
	l.degraded = true

	if l.consecutiveErrors < l.cfg.ErrorThreshold {
		l.mu.Unlock()
		return
	}

	prev := l.rate
	l.rate = math.Max(l.cfg.MinRate, l.rate*l.cfg.DecreaseFactor)
	l.consecutiveErrors = 0
	rate := l.rate
	l.mu.Unlock()

	l.logger.Warn("連続エラーにより外部APIのレートを縮退しました",
		slog.Float64("previous_rate", prev),
		slog.Float64("rate", rate),
	)
	l.notify(rate)
}

// ReportSuccess は成功を通知する。
// エラー後の最初の成功でのみ許可レートをIncreaseFactor倍（MaxRateで上限）にし、連続エラー数をクリアする。
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	if !l.degraded && l.consecutiveErrors == 0 {
		l.mu.Unlock()
		return
	}

	prev := l.rate
	l.rate = math.Min(l.cfg.MaxRate, l.rate*l.cfg.IncreaseFactor)
	l.consecutiveErrors = 0
	l.degraded = false
	rate := l.rate
	l.mu.Unlock()

	if rate != prev {
		l.logger.Info("外部APIのレートを回復しました",
			slog.Float64("previous_rate", prev),
			slog.Float64("rate", rate),
		)
	}
	l.notify(rate)
}

// Rate は現在の許可レート（req/sec）を返す。
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate
}

// ConsecutiveErrors は現在の連続エラー数を返す。テストおよび診断用。
func (l *Limiter) ConsecutiveErrors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consecutiveErrors
}

// allowedLocked はウィンドウあたりの許可リクエスト数を返す。呼び出し時にmuを保持していること。
func (l *Limiter) allowedLocked() int {
	n := int(math.Floor(l.rate * l.cfg.Window.Seconds()))
	if n < 1 {
		return 1
	}
	return n
}

// evictLocked はウィンドウ外の古いタイムスタンプを取り除く。呼び出し時にmuを保持していること。
func (l *Limiter) evictLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.window) && !l.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.window = append(l.window[:0], l.window[i:]...)
	}
}

func (l *Limiter) notify(rate float64) {
	if l.observer != nil {
		l.observer.SetLimiterRate(rate)
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}
