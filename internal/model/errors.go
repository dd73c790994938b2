// Package model はドメインモデルを定義する。
package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, harvest, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeJobNotFound   = "JOB_NOT_FOUND"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInvalidMarket = "INVALID_MARKET"
	ErrCodeInvalidItems  = "INVALID_ITEMS"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeInternal      = "INTERNAL_ERROR"
	ErrCodeUnavailable   = "SERVICE_UNAVAILABLE"
)

var (
	// ErrRateLimited は外部APIがスロットリング応答（429）を返したことを示す。
	// リトライ対象であり、共有レートリミッターの縮退トリガーとなる。
	ErrRateLimited = errors.New("external api rate limited")

	// ErrNotFound は外部APIが404を返したことを示す。
	// 探索やクエスト詳細の取得では想定内の結果として扱う。
	ErrNotFound = errors.New("external api resource not found")

	// ErrNoCharacters はオーナーに同期済みキャラクターが存在しないことを示す。
	ErrNoCharacters = errors.New("no characters found for owner")

	// ErrJobNotFound は指定IDのジョブが存在しないことを示す。
	ErrJobNotFound = errors.New("job not found")
)

// StatusError は外部APIが429/404以外の非2xxステータスを返したことを表す。
type StatusError struct {
	StatusCode int
	Endpoint   string
}

// Error はerrorインターフェースを実装する。
func (e *StatusError) Error() string {
	return fmt.Sprintf("external api %s returned status %d", e.Endpoint, e.StatusCode)
}

// IsTransient は一時的なI/O障害（タイムアウト、5xx）かどうかを判定する。
// 一時的な障害は有限回リトライされ、それでも失敗した場合は項目単位のエラーとして記録される。
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return false
}
