// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/questharvest/internal/model"
)

const sessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// ownerIDContextKey はリクエストコンテキストにオーナーIDを格納するためのキー。
	ownerIDContextKey = contextKey("owner_id")
	// accessTokenContextKey はオーナーの外部APIアクセストークンを格納するためのキー。
	accessTokenContextKey = contextKey("access_token")
)

// SessionFinder はセッションの検索に必要なインターフェース。
// repository.SessionRepositoryの部分集合として定義する。
type SessionFinder interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
}

// NewSessionMiddleware はセッションIDを読み取り、有効性を検証するミドルウェアを返す。
// セッションIDはHTTP Only Cookieを優先し、無い場合はAuthorization: Bearerヘッダーから取得する。
// 認証済みオーナーIDとアクセストークンをリクエストコンテキストに注入する。
// 未認証リクエストには401 Unauthorizedを返す。
func NewSessionMiddleware(sessionFinder SessionFinder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := sessionIDFromRequest(r)
			if sessionID == "" {
				writeUnauthorized(w)
				return
			}

			session, err := sessionFinder.FindByID(r.Context(), sessionID)
			if err != nil {
				slog.Error("failed to find session",
					slog.String("error", err.Error()),
				)
				writeUnauthorized(w)
				return
			}
			if session == nil {
				writeUnauthorized(w)
				return
			}

			if holder, ok := r.Context().Value(ownerHolderContextKey).(*ownerHolder); ok {
				holder.ownerID = session.UserID
			}
			ctx := ContextWithOwner(r.Context(), session.UserID, session.AccessToken)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func sessionIDFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusUnauthorized, &model.APIError{
		Code:     model.ErrCodeUnauthorized,
		Message:  "ログインが必要です。",
		Category: "auth",
		Action:   "ダッシュボードから再度ログインしてください。",
	})
}

// OwnerIDFromContext はリクエストコンテキストからオーナーIDを取得する。
// セッションミドルウェアを通過したリクエストでのみ有効。
func OwnerIDFromContext(ctx context.Context) (string, error) {
	ownerID, ok := ctx.Value(ownerIDContextKey).(string)
	if !ok || ownerID == "" {
		return "", fmt.Errorf("owner ID not found in context")
	}
	return ownerID, nil
}

// AccessTokenFromContext はリクエストコンテキストからオーナーのアクセストークンを取得する。
// トークンが無い場合は空文字列を返す。
func AccessTokenFromContext(ctx context.Context) string {
	token, _ := ctx.Value(accessTokenContextKey).(string)
	return token
}

// ContextWithOwner はコンテキストにオーナーIDとアクセストークンを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithOwner(ctx context.Context, ownerID, accessToken string) context.Context {
	ctx = context.WithValue(ctx, ownerIDContextKey, ownerID)
	return context.WithValue(ctx, accessTokenContextKey, accessToken)
}

func contextWithOwnerHolder(ctx context.Context, holder *ownerHolder) context.Context {
	return context.WithValue(ctx, ownerHolderContextKey, holder)
}
