package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/questharvest/internal/harvest"
	"github.com/hitoshi/questharvest/internal/middleware"
	"github.com/hitoshi/questharvest/internal/model"
)

var errUnauthorized = &model.APIError{
	Code:     model.ErrCodeUnauthorized,
	Message:  "認証が必要です。",
	Category: "auth",
	Action:   "ログインしてください。",
}

var errJobNotFound = &model.APIError{
	Code:     model.ErrCodeJobNotFound,
	Message:  "指定されたジョブが見つかりません。",
	Category: "harvest",
	Action:   "ジョブIDを確認するか、新しいジョブを投入してください。",
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		middleware.WriteErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
	case errors.Is(err, model.ErrJobNotFound):
		middleware.WriteErrorResponse(w, http.StatusNotFound, errJobNotFound)
	case errors.Is(err, harvest.ErrQueueClosed):
		middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, &model.APIError{
			Code:     model.ErrCodeUnavailable,
			Message:  "サーバーが停止処理中のためジョブを受け付けられません。",
			Category: "system",
			Action:   "しばらく待ってから再度お試しください。",
		})
	default:
		slog.Error("internal server error", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeJobNotFound:
		return http.StatusNotFound
	case model.ErrCodeInvalidMarket, model.ErrCodeInvalidItems:
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case model.ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
