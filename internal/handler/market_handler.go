package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/questharvest/internal/middleware"
	"github.com/hitoshi/questharvest/internal/model"
)

// maxPriceItems は1リクエストで照会できるアイテム数の上限。
const maxPriceItems = 500

// PriceServiceInterface はマーケット価格ハンドラーが必要とするサービスインターフェース。
// market.Persister が実装する。
type PriceServiceInterface interface {
	Prices(ctx context.Context, marketID int, region string, itemIDs []int) ([]model.MarketRecord, error)
}

// MarketHandler はマーケット価格のHTTPハンドラー。
type MarketHandler struct {
	prices        PriceServiceInterface
	defaultRegion string
}

// NewMarketHandler はMarketHandlerを生成する。
// regionクエリが省略された場合はdefaultRegionを使用する。
func NewMarketHandler(prices PriceServiceInterface, defaultRegion string) *MarketHandler {
	return &MarketHandler{
		prices:        prices,
		defaultRegion: strings.ToLower(defaultRegion),
	}
}

// pricesResponse はマーケット価格照会のAPIレスポンス。
type pricesResponse struct {
	MarketID int                  `json:"market_id"`
	Region   string               `json:"region"`
	Prices   []model.MarketRecord `json:"prices"`
}

// ListPrices は指定マーケットのアイテム価格を返す。
// GET /api/markets/{marketID}/prices?region=us&items=1,2,3
func (h *MarketHandler) ListPrices(w http.ResponseWriter, r *http.Request) {
	marketID, err := strconv.Atoi(chi.URLParam(r, "marketID"))
	if err != nil || marketID < 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidMarket,
			Message:  "マーケットIDが不正です。",
			Category: "validation",
			Action:   "0（コモディティ）または接続レルムIDを指定してください。",
		})
		return
	}

	itemIDs, ok := parseItemIDs(r.URL.Query().Get("items"))
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     model.ErrCodeInvalidItems,
			Message:  "アイテムIDの指定が不正です。",
			Category: "validation",
			Action:   "itemsに1〜500件の正の整数をカンマ区切りで指定してください。",
		})
		return
	}

	region := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("region")))
	if region == "" {
		region = h.defaultRegion
	}

	records, err := h.prices.Prices(r.Context(), marketID, region, itemIDs)
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if records == nil {
		records = []model.MarketRecord{}
	}

	middleware.WriteJSON(w, http.StatusOK, pricesResponse{
		MarketID: marketID,
		Region:   region,
		Prices:   records,
	})
}

// parseItemIDs はカンマ区切りのアイテムIDを重複を除いて解釈する。
func parseItemIDs(raw string) ([]int, bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, false
	}
	seen := make(map[int]struct{})
	var ids []int
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || id <= 0 {
			return nil, false
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) > maxPriceItems {
		return nil, false
	}
	return ids, true
}
