package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/questharvest/internal/metrics"
	"github.com/hitoshi/questharvest/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger        *slog.Logger
	SessionFinder middleware.SessionFinder
	RateLimiter   *middleware.RateLimiter

	// 運用
	HealthChecker HealthChecker
	Gatherer      prometheus.Gatherer

	// 収集ジョブ
	JobService JobServiceInterface

	// マーケット価格
	PriceService  PriceServiceInterface
	DefaultRegion string
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SessionMiddleware → RateLimitMiddleware(GeneralMiddleware)
//
// /health と /metrics は認証チェーンの外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))

	harvestHandler := NewHarvestHandler(deps.JobService)
	marketHandler := NewMarketHandler(deps.PriceService, deps.DefaultRegion)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(deps.Gatherer))
	}

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: Session → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewSessionMiddleware(deps.SessionFinder))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/api/harvest/jobs", func(r chi.Router) {
			// POST /api/harvest/jobs - ジョブ投入（投入専用レート制限を追加）
			r.With(deps.RateLimiter.EnqueueMiddleware()).Post("/", harvestHandler.EnqueueJob)
			r.Get("/{id}", harvestHandler.GetJob)
		})

		r.Get("/api/markets/{marketID}/prices", marketHandler.ListPrices)
	})

	return r
}
