package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/questharvest/internal/blizzard"
	"github.com/hitoshi/questharvest/internal/config"
	"github.com/hitoshi/questharvest/internal/database"
	"github.com/hitoshi/questharvest/internal/discovery"
	"github.com/hitoshi/questharvest/internal/handler"
	"github.com/hitoshi/questharvest/internal/harvest"
	"github.com/hitoshi/questharvest/internal/logger"
	"github.com/hitoshi/questharvest/internal/market"
	"github.com/hitoshi/questharvest/internal/metrics"
	"github.com/hitoshi/questharvest/internal/middleware"
	"github.com/hitoshi/questharvest/internal/quest"
	"github.com/hitoshi/questharvest/internal/ratelimit"
	"github.com/hitoshi/questharvest/internal/repository"
	"github.com/hitoshi/questharvest/internal/retry"
	"github.com/hitoshi/questharvest/internal/security"
	"github.com/hitoshi/questharvest/internal/worker/cleanup"
	"github.com/hitoshi/questharvest/internal/worker/marketsync"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで再構成する
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("region", cfg.BnetRegion),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandDiscover:
		return runDiscover(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// core はserve/worker/discoverで共有する依存関係。
type core struct {
	db        *sql.DB
	registry  *prometheus.Registry
	collector *metrics.Collector
	limiter   *ratelimit.Limiter
	policy    retry.Policy
	client    *blizzard.Client
	catalog   *quest.Catalog
}

// openCore はDB接続を開き、外部APIクライアントと共有レートリミッターを構築する。
func openCore(cfg *config.Config) (*core, error) {
	db, err := database.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Ping(context.Background(), db); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("database connection established")

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	limiterCfg := ratelimit.DefaultConfig()
	limiterCfg.InitialRate = float64(cfg.RateLimitInitial)
	limiterCfg.MinRate = float64(cfg.RateLimitMin)
	limiterCfg.MaxRate = float64(cfg.RateLimitMax)
	limiter := ratelimit.NewLimiter(limiterCfg, slog.Default(), collector)

	policy := retry.DefaultPolicy()
	if cfg.RetryMaxAttempts > 0 {
		policy.MaxAttempts = cfg.RetryMaxAttempts
	}

	client := blizzard.NewClient(blizzard.Config{
		ClientID:     cfg.BnetClientID,
		ClientSecret: cfg.BnetClientSecret,
		Region:       cfg.BnetRegion,
		Locale:       cfg.BnetLocale,
		Timeout:      cfg.BnetAPITimeout,
		TokenMargin:  cfg.BnetTokenMargin,
	}, slog.Default(), collector)

	catalog := quest.NewCatalog(
		repository.NewPostgresQuestRepo(db),
		security.NewTextSanitizer(),
		quest.DefaultBands(),
	)

	return &core{
		db:        db,
		registry:  registry,
		collector: collector,
		limiter:   limiter,
		policy:    policy,
		client:    client,
		catalog:   catalog,
	}, nil
}

// newDiscoveryEngine は永続化されたオフセットを読み込んで探索エンジンを構築する。
func (c *core) newDiscoveryEngine(ctx context.Context, cfg *config.Config) *discovery.Engine {
	offset := discovery.LoadOffset(ctx, repository.NewPostgresDiscoveryStateRepo(c.db), slog.Default())
	return discovery.NewEngine(c.client, c.catalog, c.limiter, offset, discovery.Config{
		Bands:     c.catalog.Bands(),
		CallDelay: cfg.DiscoveryCallDelay,
		BandPause: cfg.DiscoveryBandPause,
		Retry:     c.policy,
	}, slog.Default(), c.collector)
}

// signalContext はSIGINTまたはSIGTERMでキャンセルされるコンテキストを返す。
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーと収集ジョブキューを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	c, err := openCore(cfg)
	if err != nil {
		return err
	}
	defer c.db.Close()

	ctx, stop := signalContext()
	defer stop()

	// 1. リポジトリの初期化
	sessionRepo := repository.NewPostgresSessionRepo(c.db)
	characterRepo := repository.NewPostgresCharacterRepo(c.db)
	completionRepo := repository.NewPostgresCompletionRepo(c.db)
	marketRepo := repository.NewPostgresMarketRepo(c.db)

	// 2. ドメインサービスの初期化
	engine := c.newDiscoveryEngine(ctx, cfg)
	runner := harvest.NewHarvestRunner(
		characterRepo, completionRepo, c.client, c.catalog, engine, c.limiter,
		harvest.RunnerConfig{
			DetailConcurrency: cfg.JobDetailConcurrency,
			DiscoveryMaxNew:   cfg.DiscoveryMaxNew,
			Retry:             c.policy,
		},
		slog.Default(), c.collector,
	)
	queue := harvest.NewQueue(ctx, runner, harvest.QueueConfig{JobInterval: cfg.JobInterval}, slog.Default(), c.collector)
	go queue.StartPruner(ctx, cfg.JobRetention)

	persister := market.NewPersister(marketRepo, market.Config{
		BatchSize: cfg.MarketBatchSize,
		MaxParams: cfg.MarketMaxParams,
	}, slog.Default(), c.collector)

	// 3. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitEnqueue))
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:        slog.Default(),
		SessionFinder: sessionRepo,
		RateLimiter:   rateLimiter,
		HealthChecker: c.db,
		Gatherer:      c.registry,
		JobService:    queue,
		PriceService:  persister,
		DefaultRegion: cfg.BnetRegion,
	})

	// 4. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down API server...")

	// HTTPの排出中に受け付けたジョブが実行されずに残らないよう、先に受け付けを止める
	queue.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	if err := queue.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("harvest queue shutdown failed: %w", err)
	}
	if err := engine.Wait(shutdownCtx); err != nil {
		return fmt.Errorf("discovery pass did not finish: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// マーケット同期・クリーンアップ・定期探索をバックグラウンドで実行し、/metricsを公開する。
func runWorker(cfg *config.Config) error {
	c, err := openCore(cfg)
	if err != nil {
		return err
	}
	defer c.db.Close()

	ctx, stop := signalContext()
	defer stop()

	marketRepo := repository.NewPostgresMarketRepo(c.db)
	sessionRepo := repository.NewPostgresSessionRepo(c.db)

	// 1. マーケット同期スケジューラの初期化
	persister := market.NewPersister(marketRepo, market.Config{
		BatchSize: cfg.MarketBatchSize,
		MaxParams: cfg.MarketMaxParams,
	}, slog.Default(), c.collector)
	scheduler := marketsync.NewScheduler(c.client, persister, c.limiter, marketsync.Config{
		MarketIDs: cfg.MarketIDs,
		Region:    c.client.Region(),
		Retry:     c.policy,
	}, slog.Default())

	// 2. クリーンアップジョブの初期化
	cleanupJob := cleanup.NewCleanupJob(marketRepo, sessionRepo, slog.Default())
	if cfg.MarketRetentionDays > 0 {
		cleanupJob.RetentionDays = cfg.MarketRetentionDays
	}

	// 3. 探索エンジンの初期化
	engine := c.newDiscoveryEngine(ctx, cfg)

	// 4. メトリクスサーバーの起動
	metricsServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           metrics.SetupMetricsRoute(c.registry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server listen error", slog.String("error", err.Error()))
		}
	}()

	slog.Info("worker starting",
		slog.Duration("market_sync_interval", cfg.MarketSyncInterval),
		slog.Duration("discovery_interval", cfg.DiscoveryInterval),
		slog.Int("market_count", len(cfg.MarketIDs)),
	)

	go cleanupJob.Start(ctx, 24*time.Hour)
	go engine.Start(ctx, cfg.DiscoveryInterval, cfg.DiscoveryMaxNew)

	// マーケット同期スケジューラをメインgoroutineで実行（ブロッキング）
	scheduler.Start(ctx, cfg.MarketSyncInterval)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("metrics server shutdown failed", slog.String("error", err.Error()))
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runDiscover は探索パスを1回実行して終了する。
func runDiscover(cfg *config.Config) error {
	c, err := openCore(cfg)
	if err != nil {
		return err
	}
	defer c.db.Close()

	ctx, stop := signalContext()
	defer stop()

	engine := c.newDiscoveryEngine(ctx, cfg)
	found, err := engine.Discover(ctx, cfg.DiscoveryMaxNew)
	if err != nil {
		return fmt.Errorf("discovery pass failed: %w", err)
	}

	total, err := c.catalog.Size(ctx)
	if err != nil {
		slog.Warn("failed to count cached quests", slog.String("error", err.Error()))
	}
	slog.Info("discovery pass finished",
		slog.Int("discovered", found),
		slog.Int("cached_total", total),
	)
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
