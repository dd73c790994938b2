package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Battle.net API
	BnetClientID     string
	BnetClientSecret string
	BnetRegion       string
	BnetLocale       string
	BnetAPITimeout   time.Duration
	BnetTokenMargin  time.Duration

	// Adaptive rate limiter（req/sec）
	RateLimitInitial int
	RateLimitMin     int
	RateLimitMax     int
	RetryMaxAttempts int

	// Harvest job queue
	JobInterval          time.Duration
	JobRetention         time.Duration
	JobDetailConcurrency int

	// Quest discovery
	DiscoveryMaxNew    int
	DiscoveryCallDelay time.Duration
	DiscoveryBandPause time.Duration
	DiscoveryInterval  time.Duration

	// Market sync
	MarketIDs           []int
	MarketSyncInterval  time.Duration
	MarketBatchSize     int
	MarketMaxParams     int
	MarketRetentionDays int

	// HTTP Rate Limit（req/min/owner）
	RateLimitGeneral int
	RateLimitEnqueue int

	// Server
	ServerPort string
	LogLevel   string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.BnetClientID = os.Getenv("BNET_CLIENT_ID")
	if cfg.BnetClientID == "" {
		missing = append(missing, "BNET_CLIENT_ID")
	}

	cfg.BnetClientSecret = os.Getenv("BNET_CLIENT_SECRET")
	if cfg.BnetClientSecret == "" {
		missing = append(missing, "BNET_CLIENT_SECRET")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.BnetRegion = strings.ToLower(getEnvString("BNET_REGION", "us"))
	cfg.BnetLocale = getEnvString("BNET_LOCALE", "en_US")
	cfg.BnetAPITimeout = getEnvDuration("BNET_API_TIMEOUT", 45*time.Second)
	cfg.BnetTokenMargin = getEnvDuration("BNET_TOKEN_MARGIN", 5*time.Minute)
	cfg.RateLimitInitial = getEnvInt("RATE_LIMIT_INITIAL", 50)
	cfg.RateLimitMin = getEnvInt("RATE_LIMIT_MIN", 10)
	cfg.RateLimitMax = getEnvInt("RATE_LIMIT_MAX", 80)
	cfg.RetryMaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", 3)
	cfg.JobInterval = getEnvDuration("JOB_INTERVAL", 2*time.Second)
	cfg.JobRetention = getEnvDuration("JOB_RETENTION", 24*time.Hour)
	cfg.JobDetailConcurrency = getEnvInt("JOB_DETAIL_CONCURRENCY", 5)
	cfg.DiscoveryMaxNew = getEnvInt("DISCOVERY_MAX_NEW", 200)
	cfg.DiscoveryCallDelay = getEnvDuration("DISCOVERY_CALL_DELAY", 50*time.Millisecond)
	cfg.DiscoveryBandPause = getEnvDuration("DISCOVERY_BAND_PAUSE", 1*time.Second)
	cfg.DiscoveryInterval = getEnvDuration("DISCOVERY_INTERVAL", 6*time.Hour)
	cfg.MarketIDs = getEnvIntList("MARKET_IDS", []int{0})
	cfg.MarketSyncInterval = getEnvDuration("MARKET_SYNC_INTERVAL", 1*time.Hour)
	cfg.MarketBatchSize = getEnvInt("MARKET_BATCH_SIZE", 5000)
	cfg.MarketMaxParams = getEnvInt("MARKET_MAX_PARAMS", 65535)
	cfg.MarketRetentionDays = getEnvInt("MARKET_RETENTION_DAYS", 7)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitEnqueue = getEnvInt("RATE_LIMIT_ENQUEUE", 6)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")

	return cfg, nil
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// getEnvIntList はカンマ区切りの整数リストを読み込む。
// 1要素でも解釈できない場合はデフォルト値を返す。
func getEnvIntList(key string, defaultVal []int) []int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var out []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i, err := strconv.Atoi(part)
		if err != nil {
			return defaultVal
		}
		out = append(out, i)
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
