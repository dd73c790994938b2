// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 外部APIクライアント、ジョブキュー、探索エンジン、マーケット同期から利用する。
type MetricsCollector interface {
	RecordAPICall(endpoint, outcome string, duration time.Duration)
	SetLimiterRate(rate float64)
	SetQueueDepth(depth int)
	RecordJobFinished(status string, duration time.Duration)
	RecordQuestsContributed(count int)
	RecordQuestsDiscovered(count int)
	RecordMarketUpsert(records int, batches int)
}

// 外部API呼び出しの結果ラベル
const (
	OutcomeOK          = "ok"
	OutcomeNotFound    = "not_found"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
)

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	apiCalls          *prometheus.CounterVec
	apiLatency        *prometheus.HistogramVec
	limiterRate       prometheus.Gauge
	queueDepth        prometheus.Gauge
	jobsFinished      *prometheus.CounterVec
	jobDuration       prometheus.Histogram
	questsContributed prometheus.Counter
	questsDiscovered  prometheus.Counter
	marketRecords     prometheus.Counter
	marketBatches     prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "questharvest_api_calls_total",
			Help: "外部API呼び出しのエンドポイント・結果別の合計数",
		}, []string{"endpoint", "outcome"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "questharvest_api_latency_seconds",
			Help:    "外部API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		limiterRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "questharvest_limiter_rate",
			Help: "共有レートリミッターの現在の許可レート（req/sec）",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "questharvest_queue_depth",
			Help: "待機中の収集ジョブ数",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "questharvest_jobs_finished_total",
			Help: "終了した収集ジョブの状態別の合計数",
		}, []string{"status"}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "questharvest_job_duration_seconds",
			Help:    "収集ジョブの処理時間（秒）",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		questsContributed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "questharvest_quests_contributed_total",
			Help: "収集ジョブがキャッシュへ追加したクエストの合計数",
		}),
		questsDiscovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "questharvest_quests_discovered_total",
			Help: "探索エンジンが発見したクエストの合計数",
		}),
		marketRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "questharvest_market_records_upserted_total",
			Help: "アップサートされたマーケット集計レコードの合計数",
		}),
		marketBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "questharvest_market_batches_total",
			Help: "マーケット集計のバッチ書き込み文の合計数",
		}),
	}

	reg.MustRegister(
		c.apiCalls,
		c.apiLatency,
		c.limiterRate,
		c.queueDepth,
		c.jobsFinished,
		c.jobDuration,
		c.questsContributed,
		c.questsDiscovered,
		c.marketRecords,
		c.marketBatches,
	)

	return c
}

// RecordAPICall は外部API呼び出しの結果とレイテンシを記録する。
func (c *Collector) RecordAPICall(endpoint, outcome string, duration time.Duration) {
	c.apiCalls.WithLabelValues(endpoint, outcome).Inc()
	c.apiLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// SetLimiterRate は共有レートリミッターの許可レートを記録する。
func (c *Collector) SetLimiterRate(rate float64) {
	c.limiterRate.Set(rate)
}

// SetQueueDepth は待機中のジョブ数を記録する。
func (c *Collector) SetQueueDepth(depth int) {
	c.queueDepth.Set(float64(depth))
}

// RecordJobFinished はジョブの終了状態と処理時間を記録する。
func (c *Collector) RecordJobFinished(status string, duration time.Duration) {
	c.jobsFinished.WithLabelValues(status).Inc()
	c.jobDuration.Observe(duration.Seconds())
}

// RecordQuestsContributed は収集ジョブによるクエスト追加数を記録する。
func (c *Collector) RecordQuestsContributed(count int) {
	c.questsContributed.Add(float64(count))
}

// RecordQuestsDiscovered は探索によるクエスト発見数を記録する。
func (c *Collector) RecordQuestsDiscovered(count int) {
	c.questsDiscovered.Add(float64(count))
}

// RecordMarketUpsert はマーケット集計のアップサート件数とバッチ数を記録する。
func (c *Collector) RecordMarketUpsert(records int, batches int) {
	c.marketRecords.Add(float64(records))
	c.marketBatches.Add(float64(batches))
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordAPICall(string, string, time.Duration) {}
func (Nop) SetLimiterRate(float64)                      {}
func (Nop) SetQueueDepth(int)                           {}
func (Nop) RecordJobFinished(string, time.Duration)     {}
func (Nop) RecordQuestsContributed(int)                 {}
func (Nop) RecordQuestsDiscovered(int)                  {}
func (Nop) RecordMarketUpsert(int, int)                 {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// ワーカープロセスのスクレイプ用に使用する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
