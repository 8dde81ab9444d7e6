// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// リード変更操作の結果ラベル。
const (
	OutcomeOK       = "ok"
	OutcomeInvalid  = "invalid"
	OutcomeConflict = "conflict"
	OutcomeNotFound = "not_found"
	OutcomeError    = "error"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層・ミドルウェア・ワーカーから利用する。
type MetricsCollector interface {
	RecordLeadMutation(op, outcome string)
	RecordLeadList(duration time.Duration, filterFields []string)
	RecordHTTPRequest(method, route string, statusCode int, duration time.Duration)
	RecordRateLimited(scope string)
	RecordSessionsPurged(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	leadMutations  *prometheus.CounterVec
	leadListTime   prometheus.Histogram
	filterUsage    *prometheus.CounterVec
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	rateLimited    *prometheus.CounterVec
	sessionsPurged prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		leadMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadman_lead_mutations_total",
			Help: "リードの作成・更新・削除の件数（結果別）",
		}, []string{"op", "outcome"}),
		leadListTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "leadman_lead_list_duration_seconds",
			Help:    "リード一覧取得（件数取得を含む）の所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		filterUsage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadman_lead_filter_usage_total",
			Help: "一覧取得で指定されたフィルタのフィールド別件数",
		}, []string{"field"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadman_http_requests_total",
			Help: "HTTPリクエスト数（ルート・ステータスコード別）",
		}, []string{"method", "route", "status_code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "leadman_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadman_rate_limited_total",
			Help: "レート制限で拒否されたリクエスト数",
		}, []string{"scope"}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leadman_sessions_purged_total",
			Help: "クリーンアップで削除された期限切れセッションの合計数",
		}),
	}

	reg.MustRegister(
		c.leadMutations,
		c.leadListTime,
		c.filterUsage,
		c.httpRequests,
		c.httpDuration,
		c.rateLimited,
		c.sessionsPurged,
	)

	return c
}

// RecordLeadMutation はリード変更操作の結果を記録する。
func (c *Collector) RecordLeadMutation(op, outcome string) {
	c.leadMutations.WithLabelValues(op, outcome).Inc()
}

// RecordLeadList は一覧取得の所要時間と使用されたフィルタを記録する。
func (c *Collector) RecordLeadList(duration time.Duration, filterFields []string) {
	c.leadListTime.Observe(duration.Seconds())
	for _, f := range filterFields {
		c.filterUsage.WithLabelValues(f).Inc()
	}
}

// RecordHTTPRequest はHTTPリクエストの結果と処理時間を記録する。
// routeにはchiのルートパターンを渡し、IDなどの可変値をラベルに含めないこと。
func (c *Collector) RecordHTTPRequest(method, route string, statusCode int, duration time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(statusCode)).Inc()
	c.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordRateLimited はレート制限による拒否を記録する。
func (c *Collector) RecordRateLimited(scope string) {
	c.rateLimited.WithLabelValues(scope).Inc()
}

// RecordSessionsPurged は削除された期限切れセッション数を記録する。
func (c *Collector) RecordSessionsPurged(count int64) {
	c.sessionsPurged.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを登録したServeMuxを返す。
// APIルーターを持たないworkerプロセスで使用し、呼び出し側で/healthなどを追加できる。
func SetupMetricsRoute(gatherer prometheus.Gatherer) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
