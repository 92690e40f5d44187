// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 購読判定の結果ラベル
const (
	OutcomeMember      = "member"
	OutcomeNotMember   = "not_member"
	OutcomeRateLimited = "rate_limited"
	OutcomeError       = "error"
)

// 購読判定の取得元ラベル
const (
	SourceCache    = "cache"
	SourceUpstream = "upstream"
	SourceStale    = "stale"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 購読判定、リコンシリエーション、HTTPハンドラーから利用する。
type MetricsCollector interface {
	RecordMembershipCheck(source, outcome string)
	RecordUpstreamLatency(method string, duration time.Duration)
	RecordReconcileRun(updated, errored int, duration time.Duration)
	RecordCacheEntries(n int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	membershipChecks *prometheus.CounterVec
	upstreamLatency  *prometheus.HistogramVec
	reconcileUpdated prometheus.Counter
	reconcileErrored prometheus.Counter
	reconcileLatency prometheus.Histogram
	cacheEntries     prometheus.Gauge
	httpStatus       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		membershipChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subgate_membership_checks_total",
			Help: "購読判定の取得元・結果別の回数",
		}, []string{"source", "outcome"}),
		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "subgate_upstream_latency_seconds",
			Help:    "Bot API呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		reconcileUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subgate_reconcile_updated_total",
			Help: "リコンシリエーションで更新されたセッション数の合計",
		}),
		reconcileErrored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subgate_reconcile_errored_total",
			Help: "リコンシリエーションで失敗したセッション数の合計",
		}),
		reconcileLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "subgate_reconcile_duration_seconds",
			Help:    "リコンシリエーション1回あたりの所要時間（秒）",
			Buckets: []float64{1, 10, 60, 300, 900, 3600},
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "subgate_membership_cache_entries",
			Help: "購読キャッシュのエントリ数（スイープ直後の値）",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subgate_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.membershipChecks,
		c.upstreamLatency,
		c.reconcileUpdated,
		c.reconcileErrored,
		c.reconcileLatency,
		c.cacheEntries,
		c.httpStatus,
	)

	return c
}

// RecordMembershipCheck は購読判定を記録する。
func (c *Collector) RecordMembershipCheck(source, outcome string) {
	c.membershipChecks.WithLabelValues(source, outcome).Inc()
}

// RecordUpstreamLatency はBot API呼び出しのレイテンシを記録する。
func (c *Collector) RecordUpstreamLatency(method string, duration time.Duration) {
	c.upstreamLatency.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordReconcileRun はリコンシリエーション1回分の結果を記録する。
func (c *Collector) RecordReconcileRun(updated, errored int, duration time.Duration) {
	c.reconcileUpdated.Add(float64(updated))
	c.reconcileErrored.Add(float64(errored))
	c.reconcileLatency.Observe(duration.Seconds())
}

// RecordCacheEntries は購読キャッシュのエントリ数を記録する。
func (c *Collector) RecordCacheEntries(n int) {
	c.cacheEntries.Set(float64(n))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordMembershipCheck(string, string)        {}
func (Nop) RecordUpstreamLatency(string, time.Duration) {}
func (Nop) RecordReconcileRun(int, int, time.Duration)  {}
func (Nop) RecordCacheEntries(int)                      {}
func (Nop) RecordHTTPStatus(int)                        {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// statusRecorder はhttp.ResponseWriterをラップし、ステータスコードを記録する。
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

// NewHTTPMiddleware はレスポンスのステータスコードをコレクタに記録するミドルウェアを返す。
func NewHTTPMiddleware(c MetricsCollector) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(rec, r)
			c.RecordHTTPStatus(rec.statusCode)
		})
	}
}

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
