// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 認証拒否の理由ラベル
const (
	ReasonNoCredential     = "no_credential"
	ReasonInvalidToken     = "invalid_token"
	ReasonTokenExpired     = "token_expired"
	ReasonTokenRevoked     = "token_revoked"
	ReasonUnknownIdentity  = "unknown_identity"
	ReasonInsufficientRole = "insufficient_role"
	ReasonRateLimited      = "rate_limited"
	ReasonStoreUnavailable = "store_unavailable"
)

// Recorder はメトリクス記録のインターフェース。
// ミドルウェア、ハンドラー、ワーカーから利用する。
type Recorder interface {
	RecordLogin(method, outcome string)
	RecordRejection(reason string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
	RecordRevocationsPurged(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins         *prometheus.CounterVec
	rejections     *prometheus.CounterVec
	httpStatus     *prometheus.CounterVec
	requestLatency prometheus.Histogram
	purged         prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_logins_total",
			Help: "ログイン試行の合計数（方式・結果別）",
		}, []string{"method", "outcome"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_auth_rejections_total",
			Help: "認証・認可で拒否されたリクエスト数（理由別）",
		}, []string{"reason"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "storefront_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "storefront_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		purged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "storefront_revocations_purged_total",
			Help: "期限切れにより削除された失効リストのエントリ数",
		}),
	}

	reg.MustRegister(
		c.logins,
		c.rejections,
		c.httpStatus,
		c.requestLatency,
		c.purged,
	)

	return c
}

// RecordLogin はログイン試行を記録する。
func (c *Collector) RecordLogin(method, outcome string) {
	c.logins.WithLabelValues(method, outcome).Inc()
}

// RecordRejection は認証・認可での拒否を記録する。
func (c *Collector) RecordRejection(reason string) {
	c.rejections.WithLabelValues(reason).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストの処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// RecordRevocationsPurged は削除された失効エントリ数を記録する。
func (c *Collector) RecordRevocationsPurged(count int64) {
	c.purged.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop は何も記録しないRecorder。メトリクスが不要なテストやコマンドで使用する。
type Nop struct{}

func (Nop) RecordLogin(string, string)         {}
func (Nop) RecordRejection(string)             {}
func (Nop) RecordHTTPStatus(int)               {}
func (Nop) RecordRequestLatency(time.Duration) {}
func (Nop) RecordRevocationsPurged(int64)      {}

// compile-time interface check
var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
