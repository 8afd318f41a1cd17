// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 接続結果のラベル値
const (
	OutcomeSuccess     = "success"
	OutcomeDeclined    = "declined"
	OutcomeCanceled    = "canceled"
	OutcomeUnavailable = "unavailable"
)

// MetricsCollector はメトリクス収集のインターフェース。
// セッションマネージャー、ウォレットプロバイダー、HTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordConnect(outcome string, duration time.Duration)
	RecordSessionUpdate(authenticated bool)
	RecordAccessNodeRequest(endpoint string, statusCode int, duration time.Duration)
	RecordHTTPStatus(statusCode int)
	RecordSessionsCleaned(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	connectTotal    *prometheus.CounterVec
	connectLatency  prometheus.Histogram
	sessionUpdates  *prometheus.CounterVec
	authenticated   prometheus.Gauge
	accessNodeTotal *prometheus.CounterVec
	accessLatency   *prometheus.HistogramVec
	httpStatus      *prometheus.CounterVec
	sessionsCleaned prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		connectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowdevkit_connect_total",
			Help: "ウォレット接続の結果別の合計数",
		}, []string{"outcome"}),
		connectLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "flowdevkit_connect_duration_seconds",
			Help: "ウォレット接続の開始から確定までの時間（秒）",
			// ユーザー操作を待つため長めのバケットを使う
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}),
		sessionUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowdevkit_session_updates_total",
			Help: "プロバイダーから受け取ったセッション通知の数",
		}, []string{"authenticated"}),
		authenticated: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flowdevkit_session_authenticated",
			Help: "現在のセッションが認証済みなら1",
		}),
		accessNodeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowdevkit_access_node_requests_total",
			Help: "アクセスノードへのリクエスト数",
		}, []string{"endpoint", "status_code"}),
		accessLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flowdevkit_access_node_latency_seconds",
			Help:    "アクセスノードへのリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flowdevkit_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		sessionsCleaned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flowdevkit_sessions_cleaned_total",
			Help: "期限切れで削除された永続化セッションの合計数",
		}),
	}

	reg.MustRegister(
		c.connectTotal,
		c.connectLatency,
		c.sessionUpdates,
		c.authenticated,
		c.accessNodeTotal,
		c.accessLatency,
		c.httpStatus,
		c.sessionsCleaned,
	)

	return c
}

// RecordConnect はウォレット接続の結果と所要時間を記録する。
func (c *Collector) RecordConnect(outcome string, duration time.Duration) {
	c.connectTotal.WithLabelValues(outcome).Inc()
	c.connectLatency.Observe(duration.Seconds())
}

// RecordSessionUpdate はセッション通知を記録し、認証状態のゲージを更新する。
func (c *Collector) RecordSessionUpdate(authenticated bool) {
	c.sessionUpdates.WithLabelValues(strconv.FormatBool(authenticated)).Inc()
	if authenticated {
		c.authenticated.Set(1)
	} else {
		c.authenticated.Set(0)
	}
}

// RecordAccessNodeRequest はアクセスノードへのリクエストを記録する。
// statusCodeが0の場合は通信エラーを表す。
func (c *Collector) RecordAccessNodeRequest(endpoint string, statusCode int, duration time.Duration) {
	status := strconv.Itoa(statusCode)
	if statusCode == 0 {
		status = "error"
	}
	c.accessNodeTotal.WithLabelValues(endpoint, status).Inc()
	c.accessLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSessionsCleaned は削除された期限切れセッション数を記録する。
func (c *Collector) RecordSessionsCleaned(count int) {
	c.sessionsCleaned.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
