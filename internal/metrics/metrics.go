// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// Gateway、セッション、ダッシュボード、ミドルウェアから利用する。
type MetricsCollector interface {
	RecordGatewayCall(op, outcome string, duration time.Duration)
	RecordMutation(op, outcome string)
	RecordAuthEvent(event, outcome string)
	RecordHandoff(kind string)
	SetActiveVisitors(n int)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	gatewayCalls   *prometheus.CounterVec
	gatewayLatency *prometheus.HistogramVec
	mutations      *prometheus.CounterVec
	authEvents     *prometheus.CounterVec
	handoffs       *prometheus.CounterVec
	activeVisitors prometheus.Gauge
	httpStatus     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "investdesk_gateway_calls_total",
			Help: "バックエンド呼び出しの合計数（操作・結果別）",
		}, []string{"op", "outcome"}),
		gatewayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "investdesk_gateway_latency_seconds",
			Help:    "バックエンド呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "investdesk_mutations_total",
			Help: "ダッシュボードからの入金・出金・投資操作の合計数",
		}, []string{"op", "outcome"}),
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "investdesk_auth_events_total",
			Help: "サインイン・サインアップ・サインアウト等の合計数",
		}, []string{"event", "outcome"}),
		handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "investdesk_handoff_links_total",
			Help: "生成したWhatsApp引き継ぎリンクの合計数",
		}, []string{"kind"}),
		activeVisitors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "investdesk_active_visitors",
			Help: "メモリ上に保持している訪問者セッション数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "investdesk_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.gatewayCalls,
		c.gatewayLatency,
		c.mutations,
		c.authEvents,
		c.handoffs,
		c.activeVisitors,
		c.httpStatus,
	)

	return c
}

// RecordGatewayCall はバックエンド呼び出しの結果とレイテンシを記録する。
func (c *Collector) RecordGatewayCall(op, outcome string, duration time.Duration) {
	c.gatewayCalls.WithLabelValues(op, outcome).Inc()
	c.gatewayLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordMutation は更新操作の結果を記録する。
func (c *Collector) RecordMutation(op, outcome string) {
	c.mutations.WithLabelValues(op, outcome).Inc()
}

// RecordAuthEvent は認証操作の結果を記録する。
func (c *Collector) RecordAuthEvent(event, outcome string) {
	c.authEvents.WithLabelValues(event, outcome).Inc()
}

// RecordHandoff は引き継ぎリンクの生成を記録する。
func (c *Collector) RecordHandoff(kind string) {
	c.handoffs.WithLabelValues(kind).Inc()
}

// SetActiveVisitors は保持中の訪問者数を設定する。
func (c *Collector) SetActiveVisitors(n int) {
	c.activeVisitors.Set(float64(n))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
