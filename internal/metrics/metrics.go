// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// バックエンドクライアント、セッション、自動保存のObserverを兼ねる。
type Collector struct {
	authEvents       *prometheus.CounterVec
	exchangeAttempts *prometheus.CounterVec
	backendRequests  *prometheus.CounterVec
	backendLatency   *prometheus.HistogramVec
	draftSaves       *prometheus.CounterVec
	draftSaveLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "artdesk_auth_events_total",
			Help: "認証イベントの件数",
		}, []string{"event"}),
		exchangeAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "artdesk_session_exchange_total",
			Help: "バックエンドとのセッション交換の結果別件数",
		}, []string{"outcome"}),
		backendRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "artdesk_backend_requests_total",
			Help: "バックエンドAPI呼び出しのルート・ステータス別件数",
		}, []string{"route", "status_code"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "artdesk_backend_request_duration_seconds",
			Help:    "バックエンドAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		draftSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "artdesk_draft_saves_total",
			Help: "下書き保存の結果別件数",
		}, []string{"outcome"}),
		draftSaveLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "artdesk_draft_save_duration_seconds",
			Help:    "下書き保存のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.authEvents,
		c.exchangeAttempts,
		c.backendRequests,
		c.backendLatency,
		c.draftSaves,
		c.draftSaveLatency,
	)

	return c
}

// ObserveAuthEvent は認証イベントを記録する。
func (c *Collector) ObserveAuthEvent(event string) {
	c.authEvents.WithLabelValues(event).Inc()
}

// ObserveExchangeAttempt はセッション交換の結果を記録する。
func (c *Collector) ObserveExchangeAttempt(outcome string) {
	c.exchangeAttempts.WithLabelValues(outcome).Inc()
}

// ObserveBackendRequest はバックエンドAPI呼び出しを記録する。
// ステータス0は通信エラーを表す。
func (c *Collector) ObserveBackendRequest(route string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	if status == 0 {
		code = "error"
	}
	c.backendRequests.WithLabelValues(route, code).Inc()
	c.backendLatency.WithLabelValues(route).Observe(duration.Seconds())
}

// ObserveDraftSave は下書き保存の結果を記録する。
func (c *Collector) ObserveDraftSave(outcome string, duration time.Duration) {
	c.draftSaves.WithLabelValues(outcome).Inc()
	c.draftSaveLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
