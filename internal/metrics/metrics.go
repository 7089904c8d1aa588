// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 入室判定の結果ラベル
const (
	AdmissionAccepted     = "accepted"
	AdmissionBadRequest   = "bad_request"
	AdmissionUnauthorized = "unauthorized"
	AdmissionForbidden    = "forbidden"
)

// Collector はPrometheusメトリクスを収集する実装。
// Relay・Gateway・取り込みパイプライン・位置情報APIから共有して使用する。
type Collector struct {
	admissions        *prometheus.CounterVec
	activeConnections prometheus.Gauge
	activeRooms       prometheus.Gauge
	messagesPersisted prometheus.Counter
	messagesFailed    *prometheus.CounterVec
	deliveryFailures  prometheus.Counter

	recordsIngested  prometheus.Counter
	recordsDropped   *prometheus.CounterVec
	recordsRetried   prometheus.Counter
	brokerConnects   *prometheus.CounterVec
	ingestLatency    prometheus.Histogram
	locationsPublish *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripchat_admissions_total",
			Help: "チャット接続の入室判定結果別の合計数",
		}, []string{"outcome"}),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripchat_active_connections",
			Help: "現在接続中のチャット接続数",
		}),
		activeRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tripchat_active_rooms",
			Help: "現在存在するチャットルーム数",
		}),
		messagesPersisted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripchat_messages_persisted_total",
			Help: "保存に成功したチャットメッセージの合計数",
		}),
		messagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripchat_messages_failed_total",
			Help: "保存に失敗したチャットメッセージの理由別の合計数",
		}, []string{"reason"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripchat_delivery_failures_total",
			Help: "ルームメンバーへの配信失敗の合計数",
		}),
		recordsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripchat_location_records_ingested_total",
			Help: "保存に成功した位置情報レコードの合計数",
		}),
		recordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripchat_location_records_dropped_total",
			Help: "破棄した位置情報レコードの理由別の合計数",
		}, []string{"reason"}),
		recordsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tripchat_location_records_redelivered_total",
			Help: "保存失敗により再配信を要求した位置情報レコードの合計数",
		}),
		brokerConnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripchat_broker_connect_attempts_total",
			Help: "ブローカー接続試行の結果別の合計数",
		}, []string{"result"}),
		ingestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tripchat_location_ingest_latency_seconds",
			Help:    "位置情報レコード1件の処理レイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		locationsPublish: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripchat_locations_published_total",
			Help: "位置情報APIからブローカーへの送信結果別の合計数",
		}, []string{"result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tripchat_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.admissions,
		c.activeConnections,
		c.activeRooms,
		c.messagesPersisted,
		c.messagesFailed,
		c.deliveryFailures,
		c.recordsIngested,
		c.recordsDropped,
		c.recordsRetried,
		c.brokerConnects,
		c.ingestLatency,
		c.locationsPublish,
		c.httpStatus,
	)

	return c
}

// RecordAdmission は入室判定の結果を記録する。
func (c *Collector) RecordAdmission(outcome string) {
	c.admissions.WithLabelValues(outcome).Inc()
}

// RecordConnectionOpened は接続の開始を記録する。
func (c *Collector) RecordConnectionOpened() {
	c.activeConnections.Inc()
}

// RecordConnectionClosed は接続の終了を記録する。
func (c *Collector) RecordConnectionClosed() {
	c.activeConnections.Dec()
}

// RecordRoomOpened はルームの生成を記録する。
func (c *Collector) RecordRoomOpened() {
	c.activeRooms.Inc()
}

// RecordRoomClosed はルームの破棄を記録する。
func (c *Collector) RecordRoomClosed() {
	c.activeRooms.Dec()
}

// RecordDeliveryFailure は配信失敗を記録する。
func (c *Collector) RecordDeliveryFailure() {
	c.deliveryFailures.Inc()
}

// RecordMessagePersisted はメッセージ保存成功を記録する。
func (c *Collector) RecordMessagePersisted() {
	c.messagesPersisted.Inc()
}

// RecordMessageFailed はメッセージ保存失敗を記録する。
func (c *Collector) RecordMessageFailed(reason string) {
	c.messagesFailed.WithLabelValues(reason).Inc()
}

// RecordRecordIngested は位置情報レコードの保存成功を記録する。
func (c *Collector) RecordRecordIngested() {
	c.recordsIngested.Inc()
}

// RecordRecordDropped は位置情報レコードの破棄を記録する。
func (c *Collector) RecordRecordDropped(reason string) {
	c.recordsDropped.WithLabelValues(reason).Inc()
}

// RecordRecordRedelivered は再配信要求を記録する。
func (c *Collector) RecordRecordRedelivered() {
	c.recordsRetried.Inc()
}

// RecordBrokerConnect はブローカー接続試行の結果を記録する。
func (c *Collector) RecordBrokerConnect(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.brokerConnects.WithLabelValues(result).Inc()
}

// RecordIngestLatency はレコード1件の処理レイテンシを記録する。
func (c *Collector) RecordIngestLatency(duration time.Duration) {
	c.ingestLatency.Observe(duration.Seconds())
}

// RecordLocationPublished は位置情報の送信結果を記録する。
func (c *Collector) RecordLocationPublished(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.locationsPublish.WithLabelValues(result).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
