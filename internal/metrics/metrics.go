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
// 通知フィード、取り込みワーカー、クリーンアップジョブから利用する。
type MetricsCollector interface {
	RecordFeedOperation(op string, err error, duration time.Duration)
	RecordActorLookup(hits, misses int)
	RecordMarked(seen bool, count int)
	RecordIngestSuccess(sourceURL string)
	RecordIngestFailure(sourceURL string, reason string)
	RecordParseFailure(sourceURL string)
	RecordHTTPStatus(statusCode int)
	RecordIngestLatency(duration time.Duration)
	RecordAnnouncementsAdded(count int)
	RecordCleanupDeleted(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	feedOps            *prometheus.CounterVec
	feedLatency        *prometheus.HistogramVec
	actorCacheHits     prometheus.Counter
	actorCacheMisses   prometheus.Counter
	marked             *prometheus.CounterVec
	ingestSuccess      prometheus.Counter
	ingestFail         *prometheus.CounterVec
	parseFail          prometheus.Counter
	httpStatus         *prometheus.CounterVec
	ingestLatency      prometheus.Histogram
	announcementsAdded prometheus.Counter
	cleanupDeleted     prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		feedOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notefeed_feed_operations_total",
			Help: "通知フィード操作の合計数（操作・結果別）",
		}, []string{"op", "outcome"}),
		feedLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "notefeed_feed_operation_seconds",
			Help:    "通知フィード操作のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		actorCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notefeed_actor_cache_hits_total",
			Help: "アクター名キャッシュのヒット数",
		}),
		actorCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notefeed_actor_cache_misses_total",
			Help: "アクター名キャッシュのミス数",
		}),
		marked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notefeed_marked_total",
			Help: "既読・未読に変更を要求された通知IDの合計数",
		}, []string{"state"}),
		ingestSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notefeed_ingest_success_total",
			Help: "お知らせフィード取り込み成功の合計数",
		}),
		ingestFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notefeed_ingest_fail_total",
			Help: "お知らせフィード取り込み失敗の合計数",
		}, []string{"reason"}),
		parseFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notefeed_parse_fail_total",
			Help: "お知らせフィードのパース失敗の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notefeed_ingest_http_status_total",
			Help: "お知らせフィード取得時のHTTPステータスコード別レスポンス数",
		}, []string{"status_code"}),
		ingestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "notefeed_ingest_latency_seconds",
			Help:    "お知らせフィード取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		announcementsAdded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notefeed_announcements_added_total",
			Help: "グローバルフィードに追加されたお知らせの合計数",
		}),
		cleanupDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notefeed_cleanup_deleted_total",
			Help: "クリーンアップジョブで削除された通知の合計数",
		}),
	}

	reg.MustRegister(
		c.feedOps,
		c.feedLatency,
		c.actorCacheHits,
		c.actorCacheMisses,
		c.marked,
		c.ingestSuccess,
		c.ingestFail,
		c.parseFail,
		c.httpStatus,
		c.ingestLatency,
		c.announcementsAdded,
		c.cleanupDeleted,
	)

	return c
}

// RecordFeedOperation はフィード操作の結果とレイテンシを記録する。
func (c *Collector) RecordFeedOperation(op string, err error, duration time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.feedOps.WithLabelValues(op, outcome).Inc()
	c.feedLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordActorLookup はアクター名キャッシュのヒット・ミス数を記録する。
func (c *Collector) RecordActorLookup(hits, misses int) {
	c.actorCacheHits.Add(float64(hits))
	c.actorCacheMisses.Add(float64(misses))
}

// RecordMarked は既読・未読化を要求された件数を記録する。
func (c *Collector) RecordMarked(seen bool, count int) {
	state := "unseen"
	if seen {
		state = "seen"
	}
	c.marked.WithLabelValues(state).Add(float64(count))
}

// RecordIngestSuccess は取り込み成功を記録する。
func (c *Collector) RecordIngestSuccess(sourceURL string) {
	c.ingestSuccess.Inc()
}

// RecordIngestFailure は取り込み失敗を記録する。
func (c *Collector) RecordIngestFailure(sourceURL string, reason string) {
	c.ingestFail.WithLabelValues(reason).Inc()
}

// RecordParseFailure はパース失敗を記録する。
func (c *Collector) RecordParseFailure(sourceURL string) {
	c.parseFail.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordIngestLatency は取り込みのレイテンシを記録する。
func (c *Collector) RecordIngestLatency(duration time.Duration) {
	c.ingestLatency.Observe(duration.Seconds())
}

// RecordAnnouncementsAdded は追加されたお知らせ数を記録する。
func (c *Collector) RecordAnnouncementsAdded(count int) {
	c.announcementsAdded.Add(float64(count))
}

// RecordCleanupDeleted はクリーンアップで削除された件数を記録する。
func (c *Collector) RecordCleanupDeleted(count int64) {
	c.cleanupDeleted.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
